package spendlimit

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Store 抽象配额配置与账户状态的持久化。
// 配额按 (账户, 资产) 二元键寻址，账户状态按账户寻址。
type Store interface {
	// GetConfig 返回指定资产的配额配置，缺失时返回 ErrNoLimit。
	GetConfig(ctx context.Context, account, asset common.Address) (*Config, error)
	// PutConfig 覆盖写入配额配置。
	PutConfig(ctx context.Context, config *Config) error
	// DeleteConfig 删除配额配置，不存在时视为成功。
	DeleteConfig(ctx context.Context, account, asset common.Address) error
	// ListConfigs 返回账户名下全部配额配置。
	ListConfigs(ctx context.Context, account common.Address) ([]*Config, error)
	// GetAccountState 返回账户级状态，缺失时返回零值状态而非错误。
	GetAccountState(ctx context.Context, account common.Address) (*AccountState, error)
	// PutAccountState 覆盖写入账户级状态。
	PutAccountState(ctx context.Context, state *AccountState) error
	// Purge 清除账户的全部配额配置与账户状态。
	Purge(ctx context.Context, account common.Address) error
	// Close 释放底层资源。
	Close() error
}
