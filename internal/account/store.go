package account

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Store 抽象了账户聚合的持久化后端。
// 对同一账户的写入由上层 Core 串行化，实现无需提供跨操作的事务语义。
type Store interface {
	// Create 写入新账户。地址已存在则返回 ErrAccountExists。
	Create(ctx context.Context, account *Account) error
	// Get 返回指定地址的账户。
	Get(ctx context.Context, addr common.Address) (*Account, error)
	// Update 覆盖写入账户的可变字段。
	Update(ctx context.Context, account *Account) error
	// Close 释放底层资源。
	Close() error
}
