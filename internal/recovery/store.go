package recovery

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Store 抽象了守护人配置与恢复请求的持久化后端。
// 每个账户至多存在一条未决恢复请求。
type Store interface {
	GetConfig(ctx context.Context, account common.Address) (*GuardianConfig, error)
	PutConfig(ctx context.Context, config *GuardianConfig) error
	DeleteConfig(ctx context.Context, account common.Address) error

	GetRequest(ctx context.Context, account common.Address) (*Request, error)
	PutRequest(ctx context.Context, request *Request) error
	DeleteRequest(ctx context.Context, account common.Address) error

	Close() error
}
