package delegation

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Store 抽象了委托状态的持久化后端。
type Store interface {
	// Create 写入一条新委托。若标识已存在则返回 ErrDelegationExists。
	Create(ctx context.Context, d *Delegation) error
	// Get 返回指定标识的委托。
	Get(ctx context.Context, id common.Hash) (*Delegation, error)
	// Update 覆盖写入已有委托的可变字段（状态与消费额）。
	Update(ctx context.Context, d *Delegation) error
	// ListByDelegator 返回某委托人名下的全部委托。
	ListByDelegator(ctx context.Context, delegator common.Address) ([]*Delegation, error)
	// ListByPair 返回从委托人到受托人的全部委托。
	ListByPair(ctx context.Context, delegator, delegatee common.Address) ([]*Delegation, error)
	// NextSequence 消费并返回委托人的下一个序号。
	NextSequence(ctx context.Context, delegator common.Address) (uint64, error)
	// PeekSequence 返回委托人下一个将被消费的序号，不产生副作用。
	PeekSequence(ctx context.Context, delegator common.Address) (uint64, error)
	// Close 释放底层资源。
	Close() error
}
