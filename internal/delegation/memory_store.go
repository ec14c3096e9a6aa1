package delegation

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "VaultGuard-Chain/internal/errors"
)

// MemoryStore 以内存方式保存委托状态，主要用于测试与单机部署。
type MemoryStore struct {
	mu          sync.RWMutex
	delegations map[common.Hash]*Delegation
	sequences   map[common.Address]uint64
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		delegations: make(map[common.Hash]*Delegation),
		sequences:   make(map[common.Address]uint64),
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, d *Delegation) error {
	if d == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "委托不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.delegations[d.ID]; ok {
		return ErrDelegationExists
	}
	m.delegations[d.ID] = d.clone()
	return nil
}

// Get 返回委托。
func (m *MemoryStore) Get(_ context.Context, id common.Hash) (*Delegation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.delegations[id]
	if !ok {
		return nil, ErrDelegationNotFound
	}
	return d.clone(), nil
}

// Update 覆盖写入已有委托。
func (m *MemoryStore) Update(_ context.Context, d *Delegation) error {
	if d == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "委托不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.delegations[d.ID]; !ok {
		return ErrDelegationNotFound
	}
	m.delegations[d.ID] = d.clone()
	return nil
}

// ListByDelegator 返回委托人名下的全部委托。
func (m *MemoryStore) ListByDelegator(_ context.Context, delegator common.Address) ([]*Delegation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var results []*Delegation
	for _, d := range m.delegations {
		if d.Delegator == delegator {
			results = append(results, d.clone())
		}
	}
	return results, nil
}

// ListByPair 返回指定委托关系的全部委托。
func (m *MemoryStore) ListByPair(_ context.Context, delegator, delegatee common.Address) ([]*Delegation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var results []*Delegation
	for _, d := range m.delegations {
		if d.Delegator == delegator && d.Delegatee == delegatee {
			results = append(results, d.clone())
		}
	}
	return results, nil
}

// NextSequence 消费并返回下一个序号。
func (m *MemoryStore) NextSequence(_ context.Context, delegator common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[delegator]++
	return m.sequences[delegator], nil
}

// PeekSequence 返回下一个将被消费的序号。
func (m *MemoryStore) PeekSequence(_ context.Context, delegator common.Address) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sequences[delegator] + 1, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
