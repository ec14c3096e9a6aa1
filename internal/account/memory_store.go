package account

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "VaultGuard-Chain/internal/errors"
)

// MemoryStore 以内存方式保存账户状态，主要用于测试与单机部署。
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[common.Address]*Account
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[common.Address]*Account)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, account *Account) error {
	if account == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "账户不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[account.Address]; ok {
		return ErrAccountExists
	}
	m.accounts[account.Address] = account.clone()
	return nil
}

// Get 返回账户。
func (m *MemoryStore) Get(_ context.Context, addr common.Address) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	account, ok := m.accounts[addr]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return account.clone(), nil
}

// Update 覆盖写入账户。
func (m *MemoryStore) Update(_ context.Context, account *Account) error {
	if account == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "账户不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[account.Address]; !ok {
		return ErrAccountNotFound
	}
	m.accounts[account.Address] = account.clone()
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
