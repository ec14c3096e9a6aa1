package spendlimit

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "VaultGuard-Chain/internal/errors"
)

type configKey struct {
	account common.Address
	asset   common.Address
}

// MemoryStore 是面向测试与单机部署的内存实现。
type MemoryStore struct {
	mu      sync.RWMutex
	configs map[configKey]*Config
	states  map[common.Address]*AccountState
}

// NewMemoryStore 创建一个空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs: make(map[configKey]*Config),
		states:  make(map[common.Address]*AccountState),
	}
}

// GetConfig 实现 Store 接口。
func (s *MemoryStore) GetConfig(ctx context.Context, account, asset common.Address) (*Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	config, ok := s.configs[configKey{account: account, asset: asset}]
	if !ok {
		return nil, ErrNoLimit
	}
	return config.clone(), nil
}

// PutConfig 实现 Store 接口。
func (s *MemoryStore) PutConfig(ctx context.Context, config *Config) error {
	if config == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "配额配置不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[configKey{account: config.Account, asset: config.Asset}] = config.clone()
	return nil
}

// DeleteConfig 实现 Store 接口。
func (s *MemoryStore) DeleteConfig(ctx context.Context, account, asset common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, configKey{account: account, asset: asset})
	return nil
}

// ListConfigs 实现 Store 接口。
func (s *MemoryStore) ListConfigs(ctx context.Context, account common.Address) ([]*Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var results []*Config
	for key, config := range s.configs {
		if key.account == account {
			results = append(results, config.clone())
		}
	}
	return results, nil
}

// GetAccountState 实现 Store 接口。缺失时返回零值状态。
func (s *MemoryStore) GetAccountState(ctx context.Context, account common.Address) (*AccountState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[account]
	if !ok {
		return &AccountState{Account: account}, nil
	}
	return state.clone(), nil
}

// PutAccountState 实现 Store 接口。
func (s *MemoryStore) PutAccountState(ctx context.Context, state *AccountState) error {
	if state == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "账户状态不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.Account] = state.clone()
	return nil
}

// Purge 实现 Store 接口。
func (s *MemoryStore) Purge(ctx context.Context, account common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.configs {
		if key.account == account {
			delete(s.configs, key)
		}
	}
	delete(s.states, account)
	return nil
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
