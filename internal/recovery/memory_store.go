package recovery

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "VaultGuard-Chain/internal/errors"
)

// MemoryStore 以内存方式保存守护人状态，主要用于测试与单机部署。
type MemoryStore struct {
	mu       sync.RWMutex
	configs  map[common.Address]*GuardianConfig
	requests map[common.Address]*Request
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs:  make(map[common.Address]*GuardianConfig),
		requests: make(map[common.Address]*Request),
	}
}

// GetConfig 返回账户的守护人配置。
func (m *MemoryStore) GetConfig(_ context.Context, account common.Address) (*GuardianConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	config, ok := m.configs[account]
	if !ok {
		return nil, ErrNoGuardianConfig
	}
	return config.clone(), nil
}

// PutConfig 覆盖写入守护人配置。
func (m *MemoryStore) PutConfig(_ context.Context, config *GuardianConfig) error {
	if config == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "配置不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[config.Account] = config.clone()
	return nil
}

// DeleteConfig 删除账户的守护人配置。
func (m *MemoryStore) DeleteConfig(_ context.Context, account common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.configs, account)
	return nil
}

// GetRequest 返回账户当前的恢复请求。
func (m *MemoryStore) GetRequest(_ context.Context, account common.Address) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	request, ok := m.requests[account]
	if !ok {
		return nil, ErrNoRequest
	}
	return request.clone(), nil
}

// PutRequest 覆盖写入恢复请求。
func (m *MemoryStore) PutRequest(_ context.Context, request *Request) error {
	if request == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "请求不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[request.Account] = request.clone()
	return nil
}

// DeleteRequest 清除账户当前的恢复请求。
func (m *MemoryStore) DeleteRequest(_ context.Context, account common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.requests, account)
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
