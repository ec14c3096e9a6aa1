package validation

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"VaultGuard-Chain/internal/delegation"
	xerrors "VaultGuard-Chain/internal/errors"
	"VaultGuard-Chain/internal/module"
)

// RootValidationID 是保留给根校验器的校验标识。
const RootValidationID uint32 = 0

// RootAuthorityProvider 提供账户当前的根校验器身份。
type RootAuthorityProvider interface {
	RootAuthority(ctx context.Context, account common.Address) (common.Address, error)
}

// DelegationBridge 是通往委托注册表的窄接口。
// 根校验器的签名检查会额外放行持有 Full/Executor 委托的签名者，
// 委托注册表本身对本包一无所知。
type DelegationBridge interface {
	HasDelegationOfKind(ctx context.Context, delegator, delegatee common.Address, kinds ...delegation.Kind) bool
}

// Manager 负责解析“谁可以授权这笔操作”。
// 操作必须显式声明打算满足的校验器，根校验与模块校验之间不存在隐式回退。
type Manager struct {
	mu         sync.RWMutex
	validators map[uint32]module.Validator
	roots      RootAuthorityProvider
	bridge     DelegationBridge
	dispatcher common.Address
}

// ManagerOption 配置 Manager 的可选行为。
type ManagerOption func(*Manager)

// WithTrustedDispatcher 指定受信任的外部调度方。
// 调度方代根身份提交的操作在根校验下放行，离线签名校验不受影响。
func WithTrustedDispatcher(dispatcher common.Address) ManagerOption {
	return func(m *Manager) {
		m.dispatcher = dispatcher
	}
}

// NewManager 构造校验管理器。
func NewManager(roots RootAuthorityProvider, bridge DelegationBridge, opts ...ManagerOption) *Manager {
	m := &Manager{
		validators: make(map[uint32]module.Validator),
		roots:      roots,
		bridge:     bridge,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// RegisterValidator 注册一个非根校验器。标识零保留给根校验。
func (m *Manager) RegisterValidator(id uint32, v module.Validator) error {
	if id == RootValidationID {
		return xerrors.New(xerrors.CodeInvalidValidator, "校验标识零保留给根校验器")
	}
	if v == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "校验器不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.validators[id]; ok {
		return xerrors.New(xerrors.CodeModuleState, "校验标识已被注册")
	}
	m.validators[id] = v
	return nil
}

// UnregisterValidator 注销一个非根校验器。
func (m *Manager) UnregisterValidator(id uint32) error {
	if id == RootValidationID {
		return xerrors.New(xerrors.CodeInvalidValidator, "根校验器不可注销")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.validators[id]; !ok {
		return xerrors.New(xerrors.CodeModuleState, "校验标识未注册")
	}
	delete(m.validators, id)
	return nil
}

// Validate 判断操作是否被其声明的校验器授权。
func (m *Manager) Validate(ctx context.Context, op module.Operation) error {
	if op.ValidationID == RootValidationID {
		return m.validateRoot(ctx, op)
	}
	v, err := m.resolve(op.ValidationID)
	if err != nil {
		return err
	}
	return v.ValidateOperation(ctx, op)
}

// IsValidSignature 判断离线签名对该账户是否有效。
// 根校验情形下，除根校验器本身外，还接受持有根身份签发的
// Full/Executor 激活委托的签名者。Limited 委托不参与签名校验。
func (m *Manager) IsValidSignature(ctx context.Context, account common.Address, validationID uint32, digest common.Hash, sig []byte) error {
	if validationID != RootValidationID {
		v, err := m.resolve(validationID)
		if err != nil {
			return err
		}
		return v.ValidateSignature(ctx, account, digest, sig)
	}

	root, err := m.roots.RootAuthority(ctx, account)
	if err != nil {
		return err
	}
	signer, err := delegation.RecoverSigner(digest, sig)
	if err != nil {
		return err
	}
	if signer == root {
		return nil
	}
	if m.bridge != nil && m.bridge.HasDelegationOfKind(ctx, root, signer, delegation.KindFull, delegation.KindExecutor) {
		return nil
	}
	return xerrors.New(xerrors.CodeInvalidSignature, "签名者既不是根身份也不持有有效委托",
		xerrors.WithMetadata("account", account.Hex()),
		xerrors.WithMetadata("signer", signer.Hex()),
	)
}

func (m *Manager) validateRoot(ctx context.Context, op module.Operation) error {
	root, err := m.roots.RootAuthority(ctx, op.Account)
	if err != nil {
		return err
	}
	if op.Caller == root || op.Caller == op.Account {
		return nil
	}
	if m.dispatcher != (common.Address{}) && op.Caller == m.dispatcher {
		return nil
	}
	return xerrors.New(xerrors.CodeUnauthorized, "调用者未通过根校验",
		xerrors.WithMetadata("account", op.Account.Hex()),
		xerrors.WithMetadata("caller", op.Caller.Hex()),
	)
}

func (m *Manager) resolve(id uint32) (module.Validator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.validators[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidValidator, "操作声明的校验器不存在")
	}
	return v, nil
}
