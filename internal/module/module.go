package module

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Kind 标记模块具备的能力类型。
type Kind string

const (
	KindValidator Kind = "validator"
	KindExecutor  Kind = "executor"
	KindHook      Kind = "hook"
)

// IsValidKind 检查能力类型是否为支持的枚举值。
func IsValidKind(kind Kind) bool {
	switch kind {
	case KindValidator, KindExecutor, KindHook:
		return true
	default:
		return false
	}
}

// Operation 描述外部调度方提交给账户的一次操作。
// ValidationID 声明本次操作打算通过哪个校验器授权，零值保留给根校验器，
// 不存在隐式回退。
type Operation struct {
	Account      common.Address `json:"account"`
	Caller       common.Address `json:"caller"`
	Target       common.Address `json:"target"`
	Value        *big.Int       `json:"value"`
	Payload      []byte         `json:"payload"`
	ValidationID uint32         `json:"validation_id"`
}

// Selector 返回操作负载的方法选择子（前四个字节）。
func (op Operation) Selector() [4]byte {
	var sel [4]byte
	copy(sel[:], op.Payload)
	return sel
}

// Module 定义所有可插拔模块必须实现的生命周期协议。
// AccountCore 在安装与卸载时同步调用这些方法，任何失败都会使
// 整个安装或卸载操作失败。
type Module interface {
	// OnInstall 在模块被安装到某账户时调用，initData 由调用方提供。
	OnInstall(ctx context.Context, account common.Address, initData []byte) error
	// OnUninstall 在模块被卸载时调用，负责清理模块自有状态。
	OnUninstall(ctx context.Context, account common.Address, deinitData []byte) error
	// IsModuleType 判断模块是否具备指定能力。
	IsModuleType(kind Kind) bool
}

// Validator 是具备操作授权能力的模块。
type Validator interface {
	Module
	// ValidateOperation 判断操作是否被本模块授权。
	ValidateOperation(ctx context.Context, op Operation) error
	// ValidateSignature 判断离线签名对该账户是否有效。
	ValidateSignature(ctx context.Context, account common.Address, digest common.Hash, sig []byte) error
}

// Hook 是在操作执行前后插入检查的模块。
// PreCheck 返回的不透明令牌会原样传给配对的 PostCheck。
type Hook interface {
	Module
	PreCheck(ctx context.Context, op Operation) ([]byte, error)
	PostCheck(ctx context.Context, token []byte) error
}

// Executor 是具备执行能力的模块。
type Executor interface {
	Module
	ExecuteFromModule(ctx context.Context, op Operation) error
}
