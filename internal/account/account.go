package account

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "VaultGuard-Chain/internal/errors"
	"VaultGuard-Chain/internal/module"
)

// EmergencyDelay 是紧急逃生通道要求的最短静默时间。
// 自最后一次成功授权操作起，只有超过该时长后紧急身份才能重置根校验器。
const EmergencyDelay = 30 * 24 * time.Hour

// Account 是授权引擎内的账户聚合。
// 每个账户独占自己的全部状态，不存在跨账户别名。
type Account struct {
	Address           common.Address                   `json:"address"`
	RootAuthority     common.Address                   `json:"root_authority"`
	EmergencyIdentity common.Address                   `json:"emergency_identity"`
	LastActivityTime  int64                            `json:"last_activity_time"`
	Modules           map[module.Kind][]common.Address `json:"modules,omitempty"`
	CreatedAt         int64                            `json:"created_at"`
	UpdatedAt         int64                            `json:"updated_at"`
}

// HasModule 判断某能力类型下是否已安装指定模块。
func (a *Account) HasModule(kind module.Kind, ref common.Address) bool {
	for _, installed := range a.Modules[kind] {
		if installed == ref {
			return true
		}
	}
	return false
}

func (a *Account) addModule(kind module.Kind, ref common.Address) {
	if a.Modules == nil {
		a.Modules = make(map[module.Kind][]common.Address)
	}
	a.Modules[kind] = append(a.Modules[kind], ref)
}

func (a *Account) removeModule(kind module.Kind, ref common.Address) {
	installed := a.Modules[kind]
	for i, addr := range installed {
		if addr == ref {
			a.Modules[kind] = append(installed[:i], installed[i+1:]...)
			return
		}
	}
}

// clone 返回账户的深拷贝。
func (a *Account) clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	if a.Modules != nil {
		cp.Modules = make(map[module.Kind][]common.Address, len(a.Modules))
		for kind, refs := range a.Modules {
			cloned := make([]common.Address, len(refs))
			copy(cloned, refs)
			cp.Modules[kind] = cloned
		}
	}
	return &cp
}

var (
	// ErrAccountNotFound 表示指定账户不存在。
	ErrAccountNotFound = xerrors.New(CodeAccountNotFound, "account not found")
	// ErrAccountExists 表示账户地址已被占用。
	ErrAccountExists = xerrors.New(CodeAccountExists, "account already exists")
	// ErrEmergencyDelayNotPassed 表示自上次活动以来的静默期尚未满足。
	ErrEmergencyDelayNotPassed = xerrors.New(CodeEmergencyDelayNotPassed, "emergency delay not passed")
	// ErrReentrantCall 表示在同一账户的操作执行期间再次进入了授权边界。
	ErrReentrantCall = xerrors.New(CodeReentrantCall, "reentrant call into account", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeAccountNotFound         xerrors.Code = "ACCOUNT_NOT_FOUND"
	CodeAccountExists           xerrors.Code = "ACCOUNT_ALREADY_EXISTS"
	CodeEmergencyDelayNotPassed xerrors.Code = "EMERGENCY_DELAY_NOT_PASSED"
	CodeReentrantCall           xerrors.Code = "REENTRANT_CALL"
)

func init() {
	xerrors.Register(CodeAccountNotFound, xerrors.Attributes{
		Message:  "account not found",
		Severity: xerrors.SeverityInfo,
		Retry:    xerrors.RetryNever,
		Alert:    false,
	})
	xerrors.Register(CodeAccountExists, xerrors.Attributes{
		Message:  "account already exists",
		Severity: xerrors.SeverityInfo,
		Retry:    xerrors.RetryNever,
		Alert:    false,
	})
	xerrors.Register(CodeEmergencyDelayNotPassed, xerrors.Attributes{
		Message:  "emergency delay not passed",
		Severity: xerrors.SeverityWarning,
		Retry:    xerrors.RetryWithTime,
		Alert:    true,
	})
	xerrors.Register(CodeReentrantCall, xerrors.Attributes{
		Message:  "reentrant call into account",
		Severity: xerrors.SeverityCritical,
		Retry:    xerrors.RetryNever,
		Alert:    true,
	})
}
