package recovery

import (
	"github.com/ethereum/go-ethereum/common"

	xerrors "VaultGuard-Chain/internal/errors"
)

// MinGuardians 是启用守护人恢复所需的最少守护人数量。
// 单守护人恢复路径被明确禁止，避免单点妥协。
const MinGuardians = 2

// GuardianConfig 描述某账户的守护人集合与恢复策略。
type GuardianConfig struct {
	Account       common.Address   `json:"account"`
	Guardians     []common.Address `json:"guardians"`
	Threshold     int              `json:"threshold"`
	RecoveryDelay int64            `json:"recovery_delay"` // 单位：秒
	UpdatedAt     int64            `json:"updated_at"`
}

// IsGuardian 判断给定身份是否为配置内的守护人。
func (c *GuardianConfig) IsGuardian(addr common.Address) bool {
	for _, g := range c.Guardians {
		if g == addr {
			return true
		}
	}
	return false
}

// Validate 校验配置自身的不变量。
func (c *GuardianConfig) Validate() error {
	if len(c.Guardians) < MinGuardians {
		return xerrors.New(xerrors.CodeInvalidConfig, "守护人数量不足")
	}
	if c.Threshold < MinGuardians {
		return xerrors.New(xerrors.CodeInvalidConfig, "恢复阈值不能低于两人")
	}
	if c.Threshold > len(c.Guardians) {
		return xerrors.New(xerrors.CodeInvalidConfig, "恢复阈值不能超过守护人数量")
	}
	if c.RecoveryDelay <= 0 {
		return xerrors.New(xerrors.CodeInvalidConfig, "恢复延迟必须为正")
	}
	seen := make(map[common.Address]bool, len(c.Guardians))
	for _, g := range c.Guardians {
		if g == (common.Address{}) {
			return xerrors.New(xerrors.CodeInvalidConfig, "守护人不能为零地址")
		}
		if seen[g] {
			return xerrors.New(xerrors.CodeInvalidConfig, "守护人重复")
		}
		seen[g] = true
	}
	return nil
}

func (c *GuardianConfig) clone() *GuardianConfig {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Guardians = make([]common.Address, len(c.Guardians))
	copy(cp.Guardians, c.Guardians)
	return &cp
}

// Request 是某账户当前唯一的恢复请求。
type Request struct {
	Account      common.Address   `json:"account"`
	NewAuthority common.Address   `json:"new_authority"`
	InitiatedAt  int64            `json:"initiated_at"`
	Approvals    []common.Address `json:"approvals"`
}

// HasApproved 判断守护人是否已对当前请求表态。
func (r *Request) HasApproved(addr common.Address) bool {
	for _, a := range r.Approvals {
		if a == addr {
			return true
		}
	}
	return false
}

func (r *Request) clone() *Request {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Approvals = make([]common.Address, len(r.Approvals))
	copy(cp.Approvals, r.Approvals)
	return &cp
}

var (
	// ErrNoGuardianConfig 表示账户尚未配置守护人。
	ErrNoGuardianConfig = xerrors.New(CodeNoGuardianConfig, "guardian config not found")
	// ErrNoRequest 表示账户当前没有未决的恢复请求。
	ErrNoRequest = xerrors.New(CodeNoRequest, "no outstanding recovery request")
	// ErrAlreadyInitiated 表示账户已有未决的恢复请求。
	ErrAlreadyInitiated = xerrors.New(CodeAlreadyInitiated, "recovery already initiated")
	// ErrAlreadyApproved 表示守护人重复表态，不会被重复计数。
	ErrAlreadyApproved = xerrors.New(CodeAlreadyApproved, "guardian already approved")
	// ErrDelayNotPassed 表示恢复延迟尚未满足。
	ErrDelayNotPassed = xerrors.New(CodeDelayNotPassed, "recovery delay not passed")
	// ErrThresholdNotMet 表示赞同数尚未达到阈值。
	ErrThresholdNotMet = xerrors.New(CodeThresholdNotMet, "approval threshold not met")
)

const (
	CodeNoGuardianConfig xerrors.Code = "RECOVERY_CONFIG_NOT_FOUND"
	CodeNoRequest        xerrors.Code = "RECOVERY_REQUEST_NOT_FOUND"
	CodeAlreadyInitiated xerrors.Code = "RECOVERY_ALREADY_INITIATED"
	CodeAlreadyApproved  xerrors.Code = "RECOVERY_ALREADY_APPROVED"
	CodeDelayNotPassed   xerrors.Code = "RECOVERY_DELAY_NOT_PASSED"
	CodeThresholdNotMet  xerrors.Code = "RECOVERY_THRESHOLD_NOT_MET"
)

func init() {
	xerrors.Register(CodeNoGuardianConfig, xerrors.Attributes{
		Message:  "guardian config not found",
		Severity: xerrors.SeverityInfo,
		Retry:    xerrors.RetryNever,
		Alert:    false,
	})
	xerrors.Register(CodeNoRequest, xerrors.Attributes{
		Message:  "no outstanding recovery request",
		Severity: xerrors.SeverityInfo,
		Retry:    xerrors.RetryNever,
		Alert:    false,
	})
	xerrors.Register(CodeAlreadyInitiated, xerrors.Attributes{
		Message:  "recovery already initiated",
		Severity: xerrors.SeverityWarning,
		Retry:    xerrors.RetryNever,
		Alert:    true,
	})
	xerrors.Register(CodeAlreadyApproved, xerrors.Attributes{
		Message:  "guardian already approved",
		Severity: xerrors.SeverityInfo,
		Retry:    xerrors.RetryNever,
		Alert:    false,
	})
	xerrors.Register(CodeDelayNotPassed, xerrors.Attributes{
		Message:  "recovery delay not passed",
		Severity: xerrors.SeverityWarning,
		Retry:    xerrors.RetryWithTime,
		Alert:    false,
	})
	xerrors.Register(CodeThresholdNotMet, xerrors.Attributes{
		Message:  "approval threshold not met",
		Severity: xerrors.SeverityInfo,
		Retry:    xerrors.RetryNever,
		Alert:    false,
	})
}
