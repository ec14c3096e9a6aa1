package delegation

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "VaultGuard-Chain/internal/errors"
)

// Kind 表示委托授予的能力范围。
type Kind string

const (
	KindFull      Kind = "full"
	KindExecutor  Kind = "executor"
	KindValidator Kind = "validator"
	KindLimited   Kind = "limited"
)

// Status 表示委托在生命周期中的状态。
type Status string

const (
	StatusInactive Status = "inactive"
	StatusActive   Status = "active"
	StatusRevoked  Status = "revoked"
	StatusExpired  Status = "expired"
)

// 委托时长的策略边界。
const (
	MinDuration = time.Hour
	MaxDuration = 365 * 24 * time.Hour
)

// Selector 标识 Limited 委托允许调用的方法。
type Selector [4]byte

// String 返回十六进制形式。
func (s Selector) String() string {
	return hexutil.Encode(s[:])
}

// SelectorFromBytes 从字节切片截取前四个字节构造 Selector。
func SelectorFromBytes(b []byte) Selector {
	var sel Selector
	copy(sel[:], b)
	return sel
}

// Delegation 描述一条从委托人到受托人的限时授权。
type Delegation struct {
	ID               common.Hash    `json:"id"`
	Delegator        common.Address `json:"delegator"`
	Delegatee        common.Address `json:"delegatee"`
	Kind             Kind           `json:"kind"`
	Status           Status         `json:"status"`
	StartTime        int64          `json:"start_time"`
	EndTime          int64          `json:"end_time"`
	SpendingLimit    *big.Int       `json:"spending_limit"`
	SpentAmount      *big.Int       `json:"spent_amount"`
	AllowedSelectors []Selector     `json:"allowed_selectors,omitempty"`
	CreatedAt        int64          `json:"created_at"`
	UpdatedAt        int64          `json:"updated_at"`
}

// CreateParams 描述创建委托所需的输入。
type CreateParams struct {
	Delegatee        common.Address
	Kind             Kind
	Duration         time.Duration
	SpendingLimit    *big.Int
	AllowedSelectors []Selector
}

var (
	// ErrDelegationNotFound 表示指定的委托不存在。
	ErrDelegationNotFound = xerrors.New(CodeDelegationNotFound, "delegation not found")
	// ErrDelegationExists 表示派生出的委托标识已被占用。
	ErrDelegationExists = xerrors.New(CodeDelegationExists, "delegation id collision", xerrors.WithSeverity(xerrors.SeverityCritical))
	// ErrDelegationNotActive 表示委托在当前状态下不可用。
	ErrDelegationNotActive = xerrors.New(CodeDelegationNotActive, "delegation not active")
	// ErrDelegationExpired 表示委托已过有效期。
	ErrDelegationExpired = xerrors.New(CodeDelegationExpired, "delegation expired", xerrors.WithRetry(xerrors.RetryNever))
	// ErrSpendingLimitExceeded 表示本次消费会超出委托的额度上限。
	ErrSpendingLimitExceeded = xerrors.New(CodeDelegationLimitExceeded, "delegation spending limit exceeded")
	// ErrNonceMismatch 表示签名携带的序号与期望值不符，可能是重放。
	ErrNonceMismatch = xerrors.New(CodeDelegationNonceMismatch, "delegation nonce mismatch", xerrors.WithAlert(true))
)

const (
	CodeDelegationNotFound      xerrors.Code = "DELEGATION_NOT_FOUND"
	CodeDelegationExists        xerrors.Code = "DELEGATION_ALREADY_EXISTS"
	CodeDelegationNotActive     xerrors.Code = "DELEGATION_NOT_ACTIVE"
	CodeDelegationExpired       xerrors.Code = "DELEGATION_EXPIRED"
	CodeDelegationLimitExceeded xerrors.Code = "DELEGATION_LIMIT_EXCEEDED"
	CodeDelegationNonceMismatch xerrors.Code = "DELEGATION_NONCE_MISMATCH"
	CodeInvalidDelegatee        xerrors.Code = "INVALID_DELEGATEE"
	CodeInvalidDuration         xerrors.Code = "INVALID_DURATION"
)

func init() {
	xerrors.Register(CodeDelegationNotFound, xerrors.Attributes{
		Message:  "delegation not found",
		Severity: xerrors.SeverityInfo,
		Retry:    xerrors.RetryNever,
		Alert:    false,
	})
	xerrors.Register(CodeDelegationExists, xerrors.Attributes{
		Message:  "delegation id collision",
		Severity: xerrors.SeverityCritical,
		Retry:    xerrors.RetryNever,
		Alert:    true,
	})
	xerrors.Register(CodeDelegationNotActive, xerrors.Attributes{
		Message:  "delegation not active",
		Severity: xerrors.SeverityInfo,
		Retry:    xerrors.RetryNever,
		Alert:    false,
	})
	xerrors.Register(CodeDelegationExpired, xerrors.Attributes{
		Message:  "delegation expired",
		Severity: xerrors.SeverityInfo,
		Retry:    xerrors.RetryNever,
		Alert:    false,
	})
	xerrors.Register(CodeDelegationLimitExceeded, xerrors.Attributes{
		Message:  "delegation spending limit exceeded",
		Severity: xerrors.SeverityWarning,
		Retry:    xerrors.RetryWithTime,
		Alert:    false,
	})
	xerrors.Register(CodeDelegationNonceMismatch, xerrors.Attributes{
		Message:  "delegation nonce mismatch",
		Severity: xerrors.SeverityWarning,
		Retry:    xerrors.RetryNever,
		Alert:    true,
	})
	xerrors.Register(CodeInvalidDelegatee, xerrors.Attributes{
		Message:  "delegatee is invalid",
		Severity: xerrors.SeverityInfo,
		Retry:    xerrors.RetryNever,
		Alert:    false,
	})
	xerrors.Register(CodeInvalidDuration, xerrors.Attributes{
		Message:  "delegation duration out of policy bounds",
		Severity: xerrors.SeverityInfo,
		Retry:    xerrors.RetryNever,
		Alert:    false,
	})
}

// IsValidKind 检查给定的委托类型是否为支持的枚举值。
func IsValidKind(kind Kind) bool {
	switch kind {
	case KindFull, KindExecutor, KindValidator, KindLimited:
		return true
	default:
		return false
	}
}

// expiredAt 判断委托在给定时间点是否已过期。
func (d *Delegation) expiredAt(now int64) bool {
	return now > d.EndTime
}

// clone 返回委托的深拷贝，避免调用方篡改存储内的状态。
func (d *Delegation) clone() *Delegation {
	if d == nil {
		return nil
	}
	cp := *d
	if d.SpendingLimit != nil {
		cp.SpendingLimit = new(big.Int).Set(d.SpendingLimit)
	}
	if d.SpentAmount != nil {
		cp.SpentAmount = new(big.Int).Set(d.SpentAmount)
	}
	if len(d.AllowedSelectors) > 0 {
		cp.AllowedSelectors = make([]Selector, len(d.AllowedSelectors))
		copy(cp.AllowedSelectors, d.AllowedSelectors)
	}
	return &cp
}
