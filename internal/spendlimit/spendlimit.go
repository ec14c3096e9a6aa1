// Package spendlimit 实现滚动周期的账户级消费配额。
// 它与委托自身的消费上限相互独立：委托上限约束单个受托人，
// 本配额约束整个账户对某项资产的聚合流出。
package spendlimit

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "VaultGuard-Chain/internal/errors"
)

// NativeAsset 标记原生价值转移，使用零地址占位。
var NativeAsset = common.Address{}

// Config 是账户对单项资产的配额配置。
// 周期重置采用惰性求值：无论错过多少个周期，
// 首次越过周期边界的检查只做一次重置。
type Config struct {
	Account      common.Address `json:"account"`
	Asset        common.Address `json:"asset"`
	Limit        *big.Int       `json:"limit"`
	PeriodLength int64          `json:"period_length"`
	Spent        *big.Int       `json:"spent"`
	PeriodStart  int64          `json:"period_start"`
	Enabled      bool           `json:"enabled"`
	UpdatedAt    int64          `json:"updated_at"`
}

// Validate 检查配置的静态约束。
func (c *Config) Validate() error {
	if c.Account == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "账户地址不能为零")
	}
	if c.Limit == nil || c.Limit.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidConfig, "配额上限必须为正")
	}
	if c.PeriodLength <= 0 {
		return xerrors.New(xerrors.CodeInvalidConfig, "配额周期必须为正")
	}
	return nil
}

// Remaining 返回当前周期内的剩余额度。
func (c *Config) Remaining() *big.Int {
	if c.Limit == nil {
		return big.NewInt(0)
	}
	spent := c.Spent
	if spent == nil {
		spent = big.NewInt(0)
	}
	remaining := new(big.Int).Sub(c.Limit, spent)
	if remaining.Sign() < 0 {
		return big.NewInt(0)
	}
	return remaining
}

// periodElapsed 判断给定时刻是否已越过周期边界。
func (c *Config) periodElapsed(now int64) bool {
	return now >= c.PeriodStart+c.PeriodLength
}

func (c *Config) clone() *Config {
	if c == nil {
		return nil
	}
	dup := *c
	if c.Limit != nil {
		dup.Limit = new(big.Int).Set(c.Limit)
	}
	if c.Spent != nil {
		dup.Spent = new(big.Int).Set(c.Spent)
	}
	return &dup
}

// AccountState 保存账户级别的暂停开关与豁免目标白名单。
type AccountState struct {
	Account   common.Address   `json:"account"`
	Paused    bool             `json:"paused"`
	Whitelist []common.Address `json:"whitelist"`
	UpdatedAt int64            `json:"updated_at"`
}

// IsWhitelisted 判断目标是否在豁免名单内。
func (s *AccountState) IsWhitelisted(target common.Address) bool {
	if s == nil {
		return false
	}
	for _, addr := range s.Whitelist {
		if addr == target {
			return true
		}
	}
	return false
}

func (s *AccountState) clone() *AccountState {
	if s == nil {
		return nil
	}
	dup := *s
	dup.Whitelist = append([]common.Address(nil), s.Whitelist...)
	return &dup
}

var (
	// ErrLimitExceeded 表示本次金额超出当前周期剩余额度。
	ErrLimitExceeded = xerrors.New(CodeLimitExceeded, "spending limit exceeded")
	// ErrAccountPaused 表示账户处于暂停状态，拒绝一切受控支出。
	ErrAccountPaused = xerrors.New(CodeAccountPaused, "account is paused")
	// ErrNoLimit 表示该账户对该资产没有配额配置。
	ErrNoLimit = xerrors.New(CodeNoLimit, "spending limit not found")
)

const (
	CodeLimitExceeded xerrors.Code = "SPENDING_LIMIT_EXCEEDED"
	CodeAccountPaused xerrors.Code = "ACCOUNT_PAUSED"
	CodeNoLimit       xerrors.Code = "SPENDING_LIMIT_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeLimitExceeded, xerrors.Attributes{
		Message:  "spending limit exceeded",
		Severity: xerrors.SeverityWarning,
		Retry:    xerrors.RetryWithTime,
		Alert:    false,
	})
	xerrors.Register(CodeAccountPaused, xerrors.Attributes{
		Message:  "account is paused",
		Severity: xerrors.SeverityWarning,
		Retry:    xerrors.RetryNever,
		Alert:    true,
	})
	xerrors.Register(CodeNoLimit, xerrors.Attributes{
		Message:  "spending limit not found",
		Severity: xerrors.SeverityInfo,
		Retry:    xerrors.RetryNever,
		Alert:    false,
	})
}
