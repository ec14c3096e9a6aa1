package spendlimit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "VaultGuard-Chain/internal/errors"
	"VaultGuard-Chain/internal/events"
	"VaultGuard-Chain/internal/module"
	"VaultGuard-Chain/pkg/logger"
)

// erc20TransferSelector 是 ERC-20 transfer(address,uint256) 的方法选择子。
var erc20TransferSelector = [4]byte{0xa9, 0x05, 0x9c, 0xbb}

// RootProvider 是通往账户核心的窄接口，仅用于行政操作鉴权。
type RootProvider interface {
	RootAuthority(ctx context.Context, account common.Address) (common.Address, error)
}

// Hook 实现滚动周期配额的前置拦截。
// 配额记账发生在 PreCheck 内：被拦截的操作不计入消费，
// 通过拦截但后续执行失败的操作仍然计入（见 PostCheck）。
type Hook struct {
	store     Store
	roots     RootProvider
	publisher events.Publisher
	now       func() time.Time
}

// Option 配置 Hook 的可选行为。
type Option func(*Hook)

// WithClock 注入自定义时钟，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(h *Hook) {
		if now != nil {
			h.now = now
		}
	}
}

// WithPublisher 注入事件发布器。
func WithPublisher(publisher events.Publisher) Option {
	return func(h *Hook) {
		h.publisher = publisher
	}
}

// NewHook 构造消费配额钩子。
func NewHook(store Store, roots RootProvider, opts ...Option) *Hook {
	h := &Hook{store: store, roots: roots, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// preToken 是 PreCheck 与 PostCheck 之间传递的不透明令牌。
type preToken struct {
	Account common.Address `json:"account"`
	Asset   common.Address `json:"asset"`
	Amount  string         `json:"amount"`
}

// PreCheck 实现钩子能力。
// 求值顺序：白名单豁免 → 暂停拦截 → 惰性周期重置（至多一次）→ 额度闸门。
func (h *Hook) PreCheck(ctx context.Context, op module.Operation) ([]byte, error) {
	asset, amount := decodeSpend(op)
	if amount == nil || amount.Sign() == 0 {
		return nil, nil
	}

	state, err := h.store.GetAccountState(ctx, op.Account)
	if err != nil {
		return nil, err
	}
	if state.IsWhitelisted(op.Target) || state.IsWhitelisted(op.Caller) {
		return nil, nil
	}
	if state.Paused {
		h.publishRejected(ctx, op.Account, asset, amount, CodeAccountPaused)
		return nil, ErrAccountPaused
	}

	config, err := h.store.GetConfig(ctx, op.Account, asset)
	if err != nil {
		if xerrors.CodeOf(err) == CodeNoLimit {
			return nil, nil
		}
		return nil, err
	}
	if !config.Enabled {
		return nil, nil
	}

	now := h.now().Unix()
	// 无论错过多少个整周期，只做一次重置。
	if config.periodElapsed(now) {
		config.Spent = big.NewInt(0)
		config.PeriodStart = now
	}

	spent := config.Spent
	if spent == nil {
		spent = big.NewInt(0)
	}
	next := new(big.Int).Add(spent, amount)
	if next.Cmp(config.Limit) > 0 {
		// 周期重置的状态变化需要落盘，拒绝不能回退已生效的重置。
		config.UpdatedAt = now
		if err := h.store.PutConfig(ctx, config); err != nil {
			return nil, err
		}
		h.publishRejected(ctx, op.Account, asset, amount, CodeLimitExceeded)
		return nil, xerrors.Wrap(CodeLimitExceeded, ErrLimitExceeded, "",
			xerrors.WithMetadata("asset", asset.Hex()),
			xerrors.WithMetadata("requested", amount.String()),
			xerrors.WithMetadata("remaining", config.Remaining().String()),
		)
	}

	config.Spent = next
	config.UpdatedAt = now
	if err := h.store.PutConfig(ctx, config); err != nil {
		return nil, err
	}

	h.publish(ctx, events.New(events.TypeSpendRecorded, op.Account.Hex()).
		WithMetadata("asset", asset.Hex()).
		WithMetadata("amount", amount.String()).
		WithMetadata("remaining", config.Remaining().String()))
	logger.Audit().Info("配额记账",
		slog.String("account", op.Account.Hex()),
		slog.String("asset", asset.Hex()),
		slog.String("amount", amount.String()),
	)

	token, err := json.Marshal(preToken{Account: op.Account, Asset: asset, Amount: amount.String()})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "编码配额令牌失败")
	}
	return token, nil
}

// PostCheck 实现钩子能力。
// 已记账的消费不随下游执行失败回滚：尝试过的支出视为已消耗的额度。
func (h *Hook) PostCheck(ctx context.Context, token []byte) error {
	if len(token) == 0 {
		return nil
	}
	var decoded preToken
	if err := json.Unmarshal(token, &decoded); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析配额令牌失败")
	}
	return nil
}

// SetLimit 设置或更新某项资产的配额，仅限根身份调用。
// 设置新上限会开启一个新周期。
func (h *Hook) SetLimit(ctx context.Context, caller, account, asset common.Address, limit *big.Int, periodLength int64) error {
	if err := h.requireRoot(ctx, caller, account); err != nil {
		return err
	}
	now := h.now().Unix()
	config := &Config{
		Account:      account,
		Asset:        asset,
		Limit:        limit,
		PeriodLength: periodLength,
		Spent:        big.NewInt(0),
		PeriodStart:  now,
		Enabled:      true,
		UpdatedAt:    now,
	}
	if err := config.Validate(); err != nil {
		return err
	}
	return h.store.PutConfig(ctx, config)
}

// RemoveLimit 删除某项资产的配额，仅限根身份调用。
func (h *Hook) RemoveLimit(ctx context.Context, caller, account, asset common.Address) error {
	if err := h.requireRoot(ctx, caller, account); err != nil {
		return err
	}
	return h.store.DeleteConfig(ctx, account, asset)
}

// ResetPeriod 显式滚动周期。周期尚未结束时是无操作，
// 防止所有者在周期中途清零已用额度绕过配额。
func (h *Hook) ResetPeriod(ctx context.Context, caller, account, asset common.Address) error {
	if err := h.requireRoot(ctx, caller, account); err != nil {
		return err
	}
	config, err := h.store.GetConfig(ctx, account, asset)
	if err != nil {
		return err
	}
	now := h.now().Unix()
	if !config.periodElapsed(now) {
		return nil
	}
	config.Spent = big.NewInt(0)
	config.PeriodStart = now
	config.UpdatedAt = now
	return h.store.PutConfig(ctx, config)
}

// Pause 暂停账户的全部受控支出，仅限根身份调用。
func (h *Hook) Pause(ctx context.Context, caller, account common.Address) error {
	return h.setPaused(ctx, caller, account, true)
}

// Unpause 恢复账户的受控支出，仅限根身份调用。
func (h *Hook) Unpause(ctx context.Context, caller, account common.Address) error {
	return h.setPaused(ctx, caller, account, false)
}

func (h *Hook) setPaused(ctx context.Context, caller, account common.Address, paused bool) error {
	if err := h.requireRoot(ctx, caller, account); err != nil {
		return err
	}
	state, err := h.store.GetAccountState(ctx, account)
	if err != nil {
		return err
	}
	state.Paused = paused
	state.UpdatedAt = h.now().Unix()
	if err := h.store.PutAccountState(ctx, state); err != nil {
		return err
	}
	logger.Audit().Info("账户暂停状态变更",
		slog.String("account", account.Hex()),
		slog.Bool("paused", paused),
	)
	return nil
}

// AddWhitelist 将目标加入豁免名单，仅限根身份调用。
func (h *Hook) AddWhitelist(ctx context.Context, caller, account, target common.Address) error {
	if err := h.requireRoot(ctx, caller, account); err != nil {
		return err
	}
	state, err := h.store.GetAccountState(ctx, account)
	if err != nil {
		return err
	}
	if state.IsWhitelisted(target) {
		return nil
	}
	state.Whitelist = append(state.Whitelist, target)
	state.UpdatedAt = h.now().Unix()
	return h.store.PutAccountState(ctx, state)
}

// RemoveWhitelist 将目标移出豁免名单，仅限根身份调用。
func (h *Hook) RemoveWhitelist(ctx context.Context, caller, account, target common.Address) error {
	if err := h.requireRoot(ctx, caller, account); err != nil {
		return err
	}
	state, err := h.store.GetAccountState(ctx, account)
	if err != nil {
		return err
	}
	remaining := make([]common.Address, 0, len(state.Whitelist))
	for _, addr := range state.Whitelist {
		if addr != target {
			remaining = append(remaining, addr)
		}
	}
	state.Whitelist = remaining
	state.UpdatedAt = h.now().Unix()
	return h.store.PutAccountState(ctx, state)
}

// Limits 返回账户名下全部配额配置。
func (h *Hook) Limits(ctx context.Context, account common.Address) ([]*Config, error) {
	return h.store.ListConfigs(ctx, account)
}

// State 返回账户级状态。
func (h *Hook) State(ctx context.Context, account common.Address) (*AccountState, error) {
	return h.store.GetAccountState(ctx, account)
}

// OnInstall 实现模块协议：initData 可携带初始配额配置列表。
func (h *Hook) OnInstall(ctx context.Context, account common.Address, initData []byte) error {
	if len(initData) == 0 {
		return nil
	}
	var configs []Config
	if err := json.Unmarshal(initData, &configs); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidConfig, err, "解析配额配置失败")
	}
	now := h.now().Unix()
	for i := range configs {
		config := configs[i]
		config.Account = account
		if err := config.Validate(); err != nil {
			return err
		}
		config.Spent = big.NewInt(0)
		config.PeriodStart = now
		config.Enabled = true
		config.UpdatedAt = now
		if err := h.store.PutConfig(ctx, &config); err != nil {
			return err
		}
	}
	return nil
}

// OnUninstall 实现模块协议：清除账户的全部配额状态。
func (h *Hook) OnUninstall(ctx context.Context, account common.Address, _ []byte) error {
	return h.store.Purge(ctx, account)
}

// IsModuleType 实现模块协议。
func (h *Hook) IsModuleType(kind module.Kind) bool {
	return kind == module.KindHook
}

func (h *Hook) requireRoot(ctx context.Context, caller, account common.Address) error {
	root, err := h.roots.RootAuthority(ctx, account)
	if err != nil {
		return err
	}
	if caller != root {
		return xerrors.New(xerrors.CodeUnauthorized, "只有当前根身份可以管理消费配额")
	}
	return nil
}

func (h *Hook) publish(ctx context.Context, event events.Event) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.Publish(ctx, event); err != nil {
		logger.L().Error("事件发布失败", slog.Any("error", err), slog.String("event_type", string(event.Type)))
	}
}

func (h *Hook) publishRejected(ctx context.Context, account, asset common.Address, amount *big.Int, code xerrors.Code) {
	h.publish(ctx, events.New(events.TypeSpendRejected, account.Hex()).
		WithCode(code).
		WithMetadata("asset", asset.Hex()).
		WithMetadata("amount", amount.String()))
}

// decodeSpend 从操作描述中解出资产与金额。
// ERC-20 transfer 调用按目标合约记账，其余操作按原生价值记账。
func decodeSpend(op module.Operation) (common.Address, *big.Int) {
	if len(op.Payload) >= 68 && bytes.Equal(op.Payload[:4], erc20TransferSelector[:]) {
		amount := new(big.Int).SetBytes(op.Payload[36:68])
		return op.Target, amount
	}
	if op.Value != nil && op.Value.Sign() > 0 {
		return NativeAsset, new(big.Int).Set(op.Value)
	}
	return NativeAsset, nil
}

// ensure interface compliance at compile time
var _ module.Hook = (*Hook)(nil)
