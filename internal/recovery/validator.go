package recovery

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"VaultGuard-Chain/internal/delegation"
	xerrors "VaultGuard-Chain/internal/errors"
	"VaultGuard-Chain/internal/events"
	"VaultGuard-Chain/internal/module"
	"VaultGuard-Chain/pkg/logger"
)

// AccountController 是通往账户核心的窄接口。
// 恢复流程只需要读取当前根身份与在阈值满足后回写新的根身份。
type AccountController interface {
	RootAuthority(ctx context.Context, account common.Address) (common.Address, error)
	SetRootAuthorityFromRecovery(ctx context.Context, account, newAuthority common.Address) error
}

// Validator 实现 N-of-M 守护人阈值恢复。
// 状态机：无请求 → 已发起 →（累积赞同）→ 已执行 | 已取消。
// 阈值门与延迟门相互独立，两者同时满足才能执行。
type Validator struct {
	store      Store
	controller AccountController
	publisher  events.Publisher
	now        func() time.Time
}

// Option 配置 Validator 的可选行为。
type Option func(*Validator)

// WithClock 注入自定义时钟，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithPublisher 注入事件发布器。
func WithPublisher(publisher events.Publisher) Option {
	return func(v *Validator) {
		v.publisher = publisher
	}
}

// NewValidator 构造守护人恢复校验器。
func NewValidator(store Store, controller AccountController, opts ...Option) *Validator {
	v := &Validator{store: store, controller: controller, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// SetupGuardians 写入账户的守护人配置，仅限当前根身份调用。
func (v *Validator) SetupGuardians(ctx context.Context, caller common.Address, config GuardianConfig) error {
	if err := v.requireRoot(ctx, caller, config.Account); err != nil {
		return err
	}
	if err := config.Validate(); err != nil {
		return err
	}
	config.UpdatedAt = v.now().Unix()
	return v.store.PutConfig(ctx, &config)
}

// AddGuardian 向配置追加一名守护人。
func (v *Validator) AddGuardian(ctx context.Context, caller, account, guardian common.Address) error {
	if err := v.requireRoot(ctx, caller, account); err != nil {
		return err
	}
	config, err := v.store.GetConfig(ctx, account)
	if err != nil {
		return err
	}
	if config.IsGuardian(guardian) {
		return xerrors.New(xerrors.CodeInvalidConfig, "该身份已是守护人")
	}
	config.Guardians = append(config.Guardians, guardian)
	if err := config.Validate(); err != nil {
		return err
	}
	config.UpdatedAt = v.now().Unix()
	return v.store.PutConfig(ctx, config)
}

// RemoveGuardian 从配置移除一名守护人。
// 移除后必须重新满足阈值不变量，否则整个操作被拒绝。
func (v *Validator) RemoveGuardian(ctx context.Context, caller, account, guardian common.Address) error {
	if err := v.requireRoot(ctx, caller, account); err != nil {
		return err
	}
	config, err := v.store.GetConfig(ctx, account)
	if err != nil {
		return err
	}
	if !config.IsGuardian(guardian) {
		return xerrors.New(xerrors.CodeInvalidConfig, "该身份不是守护人")
	}
	remaining := make([]common.Address, 0, len(config.Guardians)-1)
	for _, g := range config.Guardians {
		if g != guardian {
			remaining = append(remaining, g)
		}
	}
	config.Guardians = remaining
	if err := config.Validate(); err != nil {
		return err
	}
	config.UpdatedAt = v.now().Unix()
	return v.store.PutConfig(ctx, config)
}

// UpdateThreshold 调整恢复阈值。
func (v *Validator) UpdateThreshold(ctx context.Context, caller, account common.Address, threshold int) error {
	if err := v.requireRoot(ctx, caller, account); err != nil {
		return err
	}
	config, err := v.store.GetConfig(ctx, account)
	if err != nil {
		return err
	}
	config.Threshold = threshold
	if err := config.Validate(); err != nil {
		return err
	}
	config.UpdatedAt = v.now().Unix()
	return v.store.PutConfig(ctx, config)
}

// InitiateRecovery 由任一守护人发起恢复请求。
// 同一账户至多一条未决请求；发起不计入赞同数。
func (v *Validator) InitiateRecovery(ctx context.Context, caller, account, newAuthority common.Address) error {
	config, err := v.store.GetConfig(ctx, account)
	if err != nil {
		return err
	}
	if !config.IsGuardian(caller) {
		return xerrors.New(xerrors.CodeUnauthorized, "只有守护人可以发起恢复")
	}
	if newAuthority == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidValidator, "新的根校验器不能为零")
	}
	if _, err := v.store.GetRequest(ctx, account); err == nil {
		return ErrAlreadyInitiated
	} else if !isNoRequest(err) {
		return err
	}

	request := &Request{
		Account:      account,
		NewAuthority: newAuthority,
		InitiatedAt:  v.now().Unix(),
	}
	if err := v.store.PutRequest(ctx, request); err != nil {
		return err
	}
	v.publish(ctx, events.New(events.TypeRecoveryInitiated, account.Hex()).
		WithMetadata("guardian", caller.Hex()).
		WithMetadata("new_authority", newAuthority.Hex()))
	logger.Audit().Info("恢复请求已发起",
		slog.String("account", account.Hex()),
		slog.String("guardian", caller.Hex()),
		slog.String("new_authority", newAuthority.Hex()),
	)
	return nil
}

// ApproveRecovery 由守护人对当前请求表态。重复表态不会被重复计数。
func (v *Validator) ApproveRecovery(ctx context.Context, caller, account common.Address) error {
	config, err := v.store.GetConfig(ctx, account)
	if err != nil {
		return err
	}
	if !config.IsGuardian(caller) {
		return xerrors.New(xerrors.CodeUnauthorized, "只有守护人可以赞同恢复")
	}
	request, err := v.store.GetRequest(ctx, account)
	if err != nil {
		return err
	}
	if request.HasApproved(caller) {
		return ErrAlreadyApproved
	}
	request.Approvals = append(request.Approvals, caller)
	if err := v.store.PutRequest(ctx, request); err != nil {
		return err
	}
	logger.Audit().Info("恢复请求获得赞同",
		slog.String("account", account.Hex()),
		slog.String("guardian", caller.Hex()),
		slog.Int("approvals", len(request.Approvals)),
	)
	return nil
}

// ExecuteRecovery 在阈值与延迟同时满足后执行恢复。
// 延迟门先于阈值门检查，提前满足其中一个不会缩短另一个。
func (v *Validator) ExecuteRecovery(ctx context.Context, account common.Address) error {
	config, err := v.store.GetConfig(ctx, account)
	if err != nil {
		return err
	}
	request, err := v.store.GetRequest(ctx, account)
	if err != nil {
		return err
	}
	if v.now().Unix() < request.InitiatedAt+config.RecoveryDelay {
		return ErrDelayNotPassed
	}
	if len(request.Approvals) < config.Threshold {
		return ErrThresholdNotMet
	}
	if err := v.controller.SetRootAuthorityFromRecovery(ctx, account, request.NewAuthority); err != nil {
		return err
	}
	if err := v.store.DeleteRequest(ctx, account); err != nil {
		return err
	}
	v.publish(ctx, events.New(events.TypeRecoveryExecuted, account.Hex()).
		WithMetadata("new_authority", request.NewAuthority.Hex()))
	logger.Audit().Info("恢复已执行",
		slog.String("account", account.Hex()),
		slog.String("new_authority", request.NewAuthority.Hex()),
	)
	return nil
}

// CancelRecovery 由仍然掌控账户的当前根身份取消未决请求，
// 清除全部已累积的赞同。
func (v *Validator) CancelRecovery(ctx context.Context, caller, account common.Address) error {
	if err := v.requireRoot(ctx, caller, account); err != nil {
		return err
	}
	if _, err := v.store.GetRequest(ctx, account); err != nil {
		return err
	}
	if err := v.store.DeleteRequest(ctx, account); err != nil {
		return err
	}
	v.publish(ctx, events.New(events.TypeRecoveryCancelled, account.Hex()).
		WithMetadata("caller", caller.Hex()))
	logger.Audit().Info("恢复请求已取消",
		slog.String("account", account.Hex()),
		slog.String("caller", caller.Hex()),
	)
	return nil
}

// Config 返回账户的守护人配置。
func (v *Validator) Config(ctx context.Context, account common.Address) (*GuardianConfig, error) {
	return v.store.GetConfig(ctx, account)
}

// PendingRequest 返回账户当前的恢复请求。
func (v *Validator) PendingRequest(ctx context.Context, account common.Address) (*Request, error) {
	return v.store.GetRequest(ctx, account)
}

// OnInstall 实现模块协议：initData 携带初始守护人配置。
func (v *Validator) OnInstall(ctx context.Context, account common.Address, initData []byte) error {
	if len(initData) == 0 {
		return xerrors.New(xerrors.CodeInvalidConfig, "恢复模块需要初始守护人配置")
	}
	var config GuardianConfig
	if err := json.Unmarshal(initData, &config); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidConfig, err, "解析守护人配置失败")
	}
	config.Account = account
	if err := config.Validate(); err != nil {
		return err
	}
	config.UpdatedAt = v.now().Unix()
	return v.store.PutConfig(ctx, &config)
}

// OnUninstall 实现模块协议：清除配置与未决请求。
func (v *Validator) OnUninstall(ctx context.Context, account common.Address, _ []byte) error {
	if err := v.store.DeleteRequest(ctx, account); err != nil {
		return err
	}
	return v.store.DeleteConfig(ctx, account)
}

// IsModuleType 实现模块协议。
func (v *Validator) IsModuleType(kind module.Kind) bool {
	return kind == module.KindValidator
}

// ValidateOperation 实现校验器能力：操作调用者必须是配置内的守护人。
func (v *Validator) ValidateOperation(ctx context.Context, op module.Operation) error {
	config, err := v.store.GetConfig(ctx, op.Account)
	if err != nil {
		return err
	}
	if !config.IsGuardian(op.Caller) {
		return xerrors.New(xerrors.CodeUnauthorized, "调用者不是该账户的守护人")
	}
	return nil
}

// ValidateSignature 实现校验器能力：签名者必须是配置内的守护人。
func (v *Validator) ValidateSignature(ctx context.Context, account common.Address, digest common.Hash, sig []byte) error {
	config, err := v.store.GetConfig(ctx, account)
	if err != nil {
		return err
	}
	signer, err := delegation.RecoverSigner(digest, sig)
	if err != nil {
		return err
	}
	if !config.IsGuardian(signer) {
		return xerrors.New(xerrors.CodeInvalidSignature, "签名者不是该账户的守护人")
	}
	return nil
}

func (v *Validator) requireRoot(ctx context.Context, caller, account common.Address) error {
	root, err := v.controller.RootAuthority(ctx, account)
	if err != nil {
		return err
	}
	if caller != root {
		return xerrors.New(xerrors.CodeUnauthorized, "只有当前根身份可以管理守护人")
	}
	return nil
}

func (v *Validator) publish(ctx context.Context, event events.Event) {
	if v.publisher == nil {
		return
	}
	if err := v.publisher.Publish(ctx, event); err != nil {
		logger.L().Error("事件发布失败", slog.Any("error", err), slog.String("event_type", string(event.Type)))
	}
}

func isNoRequest(err error) bool {
	return xerrors.CodeOf(err) == CodeNoRequest
}

// ensure interface compliance at compile time
var _ module.Validator = (*Validator)(nil)
