package account

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "VaultGuard-Chain/internal/errors"
	"VaultGuard-Chain/internal/events"
	"VaultGuard-Chain/internal/module"
	"VaultGuard-Chain/internal/validation"
	"VaultGuard-Chain/pkg/logger"
)

// EffectFunc 执行操作的实际效果。授权引擎本身不关心效果的具体含义，
// 只保证效果执行失败时整个操作以失败结束。
type EffectFunc func(ctx context.Context, op module.Operation) error

// Core 是账户所有状态变更操作的唯一入口。
// 每次操作恰好由根身份、某个已安装校验器模块或一条激活委托授权；
// 授权通过后先执行已安装 Hook 的前置检查，再落效果，再执行后置检查，
// 最后记录账户活动时间。任何一步失败都不会留下部分效果。
type Core struct {
	store      Store
	validators *validation.Manager
	publisher  events.Publisher
	effector   EffectFunc
	now        func() time.Time

	handleMu sync.RWMutex
	handles  map[common.Address]module.Module

	busyMu sync.Mutex
	busy   map[common.Address]bool
}

// CoreOption 配置 Core 的可选行为。
type CoreOption func(*Core)

// WithClock 注入自定义时钟，主要用于测试。
func WithClock(now func() time.Time) CoreOption {
	return func(c *Core) {
		if now != nil {
			c.now = now
		}
	}
}

// WithEffector 注入操作效果的执行函数。
func WithEffector(effector EffectFunc) CoreOption {
	return func(c *Core) {
		c.effector = effector
	}
}

// WithPublisher 注入事件发布器。
func WithPublisher(publisher events.Publisher) CoreOption {
	return func(c *Core) {
		c.publisher = publisher
	}
}

// NewCore 构造账户核心。
func NewCore(store Store, validators *validation.Manager, opts ...CoreOption) *Core {
	c := &Core{
		store:      store,
		validators: validators,
		now:        time.Now,
		handles:    make(map[common.Address]module.Module),
		busy:       make(map[common.Address]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// CreateParams 描述创建账户所需的输入。
type CreateParams struct {
	Address           common.Address
	RootAuthority     common.Address
	EmergencyIdentity common.Address
}

// CreateAccount 初始化一个新账户。紧急身份自创建起不可变更。
func (c *Core) CreateAccount(ctx context.Context, params CreateParams) (*Account, error) {
	if params.Address == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "账户地址不能为零")
	}
	if params.RootAuthority == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidValidator, "根校验器不能为零")
	}
	if params.EmergencyIdentity == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidConfig, "紧急身份不能为零")
	}
	now := c.now().Unix()
	account := &Account{
		Address:           params.Address,
		RootAuthority:     params.RootAuthority,
		EmergencyIdentity: params.EmergencyIdentity,
		LastActivityTime:  now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := c.store.Create(ctx, account); err != nil {
		return nil, err
	}
	logger.Audit().Info("账户已创建",
		slog.String("account", account.Address.Hex()),
		slog.String("root_authority", account.RootAuthority.Hex()),
	)
	return account.clone(), nil
}

// Get 返回账户当前状态。
func (c *Core) Get(ctx context.Context, addr common.Address) (*Account, error) {
	return c.store.Get(ctx, addr)
}

// RootAuthority 实现 validation.RootAuthorityProvider。
func (c *Core) RootAuthority(ctx context.Context, addr common.Address) (common.Address, error) {
	account, err := c.store.Get(ctx, addr)
	if err != nil {
		return common.Address{}, err
	}
	return account.RootAuthority, nil
}

// RegisterModuleHandle 在运行时注册模块实现，供安装引用。
func (c *Core) RegisterModuleHandle(ref common.Address, handle module.Module) error {
	if ref == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "模块引用不能为零")
	}
	if handle == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "模块实现不能为空")
	}
	c.handleMu.Lock()
	defer c.handleMu.Unlock()
	if _, ok := c.handles[ref]; ok {
		return xerrors.New(xerrors.CodeModuleState, "模块引用已被注册")
	}
	c.handles[ref] = handle
	return nil
}

// Execute 执行一笔经过授权的操作。
func (c *Core) Execute(ctx context.Context, op module.Operation) error {
	if op.Account == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "操作必须指定账户")
	}
	release, err := c.acquire(op.Account)
	if err != nil {
		return err
	}
	defer release()

	account, err := c.store.Get(ctx, op.Account)
	if err != nil {
		return err
	}

	// 授权完全交给校验管理器：操作声明的校验器是唯一的授权来源。
	if err := c.validators.Validate(ctx, op); err != nil {
		c.rejected(ctx, op, err)
		return err
	}

	// Hook 前置检查。任何一个 Hook 拒绝都会使整个操作失败。
	hooks, tokens, err := c.runPreChecks(ctx, account, op)
	if err != nil {
		c.rejected(ctx, op, err)
		return err
	}

	if err := c.applyEffect(ctx, account, op); err != nil {
		c.rejected(ctx, op, err)
		return err
	}

	for i, hook := range hooks {
		if err := hook.PostCheck(ctx, tokens[i]); err != nil {
			c.rejected(ctx, op, err)
			return err
		}
	}

	account.LastActivityTime = c.now().Unix()
	account.UpdatedAt = account.LastActivityTime
	if err := c.store.Update(ctx, account); err != nil {
		return err
	}

	c.publish(ctx, events.New(events.TypeOperationExecuted, op.Account.Hex()).
		WithMetadata("caller", op.Caller.Hex()).
		WithMetadata("target", op.Target.Hex()))
	logger.Audit().Info("操作已执行",
		slog.String("account", op.Account.Hex()),
		slog.String("caller", op.Caller.Hex()),
		slog.String("target", op.Target.Hex()),
	)
	return nil
}

// InstallModule 为账户安装一个模块。
// 重复安装视为状态冲突；模块初始化失败会使整个安装失败。
func (c *Core) InstallModule(ctx context.Context, caller, addr common.Address, kind module.Kind, ref common.Address, initData []byte) error {
	if !module.IsValidKind(kind) {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的模块能力类型")
	}
	release, err := c.acquire(addr)
	if err != nil {
		return err
	}
	defer release()

	account, err := c.store.Get(ctx, addr)
	if err != nil {
		return err
	}
	if caller != account.RootAuthority {
		return xerrors.New(xerrors.CodeUnauthorized, "只有根身份可以安装模块")
	}
	handle, err := c.handle(ref)
	if err != nil {
		return err
	}
	if !handle.IsModuleType(kind) {
		return xerrors.New(xerrors.CodeInvalidConfig, "模块不具备声明的能力类型")
	}
	if account.HasModule(kind, ref) {
		return xerrors.New(xerrors.CodeModuleState, "模块已安装")
	}
	if err := handle.OnInstall(ctx, addr, initData); err != nil {
		return xerrors.Wrap(xerrors.CodeModuleState, err, "模块初始化失败")
	}

	account.addModule(kind, ref)
	account.LastActivityTime = c.now().Unix()
	account.UpdatedAt = account.LastActivityTime
	if err := c.store.Update(ctx, account); err != nil {
		return err
	}
	c.publish(ctx, events.New(events.TypeModuleInstalled, addr.Hex()).
		WithMetadata("module", ref.Hex()).
		WithMetadata("kind", string(kind)))
	logger.Audit().Info("模块已安装",
		slog.String("account", addr.Hex()),
		slog.String("module", ref.Hex()),
		slog.String("kind", string(kind)),
	)
	return nil
}

// UninstallModule 卸载账户上的模块。
func (c *Core) UninstallModule(ctx context.Context, caller, addr common.Address, kind module.Kind, ref common.Address, deinitData []byte) error {
	if !module.IsValidKind(kind) {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的模块能力类型")
	}
	release, err := c.acquire(addr)
	if err != nil {
		return err
	}
	defer release()

	account, err := c.store.Get(ctx, addr)
	if err != nil {
		return err
	}
	if caller != account.RootAuthority {
		return xerrors.New(xerrors.CodeUnauthorized, "只有根身份可以卸载模块")
	}
	if !account.HasModule(kind, ref) {
		return xerrors.New(xerrors.CodeModuleState, "模块未安装")
	}
	handle, err := c.handle(ref)
	if err != nil {
		return err
	}
	if err := handle.OnUninstall(ctx, addr, deinitData); err != nil {
		return xerrors.Wrap(xerrors.CodeModuleState, err, "模块清理失败")
	}

	account.removeModule(kind, ref)
	account.LastActivityTime = c.now().Unix()
	account.UpdatedAt = account.LastActivityTime
	if err := c.store.Update(ctx, account); err != nil {
		return err
	}
	c.publish(ctx, events.New(events.TypeModuleUninstalled, addr.Hex()).
		WithMetadata("module", ref.Hex()).
		WithMetadata("kind", string(kind)))
	return nil
}

// SetRootAuthority 更换账户的根校验器，仅限当前根身份调用。
func (c *Core) SetRootAuthority(ctx context.Context, caller, addr, newAuthority common.Address) error {
	release, err := c.acquire(addr)
	if err != nil {
		return err
	}
	defer release()

	account, err := c.store.Get(ctx, addr)
	if err != nil {
		return err
	}
	if caller != account.RootAuthority {
		return xerrors.New(xerrors.CodeUnauthorized, "只有当前根身份可以更换根校验器")
	}
	return c.resetRoot(ctx, account, newAuthority, "root")
}

// SetRootAuthorityFromRecovery 由守护人恢复流程回调，更换根校验器。
// 调用方（恢复模块）自行完成阈值与延迟校验。
func (c *Core) SetRootAuthorityFromRecovery(ctx context.Context, addr, newAuthority common.Address) error {
	release, err := c.acquire(addr)
	if err != nil {
		return err
	}
	defer release()

	account, err := c.store.Get(ctx, addr)
	if err != nil {
		return err
	}
	return c.resetRoot(ctx, account, newAuthority, "guardian_recovery")
}

// EmergencyRecovery 是最后手段的逃生通道：只有创建时固化的紧急身份，
// 且账户静默超过 EmergencyDelay 后，才能重置根校验器。
// 成功后活动时间被重置为当前时间，新的静默窗口重新开始计算。
func (c *Core) EmergencyRecovery(ctx context.Context, caller, addr, newAuthority common.Address) error {
	release, err := c.acquire(addr)
	if err != nil {
		return err
	}
	defer release()

	account, err := c.store.Get(ctx, addr)
	if err != nil {
		return err
	}
	if caller != account.EmergencyIdentity {
		return xerrors.New(xerrors.CodeUnauthorized, "只有紧急身份可以触发逃生通道")
	}
	now := c.now().Unix()
	if now <= account.LastActivityTime+int64(EmergencyDelay/time.Second) {
		return xerrors.Wrap(CodeEmergencyDelayNotPassed, ErrEmergencyDelayNotPassed, "",
			xerrors.WithMetadata("last_activity", time.Unix(account.LastActivityTime, 0).Format(time.RFC3339)),
		)
	}
	if err := c.resetRoot(ctx, account, newAuthority, "emergency"); err != nil {
		return err
	}
	c.publish(ctx, events.New(events.TypeEmergencyRecovery, addr.Hex()).
		WithMetadata("new_authority", newAuthority.Hex()))
	return nil
}

// IsValidSignature 供外部调度方进行离线授权检查。
func (c *Core) IsValidSignature(ctx context.Context, addr common.Address, validationID uint32, digest common.Hash, sig []byte) error {
	return c.validators.IsValidSignature(ctx, addr, validationID, digest, sig)
}

func (c *Core) resetRoot(ctx context.Context, account *Account, newAuthority common.Address, via string) error {
	if newAuthority == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidValidator, "新的根校验器不能为零")
	}
	account.RootAuthority = newAuthority
	account.LastActivityTime = c.now().Unix()
	account.UpdatedAt = account.LastActivityTime
	if err := c.store.Update(ctx, account); err != nil {
		return err
	}
	c.publish(ctx, events.New(events.TypeRootAuthorityReset, account.Address.Hex()).
		WithMetadata("new_authority", newAuthority.Hex()).
		WithMetadata("via", via))
	logger.Audit().Info("根校验器已更换",
		slog.String("account", account.Address.Hex()),
		slog.String("new_authority", newAuthority.Hex()),
		slog.String("via", via),
	)
	return nil
}

// applyEffect 落实操作效果。目标若是该账户已安装的执行器模块，
// 效果交由模块完成；否则使用注入的效果函数。
func (c *Core) applyEffect(ctx context.Context, account *Account, op module.Operation) error {
	if account.HasModule(module.KindExecutor, op.Target) {
		handle, err := c.handle(op.Target)
		if err != nil {
			return err
		}
		executor, ok := handle.(module.Executor)
		if !ok {
			return xerrors.New(xerrors.CodeInvalidConfig, "执行器模块未实现执行协议",
				xerrors.WithMetadata("module_ref", op.Target.Hex()))
		}
		return executor.ExecuteFromModule(ctx, op)
	}
	if c.effector != nil {
		if err := c.effector(ctx, op); err != nil {
			return xerrors.Wrap(xerrors.CodeUnknown, err, "操作效果执行失败")
		}
	}
	return nil
}

func (c *Core) runPreChecks(ctx context.Context, account *Account, op module.Operation) ([]module.Hook, [][]byte, error) {
	refs := account.Modules[module.KindHook]
	hooks := make([]module.Hook, 0, len(refs))
	tokens := make([][]byte, 0, len(refs))
	for _, ref := range refs {
		handle, err := c.handle(ref)
		if err != nil {
			return nil, nil, err
		}
		hook, ok := handle.(module.Hook)
		if !ok {
			return nil, nil, xerrors.New(xerrors.CodeModuleState, "已安装的 Hook 模块不具备 Hook 能力")
		}
		token, err := hook.PreCheck(ctx, op)
		if err != nil {
			return nil, nil, err
		}
		hooks = append(hooks, hook)
		tokens = append(tokens, token)
	}
	return hooks, tokens, nil
}

func (c *Core) handle(ref common.Address) (module.Module, error) {
	c.handleMu.RLock()
	defer c.handleMu.RUnlock()
	handle, ok := c.handles[ref]
	if !ok {
		return nil, xerrors.New(xerrors.CodeModuleState, "模块引用未注册",
			xerrors.WithMetadata("module", ref.Hex()))
	}
	return handle, nil
}

// acquire 针对单个账户的忙碌标记。执行期间再次进入同一账户的
// 授权边界被视为编程错误而拒绝，保证“效果最后落地、无未记录中间态”。
func (c *Core) acquire(addr common.Address) (func(), error) {
	c.busyMu.Lock()
	defer c.busyMu.Unlock()
	if c.busy[addr] {
		return nil, ErrReentrantCall
	}
	c.busy[addr] = true
	return func() {
		c.busyMu.Lock()
		delete(c.busy, addr)
		c.busyMu.Unlock()
	}, nil
}

func (c *Core) rejected(ctx context.Context, op module.Operation, cause error) {
	code := xerrors.CodeOf(cause)
	c.publish(ctx, events.New(events.TypeOperationRejected, op.Account.Hex()).
		WithCode(code).
		WithMessage(cause.Error()).
		WithMetadata("caller", op.Caller.Hex()))
	if xerrors.ShouldAlert(cause) {
		logger.L().Warn("操作被拒绝",
			slog.String("account", op.Account.Hex()),
			slog.String("caller", op.Caller.Hex()),
			slog.String("code", string(code)),
		)
	}
}

type storeRootProvider struct {
	store Store
}

func (p storeRootProvider) RootAuthority(ctx context.Context, addr common.Address) (common.Address, error) {
	account, err := p.store.Get(ctx, addr)
	if err != nil {
		return common.Address{}, err
	}
	return account.RootAuthority, nil
}

// RootProviderFromStore 将账户存储适配为 validation.RootAuthorityProvider，
// 解决装配期 Manager 先于 Core 创建的依赖顺序。
func RootProviderFromStore(store Store) validation.RootAuthorityProvider {
	return storeRootProvider{store: store}
}

func (c *Core) publish(ctx context.Context, event events.Event) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, event); err != nil {
		logger.L().Error("事件发布失败", slog.Any("error", err), slog.String("event_type", string(event.Type)))
	}
}
