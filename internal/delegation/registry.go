package delegation

import (
	"context"
	"encoding/binary"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "VaultGuard-Chain/internal/errors"
	"VaultGuard-Chain/pkg/logger"
)

// Registry 负责委托的签发、记账与撤销。
// 所有与时间有关的状态迁移都在调用时基于注入的时钟惰性求值，
// 不存在后台定时器。
type Registry struct {
	store Store
	admin common.Address
	now   func() time.Time
}

// Option 配置 Registry 的可选行为。
type Option func(*Registry)

// WithClock 注入自定义时钟，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithAdmin 指定可以代替委托人执行撤销的管理身份。
func WithAdmin(admin common.Address) Option {
	return func(r *Registry) {
		r.admin = admin
	}
}

// NewRegistry 构造委托注册表。
func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{store: store, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Create 由委托人直接创建一条新委托。
func (r *Registry) Create(ctx context.Context, delegator common.Address, params CreateParams) (*Delegation, error) {
	if r.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "委托存储未初始化")
	}
	if err := validateParams(delegator, params); err != nil {
		return nil, err
	}

	seq, err := r.store.NextSequence(ctx, delegator)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取委托序号失败")
	}

	now := r.now().Unix()
	d := &Delegation{
		ID:            deriveID(delegator, params.Delegatee, now, seq),
		Delegator:     delegator,
		Delegatee:     params.Delegatee,
		Kind:          params.Kind,
		Status:        StatusActive,
		StartTime:     now,
		EndTime:       now + int64(params.Duration/time.Second),
		SpendingLimit: normalizeAmount(params.SpendingLimit),
		SpentAmount:   big.NewInt(0),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if params.Kind == KindLimited {
		d.AllowedSelectors = make([]Selector, len(params.AllowedSelectors))
		copy(d.AllowedSelectors, params.AllowedSelectors)
	}

	// 标识碰撞说明序号状态被破坏，属于硬错误，绝不能覆盖已有委托。
	if err := r.store.Create(ctx, d); err != nil {
		return nil, err
	}

	logger.Audit().Info("委托已创建",
		slog.String("delegation_id", d.ID.Hex()),
		slog.String("delegator", d.Delegator.Hex()),
		slog.String("delegatee", d.Delegatee.Hex()),
		slog.String("kind", string(d.Kind)),
		slog.Int64("end_time", d.EndTime),
	)
	return d.clone(), nil
}

// CreateWithSignature 携带委托人的离线签名代为创建委托。
// 签名覆盖全部创建参数与一个逐次递增的序号，防止重放。
func (r *Registry) CreateWithSignature(ctx context.Context, delegator common.Address, params CreateParams, nonce uint64, sig []byte) (*Delegation, error) {
	if r.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "委托存储未初始化")
	}
	if err := validateParams(delegator, params); err != nil {
		return nil, err
	}

	expected, err := r.store.PeekSequence(ctx, delegator)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取委托序号失败")
	}
	if nonce != expected {
		return nil, ErrNonceMismatch
	}

	signer, err := RecoverSigner(SigningHash(delegator, params, nonce), sig)
	if err != nil {
		return nil, err
	}
	if signer != delegator {
		return nil, xerrors.New(xerrors.CodeInvalidSignature, "签名者与委托人不符",
			xerrors.WithMetadata("signer", signer.Hex()),
			xerrors.WithMetadata("delegator", delegator.Hex()),
		)
	}
	return r.Create(ctx, delegator, params)
}

// Revoke 撤销处于激活状态的委托。仅委托人本人或管理身份可操作。
func (r *Registry) Revoke(ctx context.Context, caller common.Address, id common.Hash) error {
	d, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if caller != d.Delegator && (r.admin == common.Address{} || caller != r.admin) {
		return xerrors.New(xerrors.CodeUnauthorized, "只有委托人或管理身份可以撤销委托")
	}
	if d.Status == StatusActive && d.expiredAt(r.now().Unix()) {
		if err := r.markExpired(ctx, d); err != nil {
			return err
		}
		return ErrDelegationNotActive
	}
	if d.Status != StatusActive {
		return ErrDelegationNotActive
	}
	d.Status = StatusRevoked
	d.UpdatedAt = r.now().Unix()
	if err := r.store.Update(ctx, d); err != nil {
		return err
	}
	logger.Audit().Info("委托已撤销",
		slog.String("delegation_id", id.Hex()),
		slog.String("caller", caller.Hex()),
	)
	return nil
}

// Use 由受托人记录一次额度消费。
// 过期委托在此处完成惰性状态翻转：先持久化 Expired 再返回错误。
func (r *Registry) Use(ctx context.Context, caller common.Address, id common.Hash, amount *big.Int) error {
	d, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if caller != d.Delegatee {
		return xerrors.New(xerrors.CodeUnauthorized, "只有受托人可以使用委托")
	}
	if d.Status != StatusActive {
		return ErrDelegationNotActive
	}
	now := r.now().Unix()
	if d.expiredAt(now) {
		if err := r.markExpired(ctx, d); err != nil {
			return err
		}
		return ErrDelegationExpired
	}

	amount = normalizeAmount(amount)
	if d.SpendingLimit.Sign() > 0 {
		next := new(big.Int).Add(d.SpentAmount, amount)
		if next.Cmp(d.SpendingLimit) > 0 {
			return xerrors.Wrap(CodeDelegationLimitExceeded, ErrSpendingLimitExceeded, "",
				xerrors.WithMetadata("delegation_id", id.Hex()),
				xerrors.WithMetadata("requested", amount.String()),
				xerrors.WithMetadata("remaining", new(big.Int).Sub(d.SpendingLimit, d.SpentAmount).String()),
			)
		}
		d.SpentAmount = next
	} else {
		d.SpentAmount = new(big.Int).Add(d.SpentAmount, amount)
	}
	d.UpdatedAt = now
	return r.store.Update(ctx, d)
}

// IsValidForSelector 判断委托当前是否允许调用指定方法。
// 纯读谓词：不改状态、不返回错误。
func (r *Registry) IsValidForSelector(ctx context.Context, id common.Hash, selector Selector) bool {
	d, err := r.store.Get(ctx, id)
	if err != nil {
		return false
	}
	if d.Status != StatusActive || d.expiredAt(r.now().Unix()) {
		return false
	}
	switch d.Kind {
	case KindFull, KindExecutor:
		return true
	case KindLimited:
		for _, allowed := range d.AllowedSelectors {
			if allowed == selector {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// HasDelegation 判断委托人与受托人之间是否存在至少一条仍然有效的委托。
func (r *Registry) HasDelegation(ctx context.Context, delegator, delegatee common.Address) bool {
	list, err := r.store.ListByPair(ctx, delegator, delegatee)
	if err != nil {
		return false
	}
	now := r.now().Unix()
	for _, d := range list {
		if d.Status == StatusActive && !d.expiredAt(now) {
			return true
		}
	}
	return false
}

// HasDelegationOfKind 与 HasDelegation 类似，但仅匹配给定类型集合。
func (r *Registry) HasDelegationOfKind(ctx context.Context, delegator, delegatee common.Address, kinds ...Kind) bool {
	list, err := r.store.ListByPair(ctx, delegator, delegatee)
	if err != nil {
		return false
	}
	now := r.now().Unix()
	for _, d := range list {
		if d.Status != StatusActive || d.expiredAt(now) {
			continue
		}
		for _, kind := range kinds {
			if d.Kind == kind {
				return true
			}
		}
	}
	return false
}

// Get 返回指定委托的当前状态。
func (r *Registry) Get(ctx context.Context, id common.Hash) (*Delegation, error) {
	return r.store.Get(ctx, id)
}

// ListByDelegator 返回委托人名下的全部委托。
func (r *Registry) ListByDelegator(ctx context.Context, delegator common.Address) ([]*Delegation, error) {
	return r.store.ListByDelegator(ctx, delegator)
}

// markExpired 持久化过期状态翻转。
func (r *Registry) markExpired(ctx context.Context, d *Delegation) error {
	d.Status = StatusExpired
	d.UpdatedAt = r.now().Unix()
	if err := r.store.Update(ctx, d); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "持久化委托过期状态失败")
	}
	return nil
}

// validateParams 校验创建参数。
func validateParams(delegator common.Address, params CreateParams) error {
	if params.Delegatee == (common.Address{}) {
		return xerrors.New(CodeInvalidDelegatee, "受托人不能为零地址")
	}
	if params.Delegatee == delegator {
		return xerrors.New(CodeInvalidDelegatee, "不能向自己创建委托")
	}
	if !IsValidKind(params.Kind) {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的委托类型")
	}
	if params.Duration < MinDuration || params.Duration > MaxDuration {
		return xerrors.New(CodeInvalidDuration, "委托时长超出策略范围")
	}
	if params.Kind == KindLimited && len(params.AllowedSelectors) == 0 {
		return xerrors.New(xerrors.CodeInvalidConfig, "Limited 委托必须指定允许的方法")
	}
	if params.Kind != KindLimited && len(params.AllowedSelectors) > 0 {
		return xerrors.New(xerrors.CodeInvalidConfig, "只有 Limited 委托可以携带方法白名单")
	}
	if params.SpendingLimit != nil && params.SpendingLimit.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "额度上限不能为负数")
	}
	return nil
}

// deriveID 由委托人、受托人、创建时间与序号派生出稳定的委托标识。
func deriveID(delegator, delegatee common.Address, createdAt int64, seq uint64) common.Hash {
	var ts, sq [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdAt))
	binary.BigEndian.PutUint64(sq[:], seq)
	return crypto.Keccak256Hash(delegator.Bytes(), delegatee.Bytes(), ts[:], sq[:])
}

func normalizeAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// IsNotFound 判断错误是否为委托不存在。
func IsNotFound(err error) bool {
	return stdErrors.Is(err, ErrDelegationNotFound)
}
