package spendlimit

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "VaultGuard-Chain/internal/errors"
	"VaultGuard-Chain/internal/module"
)

type fakeRoots struct {
	root common.Address
}

func (r *fakeRoots) RootAuthority(ctx context.Context, account common.Address) (common.Address, error) {
	return r.root, nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

var (
	hookAccount = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	hookRoot    = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	tokenAddr   = common.HexToAddress("0xdddddddddddddddddddddddddddddddddddddddd")
	targetAddr  = common.HexToAddress("0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee")
)

func eth(fraction int64) *big.Int {
	// fraction 以 0.1 ETH 为单位，避免测试里到处写 17 个零。
	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil)
	return new(big.Int).Mul(big.NewInt(fraction), unit)
}

func newTestHook(t *testing.T) (*Hook, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	hook := NewHook(NewMemoryStore(), &fakeRoots{root: hookRoot}, WithClock(clock.Now))
	return hook, clock
}

func nativeOp(amount *big.Int) module.Operation {
	return module.Operation{Account: hookAccount, Caller: hookRoot, Target: targetAddr, Value: amount}
}

func TestRollingQuota(t *testing.T) {
	hook, clock := newTestHook(t)
	ctx := context.Background()

	if err := hook.SetLimit(ctx, hookRoot, hookAccount, NativeAsset, eth(10), int64(24*time.Hour/time.Second)); err != nil {
		t.Fatalf("set limit: %v", err)
	}

	// 0.6 通过，剩余 0.4。
	token, err := hook.PreCheck(ctx, nativeOp(eth(6)))
	if err != nil {
		t.Fatalf("first spend: %v", err)
	}
	if len(token) == 0 {
		t.Fatal("expected accounting token for metered spend")
	}

	// 0.5 超出剩余额度。
	_, err = hook.PreCheck(ctx, nativeOp(eth(5)))
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
	e, ok := xerrors.From(err)
	if !ok {
		t.Fatalf("expected structured error, got %v", err)
	}
	if got := e.Metadata()["remaining"]; got != eth(4).String() {
		t.Fatalf("expected remaining %s, got %s", eth(4), got)
	}
	if !xerrors.ResolvesWithTime(err) {
		t.Fatal("quota rejection must be retriable with time")
	}

	// 周期滚动后额度恢复。
	clock.Advance(24*time.Hour + time.Second)
	if _, err := hook.PreCheck(ctx, nativeOp(eth(5))); err != nil {
		t.Fatalf("spend in next period: %v", err)
	}
}

func TestLazyResetIsSingleShot(t *testing.T) {
	hook, clock := newTestHook(t)
	ctx := context.Background()

	if err := hook.SetLimit(ctx, hookRoot, hookAccount, NativeAsset, eth(10), 3600); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	if _, err := hook.PreCheck(ctx, nativeOp(eth(7))); err != nil {
		t.Fatalf("spend: %v", err)
	}

	// 同周期内继续累计。
	if _, err := hook.PreCheck(ctx, nativeOp(eth(2))); err != nil {
		t.Fatalf("same period spend: %v", err)
	}
	configs, err := hook.Limits(ctx, hookAccount)
	if err != nil || len(configs) != 1 {
		t.Fatalf("limits: %v (%d configs)", err, len(configs))
	}
	if configs[0].Spent.Cmp(eth(9)) != 0 {
		t.Fatalf("expected spent 0.9, got %s", configs[0].Spent)
	}

	// 跳过十个周期也只重置一次，新周期从当前时刻开始。
	clock.Advance(10 * time.Hour)
	if _, err := hook.PreCheck(ctx, nativeOp(eth(3))); err != nil {
		t.Fatalf("spend after gap: %v", err)
	}
	configs, err = hook.Limits(ctx, hookAccount)
	if err != nil {
		t.Fatalf("limits: %v", err)
	}
	if configs[0].Spent.Cmp(eth(3)) != 0 {
		t.Fatalf("expected spent 0.3 after single reset, got %s", configs[0].Spent)
	}
	if configs[0].PeriodStart != clock.Now().Unix() {
		t.Fatalf("expected period start at current clock, got %d", configs[0].PeriodStart)
	}
}

func TestQuotaRejectionPersistsPeriodReset(t *testing.T) {
	hook, clock := newTestHook(t)
	ctx := context.Background()

	if err := hook.SetLimit(ctx, hookRoot, hookAccount, NativeAsset, eth(10), 3600); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	if _, err := hook.PreCheck(ctx, nativeOp(eth(9))); err != nil {
		t.Fatalf("spend: %v", err)
	}

	clock.Advance(2 * time.Hour)
	// 超额被拒，但越过周期边界的重置必须已经生效并落盘。
	if _, err := hook.PreCheck(ctx, nativeOp(eth(11))); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
	configs, err := hook.Limits(ctx, hookAccount)
	if err != nil {
		t.Fatalf("limits: %v", err)
	}
	if configs[0].Spent.Sign() != 0 {
		t.Fatalf("expected reset spent after rejection, got %s", configs[0].Spent)
	}
}

func TestErc20TransferAccounting(t *testing.T) {
	hook, _ := newTestHook(t)
	ctx := context.Background()

	if err := hook.SetLimit(ctx, hookRoot, hookAccount, tokenAddr, eth(10), 3600); err != nil {
		t.Fatalf("set limit: %v", err)
	}

	payload := make([]byte, 68)
	copy(payload, erc20TransferSelector[:])
	copy(payload[4:36], common.LeftPadBytes(targetAddr.Bytes(), 32))
	eth(6).FillBytes(payload[36:68])

	op := module.Operation{Account: hookAccount, Caller: hookRoot, Target: tokenAddr, Payload: payload}
	if _, err := hook.PreCheck(ctx, op); err != nil {
		t.Fatalf("erc20 spend: %v", err)
	}

	configs, err := hook.Limits(ctx, hookAccount)
	if err != nil || len(configs) != 1 {
		t.Fatalf("limits: %v (%d configs)", err, len(configs))
	}
	if configs[0].Asset != tokenAddr {
		t.Fatalf("expected accounting under token asset, got %s", configs[0].Asset.Hex())
	}
	if configs[0].Spent.Cmp(eth(6)) != 0 {
		t.Fatalf("expected spent 0.6, got %s", configs[0].Spent)
	}
}

func TestPauseAndWhitelist(t *testing.T) {
	hook, _ := newTestHook(t)
	ctx := context.Background()

	if err := hook.SetLimit(ctx, hookRoot, hookAccount, NativeAsset, eth(10), 3600); err != nil {
		t.Fatalf("set limit: %v", err)
	}

	if err := hook.Pause(ctx, hookRoot, hookAccount); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := hook.PreCheck(ctx, nativeOp(eth(1))); !errors.Is(err, ErrAccountPaused) {
		t.Fatalf("expected ErrAccountPaused, got %v", err)
	}

	// 白名单豁免优先于暂停判定。
	if err := hook.AddWhitelist(ctx, hookRoot, hookAccount, targetAddr); err != nil {
		t.Fatalf("whitelist: %v", err)
	}
	if _, err := hook.PreCheck(ctx, nativeOp(eth(1))); err != nil {
		t.Fatalf("whitelisted spend while paused: %v", err)
	}
	configs, err := hook.Limits(ctx, hookAccount)
	if err != nil {
		t.Fatalf("limits: %v", err)
	}
	if configs[0].Spent.Sign() != 0 {
		t.Fatal("whitelisted spend must not be accounted")
	}

	if err := hook.RemoveWhitelist(ctx, hookRoot, hookAccount, targetAddr); err != nil {
		t.Fatalf("remove whitelist: %v", err)
	}
	if err := hook.Unpause(ctx, hookRoot, hookAccount); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if _, err := hook.PreCheck(ctx, nativeOp(eth(1))); err != nil {
		t.Fatalf("spend after unpause: %v", err)
	}
}

func TestResetPeriodIsNoOpMidPeriod(t *testing.T) {
	hook, clock := newTestHook(t)
	ctx := context.Background()

	if err := hook.SetLimit(ctx, hookRoot, hookAccount, NativeAsset, eth(10), 3600); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	if _, err := hook.PreCheck(ctx, nativeOp(eth(8))); err != nil {
		t.Fatalf("spend: %v", err)
	}

	// 周期未结束时的手工重置不得清零额度。
	if err := hook.ResetPeriod(ctx, hookRoot, hookAccount, NativeAsset); err != nil {
		t.Fatalf("reset mid-period: %v", err)
	}
	configs, err := hook.Limits(ctx, hookAccount)
	if err != nil {
		t.Fatalf("limits: %v", err)
	}
	if configs[0].Spent.Cmp(eth(8)) != 0 {
		t.Fatalf("mid-period reset must be a no-op, got spent %s", configs[0].Spent)
	}

	clock.Advance(2 * time.Hour)
	if err := hook.ResetPeriod(ctx, hookRoot, hookAccount, NativeAsset); err != nil {
		t.Fatalf("reset after period: %v", err)
	}
	configs, err = hook.Limits(ctx, hookAccount)
	if err != nil {
		t.Fatalf("limits: %v", err)
	}
	if configs[0].Spent.Sign() != 0 {
		t.Fatalf("expected zeroed spent, got %s", configs[0].Spent)
	}
}

func TestAdministrationRequiresRoot(t *testing.T) {
	hook, _ := newTestHook(t)
	ctx := context.Background()
	stranger := common.HexToAddress("0x0000000000000000000000000000000000000042")

	if err := hook.SetLimit(ctx, stranger, hookAccount, NativeAsset, eth(10), 3600); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("expected unauthorized set, got %v", err)
	}
	if err := hook.Pause(ctx, stranger, hookAccount); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("expected unauthorized pause, got %v", err)
	}
}

func TestUnmeteredOperationsPassThrough(t *testing.T) {
	hook, _ := newTestHook(t)
	ctx := context.Background()

	// 没有配额配置的资产不做记账。
	token, err := hook.PreCheck(ctx, nativeOp(eth(100)))
	if err != nil {
		t.Fatalf("unconfigured spend: %v", err)
	}
	if token != nil {
		t.Fatal("expected no token without a configured limit")
	}

	// 零金额操作直接放行。
	if _, err := hook.PreCheck(ctx, module.Operation{Account: hookAccount, Caller: hookRoot, Target: targetAddr}); err != nil {
		t.Fatalf("zero-value op: %v", err)
	}

	if err := hook.PostCheck(ctx, nil); err != nil {
		t.Fatalf("post check: %v", err)
	}
}
