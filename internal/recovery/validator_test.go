package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "VaultGuard-Chain/internal/errors"
	"VaultGuard-Chain/internal/module"
)

type fakeController struct {
	roots map[common.Address]common.Address
	reset []common.Address
}

func newFakeController(account, root common.Address) *fakeController {
	return &fakeController{roots: map[common.Address]common.Address{account: root}}
}

func (c *fakeController) RootAuthority(ctx context.Context, account common.Address) (common.Address, error) {
	root, ok := c.roots[account]
	if !ok {
		return common.Address{}, xerrors.New(xerrors.CodeNotFound, "account not found")
	}
	return root, nil
}

func (c *fakeController) SetRootAuthorityFromRecovery(ctx context.Context, account, newAuthority common.Address) error {
	c.roots[account] = newAuthority
	c.reset = append(c.reset, newAuthority)
	return nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

var (
	testAccount = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	rootAddr    = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	newRoot     = common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
	guardian1   = common.HexToAddress("0x0000000000000000000000000000000000000021")
	guardian2   = common.HexToAddress("0x0000000000000000000000000000000000000022")
	guardian3   = common.HexToAddress("0x0000000000000000000000000000000000000023")
	outsider    = common.HexToAddress("0x0000000000000000000000000000000000000099")
)

func newTestValidator(t *testing.T, delay time.Duration) (*Validator, *fakeController, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	controller := newFakeController(testAccount, rootAddr)
	v := NewValidator(NewMemoryStore(), controller, WithClock(clock.Now))

	err := v.SetupGuardians(context.Background(), rootAddr, GuardianConfig{
		Account:       testAccount,
		Guardians:     []common.Address{guardian1, guardian2, guardian3},
		Threshold:     2,
		RecoveryDelay: int64(delay / time.Second),
	})
	if err != nil {
		t.Fatalf("setup guardians: %v", err)
	}
	return v, controller, clock
}

func TestRecoveryThresholdAndDelay(t *testing.T) {
	v, controller, clock := newTestValidator(t, 48*time.Hour)
	ctx := context.Background()

	if err := v.InitiateRecovery(ctx, guardian1, testAccount, newRoot); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	// 发起不计入赞同数。
	if err := v.ApproveRecovery(ctx, guardian1, testAccount); err != nil {
		t.Fatalf("approve by initiator: %v", err)
	}

	// 延迟门先于阈值门：两者都不满足时报告延迟未到。
	if err := v.ExecuteRecovery(ctx, testAccount); !errors.Is(err, ErrDelayNotPassed) {
		t.Fatalf("expected ErrDelayNotPassed, got %v", err)
	}

	if err := v.ApproveRecovery(ctx, guardian2, testAccount); err != nil {
		t.Fatalf("approve by second guardian: %v", err)
	}
	if err := v.ExecuteRecovery(ctx, testAccount); !errors.Is(err, ErrDelayNotPassed) {
		t.Fatalf("expected ErrDelayNotPassed before 48h, got %v", err)
	}

	clock.Advance(48*time.Hour + time.Second)
	if err := v.ExecuteRecovery(ctx, testAccount); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := controller.roots[testAccount]; got != newRoot {
		t.Fatalf("expected root %s, got %s", newRoot.Hex(), got.Hex())
	}

	// 请求执行后即被消费。
	if _, err := v.PendingRequest(ctx, testAccount); !errors.Is(err, ErrNoRequest) {
		t.Fatalf("expected cleared request, got %v", err)
	}
}

func TestRecoveryDelayAloneIsNotEnough(t *testing.T) {
	v, controller, clock := newTestValidator(t, time.Hour)
	ctx := context.Background()

	if err := v.InitiateRecovery(ctx, guardian1, testAccount, newRoot); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := v.ApproveRecovery(ctx, guardian1, testAccount); err != nil {
		t.Fatalf("approve: %v", err)
	}

	clock.Advance(2 * time.Hour)
	if err := v.ExecuteRecovery(ctx, testAccount); !errors.Is(err, ErrThresholdNotMet) {
		t.Fatalf("expected ErrThresholdNotMet, got %v", err)
	}
	if len(controller.reset) != 0 {
		t.Fatal("root authority must not change below threshold")
	}
}

func TestRecoveryDelayBoundary(t *testing.T) {
	const delay = time.Hour

	cases := []struct {
		name    string
		advance time.Duration
		wantErr bool
	}{
		{name: "one second early", advance: delay - time.Second, wantErr: true},
		{name: "exactly at boundary", advance: delay, wantErr: false},
		{name: "one second late", advance: delay + time.Second, wantErr: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, _, clock := newTestValidator(t, delay)
			ctx := context.Background()

			if err := v.InitiateRecovery(ctx, guardian1, testAccount, newRoot); err != nil {
				t.Fatalf("initiate: %v", err)
			}
			for _, g := range []common.Address{guardian1, guardian2} {
				if err := v.ApproveRecovery(ctx, g, testAccount); err != nil {
					t.Fatalf("approve: %v", err)
				}
			}

			clock.Advance(tc.advance)
			err := v.ExecuteRecovery(ctx, testAccount)
			if tc.wantErr && !errors.Is(err, ErrDelayNotPassed) {
				t.Fatalf("expected ErrDelayNotPassed, got %v", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("execute: %v", err)
			}
		})
	}
}

func TestRecoveryStateMachineGuards(t *testing.T) {
	v, _, _ := newTestValidator(t, time.Hour)
	ctx := context.Background()

	if err := v.InitiateRecovery(ctx, outsider, testAccount, newRoot); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("expected unauthorized initiate, got %v", err)
	}
	if err := v.ApproveRecovery(ctx, guardian1, testAccount); !errors.Is(err, ErrNoRequest) {
		t.Fatalf("expected ErrNoRequest, got %v", err)
	}

	if err := v.InitiateRecovery(ctx, guardian1, testAccount, newRoot); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := v.InitiateRecovery(ctx, guardian2, testAccount, newRoot); !errors.Is(err, ErrAlreadyInitiated) {
		t.Fatalf("expected ErrAlreadyInitiated, got %v", err)
	}

	if err := v.ApproveRecovery(ctx, guardian1, testAccount); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := v.ApproveRecovery(ctx, guardian1, testAccount); !errors.Is(err, ErrAlreadyApproved) {
		t.Fatalf("expected ErrAlreadyApproved, got %v", err)
	}
	if err := v.ApproveRecovery(ctx, outsider, testAccount); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("expected unauthorized approve, got %v", err)
	}
}

func TestCancelRecoveryClearsApprovals(t *testing.T) {
	v, _, clock := newTestValidator(t, time.Hour)
	ctx := context.Background()

	if err := v.InitiateRecovery(ctx, guardian1, testAccount, newRoot); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	for _, g := range []common.Address{guardian1, guardian2} {
		if err := v.ApproveRecovery(ctx, g, testAccount); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}

	if err := v.CancelRecovery(ctx, guardian1, testAccount); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("guardians must not cancel, got %v", err)
	}
	if err := v.CancelRecovery(ctx, rootAddr, testAccount); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// 取消后重新发起从零开始累计赞同。
	if err := v.InitiateRecovery(ctx, guardian2, testAccount, newRoot); err != nil {
		t.Fatalf("re-initiate: %v", err)
	}
	clock.Advance(2 * time.Hour)
	if err := v.ExecuteRecovery(ctx, testAccount); !errors.Is(err, ErrThresholdNotMet) {
		t.Fatalf("expected fresh approval count, got %v", err)
	}
}

func TestGuardianSetManagement(t *testing.T) {
	v, _, _ := newTestValidator(t, time.Hour)
	ctx := context.Background()

	if err := v.AddGuardian(ctx, outsider, testAccount, outsider); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("expected unauthorized add, got %v", err)
	}
	if err := v.AddGuardian(ctx, rootAddr, testAccount, guardian1); xerrors.CodeOf(err) != xerrors.CodeInvalidConfig {
		t.Fatalf("expected duplicate guardian rejection, got %v", err)
	}

	// 阈值不变量在每次修改后都要重新成立。
	if err := v.UpdateThreshold(ctx, rootAddr, testAccount, 3); err != nil {
		t.Fatalf("update threshold: %v", err)
	}
	if err := v.RemoveGuardian(ctx, rootAddr, testAccount, guardian3); xerrors.CodeOf(err) != xerrors.CodeInvalidConfig {
		t.Fatalf("expected threshold violation on removal, got %v", err)
	}
	if err := v.UpdateThreshold(ctx, rootAddr, testAccount, 2); err != nil {
		t.Fatalf("restore threshold: %v", err)
	}
	if err := v.RemoveGuardian(ctx, rootAddr, testAccount, guardian3); err != nil {
		t.Fatalf("remove guardian: %v", err)
	}

	config, err := v.Config(ctx, testAccount)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if len(config.Guardians) != 2 {
		t.Fatalf("expected 2 guardians, got %d", len(config.Guardians))
	}
}

func TestGuardianConfigValidation(t *testing.T) {
	v, _, _ := newTestValidator(t, time.Hour)
	ctx := context.Background()

	// 单守护人恢复路径被显式禁止。
	err := v.SetupGuardians(ctx, rootAddr, GuardianConfig{
		Account:       testAccount,
		Guardians:     []common.Address{guardian1},
		Threshold:     1,
		RecoveryDelay: 3600,
	})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidConfig {
		t.Fatalf("expected rejection of single-guardian config, got %v", err)
	}

	err = v.SetupGuardians(ctx, rootAddr, GuardianConfig{
		Account:       testAccount,
		Guardians:     []common.Address{guardian1, guardian2},
		Threshold:     3,
		RecoveryDelay: 3600,
	})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidConfig {
		t.Fatalf("expected rejection of threshold above guardian count, got %v", err)
	}
}

func TestModuleLifecycle(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	controller := newFakeController(testAccount, rootAddr)
	v := NewValidator(NewMemoryStore(), controller, WithClock(clock.Now))
	ctx := context.Background()

	if !v.IsModuleType(module.KindValidator) {
		t.Fatal("expected validator capability")
	}
	if v.IsModuleType(module.KindHook) {
		t.Fatal("unexpected hook capability")
	}

	initData, err := json.Marshal(GuardianConfig{
		Guardians:     []common.Address{guardian1, guardian2},
		Threshold:     2,
		RecoveryDelay: 3600,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := v.OnInstall(ctx, testAccount, initData); err != nil {
		t.Fatalf("install: %v", err)
	}

	op := module.Operation{Account: testAccount, Caller: guardian1}
	if err := v.ValidateOperation(ctx, op); err != nil {
		t.Fatalf("validate guardian operation: %v", err)
	}
	op.Caller = outsider
	if err := v.ValidateOperation(ctx, op); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("expected unauthorized operation, got %v", err)
	}

	if err := v.OnUninstall(ctx, testAccount, nil); err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	if _, err := v.Config(ctx, testAccount); !errors.Is(err, ErrNoGuardianConfig) {
		t.Fatalf("expected cleared config, got %v", err)
	}
}
