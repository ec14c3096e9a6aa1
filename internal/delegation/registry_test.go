package delegation

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "VaultGuard-Chain/internal/errors"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	registry := NewRegistry(NewMemoryStore(), WithClock(clock.Now))
	return registry, clock
}

var (
	delegatorAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	delegateeAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func TestCreateAndRevokeRoundTrip(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	d, err := registry.Create(ctx, delegatorAddr, CreateParams{
		Delegatee: delegateeAddr,
		Kind:      KindFull,
		Duration:  24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !registry.HasDelegation(ctx, delegatorAddr, delegateeAddr) {
		t.Fatal("expected delegation to be visible after create")
	}

	if err := registry.Revoke(ctx, delegatorAddr, d.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if registry.HasDelegation(ctx, delegatorAddr, delegateeAddr) {
		t.Fatal("expected delegation to be gone after revoke")
	}
	if err := registry.Use(ctx, delegateeAddr, d.ID, big.NewInt(1)); !errors.Is(err, ErrDelegationNotActive) {
		t.Fatalf("expected ErrDelegationNotActive, got %v", err)
	}
}

func TestRevokeRequiresDelegatorOrAdmin(t *testing.T) {
	admin := common.HexToAddress("0x3333333333333333333333333333333333333333")
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	registry := NewRegistry(NewMemoryStore(), WithClock(clock.Now), WithAdmin(admin))
	ctx := context.Background()

	d, err := registry.Create(ctx, delegatorAddr, CreateParams{
		Delegatee: delegateeAddr,
		Kind:      KindExecutor,
		Duration:  2 * time.Hour,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := registry.Revoke(ctx, delegateeAddr, d.ID); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("expected unauthorized for delegatee, got %v", err)
	}
	if err := registry.Revoke(ctx, admin, d.ID); err != nil {
		t.Fatalf("admin revoke: %v", err)
	}
}

func TestSpendingLimitInvariant(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	d, err := registry.Create(ctx, delegatorAddr, CreateParams{
		Delegatee:     delegateeAddr,
		Kind:          KindExecutor,
		Duration:      24 * time.Hour,
		SpendingLimit: big.NewInt(100),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := registry.Use(ctx, delegateeAddr, d.ID, big.NewInt(60)); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if err := registry.Use(ctx, delegateeAddr, d.ID, big.NewInt(50)); !errors.Is(err, ErrSpendingLimitExceeded) {
		t.Fatalf("expected ErrSpendingLimitExceeded, got %v", err)
	}

	// 被拒绝的消费不得留下任何记账痕迹。
	got, err := registry.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SpentAmount.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("expected spent 60, got %s", got.SpentAmount)
	}
	if got.SpentAmount.Cmp(got.SpendingLimit) > 0 {
		t.Fatalf("spent %s exceeds limit %s", got.SpentAmount, got.SpendingLimit)
	}

	if err := registry.Use(ctx, delegateeAddr, d.ID, big.NewInt(40)); err != nil {
		t.Fatalf("use remaining quota: %v", err)
	}
}

func TestUseRequiresDelegatee(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	d, err := registry.Create(ctx, delegatorAddr, CreateParams{
		Delegatee: delegateeAddr,
		Kind:      KindFull,
		Duration:  2 * time.Hour,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := registry.Use(ctx, delegatorAddr, d.ID, big.NewInt(1)); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestLimitedDelegationSelectors(t *testing.T) {
	registry, clock := newTestRegistry(t)
	ctx := context.Background()

	s1 := Selector{0xaa, 0xbb, 0xcc, 0xdd}
	s2 := Selector{0x11, 0x22, 0x33, 0x44}

	d, err := registry.Create(ctx, delegatorAddr, CreateParams{
		Delegatee:        delegateeAddr,
		Kind:             KindLimited,
		Duration:         time.Hour,
		AllowedSelectors: []Selector{s1},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if !registry.IsValidForSelector(ctx, d.ID, s1) {
		t.Fatal("expected allowed selector to pass")
	}
	if registry.IsValidForSelector(ctx, d.ID, s2) {
		t.Fatal("expected unknown selector to fail")
	}

	// 过期后两个判定都变为 false，且判定本身不触发任何状态写入。
	clock.Advance(time.Hour + time.Second)
	if registry.IsValidForSelector(ctx, d.ID, s1) {
		t.Fatal("expected expired delegation to fail for allowed selector")
	}
	if registry.IsValidForSelector(ctx, d.ID, s2) {
		t.Fatal("expected expired delegation to fail for unknown selector")
	}
	got, err := registry.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusActive {
		t.Fatalf("read-only predicate must not flip status, got %s", got.Status)
	}

	// 写路径执行惰性翻转并持久化。
	if err := registry.Use(ctx, delegateeAddr, d.ID, big.NewInt(1)); !errors.Is(err, ErrDelegationExpired) {
		t.Fatalf("expected ErrDelegationExpired, got %v", err)
	}
	got, err = registry.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("get after use: %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("expected persisted expired status, got %s", got.Status)
	}
}

func TestCreateWithSignature(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	delegator := crypto.PubkeyToAddress(key.PublicKey)
	params := CreateParams{
		Delegatee: delegateeAddr,
		Kind:      KindExecutor,
		Duration:  24 * time.Hour,
	}

	const nonce = uint64(1)
	digest := SigningHash(delegator, params, nonce)
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := registry.CreateWithSignature(ctx, delegator, params, nonce, sig); err != nil {
		t.Fatalf("create with signature: %v", err)
	}

	// 同一序号不能重放。
	if _, err := registry.CreateWithSignature(ctx, delegator, params, nonce, sig); !errors.Is(err, ErrNonceMismatch) {
		t.Fatalf("expected ErrNonceMismatch on replay, got %v", err)
	}

	// 过期序号对应的旧签名同样无效。
	nextDigest := SigningHash(delegator, params, 2)
	wrongKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	wrongSig, err := crypto.Sign(nextDigest.Bytes(), wrongKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := registry.CreateWithSignature(ctx, delegator, params, 2, wrongSig); xerrors.CodeOf(err) != xerrors.CodeInvalidSignature {
		t.Fatalf("expected invalid signature, got %v", err)
	}
}

func TestSignatureLegacyVEncoding(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := crypto.PubkeyToAddress(key.PublicKey)

	digest := SigningHash(signer, CreateParams{Delegatee: delegateeAddr, Kind: KindFull, Duration: time.Hour}, 1)
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	// 链上工具常用 V ∈ {27, 28}，恢复必须两种表示都接受。
	legacy := make([]byte, len(sig))
	copy(legacy, sig)
	legacy[64] += 27

	for _, candidate := range [][]byte{sig, legacy} {
		got, err := RecoverSigner(digest, candidate)
		if err != nil {
			t.Fatalf("recover: %v", err)
		}
		if got != signer {
			t.Fatalf("expected %s, got %s", signer.Hex(), got.Hex())
		}
	}
}

func TestCreateParamValidation(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		params CreateParams
		code   xerrors.Code
	}{
		{
			name:   "zero delegatee",
			params: CreateParams{Kind: KindFull, Duration: time.Hour},
			code:   CodeInvalidDelegatee,
		},
		{
			name:   "self delegation",
			params: CreateParams{Delegatee: delegatorAddr, Kind: KindFull, Duration: time.Hour},
			code:   CodeInvalidDelegatee,
		},
		{
			name:   "duration too short",
			params: CreateParams{Delegatee: delegateeAddr, Kind: KindFull, Duration: time.Minute},
			code:   CodeInvalidDuration,
		},
		{
			name:   "duration too long",
			params: CreateParams{Delegatee: delegateeAddr, Kind: KindFull, Duration: 366 * 24 * time.Hour},
			code:   CodeInvalidDuration,
		},
		{
			name:   "limited without selectors",
			params: CreateParams{Delegatee: delegateeAddr, Kind: KindLimited, Duration: time.Hour},
			code:   xerrors.CodeInvalidConfig,
		},
		{
			name: "selectors on non-limited kind",
			params: CreateParams{
				Delegatee:        delegateeAddr,
				Kind:             KindFull,
				Duration:         time.Hour,
				AllowedSelectors: []Selector{{0x01}},
			},
			code: xerrors.CodeInvalidConfig,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := registry.Create(ctx, delegatorAddr, tc.params)
			if xerrors.CodeOf(err) != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, err)
			}
		})
	}
}

func TestDeriveIDIsSequenceSensitive(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	params := CreateParams{Delegatee: delegateeAddr, Kind: KindFull, Duration: time.Hour}
	first, err := registry.Create(ctx, delegatorAddr, params)
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := registry.Create(ctx, delegatorAddr, params)
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if first.ID == second.ID {
		t.Fatal("identical parameters in the same second must still derive distinct ids")
	}
}
