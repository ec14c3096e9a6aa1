package validation

import (
	"context"
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"VaultGuard-Chain/internal/delegation"
	xerrors "VaultGuard-Chain/internal/errors"
	"VaultGuard-Chain/internal/module"
)

type fakeRoots map[common.Address]common.Address

func (r fakeRoots) RootAuthority(ctx context.Context, account common.Address) (common.Address, error) {
	root, ok := r[account]
	if !ok {
		return common.Address{}, xerrors.New(xerrors.CodeNotFound, "account not found")
	}
	return root, nil
}

type fakeValidator struct {
	opErr  error
	sigErr error
}

func (v *fakeValidator) OnInstall(ctx context.Context, account common.Address, initData []byte) error {
	return nil
}

func (v *fakeValidator) OnUninstall(ctx context.Context, account common.Address, deinitData []byte) error {
	return nil
}

func (v *fakeValidator) IsModuleType(kind module.Kind) bool { return kind == module.KindValidator }

func (v *fakeValidator) ValidateOperation(ctx context.Context, op module.Operation) error {
	return v.opErr
}

func (v *fakeValidator) ValidateSignature(ctx context.Context, account common.Address, digest common.Hash, sig []byte) error {
	return v.sigErr
}

var testAccount = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func sign(t *testing.T, digest common.Hash, key *ecdsa.PrivateKey) []byte {
	t.Helper()
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig
}

func TestValidateRootPath(t *testing.T) {
	rootKey := mustKey(t)
	root := crypto.PubkeyToAddress(rootKey.PublicKey)
	dispatcher := common.HexToAddress("0x0000000000000000000000000000000000000042")
	stranger := common.HexToAddress("0x0000000000000000000000000000000000000099")

	m := NewManager(fakeRoots{testAccount: root}, nil, WithTrustedDispatcher(dispatcher))
	ctx := context.Background()

	for _, caller := range []common.Address{root, testAccount, dispatcher} {
		op := module.Operation{Account: testAccount, Caller: caller}
		if err := m.Validate(ctx, op); err != nil {
			t.Fatalf("expected caller %s to pass root validation: %v", caller.Hex(), err)
		}
	}

	op := module.Operation{Account: testAccount, Caller: stranger}
	if err := m.Validate(ctx, op); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestValidateModulePathHasNoFallback(t *testing.T) {
	root := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	m := NewManager(fakeRoots{testAccount: root}, nil)
	ctx := context.Background()

	// 声明了不存在的校验器不会回退到根校验。
	op := module.Operation{Account: testAccount, Caller: root, ValidationID: 7}
	if err := m.Validate(ctx, op); xerrors.CodeOf(err) != xerrors.CodeInvalidValidator {
		t.Fatalf("expected invalid validator, got %v", err)
	}

	rejecting := &fakeValidator{opErr: xerrors.New(xerrors.CodeUnauthorized, "not a guardian")}
	if err := m.RegisterValidator(7, rejecting); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Validate(ctx, op); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("expected module rejection, got %v", err)
	}

	if err := m.RegisterValidator(RootValidationID, rejecting); xerrors.CodeOf(err) != xerrors.CodeInvalidValidator {
		t.Fatalf("expected reserved id rejection, got %v", err)
	}
	if err := m.RegisterValidator(7, rejecting); xerrors.CodeOf(err) != xerrors.CodeModuleState {
		t.Fatalf("expected duplicate id rejection, got %v", err)
	}
	if err := m.UnregisterValidator(7); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if err := m.Validate(ctx, op); xerrors.CodeOf(err) != xerrors.CodeInvalidValidator {
		t.Fatalf("expected invalid validator after unregister, got %v", err)
	}
}

func TestSignatureBridging(t *testing.T) {
	rootKey := mustKey(t)
	root := crypto.PubkeyToAddress(rootKey.PublicKey)
	delegateKey := mustKey(t)
	delegate := crypto.PubkeyToAddress(delegateKey.PublicKey)
	strangerKey := mustKey(t)

	clock := time.Unix(1_700_000_000, 0)
	registry := delegation.NewRegistry(delegation.NewMemoryStore(),
		delegation.WithClock(func() time.Time { return clock }))
	m := NewManager(fakeRoots{testAccount: root}, registry)
	ctx := context.Background()

	digest := crypto.Keccak256Hash([]byte("meta transaction payload"))

	// 根身份本身的签名直接通过。
	if err := m.IsValidSignature(ctx, testAccount, RootValidationID, digest, sign(t, digest, rootKey)); err != nil {
		t.Fatalf("root signature: %v", err)
	}

	// 无委托的签名者被拒绝。
	if err := m.IsValidSignature(ctx, testAccount, RootValidationID, digest, sign(t, digest, delegateKey)); xerrors.CodeOf(err) != xerrors.CodeInvalidSignature {
		t.Fatalf("expected rejection without delegation, got %v", err)
	}

	// Executor 委托参与签名桥接。
	if _, err := registry.Create(ctx, root, delegation.CreateParams{
		Delegatee: delegate,
		Kind:      delegation.KindExecutor,
		Duration:  24 * time.Hour,
	}); err != nil {
		t.Fatalf("create delegation: %v", err)
	}
	if err := m.IsValidSignature(ctx, testAccount, RootValidationID, digest, sign(t, digest, delegateKey)); err != nil {
		t.Fatalf("delegated signature: %v", err)
	}

	// 陌生签名者依旧被拒绝。
	if err := m.IsValidSignature(ctx, testAccount, RootValidationID, digest, sign(t, digest, strangerKey)); xerrors.CodeOf(err) != xerrors.CodeInvalidSignature {
		t.Fatalf("expected stranger rejection, got %v", err)
	}
}

func TestLimitedDelegationDoesNotBridgeSignatures(t *testing.T) {
	rootKey := mustKey(t)
	root := crypto.PubkeyToAddress(rootKey.PublicKey)
	delegateKey := mustKey(t)
	delegate := crypto.PubkeyToAddress(delegateKey.PublicKey)

	clock := time.Unix(1_700_000_000, 0)
	registry := delegation.NewRegistry(delegation.NewMemoryStore(),
		delegation.WithClock(func() time.Time { return clock }))
	m := NewManager(fakeRoots{testAccount: root}, registry)
	ctx := context.Background()

	// Limited 委托授权操作但不参与签名校验。
	if _, err := registry.Create(ctx, root, delegation.CreateParams{
		Delegatee:        delegate,
		Kind:             delegation.KindLimited,
		Duration:         24 * time.Hour,
		AllowedSelectors: []delegation.Selector{{0x01, 0x02, 0x03, 0x04}},
	}); err != nil {
		t.Fatalf("create delegation: %v", err)
	}

	digest := crypto.Keccak256Hash([]byte("meta transaction payload"))
	if err := m.IsValidSignature(ctx, testAccount, RootValidationID, digest, sign(t, digest, delegateKey)); xerrors.CodeOf(err) != xerrors.CodeInvalidSignature {
		t.Fatalf("limited delegation must not bridge signatures, got %v", err)
	}
}

func TestSignatureDelegatesToModuleValidator(t *testing.T) {
	root := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	m := NewManager(fakeRoots{testAccount: root}, nil)
	ctx := context.Background()

	sigErr := xerrors.New(xerrors.CodeInvalidSignature, "not a guardian signature")
	if err := m.RegisterValidator(3, &fakeValidator{sigErr: sigErr}); err != nil {
		t.Fatalf("register: %v", err)
	}

	digest := crypto.Keccak256Hash([]byte("payload"))
	err := m.IsValidSignature(ctx, testAccount, 3, digest, make([]byte, 65))
	if xerrors.CodeOf(err) != xerrors.CodeInvalidSignature {
		t.Fatalf("expected module signature rejection, got %v", err)
	}
}
