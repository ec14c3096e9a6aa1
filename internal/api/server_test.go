package api

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"VaultGuard-Chain/internal/account"
	"VaultGuard-Chain/internal/assets"
	"VaultGuard-Chain/internal/delegation"
	"VaultGuard-Chain/internal/recovery"
	"VaultGuard-Chain/internal/spendlimit"
	"VaultGuard-Chain/internal/validation"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := account.NewMemoryStore()
	manager := validation.NewManager(account.RootProviderFromStore(store), nil)
	core := account.NewCore(store, manager)
	registry := delegation.NewRegistry(delegation.NewMemoryStore())
	guardians := recovery.NewValidator(recovery.NewMemoryStore(), core)
	limits := spendlimit.NewHook(spendlimit.NewMemoryStore(), core)
	return NewServer(":0", core, registry, guardians, limits, assets.NewRegistry(assets.Definitions{}))
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestMalformedAmountIsRejected(t *testing.T) {
	server := newTestServer(t)

	t.Run("delegation use", func(t *testing.T) {
		payload := `{"caller":"0x0000000000000000000000000000000000000001","id":"0x01","amount":"12x4"}`
		req := httptest.NewRequest(http.MethodPost, "/api/v1/delegations/use", strings.NewReader(payload))
		rec := httptest.NewRecorder()

		server.handleUse(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
		if body := decodeErrorBody(t, rec); body["code"] != "INVALID_ARGUMENT" {
			t.Fatalf("expected INVALID_ARGUMENT, got %q", body["code"])
		}
	})

	t.Run("limit set", func(t *testing.T) {
		payload := `{"caller":"0x0000000000000000000000000000000000000001","account":"0x0000000000000000000000000000000000000002","asset":"0x0000000000000000000000000000000000000003","limit":"1e18","period_seconds":86400}`
		req := httptest.NewRequest(http.MethodPost, "/api/v1/limits", strings.NewReader(payload))
		rec := httptest.NewRecorder()

		server.handleSetLimit(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
		if body := decodeErrorBody(t, rec); body["code"] != "INVALID_ARGUMENT" {
			t.Fatalf("expected INVALID_ARGUMENT, got %q", body["code"])
		}
	})
}

func TestParseAmount(t *testing.T) {
	if v, err := parseAmount(""); err != nil || v.Sign() != 0 {
		t.Fatalf("empty amount should parse to zero, got %v %v", v, err)
	}
	want := new(big.Int)
	want.SetString("1000000000000000000", 10)
	if v, err := parseAmount("1000000000000000000"); err != nil || v.Cmp(want) != 0 {
		t.Fatalf("decimal amount should parse exactly, got %v %v", v, err)
	}
	if _, err := parseAmount("0x10"); err == nil {
		t.Fatal("hex amount must be rejected")
	}
	if _, err := parseAmount("12.5"); err == nil {
		t.Fatal("fractional amount must be rejected")
	}
}
