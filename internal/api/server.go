package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"VaultGuard-Chain/internal/account"
	"VaultGuard-Chain/internal/assets"
	"VaultGuard-Chain/internal/delegation"
	xerrors "VaultGuard-Chain/internal/errors"
	"VaultGuard-Chain/internal/module"
	"VaultGuard-Chain/internal/recovery"
	"VaultGuard-Chain/internal/spendlimit"
)

// Server 负责暴露 REST 接口，供外部调度方驱动授权引擎。
type Server struct {
	addr        string
	core        *account.Core
	delegations *delegation.Registry
	recovery    *recovery.Validator
	limits      *spendlimit.Hook
	assets      *assets.Registry
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, core *account.Core, delegations *delegation.Registry, rec *recovery.Validator, limits *spendlimit.Hook, registry *assets.Registry) *Server {
	return &Server{addr: addr, core: core, delegations: delegations, recovery: rec, limits: limits, assets: registry}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/accounts", s.handleAccounts)
	mux.HandleFunc("/api/v1/accounts/execute", s.handleExecute)
	mux.HandleFunc("/api/v1/accounts/modules", s.handleModules)
	mux.HandleFunc("/api/v1/accounts/emergency", s.handleEmergency)
	mux.HandleFunc("/api/v1/delegations", s.handleDelegations)
	mux.HandleFunc("/api/v1/delegations/revoke", s.handleRevoke)
	mux.HandleFunc("/api/v1/delegations/use", s.handleUse)
	mux.HandleFunc("/api/v1/recovery", s.handleRecovery)
	mux.HandleFunc("/api/v1/recovery/guardians", s.handleGuardians)
	mux.HandleFunc("/api/v1/limits", s.handleLimits)
	mux.HandleFunc("/api/v1/limits/pause", s.handlePause)
	mux.HandleFunc("/api/v1/limits/whitelist", s.handleWhitelist)
	mux.HandleFunc("/api/v1/assets", s.handleAssets)

	// 配置 HTTP 服务器。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateAccount(w, r)
	case http.MethodGet:
		s.handleGetAccount(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

type createAccountRequest struct {
	Address           string `json:"address"`
	RootAuthority     string `json:"root_authority"`
	EmergencyIdentity string `json:"emergency_identity"`
}

// handleCreateAccount 处理创建账户的请求。
func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	acct, err := s.core.CreateAccount(r.Context(), account.CreateParams{
		Address:           common.HexToAddress(req.Address),
		RootAuthority:     common.HexToAddress(req.RootAuthority),
		EmergencyIdentity: common.HexToAddress(req.EmergencyIdentity),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, acct)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addr := r.URL.Query().Get("address")
	if addr == "" {
		http.Error(w, "缺少 address 参数", http.StatusBadRequest)
		return
	}
	acct, err := s.core.Get(r.Context(), common.HexToAddress(addr))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, acct)
}

type executeRequest struct {
	Account      string `json:"account"`
	Caller       string `json:"caller"`
	Target       string `json:"target"`
	Value        string `json:"value"`
	Payload      string `json:"payload"`
	ValidationID uint32 `json:"validation_id"`
}

// handleExecute 处理操作提交。操作要么整体生效要么整体拒绝。
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	payload, err := decodePayload(req.Payload)
	if err != nil {
		http.Error(w, "payload 必须是十六进制字符串", http.StatusBadRequest)
		return
	}

	value, err := parseAmount(req.Value)
	if err != nil {
		writeError(w, err)
		return
	}

	op := module.Operation{
		Account:      common.HexToAddress(req.Account),
		Caller:       common.HexToAddress(req.Caller),
		Target:       common.HexToAddress(req.Target),
		Value:        value,
		Payload:      payload,
		ValidationID: req.ValidationID,
	}
	if err := s.core.Execute(r.Context(), op); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "executed"})
}

type moduleRequest struct {
	Action   string `json:"action"`
	Caller   string `json:"caller"`
	Account  string `json:"account"`
	Kind     string `json:"kind"`
	Ref      string `json:"ref"`
	InitData string `json:"init_data"`
}

// handleModules 处理模块安装与卸载。
func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}

	var req moduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	initData, err := decodePayload(req.InitData)
	if err != nil {
		http.Error(w, "init_data 必须是十六进制字符串", http.StatusBadRequest)
		return
	}

	caller := common.HexToAddress(req.Caller)
	acct := common.HexToAddress(req.Account)
	kind := module.Kind(req.Kind)
	ref := common.HexToAddress(req.Ref)

	switch req.Action {
	case "install":
		err = s.core.InstallModule(r.Context(), caller, acct, kind, ref, initData)
	case "uninstall":
		err = s.core.UninstallModule(r.Context(), caller, acct, kind, ref, initData)
	default:
		http.Error(w, "action 必须是 install 或 uninstall", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": req.Action + "ed"})
}

type emergencyRequest struct {
	Caller       string `json:"caller"`
	Account      string `json:"account"`
	NewAuthority string `json:"new_authority"`
}

// handleEmergency 处理紧急逃生通道。
func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}

	var req emergencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	err := s.core.EmergencyRecovery(r.Context(),
		common.HexToAddress(req.Caller),
		common.HexToAddress(req.Account),
		common.HexToAddress(req.NewAuthority),
	)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "recovered"})
}

func (s *Server) handleDelegations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateDelegation(w, r)
	case http.MethodGet:
		s.handleListDelegations(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

type createDelegationRequest struct {
	Delegator       string   `json:"delegator"`
	Delegatee       string   `json:"delegatee"`
	Kind            string   `json:"kind"`
	DurationSeconds int64    `json:"duration_seconds"`
	SpendingLimit   string   `json:"spending_limit"`
	Selectors       []string `json:"selectors"`
	Nonce           *uint64  `json:"nonce"`
	Signature       string   `json:"signature"`
}

// handleCreateDelegation 处理委托创建。
// 带签名时走代提交路径并校验防重放序号。
func (s *Server) handleCreateDelegation(w http.ResponseWriter, r *http.Request) {
	var req createDelegationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	selectors := make([]delegation.Selector, 0, len(req.Selectors))
	for _, raw := range req.Selectors {
		b, err := hexutil.Decode(raw)
		if err != nil {
			http.Error(w, "selector 必须是十六进制字符串", http.StatusBadRequest)
			return
		}
		selectors = append(selectors, delegation.SelectorFromBytes(b))
	}

	spendingLimit, err := parseAmount(req.SpendingLimit)
	if err != nil {
		writeError(w, err)
		return
	}

	params := delegation.CreateParams{
		Delegatee:        common.HexToAddress(req.Delegatee),
		Kind:             delegation.Kind(req.Kind),
		Duration:         time.Duration(req.DurationSeconds) * time.Second,
		SpendingLimit:    spendingLimit,
		AllowedSelectors: selectors,
	}
	delegator := common.HexToAddress(req.Delegator)

	var d *delegation.Delegation
	if req.Signature != "" {
		if req.Nonce == nil {
			http.Error(w, "带签名的请求必须携带 nonce", http.StatusBadRequest)
			return
		}
		sig, decodeErr := hexutil.Decode(req.Signature)
		if decodeErr != nil {
			http.Error(w, "signature 必须是十六进制字符串", http.StatusBadRequest)
			return
		}
		d, err = s.delegations.CreateWithSignature(r.Context(), delegator, params, *req.Nonce, sig)
	} else {
		d, err = s.delegations.Create(r.Context(), delegator, params)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, d)
}

func (s *Server) handleListDelegations(w http.ResponseWriter, r *http.Request) {
	delegator := r.URL.Query().Get("delegator")
	if delegator == "" {
		http.Error(w, "缺少 delegator 参数", http.StatusBadRequest)
		return
	}
	results, err := s.delegations.ListByDelegator(r.Context(), common.HexToAddress(delegator))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, results)
}

type revokeRequest struct {
	Caller string `json:"caller"`
	ID     string `json:"id"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}

	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if err := s.delegations.Revoke(r.Context(), common.HexToAddress(req.Caller), common.HexToHash(req.ID)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "revoked"})
}

type useRequest struct {
	Caller string `json:"caller"`
	ID     string `json:"id"`
	Amount string `json:"amount"`
}

func (s *Server) handleUse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}

	var req useRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.delegations.Use(r.Context(), common.HexToAddress(req.Caller), common.HexToHash(req.ID), amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "recorded"})
}

type recoveryRequest struct {
	Action       string `json:"action"`
	Caller       string `json:"caller"`
	Account      string `json:"account"`
	NewAuthority string `json:"new_authority"`
}

// handleRecovery 处理守护人恢复的全部状态转移。
func (s *Server) handleRecovery(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleGetRecovery(w, r)
		return
	case http.MethodPost:
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
		return
	}

	var req recoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	caller := common.HexToAddress(req.Caller)
	acct := common.HexToAddress(req.Account)

	var err error
	switch req.Action {
	case "initiate":
		err = s.recovery.InitiateRecovery(r.Context(), caller, acct, common.HexToAddress(req.NewAuthority))
	case "approve":
		err = s.recovery.ApproveRecovery(r.Context(), caller, acct)
	case "execute":
		err = s.recovery.ExecuteRecovery(r.Context(), acct)
	case "cancel":
		err = s.recovery.CancelRecovery(r.Context(), caller, acct)
	default:
		http.Error(w, "action 必须是 initiate/approve/execute/cancel", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": req.Action + "d"})
}

func (s *Server) handleGetRecovery(w http.ResponseWriter, r *http.Request) {
	acct := r.URL.Query().Get("account")
	if acct == "" {
		http.Error(w, "缺少 account 参数", http.StatusBadRequest)
		return
	}
	request, err := s.recovery.PendingRequest(r.Context(), common.HexToAddress(acct))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, request)
}

type guardianRequest struct {
	Action       string   `json:"action"`
	Caller       string   `json:"caller"`
	Account      string   `json:"account"`
	Guardian     string   `json:"guardian"`
	Guardians    []string `json:"guardians"`
	Threshold    int      `json:"threshold"`
	DelaySeconds int64    `json:"delay_seconds"`
}

// handleGuardians 处理守护人集合与恢复策略的管理。
func (s *Server) handleGuardians(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		acct := r.URL.Query().Get("account")
		if acct == "" {
			http.Error(w, "缺少 account 参数", http.StatusBadRequest)
			return
		}
		config, err := s.recovery.Config(r.Context(), common.HexToAddress(acct))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, config)
		return
	case http.MethodPost:
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
		return
	}

	var req guardianRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	caller := common.HexToAddress(req.Caller)
	acct := common.HexToAddress(req.Account)

	var err error
	switch req.Action {
	case "", "setup":
		guardians := make([]common.Address, 0, len(req.Guardians))
		for _, g := range req.Guardians {
			guardians = append(guardians, common.HexToAddress(g))
		}
		err = s.recovery.SetupGuardians(r.Context(), caller, recovery.GuardianConfig{
			Account:       acct,
			Guardians:     guardians,
			Threshold:     req.Threshold,
			RecoveryDelay: req.DelaySeconds,
		})
	case "add":
		err = s.recovery.AddGuardian(r.Context(), caller, acct, common.HexToAddress(req.Guardian))
	case "remove":
		err = s.recovery.RemoveGuardian(r.Context(), caller, acct, common.HexToAddress(req.Guardian))
	case "threshold":
		err = s.recovery.UpdateThreshold(r.Context(), caller, acct, req.Threshold)
	default:
		http.Error(w, "action 必须是 setup/add/remove/threshold", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSetLimit(w, r)
	case http.MethodGet:
		s.handleListLimits(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

type limitRequest struct {
	Action        string `json:"action"`
	Caller        string `json:"caller"`
	Account       string `json:"account"`
	Asset         string `json:"asset"`
	Limit         string `json:"limit"`
	PeriodSeconds int64  `json:"period_seconds"`
}

// handleSetLimit 处理配额的设置、移除与周期滚动。
func (s *Server) handleSetLimit(w http.ResponseWriter, r *http.Request) {
	var req limitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	caller := common.HexToAddress(req.Caller)
	acct := common.HexToAddress(req.Account)
	asset := common.HexToAddress(req.Asset)

	limit, err := parseAmount(req.Limit)
	if err != nil {
		writeError(w, err)
		return
	}

	switch req.Action {
	case "", "set":
		err = s.limits.SetLimit(r.Context(), caller, acct, asset, limit, req.PeriodSeconds)
	case "remove":
		err = s.limits.RemoveLimit(r.Context(), caller, acct, asset)
	case "reset":
		err = s.limits.ResetPeriod(r.Context(), caller, acct, asset)
	default:
		http.Error(w, "action 必须是 set/remove/reset", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleListLimits(w http.ResponseWriter, r *http.Request) {
	acct := r.URL.Query().Get("account")
	if acct == "" {
		http.Error(w, "缺少 account 参数", http.StatusBadRequest)
		return
	}
	configs, err := s.limits.Limits(r.Context(), common.HexToAddress(acct))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, configs)
}

type pauseRequest struct {
	Caller  string `json:"caller"`
	Account string `json:"account"`
	Paused  bool   `json:"paused"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}

	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	caller := common.HexToAddress(req.Caller)
	acct := common.HexToAddress(req.Account)

	var err error
	if req.Paused {
		err = s.limits.Pause(r.Context(), caller, acct)
	} else {
		err = s.limits.Unpause(r.Context(), caller, acct)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"paused": req.Paused})
}

type whitelistRequest struct {
	Action  string `json:"action"`
	Caller  string `json:"caller"`
	Account string `json:"account"`
	Target  string `json:"target"`
}

// handleWhitelist 处理配额白名单的增删。
func (s *Server) handleWhitelist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}

	var req whitelistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	caller := common.HexToAddress(req.Caller)
	acct := common.HexToAddress(req.Account)
	target := common.HexToAddress(req.Target)

	var err error
	switch req.Action {
	case "", "add":
		err = s.limits.AddWhitelist(r.Context(), caller, acct, target)
	case "remove":
		err = s.limits.RemoveWhitelist(r.Context(), caller, acct, target)
	default:
		http.Error(w, "action 必须是 add 或 remove", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleAssets 返回资产登记表中的全部资产。
func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.assets == nil {
		writeJSON(w, map[string]assets.Definition{})
		return
	}
	writeJSON(w, s.assets.All())
}

// writeJSON 输出 JSON 响应。
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 将领域错误码映射为 HTTP 状态码，保持错误的机器可读性。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeNotFound:
		status = http.StatusNotFound
	case xerrors.CodeUnauthorized, xerrors.CodeInvalidSignature:
		status = http.StatusForbidden
	case xerrors.CodeInvalidArgument, xerrors.CodeInvalidConfig, xerrors.CodeInvalidValidator:
		status = http.StatusBadRequest
	case xerrors.CodeModuleState:
		status = http.StatusConflict
	default:
		if strings.HasSuffix(string(code), "_NOT_FOUND") {
			status = http.StatusNotFound
		} else if xerrors.ResolvesWithTime(err) {
			status = http.StatusTooEarly
		} else if code != xerrors.CodeUnknown && code != xerrors.CodeStorageFailure {
			// 其余带领域码的错误都是调用方问题。
			status = http.StatusConflict
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    string(code),
		"message": err.Error(),
	})
}

func decodePayload(raw string) ([]byte, error) {
	if raw == "" {
		return nil, nil
	}
	return hexutil.Decode(raw)
}

// parseAmount 解析十进制金额字符串，空串视为零。
func parseAmount(raw string) (*big.Int, error) {
	if raw == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "金额必须是十进制整数字符串",
			xerrors.WithMetadata("amount", raw))
	}
	return v, nil
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	// 包装处理器以检查上下文状态。
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
