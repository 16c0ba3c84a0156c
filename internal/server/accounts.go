package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"isarelay/internal/derive"
	"isarelay/internal/escrow"
	"isarelay/internal/events"
	"isarelay/internal/hmacauth"
	"isarelay/internal/idempotency"
)

const (
	scopeAccounts   = "accounts"
	scopeExecutions = "executions"
	modeExecute     = "execute"
	modeRun         = "run"
)

type opsPayload struct {
	Target          common.Address `json:"target"`
	Approval        common.Address `json:"approval"`
	ExecutionData   hexutil.Bytes  `json:"executionData"`
	SourceToken     common.Address `json:"sourceToken"`
	RefundRecipient common.Address `json:"refundRecipient"`
	Relayer         common.Address `json:"relayer"`
	RelayerFee      string         `json:"relayerFee,omitempty"`
}

func (p opsPayload) callOps() (escrow.CallOps, error) {
	fee, err := parseAmount(p.RelayerFee)
	if err != nil {
		return escrow.CallOps{}, fmt.Errorf("relayerFee: %w", err)
	}
	return escrow.CallOps{
		Target:          p.Target,
		Approval:        p.Approval,
		ExecutionData:   common.CopyBytes(p.ExecutionData),
		SourceToken:     p.SourceToken,
		RefundRecipient: p.RefundRecipient,
		Relayer:         p.Relayer,
		RelayerFee:      fee,
	}, nil
}

type openAccountRequest struct {
	Salt string      `json:"salt"`
	Ops  *opsPayload `json:"ops,omitempty"`
	// InitCodeHash opens the account without ops; they are bound on first execution.
	InitCodeHash string         `json:"initCodeHash,omitempty"`
	Depositor    common.Address `json:"depositor"`
}

type openAccountResponse struct {
	Account  escrow.AccountView `json:"account"`
	InitCode hexutil.Bytes      `json:"initCode,omitempty"`
}

type depositRequest struct {
	From   common.Address `json:"from"`
	Token  common.Address `json:"token"`
	Amount string         `json:"amount"`
}

type syncRequest struct {
	Token     common.Address `json:"token"`
	Depositor common.Address `json:"depositor"`
}

type executionRequest struct {
	Ops opsPayload `json:"ops"`
	// Caller may be omitted; when set it must equal the authenticated relayer,
	// since attached value is debited from the caller.
	Caller common.Address `json:"caller"`
	Value  string         `json:"value,omitempty"`
}

type executionResponse struct {
	Account    common.Address     `json:"account"`
	Outcome    escrow.State       `json:"outcome"`
	Token      common.Address     `json:"token"`
	Amount     *uint256.Int       `json:"amount"`
	Reason     string             `json:"reason,omitempty"`
	ReturnData hexutil.Bytes      `json:"returnData,omitempty"`
	Records    []events.Record    `json:"records"`
	View       escrow.AccountView `json:"view"`
}

type accountResponse struct {
	Account escrow.AccountView `json:"account"`
	Token   common.Address     `json:"token"`
	Balance *uint256.Int       `json:"balance"`
}

func (s *Server) handleOpenAccount(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing X-Idempotency-Key header"))
		return
	}

	ctx := r.Context()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	fp := idempotency.Fingerprint(body)
	storeKey := idempotency.Key(scopeAccounts, key)

	existing, err := idempotency.Lookup(ctx, s.store, storeKey, fp)
	if errors.Is(err, idempotency.ErrKeyReused) {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	if existing != nil {
		writeRaw(w, existing.StatusCode, existing.Response)
		s.metrics.incOpened("cached")
		return
	}

	var payload openAccountRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid json payload"))
		return
	}
	salt, err := derive.ParseSalt(payload.Salt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var resp openAccountResponse
	switch {
	case payload.Ops != nil:
		ops, err := payload.Ops.callOps()
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp.Account, err = s.registry.Open(s.creator, salt, ops, payload.Depositor)
		if err != nil {
			s.metrics.incOpened("failed")
			writeError(w, statusFor(err), err)
			return
		}
		resp.InitCode = ops.InitCode()
	case payload.InitCodeHash != "":
		hash, err := derive.ParseHash(payload.InitCodeHash)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp.Account, err = s.registry.OpenUnbound(s.creator, salt, hash, payload.Depositor)
		if err != nil {
			s.metrics.incOpened("failed")
			writeError(w, statusFor(err), err)
			return
		}
	default:
		writeError(w, http.StatusBadRequest, errors.New("ops or initCodeHash is required"))
		return
	}

	b, _ := json.Marshal(resp)
	now := s.now()
	record := idempotency.Record{
		StatusCode:  http.StatusCreated,
		Response:    b,
		Fingerprint: fp,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
	}
	if err := s.store.Save(ctx, storeKey, record); err != nil {
		s.logger.Warn("idempotency save failed", zap.String("key", storeKey), zap.Error(err))
	}

	s.logger.Info("account opened",
		zap.String("account", resp.Account.ID.Hex()),
		zap.Bool("bound", resp.Account.Bound),
		zap.String("request_id", requestID(ctx)),
	)
	writeRaw(w, http.StatusCreated, b)
	s.metrics.incOpened("created")
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	view, err := s.registry.Get(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	token := escrow.NativeToken
	if q := r.URL.Query().Get("token"); q != "" {
		if !common.IsHexAddress(q) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid token %q", q))
			return
		}
		token = common.HexToAddress(q)
	}
	balance, err := s.balances.Balance(r.Context(), token, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{Account: view, Token: token, Balance: balance})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Service.DevDeposits {
		writeError(w, http.StatusForbidden, errors.New("dev deposits are disabled"))
		return
	}
	id, ok := accountID(w, r)
	if !ok {
		return
	}

	var payload depositRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid json payload"))
		return
	}
	amount, err := parseAmount(payload.Amount)
	if err != nil || amount.IsZero() {
		writeError(w, http.StatusBadRequest, errors.New("amount must be a positive integer"))
		return
	}

	ctx := r.Context()
	view, err := s.registry.Deposit(id, payload.From, func() error {
		return s.balances.Mint(ctx, payload.Token, id, amount)
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	balance, err := s.balances.Balance(ctx, payload.Token, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{Account: view, Token: payload.Token, Balance: balance})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		writeError(w, http.StatusNotImplemented, errors.New("no chain endpoint configured"))
		return
	}
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	var payload syncRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid json payload"))
		return
	}
	res, err := s.syncer.Sync(r.Context(), id, payload.Token, payload.Depositor)
	if err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			code = http.StatusBadGateway
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	s.execute(w, r, modeExecute)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	s.execute(w, r, modeRun)
}

// execute serves both execution modes. Completed results are stored per
// account without expiry: a retried request (same body and idempotency key)
// gets the stored body back, any other request for the account gets 409.
func (s *Server) execute(w http.ResponseWriter, r *http.Request, mode string) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	relayer, _ := hmacauth.Relayer(ctx)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	fp := idempotency.Fingerprint(append([]byte(r.Header.Get("X-Idempotency-Key")+"\n"), body...))
	storeKey := idempotency.Key(scopeExecutions, id.Hex())

	existing, err := idempotency.Lookup(ctx, s.store, storeKey, fp)
	switch {
	case errors.Is(err, idempotency.ErrKeyReused):
		writeError(w, http.StatusConflict, escrow.ErrConsumed)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	case existing != nil:
		writeRaw(w, existing.StatusCode, existing.Response)
		return
	}

	var payload executionRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid json payload"))
		return
	}
	ops, err := payload.Ops.callOps()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if ops.Relayer != (common.Address{}) && ops.Relayer != relayer {
		writeError(w, http.StatusForbidden, fmt.Errorf("ops name relayer %s, request signed by %s", ops.Relayer.Hex(), relayer.Hex()))
		return
	}
	value, err := parseAmount(payload.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("value: %w", err))
		return
	}
	if payload.Caller != (common.Address{}) && payload.Caller != relayer {
		writeError(w, http.StatusForbidden, fmt.Errorf("caller %s does not match relayer %s", payload.Caller.Hex(), relayer.Hex()))
		return
	}
	caller := relayer

	inv := escrow.Invocation{Account: id, Ops: ops, Caller: caller, Value: value}
	var res *escrow.Result
	if mode == modeRun {
		res, err = s.exec.RunDelegated(ctx, inv)
	} else {
		res, err = s.exec.Execute(ctx, inv)
	}
	if err != nil {
		s.executionFailed(w, r, mode, id, relayer, body, err)
		return
	}

	b, _ := json.Marshal(executionResponse{
		Account:    res.Account,
		Outcome:    res.Outcome,
		Token:      res.Token,
		Amount:     res.Amount,
		Reason:     res.Reason,
		ReturnData: res.ReturnData,
		Records:    res.Records,
		View:       res.View,
	})
	record := idempotency.Record{
		StatusCode:  http.StatusOK,
		Response:    b,
		Fingerprint: fp,
		CreatedAt:   s.now(),
	}
	if err := s.store.Save(ctx, storeKey, record); err != nil {
		s.logger.Warn("idempotency save failed", zap.String("key", storeKey), zap.Error(err))
	}

	refunds := 0
	for _, rec := range res.Records {
		if rec.Kind == events.KindRefund {
			refunds++
		}
	}
	s.metrics.incExecution(mode, strings.ToLower(res.Outcome.String()))
	s.metrics.addRefunds(refunds)
	writeRaw(w, http.StatusOK, b)
}

func (s *Server) executionFailed(w http.ResponseWriter, r *http.Request, mode string, id, relayer common.Address, body []byte, err error) {
	logger := s.logger.With(
		zap.String("account", id.Hex()),
		zap.String("relayer", relayer.Hex()),
		zap.String("mode", mode),
		zap.String("request_id", requestID(r.Context())),
	)

	var (
		revertErr *escrow.RevertError
		refundErr *escrow.RefundError
	)
	switch {
	case errors.As(err, &revertErr):
		// only the delegated run surfaces target failures as errors
		s.metrics.incExecution(mode, "reverted")
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error:  err.Error(),
			Reason: escrow.DecodeRevertReason(revertErr.Data),
			Data:   hexutil.Encode(revertErr.Data),
		})
	case errors.As(err, &refundErr), errors.Is(err, escrow.ErrEventLog):
		reason := "event_log"
		if refundErr != nil {
			reason = "refund"
		}
		s.metrics.incAbort(reason)
		logger.Error("execution aborted", zap.String("reason", reason), zap.Error(err))
		s.writeDLQ(dlqEntry{
			RequestID: requestID(r.Context()),
			Account:   id,
			Relayer:   relayer,
			Mode:      mode,
			Payload:   json.RawMessage(body),
			Error:     err.Error(),
		})
		writeError(w, statusFor(err), err)
	default:
		logger.Info("execution rejected", zap.Error(err))
		writeError(w, statusFor(err), err)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := events.Filter{Account: &id, Kind: events.Kind(q.Get("kind"))}
	if v := q.Get("after"); v != "" {
		after, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid after %q", v))
			return
		}
		f.AfterSeq = after
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		f.Limit = limit
	}

	recs, err := s.events.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []events.Record{}
	}
	if q.Get("format") != "eth" {
		writeJSON(w, http.StatusOK, recs)
		return
	}
	logs := make([]any, 0, len(recs))
	for _, rec := range recs {
		l, err := rec.EthLog()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		logs = append(logs, l)
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleDerive(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	creator := s.creator
	if v := q.Get("creator"); v != "" {
		if !common.IsHexAddress(v) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid creator %q", v))
			return
		}
		creator = common.HexToAddress(v)
	}
	salt, err := derive.ParseSalt(q.Get("salt"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	hash, err := derive.ParseHash(q.Get("initCodeHash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Creator      common.Address `json:"creator"`
		Salt         common.Hash    `json:"salt"`
		InitCodeHash common.Hash    `json:"initCodeHash"`
		Address      common.Address `json:"address"`
	}{creator, common.Hash(salt), hash, derive.Address(creator, salt, hash)})
}

func accountID(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := r.PathValue("id")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid account id %q", raw))
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// parseAmount accepts decimal or 0x-prefixed hex. Empty means zero.
func parseAmount(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(uint256.Int), nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return uint256.FromHex(s)
	}
	return uint256.FromDecimal(s)
}
