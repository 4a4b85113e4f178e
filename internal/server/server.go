package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"hashink/internal/autograph"
	"hashink/internal/celebrity"
	"hashink/internal/config"
	"hashink/internal/events"
	"hashink/internal/hmacauth"
	"hashink/internal/idempotency"
	"hashink/internal/requests"
	"hashink/internal/shared"
	"hashink/internal/vault"
)

type Server struct {
	cfg        *config.AppConfig
	registry   *celebrity.Registry
	ledger     *requests.Ledger
	collection *autograph.Collection
	funds      *vault.Vault
	eventLog   *events.Log
	store      idempotency.Store
	hmac       *hmacauth.Verifier
	httpServer *http.Server
	metrics    *metricsRegistry
	dbHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, registry *celebrity.Registry, ledger *requests.Ledger, collection *autograph.Collection, funds *vault.Vault, eventLog *events.Log, store idempotency.Store) *Server {
	verifier := &hmacauth.Verifier{
		Secret:  cfg.Seed.Secrets.HMACSalt,
		MaxSkew: cfg.Service.HMACClockSkew,
	}

	s := &Server{
		cfg:        cfg,
		registry:   registry,
		ledger:     ledger,
		collection: collection,
		funds:      funds,
		eventLog:   eventLog,
		store:      store,
		hmac:       verifier,
		metrics:    newMetricsRegistry(),
	}

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/celebrities", verifier.Middleware(http.HandlerFunc(s.handleUpsertCelebrity)))
	mux.Handle("DELETE /api/v1/celebrities/{address}", verifier.Middleware(http.HandlerFunc(s.handleDeleteCelebrity)))
	mux.HandleFunc("GET /api/v1/celebrities/{address}", s.handleGetCelebrity)
	mux.Handle("POST /api/v1/requests", verifier.Middleware(http.HandlerFunc(s.handleCreateRequest)))
	mux.Handle("POST /api/v1/requests/{id}/sign", verifier.Middleware(http.HandlerFunc(s.handleSignRequest)))
	mux.Handle("DELETE /api/v1/requests/{id}", verifier.Middleware(http.HandlerFunc(s.handleDeleteRequest)))
	mux.HandleFunc("GET /api/v1/requests/{id}", s.handleGetRequest)
	mux.Handle("POST /api/v1/autographs/{id}/approve", verifier.Middleware(http.HandlerFunc(s.handleApprove)))
	mux.Handle("POST /api/v1/autographs/{id}/transfer", verifier.Middleware(http.HandlerFunc(s.handleTransfer)))
	mux.HandleFunc("GET /api/v1/autographs/{id}", s.handleGetAutograph)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.Handle("GET /api/v1/metrics", s.metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	log.Printf("API listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type upsertCelebrityRequest struct {
	Caller              string `json:"caller"`
	Name                string `json:"name"`
	Price               string `json:"price"`
	ResponseTimeSeconds int64  `json:"responseTimeSeconds"`
}

type deleteCelebrityRequest struct {
	Caller string `json:"caller"`
}

type celebrityResponse struct {
	Owner               string `json:"owner"`
	Name                string `json:"name"`
	Price               string `json:"price"`
	ResponseTimeSeconds int64  `json:"responseTimeSeconds"`
}

type createRequestRequest struct {
	Caller    string `json:"caller"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

type signRequestRequest struct {
	Caller      string `json:"caller"`
	ContentHash string `json:"contentHash"`
	MetadataURI string `json:"metadataUri"`
}

type deleteRequestRequest struct {
	Caller string `json:"caller"`
}

type requestResponse struct {
	ID                  uint64 `json:"id"`
	Requester           string `json:"requester"`
	Recipient           string `json:"recipient"`
	Amount              string `json:"amount"`
	CreatedAt           int64  `json:"createdAt"`
	ResponseTimeSeconds int64  `json:"responseTimeSeconds"`
	Status              string `json:"status"`
	TokenID             uint64 `json:"tokenId,omitempty"`
}

type approveRequest struct {
	Caller   string `json:"caller"`
	Delegate string `json:"delegate"`
}

type transferRequest struct {
	Caller string `json:"caller"`
	From   string `json:"from"`
	To     string `json:"to"`
}

type autographResponse struct {
	ID          uint64 `json:"id"`
	Owner       string `json:"owner"`
	MetadataURI string `json:"metadataUri"`
}

func (s *Server) handleUpsertCelebrity(w http.ResponseWriter, r *http.Request) {
	var payload upsertCelebrityRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	caller, err := parseAddress("caller", payload.Caller)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	price, err := parseAmount("price", payload.Price)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if payload.ResponseTimeSeconds < 0 {
		http.Error(w, "responseTimeSeconds must be non-negative", http.StatusBadRequest)
		return
	}

	created, err := s.registry.Upsert(caller, payload.Name, price, time.Duration(payload.ResponseTimeSeconds)*time.Second)
	if err != nil {
		s.metrics.incCelebrity("upsert", "failed")
		writeDomainError(w, err)
		return
	}
	s.metrics.incCelebrity("upsert", "ok")

	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, celebrityResponse{
		Owner:               caller.Hex(),
		Name:                payload.Name,
		Price:               price.String(),
		ResponseTimeSeconds: payload.ResponseTimeSeconds,
	})
}

func (s *Server) handleDeleteCelebrity(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress("address", r.PathValue("address"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var payload deleteCelebrityRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	caller, err := parseAddress("caller", payload.Caller)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.registry.Delete(caller, owner); err != nil {
		s.metrics.incCelebrity("delete", "failed")
		writeDomainError(w, err)
		return
	}
	s.metrics.incCelebrity("delete", "ok")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetCelebrity(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress("address", r.PathValue("address"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	profile, err := s.registry.Get(owner)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, celebrityResponse{
		Owner:               owner.Hex(),
		Name:                profile.Name,
		Price:               profile.Price.String(),
		ResponseTimeSeconds: int64(profile.ResponseTime / time.Second),
	})
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if key == "" {
		http.Error(w, "missing X-Idempotency-Key header", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if existing, _ := s.store.Get(ctx, key); existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
		s.metrics.incRequest("create", "cached")
		return
	}

	var payload createRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	caller, err := parseAddress("caller", payload.Caller)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	recipient, err := parseAddress("recipient", payload.Recipient)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := parseAmount("amount", payload.Amount)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.ledger.Create(caller, recipient, amount)
	if err != nil {
		s.metrics.incRequest("create", "failed")
		writeDomainError(w, err)
		return
	}
	s.metrics.incRequest("create", "ok")
	s.updateLedgerGauges()

	req, err := s.ledger.Get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	body, _ := json.Marshal(toRequestResponse(req, 0))

	record := idempotency.Record{
		StatusCode: http.StatusCreated,
		Response:   body,
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(s.cfg.Service.IdempotencyWindow),
	}
	_ = s.store.Save(ctx, key, record)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

func (s *Server) handleSignRequest(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var payload signRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	caller, err := parseAddress("caller", payload.Caller)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	contentHash, err := parseHash("contentHash", payload.ContentHash)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	tokenID, err := s.ledger.Sign(caller, id, contentHash, payload.MetadataURI)
	if err != nil {
		s.metrics.incRequest("sign", "failed")
		writeDomainError(w, err)
		return
	}
	s.metrics.incRequest("sign", "ok")
	s.updateLedgerGauges()

	req, err := s.ledger.Get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req, tokenID))
}

func (s *Server) handleDeleteRequest(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var payload deleteRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	caller, err := parseAddress("caller", payload.Caller)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.ledger.Delete(caller, id); err != nil {
		s.metrics.incRequest("delete", "failed")
		writeDomainError(w, err)
		return
	}
	s.metrics.incRequest("delete", "ok")
	s.updateLedgerGauges()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := s.ledger.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req, 0))
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var payload approveRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	caller, err := parseAddress("caller", payload.Caller)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	delegate, err := parseAddress("delegate", payload.Delegate)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.collection.Approve(caller, delegate, id); err != nil {
		s.metrics.incAutograph("approve", "failed")
		writeDomainError(w, err)
		return
	}
	s.metrics.incAutograph("approve", "ok")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var payload transferRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	caller, err := parseAddress("caller", payload.Caller)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	from, err := parseAddress("from", payload.From)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	to, err := parseAddress("to", payload.To)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.collection.TransferFrom(caller, from, to, id); err != nil {
		s.metrics.incAutograph("transfer", "failed")
		writeDomainError(w, err)
		return
	}
	s.metrics.incAutograph("transfer", "ok")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetAutograph(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	owner, err := s.collection.OwnerOf(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	uri, err := s.collection.TokenURI(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, autographResponse{
		ID:          id,
		Owner:       owner.Hex(),
		MetadataURI: uri,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.updateLedgerGauges()
	resp := struct {
		EscrowBalance   string `json:"escrowBalance"`
		TotalRequests   uint64 `json:"totalRequests"`
		PendingRequests int    `json:"pendingRequests"`
		FeePercent      int64  `json:"feePercent"`
		Celebrities     int    `json:"celebrities"`
		Autographs      uint64 `json:"autographs"`
	}{
		EscrowBalance:   s.ledger.Balance().String(),
		TotalRequests:   s.ledger.TotalSupply(),
		PendingRequests: s.ledger.Pending(),
		FeePercent:      s.ledger.FeePercent(),
		Celebrities:     s.registry.TotalSupply(),
		Autographs:      s.collection.TotalSupply(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	writeJSON(w, http.StatusOK, s.eventLog.Recent(limit))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status          string      `json:"status"`
		Database        interface{} `json:"database"`
		PendingRequests int         `json:"pending_requests"`
	}{
		Status:          status,
		Database:        dbInfo,
		PendingRequests: s.ledger.Pending(),
	}

	w.Header().Set("Content-Type", "application/json")
	if !overallHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) updateLedgerGauges() {
	balance, _ := new(big.Float).SetInt(s.ledger.Balance()).Float64()
	s.metrics.setEscrowBalance(balance)
	s.metrics.setPendingRequests(s.ledger.Pending())
}

func toRequestResponse(req requests.Request, tokenID uint64) requestResponse {
	return requestResponse{
		ID:                  req.ID,
		Requester:           req.Requester.Hex(),
		Recipient:           req.Recipient.Hex(),
		Amount:              req.Amount.String(),
		CreatedAt:           req.CreatedAt.Unix(),
		ResponseTimeSeconds: int64(req.ResponseTime / time.Second),
		Status:              req.Status.String(),
		TokenID:             tokenID,
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, shared.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, shared.ErrUnauthorized):
		code = http.StatusForbidden
	case errors.Is(err, shared.ErrState):
		code = http.StatusConflict
	case errors.Is(err, shared.ErrValue):
		code = http.StatusUnprocessableEntity
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func parseAddress(field, value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%s must be a hex address", field)
	}
	return common.HexToAddress(value), nil
}

func parseAmount(field, value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("%s must be a non-negative decimal string", field)
	}
	return amount, nil
}

func parseHash(field, value string) (common.Hash, error) {
	if len(value) != 66 || !strings.HasPrefix(value, "0x") {
		return common.Hash{}, fmt.Errorf("%s must be a 32-byte hex hash", field)
	}
	if _, err := hex.DecodeString(value[2:]); err != nil {
		return common.Hash{}, fmt.Errorf("%s must be a 32-byte hex hash", field)
	}
	return common.HexToHash(value), nil
}

func parseID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id")
	}
	return id, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", fmt.Sprintf("%d", time.Now().UnixNano()))
		}
		next.ServeHTTP(w, r)
	})
}
