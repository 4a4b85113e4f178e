package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"hashink/internal/autograph"
	"hashink/internal/celebrity"
	"hashink/internal/config"
	"hashink/internal/events"
	"hashink/internal/idempotency"
	"hashink/internal/requests"
	"hashink/internal/vault"
)

const (
	testSecret   = "test-secret"
	treasuryAddr = "0x00000000000000000000000000000000000000Fe"
	operatorAddr = "0x00000000000000000000000000000000000000aA"
	celebAddr    = "0x1111111111111111111111111111111111111111"
	fanAddr      = "0x2222222222222222222222222222222222222222"
	contentHash  = "0x4242424242424242424242424242424242424242424242424242424242424242"
)

func addr(hex string) common.Address {
	return common.HexToAddress(hex)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := &config.AppConfig{
		Service: config.ServiceConfig{
			HTTPPort:          0,
			HMACClockSkew:     time.Minute,
			IdempotencyWindow: time.Minute,
		},
	}
	cfg.Seed.Secrets.HMACSalt = testSecret
	cfg.Seed.Platform.FeePercent = 10

	eventLog := events.NewLog(64)
	funds := vault.New()
	registry := celebrity.NewRegistry(eventLog)
	collection := autograph.NewCollection(addr(operatorAddr), eventLog)

	ledger, err := requests.NewLedger(registry, collection, funds, requests.Options{
		Treasury:   addr(treasuryAddr),
		Operator:   addr(operatorAddr),
		FeePercent: 10,
		Sink:       eventLog,
	})
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}

	return NewServer(cfg, registry, ledger, collection, funds, eventLog, idempotency.NewMemoryStore())
}

func doSigned(t *testing.T, srv *Server, method, path string, payload interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("X-Hashink-Timestamp", ts)
	req.Header.Set("X-Hashink-Signature", signBody(testSecret, ts, body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func doGet(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestCelebrityLifecycle(t *testing.T) {
	srv := newTestServer(t)

	rec := doSigned(t, srv, http.MethodPost, "/api/v1/celebrities", map[string]interface{}{
		"caller":              celebAddr,
		"name":                "Justin Shenkarow",
		"price":               "2000000000000000000",
		"responseTimeSeconds": 2,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doSigned(t, srv, http.MethodPost, "/api/v1/celebrities", map[string]interface{}{
		"caller":              celebAddr,
		"name":                "Justin Shenkarow",
		"price":               "1000000000000000000",
		"responseTimeSeconds": 4,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on update got %d", rec.Code)
	}

	rec = doGet(t, srv, "/api/v1/celebrities/"+celebAddr)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var profile struct {
		Name                string `json:"name"`
		Price               string `json:"price"`
		ResponseTimeSeconds int64  `json:"responseTimeSeconds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &profile); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if profile.Price != "1000000000000000000" || profile.ResponseTimeSeconds != 4 {
		t.Fatalf("unexpected profile: %+v", profile)
	}

	rec = doSigned(t, srv, http.MethodDelete, "/api/v1/celebrities/"+celebAddr, map[string]string{
		"caller": fanAddr,
	}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rec.Code)
	}

	rec = doSigned(t, srv, http.MethodDelete, "/api/v1/celebrities/"+celebAddr, map[string]string{
		"caller": celebAddr,
	}, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", rec.Code)
	}

	rec = doGet(t, srv, "/api/v1/celebrities/"+celebAddr)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

func TestRequestFlow(t *testing.T) {
	srv := newTestServer(t)

	rec := doSigned(t, srv, http.MethodPost, "/api/v1/celebrities", map[string]interface{}{
		"caller":              celebAddr,
		"name":                "Justin Shenkarow",
		"price":               "100",
		"responseTimeSeconds": 0,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("celebrity: expected 201 got %d", rec.Code)
	}

	createBody := map[string]string{
		"caller":    fanAddr,
		"recipient": celebAddr,
		"amount":    "100",
	}
	rec = doSigned(t, srv, http.MethodPost, "/api/v1/requests", createBody, map[string]string{
		"X-Idempotency-Key": "key-1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	first := rec.Body.Bytes()

	rec = doSigned(t, srv, http.MethodPost, "/api/v1/requests", createBody, map[string]string{
		"X-Idempotency-Key": "key-1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("replay: expected cached 201 got %d", rec.Code)
	}
	if !bytes.Equal(first, rec.Body.Bytes()) {
		t.Fatalf("expected identical body on idempotent replay")
	}

	rec = doSigned(t, srv, http.MethodPost, "/api/v1/requests/0/sign", map[string]string{
		"caller":      fanAddr,
		"contentHash": contentHash,
		"metadataUri": "ipfs://autograph/0",
	}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("sign by fan: expected 403 got %d", rec.Code)
	}

	rec = doSigned(t, srv, http.MethodPost, "/api/v1/requests/0/sign", map[string]string{
		"caller":      celebAddr,
		"contentHash": contentHash,
		"metadataUri": "ipfs://autograph/0",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sign: expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var signed struct {
		Status  string `json:"status"`
		TokenID uint64 `json:"tokenId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &signed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if signed.Status != "signed" || signed.TokenID != 1 {
		t.Fatalf("unexpected sign response: %+v", signed)
	}

	rec = doGet(t, srv, "/api/v1/autographs/1")
	if rec.Code != http.StatusOK {
		t.Fatalf("autograph: expected 200 got %d", rec.Code)
	}
	var token struct {
		Owner string `json:"owner"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &token); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if token.Owner != fanAddr {
		t.Fatalf("expected token owned by requester, got %s", token.Owner)
	}

	rec = doGet(t, srv, "/api/v1/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: expected 200 got %d", rec.Code)
	}
	var stats struct {
		EscrowBalance   string `json:"escrowBalance"`
		TotalRequests   uint64 `json:"totalRequests"`
		PendingRequests int    `json:"pendingRequests"`
		Autographs      uint64 `json:"autographs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.EscrowBalance != "0" || stats.TotalRequests != 1 || stats.PendingRequests != 0 || stats.Autographs != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSignRejectsMalformedContentHash(t *testing.T) {
	srv := newTestServer(t)

	// Right length and 0x prefix, but not hex: must be a 400, not a hash
	// silently parsed as zeroes.
	for _, bad := range []string{
		"0xzz" + strings.Repeat("4", 62),
		"0x" + strings.Repeat("4", 63) + "g",
		"0x4242",
		strings.Repeat("4", 66),
	} {
		rec := doSigned(t, srv, http.MethodPost, "/api/v1/requests/0/sign", map[string]string{
			"caller":      celebAddr,
			"contentHash": bad,
			"metadataUri": "",
		}, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("contentHash %q: expected 400 got %d", bad, rec.Code)
		}
	}
}

func TestDeleteRequestRespectsLockWindow(t *testing.T) {
	srv := newTestServer(t)

	rec := doSigned(t, srv, http.MethodPost, "/api/v1/celebrities", map[string]interface{}{
		"caller":              celebAddr,
		"name":                "Justin Shenkarow",
		"price":               "2",
		"responseTimeSeconds": 3600,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("celebrity: expected 201 got %d", rec.Code)
	}

	rec = doSigned(t, srv, http.MethodPost, "/api/v1/requests", map[string]string{
		"caller":    fanAddr,
		"recipient": celebAddr,
		"amount":    "2",
	}, map[string]string{"X-Idempotency-Key": "key-lock"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201 got %d", rec.Code)
	}

	rec = doSigned(t, srv, http.MethodDelete, "/api/v1/requests/0", map[string]string{
		"caller": fanAddr,
	}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while locked, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRejectsUnsignedMutation(t *testing.T) {
	srv := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"caller": celebAddr, "name": "x", "price": "1"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/celebrities", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
}

func TestCreateRequestRequiresIdempotencyKey(t *testing.T) {
	srv := newTestServer(t)

	rec := doSigned(t, srv, http.MethodPost, "/api/v1/requests", map[string]string{
		"caller":    fanAddr,
		"recipient": celebAddr,
		"amount":    "2",
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func signBody(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
