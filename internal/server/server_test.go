package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"assetrails/internal/catalog"
	"assetrails/internal/config"
	"assetrails/internal/content"
	"assetrails/internal/escrow"
	"assetrails/internal/hmacauth"
	"assetrails/internal/ledger"
	"assetrails/internal/minting"
	"assetrails/internal/service"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T, rpc RPCHealthChecker) (*Server, *catalog.MemoryStore) {
	t.Helper()
	cfg := &config.AppConfig{
		Service: config.ServiceConfig{
			HTTPPort:      0,
			HMACClockSkew: time.Minute,
		},
		Escrow: config.EscrowConfig{
			HoldingPeriod: time.Hour,
			Operator:      "0x00000000000000000000000000000000000000EE",
		},
	}
	cfg.File.Secrets.HMACSalt = testSecret

	store := catalog.NewMemoryStore()
	chain := ledger.NewFakeLedger()
	minter := minting.New(store, content.NewMemoryPublisher(), chain, minting.RetryPolicy{MaxAttempts: 1}, 1)
	svc := service.New(store, chain, minter, service.Config{
		HoldingPeriod: cfg.Escrow.HoldingPeriod,
		ReleasePolicy: escrow.ReleasePolicy{Operator: cfg.Escrow.Operator},
		SubmitTimeout: time.Second,
	})
	return NewServer(cfg, svc, store, rpc), store
}

func signedRequest(method, target string, payload []byte) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(payload))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("X-Request-Timestamp", ts)
	req.Header.Set("X-Request-Signature", hmacauth.ComputeSignature(testSecret, ts, payload))
	return req
}

func TestCreateAndGetListing(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	payload, _ := json.Marshal(map[string]string{
		"title": "vase",
		"price": "5000",
		"owner": "0xabc",
	})
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, signedRequest(http.MethodPost, "/api/v1/listings", payload))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created catalog.Listing
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.ID == "" || created.State != catalog.ListingDraft {
		t.Fatalf("unexpected listing: %+v", created)
	}

	rec = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/listings/"+created.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCreateListingRejectsUnsigned(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	payload, _ := json.Marshal(map[string]string{"title": "vase", "price": "1", "owner": "0xabc"})
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/listings", bytes.NewReader(payload)))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestGetEscrowNotFound(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/escrows/404", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestReleaseUnauthorizedIsConflict(t *testing.T) {
	srv, store := newTestServer(t, nil)

	if err := store.PutEscrow(context.Background(), &catalog.Escrow{
		ID:       "9",
		Buyer:    "0xb1",
		Seller:   "0xab",
		Status:   escrow.StatusCreated,
		Deadline: time.Now().Add(time.Hour).Unix(),
	}); err != nil {
		t.Fatalf("seed escrow: %v", err)
	}

	payload, _ := json.Marshal(map[string]string{"requester": "0xab"})
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, signedRequest(http.MethodPost, "/api/v1/escrows/9/release", payload))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

type failingRPC struct{}

func (failingRPC) Ping(context.Context) error { return errors.New("node unreachable") }

type healthyRPC struct{}

func (healthyRPC) Ping(context.Context) error { return nil }

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, healthyRPC{})

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	srv, _ = newTestServer(t, failingRPC{})
	rec = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	var body struct {
		Status string `json:"status"`
		RPC    struct {
			Connected bool `json:"connected"`
		} `json:"rpc"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if body.Status != "degraded" || body.RPC.Connected {
		t.Fatalf("unexpected health body: %+v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("assetrails_")) {
		t.Fatalf("metrics output missing registry families: %s", rec.Body.String())
	}
}
