package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"assetrails/internal/catalog"
	"assetrails/internal/config"
	"assetrails/internal/faults"
	"assetrails/internal/hmacauth"
	"assetrails/internal/scanner"
	"assetrails/internal/service"
)

// Server exposes the orchestrator over HTTP. Handlers are thin: validation
// and JSON shaping here, everything else in the service facade.
type Server struct {
	cfg         *config.AppConfig
	svc         *service.Service
	store       catalog.Store
	hmac        *hmacauth.Verifier
	httpServer  *http.Server
	metrics     *metricsRegistry
	rpcHealthFn func(context.Context) error
}

// RPCHealthChecker is implemented by ledger clients that can probe the node.
type RPCHealthChecker interface {
	Ping(ctx context.Context) error
}

func NewServer(cfg *config.AppConfig, svc *service.Service, store catalog.Store, rpc RPCHealthChecker) *Server {
	verifier := &hmacauth.Verifier{
		Secret:  cfg.File.Secrets.HMACSalt,
		MaxSkew: cfg.Service.HMACClockSkew,
	}

	s := &Server{
		cfg:     cfg,
		svc:     svc,
		store:   store,
		hmac:    verifier,
		metrics: newMetricsRegistry(),
	}
	if rpc != nil {
		s.rpcHealthFn = rpc.Ping
	}

	mux := http.NewServeMux()
	signed := func(h http.HandlerFunc) http.Handler { return verifier.Middleware(h) }

	mux.Handle("POST /api/v1/listings", signed(s.handleCreateListing))
	mux.HandleFunc("GET /api/v1/listings/{id}", s.handleGetListing)
	mux.Handle("POST /api/v1/listings/{id}/mint", signed(s.handleMint))
	mux.Handle("DELETE /api/v1/listings/{id}", signed(s.handleDeactivateListing))
	mux.Handle("POST /api/v1/escrows", signed(s.handleCreateEscrow))
	mux.Handle("POST /api/v1/escrows/{id}/release", signed(s.handleRelease))
	mux.Handle("POST /api/v1/escrows/{id}/refund", signed(s.handleRefund))
	mux.HandleFunc("GET /api/v1/escrows/{id}", s.handleGetEscrow)
	mux.HandleFunc("GET /api/v1/operations/{id}", s.handleGetOperation)
	mux.Handle("GET /api/v1/metrics", s.metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// ScannerMetrics exposes the registry to the reconciliation scanner.
func (s *Server) ScannerMetrics() scanner.Metrics { return s.metrics }

func (s *Server) Start() error {
	log.Printf("API listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps the fault class onto an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		status = http.StatusNotFound
	case faults.IsRejected(err):
		status = http.StatusConflict
	case faults.IsFatal(err):
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type createListingRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Price       string `json:"price"`
	Owner       string `json:"owner"`
}

func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	var payload createListingRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	if payload.Title == "" || payload.Price == "" || payload.Owner == "" {
		http.Error(w, "title, price and owner are required", http.StatusBadRequest)
		return
	}
	l, err := s.svc.CreateListing(r.Context(), payload.Title, payload.Description, payload.Price, payload.Owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	l, err := s.svc.Listing(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleDeactivateListing(w http.ResponseWriter, r *http.Request) {
	requester := r.Header.Get("X-Requester")
	if err := s.svc.DeactivateListing(r.Context(), r.PathValue("id"), requester); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

type mintRequest struct {
	// Asset carries the primary content bytes, base64-encoded. Multipart
	// upload handling lives outside this service.
	Asset string `json:"asset"`
}

type handleResponse struct {
	Handle string `json:"handle"`
	Status string `json:"status"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var payload mintRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	asset, err := base64.StdEncoding.DecodeString(payload.Asset)
	if err != nil {
		http.Error(w, "asset must be base64", http.StatusBadRequest)
		return
	}

	handle, err := s.svc.RequestMint(r.Context(), r.PathValue("id"), asset)
	if err != nil {
		s.metrics.incMint("failed")
		writeError(w, err)
		return
	}
	s.metrics.incMint("accepted")
	writeJSON(w, http.StatusAccepted, handleResponse{Handle: handle, Status: "accepted"})
}

type createEscrowRequest struct {
	ListingID string `json:"listingId"`
	Buyer     string `json:"buyer"`
	Amount    string `json:"amount"`
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var payload createEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	if payload.ListingID == "" || payload.Buyer == "" || payload.Amount == "" {
		http.Error(w, "listingId, buyer and amount are required", http.StatusBadRequest)
		return
	}
	handle, err := s.svc.RequestEscrowCreate(r.Context(), payload.ListingID, payload.Buyer, payload.Amount)
	if err != nil {
		s.metrics.incEscrow("create", "rejected")
		writeError(w, err)
		return
	}
	s.metrics.incEscrow("create", "accepted")
	writeJSON(w, http.StatusAccepted, handleResponse{Handle: handle, Status: "accepted"})
}

type settlementRequest struct {
	Requester string `json:"requester"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	s.handleSettlement(w, r, "release", s.svc.RequestRelease)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	s.handleSettlement(w, r, "refund", s.svc.RequestRefund)
}

func (s *Server) handleSettlement(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, string, string) (string, error)) {
	var payload settlementRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	if payload.Requester == "" {
		http.Error(w, "requester is required", http.StatusBadRequest)
		return
	}
	handle, err := fn(r.Context(), r.PathValue("id"), payload.Requester)
	if err != nil {
		s.metrics.incEscrow(op, "rejected")
		writeError(w, err)
		return
	}
	s.metrics.incEscrow(op, "accepted")
	writeJSON(w, http.StatusAccepted, handleResponse{Handle: handle, Status: "accepted"})
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.EscrowStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"escrowId":      e.ID,
		"buyer":         e.Buyer,
		"seller":        e.Seller,
		"amount":        e.Amount,
		"certificateId": e.CertificateID,
		"status":        string(e.Status),
		"createdAt":     e.CreatedAt,
		"deadline":      e.Deadline,
	})
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.svc.GetOperation(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{Connected: true}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.store.Ping(dbCtx); err != nil {
		dbInfo.Connected = false
		dbInfo.Error = err.Error()
		overallHealthy = false
	}

	status := "healthy"
	code := http.StatusOK
	if !overallHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":   status,
		"rpc":      rpcInfo,
		"database": dbInfo,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", strconv.FormatInt(time.Now().UnixNano(), 10))
		}
		next.ServeHTTP(w, r)
	})
}
