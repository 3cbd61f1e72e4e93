package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"willescrow/internal/config"
	"willescrow/internal/escrow"
	"willescrow/internal/hmacauth"
	"willescrow/internal/idempotency"
	"willescrow/internal/will"
)

const (
	headerIdempotencyKey = "X-Idempotency-Key"
	headerRequestID      = "X-Request-Id"
	maxBodyBytes         = 1 << 20
	// inflightTTL bounds how long a crashed request can hold its key.
	inflightTTL = 2 * time.Minute
)

type Server struct {
	cfg            *config.AppConfig
	wills          *escrow.Service
	store          idempotency.Store
	hmac           *hmacauth.Verifier
	httpServer     *http.Server
	metrics        *metricsRegistry
	log            zerolog.Logger
	dbHealthFn     func(context.Context) error
	ledgerHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, wills *escrow.Service, store idempotency.Store, log zerolog.Logger) *Server {
	log = log.With().Str("component", "api").Logger()

	s := &Server{
		cfg:   cfg,
		wills: wills,
		store: store,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
			Log:     log,
		},
		metrics: newMetricsRegistry(),
		log:     log,
	}

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := wills.Ledger().(escrow.HealthChecker); ok {
		s.ledgerHealthFn = checker.Ping
	}

	signed := func(h http.HandlerFunc) http.Handler { return s.hmac.Middleware(h) }

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/wills", signed(s.idempotent(escrow.OpCreate, s.metrics.incCreated, s.createWill)))
	mux.HandleFunc("GET /api/v1/wills/{address}", s.handleGetWill)
	mux.Handle("POST /api/v1/wills/{address}/claims", signed(s.idempotent(escrow.OpClaim, s.metrics.incClaim, s.claim)))
	mux.Handle("POST /api/v1/wills/{address}/settlements", signed(s.idempotent(escrow.OpSettle, s.metrics.incSettlement, s.settle)))
	mux.HandleFunc("GET /api/v1/wills/{address}/history", s.handleHistory)
	mux.Handle("GET /api/v1/metrics", s.metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(s.accessLog(mux)),
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.updateDLQDepth()
	return s
}

// Handler exposes the routed handler, including middleware.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("API listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// result is what an operation hands back for storing under its idempotency key.
type result struct {
	status int
	body   any
	txID   string
}

type operation func(ctx context.Context, address string, body []byte) (result, error)

// idempotent wraps a state-changing operation. The first response stored
// under a key is replayed for identical requests; reusing the key with a
// different payload is rejected.
func (s *Server) idempotent(op escrow.Operation, count func(string), fn operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		if key == "" {
			writeError(w, http.StatusBadRequest, "missing X-Idempotency-Key header")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}

		ctx := r.Context()
		address := r.PathValue("address")
		if address == "" {
			address = s.cfg.Chain.EscrowAddress
		}
		fingerprint := idempotency.Fingerprint(string(op), address, body)

		if s.replay(w, r, key, fingerprint, count) {
			return
		}

		reserved, err := s.store.Reserve(ctx, key, inflightTTL)
		if err != nil {
			s.log.Error().Err(err).Str("key", key).Msg("idempotency reservation failed")
			writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
			return
		}
		if !reserved {
			count("in_flight")
			writeError(w, http.StatusConflict, "request with this idempotency key is in progress")
			return
		}
		defer func() {
			if err := s.store.Release(context.WithoutCancel(ctx), key); err != nil {
				s.log.Warn().Err(err).Str("key", key).Msg("idempotency release failed")
			}
		}()
		// the previous holder may have saved between the lookup and the reservation
		if s.replay(w, r, key, fingerprint, count) {
			return
		}

		res, err := fn(ctx, address, body)
		if err != nil {
			status := statusFor(err)
			if status >= http.StatusInternalServerError {
				count("failed")
			} else {
				count("rejected")
			}
			s.log.Info().Err(err).Str("op", string(op)).Str("address", address).Int("status", status).Msg("operation refused")
			writeError(w, status, err.Error())
			return
		}

		payload, err := json.Marshal(res.body)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "encode response")
			return
		}
		now := time.Now()
		record := idempotency.Record{
			Operation:   string(op),
			Address:     address,
			TxID:        res.txID,
			Fingerprint: fingerprint,
			StatusCode:  res.status,
			Response:    payload,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
		}
		if err := s.store.Save(ctx, key, record); err != nil {
			s.log.Error().Err(err).Str("key", key).Str("tx", res.txID).Msg("idempotency save failed")
		}

		count("ok")
		writeJSONBytes(w, res.status, payload)
	}
}

// replay answers from a stored record and reports whether it wrote a
// response.
func (s *Server) replay(w http.ResponseWriter, r *http.Request, key, fingerprint string, count func(string)) bool {
	existing, err := s.store.Get(r.Context(), key)
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("idempotency lookup failed")
		writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
		return true
	}
	if existing == nil {
		return false
	}
	if !existing.Matches(fingerprint) {
		count("conflict")
		writeError(w, http.StatusUnprocessableEntity, "idempotency key reused with a different payload")
		return true
	}
	count("cached")
	writeJSONBytes(w, existing.StatusCode, existing.Response)
	return true
}

// submitWithRetry resolves and submits a plan. Only a lost race for the
// escrow output is retried, and every retry resolves against the output
// that replaced it.
func (s *Server) submitWithRetry(ctx context.Context, op escrow.Operation, address, changeAddress string, body []byte, resolve func(context.Context) (escrow.Plan, error)) (escrow.Plan, string, error) {
	attempts := s.cfg.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	backoff := s.cfg.Retry.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	for i := 1; ; i++ {
		plan, err := resolve(ctx)
		if err != nil {
			return escrow.Plan{}, "", err
		}

		txID, err := s.wills.Submit(ctx, plan, changeAddress)
		if err == nil {
			if i > 1 {
				s.metrics.incRetry("success")
			}
			return plan, txID, nil
		}
		contended := errors.Is(err, escrow.ErrOutputSpent)
		if !contended || i == attempts {
			if contended {
				s.metrics.incRetry("failed")
			}
			s.writeDLQ(op, address, body, err)
			return escrow.Plan{}, "", err
		}

		s.metrics.incRetry("retry")
		s.log.Debug().Err(err).Str("address", address).Int("attempt", i).Msg("escrow output contended, retrying")

		sleep := backoff
		if s.cfg.Retry.MaxBackoff > 0 && sleep > s.cfg.Retry.MaxBackoff {
			sleep = s.cfg.Retry.MaxBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return escrow.Plan{}, "", ctx.Err()
		}

		backoff = nextBackoff(backoff, s.cfg.Retry.BackoffMultiplier)
	}
}

// nextBackoff scales d by m. Multipliers at or below 1 keep the delay constant.
func nextBackoff(d time.Duration, m float64) time.Duration {
	if m <= 1 {
		return d
	}
	return time.Duration(float64(d) * m)
}

func (s *Server) changeAddress(requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	if s.cfg.Chain.ChangeAddress != "" {
		return s.cfg.Chain.ChangeAddress, nil
	}
	return "", badRequest(errors.New("changeAddress is required"))
}

type dlqEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Operation string          `json:"operation"`
	Address   string          `json:"address"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
}

func (s *Server) writeDLQ(op escrow.Operation, address string, body []byte, execErr error) {
	if s.cfg.Service.DLQPath == "" {
		return
	}

	payload := json.RawMessage(body)
	if !json.Valid(body) {
		payload, _ = json.Marshal(string(body))
	}
	entry := dlqEntry{
		Timestamp: time.Now().UTC(),
		Operation: string(op),
		Address:   address,
		Payload:   payload,
		Error:     execErr.Error(),
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		s.log.Error().Err(err).Msg("dlq marshal")
		return
	}

	if err := os.MkdirAll(s.cfg.Service.DLQPath, 0o755); err != nil {
		s.log.Error().Err(err).Msg("dlq mkdir")
		return
	}

	filename := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), op)
	path := filepath.Join(s.cfg.Service.DLQPath, filename)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		s.log.Error().Err(err).Str("path", path).Msg("dlq write")
	}

	s.updateDLQDepth()
}

func (s *Server) updateDLQDepth() int {
	depth := s.currentDLQDepth()
	if s.metrics != nil {
		s.metrics.setDLQDepth(depth)
	}
	return depth
}

func (s *Server) currentDLQDepth() int {
	if s.cfg.Service.DLQPath == "" {
		return 0
	}
	entries, err := os.ReadDir(s.cfg.Service.DLQPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("dlq read")
		return 0
	}
	return len(entries)
}

type dependencyStatus struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

func checkDependency(ctx context.Context, fn func(context.Context) error) dependencyStatus {
	if fn == nil {
		return dependencyStatus{Connected: true}
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		return dependencyStatus{Error: err.Error()}
	}
	return dependencyStatus{
		Connected: true,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ledger := checkDependency(r.Context(), s.ledgerHealthFn)
	db := checkDependency(r.Context(), s.dbHealthFn)
	healthy := ledger.Connected && db.Connected

	status := "healthy"
	if !healthy {
		status = "degraded"
	}

	resp := struct {
		Status     string           `json:"status"`
		Ledger     dependencyStatus `json:"ledger"`
		Database   dependencyStatus `json:"database"`
		QueueDepth int              `json:"queue_depth"`
	}{
		Status:     status,
		Ledger:     ledger,
		Database:   db,
		QueueDepth: s.updateDLQDepth(),
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(headerRequestID, id)
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("request_id", r.Header.Get(headerRequestID)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

// requestError marks a malformed request body.
type requestError struct{ err error }

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func badRequest(err error) error { return &requestError{err: err} }

func statusFor(err error) int {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest
	case errors.Is(err, will.ErrDecode), errors.Is(err, will.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, will.ErrUnauthorized), errors.Is(err, will.ErrMissingSignatures):
		return http.StatusForbidden
	case errors.Is(err, will.ErrClaim):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrOutputSpent):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	writeJSONBytes(w, status, payload)
}

func writeJSONBytes(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
