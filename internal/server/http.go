package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"LendLedger/internal/ingestion"
	"LendLedger/internal/observability"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"
	"LendLedger/internal/query"
)

// SnapshotRequest asks the engine loop to take a snapshot. The loop owns
// the engine; the HTTP handler only waits on Reply.
type SnapshotRequest struct {
	Reply chan SnapshotResult
}

// SnapshotResult carries the outcome of a snapshot request.
type SnapshotResult struct {
	Sequence int64
	Err      error
}

// RawStateRequest asks the engine loop for the verbatim values at internal
// state keys, for tooling and audits.
type RawStateRequest struct {
	Keys  []string
	Reply chan map[string][]byte
}

// Deps holds everything the HTTP API serves from. The request channels may
// be nil, in which case the corresponding endpoints report unavailable.
type Deps struct {
	QueryService     *query.QueryService
	SnapshotMgr      *persistence.SnapshotManager
	ProjectionWorker *projection.Worker
	HealthChecker    *observability.HealthChecker
	Metrics          *observability.Metrics
	SnapshotRequests chan<- SnapshotRequest
	RawStateRequests chan<- RawStateRequest
	Commands         chan<- ingestion.RawCommand
	StartTime        time.Time
}

// HTTPServer serves the read API, admin endpoints, and probes.
type HTTPServer struct {
	server *http.Server
	deps   *Deps
	log    zerolog.Logger
}

func NewHTTPServer(addr string, deps *Deps, log zerolog.Logger) *HTTPServer {
	s := &HTTPServer{deps: deps, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", deps.HealthChecker.LivenessHandler)
	r.Get("/readyz", deps.HealthChecker.ReadinessHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/markets", s.listMarkets)
		r.Get("/markets/{marketID}", s.getMarket)
		r.Get("/markets/{marketID}/history", s.getMarketHistory)
		r.Get("/markets/{marketID}/positions/{userID}", s.getPosition)

		r.Get("/users/{userID}/positions", s.listPositions)
		r.Get("/users/{userID}/balances/{asset}", s.getBalance)
		r.Get("/users/{userID}/journal", s.getJournal)

		r.Get("/liquidations", s.listLiquidations)

		r.Post("/commands", s.submitCommand)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/integrity", s.verifyIntegrity)
			r.Get("/eventlog", s.getEventLogInfo)
			r.Post("/snapshot", s.takeSnapshot)
			r.Post("/projections/rebuild", s.rebuildProjections)
			r.Post("/state", s.rawState)
		})
	})

	s.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- Query endpoints ---

func (s *HTTPServer) listMarkets(w http.ResponseWriter, r *http.Request) {
	s.instrument(w, r, "list_markets", func(ctx context.Context) (interface{}, error) {
		markets, err := s.deps.QueryService.ListMarkets(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"markets": markets}, nil
	})
}

func (s *HTTPServer) getMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	s.instrument(w, r, "get_market", func(ctx context.Context) (interface{}, error) {
		market, err := s.deps.QueryService.GetMarket(ctx, marketID)
		if err != nil {
			return nil, err
		}
		if market == nil {
			return nil, errNotFound("market %s not found", marketID)
		}
		return market, nil
	})
}

func (s *HTTPServer) getMarketHistory(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	limit := queryLimit(r, 50, 500)
	before := queryCursor(r, "before")

	s.instrument(w, r, "get_market_history", func(ctx context.Context) (interface{}, error) {
		history, err := s.deps.QueryService.GetMarketHistory(ctx, marketID, limit, before)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"history": history}, nil
	})
}

func (s *HTTPServer) getPosition(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, r, "get_position", http.StatusBadRequest, "invalid user_id")
		return
	}

	s.instrument(w, r, "get_position", func(ctx context.Context) (interface{}, error) {
		pos, err := s.deps.QueryService.GetPosition(ctx, marketID, userID)
		if err != nil {
			return nil, err
		}
		if pos == nil {
			return nil, errNotFound("no position for user %s in market %s", userID, marketID)
		}
		return pos, nil
	})
}

func (s *HTTPServer) listPositions(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, r, "list_positions", http.StatusBadRequest, "invalid user_id")
		return
	}

	s.instrument(w, r, "list_positions", func(ctx context.Context) (interface{}, error) {
		positions, err := s.deps.QueryService.GetPositions(ctx, userID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"positions": positions}, nil
	})
}

func (s *HTTPServer) getBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, r, "get_balance", http.StatusBadRequest, "invalid user_id")
		return
	}
	asset := chi.URLParam(r, "asset")

	s.instrument(w, r, "get_balance", func(ctx context.Context) (interface{}, error) {
		return s.deps.QueryService.GetBalance(ctx, userID, asset)
	})
}

func (s *HTTPServer) getJournal(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, r, "get_journal", http.StatusBadRequest, "invalid user_id")
		return
	}
	limit := queryLimit(r, 100, 500)
	before := queryCursor(r, "before")

	s.instrument(w, r, "get_journal", func(ctx context.Context) (interface{}, error) {
		entries, err := s.deps.QueryService.GetJournalHistory(ctx, userID, limit, before)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"journals": entries}, nil
	})
}

func (s *HTTPServer) listLiquidations(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50, 500)

	var marketID *string
	if m := r.URL.Query().Get("market_id"); m != "" {
		marketID = &m
	}

	var borrower *uuid.UUID
	if b := r.URL.Query().Get("borrower"); b != "" {
		id, err := uuid.Parse(b)
		if err != nil {
			s.writeError(w, r, "list_liquidations", http.StatusBadRequest, "invalid borrower")
			return
		}
		borrower = &id
	}

	s.instrument(w, r, "list_liquidations", func(ctx context.Context) (interface{}, error) {
		liqs, err := s.deps.QueryService.GetLiquidations(ctx, marketID, borrower, limit)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"liquidations": liqs}, nil
	})
}

// submitCommand accepts a command over HTTP and funnels it into the same
// channel the NATS subscriber feeds, so ordering and dedup behave
// identically for both transports. The payload is parsed up front to
// reject malformed commands synchronously; application itself is
// asynchronous and the submitter tracks the outcome by idempotency key.
func (s *HTTPServer) submitCommand(w http.ResponseWriter, r *http.Request) {
	if s.deps.Commands == nil {
		s.writeError(w, r, "submit_command", http.StatusServiceUnavailable, "command submission not available")
		return
	}

	var body struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Type == "" {
		s.writeError(w, r, "submit_command", http.StatusBadRequest, "type and payload are required")
		return
	}

	subject, ok := subjectForCommandType(body.Type)
	if !ok {
		s.writeError(w, r, "submit_command", http.StatusBadRequest, "unknown command type "+body.Type)
		return
	}

	raw := ingestion.RawCommand{
		Subject:   subject,
		Data:      body.Payload,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
	cmd, err := ingestion.ParseRawCommand(raw, body.Type)
	if err != nil {
		s.writeError(w, r, "submit_command", http.StatusBadRequest, err.Error())
		return
	}

	select {
	case s.deps.Commands <- raw:
	case <-r.Context().Done():
		s.writeError(w, r, "submit_command", http.StatusServiceUnavailable, "command channel full")
		return
	}

	s.writeJSON(w, r, "submit_command", http.StatusAccepted, map[string]interface{}{
		"accepted":        true,
		"op_type":         cmd.OpType().String(),
		"idempotency_key": cmd.Key(),
	})
}

func subjectForCommandType(commandType string) (string, bool) {
	for _, cfg := range ingestion.DefaultSubjects() {
		if cfg.CommandType == commandType {
			return strings.TrimSuffix(cfg.Subject, ".>") + ".http", true
		}
	}
	return "", false
}

// --- Admin endpoints ---

func (s *HTTPServer) verifyIntegrity(w http.ResponseWriter, r *http.Request) {
	s.instrument(w, r, "verify_integrity", func(ctx context.Context) (interface{}, error) {
		return s.deps.QueryService.VerifyIntegrity(ctx)
	})
}

func (s *HTTPServer) getEventLogInfo(w http.ResponseWriter, r *http.Request) {
	s.instrument(w, r, "get_eventlog_info", func(ctx context.Context) (interface{}, error) {
		latestSeq, err := s.deps.SnapshotMgr.GetLatestSequence(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"last_sequence": latestSeq,
			"uptime":        time.Since(s.deps.StartTime).String(),
		}, nil
	})
}

func (s *HTTPServer) takeSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.deps.SnapshotRequests == nil {
		s.writeError(w, r, "take_snapshot", http.StatusServiceUnavailable, "snapshots not available")
		return
	}

	req := SnapshotRequest{Reply: make(chan SnapshotResult, 1)}
	select {
	case s.deps.SnapshotRequests <- req:
	case <-r.Context().Done():
		s.writeError(w, r, "take_snapshot", http.StatusGatewayTimeout, "engine busy")
		return
	}

	select {
	case res := <-req.Reply:
		if res.Err != nil {
			s.writeError(w, r, "take_snapshot", http.StatusInternalServerError, res.Err.Error())
			return
		}
		s.writeJSON(w, r, "take_snapshot", http.StatusOK, map[string]interface{}{
			"sequence": res.Sequence,
		})
	case <-r.Context().Done():
		s.writeError(w, r, "take_snapshot", http.StatusGatewayTimeout, "snapshot timed out")
	}
}

func (s *HTTPServer) rawState(w http.ResponseWriter, r *http.Request) {
	if s.deps.RawStateRequests == nil {
		s.writeError(w, r, "raw_state", http.StatusServiceUnavailable, "raw state reads not available")
		return
	}

	var body struct {
		Keys []string `json:"keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Keys) == 0 {
		s.writeError(w, r, "raw_state", http.StatusBadRequest, "keys are required")
		return
	}

	req := RawStateRequest{Keys: body.Keys, Reply: make(chan map[string][]byte, 1)}
	select {
	case s.deps.RawStateRequests <- req:
	case <-r.Context().Done():
		s.writeError(w, r, "raw_state", http.StatusGatewayTimeout, "engine busy")
		return
	}

	select {
	case values := <-req.Reply:
		s.writeJSON(w, r, "raw_state", http.StatusOK, map[string]interface{}{
			"values": values,
		})
	case <-r.Context().Done():
		s.writeError(w, r, "raw_state", http.StatusGatewayTimeout, "read timed out")
	}
}

func (s *HTTPServer) rebuildProjections(w http.ResponseWriter, r *http.Request) {
	s.instrument(w, r, "rebuild_projections", func(ctx context.Context) (interface{}, error) {
		if err := s.deps.ProjectionWorker.Rebuild(ctx); err != nil {
			return nil, err
		}
		return map[string]interface{}{"rebuilt": true}, nil
	})
}

// --- helpers ---

type notFoundError struct{ msg string }

func (e *notFoundError) Error() string { return e.msg }

func errNotFound(format string, args ...interface{}) error {
	return &notFoundError{msg: fmt.Sprintf(format, args...)}
}

// instrument runs fn, records query metrics, and writes the JSON response.
func (s *HTTPServer) instrument(w http.ResponseWriter, r *http.Request, endpoint string, fn func(ctx context.Context) (interface{}, error)) {
	start := time.Now()
	result, err := fn(r.Context())
	if s.deps.Metrics != nil {
		s.deps.Metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		if nf, ok := err.(*notFoundError); ok {
			s.writeError(w, r, endpoint, http.StatusNotFound, nf.msg)
			return
		}
		s.log.Error().Err(err).Str("endpoint", endpoint).Msg("query failed")
		s.writeError(w, r, endpoint, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, r, endpoint, http.StatusOK, result)
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, r *http.Request, endpoint string, status int, body interface{}) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.QueryRequests.WithLabelValues(endpoint, "ok").Inc()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *HTTPServer) writeError(w http.ResponseWriter, r *http.Request, endpoint string, status int, msg string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.QueryRequests.WithLabelValues(endpoint, "error").Inc()
		s.deps.Metrics.QueryErrors.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func queryLimit(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > max {
		return def
	}
	return n
}

func queryCursor(r *http.Request, name string) *int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}
