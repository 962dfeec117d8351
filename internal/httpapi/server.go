// Package httpapi serves the read-only operational surface: health, metrics
// and ledger views for compliance consumers.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"peg-stabilizer/internal/audit"
	"peg-stabilizer/internal/compliance"
	"peg-stabilizer/internal/ledger"
)

const (
	defaultLimit    = 100
	maxLimit        = 1000
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Options wires the server.
type Options struct {
	Store    ledger.Store
	Gatherer prometheus.Gatherer
	Reporter *compliance.Reporter
	// Status reports the lifecycle state of each controller by pair.
	Status func() map[string]string
}

// Server is the HTTP read surface.
type Server struct {
	opts   Options
	logger zerolog.Logger
	router chi.Router
}

// New builds the router.
func New(opts Options, logger zerolog.Logger) *Server {
	s := &Server{opts: opts, logger: logger.With().Str("component", "httpapi").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/ledger", func(r chi.Router) {
		r.Get("/", s.handleListLedger)
		r.Get("/{id}", s.handleGetProfile)
	})
	r.Get("/report", s.handleReport)

	s.router = r
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("latency", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.opts.Status != nil {
		body["controllers"] = s.opts.Status()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid profile id")
		return
	}
	rec, err := s.opts.Store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, "profile not found")
			return
		}
		s.logger.Error().Err(err).Str("profile_id", id.String()).Msg("ledger lookup failed")
		writeError(w, http.StatusInternalServerError, "ledger lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListLedger(w http.ResponseWriter, r *http.Request) {
	rng, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if rng.Limit == 0 {
		rng.Limit = defaultLimit
	}

	records := make([]ledger.Record, 0)
	err = s.opts.Store.Iterate(r.Context(), rng, func(rec ledger.Record) error {
		records = append(records, rec)
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("ledger scan failed")
		writeError(w, http.StatusInternalServerError, "ledger scan failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(records), "records": records})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.opts.Reporter == nil {
		writeError(w, http.StatusNotImplemented, "reporting not configured")
		return
	}
	rng, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rep, err := s.opts.Reporter.Generate(r.Context(), rng)
	if err != nil {
		s.logger.Error().Err(err).Msg("report generation failed")
		writeError(w, http.StatusInternalServerError, "report generation failed")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func parseRange(r *http.Request) (ledger.Range, error) {
	q := r.URL.Query()
	rng := ledger.Range{PairID: q.Get("pair")}

	if v := q.Get("status"); v != "" {
		status := audit.Status(v)
		if !status.Final() {
			return ledger.Range{}, errors.New("status must be committed or rejected")
		}
		rng.Status = status
	}
	for _, b := range []struct {
		key string
		dst *time.Time
	}{{"from", &rng.From}, {"to", &rng.To}} {
		if v := q.Get(b.key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return ledger.Range{}, errors.New(b.key + " must be RFC3339")
			}
			*b.dst = t.UTC()
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return ledger.Range{}, errors.New("limit must be a positive integer")
		}
		if n > maxLimit {
			n = maxLimit
		}
		rng.Limit = n
	}
	return rng, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
