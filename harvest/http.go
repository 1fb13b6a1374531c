package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/harvest/auth"
	"github.com/hazyhaar/harvest/instrument"
	"github.com/hazyhaar/harvest/kit"
	"github.com/hazyhaar/harvest/orchestrator"
	"github.com/hazyhaar/harvest/schedule"
	"github.com/hazyhaar/harvest/task"
)

// Handler returns the control surface. Every route except /healthz sits
// behind Basic auth when auth.password_hash is configured.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	for _, mw := range s.Shield.Middleware() {
		r.Use(mw)
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := kit.WithRequestID(req.Context(), middleware.GetReqID(req.Context()))
			ctx = kit.WithRemoteAddr(ctx, req.RemoteAddr)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := s.db.PingContext(req.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Basic(s.cfg.Auth.User, s.cfg.Auth.PasswordHash, s.logger))

		r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, s.Status(req.Context()))
		})

		r.Post("/scheduler/start", func(w http.ResponseWriter, req *http.Request) {
			s.Scheduler.Start(req.Context())
			writeJSON(w, http.StatusOK, map[string]any{"running": s.Scheduler.Running()})
		})
		r.Post("/scheduler/stop", func(w http.ResponseWriter, req *http.Request) {
			s.Scheduler.Stop()
			writeJSON(w, http.StatusOK, map[string]any{"running": s.Scheduler.Running()})
		})
		r.Post("/orchestrator/start", func(w http.ResponseWriter, req *http.Request) {
			s.Orchestrator.Start(req.Context())
			writeJSON(w, http.StatusOK, map[string]any{"running": s.Orchestrator.Running()})
		})
		r.Post("/orchestrator/stop", func(w http.ResponseWriter, req *http.Request) {
			s.Orchestrator.Stop()
			writeJSON(w, http.StatusOK, map[string]any{"running": s.Orchestrator.Running()})
		})

		r.Post("/tasks", func(w http.ResponseWriter, req *http.Request) {
			var tr task.Request
			if err := json.NewDecoder(req.Body).Decode(&tr); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
				return
			}
			id, err := s.AddTask(req.Context(), tr)
			switch {
			case errors.Is(err, orchestrator.ErrPossiblyQueued):
				writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "warning": err.Error()})
			case isValidation(err):
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			case err != nil:
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			default:
				writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
			}
		})

		r.Post("/instruments/{symbol}/refresh", func(w http.ResponseWriter, req *http.Request) {
			e, err := s.Scheduler.RefreshInstrument(req.Context(), chi.URLParam(req, "symbol"))
			switch {
			case errors.Is(err, schedule.ErrUnknownSymbol):
				writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			case err != nil:
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			default:
				writeJSON(w, http.StatusOK, e)
			}
		})

		r.Get("/instruments/{symbol}/frequency", func(w http.ResponseWriter, req *http.Request) {
			inst, f, err := s.Frequency(req.Context(), chi.URLParam(req, "symbol"))
			switch {
			case errors.Is(err, schedule.ErrUnknownSymbol):
				writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			case err != nil:
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			default:
				writeJSON(w, http.StatusOK, frequencyReply{Instrument: inst.Symbol, Frequency: f, Interval: f.Interval().String()})
			}
		})
	})
	return r
}

type frequencyReply struct {
	Instrument string             `json:"instrument"`
	Frequency  schedule.Frequency `json:"frequency"`
	Interval   string             `json:"interval"`
}

// AddTask upper-cases the priority, defaulting to MEDIUM, and forwards to
// the orchestrator.
func (s *Service) AddTask(ctx context.Context, req task.Request) (string, error) {
	req.Priority = instrument.Priority(strings.ToUpper(strings.TrimSpace(string(req.Priority))))
	if req.Priority == "" {
		req.Priority = instrument.Medium
	}
	return s.Orchestrator.AddTask(ctx, req)
}

func isValidation(err error) bool {
	return errors.Is(err, task.ErrUnknownType) ||
		errors.Is(err, task.ErrInvalidPriority) ||
		errors.Is(err, task.ErrSymbolRequired)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// ServeHTTP runs the control surface on addr until ctx is cancelled.
func (s *Service) ServeHTTP(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("harvest: control surface listening", "addr", addr)
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
