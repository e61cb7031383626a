package arbor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jward/arbor/internal/breaker"
	"github.com/jward/arbor/internal/queue"
)

// Health is a point-in-time report of the Engine's dependencies.
type Health struct {
	OK            bool            `json:"ok"`
	Database      string          `json:"database"`
	Breakers      []breaker.Stats `json:"breakers"`
	Queue         queue.Stats     `json:"queue"`
	PendingJobs   int             `json:"pendingJobs"`
	Subscribers   int             `json:"subscribers"`
	DroppedEvents int             `json:"droppedEvents"`
	Embedding     bool            `json:"embedding"`
	Rules         int             `json:"rules"`
}

// Health pings the database and snapshots breakers and queue counters. OK
// is false when the database is unreachable or any breaker is open.
func (e *Engine) Health(ctx context.Context) Health {
	h := Health{
		OK:            true,
		Database:      "ok",
		Breakers:      e.breakers.Stats(),
		Queue:         e.worker.Stats(),
		Subscribers:   e.bus.Subscribers(),
		DroppedEvents: e.bus.Dropped(),
		Embedding:     e.pipeline != nil,
		Rules:         e.rules.Len(),
	}
	if err := e.store.Ping(ctx); err != nil {
		h.OK = false
		h.Database = err.Error()
	} else if n, err := e.store.PendingJobs(ctx); err == nil {
		h.PendingJobs = n
	}
	for _, b := range h.Breakers {
		if b.State == breaker.Open.String() {
			h.OK = false
		}
	}
	return h
}

// Handler serves GET /events?job=<id> as a websocket stream of job events,
// GET /health, and GET /jobs/{id} with the stored job status.
func (e *Engine) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /events", e.hub)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		h := e.Health(r.Context())
		code := http.StatusOK
		if !h.OK {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, h)
	})
	mux.HandleFunc("GET /jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		st, err := e.Status(r.Context(), r.PathValue("id"))
		switch {
		case errors.Is(err, ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		default:
			writeJSON(w, http.StatusOK, st)
		}
	})
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Serve runs the queue workers and the HTTP endpoints on addr until ctx is
// cancelled, then shuts the server down. An empty addr uses server.addr
// from the configuration.
func (e *Engine) Serve(ctx context.Context, addr string) error {
	if addr == "" {
		addr = e.cfg.Server.Addr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("arbor: listen %s: %w", addr, err)
	}
	return e.serve(ctx, ln)
}

func (e *Engine) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: e.Handler(), ReadHeaderTimeout: 10 * time.Second}
	e.logger.Info("arbor.serve", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.worker.Start(gctx) })
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("arbor: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
