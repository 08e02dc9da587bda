// Package status serves the local status surface: health, metrics, the
// current captions and a live websocket feed of caption changes and
// notifications.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LastBotInc/coralie-live-captions/internal/captions"
	"github.com/LastBotInc/coralie-live-captions/internal/logging"
)

// Options wires the server to a running session.
type Options struct {
	Display *captions.DisplayState
	Hub     *Hub
	// State reports the session lifecycle state.
	State func() string
	// Retry asks the session to try joining again.
	Retry    func()
	Gatherer prometheus.Gatherer
}

type Server struct {
	opts     Options
	router   chi.Router
	upgrader websocket.Upgrader
}

func NewServer(opts Options) *Server {
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	srv := &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// local surface; overlays are served from other origins
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/healthz", srv.handleHealth)
	r.Get("/captions", srv.handleCaptions)
	r.Get("/captions/ws", srv.handleFeed)
	r.Post("/session/retry", srv.handleRetry)
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	srv.router = r
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logging.Info(logging.CategoryStatus, "starting status server addr=%s", addr)
		errc <- hs.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.opts.Hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logging.Info(logging.CategoryStatus, "status server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := "unknown"
	if s.opts.State != nil {
		state = s.opts.State()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"service":      "coralie-live-captions",
		"session":      state,
		"feed_clients": s.opts.Hub.Clients(),
	})
}

func (s *Server) snapshot() captions.Snapshot {
	if s.opts.Display == nil {
		return captions.Snapshot{History: []captions.Caption{}}
	}
	snap := s.opts.Display.Snapshot()
	if snap.History == nil {
		snap.History = []captions.Caption{}
	}
	return snap
}

func (s *Server) handleCaptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if s.opts.Retry == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "retry not available"})
		return
	}
	s.opts.Retry()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying"})
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot()
	initial, err := json.Marshal(Message{Type: "captions", Captions: &snap})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warning(logging.CategoryStatus, "feed upgrade failed: %v", err)
		return
	}
	logging.Debug(logging.CategoryStatus, "feed client connected remote=%s", r.RemoteAddr)
	s.opts.Hub.serve(conn, initial)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
