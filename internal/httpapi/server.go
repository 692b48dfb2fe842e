// Package httpapi serves the read-only alert query surface.
//
// Reads go through storage.Provider. Any generic mutation attempted over HTTP
// is refused with 405 and logged, since writes only happen on the runner.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"cbalert/internal/alert"
	"cbalert/internal/metrics"
	"cbalert/internal/storage"
	logx "cbalert/pkg/logx"
)

type Config struct {
	Enabled        bool
	Listen         string
	AllowedOrigins []string
	RatePerSec     float64
	Burst          int
	// Pprof mounts the runtime profiler at /debug. It is refused on
	// non-loopback listen addresses.
	Pprof bool
}

// Reader is the query side of the store.
type Reader interface {
	Query(ctx context.Context, q storage.Query) ([]alert.Record, error)
	Get(ctx context.Context, id int64) (alert.Record, bool, error)
	Stats() (storage.Stats, error)
	Insert(ctx context.Context, values map[string]any) error
	Update(ctx context.Context, q storage.Query, values map[string]any) error
	Delete(ctx context.Context, q storage.Query) error
}

// UnreadSource reports the unread alert count.
type UnreadSource interface {
	Value() int64
}

type Server struct {
	cfg    Config
	log    logx.Logger
	reader Reader
	unread UnreadSource
	srv    *http.Server
	routes http.Handler
}

func New(cfg Config, reader Reader, unread UnreadSource, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:8089"
	}
	s := &Server{cfg: cfg, log: log, reader: reader, unread: unread}
	s.routes = s.buildRoutes()
	s.srv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.routes,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.routes }

func (s *Server) buildRoutes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}
	if s.cfg.RatePerSec > 0 {
		r.Use(limit(rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), max(s.cfg.Burst, 1))))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/alerts", s.list)
		r.Get("/alerts/{id}", s.get)
		r.Get("/stats", s.stats)
		r.Get("/unread", s.unreadCount)

		r.Post("/alerts", s.mutate("insert"))
		r.Put("/alerts/{id}", s.mutate("update"))
		r.Patch("/alerts/{id}", s.mutate("update"))
		r.Delete("/alerts", s.mutate("delete"))
		r.Delete("/alerts/{id}", s.mutate("delete"))
	})
	r.Handle("/metrics", metrics.Handler())
	if s.cfg.Pprof {
		if loopback(s.cfg.Listen) {
			r.Mount("/debug", chimiddleware.Profiler())
		} else {
			s.log.Warn("pprof not mounted on non-loopback listen address", logx.String("listen", s.cfg.Listen))
		}
	}
	return r
}

func loopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func limit(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Serve listens until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func storeStatus(err error) int {
	if errors.Is(err, storage.ErrStoreUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
