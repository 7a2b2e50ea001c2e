package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/waypoint/backend/internal/config"
	"github.com/waypoint/backend/internal/middleware"
	"github.com/waypoint/backend/internal/presence"
	"github.com/waypoint/backend/internal/teleport"
)

// Actors is the presence store the HTTP surface writes to. Both
// presence.Directory and presence.RedisDirectory satisfy it.
type Actors interface {
	SetOnline(ctx context.Context, id teleport.ActorID, name string, online bool) error
	SetLocation(ctx context.Context, id teleport.ActorID, loc teleport.Location) error
	Lookup(ctx context.Context, id teleport.ActorID) (presence.Actor, bool)
	Resolve(ctx context.Context, ref string) (teleport.ActorID, bool)
}

// TaskCallbacks receives Cloud Tasks deliveries.
type TaskCallbacks interface {
	Fire(ctx context.Context, id string) bool
}

// Server exposes the teleport service over REST/JSON.
type Server struct {
	svc       *teleport.Service
	actors    Actors
	settings  *config.Manager
	limiter   *middleware.RateLimiter
	stream    http.Handler
	callbacks TaskCallbacks
	gatherer  prometheus.Gatherer
	logger    *log.Logger
}

type Option func(*Server)

// WithRateLimiter throttles POST /api/v1/requests per calling actor.
func WithRateLimiter(rl *middleware.RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithStream mounts the notice websocket on /ws.
func WithStream(h http.Handler) Option {
	return func(s *Server) { s.stream = h }
}

// WithTaskCallbacks mounts the Cloud Tasks callback on /internal/tasks/{id}.
func WithTaskCallbacks(cb TaskCallbacks) Option {
	return func(s *Server) { s.callbacks = cb }
}

// WithGatherer serves g on /metrics instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func NewServer(svc *teleport.Service, actors Actors, settings *config.Manager, opts ...Option) *Server {
	s := &Server{
		svc:      svc,
		actors:   actors,
		settings: settings,
		gatherer: prometheus.DefaultGatherer,
		logger:   log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// CORS Middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+middleware.ActorHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	// Preflight needs a matching route or the middleware never runs.
	r.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	if s.stream != nil {
		r.Handle("/ws", s.stream).Methods("GET")
	}
	if s.callbacks != nil {
		r.HandleFunc("/internal/tasks/{id}", s.handleTaskCallback).Methods("POST")
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(middleware.ActorMiddleware(s.actors))

	// 1. Direct teleports
	v1.HandleFunc("/teleports", s.handleSubmit).Methods("POST")

	// 2. Ask / accept / deny
	var ask http.Handler = http.HandlerFunc(s.handleAsk)
	if s.limiter != nil {
		ask = s.limiter.Middleware(ask)
	}
	v1.Handle("/requests", ask).Methods("POST")
	v1.HandleFunc("/requests/{actor}", s.handlePending).Methods("GET")
	v1.HandleFunc("/requests/{actor}/accept", s.handleAccept).Methods("POST")
	v1.HandleFunc("/requests/{actor}/deny", s.handleDeny).Methods("POST")

	// 3. Actor state
	v1.HandleFunc("/actors/{id}", s.handleActor).Methods("GET")
	v1.HandleFunc("/actors/{id}/presence", s.handlePresence).Methods("PUT")
	v1.HandleFunc("/actors/{id}/location", s.handleLocation).Methods("PUT")
	v1.HandleFunc("/actors/{id}/toggle", s.handleToggle).Methods("PUT")
	v1.HandleFunc("/actors/{id}/interrupt", s.handleInterrupt).Methods("POST")

	// 4. Escrow
	v1.HandleFunc("/escrow/dead-letters", s.handleDeadLetters).Methods("GET")
	v1.HandleFunc("/escrow/audit", s.handleAudit).Methods("GET")

	return r
}

// Start listens on port until ctx is cancelled, then drains in-flight
// requests for up to 15 seconds.
func (s *Server) Start(ctx context.Context, port string) error {
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
