// Package api is the HTTP edge: REST plus a websocket streaming variant,
// with auth, CORS, rate limiting and the sanitized error boundary.
package api

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/novaos/core/internal/audit"
	"github.com/novaos/core/internal/circuitbreaker"
	"github.com/novaos/core/internal/config"
	"github.com/novaos/core/internal/kvs"
	"github.com/novaos/core/internal/pipeline"
	"github.com/novaos/core/internal/ratelimit"
	"github.com/novaos/core/internal/sword"
)

// Server wires the subsystems behind the REST surface.
type Server struct {
	cfg      *config.Config
	orch     *pipeline.Orchestrator
	sword    *sword.Store
	auditor  *audit.Logger
	limiter  *ratelimit.Limiter
	breakers *circuitbreaker.PipelineBreakers
	kv       kvs.Store
	auth     *Authenticator
	logger   *log.Logger
	httpSrv  *http.Server
}

func NewServer(cfg *config.Config, orch *pipeline.Orchestrator, swordStore *sword.Store,
	auditor *audit.Logger, limiter *ratelimit.Limiter,
	breakers *circuitbreaker.PipelineBreakers, kv kvs.Store) *Server {
	return &Server{
		cfg:      cfg,
		orch:     orch,
		sword:    swordStore,
		auditor:  auditor,
		limiter:  limiter,
		breakers: breakers,
		kv:       kv,
		auth:     NewAuthenticator(cfg.Auth),
		logger:   log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the route table. Exposed for tests.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(s.corsMiddleware)
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.auth.Middleware)
	v1.Use(s.rateLimitMiddleware)

	v1.HandleFunc("/messages", s.handleMessage).Methods("POST")
	v1.HandleFunc("/messages/stream", s.handleStream).Methods("GET")
	v1.HandleFunc("/audit/{requestId}", s.handleAudit).Methods("GET")

	v1.HandleFunc("/goals", s.handleCreateGoal).Methods("POST")
	v1.HandleFunc("/goals", s.handleListGoals).Methods("GET")
	v1.HandleFunc("/goals/{id}/events", s.handleGoalEvent).Methods("POST")
	v1.HandleFunc("/goals/{id}/quests", s.handleCreateQuest).Methods("POST")
	v1.HandleFunc("/quests/{id}/events", s.handleQuestEvent).Methods("POST")
	v1.HandleFunc("/quests/{id}/steps", s.handleCreateStep).Methods("POST")
	v1.HandleFunc("/steps/{id}/events", s.handleStepEvent).Methods("POST")
	v1.HandleFunc("/sparks", s.handleListSparks).Methods("GET")
	v1.HandleFunc("/sparks/{id}/events", s.handleSparkEvent).Methods("POST")

	v1.HandleFunc("/notifications", s.handleNotifications).Methods("GET")

	return r
}

// Start blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Printf("🚀 listening on %s", addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests within the configured window.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// ==== MIDDLEWARE ====

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := "*"
	if len(s.cfg.CORS.AllowedOrigins) > 0 {
		allowed = strings.Join(s.cfg.CORS.AllowedOrigins, ", ")
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowed)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware consumes the API bucket before any work is admitted.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ratelimit.Key("api", UserID(r), s.clientIP(r))
		res, err := s.limiter.Consume(r.Context(), key, s.cfg.RateLimits.API)
		if err != nil {
			writeError(w, CodeServiceError, "", 0)
			return
		}
		if !res.Allowed {
			writeError(w, CodeRateLimited, "", res.RetryAfterMs)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP honors the proxy header only when the deployment says to trust it.
func (s *Server) clientIP(r *http.Request) string {
	if s.cfg.Server.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			return strings.TrimSpace(strings.Split(fwd, ",")[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ==== HEALTH ====

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if s.breakers != nil {
		overall, upstreams := s.breakers.HealthStatus()
		body["status"] = strings.ToLower(overall)
		body["upstreams"] = upstreams
	}
	writeJSON(w, http.StatusOK, body)
}
