// Package service is the HTTP surface of the hub: ingest, pull snapshots,
// outbound subscription management, streaming delta sessions, cluster join,
// and operational status.
package service

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/transitlabs/sirihub/config"
	"github.com/transitlabs/sirihub/internal/delivery"
	"github.com/transitlabs/sirihub/internal/health"
	"github.com/transitlabs/sirihub/internal/metrics"
	"github.com/transitlabs/sirihub/internal/registry"
	"github.com/transitlabs/sirihub/internal/rft"
	"github.com/transitlabs/sirihub/internal/store"
	"github.com/transitlabs/sirihub/models"
)

type Config struct {
	Logger      *slog.Logger
	Cfg         *config.Config
	HTTPBinding string

	Stores   map[models.Category]*store.Store
	Engine   *delivery.Engine
	Registry *registry.Registry
	Health   *health.Aggregator
	Metrics  *metrics.Metrics
	Streams  *StreamDispatcher

	// Replicated is nil in single-node deployments; the join endpoint then
	// rejects all requests.
	Replicated rft.Replicated
}

type Service struct {
	appCtx      context.Context
	logger      *slog.Logger
	cfg         *config.Config
	httpBinding string

	stores     map[models.Category]*store.Store
	engine     *delivery.Engine
	registry   *registry.Registry
	health     *health.Aggregator
	metrics    *metrics.Metrics
	streams    *StreamDispatcher
	replicated rft.Replicated

	authToken    string
	mux          *http.ServeMux
	rateLimiters map[string]*rate.Limiter

	startedAt time.Time
}

func New(ctx context.Context, cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	authToken := ""
	if cfg.Cfg.Cluster.InstanceSecret != "" {
		secHash := sha256.New()
		secHash.Write([]byte(cfg.Cfg.Cluster.InstanceSecret))
		authToken = hex.EncodeToString(secHash.Sum(nil))
	}

	rateLimiters := make(map[string]*rate.Limiter)
	rlLogger := logger.With("component", "rate-limiter")
	add := func(name string, rl config.RateLimiterConfig) {
		if rl.Limit <= 0 {
			return
		}
		rateLimiters[name] = rate.NewLimiter(rate.Limit(rl.Limit), rl.Burst)
		rlLogger.Info("initialized rate limiter", "name", name, "limit", rl.Limit, "burst", rl.Burst)
	}
	add("ingest", cfg.Cfg.RateLimiters.Ingest)
	add("snapshot", cfg.Cfg.RateLimiters.Snapshot)
	add("subscribe", cfg.Cfg.RateLimiters.Subscribe)
	add("default", cfg.Cfg.RateLimiters.Default)

	return &Service{
		appCtx:       ctx,
		logger:       logger.WithGroup("service"),
		cfg:          cfg.Cfg,
		httpBinding:  cfg.HTTPBinding,
		stores:       cfg.Stores,
		engine:       cfg.Engine,
		registry:     cfg.Registry,
		health:       cfg.Health,
		metrics:      cfg.Metrics,
		streams:      cfg.Streams,
		replicated:   cfg.Replicated,
		authToken:    authToken,
		mux:          http.NewServeMux(),
		rateLimiters: rateLimiters,
	}
}

// authorized checks the bearer token against the instance secret hash. With
// no secret configured the check is disabled.
func (s *Service) authorized(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	return found && token == s.authToken
}

func (s *Service) rateLimitMiddleware(next http.Handler, name string) http.Handler {
	limiter, ok := s.rateLimiters[name]
	if !ok {
		limiter, ok = s.rateLimiters["default"]
		if !ok {
			s.logger.Warn("no rate limiter configured and no default present", "name", name)
			return next
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			s.logger.Warn("rate limit exceeded", "name", name, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until the context is cancelled.
func (s *Service) Run() {
	s.mux.Handle("/v1/ingest", s.rateLimitMiddleware(http.HandlerFunc(s.ingestHandler), "ingest"))
	s.mux.Handle("/v1/snapshot", s.rateLimitMiddleware(http.HandlerFunc(s.snapshotHandler), "snapshot"))

	s.mux.Handle("/v1/subscribe", s.rateLimitMiddleware(http.HandlerFunc(s.subscribeHandler), "subscribe"))
	s.mux.Handle("/v1/terminate", s.rateLimitMiddleware(http.HandlerFunc(s.terminateHandler), "subscribe"))
	s.mux.Handle("/v1/subscriptions", s.rateLimitMiddleware(http.HandlerFunc(s.subscriptionsHandler), "default"))
	s.mux.Handle("/v1/delta/stream", s.rateLimitMiddleware(http.HandlerFunc(s.streamHandler), "default"))

	s.mux.Handle("/v1/status", s.rateLimitMiddleware(http.HandlerFunc(s.statusHandler), "default"))
	s.mux.Handle("/v1/datasets", s.rateLimitMiddleware(http.HandlerFunc(s.datasetsHandler), "default"))
	s.mux.Handle("/v1/cluster/join", s.rateLimitMiddleware(http.HandlerFunc(s.joinHandler), "default"))

	if s.metrics != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}

	tlsCfg := s.cfg.Cluster.TLS
	s.logger.Info("starting server", "listen_addr", s.httpBinding, "tls_enabled", tlsCfg.Cert != "" && tlsCfg.Key != "")

	srv := &http.Server{
		Addr:    s.httpBinding,
		Handler: s.mux,
	}

	go func() {
		<-s.appCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server shutdown error", "error", err)
		}
	}()

	s.startedAt = time.Now()

	if tlsCfg.Cert != "" && tlsCfg.Key != "" {
		srv.TLSConfig = &tls.Config{}
		if err := srv.ListenAndServeTLS(tlsCfg.Cert, tlsCfg.Key); err != http.ErrServerClosed {
			s.logger.Error("https server error", "error", err)
		}
	} else {
		s.logger.Info("tls cert or key not specified, serving plain http")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("http server error", "error", err)
		}
	}
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}
