package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/perimeterhq/perimeter/internal/auth"
	"github.com/perimeterhq/perimeter/internal/autoblock"
	"github.com/perimeterhq/perimeter/internal/circuitbreaker"
	"github.com/perimeterhq/perimeter/internal/config"
	"github.com/perimeterhq/perimeter/internal/health"
	"github.com/perimeterhq/perimeter/internal/iprules"
	"github.com/perimeterhq/perimeter/internal/logging"
	"github.com/perimeterhq/perimeter/internal/metrics"
	"github.com/perimeterhq/perimeter/internal/proxy"
	"github.com/perimeterhq/perimeter/internal/ratelimit"
	"github.com/perimeterhq/perimeter/internal/realip"
	"github.com/perimeterhq/perimeter/internal/router"
	"github.com/perimeterhq/perimeter/internal/store"
	"github.com/perimeterhq/perimeter/internal/token"
)

// Server owns the wired gateway and its external resources.
type Server struct {
	cfg     *config.Config
	cfgPath string
	version string

	rdb     *redis.Client
	st      *store.Store
	matcher *router.Matcher
	gw      *Gateway
}

// NewServer connects the external resources and wires the pipeline.
// cfgPath enables live reload of route seeds; empty disables it.
func NewServer(cfg *config.Config, cfgPath, version string) (*Server, error) {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	opts.DialTimeout = cfg.Redis.DialTimeout
	if cfg.Redis.PoolSize > 0 {
		opts.PoolSize = cfg.Redis.PoolSize
	}
	rdb := redis.NewClient(opts)

	st, err := store.Open(cfg.Database.URL)
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	tokens, err := token.NewManager(token.Config{
		Secret:          cfg.Auth.Secret,
		Algorithm:       cfg.Auth.Algorithm,
		Issuer:          cfg.Auth.Issuer,
		AccessLifetime:  cfg.Auth.AccessLifetime,
		RefreshLifetime: cfg.Auth.RefreshLifetime,
	}, rdb)
	if err != nil {
		st.Close()
		rdb.Close()
		return nil, err
	}

	extractor, err := realip.New(cfg.Server.TrustedProxies)
	if err != nil {
		st.Close()
		rdb.Close()
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}

	matcher, err := router.NewMatcher(st.Routes, st.Policies)
	if err != nil {
		st.Close()
		rdb.Close()
		return nil, err
	}

	blocker := autoblock.New(rdb, st.IPRules, st.Audit)
	breaker := circuitbreaker.New(rdb, circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		FailureWindow:    cfg.Breaker.FailureWindow,
		Cooldown:         cfg.Breaker.Cooldown,
	})
	reg := metrics.New()

	gw := New(Deps{
		Config:    cfg,
		Extractor: extractor,
		IPRules:   iprules.NewChecker(rdb, st.IPRules),
		Auth:      auth.NewAuthenticator(st, tokens, blocker, rdb),
		AuthSvc:   auth.NewService(st, tokens, blocker),
		Matcher:   matcher,
		Limiter: ratelimit.New(rdb, ratelimit.Config{
			OpTimeout:      cfg.RateLimit.OpTimeout,
			ConcurrencyTTL: cfg.RateLimit.ConcurrencyTTL,
		}),
		Blocker: blocker,
		Proxy: proxy.New(breaker, proxy.Config{
			AttemptTimeout: cfg.Proxy.AttemptTimeout,
			MaxRetries:     cfg.Proxy.MaxRetries,
			InitialBackoff: cfg.Proxy.InitialBackoff,
			States:         reg,
		}),
		Metrics: reg,
		Health:  health.New(rdb, st, breaker, version),
	})

	return &Server{
		cfg:     cfg,
		cfgPath: cfgPath,
		version: version,
		rdb:     rdb,
		st:      st,
		matcher: matcher,
		gw:      gw,
	}, nil
}

// seed upserts the config file's route declarations into the store and
// refreshes the matcher. Admin-created routes are untouched.
func (s *Server) seed(ctx context.Context, cfg *config.Config) error {
	for i := range cfg.Routes {
		def, pols := cfg.Routes[i].Definitions()
		if err := s.st.Routes.Upsert(ctx, &def); err != nil {
			return fmt.Errorf("seed route %s: %w", def.Name, err)
		}
		for j := range pols {
			pols[j].APIDefinitionID = def.ID
			if err := s.st.Policies.Upsert(ctx, &pols[j]); err != nil {
				return fmt.Errorf("seed policy for %s: %w", def.Name, err)
			}
		}
	}
	s.matcher.Invalidate()
	return nil
}

// Run serves until ctx is cancelled, then drains within the shutdown
// timeout.
func (s *Server) Run(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.Redis.DialTimeout)
	err := s.rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		// The cache is a soft dependency: limiters fail per policy and
		// the breaker falls back to local state.
		logging.Warn("shared cache unreachable at startup", zap.Error(err))
	}

	if err := s.seed(ctx, s.cfg); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         s.cfg.Server.Addr,
		Handler:      s.gw,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info("gateway listening",
			zap.String("addr", srv.Addr),
			zap.String("version", s.version),
			zap.Int("seeded_routes", len(s.cfg.Routes)))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if s.cfgPath != "" {
		watcher := config.NewWatcher(s.cfgPath, func(next *config.Config) {
			seedCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.seed(seedCtx, next); err != nil {
				logging.Warn("route reseed failed", zap.Error(err))
			}
		})
		g.Go(func() error {
			err := watcher.Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		logging.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	s.st.Close()
	s.rdb.Close()
	return err
}
