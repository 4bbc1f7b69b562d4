package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/hrygo/companion/internal/profile"
	"github.com/hrygo/companion/plugin/ai"
	"github.com/hrygo/companion/plugin/ai/agent"
	"github.com/hrygo/companion/plugin/ai/agent/tools"
	"github.com/hrygo/companion/plugin/ai/cache"
	"github.com/hrygo/companion/plugin/ai/metrics"
	"github.com/hrygo/companion/plugin/ai/session"
	apiv1 "github.com/hrygo/companion/server/router/api/v1"
	"github.com/hrygo/companion/server/service/conversation"
	"github.com/hrygo/companion/store"
)

const rateLimiterPruneInterval = 10 * time.Minute

// Server owns every long-lived component of the service and closes them on Shutdown.
type Server struct {
	Profile *profile.Profile
	Store   *store.Store

	echoServer   *echo.Echo
	apiV1Service *apiv1.APIV1Service
	conversation *conversation.Service
	metrics      *metrics.Service
	sessionCache *cache.Service
	cleanupJob   *session.SessionCleanupJob
	redisClient  *redis.Client

	cancelBackground context.CancelFunc
	wg               sync.WaitGroup
}

// NewServer wires the engine over an already migrated store.
func NewServer(ctx context.Context, profile *profile.Profile, store *store.Store) (*Server, error) {
	s := &Server{
		Profile: profile,
		Store:   store,
	}
	if err := s.wire(ctx); err != nil {
		s.closeOwned()
		return nil, err
	}

	echoServer := echo.New()
	echoServer.Debug = profile.IsDev()
	echoServer.HideBanner = true
	echoServer.HidePort = true
	s.echoServer = echoServer

	s.apiV1Service = apiv1.NewAPIV1Service(profile.Secret, profile, s.conversation, s.metrics)
	s.apiV1Service.RegisterRoutes(echoServer)
	return s, nil
}

func (s *Server) wire(ctx context.Context) error {
	p := s.Profile
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return errors.Wrapf(err, "invalid timezone %s", p.Timezone)
	}

	s.metrics = metrics.NewService(metrics.DefaultRetention)
	generator, err := s.newGenerator()
	if err != nil {
		return err
	}

	catalog, err := agent.LoadCatalog(p.SpecialistsFile)
	if err != nil {
		return errors.Wrap(err, "failed to load specialists")
	}

	var (
		locker session.Locker = session.NewKeyedMutex()
		shared cache.CacheService
	)
	if p.IsRedisEnabled() {
		client, err := session.NewRedisClient(ctx, session.RedisLockConfig{
			Addr:     p.RedisAddr,
			Password: p.RedisPassword,
		})
		if err != nil {
			return err
		}
		s.redisClient = client
		locker = session.ChainLocker{locker, session.NewRedisLocker(client, 0, 0)}
		shared = cache.NewRedisCache(client, "companion:", 0)
	}
	s.sessionCache = cache.NewService(cache.DefaultServiceConfig())
	var checkpointCache cache.CacheService = s.sessionCache
	if shared != nil {
		checkpointCache = cache.NewTieredCache(s.sessionCache, shared)
	}

	dialect := session.DialectSQLite
	if p.Driver == "postgres" {
		dialect = session.DialectPostgres
	}
	checkpoints := session.NewSQLStore(s.Store.GetDriver().GetDB(), session.SQLStoreConfig{
		Dialect:      dialect,
		Cache:        checkpointCache,
		Locker:       locker,
		HistoryLimit: p.HistoryLimit,
	})

	registry := agent.NewToolRegistry()
	if err := tools.Register(registry, &tools.Deps{Store: s.Store, Location: loc}); err != nil {
		return errors.Wrap(err, "failed to register tools")
	}
	loop, err := agent.NewLoop(generator, registry, catalog.Prompts(), agent.LoopConfig{
		MaxIterations: p.MaxIterations,
		FanOut:        p.ToolFanOut,
	}, s.metrics)
	if err != nil {
		return errors.Wrap(err, "failed to create agent loop")
	}

	s.conversation, err = conversation.NewService(conversation.Deps{
		Store:       s.Store,
		Checkpoints: checkpoints,
		Catalog:     catalog,
		Invoker:     agent.NewInvoker(generator, catalog, 0),
		Loop:        loop,
		Metrics:     s.metrics,
	}, conversation.Config{
		EngineMode:         p.EngineMode,
		HistoryLimit:       p.HistoryLimit,
		MaxConcurrentTurns: p.MaxConcurrentTurns,
		Location:           loc,
	})
	if err != nil {
		return err
	}

	slog.Debug("registered tools", "tools", registry.Describe())

	s.cleanupJob = session.NewSessionCleanupJob(checkpoints, session.CleanupConfig{Retention: p.SessionRetention})
	slog.Info("engine ready",
		"engine_mode", p.EngineMode,
		"generator", generator.Name(),
		"tools", registry.Count(),
		"driver", p.Driver,
		"redis", p.IsRedisEnabled(),
	)
	return nil
}

// newGenerator builds the provider chain. Without AI the chain is empty and
// every generated reply fails as unavailable; templates still answer.
func (s *Server) newGenerator() (*ai.FallbackGenerator, error) {
	observer := func(provider string, latency time.Duration, err error) {
		s.metrics.RecordGeneratorAttempt(context.Background(), provider, latency, err == nil)
	}
	if !s.Profile.IsAIEnabled() {
		slog.Warn("AI is not enabled, only template replies are available")
		return ai.NewFallbackGenerator(nil, ai.WithAttemptObserver(observer)), nil
	}
	generator, err := ai.NewGeneratorFromConfig(ai.NewConfigFromProfile(s.Profile), ai.WithAttemptObserver(observer))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create generator")
	}
	return generator, nil
}

// Conversation returns the turn service.
func (s *Server) Conversation() *conversation.Service {
	return s.conversation
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.echoServer
}

// Start starts the background jobs and serves HTTP until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrap(err, "failed to listen")
	}
	s.echoServer.Listener = listener

	bgCtx, cancel := context.WithCancel(ctx)
	s.cancelBackground = cancel
	if err := s.cleanupJob.Start(bgCtx); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.pruneRateLimiter(bgCtx)

	go func() {
		if err := s.echoServer.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to start echo server", "error", err)
		}
	}()
	slog.Info("companion listening", "address", listener.Addr().String())
	return nil
}

func (s *Server) pruneRateLimiter(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(rateLimiterPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.apiV1Service.RateLimiter().Prune(); n > 0 {
				slog.Debug("pruned idle rate limiters", "count", n)
			}
		}
	}
}

// Shutdown stops the HTTP server first, so no turn is in flight when the
// stores close.
func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	slog.Info("server shutting down")
	if s.echoServer != nil {
		if err := s.echoServer.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown server", slog.String("error", err.Error()))
		}
	}
	if s.cancelBackground != nil {
		s.cancelBackground()
	}
	s.wg.Wait()
	s.closeOwned()

	if err := s.Store.Close(); err != nil {
		slog.Error("failed to close database", slog.String("error", err.Error()))
	}
	slog.Info("companion stopped properly")
}

func (s *Server) closeOwned() {
	if s.cleanupJob != nil {
		s.cleanupJob.Stop()
	}
	if s.metrics != nil {
		s.metrics.Close()
	}
	if s.sessionCache != nil {
		s.sessionCache.Close()
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			slog.Error("failed to close redis", slog.String("error", err.Error()))
		}
	}
}
