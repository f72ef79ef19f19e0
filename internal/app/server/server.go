package server

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sifan077/linkedge/config"
	"github.com/sifan077/linkedge/internal/app/service"
	"github.com/sifan077/linkedge/internal/app/signature"
	inthttp "github.com/sifan077/linkedge/internal/http/handler"
	"github.com/sifan077/linkedge/internal/http/middleware"
	httpUtil "github.com/sifan077/linkedge/internal/http/util"
	"go.uber.org/zap"
)

// Dependencies bundles what the HTTP server needs to build its handlers.
type Dependencies struct {
	Logger      *zap.Logger
	Config      *config.Config
	Redis       redis.Cmdable
	Resolver    *service.Resolver
	Links       service.LinkService
	Sync        *service.SyncService
	Consumer    *service.ClickConsumer
	Verifier    *signature.Verifier
	Tokens      *httpUtil.TokenSigner
	Readiness   []inthttp.ReadinessCheck
	CORSOrigins []string
}

// Server wraps the Fiber application and its dependencies.
type Server struct {
	app  *fiber.App
	deps Dependencies
}

// New creates a new HTTP server instance with every route registered.
func New(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		AppName:               "linkedge",
		ReadTimeout:           deps.Config.Server.ReadTimeout,
		WriteTimeout:          deps.Config.Server.WriteTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(deps.Logger),
	})

	s := &Server{
		app:  app,
		deps: deps,
	}

	s.registerMiddleware()
	s.registerRoutes()
	return s
}

// App exposes the Fiber application, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the Fiber server on the given address.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the Fiber server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) registerMiddleware() {
	s.app.Use(middleware.RequestID())
	s.app.Use(middleware.Recovery(s.deps.Logger))
	s.app.Use(middleware.Logger(s.deps.Logger))
	s.app.Use(middleware.Metrics())
	s.app.Use("/api", middleware.CORS(s.deps.CORSOrigins...))
}

func (s *Server) registerRoutes() {
	cfg := s.deps.Config

	redirectHandler := inthttp.NewRedirectHandler(inthttp.RedirectDeps{
		Logger:   s.deps.Logger.Named("redirect"),
		Resolver: s.deps.Resolver,
		Tokens:   s.deps.Tokens,
		Geo: inthttp.GeoHeaders{
			Country: cfg.Resolver.CountryHeader,
			City:    cfg.Resolver.CityHeader,
			Region:  cfg.Resolver.RegionHeader,
		},
		Checks: s.deps.Readiness,
	})
	redirectHandler.Register(s.app)

	queueHandler := inthttp.NewQueueHandler(inthttp.QueueDeps{
		Logger:   s.deps.Logger.Named("queue"),
		Verifier: s.deps.Verifier,
		Consumer: s.deps.Consumer,
	})
	queueHandler.Register(s.app)

	syncHandler := inthttp.NewSyncHandler(inthttp.SyncDeps{
		Logger:        s.deps.Logger.Named("sync"),
		Sync:          s.deps.Sync,
		SyncSecret:    cfg.App.SyncSecret,
		CleanupSecret: cfg.App.CleanupSecret,
	})
	syncHandler.Register(s.app)

	var limiter fiber.Handler
	if cfg.RateLimit.Enabled && s.deps.Redis != nil {
		limiter = middleware.RateLimit(s.deps.Redis, middleware.RateLimitConfig{
			MaxRequests: cfg.RateLimit.MaxRequests,
			Window:      cfg.RateLimit.Window,
			KeyPrefix:   "ratelimit:api",
		}, s.deps.Logger)
	}

	apiHandler := inthttp.NewAPIHandler(inthttp.APIDeps{
		Logger:      s.deps.Logger.Named("api"),
		LinkService: s.deps.Links,
		Tokens:      s.deps.Tokens,
		BaseURL:     cfg.App.BaseURL,
		AdminToken:  cfg.App.AdminToken,
		RateLimit:   limiter,
	})
	apiHandler.Register(s.app)

	// Short codes match any single segment, so this goes last.
	redirectHandler.RegisterCatchAll(s.app)
}

func errorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := "internal server error"

		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			message = fe.Message
		} else {
			logger.Error("unhandled request error",
				zap.String("path", c.Path()),
				zap.String("request_id", middleware.RequestIDFrom(c)),
				zap.Error(err),
			)
		}

		return c.Status(code).JSON(fiber.Map{"error": message})
	}
}
