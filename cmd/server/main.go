package main

import (
	"context"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/makeacourse/api/internal/auth"
	"github.com/makeacourse/api/internal/client"
	"github.com/makeacourse/api/internal/config"
	"github.com/makeacourse/api/internal/handler"
	"github.com/makeacourse/api/internal/logger"
	"github.com/makeacourse/api/internal/media"
	"github.com/makeacourse/api/internal/middleware"
	"github.com/makeacourse/api/internal/model"
	"github.com/makeacourse/api/internal/queue"
	"github.com/makeacourse/api/internal/service"
	"github.com/makeacourse/api/internal/store"
	ws "github.com/makeacourse/api/internal/websocket"
	"github.com/makeacourse/api/internal/worker"
	"github.com/makeacourse/api/pkg/response"
)

// @title          Make-a-Course API
// @version        1.0
// @description    Backend API for Make-a-Course: course production pipeline and video render orchestration.
// @host           localhost:8000
// @BasePath       /
// @schemes        http https
// @securityDefinitions.apikey BearerAuth
// @in             header
// @name           Authorization
// @description    Enter your bearer token in the format **Bearer &lt;token&gt;**
func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLog, err := logger.New(cfg.Server.Env, cfg.Server.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer appLog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Redis client
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	redisUp := true
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisUp = false
		appLog.Warn("redis not available", "addr", cfg.Redis.Addr, "error", err)
	}

	st, err := openStore(ctx, cfg, redisClient)
	if err != nil {
		appLog.Fatal("failed to open store", "driver", cfg.Store.Driver, "error", err)
	}
	defer st.Close()

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub(appLog)
	go hub.Run(ctx)

	// Initialize external clients
	chatClient := client.NewChatClient(&cfg.Generator)
	voiceClient := client.NewVoiceClient(&cfg.Voice)
	pexelsClient := client.NewPexelsClient(&cfg.Pexels)
	heygenClient := client.NewHeyGenClient(&cfg.HeyGen, appLog)

	// R2 is optional; a nil StorageClient keeps artifacts local only
	var storage client.StorageClient
	r2Configured := false
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			appLog.Warn("R2 client not initialized", "error", err)
		} else {
			storage = r2Client
			r2Configured = true
		}
	} else {
		appLog.Info("R2 storage not configured, keeping renders on local disk")
	}

	// Initialize OIDC JWKS verifier (optional - falls back to legacy JWT)
	var jwksVerifier *auth.JWKSVerifier
	if cfg.OIDC.Issuer != "" || cfg.OIDC.Domain != "" {
		jwksVerifier, err = auth.NewJWKSVerifier(&cfg.OIDC)
		if err != nil {
			appLog.Warn("JWKS verifier not initialized", "error", err)
		} else {
			defer jwksVerifier.Close()
		}
	}

	// Initialize services
	generator := service.NewGenerationService(chatClient, pexelsClient, retryPolicy(cfg.Generator), appLog.With("component", "generator"))
	courseService := service.NewCourseService(st, generator, appLog.With("component", "courses"))
	avatarService := service.NewAvatarService(st, service.NewAvatarProvider(heygenClient), storage, appLog.With("component", "avatars"))
	tracker := service.NewTracker(st, hub, courseService, appLog.With("component", "tracker"))

	// Initialize render workers
	encoder := media.NewFFmpeg(media.Config{
		FFmpegPath:  cfg.Render.FFmpegPath,
		FFprobePath: cfg.Render.FFprobePath,
		Width:       cfg.Render.Width,
		Height:      cfg.Render.Height,
		FPS:         cfg.Render.FPS,
	})
	workerCfg := worker.Config{
		OutputDir:    cfg.Render.OutputDir,
		PollInterval: cfg.HeyGen.PollInterval,
		PollTimeout:  cfg.HeyGen.PollTimeout,
		Retry:        retryPolicy(cfg.Generator),
	}
	var avatarVideos worker.AvatarVideos
	if heygenClient.IsConfigured() {
		avatarVideos = heygenClient
	}
	var narrator worker.Narrator
	if voiceClient.IsConfigured() {
		narrator = voiceClient
	} else {
		appLog.Warn("voice API key not set, scenes render without narration")
	}
	sceneWorker := worker.NewSceneWorker(st, tracker, encoder, avatarVideos, narrator, storage, workerCfg, appLog.With("component", "scene_worker"))
	assembler := worker.NewModuleAssembler(st, tracker, encoder, storage, workerCfg, appLog.With("component", "module_assembler"))
	handlers := queue.Handlers{
		Scene:  sceneWorker.Process,
		Module: assembler.Process,
	}

	if cfg.Render.ReconcileOnStart {
		reconcileRenderTasks(ctx, cfg, tracker, appLog)
	}
	renderQueue, stopQueue, err := startQueue(ctx, cfg, redisOpt, handlers, appLog)
	if err != nil {
		appLog.Fatal("failed to start render queue", "backend", cfg.Render.Backend, "error", err)
	}
	renderService := service.NewRenderService(st, renderQueue, tracker, courseService, cfg.Render.DedupEnabled, appLog.With("component", "render"))

	// Initialize auth handler for ForwardAuth verification
	var tokenVerifier auth.TokenVerifier
	if jwksVerifier != nil {
		tokenVerifier = jwksVerifier
	}

	// Legacy HMAC tokens stay valid next to OIDC while the secret is set
	authenticator := auth.NewAuthenticator(tokenVerifier, cfg.JWT.Secret)

	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind the gateway: auth is handled by ForwardAuth, read X-User-* headers
		appLog.Info("gateway mode enabled, using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		apiAuthMiddleware = middleware.NewAuthMiddleware(authenticator).Authenticate()
	}

	var limiterClient *redis.Client
	if redisUp {
		limiterClient = redisClient
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    20 * 1024 * 1024, // 20MB
	})

	// Global middleware
	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
	}
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	router := &handler.Router{
		Courses:      handler.NewCourseHandler(courseService, validate),
		Avatars:      handler.NewAvatarHandler(avatarService),
		Renders:      handler.NewRenderHandler(renderService, tracker, hub),
		Auth:         handler.NewAuthHandler(authenticator),
		Authenticate: apiAuthMiddleware,
		Limiter:      middleware.NewRateLimiter(limiterClient, appLog.With("component", "ratelimit")),
		Limits:       cfg.RateLimit,
		Health: func() fiber.Map {
			return fiber.Map{
				"generator": chatClient.IsConfigured(),
				"pexels":    pexelsClient.IsConfigured(),
				"heygen":    heygenClient.IsConfigured(),
				"r2":        r2Configured,
				"redis":     redisUp,
				"store":     cfg.Store.Driver,
				"render":    cfg.Render.Backend,
				"auth":      jwksVerifier != nil || cfg.JWT.Secret != "",
			}
		},
	}
	router.Register(app)

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		appLog.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			appLog.Error("server shutdown error", "error", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	appLog.Info("server starting", "addr", addr, "store", cfg.Store.Driver, "render_backend", cfg.Render.Backend)
	if err := app.Listen(addr); err != nil {
		appLog.Error("server error", "error", err)
	}
	stopQueue()
}

func openStore(ctx context.Context, cfg *config.Config, redisClient *redis.Client) (store.Store, error) {
	switch strings.ToLower(cfg.Store.Driver) {
	case "postgres":
		return store.NewPostgresStore(ctx, store.PostgresConfig{
			DSN:      cfg.Store.PostgresDSN,
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	case "redis":
		return store.NewRedisStore(redisClient), nil
	default:
		return store.NewMemoryStore(), nil
	}
}

// reconcileRenderTasks fails tasks whose job died with the previous process.
// The local pool keeps nothing across restarts. asynq keeps queued jobs but
// archives a job that was running, since render jobs are never retried.
func reconcileRenderTasks(ctx context.Context, cfg *config.Config, tracker *service.Tracker, appLog *logger.Logger) {
	orphaned := []model.RenderStatus{model.RenderStatusRunning}
	if !strings.EqualFold(cfg.Render.Backend, "asynq") {
		orphaned = append(orphaned, model.RenderStatusPending)
	}
	n, err := tracker.FailOrphaned(ctx, orphaned...)
	if err != nil {
		appLog.Warn("render task reconciliation failed", "error", err)
		return
	}
	if n > 0 {
		appLog.Info("failed orphaned render tasks", "count", n, "backend", cfg.Render.Backend)
	}
}

// startQueue starts the configured render backend and returns the enqueue
// side with a function that stops it.
func startQueue(ctx context.Context, cfg *config.Config, redisOpt asynq.RedisClientOpt, h queue.Handlers, appLog *logger.Logger) (queue.Queue, func(), error) {
	if strings.EqualFold(cfg.Render.Backend, "asynq") {
		asynqClient := asynq.NewClient(redisOpt)
		srv := queue.NewAsynqServer(redisOpt, queue.ServerConfig{
			Concurrency: cfg.Render.Concurrency,
			LogLevel:    cfg.Server.LogLevel,
		}, h, appLog.With("component", "asynq"))
		if err := srv.Start(); err != nil {
			asynqClient.Close()
			return nil, nil, err
		}
		return queue.NewAsynqQueue(asynqClient), func() {
			srv.Shutdown()
			asynqClient.Close()
		}, nil
	}

	pool := queue.NewLocalPool(cfg.Render.Concurrency, cfg.Render.QueueSize, h, appLog.With("component", "render_pool"))
	// in-flight renders finish on shutdown
	pool.Start(context.WithoutCancel(ctx))
	return pool, func() {
		if err := pool.Shutdown(); err != nil {
			appLog.Warn("render pool shutdown", "error", err)
		}
	}, nil
}

func retryPolicy(cfg config.GeneratorConfig) client.RetryPolicy {
	policy := client.DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialBackoff > 0 {
		policy.InitialBackoff = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		policy.MaxBackoff = cfg.MaxBackoff
	}
	return policy
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeInternalError, message, nil)
}
