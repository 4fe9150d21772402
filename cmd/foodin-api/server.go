package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/jogardn/foodin/internal/auth"
	"github.com/jogardn/foodin/internal/cache"
	"github.com/jogardn/foodin/internal/circuitbreaker"
	"github.com/jogardn/foodin/internal/dashboard"
	"github.com/jogardn/foodin/internal/events"
	"github.com/jogardn/foodin/internal/httpx"
	"github.com/jogardn/foodin/internal/idempotency"
	"github.com/jogardn/foodin/internal/ingredients"
	"github.com/jogardn/foodin/internal/orders"
	"github.com/jogardn/foodin/internal/store"
	"github.com/jogardn/foodin/internal/websocket"
	"github.com/jogardn/foodin/pkg/models"
)

var breakerConfig = circuitbreaker.Config{
	MaxFailures: 5,
	Timeout:     30 * time.Second,
	MaxRequests: 1,
}

func serve(c *cli.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	breakers := circuitbreaker.NewManager(logger)
	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTExpiresIn)

	var redisClient *redis.Client
	if cfg.RedisEnabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.WithError(err).Warn("Redis not reachable, cache and idempotency will degrade until it is")
		} else {
			logger.WithField("addr", cfg.RedisAddr).Info("Redis connection established")
		}
		cancel()
	}

	var publisher events.Publisher = events.LogPublisher{Logger: logger}
	if cfg.KafkaEnabled() {
		producer, err := events.NewKafkaProducer(cfg.Brokers(), breakers.GetOrCreate(circuitbreaker.KafkaProducer, breakerConfig), logger)
		if err != nil {
			logger.WithError(err).Error("Failed to create Kafka producer, order events will only be logged")
		} else {
			defer producer.Close()
			publisher = producer
		}
	}

	// Catalogue
	var (
		catalogCache cache.Cache = cache.Nop{}
		redisCache   *cache.RedisCache
	)
	if redisClient != nil {
		redisCache = cache.NewRedisCache(redisClient, logger,
			cache.WithTTL(cfg.CacheTTL),
			cache.WithPrefix(cfg.CachePrefix),
			cache.WithBreaker(breakers.GetOrCreate(circuitbreaker.RedisCache, breakerConfig)))
		catalogCache = redisCache
	}
	ingredientService := ingredients.NewService(st, catalogCache, logger)
	images := ingredients.NewImageStore(cfg.UploadDir, cfg.MaxUploadBytes, logger)

	// Orders
	hub := websocket.NewHub(tokens, cfg.CORSAllowedOrigins, logger)
	go hub.Run(ctx)

	orderOpts := []orders.Option{
		orders.WithCatalogCache(ingredientService),
		orders.WithPublisher(publisher),
	}
	if redisClient != nil {
		idem := idempotency.New(redisClient, 0, breakers.GetOrCreate(circuitbreaker.RedisIdem, breakerConfig))
		orderOpts = append(orderOpts, orders.WithIdempotency(idem))
	}
	orderService := orders.NewService(st, logger, orderOpts...)
	orderService.SetWebSocketHub(hub)

	// Dashboard figures come from the worker's projection when one can exist.
	var orderStats dashboard.OrderStatsSource = dashboard.StoreStats{Orders: st}
	var fallback dashboard.OrderStatsSource
	if redisClient != nil && cfg.KafkaEnabled() {
		orderStats = dashboard.NewProjection(redisClient, breakers.GetOrCreate(circuitbreaker.RedisMetrics, breakerConfig), logger)
		fallback = dashboard.StoreStats{Orders: st}
	}
	dashboardService := dashboard.NewService(orderStats, fallback, st, cfg.LowStockThreshold, logger)
	if redisCache != nil {
		dashboardService.SetCacheStats(redisCache)
	}

	limiter := httpx.NewRateLimiter(cfg.AuthRateLimit, cfg.AuthRateBurst)
	go limiter.RunCleanup(time.Minute, ctx.Done())

	router := newRouter(routerDeps{
		store:       st,
		tokens:      tokens,
		limiter:     limiter,
		hub:         hub,
		images:      images,
		auth:        auth.NewHandler(auth.NewService(st, tokens, logger), tokens, logger),
		ingredients: ingredients.NewHandler(ingredientService, images, tokens, logger),
		orders:      orders.NewHandler(orderService, tokens, logger),
		dashboard:   dashboard.NewHandler(dashboardService, breakers, logger),
		logger:      logger,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httpx.CORS(cfg.CORSAllowedOrigins, router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"port":   cfg.Port,
			"store":  cfg.StoreDriver,
			"redis":  cfg.RedisEnabled(),
			"kafka":  cfg.KafkaEnabled(),
			"upload": images.Dir(),
		}).Info("Starting FoodIn API")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.WithError(err).Error("Failed to start server")
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server gracefully stopped")
	return nil
}

type routerDeps struct {
	store       store.Store
	tokens      *auth.TokenManager
	limiter     *httpx.RateLimiter
	hub         *websocket.Hub
	images      *ingredients.ImageStore
	auth        *auth.Handler
	ingredients *ingredients.Handler
	orders      *orders.Handler
	dashboard   *dashboard.Handler
	logger      *logrus.Logger
}

func newRouter(deps routerDeps) *mux.Router {
	router := mux.NewRouter()
	router.Use(httpx.RecoverMiddleware(deps.logger), httpx.LoggingMiddleware(deps.logger), httpx.SecurityHeaders)

	router.HandleFunc("/health", healthCheck(deps.store)).Methods(http.MethodGet)
	router.HandleFunc("/ws", deps.hub.HandleWebSocket).Methods(http.MethodGet)
	router.PathPrefix(ingredients.PublicPrefix).Handler(
		http.StripPrefix(ingredients.PublicPrefix, http.FileServer(http.Dir(deps.images.Dir()))),
	).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	deps.auth.RegisterRoutes(api.PathPrefix("/auth").Subrouter(), deps.limiter.Limit)
	deps.ingredients.RegisterRoutes(api.PathPrefix("/ingredients").Subrouter())
	deps.orders.RegisterRoutes(api.PathPrefix("/orders").Subrouter())

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(auth.Protect(deps.tokens), auth.Authorize(models.RoleAdmin))
	deps.dashboard.RegisterRoutes(admin)

	router.NotFoundHandler = httpx.NotFound()
	return router
}

func healthCheck(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := st.Ping(ctx); err != nil {
			httpx.RespondWithJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"service": "foodin-api",
				"error":   "store connection failed",
			})
			return
		}

		httpx.RespondWithJSON(w, http.StatusOK, map[string]string{
			"status":  "healthy",
			"service": "foodin-api",
		})
	}
}
