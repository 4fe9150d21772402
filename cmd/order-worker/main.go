package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/jogardn/foodin/internal/circuitbreaker"
	"github.com/jogardn/foodin/internal/config"
	"github.com/jogardn/foodin/internal/dashboard"
	"github.com/jogardn/foodin/internal/events"
	"github.com/jogardn/foodin/internal/httpx"
)

func main() {
	app := &cli.App{
		Name:  "order-worker",
		Usage: "fold order events into the dashboard projection",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "port", Value: "5001", EnvVars: []string{"WORKER_PORT"}, Usage: "health endpoint port"},
			&cli.IntFlag{Name: "connect-attempts", Value: 10, Usage: "Kafka connection attempts before giving up"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("order-worker failed")
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := cfg.NewLogger()

	if !cfg.KafkaEnabled() || !cfg.RedisEnabled() {
		return errors.New("order-worker needs KAFKA_BROKERS and REDIS_ADDR")
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	breakers := circuitbreaker.NewManager(logger)
	projection := dashboard.NewProjection(redisClient,
		breakers.GetOrCreate(circuitbreaker.RedisMetrics, circuitbreaker.Config{MaxFailures: 5, Timeout: 30 * time.Second}),
		logger)

	logger.WithField("brokers", cfg.KafkaBrokers).Info("Initializing Kafka consumer...")

	var consumer *events.Consumer
	for i := 0; i < c.Int("connect-attempts"); i++ {
		consumer, err = events.NewConsumer(cfg.Brokers(), cfg.KafkaGroupID, projection, logger)
		if err == nil {
			logger.Info("Successfully connected to Kafka")
			break
		}

		logger.WithError(err).WithField("attempt", i+1).Warn("Failed to connect to Kafka, retrying...")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(5 * time.Second):
		}
	}
	if err != nil {
		return errors.Wrap(err, "failed to create Kafka consumer after retries")
	}

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		logger.WithField("group_id", cfg.KafkaGroupID).Info("Starting Kafka consumer for order events")
		if err := consumer.Start(ctx); err != nil {
			logger.WithError(err).Error("Kafka consumer error")
			stop()
		}
	}()

	router := mux.NewRouter()
	router.HandleFunc("/health", healthCheck(consumer, projection, breakers)).Methods(http.MethodGet)
	router.NotFoundHandler = httpx.NotFound()

	srv := &http.Server{
		Addr:         ":" + c.String("port"),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.WithField("port", c.String("port")).Info("Starting order worker health server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Failed to start HTTP server")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down order worker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server forced to shutdown")
	}

	if err := consumer.Close(); err != nil {
		logger.WithError(err).Error("Failed to close Kafka consumer")
	}
	<-consumerDone

	logger.WithFields(logrus.Fields{
		"processed": consumer.Metrics().Processed,
		"dlq":       consumer.Metrics().DLQ,
	}).Info("Order worker gracefully stopped")
	return nil
}

func healthCheck(consumer *events.Consumer, projection *dashboard.Projection, breakers *circuitbreaker.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status, code := "healthy", http.StatusOK
		stats, err := projection.OrderStats(ctx)
		if err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}

		httpx.RespondWithJSON(w, code, map[string]interface{}{
			"status":     status,
			"service":    "order-worker",
			"consumer":   consumer.Metrics(),
			"projection": stats,
			"breakers":   breakers.Stats(),
		})
	}
}
