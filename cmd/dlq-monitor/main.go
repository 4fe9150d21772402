package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/jogardn/foodin/internal/config"
	"github.com/jogardn/foodin/internal/events"
)

func main() {
	app := &cli.App{
		Name:  "dlq-monitor",
		Usage: "watch " + events.OrderEventsDLQTopic + " and optionally replay dead letters",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "replay", Usage: "republish dead letters to " + events.OrderEventsTopic},
			&cli.DurationFlag{Name: "delay", Value: 5 * time.Second, Usage: "wait before replaying each dead letter"},
			&cli.StringFlag{Name: "group", Value: "foodin-dlq-monitor", Usage: "consumer group id"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("dlq-monitor failed")
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := cfg.NewLogger()

	if !cfg.KafkaEnabled() {
		return errors.New("dlq-monitor needs KAFKA_BROKERS")
	}

	processor, err := events.NewDLQProcessor(cfg.Brokers(), events.DLQOptions{
		GroupID: c.String("group"),
		Replay:  c.Bool("replay"),
		Delay:   c.Duration("delay"),
	}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() {
		done <- processor.Start(ctx)
	}()

	logger.WithFields(logrus.Fields{
		"topic":  events.OrderEventsDLQTopic,
		"replay": c.Bool("replay"),
	}).Info("DLQ monitor started")

	select {
	case <-ctx.Done():
	case err = <-done:
	}

	logger.Info("Shutting down DLQ monitor...")
	if closeErr := processor.Close(); closeErr != nil {
		logger.WithError(closeErr).Error("Failed to close DLQ processor")
	}

	stats := processor.Stats()
	logger.WithFields(logrus.Fields{
		"seen":     stats.Seen,
		"replayed": stats.Replayed,
		"dropped":  stats.Dropped,
	}).Info("DLQ monitor stopped")
	return err
}
