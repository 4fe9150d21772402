// Package dashboard builds the admin dashboard: order figures projected from
// the event stream into Redis, plus catalogue figures read from the store.
package dashboard

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/foodin/internal/circuitbreaker"
	"github.com/jogardn/foodin/internal/events"
	"github.com/jogardn/foodin/pkg/models"
)

const (
	DefaultPrefix  = "foodin:dashboard:"
	DefaultSeenTTL = 7 * 24 * time.Hour
)

var errDuplicateEvent = errors.New("order event already projected")

type OrderStats struct {
	Total    int64                        `json:"total"`
	Revenue  float64                      `json:"revenue"`
	ByStatus map[models.OrderStatus]int64 `json:"byStatus"`
}

// OrderStatsSource is anything that can report order figures.
type OrderStatsSource interface {
	OrderStats(ctx context.Context) (*OrderStats, error)
}

// Projection folds order events into Redis counters. Revenue only counts
// orders that are not cancelled.
type Projection struct {
	client  redis.UniversalClient
	breaker *circuitbreaker.CircuitBreaker
	logger  *logrus.Logger
	prefix  string
	seenTTL time.Duration
}

func NewProjection(client redis.UniversalClient, breaker *circuitbreaker.CircuitBreaker, logger *logrus.Logger) *Projection {
	return &Projection{
		client:  client,
		breaker: breaker,
		logger:  logger,
		prefix:  DefaultPrefix,
		seenTTL: DefaultSeenTTL,
	}
}

func (p *Projection) statusKey() string  { return p.prefix + "status" }
func (p *Projection) totalKey() string   { return p.prefix + "total" }
func (p *Projection) revenueKey() string { return p.prefix + "revenue" }
func (p *Projection) seenKey(eventID string) string {
	return p.prefix + "seen:" + eventID
}

// HandleOrderEvent applies event once. Redeliveries of an event id that was
// already applied are ignored.
func (p *Projection) HandleOrderEvent(ctx context.Context, event events.OrderEvent) error {
	if event.EventID == "" {
		return errors.Wrap(events.ErrNonRetryable, "order event without id")
	}
	switch event.Type {
	case events.OrderCreated, events.OrderCancelled, events.OrderStatusChanged:
	default:
		return errors.Wrapf(events.ErrNonRetryable, "unknown order event type %q", event.Type)
	}

	logger := p.logger.WithFields(logrus.Fields{
		"event_id": event.EventID,
		"order_id": event.OrderID,
		"type":     event.Type,
	})

	// The seen mark and the counters commit in one MULTI/EXEC, so an event
	// is never marked without being applied.
	seen := p.seenKey(event.EventID)
	return p.run(ctx, func(ctx context.Context) error {
		err := p.client.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, seen).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return errDuplicateEvent
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, seen, 1, p.seenTTL)
				p.apply(ctx, pipe, event)
				return nil
			})
			return err
		}, seen)

		switch {
		case errors.Is(err, errDuplicateEvent), errors.Is(err, redis.TxFailedErr):
			// TxFailedErr means another consumer marked the event after WATCH.
			logger.Debug("Skipping duplicate order event")
			return nil
		case err != nil:
			return errors.Wrap(err, "failed to update dashboard projection")
		}

		logger.Debug("Order event projected")
		return nil
	})
}

func (p *Projection) apply(ctx context.Context, pipe redis.Pipeliner, event events.OrderEvent) {
	switch event.Type {
	case events.OrderCreated:
		pipe.Incr(ctx, p.totalKey())
		pipe.HIncrBy(ctx, p.statusKey(), string(event.Status), 1)
		if event.Status != models.OrderStatusCancelled {
			pipe.IncrByFloat(ctx, p.revenueKey(), event.TotalAmount)
		}

	case events.OrderCancelled, events.OrderStatusChanged:
		previous := event.PreviousStatus
		if previous == "" && event.Type == events.OrderCancelled {
			previous = models.OrderStatusPending
		}
		if previous == event.Status {
			return
		}
		if previous != "" {
			pipe.HIncrBy(ctx, p.statusKey(), string(previous), -1)
		}
		pipe.HIncrBy(ctx, p.statusKey(), string(event.Status), 1)

		switch {
		case event.Status == models.OrderStatusCancelled:
			pipe.IncrByFloat(ctx, p.revenueKey(), -event.TotalAmount)
		case previous == models.OrderStatusCancelled:
			pipe.IncrByFloat(ctx, p.revenueKey(), event.TotalAmount)
		}
	}
}

func (p *Projection) OrderStats(ctx context.Context) (*OrderStats, error) {
	stats := &OrderStats{ByStatus: emptyByStatus()}

	err := p.run(ctx, func(ctx context.Context) error {
		byStatus, err := p.client.HGetAll(ctx, p.statusKey()).Result()
		if err != nil {
			return err
		}
		for status, raw := range byStatus {
			count, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return errors.Wrapf(err, "bad counter for status %s", status)
			}
			stats.ByStatus[models.OrderStatus(status)] = count
		}

		stats.Total, err = p.client.Get(ctx, p.totalKey()).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		revenue, err := p.client.Get(ctx, p.revenueKey()).Float64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		stats.Revenue = models.RoundCents(revenue)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to read dashboard projection")
	}
	return stats, nil
}

func (p *Projection) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.breaker == nil {
		return fn(ctx)
	}
	return p.breaker.Execute(ctx, fn)
}

func emptyByStatus() map[models.OrderStatus]int64 {
	byStatus := make(map[models.OrderStatus]int64, len(models.OrderStatuses))
	for _, status := range models.OrderStatuses {
		byStatus[status] = 0
	}
	return byStatus
}
