// Package idempotency reserves client-supplied Idempotency-Key values in
// Redis so a retried order placement returns the first result instead of
// placing a second order.
package idempotency

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/jogardn/foodin/internal/circuitbreaker"
)

const (
	DefaultTTL    = 24 * time.Hour
	DefaultPrefix = "idem:"

	pendingValue = "pending"
	doneMarker   = "done:"
	maxKeyLength = 200
)

var ErrInvalidKey = errors.New("Idempotency-Key must be 1-200 characters")

type State int

const (
	// StateNew means the caller owns the key and must Complete or Release it.
	StateNew State = iota
	StateInFlight
	StateCompleted
)

type Reservation struct {
	State State
	// Ref is the stored result reference when State is StateCompleted.
	Ref string
}

type Store struct {
	client  redis.Cmdable
	ttl     time.Duration
	prefix  string
	breaker *circuitbreaker.CircuitBreaker
}

func New(client redis.Cmdable, ttl time.Duration, breaker *circuitbreaker.CircuitBreaker) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		client:  client,
		ttl:     ttl,
		prefix:  DefaultPrefix,
		breaker: breaker,
	}
}

func (s *Store) key(scope, key string) string {
	return s.prefix + scope + ":" + key
}

func ValidateKey(key string) error {
	if key == "" || len(key) > maxKeyLength {
		return ErrInvalidKey
	}
	return nil
}

func (s *Store) Reserve(ctx context.Context, scope, key string) (Reservation, error) {
	if err := ValidateKey(key); err != nil {
		return Reservation{}, err
	}

	var reservation Reservation
	err := s.run(ctx, func(ctx context.Context) error {
		redisKey := s.key(scope, key)
		ok, err := s.client.SetNX(ctx, redisKey, pendingValue, s.ttl).Result()
		if err != nil {
			return err
		}
		if ok {
			reservation = Reservation{State: StateNew}
			return nil
		}

		value, err := s.client.Get(ctx, redisKey).Result()
		if errors.Is(err, redis.Nil) {
			// Released between SETNX and GET; the caller may retry.
			reservation = Reservation{State: StateInFlight}
			return nil
		}
		if err != nil {
			return err
		}

		if strings.HasPrefix(value, doneMarker) {
			reservation = Reservation{State: StateCompleted, Ref: strings.TrimPrefix(value, doneMarker)}
		} else {
			reservation = Reservation{State: StateInFlight}
		}
		return nil
	})
	if err != nil {
		return Reservation{}, errors.Wrap(err, "failed to reserve idempotency key")
	}
	return reservation, nil
}

// Complete records ref as the result for the key.
func (s *Store) Complete(ctx context.Context, scope, key, ref string) error {
	return errors.Wrap(s.run(ctx, func(ctx context.Context) error {
		return s.client.Set(ctx, s.key(scope, key), doneMarker+ref, s.ttl).Err()
	}), "failed to complete idempotency key")
}

// Release frees a key whose request failed so the client can retry it.
func (s *Store) Release(ctx context.Context, scope, key string) error {
	return errors.Wrap(s.run(ctx, func(ctx context.Context) error {
		return s.client.Del(ctx, s.key(scope, key)).Err()
	}), "failed to release idempotency key")
}

func (s *Store) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.breaker == nil {
		return fn(ctx)
	}
	return s.breaker.Execute(ctx, fn)
}
