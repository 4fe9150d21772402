package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jogardn/foodin/internal/circuitbreaker"
	"github.com/jogardn/foodin/internal/events"
	"github.com/jogardn/foodin/internal/store"
	"github.com/jogardn/foodin/internal/store/memory"
	"github.com/jogardn/foodin/pkg/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newProjection(t *testing.T) (*Projection, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewProjection(client, nil, testLogger()), mr
}

func event(id string, eventType events.EventType, status, previous models.OrderStatus, total float64) events.OrderEvent {
	return events.OrderEvent{
		EventID:        id,
		Type:           eventType,
		OrderID:        "order-" + id,
		Status:         status,
		PreviousStatus: previous,
		TotalAmount:    total,
	}
}

func TestProjectionFoldsEvents(t *testing.T) {
	projection, _ := newProjection(t)
	ctx := context.Background()

	steps := []events.OrderEvent{
		event("1", events.OrderCreated, models.OrderStatusPending, "", 10.50),
		event("2", events.OrderCreated, models.OrderStatusPending, "", 4.25),
		event("3", events.OrderStatusChanged, models.OrderStatusShipped, models.OrderStatusPending, 10.50),
		event("4", events.OrderCancelled, models.OrderStatusCancelled, models.OrderStatusPending, 4.25),
	}
	for _, step := range steps {
		require.NoError(t, projection.HandleOrderEvent(ctx, step))
	}

	stats, err := projection.OrderStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, 10.50, stats.Revenue)
	assert.Equal(t, int64(0), stats.ByStatus[models.OrderStatusPending])
	assert.Equal(t, int64(1), stats.ByStatus[models.OrderStatusShipped])
	assert.Equal(t, int64(1), stats.ByStatus[models.OrderStatusCancelled])
	assert.Equal(t, int64(0), stats.ByStatus[models.OrderStatusDelivered])
}

func TestProjectionIgnoresRedelivery(t *testing.T) {
	projection, _ := newProjection(t)
	ctx := context.Background()

	created := event("1", events.OrderCreated, models.OrderStatusPending, "", 3)
	require.NoError(t, projection.HandleOrderEvent(ctx, created))
	require.NoError(t, projection.HandleOrderEvent(ctx, created))

	stats, err := projection.OrderStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, 3.0, stats.Revenue)
}

// lostConnection drops the next transaction and every DEL, as if the
// process died between commands.
type lostConnection struct {
	dropTx bool
}

func (h *lostConnection) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *lostConnection) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() == "del" {
			return errors.New("connection lost")
		}
		return next(ctx, cmd)
	}
}

func (h *lostConnection) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		if h.dropTx {
			h.dropTx = false
			return errors.New("connection lost")
		}
		return next(ctx, cmds)
	}
}

func TestProjectionFailedApplyLeavesEventUnseen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	hook := &lostConnection{dropTx: true}
	client.AddHook(hook)

	projection := NewProjection(client, nil, testLogger())
	ctx := context.Background()
	created := event("1", events.OrderCreated, models.OrderStatusPending, "", 6)

	require.Error(t, projection.HandleOrderEvent(ctx, created))
	assert.False(t, mr.Exists(DefaultPrefix+"seen:1"))

	require.NoError(t, projection.HandleOrderEvent(ctx, created))
	require.NoError(t, projection.HandleOrderEvent(ctx, created))

	stats, err := projection.OrderStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, 6.0, stats.Revenue)
	assert.True(t, mr.Exists(DefaultPrefix+"seen:1"))
}

func TestProjectionUncancelRestoresRevenue(t *testing.T) {
	projection, _ := newProjection(t)
	ctx := context.Background()

	require.NoError(t, projection.HandleOrderEvent(ctx, event("1", events.OrderCreated, models.OrderStatusPending, "", 8)))
	require.NoError(t, projection.HandleOrderEvent(ctx, event("2", events.OrderStatusChanged, models.OrderStatusCancelled, models.OrderStatusProcessing, 8)))
	require.NoError(t, projection.HandleOrderEvent(ctx, event("3", events.OrderStatusChanged, models.OrderStatusPending, models.OrderStatusCancelled, 8)))

	stats, err := projection.OrderStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8.0, stats.Revenue)
}

func TestProjectionRejectsUnknownEvents(t *testing.T) {
	projection, _ := newProjection(t)

	err := projection.HandleOrderEvent(context.Background(), event("1", "order.exploded", models.OrderStatusPending, "", 1))
	assert.ErrorIs(t, err, events.ErrNonRetryable)

	err = projection.HandleOrderEvent(context.Background(), event("", events.OrderCreated, models.OrderStatusPending, "", 1))
	assert.ErrorIs(t, err, events.ErrNonRetryable)
}

func TestProjectionBreakerOpensWhenRedisIsDown(t *testing.T) {
	projection, mr := newProjection(t)
	projection.breaker = circuitbreaker.New(circuitbreaker.Config{
		Name:        circuitbreaker.RedisMetrics,
		MaxFailures: 1,
		Timeout:     time.Minute,
		MaxRequests: 1,
	}, testLogger())
	mr.Close()

	ctx := context.Background()
	assert.Error(t, projection.HandleOrderEvent(ctx, event("1", events.OrderCreated, models.OrderStatusPending, "", 1)))
	_, err := projection.OrderStats(ctx)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
}

func seedStore(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New()
	ctx := context.Background()

	for i, stock := range []int{2, 50, 9} {
		require.NoError(t, s.CreateIngredient(ctx, &models.Ingredient{
			ID:       string(rune('a' + i)),
			Name:     "Ingredient " + string(rune('A'+i)),
			Category: models.CategoryOther,
			Stock:    stock,
			Unit:     models.UnitPiece,
		}))
	}

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateOrder(ctx, &models.Order{ID: "o1", UserID: "u1", Status: models.OrderStatusDelivered, TotalAmount: 12.5}); err != nil {
			return err
		}
		return tx.CreateOrder(ctx, &models.Order{ID: "o2", UserID: "u1", Status: models.OrderStatusCancelled, TotalAmount: 99})
	}))
	return s
}

type failingSource struct{}

func (failingSource) OrderStats(ctx context.Context) (*OrderStats, error) {
	return nil, circuitbreaker.ErrOpen
}

func TestSummaryFallsBackToStore(t *testing.T) {
	s := seedStore(t)
	service := NewService(failingSource{}, StoreStats{Orders: s}, s, 10, testLogger())

	summary, err := service.Summary(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), summary.Orders.Total)
	assert.Equal(t, 12.5, summary.Orders.Revenue)
	assert.Equal(t, int64(1), summary.Orders.ByStatus[models.OrderStatusCancelled])
	assert.Equal(t, 3, summary.Ingredients.Total)
	require.Len(t, summary.Ingredients.LowStock, 2)
	for _, ingredient := range summary.Ingredients.LowStock {
		assert.Less(t, ingredient.Stock, 10)
	}
}

type fixedCacheStats map[string]int64

func (f fixedCacheStats) Stats() map[string]int64 { return f }

func TestSummaryIncludesCacheStats(t *testing.T) {
	s := seedStore(t)
	service := NewService(StoreStats{Orders: s}, nil, s, 10, testLogger())

	summary, err := service.Summary(context.Background())
	require.NoError(t, err)
	assert.Nil(t, summary.Cache)

	service.SetCacheStats(fixedCacheStats{"hits": 4, "misses": 1})
	summary, err = service.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"hits": 4, "misses": 1}, summary.Cache)
}

func TestSummaryWithoutFallbackFails(t *testing.T) {
	s := seedStore(t)
	service := NewService(failingSource{}, nil, s, 0, testLogger())

	_, err := service.Summary(context.Background())
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, DefaultLowStockThreshold, service.threshold)
}

func TestHandler(t *testing.T) {
	s := seedStore(t)
	breakers := circuitbreaker.NewManager(testLogger())
	breakers.GetOrCreate(circuitbreaker.RedisMetrics, circuitbreaker.Config{MaxFailures: 1, Timeout: time.Minute, MaxRequests: 1})
	handler := NewHandler(NewService(StoreStats{Orders: s}, nil, s, 10, testLogger()), breakers, testLogger())

	router := mux.NewRouter()
	handler.RegisterRoutes(router.PathPrefix("/api/admin").Subrouter())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/dashboard", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Success bool    `json:"success"`
		Data    Summary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, 3, body.Data.Ingredients.Total)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/breakers", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), circuitbreaker.RedisMetrics)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/admin/breakers/"+circuitbreaker.RedisMetrics+"/reset", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/admin/breakers/unknown/reset", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
