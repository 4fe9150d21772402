package dashboard

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/foodin/internal/store"
	"github.com/jogardn/foodin/pkg/models"
)

const DefaultLowStockThreshold = 10

type IngredientStats struct {
	Total             int                 `json:"total"`
	LowStockThreshold int                 `json:"lowStockThreshold"`
	LowStock          []models.Ingredient `json:"lowStock"`
}

type Summary struct {
	Orders      *OrderStats      `json:"orders"`
	Ingredients IngredientStats  `json:"ingredients"`
	Cache       map[string]int64 `json:"cache,omitempty"`
}

// CacheStats reports hit and miss counts of the catalogue read cache.
type CacheStats interface {
	Stats() map[string]int64
}

// Catalog is the part of the store the dashboard reads.
type Catalog interface {
	ListIngredients(ctx context.Context, filter store.IngredientFilter) ([]models.Ingredient, error)
	CountIngredients(ctx context.Context) (int, error)
}

// StoreStats computes order figures straight from the store. It serves the
// dashboard when no projection is available.
type StoreStats struct {
	Orders interface {
		ListOrders(ctx context.Context, filter store.OrderFilter) ([]models.Order, error)
	}
}

func (s StoreStats) OrderStats(ctx context.Context) (*OrderStats, error) {
	orders, err := s.Orders.ListOrders(ctx, store.OrderFilter{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list orders")
	}

	stats := &OrderStats{ByStatus: emptyByStatus()}
	for _, order := range orders {
		stats.Total++
		stats.ByStatus[order.Status]++
		if order.Status != models.OrderStatusCancelled {
			stats.Revenue += order.TotalAmount
		}
	}
	stats.Revenue = models.RoundCents(stats.Revenue)
	return stats, nil
}

type Service struct {
	orders    OrderStatsSource
	fallback  OrderStatsSource
	catalog   Catalog
	cache     CacheStats
	threshold int
	logger    *logrus.Logger
}

// NewService reads order figures from orders and, if that fails, from
// fallback. fallback may be nil.
func NewService(orders, fallback OrderStatsSource, catalog Catalog, threshold int, logger *logrus.Logger) *Service {
	if threshold <= 0 {
		threshold = DefaultLowStockThreshold
	}
	return &Service{
		orders:    orders,
		fallback:  fallback,
		catalog:   catalog,
		threshold: threshold,
		logger:    logger,
	}
}

func (s *Service) SetCacheStats(cache CacheStats) {
	s.cache = cache
}

func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	orders, err := s.orders.OrderStats(ctx)
	if err != nil {
		if s.fallback == nil {
			return nil, err
		}
		s.logger.WithError(err).Warn("Dashboard projection unavailable, computing order stats from store")
		if orders, err = s.fallback.OrderStats(ctx); err != nil {
			return nil, err
		}
	}

	total, err := s.catalog.CountIngredients(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count ingredients")
	}

	below := s.threshold
	lowStock, err := s.catalog.ListIngredients(ctx, store.IngredientFilter{StockBelow: &below})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list low stock ingredients")
	}
	if lowStock == nil {
		lowStock = []models.Ingredient{}
	}

	summary := &Summary{
		Orders: orders,
		Ingredients: IngredientStats{
			Total:             total,
			LowStockThreshold: s.threshold,
			LowStock:          lowStock,
		},
	}
	if s.cache != nil {
		summary.Cache = s.cache.Stats()
	}
	return summary, nil
}
