// Package store defines the persistence contract shared by the Postgres and
// in-memory implementations.
package store

import (
	"context"
	"fmt"

	"github.com/jogardn/foodin/pkg/models"
	"github.com/pkg/errors"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrConflict          = errors.New("concurrent modification")
	ErrDuplicateEmail    = errors.New("email already registered")
)

// NotFoundError names the missing entity. Error always carries the id for
// logs; Message is what clients see.
type NotFoundError struct {
	Entity string
	ID     string
	// Referenced is set when the id came from a request body rather than the
	// path, so the client message has to say which one is missing.
	Referenced bool
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Message() string {
	if e.Referenced {
		return e.Error()
	}
	return e.Entity + " not found"
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

type InsufficientStockError struct {
	IngredientID string
	Name         string
	Requested    int
	Available    int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("Insufficient stock for %s", e.Name)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

type IngredientFilter struct {
	Category   models.Category
	Search     string
	StockBelow *int
}

type OrderFilter struct {
	UserID string
	Status models.OrderStatus
}

type Store interface {
	ListIngredients(ctx context.Context, filter IngredientFilter) ([]models.Ingredient, error)
	GetIngredient(ctx context.Context, id string) (*models.Ingredient, error)
	CreateIngredient(ctx context.Context, ingredient *models.Ingredient) error
	// UpdateIngredient writes the ingredient only if its stored version still
	// equals ingredient.Version, and bumps the version on success.
	UpdateIngredient(ctx context.Context, ingredient *models.Ingredient) error
	DeleteIngredient(ctx context.Context, id string) error
	CountIngredients(ctx context.Context) (int, error)

	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error

	ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error)
	GetOrder(ctx context.Context, id string) (*models.Order, error)

	// InTx runs fn in a single transaction. Returning an error from fn rolls
	// back every write made through tx.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	Ping(ctx context.Context) error
	Close() error
}

type Tx interface {
	// ReserveStock atomically decrements stock when at least qty units are
	// available and returns the ingredient as it is after the decrement.
	ReserveStock(ctx context.Context, ingredientID string, qty int) (*models.Ingredient, error)
	RestoreStock(ctx context.Context, ingredientID string, qty int) error
	CreateOrder(ctx context.Context, order *models.Order) error
	// GetOrderForUpdate loads the order and holds it against concurrent status
	// changes until the transaction ends.
	GetOrderForUpdate(ctx context.Context, id string) (*models.Order, error)
	SetOrderStatus(ctx context.Context, id string, status models.OrderStatus) error
}
