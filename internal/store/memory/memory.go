// Package memory is a process-local Store used for development and tests.
// Transactions serialise on a single lock and commit by swapping in the
// copies they modified.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jogardn/foodin/internal/store"
	"github.com/jogardn/foodin/pkg/models"
)

type Store struct {
	mu          sync.RWMutex
	ingredients map[string]models.Ingredient
	users       map[string]models.User
	orders      map[string]models.Order
	now         func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		ingredients: make(map[string]models.Ingredient),
		users:       make(map[string]models.User),
		orders:      make(map[string]models.Order),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) ListIngredients(ctx context.Context, filter store.IngredientFilter) ([]models.Ingredient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	search := strings.ToLower(filter.Search)
	result := make([]models.Ingredient, 0, len(s.ingredients))
	for _, ingredient := range s.ingredients {
		if filter.Category != "" && ingredient.Category != filter.Category {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(ingredient.Name), search) &&
			!strings.Contains(strings.ToLower(ingredient.Description), search) {
			continue
		}
		if filter.StockBelow != nil && ingredient.Stock >= *filter.StockBelow {
			continue
		}
		result = append(result, ingredient)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Name == result[j].Name {
			return result[i].ID < result[j].ID
		}
		return result[i].Name < result[j].Name
	})
	return result, nil
}

func (s *Store) GetIngredient(ctx context.Context, id string) (*models.Ingredient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ingredient, ok := s.ingredients[id]
	if !ok {
		return nil, &store.NotFoundError{Entity: "Ingredient", ID: id}
	}
	return &ingredient, nil
}

func (s *Store) CreateIngredient(ctx context.Context, ingredient *models.Ingredient) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ingredient.Version = 1
	ingredient.CreatedAt = now
	ingredient.UpdatedAt = now
	s.ingredients[ingredient.ID] = *ingredient
	return nil
}

func (s *Store) UpdateIngredient(ctx context.Context, ingredient *models.Ingredient) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.ingredients[ingredient.ID]
	if !ok {
		return &store.NotFoundError{Entity: "Ingredient", ID: ingredient.ID}
	}
	if current.Version != ingredient.Version {
		return store.ErrConflict
	}

	ingredient.Version++
	ingredient.CreatedAt = current.CreatedAt
	ingredient.UpdatedAt = s.now()
	s.ingredients[ingredient.ID] = *ingredient
	return nil
}

func (s *Store) DeleteIngredient(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ingredients[id]; !ok {
		return &store.NotFoundError{Entity: "Ingredient", ID: id}
	}
	delete(s.ingredients, id)
	return nil
}

func (s *Store) CountIngredients(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ingredients), nil
}

func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return store.ErrDuplicateEmail
		}
	}

	now := s.now()
	user.CreatedAt = now
	user.UpdatedAt = now
	s.users[user.ID] = *user
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, &store.NotFoundError{Entity: "User", ID: id}
	}
	return &user, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.users {
		if strings.EqualFold(user.Email, email) {
			found := user
			return &found, nil
		}
	}
	return nil, &store.NotFoundError{Entity: "User", ID: email}
}

func (s *Store) UpdateUser(ctx context.Context, user *models.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.users[user.ID]
	if !ok {
		return &store.NotFoundError{Entity: "User", ID: user.ID}
	}
	user.CreatedAt = current.CreatedAt
	user.UpdatedAt = s.now()
	s.users[user.ID] = *user
	return nil
}

func (s *Store) ListOrders(ctx context.Context, filter store.OrderFilter) ([]models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.Order, 0)
	for _, order := range s.orders {
		if filter.UserID != "" && order.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		result = append(result, s.withCustomer(copyOrder(order)))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, &store.NotFoundError{Entity: "Order", ID: id}
	}
	found := s.withCustomer(copyOrder(order))
	return &found, nil
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		ingredients: make(map[string]models.Ingredient, len(s.ingredients)),
		orders:      make(map[string]models.Order, len(s.orders)),
		users:       s.users,
		now:         s.now,
	}
	for id, ingredient := range s.ingredients {
		tx.ingredients[id] = ingredient
	}
	for id, order := range s.orders {
		tx.orders[id] = order
	}

	if err := fn(tx); err != nil {
		return err
	}

	s.ingredients = tx.ingredients
	s.orders = tx.orders
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) withCustomer(order models.Order) models.Order {
	return withCustomer(s.users, order)
}

func withCustomer(users map[string]models.User, order models.Order) models.Order {
	if user, ok := users[order.UserID]; ok {
		order.Customer = &models.CustomerSummary{Name: user.Name, Email: user.Email}
	}
	return order
}

func copyOrder(order models.Order) models.Order {
	order.Items = append([]models.OrderItem(nil), order.Items...)
	return order
}

type memTx struct {
	ingredients map[string]models.Ingredient
	orders      map[string]models.Order
	users       map[string]models.User
	now         func() time.Time
}

func (tx *memTx) ReserveStock(ctx context.Context, ingredientID string, qty int) (*models.Ingredient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ingredient, ok := tx.ingredients[ingredientID]
	if !ok {
		return nil, &store.NotFoundError{Entity: "Ingredient", ID: ingredientID, Referenced: true}
	}
	if ingredient.Stock < qty {
		return nil, &store.InsufficientStockError{
			IngredientID: ingredientID,
			Name:         ingredient.Name,
			Requested:    qty,
			Available:    ingredient.Stock,
		}
	}

	ingredient.Stock -= qty
	ingredient.Version++
	ingredient.UpdatedAt = tx.now()
	tx.ingredients[ingredientID] = ingredient
	return &ingredient, nil
}

func (tx *memTx) RestoreStock(ctx context.Context, ingredientID string, qty int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ingredient, ok := tx.ingredients[ingredientID]
	if !ok {
		return &store.NotFoundError{Entity: "Ingredient", ID: ingredientID}
	}

	ingredient.Stock += qty
	ingredient.Version++
	ingredient.UpdatedAt = tx.now()
	tx.ingredients[ingredientID] = ingredient
	return nil
}

func (tx *memTx) CreateOrder(ctx context.Context, order *models.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := tx.now()
	order.CreatedAt = now
	order.UpdatedAt = now
	tx.orders[order.ID] = copyOrder(*order)
	return nil
}

func (tx *memTx) GetOrderForUpdate(ctx context.Context, id string) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	order, ok := tx.orders[id]
	if !ok {
		return nil, &store.NotFoundError{Entity: "Order", ID: id}
	}
	found := withCustomer(tx.users, copyOrder(order))
	return &found, nil
}

func (tx *memTx) SetOrderStatus(ctx context.Context, id string, status models.OrderStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	order, ok := tx.orders[id]
	if !ok {
		return &store.NotFoundError{Entity: "Order", ID: id}
	}
	order.Status = status
	order.UpdatedAt = tx.now()
	tx.orders[id] = order
	return nil
}
