package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jogardn/foodin/internal/store"
	"github.com/jogardn/foodin/pkg/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

var ingredientRowColumns = []string{
	"id", "name", "description", "price", "category", "image", "stock", "unit", "version", "created_at", "updated_at",
}

func TestReserveStockDecrements(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE ingredients SET stock = stock - $1")).
		WithArgs(2, "ing-1").
		WillReturnRows(sqlmock.NewRows(ingredientRowColumns).
			AddRow("ing-1", "Fresh Tomatoes", "Ripe", 2.99, "vegetables", "/uploads/t.jpg", 98, "kg", 2, now, now))
	mock.ExpectCommit()

	var reserved *models.Ingredient
	err := s.InTx(ctx, func(tx store.Tx) error {
		var err error
		reserved, err = tx.ReserveStock(ctx, "ing-1", 2)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 98, reserved.Stock)
	assert.Equal(t, models.CategoryVegetables, reserved.Category)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveStockInsufficientRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE ingredients SET stock = stock - $1")).
		WithArgs(5, "ing-1").
		WillReturnRows(sqlmock.NewRows(ingredientRowColumns))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT name, stock FROM ingredients WHERE id = $1")).
		WithArgs("ing-1").
		WillReturnRows(sqlmock.NewRows([]string{"name", "stock"}).AddRow("Saffron", 1))
	mock.ExpectRollback()

	err := s.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.ReserveStock(ctx, "ing-1", 5)
		return err
	})

	var insufficient *store.InsufficientStockError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, "Insufficient stock for Saffron", err.Error())
	assert.Equal(t, 1, insufficient.Available)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveStockMissingIngredient(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE ingredients SET stock = stock - $1")).
		WillReturnRows(sqlmock.NewRows(ingredientRowColumns))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT name, stock FROM ingredients")).
		WillReturnRows(sqlmock.NewRows([]string{"name", "stock"}))
	mock.ExpectRollback()

	err := s.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.ReserveStock(ctx, "missing", 1)
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, "Ingredient missing not found", err.Error())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListIngredientsBuildsFilter(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(
		"FROM ingredients WHERE category = $1 AND (name ILIKE $2 OR description ILIKE $2) ORDER BY name, id")).
		WithArgs(models.CategoryDairy, `%50\%%`).
		WillReturnRows(sqlmock.NewRows(ingredientRowColumns).
			AddRow("ing-2", "Milk 50%", "Half", 1.2, "dairy", "/uploads/m.jpg", 12, "l", 1, now, now))

	ingredients, err := s.ListIngredients(context.Background(), store.IngredientFilter{
		Category: models.CategoryDairy,
		Search:   "50%",
	})
	require.NoError(t, err)
	require.Len(t, ingredients, 1)
	assert.Equal(t, "Milk 50%", ingredients[0].Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateIngredientDetectsConflict(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE ingredients")).
		WillReturnRows(sqlmock.NewRows([]string{"version", "created_at", "updated_at"}))
	mock.ExpectQuery(regexp.QuoteMeta("FROM ingredients WHERE id = $1")).
		WithArgs("ing-1").
		WillReturnRows(sqlmock.NewRows(ingredientRowColumns).
			AddRow("ing-1", "Rice", "Long grain", 3.5, "grains", "/uploads/r.jpg", 40, "kg", 7, now, now))

	err := s.UpdateIngredient(context.Background(), &models.Ingredient{ID: "ing-1", Version: 6})
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteIngredientNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM ingredients WHERE id = $1")).
		WithArgs("ing-9").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.DeleteIngredient(context.Background(), "ing-9")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUserMapsUniqueViolation(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO users")).
		WillReturnError(&pq.Error{Code: uniqueViolation})

	err := s.CreateUser(context.Background(), &models.User{ID: "u1", Email: "sara@example.com", Role: models.RoleUser})
	assert.ErrorIs(t, err, store.ErrDuplicateEmail)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrderAttachesItems(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE o.id = $1")).
		WithArgs("ord-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "total_amount", "shipping_address", "payment_method", "payment_status",
			"status", "created_at", "updated_at", "customer_name", "customer_email",
		}).AddRow("ord-1", "u1", 8.97, []byte(`{"name":"Sara","city":"Tehran"}`), "pay_in_place", "pending",
			"pending", now, now, "Sara", "sara@example.com"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM order_items")).
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "ingredient_id", "name", "quantity", "price"}).
			AddRow("ord-1", "ing-1", "Fresh Tomatoes", 3, 2.99))

	order, err := s.GetOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "Tehran", order.ShippingAddress.City)
	require.NotNil(t, order.Customer)
	assert.Equal(t, "sara@example.com", order.Customer.Email)
	require.Len(t, order.Items, 1)
	assert.Equal(t, "Fresh Tomatoes", order.Items[0].Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrderForUpdateLocksOrderAndKeepsCustomer(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE o.id = $1 FOR UPDATE OF o")).
		WithArgs("ord-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "total_amount", "shipping_address", "payment_method", "payment_status",
			"status", "created_at", "updated_at", "customer_name", "customer_email",
		}).AddRow("ord-1", "u1", 8.97, []byte(`{"name":"Sara"}`), "pay_in_place", "pending",
			"pending", now, now, "Sara", "sara@example.com"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM order_items")).
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "ingredient_id", "name", "quantity", "price"}))
	mock.ExpectCommit()

	var locked *models.Order
	err := s.InTx(ctx, func(tx store.Tx) error {
		var err error
		locked, err = tx.GetOrderForUpdate(ctx, "ord-1")
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, locked.Customer)
	assert.Equal(t, "Sara", locked.Customer.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetOrderStatusNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders SET status = $1")).
		WithArgs(models.OrderStatusShipped, "ord-x").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.InTx(ctx, func(tx store.Tx) error {
		return tx.SetOrderStatus(ctx, "ord-x", models.OrderStatusShipped)
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `a\%b\_c\\d`, escapeLike(`a%b_c\d`))
}
