// Package postgres implements store.Store on PostgreSQL through sqlx.
package postgres

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/jogardn/foodin/internal/store"
	"github.com/jogardn/foodin/pkg/models"
)

const uniqueViolation = "23505"

const ingredientColumns = `id, name, description, price, category, image, stock, unit, version, created_at, updated_at`

type Store struct {
	db *sqlx.DB
}

var _ store.Store = (*Store)(nil)

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

func (s *Store) ListIngredients(ctx context.Context, filter store.IngredientFilter) ([]models.Ingredient, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.Category != "" {
		args = append(args, filter.Category)
		conditions = append(conditions, "category = $"+strconv.Itoa(len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+escapeLike(filter.Search)+"%")
		n := strconv.Itoa(len(args))
		conditions = append(conditions, "(name ILIKE $"+n+" OR description ILIKE $"+n+")")
	}
	if filter.StockBelow != nil {
		args = append(args, *filter.StockBelow)
		conditions = append(conditions, "stock < $"+strconv.Itoa(len(args)))
	}

	query := `SELECT ` + ingredientColumns + ` FROM ingredients`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY name, id`

	ingredients := []models.Ingredient{}
	if err := s.db.SelectContext(ctx, &ingredients, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to list ingredients")
	}
	return ingredients, nil
}

func (s *Store) GetIngredient(ctx context.Context, id string) (*models.Ingredient, error) {
	var ingredient models.Ingredient
	err := s.db.GetContext(ctx, &ingredient, `SELECT `+ingredientColumns+` FROM ingredients WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &store.NotFoundError{Entity: "Ingredient", ID: id}
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get ingredient")
	}
	return &ingredient, nil
}

func (s *Store) CreateIngredient(ctx context.Context, ingredient *models.Ingredient) error {
	ingredient.Version = 1
	query := `
		INSERT INTO ingredients (id, name, description, price, category, image, stock, unit, version)
		VALUES (:id, :name, :description, :price, :category, :image, :stock, :unit, :version)
		RETURNING created_at, updated_at
	`
	rows, err := sqlx.NamedQueryContext(ctx, s.db, query, ingredient)
	if err != nil {
		return errors.Wrap(err, "failed to create ingredient")
	}
	defer rows.Close()

	if rows.Next() {
		if err := rows.Scan(&ingredient.CreatedAt, &ingredient.UpdatedAt); err != nil {
			return errors.Wrap(err, "failed to read created ingredient")
		}
	}
	return rows.Err()
}

func (s *Store) UpdateIngredient(ctx context.Context, ingredient *models.Ingredient) error {
	query := `
		UPDATE ingredients
		SET name = $1, description = $2, price = $3, category = $4, image = $5,
		    stock = $6, unit = $7, version = version + 1, updated_at = now()
		WHERE id = $8 AND version = $9
		RETURNING version, created_at, updated_at
	`
	err := s.db.QueryRowxContext(ctx, query,
		ingredient.Name, ingredient.Description, ingredient.Price, ingredient.Category,
		ingredient.Image, ingredient.Stock, ingredient.Unit, ingredient.ID, ingredient.Version,
	).Scan(&ingredient.Version, &ingredient.CreatedAt, &ingredient.UpdatedAt)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(err, "failed to update ingredient")
	}

	// No row matched: either the ingredient is gone or its version moved on.
	if _, err := s.GetIngredient(ctx, ingredient.ID); err != nil {
		return err
	}
	return store.ErrConflict
}

func (s *Store) DeleteIngredient(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM ingredients WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete ingredient")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to delete ingredient")
	}
	if affected == 0 {
		return &store.NotFoundError{Entity: "Ingredient", ID: id}
	}
	return nil
}

func (s *Store) CountIngredients(ctx context.Context) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM ingredients`); err != nil {
		return 0, errors.Wrap(err, "failed to count ingredients")
	}
	return count, nil
}

const userColumns = `id, name, email, password_hash, role, address, created_at, updated_at`

func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, name, email, password_hash, role, address)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`
	err := s.db.QueryRowxContext(ctx, query,
		user.ID, user.Name, user.Email, user.PasswordHash, user.Role, user.Address,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if isUniqueViolation(err) {
		return store.ErrDuplicateEmail
	}
	if err != nil {
		return errors.Wrap(err, "failed to create user")
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := s.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &store.NotFoundError{Entity: "User", ID: id}
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get user")
	}
	return &user, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := s.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &store.NotFoundError{Entity: "User", ID: email}
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get user by email")
	}
	return &user, nil
}

func (s *Store) UpdateUser(ctx context.Context, user *models.User) error {
	query := `
		UPDATE users
		SET name = $1, email = $2, password_hash = $3, role = $4, address = $5, updated_at = now()
		WHERE id = $6
		RETURNING created_at, updated_at
	`
	err := s.db.QueryRowxContext(ctx, query,
		user.Name, user.Email, user.PasswordHash, user.Role, user.Address, user.ID,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &store.NotFoundError{Entity: "User", ID: user.ID}
	}
	if isUniqueViolation(err) {
		return store.ErrDuplicateEmail
	}
	if err != nil {
		return errors.Wrap(err, "failed to update user")
	}
	return nil
}

// orderRow is the flat shape of an orders row joined with its customer.
type orderRow struct {
	ID              string                 `db:"id"`
	UserID          string                 `db:"user_id"`
	TotalAmount     float64                `db:"total_amount"`
	ShippingAddress models.ShippingAddress `db:"shipping_address"`
	PaymentMethod   models.PaymentMethod   `db:"payment_method"`
	PaymentStatus   models.PaymentStatus   `db:"payment_status"`
	Status          models.OrderStatus     `db:"status"`
	CreatedAt       sql.NullTime           `db:"created_at"`
	UpdatedAt       sql.NullTime           `db:"updated_at"`
	CustomerName    sql.NullString         `db:"customer_name"`
	CustomerEmail   sql.NullString         `db:"customer_email"`
}

func (r orderRow) toModel() models.Order {
	order := models.Order{
		ID:              r.ID,
		UserID:          r.UserID,
		Items:           []models.OrderItem{},
		TotalAmount:     r.TotalAmount,
		ShippingAddress: r.ShippingAddress,
		PaymentMethod:   r.PaymentMethod,
		PaymentStatus:   r.PaymentStatus,
		Status:          r.Status,
		CreatedAt:       r.CreatedAt.Time,
		UpdatedAt:       r.UpdatedAt.Time,
	}
	if r.CustomerName.Valid {
		order.Customer = &models.CustomerSummary{Name: r.CustomerName.String, Email: r.CustomerEmail.String}
	}
	return order
}

type itemRow struct {
	OrderID      string  `db:"order_id"`
	IngredientID string  `db:"ingredient_id"`
	Name         string  `db:"name"`
	Quantity     int     `db:"quantity"`
	Price        float64 `db:"price"`
}

const orderSelect = `
	SELECT o.id, o.user_id, o.total_amount, o.shipping_address, o.payment_method, o.payment_status,
	       o.status, o.created_at, o.updated_at, u.name AS customer_name, u.email AS customer_email
	FROM orders o
	LEFT JOIN users u ON u.id = o.user_id
`

func (s *Store) ListOrders(ctx context.Context, filter store.OrderFilter) ([]models.Order, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		conditions = append(conditions, "o.user_id = $"+strconv.Itoa(len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, "o.status = $"+strconv.Itoa(len(args)))
	}

	query := orderSelect
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY o.created_at DESC, o.id DESC`

	var rows []orderRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to list orders")
	}

	orders := make([]models.Order, 0, len(rows))
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		orders = append(orders, row.toModel())
		ids = append(ids, row.ID)
	}
	if err := attachItems(ctx, s.db, orders, ids); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return getOrder(ctx, s.db, orderSelect+` WHERE o.id = $1`, id)
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer sqlTx.Rollback()

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		return err
	}
	return errors.Wrap(sqlTx.Commit(), "failed to commit transaction")
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) ReserveStock(ctx context.Context, ingredientID string, qty int) (*models.Ingredient, error) {
	var ingredient models.Ingredient
	query := `
		UPDATE ingredients
		SET stock = stock - $1, version = version + 1, updated_at = now()
		WHERE id = $2 AND stock >= $1
		RETURNING ` + ingredientColumns
	err := t.tx.GetContext(ctx, &ingredient, query, qty, ingredientID)
	if err == nil {
		return &ingredient, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(err, "failed to reserve stock")
	}

	var current struct {
		Name  string `db:"name"`
		Stock int    `db:"stock"`
	}
	err = t.tx.GetContext(ctx, &current, `SELECT name, stock FROM ingredients WHERE id = $1`, ingredientID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &store.NotFoundError{Entity: "Ingredient", ID: ingredientID, Referenced: true}
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read ingredient stock")
	}
	return nil, &store.InsufficientStockError{
		IngredientID: ingredientID,
		Name:         current.Name,
		Requested:    qty,
		Available:    current.Stock,
	}
}

func (t *pgTx) RestoreStock(ctx context.Context, ingredientID string, qty int) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE ingredients
		SET stock = stock + $1, version = version + 1, updated_at = now()
		WHERE id = $2
	`, qty, ingredientID)
	if err != nil {
		return errors.Wrap(err, "failed to restore stock")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to restore stock")
	}
	if affected == 0 {
		return &store.NotFoundError{Entity: "Ingredient", ID: ingredientID}
	}
	return nil
}

func (t *pgTx) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (id, user_id, total_amount, shipping_address, payment_method, payment_status, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err := t.tx.QueryRowxContext(ctx, query,
		order.ID, order.UserID, order.TotalAmount, order.ShippingAddress,
		order.PaymentMethod, order.PaymentStatus, order.Status,
	).Scan(&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to insert order")
	}

	for _, item := range order.Items {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, ingredient_id, name, quantity, price)
			VALUES ($1, $2, $3, $4, $5)
		`, order.ID, item.IngredientID, item.Name, item.Quantity, item.Price)
		if err != nil {
			return errors.Wrap(err, "failed to insert order item")
		}
	}
	return nil
}

// GetOrderForUpdate locks the order row only; the customer join is read as is.
func (t *pgTx) GetOrderForUpdate(ctx context.Context, id string) (*models.Order, error) {
	return getOrder(ctx, t.tx, orderSelect+` WHERE o.id = $1 FOR UPDATE OF o`, id)
}

func (t *pgTx) SetOrderStatus(ctx context.Context, id string, status models.OrderStatus) error {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE orders SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return errors.Wrap(err, "failed to update order status")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to update order status")
	}
	if affected == 0 {
		return &store.NotFoundError{Entity: "Order", ID: id}
	}
	return nil
}

func getOrder(ctx context.Context, q queryer, query, id string) (*models.Order, error) {
	var row orderRow
	err := q.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &store.NotFoundError{Entity: "Order", ID: id}
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get order")
	}

	orders := []models.Order{row.toModel()}
	if err := attachItems(ctx, q, orders, []string{id}); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

func attachItems(ctx context.Context, q queryer, orders []models.Order, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	var items []itemRow
	err := q.SelectContext(ctx, &items, `
		SELECT order_id, ingredient_id, name, quantity, price
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY id
	`, pq.Array(ids))
	if err != nil {
		return errors.Wrap(err, "failed to load order items")
	}

	index := make(map[string]int, len(orders))
	for i := range orders {
		index[orders[i].ID] = i
	}
	for _, item := range items {
		if i, ok := index[item.OrderID]; ok {
			orders[i].Items = append(orders[i].Items, models.OrderItem{
				IngredientID: item.IngredientID,
				Name:         item.Name,
				Quantity:     item.Quantity,
				Price:        item.Price,
			})
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
