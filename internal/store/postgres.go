package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/payment-reconciler/pkg/models"
	"github.com/lib/pq"
)

const (
	uniqueViolation = "23505"

	constraintPaymentReference = "payments_reference_key"
	constraintOnePending       = "idx_payments_one_pending_per_order"
)

type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func CreateTables(ctx context.Context, db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(255) PRIMARY KEY,
			email VARCHAR(255) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id VARCHAR(255) PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			delivery_address VARCHAR(255) NOT NULL,
			delivery_city VARCHAR(255) NOT NULL,
			payment_method VARCHAR(32) NOT NULL,
			total_price DECIMAL(12,2) NOT NULL CHECK (total_price >= 0),
			is_paid BOOLEAN NOT NULL DEFAULT FALSE,
			is_locked BOOLEAN NOT NULL DEFAULT FALSE,
			locked_at TIMESTAMP,
			order_status VARCHAR(32) NOT NULL DEFAULT 'Pending',
			payment_status VARCHAR(32) NOT NULL DEFAULT 'Pending',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			id SERIAL PRIMARY KEY,
			order_id VARCHAR(255) NOT NULL REFERENCES orders(id),
			product_id VARCHAR(255) NOT NULL,
			quantity INTEGER NOT NULL CHECK (quantity > 0),
			unit_price DECIMAL(12,2) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS payments (
			id VARCHAR(255) PRIMARY KEY,
			order_id VARCHAR(255) NOT NULL REFERENCES orders(id),
			user_id VARCHAR(255) NOT NULL,
			payment_method VARCHAR(32) NOT NULL,
			amount DECIMAL(12,2) NOT NULL,
			reference VARCHAR(255) NOT NULL,
			payment_status VARCHAR(32) NOT NULL DEFAULT 'Pending',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			CONSTRAINT ` + constraintPaymentReference + ` UNIQUE (reference)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ` + constraintOnePending + `
			ON payments(order_id) WHERE payment_status = 'Pending'`,
		`CREATE INDEX IF NOT EXISTS idx_orders_locked ON orders(locked_at) WHERE is_locked`,
		`CREATE INDEX IF NOT EXISTS idx_order_items_order_id ON order_items(order_id)`,
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

const orderColumns = `id, user_id, delivery_address, delivery_city, payment_method, total_price,
	is_paid, is_locked, locked_at, order_status, payment_status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	order := &models.Order{}
	var lockedAt sql.NullTime
	err := row.Scan(
		&order.ID, &order.UserID, &order.DeliveryAddress.Address, &order.DeliveryAddress.City,
		&order.PaymentMethod, &order.TotalPrice, &order.IsPaid, &order.IsLocked, &lockedAt,
		&order.OrderStatus, &order.PaymentStatus, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lockedAt.Valid {
		t := lockedAt.Time
		order.LockedAt = &t
	}
	return order, nil
}

func (s *PostgresStore) CreateOrder(ctx context.Context, order *models.Order) error {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, delivery_address, delivery_city, payment_method, total_price,
			is_paid, is_locked, order_status, payment_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, $9, $10, $11)
	`, order.ID, order.UserID, order.DeliveryAddress.Address, order.DeliveryAddress.City,
		order.PaymentMethod, order.TotalPrice, order.IsPaid, order.OrderStatus, order.PaymentStatus,
		order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for _, item := range order.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4)
		`, order.ID, item.ProductID, item.Quantity, item.UnitPrice)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, quantity, unit_price
		FROM order_items WHERE order_id = $1 ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, err
		}
		order.Items = append(order.Items, item)
	}
	return order, rows.Err()
}

// SaveOrder updates the administrative fields. Lock and paid columns are
// excluded so a stale read can never undo CompareAndSetLock or MarkPaid.
func (s *PostgresStore) SaveOrder(ctx context.Context, order *models.Order) error {
	order.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET delivery_address = $2, delivery_city = $3, order_status = $4, updated_at = $5
		WHERE id = $1
	`, order.ID, order.DeliveryAddress.Address, order.DeliveryAddress.City,
		order.OrderStatus, order.UpdatedAt)
	if err != nil {
		return err
	}
	return expectOneRow(res, ErrOrderNotFound)
}

func (s *PostgresStore) MarkPaid(ctx context.Context, id string) (*models.Order, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET is_paid = TRUE, payment_status = $2, updated_at = $3
		WHERE id = $1
	`, id, models.PaymentStatusCompleted, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := expectOneRow(res, ErrOrderNotFound); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, id)
}

func (s *PostgresStore) ListLockedBefore(ctx context.Context, cutoff time.Time) ([]*models.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE is_locked AND locked_at < $1
		ORDER BY locked_at
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// CompareAndSetLock is a single conditional UPDATE; Postgres row locking
// serializes concurrent callers on the same order.
func (s *PostgresStore) CompareAndSetLock(ctx context.Context, orderID string, expected, desired bool) (bool, error) {
	now := time.Now().UTC()
	var lockedAt interface{}
	if desired {
		lockedAt = now
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET is_locked = $3, locked_at = $4, updated_at = $5
		WHERE id = $1 AND is_locked = $2
	`, orderID, expected, desired, lockedAt, now)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 1 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, orderID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrOrderNotFound
	}
	return false, nil
}

const paymentColumns = `id, order_id, user_id, payment_method, amount, reference, payment_status, created_at, updated_at`

func scanPayment(row rowScanner) (*models.Payment, error) {
	p := &models.Payment{}
	err := row.Scan(&p.ID, &p.OrderID, &p.UserID, &p.PaymentMethod, &p.Amount,
		&p.Reference, &p.PaymentStatus, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) CreatePayment(ctx context.Context, payment *models.Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.New().String()
	}
	if payment.PaymentStatus == "" {
		payment.PaymentStatus = models.PaymentStatusPending
	}
	now := time.Now().UTC()
	payment.CreatedAt = now
	payment.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, payment.ID, payment.OrderID, payment.UserID, payment.PaymentMethod, payment.Amount,
		payment.Reference, payment.PaymentStatus, payment.CreatedAt, payment.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			if pqErr.Constraint == constraintOnePending {
				return ErrPendingPaymentExists
			}
			return ErrDuplicateReference
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByReference(ctx context.Context, reference string) (*models.Payment, error) {
	return scanPayment(s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE reference = $1`, reference))
}

func (s *PostgresStore) FindPendingByOrder(ctx context.Context, orderID string) (*models.Payment, error) {
	return scanPayment(s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 AND payment_status = $2 LIMIT 1`,
		orderID, models.PaymentStatusPending))
}

func (s *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]*models.Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, paymentID string) (*models.Payment, error) {
	return s.transition(ctx, paymentID, models.PaymentStatusCompleted)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, paymentID string) (*models.Payment, error) {
	return s.transition(ctx, paymentID, models.PaymentStatusFailed)
}

func (s *PostgresStore) transition(ctx context.Context, paymentID string, to models.PaymentStatus) (*models.Payment, error) {
	p, err := scanPayment(s.db.QueryRowContext(ctx, `
		UPDATE payments SET payment_status = $2, updated_at = $3
		WHERE id = $1 AND payment_status = $4
		RETURNING `+paymentColumns,
		paymentID, to, time.Now().UTC(), models.PaymentStatusPending))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrPaymentNotFound) {
		return nil, err
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM payments WHERE id = $1)`, paymentID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrInvalidStateTransition
	}
	return nil, ErrPaymentNotFound
}

func (s *PostgresStore) CreateUser(ctx context.Context, id, email string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email
	`, id, email)
	return err
}

func (s *PostgresStore) GetUserEmail(ctx context.Context, userID string) (string, error) {
	var email string
	err := s.db.QueryRowContext(ctx, `SELECT email FROM users WHERE id = $1`, userID).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUserNotFound
	}
	return email, err
}

func expectOneRow(res sql.Result, notFound error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return notFound
	}
	return nil
}
