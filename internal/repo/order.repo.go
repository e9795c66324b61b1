package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"market-orchestrator/internal/domain"
)

// OrderRepo is the order store. The store enforces one order per
// transaction; Create returns the existing order id when one is already
// linked.
type OrderRepo interface {
	Create(ctx context.Context, tx *sql.Tx, order *domain.Order) (uuid.UUID, error)
	FindById(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	FindByTracking(ctx context.Context, trackingNumber string) (*domain.Order, error)
	// UpdateStatus is a compare-and-swap on the current status. It reports
	// false when the order was not in `from` anymore.
	UpdateStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, from, to domain.OrderStatus, at time.Time) (bool, error)
	AttachTracking(ctx context.Context, tx *sql.Tx, id uuid.UUID, trackingNumber, carrier string) error
	CountByTransactionID(ctx context.Context, transactionID uuid.UUID) (int, error)
}

type orderRepo struct {
	db *sql.DB
}

func NewOrderRepo(db *sql.DB) OrderRepo {
	return &orderRepo{db: db}
}

const orderColumns = `id, transaction_id, status, line_items, shipping_method, shipping_address, tracking_number, carrier, created_at, updated_at`

func (r *orderRepo) Create(ctx context.Context, tx *sql.Tx, order *domain.Order) (uuid.UUID, error) {
	items, err := json.Marshal(order.LineItems)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode line items: %w", err)
	}
	addr := []byte("{}")
	if !order.ShippingAddress.IsZero() {
		if addr, err = json.Marshal(order.ShippingAddress); err != nil {
			return uuid.Nil, fmt.Errorf("encode shipping address: %w", err)
		}
	}

	// On conflict the existing row is returned; an order created without an
	// address (payment confirmed before checkout finished) gets it filled in.
	var id uuid.UUID
	err = execNode(r.db, tx).QueryRowContext(ctx, `
		INSERT INTO orders (id, transaction_id, status, line_items, shipping_method, shipping_address, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (transaction_id) DO UPDATE SET
			shipping_address = CASE WHEN orders.shipping_address = '{}'::jsonb THEN EXCLUDED.shipping_address ELSE orders.shipping_address END,
			shipping_method  = CASE WHEN orders.shipping_method = '' THEN EXCLUDED.shipping_method ELSE orders.shipping_method END
		RETURNING id`,
		order.ID, order.TransactionID, order.Status, items, order.ShippingMethod, addr, order.CreatedAt,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (r *orderRepo) FindById(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

func (r *orderRepo) FindByTracking(ctx context.Context, trackingNumber string) (*domain.Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE tracking_number = $1 AND tracking_number <> ''`, trackingNumber)
	return scanOrder(row)
}

func (r *orderRepo) UpdateStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, from, to domain.OrderStatus, at time.Time) (bool, error) {
	res, err := execNode(r.db, tx).ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4",
		to, at, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *orderRepo) AttachTracking(ctx context.Context, tx *sql.Tx, id uuid.UUID, trackingNumber, carrier string) error {
	_, err := execNode(r.db, tx).ExecContext(ctx,
		"UPDATE orders SET tracking_number = $1, carrier = $2 WHERE id = $3",
		trackingNumber, carrier, id)
	return err
}

func (r *orderRepo) CountByTransactionID(ctx context.Context, transactionID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT count(*) FROM orders WHERE transaction_id = $1", transactionID).Scan(&n)
	return n, err
}

func scanOrder(row *sql.Row) (*domain.Order, error) {
	var (
		order       domain.Order
		items, addr []byte
	)
	err := row.Scan(
		&order.ID,
		&order.TransactionID,
		&order.Status,
		&items,
		&order.ShippingMethod,
		&addr,
		&order.TrackingNumber,
		&order.Carrier,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // not found
	}
	if err != nil {
		return nil, err // system error
	}
	if err := json.Unmarshal(items, &order.LineItems); err != nil {
		return nil, fmt.Errorf("decode line items: %w", err)
	}
	if err := json.Unmarshal(addr, &order.ShippingAddress); err != nil {
		return nil, fmt.Errorf("decode shipping address: %w", err)
	}
	return &order, nil
}
