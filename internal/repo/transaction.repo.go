package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"market-orchestrator/internal/domain"
)

// ErrPendingCheckout is returned by Create when the buyer already has a
// live pending transaction on the listing.
var ErrPendingCheckout = errors.New("repo: pending checkout already exists")

const pendingCheckoutConstraint = "transactions_pending_checkout_uq"

// TransactionRepo persists the financial record of a purchase. Every
// mutation touches only the fields it owns so concurrent actors never
// clobber each other.
type TransactionRepo interface {
	// Create fails with ErrPendingCheckout when a live pending transaction
	// exists for the same listing and buyer.
	Create(ctx context.Context, tx *sql.Tx, txn *domain.Transaction) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	// FindPendingForBuyer returns the live pending transaction of a buyer on
	// a listing, used to make checkout retries idempotent. Retired rows are
	// skipped.
	FindPendingForBuyer(ctx context.Context, listingID uuid.UUID, buyerID string) (*domain.Transaction, error)
	// AttachAuthorization sets the authorization only when none is stored.
	// It reports whether this call set it.
	AttachAuthorization(ctx context.Context, id uuid.UUID, authorizationID string) (bool, error)
	// AttachOrder sets order_id only when it is still empty. It reports
	// whether this call set it.
	AttachOrder(ctx context.Context, tx *sql.Tx, id, orderID uuid.UUID) (bool, error)
	MarkCompleted(ctx context.Context, tx *sql.Tx, id uuid.UUID, at time.Time) error
	AttachTransfer(ctx context.Context, tx *sql.Tx, id uuid.UUID, transferID string) error
	// MarkRefunded moves a pending transaction to refunded. It reports false
	// when the transaction was not pending anymore.
	MarkRefunded(ctx context.Context, tx *sql.Tx, id uuid.UUID, refundID string, amount int64, at time.Time) (bool, error)
	MarkAbandoned(ctx context.Context, id uuid.UUID) (bool, error)
	// Retire takes a pending transaction out of checkout reuse without
	// changing its status.
	Retire(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	FindStuck(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Transaction, error)
	FindUnpaidPayouts(ctx context.Context, limit int) ([]domain.Transaction, error)
}

type transactionRepo struct {
	db *sql.DB
}

func NewTransactionRepo(db *sql.DB) TransactionRepo {
	return &transactionRepo{db: db}
}

const transactionColumns = `
	id, buyer_id, seller_id, listing_id, listing_kind, currency,
	item_amount, shipping_amount, platform_fee_amount, seller_fee_amount, seller_payout_amount, total_amount,
	payment_authorization_id, payment_transfer_id, refund_id, refund_amount, order_id,
	status, created_at, completed_at, refunded_at, retired_at`

func (r *transactionRepo) Create(ctx context.Context, tx *sql.Tx, t *domain.Transaction) error {
	query := `
		INSERT INTO transactions (
			id, buyer_id, seller_id, listing_id, listing_kind, currency,
			item_amount, shipping_amount, platform_fee_amount, seller_fee_amount, seller_payout_amount, total_amount,
			status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := execNode(r.db, tx).ExecContext(ctx, query,
		t.ID, t.BuyerID, t.SellerID, t.ListingID, t.ListingKind, t.Currency,
		t.ItemAmount, t.ShippingAmount, nullInt64(t.PlatformFeeAmount), nullInt64(t.SellerFeeAmount), nullInt64(t.SellerPayoutAmount), t.TotalAmount,
		t.Status, t.CreatedAt,
	)
	if isUniqueViolation(err, pendingCheckoutConstraint) {
		return ErrPendingCheckout
	}
	return err
}

func (r *transactionRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	return scanTransactionRow(row)
}

func (r *transactionRepo) FindPendingForBuyer(ctx context.Context, listingID uuid.UUID, buyerID string) (*domain.Transaction, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE listing_id = $1 AND buyer_id = $2 AND status = 'pending' AND retired_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1`, listingID, buyerID)
	return scanTransactionRow(row)
}

func (r *transactionRepo) AttachAuthorization(ctx context.Context, id uuid.UUID, authorizationID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE transactions SET payment_authorization_id = $2
		WHERE id = $1 AND payment_authorization_id IS NULL`, id, authorizationID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *transactionRepo) AttachOrder(ctx context.Context, tx *sql.Tx, id, orderID uuid.UUID) (bool, error) {
	res, err := execNode(r.db, tx).ExecContext(ctx, `
		UPDATE transactions SET order_id = $2
		WHERE id = $1 AND order_id IS NULL`, id, orderID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *transactionRepo) MarkCompleted(ctx context.Context, tx *sql.Tx, id uuid.UUID, at time.Time) error {
	_, err := execNode(r.db, tx).ExecContext(ctx, `
		UPDATE transactions SET completed_at = $2
		WHERE id = $1 AND completed_at IS NULL`, id, at)
	return err
}

func (r *transactionRepo) AttachTransfer(ctx context.Context, tx *sql.Tx, id uuid.UUID, transferID string) error {
	_, err := execNode(r.db, tx).ExecContext(ctx, `
		UPDATE transactions SET payment_transfer_id = $2
		WHERE id = $1 AND payment_transfer_id IS NULL`, id, transferID)
	return err
}

func (r *transactionRepo) MarkRefunded(ctx context.Context, tx *sql.Tx, id uuid.UUID, refundID string, amount int64, at time.Time) (bool, error) {
	res, err := execNode(r.db, tx).ExecContext(ctx, `
		UPDATE transactions
		SET status = 'refunded', refund_id = $2, refund_amount = $3, refunded_at = $4
		WHERE id = $1 AND status = 'pending'`, id, refundID, amount, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *transactionRepo) MarkAbandoned(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE transactions SET status = 'abandoned'
		WHERE id = $1 AND status = 'pending' AND order_id IS NULL`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *transactionRepo) Retire(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE transactions SET retired_at = $2
		WHERE id = $1 AND status = 'pending' AND retired_at IS NULL`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *transactionRepo) FindStuck(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE status = 'pending' AND order_id IS NULL AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

func (r *transactionRepo) FindUnpaidPayouts(ctx context.Context, limit int) ([]domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE status = 'pending'
		  AND completed_at IS NOT NULL
		  AND payment_transfer_id IS NULL
		  AND seller_payout_amount IS NOT NULL
		ORDER BY completed_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s rowScanner) (*domain.Transaction, error) {
	var (
		t                                    domain.Transaction
		platformFee, sellerFee, sellerPayout sql.NullInt64
		authID, transferID, refundID         sql.NullString
		orderID                              uuid.NullUUID
		completedAt, refundedAt, retiredAt   sql.NullTime
	)
	err := s.Scan(
		&t.ID, &t.BuyerID, &t.SellerID, &t.ListingID, &t.ListingKind, &t.Currency,
		&t.ItemAmount, &t.ShippingAmount, &platformFee, &sellerFee, &sellerPayout, &t.TotalAmount,
		&authID, &transferID, &refundID, &t.RefundAmount, &orderID,
		&t.Status, &t.CreatedAt, &completedAt, &refundedAt, &retiredAt,
	)
	if err != nil {
		return nil, err
	}
	t.PlatformFeeAmount = int64Ptr(platformFee)
	t.SellerFeeAmount = int64Ptr(sellerFee)
	t.SellerPayoutAmount = int64Ptr(sellerPayout)
	t.PaymentAuthorizationID = authID.String
	t.PaymentTransferID = transferID.String
	t.RefundID = refundID.String
	if orderID.Valid {
		id := orderID.UUID
		t.OrderID = &id
	}
	t.CompletedAt = timePtr(completedAt)
	t.RefundedAt = timePtr(refundedAt)
	t.RetiredAt = timePtr(retiredAt)
	return &t, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

func scanTransactionRow(row *sql.Row) (*domain.Transaction, error) {
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // not found
	}
	return t, err
}

func scanTransactions(rows *sql.Rows) ([]domain.Transaction, error) {
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
