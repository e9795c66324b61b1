package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"market-orchestrator/internal/domain"
)

type ListingRepo interface {
	Create(ctx context.Context, listing *domain.Listing) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Listing, error)
	// MarkSold flips an active or reserved listing to sold.
	MarkSold(ctx context.Context, tx *sql.Tx, id uuid.UUID, at time.Time) error
	// Relist returns a sold or reserved listing to active.
	Relist(ctx context.Context, tx *sql.Tx, id uuid.UUID, at time.Time) error
}

type listingRepo struct {
	db *sql.DB
}

func NewListingRepo(db *sql.DB) ListingRepo {
	return &listingRepo{db: db}
}

func (r *listingRepo) Create(ctx context.Context, l *domain.Listing) error {
	var auctionID uuid.NullUUID
	if l.AuctionID != nil {
		auctionID = uuid.NullUUID{UUID: *l.AuctionID, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO listings (id, seller_id, title, kind, price, currency, status, auction_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		l.ID, l.SellerID, l.Title, l.Kind, l.Price, l.Currency, l.Status, auctionID, l.CreatedAt)
	return err
}

func (r *listingRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.Listing, error) {
	var (
		l         domain.Listing
		auctionID uuid.NullUUID
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, seller_id, title, kind, price, currency, status, auction_id, created_at, updated_at
		FROM listings WHERE id = $1`, id).Scan(
		&l.ID, &l.SellerID, &l.Title, &l.Kind, &l.Price, &l.Currency, &l.Status, &auctionID, &l.CreatedAt, &l.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if auctionID.Valid {
		id := auctionID.UUID
		l.AuctionID = &id
	}
	return &l, nil
}

func (r *listingRepo) MarkSold(ctx context.Context, tx *sql.Tx, id uuid.UUID, at time.Time) error {
	_, err := execNode(r.db, tx).ExecContext(ctx,
		"UPDATE listings SET status = 'sold', updated_at = $2 WHERE id = $1 AND status <> 'sold'", id, at)
	return err
}

func (r *listingRepo) Relist(ctx context.Context, tx *sql.Tx, id uuid.UUID, at time.Time) error {
	_, err := execNode(r.db, tx).ExecContext(ctx,
		"UPDATE listings SET status = 'active', updated_at = $2 WHERE id = $1 AND status <> 'active'", id, at)
	return err
}
