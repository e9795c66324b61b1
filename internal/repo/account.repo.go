package repo

import (
	"context"
	"database/sql"
	"errors"

	"market-orchestrator/internal/domain"
)

// AccountRepo reads sellers' payout destinations. Onboarding owns writes;
// Upsert exists for seeding.
type AccountRepo interface {
	FindBySeller(ctx context.Context, sellerID string) (*domain.StripeAccount, error)
	Upsert(ctx context.Context, account *domain.StripeAccount) error
}

type accountRepo struct {
	db *sql.DB
}

func NewAccountRepo(db *sql.DB) AccountRepo {
	return &accountRepo{db: db}
}

func (r *accountRepo) FindBySeller(ctx context.Context, sellerID string) (*domain.StripeAccount, error) {
	var a domain.StripeAccount
	err := r.db.QueryRowContext(ctx,
		"SELECT seller_id, account_id, status FROM stripe_accounts WHERE seller_id = $1", sellerID,
	).Scan(&a.SellerID, &a.AccountID, &a.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *accountRepo) Upsert(ctx context.Context, a *domain.StripeAccount) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO stripe_accounts (seller_id, account_id, status) VALUES ($1, $2, $3)
		ON CONFLICT (seller_id) DO UPDATE SET account_id = EXCLUDED.account_id, status = EXCLUDED.status`,
		a.SellerID, a.AccountID, a.Status)
	return err
}
