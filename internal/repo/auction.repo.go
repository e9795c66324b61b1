package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"market-orchestrator/internal/domain"
)

// BidOutcome reports the result of the atomic accept. PreviousBidderID is
// empty for the first accepted bid.
type BidOutcome struct {
	Accepted         bool
	PreviousBidderID string
}

type AuctionRepo interface {
	Create(ctx context.Context, auction *domain.Auction) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Auction, error)
	// AcceptBid checks and applies a bid in one statement: the auction row
	// is updated only if the bid still beats the current bid, and the bid
	// row is inserted only if that update happened.
	AcceptBid(ctx context.Context, tx *sql.Tx, bid *domain.Bid) (BidOutcome, error)
	ListBids(ctx context.Context, auctionID uuid.UUID) ([]domain.Bid, error)
	// EndExpired flips active auctions past their end time to ended and
	// returns them. Rows locked by another closer are skipped.
	EndExpired(ctx context.Context, tx *sql.Tx, now time.Time, limit int) ([]domain.Auction, error)
}

type auctionRepo struct {
	db *sql.DB
}

func NewAuctionRepo(db *sql.DB) AuctionRepo {
	return &auctionRepo{db: db}
}

const auctionColumns = `id, listing_id, seller_id, starting_bid, current_bid, current_bidder_id, status, end_time, created_at, updated_at`

func (r *auctionRepo) Create(ctx context.Context, a *domain.Auction) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO auctions (id, listing_id, seller_id, starting_bid, status, end_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		a.ID, a.ListingID, a.SellerID, a.StartingBid, a.Status, a.EndTime, a.CreatedAt)
	return err
}

func (r *auctionRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.Auction, error) {
	a, err := scanAuction(r.db.QueryRowContext(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// In READ COMMITTED a concurrent UPDATE of the same row blocks on the row
// lock and then re-evaluates the WHERE clause against the committed winner,
// so the comparison against current_bid always sees the latest value. SET
// expressions read the pre-update row, which is how previous_bidder_id
// captures the outbid user.
const acceptBidSQL = `
WITH upd AS (
	UPDATE auctions
	SET previous_bidder_id = current_bidder_id,
	    current_bidder_id  = $2,
	    current_bid        = $3,
	    updated_at         = $4
	WHERE id = $1
	  AND status = 'active'
	  AND end_time > $4
	  AND seller_id <> $2
	  AND $3 > starting_bid
	  AND (current_bid IS NULL OR $3 > current_bid)
	RETURNING id, previous_bidder_id
), ins AS (
	INSERT INTO bids (id, auction_id, bidder_id, amount, created_at)
	SELECT $5::uuid, id, $2, $3, $4 FROM upd
	RETURNING auction_id
)
SELECT upd.previous_bidder_id FROM upd JOIN ins ON ins.auction_id = upd.id`

func (r *auctionRepo) AcceptBid(ctx context.Context, tx *sql.Tx, bid *domain.Bid) (BidOutcome, error) {
	var prev sql.NullString
	err := execNode(r.db, tx).QueryRowContext(ctx, acceptBidSQL,
		bid.AuctionID, bid.BidderID, bid.Amount, bid.CreatedAt, bid.ID,
	).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return BidOutcome{}, nil
	}
	if err != nil {
		return BidOutcome{}, err
	}
	return BidOutcome{Accepted: true, PreviousBidderID: prev.String}, nil
}

func (r *auctionRepo) ListBids(ctx context.Context, auctionID uuid.UUID) ([]domain.Bid, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, auction_id, bidder_id, amount, created_at
		FROM bids WHERE auction_id = $1
		ORDER BY amount`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bids []domain.Bid
	for rows.Next() {
		var b domain.Bid
		if err := rows.Scan(&b.ID, &b.AuctionID, &b.BidderID, &b.Amount, &b.CreatedAt); err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

func (r *auctionRepo) EndExpired(ctx context.Context, tx *sql.Tx, now time.Time, limit int) ([]domain.Auction, error) {
	rows, err := execNode(r.db, tx).QueryContext(ctx, `
		UPDATE auctions SET status = 'ended', updated_at = $1
		WHERE id IN (
			SELECT id FROM auctions
			WHERE status = 'active' AND end_time <= $1
			ORDER BY end_time
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+auctionColumns, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAuction(s rowScanner) (*domain.Auction, error) {
	var (
		a          domain.Auction
		currentBid sql.NullInt64
		bidder     sql.NullString
	)
	err := s.Scan(&a.ID, &a.ListingID, &a.SellerID, &a.StartingBid, &currentBid, &bidder, &a.Status, &a.EndTime, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.CurrentBid = int64Ptr(currentBid)
	a.CurrentBidderID = bidder.String
	return &a, nil
}
