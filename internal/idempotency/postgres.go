package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore keeps keys in the idempotency_keys table. Expired rows are
// overwritten in place by the next claim and removed by PurgeExpired.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (s *PostgresStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, *Record, error) {
	now := s.now()
	var got string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO idempotency_keys (key, state, expires_at)
		VALUES ($1, 'in_progress', $2)
		ON CONFLICT (key) DO UPDATE
		SET state = 'in_progress', status_code = 0, body = NULL, counter = 0, expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at <= $3
		RETURNING key`, key, now.Add(ttl), now).Scan(&got)
	if err == nil {
		return true, nil, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, nil, err
	}
	existing, err := s.Lookup(ctx, key)
	if err != nil {
		return false, nil, err
	}
	if existing == nil {
		return s.Claim(ctx, key, ttl)
	}
	return false, existing, nil
}

func (s *PostgresStore) Complete(ctx context.Context, key string, statusCode int, body []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, state, status_code, body, expires_at)
		VALUES ($1, 'completed', $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET state = 'completed', status_code = EXCLUDED.status_code, body = EXCLUDED.body, expires_at = EXCLUDED.expires_at`,
		key, statusCode, body, s.now().Add(ttl))
	return err
}

func (s *PostgresStore) Lookup(ctx context.Context, key string) (*Record, error) {
	var rec Record
	err := s.db.QueryRowContext(ctx, `
		SELECT key, state, status_code, body, expires_at
		FROM idempotency_keys
		WHERE key = $1 AND expires_at > $2`, key, s.now()).Scan(
		&rec.Key, &rec.State, &rec.StatusCode, &rec.Body, &rec.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) Release(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM idempotency_keys WHERE key = $1", key)
	return err
}

func (s *PostgresStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	now := s.now()
	var n int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO idempotency_keys (key, state, counter, expires_at)
		VALUES ($1, 'counter', 1, $2)
		ON CONFLICT (key) DO UPDATE SET
			counter = CASE WHEN idempotency_keys.expires_at <= $3 THEN 1 ELSE idempotency_keys.counter + 1 END,
			expires_at = CASE WHEN idempotency_keys.expires_at <= $3 THEN EXCLUDED.expires_at ELSE idempotency_keys.expires_at END
		RETURNING counter`, key, now.Add(ttl), now).Scan(&n)
	return n, err
}

// PurgeExpired deletes rows past their expiry and reports how many went.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM idempotency_keys WHERE expires_at <= $1", s.now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
