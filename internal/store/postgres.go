package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/escrowpay/escrowd/internal/domain"
)

// PostgresStore persists intents and mirrors appended events for
// durability across restarts.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresStore{db: pool}, nil
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

// EnsureSchema creates the backing tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS intents (
			id         TEXT PRIMARY KEY,
			merchant   JSONB NOT NULL,
			payer      JSONB,
			escrow     JSONB NOT NULL,
			asset      TEXT NOT NULL,
			amount     TEXT NOT NULL,
			status     TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			metadata   JSONB,
			seq        BIGSERIAL
		);
		CREATE INDEX IF NOT EXISTS intents_status_idx ON intents (status);
		CREATE TABLE IF NOT EXISTS events (
			log_offset BIGINT PRIMARY KEY,
			ts         BIGINT NOT NULL,
			kind       TEXT NOT NULL,
			intent_id  TEXT NOT NULL,
			amount     TEXT,
			prefix     BYTEA NOT NULL
		);
	`)
	return err
}

func (s *PostgresStore) Save(ctx context.Context, intent domain.PaymentIntent) error {
	merchant, err := json.Marshal(intent.Merchant)
	if err != nil {
		return err
	}
	escrow, err := json.Marshal(intent.Escrow)
	if err != nil {
		return err
	}
	var payer []byte
	if intent.Payer != nil {
		if payer, err = json.Marshal(intent.Payer); err != nil {
			return err
		}
	}
	var metadata []byte
	if intent.Metadata != nil {
		if metadata, err = json.Marshal(intent.Metadata); err != nil {
			return err
		}
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO intents (id, merchant, payer, escrow, asset, amount, status, created_at, expires_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET payer = EXCLUDED.payer, status = EXCLUDED.status`,
		intent.ID, merchant, payer, escrow, intent.Asset, intent.Amount.String(),
		string(intent.Status), int64(intent.CreatedAt), int64(intent.ExpiresAt), metadata,
	)
	if err != nil {
		return fmt.Errorf("intent upsert failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (domain.PaymentIntent, bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, merchant, payer, escrow, asset, amount, status, created_at, expires_at, metadata
		FROM intents WHERE id = $1`, id)
	intent, err := scanIntent(row)
	if err == pgx.ErrNoRows {
		return domain.PaymentIntent{}, false, nil
	}
	if err != nil {
		return domain.PaymentIntent{}, false, err
	}
	return intent, true, nil
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status domain.IntentStatus) ([]domain.PaymentIntent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, merchant, payer, escrow, asset, amount, status, created_at, expires_at, metadata
		FROM intents WHERE status = $1 ORDER BY seq`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PaymentIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, intent)
	}
	return out, rows.Err()
}

// SaveEvent mirrors one appended log record.
func (s *PostgresStore) SaveEvent(ctx context.Context, offset uint64, e domain.Event, prefix []byte) error {
	var amount *string
	if e.Amount != nil {
		v := e.Amount.String()
		amount = &v
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO events (log_offset, ts, kind, intent_id, amount, prefix)
		VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (log_offset) DO NOTHING`,
		int64(offset), int64(e.TS), string(e.Kind), e.IntentID, amount, prefix,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row rowScanner) (domain.PaymentIntent, error) {
	var (
		intent                            domain.PaymentIntent
		merchant, payer, escrow, metadata []byte
		amount, status                    string
		createdAt, expiresAt              int64
	)
	err := row.Scan(&intent.ID, &merchant, &payer, &escrow, &intent.Asset,
		&amount, &status, &createdAt, &expiresAt, &metadata)
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	if err := json.Unmarshal(merchant, &intent.Merchant); err != nil {
		return domain.PaymentIntent{}, err
	}
	if err := json.Unmarshal(escrow, &intent.Escrow); err != nil {
		return domain.PaymentIntent{}, err
	}
	if payer != nil {
		intent.Payer = &domain.Account{}
		if err := json.Unmarshal(payer, intent.Payer); err != nil {
			return domain.PaymentIntent{}, err
		}
	}
	if metadata != nil {
		if err := json.Unmarshal(metadata, &intent.Metadata); err != nil {
			return domain.PaymentIntent{}, err
		}
	}
	if intent.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("bad stored amount %q: %w", amount, err)
	}
	intent.Status = domain.IntentStatus(status)
	intent.CreatedAt = uint64(createdAt)
	intent.ExpiresAt = uint64(expiresAt)
	return intent, nil
}

var _ IntentStore = (*PostgresStore)(nil)
