package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/felipepmaragno/genproxy/internal/domain"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const usageSchema = `
	CREATE TABLE IF NOT EXISTS usage_records (
		accounting_key TEXT PRIMARY KEY,
		user_id        TEXT NOT NULL,
		day            DATE NOT NULL,
		tokens_used    BIGINT NOT NULL DEFAULT 0 CHECK (tokens_used >= 0),
		request_count  BIGINT NOT NULL DEFAULT 0,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_usage_records_day ON usage_records (day);
	CREATE INDEX IF NOT EXISTS idx_usage_records_user_day ON usage_records (user_id, day);
`

type PostgresUsageRepository struct {
	db *sql.DB
}

func NewPostgresUsageRepository(db *sql.DB) *PostgresUsageRepository {
	return &PostgresUsageRepository{db: db}
}

// Migrate creates the usage_records table and its indexes if missing.
func (r *PostgresUsageRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, usageSchema); err != nil {
		return fmt.Errorf("migrate usage records: %w", err)
	}
	return nil
}

func (r *PostgresUsageRepository) Get(ctx context.Context, accountingKey string) (*domain.UsageRecord, error) {
	query := `
		SELECT accounting_key, user_id, to_char(day, 'YYYY-MM-DD'), tokens_used, request_count, created_at, updated_at
		FROM usage_records
		WHERE accounting_key = $1
	`

	var record domain.UsageRecord
	err := r.db.QueryRowContext(ctx, query, accountingKey).Scan(
		&record.AccountingKey,
		&record.UserID,
		&record.Day,
		&record.TokensUsed,
		&record.RequestCount,
		&record.CreatedAt,
		&record.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, domain.ErrUsageRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query usage record: %w", err)
	}

	return &record, nil
}

func (r *PostgresUsageRepository) Insert(ctx context.Context, record *domain.UsageRecord) error {
	query := `
		INSERT INTO usage_records (accounting_key, user_id, day, tokens_used, request_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	now := time.Now()
	_, err := r.db.ExecContext(ctx, query,
		record.AccountingKey,
		record.UserID,
		record.Day,
		record.TokensUsed,
		record.RequestCount,
		now,
		now,
	)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return domain.ErrUsageRecordExists
		}
		return fmt.Errorf("insert usage record: %w", err)
	}

	record.CreatedAt = now
	record.UpdatedAt = now
	return nil
}

func (r *PostgresUsageRepository) Update(ctx context.Context, record *domain.UsageRecord) error {
	query := `
		UPDATE usage_records
		SET tokens_used = $2, request_count = $3, updated_at = $4
		WHERE accounting_key = $1
	`

	now := time.Now()
	result, err := r.db.ExecContext(ctx, query,
		record.AccountingKey,
		record.TokensUsed,
		record.RequestCount,
		now,
	)
	if err != nil {
		return fmt.Errorf("update usage record: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrUsageRecordNotFound
	}

	record.UpdatedAt = now
	return nil
}

func (r *PostgresUsageRepository) SumTokens(ctx context.Context, day string) (int64, error) {
	query := `
		SELECT COALESCE(SUM(tokens_used), 0)
		FROM usage_records
		WHERE day = $1
	`

	var total int64
	if err := r.db.QueryRowContext(ctx, query, day).Scan(&total); err != nil {
		return 0, fmt.Errorf("query total tokens: %w", err)
	}

	return total, nil
}

func (r *PostgresUsageRepository) SumUserTokens(ctx context.Context, userID, day string) (int64, error) {
	query := `
		SELECT COALESCE(SUM(tokens_used), 0)
		FROM usage_records
		WHERE user_id = $1 AND day = $2
	`

	var total int64
	if err := r.db.QueryRowContext(ctx, query, userID, day).Scan(&total); err != nil {
		return 0, fmt.Errorf("query user tokens: %w", err)
	}

	return total, nil
}
