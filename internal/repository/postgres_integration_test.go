//go:build integration

package repository_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/felipepmaragno/genproxy/internal/domain"
	"github.com/felipepmaragno/genproxy/internal/repository"
	_ "github.com/lib/pq"
)

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}

	return db
}

func TestPostgresUsageRepository_Lifecycle(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	repo := repository.NewPostgresUsageRepository(db)
	ctx := context.Background()

	if err := repo.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	userID := "pg-test-user-" + time.Now().Format("20060102150405.000000")
	day := domain.Day(time.Now())
	key := userID + ":" + day + ":conv-1"
	defer db.Exec(`DELETE FROM usage_records WHERE user_id = $1`, userID)

	before, err := repo.SumTokens(ctx, day)
	if err != nil {
		t.Fatalf("SumTokens failed: %v", err)
	}

	record := &domain.UsageRecord{
		AccountingKey: key,
		UserID:        userID,
		Day:           day,
		TokensUsed:    500,
		RequestCount:  1,
	}
	if err := repo.Insert(ctx, record); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if err := repo.Insert(ctx, record); !errors.Is(err, domain.ErrUsageRecordExists) {
		t.Errorf("expected ErrUsageRecordExists on duplicate insert, got %v", err)
	}

	record.TokensUsed = 800
	record.RequestCount = 2
	if err := repo.Update(ctx, record); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := repo.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.TokensUsed != 800 {
		t.Errorf("expected tokens 800, got %d", got.TokensUsed)
	}
	if got.Day != day {
		t.Errorf("expected day %s, got %s", day, got.Day)
	}

	userTotal, err := repo.SumUserTokens(ctx, userID, day)
	if err != nil {
		t.Fatalf("SumUserTokens failed: %v", err)
	}
	if userTotal != 800 {
		t.Errorf("expected user total 800, got %d", userTotal)
	}

	after, err := repo.SumTokens(ctx, day)
	if err != nil {
		t.Fatalf("SumTokens failed: %v", err)
	}
	if after-before != 800 {
		t.Errorf("expected global total to grow by 800, grew by %d", after-before)
	}

	if _, err := repo.Get(ctx, "missing-"+key); !errors.Is(err, domain.ErrUsageRecordNotFound) {
		t.Errorf("expected ErrUsageRecordNotFound, got %v", err)
	}
}
