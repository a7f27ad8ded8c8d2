package repository

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/genproxy/internal/domain"
)

// UsageRepository persists per-user, per-day usage records keyed by
// accounting key.
type UsageRepository interface {
	Get(ctx context.Context, accountingKey string) (*domain.UsageRecord, error)
	Insert(ctx context.Context, record *domain.UsageRecord) error
	Update(ctx context.Context, record *domain.UsageRecord) error
	SumTokens(ctx context.Context, day string) (int64, error)
	SumUserTokens(ctx context.Context, userID, day string) (int64, error)
}

type InMemoryUsageRepository struct {
	mu      sync.RWMutex
	records map[string]domain.UsageRecord
}

func NewInMemoryUsageRepository() *InMemoryUsageRepository {
	return &InMemoryUsageRepository{
		records: make(map[string]domain.UsageRecord),
	}
}

func (r *InMemoryUsageRepository) Get(ctx context.Context, accountingKey string) (*domain.UsageRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[accountingKey]
	if !ok {
		return nil, domain.ErrUsageRecordNotFound
	}

	return &record, nil
}

func (r *InMemoryUsageRepository) Insert(ctx context.Context, record *domain.UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[record.AccountingKey]; ok {
		return domain.ErrUsageRecordExists
	}

	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = now
	}
	r.records[record.AccountingKey] = *record

	return nil
}

func (r *InMemoryUsageRepository) Update(ctx context.Context, record *domain.UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.records[record.AccountingKey]
	if !ok {
		return domain.ErrUsageRecordNotFound
	}

	record.CreatedAt = existing.CreatedAt
	record.UpdatedAt = time.Now()
	r.records[record.AccountingKey] = *record

	return nil
}

func (r *InMemoryUsageRepository) SumTokens(ctx context.Context, day string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total int64
	for _, rec := range r.records {
		if rec.Day == day {
			total += rec.TokensUsed
		}
	}
	return total, nil
}

func (r *InMemoryUsageRepository) SumUserTokens(ctx context.Context, userID, day string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total int64
	for _, rec := range r.records {
		if rec.UserID == userID && rec.Day == day {
			total += rec.TokensUsed
		}
	}
	return total, nil
}

// Records returns a snapshot of every stored record.
func (r *InMemoryUsageRepository) Records() []domain.UsageRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.UsageRecord, 0, len(r.records))
	for _, rec := range r.records {
		result = append(result, rec)
	}
	return result
}
