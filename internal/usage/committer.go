// Package usage persists provider-reported token usage after a stream
// completes.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/felipepmaragno/genproxy/internal/domain"
	"github.com/felipepmaragno/genproxy/internal/metrics"
)

// Store is the write side of the usage store.
type Store interface {
	Get(ctx context.Context, accountingKey string) (*domain.UsageRecord, error)
	Insert(ctx context.Context, record *domain.UsageRecord) error
	Update(ctx context.Context, record *domain.UsageRecord) error
}

// AccountingKey builds the record key for a user's conversation on a day.
// When conversationID is empty the provider's response id is used, which
// yields one record per call.
func AccountingKey(userID, day, conversationID, responseID string) string {
	scope := conversationID
	if scope == "" {
		scope = responseID
	}
	if scope == "" {
		return userID + ":" + day
	}
	return strings.Join([]string{userID, day, scope}, ":")
}

type Committer struct {
	store Store
}

func NewCommitter(store Store) *Committer {
	return &Committer{store: store}
}

// Commit records the cumulative total from summary under key. Existing
// records are overwritten with the new total, never added to.
func (c *Committer) Commit(ctx context.Context, key, userID, day string, summary *domain.GenerationSummary) error {
	if summary == nil || summary.UsageMetadata == nil {
		return nil
	}
	if summary.UsageSemantics != domain.UsageCumulative {
		return fmt.Errorf("%w: %q", domain.ErrUnsupportedUsageSemantics, summary.UsageSemantics)
	}

	total := summary.UsageMetadata.TotalTokenCount
	if total < 0 {
		total = 0
	}

	err := c.write(ctx, key, userID, day, total)
	if errors.Is(err, domain.ErrUsageRecordExists) {
		// Lost an insert race with a concurrent request for the same key.
		err = c.write(ctx, key, userID, day, total)
	}
	if err != nil {
		return fmt.Errorf("commit usage %s: %w", key, err)
	}

	metrics.RecordTokensCommitted(total)
	slog.Debug("usage committed",
		"accounting_key", key,
		"user_id", userID,
		"day", day,
		"tokens_used", total,
	)

	return nil
}

func (c *Committer) write(ctx context.Context, key, userID, day string, total int64) error {
	existing, err := c.store.Get(ctx, key)
	if errors.Is(err, domain.ErrUsageRecordNotFound) {
		return c.store.Insert(ctx, &domain.UsageRecord{
			AccountingKey: key,
			UserID:        userID,
			Day:           day,
			TokensUsed:    total,
			RequestCount:  1,
		})
	}
	if err != nil {
		return err
	}

	existing.TokensUsed = total
	existing.RequestCount++
	return c.store.Update(ctx, existing)
}
