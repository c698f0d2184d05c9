package storage

import (
	"context"
	"time"

	"github.com/cdodd/optcom/internal/models"
)

// Interface defines the contract for strategy candidate persistence.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe and can safely call these methods from multiple
// goroutines. The SQLite implementation relies on the database's own
// transaction guarantees for the guarded status writes.
type Interface interface {
	// Candidate lifecycle
	InsertCandidate(ctx context.Context, c *models.StrategyCandidate) error
	FetchCandidatesForDate(ctx context.Context, scrapeDate string) ([]models.StrategyCandidate, error)
	FetchCandidatesPendingDecision(ctx context.Context, scrapeDate string) ([]models.StrategyCandidate, error)

	// MarkTriggered records the first price-trigger hit for a candidate.
	// It is at-most-once: a candidate that already has a trigger recorded
	// is left untouched and the call reports ErrAlreadyDecided.
	MarkTriggered(ctx context.Context, tradeID string, price float64, at time.Time) error

	// UpdateStatusIfUndecided commits a decision outcome guarded by a
	// check that no terminal decision exists yet. Returns
	// ErrAlreadyDecided when the guard fails, so a re-run of the same
	// cycle cannot double-submit.
	UpdateStatusIfUndecided(ctx context.Context, tradeID string, status models.Status, observedPremium float64, at time.Time) error

	// RecordSubmitFailure downgrades a freshly claimed "order placed" row
	// to the error status after the broker refused the entry. The
	// decision slot stays occupied, so reruns still see the candidate as
	// decided; the error status marks it for manual follow-up.
	RecordSubmitFailure(ctx context.Context, tradeID string) error

	// UpdateExpiry replaces the expiry after date correction, preserving
	// the originally scraped value for audit.
	UpdateExpiry(ctx context.Context, tradeID string, corrected, originalAudit string) error

	// Price history
	RecordPriceCheck(ctx context.Context, tradeID string, price float64, at time.Time) error
	RecordLegPrice(ctx context.Context, ticker string, strike, price float64, at time.Time) error
	FetchLastKnownPrice(ctx context.Context, ticker string, strike float64) (float64, error)

	Close() error
}

// Ensure implementations satisfy Interface
var (
	_ Interface = (*GormStore)(nil)
	_ Interface = (*MockStorage)(nil)
)
