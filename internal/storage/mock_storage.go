package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cdodd/optcom/internal/models"
)

// MockStorage implements Interface for testing
type MockStorage struct {
	mu         sync.Mutex
	candidates map[string]*models.StrategyCandidate
	legPrices  map[string]float64

	insertError error
	updateError error

	updateStatusCalls int
	markTriggerCalls  int
}

// NewMockStorage creates a new mock storage for testing
func NewMockStorage() *MockStorage {
	return &MockStorage{
		candidates: make(map[string]*models.StrategyCandidate),
		legPrices:  make(map[string]float64),
	}
}

// SetInsertError makes subsequent inserts fail with err.
func (m *MockStorage) SetInsertError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertError = err
}

// SetUpdateError makes subsequent status/trigger writes fail with err.
func (m *MockStorage) SetUpdateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateError = err
}

// UpdateStatusCallCount reports how many guarded status writes were attempted.
func (m *MockStorage) UpdateStatusCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateStatusCalls
}

// Candidate returns a copy of the stored candidate, or nil.
func (m *MockStorage) Candidate(tradeID string) *models.StrategyCandidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.candidates[tradeID]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

func (m *MockStorage) InsertCandidate(_ context.Context, c *models.StrategyCandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertError != nil {
		return m.insertError
	}
	if _, exists := m.candidates[c.TradeID]; exists {
		return fmt.Errorf("duplicate trade id %s", c.TradeID)
	}
	cp := *c
	cp.ID = int64(len(m.candidates) + 1)
	m.candidates[c.TradeID] = &cp
	c.ID = cp.ID
	return nil
}

func (m *MockStorage) FetchCandidatesForDate(_ context.Context, scrapeDate string) ([]models.StrategyCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.StrategyCandidate
	for _, c := range m.candidates {
		if c.ScrapeDate == scrapeDate {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *MockStorage) FetchCandidatesPendingDecision(_ context.Context, scrapeDate string) ([]models.StrategyCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.StrategyCandidate
	for _, c := range m.candidates {
		if c.ScrapeDate == scrapeDate && c.Triggered() && !c.Decided() {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *MockStorage) MarkTriggered(_ context.Context, tradeID string, price float64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markTriggerCalls++
	if m.updateError != nil {
		return m.updateError
	}
	c, ok := m.candidates[tradeID]
	if !ok {
		return fmt.Errorf("candidate %s: %w", tradeID, ErrCandidateNotFound)
	}
	if c.Triggered() {
		return fmt.Errorf("candidate %s: %w", tradeID, ErrAlreadyDecided)
	}
	c.TriggeredAt = at
	c.LastCheckedPrice = price
	c.LastCheckedAt = at
	return nil
}

func (m *MockStorage) UpdateStatusIfUndecided(_ context.Context, tradeID string, status models.Status, observedPremium float64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateStatusCalls++
	if m.updateError != nil {
		return m.updateError
	}
	c, ok := m.candidates[tradeID]
	if !ok {
		return fmt.Errorf("candidate %s: %w", tradeID, ErrCandidateNotFound)
	}
	if c.Decided() {
		return fmt.Errorf("candidate %s: %w", tradeID, ErrAlreadyDecided)
	}
	c.Status = status
	c.ObservedPremium = observedPremium
	if status == models.StatusOrderPlaced {
		c.OrderPlacedAt = at
	}
	return nil
}

func (m *MockStorage) RecordSubmitFailure(_ context.Context, tradeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateError != nil {
		return m.updateError
	}
	c, ok := m.candidates[tradeID]
	if !ok {
		return fmt.Errorf("candidate %s: %w", tradeID, ErrCandidateNotFound)
	}
	if c.Status != models.StatusOrderPlaced {
		return fmt.Errorf("candidate %s: %w", tradeID, ErrAlreadyDecided)
	}
	c.Status = models.StatusError
	return nil
}

func (m *MockStorage) UpdateExpiry(_ context.Context, tradeID string, corrected, originalAudit string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.candidates[tradeID]
	if !ok {
		return fmt.Errorf("candidate %s: %w", tradeID, ErrCandidateNotFound)
	}
	c.Expiry = corrected
	c.ExpiryAsScraped = originalAudit
	return nil
}

func (m *MockStorage) RecordPriceCheck(_ context.Context, tradeID string, price float64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.candidates[tradeID]
	if !ok {
		return fmt.Errorf("candidate %s: %w", tradeID, ErrCandidateNotFound)
	}
	c.LastCheckedPrice = price
	c.LastCheckedAt = at
	return nil
}

func (m *MockStorage) RecordLegPrice(_ context.Context, ticker string, strike, price float64, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.legPrices[legPriceKey(ticker, strike)] = price
	return nil
}

func (m *MockStorage) FetchLastKnownPrice(_ context.Context, ticker string, strike float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.legPrices[legPriceKey(ticker, strike)]
	if !ok {
		return 0, fmt.Errorf("%s/%.2f: %w", ticker, strike, ErrNoKnownPrice)
	}
	return price, nil
}

func (m *MockStorage) Close() error { return nil }

func legPriceKey(ticker string, strike float64) string {
	return fmt.Sprintf("%s|%.2f", ticker, strike)
}
