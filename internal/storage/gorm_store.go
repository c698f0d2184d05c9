package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cdodd/optcom/internal/models"
)

// candidateModel is the persisted row for one strategy candidate.
type candidateModel struct {
	ID                         int64   `gorm:"column:id;primaryKey;autoIncrement"`
	TradeID                    string  `gorm:"column:trade_id;uniqueIndex"`
	Ticker                     string  `gorm:"column:ticker;index"`
	StrategyType               string  `gorm:"column:strategy_type"`
	TabName                    string  `gorm:"column:tab_name"`
	StrikeBuy                  float64 `gorm:"column:strike_buy"`
	StrikeSell                 float64 `gorm:"column:strike_sell"`
	OptionsExpiryDate          string  `gorm:"column:options_expiry_date"`
	OptionsExpiryDateAsScraped string  `gorm:"column:options_expiry_date_as_scraped"`
	EstimatedPremium           float64 `gorm:"column:estimated_premium"`
	TriggerPrice               float64 `gorm:"column:trigger_price"`
	StrategyStatus             string  `gorm:"column:strategy_status"`
	ScrapeDate                 string  `gorm:"column:scrape_date;index"`
	TriggeredAtUnix            int64   `gorm:"column:triggered_at"`
	LastPriceWhenChecked       float64 `gorm:"column:last_price_when_checked"`
	LastPriceCheckedAtUnix     int64   `gorm:"column:timestamp_of_price_when_last_checked"`
	PremiumWhenLastChecked     float64 `gorm:"column:premium_when_last_checked"`
	OrderPlacedAtUnix          int64   `gorm:"column:timestamp_of_order"`
	CreatedAtUnix              int64   `gorm:"column:created_at"`
	UpdatedAtUnix              int64   `gorm:"column:updated_at"`
}

func (candidateModel) TableName() string { return "strategy_candidates" }

// legPriceModel stores the most recent observed price per ticker/strike so
// the pricing fallback ladder has a floor to stand on when live data dries
// up mid-session.
type legPriceModel struct {
	ID             int64   `gorm:"column:id;primaryKey;autoIncrement"`
	Ticker         string  `gorm:"column:ticker;uniqueIndex:idx_leg_price_key"`
	Strike         float64 `gorm:"column:strike;uniqueIndex:idx_leg_price_key"`
	Price          float64 `gorm:"column:price"`
	ObservedAtUnix int64   `gorm:"column:observed_at"`
}

func (legPriceModel) TableName() string { return "leg_prices" }

// GormStore implements Interface using Gorm + SQLite.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens (or creates) the SQLite database at path and migrates
// the schema.
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("storage: database path cannot be empty")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening candidate database: %w", err)
	}
	if err := db.AutoMigrate(&candidateModel{}, &legPriceModel{}); err != nil {
		return nil, fmt.Errorf("migrating candidate schema: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: a little read parallelism without lock churn.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating database directory %s: %w", dir, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InsertCandidate stores a new candidate row. The trade id must be unique.
func (s *GormStore) InsertCandidate(ctx context.Context, c *models.StrategyCandidate) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("rejecting candidate %s: %w", c.TradeID, err)
	}
	now := time.Now().Unix()
	row := newCandidateModel(c)
	row.CreatedAtUnix = now
	row.UpdatedAtUnix = now
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("inserting candidate %s: %w", c.TradeID, err)
	}
	c.ID = row.ID
	return nil
}

// FetchCandidatesForDate returns every candidate scraped on the given date.
func (s *GormStore) FetchCandidatesForDate(ctx context.Context, scrapeDate string) ([]models.StrategyCandidate, error) {
	var rows []candidateModel
	err := s.db.WithContext(ctx).
		Where("scrape_date = ?", scrapeDate).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("fetching candidates for %s: %w", scrapeDate, err)
	}
	return toCandidates(rows), nil
}

// FetchCandidatesPendingDecision returns candidates that have triggered but
// carry no terminal decision yet.
func (s *GormStore) FetchCandidatesPendingDecision(ctx context.Context, scrapeDate string) ([]models.StrategyCandidate, error) {
	var rows []candidateModel
	err := s.db.WithContext(ctx).
		Where("scrape_date = ? AND triggered_at > 0 AND (strategy_status IS NULL OR strategy_status = '')", scrapeDate).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("fetching pending candidates for %s: %w", scrapeDate, err)
	}
	return toCandidates(rows), nil
}

// MarkTriggered records the trigger hit at most once. The WHERE clause is
// the guard: a second call finds zero matching rows.
func (s *GormStore) MarkTriggered(ctx context.Context, tradeID string, price float64, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&candidateModel{}).
		Where("trade_id = ? AND (triggered_at IS NULL OR triggered_at = 0)", tradeID).
		Updates(map[string]interface{}{
			"triggered_at":                         at.Unix(),
			"last_price_when_checked":              price,
			"timestamp_of_price_when_last_checked": at.Unix(),
			"updated_at":                           time.Now().Unix(),
		})
	if res.Error != nil {
		return fmt.Errorf("marking candidate %s triggered: %w", tradeID, res.Error)
	}
	if res.RowsAffected == 0 {
		return s.conflictReason(ctx, tradeID)
	}
	return nil
}

// UpdateStatusIfUndecided commits a decision outcome, guarded against a
// terminal status already being present.
func (s *GormStore) UpdateStatusIfUndecided(ctx context.Context, tradeID string, status models.Status, observedPremium float64, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("refusing to write non-terminal status %q for %s", status, tradeID)
	}
	updates := map[string]interface{}{
		"strategy_status":           string(status),
		"premium_when_last_checked": observedPremium,
		"updated_at":                time.Now().Unix(),
	}
	if status == models.StatusOrderPlaced {
		updates["timestamp_of_order"] = at.Unix()
	}
	res := s.db.WithContext(ctx).Model(&candidateModel{}).
		Where("trade_id = ? AND (strategy_status IS NULL OR strategy_status = '')", tradeID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("updating status for %s: %w", tradeID, res.Error)
	}
	if res.RowsAffected == 0 {
		return s.conflictReason(ctx, tradeID)
	}
	return nil
}

// RecordSubmitFailure rewrites an "order placed" claim as the error status.
// The WHERE clause keeps it from touching any other terminal status.
func (s *GormStore) RecordSubmitFailure(ctx context.Context, tradeID string) error {
	res := s.db.WithContext(ctx).Model(&candidateModel{}).
		Where("trade_id = ? AND strategy_status = ?", tradeID, string(models.StatusOrderPlaced)).
		Updates(map[string]interface{}{
			"strategy_status": string(models.StatusError),
			"updated_at":      time.Now().Unix(),
		})
	if res.Error != nil {
		return fmt.Errorf("recording submit failure for %s: %w", tradeID, res.Error)
	}
	if res.RowsAffected == 0 {
		return s.conflictReason(ctx, tradeID)
	}
	return nil
}

// conflictReason distinguishes a missing row from a lost guard.
func (s *GormStore) conflictReason(ctx context.Context, tradeID string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&candidateModel{}).
		Where("trade_id = ?", tradeID).Count(&count).Error; err != nil {
		return fmt.Errorf("checking candidate %s: %w", tradeID, err)
	}
	if count == 0 {
		return fmt.Errorf("candidate %s: %w", tradeID, ErrCandidateNotFound)
	}
	return fmt.Errorf("candidate %s: %w", tradeID, ErrAlreadyDecided)
}

// UpdateExpiry rewrites the expiry after date correction, keeping the
// scraped original in the audit column.
func (s *GormStore) UpdateExpiry(ctx context.Context, tradeID string, corrected, originalAudit string) error {
	res := s.db.WithContext(ctx).Model(&candidateModel{}).
		Where("trade_id = ?", tradeID).
		Updates(map[string]interface{}{
			"options_expiry_date":            corrected,
			"options_expiry_date_as_scraped": originalAudit,
			"updated_at":                     time.Now().Unix(),
		})
	if res.Error != nil {
		return fmt.Errorf("updating expiry for %s: %w", tradeID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("candidate %s: %w", tradeID, ErrCandidateNotFound)
	}
	return nil
}

// RecordPriceCheck stores the underlying price observed during a trigger
// scan, whether or not the candidate fired.
func (s *GormStore) RecordPriceCheck(ctx context.Context, tradeID string, price float64, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&candidateModel{}).
		Where("trade_id = ?", tradeID).
		Updates(map[string]interface{}{
			"last_price_when_checked":              price,
			"timestamp_of_price_when_last_checked": at.Unix(),
			"updated_at":                           time.Now().Unix(),
		})
	if res.Error != nil {
		return fmt.Errorf("recording price check for %s: %w", tradeID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("candidate %s: %w", tradeID, ErrCandidateNotFound)
	}
	return nil
}

// RecordLegPrice upserts the most recent observed price for a ticker/strike.
func (s *GormStore) RecordLegPrice(ctx context.Context, ticker string, strike, price float64, at time.Time) error {
	row := legPriceModel{Ticker: ticker, Strike: strike, Price: price, ObservedAtUnix: at.Unix()}
	res := s.db.WithContext(ctx).Model(&legPriceModel{}).
		Where("ticker = ? AND strike = ?", ticker, strike).
		Updates(map[string]interface{}{"price": price, "observed_at": at.Unix()})
	if res.Error != nil {
		return fmt.Errorf("recording leg price %s/%.2f: %w", ticker, strike, res.Error)
	}
	if res.RowsAffected == 0 {
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return fmt.Errorf("recording leg price %s/%.2f: %w", ticker, strike, err)
		}
	}
	return nil
}

// FetchLastKnownPrice returns the most recent recorded price for the
// ticker/strike pair, or ErrNoKnownPrice.
func (s *GormStore) FetchLastKnownPrice(ctx context.Context, ticker string, strike float64) (float64, error) {
	var row legPriceModel
	err := s.db.WithContext(ctx).
		Where("ticker = ? AND strike = ?", ticker, strike).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("%s/%.2f: %w", ticker, strike, ErrNoKnownPrice)
	}
	if err != nil {
		return 0, fmt.Errorf("fetching last known price %s/%.2f: %w", ticker, strike, err)
	}
	return row.Price, nil
}

func newCandidateModel(c *models.StrategyCandidate) *candidateModel {
	m := &candidateModel{
		ID:                         c.ID,
		TradeID:                    c.TradeID,
		Ticker:                     c.Ticker,
		StrategyType:               string(c.StrategyType),
		TabName:                    c.TabName,
		StrikeBuy:                  c.StrikeBuy,
		StrikeSell:                 c.StrikeSell,
		OptionsExpiryDate:          c.Expiry,
		OptionsExpiryDateAsScraped: c.ExpiryAsScraped,
		EstimatedPremium:           c.EstimatedPremium,
		TriggerPrice:               c.TriggerPrice,
		StrategyStatus:             string(c.Status),
		ScrapeDate:                 c.ScrapeDate,
		LastPriceWhenChecked:       c.LastCheckedPrice,
		PremiumWhenLastChecked:     c.ObservedPremium,
	}
	if !c.TriggeredAt.IsZero() {
		m.TriggeredAtUnix = c.TriggeredAt.Unix()
	}
	if !c.LastCheckedAt.IsZero() {
		m.LastPriceCheckedAtUnix = c.LastCheckedAt.Unix()
	}
	if !c.OrderPlacedAt.IsZero() {
		m.OrderPlacedAtUnix = c.OrderPlacedAt.Unix()
	}
	return m
}

func toCandidates(rows []candidateModel) []models.StrategyCandidate {
	out := make([]models.StrategyCandidate, 0, len(rows))
	for _, r := range rows {
		c := models.StrategyCandidate{
			ID:               r.ID,
			TradeID:          r.TradeID,
			Ticker:           r.Ticker,
			StrategyType:     models.StrategyType(r.StrategyType),
			TabName:          r.TabName,
			StrikeBuy:        r.StrikeBuy,
			StrikeSell:       r.StrikeSell,
			Expiry:           r.OptionsExpiryDate,
			ExpiryAsScraped:  r.OptionsExpiryDateAsScraped,
			EstimatedPremium: r.EstimatedPremium,
			TriggerPrice:     r.TriggerPrice,
			Status:           models.Status(r.StrategyStatus),
			ScrapeDate:       r.ScrapeDate,
			LastCheckedPrice: r.LastPriceWhenChecked,
			ObservedPremium:  r.PremiumWhenLastChecked,
		}
		if r.TriggeredAtUnix > 0 {
			c.TriggeredAt = time.Unix(r.TriggeredAtUnix, 0)
		}
		if r.LastPriceCheckedAtUnix > 0 {
			c.LastCheckedAt = time.Unix(r.LastPriceCheckedAtUnix, 0)
		}
		if r.OrderPlacedAtUnix > 0 {
			c.OrderPlacedAt = time.Unix(r.OrderPlacedAtUnix, 0)
		}
		out = append(out, c)
	}
	return out
}
