package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// TradeIDComponents carries the fields that define a candidate's identity.
// The same inputs always yield the same trade ID, which is what makes the ID
// usable as an idempotency key; any nil-equivalent field is folded to the
// empty string so partially scraped rows still get stable IDs.
type TradeIDComponents struct {
	ScrapeDate   string
	StrategyType string
	TabName      string
	Ticker       string
	TriggerPrice string
	StrikePrice  string
}

// GenerateTradeID produces the deterministic identifier for a candidate:
// the hex SHA-256 of the pipe-joined defining fields.
func GenerateTradeID(c TradeIDComponents) string {
	combined := strings.Join([]string{
		c.ScrapeDate,
		c.StrategyType,
		c.TabName,
		c.Ticker,
		c.TriggerPrice,
		c.StrikePrice,
	}, "|")
	sum := sha256.Sum256([]byte(combined))
	return hex.EncodeToString(sum[:])
}

// ShortTradeID returns the first 8 hex characters for log lines.
func ShortTradeID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
