package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// HistoricalRate is one row of the per-date reference-rate table.
type HistoricalRate struct {
	Date      time.Time
	Value     decimal.Decimal
	Source    string
	UpdatedAt time.Time
}

// RecomputeRun audits one snapshot recomputation attempt.
type RecomputeRun struct {
	ID         int64
	Date       time.Time
	Status     string
	Error      *string
	DurationMS int64
	CreatedAt  time.Time
}

const (
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)
