package domain

import "time"

type Bill struct {
	ID           int64
	Number       string // chamber prefix + number, e.g. "HB1234"
	Title        string
	CurrentStage string
	UpdatedAt    time.Time
	CreatedAt    time.Time
	ArchivedAt   *time.Time
}

// StatusObservation is one append-only stage_history row: raw status text
// seen for a bill, plus what the classifier made of it once processed.
type StatusObservation struct {
	ID              int64
	BillID          int64
	StatusText      string
	Source          string // "scraper", "slack", "api", ...
	ObservedAt      time.Time
	ClassifiedStage string
	Confidence      float64
	Processed       bool
	CreatedAt       time.Time
}
