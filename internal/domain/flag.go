package domain

import "time"

// MisclassificationFlag records an automated suggestion rejected as an
// invalid regression. It stays open until a human or a later confirming
// classifier run resolves it.
type MisclassificationFlag struct {
	ID              int64
	BillID          int64
	StatusText      string
	RejectedStage   string
	KeptStage       string
	Confidence      float64
	Reasoning       string
	CreatedAt       time.Time
	ResolvedAt      *time.Time
	ResolvedBy      string
	ResolutionStage string
}

func (f MisclassificationFlag) Open() bool {
	return f.ResolvedAt == nil
}

// Correction pairs a status text with the stage a human settled on. Fed back
// to the LLM classifier as past mistakes to avoid.
type Correction struct {
	StatusText     string
	RejectedStage  string
	CorrectedStage string
	CorrectedBy    string
	CorrectedAt    time.Time
}

// LabeledExample is a status text whose stage was later committed.
type LabeledExample struct {
	StatusText string
	StageID    string
}
