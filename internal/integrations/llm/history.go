package llm

import (
	"context"
	"database/sql"
	"time"

	"billtracker/internal/domain"
	"billtracker/internal/storage/sqlite"
)

const maxLabeledExamples = 500

// DBHistory reads corrections and confirmed examples from the ledger.
type DBHistory struct {
	db  *sql.DB
	now func() time.Time
}

func NewDBHistory(db *sql.DB) *DBHistory {
	return &DBHistory{db: db, now: time.Now}
}

func (h *DBHistory) Corrections(ctx context.Context) ([]domain.Correction, error) {
	return sqlite.GetRecentCorrections(h.db, h.now().Add(-correctionWindow), maxCorrectionsInPrompt)
}

func (h *DBHistory) Examples(ctx context.Context) ([]domain.LabeledExample, error) {
	return sqlite.GetLabeledExamples(h.db, h.now().Add(-correctionWindow), maxLabeledExamples)
}
