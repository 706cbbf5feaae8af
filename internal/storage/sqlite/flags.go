package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"billtracker/internal/domain"
)

const flagColumns = `id, bill_id, status_text, rejected_stage, kept_stage, confidence, reasoning,
	created_at, resolved_at, resolved_by, resolution_stage`

func scanFlag(row interface{ Scan(...any) error }) (domain.MisclassificationFlag, error) {
	var f domain.MisclassificationFlag
	var resolved sql.NullTime
	if err := row.Scan(&f.ID, &f.BillID, &f.StatusText, &f.RejectedStage, &f.KeptStage, &f.Confidence,
		&f.Reasoning, &f.CreatedAt, &resolved, &f.ResolvedBy, &f.ResolutionStage); err != nil {
		return domain.MisclassificationFlag{}, err
	}
	f.ResolvedAt = nullTime(resolved)
	return f, nil
}

func InsertFlag(db DBTX, f domain.MisclassificationFlag) (int64, error) {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	res, err := db.Exec(
		`INSERT INTO misclassification_flags (bill_id, status_text, rejected_stage, kept_stage, confidence, reasoning, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.BillID, f.StatusText, f.RejectedStage, f.KeptStage, f.Confidence, f.Reasoning, f.CreatedAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func GetFlag(db DBTX, id int64) (domain.MisclassificationFlag, error) {
	f, err := scanFlag(db.QueryRow(`SELECT `+flagColumns+` FROM misclassification_flags WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.MisclassificationFlag{}, fmt.Errorf("%w: flag %d", domain.ErrNotFound, id)
	}
	return f, err
}

// ListFlags returns flags newest first. billID 0 means every bill.
func ListFlags(db DBTX, billID int64, openOnly bool) ([]domain.MisclassificationFlag, error) {
	query := `SELECT ` + flagColumns + ` FROM misclassification_flags WHERE 1 = 1`
	var args []any
	if billID != 0 {
		query += ` AND bill_id = ?`
		args = append(args, billID)
	}
	if openOnly {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MisclassificationFlag
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ResolveFlag closes an open flag. A flag that is already resolved reports
// ErrNotFound so repeated clicks stay harmless.
func ResolveFlag(db DBTX, id int64, resolvedBy, stage string, at time.Time) error {
	res, err := db.Exec(
		`UPDATE misclassification_flags SET resolved_at = ?, resolved_by = ?, resolution_stage = ?
		 WHERE id = ? AND resolved_at IS NULL`,
		at, resolvedBy, stage, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: open flag %d", domain.ErrNotFound, id)
	}
	return nil
}

// ResolveOpenFlagsForBill closes every open flag of a bill whose kept stage
// matches stage; used when a later classifier run confirms it.
func ResolveOpenFlagsForBill(db DBTX, billID int64, stage, resolvedBy string, at time.Time) (int, error) {
	res, err := db.Exec(
		`UPDATE misclassification_flags SET resolved_at = ?, resolved_by = ?, resolution_stage = ?
		 WHERE bill_id = ? AND kept_stage = ? AND resolved_at IS NULL`,
		at, resolvedBy, stage, billID, stage,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetRecentCorrections returns human flag resolutions, newest first.
func GetRecentCorrections(db DBTX, since time.Time, limit int) ([]domain.Correction, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(
		`SELECT status_text, rejected_stage, resolution_stage, resolved_by, resolved_at
		 FROM misclassification_flags
		 WHERE resolved_at IS NOT NULL AND resolved_at >= ? AND resolved_by != ? AND resolution_stage != ''
		 ORDER BY resolved_at DESC, id DESC LIMIT ?`,
		since, domain.ClassifierActor.UserID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Correction
	for rows.Next() {
		var c domain.Correction
		if err := rows.Scan(&c.StatusText, &c.RejectedStage, &c.CorrectedStage, &c.CorrectedBy, &c.CorrectedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetLabeledExamples returns status texts whose stage a human settled:
// approved classifier proposals and human flag resolutions.
func GetLabeledExamples(db DBTX, since time.Time, limit int) ([]domain.LabeledExample, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.Query(
		`SELECT status_text, stage FROM (
			SELECT status_text, proposed_stage AS stage, resolved_at AS at
			  FROM proposal_archive
			 WHERE status = ? AND status_text != '' AND resolved_at >= ?
			UNION ALL
			SELECT status_text, resolution_stage AS stage, resolved_at AS at
			  FROM misclassification_flags
			 WHERE resolved_at IS NOT NULL AND resolved_at >= ? AND resolution_stage != '' AND resolved_by != ?
		 ) ORDER BY at DESC LIMIT ?`,
		domain.StatusApproved, since, since, domain.ClassifierActor.UserID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LabeledExample
	for rows.Next() {
		var ex domain.LabeledExample
		if err := rows.Scan(&ex.StatusText, &ex.StageID); err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}
