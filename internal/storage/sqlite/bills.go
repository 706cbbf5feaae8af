package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"billtracker/internal/domain"
)

const billColumns = `id, number, title, current_stage, created_at, updated_at, archived_at`

func scanBill(row interface{ Scan(...any) error }) (domain.Bill, error) {
	var b domain.Bill
	var archived sql.NullTime
	if err := row.Scan(&b.ID, &b.Number, &b.Title, &b.CurrentStage, &b.CreatedAt, &b.UpdatedAt, &archived); err != nil {
		return domain.Bill{}, err
	}
	b.ArchivedAt = nullTime(archived)
	return b, nil
}

// InsertBill registers a bill. Numbers are normalized to upper case without
// spaces ("hb 12" and "HB12" are the same bill).
func InsertBill(db DBTX, b domain.Bill) (int64, error) {
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	res, err := db.Exec(
		`INSERT INTO bills (number, title, current_stage, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		NormalizeBillNumber(b.Number), b.Title, b.CurrentStage, b.CreatedAt, b.CreatedAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func NormalizeBillNumber(number string) string {
	return strings.ToUpper(strings.Join(strings.Fields(number), ""))
}

func GetBill(db DBTX, id int64) (domain.Bill, error) {
	b, err := scanBill(db.QueryRow(`SELECT `+billColumns+` FROM bills WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Bill{}, fmt.Errorf("%w: bill %d", domain.ErrNotFound, id)
	}
	return b, err
}

func GetBillByNumber(db DBTX, number string) (domain.Bill, error) {
	b, err := scanBill(db.QueryRow(`SELECT `+billColumns+` FROM bills WHERE number = ?`, NormalizeBillNumber(number)))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Bill{}, fmt.Errorf("%w: bill %s", domain.ErrNotFound, number)
	}
	return b, err
}

func ListBills(db DBTX, includeArchived bool) ([]domain.Bill, error) {
	query := `SELECT ` + billColumns + ` FROM bills`
	if !includeArchived {
		query += ` WHERE archived_at IS NULL`
	}
	query += ` ORDER BY number, id`

	rows, err := db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bills []domain.Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, b)
	}
	return bills, rows.Err()
}

// SetBillStage is the only write to bills.current_stage.
func SetBillStage(db DBTX, id int64, stage string, at time.Time) error {
	res, err := db.Exec(`UPDATE bills SET current_stage = ?, updated_at = ? WHERE id = ?`, stage, at, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: bill %d", domain.ErrNotFound, id)
	}
	return nil
}

func ArchiveBill(db DBTX, id int64, at time.Time) error {
	res, err := db.Exec(`UPDATE bills SET archived_at = ? WHERE id = ? AND archived_at IS NULL`, at, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: active bill %d", domain.ErrNotFound, id)
	}
	return nil
}

func InsertObservation(db DBTX, obs domain.StatusObservation) (int64, error) {
	res, err := db.Exec(
		`INSERT INTO stage_history (bill_id, status_text, source, observed_at) VALUES (?, ?, ?, ?)`,
		obs.BillID, obs.StatusText, obs.Source, obs.ObservedAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func MarkObservationProcessed(db DBTX, id int64, stage string, confidence float64) error {
	_, err := db.Exec(
		`UPDATE stage_history SET processed = 1, classified_stage = ?, confidence = ? WHERE id = ?`,
		stage, confidence, id,
	)
	return err
}

const observationColumns = `id, bill_id, status_text, source, observed_at, classified_stage, confidence, processed, created_at`

func scanObservations(rows *sql.Rows) ([]domain.StatusObservation, error) {
	defer rows.Close()
	var out []domain.StatusObservation
	for rows.Next() {
		var o domain.StatusObservation
		if err := rows.Scan(&o.ID, &o.BillID, &o.StatusText, &o.Source, &o.ObservedAt,
			&o.ClassifiedStage, &o.Confidence, &o.Processed, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListUnprocessedObservations returns the oldest unclassified observations of
// active bills. limit <= 0 means no limit.
func ListUnprocessedObservations(db DBTX, limit int) ([]domain.StatusObservation, error) {
	query := `SELECT h.id, h.bill_id, h.status_text, h.source, h.observed_at, h.classified_stage, h.confidence, h.processed, h.created_at
		 FROM stage_history h JOIN bills b ON b.id = h.bill_id
		 WHERE h.processed = 0 AND b.archived_at IS NULL
		 ORDER BY h.observed_at, h.id`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := db.Query(query)
	if err != nil {
		return nil, err
	}
	return scanObservations(rows)
}

func ListObservationsForBill(db DBTX, billID int64, limit int) ([]domain.StatusObservation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(
		`SELECT `+observationColumns+` FROM stage_history WHERE bill_id = ? ORDER BY observed_at DESC, id DESC LIMIT ?`,
		billID, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanObservations(rows)
}
