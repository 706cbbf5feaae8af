package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"billtracker/internal/domain"
)

const proposalColumns = `id, bill_id, current_stage_snapshot, proposed_stage, proposer_id, proposer_name,
	proposer_role, note, source, confidence, status_text, created_at`

func scanProposal(row interface{ Scan(...any) error }) (domain.Proposal, error) {
	var p domain.Proposal
	err := row.Scan(&p.ID, &p.BillID, &p.CurrentStageSnapshot, &p.ProposedStage, &p.ProposerID,
		&p.ProposerName, &p.ProposerRole, &p.Note, &p.Source, &p.Confidence, &p.StatusText, &p.CreatedAt)
	if err != nil {
		return domain.Proposal{}, err
	}
	p.Status = domain.StatusPending
	return p, nil
}

// UpsertProposal stores p as the pending proposal of (p.BillID, p.ProposerID).
// An existing pending proposal for the pair is overwritten in place and keeps
// its id; the returned proposal carries the id actually stored.
func UpsertProposal(db DBTX, p domain.Proposal) (domain.Proposal, error) {
	if p.ID == "" {
		return domain.Proposal{}, fmt.Errorf("proposal id is required")
	}
	if p.Source == "" {
		p.Source = domain.SourceHuman
	}
	var id string
	err := db.QueryRow(
		`INSERT INTO proposals (`+proposalColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(bill_id, proposer_id) DO UPDATE SET
			current_stage_snapshot = excluded.current_stage_snapshot,
			proposed_stage = excluded.proposed_stage,
			proposer_name = excluded.proposer_name,
			proposer_role = excluded.proposer_role,
			note = excluded.note,
			source = excluded.source,
			confidence = excluded.confidence,
			status_text = excluded.status_text,
			created_at = excluded.created_at
		 RETURNING id`,
		p.ID, p.BillID, p.CurrentStageSnapshot, p.ProposedStage, p.ProposerID, p.ProposerName,
		p.ProposerRole, p.Note, p.Source, p.Confidence, p.StatusText, p.CreatedAt,
	).Scan(&id)
	if err != nil {
		return domain.Proposal{}, err
	}
	p.ID = id
	p.Status = domain.StatusPending
	return p, nil
}

func GetProposal(db DBTX, id string) (domain.Proposal, error) {
	p, err := scanProposal(db.QueryRow(`SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Proposal{}, fmt.Errorf("%w: proposal %s", domain.ErrNotFound, id)
	}
	return p, err
}

// ListPendingProposals returns pending proposals, newest first. A nil
// proposerIDs returns every proposal; an empty non-nil slice returns none.
func ListPendingProposals(db DBTX, proposerIDs []string) ([]domain.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals`
	var args []any
	if proposerIDs != nil {
		if len(proposerIDs) == 0 {
			return nil, nil
		}
		placeholders := make([]string, len(proposerIDs))
		for i, id := range proposerIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		query += ` WHERE proposer_id IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at DESC, id`
	return queryProposals(db, query, args...)
}

func ListPendingProposalsForBill(db DBTX, billID int64) ([]domain.Proposal, error) {
	return queryProposals(db,
		`SELECT `+proposalColumns+` FROM proposals WHERE bill_id = ? ORDER BY created_at DESC, id`, billID)
}

func queryProposals(db DBTX, query string, args ...any) ([]domain.Proposal, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteProposal removes a pending proposal. Losing a race to another
// resolver shows up as ErrNotFound.
func DeleteProposal(db DBTX, id string) error {
	res, err := db.Exec(`DELETE FROM proposals WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: proposal %s", domain.ErrNotFound, id)
	}
	return nil
}

func ArchiveProposal(db DBTX, p domain.Proposal, status domain.ApprovalStatus, resolvedBy string, at time.Time) error {
	_, err := db.Exec(
		`INSERT INTO proposal_archive (`+proposalColumns+`, status, resolved_by, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.BillID, p.CurrentStageSnapshot, p.ProposedStage, p.ProposerID, p.ProposerName,
		p.ProposerRole, p.Note, p.Source, p.Confidence, p.StatusText, p.CreatedAt,
		status, resolvedBy, at,
	)
	return err
}

// ResolveProposal moves a pending proposal to the archive with its final
// status. It must run inside the caller's transaction.
func ResolveProposal(tx DBTX, p domain.Proposal, status domain.ApprovalStatus, resolvedBy string, at time.Time) (domain.Proposal, error) {
	if err := DeleteProposal(tx, p.ID); err != nil {
		return domain.Proposal{}, err
	}
	if err := ArchiveProposal(tx, p, status, resolvedBy, at); err != nil {
		return domain.Proposal{}, err
	}
	p.Status = status
	p.ResolvedBy = resolvedBy
	resolvedAt := at
	p.ResolvedAt = &resolvedAt
	return p, nil
}

func ListArchivedProposals(db DBTX, billID int64, limit int) ([]domain.Proposal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(
		`SELECT `+proposalColumns+`, status, resolved_by, resolved_at
		 FROM proposal_archive WHERE bill_id = ? ORDER BY resolved_at DESC, id LIMIT ?`,
		billID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Proposal
	for rows.Next() {
		var p domain.Proposal
		var resolvedAt time.Time
		if err := rows.Scan(&p.ID, &p.BillID, &p.CurrentStageSnapshot, &p.ProposedStage, &p.ProposerID,
			&p.ProposerName, &p.ProposerRole, &p.Note, &p.Source, &p.Confidence, &p.StatusText, &p.CreatedAt,
			&p.Status, &p.ResolvedBy, &resolvedAt); err != nil {
			return nil, err
		}
		p.ResolvedAt = &resolvedAt
		out = append(out, p)
	}
	return out, rows.Err()
}
