package overlay

import (
	"context"
	"fmt"
	"sync"

	"billtracker/internal/domain"
	"billtracker/internal/events"
	"billtracker/internal/taxonomy"
)

// Source is the server-side ledger the reconciler reloads from.
type Source interface {
	Snapshot(ctx context.Context) ([]domain.Bill, []domain.Proposal, error)
}

type Token uint64

type pendingCommit struct {
	billID   int64
	previous string
	optimist string
}

// Reconciler holds one client's local copy of bills and pending proposals.
// Local edits are optimistic: each keeps a snapshot until the server confirms
// or refuses it. A Reload replaces everything and drops those snapshots,
// since the server read is authoritative.
type Reconciler struct {
	tax *taxonomy.Taxonomy

	mu          sync.Mutex
	bills       map[int64]domain.Bill
	proposals   map[string]domain.Proposal
	processing  map[int64]bool
	commits     map[Token]pendingCommit
	withdrawals map[Token]domain.Proposal
	seq         Token
}

func NewReconciler(tax *taxonomy.Taxonomy) *Reconciler {
	r := &Reconciler{tax: tax}
	r.reset()
	return r
}

func (r *Reconciler) reset() {
	r.bills = make(map[int64]domain.Bill)
	r.proposals = make(map[string]domain.Proposal)
	r.commits = make(map[Token]pendingCommit)
	r.withdrawals = make(map[Token]domain.Proposal)
	if r.processing == nil {
		r.processing = make(map[int64]bool)
	}
}

// Load replaces the local state wholesale. Processing markers survive since
// they describe local work, not ledger state.
func (r *Reconciler) Load(bills []domain.Bill, proposals []domain.Proposal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
	for _, b := range bills {
		r.bills[b.ID] = b
	}
	for _, p := range proposals {
		r.upsertLocked(p)
	}
}

func (r *Reconciler) Reload(ctx context.Context, src Source) error {
	bills, proposals, err := src.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("reload overlay: %w", err)
	}
	r.Load(bills, proposals)
	return nil
}

// UpsertProposal keeps one proposal per (bill, proposer), mirroring the ledger.
func (r *Reconciler) UpsertProposal(p domain.Proposal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsertLocked(p)
}

func (r *Reconciler) upsertLocked(p domain.Proposal) {
	for id, existing := range r.proposals {
		if existing.BillID == p.BillID && existing.ProposerID == p.ProposerID && id != p.ID {
			if existing.CreatedAt.After(p.CreatedAt) {
				return
			}
			delete(r.proposals, id)
		}
	}
	r.proposals[p.ID] = p
}

func (r *Reconciler) RemoveProposal(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.proposals, id)
}

// ApplyEvent folds a pushed ledger event into the local state. It returns
// false when the event refers to a bill this client does not know, in which
// case the caller should Reload.
func (r *Reconciler) ApplyEvent(ev events.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Subject {
	case events.ProposalCreated:
		if _, ok := r.bills[ev.BillID]; !ok {
			return false
		}
		r.upsertLocked(domain.Proposal{
			ID:                   ev.ProposalID,
			BillID:               ev.BillID,
			CurrentStageSnapshot: ev.FromStage,
			ProposedStage:        ev.Stage,
			ProposerID:           ev.ProposerID,
			ProposerName:         ev.ProposerName,
			Status:               domain.StatusPending,
			Source:               domain.ProposalSource(ev.Source),
			Confidence:           ev.Confidence,
			CreatedAt:            ev.At,
		})
	case events.ProposalApproved:
		delete(r.proposals, ev.ProposalID)
		return r.setStageLocked(ev.BillID, ev.Stage, ev)
	case events.ProposalRejected, events.ProposalWithdrawn:
		delete(r.proposals, ev.ProposalID)
	case events.BillCommitted:
		return r.setStageLocked(ev.BillID, ev.Stage, ev)
	case events.BillRegistered:
		if _, ok := r.bills[ev.BillID]; ok {
			return true
		}
		r.bills[ev.BillID] = domain.Bill{
			ID:           ev.BillID,
			Number:       ev.BillNumber,
			Title:        ev.BillTitle,
			CurrentStage: ev.Stage,
			CreatedAt:    ev.At,
			UpdatedAt:    ev.At,
		}
	case events.BillArchived:
		delete(r.bills, ev.BillID)
		for id, p := range r.proposals {
			if p.BillID == ev.BillID {
				delete(r.proposals, id)
			}
		}
	}
	return true
}

// setStageLocked ignores an event older than the bill's last known change,
// such as a broker echo arriving after a newer local commit.
func (r *Reconciler) setStageLocked(billID int64, stage string, ev events.Event) bool {
	b, ok := r.bills[billID]
	if !ok {
		return false
	}
	if !ev.At.IsZero() && ev.At.Before(b.UpdatedAt) {
		return true
	}
	b.CurrentStage = stage
	if !ev.At.IsZero() {
		b.UpdatedAt = ev.At
	}
	r.bills[billID] = b
	return true
}

// BeginCommit shows stage on the bill immediately and remembers the stage
// it replaced.
func (r *Reconciler) BeginCommit(billID int64, stage string) (Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bills[billID]
	if !ok {
		return 0, fmt.Errorf("%w: bill %d not loaded", domain.ErrNotFound, billID)
	}
	if !r.tax.Known(stage) {
		return 0, fmt.Errorf("%w: unknown stage %q", domain.ErrValidation, stage)
	}
	r.seq++
	token := r.seq
	r.commits[token] = pendingCommit{billID: billID, previous: b.CurrentStage, optimist: stage}
	b.CurrentStage = stage
	r.bills[billID] = b
	return token, nil
}

func (r *Reconciler) Confirm(token Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.commits, token)
}

// Rollback restores the pre-commit stage. A stage that moved on since (a push
// event or a newer commit) is left alone.
func (r *Reconciler) Rollback(token Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.commits[token]
	if !ok {
		return
	}
	delete(r.commits, token)
	b, ok := r.bills[c.billID]
	if !ok || b.CurrentStage != c.optimist {
		return
	}
	b.CurrentStage = c.previous
	r.bills[c.billID] = b
}

// Commit applies stage optimistically around the server call fn.
func (r *Reconciler) Commit(ctx context.Context, billID int64, stage string, fn func(ctx context.Context) error) error {
	token, err := r.BeginCommit(billID, stage)
	if err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		r.Rollback(token)
		return err
	}
	r.Confirm(token)
	return nil
}

// BeginWithdraw hides a ghost before the server has deleted it.
func (r *Reconciler) BeginWithdraw(proposalID string) (Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proposals[proposalID]
	if !ok {
		return 0, fmt.Errorf("%w: proposal %s not loaded", domain.ErrNotFound, proposalID)
	}
	r.seq++
	token := r.seq
	r.withdrawals[token] = p
	delete(r.proposals, proposalID)
	return token, nil
}

func (r *Reconciler) ConfirmWithdraw(token Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.withdrawals, token)
}

// RollbackWithdraw puts the ghost back unless the proposer has filed a newer
// one meanwhile.
func (r *Reconciler) RollbackWithdraw(token Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.withdrawals[token]
	if !ok {
		return
	}
	delete(r.withdrawals, token)
	r.upsertLocked(p)
}

func (r *Reconciler) Withdraw(ctx context.Context, proposalID string, fn func(ctx context.Context) error) error {
	token, err := r.BeginWithdraw(proposalID)
	if err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		r.RollbackWithdraw(token)
		return err
	}
	r.ConfirmWithdraw(token)
	return nil
}

func (r *Reconciler) MarkProcessing(billID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processing[billID] = true
}

func (r *Reconciler) ClearProcessing(billID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.processing, billID)
}

func (r *Reconciler) Processing(billID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processing[billID]
}

// View merges the local state into display cards.
func (r *Reconciler) View() []Card {
	r.mu.Lock()
	bills := make([]domain.Bill, 0, len(r.bills))
	for _, b := range r.bills {
		bills = append(bills, b)
	}
	proposals := make([]domain.Proposal, 0, len(r.proposals))
	for _, p := range r.proposals {
		proposals = append(proposals, p)
	}
	processing := make(map[int64]bool, len(r.processing))
	for id, on := range r.processing {
		processing[id] = on
	}
	unconfirmed := make(map[int64]bool, len(r.commits))
	for _, c := range r.commits {
		unconfirmed[c.billID] = true
	}
	r.mu.Unlock()

	cards := Merge(r.tax, bills, proposals)
	for i := range cards {
		cards[i].Processing = processing[cards[i].BillID]
		cards[i].Unconfirmed = unconfirmed[cards[i].BillID]
	}
	return cards
}
