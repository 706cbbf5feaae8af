// Package workflow owns every change to a bill's stage: proposals and their
// approval, direct commits by privileged actors, and the automated
// classify, validate, then propose-or-flag path.
package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"billtracker/internal/classifier"
	"billtracker/internal/domain"
	"billtracker/internal/events"
	"billtracker/internal/metrics"
	"billtracker/internal/storage/sqlite"
	"billtracker/internal/taxonomy"
	"billtracker/internal/transition"

	"github.com/google/uuid"
)

const defaultConfidenceThreshold = 0.5

type Service struct {
	db         *sql.DB
	tax        *taxonomy.Taxonomy
	validator  *transition.Validator
	classifier classifier.Classifier
	threshold  float64
	events     events.Publisher
	metrics    *metrics.Metrics
	now        func() time.Time
	newID      func() string
}

type Option func(*Service)

func WithClassifier(c classifier.Classifier) Option {
	return func(s *Service) {
		if c != nil {
			s.classifier = c
		}
	}
}

// WithConfidenceThreshold sets the minimum confidence for an automated
// suggestion to become a proposal.
func WithConfidenceThreshold(threshold float64) Option {
	return func(s *Service) {
		if threshold > 0 {
			s.threshold = threshold
		}
	}
}

func WithEvents(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.events = p
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(db *sql.DB, tax *taxonomy.Taxonomy, opts ...Option) *Service {
	s := &Service{
		db:        db,
		tax:       tax,
		validator: transition.NewValidator(tax),
		threshold: defaultConfidenceThreshold,
		events:    events.Noop{},
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return "p-" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.classifier == nil {
		s.classifier = classifier.NewRuleEngine(tax)
	}
	return s
}

func (s *Service) Taxonomy() *taxonomy.Taxonomy {
	return s.tax
}

// ChangeResult tells a caller of RequestChange which path was taken.
type ChangeResult struct {
	Committed bool
	FromStage string
	Stage     string
	Proposal  *domain.Proposal
}

// RequestChange commits directly for actors allowed to, and files a proposal
// for everyone else.
func (s *Service) RequestChange(ctx context.Context, actor domain.Actor, billID int64, stage, note string) (ChangeResult, error) {
	if Can(actor.Role, ActionDirectCommit) {
		return s.commitDirect(ctx, actor, billID, stage)
	}
	bill, err := s.loadBill(billID)
	if err != nil {
		return ChangeResult{}, err
	}
	p, err := s.ProposeChange(ctx, actor, billID, bill.CurrentStage, stage, note)
	if err != nil {
		return ChangeResult{}, err
	}
	return ChangeResult{FromStage: bill.CurrentStage, Stage: p.ProposedStage, Proposal: &p}, nil
}

// ProposeChange files or replaces the actor's pending proposal for the bill.
// The bill itself is untouched.
func (s *Service) ProposeChange(ctx context.Context, actor domain.Actor, billID int64, snapshot, stage, note string) (domain.Proposal, error) {
	if !Can(actor.Role, ActionCreate) {
		return domain.Proposal{}, fmt.Errorf("%w: role %q cannot propose changes", domain.ErrForbidden, actor.Role)
	}
	stageID, err := s.resolveStage(stage)
	if err != nil {
		return domain.Proposal{}, err
	}
	bill, err := s.loadBill(billID)
	if err != nil {
		return domain.Proposal{}, err
	}
	snapshot = strings.TrimSpace(snapshot)
	if snapshot == "" {
		snapshot = bill.CurrentStage
	} else if !s.tax.Known(snapshot) {
		return domain.Proposal{}, fmt.Errorf("%w: unknown snapshot stage %q", domain.ErrValidation, snapshot)
	}

	p, err := sqlite.UpsertProposal(s.db, domain.Proposal{
		ID:                   s.newID(),
		BillID:               billID,
		CurrentStageSnapshot: snapshot,
		ProposedStage:        stageID,
		ProposerID:           actor.UserID,
		ProposerName:         actor.DisplayName(),
		ProposerRole:         actor.Role,
		Note:                 strings.TrimSpace(note),
		Source:               domain.SourceHuman,
		CreatedAt:            s.now(),
	})
	if err != nil {
		return domain.Proposal{}, fmt.Errorf("store proposal: %w", err)
	}
	log.Printf("workflow propose proposal=%s bill=%d %s->%s by=%s", p.ID, billID, snapshot, stageID, actor.UserID)
	s.metrics.Proposal("created", string(p.Source))
	s.publish(ctx, proposalEvent(events.ProposalCreated, p, actor.UserID, p.CreatedAt))
	return p, nil
}

// ApproveProposal applies a pending proposal. The proposal is re-validated
// against the bill's stage at approval time, not the snapshot it was filed
// against. Losing a race to another resolver returns ErrNotFound.
func (s *Service) ApproveProposal(ctx context.Context, actor domain.Actor, proposalID string) (domain.Proposal, error) {
	if !Can(actor.Role, ActionApprove) {
		return domain.Proposal{}, fmt.Errorf("%w: role %q cannot approve", domain.ErrForbidden, actor.Role)
	}
	at := s.now()
	var (
		resolved domain.Proposal
		from     string
	)
	err := sqlite.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		p, err := sqlite.GetProposal(tx, proposalID)
		if err != nil {
			return err
		}
		from, err = s.applyStage(tx, p.BillID, p.ProposedStage, at)
		if err != nil {
			return err
		}
		resolved, err = sqlite.ResolveProposal(tx, p, domain.StatusApproved, actor.UserID, at)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrStaleTransition) {
			s.metrics.Proposal("stale", "")
		}
		return domain.Proposal{}, err
	}

	log.Printf("workflow approve proposal=%s bill=%d %s->%s by=%s", resolved.ID, resolved.BillID, from, resolved.ProposedStage, actor.UserID)
	s.metrics.Proposal("approved", string(resolved.Source))
	s.metrics.Commit("approval")
	s.publish(ctx, proposalEvent(events.ProposalApproved, resolved, actor.UserID, at))
	s.publish(ctx, events.Event{
		Subject:   events.BillCommitted,
		BillID:    resolved.BillID,
		FromStage: from,
		Stage:     resolved.ProposedStage,
		ActorID:   actor.UserID,
		At:        at,
	})
	return resolved, nil
}

func (s *Service) RejectProposal(ctx context.Context, actor domain.Actor, proposalID string) (domain.Proposal, error) {
	if !Can(actor.Role, ActionReject) {
		return domain.Proposal{}, fmt.Errorf("%w: role %q cannot reject", domain.ErrForbidden, actor.Role)
	}
	at := s.now()
	var resolved domain.Proposal
	err := sqlite.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		p, err := sqlite.GetProposal(tx, proposalID)
		if err != nil {
			return err
		}
		resolved, err = sqlite.ResolveProposal(tx, p, domain.StatusRejected, actor.UserID, at)
		return err
	})
	if err != nil {
		return domain.Proposal{}, err
	}
	log.Printf("workflow reject proposal=%s bill=%d stage=%s by=%s", resolved.ID, resolved.BillID, resolved.ProposedStage, actor.UserID)
	s.metrics.Proposal("rejected", string(resolved.Source))
	s.publish(ctx, proposalEvent(events.ProposalRejected, resolved, actor.UserID, at))
	return resolved, nil
}

// WithdrawProposal deletes the caller's own pending proposal without
// archiving it.
func (s *Service) WithdrawProposal(ctx context.Context, actor domain.Actor, proposalID string) error {
	if !Can(actor.Role, ActionWithdrawOwn) {
		return fmt.Errorf("%w: role %q cannot withdraw", domain.ErrForbidden, actor.Role)
	}
	var withdrawn domain.Proposal
	err := sqlite.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		p, err := sqlite.GetProposal(tx, proposalID)
		if err != nil {
			return err
		}
		if p.ProposerID != actor.UserID {
			return fmt.Errorf("%w: only the proposer can withdraw proposal %s", domain.ErrForbidden, proposalID)
		}
		withdrawn = p
		return sqlite.DeleteProposal(tx, p.ID)
	})
	if err != nil {
		return err
	}
	log.Printf("workflow withdraw proposal=%s bill=%d by=%s", withdrawn.ID, withdrawn.BillID, actor.UserID)
	s.metrics.Proposal("withdrawn", string(withdrawn.Source))
	s.publish(ctx, proposalEvent(events.ProposalWithdrawn, withdrawn, actor.UserID, s.now()))
	return nil
}

// LoadProposals returns the pending proposals the actor may see: their own,
// plus their subordinates' for supervisors, or everything for admins.
func (s *Service) LoadProposals(_ context.Context, actor domain.Actor) ([]domain.Proposal, error) {
	switch actor.Role {
	case domain.RoleAdmin:
		return sqlite.ListPendingProposals(s.db, nil)
	case domain.RoleSupervisor:
		scope := append([]string{actor.UserID}, actor.Subordinates...)
		return sqlite.ListPendingProposals(s.db, scope)
	case domain.RoleMember:
		return sqlite.ListPendingProposals(s.db, []string{actor.UserID})
	}
	return nil, fmt.Errorf("%w: unknown role %q", domain.ErrForbidden, actor.Role)
}

// commitDirect is approval of a proposal that was never stored: the same
// validation and write run in one transaction.
func (s *Service) commitDirect(ctx context.Context, actor domain.Actor, billID int64, stage string) (ChangeResult, error) {
	stageID, err := s.resolveStage(stage)
	if err != nil {
		return ChangeResult{}, err
	}
	if _, err := s.loadBill(billID); err != nil {
		return ChangeResult{}, err
	}
	at := s.now()
	var from string
	err = sqlite.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		from, err = s.applyStage(tx, billID, stageID, at)
		return err
	})
	if err != nil {
		return ChangeResult{}, err
	}
	log.Printf("workflow commit bill=%d %s->%s by=%s", billID, from, stageID, actor.UserID)
	s.metrics.Commit("direct")
	s.publish(ctx, events.Event{
		Subject:   events.BillCommitted,
		BillID:    billID,
		FromStage: from,
		Stage:     stageID,
		ActorID:   actor.UserID,
		At:        at,
	})
	return ChangeResult{Committed: true, FromStage: from, Stage: stageID}, nil
}

// applyStage validates from the bill's current stage and writes the new one.
// It returns the stage the bill had before.
func (s *Service) applyStage(tx sqlite.DBTX, billID int64, stage string, at time.Time) (string, error) {
	bill, err := sqlite.GetBill(tx, billID)
	if err != nil {
		return "", err
	}
	if bill.ArchivedAt != nil {
		return "", fmt.Errorf("%w: bill %s is archived", domain.ErrValidation, bill.Number)
	}
	decision := s.validator.Validate(bill.CurrentStage, stage)
	if !decision.Accepted {
		return "", fmt.Errorf("%w: %s", domain.ErrStaleTransition, decision.Reason)
	}
	if bill.CurrentStage == stage {
		return bill.CurrentStage, nil
	}
	if err := sqlite.SetBillStage(tx, billID, stage, at); err != nil {
		return "", err
	}
	return bill.CurrentStage, nil
}

func (s *Service) resolveStage(input string) (string, error) {
	if strings.TrimSpace(input) == "" {
		return "", fmt.Errorf("%w: stage is required", domain.ErrValidation)
	}
	id, ok := s.tax.Resolve(input)
	if !ok {
		return "", fmt.Errorf("%w: unknown stage %q", domain.ErrValidation, input)
	}
	return id, nil
}

// loadBill reports a missing or archived bill as bad input; NotFound is kept
// for proposals that were already resolved.
func (s *Service) loadBill(billID int64) (domain.Bill, error) {
	bill, err := sqlite.GetBill(s.db, billID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Bill{}, fmt.Errorf("%w: unknown bill %d", domain.ErrValidation, billID)
	}
	if err != nil {
		return domain.Bill{}, err
	}
	if bill.ArchivedAt != nil {
		return domain.Bill{}, fmt.Errorf("%w: bill %s is archived", domain.ErrValidation, bill.Number)
	}
	return bill, nil
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if err := s.events.Publish(ctx, ev); err != nil {
		log.Printf("workflow publish subject=%s err=%v", ev.Subject, err)
	}
}

func proposalEvent(subject string, p domain.Proposal, actorID string, at time.Time) events.Event {
	return events.Event{
		Subject:      subject,
		BillID:       p.BillID,
		ProposalID:   p.ID,
		FromStage:    p.CurrentStageSnapshot,
		Stage:        p.ProposedStage,
		ProposerID:   p.ProposerID,
		ProposerName: p.ProposerName,
		ActorID:      actorID,
		Source:       string(p.Source),
		Confidence:   p.Confidence,
		At:           at,
	}
}
