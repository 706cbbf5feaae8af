package workflow

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"billtracker/internal/classifier"
	"billtracker/internal/domain"
	"billtracker/internal/events"
	"billtracker/internal/storage/sqlite"
	"billtracker/internal/transition"
)

type Outcome string

const (
	OutcomeUnchanged     Outcome = "unchanged"
	OutcomeFlagged       Outcome = "flagged"
	OutcomeLowConfidence Outcome = "low_confidence"
	OutcomeProposed      Outcome = "proposed"
)

// ClassifyResult is the outcome of one automated run. A flagged regression
// is a normal outcome, not an error.
type ClassifyResult struct {
	Outcome       Outcome
	BillID        int64
	ObservationID int64
	CurrentStage  string
	Result        classifier.Result
	Proposal      *domain.Proposal
	Flag          *domain.MisclassificationFlag
	// ResolvedFlags counts open flags closed because this run confirmed the
	// stage they kept.
	ResolvedFlags int
}

// RecordObservation appends scraped status text to the bill's history
// without classifying it.
func (s *Service) RecordObservation(_ context.Context, billID int64, text string, observedAt time.Time, source string) (domain.StatusObservation, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.StatusObservation{}, fmt.Errorf("%w: status text is required", domain.ErrValidation)
	}
	if _, err := s.loadBill(billID); err != nil {
		return domain.StatusObservation{}, err
	}
	if observedAt.IsZero() {
		observedAt = s.now()
	}
	if source == "" {
		source = "api"
	}
	obs := domain.StatusObservation{BillID: billID, StatusText: text, Source: source, ObservedAt: observedAt}
	id, err := sqlite.InsertObservation(s.db, obs)
	if err != nil {
		return domain.StatusObservation{}, fmt.Errorf("store observation: %w", err)
	}
	obs.ID = id
	return obs, nil
}

// ClassifyObservation records the text and runs the automated path on it.
func (s *Service) ClassifyObservation(ctx context.Context, billID int64, text string, observedAt time.Time, source string) (ClassifyResult, error) {
	obs, err := s.RecordObservation(ctx, billID, text, observedAt, source)
	if err != nil {
		return ClassifyResult{}, err
	}
	return s.ProcessObservation(ctx, obs)
}

// ProcessObservation classifies a recorded observation against the bill's
// current stage. The observation stays unprocessed when the classifier
// fails, so a later run picks it up again.
func (s *Service) ProcessObservation(ctx context.Context, obs domain.StatusObservation) (ClassifyResult, error) {
	bill, err := s.loadBill(obs.BillID)
	if err != nil {
		return ClassifyResult{}, err
	}

	started := time.Now()
	res, err := s.classifier.Classify(ctx, classifier.Input{
		StatusText:   obs.StatusText,
		BillTitle:    bill.Title,
		CurrentStage: bill.CurrentStage,
		ObservedAt:   obs.ObservedAt,
	})
	if err != nil {
		s.metrics.Classification("error", time.Since(started))
		return ClassifyResult{}, fmt.Errorf("classify bill %s: %w", bill.Number, err)
	}
	if !s.tax.Known(res.Stage) {
		s.metrics.Classification("error", time.Since(started))
		return ClassifyResult{}, fmt.Errorf("%w: classifier returned unknown stage %q", domain.ErrValidation, res.Stage)
	}

	out := ClassifyResult{
		BillID:        bill.ID,
		ObservationID: obs.ID,
		CurrentStage:  bill.CurrentStage,
		Result:        res,
	}
	at := s.now()
	decision := s.validator.Validate(bill.CurrentStage, res.Stage)
	switch {
	case res.Stage == bill.CurrentStage:
		out.Outcome = OutcomeUnchanged
	case !decision.Accepted:
		out.Outcome = OutcomeFlagged
	case res.Confidence < s.threshold:
		out.Outcome = OutcomeLowConfidence
	default:
		out.Outcome = OutcomeProposed
	}

	// The observation is only marked processed together with its outcome.
	err = sqlite.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if obs.ID != 0 {
			if err := sqlite.MarkObservationProcessed(tx, obs.ID, res.Stage, res.Confidence); err != nil {
				return fmt.Errorf("mark observation: %w", err)
			}
		}
		switch out.Outcome {
		case OutcomeUnchanged:
			n, err := sqlite.ResolveOpenFlagsForBill(tx, bill.ID, bill.CurrentStage, domain.ClassifierActor.UserID, at)
			if err != nil {
				return fmt.Errorf("resolve flags: %w", err)
			}
			out.ResolvedFlags = n
		case OutcomeFlagged:
			flag, err := storeRegressionFlag(tx, bill, obs, res, decision, at)
			if err != nil {
				return err
			}
			out.Flag = &flag
		case OutcomeProposed:
			p, err := sqlite.UpsertProposal(tx, domain.Proposal{
				ID:                   s.newID(),
				BillID:               bill.ID,
				CurrentStageSnapshot: bill.CurrentStage,
				ProposedStage:        res.Stage,
				ProposerID:           domain.ClassifierActor.UserID,
				ProposerName:         domain.ClassifierActor.DisplayName(),
				ProposerRole:         domain.ClassifierActor.Role,
				Note:                 res.Reasoning,
				Source:               domain.SourceClassifier,
				Confidence:           res.Confidence,
				StatusText:           obs.StatusText,
				CreatedAt:            at,
			})
			if err != nil {
				return fmt.Errorf("store classifier proposal: %w", err)
			}
			out.Proposal = &p
		}
		return nil
	})
	if err != nil {
		s.metrics.Classification("error", time.Since(started))
		return ClassifyResult{}, err
	}

	switch out.Outcome {
	case OutcomeUnchanged:
		if n := out.ResolvedFlags; n > 0 {
			log.Printf("workflow classify bill=%d confirmed stage=%s resolved_flags=%d", bill.ID, bill.CurrentStage, n)
			for i := 0; i < n; i++ {
				s.metrics.Flag("resolved")
			}
			s.publish(ctx, events.Event{Subject: events.FlagResolved, BillID: bill.ID, Stage: bill.CurrentStage, ActorID: domain.ClassifierActor.UserID, At: at})
		}
	case OutcomeFlagged:
		f := out.Flag
		log.Printf("workflow classify bill=%d flagged=%d rejected=%s kept=%s reason=%q", bill.ID, f.ID, res.Stage, bill.CurrentStage, decision.Reason)
		s.metrics.Flag("created")
		s.publish(ctx, events.Event{
			Subject:    events.FlagCreated,
			BillID:     bill.ID,
			FlagID:     f.ID,
			FromStage:  bill.CurrentStage,
			Stage:      res.Stage,
			ActorID:    domain.ClassifierActor.UserID,
			Confidence: res.Confidence,
			At:         at,
		})
	case OutcomeLowConfidence:
		log.Printf("workflow classify bill=%d stage=%s confidence=%.2f below threshold=%.2f", bill.ID, res.Stage, res.Confidence, s.threshold)
	case OutcomeProposed:
		p := out.Proposal
		log.Printf("workflow classify bill=%d proposal=%s %s->%s confidence=%.2f", bill.ID, p.ID, bill.CurrentStage, res.Stage, res.Confidence)
		s.metrics.Proposal("created", string(p.Source))
		s.publish(ctx, proposalEvent(events.ProposalCreated, *p, domain.ClassifierActor.UserID, at))
	}

	s.metrics.Classification(string(out.Outcome), time.Since(started))
	return out, nil
}

func storeRegressionFlag(tx sqlite.DBTX, bill domain.Bill, obs domain.StatusObservation, res classifier.Result, decision transition.Decision, at time.Time) (domain.MisclassificationFlag, error) {
	flag := domain.MisclassificationFlag{
		BillID:        bill.ID,
		StatusText:    obs.StatusText,
		RejectedStage: res.Stage,
		KeptStage:     bill.CurrentStage,
		Confidence:    res.Confidence,
		Reasoning:     strings.TrimSpace(decision.Reason + "; " + res.Reasoning),
		CreatedAt:     at,
	}
	id, err := sqlite.InsertFlag(tx, flag)
	if err != nil {
		return domain.MisclassificationFlag{}, fmt.Errorf("store flag: %w", err)
	}
	flag.ID = id
	return flag, nil
}

// Preview classifies text against a bill without recording anything.
func (s *Service) Preview(ctx context.Context, billID int64, text string, observedAt time.Time) (classifier.Result, transition.Decision, error) {
	bill, err := s.loadBill(billID)
	if err != nil {
		return classifier.Result{}, transition.Decision{}, err
	}
	if observedAt.IsZero() {
		observedAt = s.now()
	}
	res, err := s.classifier.Classify(ctx, classifier.Input{
		StatusText:   text,
		BillTitle:    bill.Title,
		CurrentStage: bill.CurrentStage,
		ObservedAt:   observedAt,
	})
	if err != nil {
		return classifier.Result{}, transition.Decision{}, err
	}
	return res, s.validator.Validate(bill.CurrentStage, res.Stage), nil
}

// PendingObservations lists recorded text that no run has classified yet.
func (s *Service) PendingObservations(_ context.Context, limit int) ([]domain.StatusObservation, error) {
	return sqlite.ListUnprocessedObservations(s.db, limit)
}
