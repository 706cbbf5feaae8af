package workflow

import (
	"context"
	"testing"
	"time"

	"billtracker/internal/classifier"
	"billtracker/internal/domain"
	"billtracker/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func observedAt() time.Time {
	return time.Date(2024, time.February, 1, 9, 0, 0, 0, time.UTC)
}

func TestRegressionIsFlaggedNotApplied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bill := f.bill(t, "SB1", "passed_2nd_reading")

	res, err := f.svc.ClassifyObservation(ctx, bill.ID, "Scheduled for first reading", observedAt(), "scraper")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFlagged, res.Outcome)
	assert.Equal(t, "scheduled_for_1st_reading", res.Result.Stage)
	require.NotNil(t, res.Flag)
	assert.Equal(t, "passed_2nd_reading", res.Flag.KeptStage)
	assert.Equal(t, "scheduled_for_1st_reading", res.Flag.RejectedStage)
	assert.Nil(t, res.Proposal)

	assert.Equal(t, "passed_2nd_reading", f.stageOf(t, bill.ID))
	flags, err := f.svc.ListFlags(ctx, admin, bill.ID, true)
	require.NoError(t, err)
	assert.Len(t, flags, 1)

	pending, err := f.svc.LoadProposals(ctx, admin)
	require.NoError(t, err)
	assert.Empty(t, pending)

	queue, err := f.svc.PendingObservations(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, queue)
	assert.Contains(t, f.events.Subjects(), events.FlagCreated)
}

func TestConfirmingRunResolvesOpenFlags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bill := f.bill(t, "SB2", "passed_2nd_reading")

	_, err := f.svc.ClassifyObservation(ctx, bill.ID, "Scheduled for first reading", observedAt(), "scraper")
	require.NoError(t, err)

	res, err := f.svc.ClassifyObservation(ctx, bill.ID, "Passed second reading", observedAt(), "scraper")
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, res.Outcome)
	assert.Equal(t, 1, res.ResolvedFlags)

	open, err := f.svc.ListFlags(ctx, admin, bill.ID, true)
	require.NoError(t, err)
	assert.Empty(t, open)

	all, err := f.svc.ListFlags(ctx, admin, bill.ID, false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, domain.ClassifierActor.UserID, all[0].ResolvedBy)
}

func TestClassifierSuggestionBecomesProposal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bill := f.bill(t, "HB10", "introduced")

	res, err := f.svc.ClassifyObservation(ctx, bill.ID, "Bill passed first reading; second reading scheduled", observedAt(), "scraper")
	require.NoError(t, err)
	assert.Equal(t, OutcomeProposed, res.Outcome)
	require.NotNil(t, res.Proposal)
	assert.Equal(t, "passed_1st_reading", res.Proposal.ProposedStage)
	assert.Equal(t, domain.SourceClassifier, res.Proposal.Source)
	assert.Equal(t, "introduced", f.stageOf(t, bill.ID))

	again, err := f.svc.ClassifyObservation(ctx, bill.ID, "Referred to Judiciary Committee", observedAt(), "scraper")
	require.NoError(t, err)
	require.NotNil(t, again.Proposal)
	assert.Equal(t, res.Proposal.ID, again.Proposal.ID)

	pending, err := f.svc.LoadProposals(ctx, admin)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "referred_to_committee", pending[0].ProposedStage)
	assert.Equal(t, "Referred to Judiciary Committee", pending[0].StatusText)

	approved, err := f.svc.ApproveProposal(ctx, admin, pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "referred_to_committee", f.stageOf(t, bill.ID))
	assert.Equal(t, domain.SourceClassifier, approved.Source)
}

func TestLowConfidenceIsReportedOnly(t *testing.T) {
	stub := classifier.Func(func(ctx context.Context, in classifier.Input) (classifier.Result, error) {
		return classifier.Result{Stage: "referred_to_committee", Confidence: 0.2, Reasoning: "guess"}, nil
	})
	f := newFixture(t, WithClassifier(stub), WithConfidenceThreshold(0.6))
	ctx := context.Background()
	bill := f.bill(t, "HB11", "introduced")

	res, err := f.svc.ClassifyObservation(ctx, bill.ID, "something vague", observedAt(), "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeLowConfidence, res.Outcome)

	pending, err := f.svc.LoadProposals(ctx, admin)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestClassifierFailureLeavesObservationQueued(t *testing.T) {
	stub := classifier.Func(func(ctx context.Context, in classifier.Input) (classifier.Result, error) {
		return classifier.Result{}, domain.ErrClassifierTimeout
	})
	f := newFixture(t, WithClassifier(stub))
	ctx := context.Background()
	bill := f.bill(t, "HB12", "introduced")

	_, err := f.svc.ClassifyObservation(ctx, bill.ID, "Passed first reading", observedAt(), "scraper")
	assert.ErrorIs(t, err, domain.ErrClassifierTimeout)

	queue, err := f.svc.PendingObservations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, "Passed first reading", queue[0].StatusText)
}

func TestFailedOutcomeWriteLeavesObservationQueued(t *testing.T) {
	cases := []struct {
		name    string
		table   string
		stage   string
		text    string
		subject string
	}{
		{"flag", "misclassification_flags", "passed_2nd_reading", "Scheduled for first reading", events.FlagCreated},
		{"proposal", "proposals", "introduced", "Bill passed first reading; second reading scheduled", events.ProposalCreated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			bill := f.bill(t, "HB20", tc.stage)
			_, err := f.svc.db.Exec(`CREATE TRIGGER fail_insert BEFORE INSERT ON ` + tc.table + `
				BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
			require.NoError(t, err)

			_, err = f.svc.ClassifyObservation(ctx, bill.ID, tc.text, observedAt(), "scraper")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "disk full")

			queue, err := f.svc.PendingObservations(ctx, 0)
			require.NoError(t, err)
			require.Len(t, queue, 1)
			assert.Equal(t, tc.text, queue[0].StatusText)
			assert.Zero(t, queue[0].Confidence)
			assert.NotContains(t, f.events.Subjects(), tc.subject)
			assert.Equal(t, tc.stage, f.stageOf(t, bill.ID))
		})
	}
}

func TestUnknownStageFromClassifierIsRejected(t *testing.T) {
	stub := classifier.Func(func(ctx context.Context, in classifier.Input) (classifier.Result, error) {
		return classifier.Result{Stage: "on_the_moon", Confidence: 0.99}, nil
	})
	f := newFixture(t, WithClassifier(stub))
	bill := f.bill(t, "HB13", "introduced")

	_, err := f.svc.ClassifyObservation(context.Background(), bill.ID, "Passed first reading", observedAt(), "scraper")
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, "introduced", f.stageOf(t, bill.ID))
}

func TestResolveFlagWithCorrection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bill := f.bill(t, "SB3", "passed_2nd_reading")

	res, err := f.svc.ClassifyObservation(ctx, bill.ID, "Scheduled for first reading", observedAt(), "scraper")
	require.NoError(t, err)
	require.NotNil(t, res.Flag)

	_, err = f.svc.ResolveFlag(ctx, member, res.Flag.ID, "")
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.svc.ListFlags(ctx, member, 0, true)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.svc.ResolveFlag(ctx, admin, res.Flag.ID, "introduced")
	assert.ErrorIs(t, err, domain.ErrStaleTransition)

	flag, err := f.svc.ResolveFlag(ctx, admin, res.Flag.ID, "scheduled_for_3rd_reading")
	require.NoError(t, err)
	assert.False(t, flag.Open())
	assert.Equal(t, "scheduled_for_3rd_reading", flag.ResolutionStage)
	assert.Equal(t, "scheduled_for_3rd_reading", f.stageOf(t, bill.ID))

	_, err = f.svc.ResolveFlag(ctx, admin, res.Flag.ID, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPreviewDoesNotRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bill := f.bill(t, "HB14", "introduced")

	res, decision, err := f.svc.Preview(ctx, bill.ID, "Passed first reading", observedAt())
	require.NoError(t, err)
	assert.Equal(t, "passed_1st_reading", res.Stage)
	assert.True(t, decision.Accepted)

	queue, err := f.svc.PendingObservations(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestRegisterAndArchiveBill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RegisterBill(ctx, member, "HB99", "x", "")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	b, err := f.svc.RegisterBill(ctx, admin, "hb 99", "Water rights", "")
	require.NoError(t, err)
	assert.Equal(t, "HB99", b.Number)
	assert.Equal(t, "introduced", b.CurrentStage)

	_, err = f.svc.RegisterBill(ctx, admin, "HB99", "dup", "")
	assert.ErrorIs(t, err, domain.ErrValidation)

	found, err := f.svc.FindBill(ctx, "HB 99")
	require.NoError(t, err)
	assert.Equal(t, b.ID, found.ID)

	require.NoError(t, f.svc.ArchiveBill(ctx, admin, b.ID))
	_, err = f.svc.RequestChange(ctx, admin, b.ID, "passed_1st_reading", "")
	assert.ErrorIs(t, err, domain.ErrValidation)

	bills, _, err := f.svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, bills)

	published := f.events.Events()
	require.Len(t, published, 2)
	assert.Equal(t, events.BillRegistered, published[0].Subject)
	assert.Equal(t, b.ID, published[0].BillID)
	assert.Equal(t, "HB99", published[0].BillNumber)
	assert.Equal(t, "Water rights", published[0].BillTitle)
	assert.Equal(t, "introduced", published[0].Stage)
	assert.Equal(t, events.BillArchived, published[1].Subject)
	assert.Equal(t, b.ID, published[1].BillID)
}
