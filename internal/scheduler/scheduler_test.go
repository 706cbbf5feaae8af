package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"billtracker/internal/batch"
	"billtracker/internal/domain"
	"billtracker/internal/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	mu       sync.Mutex
	pending  []domain.StatusObservation
	limits   []int
	listErr  error
	block    chan struct{}
	started  chan struct{}
	outcomes map[int64]workflow.Outcome
}

func (q *fakeQueue) PendingObservations(_ context.Context, limit int) ([]domain.StatusObservation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.limits = append(q.limits, limit)
	return q.pending, q.listErr
}

func (q *fakeQueue) ProcessObservation(_ context.Context, obs domain.StatusObservation) (workflow.ClassifyResult, error) {
	if q.started != nil {
		q.started <- struct{}{}
	}
	if q.block != nil {
		<-q.block
	}
	if obs.BillID == 99 {
		return workflow.ClassifyResult{}, errors.New("boom")
	}
	outcome := workflow.OutcomeUnchanged
	if o, ok := q.outcomes[obs.BillID]; ok {
		outcome = o
	}
	return workflow.ClassifyResult{Outcome: outcome, BillID: obs.BillID, ObservationID: obs.ID}, nil
}

func observations(billIDs ...int64) []domain.StatusObservation {
	var out []domain.StatusObservation
	for i, id := range billIDs {
		out = append(out, domain.StatusObservation{ID: int64(i + 1), BillID: id, StatusText: "status"})
	}
	return out
}

func TestRunOnceClassifiesPendingAndNotifies(t *testing.T) {
	q := &fakeQueue{
		pending:  observations(1, 2, 99),
		outcomes: map[int64]workflow.Outcome{1: workflow.OutcomeProposed},
	}
	var summaries []string
	a := NewAutoClassifier(q,
		WithLimit(25),
		WithBatchOptions(batch.WithPause(0), batch.WithWidth(2)),
		WithNotify(func(_ context.Context, s string) { summaries = append(summaries, s) }),
	)

	report, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{25}, q.limits)
	assert.Equal(t, 2, report.Count(batch.StatusDone))
	assert.Equal(t, 1, report.Count(batch.StatusFailed))

	require.Len(t, summaries, 1)
	assert.Equal(t, "Classified 3 status updates: 2 done, 1 failed (1 proposed, 1 unchanged).", summaries[0])
}

func TestRunOnceWithNothingPending(t *testing.T) {
	notified := false
	a := NewAutoClassifier(&fakeQueue{}, WithNotify(func(context.Context, string) { notified = true }))

	report, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Items)
	assert.False(t, notified)
	assert.False(t, a.Cancel())
}

func TestRunOnceListError(t *testing.T) {
	a := NewAutoClassifier(&fakeQueue{listErr: errors.New("db locked")})
	_, err := a.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db locked")
}

func TestRunOnceRejectsOverlappingRuns(t *testing.T) {
	q := &fakeQueue{
		pending: observations(1, 2),
		block:   make(chan struct{}),
		started: make(chan struct{}, 2),
	}
	a := NewAutoClassifier(q, WithBatchOptions(batch.WithPause(0), batch.WithWidth(1)))

	done := make(chan batch.Report)
	go func() {
		report, _ := a.RunOnce(context.Background())
		done <- report
	}()
	<-q.started

	_, err := a.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	assert.True(t, a.Cancel())
	close(q.block)

	select {
	case report := <-done:
		assert.True(t, report.Cancelled)
		assert.Equal(t, 1, report.Count(batch.StatusDone))
		assert.Equal(t, 1, report.Count(batch.StatusCancelled))
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after cancel")
	}
}

func TestFormatSummary(t *testing.T) {
	assert.Equal(t, "No status updates were waiting for classification.", FormatSummary(batch.Report{}))

	report := batch.Report{
		Cancelled: true,
		Items: []batch.Item{
			{Status: batch.StatusDone, Result: &workflow.ClassifyResult{Outcome: workflow.OutcomeLowConfidence}},
			{Status: batch.StatusSkipped},
			{Status: batch.StatusCancelled},
		},
	}
	assert.Equal(t,
		"Classified 3 status updates: 1 done, 1 skipped, 1 cancelled (1 low confidence). Run was cancelled.",
		FormatSummary(report))
}

func TestStartSchedule(t *testing.T) {
	c, err := Start("test", "  ", time.UTC, func() {})
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = Start("test", "every day", time.UTC, func() {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid test schedule")

	c, err = Start("test", "0 9 * * 1-5", time.UTC, func() {})
	require.NoError(t, err)
	require.NotNil(t, c)
	entries := c.Entries()
	require.Len(t, entries, 1)
	<-c.Stop().Done()
}
