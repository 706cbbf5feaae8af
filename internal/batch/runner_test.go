package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"billtracker/internal/domain"
	"billtracker/internal/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcessor struct {
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	calls    atomic.Int32
	fn       func(obs domain.StatusObservation) (workflow.ClassifyResult, error)
}

func (f *fakeProcessor) ProcessObservation(ctx context.Context, obs domain.StatusObservation) (workflow.ClassifyResult, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	f.calls.Add(1)
	time.Sleep(5 * time.Millisecond)
	if f.fn != nil {
		return f.fn(obs)
	}
	return workflow.ClassifyResult{Outcome: workflow.OutcomeUnchanged, BillID: obs.BillID}, nil
}

type recordingMarkers struct {
	mu     sync.Mutex
	active map[int64]int
	marked int
}

func newMarkers() *recordingMarkers {
	return &recordingMarkers{active: make(map[int64]int)}
}

func (m *recordingMarkers) MarkProcessing(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[id]++
	m.marked++
}

func (m *recordingMarkers) ClearProcessing(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[id]--
	if m.active[id] <= 0 {
		delete(m.active, id)
	}
}

func (m *recordingMarkers) stuck() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func observations(n int) []domain.StatusObservation {
	out := make([]domain.StatusObservation, n)
	for i := range out {
		out[i] = domain.StatusObservation{ID: int64(i + 1), BillID: int64(100 + i), StatusText: "Passed first reading"}
	}
	return out
}

func TestRunProcessesInBoundedBatches(t *testing.T) {
	proc := &fakeProcessor{}
	markers := newMarkers()
	r := NewRunner(proc, WithWidth(3), WithPause(time.Millisecond), WithMarkers(markers))

	report := r.Run(context.Background(), observations(7))
	assert.False(t, report.Cancelled)
	assert.Equal(t, 7, report.Count(StatusDone))
	assert.Equal(t, int32(7), proc.calls.Load())
	assert.LessOrEqual(t, proc.maxSeen.Load(), int32(3))
	assert.Equal(t, 7, markers.marked)
	assert.Zero(t, markers.stuck())
	assert.NotEmpty(t, report.RunID)
}

func TestTimeoutIsSkipped(t *testing.T) {
	proc := &fakeProcessor{fn: func(obs domain.StatusObservation) (workflow.ClassifyResult, error) {
		if obs.ID == 2 {
			return workflow.ClassifyResult{}, domain.ErrClassifierTimeout
		}
		if obs.ID == 3 {
			return workflow.ClassifyResult{}, errors.New("db locked")
		}
		return workflow.ClassifyResult{Outcome: workflow.OutcomeProposed}, nil
	}}
	markers := newMarkers()
	report := NewRunner(proc, WithPause(0), WithMarkers(markers)).Run(context.Background(), observations(3))

	assert.Equal(t, StatusDone, report.Items[0].Status)
	assert.Equal(t, StatusSkipped, report.Items[1].Status)
	assert.ErrorIs(t, report.Items[1].Err, domain.ErrClassifierTimeout)
	assert.Equal(t, StatusFailed, report.Items[2].Status)
	assert.Zero(t, markers.stuck())
}

func TestCancelStopsFurtherBatchesAndClearsMarkers(t *testing.T) {
	markers := newMarkers()
	var r *Runner
	proc := &fakeProcessor{}
	proc.fn = func(obs domain.StatusObservation) (workflow.ClassifyResult, error) {
		if obs.ID == 1 {
			r.Cancel()
		}
		return workflow.ClassifyResult{Outcome: workflow.OutcomeUnchanged}, nil
	}
	r = NewRunner(proc, WithWidth(1), WithPause(time.Hour), WithMarkers(markers))

	done := make(chan Report, 1)
	go func() { done <- r.Run(context.Background(), observations(5)) }()

	select {
	case report := <-done:
		assert.True(t, report.Cancelled)
		assert.Equal(t, StatusDone, report.Items[0].Status)
		for _, it := range report.Items[1:] {
			assert.Equal(t, StatusCancelled, it.Status)
		}
		assert.Equal(t, int32(1), proc.calls.Load())
		assert.Zero(t, markers.stuck())
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not interrupt the pause between batches")
	}
}

func TestCancelledContextStartsNothing(t *testing.T) {
	proc := &fakeProcessor{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := NewRunner(proc).Run(ctx, observations(4))
	require.True(t, report.Cancelled)
	assert.Equal(t, 4, report.Count(StatusCancelled))
	assert.Zero(t, proc.calls.Load())
}

func TestCancelInsideBatchClearsEveryMarker(t *testing.T) {
	markers := newMarkers()
	var r *Runner
	proc := &fakeProcessor{}
	proc.fn = func(obs domain.StatusObservation) (workflow.ClassifyResult, error) {
		r.Cancel()
		return workflow.ClassifyResult{}, domain.ErrClassifierTimeout
	}
	r = NewRunner(proc, WithWidth(3), WithPause(0), WithMarkers(markers))

	report := r.Run(context.Background(), observations(3))
	assert.True(t, report.Cancelled)
	assert.Zero(t, report.Count(StatusDone))
	assert.Zero(t, markers.stuck())
}

func TestSameBillRunsOldestFirstUnderOneMarker(t *testing.T) {
	t0 := time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)
	obs := []domain.StatusObservation{
		{ID: 2, BillID: 7, StatusText: "Passed second reading", ObservedAt: t0.Add(time.Hour)},
		{ID: 1, BillID: 7, StatusText: "Referred to committee", ObservedAt: t0},
		{ID: 3, BillID: 8, StatusText: "Introduced", ObservedAt: t0},
	}

	markers := newMarkers()
	var (
		mu        sync.Mutex
		order     []int64
		markedNow []bool
		perBill   = map[int64]int{}
		overlap   bool
	)
	proc := &fakeProcessor{fn: func(o domain.StatusObservation) (workflow.ClassifyResult, error) {
		mu.Lock()
		perBill[o.BillID]++
		if perBill[o.BillID] > 1 {
			overlap = true
		}
		if o.BillID == 7 {
			order = append(order, o.ID)
			markers.mu.Lock()
			markedNow = append(markedNow, markers.active[7] > 0)
			markers.mu.Unlock()
		}
		mu.Unlock()

		if o.ID == 1 {
			time.Sleep(30 * time.Millisecond)
		}
		mu.Lock()
		perBill[o.BillID]--
		mu.Unlock()
		return workflow.ClassifyResult{Outcome: workflow.OutcomeProposed, BillID: o.BillID}, nil
	}}

	report := NewRunner(proc, WithWidth(3), WithPause(0), WithMarkers(markers)).Run(context.Background(), obs)

	assert.Equal(t, 3, report.Count(StatusDone))
	assert.Equal(t, []int64{1, 2}, order)
	assert.Equal(t, []bool{true, true}, markedNow)
	assert.False(t, overlap)
	assert.Equal(t, 2, markers.marked)
	assert.Zero(t, markers.stuck())
	// Report items keep the caller's order.
	assert.Equal(t, int64(2), report.Items[0].Observation.ID)
}

func TestBatchWidthCountsBills(t *testing.T) {
	obs := []domain.StatusObservation{
		{ID: 1, BillID: 1}, {ID: 2, BillID: 1}, {ID: 3, BillID: 2}, {ID: 4, BillID: 3},
	}
	var r *Runner
	proc := &fakeProcessor{}
	proc.fn = func(o domain.StatusObservation) (workflow.ClassifyResult, error) {
		if o.ID == 3 {
			r.Cancel()
		}
		return workflow.ClassifyResult{Outcome: workflow.OutcomeUnchanged}, nil
	}
	markers := newMarkers()
	r = NewRunner(proc, WithWidth(2), WithPause(time.Hour), WithMarkers(markers))

	report := r.Run(context.Background(), obs)
	assert.True(t, report.Cancelled)
	assert.Equal(t, StatusCancelled, report.Items[3].Status)
	assert.Equal(t, StatusDone, report.Items[2].Status)
	assert.Zero(t, markers.stuck())
}
