// Package batch runs the automated classifier over many observations in
// small sequential batches of bills, with cooperative cancellation.
package batch

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"billtracker/internal/domain"
	"billtracker/internal/metrics"
	"billtracker/internal/workflow"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWidth = 3
	DefaultPause = 1500 * time.Millisecond
)

type Processor interface {
	ProcessObservation(ctx context.Context, obs domain.StatusObservation) (workflow.ClassifyResult, error)
}

// Markers receives per-bill "processing" state, typically an overlay
// reconciler.
type Markers interface {
	MarkProcessing(billID int64)
	ClearProcessing(billID int64)
}

type noMarkers struct{}

func (noMarkers) MarkProcessing(int64)  {}
func (noMarkers) ClearProcessing(int64) {}

type Status string

const (
	StatusDone      Status = "done"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

type Item struct {
	Observation domain.StatusObservation
	Status      Status
	Result      *workflow.ClassifyResult
	Err         error
}

type Report struct {
	RunID     string
	Items     []Item
	Cancelled bool
	Started   time.Time
	Finished  time.Time
}

func (r Report) Count(s Status) int {
	n := 0
	for _, it := range r.Items {
		if it.Status == s {
			n++
		}
	}
	return n
}

type Runner struct {
	proc    Processor
	markers Markers
	width   int
	pause   time.Duration
	metrics *metrics.Metrics

	cancelOnce sync.Once
	cancelCh   chan struct{}
}

type Option func(*Runner)

func WithWidth(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.width = n
		}
	}
}

func WithPause(d time.Duration) Option {
	return func(r *Runner) {
		if d >= 0 {
			r.pause = d
		}
	}
}

func WithMarkers(m Markers) Option {
	return func(r *Runner) {
		if m != nil {
			r.markers = m
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// NewRunner prepares a single run. Cancel applies to that run only.
func NewRunner(proc Processor, opts ...Option) *Runner {
	r := &Runner{
		proc:     proc,
		markers:  noMarkers{},
		width:    DefaultWidth,
		pause:    DefaultPause,
		cancelCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Cancel asks the run to stop. Calls already in flight finish; nothing new
// starts and every processing marker is cleared.
func (r *Runner) Cancel() {
	r.cancelOnce.Do(func() { close(r.cancelCh) })
}

func (r *Runner) cancelled(ctx context.Context) bool {
	select {
	case <-r.cancelCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (r *Runner) Run(ctx context.Context, observations []domain.StatusObservation) Report {
	report := Report{
		RunID:   "b-" + uuid.NewString(),
		Items:   make([]Item, len(observations)),
		Started: time.Now(),
	}
	for i, obs := range observations {
		report.Items[i] = Item{Observation: obs, Status: StatusCancelled}
	}
	bills := groupByBill(report.Items)
	log.Printf("batch start run=%s observations=%d bills=%d width=%d", report.RunID, len(observations), len(bills), r.width)

	for start := 0; start < len(bills); start += r.width {
		if r.cancelled(ctx) {
			report.Cancelled = true
			break
		}
		if start > 0 && !r.sleep(ctx) {
			report.Cancelled = true
			break
		}
		end := min(start+r.width, len(bills))
		r.runBatch(ctx, bills[start:end])
	}
	if r.cancelled(ctx) {
		report.Cancelled = true
	}

	report.Finished = time.Now()
	log.Printf("batch done run=%s done=%d skipped=%d failed=%d cancelled=%d elapsed=%s",
		report.RunID, report.Count(StatusDone), report.Count(StatusSkipped), report.Count(StatusFailed),
		report.Count(StatusCancelled), report.Finished.Sub(report.Started).Round(time.Millisecond))
	return report
}

// runBatch runs different bills side by side. A bill's own observations run
// one after another, oldest first, so the newest text writes last.
func (r *Runner) runBatch(ctx context.Context, bills [][]*Item) {
	for _, items := range bills {
		r.markers.MarkProcessing(items[0].Observation.BillID)
	}

	var g errgroup.Group
	g.SetLimit(r.width)
	for _, items := range bills {
		g.Go(func() error {
			defer r.markers.ClearProcessing(items[0].Observation.BillID)
			for _, item := range items {
				r.runOne(ctx, item)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// groupByBill keeps bills in order of first appearance and sorts each bill's
// items by observation time, then id.
func groupByBill(items []Item) [][]*Item {
	index := make(map[int64]int)
	var bills [][]*Item
	for i := range items {
		item := &items[i]
		k, ok := index[item.Observation.BillID]
		if !ok {
			k = len(bills)
			index[item.Observation.BillID] = k
			bills = append(bills, nil)
		}
		bills[k] = append(bills[k], item)
	}
	for _, group := range bills {
		sort.SliceStable(group, func(a, b int) bool {
			oa, ob := group[a].Observation, group[b].Observation
			if !oa.ObservedAt.Equal(ob.ObservedAt) {
				return oa.ObservedAt.Before(ob.ObservedAt)
			}
			return oa.ID < ob.ID
		})
	}
	return bills
}

func (r *Runner) runOne(ctx context.Context, item *Item) {
	billID := item.Observation.BillID
	if r.cancelled(ctx) {
		item.Status = StatusCancelled
		return
	}

	res, err := r.proc.ProcessObservation(ctx, item.Observation)
	switch {
	case err == nil:
		item.Result = &res
		item.Status = StatusDone
	case errors.Is(err, domain.ErrClassifierTimeout):
		item.Err = err
		item.Status = StatusSkipped
		r.metrics.BatchSkipped()
		log.Printf("batch skip bill=%d observation=%d err=%v", billID, item.Observation.ID, err)
	default:
		item.Err = err
		item.Status = StatusFailed
		log.Printf("batch error bill=%d observation=%d err=%v", billID, item.Observation.ID, err)
	}

	// The call cannot be interrupted, but a run cancelled meanwhile still
	// reports the item as cancelled. Whatever the call wrote stays written.
	if r.cancelled(ctx) && item.Status != StatusDone {
		item.Status = StatusCancelled
	}
}

func (r *Runner) sleep(ctx context.Context) bool {
	if r.pause <= 0 {
		return true
	}
	timer := time.NewTimer(r.pause)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-r.cancelCh:
		return false
	case <-ctx.Done():
		return false
	}
}
