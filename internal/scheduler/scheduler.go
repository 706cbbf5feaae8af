// Package scheduler runs the automated classifier over the observation queue
// on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"billtracker/internal/batch"
	"billtracker/internal/domain"
	"billtracker/internal/workflow"

	"github.com/robfig/cron/v3"
)

const DefaultLimit = 100

// Queue is the part of the workflow service a run reads from and writes to.
type Queue interface {
	batch.Processor
	PendingObservations(ctx context.Context, limit int) ([]domain.StatusObservation, error)
}

// AutoClassifier drains the observation queue with one batch run at a time.
type AutoClassifier struct {
	queue   Queue
	opts    []batch.Option
	limit   int
	notify  func(ctx context.Context, summary string)
	mu      sync.Mutex
	running *batch.Runner
}

type Option func(*AutoClassifier)

// WithBatchOptions configures every runner the classifier creates.
func WithBatchOptions(opts ...batch.Option) Option {
	return func(a *AutoClassifier) {
		a.opts = append(a.opts, opts...)
	}
}

func WithLimit(n int) Option {
	return func(a *AutoClassifier) {
		if n > 0 {
			a.limit = n
		}
	}
}

// WithNotify receives the summary of every run that had work to do.
func WithNotify(fn func(ctx context.Context, summary string)) Option {
	return func(a *AutoClassifier) {
		a.notify = fn
	}
}

func NewAutoClassifier(queue Queue, opts ...Option) *AutoClassifier {
	a := &AutoClassifier{queue: queue, limit: DefaultLimit}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ErrBusy is returned when a run is already in progress.
var ErrBusy = errors.New("auto-classify already running")

// RunOnce classifies whatever is pending now.
func (a *AutoClassifier) RunOnce(ctx context.Context) (batch.Report, error) {
	a.mu.Lock()
	if a.running != nil {
		a.mu.Unlock()
		return batch.Report{}, ErrBusy
	}
	runner := batch.NewRunner(a.queue, a.opts...)
	a.running = runner
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.running = nil
		a.mu.Unlock()
	}()

	pending, err := a.queue.PendingObservations(ctx, a.limit)
	if err != nil {
		return batch.Report{}, fmt.Errorf("list pending observations: %w", err)
	}
	if len(pending) == 0 {
		log.Printf("auto-classify nothing pending")
		return batch.Report{}, nil
	}
	report := runner.Run(ctx, pending)
	if a.notify != nil {
		a.notify(ctx, FormatSummary(report))
	}
	return report, nil
}

// Cancel stops the run in progress, if any.
func (a *AutoClassifier) Cancel() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running == nil {
		return false
	}
	a.running.Cancel()
	return true
}

// FormatSummary returns a human-readable summary of a run.
func FormatSummary(r batch.Report) string {
	if len(r.Items) == 0 {
		return "No status updates were waiting for classification."
	}
	var counts []string
	for _, s := range []batch.Status{batch.StatusDone, batch.StatusSkipped, batch.StatusFailed, batch.StatusCancelled} {
		if n := r.Count(s); n > 0 {
			counts = append(counts, fmt.Sprintf("%d %s", n, s))
		}
	}
	msg := fmt.Sprintf("Classified %d status updates: %s", len(r.Items), strings.Join(counts, ", "))

	outcomes := make(map[workflow.Outcome]int)
	for _, it := range r.Items {
		if it.Result != nil {
			outcomes[it.Result.Outcome]++
		}
	}
	var parts []string
	for _, o := range []workflow.Outcome{workflow.OutcomeProposed, workflow.OutcomeFlagged, workflow.OutcomeLowConfidence, workflow.OutcomeUnchanged} {
		if n := outcomes[o]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, strings.ReplaceAll(string(o), "_", " ")))
		}
	}
	if len(parts) > 0 {
		msg += fmt.Sprintf(" (%s)", strings.Join(parts, ", "))
	}
	if r.Cancelled {
		msg += ". Run was cancelled"
	}
	return msg + "."
}

// Start schedules job with a standard 5-field cron expression
// (minute hour day-of-month month day-of-week), e.g. "0 9 * * 1-5".
// An empty schedule returns a nil scheduler.
func Start(name, schedule string, loc *time.Location, job func()) (*cron.Cron, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		log.Printf("%s disabled (no schedule set)", name)
		return nil, nil
	}
	if loc == nil {
		loc = time.Local
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid %s schedule '%s': %w", name, schedule, err)
	}

	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	id, err := c.AddFunc(schedule, job)
	if err != nil {
		return nil, fmt.Errorf("schedule %s: %w", name, err)
	}
	c.Start()
	next := sched.Next(time.Now().In(loc))
	log.Printf("%s scheduled (cron: %s) entry=%d next=%s", name, schedule, id, next.Format("Mon Jan 2 15:04"))
	return c, nil
}

// ScheduleAutoClassify wires a classifier to the cron schedule. Each tick is
// bounded by timeout.
func ScheduleAutoClassify(ctx context.Context, a *AutoClassifier, schedule string, loc *time.Location, timeout time.Duration) (*cron.Cron, error) {
	return Start("auto-classify", schedule, loc, func() {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		report, err := a.RunOnce(runCtx)
		if err != nil {
			log.Printf("auto-classify error: %v", err)
			return
		}
		if len(report.Items) > 0 {
			log.Printf("auto-classify complete: %s", FormatSummary(report))
		}
	})
}
