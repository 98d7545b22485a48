package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/game-data-manager/internal/alert"
	"github.com/game-data-manager/internal/logging"
)

// DefaultVariant is the output variant used when a job does not partition
// its output.
const DefaultVariant = "default"

// Outputs maps an output variant (for example a game mode) to its value.
type Outputs map[string]any

// SummaryEntry is one line of a run's summary.
type SummaryEntry struct {
	Level   alert.Level `json:"level"`
	Message string      `json:"message"`
}

// Run is the per-execution context of a job. It is created when a run
// starts and dropped when it ends; nothing on it outlives the run except
// what cleanup copies into the Job.
type Run struct {
	job     *Job
	parent  *Run
	ctx     context.Context
	cancel  context.CancelCauseFunc
	logger  *logging.JobLogger
	started time.Time
	lastRun time.Time

	mu      sync.Mutex
	outputs Outputs
	summary []SummaryEntry
	alerts  []<-chan struct{}

	pending     errgroup.Group
	pendingMu   sync.Mutex
	pendingErrs []error
}

// Context is cancelled when the run is aborted, when its parent is
// cancelled, or when the run finishes.
func (r *Run) Context() context.Context {
	return r.ctx
}

// Name returns the job name.
func (r *Run) Name() string {
	return r.job.name
}

// Parent returns the run that invoked this one, or nil for a top-level run.
func (r *Run) Parent() *Run {
	return r.parent
}

// Logger returns the run's job logger.
func (r *Run) Logger() *logging.JobLogger {
	return r.logger
}

// Started returns when the run started.
func (r *Run) Started() time.Time {
	return r.started
}

// LastRun returns the previous completion time of this job, zero if it
// never completed. Jobs use it to choose incremental processing.
func (r *Run) LastRun() time.Time {
	return r.lastRun
}

// Manager returns the manager that owns the job.
func (r *Run) Manager() *Manager {
	return r.job.manager
}

// SetOutput records the output of the given variant.
func (r *Run) SetOutput(variant string, v any) {
	if variant == "" {
		variant = DefaultVariant
	}
	r.mu.Lock()
	r.outputs[variant] = v
	r.mu.Unlock()
}

// AddSummary appends a line to the run summary.
func (r *Run) AddSummary(level alert.Level, format string, args ...interface{}) {
	r.mu.Lock()
	r.summary = append(r.summary, SummaryEntry{Level: level, Message: fmt.Sprintf(format, args...)})
	r.mu.Unlock()
}

// Alert queues an alert. Queued alerts are flushed before the run completes.
func (r *Run) Alert(msg alert.Message) {
	if msg.Job == "" {
		msg.Job = r.job.name
	}
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	// alerts must go out even when the run itself was aborted
	ctx, cancel := context.WithTimeout(logging.WithLogger(context.Background(), r.logger.Base()), alertTimeout)
	done := alert.SendAsync(ctx, r.job.manager.alerter, msg)
	go func() {
		<-done
		cancel()
	}()

	r.mu.Lock()
	r.alerts = append(r.alerts, done)
	r.mu.Unlock()
}

// Go runs fn as tracked I/O of this run. Cleanup waits for every tracked
// operation; their failures are logged and never fail the run.
func (r *Run) Go(label string, fn func(ctx context.Context) error) {
	r.pending.Go(func() error {
		if err := fn(r.ctx); err != nil {
			r.logger.Warn("%s failed: %v", label, err)
			r.pendingMu.Lock()
			r.pendingErrs = append(r.pendingErrs, fmt.Errorf("%s: %w", label, err))
			r.pendingMu.Unlock()
		}
		return nil
	})
}

// JobOutput returns the given variant of another job's output, running
// that job as a child of this run when no fresh output is cached.
func (r *Run) JobOutput(name, variant string) (any, error) {
	return r.job.manager.JobOutput(r.ctx, r, name, variant)
}

// JobOutputRaw returns every variant of another job's output.
func (r *Run) JobOutputRaw(name string) (Outputs, error) {
	return r.job.manager.JobOutputRaw(r.ctx, r, name)
}

// RunJob runs another job as a child of this run regardless of any
// cached output.
func (r *Run) RunJob(name string) (Outputs, error) {
	return r.job.manager.RunJob(r.ctx, name, StartOptions{Parent: r})
}

// chain lists the job names from the root run down to r.
func (r *Run) chain() []string {
	var names []string
	for p := r; p != nil; p = p.parent {
		names = append([]string{p.job.name}, names...)
	}
	return names
}

func (r *Run) snapshotOutputs() Outputs {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(Outputs, len(r.outputs))
	for k, v := range r.outputs {
		out[k] = v
	}
	return out
}

func (r *Run) snapshotSummary() []SummaryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SummaryEntry, len(r.summary))
	copy(out, r.summary)
	return out
}

func (r *Run) flushAlerts() {
	r.mu.Lock()
	alerts := r.alerts
	r.alerts = nil
	r.mu.Unlock()

	for _, done := range alerts {
		<-done
	}
}

func (r *Run) waitPending() []error {
	_ = r.pending.Wait()
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return r.pendingErrs
}
