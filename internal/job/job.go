// Package job implements the job orchestration core: named single-flight
// jobs, a manager that resolves dependencies between them by name, and the
// cron and event triggers that start them.
package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/game-data-manager/internal/alert"
	apperrors "github.com/game-data-manager/internal/errors"
	"github.com/game-data-manager/internal/logging"
)

const (
	alertTimeout      = 30 * time.Second
	stateStoreTimeout = 5 * time.Second
)

// errRunFinished cancels a run's context once cleanup is done.
var errRunFinished = errors.New("run finished")

// Runner is the body of a job.
type Runner interface {
	Run(r *Run) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(r *Run) error

// Run calls f(r).
func (f RunnerFunc) Run(r *Run) error {
	return f(r)
}

// StartOptions configures a single start of a job.
type StartOptions struct {
	// Parent is the run invoking this job, nil for scheduler triggers.
	Parent *Run
}

// Result describes a finished run.
type Result struct {
	Name     string               `json:"name"`
	Started  time.Time            `json:"started"`
	Finished time.Time            `json:"finished"`
	Err      error                `json:"-"`
	Error    string               `json:"error,omitempty"`
	Summary  []SummaryEntry       `json:"summary,omitempty"`
	Messages []logging.JobMessage `json:"messages,omitempty"`
}

// execution is the shared handle of an in-flight run. Callers that join
// an in-flight run wait on done and then read outputs and err.
type execution struct {
	run     *Run
	done    chan struct{}
	outputs Outputs
	err     error
}

// Job is the persistent state of a named job. Everything specific to one
// execution lives on Run.
type Job struct {
	name               string
	manager            *Manager
	runner             Runner
	terminateIfRunning int

	mu             sync.Mutex
	current        *execution
	alreadyRunning int
	lastCompletion time.Time
	lastResult     *Result
	outputs        Outputs
	outputsAt      time.Time
}

// Name returns the job name.
func (j *Job) Name() string {
	return j.name
}

// Running reports whether a run is in flight.
func (j *Job) Running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.current != nil
}

// LastResult returns the result of the last finished run, nil if none.
func (j *Job) LastResult() *Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastResult
}

// Start runs the job.
//
// A job already on the parent chain fails with a cyclic invocation error.
// When a run is in flight, a child caller joins it and gets its result; a
// top-level caller is rejected, and the terminateIfRunning-th consecutive
// rejection also aborts the in-flight run.
//
// A child's error is returned to its caller. A top-level run's error is
// logged, alerted and recorded in LastResult, and Start returns nil.
func (j *Job) Start(ctx context.Context, opts StartOptions) (Outputs, error) {
	return j.start(ctx, opts, 0)
}

// start is Start that first returns the outputs of the last successful run
// when they are younger than maxAge. The check and the start happen under
// one lock so a run finishing in between cannot cause a second run.
func (j *Job) start(ctx context.Context, opts StartOptions, maxAge time.Duration) (Outputs, error) {
	if err := j.checkCycle(opts.Parent); err != nil {
		opts.Parent.logger.Error("%v", err)
		return nil, err
	}

	j.mu.Lock()
	if maxAge > 0 && j.outputs != nil && time.Since(j.outputsAt) <= maxAge {
		outputs := j.outputs
		j.mu.Unlock()
		return outputs, nil
	}
	if exec := j.current; exec != nil {
		if opts.Parent != nil {
			j.mu.Unlock()
			return j.join(opts.Parent, exec)
		}

		j.alreadyRunning++
		attempts := j.alreadyRunning
		terminate := j.terminateIfRunning > 0 && attempts >= j.terminateIfRunning
		if terminate {
			j.alreadyRunning = 0
		}
		j.mu.Unlock()

		err := apperrors.NewAlreadyRunningError(j.name, attempts)
		log := j.manager.logger.WithFields(map[string]interface{}{
			"job":      j.name,
			"attempts": attempts,
		})
		if terminate {
			log.Warn("Job still running after repeated triggers, aborting in-flight run")
			exec.run.cancel(err)
		} else {
			log.Warn("Job already running, trigger rejected")
		}
		return nil, err
	}

	run := j.newRun(ctx, opts.Parent, j.lastCompletion)
	exec := &execution{run: run, done: make(chan struct{})}
	j.current = exec
	j.alreadyRunning = 0
	j.mu.Unlock()

	if opts.Parent != nil {
		j.manager.waits.add(opts.Parent, run)
		defer j.manager.waits.remove(opts.Parent, run)
	}

	j.execute(exec)

	if opts.Parent != nil {
		return exec.outputs, exec.err
	}
	return exec.outputs, nil
}

// Abort cancels the in-flight run with reason. It reports whether a run
// was in flight.
func (j *Job) Abort(reason error) bool {
	j.mu.Lock()
	exec := j.current
	j.mu.Unlock()

	if exec == nil {
		return false
	}
	if reason == nil {
		reason = errors.New("aborted")
	}
	exec.run.cancel(reason)
	return true
}

func (j *Job) checkCycle(parent *Run) error {
	for p := parent; p != nil; p = p.parent {
		if p.job.name == j.name {
			return apperrors.NewCyclicInvocationError(j.name, append(parent.chain(), j.name))
		}
	}
	return nil
}

// join waits for an in-flight run on behalf of a child caller.
func (j *Job) join(parent *Run, exec *execution) (Outputs, error) {
	if !j.manager.waits.tryAdd(parent, exec.run) {
		err := apperrors.NewCyclicInvocationError(j.name, append(parent.chain(), j.name))
		parent.logger.Error("%v", err)
		return nil, err
	}
	defer j.manager.waits.remove(parent, exec.run)

	parent.logger.Log("Waiting for running %s job to finish", j.name)

	select {
	case <-exec.done:
		return exec.outputs, exec.err
	case <-parent.ctx.Done():
		return nil, apperrors.NewJobAbortedError(parent.job.name, context.Cause(parent.ctx))
	}
}

func (j *Job) newRun(ctx context.Context, parent *Run, lastRun time.Time) *Run {
	base := ctx
	if parent != nil {
		base = parent.ctx
	}
	runCtx, cancel := context.WithCancelCause(base)

	logger := logging.NewJobLogger(j.name, j.manager.logger)
	if parent != nil {
		logger.SetParent(parent.logger)
	}

	return &Run{
		job:     j,
		parent:  parent,
		ctx:     logging.WithLogger(runCtx, logger.Base()),
		cancel:  cancel,
		logger:  logger,
		started: time.Now(),
		lastRun: lastRun,
		outputs: make(Outputs),
	}
}

func (j *Job) execute(exec *execution) {
	run := exec.run
	if run.lastRun.IsZero() {
		// first run in this process
		sctx, scancel := context.WithTimeout(context.Background(), stateStoreTimeout)
		t, err := j.manager.state.LastRun(sctx, j.name)
		scancel()
		if err != nil {
			run.logger.Warn("Could not read last run: %v", err)
		}
		run.lastRun = t
	}
	run.logger.Log("Starting %s job", j.name)

	err := j.invoke(run)
	if err != nil && run.ctx.Err() != nil && !errors.Is(err, apperrors.ErrJobAborted) {
		run.logger.Warn("Run error after abort: %v", err)
		err = apperrors.NewJobAbortedError(j.name, context.Cause(run.ctx))
	}

	if err != nil {
		run.logger.Error("%s job failed: %v", j.name, err)
		if run.parent == nil {
			run.Alert(alert.Message{
				Title: fmt.Sprintf("Error running %s job", j.name),
				Body:  err.Error(),
				Level: alert.LevelError,
			})
		}
	} else {
		run.logger.Success("Completed %s job", j.name)
	}

	j.cleanup(exec, err)
}

func (j *Job) invoke(run *Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.NewInternalError(fmt.Sprintf("job %s panicked: %v", j.name, r), nil)
		}
	}()
	return j.runner.Run(run)
}

// cleanup flushes alerts, waits for tracked I/O, stamps the completion
// time and publishes the result. It runs on every path out of execute.
func (j *Job) cleanup(exec *execution, err error) {
	run := exec.run

	run.flushAlerts()
	for _, perr := range run.waitPending() {
		run.logger.Warn("Pending operation error: %v", perr)
	}

	finished := time.Now()
	sctx, scancel := context.WithTimeout(context.Background(), stateStoreTimeout)
	if serr := j.manager.state.SetLastRun(sctx, j.name, finished); serr != nil {
		run.logger.Warn("Could not persist last run: %v", serr)
	}
	scancel()

	outputs := run.snapshotOutputs()
	result := &Result{
		Name:     j.name,
		Started:  run.started,
		Finished: finished,
		Err:      err,
		Summary:  run.snapshotSummary(),
		Messages: run.logger.Messages(),
	}
	if err != nil {
		result.Error = err.Error()
	}

	j.mu.Lock()
	j.lastCompletion = finished
	j.lastResult = result
	if err == nil {
		j.outputs = outputs
		j.outputsAt = finished
	}
	j.current = nil
	j.mu.Unlock()

	exec.outputs = outputs
	exec.err = err
	close(exec.done)

	run.cancel(errRunFinished)
	j.manager.notifyComplete(result)
}
