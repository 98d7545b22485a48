// Package worker runs top-level job triggers on a bounded pool of workers.
package worker

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/game-data-manager/internal/errors"
	"github.com/game-data-manager/internal/job"
	"github.com/game-data-manager/internal/logging"
)

// ErrStopped is returned by Dispatch once the dispatcher has stopped.
var ErrStopped = errors.New("dispatcher stopped")

// JobRunner starts top-level runs.
type JobRunner interface {
	RunJob(ctx context.Context, name string, opts job.StartOptions) (job.Outputs, error)
}

// Stats is a snapshot of the dispatcher.
type Stats struct {
	Workers int          `json:"workers"`
	Active  int          `json:"active"`
	Queued  []*QueueItem `json:"queued"`
}

// Dispatcher queues triggers by priority and runs them on at most
// workers goroutines. A job already waiting in the queue is queued once;
// a later trigger can only raise its priority.
type Dispatcher struct {
	runner  JobRunner
	logger  *logging.Logger
	workers int
	sem     chan struct{}
	wake    chan struct{}

	mu      sync.Mutex
	queue   PriorityQueue
	queued  map[string]*QueueItem
	seq     uint64
	active  int
	started bool
	stopped bool
	cancel  context.CancelFunc

	wg sync.WaitGroup
}

var _ job.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher with the given number of workers.
func NewDispatcher(runner JobRunner, workers int, logger *logging.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Dispatcher{
		runner:  runner,
		logger:  logger.WithField("component", "dispatcher"),
		workers: workers,
		sem:     make(chan struct{}, workers),
		wake:    make(chan struct{}, 1),
		queued:  make(map[string]*QueueItem),
	}
}

// Start begins dispatching. Runs are started with ctx, so cancelling it
// aborts them.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return apperrors.NewConflictError("dispatcher already started")
	}
	d.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Add(1)
	go d.loop(loopCtx, ctx)
	return nil
}

// Dispatch queues a top-level run of the named job.
func (d *Dispatcher) Dispatch(name string, source job.TriggerSource) error {
	priority := PriorityFor(source)

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrStopped
	}
	if item, ok := d.queued[name]; ok {
		if priority > item.Priority {
			item.Priority = priority
			item.Source = source
			heap.Fix(&d.queue, item.index)
		}
		d.mu.Unlock()
		return nil
	}
	d.seq++
	item := &QueueItem{Name: name, Source: source, Priority: priority, Queued: time.Now(), seq: d.seq}
	heap.Push(&d.queue, item)
	d.queued[name] = item
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

func (d *Dispatcher) loop(loopCtx, runCtx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case d.sem <- struct{}{}:
		case <-loopCtx.Done():
			return
		}

		item := d.next(loopCtx)
		if item == nil {
			<-d.sem
			return
		}
		d.wg.Add(1)
		go d.run(runCtx, item)
	}
}

// next blocks until an item is queued or ctx is done.
func (d *Dispatcher) next(ctx context.Context) *QueueItem {
	for {
		d.mu.Lock()
		if d.queue.Len() > 0 {
			item := heap.Pop(&d.queue).(*QueueItem)
			delete(d.queued, item.Name)
			d.active++
			d.mu.Unlock()
			return item
		}
		d.mu.Unlock()

		select {
		case <-d.wake:
		case <-ctx.Done():
			return nil
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, item *QueueItem) {
	defer func() {
		d.mu.Lock()
		d.active--
		d.mu.Unlock()
		<-d.sem
		d.wg.Done()
	}()

	log := d.logger.WithFields(map[string]interface{}{
		"job":    item.Name,
		"source": item.Source,
		"waited": time.Since(item.Queued).String(),
	})
	log.Debug("Dispatching job")

	_, err := d.runner.RunJob(ctx, item.Name, job.StartOptions{})
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrAlreadyRunning):
		log.WithError(err).Info("Job trigger skipped")
	default:
		log.WithError(err).Warn("Job trigger failed")
	}
}

// Stats returns a snapshot of the queue.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	queued := make([]*QueueItem, 0, d.queue.Len())
	for _, item := range d.queue {
		cp := *item
		queued = append(queued, &cp)
	}
	return Stats{Workers: d.workers, Active: d.active, Queued: queued}
}

// Stop stops taking triggers, drops queued ones and waits until running
// triggers return or ctx is done.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.stopped = true
	dropped := d.queue.Len()
	d.queue = nil
	d.queued = make(map[string]*QueueItem)
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if dropped > 0 {
		d.logger.WithField("dropped", dropped).Warn("Dropped queued job triggers")
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
