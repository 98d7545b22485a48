package job

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/game-data-manager/internal/alert"
	apperrors "github.com/game-data-manager/internal/errors"
	"github.com/game-data-manager/internal/logging"
)

// TriggerSource identifies what fired a top-level run.
type TriggerSource string

const (
	SourceCron   TriggerSource = "cron"
	SourceEvent  TriggerSource = "event"
	SourceManual TriggerSource = "manual"
)

// Factory builds the runner of a job. It is called once, the first time
// the job is needed.
type Factory func(m *Manager) (Runner, error)

// Dispatcher takes over top-level triggers, typically to bound how many
// run at once. Without one, each trigger runs in its own goroutine.
type Dispatcher interface {
	Dispatch(name string, source TriggerSource) error
}

// Option configures a registered job.
type Option func(*registration)

// WithTerminateIfRunning overrides the manager-wide threshold of redundant
// top-level triggers that aborts an in-flight run.
func WithTerminateIfRunning(n int) Option {
	return func(r *registration) { r.terminateIfRunning = n }
}

type registration struct {
	factory            Factory
	terminateIfRunning int
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Logger             *logging.Logger
	State              StateStore
	Alerter            alert.Alerter
	TerminateIfRunning int
	OutputFreshness    time.Duration
}

// JobStatus is a point-in-time view of a job.
type JobStatus struct {
	Name           string    `json:"name"`
	Running        bool      `json:"running"`
	Started        time.Time `json:"started,omitempty"`
	LastCompletion time.Time `json:"lastCompletion,omitempty"`
	Schedule       string    `json:"schedule,omitempty"`
	LastResult     *Result   `json:"lastResult,omitempty"`
}

// Manager owns every job of the process. Jobs reach each other only
// through the manager, by name.
type Manager struct {
	logger             *logging.Logger
	state              StateStore
	alerter            alert.Alerter
	terminateIfRunning int
	freshness          time.Duration
	waits              *waitGraph

	mu            sync.Mutex
	registrations map[string]registration
	jobs          map[string]*Job
	schedules     map[string]string
	events        map[string][]string
	dispatcher    Dispatcher

	subMu       sync.Mutex
	subscribers map[string][]chan *Result

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	state := cfg.State
	if state == nil {
		state = NewMemoryStateStore()
	}
	alerter := cfg.Alerter
	if alerter == nil {
		alerter = alert.NewLogAlerter(logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:             logger.WithField("component", "job-manager"),
		state:              state,
		alerter:            alerter,
		terminateIfRunning: cfg.TerminateIfRunning,
		freshness:          cfg.OutputFreshness,
		waits:              newWaitGraph(),
		registrations:      make(map[string]registration),
		jobs:               make(map[string]*Job),
		schedules:          make(map[string]string),
		events:             make(map[string][]string),
		subscribers:        make(map[string][]chan *Result),
		cron:               cron.New(),
		ctx:                logging.WithLogger(ctx, logger),
		cancel:             cancel,
	}
}

// Register adds a job under name. Registering a name twice replaces the
// factory if the job was not built yet.
func (m *Manager) Register(name string, factory Factory, opts ...Option) {
	reg := registration{factory: factory, terminateIfRunning: m.terminateIfRunning}
	for _, opt := range opts {
		opt(&reg)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.registrations[name] = reg
}

// Job returns the job registered under name, building it on first use.
func (m *Manager) Job(name string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j, ok := m.jobs[name]; ok {
		return j, nil
	}
	reg, ok := m.registrations[name]
	if !ok {
		return nil, apperrors.NewNotFoundError("job", name)
	}

	runner, err := reg.factory(m)
	if err != nil {
		return nil, fmt.Errorf("failed to build job %s: %w", name, err)
	}
	j := &Job{
		name:               name,
		manager:            m,
		runner:             runner,
		terminateIfRunning: reg.terminateIfRunning,
	}
	m.jobs[name] = j
	return j, nil
}

// Jobs returns the registered job names in order.
func (m *Manager) Jobs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.registrations))
	for name := range m.registrations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunJob starts the named job.
func (m *Manager) RunJob(ctx context.Context, name string, opts StartOptions) (Outputs, error) {
	j, err := m.Job(name)
	if err != nil {
		return nil, err
	}
	return j.Start(ctx, opts)
}

// JobOutput returns one variant of the named job's output. Output from a
// successful run within the freshness window is reused; otherwise the job
// runs as a child of caller.
func (m *Manager) JobOutput(ctx context.Context, caller *Run, name, variant string) (any, error) {
	if variant == "" {
		variant = DefaultVariant
	}
	outputs, err := m.JobOutputRaw(ctx, caller, name)
	if err != nil {
		return nil, err
	}
	v, ok := outputs[variant]
	if !ok {
		return nil, apperrors.NewNotFoundError("output variant", name+"/"+variant)
	}
	return v, nil
}

// JobOutputRaw returns every variant of the named job's output.
func (m *Manager) JobOutputRaw(ctx context.Context, caller *Run, name string) (Outputs, error) {
	j, err := m.Job(name)
	if err != nil {
		return nil, err
	}
	return j.start(ctx, StartOptions{Parent: caller}, m.freshness)
}

// LastRun returns the persisted completion time of the named job.
func (m *Manager) LastRun(ctx context.Context, name string) (time.Time, error) {
	return m.state.LastRun(ctx, name)
}

// Abort cancels the in-flight run of the named job.
func (m *Manager) Abort(name string, reason error) (bool, error) {
	j, err := m.Job(name)
	if err != nil {
		return false, err
	}
	return j.Abort(reason), nil
}

// Status reports the state of the named job.
func (m *Manager) Status(name string) (*JobStatus, error) {
	j, err := m.Job(name)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	schedule := m.schedules[name]
	m.mu.Unlock()

	j.mu.Lock()
	defer j.mu.Unlock()
	status := &JobStatus{
		Name:           name,
		Running:        j.current != nil,
		LastCompletion: j.lastCompletion,
		Schedule:       schedule,
		LastResult:     j.lastResult,
	}
	if j.current != nil {
		status.Started = j.current.run.started
	}
	return status, nil
}

// SetDispatcher routes cron and event triggers through d.
func (m *Manager) SetDispatcher(d Dispatcher) {
	m.mu.Lock()
	m.dispatcher = d
	m.mu.Unlock()
}

// Schedule runs the named job on a standard five-field cron expression.
func (m *Manager) Schedule(name, spec string) error {
	m.mu.Lock()
	_, ok := m.registrations[name]
	m.mu.Unlock()
	if !ok {
		return apperrors.NewNotFoundError("job", name)
	}

	if _, err := m.cron.AddFunc(spec, func() { m.Trigger(name, SourceCron) }); err != nil {
		return apperrors.NewInvalidParameterError("schedule", fmt.Sprintf("%s: %v", name, err))
	}

	m.mu.Lock()
	m.schedules[name] = spec
	m.mu.Unlock()
	m.logger.WithFields(map[string]interface{}{
		"job":      name,
		"schedule": spec,
	}).Info("Job scheduled")
	return nil
}

// OnEvent maps an external event to the jobs it starts.
func (m *Manager) OnEvent(event string, names ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[event] = append(m.events[event], names...)
}

// FireEvent triggers every job mapped to event and returns their names.
func (m *Manager) FireEvent(event string) ([]string, error) {
	m.mu.Lock()
	names := append([]string(nil), m.events[event]...)
	m.mu.Unlock()

	if len(names) == 0 {
		return nil, apperrors.NewNotFoundError("event", event)
	}
	for _, name := range names {
		m.Trigger(name, SourceEvent)
	}
	return names, nil
}

// Trigger starts a top-level run of the named job without waiting for it.
func (m *Manager) Trigger(name string, source TriggerSource) {
	m.mu.Lock()
	d := m.dispatcher
	m.mu.Unlock()

	log := m.logger.WithFields(map[string]interface{}{
		"job":    name,
		"source": source,
	})
	if d != nil {
		if err := d.Dispatch(name, source); err != nil {
			log.WithError(err).Warn("Failed to dispatch job trigger")
		}
		return
	}

	go func() {
		if _, err := m.RunJob(m.ctx, name, StartOptions{}); err != nil {
			log.WithError(err).Warn("Job trigger rejected")
		}
	}()
}

// Context is the base context of top-level runs. It is cancelled by Stop.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Start starts the cron scheduler.
func (m *Manager) Start() {
	m.cron.Start()
	m.logger.Info("Job scheduler started")
}

// Stop stops the scheduler and aborts running jobs. It waits until cron
// callbacks in progress returned or ctx is done.
func (m *Manager) Stop(ctx context.Context) {
	stopped := m.cron.Stop()
	m.cancel()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	m.logger.Info("Job scheduler stopped")
}

// WaitForCompletion blocks until the named job's next run finishes.
func (m *Manager) WaitForCompletion(ctx context.Context, name string) (*Result, error) {
	ch := make(chan *Result, 1)
	m.subMu.Lock()
	m.subscribers[name] = append(m.subscribers[name], ch)
	m.subMu.Unlock()

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		m.unsubscribe(name, ch)
		return nil, ctx.Err()
	}
}

func (m *Manager) unsubscribe(name string, ch chan *Result) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	subs := m.subscribers[name]
	for i, s := range subs {
		if s == ch {
			m.subscribers[name] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(m.subscribers[name]) == 0 {
		delete(m.subscribers, name)
	}
}

func (m *Manager) notifyComplete(res *Result) {
	m.subMu.Lock()
	subs := m.subscribers[res.Name]
	delete(m.subscribers, res.Name)
	m.subMu.Unlock()

	for _, ch := range subs {
		ch <- res
	}
}
