// Package queue runs book jobs in memory with a fixed concurrency limit.
//
// Jobs are admitted FIFO and dispatched to the Executor registered for
// their Kind. Job bookkeeping lives only in memory; durable results are
// written by the executors themselves.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/incrementventures/adt-studio-sub000/internal/telemetry"
)

var (
	// ErrNoExecutor fails a job whose kind has no registered executor.
	ErrNoExecutor = errors.New("no executor registered")

	// ErrJobNotFound is returned for unknown or pruned job ids.
	ErrJobNotFound = errors.New("job not found")
)

// DefaultRetention is how long terminal jobs are kept before pruning.
const DefaultRetention = time.Hour

// Executor runs one kind of job. update may be called any number of
// times; each call publishes a job event. The returned value becomes the
// job result.
type Executor interface {
	Execute(ctx context.Context, job Job, update func(Patch)) (any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job Job, update func(Patch)) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, job Job, update func(Patch)) (any, error) {
	return f(ctx, job, update)
}

// Cascader is implemented by executors that enqueue follow-up jobs after
// a job completes.
type Cascader interface {
	Cascade(job Job, result any) []Request
}

// Registry maps job kinds to executors.
type Registry map[Kind]Executor

// Queue is an in-memory FIFO job queue.
type Queue struct {
	registry    Registry
	concurrency int
	retention   time.Duration
	now         func() time.Time
	logger      *slog.Logger
	metrics     telemetry.Metrics
	ctx         context.Context

	mu      sync.Mutex
	nextID  int64
	jobs    map[int64]*Job
	pending []int64
	running int
	idle    chan struct{}
	subs    map[int]func(Event)
	nextSub int
	wg      sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithConcurrency sets how many jobs may run at once. Values below 1
// mean 1.
func WithConcurrency(n int) Option {
	return func(q *Queue) { q.concurrency = max(n, 1) }
}

// WithRetention sets how long terminal jobs are kept.
func WithRetention(d time.Duration) Option {
	return func(q *Queue) { q.retention = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithContext sets the context executors run under. Jobs are never
// cancelled by the queue itself.
func WithContext(ctx context.Context) Option {
	return func(q *Queue) { q.ctx = ctx }
}

// New returns a Queue dispatching to registry.
func New(registry Registry, opts ...Option) *Queue {
	q := &Queue{
		registry:    registry,
		concurrency: 16,
		retention:   DefaultRetention,
		now:         time.Now,
		logger:      slog.Default(),
		metrics:     telemetry.NoopMetrics{},
		ctx:         context.Background(),
		jobs:        make(map[int64]*Job),
		idle:        make(chan struct{}),
		subs:        make(map[int]func(Event)),
	}
	close(q.idle)
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue admits a job and returns its snapshot. It never blocks on
// capacity.
func (q *Queue) Enqueue(req Request) Job {
	q.mu.Lock()
	job := q.enqueueLocked(req)
	events := []Event{q.jobEventLocked(job)}
	events = append(events, q.drainLocked()...)
	events = append(events, q.statsEventLocked())
	snapshot := *job
	q.mu.Unlock()

	q.publish(events)
	q.logger.Debug("job enqueued", "job_id", snapshot.ID, "type", snapshot.Kind, "label", snapshot.Label)
	return snapshot
}

func (q *Queue) enqueueLocked(req Request) *Job {
	q.nextID++
	job := &Job{
		ID:        q.nextID,
		Kind:      req.Kind,
		Label:     req.Label,
		Status:    StatusQueued,
		Params:    req.Params,
		CreatedAt: q.now(),
	}
	q.jobs[job.ID] = job
	q.pending = append(q.pending, job.ID)
	q.markBusyLocked()
	return job
}

// drainLocked starts pending jobs while capacity allows and returns the
// events to publish.
func (q *Queue) drainLocked() []Event {
	var events []Event
	for q.running < q.concurrency && len(q.pending) > 0 {
		id := q.pending[0]
		q.pending = q.pending[1:]
		job, ok := q.jobs[id]
		if !ok || job.Status != StatusQueued {
			continue
		}

		exec, ok := q.registry[job.Kind]
		if !ok || exec == nil {
			now := q.now()
			job.Status = StatusFailed
			job.Error = fmt.Sprintf("%v for job type %q", ErrNoExecutor, job.Kind)
			job.CompletedAt = &now
			events = append(events, q.jobEventLocked(job))
			q.logger.Warn("job failed", "job_id", job.ID, "type", job.Kind, "error", job.Error)
			q.metrics.RecordJob(q.ctx, string(job.Kind), string(StatusFailed), 0)
			continue
		}

		now := q.now()
		job.Status = StatusRunning
		job.StartedAt = &now
		q.running++
		events = append(events, q.jobEventLocked(job))

		q.wg.Add(1)
		go q.run(*job, exec)
	}
	q.markIdleIfDoneLocked()
	return events
}

func (q *Queue) run(job Job, exec Executor) {
	defer q.wg.Done()

	ctx, span := telemetry.StartJobSpan(q.ctx, job.ID, string(job.Kind), job.Label)
	update := func(p Patch) { q.apply(job.ID, p) }

	result, err := q.execute(ctx, job, exec, update)
	telemetry.EndSpan(span, err)

	var follow []Request
	if err == nil {
		if c, ok := exec.(Cascader); ok {
			follow = q.cascade(c, job, result)
		}
	}
	q.finish(job.ID, result, err, follow)
}

func (q *Queue) execute(ctx context.Context, job Job, exec Executor, update func(Patch)) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("executor panic: %v", p)
			q.logger.Error("executor panicked", "job_id", job.ID, "type", job.Kind,
				"panic", p, "stack", string(debug.Stack()))
		}
	}()
	return exec.Execute(ctx, job, update)
}

func (q *Queue) cascade(c Cascader, job Job, result any) (reqs []Request) {
	defer func() {
		if p := recover(); p != nil {
			q.logger.Error("cascade panicked", "job_id", job.ID, "type", job.Kind, "panic", p)
			reqs = nil
		}
	}()
	return c.Cascade(job, result)
}

func (q *Queue) finish(id int64, result any, err error, follow []Request) {
	q.mu.Lock()
	var events []Event
	job, ok := q.jobs[id]
	if ok {
		now := q.now()
		if err != nil {
			job.Status = StatusFailed
			job.Error = err.Error()
		} else if !job.Status.Terminal() {
			job.Status = StatusCompleted
		}
		if result != nil {
			job.Result = result
		}
		if job.CompletedAt == nil {
			job.CompletedAt = &now
		}
		events = append(events, q.jobEventLocked(job))

		var d time.Duration
		if job.StartedAt != nil {
			d = job.CompletedAt.Sub(*job.StartedAt)
		}
		q.metrics.RecordJob(q.ctx, string(job.Kind), string(job.Status), d)
		if job.Status == StatusFailed {
			q.logger.Warn("job failed", "job_id", id, "type", job.Kind, "label", job.Label, "error", job.Error)
		} else {
			q.logger.Info("job completed", "job_id", id, "type", job.Kind, "label", job.Label,
				"duration_ms", d.Milliseconds())
		}

		if job.Status == StatusCompleted {
			for _, req := range follow {
				events = append(events, q.jobEventLocked(q.enqueueLocked(req)))
			}
		}
	}
	q.running--
	q.pruneLocked()
	events = append(events, q.drainLocked()...)
	events = append(events, q.statsEventLocked())
	q.mu.Unlock()

	q.publish(events)
}

func (q *Queue) apply(id int64, p Patch) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	if p.Progress != nil {
		prog := *p.Progress
		job.Progress = &prog
	}
	if p.Result != nil {
		job.Result = p.Result
	}
	if p.Error != nil {
		job.Error = *p.Error
	}
	// Executors may only end a job early; queued and running are owned
	// by the queue.
	terminal := p.Status != nil && p.Status.Terminal() && !job.Status.Terminal()
	if terminal {
		now := q.now()
		job.Status = *p.Status
		job.CompletedAt = &now
	}
	events := []Event{q.jobEventLocked(job)}
	if terminal {
		events = append(events, q.statsEventLocked())
	}
	q.mu.Unlock()

	q.publish(events)
}

// pruneLocked drops terminal jobs older than the retention window.
func (q *Queue) pruneLocked() {
	if q.retention <= 0 {
		return
	}
	cutoff := q.now().Add(-q.retention)
	for id, job := range q.jobs {
		if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(q.jobs, id)
		}
	}
}

func (q *Queue) markBusyLocked() {
	select {
	case <-q.idle:
		q.idle = make(chan struct{})
	default:
	}
}

func (q *Queue) markIdleIfDoneLocked() {
	if q.running > 0 || len(q.pending) > 0 {
		return
	}
	select {
	case <-q.idle:
	default:
		close(q.idle)
	}
}

func (q *Queue) jobEventLocked(job *Job) Event {
	snapshot := *job
	return Event{Type: EventJob, Job: &snapshot}
}

func (q *Queue) statsEventLocked() Event {
	s := q.statsLocked()
	return Event{Type: EventStats, Stats: &s}
}

func (q *Queue) statsLocked() Stats {
	var s Stats
	for _, job := range q.jobs {
		switch job.Status {
		case StatusQueued:
			s.Queued++
		case StatusRunning:
			s.Running++
		}
	}
	return s
}

// Subscribe registers fn for every event and returns a function that
// removes it. fn is called outside the queue lock; a panic in fn is
// logged and ignored.
func (q *Queue) Subscribe(fn func(Event)) (unsubscribe func()) {
	q.mu.Lock()
	id := q.nextSub
	q.nextSub++
	q.subs[id] = fn
	q.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			delete(q.subs, id)
			q.mu.Unlock()
		})
	}
}

func (q *Queue) publish(events []Event) {
	if len(events) == 0 {
		return
	}
	q.mu.Lock()
	subs := make([]func(Event), 0, len(q.subs))
	for _, fn := range q.subs {
		subs = append(subs, fn)
	}
	q.mu.Unlock()

	for _, ev := range events {
		for _, fn := range subs {
			q.deliver(fn, ev)
		}
	}
}

func (q *Queue) deliver(fn func(Event), ev Event) {
	defer func() {
		if p := recover(); p != nil {
			q.logger.Warn("job listener panicked", "event", ev.Type, "panic", p)
		}
	}()
	fn(ev)
}

// Get returns a snapshot of job id.
func (q *Queue) Get(id int64) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("job %d: %w", id, ErrJobNotFound)
	}
	return *job, nil
}

// List returns snapshots of all retained jobs ordered by id.
func (q *Queue) List() []Job {
	q.mu.Lock()
	out := make([]Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		out = append(out, *job)
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns the current queued and running counts.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

// Prune drops expired terminal jobs now.
func (q *Queue) Prune() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneLocked()
}

// WaitIdle blocks until no job is queued or running, or ctx ends.
func (q *Queue) WaitIdle(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every started job has returned. Pending jobs are not
// started by Wait.
func (q *Queue) Wait() {
	q.wg.Wait()
}
