// Package graph resolves pipeline nodes with per-run memoization.
//
// A Node knows how to tell whether its output already exists (IsComplete)
// and how to compute it (Resolve). Within one Run, each (node, scope) pair
// is computed at most once; every caller asking for it shares a Handle.
// Nodes depend on each other by calling Resolve from inside their own
// Resolve function.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/incrementventures/adt-studio-sub000/internal/telemetry"
)

var (
	// ErrNoResultEmitted is returned when a Resolve function finished
	// without error but never emitted a value.
	ErrNoResultEmitted = errors.New("node completed without emitting a result")

	// ErrTypeMismatch is returned when a memoized handle has a different
	// result type than the node asking for it.
	ErrTypeMismatch = errors.New("memoized node has a different result type")
)

// Key identifies a memoized computation within a Run.
type Key struct {
	Node  string
	Scope string
}

func (k Key) String() string {
	if k.Scope == "" {
		return k.Node
	}
	return k.Node + "/" + k.Scope
}

// Progress is an intermediate status message from a running node.
type Progress struct {
	RunID   string    `json:"run_id"`
	Label   string    `json:"label"`
	Node    string    `json:"node"`
	Scope   string    `json:"scope"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Node is a named unit of pipeline work producing a T per scope.
type Node[T any] struct {
	Name string

	// IsComplete reports an existing result. Returning ok=true skips
	// Resolve entirely and emits no progress. May be nil.
	IsComplete func(ctx context.Context, run *Run, scope string) (value T, ok bool, err error)

	// Resolve computes the result and must call emit.Emit at least once.
	// The last emitted value is the result.
	Resolve func(ctx context.Context, run *Run, scope string, emit *Emitter[T]) error
}

// Run is the memo context for one pipeline execution.
type Run struct {
	ID    string
	Label string

	mu       sync.Mutex
	memo     map[Key]any
	progress func(Progress)
	logger   *slog.Logger
	metrics  telemetry.Metrics
}

// RunOption configures a Run.
type RunOption func(*Run)

// WithProgress sets the progress sink. It is called from node goroutines
// and must be safe for concurrent use.
func WithProgress(fn func(Progress)) RunOption {
	return func(r *Run) { r.progress = fn }
}

// WithLogger sets the run logger.
func WithLogger(l *slog.Logger) RunOption {
	return func(r *Run) { r.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) RunOption {
	return func(r *Run) { r.metrics = m }
}

// NewRun creates a Run for the book label with a fresh id.
func NewRun(label string, opts ...RunOption) *Run {
	r := &Run{
		ID:      uuid.NewString(),
		Label:   label,
		memo:    make(map[Key]any),
		logger:  slog.Default(),
		metrics: telemetry.NoopMetrics{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Logger returns the run logger.
func (r *Run) Logger() *slog.Logger { return r.logger }

// Started reports whether key has been requested in this run.
func (r *Run) Started(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.memo[key]
	return ok
}

func (r *Run) emitProgress(node, scope, msg string) {
	if r.progress == nil {
		return
	}
	r.progress(Progress{
		RunID:   r.ID,
		Label:   r.Label,
		Node:    node,
		Scope:   scope,
		Message: msg,
		Time:    time.Now(),
	})
}

// Handle is the shared future of one (node, scope) computation.
type Handle[T any] struct {
	key       Key
	done      chan struct{}
	value     T
	err       error
	fromStore bool
}

// Key returns the memo key of the handle.
func (h *Handle[T]) Key() Key { return h.key }

// Done is closed when the result is available.
func (h *Handle[T]) Done() <-chan struct{} { return h.done }

// Wait blocks until the result is available or ctx ends.
func (h *Handle[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// FromStore reports whether the result came from IsComplete. Only
// meaningful after Done is closed.
func (h *Handle[T]) FromStore() bool {
	<-h.done
	return h.fromStore
}

// Emitter collects a node's result and forwards its progress.
type Emitter[T any] struct {
	run     *Run
	key     Key
	mu      sync.Mutex
	value   T
	emitted bool
}

// Emit records v as the current result.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	e.value = v
	e.emitted = true
	e.mu.Unlock()
}

// Progress reports an intermediate status message.
func (e *Emitter[T]) Progress(msg string) {
	e.run.emitProgress(e.key.Node, e.key.Scope, msg)
}

// Progressf is Progress with formatting.
func (e *Emitter[T]) Progressf(format string, args ...any) {
	e.Progress(fmt.Sprintf(format, args...))
}

func (e *Emitter[T]) result() (T, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value, e.emitted
}

// Start returns the handle for node at scope, launching the computation
// if this run has not requested it yet.
func Start[T any](ctx context.Context, run *Run, node *Node[T], scope string) *Handle[T] {
	key := Key{Node: node.Name, Scope: scope}

	run.mu.Lock()
	if existing, ok := run.memo[key]; ok {
		run.mu.Unlock()
		h, ok := existing.(*Handle[T])
		if !ok {
			failed := &Handle[T]{key: key, done: make(chan struct{})}
			failed.err = fmt.Errorf("%s: %w", key, ErrTypeMismatch)
			close(failed.done)
			return failed
		}
		return h
	}
	h := &Handle[T]{key: key, done: make(chan struct{})}
	run.memo[key] = h
	run.mu.Unlock()

	go h.compute(ctx, run, node, scope)
	return h
}

// Resolve is Start followed by Wait.
func Resolve[T any](ctx context.Context, run *Run, node *Node[T], scope string) (T, error) {
	return Start(ctx, run, node, scope).Wait(ctx)
}

func (h *Handle[T]) compute(ctx context.Context, run *Run, node *Node[T], scope string) {
	start := time.Now()
	ctx, span := telemetry.StartNodeSpan(ctx, run.ID, node.Name, scope)
	defer func() {
		if p := recover(); p != nil {
			h.err = fmt.Errorf("%s: panic: %v", h.key, p)
			run.logger.Error("node panicked",
				"label", run.Label, "node", node.Name, "item_id", scope,
				"panic", p, "stack", string(debug.Stack()))
		}
		telemetry.EndSpan(span, h.err)
		run.metrics.RecordNode(ctx, node.Name, h.fromStore, time.Since(start), h.err)
		close(h.done)
	}()

	if node.IsComplete != nil {
		v, ok, err := node.IsComplete(ctx, run, scope)
		if err != nil {
			h.err = fmt.Errorf("%s: checking completion: %w", h.key, err)
			return
		}
		if ok {
			h.value = v
			h.fromStore = true
			return
		}
	}

	if node.Resolve == nil {
		h.err = fmt.Errorf("%s: %w", h.key, ErrNoResultEmitted)
		return
	}

	emit := &Emitter[T]{run: run, key: h.key}
	if err := node.Resolve(ctx, run, scope, emit); err != nil {
		h.err = fmt.Errorf("%s: %w", h.key, err)
		return
	}
	v, ok := emit.result()
	if !ok {
		h.err = fmt.Errorf("%s: %w", h.key, ErrNoResultEmitted)
		return
	}
	h.value = v
	run.logger.Debug("node resolved", "label", run.Label, "node", node.Name, "item_id", scope,
		"duration_ms", time.Since(start).Milliseconds())
}
