package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/incrementventures/adt-studio-sub000/internal/cache"
	"github.com/incrementventures/adt-studio-sub000/internal/telemetry"
)

// Call describes one validated model call.
type Call struct {
	// Label, Task and ItemID identify the call in logs.
	Label  string
	Task   string
	ItemID string

	Model    string
	System   string
	Messages []Message
	Schema   *jsonschema.Schema

	// Validate checks domain rules after the schema check passes. It
	// returns human-readable problems; none means the object is accepted.
	Validate func(obj json.RawMessage) []string

	// MaxRetries is the number of extra attempts after the first.
	MaxRetries int

	// SkipCache bypasses cache reads for this call. Accepted results are
	// still written.
	SkipCache bool
}

// Result is the accepted object of a validated call.
type Result struct {
	Object   json.RawMessage
	CacheHit bool
	Attempts int
	Usage    Usage
	// Messages is the conversation including every retry turn and the
	// accepted assistant turn.
	Messages []Message
}

// Caller runs model calls through the response cache with validation and
// conversational retry.
type Caller struct {
	provider Provider
	cache    *cache.Cache
	sink     LogSink
	metrics  telemetry.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// CallerOption configures a Caller.
type CallerOption func(*Caller)

// WithLogSink sets where per-attempt log entries go.
func WithLogSink(s LogSink) CallerOption {
	return func(c *Caller) { c.sink = s }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) CallerOption {
	return func(c *Caller) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CallerOption {
	return func(c *Caller) { c.logger = l }
}

// NewCaller returns a Caller. A nil cache disables caching.
func NewCaller(p Provider, c *cache.Cache, opts ...CallerOption) *Caller {
	caller := &Caller{
		provider: p,
		cache:    c,
		metrics:  telemetry.NoopMetrics{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(caller)
	}
	return caller
}

// Generate runs call until an attempt passes validation or MaxRetries is
// spent. Invalid and failed responses are busted from the cache so a
// retry never replays them.
func (c *Caller) Generate(ctx context.Context, call Call) (*Result, error) {
	var schemaJSON json.RawMessage
	var resolved *jsonschema.Resolved
	if call.Schema != nil {
		b, err := json.Marshal(call.Schema)
		if err != nil {
			return nil, fmt.Errorf("marshaling schema: %w", err)
		}
		schemaJSON = b
		resolved, err = call.Schema.Resolve(nil)
		if err != nil {
			return nil, fmt.Errorf("resolving schema: %w", err)
		}
	}

	ctx, span := telemetry.StartLLMSpan(ctx, call.Task, call.Model)
	res, err := c.run(ctx, call, schemaJSON, resolved)
	telemetry.EndSpan(span, err)
	return res, err
}

func (c *Caller) run(ctx context.Context, call Call, schemaJSON json.RawMessage, resolved *jsonschema.Resolved) (*Result, error) {
	msgs := append([]Message(nil), call.Messages...)
	var (
		collected []string
		total     Usage
		lastErr   error
	)

	attempts := call.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		telemetry.AddEvent(ctx, "attempt", attribute.Int("attempt", attempt))
		start := c.now()

		key, err := cache.Key(cacheRequest(call.Model, call.System, msgs, schemaJSON))
		if err != nil {
			return nil, fmt.Errorf("computing cache key: %w", err)
		}

		var (
			obj      json.RawMessage
			hit      bool
			usage    Usage
			transErr error
		)
		if c.cache != nil && !call.SkipCache {
			cached, err := c.cache.Get(ctx, key)
			switch {
			case err == nil:
				obj, hit = cached, true
			case !errors.Is(err, cache.ErrMiss):
				c.logger.Warn("cache read failed", "task", call.Task, "item_id", call.ItemID, "error", err)
			}
		}

		if !hit {
			resp, err := c.provider.Generate(ctx, Request{
				Model:    call.Model,
				System:   call.System,
				Messages: msgs,
				Schema:   schemaJSON,
			})
			if err != nil {
				transErr = err
			} else {
				obj = resp.Object
				usage = resp.Usage
				total = total.Add(usage)
				if c.cache != nil && json.Valid(obj) {
					if err := c.cache.Put(ctx, key, obj); err != nil {
						c.logger.Warn("cache write failed", "task", call.Task, "item_id", call.ItemID, "error", err)
					}
				}
			}
		}

		if transErr != nil {
			c.bust(ctx, key)
			lastErr = transErr
			collected = append(collected, fmt.Sprintf("attempt %d: %v", attempt, transErr))
			c.record(ctx, call, msgs, attempt, false, start, usage, collected, transErr, true)
			c.logger.Warn("model call failed",
				"label", call.Label, "task", call.Task, "item_id", call.ItemID,
				"attempt", attempt, "error", transErr)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		problems := validate(obj, resolved, call.Validate)
		if len(problems) > 0 {
			c.bust(ctx, key)
			lastErr = nil
			collected = append(collected, fmt.Sprintf("attempt %d: %s", attempt, strings.Join(problems, "; ")))
			c.record(ctx, call, msgs, attempt, hit, start, usage, collected, nil, true)
			c.logger.Info("model output rejected",
				"label", call.Label, "task", call.Task, "item_id", call.ItemID,
				"attempt", attempt, "problems", len(problems))
			msgs = append(msgs,
				Message{Role: RoleAssistant, Content: string(obj)},
				Message{Role: RoleUser, Content: feedback(problems)},
			)
			continue
		}

		msgs = append(msgs, Message{Role: RoleAssistant, Content: string(obj)})
		c.record(ctx, call, msgs, attempt, hit, start, usage, collected, nil, false)
		return &Result{
			Object:   obj,
			CacheHit: hit,
			Attempts: attempt,
			Usage:    total,
			Messages: msgs,
		}, nil
	}

	return nil, &ExhaustedError{Errors: collected, Last: lastErr}
}

func (c *Caller) bust(ctx context.Context, key string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Bust(ctx, key); err != nil {
		c.logger.Warn("cache bust failed", "error", err)
	}
}

func (c *Caller) record(ctx context.Context, call Call, msgs []Message, attempt int, hit bool, start time.Time, usage Usage, collected []string, callErr error, failed bool) {
	d := c.now().Sub(start)
	c.metrics.RecordLLMCall(ctx, telemetry.LLMCall{
		Task:         call.Task,
		Model:        call.Model,
		CacheHit:     hit,
		Duration:     d,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		Failed:       failed,
	})
	if c.sink == nil {
		return
	}
	entry := LogEntry{
		Label:            call.Label,
		Task:             call.Task,
		ItemID:           call.ItemID,
		Model:            call.Model,
		Attempt:          attempt,
		CacheHit:         hit,
		Duration:         d,
		Usage:            usage,
		ValidationErrors: truncateErrors(collected),
		Messages:         summarizeMessages(call.System, msgs),
		CreatedAt:        start,
	}
	if callErr != nil {
		entry.Error = callErr.Error()
	}
	c.sink.LogLLMCall(ctx, entry)
}

func validate(obj json.RawMessage, resolved *jsonschema.Resolved, domain func(json.RawMessage) []string) []string {
	var instance any
	if err := json.Unmarshal(obj, &instance); err != nil {
		return []string{fmt.Sprintf("response is not valid JSON: %v", err)}
	}
	if resolved != nil {
		if err := resolved.Validate(instance); err != nil {
			return []string{fmt.Sprintf("schema: %v", err)}
		}
	}
	if domain != nil {
		return domain(obj)
	}
	return nil
}

func feedback(problems []string) string {
	var b strings.Builder
	b.WriteString("Your previous response was rejected:\n")
	for _, p := range problems {
		b.WriteString("- ")
		b.WriteString(p)
		b.WriteString("\n")
	}
	b.WriteString("Return a corrected JSON object that fixes every problem.")
	return b.String()
}

func cacheRequest(model, system string, msgs []Message, schema json.RawMessage) cache.Request {
	req := cache.Request{
		Model:    model,
		System:   system,
		Messages: make([]cache.Message, len(msgs)),
		Schema:   schema,
	}
	for i, m := range msgs {
		cm := cache.Message{Role: m.Role, Content: m.Content}
		for _, img := range m.Images {
			cm.Images = append(cm.Images, img.Data)
		}
		req.Messages[i] = cm
	}
	return req
}
