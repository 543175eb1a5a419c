package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	q.Wait()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 5s")
}

func TestQueueRespectsConcurrency(t *testing.T) {
	release := make(chan struct{})
	var active, peak int32

	exec := ExecutorFunc(func(ctx context.Context, job Job, update func(Patch)) (any, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&active, -1)
		return nil, nil
	})

	q := New(Registry{KindPagePipeline: exec}, WithConcurrency(5))
	for i := 0; i < 20; i++ {
		q.Enqueue(Request{Kind: KindPagePipeline, Label: "book", Params: PagePipelineParams{PageID: "pg001"}})
	}

	waitFor(t, func() bool { return q.Stats().Running == 5 })
	if s := q.Stats(); s.Queued != 15 {
		t.Errorf("Queued = %d, want 15", s.Queued)
	}
	close(release)
	waitIdle(t, q)

	if got := atomic.LoadInt32(&peak); got != 5 {
		t.Errorf("peak concurrency = %d, want 5", got)
	}
	jobs := q.List()
	if len(jobs) != 20 {
		t.Fatalf("List returned %d jobs, want 20", len(jobs))
	}
	for _, j := range jobs {
		if j.Status != StatusCompleted {
			t.Errorf("job %d status = %q, want completed", j.ID, j.Status)
		}
		if j.StartedAt == nil || j.CompletedAt == nil {
			t.Errorf("job %d missing timestamps", j.ID)
		}
	}
}

func TestQueueFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var order []int64
	exec := ExecutorFunc(func(ctx context.Context, job Job, update func(Patch)) (any, error) {
		mu.Lock()
		order = append(order, job.ID)
		mu.Unlock()
		return nil, nil
	})

	q := New(Registry{KindMetadata: exec}, WithConcurrency(1))
	for i := 0; i < 5; i++ {
		q.Enqueue(Request{Kind: KindMetadata, Label: "book"})
	}
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	for i, id := range order {
		if id != int64(i+1) {
			t.Fatalf("execution order = %v, want ascending ids", order)
		}
	}
}

func TestQueueFailureIsolation(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, job Job, update func(Patch)) (any, error) {
		if job.Label == "bad" {
			return nil, errors.New("model unreachable")
		}
		return "ok", nil
	})
	q := New(Registry{KindMetadata: exec}, WithConcurrency(1))

	bad := q.Enqueue(Request{Kind: KindMetadata, Label: "bad"})
	waitIdle(t, q)
	good := q.Enqueue(Request{Kind: KindMetadata, Label: "good"})
	waitIdle(t, q)

	got, err := q.Get(bad.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusFailed || got.Error != "model unreachable" {
		t.Errorf("bad job = %q %q, want failed with message", got.Status, got.Error)
	}

	got, err = q.Get(good.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted || got.Result != "ok" {
		t.Errorf("good job = %q %v, want completed with result", got.Status, got.Result)
	}
}

func TestQueuePanicFailsJob(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, job Job, update func(Patch)) (any, error) {
		panic("boom")
	})
	q := New(Registry{KindMetadata: exec})
	job := q.Enqueue(Request{Kind: KindMetadata, Label: "book"})
	waitIdle(t, q)

	got, _ := q.Get(job.ID)
	if got.Status != StatusFailed || !strings.Contains(got.Error, "boom") {
		t.Errorf("job = %q %q, want failed with panic message", got.Status, got.Error)
	}
}

func TestQueueNoExecutor(t *testing.T) {
	var mu sync.Mutex
	var statuses []Status
	q := New(Registry{})
	q.Subscribe(func(ev Event) {
		if ev.Type != EventJob {
			return
		}
		mu.Lock()
		statuses = append(statuses, ev.Job.Status)
		mu.Unlock()
	})

	job := q.Enqueue(Request{Kind: KindWebRendering, Label: "book", Params: WebRenderingParams{PageID: "pg001"}})
	waitIdle(t, q)

	got, err := q.Get(job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("Status = %q, want failed", got.Status)
	}
	if !strings.Contains(got.Error, ErrNoExecutor.Error()) {
		t.Errorf("Error = %q, want it to mention %q", got.Error, ErrNoExecutor)
	}
	if got.StartedAt != nil {
		t.Error("StartedAt set for a job that never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, s := range statuses {
		if s == StatusRunning {
			t.Errorf("saw running status for job without executor: %v", statuses)
		}
	}
}

func TestQueueListenerPanicIsSwallowed(t *testing.T) {
	var seen atomic.Int32
	q := New(Registry{KindMetadata: ExecutorFunc(func(ctx context.Context, job Job, update func(Patch)) (any, error) {
		update(Patch{Progress: &Progress{Message: "half", Current: 1, Total: 2}})
		return nil, nil
	})})
	q.Subscribe(func(Event) { panic("bad listener") })
	q.Subscribe(func(ev Event) {
		if ev.Type == EventJob && ev.Job.Progress != nil {
			seen.Add(1)
		}
	})

	job := q.Enqueue(Request{Kind: KindMetadata, Label: "book"})
	waitIdle(t, q)

	got, _ := q.Get(job.ID)
	if got.Status != StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if seen.Load() == 0 {
		t.Error("second listener never saw a progress event")
	}
}

func TestQueueUnsubscribe(t *testing.T) {
	var count atomic.Int32
	q := New(Registry{KindMetadata: ExecutorFunc(func(ctx context.Context, job Job, update func(Patch)) (any, error) {
		return nil, nil
	})})
	unsubscribe := q.Subscribe(func(Event) { count.Add(1) })
	unsubscribe()
	unsubscribe()

	q.Enqueue(Request{Kind: KindMetadata, Label: "book"})
	waitIdle(t, q)
	if n := count.Load(); n != 0 {
		t.Errorf("unsubscribed listener got %d events", n)
	}
}

func TestQueueExecutorTerminalStatus(t *testing.T) {
	q := New(Registry{KindMetadata: ExecutorFunc(func(ctx context.Context, job Job, update func(Patch)) (any, error) {
		failed := StatusFailed
		msg := "nothing to do"
		update(Patch{Status: &failed, Error: &msg})
		return nil, nil
	})})
	job := q.Enqueue(Request{Kind: KindMetadata, Label: "book"})
	waitIdle(t, q)

	got, _ := q.Get(job.ID)
	if got.Status != StatusFailed || got.Error != "nothing to do" {
		t.Errorf("job = %q %q, want the executor's failed status kept", got.Status, got.Error)
	}
}

func TestQueuePatchCannotRewindStatus(t *testing.T) {
	release := make(chan struct{})
	q := New(Registry{KindMetadata: ExecutorFunc(func(ctx context.Context, job Job, update func(Patch)) (any, error) {
		queued := StatusQueued
		update(Patch{Status: &queued})
		<-release
		return nil, nil
	})})

	var mu sync.Mutex
	var statuses []Status
	q.Subscribe(func(ev Event) {
		if ev.Type == EventJob {
			mu.Lock()
			statuses = append(statuses, ev.Job.Status)
			mu.Unlock()
		}
	})

	job := q.Enqueue(Request{Kind: KindMetadata, Label: "book"})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) >= 3
	})
	got, _ := q.Get(job.ID)
	if got.Status != StatusRunning {
		t.Errorf("status after queued patch = %s, want running", got.Status)
	}
	if s := q.Stats(); s.Queued != 0 || s.Running != 1 {
		t.Errorf("stats = %+v, want 0 queued and 1 running", s)
	}
	close(release)
	waitIdle(t, q)
}

func TestQueueTerminalPatchPublishesStats(t *testing.T) {
	release := make(chan struct{})
	q := New(Registry{KindMetadata: ExecutorFunc(func(ctx context.Context, job Job, update func(Patch)) (any, error) {
		failed := StatusFailed
		update(Patch{Status: &failed})
		<-release
		return nil, nil
	})})

	var mu sync.Mutex
	var sawIdleStats bool
	q.Subscribe(func(ev Event) {
		if ev.Type == EventStats && ev.Stats.Queued == 0 && ev.Stats.Running == 0 {
			mu.Lock()
			sawIdleStats = true
			mu.Unlock()
		}
	})

	q.Enqueue(Request{Kind: KindMetadata, Label: "book"})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sawIdleStats
	})
	close(release)
	waitIdle(t, q)
}

type cascadingExecutor struct {
	pages []string
}

func (c cascadingExecutor) Execute(ctx context.Context, job Job, update func(Patch)) (any, error) {
	return len(c.pages), nil
}

func (c cascadingExecutor) Cascade(job Job, result any) []Request {
	reqs := make([]Request, 0, len(c.pages))
	for _, p := range c.pages {
		reqs = append(reqs, Request{Kind: KindPagePipeline, Label: job.Label, Params: PagePipelineParams{PageID: p}})
	}
	return reqs
}

func TestQueueCascade(t *testing.T) {
	var ran atomic.Int32
	q := New(Registry{
		KindMetadata: cascadingExecutor{pages: []string{"pg001", "pg002", "pg003"}},
		KindPagePipeline: ExecutorFunc(func(ctx context.Context, job Job, update func(Patch)) (any, error) {
			ran.Add(1)
			return nil, nil
		}),
	}, WithConcurrency(1))

	var mu sync.Mutex
	var cascaded []string
	q.Subscribe(func(ev Event) {
		if ev.Type == EventJob && ev.Job.Kind == KindPagePipeline && ev.Job.Status == StatusQueued {
			mu.Lock()
			cascaded = append(cascaded, ev.Job.Params.(PagePipelineParams).PageID)
			mu.Unlock()
		}
	})

	q.Enqueue(Request{Kind: KindMetadata, Label: "book", Params: MetadataParams{}})
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	if len(cascaded) != 3 {
		t.Fatalf("cascaded page jobs = %v, want 3", cascaded)
	}
	if n := ran.Load(); n != 3 {
		t.Errorf("page jobs run = %d, want 3", n)
	}
}

func TestQueuePrunesOldTerminalJobs(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	q := New(Registry{KindMetadata: ExecutorFunc(func(ctx context.Context, job Job, update func(Patch)) (any, error) {
		return nil, nil
	})}, WithClock(clock))

	old := q.Enqueue(Request{Kind: KindMetadata, Label: "old"})
	waitIdle(t, q)

	advance(59 * time.Minute)
	q.Prune()
	if _, err := q.Get(old.ID); err != nil {
		t.Fatalf("job pruned before retention: %v", err)
	}

	advance(2 * time.Minute)
	recent := q.Enqueue(Request{Kind: KindMetadata, Label: "recent"})
	waitIdle(t, q)

	if _, err := q.Get(old.ID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Get(old) error = %v, want ErrJobNotFound", err)
	}
	if _, err := q.Get(recent.ID); err != nil {
		t.Errorf("Get(recent): %v", err)
	}
}

func TestDecodeParams(t *testing.T) {
	p, err := DecodeParams(KindPagePipeline, []byte(`{"page_id":"pg004"}`))
	if err != nil {
		t.Fatalf("DecodeParams: %v", err)
	}
	if got := p.(PagePipelineParams).PageID; got != "pg004" {
		t.Errorf("PageID = %q, want pg004", got)
	}
	if p.Kind() != KindPagePipeline {
		t.Errorf("Kind = %q", p.Kind())
	}

	if _, err := DecodeParams(KindMetadata, nil); err != nil {
		t.Errorf("DecodeParams(metadata, nil) = %v, want nil", err)
	}
	if _, err := DecodeParams(KindWebRendering, []byte(`{}`)); err == nil {
		t.Error("expected error for missing page_id")
	}
	if _, err := DecodeParams(KindExtract, []byte(`{"start_page":2}`)); err == nil {
		t.Error("expected error for missing path")
	}
	if _, err := DecodeParams("bogus", nil); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestJobJSONRoundTripKeepsParamsType(t *testing.T) {
	in := Job{ID: 7, Kind: KindPagePipeline, Label: "b", Status: StatusQueued, Params: PagePipelineParams{PageID: "pg004"}}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"type":"page-pipeline"`) {
		t.Errorf("encoded job = %s", data)
	}

	var out Job
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	p, ok := out.Params.(PagePipelineParams)
	if !ok || p.PageID != "pg004" || out.ID != 7 || out.Status != StatusQueued {
		t.Errorf("decoded job = %+v", out)
	}

	var md Job
	if err := json.Unmarshal([]byte(`{"id":1,"type":"metadata","params":{}}`), &md); err != nil {
		t.Fatal(err)
	}
	if _, ok := md.Params.(MetadataParams); !ok {
		t.Errorf("metadata params = %T", md.Params)
	}
}
