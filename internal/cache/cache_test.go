package cache

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func baseRequest() Request {
	return Request{
		Model:  "openai/gpt-4o",
		System: "Classify the text on this page.",
		Messages: []Message{
			{Role: "user", Content: "Chapter One", Images: [][]byte{[]byte("png-bytes")}},
		},
		Schema: json.RawMessage(`{"type":"object","properties":{"groups":{"type":"array"}}}`),
	}
}

func mustKey(t *testing.T, req Request) string {
	t.Helper()
	k, err := Key(req)
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	return k
}

func TestKeyDeterministic(t *testing.T) {
	a := mustKey(t, baseRequest())
	b := mustKey(t, baseRequest())
	if a != b {
		t.Fatalf("keys differ for identical requests: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(a))
	}
}

func TestKeyChangesWithEachField(t *testing.T) {
	base := mustKey(t, baseRequest())

	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"model", func(r *Request) { r.Model = "openai/gpt-4o-mini" }},
		{"system", func(r *Request) { r.System += " Be brief." }},
		{"message content", func(r *Request) { r.Messages[0].Content = "Chapter Two" }},
		{"message role", func(r *Request) { r.Messages[0].Role = "assistant" }},
		{"image bytes", func(r *Request) { r.Messages[0].Images = [][]byte{[]byte("other")} }},
		{"extra message", func(r *Request) {
			r.Messages = append(r.Messages, Message{Role: "user", Content: "fix it"})
		}},
		{"schema", func(r *Request) {
			r.Schema = json.RawMessage(`{"type":"object","properties":{"sections":{"type":"array"}}}`)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := baseRequest()
			tt.mutate(&req)
			if got := mustKey(t, req); got == base {
				t.Errorf("changing %s did not change the key", tt.name)
			}
		})
	}
}

func TestKeyMessageOrderMatters(t *testing.T) {
	a := baseRequest()
	a.Messages = []Message{{Role: "user", Content: "one"}, {Role: "user", Content: "two"}}
	b := baseRequest()
	b.Messages = []Message{{Role: "user", Content: "two"}, {Role: "user", Content: "one"}}
	if mustKey(t, a) == mustKey(t, b) {
		t.Error("reordered messages produced the same key")
	}
}

func TestKeySchemaKeyOrderIgnored(t *testing.T) {
	a := baseRequest()
	a.Schema = json.RawMessage(`{"type":"object","required":["x"]}`)
	b := baseRequest()
	b.Schema = json.RawMessage(`{ "required": ["x"], "type": "object" }`)
	if mustKey(t, a) != mustKey(t, b) {
		t.Error("schema key order changed the key")
	}
}

func TestKeyUnicodeNormalization(t *testing.T) {
	a := baseRequest()
	a.Messages[0].Content = "caf\u00e9"
	b := baseRequest()
	b.Messages[0].Content = "cafe\u0301"
	if mustKey(t, a) != mustKey(t, b) {
		t.Error("NFC-equivalent content produced different keys")
	}
}

func TestKeyInvalidSchema(t *testing.T) {
	req := baseRequest()
	req.Schema = json.RawMessage(`{not json`)
	if _, err := Key(req); err == nil {
		t.Fatal("expected error for invalid schema")
	}
}

func openTestCache(t *testing.T, opts ...Option) (*Cache, *FileStore) {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return New(store, opts...), store
}

func TestFileStoreRoundTrip(t *testing.T) {
	c, store := openTestCache(t)
	ctx := context.Background()
	key := mustKey(t, baseRequest())

	if _, err := c.Get(ctx, key); !errors.Is(err, ErrMiss) {
		t.Fatalf("Get before Put error = %v, want ErrMiss", err)
	}
	if err := c.Put(ctx, key, json.RawMessage(`{"groups":[]}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var v map[string]any
	if err := json.Unmarshal(got, &v); err != nil {
		t.Fatalf("cached value not JSON: %v", err)
	}
	if _, ok := v["groups"]; !ok {
		t.Errorf("cached value = %s, want groups", got)
	}

	raw, err := os.ReadFile(filepath.Join(store.Dir(), key+".json"))
	if err != nil {
		t.Fatalf("reading cache file: %v", err)
	}
	if !strings.Contains(string(raw), "\n  \"groups\"") {
		t.Errorf("cache file not pretty-printed:\n%s", raw)
	}
}

func TestBust(t *testing.T) {
	c, _ := openTestCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, "abc123", json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Bust(ctx, "abc123"); err != nil {
		t.Fatalf("Bust: %v", err)
	}
	if _, err := c.Get(ctx, "abc123"); !errors.Is(err, ErrMiss) {
		t.Errorf("Get after Bust error = %v, want ErrMiss", err)
	}
	if err := c.Bust(ctx, "abc123"); err != nil {
		t.Errorf("second Bust: %v", err)
	}
}

func TestForceRecomputeBypassesReadsButWrites(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()

	forced := New(store, WithForceRecompute(true))
	if !forced.ForceRecompute() {
		t.Fatal("ForceRecompute = false")
	}
	if err := forced.Put(ctx, "k1", json.RawMessage(`{"v":1}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := forced.Get(ctx, "k1"); !errors.Is(err, ErrMiss) {
		t.Errorf("forced Get error = %v, want ErrMiss", err)
	}

	normal := New(store)
	if _, err := normal.Get(ctx, "k1"); err != nil {
		t.Errorf("normal Get after forced Put: %v", err)
	}
}

func TestClearLeavesOtherFiles(t *testing.T) {
	c, store := openTestCache(t)
	ctx := context.Background()

	for _, k := range []string{"a1", "b2"} {
		if err := c.Put(ctx, k, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	readme := filepath.Join(store.Dir(), "README")
	if err := os.WriteFile(readme, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := c.Get(ctx, "a1"); !errors.Is(err, ErrMiss) {
		t.Errorf("Get after Clear error = %v, want ErrMiss", err)
	}
	if _, err := os.Stat(readme); err != nil {
		t.Errorf("Clear removed unrelated file: %v", err)
	}
}

func TestFileStoreRejectsPathKeys(t *testing.T) {
	_, store := openTestCache(t)
	for _, k := range []string{"", "../x", "a/b", "a.json"} {
		if err := store.Put(context.Background(), k, json.RawMessage(`{}`)); err == nil {
			t.Errorf("Put(%q) succeeded, want error", k)
		}
	}
}

func TestFileStoreInvalidJSONOnDiskIsMiss(t *testing.T) {
	_, store := openTestCache(t)
	if err := os.WriteFile(filepath.Join(store.Dir(), "torn.json"), []byte(`{"a":`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(context.Background(), "torn"); !errors.Is(err, ErrMiss) {
		t.Errorf("Get torn entry error = %v, want ErrMiss", err)
	}
}

func TestNewRedisStoreRequiresAddr(t *testing.T) {
	if _, err := NewRedisStore(context.Background(), RedisConfig{}); err == nil {
		t.Fatal("expected error for empty address")
	}
}
