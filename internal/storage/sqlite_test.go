package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func openTestBook(t *testing.T) *Book {
	t.Helper()
	b, err := openBook("test-book", ":memory:")
	if err != nil {
		t.Fatalf("openBook(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSchemaCreatedOnOpen(t *testing.T) {
	b := openTestBook(t)

	v, err := b.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != SchemaVersion {
		t.Errorf("SchemaVersion() = %d, want %d", v, SchemaVersion)
	}
}

func TestReopenKeepsSchema(t *testing.T) {
	dir := t.TempDir()

	b1, err := openBook("book", dir)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := b1.PutNext("metadata", "book", map[string]string{"title": "A"}); err != nil {
		t.Fatalf("PutNext: %v", err)
	}
	b1.Close()

	b2, err := openBook("book", dir)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer b2.Close()

	rec, err := b2.GetLatest("metadata", "book")
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if rec.Version != 1 {
		t.Errorf("Version = %d, want 1", rec.Version)
	}
}

func TestSchemaMismatch(t *testing.T) {
	dir := t.TempDir()

	b, err := openBook("old-book", dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := b.db.Exec(`UPDATE schema_version SET version = 99 WHERE id = 1`); err != nil {
		t.Fatalf("updating schema version: %v", err)
	}
	b.Close()

	_, err = openBook("old-book", dir)
	if !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("openBook error = %v, want ErrSchemaMismatch", err)
	}
	var mismatch *SchemaMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("error %T is not *SchemaMismatchError", err)
	}
	if mismatch.Found != 99 || mismatch.Expected != SchemaVersion {
		t.Errorf("mismatch = found %d expected %d, want found 99 expected %d", mismatch.Found, mismatch.Expected, SchemaVersion)
	}
}

func TestPutNextMonotonic(t *testing.T) {
	b := openTestBook(t)

	for i := 1; i <= 5; i++ {
		v, err := b.PutNext("text-classification", "pg001", map[string]int{"n": i})
		if err != nil {
			t.Fatalf("PutNext #%d: %v", i, err)
		}
		if v != i {
			t.Errorf("PutNext #%d returned version %d, want %d", i, v, i)
		}
	}

	versions, err := b.ListVersions("text-classification", "pg001")
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if fmt.Sprint(versions) != "[1 2 3 4 5]" {
		t.Errorf("ListVersions = %v, want [1 2 3 4 5]", versions)
	}

	rec, err := b.GetLatest("text-classification", "pg001")
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if rec.Version != 5 {
		t.Errorf("latest version = %d, want 5", rec.Version)
	}
	var got map[string]int
	if err := rec.Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got["n"] != 5 {
		t.Errorf("latest data n = %d, want 5", got["n"])
	}

	// Other items keep their own version chain.
	v, err := b.PutNext("text-classification", "pg002", "x")
	if err != nil {
		t.Fatalf("PutNext pg002: %v", err)
	}
	if v != 1 {
		t.Errorf("pg002 version = %d, want 1", v)
	}
}

func TestGetVersion(t *testing.T) {
	b := openTestBook(t)

	b.PutNext("page-sectioning", "pg001", map[string]string{"draft": "one"})
	b.PutNext("page-sectioning", "pg001", map[string]string{"draft": "two"})

	data, err := b.GetVersion("page-sectioning", "pg001", 1)
	if err != nil {
		t.Fatalf("GetVersion(1): %v", err)
	}
	if string(data) != `{"draft":"one"}` {
		t.Errorf("GetVersion(1) = %s, want %s", data, `{"draft":"one"}`)
	}

	if _, err := b.GetVersion("page-sectioning", "pg001", 3); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetVersion(3) error = %v, want ErrNotFound", err)
	}
}

func TestTombstone(t *testing.T) {
	b := openTestBook(t)

	v, err := b.PutNext("web-rendering", "pg001_sec002", nil)
	if err != nil {
		t.Fatalf("PutNext(nil): %v", err)
	}
	if v != 1 {
		t.Errorf("version = %d, want 1", v)
	}

	rec, err := b.GetLatest("web-rendering", "pg001_sec002")
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if rec.Data != nil {
		t.Errorf("tombstone data = %s, want nil", rec.Data)
	}

	data, err := b.GetVersion("web-rendering", "pg001_sec002", 1)
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if data != nil {
		t.Errorf("GetVersion data = %s, want nil", data)
	}

	// A typed nil pointer also stores a tombstone.
	var none *struct{}
	b.PutNext("web-rendering", "pg001_sec002", none)
	rec, _ = b.GetLatest("web-rendering", "pg001_sec002")
	if rec.Version != 2 || rec.Data != nil {
		t.Errorf("after typed nil: version %d data %s, want 2 and nil", rec.Version, rec.Data)
	}
}

func TestGetLatestMissing(t *testing.T) {
	b := openTestBook(t)

	if _, err := b.GetLatest("metadata", "book"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetLatest error = %v, want ErrNotFound", err)
	}
}

func TestPutNextRejectsInvalidJSON(t *testing.T) {
	b := openTestBook(t)

	if _, err := b.PutNext("metadata", "book", json.RawMessage(`{not json`)); err == nil {
		t.Error("expected error for invalid JSON payload")
	}
}

func TestResetVersions(t *testing.T) {
	b := openTestBook(t)

	b.PutNext("web-rendering", "pg001_sec001", map[string]string{"html": "<p>1</p>"})
	b.PutNext("web-rendering", "pg001_sec001", map[string]string{"html": "<p>2</p>"})

	if err := b.ResetVersions("web-rendering", "pg001_sec001"); err != nil {
		t.Fatalf("ResetVersions: %v", err)
	}
	if _, err := b.GetLatest("web-rendering", "pg001_sec001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetLatest after reset error = %v, want ErrNotFound", err)
	}

	v, err := b.PutNext("web-rendering", "pg001_sec001", map[string]string{"html": "<p>3</p>"})
	if err != nil {
		t.Fatalf("PutNext after reset: %v", err)
	}
	if v != 1 {
		t.Errorf("version after reset = %d, want 1", v)
	}
}

func TestPrimaryKeyRejectsDuplicateVersion(t *testing.T) {
	b := openTestBook(t)

	if _, err := b.db.Exec(`INSERT INTO node_data (node, item_id, version, data) VALUES ('n', 'i', 1, NULL)`); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := b.db.Exec(`INSERT INTO node_data (node, item_id, version, data) VALUES ('n', 'i', 1, NULL)`); err == nil {
		t.Fatal("expected primary key violation on duplicate version")
	}
}

// TestPutNextConcurrentItems writes to distinct items from many goroutines
// and checks each chain stays contiguous.
func TestPutNextConcurrentItems(t *testing.T) {
	b := openTestBook(t)

	const items, writes = 8, 10
	var wg sync.WaitGroup
	errCh := make(chan error, items*writes)
	for i := 0; i < items; i++ {
		wg.Add(1)
		go func(item string) {
			defer wg.Done()
			for w := 1; w <= writes; w++ {
				v, err := b.PutNext("image-classification", item, map[string]int{"w": w})
				if err != nil {
					errCh <- err
					return
				}
				if v != w {
					errCh <- fmt.Errorf("%s: version %d, want %d", item, v, w)
					return
				}
			}
		}(fmt.Sprintf("pg%03d", i+1))
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Error(err)
	}
}

func TestListItems(t *testing.T) {
	b := openTestBook(t)

	b.PutNext("web-rendering", "pg001_sec002", nil)
	b.PutNext("web-rendering", "pg001_sec001", nil)
	b.PutNext("web-rendering", "pg001_sec001", nil)
	b.PutNext("page-sectioning", "pg001", nil)

	items, err := b.ListItems("web-rendering")
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if fmt.Sprint(items) != "[pg001_sec001 pg001_sec002]" {
		t.Errorf("ListItems = %v", items)
	}
}

func TestPagesAndImages(t *testing.T) {
	b := openTestBook(t)

	pages := []Page{
		{PageID: "pg002", PageNumber: 2, Text: "second"},
		{PageID: "pg001", PageNumber: 1, Text: "first"},
	}
	for _, p := range pages {
		if err := b.PutExtractedPage(p); err != nil {
			t.Fatalf("PutExtractedPage: %v", err)
		}
	}
	img := Image{ImageID: "pg001_im001", PageID: "pg001", Width: 640, Height: 480, MIME: "image/png", Data: []byte{1, 2, 3}}
	if err := b.PutImage(img); err != nil {
		t.Fatalf("PutImage: %v", err)
	}
	if err := b.PutPdfMetadata(PdfMetadata{Title: "Book", TotalPages: 2}); err != nil {
		t.Fatalf("PutPdfMetadata: %v", err)
	}

	got, err := b.ListPages()
	if err != nil {
		t.Fatalf("ListPages: %v", err)
	}
	if len(got) != 2 || got[0].PageID != "pg001" || got[1].PageID != "pg002" {
		t.Errorf("ListPages = %+v, want pg001 then pg002", got)
	}

	p, err := b.GetPage("pg002")
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if p.Text != "second" {
		t.Errorf("Text = %q, want %q", p.Text, "second")
	}

	images, err := b.ListImages("pg001")
	if err != nil {
		t.Fatalf("ListImages: %v", err)
	}
	if len(images) != 1 || images[0].Width != 640 || len(images[0].Data) != 3 {
		t.Errorf("ListImages = %+v", images)
	}
	if _, err := b.GetImage("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetImage(missing) error = %v, want ErrNotFound", err)
	}

	meta, err := b.GetPdfMetadata()
	if err != nil {
		t.Fatalf("GetPdfMetadata: %v", err)
	}
	if meta.Title != "Book" || meta.TotalPages != 2 {
		t.Errorf("GetPdfMetadata = %+v", meta)
	}
}

func TestLLMCallLog(t *testing.T) {
	b := openTestBook(t)

	_, err := b.SaveLLMCall(LLMCall{
		Task: "text-classification", ItemID: "pg001", Model: "m", Attempt: 1,
		ValidationErrors: []string{"bad group"},
	})
	if err != nil {
		t.Fatalf("SaveLLMCall: %v", err)
	}
	b.SaveLLMCall(LLMCall{Task: "web-rendering", ItemID: "pg001_sec001", Model: "m", CacheHit: true})

	all, err := b.ListLLMCalls("", 10, 0)
	if err != nil {
		t.Fatalf("ListLLMCalls: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d calls, want 2", len(all))
	}
	if all[0].Task != "web-rendering" || !all[0].CacheHit {
		t.Errorf("newest call = %+v, want cached web-rendering", all[0])
	}

	tc, err := b.ListLLMCalls("text-classification", 10, 0)
	if err != nil {
		t.Fatalf("ListLLMCalls(task): %v", err)
	}
	if len(tc) != 1 || len(tc[0].ValidationErrors) != 1 {
		t.Errorf("text-classification calls = %+v", tc)
	}
}
