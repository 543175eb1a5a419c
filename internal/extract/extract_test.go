package extract

import (
	"bytes"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/incrementventures/adt-studio-sub000/internal/storage"
)

type memSink struct {
	pages  []storage.Page
	images []storage.Image
	meta   *storage.PdfMetadata
}

func (s *memSink) PutExtractedPage(p storage.Page) error {
	s.pages = append(s.pages, p)
	return nil
}

func (s *memSink) PutImage(img storage.Image) error {
	s.images = append(s.images, img)
	return nil
}

func (s *memSink) PutPdfMetadata(m storage.PdfMetadata) error {
	s.meta = &m
	return nil
}

// buildPDF writes a minimal PDF with one text line per page. If withImage
// is set the first page also carries a 2x2 RGB Flate image.
func buildPDF(t *testing.T, texts []string, title string, withImage bool) []byte {
	t.Helper()

	var objects []string
	add := func(body string) int {
		objects = append(objects, body)
		return len(objects)
	}

	catalog := add("") // filled below
	pagesObj := add("")
	font := add("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>")

	imageRef := ""
	if withImage {
		var z bytes.Buffer
		zw := zlib.NewWriter(&z)
		zw.Write([]byte{255, 0, 0, 0, 255, 0, 0, 0, 255, 255, 255, 255})
		zw.Close()
		img := add(fmt.Sprintf("<< /Type /XObject /Subtype /Image /Width 2 /Height 2 /ColorSpace /DeviceRGB /BitsPerComponent 8 /Filter /FlateDecode /Length %d >>\nstream\n%s\nendstream", z.Len(), z.String()))
		imageRef = fmt.Sprintf(" /XObject << /Im1 %d 0 R >>", img)
	}

	var kids []string
	for i, text := range texts {
		content := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", text)
		contents := add(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content))
		res := fmt.Sprintf("<< /Font << /F1 %d 0 R >>", font)
		if i == 0 {
			res += imageRef
		}
		res += " >>"
		page := add(fmt.Sprintf("<< /Type /Page /Parent %d 0 R /MediaBox [0 0 612 792] /Resources %s /Contents %d 0 R >>", pagesObj, res, contents))
		kids = append(kids, fmt.Sprintf("%d 0 R", page))
	}
	objects[catalog-1] = fmt.Sprintf("<< /Type /Catalog /Pages %d 0 R >>", pagesObj)
	objects[pagesObj-1] = fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(kids))
	info := add(fmt.Sprintf("<< /Title (%s) /Author (Jane Doe) >>", title))

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, body := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root %d 0 R /Info %d 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, catalog, info, xref)
	return buf.Bytes()
}

func TestExtract(t *testing.T) {
	data := buildPDF(t, []string{"Chapter One", "Once upon a time", "The End"}, "Test Book", true)
	sink := &memSink{}

	var progress []Progress
	res, err := Extract(context.Background(), bytes.NewReader(data), int64(len(data)), sink, Options{
		OnProgress: func(p Progress) { progress = append(progress, p) },
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if res.Pages != 3 || res.TotalPages != 3 {
		t.Errorf("result = %+v, want 3 of 3 pages", res)
	}
	if len(sink.pages) != 3 {
		t.Fatalf("stored %d pages, want 3", len(sink.pages))
	}
	if sink.pages[0].PageID != "pg001" || sink.pages[2].PageNumber != 3 {
		t.Errorf("page ids = %q..%d, want pg001..3", sink.pages[0].PageID, sink.pages[2].PageNumber)
	}
	if !strings.Contains(sink.pages[1].Text, "Once upon a time") {
		t.Errorf("page 2 text = %q, want it to contain the content string", sink.pages[1].Text)
	}

	if sink.meta == nil {
		t.Fatal("pdf metadata not stored")
	}
	if sink.meta.Title != "Test Book" || sink.meta.Author != "Jane Doe" || sink.meta.TotalPages != 3 {
		t.Errorf("metadata = %+v", *sink.meta)
	}

	if len(sink.images) != 1 {
		t.Fatalf("stored %d images, want 1", len(sink.images))
	}
	img := sink.images[0]
	if img.ImageID != "pg001_im001" || img.Width != 2 || img.Height != 2 || img.MIME != "image/png" {
		t.Errorf("image = %s %dx%d %s", img.ImageID, img.Width, img.Height, img.MIME)
	}

	if len(progress) != 3 || progress[2] != (Progress{Page: 3, TotalPages: 3}) {
		t.Errorf("progress = %+v, want one event per page ending at 3/3", progress)
	}
}

func TestExtractPageRange(t *testing.T) {
	data := buildPDF(t, []string{"one", "two", "three", "four"}, "Range", false)
	sink := &memSink{}

	res, err := Extract(context.Background(), bytes.NewReader(data), int64(len(data)), sink, Options{StartPage: 2, EndPage: 3})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.FirstPage != 2 || res.LastPage != 3 || res.Pages != 2 {
		t.Errorf("result = %+v, want pages 2-3", res)
	}
	if len(sink.pages) != 2 || sink.pages[0].PageID != "pg002" || sink.pages[1].PageID != "pg003" {
		t.Errorf("stored pages = %+v, want pg002 and pg003", sink.pages)
	}
	if sink.meta.TotalPages != 4 {
		t.Errorf("TotalPages = %d, want 4", sink.meta.TotalPages)
	}
}

func TestExtractInvalidRange(t *testing.T) {
	data := buildPDF(t, []string{"one", "two"}, "Range", false)
	for _, opts := range []Options{{StartPage: 3}, {StartPage: 2, EndPage: 1}, {EndPage: 5}} {
		_, err := Extract(context.Background(), bytes.NewReader(data), int64(len(data)), &memSink{}, opts)
		if !errors.Is(err, ErrInvalidRange) {
			t.Errorf("Extract(%+v) error = %v, want ErrInvalidRange", opts, err)
		}
	}
}

func TestExtractNotAPDF(t *testing.T) {
	data := []byte("this is not a pdf")
	sink := &memSink{}
	if _, err := Extract(context.Background(), bytes.NewReader(data), int64(len(data)), sink, Options{}); err == nil {
		t.Fatal("expected error for non-pdf input")
	}
	if len(sink.pages) != 0 {
		t.Errorf("stored %d pages from invalid input", len(sink.pages))
	}
}

func TestExtractCancelled(t *testing.T) {
	data := buildPDF(t, []string{"one", "two"}, "Cancel", false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Extract(ctx, bytes.NewReader(data), int64(len(data)), &memSink{}, Options{}); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestExtractIntoBook(t *testing.T) {
	data := buildPDF(t, []string{"Hello"}, "Stored", false)
	m := storage.NewManager(t.TempDir())
	t.Cleanup(func() { m.Close() })
	book, err := m.Book("stored")
	if err != nil {
		t.Fatalf("Book: %v", err)
	}

	if _, err := Extract(context.Background(), bytes.NewReader(data), int64(len(data)), book, Options{}); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	pages, err := book.ListPages()
	if err != nil {
		t.Fatalf("ListPages: %v", err)
	}
	if len(pages) != 1 || pages[0].PageID != "pg001" {
		t.Errorf("pages = %+v, want pg001", pages)
	}
	meta, err := book.GetPdfMetadata()
	if err != nil {
		t.Fatalf("GetPdfMetadata: %v", err)
	}
	if meta.Title != "Stored" {
		t.Errorf("Title = %q, want Stored", meta.Title)
	}
}
