package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
)

const deletedMarker = ".deleted"

var labelPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateLabel reports whether label can name a book.
func ValidateLabel(label string) error {
	if !labelPattern.MatchString(label) || label == "cache" {
		return fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}
	return nil
}

// Manager owns the open book databases and the set of soft-deleted labels.
// Every book lives in its own directory under dataDir.
type Manager struct {
	dataDir string

	mu      sync.Mutex
	books   map[string]*Book
	deleted map[string]struct{}
}

// NewManager creates a Manager rooted at dataDir.
// Pass ":memory:" to keep every book in memory (used by tests).
func NewManager(dataDir string) *Manager {
	return &Manager{
		dataDir: dataDir,
		books:   make(map[string]*Book),
		deleted: make(map[string]struct{}),
	}
}

func (m *Manager) inMemory() bool {
	return m.dataDir == ":memory:"
}

// DataDir returns the root directory of all books.
func (m *Manager) DataDir() string {
	return m.dataDir
}

// BookDir returns the directory holding label's database and side files.
func (m *Manager) BookDir(label string) string {
	if m.inMemory() {
		return ""
	}
	return filepath.Join(m.dataDir, label)
}

// Book returns the open database for label, opening it on first use.
// It fails with ErrScopeDeleted while the label is marked deleted.
func (m *Manager) Book(label string) (*Book, error) {
	if err := ValidateLabel(label); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.deleted[label]; ok {
		return nil, fmt.Errorf("%w: %s", ErrScopeDeleted, label)
	}
	if b, ok := m.books[label]; ok {
		return b, nil
	}

	dir := ":memory:"
	if !m.inMemory() {
		dir = m.BookDir(label)
		if _, err := os.Stat(filepath.Join(dir, deletedMarker)); err == nil {
			m.deleted[label] = struct{}{}
			return nil, fmt.Errorf("%w: %s", ErrScopeDeleted, label)
		}
	}

	b, err := openBook(label, dir)
	if err != nil {
		return nil, fmt.Errorf("opening book %s: %w", label, err)
	}
	m.books[label] = b
	return b, nil
}

// MarkDeleted closes label's database and blocks further access until
// Undelete is called. The files stay on disk.
func (m *Manager) MarkDeleted(label string) error {
	if err := ValidateLabel(label); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.books[label]; ok {
		if err := b.Close(); err != nil {
			return fmt.Errorf("closing book %s: %w", label, err)
		}
		delete(m.books, label)
	}
	m.deleted[label] = struct{}{}

	if m.inMemory() {
		return nil
	}
	dir := m.BookDir(label)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating book directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, deletedMarker), nil, 0o644); err != nil {
		return fmt.Errorf("writing deleted marker: %w", err)
	}
	return nil
}

// Undelete reverses MarkDeleted so the book can be opened (or reimported) again.
func (m *Manager) Undelete(label string) error {
	if err := ValidateLabel(label); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.deleted, label)
	if m.inMemory() {
		return nil
	}
	err := os.Remove(filepath.Join(m.BookDir(label), deletedMarker))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing deleted marker: %w", err)
	}
	return nil
}

// Reset discards label's database so the next access starts from an
// empty one, and clears any deleted mark. Other files in the book
// directory (config, prompt overrides, uploads) are kept.
func (m *Manager) Reset(label string) error {
	if err := ValidateLabel(label); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.books[label]; ok {
		if err := b.Close(); err != nil {
			return fmt.Errorf("closing book %s: %w", label, err)
		}
		delete(m.books, label)
	}
	delete(m.deleted, label)
	if m.inMemory() {
		return nil
	}

	dir := m.BookDir(label)
	for _, name := range []string{dbFileName, dbFileName + "-wal", dbFileName + "-shm", dbFileName + "-journal", deletedMarker} {
		err := os.Remove(filepath.Join(dir, name))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", name, err)
		}
	}
	return nil
}

// IsDeleted reports whether label is currently marked deleted.
func (m *Manager) IsDeleted(label string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deleted[label]; ok {
		return true
	}
	if m.inMemory() {
		return false
	}
	_, err := os.Stat(filepath.Join(m.BookDir(label), deletedMarker))
	return err == nil
}

// Books lists every book known on disk (or opened in memory).
func (m *Manager) Books() ([]BookInfo, error) {
	seen := make(map[string]bool)

	if !m.inMemory() {
		entries, err := os.ReadDir(m.dataDir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading data directory: %w", err)
		}
		for _, e := range entries {
			if !e.IsDir() || ValidateLabel(e.Name()) != nil {
				continue
			}
			if _, err := os.Stat(filepath.Join(m.dataDir, e.Name(), dbFileName)); err != nil {
				continue
			}
			seen[e.Name()] = true
		}
	}

	m.mu.Lock()
	for label := range m.books {
		seen[label] = true
	}
	for label := range m.deleted {
		seen[label] = true
	}
	m.mu.Unlock()

	labels := make([]string, 0, len(seen))
	for l := range seen {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	infos := make([]BookInfo, len(labels))
	for i, l := range labels {
		infos[i] = BookInfo{Label: l, Deleted: m.IsDeleted(l)}
	}
	return infos, nil
}

// Close closes every open book database.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for label, b := range m.books {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing book %s: %w", label, err))
		}
		delete(m.books, label)
	}
	return errors.Join(errs...)
}

// --- Node store operations addressed by label ---

// GetLatest returns the highest version of (node, itemID) in label.
func (m *Manager) GetLatest(label, node, itemID string) (Record, error) {
	b, err := m.Book(label)
	if err != nil {
		return Record{}, err
	}
	return b.GetLatest(node, itemID)
}

// GetVersion returns a specific version of (node, itemID) in label.
func (m *Manager) GetVersion(label, node, itemID string, version int) (json.RawMessage, error) {
	b, err := m.Book(label)
	if err != nil {
		return nil, err
	}
	return b.GetVersion(node, itemID, version)
}

// PutNext stores the next version of (node, itemID) in label.
func (m *Manager) PutNext(label, node, itemID string, data any) (int, error) {
	b, err := m.Book(label)
	if err != nil {
		return 0, err
	}
	return b.PutNext(node, itemID, data)
}

// ListVersions lists the versions of (node, itemID) in label.
func (m *Manager) ListVersions(label, node, itemID string) ([]int, error) {
	b, err := m.Book(label)
	if err != nil {
		return nil, err
	}
	return b.ListVersions(node, itemID)
}

// ResetVersions drops the history of (node, itemID) in label.
func (m *Manager) ResetVersions(label, node, itemID string) error {
	b, err := m.Book(label)
	if err != nil {
		return err
	}
	return b.ResetVersions(node, itemID)
}

// --- Extraction writes addressed by label ---

// BookSink writes extraction output to a book through the Manager, so a
// book deleted mid-extraction fails with ErrScopeDeleted.
type BookSink struct {
	m     *Manager
	label string
}

// Sink returns the extraction sink of label.
func (m *Manager) Sink(label string) BookSink {
	return BookSink{m: m, label: label}
}

func (s BookSink) PutExtractedPage(p Page) error {
	return s.write(func(b *Book) error { return b.PutExtractedPage(p) })
}

func (s BookSink) PutImage(img Image) error {
	return s.write(func(b *Book) error { return b.PutImage(img) })
}

func (s BookSink) PutPdfMetadata(md PdfMetadata) error {
	return s.write(func(b *Book) error { return b.PutPdfMetadata(md) })
}

func (s BookSink) write(fn func(*Book) error) error {
	b, err := s.m.Book(s.label)
	if err != nil {
		return err
	}
	if err := fn(b); err != nil {
		if s.m.IsDeleted(s.label) {
			return fmt.Errorf("%w: %s", ErrScopeDeleted, s.label)
		}
		return err
	}
	return nil
}
