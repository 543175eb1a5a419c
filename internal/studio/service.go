// Package studio wires storage, the model caller, the pipeline and the job
// queue into one Service that the CLI and the HTTP API share.
package studio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/incrementventures/adt-studio-sub000/internal/cache"
	"github.com/incrementventures/adt-studio-sub000/internal/config"
	"github.com/incrementventures/adt-studio-sub000/internal/graph"
	"github.com/incrementventures/adt-studio-sub000/internal/llm"
	"github.com/incrementventures/adt-studio-sub000/internal/pipeline"
	"github.com/incrementventures/adt-studio-sub000/internal/prompt"
	"github.com/incrementventures/adt-studio-sub000/internal/queue"
	"github.com/incrementventures/adt-studio-sub000/internal/storage"
	"github.com/incrementventures/adt-studio-sub000/internal/telemetry"
)

// ErrBookNotFound is returned for labels with no book directory.
var ErrBookNotFound = errors.New("book not found")

// ErrBookBusy is returned when a book cannot be reimported because jobs
// for it are still queued or running.
var ErrBookBusy = errors.New("book has jobs in flight")

// Service owns every long-lived component of a running studio.
type Service struct {
	Store    *storage.Manager
	Configs  *config.BookConfigs
	Prompts  *prompt.Library
	Cache    *cache.Cache
	Pipeline *pipeline.Pipeline
	Queue    *queue.Queue

	locks keyedLocks

	cfg        config.Config
	cacheStore cache.Store
	logger     *slog.Logger
	metrics    telemetry.Metrics
	progress   func(graph.Progress)
}

// Option configures a Service.
type Option func(*options)

type options struct {
	provider   llm.Provider
	cacheStore cache.Store
	logger     *slog.Logger
	metrics    telemetry.Metrics
	progress   func(graph.Progress)
}

// WithProvider uses p instead of building one from the config.
func WithProvider(p llm.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithCacheStore uses s instead of the configured cache backend.
func WithCacheStore(s cache.Store) Option {
	return func(o *options) { o.cacheStore = s }
}

// WithLogger sets the logger of every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics recorder of every component.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithNodeProgress receives node progress from every pipeline run.
func WithNodeProgress(fn func(graph.Progress)) Option {
	return func(o *options) { o.progress = fn }
}

// New builds a Service from cfg. The provider is created lazily from cfg
// unless WithProvider is given, so commands that never call a model work
// without credentials.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Service, error) {
	o := options{logger: slog.Default(), metrics: telemetry.NoopMetrics{}}
	for _, fn := range opts {
		fn(&o)
	}

	store := o.cacheStore
	if store == nil {
		var err error
		store, err = NewCacheStore(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("opening cache: %w", err)
		}
	}

	s := &Service{
		Store:      storage.NewManager(cfg.Storage.DataDir),
		Configs:    config.NewBookConfigs(cfg.Storage.DataDir),
		Prompts:    prompt.NewLibrary(cfg.Storage.DataDir),
		Cache:      cache.New(store, cache.WithForceRecompute(cfg.Cache.ForceRecompute)),
		cfg:        cfg,
		cacheStore: store,
		logger:     o.logger,
		metrics:    o.metrics,
		progress:   o.progress,
	}

	provider := o.provider
	if provider == nil {
		provider = newLazyProvider(cfg)
	}
	caller := llm.NewCaller(provider, s.Cache,
		llm.WithLogSink(&bookLogSink{store: s.Store, logger: o.logger}),
		llm.WithMetrics(o.metrics),
		llm.WithLogger(o.logger),
	)
	s.Pipeline = pipeline.New(pipeline.Deps{
		Store:        s.Store,
		Configs:      s.Configs,
		Prompts:      s.Prompts,
		Generator:    caller,
		DefaultModel: cfg.LLM.DefaultModel,
		Logger:       o.logger,
	})
	s.Queue = queue.New(s.registry(),
		queue.WithConcurrency(cfg.Queue.Concurrency),
		queue.WithLogger(o.logger),
		queue.WithMetrics(o.metrics),
		queue.WithContext(context.WithoutCancel(ctx)),
	)
	return s, nil
}

// Start runs background watchers until ctx ends.
func (s *Service) Start(ctx context.Context) {
	go func() {
		if err := s.Configs.Watch(ctx, s.logger); err != nil {
			s.logger.Warn("book config watcher stopped", "error", err)
		}
	}()
}

// Close waits for running jobs and closes every book database and the
// cache backend. Queued jobs that have not started are dropped.
func (s *Service) Close() error {
	s.Queue.Wait()
	var errs []error
	if err := s.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	if c, ok := s.cacheStore.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Config returns the application configuration the service was built with.
func (s *Service) Config() config.Config { return s.cfg }

func (s *Service) newRun(label string, update func(queue.Patch)) *graph.Run {
	return graph.NewRun(label,
		graph.WithLogger(s.logger),
		graph.WithMetrics(s.metrics),
		graph.WithProgress(func(p graph.Progress) {
			if update != nil {
				update(queue.Patch{Progress: &queue.Progress{Message: p.Node + " " + p.Scope + ": " + p.Message}})
			}
			if s.progress != nil {
				s.progress(p)
			}
		}),
	)
}

// ImportBook queues extraction of the PDF at path into label. Any earlier
// book of the same label, deleted or not, is replaced. It fails with
// ErrBookBusy while jobs for label are queued or running.
func (s *Service) ImportBook(label, path string, startPage, endPage int) (queue.Job, error) {
	if err := storage.ValidateLabel(label); err != nil {
		return queue.Job{}, err
	}
	if _, err := os.Stat(path); err != nil {
		return queue.Job{}, fmt.Errorf("reading pdf: %w", err)
	}
	for _, job := range s.Queue.List() {
		if job.Label == label && !job.Status.Terminal() {
			return queue.Job{}, fmt.Errorf("%s: %w", label, ErrBookBusy)
		}
	}
	// Every import starts from an empty database; config, prompt
	// overrides and uploads in the book directory are kept.
	if err := s.Store.Reset(label); err != nil {
		return queue.Job{}, fmt.Errorf("resetting book %s: %w", label, err)
	}
	s.Configs.Invalidate(label)
	return s.Queue.Enqueue(queue.Request{
		Kind:   queue.KindExtract,
		Label:  label,
		Params: queue.ExtractParams{Path: path, StartPage: startPage, EndPage: endPage},
	}), nil
}

// SaveUpload stores an uploaded PDF inside the book directory and returns
// its path.
func (s *Service) SaveUpload(label string, r io.Reader) (string, error) {
	if err := storage.ValidateLabel(label); err != nil {
		return "", err
	}
	dir := filepath.Join(s.Store.BookDir(label), "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating upload dir: %w", err)
	}
	path := filepath.Join(dir, uuid.NewString()+".pdf")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating upload: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("writing upload: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}

// Enqueue validates a job request against the book and admits it.
func (s *Service) Enqueue(req queue.Request) (queue.Job, error) {
	if err := s.requireBook(req.Label); err != nil {
		return queue.Job{}, err
	}
	if req.Params == nil {
		p, err := queue.DecodeParams(req.Kind, nil)
		if err != nil {
			return queue.Job{}, err
		}
		req.Params = p
	}
	if req.Params.Kind() != req.Kind {
		return queue.Job{}, fmt.Errorf("params for %q given to a %q job", req.Params.Kind(), req.Kind)
	}
	return s.Queue.Enqueue(req), nil
}

// Process queues the metadata job of an extracted book, which cascades
// into one page pipeline per page.
func (s *Service) Process(label string) (queue.Job, error) {
	return s.Enqueue(queue.Request{Kind: queue.KindMetadata, Label: label, Params: queue.MetadataParams{}})
}

// DeleteBook soft-deletes a book.
func (s *Service) DeleteBook(label string) error {
	if err := s.requireBook(label); err != nil {
		return err
	}
	s.Configs.Invalidate(label)
	return s.Store.MarkDeleted(label)
}

// UndeleteBook restores a soft-deleted book.
func (s *Service) UndeleteBook(label string) error {
	if err := storage.ValidateLabel(label); err != nil {
		return err
	}
	if _, err := os.Stat(s.Store.BookDir(label)); err != nil {
		return fmt.Errorf("%s: %w", label, ErrBookNotFound)
	}
	return s.Store.Undelete(label)
}

// Book opens an existing book. Unlike Store.Book it never creates one.
func (s *Service) Book(label string) (*storage.Book, error) {
	if err := s.requireBook(label); err != nil {
		return nil, err
	}
	return s.Store.Book(label)
}

func (s *Service) requireBook(label string) error {
	if err := storage.ValidateLabel(label); err != nil {
		return err
	}
	if s.Store.IsDeleted(label) {
		return fmt.Errorf("%s: %w", label, storage.ErrScopeDeleted)
	}
	if _, err := os.Stat(s.Store.BookDir(label)); err != nil {
		return fmt.Errorf("%s: %w", label, ErrBookNotFound)
	}
	return nil
}

// ClearCache removes every cached model response.
func (s *Service) ClearCache(ctx context.Context) error {
	return s.Cache.Clear(ctx)
}

// lazyProvider builds the configured provider on first use so that a
// missing API key only fails jobs that call a model.
type lazyProvider struct {
	get func() (llm.Provider, error)
}

func newLazyProvider(cfg config.Config) *lazyProvider {
	return &lazyProvider{get: sync.OnceValues(func() (llm.Provider, error) { return NewProvider(cfg) })}
}

func (p *lazyProvider) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	provider, err := p.get()
	if err != nil {
		return llm.Response{}, err
	}
	return provider.Generate(ctx, req)
}
