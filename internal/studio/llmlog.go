package studio

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/incrementventures/adt-studio-sub000/internal/llm"
	"github.com/incrementventures/adt-studio-sub000/internal/storage"
)

// bookLogSink persists model call attempts into the book's llm_log table.
// Failures are logged and dropped.
type bookLogSink struct {
	store  *storage.Manager
	logger *slog.Logger
}

var _ llm.LogSink = (*bookLogSink)(nil)

func (s *bookLogSink) LogLLMCall(_ context.Context, e llm.LogEntry) {
	if e.Label == "" {
		return
	}
	book, err := s.store.Book(e.Label)
	if err != nil {
		s.logger.Warn("llm log: opening book", "label", e.Label, "error", err)
		return
	}
	msgs, err := json.Marshal(e.Messages)
	if err != nil {
		s.logger.Warn("llm log: encoding messages", "label", e.Label, "error", err)
		return
	}
	_, err = book.SaveLLMCall(storage.LLMCall{
		CreatedAt:        e.CreatedAt,
		Task:             e.Task,
		ItemID:           e.ItemID,
		Model:            e.Model,
		CacheHit:         e.CacheHit,
		Attempt:          e.Attempt,
		DurationMs:       e.Duration.Milliseconds(),
		InputTokens:      e.Usage.InputTokens,
		OutputTokens:     e.Usage.OutputTokens,
		ValidationErrors: e.ValidationErrors,
		Error:            e.Error,
		Messages:         string(msgs),
	})
	if err != nil {
		s.logger.Warn("llm log: saving call", "label", e.Label, "task", e.Task, "error", err)
	}
}
