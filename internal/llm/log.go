package llm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"time"
)

// Limits on the validation errors copied into a log entry.
const (
	maxLoggedErrors   = 20
	maxLoggedErrorLen = 500
)

// LogEntry records one attempt of a validated call.
type LogEntry struct {
	Label    string
	Task     string
	ItemID   string
	Model    string
	Attempt  int
	CacheHit bool
	Duration time.Duration
	Usage    Usage
	// ValidationErrors holds the errors collected up to and including
	// this attempt, the most recent maxLoggedErrors of them, each cut to
	// maxLoggedErrorLen bytes.
	ValidationErrors []string
	Error            string
	Messages         []LoggedMessage
	CreatedAt        time.Time
}

// LoggedMessage is a message with image payloads replaced by summaries.
type LoggedMessage struct {
	Role    string         `json:"role"`
	Content string         `json:"content"`
	Images  []ImageSummary `json:"images,omitempty"`
}

// ImageSummary identifies an image without carrying its bytes.
type ImageSummary struct {
	Hash   string `json:"hash"`
	Bytes  int    `json:"bytes"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// LogSink receives one entry per attempt.
type LogSink interface {
	LogLLMCall(ctx context.Context, entry LogEntry)
}

// LogSinkFunc adapts a function to LogSink.
type LogSinkFunc func(ctx context.Context, entry LogEntry)

func (f LogSinkFunc) LogLLMCall(ctx context.Context, entry LogEntry) { f(ctx, entry) }

// SummarizeImage hashes data and reads its pixel dimensions when the
// format is recognized.
func SummarizeImage(data []byte) ImageSummary {
	sum := sha256.Sum256(data)
	s := ImageSummary{
		Hash:  hex.EncodeToString(sum[:]),
		Bytes: len(data),
	}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		s.Width = cfg.Width
		s.Height = cfg.Height
	}
	return s
}

func summarizeMessages(system string, msgs []Message) []LoggedMessage {
	out := make([]LoggedMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, LoggedMessage{Role: RoleSystem, Content: system})
	}
	for _, m := range msgs {
		lm := LoggedMessage{Role: m.Role, Content: m.Content}
		for _, img := range m.Images {
			lm.Images = append(lm.Images, SummarizeImage(img.Data))
		}
		out = append(out, lm)
	}
	return out
}

func truncateErrors(errs []string) []string {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) > maxLoggedErrors {
		errs = errs[len(errs)-maxLoggedErrors:]
	}
	out := make([]string, len(errs))
	for i, e := range errs {
		if len(e) > maxLoggedErrorLen {
			e = strings.ToValidUTF8(e[:maxLoggedErrorLen], "") + "..."
		}
		out[i] = e
	}
	return out
}
