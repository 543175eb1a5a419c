package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/incrementventures/adt-studio-sub000/internal/queue"
)

// jobProgress follows queue events and renders page pipeline progress.
// On a terminal it draws a bar; otherwise it prints one line per finished
// job.
type jobProgress struct {
	mu     sync.Mutex
	w      io.Writer
	bar    *progressbar.ProgressBar
	seen   map[int64]bool
	done   map[int64]bool
	failed []queue.Job
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func newJobProgress(w *os.File) *jobProgress {
	p := &jobProgress{w: w, seen: make(map[int64]bool), done: make(map[int64]bool)}
	if isTerminal(w) && !noColor {
		p.bar = progressbar.NewOptions(1,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription("pages"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "█",
				SaucerHead:    "█",
				SaucerPadding: "░",
				BarStart:      "│",
				BarEnd:        "│",
			}),
		)
	}
	return p
}

// Handle consumes one queue event.
func (p *jobProgress) Handle(ev queue.Event) {
	if ev.Type != queue.EventJob || ev.Job == nil {
		return
	}
	job := *ev.Job

	p.mu.Lock()
	defer p.mu.Unlock()

	if job.Kind == queue.KindPagePipeline && !p.seen[job.ID] {
		p.seen[job.ID] = true
		if p.bar != nil {
			p.bar.ChangeMax(len(p.seen))
		}
	}
	if !job.Status.Terminal() || p.done[job.ID] {
		if p.bar != nil && job.Progress != nil && job.Progress.Message != "" {
			p.bar.Describe(describe(job))
		}
		return
	}
	p.done[job.ID] = true
	if job.Status == queue.StatusFailed {
		p.failed = append(p.failed, job)
	}

	if p.bar != nil {
		if job.Kind == queue.KindPagePipeline {
			p.bar.Add(1)
		}
		return
	}
	fmt.Fprintf(p.w, "%s %s %s\n", colorize(statusColor(string(job.Status)), string(job.Status)), job.Kind, jobSubject(job))
}

// Finish closes the bar and returns the failed jobs.
func (p *jobProgress) Finish() []queue.Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		p.bar.Finish()
	}
	return p.failed
}

func describe(job queue.Job) string {
	msg := job.Progress.Message
	if len(msg) > 40 {
		msg = msg[:40] + "..."
	}
	return fmt.Sprintf("pages (%s %s)", jobSubject(job), msg)
}

// jobSubject names what a job works on.
func jobSubject(job queue.Job) string {
	switch p := job.Params.(type) {
	case queue.PagePipelineParams:
		return job.Label + "/" + p.PageID
	case queue.WebRenderingParams:
		return job.Label + "/" + p.PageID
	}
	return job.Label
}
