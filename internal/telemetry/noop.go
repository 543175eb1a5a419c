package telemetry

import (
	"context"
	"time"
)

// NoopMetrics is a Metrics that does nothing.
type NoopMetrics struct{}

var _ Metrics = NoopMetrics{}

func (NoopMetrics) RecordLLMCall(context.Context, LLMCall) {}

func (NoopMetrics) RecordNode(context.Context, string, bool, time.Duration, error) {}

func (NoopMetrics) RecordJob(context.Context, string, string, time.Duration) {}
