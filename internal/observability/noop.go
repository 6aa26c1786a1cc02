package observability

import "context"

// NoOpTracer is a tracer that does nothing. It is used when no export
// endpoint is configured.
type NoOpTracer struct{}

func (n *NoOpTracer) StartTask(_ string, _ TaskOptions) {}

func (n *NoOpTracer) RecordGeneration(_ string, _ GenerationInput) {}

func (n *NoOpTracer) RecordSkipped(_, _, _ string) {}

func (n *NoOpTracer) RecordGate(_, _, _ string) {}

func (n *NoOpTracer) CompleteTask(_, _ string) {}

func (n *NoOpTracer) Flush(_ context.Context) error { return nil }

func (n *NoOpTracer) Stop(_ context.Context) error { return nil }
