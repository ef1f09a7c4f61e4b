package metrics

import "context"

// Collector receives operation-level telemetry from the engine. The
// Prometheus-backed collector is the production implementation; the no-op
// collector serves callers that opt out.
type Collector interface {
	RecordOperation(ctx context.Context, operation string, status string, durationMs int64)
	RecordStage(ctx context.Context, operation string, stage string, durationMs int64)
	RecordError(ctx context.Context, operation string, errorType string)
	SetStorageCount(ctx context.Context, storageType string, count int64)
}
