package mnemo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/thiagogaia/mnemo/pkg/trace"
)

// opTrace accumulates per-stage spans for one engine operation and exports
// the assembled record on finish. Nil-safe: a nil receiver drops everything.
type opTrace struct {
	record  *trace.TraceRecord
	started time.Time
}

func (e *Engine) startTrace(operation string) *opTrace {
	if e.exporter == nil {
		return nil
	}
	now := time.Now()
	return &opTrace{
		started: now,
		record: &trace.TraceRecord{
			Timestamp:   now,
			OperationID: uuid.NewString(),
			Operation:   operation,
		},
	}
}

// span times one stage; call the returned func when the stage completes.
func (t *opTrace) span(name string) func(err error, counters map[string]int64) {
	if t == nil {
		return func(error, map[string]int64) {}
	}
	start := time.Now()
	return func(err error, counters map[string]int64) {
		sr := trace.SpanRecord{
			Name:       name,
			DurationMs: time.Since(start).Milliseconds(),
			OK:         err == nil,
			Counters:   counters,
		}
		if err != nil {
			sr.ErrorType = ClassifyError(err)
		}
		t.record.Spans = append(t.record.Spans, sr)
	}
}

func (t *opTrace) setID(key string, value interface{}) {
	if t == nil {
		return
	}
	if t.record.IDs == nil {
		t.record.IDs = make(map[string]interface{})
	}
	t.record.IDs[key] = value
}

// finish completes the record and hands it to the exporter. Export failures
// are swallowed: tracing never fails an operation.
func (e *Engine) finishTrace(ctx context.Context, t *opTrace, err error) {
	if t == nil || e.exporter == nil {
		return
	}
	t.record.DurationMs = time.Since(t.started).Milliseconds()
	if err != nil {
		t.record.Status = "error"
		t.record.ErrorType = ClassifyError(err)
	} else {
		t.record.Status = "success"
	}
	_ = e.exporter.Export(ctx, t.record)
}
