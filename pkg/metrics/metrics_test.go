package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCollector_RecordOperation(t *testing.T) {
	collector := NewCollector()
	ctx := context.Background()

	// Record some operations
	collector.RecordOperation(ctx, "encode", "success", 1000)
	collector.RecordOperation(ctx, "encode", "success", 1500)
	collector.RecordOperation(ctx, "encode", "error", 500)
	collector.RecordOperation(ctx, "retrieve", "success", 200)

	// Verify counters
	if got := testutil.CollectAndCount(collector.operationsTotal); got != 3 {
		t.Errorf("expected 3 metric series (encode/success, encode/error, retrieve/success), got %d", got)
	}

	// Check specific counter value
	encodeSuccess := testutil.ToFloat64(collector.operationsTotal.WithLabelValues("encode", "success"))
	if encodeSuccess != 2 {
		t.Errorf("expected 2 encode/success operations, got %f", encodeSuccess)
	}

	encodeError := testutil.ToFloat64(collector.operationsTotal.WithLabelValues("encode", "error"))
	if encodeError != 1 {
		t.Errorf("expected 1 encode/error operation, got %f", encodeError)
	}
}

func TestMetricsCollector_RecordStage(t *testing.T) {
	collector := NewCollector()
	ctx := context.Background()

	// Record stage durations (in milliseconds)
	collector.RecordStage(ctx, "encode", "chunk", 100)
	collector.RecordStage(ctx, "encode", "embed", 2500)
	collector.RecordStage(ctx, "encode", "embed", 3000)

	// Verify histogram has entries
	if got := testutil.CollectAndCount(collector.operationDuration); got != 2 {
		t.Errorf("expected 2 histogram series, got %d", got)
	}

	embedHistogram := collector.operationDuration.WithLabelValues("encode", "embed")
	if embedHistogram == nil {
		t.Error("expected embed histogram to exist")
	}
}

func TestMetricsCollector_RecordError(t *testing.T) {
	collector := NewCollector()
	ctx := context.Background()

	collector.RecordError(ctx, "encode", "network")
	collector.RecordError(ctx, "encode", "network")
	collector.RecordError(ctx, "encode", "embedding")
	collector.RecordError(ctx, "retrieve", "timeout")

	networkErrors := testutil.ToFloat64(collector.errorsTotal.WithLabelValues("encode", "network"))
	if networkErrors != 2 {
		t.Errorf("expected 2 network errors, got %f", networkErrors)
	}

	embeddingErrors := testutil.ToFloat64(collector.errorsTotal.WithLabelValues("encode", "embedding"))
	if embeddingErrors != 1 {
		t.Errorf("expected 1 embedding error, got %f", embeddingErrors)
	}
}

func TestMetricsCollector_SetStorageCount(t *testing.T) {
	collector := NewCollector()
	ctx := context.Background()

	collector.SetStorageCount(ctx, "nodes_active", 150)
	collector.SetStorageCount(ctx, "nodes_archived", 12)
	collector.SetStorageCount(ctx, "edges", 300)

	active := testutil.ToFloat64(collector.storageCount.WithLabelValues("nodes_active"))
	if active != 150 {
		t.Errorf("expected 150 active nodes, got %f", active)
	}

	// Update existing gauge
	collector.SetStorageCount(ctx, "nodes_active", 160)
	active = testutil.ToFloat64(collector.storageCount.WithLabelValues("nodes_active"))
	if active != 160 {
		t.Errorf("expected 160 active nodes after update, got %f", active)
	}
}

func TestMetricsCollector_Registry(t *testing.T) {
	collector := NewCollector()
	ctx := context.Background()

	// Generate some metrics first so they appear in the registry
	collector.RecordOperation(ctx, "test", "success", 100)
	collector.RecordStage(ctx, "test", "stage1", 50)
	collector.RecordError(ctx, "test", "error1")
	collector.SetStorageCount(ctx, "nodes_active", 10)

	registry := collector.Registry()
	if registry == nil {
		t.Fatal("expected non-nil registry")
	}

	// Verify metrics are registered
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	// We registered 4 metrics: operations_total, operation_duration, errors_total, storage_count
	expectedFamilies := 4
	if len(metricFamilies) != expectedFamilies {
		t.Errorf("expected %d metric families, got %d", expectedFamilies, len(metricFamilies))
	}
}

// TestMetricsCollector_NoPayloadLeakage verifies metrics contain no sensitive data
func TestMetricsCollector_NoPayloadLeakage(t *testing.T) {
	collector := NewCollector()
	ctx := context.Background()

	// Simulate operations with context that might contain sensitive data
	// (in real usage, context would never contain payload, but this tests the interface contract)
	collector.RecordOperation(ctx, "encode", "success", 1000)
	collector.RecordStage(ctx, "encode", "embed", 500)
	collector.RecordError(ctx, "encode", "embedding")

	// Gather all metrics
	metricFamilies, err := collector.Registry().Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	// Verify no sensitive keywords appear in any label values
	forbiddenTerms := []string{"title", "content", "author", "rationale", "api_key", "API", "Bearer"}
	for _, mf := range metricFamilies {
		for _, m := range mf.GetMetric() {
			for _, label := range m.GetLabel() {
				value := label.GetValue()
				for _, term := range forbiddenTerms {
					if value == term {
						t.Errorf("found forbidden term %q in metric label", term)
					}
				}
			}
		}
	}
}
