package mnemo

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/thiagogaia/mnemo/pkg/graph"
)

// Error type constants for classification
const (
	ErrTypeNetwork    = "network"
	ErrTypeTimeout    = "timeout"
	ErrTypeEmbedding  = "embedding"
	ErrTypeDatabase   = "database"
	ErrTypeValidation = "validation"
	ErrTypeNotFound   = "not_found"
	ErrTypeUnknown    = "unknown"
)

// ClassifyError inspects an error and returns its type classification.
// This enables grouping errors by category in metrics and traces.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}

	// Sentinel errors first: they carry exact intent.
	if errors.Is(err, graph.ErrValidation) {
		return ErrTypeValidation
	}
	if errors.Is(err, graph.ErrNotFound) || errors.Is(err, graph.ErrDanglingReference) {
		return ErrTypeNotFound
	}

	errStrLower := strings.ToLower(err.Error())

	// Check for timeout errors
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(errStrLower, "timeout") || strings.Contains(errStrLower, "deadline exceeded") {
		return ErrTypeTimeout
	}

	// Check for network errors
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return ErrTypeNetwork
	}
	if strings.Contains(errStrLower, "connection refused") ||
		strings.Contains(errStrLower, "connection reset") ||
		strings.Contains(errStrLower, "no such host") ||
		strings.Contains(errStrLower, "network is unreachable") ||
		strings.Contains(errStrLower, "dial tcp") ||
		strings.Contains(errStrLower, "eof") {
		return ErrTypeNetwork
	}

	// Check for embedding provider errors
	if strings.Contains(errStrLower, "api error") ||
		strings.Contains(errStrLower, "rate limit") ||
		strings.Contains(errStrLower, "invalid response") ||
		strings.Contains(errStrLower, "embedding") ||
		strings.Contains(errStrLower, "openai") ||
		strings.Contains(errStrLower, "ollama") {
		return ErrTypeEmbedding
	}

	// Check for database errors (SQLite specific)
	if strings.Contains(errStrLower, "sql") ||
		strings.Contains(errStrLower, "database") ||
		strings.Contains(errStrLower, "constraint") ||
		strings.Contains(errStrLower, "unique") && strings.Contains(errStrLower, "failed") {
		return ErrTypeDatabase
	}

	// Check for validation errors
	if strings.Contains(errStrLower, "validation") ||
		strings.Contains(errStrLower, "invalid") ||
		strings.Contains(errStrLower, "required") ||
		strings.Contains(errStrLower, "cannot be empty") ||
		strings.Contains(errStrLower, "must be") {
		return ErrTypeValidation
	}

	// Default to unknown
	return ErrTypeUnknown
}
