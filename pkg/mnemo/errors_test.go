package mnemo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/thiagogaia/mnemo/pkg/graph"
)

func TestClassifyError_Sentinels(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"validation sentinel", graph.ErrValidation, ErrTypeValidation},
		{"wrapped validation", fmt.Errorf("%w: weight out of range", graph.ErrValidation), ErrTypeValidation},
		{"not found sentinel", graph.ErrNotFound, ErrTypeNotFound},
		{"wrapped not found", fmt.Errorf("node 42: %w", graph.ErrNotFound), ErrTypeNotFound},
		{"dangling reference", fmt.Errorf("reference 7: %w", graph.ErrDanglingReference), ErrTypeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyError_Timeout(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"context deadline", context.DeadlineExceeded},
		{"string timeout", fmt.Errorf("operation timeout")},
		{"deadline exceeded", fmt.Errorf("context deadline exceeded")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != ErrTypeTimeout {
				t.Errorf("ClassifyError() = %v, want %v", got, ErrTypeTimeout)
			}
		})
	}
}

func TestClassifyError_Network(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"connection refused", fmt.Errorf("connection refused")},
		{"connection reset", fmt.Errorf("connection reset by peer")},
		{"no such host", fmt.Errorf("no such host")},
		{"dial tcp error", fmt.Errorf("dial tcp: connection refused")},
		{"eof", fmt.Errorf("unexpected EOF")},
		{"net.OpError", &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("refused")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != ErrTypeNetwork {
				t.Errorf("ClassifyError() = %v, want %v for error: %v", got, ErrTypeNetwork, tt.err)
			}
		})
	}
}

func TestClassifyError_Embedding(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"api error", fmt.Errorf("API error: status 500")},
		{"rate limit", fmt.Errorf("rate limit exceeded")},
		{"embedding failure", fmt.Errorf("embedding response empty")},
		{"openai", fmt.Errorf("openai returned no data")},
		{"ollama", fmt.Errorf("ollama not reachable")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != ErrTypeEmbedding {
				t.Errorf("ClassifyError() = %v, want %v", got, ErrTypeEmbedding)
			}
		})
	}
}

func TestClassifyError_Database(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"sql error", fmt.Errorf("sql: no rows in result set")},
		{"database locked", fmt.Errorf("database is locked")},
		{"constraint", fmt.Errorf("FOREIGN KEY constraint violated")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != ErrTypeDatabase {
				t.Errorf("ClassifyError() = %v, want %v", got, ErrTypeDatabase)
			}
		})
	}
}

func TestClassifyError_Validation(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"validation word", errors.New("validation failed")},
		{"cannot be empty", errors.New("content cannot be empty")},
		{"must be", errors.New("weight must be in (0, 1]")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != ErrTypeValidation {
				t.Errorf("ClassifyError() = %v, want %v", got, ErrTypeValidation)
			}
		})
	}
}

func TestClassifyError_UnknownAndNil(t *testing.T) {
	if got := ClassifyError(nil); got != "" {
		t.Errorf("ClassifyError(nil) = %q, want empty", got)
	}
	if got := ClassifyError(errors.New("something odd happened")); got != ErrTypeUnknown {
		t.Errorf("ClassifyError() = %v, want %v", got, ErrTypeUnknown)
	}
}
