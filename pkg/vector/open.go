package vector

import (
	"database/sql"
	"errors"
	"fmt"
)

// Options selects and tunes a vector backend.
type Options struct {
	Backend Backend // exact, hnsw, or auto (default auto)
	HNSW    HNSWConfig
	// AutoThreshold is the corpus size above which auto selects HNSW
	// (default 5000).
	AutoThreshold int
}

func (o Options) withDefaults() Options {
	if o.Backend == "" {
		o.Backend = BackendAuto
	}
	if o.AutoThreshold == 0 {
		o.AutoThreshold = 5000
	}
	return o
}

// Open constructs the configured backend over a shared SQLite connection.
// When the requested backend fails to initialize, it falls back to the exact
// backend and returns it together with ErrBackendUnavailable wrapped in
// fellBack, so the caller can log the degradation without treating it as
// fatal. A nil error and actual == requested means a clean open.
func Open(db *sql.DB, opts Options) (idx Index, fellBack error, err error) {
	opts = opts.withDefaults()

	backend := opts.Backend
	if backend == BackendAuto {
		exact, err := NewExact(db)
		if err != nil {
			return nil, nil, err
		}
		if exact.Len() <= opts.AutoThreshold {
			return exact, nil, nil
		}
		backend = BackendHNSW
	}

	switch backend {
	case BackendExact:
		idx, err := NewExact(db)
		return idx, nil, err
	case BackendHNSW:
		idx, err := NewHNSW(db, opts.HNSW)
		if err == nil {
			return idx, nil, nil
		}
		if !errors.Is(err, ErrBackendUnavailable) {
			return nil, nil, err
		}
		exact, fallbackErr := NewExact(db)
		if fallbackErr != nil {
			return nil, nil, fallbackErr
		}
		return exact, err, nil
	default:
		return nil, nil, fmt.Errorf("vector: unknown backend %q", backend)
	}
}
