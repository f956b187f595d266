package bus

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// Backend names accepted by New.
const (
	BackendMemory   = "memory"
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
)

// Config selects and configures the backend.
type Config struct {
	Backend string
	// Path is the bbolt file for the bolt backend.
	Path string
	// DB and DSN are required by the postgres backend.
	DB  *gorm.DB
	DSN string
}

// New opens the configured backend and wraps it with metrics. The choice is
// made once; there is no fallback between backends at call time.
func New(ctx context.Context, cfg Config, opts ...Option) (Bus, error) {
	var (
		b   Bus
		err error
	)
	switch cfg.Backend {
	case "", BackendMemory:
		cfg.Backend = BackendMemory
		b = NewMemory(opts...)
	case BackendBolt:
		if cfg.Path == "" {
			return nil, fmt.Errorf("bolt bus requires a path")
		}
		b, err = OpenBolt(cfg.Path, opts...)
	case BackendPostgres:
		if cfg.DB == nil || cfg.DSN == "" {
			return nil, fmt.Errorf("postgres bus requires a database connection")
		}
		b, err = OpenPostgres(ctx, cfg.DB, cfg.DSN, opts...)
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return NewInstrumented(b, cfg.Backend), nil
}
