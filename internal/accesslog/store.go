package accesslog

import (
	"context"
	"fmt"
	"time"

	"github.com/wudi/appgate/internal/config"
	"github.com/wudi/appgate/internal/logging"
)

// OpenStore builds the store selected by cfg.
func OpenStore(ctx context.Context, cfg config.AccessLogConfig, maxWait time.Duration) (Store, error) {
	switch cfg.Store {
	case "", config.AccessLogStoreLogger:
		return NewLoggerStore(logging.Global()), nil
	case config.AccessLogStorePostgres:
		s, err := DialPostgres(ctx, cfg.Postgres, maxWait)
		if err != nil {
			return nil, err
		}
		if cfg.Postgres.CreateTable {
			if err := s.CreateTable(ctx); err != nil {
				s.Close()
				return nil, err
			}
		}
		return s, nil
	case config.AccessLogStoreTopic:
		return OpenTopic(ctx, cfg.TopicURL)
	default:
		return nil, fmt.Errorf("accesslog: unknown store %q", cfg.Store)
	}
}
