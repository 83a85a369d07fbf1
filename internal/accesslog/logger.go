package accesslog

import (
	"context"

	"go.uber.org/zap"

	"github.com/wudi/appgate/internal/model"
)

// LoggerStore writes access logs as structured log lines.
type LoggerStore struct {
	logger *zap.Logger
}

// NewLoggerStore creates a store logging through logger.
func NewLoggerStore(logger *zap.Logger) *LoggerStore {
	return &LoggerStore{logger: logger.Named("access")}
}

// WriteBatch implements Store.
func (s *LoggerStore) WriteBatch(_ context.Context, batch []*model.AccessLog) error {
	for _, e := range batch {
		fields := []zap.Field{
			zap.String("id", e.ID),
			zap.String("app_id", e.AppID),
			zap.String("request_id", e.RequestID),
			zap.String("method", e.Method),
			zap.String("path", e.Path),
			zap.String("host", e.Host),
			zap.Int("status", e.StatusCode),
			zap.Duration("duration", e.Duration),
			zap.Int64("bytes", e.BytesWritten),
			zap.String("client_ip", e.ClientIP),
			zap.Time("created_at", e.CreatedAt),
		}
		if e.RouteID != "" {
			fields = append(fields, zap.String("route_id", e.RouteID))
		}
		if e.UserAgent != "" {
			fields = append(fields, zap.String("user_agent", e.UserAgent))
		}
		if e.AuthScheme != "" {
			fields = append(fields, zap.String("auth_scheme", e.AuthScheme))
		}
		if len(e.FunctionLogs) > 0 {
			fields = append(fields, zap.Any("function_logs", e.FunctionLogs))
		}
		s.logger.Info("request", fields...)
	}
	return nil
}

// Close flushes the logger.
func (s *LoggerStore) Close() error {
	s.logger.Sync()
	return nil
}
