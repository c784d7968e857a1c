package zaplog

import (
	"fmt"
	"sort"

	"github.com/AnishMulay/chunkstore/internal/log_service"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogService forwards LogEvents to a zap logger. Metadata keys become structured fields.
type ZapLogService struct {
	logger *zap.Logger
	nodeID string
}

// NewZapLogService builds a production (JSON) or development (console) logger at the given level.
func NewZapLogService(nodeID string, level string, development bool) (*ZapLogService, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel(level))

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return Wrap(logger, nodeID), nil
}

// Wrap adapts an existing zap logger, e.g. zaptest.NewLogger in tests.
func Wrap(logger *zap.Logger, nodeID string) *ZapLogService {
	return &ZapLogService{logger: logger, nodeID: nodeID}
}

// Logger exposes the underlying logger for libraries that take a *zap.Logger directly.
func (z *ZapLogService) Logger() *zap.Logger {
	return z.logger
}

func (z *ZapLogService) Sync() error {
	return z.logger.Sync()
}

func zapLevel(level string) zapcore.Level {
	switch log_service.GetLevelValue(level) {
	case log_service.DebugLevelValue:
		return zapcore.DebugLevel
	case log_service.WarnLevelValue:
		return zapcore.WarnLevel
	case log_service.ErrorLevelValue:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (z *ZapLogService) fields(event log_service.LogEvent) []zap.Field {
	keys := make([]string, 0, len(event.Metadata))
	for k := range event.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]zap.Field, 0, len(keys)+2)
	nodeID := event.NodeID
	if nodeID == "" {
		nodeID = z.nodeID
	}
	fields = append(fields, zap.String("nodeID", nodeID))
	if !event.Timestamp.IsZero() {
		fields = append(fields, zap.Time("eventTime", event.Timestamp))
	}
	for _, k := range keys {
		fields = append(fields, zap.Any(k, event.Metadata[k]))
	}
	return fields
}

func (z *ZapLogService) Debug(event log_service.LogEvent) {
	z.logger.Debug(event.Message, z.fields(event)...)
}

func (z *ZapLogService) Info(event log_service.LogEvent) {
	z.logger.Info(event.Message, z.fields(event)...)
}

func (z *ZapLogService) Warn(event log_service.LogEvent) {
	z.logger.Warn(event.Message, z.fields(event)...)
}

func (z *ZapLogService) Error(event log_service.LogEvent) {
	z.logger.Error(event.Message, z.fields(event)...)
}

var _ log_service.LogService = (*ZapLogService)(nil)
