// File: internal/automation/reporter.go
package automation

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/certidao-cli/api/schemas"
)

type nopReporter struct{}

func (nopReporter) Report(context.Context, schemas.ProgressEvent) {}

// ReporterFunc adapts a function to schemas.ProgressReporter.
type ReporterFunc func(ctx context.Context, ev schemas.ProgressEvent)

func (f ReporterFunc) Report(ctx context.Context, ev schemas.ProgressEvent) { f(ctx, ev) }

// MultiReporter fans an event out to several reporters in order.
type MultiReporter []schemas.ProgressReporter

func (m MultiReporter) Report(ctx context.Context, ev schemas.ProgressEvent) {
	for _, rep := range m {
		if rep != nil {
			rep.Report(ctx, ev)
		}
	}
}

// LogReporter writes progress events to a zap logger.
type LogReporter struct {
	logger *zap.Logger
}

// NewLogReporter creates a reporter logging under the "progress" name.
func NewLogReporter(logger *zap.Logger) *LogReporter {
	return &LogReporter{logger: logger.Named("progress")}
}

func (l *LogReporter) Report(_ context.Context, ev schemas.ProgressEvent) {
	fields := []zap.Field{
		zap.String("run_id", ev.RunID),
		zap.String("certificate_id", ev.CertificateID),
		zap.String("event", string(ev.Type)),
		zap.Int("step", ev.StepIndex),
		zap.String("status", string(ev.Status)),
	}
	if ev.Action != "" {
		fields = append(fields, zap.String("action", string(ev.Action)))
	}
	if ev.Message != "" {
		fields = append(fields, zap.String("message", ev.Message))
	}

	switch ev.Type {
	case schemas.EventFailed:
		l.logger.Warn("Run progress", fields...)
	case schemas.EventStepCompleted:
		l.logger.Debug("Run progress", fields...)
	default:
		l.logger.Info("Run progress", fields...)
	}
}
