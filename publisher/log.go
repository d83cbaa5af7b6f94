package publisher

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/srg/bar228/poller"
	"github.com/srg/bar228/protocol"
)

// LogSink writes snapshots as structured log entries.
type LogSink struct {
	logger *logrus.Logger
	fields protocol.FieldsOptions
}

func NewLog(fields protocol.FieldsOptions, logger *logrus.Logger) *LogSink {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogSink{logger: logger, fields: fields}
}

func (l *LogSink) Publish(_ context.Context, snap poller.AvailabilitySnapshot) error {
	entry := l.logger.WithFields(logrus.Fields{
		"address":   snap.Identity.Address,
		"available": snap.Available,
		"failures":  snap.Failures,
	})

	if snap.LastError != "" {
		entry.WithField("kind", string(snap.LastError)).Warn("Poll failed")
		return nil
	}
	if snap.LastReading == nil {
		entry.Info("No reading yet")
		return nil
	}

	fields := logrus.Fields{"duplicate": snap.Duplicate}
	for pair := snap.LastReading.Fields(l.fields).Oldest(); pair != nil; pair = pair.Next() {
		fields[pair.Key] = pair.Value.String()
	}
	entry.WithFields(fields).Info("Reading")
	return nil
}

// Multi fans a snapshot out to every sink, joining their errors.
type Multi []poller.Sink

func (m Multi) Publish(ctx context.Context, snap poller.AvailabilitySnapshot) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
