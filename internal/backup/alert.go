package backup

import (
	"context"
	"time"

	"llacademy.ng/internal/obs"
	"llacademy.ng/internal/stream"
)

// Alert is raised when an operator has to look at something.
type Alert struct {
	Kind    string
	Message string
	Fields  map[string]any
	At      time.Time
}

const (
	AlertTransferFailed   = "backup_transfer_failed"
	AlertSnapshotFailed   = "backup_snapshot_failed"
	AlertChecksumMismatch = "restore_checksum_mismatch"
	AlertRestoreFailed    = "restore_failed"
)

type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

// LogAlerter writes alerts to the structured log and counts them.
type LogAlerter struct{}

func (LogAlerter) Alert(_ context.Context, a Alert) {
	fields := map[string]any{"alert": a.Kind}
	for k, v := range a.Fields {
		fields[k] = v
	}
	obs.Error(a.Message, fields)
	obs.AlertsRaised.WithLabelValues(a.Kind).Inc()
}

// StreamAlerter publishes alerts on the admin event stream.
type StreamAlerter struct {
	Stream *stream.Stream
}

func (s StreamAlerter) Alert(_ context.Context, a Alert) {
	if s.Stream == nil {
		return
	}
	fields := map[string]any{"alert": a.Kind}
	for k, v := range a.Fields {
		fields[k] = v
	}
	s.Stream.Publish(stream.Event{Kind: stream.KindBackupAlert, Message: a.Message, Fields: fields, Timestamp: a.At})
}

// Alerters fans an alert out to every member.
type Alerters []Alerter

func (as Alerters) Alert(ctx context.Context, a Alert) {
	for _, al := range as {
		if al != nil {
			al.Alert(ctx, a)
		}
	}
}
