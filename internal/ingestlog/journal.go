// Package ingestlog is the append-only record of pipeline phase
// transitions. Every entry is persisted first, then pushed to live
// listeners with its assigned ID.
package ingestlog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/applytrack/internal/eventbus"
	"github.com/nhle/applytrack/internal/model"
)

// Statuses shared across phases.
const (
	StatusStart    = "start"
	StatusEnd      = "end"
	StatusError    = "error"
	StatusComplete = "complete"
)

// LogStore is the persistence the journal needs.
type LogStore interface {
	AppendLog(ctx context.Context, e model.LogEntry) (model.LogEntry, error)
	TailLog(ctx context.Context, sinceID int64, limit int) ([]model.LogEntry, error)
}

// Fields are the optional columns of a log entry.
type Fields struct {
	RunID     string
	Mailbox   string
	UID       uint32
	MessageID string
	Subject   string
	Vendor    string
	Class     string
	Detail    string
}

// Journal appends ingestion log entries and publishes them.
type Journal struct {
	store  LogStore
	bus    *eventbus.Bus
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Journal. bus and logger may be nil.
func New(store LogStore, bus *eventbus.Bus, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{store: store, bus: bus, logger: logger.Named("ingest"), now: time.Now}
}

// Log persists one entry and, once it has an ID, publishes it as a "log"
// event. The entry is mirrored to the process logger either way.
func (j *Journal) Log(ctx context.Context, phase model.Phase, status string, f Fields) (model.LogEntry, error) {
	entry := model.LogEntry{
		Timestamp: j.now(),
		Phase:     phase,
		Status:    status,
		RunID:     f.RunID,
		Mailbox:   f.Mailbox,
		MessageID: f.MessageID,
		Subject:   f.Subject,
		Vendor:    f.Vendor,
		Class:     f.Class,
		Detail:    f.Detail,
	}
	if f.UID > 0 {
		uid := f.UID
		entry.UID = &uid
	}

	j.mirror(entry)

	// A cancelled run still gets its closing entries written.
	saved, err := j.store.AppendLog(context.WithoutCancel(ctx), entry)
	if err != nil {
		j.logger.Error("ingestion log write failed",
			zap.String("phase", string(phase)),
			zap.String("status", status),
			zap.Error(err))
		return entry, fmt.Errorf("appending %s/%s: %w", phase, status, err)
	}

	if j.bus != nil {
		j.bus.Publish(eventbus.TypeLog, saved)
	}
	return saved, nil
}

// Emit publishes a non-persisted event, e.g. stats or progress snapshots.
// Listeners not connected at this moment never see it.
func (j *Journal) Emit(eventType string, payload any) {
	if j.bus == nil {
		return
	}
	j.bus.Publish(eventType, payload)
}

// Tail returns persisted entries with id > sinceID, oldest first.
func (j *Journal) Tail(ctx context.Context, sinceID int64, limit int) ([]model.LogEntry, error) {
	entries, err := j.store.TailLog(ctx, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("tailing ingestion log: %w", err)
	}
	return entries, nil
}

// Bus returns the event bus live listeners subscribe to.
func (j *Journal) Bus() *eventbus.Bus {
	return j.bus
}

func (j *Journal) mirror(e model.LogEntry) {
	fields := []zap.Field{
		zap.String("phase", string(e.Phase)),
		zap.String("status", e.Status),
	}
	if e.RunID != "" {
		fields = append(fields, zap.String("run_id", e.RunID))
	}
	if e.Mailbox != "" {
		fields = append(fields, zap.String("mailbox", e.Mailbox))
	}
	if e.UID != nil {
		fields = append(fields, zap.Uint32("uid", *e.UID))
	}
	if e.Subject != "" {
		fields = append(fields, zap.String("subject", e.Subject))
	}
	if e.Vendor != "" {
		fields = append(fields, zap.String("vendor", e.Vendor))
	}
	if e.Class != "" {
		fields = append(fields, zap.String("class", e.Class))
	}
	if e.Detail != "" {
		fields = append(fields, zap.String("detail", e.Detail))
	}

	if isErrorStatus(e.Status) {
		j.logger.Warn("ingest", fields...)
		return
	}
	j.logger.Debug("ingest", fields...)
}

func isErrorStatus(status string) bool {
	return status == StatusError || strings.HasSuffix(status, "_error")
}
