package store

import (
	"context"
	"errors"

	"github.com/nhle/applytrack/internal/model"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

// EmailFilter controls filtering and pagination for email queries.
type EmailFilter struct {
	Mailbox     *string
	ParseStatus *model.ParseStatus
	Vendor      *string
	Class       *model.Class
	Limit       int
	Offset      int
	Ascending   bool
}

// Batch is one unit of pipeline work committed atomically: the records
// fetched in it and the watermark movement they justify.
type Batch struct {
	Mailbox      string
	ModelVersion string
	Records      []*model.EmailRecord

	// ForwardUID advances last_uid when non-zero; it never lowers it.
	ForwardUID uint32

	// BackfillLow lowers lowest_uid_processed when non-zero.
	BackfillLow uint32

	// BackfillDone pauses the sweep once nothing older remains.
	BackfillDone bool
}

// BatchResult reports what CommitBatch did with each record.
type BatchResult struct {
	Inserted   int
	Duplicates int
}

// ExtractionOutcome is the per-email result the extractor commits together
// with its usage row.
type ExtractionOutcome struct {
	EmailID     int64
	Status      model.ParseStatus
	Payload     *string
	Class       model.Class
	Vendor      string
	Usage       model.UsageEntry
	Application *model.Application
}

// Store defines the persistence interface used by the ingestion core.
type Store interface {
	// === Emails ===

	CommitBatch(ctx context.Context, b Batch) (BatchResult, error)
	GetEmail(ctx context.Context, id int64) (*model.EmailRecord, error)
	ListEmails(ctx context.Context, f EmailFilter) ([]model.EmailRecord, error)
	CompleteExtraction(ctx context.Context, o ExtractionOutcome) error

	// === Sync state ===

	GetSyncState(ctx context.Context, mailbox string) (*model.SyncState, error)
	InitBackfill(ctx context.Context, mailbox string, highest uint32) (*model.SyncState, error)
	SetBackfillActive(ctx context.Context, mailbox string, active bool) error

	// === Header cache ===

	GetHeaderDecision(ctx context.Context, mailbox string, uid uint32) (*model.HeaderDecision, error)
	PutHeaderDecision(ctx context.Context, d model.HeaderDecision) error

	// === Fetch failures ===

	NoteFetchFailure(ctx context.Context, mailbox string, uid uint32, detail string) (int, error)

	// === Ingestion log ===

	AppendLog(ctx context.Context, e model.LogEntry) (model.LogEntry, error)
	TailLog(ctx context.Context, sinceID int64, limit int) ([]model.LogEntry, error)

	// === Usage and stats ===

	AppendUsage(ctx context.Context, u model.UsageEntry) (model.UsageEntry, error)
	UsageForEmail(ctx context.Context, emailID int64) ([]model.UsageEntry, error)
	CostTotals(ctx context.Context) (model.CostTotals, error)
	Stats(ctx context.Context) (*model.Stats, error)
	RecomputeEmailCosts(ctx context.Context) (int64, error)

	// === Maintenance ===

	Purge(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
