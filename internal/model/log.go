package model

import "time"

// Phase groups ingestion log entries by pipeline stage.
type Phase string

const (
	PhaseRun      Phase = "run"
	PhaseIMAP     Phase = "imap"
	PhaseSearch   Phase = "search"
	PhaseFetch    Phase = "fetch"
	PhaseParse    Phase = "parse"
	PhaseBackfill Phase = "backfill"
)

// LogEntry is one append-only row of the ingestion log. IDs are strictly
// increasing and define the total order of events.
type LogEntry struct {
	ID        int64     `db:"id" json:"id"`
	Timestamp time.Time `db:"ts" json:"ts"`
	Phase     Phase     `db:"phase" json:"phase"`
	Status    string    `db:"status" json:"status"`
	RunID     string    `db:"run_id" json:"run_id,omitempty"`
	Mailbox   string    `db:"mailbox" json:"mailbox,omitempty"`
	UID       *uint32   `db:"uid" json:"uid,omitempty"`
	MessageID string    `db:"message_id" json:"message_id,omitempty"`
	Subject   string    `db:"subject" json:"subject,omitempty"`
	Vendor    string    `db:"vendor" json:"vendor,omitempty"`
	Class     string    `db:"class" json:"class,omitempty"`
	Detail    string    `db:"detail" json:"detail,omitempty"`
}

// UsageEntry is one extraction call with its exact token and cost figures.
type UsageEntry struct {
	ID               int64     `db:"id" json:"id"`
	EmailID          int64     `db:"email_id" json:"email_id"`
	Model            string    `db:"model" json:"model"`
	PromptTokens     int64     `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int64     `db:"completion_tokens" json:"completion_tokens"`
	TotalTokens      int64     `db:"total_tokens" json:"total_tokens"`
	CostUSD          float64   `db:"cost_usd" json:"cost_usd"`
	Request          string    `db:"request" json:"request,omitempty"`
	Response         string    `db:"response" json:"response,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// CostTotals reports the two cost aggregates and the one shown to readers.
type CostTotals struct {
	EmailColumnsUSD float64 `json:"email_columns_usd"`
	UsageLogUSD     float64 `json:"usage_log_usd"`
	UsageRows       int64   `json:"usage_rows"`
	TotalTokens     int64   `json:"total_tokens"`

	// ReportedUSD falls back to the usage log when the per-email columns
	// are stale (zero while log rows exist).
	ReportedUSD float64 `json:"reported_usd"`
	Reconciled  bool    `json:"reconciled"`
}

// Stats is the aggregate view served to dashboard collaborators.
type Stats struct {
	Total         int64            `json:"total"`
	ByParseStatus map[string]int64 `json:"by_parse_status"`
	ByVendor      map[string]int64 `json:"by_vendor"`
	ByClass       map[string]int64 `json:"by_class"`
	Cost          CostTotals       `json:"cost"`
	LastLogID     int64            `json:"last_log_id"`
}
