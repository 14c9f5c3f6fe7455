package model

import "time"

// SyncState holds both watermarks for one mailbox.
type SyncState struct {
	Mailbox string `db:"mailbox" json:"mailbox"`

	// LastUID is the forward watermark: every searched UID at or below it
	// has been committed.
	LastUID uint32 `db:"last_uid" json:"last_uid"`

	// HighestUIDSeen is fixed when the backfill sweep is initialized.
	HighestUIDSeen uint32 `db:"highest_uid_seen" json:"highest_uid_seen"`

	// LowestUIDProcessed only ever decreases while the sweep runs.
	LowestUIDProcessed uint32 `db:"lowest_uid_processed" json:"lowest_uid_processed"`

	BackfillActive bool   `db:"backfill_active" json:"backfill_active"`
	ModelVersion   string `db:"model_version" json:"model_version"`

	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// BackfillInitialized reports whether the sweep has a fixed upper bound.
func (s SyncState) BackfillInitialized() bool {
	return s.HighestUIDSeen > 0
}

// BackfillDone reports whether nothing older remains to sweep.
func (s SyncState) BackfillDone() bool {
	return s.BackfillInitialized() && s.LowestUIDProcessed <= 1
}

// BackfillProgress returns the swept share of the mailbox in percent.
func (s SyncState) BackfillProgress() float64 {
	if !s.BackfillInitialized() {
		return 0
	}
	if s.HighestUIDSeen <= 1 {
		return 100
	}
	pct := float64(int64(s.HighestUIDSeen)-int64(s.LowestUIDProcessed)) /
		float64(s.HighestUIDSeen-1) * 100
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return pct
}

// Decision is the header-only relevance verdict.
type Decision string

const (
	DecisionRelevant   Decision = "relevant"
	DecisionIrrelevant Decision = "irrelevant"
	DecisionUncertain  Decision = "uncertain"
)

// HeaderDecision is one cached classifier verdict, keyed by mailbox and UID.
type HeaderDecision struct {
	Mailbox      string    `db:"mailbox" json:"mailbox"`
	UID          uint32    `db:"uid" json:"uid"`
	Decision     Decision  `db:"decision" json:"decision"`
	Score        float64   `db:"score" json:"score"`
	Reason       string    `db:"reason" json:"reason"`
	Vendor       string    `db:"vendor" json:"vendor"`
	Class        Class     `db:"class" json:"class"`
	ModelVersion string    `db:"model_version" json:"model_version"`
	Promoted     bool      `db:"promoted" json:"promoted"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Relevant reports whether the message should have its body fetched.
func (d HeaderDecision) Relevant() bool {
	return d.Decision == DecisionRelevant
}
