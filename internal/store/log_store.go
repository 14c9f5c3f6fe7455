package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/nhle/applytrack/internal/model"
)

// defaultTailLimit bounds TailLog when the caller passes no limit.
const defaultTailLimit = 200

// GetHeaderDecision returns the cached verdict for one uid.
func (s *SQLiteStore) GetHeaderDecision(ctx context.Context, mailbox string, uid uint32) (*model.HeaderDecision, error) {
	var d model.HeaderDecision
	err := s.db.GetContext(ctx, &d,
		"SELECT * FROM email_header_cache WHERE mailbox = ? AND uid = ?",
		mailbox, uid,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting header decision %s/%d: %w", mailbox, uid, err)
	}
	return &d, nil
}

// PutHeaderDecision inserts or overwrites the cached verdict for one uid.
func (s *SQLiteStore) PutHeaderDecision(ctx context.Context, d model.HeaderDecision) error {
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now()
	}
	if d.Class == "" {
		d.Class = model.ClassOther
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO email_header_cache (
			mailbox, uid, decision, score, reason,
			vendor, class, model_version, promoted, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Mailbox, d.UID, string(d.Decision), d.Score, d.Reason,
		d.Vendor, string(d.Class), d.ModelVersion, boolToInt(d.Promoted), d.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("putting header decision %s/%d: %w", d.Mailbox, d.UID, err)
	}
	return nil
}

// AppendLog appends one ingestion log entry and returns it with its
// assigned ID.
func (s *SQLiteStore) AppendLog(ctx context.Context, e model.LogEntry) (model.LogEntry, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Timestamp = e.Timestamp.UTC()

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO ingestion_log (
			ts, phase, status, run_id, mailbox, uid,
			message_id, subject, vendor, class, detail
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp, string(e.Phase), e.Status, e.RunID, e.Mailbox, e.UID,
		e.MessageID, e.Subject, e.Vendor, e.Class, e.Detail,
	)
	if err != nil {
		return e, fmt.Errorf("appending log entry %s/%s: %w", e.Phase, e.Status, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return e, fmt.Errorf("reading log entry id: %w", err)
	}
	e.ID = id
	return e, nil
}

// TailLog returns entries with id > sinceID in id order.
func (s *SQLiteStore) TailLog(ctx context.Context, sinceID int64, limit int) ([]model.LogEntry, error) {
	if limit <= 0 {
		limit = defaultTailLimit
	}

	query, args, err := sq.Select("*").
		From("ingestion_log").
		Where(sq.Gt{"id": sinceID}).
		OrderBy("id ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building tail query: %w", err)
	}

	var out []model.LogEntry
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("tailing ingestion log: %w", err)
	}
	return out, nil
}

// LastLogID returns the highest ingestion log ID, or 0 when empty.
func (s *SQLiteStore) LastLogID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.GetContext(ctx, &id, "SELECT COALESCE(MAX(id), 0) FROM ingestion_log"); err != nil {
		return 0, fmt.Errorf("reading last log id: %w", err)
	}
	return id, nil
}
