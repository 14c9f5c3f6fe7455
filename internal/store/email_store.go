package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/applytrack/internal/model"
)

// CommitBatch writes the batch's records and moves its watermarks inside
// one transaction. Records that already exist, by (mailbox, uid) or by
// message_id, are counted as duplicates and get the existing row's ID.
func (s *SQLiteStore) CommitBatch(ctx context.Context, b Batch) (BatchResult, error) {
	var res BatchResult

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if len(b.Records) > 0 {
		stmt, err := tx.PreparexContext(ctx, `
			INSERT INTO emails (
				mailbox, uid, message_id,
				subject, sender, recipients, received_at,
				vendor, class,
				raw_headers, text_body, html_body, snippet,
				parsed_payload, parse_status, parsed_at,
				created_at
			) VALUES (
				?, ?, ?,
				?, ?, ?, ?,
				?, ?,
				?, ?, ?, ?,
				?, ?, ?,
				?
			)
			ON CONFLICT DO NOTHING`)
		if err != nil {
			return res, fmt.Errorf("preparing insert statement: %w", err)
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for _, r := range b.Records {
			if r.Mailbox == "" {
				r.Mailbox = b.Mailbox
			}
			if r.ParseStatus == "" {
				r.ParseStatus = model.ParseStatusPending
			}
			if r.Class == "" {
				r.Class = model.ClassOther
			}
			if r.CreatedAt.IsZero() {
				r.CreatedAt = now
			}

			result, err := stmt.ExecContext(ctx,
				r.Mailbox, r.UID, nullableMessageID(r.MessageID),
				r.Subject, r.Sender, r.Recipients, r.ReceivedAt.UTC(),
				r.Vendor, string(r.Class),
				r.RawHeaders, r.TextBody, r.HTMLBody, r.Snippet,
				r.ParsedPayload, string(r.ParseStatus), r.ParsedAt,
				r.CreatedAt,
			)
			if err != nil {
				return res, fmt.Errorf("inserting email %s/%d: %w", r.Mailbox, r.UID, err)
			}

			n, err := result.RowsAffected()
			if err != nil {
				return res, fmt.Errorf("reading rows affected: %w", err)
			}
			if n == 0 {
				id, err := existingEmailID(ctx, tx, r)
				if err != nil {
					return res, err
				}
				r.ID = id
				res.Duplicates++
				continue
			}

			id, err := result.LastInsertId()
			if err != nil {
				return res, fmt.Errorf("reading insert id: %w", err)
			}
			r.ID = id
			res.Inserted++
		}

		for _, r := range b.Records {
			if err := clearFetchFailure(ctx, tx, r.Mailbox, r.UID); err != nil {
				return res, err
			}
		}
	}

	if b.ForwardUID > 0 {
		if err := advanceForward(ctx, tx, b.Mailbox, b.ForwardUID, b.ModelVersion); err != nil {
			return res, err
		}
	}
	if b.BackfillLow > 0 {
		if err := advanceBackfill(ctx, tx, b.Mailbox, b.BackfillLow, b.BackfillDone); err != nil {
			return res, err
		}
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("committing batch: %w", err)
	}
	return res, nil
}

// existingEmailID resolves the row that made an insert a no-op.
func existingEmailID(ctx context.Context, tx *sqlx.Tx, r *model.EmailRecord) (int64, error) {
	var id int64
	err := tx.GetContext(ctx, &id,
		"SELECT id FROM emails WHERE (mailbox = ? AND uid = ?) OR message_id = ? LIMIT 1",
		r.Mailbox, r.UID, nullableMessageID(r.MessageID),
	)
	if err != nil {
		return 0, fmt.Errorf("resolving duplicate email %s/%d: %w", r.Mailbox, r.UID, err)
	}
	return id, nil
}

// nullableMessageID maps an empty Message-ID to NULL so the UNIQUE
// constraint only applies to real identifiers.
func nullableMessageID(id *string) any {
	if id == nil || strings.TrimSpace(*id) == "" {
		return nil
	}
	return *id
}

// GetEmail retrieves a single email record by ID.
func (s *SQLiteStore) GetEmail(ctx context.Context, id int64) (*model.EmailRecord, error) {
	var rec model.EmailRecord
	err := s.db.GetContext(ctx, &rec, "SELECT * FROM emails WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting email %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting email %d: %w", id, err)
	}
	return &rec, nil
}

// ListEmails retrieves email records matching the filter, newest first
// unless Ascending is set.
func (s *SQLiteStore) ListEmails(ctx context.Context, f EmailFilter) ([]model.EmailRecord, error) {
	q := sq.Select("*").From("emails")

	if f.Mailbox != nil {
		q = q.Where(sq.Eq{"mailbox": *f.Mailbox})
	}
	if f.ParseStatus != nil {
		q = q.Where(sq.Eq{"parse_status": string(*f.ParseStatus)})
	}
	if f.Vendor != nil {
		q = q.Where(sq.Eq{"vendor": *f.Vendor})
	}
	if f.Class != nil {
		q = q.Where(sq.Eq{"class": string(*f.Class)})
	}

	if f.Ascending {
		q = q.OrderBy("uid ASC", "id ASC")
	} else {
		q = q.OrderBy("received_at DESC", "id DESC")
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building email query: %w", err)
	}

	var out []model.EmailRecord
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("querying emails: %w", err)
	}
	return out, nil
}

// CompleteExtraction records one extraction call and its outcome
// atomically: the usage row is appended, the application (if any) is
// upserted, and the email's status, payload and cost columns are rewritten
// from the usage log.
func (s *SQLiteStore) CompleteExtraction(ctx context.Context, o ExtractionOutcome) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	usage := o.Usage
	usage.EmailID = o.EmailID
	if _, err := appendUsage(ctx, tx, usage); err != nil {
		return err
	}

	var appID *int64
	if o.Application != nil && o.Status == model.ParseStatusParsed {
		id, err := upsertApplication(ctx, tx, *o.Application)
		if err != nil {
			return err
		}
		appID = &id
	}

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx, `
		UPDATE emails SET
			parse_status   = ?,
			parsed_payload = ?,
			parsed_at      = ?,
			class          = CASE WHEN ? <> '' THEN ? ELSE class END,
			vendor         = CASE WHEN ? <> '' THEN ? ELSE vendor END,
			application_id = COALESCE(?, application_id),
			`+costColumnsFromLog+`
		WHERE id = ?`,
		string(o.Status), o.Payload, now,
		string(o.Class), string(o.Class),
		o.Vendor, o.Vendor,
		appID,
		o.EmailID,
	)
	if err != nil {
		return fmt.Errorf("updating email %d: %w", o.EmailID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("updating email %d: %w", o.EmailID, ErrNotFound)
	}

	return tx.Commit()
}

// upsertApplication links by normalized (company, role) and returns the
// application ID.
func upsertApplication(ctx context.Context, tx *sqlx.Tx, app model.Application) (int64, error) {
	company := normalizeKey(app.Company)
	role := normalizeKey(app.Role)
	if company == "" {
		return 0, fmt.Errorf("upserting application: empty company")
	}

	seen := app.LastSeen
	if seen.IsZero() {
		seen = time.Now()
	}
	status := app.Status
	if status == "" {
		status = model.ClassApplied
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO applications (company, role, status, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(company, role) DO UPDATE SET
			status    = CASE WHEN excluded.status <> 'other' THEN excluded.status ELSE status END,
			last_seen = MAX(last_seen, excluded.last_seen)`,
		company, role, string(status), seen.UTC(), seen.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("upserting application %q: %w", company, err)
	}

	var id int64
	if err := tx.GetContext(ctx, &id,
		"SELECT id FROM applications WHERE company = ? AND role = ?", company, role,
	); err != nil {
		return 0, fmt.Errorf("resolving application %q: %w", company, err)
	}
	return id, nil
}

// GetApplication retrieves a single application by ID.
func (s *SQLiteStore) GetApplication(ctx context.Context, id int64) (*model.Application, error) {
	var app model.Application
	err := s.db.GetContext(ctx, &app, "SELECT * FROM applications WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting application %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting application %d: %w", id, err)
	}
	return &app, nil
}

func normalizeKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
