package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// maxFailureDetail bounds the stored error text.
const maxFailureDetail = 500

// NoteFetchFailure counts one more failed fetch of a uid and returns the
// attempts so far, this one included.
func (s *SQLiteStore) NoteFetchFailure(ctx context.Context, mailbox string, uid uint32, detail string) (int, error) {
	if len(detail) > maxFailureDetail {
		detail = detail[:maxFailureDetail]
	}

	var attempts int
	err := s.db.GetContext(ctx, &attempts, `
		INSERT INTO email_fetch_failures (mailbox, uid, attempts, last_error, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT (mailbox, uid) DO UPDATE SET
			attempts   = attempts + 1,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
		RETURNING attempts`,
		mailbox, uid, detail, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("noting fetch failure %s/%d: %w", mailbox, uid, err)
	}
	return attempts, nil
}

// clearFetchFailure forgets the failures of a uid once it is stored.
func clearFetchFailure(ctx context.Context, tx *sqlx.Tx, mailbox string, uid uint32) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM email_fetch_failures WHERE mailbox = ? AND uid = ?", mailbox, uid,
	); err != nil {
		return fmt.Errorf("clearing fetch failures %s/%d: %w", mailbox, uid, err)
	}
	return nil
}
