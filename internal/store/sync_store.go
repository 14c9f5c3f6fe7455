package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/applytrack/internal/model"
)

// ErrWatermark is returned when a watermark write would break the
// lowest_uid_processed <= highest_uid_seen invariant.
var ErrWatermark = errors.New("watermark out of range")

// GetSyncState returns both watermarks for a mailbox. A mailbox that has
// never been synced yields a zero state, not an error.
func (s *SQLiteStore) GetSyncState(ctx context.Context, mailbox string) (*model.SyncState, error) {
	state := &model.SyncState{Mailbox: mailbox}

	var fwd struct {
		LastUID      uint32    `db:"last_uid"`
		ModelVersion string    `db:"model_version"`
		UpdatedAt    time.Time `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &fwd,
		"SELECT last_uid, model_version, updated_at FROM email_sync_state WHERE mailbox = ?",
		mailbox,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("getting sync state for %s: %w", mailbox, err)
	default:
		state.LastUID = fwd.LastUID
		state.ModelVersion = fwd.ModelVersion
		state.UpdatedAt = fwd.UpdatedAt
	}

	var bf struct {
		Highest   uint32    `db:"highest_uid_seen"`
		Lowest    uint32    `db:"lowest_uid_processed"`
		Active    bool      `db:"active"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	err = s.db.GetContext(ctx, &bf,
		`SELECT highest_uid_seen, lowest_uid_processed, active, updated_at
		 FROM email_backfill_state WHERE mailbox = ?`,
		mailbox,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("getting backfill state for %s: %w", mailbox, err)
	default:
		state.HighestUIDSeen = bf.Highest
		state.LowestUIDProcessed = bf.Lowest
		state.BackfillActive = bf.Active
		if bf.UpdatedAt.After(state.UpdatedAt) {
			state.UpdatedAt = bf.UpdatedAt
		}
	}

	return state, nil
}

// ListSyncStates returns the state of every mailbox the store knows about.
func (s *SQLiteStore) ListSyncStates(ctx context.Context) ([]model.SyncState, error) {
	var mailboxes []string
	err := s.db.SelectContext(ctx, &mailboxes, `
		SELECT mailbox FROM email_sync_state
		UNION
		SELECT mailbox FROM email_backfill_state
		ORDER BY mailbox`)
	if err != nil {
		return nil, fmt.Errorf("listing mailboxes: %w", err)
	}

	states := make([]model.SyncState, 0, len(mailboxes))
	for _, mb := range mailboxes {
		st, err := s.GetSyncState(ctx, mb)
		if err != nil {
			return nil, err
		}
		states = append(states, *st)
	}
	return states, nil
}

// InitBackfill fixes highest_uid_seen for the mailbox and activates the
// sweep. The bound is set once; later calls only re-activate an
// unfinished sweep and return the stored state.
func (s *SQLiteStore) InitBackfill(ctx context.Context, mailbox string, highest uint32) (*model.SyncState, error) {
	if highest == 0 {
		return nil, fmt.Errorf("initializing backfill for %s: %w", mailbox, ErrWatermark)
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_backfill_state (mailbox, highest_uid_seen, lowest_uid_processed, active, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(mailbox) DO UPDATE SET
			active     = CASE WHEN lowest_uid_processed > 1 THEN 1 ELSE 0 END,
			updated_at = excluded.updated_at`,
		mailbox, highest, highest, now,
	)
	if err != nil {
		return nil, fmt.Errorf("initializing backfill for %s: %w", mailbox, err)
	}

	return s.GetSyncState(ctx, mailbox)
}

// SetBackfillActive starts or pauses the sweep for an initialized mailbox.
func (s *SQLiteStore) SetBackfillActive(ctx context.Context, mailbox string, active bool) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE email_backfill_state SET active = ?, updated_at = ? WHERE mailbox = ?",
		boolToInt(active), time.Now().UTC(), mailbox,
	)
	if err != nil {
		return fmt.Errorf("toggling backfill for %s: %w", mailbox, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("toggling backfill for %s: %w", mailbox, ErrNotFound)
	}
	return nil
}

// advanceForward raises last_uid to uid. A lower uid leaves the row as is.
func advanceForward(ctx context.Context, tx *sqlx.Tx, mailbox string, uid uint32, modelVersion string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO email_sync_state (mailbox, last_uid, model_version, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(mailbox) DO UPDATE SET
			last_uid      = MAX(last_uid, excluded.last_uid),
			model_version = CASE WHEN excluded.model_version <> '' THEN excluded.model_version ELSE model_version END,
			updated_at    = excluded.updated_at`,
		mailbox, uid, modelVersion, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("advancing forward watermark for %s: %w", mailbox, err)
	}
	return nil
}

// advanceBackfill lowers lowest_uid_processed to low. A higher low leaves
// the watermark as is; a low above highest_uid_seen is rejected. When done
// is set the sweep is deactivated in the same write.
func advanceBackfill(ctx context.Context, tx *sqlx.Tx, mailbox string, low uint32, done bool) error {
	var highest uint32
	err := tx.GetContext(ctx, &highest,
		"SELECT highest_uid_seen FROM email_backfill_state WHERE mailbox = ?", mailbox,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("advancing backfill for %s: %w", mailbox, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading backfill state for %s: %w", mailbox, err)
	}
	if low > highest {
		return fmt.Errorf("advancing backfill for %s to %d above %d: %w", mailbox, low, highest, ErrWatermark)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE email_backfill_state SET
			lowest_uid_processed = MIN(lowest_uid_processed, ?),
			active               = CASE WHEN ? = 1 THEN 0 ELSE active END,
			updated_at           = ?
		WHERE mailbox = ?`,
		low, boolToInt(done), time.Now().UTC(), mailbox,
	)
	if err != nil {
		return fmt.Errorf("advancing backfill for %s: %w", mailbox, err)
	}
	return nil
}
