package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nhle/applytrack/internal/model"
	"github.com/nhle/applytrack/internal/store"
)

// NewTestStore returns a migrated in-memory store closed on test cleanup.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	return open(t, ":memory:")
}

// NewFileStore returns a store backed by a WAL database file in a temp dir,
// for tests that reopen the database or need real journaling.
func NewFileStore(t *testing.T) (*store.SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "applytrack.db")
	return open(t, path), path
}

func open(t *testing.T, dsn string) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(dsn)
	require.NoError(t, err, "opening test store")
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})
	return s
}

// Seed describes the pending records SeedEmails inserts. UIDs are
// consecutive from FirstUID, one per subject.
type Seed struct {
	Mailbox  string
	FirstUID uint32
	Sender   string
	Vendor   string
	Body     string
	// Forward advances the mailbox's forward watermark to the last UID.
	Forward bool
}

// SeedEmails commits one pending record per subject and returns them with
// their store IDs set.
func SeedEmails(t *testing.T, st store.Store, seed Seed, subjects ...string) []*model.EmailRecord {
	t.Helper()
	if seed.Mailbox == "" {
		seed.Mailbox = "INBOX"
	}
	if seed.FirstUID == 0 {
		seed.FirstUID = 1
	}

	recs := make([]*model.EmailRecord, len(subjects))
	for i, subject := range subjects {
		recs[i] = &model.EmailRecord{
			Mailbox:    seed.Mailbox,
			UID:        seed.FirstUID + uint32(i),
			Subject:    subject,
			Sender:     seed.Sender,
			Vendor:     seed.Vendor,
			TextBody:   seed.Body,
			ReceivedAt: time.Date(2026, 3, 1+i, 9, 0, 0, 0, time.UTC),
		}
	}

	b := store.Batch{Mailbox: seed.Mailbox, Records: recs}
	if seed.Forward && len(recs) > 0 {
		b.ForwardUID = recs[len(recs)-1].UID
	}
	_, err := st.CommitBatch(context.Background(), b)
	require.NoError(t, err, "seeding emails")
	return recs
}
