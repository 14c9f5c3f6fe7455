package sync

import (
	"context"
	gosync "sync"

	"github.com/nhle/applytrack/internal/model"
	"github.com/nhle/applytrack/internal/store"
)

// Tracker owns the watermark state of every mailbox and serializes the
// runs that move it. Forward runs and backfill steps of one mailbox take
// the same lock; different mailboxes never contend.
type Tracker struct {
	store store.Store

	mu    gosync.Mutex
	locks map[string]*gosync.Mutex
	busy  map[string]string
}

// NewTracker creates a Tracker over the given store.
func NewTracker(s store.Store) *Tracker {
	return &Tracker{
		store: s,
		locks: make(map[string]*gosync.Mutex),
		busy:  make(map[string]string),
	}
}

func (t *Tracker) mailboxLock(mailbox string) *gosync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.locks[mailbox]
	if !ok {
		l = &gosync.Mutex{}
		t.locks[mailbox] = l
	}
	return l
}

// Lock blocks until the mailbox is free and returns its unlock func.
func (t *Tracker) Lock(mailbox string) func() {
	return t.LockAs(mailbox, "run")
}

// LockAs is Lock with a label reported by Holder while the lock is held.
func (t *Tracker) LockAs(mailbox, holder string) func() {
	l := t.mailboxLock(mailbox)
	l.Lock()
	t.setHolder(mailbox, holder)

	var once gosync.Once
	return func() {
		once.Do(func() {
			t.setHolder(mailbox, "")
			l.Unlock()
		})
	}
}

// Holder returns the label of whoever holds the mailbox, or "".
func (t *Tracker) Holder(mailbox string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.busy[mailbox]
}

func (t *Tracker) setHolder(mailbox, holder string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if holder == "" {
		delete(t.busy, mailbox)
		return
	}
	t.busy[mailbox] = holder
}

// GetState returns both watermarks of a mailbox.
func (t *Tracker) GetState(ctx context.Context, mailbox string) (*model.SyncState, error) {
	return t.store.GetSyncState(ctx, mailbox)
}

// AdvanceForward raises last_uid without committing any records. Runs
// that store records move the watermark through CommitBatch instead.
func (t *Tracker) AdvanceForward(ctx context.Context, mailbox string, uid uint32) error {
	_, err := t.store.CommitBatch(ctx, store.Batch{Mailbox: mailbox, ForwardUID: uid})
	return err
}

// AdvanceBackfill lowers lowest_uid_processed without committing records.
func (t *Tracker) AdvanceBackfill(ctx context.Context, mailbox string, low uint32) error {
	_, err := t.store.CommitBatch(ctx, store.Batch{
		Mailbox:      mailbox,
		BackfillLow:  low,
		BackfillDone: low <= 1,
	})
	return err
}

// ToggleBackfill starts or pauses an initialized sweep.
func (t *Tracker) ToggleBackfill(ctx context.Context, mailbox string, active bool) error {
	return t.store.SetBackfillActive(ctx, mailbox, active)
}

// InitBackfill fixes the sweep's upper bound. uidNext is the folder's
// UIDNEXT, one above every uid the folder holds.
func (t *Tracker) InitBackfill(ctx context.Context, mailbox string, uidNext uint32) (*model.SyncState, error) {
	return t.store.InitBackfill(ctx, mailbox, uidNext)
}
