package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/applytrack/internal/ingestlog"
	"github.com/nhle/applytrack/internal/model"
	"github.com/nhle/applytrack/internal/source"
	"github.com/nhle/applytrack/internal/store"
)

// ErrBackfillNotStarted is returned by Step for a mailbox whose sweep was
// never initialized.
var ErrBackfillNotStarted = errors.New("backfill not started")

const defaultBackfillInterval = 10 * time.Second

// Backfill sweeps a mailbox from its newest uid down to 1, one bounded
// batch per step. It never shares a session with forward runs.
type Backfill struct {
	p        *Pipeline
	interval time.Duration
	logger   *zap.Logger
}

// NewBackfill creates a Backfill over the pipeline's collaborators.
// interval is the pause between steps in Loop.
func NewBackfill(p *Pipeline, interval time.Duration) *Backfill {
	if interval <= 0 {
		interval = defaultBackfillInterval
	}
	return &Backfill{p: p, interval: interval, logger: p.logger.Named("backfill")}
}

// Start initializes the sweep on first use, with the folder's UIDNEXT as
// the fixed upper bound, and activates it. A finished sweep stays
// finished.
func (b *Backfill) Start(ctx context.Context, mailbox string) (*model.SyncState, error) {
	unlock := b.p.lock(mailbox, KindBackfill)
	defer unlock()

	state, err := b.p.tracker.GetState(ctx, mailbox)
	if err != nil {
		return nil, &source.PersistenceError{Op: "read sync state", Err: err}
	}

	fields := ingestlog.Fields{Mailbox: mailbox}
	switch {
	case state.BackfillDone():
		return state, nil

	case state.BackfillInitialized():
		if err := b.p.tracker.ToggleBackfill(ctx, mailbox, true); err != nil {
			return nil, &source.PersistenceError{Op: "resume backfill", Err: err}
		}

	default:
		report := b.p.newReport(KindBackfill, mailbox)
		fields.RunID = report.RunID
		sess, err := b.p.connect(ctx, report)
		if err != nil {
			return nil, err
		}
		uidNext, err := b.upperBound(ctx, sess, report)
		sess.Close()
		if err != nil {
			return nil, err
		}
		if _, err := b.p.tracker.InitBackfill(ctx, mailbox, uidNext); err != nil {
			return nil, &source.PersistenceError{Op: "init backfill", Err: err}
		}
	}

	state, err = b.p.tracker.GetState(ctx, mailbox)
	if err != nil {
		return nil, &source.PersistenceError{Op: "read sync state", Err: err}
	}
	fields.Detail = fmt.Sprintf("highest=%d lowest=%d progress=%.1f%%",
		state.HighestUIDSeen, state.LowestUIDProcessed, state.BackfillProgress())
	b.p.log(ctx, model.PhaseBackfill, ingestlog.StatusStart, fields)
	b.observe(state)
	return state, nil
}

// upperBound returns the folder's UIDNEXT. Servers that leave it out get
// one above the highest uid a search reports.
func (b *Backfill) upperBound(ctx context.Context, sess source.Session, report *RunReport) (uint32, error) {
	folder, err := b.p.selectFolder(ctx, sess, report)
	if err != nil {
		return 0, err
	}
	if folder.UIDNext > 0 {
		return folder.UIDNext, nil
	}
	uids, err := sess.Search(ctx, source.Criteria{MinUID: 1})
	if err != nil {
		return 0, err
	}
	if len(uids) == 0 {
		return 1, nil
	}
	return uids[len(uids)-1] + 1, nil
}

// Pause stops the sweep after the step in flight, if any.
func (b *Backfill) Pause(ctx context.Context, mailbox string) error {
	if err := b.p.tracker.ToggleBackfill(ctx, mailbox, false); err != nil {
		return err
	}
	b.p.log(ctx, model.PhaseBackfill, StatusPaused, ingestlog.Fields{Mailbox: mailbox})
	return nil
}

// Step processes one batch below lowest_uid_processed on a fresh session.
// It runs whether or not the sweep is active; Loop is what honours pause.
func (b *Backfill) Step(ctx context.Context, mailbox string) (*RunReport, error) {
	return b.stepWith(ctx, mailbox, nil)
}

// stepWith runs one step on sess, or on a session of its own when sess
// is nil.
func (b *Backfill) stepWith(ctx context.Context, mailbox string, sess source.Session) (*RunReport, error) {
	unlock := b.p.lock(mailbox, KindBackfill)
	defer unlock()

	report := b.p.newReport(KindBackfill, mailbox)
	err := b.step(ctx, report, sess)
	b.p.finish(ctx, report, err)
	return report, err
}

func (b *Backfill) step(ctx context.Context, report *RunReport, sess source.Session) error {
	mailbox := report.Mailbox
	state, err := b.p.tracker.GetState(ctx, mailbox)
	if err != nil {
		return &source.PersistenceError{Op: "read sync state", Err: err}
	}
	if !state.BackfillInitialized() {
		return fmt.Errorf("%s: %w", mailbox, ErrBackfillNotStarted)
	}
	report.LastUID = state.LastUID
	report.LowUID = state.LowestUIDProcessed

	if state.LowestUIDProcessed <= 1 {
		return b.complete(ctx, report)
	}

	if sess == nil {
		own, err := b.p.connect(ctx, report)
		if err != nil {
			return err
		}
		defer own.Close()
		sess = own
	}
	if _, err := b.p.selectFolder(ctx, sess, report); err != nil {
		return err
	}

	uids, err := b.p.search(ctx, sess, report, source.Criteria{
		MinUID: 1,
		MaxUID: state.LowestUIDProcessed - 1,
	})
	if source.IsSearchError(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		return b.complete(ctx, report)
	}

	reachesBottom := len(uids) <= b.p.cfg.BackfillBatch
	if !reachesBottom {
		uids = uids[len(uids)-b.p.cfg.BackfillBatch:]
	}
	uids = slices.Clone(uids)
	slices.Reverse(uids)
	report.Candidates = len(uids)

	bt := b.p.newBatch(report, uids)
	collectErr := b.p.collect(ctx, sess, bt, report)

	low, all := prefixEnd(bt.uids, bt.done)
	mb := store.Batch{BackfillLow: low}
	if all && reachesBottom {
		mb.BackfillLow = 1
		mb.BackfillDone = true
	}
	if err := b.p.commit(ctx, bt, mb, report); err != nil {
		return err
	}
	if mb.BackfillLow > 0 {
		report.LowUID = min(report.LowUID, mb.BackfillLow)
	}
	report.Done = mb.BackfillDone

	if st, err := b.p.tracker.GetState(context.WithoutCancel(ctx), mailbox); err == nil {
		b.observe(st)
	}
	if report.Done {
		b.p.log(ctx, model.PhaseBackfill, ingestlog.StatusComplete, ingestlog.Fields{
			RunID:   report.RunID,
			Mailbox: mailbox,
		})
	}

	if collectErr != nil {
		return collectErr
	}
	return b.p.extractBatch(ctx, bt, report)
}

// complete closes a sweep that has nothing older left to visit.
func (b *Backfill) complete(ctx context.Context, report *RunReport) error {
	_, err := b.p.store.CommitBatch(context.WithoutCancel(ctx), store.Batch{
		Mailbox:      report.Mailbox,
		BackfillLow:  1,
		BackfillDone: true,
	})
	if err != nil {
		return &source.PersistenceError{Op: "complete backfill", Err: err}
	}
	report.LowUID = 1
	report.Done = true
	b.p.metrics.Backfill.WithLabelValues(report.Mailbox).Set(100)
	b.p.log(ctx, model.PhaseBackfill, ingestlog.StatusComplete, ingestlog.Fields{
		RunID:   report.RunID,
		Mailbox: report.Mailbox,
	})
	return nil
}

// Drain steps until the sweep is done, paused or ctx ends.
func (b *Backfill) Drain(ctx context.Context, mailbox string) (*RunReport, error) {
	var last *RunReport
	for {
		state, err := b.p.tracker.GetState(ctx, mailbox)
		if err != nil {
			return last, &source.PersistenceError{Op: "read sync state", Err: err}
		}
		if !state.BackfillActive || state.BackfillDone() {
			return last, nil
		}

		report, err := b.Step(ctx, mailbox)
		last = report
		if err != nil {
			return last, err
		}
		if report.Done {
			return last, nil
		}
	}
}

// Loop runs steps every interval while the sweep is active, until ctx
// ends. It keeps one session open across steps and drops it on pause or
// after a connection failure.
func (b *Backfill) Loop(ctx context.Context, mailbox string) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	var sess source.Session
	defer func() {
		if sess != nil {
			sess.Close()
		}
	}()

	for {
		state, err := b.p.tracker.GetState(ctx, mailbox)
		switch {
		case err != nil:
			b.logger.Warn("reading backfill state", zap.String("mailbox", mailbox), zap.Error(err))

		case state.BackfillActive && !state.BackfillDone():
			if sess == nil {
				sess, err = b.p.mailbox.Connect(ctx)
				if err != nil {
					b.logger.Warn("backfill connect failed", zap.String("mailbox", mailbox), zap.Error(err))
					sess = nil
					break
				}
			}
			_, err = b.stepWith(ctx, mailbox, sess)
			if err != nil && (source.IsNetworkError(err) || source.IsNotFound(err)) {
				sess.Close()
				sess = nil
			}

		case sess != nil:
			sess.Close()
			sess = nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *Backfill) observe(st *model.SyncState) {
	b.p.metrics.Backfill.WithLabelValues(st.Mailbox).Set(st.BackfillProgress())
}
