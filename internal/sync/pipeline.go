// Package sync drives the ingestion runs: forward passes over new mail,
// the backward backfill sweep and the background poller that schedules
// them.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nhle/applytrack/internal/classify"
	"github.com/nhle/applytrack/internal/eventbus"
	"github.com/nhle/applytrack/internal/extract"
	"github.com/nhle/applytrack/internal/ingestlog"
	"github.com/nhle/applytrack/internal/metrics"
	"github.com/nhle/applytrack/internal/model"
	"github.com/nhle/applytrack/internal/source"
	"github.com/nhle/applytrack/internal/source/email"
	"github.com/nhle/applytrack/internal/store"
)

// Run kinds, used as metric labels and lock holders.
const (
	KindForward  = "forward"
	KindBackfill = "backfill"
)

// Log statuses written by runs, in addition to the ingestlog ones.
const (
	StatusConnected       = "connect"
	StatusSelected        = "select"
	StatusFound           = "found"
	StatusStored          = "stored"
	StatusGone            = "gone"
	StatusSkipNonRelevant = "skip_non_relevant"
	StatusPaused          = "paused"
)

const (
	defaultBatchLimit       = 50
	defaultBackfillBatch    = 200
	defaultMaxFetchAttempts = 3
)

// Config controls forward runs and backfill steps.
type Config struct {
	// BatchLimit caps the candidates one forward run takes, oldest first.
	BatchLimit int

	// SearchSinceDays restricts the forward search to recent mail. Zero
	// disables the date filter.
	SearchSinceDays int

	Keywords []string

	// BackfillBatch caps the uids one backfill step takes, newest first.
	BackfillBatch int

	// MaxFetchAttempts is how many runs may fail to fetch a uid before it
	// is given up on: stored as an error record when its header is known,
	// and in any case no longer holding the watermark back.
	MaxFetchAttempts int
}

// Deps are the collaborators a Pipeline drives. Store and Mailbox are
// required; the rest default to rule-based, unlogged implementations.
type Deps struct {
	Mailbox    source.Mailbox
	Store      store.Store
	Tracker    *Tracker
	Classifier *classify.Classifier
	Extractor  *extract.Service
	Journal    *ingestlog.Journal
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// RunReport summarizes one forward run or backfill step.
type RunReport struct {
	RunID         string        `json:"run_id"`
	Kind          string        `json:"kind"`
	Mailbox       string        `json:"mailbox"`
	Searched      int           `json:"searched"`
	Candidates    int           `json:"candidates"`
	Skipped       int           `json:"skipped"`
	Stored        int           `json:"stored"`
	Duplicates    int           `json:"duplicates"`
	Parsed        int           `json:"parsed"`
	ParseErrors   int           `json:"parse_errors"`
	FetchErrors   int           `json:"fetch_errors"`
	PersistErrors int           `json:"persist_errors"`
	LastUID       uint32        `json:"last_uid"`
	LowUID        uint32        `json:"low_uid,omitempty"`
	Done          bool          `json:"done,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Error         string        `json:"error,omitempty"`
}

func (r *RunReport) summary() string {
	s := fmt.Sprintf(
		"searched=%d candidates=%d skipped=%d stored=%d duplicates=%d parsed=%d parse_errors=%d fetch_errors=%d last_uid=%d duration=%s",
		r.Searched, r.Candidates, r.Skipped, r.Stored, r.Duplicates,
		r.Parsed, r.ParseErrors, r.FetchErrors, r.LastUID, r.Duration.Round(time.Millisecond),
	)
	if r.Kind == KindBackfill {
		s += fmt.Sprintf(" low_uid=%d", r.LowUID)
	}
	return s
}

func (r *RunReport) phase() model.Phase {
	if r.Kind == KindBackfill {
		return model.PhaseBackfill
	}
	return model.PhaseRun
}

// Pipeline runs the ingestion steps against one mail server.
type Pipeline struct {
	mailbox    source.Mailbox
	store      store.Store
	tracker    *Tracker
	classifier *classify.Classifier
	extractor  *extract.Service
	journal    *ingestlog.Journal
	metrics    *metrics.Metrics
	logger     *zap.Logger
	cfg        Config
	now        func() time.Time
}

// NewPipeline wires a Pipeline, filling in defaults for optional deps.
func NewPipeline(d Deps, cfg Config) *Pipeline {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewNop()
	}
	if d.Tracker == nil {
		d.Tracker = NewTracker(d.Store)
	}
	if d.Journal == nil {
		d.Journal = ingestlog.New(d.Store, nil, d.Logger)
	}
	if d.Classifier == nil {
		d.Classifier = classify.New(d.Store, classify.Options{
			PromoteUncertain: true,
			Metrics:          d.Metrics,
		})
	}
	if d.Extractor == nil {
		d.Extractor = extract.NewService(d.Store, extract.NewRulesExtractor(),
			d.Journal, d.Metrics, d.Logger, extract.ServiceConfig{Workers: 1})
	}
	if cfg.BatchLimit < 1 {
		cfg.BatchLimit = defaultBatchLimit
	}
	if cfg.BackfillBatch < 1 {
		cfg.BackfillBatch = defaultBackfillBatch
	}
	if cfg.MaxFetchAttempts < 1 {
		cfg.MaxFetchAttempts = defaultMaxFetchAttempts
	}

	return &Pipeline{
		mailbox:    d.Mailbox,
		store:      d.Store,
		tracker:    d.Tracker,
		classifier: d.Classifier,
		extractor:  d.Extractor,
		journal:    d.Journal,
		metrics:    d.Metrics,
		logger:     d.Logger.Named("pipeline"),
		cfg:        cfg,
		now:        time.Now,
	}
}

// Tracker returns the tracker serializing this pipeline's runs.
func (p *Pipeline) Tracker() *Tracker {
	return p.tracker
}

// Journal returns the ingestion log the pipeline writes to.
func (p *Pipeline) Journal() *ingestlog.Journal {
	return p.journal
}

// lock takes the mailbox for kind, noting in the log when another run
// already holds it.
func (p *Pipeline) lock(mailbox, kind string) func() {
	if holder := p.tracker.Holder(mailbox); holder != "" {
		p.logger.Info("waiting for mailbox",
			zap.String("mailbox", mailbox),
			zap.String("kind", kind),
			zap.String("held_by", holder))
	}
	return p.tracker.LockAs(mailbox, kind)
}

// Run performs one bounded forward pass over mail newer than the
// mailbox's last_uid. Per-message failures are logged and counted; only
// failures that end the run are returned. run/end is written on every
// path, with whatever counts the run reached.
func (p *Pipeline) Run(ctx context.Context, mailbox string) (*RunReport, error) {
	unlock := p.lock(mailbox, KindForward)
	defer unlock()

	report := p.newReport(KindForward, mailbox)
	p.log(ctx, model.PhaseRun, ingestlog.StatusStart, ingestlog.Fields{
		RunID:   report.RunID,
		Mailbox: mailbox,
		Detail:  fmt.Sprintf("batch_limit=%d", p.cfg.BatchLimit),
	})

	err := p.forward(ctx, report)
	p.finish(ctx, report, err)
	return report, err
}

func (p *Pipeline) forward(ctx context.Context, report *RunReport) error {
	state, err := p.tracker.GetState(ctx, report.Mailbox)
	if err != nil {
		return &source.PersistenceError{Op: "read sync state", Err: err}
	}
	report.LastUID = state.LastUID

	if err := p.sweepPending(ctx, report); err != nil {
		return err
	}

	sess, err := p.connect(ctx, report)
	if err != nil {
		return err
	}
	defer sess.Close()

	if _, err := p.selectFolder(ctx, sess, report); err != nil {
		return err
	}

	criteria := source.Criteria{
		MinUID:   state.LastUID + 1,
		Keywords: p.cfg.Keywords,
	}
	if p.cfg.SearchSinceDays > 0 {
		criteria.Since = p.now().AddDate(0, 0, -p.cfg.SearchSinceDays)
	}

	uids, err := p.search(ctx, sess, report, criteria)
	if source.IsSearchError(err) {
		return nil
	}
	if err != nil || len(uids) == 0 {
		return err
	}
	if len(uids) > p.cfg.BatchLimit {
		uids = uids[:p.cfg.BatchLimit]
	}
	report.Candidates = len(uids)

	b := p.newBatch(report, uids)
	collectErr := p.collect(ctx, sess, b, report)

	fwd, _ := prefixEnd(b.uids, b.done)
	if err := p.commit(ctx, b, store.Batch{ForwardUID: fwd}, report); err != nil {
		return err
	}
	if fwd > report.LastUID {
		report.LastUID = fwd
	}
	p.metrics.LastUID.WithLabelValues(report.Mailbox).Set(float64(report.LastUID))

	if collectErr != nil {
		return collectErr
	}
	return p.extractBatch(ctx, b, report)
}

// sweepPending extracts records an earlier run stored but never got to
// extract, e.g. because it was cancelled after its commit.
func (p *Pipeline) sweepPending(ctx context.Context, report *RunReport) error {
	sum, err := p.extractor.RunPending(ctx, report.RunID, report.Mailbox, p.cfg.BatchLimit)
	report.Parsed += sum.Parsed
	report.ParseErrors += sum.Errors
	report.PersistErrors += sum.PersistErrors
	return err
}

func (p *Pipeline) newReport(kind, mailbox string) *RunReport {
	return &RunReport{
		RunID:     uuid.NewString(),
		Kind:      kind,
		Mailbox:   mailbox,
		StartedAt: p.now(),
	}
}

// finish writes the closing log entries, metrics and live events of a run.
func (p *Pipeline) finish(ctx context.Context, report *RunReport, err error) {
	report.Duration = p.now().Sub(report.StartedAt)

	fields := ingestlog.Fields{RunID: report.RunID, Mailbox: report.Mailbox}
	result := "ok"
	if err != nil {
		result = "error"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			result = "cancelled"
		}
		report.Error = err.Error()
		fields.Detail = err.Error()
		p.log(ctx, report.phase(), ingestlog.StatusError, fields)
	}

	fields.Detail = report.summary()
	p.log(ctx, report.phase(), ingestlog.StatusEnd, fields)

	p.metrics.Runs.WithLabelValues(report.Kind, result).Inc()
	p.metrics.RunDuration.WithLabelValues(report.Kind).Observe(report.Duration.Seconds())

	p.journal.Emit(eventbus.TypeProgress, *report)
	if stats, err := p.store.Stats(context.WithoutCancel(ctx)); err == nil {
		p.journal.Emit(eventbus.TypeStats, stats)
	}
}

func (p *Pipeline) connect(ctx context.Context, report *RunReport) (source.Session, error) {
	fields := ingestlog.Fields{RunID: report.RunID, Mailbox: report.Mailbox}

	sess, err := p.mailbox.Connect(ctx)
	if err != nil {
		fields.Detail = err.Error()
		p.log(ctx, model.PhaseIMAP, ingestlog.StatusError, fields)
		return nil, err
	}
	p.log(ctx, model.PhaseIMAP, StatusConnected, fields)
	return sess, nil
}

func (p *Pipeline) selectFolder(ctx context.Context, sess source.Session, report *RunReport) (*source.Folder, error) {
	fields := ingestlog.Fields{RunID: report.RunID, Mailbox: report.Mailbox}

	folder, err := sess.OpenFolder(ctx, report.Mailbox)
	if err != nil {
		fields.Detail = err.Error()
		p.log(ctx, model.PhaseIMAP, ingestlog.StatusError, fields)
		return nil, err
	}
	fields.Detail = fmt.Sprintf("messages=%d uidnext=%d uidvalidity=%d",
		folder.Messages, folder.UIDNext, folder.UIDValidity)
	p.log(ctx, model.PhaseIMAP, StatusSelected, fields)
	return folder, nil
}

// search runs the criteria and logs the outcome. Callers treat a
// *source.SearchError as an empty result for this run only.
func (p *Pipeline) search(ctx context.Context, sess source.Session, report *RunReport, c source.Criteria) ([]uint32, error) {
	fields := ingestlog.Fields{RunID: report.RunID, Mailbox: report.Mailbox}

	uids, err := sess.Search(ctx, c)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		fields.Detail = err.Error()
		p.log(ctx, model.PhaseSearch, ingestlog.StatusError, fields)
		return nil, err
	}

	report.Searched = len(uids)
	fields.Detail = fmt.Sprintf("matched=%d range=%d:%s", len(uids), c.MinUID, uidBound(c.MaxUID))
	p.log(ctx, model.PhaseSearch, StatusFound, fields)
	return uids, nil
}

func uidBound(uid uint32) string {
	if uid == 0 {
		return "*"
	}
	return fmt.Sprint(uid)
}

// batch is the working set of one run over its candidate uids.
type batch struct {
	runID     string
	mailbox   string
	uids      []uint32
	done      map[uint32]bool
	envelopes map[uint32]source.Envelope
	decisions map[uint32]classify.Result
	records   []*model.EmailRecord
	parseErrs map[uint32]error
	// abandoned uids failed too often; their records carry no body.
	abandoned map[uint32]bool
}

func (p *Pipeline) newBatch(report *RunReport, uids []uint32) *batch {
	return &batch{
		runID:     report.RunID,
		mailbox:   report.Mailbox,
		uids:      uids,
		done:      make(map[uint32]bool, len(uids)),
		envelopes: make(map[uint32]source.Envelope, len(uids)),
		decisions: make(map[uint32]classify.Result, len(uids)),
		parseErrs: make(map[uint32]error),
		abandoned: make(map[uint32]bool),
	}
}

// collect fetches headers for every candidate, classifies them in
// parallel and fetches bodies for the relevant ones only. It stops
// between messages when ctx is done; what was handled so far stays in b.
func (p *Pipeline) collect(ctx context.Context, sess source.Session, b *batch, report *RunReport) error {
	var metas []classify.HeaderMeta
	for res := range sess.FetchHeaders(ctx, b.uids) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if res.Err != nil {
			p.fetchFailed(ctx, b, res.UID, res.Err, report)
			continue
		}
		b.envelopes[res.UID] = res.Envelope
		metas = append(metas, classify.HeaderMeta{
			UID:     res.UID,
			Subject: res.Envelope.Subject,
			From:    res.Envelope.From,
			Size:    clampSize(res.Envelope.Size),
		})
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	results, err := p.classifier.ClassifyBatch(ctx, b.mailbox, metas)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		p.logger.Warn("header cache write failed", zap.String("mailbox", b.mailbox), zap.Error(err))
	}

	var relevant []uint32
	for i, meta := range metas {
		res := results[i]
		b.decisions[meta.UID] = res
		if res.Relevant() {
			relevant = append(relevant, meta.UID)
			continue
		}

		b.done[meta.UID] = true
		report.Skipped++
		p.metrics.Messages.WithLabelValues("skipped").Inc()

		f := p.envelopeFields(b, meta.UID)
		f.Vendor = res.Vendor
		f.Class = string(res.Class)
		f.Detail = fmt.Sprintf("%s score=%.2f (%s)", res.Decision, res.Score, res.Reason)
		p.log(ctx, model.PhaseFetch, StatusSkipNonRelevant, f)
	}

	for res := range sess.FetchBodies(ctx, relevant) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if res.Err != nil {
			p.fetchFailed(ctx, b, res.UID, res.Err, report)
			continue
		}
		rec, perr := p.buildRecord(b, res)
		b.records = append(b.records, rec)
		if perr != nil {
			b.parseErrs[res.UID] = perr
		}
		b.done[res.UID] = true
	}
	return ctx.Err()
}

// fetchFailed records a per-message fetch failure. A message expunged
// since the search counts as handled. Anything else blocks the watermark
// so the uid is retried, until it has failed MaxFetchAttempts times: then
// it is handled as well, with an error record when its header is known.
func (p *Pipeline) fetchFailed(ctx context.Context, b *batch, uid uint32, err error, report *RunReport) {
	f := p.envelopeFields(b, uid)
	f.Detail = err.Error()

	if errors.Is(err, source.ErrMessageGone) {
		b.done[uid] = true
		p.metrics.Messages.WithLabelValues("gone").Inc()
		p.log(ctx, model.PhaseFetch, StatusGone, f)
		return
	}

	report.FetchErrors++
	p.metrics.Messages.WithLabelValues("fetch_error").Inc()

	attempts, nerr := p.store.NoteFetchFailure(context.WithoutCancel(ctx), b.mailbox, uid, err.Error())
	if nerr != nil {
		p.logger.Warn("counting fetch failure", zap.String("mailbox", b.mailbox), zap.Uint32("uid", uid), zap.Error(nerr))
	}
	if nerr == nil && attempts >= p.cfg.MaxFetchAttempts {
		b.done[uid] = true
		if _, known := b.envelopes[uid]; known {
			rec := p.envelopeRecord(b, uid)
			rec.ParseStatus = model.ParseStatusError
			b.records = append(b.records, rec)
			b.abandoned[uid] = true
		}
		f.Detail = fmt.Sprintf("%s (giving up after %d attempts)", err, attempts)
	}
	p.log(ctx, model.PhaseFetch, ingestlog.StatusError, f)
}

// buildRecord turns a fetched body into a pending record. A body that
// will not parse still yields a record, marked error, built from the
// envelope.
func (p *Pipeline) buildRecord(b *batch, res source.BodyResult) (*model.EmailRecord, error) {
	if _, ok := b.envelopes[res.UID]; !ok {
		b.envelopes[res.UID] = res.Envelope
	}
	rec := p.envelopeRecord(b, res.UID)

	msg, err := email.Parse(res.Raw)
	if err != nil {
		rec.ParseStatus = model.ParseStatusError
		return rec, err
	}

	if msg.MessageID != "" {
		id := msg.MessageID
		rec.MessageID = &id
	}
	if msg.Subject != "" {
		rec.Subject = msg.Subject
	}
	if msg.From != "" {
		rec.Sender = msg.From
	}
	if len(msg.To) > 0 {
		rec.Recipients = strings.Join(msg.To, ", ")
	}
	if !msg.Date.IsZero() {
		rec.ReceivedAt = msg.Date
	}
	rec.RawHeaders = msg.RawHeaders
	rec.TextBody = msg.TextBody
	rec.HTMLBody = msg.HTMLBody
	rec.Snippet = msg.Snippet
	return rec, nil
}

// envelopeRecord is the pending record for uid as far as its header and
// classification tell.
func (p *Pipeline) envelopeRecord(b *batch, uid uint32) *model.EmailRecord {
	env := b.envelopes[uid]
	dec := b.decisions[uid]

	rec := &model.EmailRecord{
		Mailbox:     b.mailbox,
		UID:         uid,
		Subject:     env.Subject,
		Sender:      env.From,
		Recipients:  strings.Join(env.To, ", "),
		ReceivedAt:  env.Date,
		Vendor:      dec.Vendor,
		Class:       dec.Class,
		ParseStatus: model.ParseStatusPending,
	}
	if env.MessageID != "" {
		id := env.MessageID
		rec.MessageID = &id
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = p.now()
	}
	return rec
}

// commit writes the batch's records and watermark move in one
// transaction, then logs what was stored. The write is not abandoned when
// ctx is cancelled mid-run: it only covers work already done.
func (p *Pipeline) commit(ctx context.Context, b *batch, mb store.Batch, report *RunReport) error {
	if len(b.records) == 0 && mb.ForwardUID == 0 && mb.BackfillLow == 0 {
		return nil
	}
	mb.Mailbox = b.mailbox
	mb.ModelVersion = p.classifier.ModelVersion()
	mb.Records = b.records

	res, err := p.store.CommitBatch(context.WithoutCancel(ctx), mb)
	if err != nil {
		return &source.PersistenceError{Op: "commit batch", Err: err}
	}
	report.Stored += res.Inserted
	report.Duplicates += res.Duplicates
	p.metrics.Messages.WithLabelValues("stored").Add(float64(res.Inserted))
	p.metrics.Messages.WithLabelValues("duplicate").Add(float64(res.Duplicates))

	for _, rec := range b.records {
		if b.abandoned[rec.UID] {
			continue
		}
		f := recordFields(b.runID, rec)
		if perr, bad := b.parseErrs[rec.UID]; bad {
			report.ParseErrors++
			p.metrics.Messages.WithLabelValues("parse_error").Inc()
			f.Detail = perr.Error()
			p.log(ctx, model.PhaseParse, ingestlog.StatusError, f)
			continue
		}
		f.Detail = fmt.Sprintf("email_id=%d", rec.ID)
		p.log(ctx, model.PhaseFetch, StatusStored, f)
	}
	return nil
}

// extractBatch runs extraction over the batch's records that are still
// pending in the store. Records that already existed keep their status.
func (p *Pipeline) extractBatch(ctx context.Context, b *batch, report *RunReport) error {
	var pending []model.EmailRecord
	for _, rec := range b.records {
		if _, bad := b.parseErrs[rec.UID]; bad || b.abandoned[rec.UID] || rec.ID == 0 {
			continue
		}
		cur, err := p.store.GetEmail(ctx, rec.ID)
		if err != nil {
			return &source.PersistenceError{Op: "load email", Err: err}
		}
		if cur.ParseStatus == model.ParseStatusPending {
			pending = append(pending, *cur)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	sum, err := p.extractor.RunRecords(ctx, b.runID, pending)
	report.Parsed += sum.Parsed
	report.ParseErrors += sum.Errors
	report.PersistErrors += sum.PersistErrors
	return err
}

func (p *Pipeline) envelopeFields(b *batch, uid uint32) ingestlog.Fields {
	f := ingestlog.Fields{RunID: b.runID, Mailbox: b.mailbox, UID: uid}
	if env, ok := b.envelopes[uid]; ok {
		f.MessageID = env.MessageID
		f.Subject = env.Subject
	}
	return f
}

func recordFields(runID string, rec *model.EmailRecord) ingestlog.Fields {
	f := ingestlog.Fields{
		RunID:   runID,
		Mailbox: rec.Mailbox,
		UID:     rec.UID,
		Subject: rec.Subject,
		Vendor:  rec.Vendor,
		Class:   string(rec.Class),
	}
	if rec.MessageID != nil {
		f.MessageID = *rec.MessageID
	}
	return f
}

func (p *Pipeline) log(ctx context.Context, phase model.Phase, status string, f ingestlog.Fields) {
	if _, err := p.journal.Log(ctx, phase, status, f); err != nil {
		p.logger.Warn("writing ingestion log entry",
			zap.String("phase", string(phase)),
			zap.String("status", status),
			zap.Error(err),
		)
	}
}

// prefixEnd returns the last uid of the leading run of handled uids, in
// slice order, and whether every uid was handled. It returns 0 when the
// first uid is unhandled.
func prefixEnd(uids []uint32, done map[uint32]bool) (uint32, bool) {
	var end uint32
	for _, uid := range uids {
		if !done[uid] {
			return end, false
		}
		end = uid
	}
	return end, true
}

func clampSize(n int64) uint32 {
	switch {
	case n < 0:
		return 0
	case n > int64(^uint32(0)):
		return ^uint32(0)
	}
	return uint32(n)
}
