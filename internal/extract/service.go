package extract

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nhle/applytrack/internal/ingestlog"
	"github.com/nhle/applytrack/internal/metrics"
	"github.com/nhle/applytrack/internal/model"
	"github.com/nhle/applytrack/internal/source"
	"github.com/nhle/applytrack/internal/source/email"
	"github.com/nhle/applytrack/internal/store"
)

// Parse phase statuses.
const (
	StatusParsed       = "parsed"
	StatusParseError   = "error"
	StatusPersistError = "persist_error"
)

// Store is the persistence the service needs.
type Store interface {
	ListEmails(ctx context.Context, f store.EmailFilter) ([]model.EmailRecord, error)
	CompleteExtraction(ctx context.Context, o store.ExtractionOutcome) error
	AppendUsage(ctx context.Context, u model.UsageEntry) (model.UsageEntry, error)
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// Workers bounds concurrent extraction calls.
	Workers int

	// RPS limits call rate across workers; zero or less means unlimited.
	RPS float64
}

// Summary counts the outcomes of one extraction pass.
type Summary struct {
	Parsed        int
	Errors        int
	PersistErrors int
	Skipped       int
}

// Service runs the extractor over stored records and commits outcomes.
type Service struct {
	store     Store
	extractor Extractor
	journal   *ingestlog.Journal
	metrics   *metrics.Metrics
	logger    *zap.Logger
	limiter   *rate.Limiter
	workers   int
}

// NewService creates a Service. journal, m and logger may be nil.
func NewService(st Store, ex Extractor, journal *ingestlog.Journal, m *metrics.Metrics, logger *zap.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	return &Service{
		store:     st,
		extractor: ex,
		journal:   journal,
		metrics:   m,
		logger:    logger.Named("extract"),
		limiter:   rate.NewLimiter(limit, 1),
		workers:   workers,
	}
}

// Model names the extractor behind the service.
func (s *Service) Model() string {
	return s.extractor.Model()
}

// Run extracts one record and commits the outcome with its usage row.
// A record already parsed is left untouched. Extraction failures mark
// the record as error and are not returned; only a failed commit or
// cancellation is.
func (s *Service) Run(ctx context.Context, runID string, rec model.EmailRecord) (model.ParseStatus, error) {
	if rec.ParseStatus == model.ParseStatusParsed {
		return model.ParseStatusParsed, nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return rec.ParseStatus, err
	}

	res, extractErr := s.extractor.Extract(ctx, Input{
		EmailID:    rec.ID,
		Subject:    rec.Subject,
		From:       rec.Sender,
		Text:       recordText(rec),
		Vendor:     rec.Vendor,
		Class:      rec.Class,
		ReceivedAt: rec.ReceivedAt,
	})

	usage := Usage{Model: s.extractor.Model()}
	if res != nil {
		usage = res.Usage
		if usage.Model == "" {
			usage.Model = s.extractor.Model()
		}
	}

	outcome := store.ExtractionOutcome{
		EmailID: rec.ID,
		Usage:   usage.Entry(rec.ID),
	}

	if extractErr == nil && res != nil {
		payload, err := res.Facts.JSON()
		if err != nil {
			extractErr = &source.ExtractionError{EmailID: rec.ID, Err: err}
		} else {
			outcome.Status = model.ParseStatusParsed
			outcome.Payload = &payload
			outcome.Class = res.Facts.Class
			outcome.Vendor = res.Facts.Vendor
			if res.Facts.Company != "" {
				outcome.Application = &model.Application{
					Company:  res.Facts.Company,
					Role:     res.Facts.Role,
					Status:   res.Facts.Class,
					LastSeen: rec.ReceivedAt,
				}
			}
		}
	}
	if extractErr != nil {
		outcome.Status = model.ParseStatusError
	}

	fields := ingestlog.Fields{
		RunID:   runID,
		Mailbox: rec.Mailbox,
		UID:     rec.UID,
		Subject: rec.Subject,
		Vendor:  rec.Vendor,
	}
	if rec.MessageID != nil {
		fields.MessageID = *rec.MessageID
	}

	if err := s.store.CompleteExtraction(ctx, outcome); err != nil {
		perr := &source.PersistenceError{Op: "complete extraction", Err: err}
		// The usage row went down with the transaction; the call was still
		// made and billed.
		if _, uerr := s.store.AppendUsage(context.WithoutCancel(ctx), outcome.Usage); uerr != nil {
			s.logger.Error("recording usage of uncommitted extraction",
				zap.Int64("email_id", rec.ID),
				zap.String("model", usage.Model),
				zap.Float64("cost_usd", usage.CostUSD),
				zap.Error(uerr))
		}
		s.observe(usage, model.ParseStatusPending)
		fields.Detail = perr.Error()
		s.log(ctx, StatusPersistError, fields)
		return rec.ParseStatus, perr
	}

	s.observe(usage, outcome.Status)

	if extractErr != nil {
		fields.Detail = fmt.Sprintf("%v (model=%s cost=$%.6f)", extractErr, usage.Model, usage.CostUSD)
		s.log(ctx, StatusParseError, fields)
		return model.ParseStatusError, nil
	}

	fields.Class = string(outcome.Class)
	fields.Vendor = outcome.Vendor
	fields.Detail = fmt.Sprintf("company=%q role=%q model=%s tokens=%d cost=$%.6f",
		res.Facts.Company, res.Facts.Role, usage.Model, outcome.Usage.TotalTokens, usage.CostUSD)
	s.log(ctx, StatusParsed, fields)
	return model.ParseStatusParsed, nil
}

// RunPending extracts up to limit pending records of a mailbox, oldest
// first, with bounded concurrency. A failure on one record never stops the
// others; only cancellation ends the pass early.
func (s *Service) RunPending(ctx context.Context, runID, mailbox string, limit int) (Summary, error) {
	return s.RunStatus(ctx, runID, mailbox, model.ParseStatusPending, limit)
}

// RunStatus is RunPending for records in any non-parsed status, so that
// records that ended in error can be retried on request.
func (s *Service) RunStatus(ctx context.Context, runID, mailbox string, status model.ParseStatus, limit int) (Summary, error) {
	if status == model.ParseStatusParsed {
		return Summary{}, fmt.Errorf("refusing to re-extract %s records", status)
	}
	recs, err := s.store.ListEmails(ctx, store.EmailFilter{
		Mailbox:     &mailbox,
		ParseStatus: &status,
		Limit:       limit,
		Ascending:   true,
	})
	if err != nil {
		return Summary{}, &source.PersistenceError{Op: "list " + string(status), Err: err}
	}
	return s.RunRecords(ctx, runID, recs)
}

// RunRecords extracts the given records with bounded concurrency.
func (s *Service) RunRecords(ctx context.Context, runID string, recs []model.EmailRecord) (Summary, error) {
	var parsed, failed, persist, skipped atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for _, rec := range recs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if rec.ParseStatus == model.ParseStatusParsed {
				skipped.Add(1)
				return nil
			}
			status, err := s.Run(gctx, runID, rec)
			var perr *source.PersistenceError
			switch {
			case errors.As(err, &perr):
				persist.Add(1)
			case err != nil:
				return err
			case status == model.ParseStatusParsed:
				parsed.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}

	err := g.Wait()
	return Summary{
		Parsed:        int(parsed.Load()),
		Errors:        int(failed.Load()),
		PersistErrors: int(persist.Load()),
		Skipped:       int(skipped.Load()),
	}, err
}

func (s *Service) log(ctx context.Context, status string, f ingestlog.Fields) {
	if s.journal == nil {
		return
	}
	if _, err := s.journal.Log(ctx, model.PhaseParse, status, f); err != nil {
		s.logger.Warn("writing parse log entry", zap.Error(err))
	}
}

func (s *Service) observe(u Usage, status model.ParseStatus) {
	if s.metrics == nil {
		return
	}
	s.metrics.Extractions.WithLabelValues(u.Model, string(status)).Inc()
	s.metrics.ExtractCost.Add(u.CostUSD)
	s.metrics.ExtractToken.WithLabelValues("prompt").Add(float64(u.PromptTokens))
	s.metrics.ExtractToken.WithLabelValues("completion").Add(float64(u.CompletionTokens))
}

func recordText(rec model.EmailRecord) string {
	if rec.TextBody != "" {
		return rec.TextBody
	}
	return email.HTMLToText(rec.HTMLBody)
}
