package classify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nhle/applytrack/internal/metrics"
	"github.com/nhle/applytrack/internal/model"
)

// DefaultModelVersion tags decisions made by the current rule set. Bump it
// when the rules change so cached verdicts are recomputed.
const DefaultModelVersion = "header-rules-v1"

// DefaultWorkers bounds ClassifyBatch parallelism.
const DefaultWorkers = 8

// Cache is the header-decision persistence the classifier uses.
type Cache interface {
	GetHeaderDecision(ctx context.Context, mailbox string, uid uint32) (*model.HeaderDecision, error)
	PutHeaderDecision(ctx context.Context, d model.HeaderDecision) error
}

// Options configures a Classifier.
type Options struct {
	ModelVersion string

	// PromoteUncertain turns uncertain verdicts into relevant ones and
	// marks them promoted.
	PromoteUncertain bool

	Workers int
	Metrics *metrics.Metrics
}

// Classifier decides header relevance, backed by the header cache.
type Classifier struct {
	cache Cache
	opts  Options
	score func(HeaderMeta) Result
}

// New creates a Classifier. cache may be nil to disable caching.
func New(cache Cache, opts Options) *Classifier {
	if opts.ModelVersion == "" {
		opts.ModelVersion = DefaultModelVersion
	}
	if opts.Workers < 1 {
		opts.Workers = DefaultWorkers
	}
	return &Classifier{cache: cache, opts: opts, score: Score}
}

// ModelVersion returns the version tag written with every decision.
func (c *Classifier) ModelVersion() string {
	return c.opts.ModelVersion
}

// Classify returns the verdict for one header. A cached row under the
// current model version is returned as is; anything else is recomputed
// and written back. The returned Result is always usable: a non-nil error
// only reports that the cache write failed.
func (c *Classifier) Classify(ctx context.Context, mailbox string, meta HeaderMeta) (Result, error) {
	if c.cache != nil {
		cached, err := c.cache.GetHeaderDecision(ctx, mailbox, meta.UID)
		if err == nil && cached.ModelVersion == c.opts.ModelVersion {
			if c.opts.Metrics != nil {
				c.opts.Metrics.CacheHits.Inc()
			}
			return Result{
				Decision: cached.Decision,
				Score:    cached.Score,
				Reason:   cached.Reason,
				Vendor:   cached.Vendor,
				Class:    cached.Class,
				Promoted: cached.Promoted,
				Cached:   true,
			}, nil
		}
	}

	res := c.score(meta)
	if res.Decision == model.DecisionUncertain && c.opts.PromoteUncertain {
		res.Decision = model.DecisionRelevant
		res.Promoted = true
		res.Reason += ", promoted"
	}

	if c.opts.Metrics != nil {
		c.opts.Metrics.Decisions.WithLabelValues(string(res.Decision)).Inc()
	}

	if c.cache == nil {
		return res, nil
	}
	err := c.cache.PutHeaderDecision(ctx, model.HeaderDecision{
		Mailbox:      mailbox,
		UID:          meta.UID,
		Decision:     res.Decision,
		Score:        res.Score,
		Reason:       res.Reason,
		Vendor:       res.Vendor,
		Class:        res.Class,
		ModelVersion: c.opts.ModelVersion,
		Promoted:     res.Promoted,
		UpdatedAt:    time.Now(),
	})
	if err != nil {
		return res, fmt.Errorf("caching decision for uid %d: %w", meta.UID, err)
	}
	return res, nil
}

// ClassifyBatch classifies independent headers in parallel. Results are in
// input order. Cache write failures are joined into the returned error;
// every result is still filled. Only cancellation leaves results unset.
func (c *Classifier) ClassifyBatch(ctx context.Context, mailbox string, metas []HeaderMeta) ([]Result, error) {
	results := make([]Result, len(metas))
	errs := make([]error, len(metas))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)

	for i, meta := range metas {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i], errs[i] = c.Classify(gctx, mailbox, meta)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, errors.Join(errs...)
}
