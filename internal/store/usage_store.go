package store

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/applytrack/internal/model"
)

// costEpsilon absorbs float drift between the two cost sums.
const costEpsilon = 1e-9

// costColumnsFromLog rewrites an email's denormalized cost columns from
// openai_call_log. It is spliced into UPDATE emails statements.
const costColumnsFromLog = `
	prompt_tokens     = (SELECT COALESCE(SUM(prompt_tokens), 0) FROM openai_call_log WHERE email_id = emails.id),
	completion_tokens = (SELECT COALESCE(SUM(completion_tokens), 0) FROM openai_call_log WHERE email_id = emails.id),
	total_tokens      = (SELECT COALESCE(SUM(total_tokens), 0) FROM openai_call_log WHERE email_id = emails.id),
	cost_usd          = (SELECT COALESCE(SUM(cost_usd), 0) FROM openai_call_log WHERE email_id = emails.id)`

// AppendUsage records one extraction call outside of a completion, e.g.
// a call whose outcome could not be committed.
func (s *SQLiteStore) AppendUsage(ctx context.Context, u model.UsageEntry) (model.UsageEntry, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return u, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	u, err = appendUsage(ctx, tx, u)
	if err != nil {
		return u, err
	}
	return u, tx.Commit()
}

func appendUsage(ctx context.Context, tx *sqlx.Tx, u model.UsageEntry) (model.UsageEntry, error) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	u.CreatedAt = u.CreatedAt.UTC()
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO openai_call_log (
			email_id, model, prompt_tokens, completion_tokens, total_tokens,
			cost_usd, request, response, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.EmailID, u.Model, u.PromptTokens, u.CompletionTokens, u.TotalTokens,
		u.CostUSD, u.Request, u.Response, u.CreatedAt,
	)
	if err != nil {
		return u, fmt.Errorf("appending usage for email %d: %w", u.EmailID, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return u, fmt.Errorf("reading usage id: %w", err)
	}
	u.ID = id
	return u, nil
}

// UsageForEmail lists every usage row recorded for one email.
func (s *SQLiteStore) UsageForEmail(ctx context.Context, emailID int64) ([]model.UsageEntry, error) {
	var out []model.UsageEntry
	err := s.db.SelectContext(ctx, &out,
		"SELECT * FROM openai_call_log WHERE email_id = ? ORDER BY id", emailID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing usage for email %d: %w", emailID, err)
	}
	return out, nil
}

// CostTotals aggregates cost from both the email columns and the usage
// log. When the email columns sum to zero while usage rows exist the
// columns are stale and the log total is reported.
func (s *SQLiteStore) CostTotals(ctx context.Context) (model.CostTotals, error) {
	var t model.CostTotals

	if err := s.db.GetContext(ctx, &t.EmailColumnsUSD,
		"SELECT COALESCE(SUM(cost_usd), 0) FROM emails",
	); err != nil {
		return t, fmt.Errorf("summing email costs: %w", err)
	}

	var logAgg struct {
		Rows   int64   `db:"cnt"`
		USD    float64 `db:"usd"`
		Tokens int64   `db:"tokens"`
	}
	if err := s.db.GetContext(ctx, &logAgg, `
		SELECT COUNT(*) AS cnt,
		       COALESCE(SUM(cost_usd), 0) AS usd,
		       COALESCE(SUM(total_tokens), 0) AS tokens
		FROM openai_call_log`,
	); err != nil {
		return t, fmt.Errorf("summing usage log: %w", err)
	}

	t.UsageRows = logAgg.Rows
	t.UsageLogUSD = logAgg.USD
	t.TotalTokens = logAgg.Tokens
	t.ReportedUSD = t.EmailColumnsUSD
	t.Reconciled = math.Abs(t.EmailColumnsUSD-t.UsageLogUSD) < costEpsilon

	if t.EmailColumnsUSD == 0 && t.UsageRows > 0 {
		t.ReportedUSD = t.UsageLogUSD
	}

	return t, nil
}

// RecomputeEmailCosts rewrites the cost columns of every email that has
// usage rows and returns how many emails were updated.
func (s *SQLiteStore) RecomputeEmailCosts(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE emails SET `+costColumnsFromLog+`
		WHERE id IN (SELECT DISTINCT email_id FROM openai_call_log)`)
	if err != nil {
		return 0, fmt.Errorf("recomputing email costs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}
	return n, nil
}

// Stats returns the aggregate counts and cost totals.
func (s *SQLiteStore) Stats(ctx context.Context) (*model.Stats, error) {
	st := &model.Stats{
		ByParseStatus: map[string]int64{},
		ByVendor:      map[string]int64{},
		ByClass:       map[string]int64{},
	}

	if err := s.db.GetContext(ctx, &st.Total, "SELECT COUNT(*) FROM emails"); err != nil {
		return nil, fmt.Errorf("counting emails: %w", err)
	}

	for column, into := range map[string]map[string]int64{
		"parse_status": st.ByParseStatus,
		"vendor":       st.ByVendor,
		"class":        st.ByClass,
	} {
		if err := s.countBy(ctx, column, into); err != nil {
			return nil, err
		}
	}

	cost, err := s.CostTotals(ctx)
	if err != nil {
		return nil, err
	}
	st.Cost = cost

	if st.LastLogID, err = s.LastLogID(ctx); err != nil {
		return nil, err
	}

	return st, nil
}

// countBy fills into with email counts grouped by a fixed column name.
func (s *SQLiteStore) countBy(ctx context.Context, column string, into map[string]int64) error {
	var rows []struct {
		Key   string `db:"k"`
		Count int64  `db:"n"`
	}
	query := fmt.Sprintf("SELECT %s AS k, COUNT(*) AS n FROM emails GROUP BY %s", column, column)
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return fmt.Errorf("counting emails by %s: %w", column, err)
	}
	for _, r := range rows {
		key := r.Key
		if key == "" {
			key = "unknown"
		}
		into[key] = r.Count
	}
	return nil
}
