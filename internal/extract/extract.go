// Package extract turns the full body of a relevant message into typed
// application facts and accounts for what each call cost.
package extract

import (
	"context"
	"time"

	"github.com/nhle/applytrack/internal/model"
)

// Input is what an extractor sees of one stored email.
type Input struct {
	EmailID    int64
	Subject    string
	From       string
	Text       string
	Vendor     string
	Class      model.Class
	ReceivedAt time.Time
}

// Usage is the exact accounting of one extraction call.
type Usage struct {
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	CostUSD          float64
	Request          string
	Response         string
}

// Entry converts usage into a usage log row for the given email.
func (u Usage) Entry(emailID int64) model.UsageEntry {
	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}
	return model.UsageEntry{
		EmailID:          emailID,
		Model:            u.Model,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      total,
		CostUSD:          u.CostUSD,
		Request:          u.Request,
		Response:         u.Response,
	}
}

// Result is a successful extraction.
type Result struct {
	Facts model.Facts
	Usage Usage
}

// Extractor pulls facts out of one message. On failure it returns a
// *source.ExtractionError and, when the call got far enough to be billed,
// a non-nil Result carrying the partial usage.
type Extractor interface {
	Model() string
	Extract(ctx context.Context, in Input) (*Result, error)
}

// maxSnapshot bounds the request and response text kept per usage row.
const maxSnapshot = 4096

func snapshot(s string) string {
	if len(s) <= maxSnapshot {
		return s
	}
	return s[:maxSnapshot]
}
