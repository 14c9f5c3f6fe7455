package extract

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/applytrack/internal/model"
	"github.com/nhle/applytrack/internal/source"
)

func TestRulesExtractor_AppliedConfirmation(t *testing.T) {
	res, err := NewRulesExtractor().Extract(context.Background(), Input{
		EmailID: 1,
		Subject: "Thank you for applying to Acme Corp",
		From:    "Acme Recruiting <no-reply@greenhouse.io>",
		Text:    "We received your application for the Backend Engineer role.",
	})
	require.NoError(t, err)

	assert.Equal(t, "Acme Corp", res.Facts.Company)
	assert.Equal(t, "Backend Engineer", res.Facts.Role)
	assert.Equal(t, model.ClassApplied, res.Facts.Class)
	assert.Equal(t, "greenhouse", res.Facts.Vendor)

	assert.Equal(t, RulesModel, res.Usage.Model)
	assert.Zero(t, res.Usage.CostUSD)
	assert.Zero(t, res.Usage.TotalTokens)
	assert.Contains(t, res.Usage.Response, `"company":"Acme Corp"`)
}

func TestRulesExtractor_InterviewTime(t *testing.T) {
	received := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	res, err := NewRulesExtractor().Extract(context.Background(), Input{
		Subject:    "Interview invitation",
		From:       "Initech Talent Acquisition <jane@initech.com>",
		Text:       "Could you join us on March 4, 2026 at 3:30 pm for a video call?",
		ReceivedAt: received,
	})
	require.NoError(t, err)

	assert.Equal(t, model.ClassInterview, res.Facts.Class)
	require.NotNil(t, res.Facts.InterviewAt)
	assert.Equal(t, time.Date(2026, 3, 4, 15, 30, 0, 0, time.UTC), *res.Facts.InterviewAt)
	assert.Equal(t, "Initech", res.Facts.Company)
}

func TestRulesExtractor_OfferAmount(t *testing.T) {
	res, err := NewRulesExtractor().Extract(context.Background(), Input{
		Subject: "Your offer letter",
		From:    "people@globex.com",
		Text:    "We are pleased to offer you a base salary of $145,000 per year.",
	})
	require.NoError(t, err)

	assert.Equal(t, model.ClassOffer, res.Facts.Class)
	assert.Equal(t, 145000.0, res.Facts.OfferAmount)
	assert.Equal(t, "USD", res.Facts.Currency)
	assert.Equal(t, "Globex", res.Facts.Company)
}

func TestRulesExtractor_EmptyMessageFails(t *testing.T) {
	res, err := NewRulesExtractor().Extract(context.Background(), Input{EmailID: 9})

	var extractErr *source.ExtractionError
	require.ErrorAs(t, err, &extractErr)
	assert.Equal(t, int64(9), extractErr.EmailID)
	require.NotNil(t, res)
	assert.Equal(t, RulesModel, res.Usage.Model)
}

func TestRulesExtractor_Deterministic(t *testing.T) {
	in := Input{Subject: "Your application to Hooli", Text: "Thanks!", From: "jobs@hooli.xyz"}
	a, err := NewRulesExtractor().Extract(context.Background(), in)
	require.NoError(t, err)
	b, err := NewRulesExtractor().Extract(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFindAmount(t *testing.T) {
	cases := []struct {
		text     string
		amount   float64
		currency string
	}{
		{"salary of $120k", 120000, "USD"},
		{"EUR 85,500.50 gross", 85500.5, "EUR"},
		{"no numbers here", 0, ""},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			amount, currency := findAmount(tc.text)
			assert.InDelta(t, tc.amount, amount, 0.001)
			assert.Equal(t, tc.currency, currency)
		})
	}
}
