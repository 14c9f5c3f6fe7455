package extract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/applytrack/internal/model"
	"github.com/nhle/applytrack/internal/source"
)

func newOpenAIServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		assert.Equal(t, "json_object", req.ResponseFormat["type"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestOpenAI(url string) *OpenAIExtractor {
	return NewOpenAIExtractor(OpenAIConfig{
		Endpoint: url,
		APIKey:   "test-key",
		Model:    "gpt-4o-mini",
	})
}

func TestOpenAIExtractor_Success(t *testing.T) {
	srv := newOpenAIServer(t, http.StatusOK, `{
		"choices": [{"message": {"role": "assistant",
			"content": "{\"company\":\"Acme\",\"role\":\"SRE\",\"class\":\"interview\",\"interview_at\":\"2026-05-01T10:00:00Z\"}"}}],
		"usage": {"prompt_tokens": 1000, "completion_tokens": 500, "total_tokens": 1500}
	}`)

	res, err := newTestOpenAI(srv.URL).Extract(context.Background(), Input{
		EmailID: 3, Subject: "Interview", Vendor: "lever",
	})
	require.NoError(t, err)

	assert.Equal(t, "Acme", res.Facts.Company)
	assert.Equal(t, "SRE", res.Facts.Role)
	assert.Equal(t, model.ClassInterview, res.Facts.Class)
	assert.Equal(t, "lever", res.Facts.Vendor)
	require.NotNil(t, res.Facts.InterviewAt)

	assert.Equal(t, int64(1000), res.Usage.PromptTokens)
	assert.Equal(t, int64(1500), res.Usage.TotalTokens)
	// 1K prompt at 0.00015 plus 0.5K completion at 0.0006.
	assert.InDelta(t, 0.00045, res.Usage.CostUSD, 1e-12)
	assert.NotEmpty(t, res.Usage.Request)
}

func TestOpenAIExtractor_ServerErrorKeepsPartialUsage(t *testing.T) {
	srv := newOpenAIServer(t, http.StatusTooManyRequests, `{
		"error": {"message": "rate limited"},
		"usage": {"prompt_tokens": 200, "completion_tokens": 0, "total_tokens": 200}
	}`)

	res, err := newTestOpenAI(srv.URL).Extract(context.Background(), Input{EmailID: 4})

	var extractErr *source.ExtractionError
	require.ErrorAs(t, err, &extractErr)
	assert.Contains(t, err.Error(), "rate limited")
	require.NotNil(t, res)
	assert.Equal(t, int64(200), res.Usage.PromptTokens)
	assert.InDelta(t, 0.00003, res.Usage.CostUSD, 1e-12)
}

func TestOpenAIExtractor_UnusableContentIsAnError(t *testing.T) {
	srv := newOpenAIServer(t, http.StatusOK, `{
		"choices": [{"message": {"role": "assistant", "content": "not json"}}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 2, "total_tokens": 12}
	}`)

	res, err := newTestOpenAI(srv.URL).Extract(context.Background(), Input{EmailID: 5})
	require.Error(t, err)
	assert.Equal(t, int64(12), res.Usage.TotalTokens)
}

func TestOpenAIExtractor_Misconfigured(t *testing.T) {
	_, err := NewOpenAIExtractor(OpenAIConfig{Model: "gpt-4o-mini"}).Extract(context.Background(), Input{})
	assert.ErrorContains(t, err, "misconfigured")
}

func TestPricing_UnknownModelIsFree(t *testing.T) {
	assert.Zero(t, DefaultPricing.Cost("local-llama", 1000, 1000))
}

func TestNormalizeClass(t *testing.T) {
	assert.Equal(t, model.ClassOffer, normalizeClass(" Offer ", model.ClassApplied))
	assert.Equal(t, model.ClassApplied, normalizeClass("maybe", model.ClassApplied))
	assert.Equal(t, model.ClassOther, normalizeClass("", ""))
}
