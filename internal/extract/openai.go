package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nhle/applytrack/internal/model"
	"github.com/nhle/applytrack/internal/source"
)

// Price is the USD cost per 1K tokens for one model.
type Price struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

// Pricing maps model names to token prices.
type Pricing map[string]Price

// DefaultPricing covers the chat models the extractor is normally run with.
var DefaultPricing = Pricing{
	"gpt-4o-mini":  {PromptPer1K: 0.00015, CompletionPer1K: 0.0006},
	"gpt-4o":       {PromptPer1K: 0.0025, CompletionPer1K: 0.01},
	"gpt-4.1-mini": {PromptPer1K: 0.0004, CompletionPer1K: 0.0016},
	"gpt-4.1":      {PromptPer1K: 0.002, CompletionPer1K: 0.008},
}

// Cost returns the USD cost of a call. Unknown models cost nothing.
func (p Pricing) Cost(model string, prompt, completion int64) float64 {
	price, ok := p[model]
	if !ok {
		return 0
	}
	return float64(prompt)/1000*price.PromptPer1K + float64(completion)/1000*price.CompletionPer1K
}

const systemPrompt = `You extract job application facts from recruiting emails.
Reply with a single JSON object with these keys:
company (string), role (string),
class (one of "applied", "interview", "offer", "rejection", "other"),
interview_at (RFC 3339 timestamp or ""), offer_amount (number or 0),
currency (ISO 4217 code or "").
Use "" or 0 when a value is not stated.`

// maxPromptBody bounds the body text sent per call.
const maxPromptBody = 12000

// OpenAIConfig configures an OpenAIExtractor.
type OpenAIConfig struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
	Pricing  Pricing
}

// OpenAIExtractor calls an OpenAI-compatible chat completions endpoint.
type OpenAIExtractor struct {
	endpoint   string
	apiKey     string
	model      string
	pricing    Pricing
	httpClient *http.Client
}

var _ Extractor = (*OpenAIExtractor)(nil)

// NewOpenAIExtractor builds an extractor from configuration.
func NewOpenAIExtractor(cfg OpenAIConfig) *OpenAIExtractor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	pricing := cfg.Pricing
	if pricing == nil {
		pricing = DefaultPricing
	}
	return &OpenAIExtractor{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		pricing:  pricing,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Model implements Extractor.
func (e *OpenAIExtractor) Model() string { return e.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type extractedFacts struct {
	Company     string  `json:"company"`
	Role        string  `json:"role"`
	Class       string  `json:"class"`
	InterviewAt string  `json:"interview_at"`
	OfferAmount float64 `json:"offer_amount"`
	Currency    string  `json:"currency"`
}

// Extract implements Extractor.
func (e *OpenAIExtractor) Extract(ctx context.Context, in Input) (*Result, error) {
	fail := func(usage Usage, err error) (*Result, error) {
		return &Result{Usage: usage}, &source.ExtractionError{EmailID: in.EmailID, Err: err}
	}

	usage := Usage{Model: e.model}
	if e.apiKey == "" || e.endpoint == "" || e.model == "" {
		return fail(usage, fmt.Errorf("openai extractor misconfigured"))
	}

	text := in.Text
	if len(text) > maxPromptBody {
		text = text[:maxPromptBody]
	}
	userContent := fmt.Sprintf("Subject: %s\nFrom: %s\nDate: %s\n\n%s",
		in.Subject, in.From, in.ReceivedAt.Format(time.RFC3339), text)

	body, err := json.Marshal(chatRequest{
		Model: e.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userContent},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return fail(usage, fmt.Errorf("marshal request: %w", err))
	}
	usage.Request = snapshot(string(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fail(usage, fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fail(usage, fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fail(usage, fmt.Errorf("read response: %w", err))
	}
	usage.Response = snapshot(string(raw))

	var parsed chatResponse
	decodeErr := json.Unmarshal(raw, &parsed)
	if decodeErr == nil {
		usage.PromptTokens = parsed.Usage.PromptTokens
		usage.CompletionTokens = parsed.Usage.CompletionTokens
		usage.TotalTokens = parsed.Usage.TotalTokens
		usage.CostUSD = e.pricing.Cost(e.model, usage.PromptTokens, usage.CompletionTokens)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && parsed.Error != nil {
			msg = parsed.Error.Message
		}
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return fail(usage, fmt.Errorf("openai error %s: %s", resp.Status, msg))
	}
	if decodeErr != nil {
		return fail(usage, fmt.Errorf("decode response: %w", decodeErr))
	}
	if len(parsed.Choices) == 0 {
		return fail(usage, fmt.Errorf("response has no choices"))
	}

	var out extractedFacts
	if err := json.Unmarshal([]byte(parsed.Choices[0].Message.Content), &out); err != nil {
		return fail(usage, fmt.Errorf("decode facts: %w", err))
	}

	facts := model.Facts{
		Company:     strings.TrimSpace(out.Company),
		Role:        strings.TrimSpace(out.Role),
		Class:       normalizeClass(out.Class, in.Class),
		Vendor:      in.Vendor,
		OfferAmount: out.OfferAmount,
		Currency:    strings.ToUpper(strings.TrimSpace(out.Currency)),
	}
	if out.InterviewAt != "" {
		if t, err := time.Parse(time.RFC3339, out.InterviewAt); err == nil {
			facts.InterviewAt = &t
		}
	}

	return &Result{Facts: facts, Usage: usage}, nil
}

func normalizeClass(s string, fallback model.Class) model.Class {
	switch c := model.Class(strings.ToLower(strings.TrimSpace(s))); c {
	case model.ClassApplied, model.ClassInterview, model.ClassOffer, model.ClassRejection, model.ClassOther:
		return c
	}
	if fallback == "" {
		return model.ClassOther
	}
	return fallback
}
