package extract

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/nhle/applytrack/internal/classify"
	"github.com/nhle/applytrack/internal/model"
	"github.com/nhle/applytrack/internal/source"
)

// RulesModel is the model name recorded for rule-based extraction.
const RulesModel = "rules-v1"

// bodyScanLimit caps how much of the body the patterns look at.
const bodyScanLimit = 8192

var (
	companyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?:[Tt]hank you|[Tt]hanks) for (?:applying|your interest) (?:to|in|at|with) ([A-Z][\w&.' -]{1,60}?)(?:[.!,\n]|\s+-|\s+for\b|$)`),
		regexp.MustCompile(`[Yy]our application (?:to|at|with) ([A-Z][\w&.' -]{1,60}?)(?:[.!,\n]|\s+-|\s+for\b|$)`),
		regexp.MustCompile(`\bat ([A-Z][\w&.' -]{1,60}?)(?:[.!,\n]|\s+-|\s+for\b|$)`),
	}
	rolePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)for the ([\w/&,+ -]{2,80}?) (?:role|position|opening)`),
		regexp.MustCompile(`(?i)(?:position|role) of ([\w/&,+ -]{2,80}?)(?:[.!,\n]| at |$)`),
		regexp.MustCompile(`(?i)application for (?:the )?([\w/&,+ -]{2,80}?)(?: at |[.!,\n]|$)`),
	}
	amountPattern   = regexp.MustCompile(`(?i)(\$|€|£|USD|EUR|GBP)\s?(\d{1,3}(?:,\d{3})+|\d+)(?:\.(\d{1,2}))?\s?(k\b)?`)
	isoTimePattern  = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}\b`)
	longTimePattern = regexp.MustCompile(`\b(?:January|February|March|April|May|June|July|August|September|October|November|December) \d{1,2}, \d{4} at \d{1,2}:\d{2} ?(?:AM|PM|am|pm)\b`)
	teamSuffix      = regexp.MustCompile(`(?i)\s+(recruiting|recruitment|careers|talent( acquisition)?|hiring team|jobs|hr|people team)\b.*$`)
)

var currencyCodes = map[string]string{
	"$": "USD", "usd": "USD",
	"€": "EUR", "eur": "EUR",
	"£": "GBP", "gbp": "GBP",
}

var freeMailDomains = map[string]bool{
	"gmail.com": true, "googlemail.com": true, "outlook.com": true,
	"hotmail.com": true, "yahoo.com": true, "icloud.com": true,
	"proton.me": true, "protonmail.com": true,
}

// RulesExtractor is the deterministic, zero-cost extraction pass.
type RulesExtractor struct{}

// NewRulesExtractor creates a RulesExtractor.
func NewRulesExtractor() *RulesExtractor {
	return &RulesExtractor{}
}

// Model implements Extractor.
func (RulesExtractor) Model() string { return RulesModel }

// Extract implements Extractor. It fails only when the message has no
// subject and no text to look at; the usage row is always zero-valued.
func (RulesExtractor) Extract(_ context.Context, in Input) (*Result, error) {
	usage := Usage{Model: RulesModel, Request: snapshot(in.Subject)}

	text := in.Text
	if len(text) > bodyScanLimit {
		text = text[:bodyScanLimit]
	}
	if strings.TrimSpace(in.Subject) == "" && strings.TrimSpace(text) == "" {
		return &Result{Usage: usage}, &source.ExtractionError{
			EmailID: in.EmailID,
			Err:     errors.New("empty message"),
		}
	}

	facts := model.Facts{
		Vendor:  in.Vendor,
		Company: firstMatch(companyPatterns, in.Subject, text),
		Role:    firstMatch(rolePatterns, in.Subject, text),
	}
	if facts.Company == "" {
		facts.Company = companyFromSender(in.From)
	}
	if facts.Vendor == "" {
		facts.Vendor = classify.VendorForSender(in.From)
	}

	facts.Class = classify.ClassFromSubject(in.Subject)
	if facts.Class == model.ClassOther {
		facts.Class = classify.ClassFromSubject(text)
	}
	if facts.Class == model.ClassOther && in.Class != "" {
		facts.Class = in.Class
	}

	if facts.Class == model.ClassInterview {
		facts.InterviewAt = findTime(text, in.ReceivedAt)
	}
	if facts.Class == model.ClassOffer {
		facts.OfferAmount, facts.Currency = findAmount(text)
	}

	payload, err := json.Marshal(facts)
	if err != nil {
		return &Result{Usage: usage}, &source.ExtractionError{EmailID: in.EmailID, Err: err}
	}
	usage.Response = string(payload)

	return &Result{Facts: facts, Usage: usage}, nil
}

func firstMatch(patterns []*regexp.Regexp, texts ...string) string {
	for _, text := range texts {
		for _, re := range patterns {
			if m := re.FindStringSubmatch(text); m != nil {
				if v := cleanName(m[1]); v != "" {
					return v
				}
			}
		}
	}
	return ""
}

func cleanName(s string) string {
	s = strings.Trim(strings.TrimSpace(s), ".,'!- ")
	return strings.Join(strings.Fields(s), " ")
}

// companyFromSender derives a company from the sender display name, then
// from a non-vendor, non-freemail domain.
func companyFromSender(from string) string {
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return ""
	}
	if name := cleanName(teamSuffix.ReplaceAllString(addr.Name, "")); name != "" {
		if i := strings.Index(strings.ToLower(name), " via "); i > 0 {
			name = name[:i]
		}
		return name
	}

	at := strings.LastIndexByte(addr.Address, '@')
	if at < 0 {
		return ""
	}
	domain := strings.ToLower(addr.Address[at+1:])
	if freeMailDomains[domain] || classify.VendorForDomain(domain) != "" {
		return ""
	}
	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return ""
	}
	label := labels[len(labels)-2]
	if label == "" {
		return ""
	}
	return strings.ToUpper(label[:1]) + label[1:]
}

func findTime(text string, ref time.Time) *time.Time {
	loc := time.UTC
	if !ref.IsZero() {
		loc = ref.Location()
	}
	if m := isoTimePattern.FindString(text); m != "" {
		m = strings.Replace(m, "T", " ", 1)
		if t, err := time.ParseInLocation("2006-01-02 15:04", m, loc); err == nil {
			return &t
		}
	}
	if m := longTimePattern.FindString(text); m != "" {
		// Normalize "3:00 pm" to "3:00PM".
		meridiem := strings.ToUpper(m[len(m)-2:])
		m = strings.TrimSpace(m[:len(m)-2]) + meridiem
		if t, err := time.ParseInLocation("January 2, 2006 at 3:04PM", m, loc); err == nil {
			return &t
		}
	}
	return nil
}

func findAmount(text string) (float64, string) {
	m := amountPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, ""
	}
	n, err := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", ""), 64)
	if err != nil {
		return 0, ""
	}
	if m[3] != "" {
		frac, _ := strconv.ParseFloat("0."+m[3], 64)
		n += frac
	}
	if m[4] != "" {
		n *= 1000
	}
	return n, currencyCodes[strings.ToLower(m[1])]
}
