package classify

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/nhle/applytrack/internal/model"
)

// Decision thresholds on the clamped score.
const (
	RelevantThreshold   = 0.5
	IrrelevantThreshold = 0.2
)

// vendorScore is added when the sender belongs to a known ATS.
const vendorScore = 0.6

// largeMessageBytes marks bodies big enough to be newsletters or media.
const largeMessageBytes = 2 << 20

// vendorDomains maps applicant tracking systems to their sending domains.
// A sender matches when its domain equals or ends with ".<domain>".
var vendorDomains = map[string][]string{
	"greenhouse":      {"greenhouse.io", "greenhouse-mail.io"},
	"lever":           {"lever.co", "hire.lever.co"},
	"workday":         {"myworkday.com", "workday.com", "myworkdayjobs.com"},
	"ashby":           {"ashbyhq.com"},
	"smartrecruiters": {"smartrecruiters.com"},
	"icims":           {"icims.com"},
	"jobvite":         {"jobvite.com"},
	"taleo":           {"taleo.net"},
	"bamboohr":        {"bamboohr.com"},
	"workable":        {"workable.com", "workablemail.com"},
	"recruitee":       {"recruitee.com"},
	"breezy":          {"breezy.hr", "breezyhr.com"},
	"jazzhr":          {"jazzhr.com", "applytojob.com"},
	"teamtailor":      {"teamtailor.com", "teamtailor-mail.com"},
}

type weighted struct {
	phrase string
	re     *regexp.Regexp
	weight float64
}

// term matches phrase case-insensitively as whole words, so "sale" does not
// fire inside "Salesforce" nor "role" inside "controller".
func term(phrase string, weight float64) weighted {
	pattern := regexp.QuoteMeta(phrase)
	if isWordByte(phrase[0]) {
		pattern = `\b` + pattern
	}
	if isWordByte(phrase[len(phrase)-1]) {
		pattern += `\b`
	}
	return weighted{phrase: phrase, re: regexp.MustCompile(`(?i)` + pattern), weight: weight}
}

func isWordByte(c byte) bool {
	return c == '_' || '0' <= c && c <= '9' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z'
}

// subjectWeights are whole-word phrases. Overlapping phrases add up; the
// total is clamped.
var subjectWeights = []weighted{
	term("thank you for applying", 0.6),
	term("thanks for applying", 0.6),
	term("application received", 0.6),
	term("your application", 0.5),
	term("application", 0.3),
	term("applied", 0.3),
	term("interview", 0.5),
	term("phone screen", 0.4),
	term("offer letter", 0.6),
	term("job offer", 0.6),
	term("candidate", 0.3),
	term("position", 0.2),
	term("role", 0.15),
	term("recruiter", 0.3),
	term("recruiting", 0.3),
	term("hiring", 0.2),
	term("next steps", 0.3),
	term("assessment", 0.3),
	term("coding challenge", 0.4),
	term("not moving forward", 0.5),
	term("regret to inform", 0.5),
	term("unfortunately", 0.2),

	term("newsletter", -0.5),
	term("unsubscribe", -0.3),
	term("digest", -0.4),
	term("sale", -0.4),
	term("% off", -0.5),
	term("promo", -0.4),
	term("receipt", -0.5),
	term("your order", -0.4),
	term("webinar", -0.3),
	term("job alert", -0.4),
	term("jobs for you", -0.4),
	term("recommended jobs", -0.4),
}

// classPatterns are checked in priority order: the first match wins.
var classPatterns = []struct {
	class model.Class
	re    *regexp.Regexp
}{
	{model.ClassOffer, regexp.MustCompile(`(?i)\b(offer letter|job offer|offer of employment|pleased to offer|extend(ing)? an offer)\b`)},
	{model.ClassInterview, regexp.MustCompile(`(?i)\b(interview|phone screen|schedule a (call|chat)|your availability|onsite)\b`)},
	{model.ClassRejection, regexp.MustCompile(`(?i)\b(unfortunately|not moving forward|regret to inform|other candidates|not (been )?selected|position has been filled)\b`)},
	{model.ClassApplied, regexp.MustCompile(`(?i)\b(thank(s| you) for applying|application (received|submitted)|your application|received your application|applied)\b`)},
}

// HeaderMeta is the header-only view of a message the classifier sees.
type HeaderMeta struct {
	UID     uint32
	Subject string
	From    string
	Size    uint32
}

// Result is one classification outcome.
type Result struct {
	Decision model.Decision
	Score    float64
	Reason   string
	Vendor   string
	Class    model.Class
	Promoted bool
	Cached   bool
}

// Relevant reports whether the body should be fetched.
func (r Result) Relevant() bool {
	return r.Decision == model.DecisionRelevant
}

// Score applies the header rules. It never fails: an unparseable sender
// forces the decision to uncertain and says so in the reason.
func Score(meta HeaderMeta) Result {
	var (
		score   float64
		reasons []string
	)

	domain, senderErr := senderDomain(meta.From)
	vendor := VendorForDomain(domain)
	if vendor != "" {
		score += vendorScore
		reasons = append(reasons, "ats:"+vendor)
	}

	for _, w := range subjectWeights {
		if w.re.MatchString(meta.Subject) {
			score += w.weight
			reasons = append(reasons, fmt.Sprintf("%q%+.2f", w.phrase, w.weight))
		}
	}

	if meta.Size > largeMessageBytes {
		score -= 0.1
		reasons = append(reasons, "large")
	}

	score = clamp(score)

	res := Result{
		Score:  score,
		Vendor: vendor,
		Class:  ClassFromSubject(meta.Subject),
	}

	switch {
	case senderErr != nil:
		res.Decision = model.DecisionUncertain
		reasons = append(reasons, "malformed sender: "+senderErr.Error())
	case score >= RelevantThreshold:
		res.Decision = model.DecisionRelevant
	case score <= IrrelevantThreshold:
		res.Decision = model.DecisionIrrelevant
	default:
		res.Decision = model.DecisionUncertain
	}

	if len(reasons) == 0 {
		reasons = append(reasons, "no signal")
	}
	res.Reason = strings.Join(reasons, ", ")
	return res
}

// ClassFromSubject returns the provisional stage a subject signals.
func ClassFromSubject(subject string) model.Class {
	for _, p := range classPatterns {
		if p.re.MatchString(subject) {
			return p.class
		}
	}
	return model.ClassOther
}

// VendorForDomain maps a sender domain to its ATS, or "".
func VendorForDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return ""
	}
	for vendor, domains := range vendorDomains {
		for _, d := range domains {
			if domain == d || strings.HasSuffix(domain, "."+d) {
				return vendor
			}
		}
	}
	return ""
}

// VendorForSender maps a From header to its ATS, or "".
func VendorForSender(from string) string {
	domain, err := senderDomain(from)
	if err != nil {
		return ""
	}
	return VendorForDomain(domain)
}

func senderDomain(from string) (string, error) {
	if strings.TrimSpace(from) == "" {
		return "", fmt.Errorf("empty sender")
	}
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return "", err
	}
	at := strings.LastIndexByte(addr.Address, '@')
	if at < 0 || at == len(addr.Address)-1 {
		return "", fmt.Errorf("no domain in %q", addr.Address)
	}
	return addr.Address[at+1:], nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
