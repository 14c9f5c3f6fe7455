package email

import (
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/nhle/applytrack/internal/source"
)

// MaxSearchTerms caps the keyword list so the OR chain sent to the server
// stays small. Each term expands to a SUBJECT and a BODY key.
const MaxSearchTerms = 8

// NormalizeKeywords trims, lowercases and de-duplicates terms, keeping the
// first MaxSearchTerms in their original order.
func NormalizeKeywords(keywords []string) []string {
	seen := make(map[string]bool, len(keywords))
	var out []string
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		out = append(out, kw)
		if len(out) == MaxSearchTerms {
			break
		}
	}
	return out
}

// BuildCriteria converts Criteria into an IMAP search key:
// [UID min:max] [SINCE date] [OR SUBJECT k1 OR BODY k1 OR ...].
func BuildCriteria(c source.Criteria) *imap.SearchCriteria {
	sc := &imap.SearchCriteria{}

	if !c.Since.IsZero() {
		sc.Since = c.Since
	}

	if c.MinUID > 0 || c.MaxUID > 0 {
		start := c.MinUID
		if start == 0 {
			start = 1
		}
		// A zero stop renders as "*".
		var set imap.UIDSet
		set.AddRange(imap.UID(start), imap.UID(c.MaxUID))
		sc.UID = []imap.UIDSet{set}
	}

	terms := NormalizeKeywords(c.Keywords)
	alternatives := make([]imap.SearchCriteria, 0, len(terms)*2)
	for _, term := range terms {
		alternatives = append(alternatives,
			imap.SearchCriteria{
				Header: []imap.SearchCriteriaHeaderField{{Key: "Subject", Value: term}},
			},
			imap.SearchCriteria{Body: []string{term}},
		)
	}

	if chain := orChain(alternatives); chain != nil {
		sc.Header = append(sc.Header, chain.Header...)
		sc.Body = append(sc.Body, chain.Body...)
		sc.Or = append(sc.Or, chain.Or...)
	}

	return sc
}

// orChain folds alternatives into right-nested ORs:
// OR a (OR b (OR c d)).
func orChain(alts []imap.SearchCriteria) *imap.SearchCriteria {
	switch len(alts) {
	case 0:
		return nil
	case 1:
		c := alts[0]
		return &c
	}
	rest := orChain(alts[1:])
	return &imap.SearchCriteria{
		Or: [][2]imap.SearchCriteria{{alts[0], *rest}},
	}
}
