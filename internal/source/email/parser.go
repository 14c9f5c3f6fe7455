package email

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/applytrack/internal/source"
)

const snippetLen = 200

// Parse converts a raw RFC 5322 message into a ParsedMessage. Missing
// headers become empty values; only an unreadable header block or MIME
// structure yields a *source.ParseError.
func Parse(raw []byte) (*ParsedMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, &source.ParseError{Err: err}
	}
	if mr == nil {
		return nil, &source.ParseError{Err: errors.New("no message reader")}
	}
	defer mr.Close()

	parsed := &ParsedMessage{RawHeaders: headerBlock(raw)}

	h := mr.Header
	parsed.Subject, _ = h.Subject()
	parsed.MessageID, _ = h.MessageID()
	if date, err := h.Date(); err == nil {
		parsed.Date = date
	}

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		parsed.From = from[0].String()
	} else {
		parsed.From = strings.TrimSpace(h.Get("From"))
	}
	if to, err := h.AddressList("To"); err == nil {
		for _, addr := range to {
			parsed.To = append(parsed.To, addr.Address)
		}
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				continue
			}
			// Keep whatever was read before the broken part.
			if parsed.TextBody == "" && parsed.HTMLBody == "" {
				return nil, &source.ParseError{Err: err}
			}
			break
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, ctErr := ph.ContentType()
			if ctErr != nil || contentType == "" {
				contentType = "text/plain"
			}
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain") && parsed.TextBody == "":
				parsed.TextBody = string(body)
			case strings.HasPrefix(contentType, "text/html") && parsed.HTMLBody == "":
				parsed.HTMLBody = string(body)
			}

		case *mail.AttachmentHeader:
			filename, _ := ph.Filename()
			contentType, _, _ := ph.ContentType()
			n, _ := io.Copy(io.Discard, part.Body)
			parsed.Attachments = append(parsed.Attachments, Attachment{
				Filename: filename,
				Size:     n,
				MIMEType: contentType,
			})
		}
	}

	parsed.Snippet = Snippet(parsed.Text(), snippetLen)
	return parsed, nil
}

// headerBlock returns the raw header section, up to the first blank line.
func headerBlock(raw []byte) string {
	for _, sep := range [][]byte{[]byte("\r\n\r\n"), []byte("\n\n")} {
		if i := bytes.Index(raw, sep); i >= 0 {
			return string(raw[:i])
		}
	}
	return string(raw)
}

// HTMLToText renders an HTML body as plain text with block elements on
// their own lines. Script and style content is dropped.
func HTMLToText(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	doc.Find("script, style, head").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, li, tr, h1, h2, h3, h4, table").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	lines := strings.Split(doc.Text(), "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// Snippet collapses whitespace and cuts text to at most n runes.
func Snippet(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	runes := []rune(text)
	return string(runes[:n])
}
