package email

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/applytrack/internal/source"
)

func crlf(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n"))
}

func TestParse_Multipart(t *testing.T) {
	raw := crlf(
		"From: Acme Careers <no-reply@greenhouse.io>",
		"To: me@example.com",
		"Subject: Interview invitation",
		"Message-ID: <abc@greenhouse.io>",
		"Date: Tue, 03 Mar 2026 09:30:00 +0000",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="b1"`,
		"",
		"--b1",
		`Content-Type: multipart/alternative; boundary="b2"`,
		"",
		"--b2",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"We would like to schedule an interview.",
		"--b2",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>We would like to <b>schedule</b> an interview.</p>",
		"--b2--",
		"--b1",
		`Content-Type: application/pdf; name="brief.pdf"`,
		`Content-Disposition: attachment; filename="brief.pdf"`,
		"",
		"%PDF-1.4",
		"--b1--",
		"",
	)

	msg, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "Interview invitation", msg.Subject)
	assert.Equal(t, "abc@greenhouse.io", msg.MessageID)
	assert.Contains(t, msg.From, "no-reply@greenhouse.io")
	assert.Equal(t, []string{"me@example.com"}, msg.To)
	assert.True(t, msg.Date.Equal(time.Date(2026, 3, 3, 9, 30, 0, 0, time.UTC)))
	assert.Contains(t, msg.TextBody, "schedule an interview")
	assert.Contains(t, msg.HTMLBody, "<b>schedule</b>")
	assert.Equal(t, "We would like to schedule an interview.", msg.Snippet)
	assert.Contains(t, msg.RawHeaders, "Subject: Interview invitation")
	assert.NotContains(t, msg.RawHeaders, "multipart/alternative")

	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "brief.pdf", msg.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", msg.Attachments[0].MIMEType)
}

func TestParse_MissingHeadersAreEmpty(t *testing.T) {
	raw := crlf(
		"From: someone@example.com",
		"Content-Type: text/plain",
		"",
		"Thanks for applying.",
	)

	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.True(t, msg.Date.IsZero())
	assert.Empty(t, msg.Subject)
	assert.Empty(t, msg.MessageID)
	assert.Empty(t, msg.To)
	assert.Equal(t, "Thanks for applying.", msg.Text())
}

func TestParse_HTMLOnlyFallsBackToText(t *testing.T) {
	raw := crlf(
		"From: jobs@lever.co",
		"Subject: Application received",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<html><head><style>p{color:red}</style></head><body><p>Hello</p><p>Thanks   for applying</p></body></html>",
	)

	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.Empty(t, msg.TextBody)
	assert.Equal(t, "Hello\nThanks for applying", msg.Text())
	assert.Equal(t, "Hello Thanks for applying", msg.Snippet)
}

func TestParse_MalformedHeaderIsParseError(t *testing.T) {
	raw := []byte("From: a@b.c\r\nthis line has no colon\r\n\r\nbody")

	_, err := Parse(raw)
	require.Error(t, err)
	assert.True(t, source.IsParseError(err))
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "a b c", Snippet("  a\n\tb   c ", 10))
	assert.Equal(t, "héllo", Snippet("héllo wörld", 5))
	assert.Empty(t, Snippet("", 5))
}
