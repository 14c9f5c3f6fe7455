package email

import "time"

// ParsedMessage holds the normalized content of one RFC 5322 message.
type ParsedMessage struct {
	MessageID   string
	Subject     string
	From        string
	To          []string
	Date        time.Time // zero when the Date header is absent or invalid
	TextBody    string
	HTMLBody    string
	Snippet     string
	RawHeaders  string
	Attachments []Attachment
}

// Attachment holds metadata about a message attachment.
type Attachment struct {
	Filename string
	Size     int64
	MIMEType string
}

// Text returns the plain body, falling back to the HTML body as text.
func (m *ParsedMessage) Text() string {
	if m.TextBody != "" {
		return m.TextBody
	}
	return HTMLToText(m.HTMLBody)
}
