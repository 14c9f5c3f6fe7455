package model

import (
	"encoding/json"
	"time"
)

// ParseStatus is the extraction state of an ingested email.
type ParseStatus string

const (
	ParseStatusPending ParseStatus = "pending"
	ParseStatusParsed  ParseStatus = "parsed"
	ParseStatusError   ParseStatus = "error"
)

// Class is the application stage an email signals.
type Class string

const (
	ClassApplied   Class = "applied"
	ClassInterview Class = "interview"
	ClassOffer     Class = "offer"
	ClassRejection Class = "rejection"
	ClassOther     Class = "other"
)

// EmailRecord is the durable representation of a job-related message.
type EmailRecord struct {
	// ID is the store-assigned row identifier.
	ID int64 `db:"id" json:"id"`

	// Mailbox is the folder the message was fetched from (e.g. "INBOX").
	Mailbox string `db:"mailbox" json:"mailbox"`

	// UID is the IMAP UID within Mailbox. (Mailbox, UID) is unique.
	UID uint32 `db:"uid" json:"uid"`

	// MessageID is the Message-ID header, unique when present.
	MessageID *string `db:"message_id" json:"message_id,omitempty"`

	Subject    string    `db:"subject" json:"subject"`
	Sender     string    `db:"sender" json:"sender"`
	Recipients string    `db:"recipients" json:"recipients"`
	ReceivedAt time.Time `db:"received_at" json:"received_at"`

	// Vendor is the applicant tracking system inferred from the sender.
	Vendor string `db:"vendor" json:"vendor"`

	// Class is the provisional, then extracted, application stage.
	Class Class `db:"class" json:"class"`

	RawHeaders string `db:"raw_headers" json:"-"`
	TextBody   string `db:"text_body" json:"-"`
	HTMLBody   string `db:"html_body" json:"-"`
	Snippet    string `db:"snippet" json:"snippet"`

	// ParsedPayload holds the extracted facts as JSON, nil until parsed.
	ParsedPayload *string     `db:"parsed_payload" json:"parsed_payload,omitempty"`
	ParseStatus   ParseStatus `db:"parse_status" json:"parse_status"`
	ParsedAt      *time.Time  `db:"parsed_at" json:"parsed_at,omitempty"`

	// Cost columns are a denormalized copy of openai_call_log sums.
	PromptTokens     int64   `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int64   `db:"completion_tokens" json:"completion_tokens"`
	TotalTokens      int64   `db:"total_tokens" json:"total_tokens"`
	CostUSD          float64 `db:"cost_usd" json:"cost_usd"`

	ApplicationID *int64    `db:"application_id" json:"application_id,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// Facts are the typed values pulled out of a relevant message body.
type Facts struct {
	Company     string     `json:"company,omitempty"`
	Role        string     `json:"role,omitempty"`
	Class       Class      `json:"class,omitempty"`
	Vendor      string     `json:"vendor,omitempty"`
	InterviewAt *time.Time `json:"interview_at,omitempty"`
	OfferAmount float64    `json:"offer_amount,omitempty"`
	Currency    string     `json:"currency,omitempty"`
}

// JSON renders facts for the parsed_payload column.
func (f Facts) JSON() (string, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Application is the minimal application row the pipeline links emails to.
type Application struct {
	ID        int64     `db:"id" json:"id"`
	Company   string    `db:"company" json:"company"`
	Role      string    `db:"role" json:"role"`
	Status    Class     `db:"status" json:"status"`
	FirstSeen time.Time `db:"first_seen" json:"first_seen"`
	LastSeen  time.Time `db:"last_seen" json:"last_seen"`
}
