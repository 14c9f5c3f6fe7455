package source

import (
	"context"
	"iter"
	"time"
)

// Folder describes a mailbox folder as reported by LIST or SELECT.
type Folder struct {
	Name        string   `json:"name"`
	Delimiter   string   `json:"delimiter,omitempty"`
	Attributes  []string `json:"attributes,omitempty"`
	Messages    uint32   `json:"messages"`
	UIDNext     uint32   `json:"uid_next"`
	UIDValidity uint32   `json:"uid_validity"`
}

// Criteria selects messages in the currently open folder. Zero values are
// ignored. Keywords are OR-combined across SUBJECT and BODY.
type Criteria struct {
	Since    time.Time
	Keywords []string

	// MinUID and MaxUID bound the UID range, inclusive.
	MinUID uint32
	MaxUID uint32
}

// Envelope holds the header-only view of a message.
type Envelope struct {
	UID       uint32
	SeqNum    uint32
	MessageID string
	Subject   string

	// From is the display form ("Name <addr>"); FromAddr is the bare address
	// and is empty when the server could not parse the sender.
	From     string
	FromAddr string
	To       []string
	Date     time.Time
	Size     int64
	Flags    []string
}

// HeaderResult is one element of a header fetch. Err is a *FetchError when
// the server failed for this UID only.
type HeaderResult struct {
	UID      uint32
	Envelope Envelope
	Err      error
}

// BodyResult is one element of a full-body fetch.
type BodyResult struct {
	UID      uint32
	Envelope Envelope
	Raw      []byte
	Err      error
}

// Mailbox opens sessions against a mail server.
type Mailbox interface {
	// Connect dials and authenticates. It fails with *AuthError or
	// *NetworkError.
	Connect(ctx context.Context) (Session, error)
}

// Session is a single authenticated mailbox-protocol connection. It is not
// safe for concurrent use; callers needing parallel folder operations open
// another session.
type Session interface {
	// OpenFolder selects a folder; *NotFoundError when it does not exist.
	OpenFolder(ctx context.Context, name string) (*Folder, error)

	// Search returns matching UIDs in ascending order.
	Search(ctx context.Context, criteria Criteria) ([]uint32, error)

	// FetchHeaders lazily yields envelopes for uids. Per-message failures
	// are yielded, never returned as a batch failure.
	FetchHeaders(ctx context.Context, uids []uint32) iter.Seq[HeaderResult]

	// FetchBodies lazily yields raw RFC 5322 sources for uids.
	FetchBodies(ctx context.Context, uids []uint32) iter.Seq[BodyResult]

	ListFolders(ctx context.Context) ([]Folder, error)

	// Close logs out. It is safe to call more than once.
	Close() error
}
