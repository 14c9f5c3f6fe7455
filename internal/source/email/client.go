package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"iter"
	"net"
	"slices"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"github.com/nhle/applytrack/internal/model"
	"github.com/nhle/applytrack/internal/source"
)

const defaultTimeout = 30 * time.Second

// IMAPClient dials IMAP servers with go-imap v2. It holds configuration
// only; every Connect returns an independent session.
type IMAPClient struct {
	host       string
	port       string
	username   string
	password   string
	oauthToken string
	tls        bool
	timeout    time.Duration

	// plaintext skips both TLS modes. Only local test servers set it.
	plaintext bool
}

var _ source.Mailbox = (*IMAPClient)(nil)

// NewIMAPClient creates a new IMAP client configuration.
func NewIMAPClient(cfg model.IMAPConfig) *IMAPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	port := cfg.Port
	if port == "" {
		port = "993"
	}
	return &IMAPClient{
		host:       cfg.Host,
		port:       port,
		username:   cfg.Username,
		password:   cfg.Password,
		oauthToken: cfg.OAuthToken,
		tls:        cfg.TLS,
		timeout:    timeout,
	}
}

// Connect establishes a connection to the IMAP server and authenticates.
// The caller must Close the returned session on every path.
func (c *IMAPClient) Connect(ctx context.Context) (source.Session, error) {
	addr := net.JoinHostPort(c.host, c.port)

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, &source.NetworkError{Op: "dial " + addr, Err: err}
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	tlsConfig := &tls.Config{
		ServerName: c.host,
		MinVersion: tls.VersionTLS12,
	}
	opts := &imapclient.Options{TLSConfig: tlsConfig}

	var client *imapclient.Client
	if c.plaintext {
		client = imapclient.New(conn, opts)
	} else if c.tls {
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			conn.Close()
			return nil, &source.NetworkError{Op: "tls handshake " + addr, Err: err}
		}
		client = imapclient.New(tlsConn, opts)
	} else {
		client, err = imapclient.NewStartTLS(conn, opts)
		if err != nil {
			conn.Close()
			return nil, &source.NetworkError{Op: "starttls " + addr, Err: err}
		}
	}

	if err := c.authenticate(client); err != nil {
		_ = client.Logout().Wait()
		_ = client.Close()
		if isTimeout(err) {
			return nil, &source.NetworkError{Op: "login " + addr, Err: err}
		}
		return nil, &source.AuthError{Username: c.username, Err: err}
	}

	_ = conn.SetDeadline(time.Time{})

	return &Session{client: client, conn: conn, timeout: c.timeout}, nil
}

func (c *IMAPClient) authenticate(client *imapclient.Client) error {
	if c.oauthToken != "" {
		return client.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: c.username,
			Token:    c.oauthToken,
		}))
	}
	return client.Login(c.username, c.password).Wait()
}

// Session is one authenticated connection with at most one selected folder.
type Session struct {
	client  *imapclient.Client
	conn    net.Conn
	timeout time.Duration
	closed  bool
}

var _ source.Session = (*Session)(nil)

// arm bounds the next round trip by the op timeout or the context
// deadline, whichever is sooner.
func (s *Session) arm(ctx context.Context) {
	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetDeadline(deadline)
}

func (s *Session) disarm() {
	_ = s.conn.SetDeadline(time.Time{})
}

// OpenFolder selects name read-only.
func (s *Session) OpenFolder(ctx context.Context, name string) (*source.Folder, error) {
	s.arm(ctx)
	defer s.disarm()

	data, err := s.client.Select(name, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			return nil, &source.NotFoundError{Folder: name, Err: err}
		}
		return nil, &source.NetworkError{Op: "select " + name, Err: err}
	}

	return &source.Folder{
		Name:        name,
		Messages:    data.NumMessages,
		UIDNext:     uint32(data.UIDNext),
		UIDValidity: data.UIDValidity,
	}, nil
}

// Search runs UID SEARCH in the selected folder.
func (s *Session) Search(ctx context.Context, criteria source.Criteria) ([]uint32, error) {
	s.arm(ctx)
	defer s.disarm()

	data, err := s.client.UIDSearch(BuildCriteria(criteria), nil).Wait()
	if err != nil {
		return nil, &source.SearchError{Err: err}
	}

	uids := make([]uint32, 0, len(data.AllUIDs()))
	for _, uid := range data.AllUIDs() {
		u := uint32(uid)
		// "N:*" matches the last message even when N is above it.
		if criteria.MinUID > 0 && u < criteria.MinUID {
			continue
		}
		if criteria.MaxUID > 0 && u > criteria.MaxUID {
			continue
		}
		uids = append(uids, u)
	}
	slices.Sort(uids)
	return slices.Compact(uids), nil
}

// FetchHeaders yields envelope, flags and size for each uid without
// downloading bodies.
func (s *Session) FetchHeaders(ctx context.Context, uids []uint32) iter.Seq[source.HeaderResult] {
	opts := &imap.FetchOptions{
		UID:        true,
		Envelope:   true,
		Flags:      true,
		RFC822Size: true,
	}
	return func(yield func(source.HeaderResult) bool) {
		s.fetch(ctx, uids, opts, func(uid uint32, buf *imapclient.FetchMessageBuffer, err error) bool {
			if err != nil {
				return yield(source.HeaderResult{UID: uid, Err: err})
			}
			return yield(source.HeaderResult{UID: uid, Envelope: envelopeFromBuffer(buf)})
		})
	}
}

// FetchBodies yields the full raw source of each uid. The \Seen flag is
// left untouched.
func (s *Session) FetchBodies(ctx context.Context, uids []uint32) iter.Seq[source.BodyResult] {
	section := &imap.FetchItemBodySection{Peek: true}
	opts := &imap.FetchOptions{
		UID:         true,
		Envelope:    true,
		Flags:       true,
		RFC822Size:  true,
		BodySection: []*imap.FetchItemBodySection{section},
	}
	return func(yield func(source.BodyResult) bool) {
		s.fetch(ctx, uids, opts, func(uid uint32, buf *imapclient.FetchMessageBuffer, err error) bool {
			if err != nil {
				return yield(source.BodyResult{UID: uid, Err: err})
			}
			raw := buf.FindBodySection(section)
			if raw == nil {
				return yield(source.BodyResult{
					UID: uid,
					Err: &source.FetchError{UID: uid, Err: errors.New("empty body section")},
				})
			}
			return yield(source.BodyResult{
				UID:      uid,
				Envelope: envelopeFromBuffer(buf),
				Raw:      raw,
			})
		})
	}
}

// fetch runs one UID FETCH and hands every message, or its failure, to fn.
// UIDs the server never returned are reported with source.ErrMessageGone
// only when the command completed cleanly; after any failure they carry
// that failure so callers retry them instead of skipping them.
func (s *Session) fetch(
	ctx context.Context,
	uids []uint32,
	opts *imap.FetchOptions,
	fn func(uid uint32, buf *imapclient.FetchMessageBuffer, err error) bool,
) {
	if len(uids) == 0 {
		return
	}
	defer s.disarm()

	set := make([]imap.UID, len(uids))
	for i, uid := range uids {
		set[i] = imap.UID(uid)
	}

	s.arm(ctx)
	cmd := s.client.Fetch(imap.UIDSetNum(set...), opts)

	seen := make(map[uint32]bool, len(uids))
	var failure error
	stopped := false
	for ctx.Err() == nil {
		s.arm(ctx)
		msg := cmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			if failure == nil {
				failure = err
			}
			if buf == nil || buf.UID == 0 {
				continue
			}
			uid := uint32(buf.UID)
			seen[uid] = true
			if !fn(uid, nil, &source.FetchError{UID: uid, Err: err}) {
				stopped = true
				break
			}
			continue
		}
		uid := uint32(buf.UID)
		seen[uid] = true
		if !fn(uid, buf, nil) {
			stopped = true
			break
		}
	}

	if err := cmd.Close(); err != nil && failure == nil {
		failure = err
	}
	if stopped || ctx.Err() != nil {
		return
	}

	for _, fe := range unreturned(uids, seen, failure) {
		if !fn(fe.UID, nil, fe) {
			return
		}
	}
}

// unreturned builds the errors for uids the server did not hand back.
func unreturned(uids []uint32, seen map[uint32]bool, failure error) []*source.FetchError {
	var out []*source.FetchError
	for _, uid := range uids {
		if seen[uid] {
			continue
		}
		err := source.ErrMessageGone
		if failure != nil {
			err = failure
		}
		out = append(out, &source.FetchError{UID: uid, Err: err})
	}
	return out
}

// ListFolders lists every folder visible to the account.
func (s *Session) ListFolders(ctx context.Context) ([]source.Folder, error) {
	s.arm(ctx)
	defer s.disarm()

	list, err := s.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}

	folders := make([]source.Folder, 0, len(list))
	for _, data := range list {
		f := source.Folder{Name: data.Mailbox}
		if data.Delim != 0 {
			f.Delimiter = string(data.Delim)
		}
		for _, attr := range data.Attrs {
			f.Attributes = append(f.Attributes, string(attr))
		}
		folders = append(folders, f)
	}
	return folders, nil
}

// Close logs out and releases the connection.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	_ = s.conn.SetDeadline(time.Now().Add(s.timeout))
	logoutErr := s.client.Logout().Wait()
	closeErr := s.client.Close()
	if logoutErr != nil {
		return fmt.Errorf("logging out: %w", logoutErr)
	}
	return closeErr
}

// envelopeFromBuffer extracts an Envelope from a FetchMessageBuffer.
func envelopeFromBuffer(buf *imapclient.FetchMessageBuffer) source.Envelope {
	env := source.Envelope{
		UID:    uint32(buf.UID),
		SeqNum: buf.SeqNum,
		Size:   buf.RFC822Size,
	}

	if buf.Envelope != nil {
		env.MessageID = buf.Envelope.MessageID
		env.Subject = buf.Envelope.Subject
		env.Date = buf.Envelope.Date

		if len(buf.Envelope.From) > 0 {
			from := buf.Envelope.From[0]
			if from.Mailbox != "" && from.Host != "" {
				env.FromAddr = from.Addr()
			}
			switch {
			case from.Name != "" && env.FromAddr != "":
				env.From = fmt.Sprintf("%s <%s>", from.Name, env.FromAddr)
			case from.Name != "":
				env.From = from.Name
			default:
				env.From = env.FromAddr
			}
		}

		for _, to := range buf.Envelope.To {
			env.To = append(env.To, to.Addr())
		}
	}

	for _, flag := range buf.Flags {
		env.Flags = append(env.Flags, string(flag))
	}

	return env
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
