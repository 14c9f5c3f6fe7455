package sync

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nhle/applytrack/internal/classify"
	"github.com/nhle/applytrack/internal/extract"
	"github.com/nhle/applytrack/internal/ingestlog"
	"github.com/nhle/applytrack/internal/model"
	"github.com/nhle/applytrack/internal/source"
	"github.com/nhle/applytrack/internal/store"
	"github.com/nhle/applytrack/tests/testutil"
)

const (
	relevantFrom   = "Acme Careers <no-reply@greenhouse.io>"
	irrelevantFrom = "Deals <news@shop.example>"
)

type fakeMessage struct {
	subject string
	from    string
	raw     []byte
}

// fakeServer is an in-memory mail server with one folder.
type fakeServer struct {
	mu gosync.Mutex

	folder   string
	messages map[uint32]fakeMessage
	uidNext  uint32

	// gone uids are still returned by SEARCH but not by FETCH.
	gone map[uint32]bool

	// failBody uids fail their body fetch with a plain error.
	failBody map[uint32]bool

	connectErr error
	searchErr  error
	onBody     func(uid uint32)

	connects      int
	open          int
	headerFetches []uint32
	bodyFetches   []uint32
	searches      []source.Criteria
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		folder:   "INBOX",
		messages: make(map[uint32]fakeMessage),
		gone:     make(map[uint32]bool),
		failBody: make(map[uint32]bool),
		uidNext:  1,
	}
}

func (f *fakeServer) add(uid uint32, subject, from string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.messages[uid] = fakeMessage{subject: subject, from: from, raw: rawMessage(uid, subject, from)}
	if uid >= f.uidNext {
		f.uidNext = uid + 1
	}
}

func (f *fakeServer) addRaw(uid uint32, subject, from string, raw []byte) {
	f.add(uid, subject, from)
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.messages[uid]
	m.raw = raw
	f.messages[uid] = m
}

func (f *fakeServer) bodies() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.bodyFetches)
}

func (f *fakeServer) openSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func rawMessage(uid uint32, subject, from string) []byte {
	return []byte(fmt.Sprintf("Message-ID: <m%d@example.com>\r\n"+
		"From: %s\r\n"+
		"To: me@example.com\r\n"+
		"Subject: %s\r\n"+
		"Date: Mon, 02 Mar 2026 10:00:00 +0000\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"\r\n"+
		"Thank you for applying to Acme Corp for the Backend Engineer role.\r\n",
		uid, from, subject))
}

func (f *fakeServer) Connect(ctx context.Context) (source.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, &source.NetworkError{Op: "dial", Err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	f.connects++
	f.open++
	return &fakeSession{srv: f}, nil
}

type fakeSession struct {
	srv    *fakeServer
	closed bool
}

func (s *fakeSession) OpenFolder(_ context.Context, name string) (*source.Folder, error) {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	if name != s.srv.folder {
		return nil, &source.NotFoundError{Folder: name, Err: errors.New("no such mailbox")}
	}
	return &source.Folder{
		Name:        name,
		Messages:    uint32(len(s.srv.messages)),
		UIDNext:     s.srv.uidNext,
		UIDValidity: 1,
	}, nil
}

func (s *fakeSession) Search(_ context.Context, c source.Criteria) ([]uint32, error) {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()

	s.srv.searches = append(s.srv.searches, c)
	if s.srv.searchErr != nil {
		return nil, s.srv.searchErr
	}
	var uids []uint32
	for uid := range s.srv.messages {
		if c.MinUID > 0 && uid < c.MinUID {
			continue
		}
		if c.MaxUID > 0 && uid > c.MaxUID {
			continue
		}
		uids = append(uids, uid)
	}
	slices.Sort(uids)
	return uids, nil
}

func (s *fakeSession) FetchHeaders(ctx context.Context, uids []uint32) iter.Seq[source.HeaderResult] {
	return func(yield func(source.HeaderResult) bool) {
		for _, uid := range uids {
			s.srv.mu.Lock()
			s.srv.headerFetches = append(s.srv.headerFetches, uid)
			m, ok := s.srv.messages[uid]
			gone := s.srv.gone[uid]
			s.srv.mu.Unlock()

			res := source.HeaderResult{UID: uid}
			if !ok || gone {
				res.Err = &source.FetchError{UID: uid, Err: source.ErrMessageGone}
			} else {
				res.Envelope = source.Envelope{
					UID:       uid,
					MessageID: fmt.Sprintf("m%d@example.com", uid),
					Subject:   m.subject,
					From:      m.from,
					To:        []string{"me@example.com"},
					Date:      time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
					Size:      int64(len(m.raw)),
				}
			}
			if !yield(res) {
				return
			}
		}
	}
}

func (s *fakeSession) FetchBodies(ctx context.Context, uids []uint32) iter.Seq[source.BodyResult] {
	return func(yield func(source.BodyResult) bool) {
		for _, uid := range uids {
			s.srv.mu.Lock()
			s.srv.bodyFetches = append(s.srv.bodyFetches, uid)
			m, ok := s.srv.messages[uid]
			fail := s.srv.failBody[uid]
			gone := s.srv.gone[uid]
			hook := s.srv.onBody
			s.srv.mu.Unlock()

			if hook != nil {
				hook(uid)
			}

			res := source.BodyResult{UID: uid}
			switch {
			case !ok || gone:
				res.Err = &source.FetchError{UID: uid, Err: source.ErrMessageGone}
			case fail:
				res.Err = &source.FetchError{UID: uid, Err: errors.New("i/o timeout")}
			default:
				res.Raw = m.raw
			}
			if !yield(res) {
				return
			}
		}
	}
}

func (s *fakeSession) ListFolders(context.Context) ([]source.Folder, error) {
	return []source.Folder{{Name: s.srv.folder}}, nil
}

func (s *fakeSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.srv.mu.Lock()
	s.srv.open--
	s.srv.mu.Unlock()
	return nil
}

// failingExtractor fails for subjects listed in fail and succeeds
// otherwise.
type failingExtractor struct {
	fail map[string]bool
}

func (f failingExtractor) Model() string { return "fake-1" }

func (f failingExtractor) Extract(_ context.Context, in extract.Input) (*extract.Result, error) {
	usage := extract.Usage{Model: "fake-1", PromptTokens: 50, CompletionTokens: 10, CostUSD: 0.0001}
	if f.fail[in.Subject] {
		return &extract.Result{Usage: usage}, &source.ExtractionError{EmailID: in.EmailID, Err: errors.New("model refused")}
	}
	return &extract.Result{
		Facts: model.Facts{Company: "Acme", Role: "Engineer", Class: model.ClassApplied},
		Usage: usage,
	}, nil
}

type harness struct {
	srv      *fakeServer
	store    *store.SQLiteStore
	journal  *ingestlog.Journal
	pipeline *Pipeline
}

type harnessOption func(*Deps, *Config)

func withExtractor(ex extract.Extractor) harnessOption {
	return func(d *Deps, _ *Config) {
		d.Extractor = extract.NewService(d.Store, ex, d.Journal, d.Metrics, nil, extract.ServiceConfig{Workers: 2})
	}
}

func withClassifierVersion(v string) harnessOption {
	return func(d *Deps, _ *Config) {
		d.Classifier = classify.New(d.Store, classify.Options{ModelVersion: v, PromoteUncertain: true})
	}
}

func newHarness(t *testing.T, cfg Config, opts ...harnessOption) *harness {
	t.Helper()

	st := testutil.NewTestStore(t)
	srv := newFakeServer()
	journal := ingestlog.New(st, nil, nil)

	d := Deps{Mailbox: srv, Store: st, Journal: journal}
	for _, opt := range opts {
		opt(&d, &cfg)
	}

	return &harness{
		srv:      srv,
		store:    st,
		journal:  journal,
		pipeline: NewPipeline(d, cfg),
	}
}

// entries returns "phase/status" for every log entry, in id order.
func (h *harness) entries(t *testing.T) []string {
	t.Helper()
	logs, err := h.journal.Tail(context.Background(), 0, 1000)
	require.NoError(t, err)
	out := make([]string, len(logs))
	for i, e := range logs {
		out[i] = string(e.Phase) + "/" + e.Status
	}
	return out
}

func (h *harness) emails(t *testing.T) []model.EmailRecord {
	t.Helper()
	recs, err := h.store.ListEmails(context.Background(), store.EmailFilter{Ascending: true})
	require.NoError(t, err)
	return recs
}

func uidsOf(recs []model.EmailRecord) []uint32 {
	out := make([]uint32, len(recs))
	for i, r := range recs {
		out[i] = r.UID
	}
	return out
}
