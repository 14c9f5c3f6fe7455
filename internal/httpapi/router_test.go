package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/applytrack/internal/eventbus"
	"github.com/nhle/applytrack/internal/ingestlog"
	"github.com/nhle/applytrack/internal/metrics"
	"github.com/nhle/applytrack/internal/model"
	"github.com/nhle/applytrack/internal/source"
	"github.com/nhle/applytrack/internal/store"
	appsync "github.com/nhle/applytrack/internal/sync"
	"github.com/nhle/applytrack/tests/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type envelope[T any] struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data T      `json:"data"`
}

type fakePoller struct {
	mailboxes map[string]bool
	triggered []string
	statuses  []appsync.PollStatus
}

func (p *fakePoller) Trigger(mailbox string) bool {
	if !p.mailboxes[mailbox] {
		return false
	}
	p.triggered = append(p.triggered, mailbox)
	return true
}

func (p *fakePoller) Statuses() []appsync.PollStatus { return p.statuses }

// fakeBackfill drives the store directly in place of a mailbox sweep.
type fakeBackfill struct {
	st       *store.SQLiteStore
	uidNext  uint32
	startErr error
}

func (b *fakeBackfill) Start(ctx context.Context, mailbox string) (*model.SyncState, error) {
	if b.startErr != nil {
		return nil, b.startErr
	}
	return b.st.InitBackfill(ctx, mailbox, b.uidNext)
}

func (b *fakeBackfill) Pause(ctx context.Context, mailbox string) error {
	return b.st.SetBackfillActive(ctx, mailbox, false)
}

type fakeMailbox struct {
	folders []source.Folder
	err     error
}

func (m *fakeMailbox) Connect(context.Context) (source.Session, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &fakeSession{folders: m.folders}, nil
}

// fakeSession implements only what the folder listing calls.
type fakeSession struct {
	source.Session
	folders []source.Folder
}

func (s *fakeSession) ListFolders(context.Context) ([]source.Folder, error) { return s.folders, nil }
func (s *fakeSession) Close() error                                       { return nil }

type testServer struct {
	store   *store.SQLiteStore
	journal *ingestlog.Journal
	poller  *fakePoller
	metrics *metrics.Metrics
	router  *gin.Engine
}

func newTestServer(t *testing.T, mutate ...func(*Deps)) *testServer {
	t.Helper()
	st := testutil.NewTestStore(t)
	ts := &testServer{
		store:   st,
		journal: ingestlog.New(st, eventbus.New(), nil),
		poller:  &fakePoller{mailboxes: map[string]bool{"INBOX": true}},
		metrics: metrics.NewNop(),
	}
	d := Deps{
		Store:          st,
		Journal:        ts.journal,
		Poller:         ts.poller,
		Backfill:       &fakeBackfill{st: st, uidNext: 101},
		Mailbox:        &fakeMailbox{folders: []source.Folder{{Name: "INBOX"}, {Name: "Archive"}}},
		Metrics:        ts.metrics,
		AllowedOrigins: []string{"*"},
	}
	for _, fn := range mutate {
		fn(&d)
	}
	ts.router = NewRouter(d)
	return ts
}

func (ts *testServer) do(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var env envelope[T]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Data
}

func (ts *testServer) seedEmails(t *testing.T, subjects ...string) []*model.EmailRecord {
	t.Helper()
	return testutil.SeedEmails(t, ts.store, testutil.Seed{
		FirstUID: 10,
		Sender:   "no-reply@greenhouse.io",
		Vendor:   "greenhouse",
		Forward:  true,
	}, subjects...)
}

func TestTailLogs_Since(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	var ids []int64
	for _, status := range []string{"start", "found", "end"} {
		e, err := ts.journal.Log(ctx, model.PhaseRun, status, ingestlog.Fields{RunID: "r1"})
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	rec := ts.do(t, http.MethodGet, "/api/logs?since="+strconv.FormatInt(ids[0], 10)+"&limit=10")
	require.Equal(t, http.StatusOK, rec.Code)

	page := decode[LogPage](t, rec)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, "found", page.Entries[0].Status)
	assert.Equal(t, ids[2], page.LastID)

	rec = ts.do(t, http.MethodGet, "/api/logs?since="+strconv.FormatInt(ids[2], 10))
	page = decode[LogPage](t, rec)
	assert.Empty(t, page.Entries)
	assert.Equal(t, ids[2], page.LastID)
}

func TestTailLogs_RejectsBadSince(t *testing.T) {
	ts := newTestServer(t)

	for _, q := range []string{"since=abc", "since=-1", "limit=x"} {
		rec := ts.do(t, http.MethodGet, "/api/logs?"+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestStats_FallsBackToUsageLogWhenColumnsStale(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	recs := ts.seedEmails(t, "Thanks for applying to Acme")

	for _, cost := range []float64{0.0005, 0.0005, 0.001} {
		_, err := ts.store.AppendUsage(ctx, model.UsageEntry{
			EmailID:      recs[0].ID,
			Model:        "gpt-4o-mini",
			PromptTokens: 100,
			CostUSD:      cost,
		})
		require.NoError(t, err)
	}

	rec := ts.do(t, http.MethodGet, "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	view := decode[StatsView](t, rec)
	require.NotNil(t, view.Stats)
	assert.Equal(t, int64(1), view.Total)
	assert.Equal(t, int64(1), view.ByParseStatus["pending"])
	assert.Equal(t, int64(1), view.ByVendor["greenhouse"])

	assert.Zero(t, view.Cost.EmailColumnsUSD)
	assert.InDelta(t, 0.002, view.Cost.UsageLogUSD, 1e-9)
	assert.InDelta(t, 0.002, view.Cost.ReportedUSD, 1e-9)
	assert.Equal(t, int64(3), view.Cost.UsageRows)
	assert.False(t, view.Cost.Reconciled)

	require.Len(t, view.Mailboxes, 1)
	assert.Equal(t, "INBOX", view.Mailboxes[0].Mailbox)
	assert.Equal(t, uint32(10), view.Mailboxes[0].LastUID)

	// After reconciliation both sums agree.
	_, err := ts.store.RecomputeEmailCosts(ctx)
	require.NoError(t, err)
	view = decode[StatsView](t, ts.do(t, http.MethodGet, "/api/stats"))
	assert.InDelta(t, 0.002, view.Cost.EmailColumnsUSD, 1e-9)
	assert.True(t, view.Cost.Reconciled)
}

func TestListEmails_Filters(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	recs := ts.seedEmails(t, "Thanks for applying", "Interview invitation")

	payload := `{"company":"Acme"}`
	require.NoError(t, ts.store.CompleteExtraction(ctx, store.ExtractionOutcome{
		EmailID: recs[1].ID,
		Status:  model.ParseStatusParsed,
		Payload: &payload,
		Class:   model.ClassInterview,
		Vendor:  "greenhouse",
		Usage:   model.UsageEntry{EmailID: recs[1].ID, Model: "rules-v1"},
	}))

	type page struct {
		Emails []model.EmailRecord `json:"emails"`
		Count  int                 `json:"count"`
	}

	got := decode[page](t, ts.do(t, http.MethodGet, "/api/emails"))
	assert.Equal(t, 2, got.Count)

	got = decode[page](t, ts.do(t, http.MethodGet, "/api/emails?status=parsed"))
	require.Equal(t, 1, got.Count)
	assert.Equal(t, "Interview invitation", got.Emails[0].Subject)

	got = decode[page](t, ts.do(t, http.MethodGet, "/api/emails?class=interview&vendor=greenhouse"))
	assert.Equal(t, 1, got.Count)

	got = decode[page](t, ts.do(t, http.MethodGet, "/api/emails?vendor=lever"))
	assert.Equal(t, 0, got.Count)
	assert.NotNil(t, got.Emails)

	rec := ts.do(t, http.MethodGet, "/api/emails?status=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPull(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/pull")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"INBOX"}, ts.poller.triggered)

	rec = ts.do(t, http.MethodPost, "/api/pull?mailbox=Archive")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	noPoller := newTestServer(t, func(d *Deps) { d.Poller = nil })
	rec = noPoller.do(t, http.MethodPost, "/api/pull")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBackfill_StartAndPause(t *testing.T) {
	ts := newTestServer(t)

	view := decode[BackfillView](t, ts.do(t, http.MethodGet, "/api/backfill"))
	assert.False(t, view.Initialized)
	assert.Zero(t, view.Progress)

	rec := ts.do(t, http.MethodPost, "/api/backfill/pause")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/backfill/start")
	require.Equal(t, http.StatusOK, rec.Code)
	view = decode[BackfillView](t, rec)
	assert.True(t, view.Initialized)
	assert.True(t, view.BackfillActive)
	assert.Equal(t, uint32(101), view.HighestUIDSeen)
	assert.LessOrEqual(t, view.LowestUIDProcessed, view.HighestUIDSeen)
	assert.False(t, view.Done)

	rec = ts.do(t, http.MethodPost, "/api/backfill/pause")
	require.Equal(t, http.StatusOK, rec.Code)
	view = decode[BackfillView](t, rec)
	assert.False(t, view.BackfillActive)
}

func TestBackfill_StartMailboxErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"auth", &source.AuthError{Username: "me", Err: errors.New("bad password")}, http.StatusBadGateway},
		{"network", &source.NetworkError{Op: "dial", Err: errors.New("refused")}, http.StatusGatewayTimeout},
		{"folder", &source.NotFoundError{Folder: "Jobs", Err: errors.New("no such mailbox")}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, func(d *Deps) {
				d.Backfill = &fakeBackfill{startErr: tc.err}
			})
			rec := ts.do(t, http.MethodPost, "/api/backfill/start?mailbox=Jobs")
			assert.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestListFolders(t *testing.T) {
	ts := newTestServer(t)

	type page struct {
		Folders []source.Folder `json:"folders"`
	}
	got := decode[page](t, ts.do(t, http.MethodGet, "/api/folders"))
	require.Len(t, got.Folders, 2)
	assert.Equal(t, "Archive", got.Folders[1].Name)

	authFail := newTestServer(t, func(d *Deps) {
		d.Mailbox = &fakeMailbox{err: &source.AuthError{Username: "me", Err: errors.New("denied")}}
	})
	rec := authFail.do(t, http.MethodGet, "/api/folders")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "authentication failed")
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health/live").Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health/ready").Code)

	ts.poller.statuses = []appsync.PollStatus{{Mailbox: "INBOX", AuthFailed: true}}
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(t, http.MethodGet, "/health/ready").Code)
}

func TestMetrics_CountsRequests(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodGet, "/api/logs")

	rec := ts.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `applytrack_http_requests_total{code="200",route="/api/logs"} 1`)
}

func TestStreamLogs_CatchUpThenLive(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	first, err := ts.journal.Log(ctx, model.PhaseRun, "start", ingestlog.Fields{RunID: "r1"})
	require.NoError(t, err)
	_, err = ts.journal.Log(ctx, model.PhaseIMAP, "connect", ingestlog.Fields{RunID: "r1"})
	require.NoError(t, err)

	srv := httptest.NewServer(ts.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/logs/stream?since=" + strconv.FormatInt(first.ID, 10)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	type frame struct {
		Type    string         `json:"type"`
		Payload model.LogEntry `json:"payload"`
	}
	read := func() frame {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		return f
	}

	f := read()
	assert.Equal(t, eventbus.TypeLog, f.Type)
	assert.Equal(t, "connect", f.Payload.Status)

	// The subscription exists once the catch-up frame arrived.
	live, err := ts.journal.Log(ctx, model.PhaseRun, "end", ingestlog.Fields{RunID: "r1"})
	require.NoError(t, err)

	f = read()
	assert.Equal(t, live.ID, f.Payload.ID)
	assert.Equal(t, "end", f.Payload.Status)
}
