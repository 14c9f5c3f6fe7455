package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/applytrack/internal/model"
	"github.com/nhle/applytrack/internal/source"
)

func TestPipeline_RunTakesOldestFirstUpToBatchLimit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{BatchLimit: 2})
	for _, uid := range []uint32{101, 102, 103} {
		h.srv.add(uid, "Thank you for applying", relevantFrom)
	}
	require.NoError(t, h.pipeline.Tracker().AdvanceForward(ctx, "INBOX", 100))

	report, err := h.pipeline.Run(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Searched)
	assert.Equal(t, 2, report.Candidates)
	assert.Equal(t, 2, report.Stored)
	assert.Equal(t, 2, report.Parsed)
	assert.Equal(t, uint32(102), report.LastUID)
	assert.Equal(t, []uint32{101, 102}, h.srv.bodies())

	state, err := h.pipeline.Tracker().GetState(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(102), state.LastUID)
	assert.Equal(t, uint32(101), h.srv.searches[0].MinUID)

	logs := h.entries(t)
	assert.Equal(t, "run/start", logs[0])
	assert.Equal(t, "run/end", logs[len(logs)-1])
	assert.Equal(t, 2, count(logs, "fetch/stored"))
	assert.Equal(t, 2, count(logs, "parse/parsed"))

	report, err = h.pipeline.Run(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stored)
	assert.Equal(t, uint32(103), report.LastUID)
	assert.Equal(t, []uint32{101, 102, 103}, uidsOf(h.emails(t)))
}

func TestPipeline_RerunWithoutNewMailChangesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{BatchLimit: 10})
	h.srv.add(1, "Your application to Acme", relevantFrom)
	h.srv.add(2, "Weekly newsletter", irrelevantFrom)

	_, err := h.pipeline.Run(ctx, "INBOX")
	require.NoError(t, err)
	before, err := h.pipeline.Tracker().GetState(ctx, "INBOX")
	require.NoError(t, err)
	require.Equal(t, uint32(2), before.LastUID)

	report, err := h.pipeline.Run(ctx, "INBOX")
	require.NoError(t, err)
	assert.Zero(t, report.Stored)
	assert.Zero(t, report.Candidates)

	after, err := h.pipeline.Tracker().GetState(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, h.emails(t), 1)
}

func TestPipeline_IrrelevantMailIsNeverDownloaded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.srv.add(1, "Weekly newsletter: 50% off", irrelevantFrom)
	h.srv.add(2, "Interview invitation", relevantFrom)
	h.srv.add(3, "Your order receipt", irrelevantFrom)

	report, err := h.pipeline.Run(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 1, report.Stored)
	assert.Equal(t, uint32(3), report.LastUID)

	assert.Equal(t, []uint32{2}, h.srv.bodies())
	assert.Equal(t, []uint32{2}, uidsOf(h.emails(t)))
	assert.Equal(t, 2, count(h.entries(t), "fetch/skip_non_relevant"))

	d, err := h.store.GetHeaderDecision(ctx, "INBOX", 1)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionIrrelevant, d.Decision)
}

func TestPipeline_FetchFailureHoldsWatermark(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	for _, uid := range []uint32{1, 2, 3} {
		h.srv.add(uid, "Application received", relevantFrom)
	}
	h.srv.failBody[2] = true

	report, err := h.pipeline.Run(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 1, report.FetchErrors)
	assert.Equal(t, 2, report.Stored)
	assert.Equal(t, uint32(1), report.LastUID)
	assert.Equal(t, 1, count(h.entries(t), "fetch/error"))

	delete(h.srv.failBody, 2)
	report, err = h.pipeline.Run(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stored)
	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, uint32(3), report.LastUID)
	assert.Equal(t, []uint32{1, 2, 3}, uidsOf(h.emails(t)))
}

func TestPipeline_ExpungedMessageCountsAsProcessed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	for _, uid := range []uint32{1, 2, 3} {
		h.srv.add(uid, "Application received", relevantFrom)
	}
	h.srv.gone[2] = true

	report, err := h.pipeline.Run(ctx, "INBOX")
	require.NoError(t, err)
	assert.Zero(t, report.FetchErrors)
	assert.Equal(t, uint32(3), report.LastUID)
	assert.Equal(t, 1, count(h.entries(t), "fetch/gone"))
}

func TestPipeline_MalformedMessageIsStoredAsError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.srv.addRaw(1, "Application received", relevantFrom,
		[]byte("Subject: Application received\r\nthis line is not a header\r\n\r\nbody"))

	report, err := h.pipeline.Run(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 1, report.ParseErrors)
	assert.Zero(t, report.Parsed)
	assert.Equal(t, uint32(1), report.LastUID)

	recs := h.emails(t)
	require.Len(t, recs, 1)
	assert.Equal(t, model.ParseStatusError, recs[0].ParseStatus)
	assert.Equal(t, "Application received", recs[0].Subject)

	logs := h.entries(t)
	assert.Equal(t, 1, count(logs, "parse/error"))
	assert.Zero(t, count(logs, "fetch/stored"))
	assert.Equal(t, "run/end", logs[len(logs)-1])
}

func TestPipeline_OneExtractionFailureDoesNotStopTheBatch(t *testing.T) {
	ctx := context.Background()
	subjects := []string{
		"Your application to Acme",
		"Your application to Globex",
		"Your application to Initech",
		"Your application to Hooli",
		"Your application to Umbrella",
	}
	h := newHarness(t, Config{}, withExtractor(failingExtractor{fail: map[string]bool{subjects[2]: true}}))
	for i, s := range subjects {
		h.srv.add(uint32(i+1), s, relevantFrom)
	}

	report, err := h.pipeline.Run(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 5, report.Stored)
	assert.Equal(t, 4, report.Parsed)
	assert.Equal(t, 1, report.ParseErrors)

	for _, r := range h.emails(t) {
		want := model.ParseStatusParsed
		if r.Subject == subjects[2] {
			want = model.ParseStatusError
		}
		assert.Equal(t, want, r.ParseStatus, r.Subject)

		usage, err := h.store.UsageForEmail(ctx, r.ID)
		require.NoError(t, err)
		assert.Len(t, usage, 1)
	}

	logs := h.entries(t)
	assert.Equal(t, 1, count(logs, "parse/error"))
	assert.Equal(t, "run/end", logs[len(logs)-1])
}

func TestPipeline_ConnectFailureEndsTheRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.srv.add(1, "Application received", relevantFrom)
	h.srv.connectErr = &source.AuthError{Username: "me", Err: errors.New("bad credentials")}

	report, err := h.pipeline.Run(ctx, "INBOX")
	require.Error(t, err)
	assert.True(t, source.IsAuthError(err))
	assert.Equal(t, err.Error(), report.Error)

	assert.Equal(t, []string{"run/start", "imap/error", "run/error", "run/end"}, h.entries(t))

	state, err := h.pipeline.Tracker().GetState(ctx, "INBOX")
	require.NoError(t, err)
	assert.Zero(t, state.LastUID)
	assert.Zero(t, h.srv.openSessions())
}

func TestPipeline_MissingFolder(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.pipeline.Run(context.Background(), "Archive")
	assert.True(t, source.IsNotFound(err))
	assert.Zero(t, h.srv.openSessions())
}

func TestPipeline_SearchFailureDegradesToEmptyRun(t *testing.T) {
	h := newHarness(t, Config{})
	h.srv.add(1, "Application received", relevantFrom)
	h.srv.searchErr = &source.SearchError{Err: errors.New("BAD")}

	report, err := h.pipeline.Run(context.Background(), "INBOX")
	require.NoError(t, err)
	assert.Zero(t, report.Candidates)
	assert.Equal(t, 1, count(h.entries(t), "search/error"))
}

func TestPipeline_CancellationBetweenMessagesKeepsFinishedWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, Config{})
	for _, uid := range []uint32{1, 2, 3} {
		h.srv.add(uid, "Application received", relevantFrom)
	}
	h.srv.onBody = func(uid uint32) {
		if uid == 2 {
			cancel()
		}
	}

	report, err := h.pipeline.Run(ctx, "INBOX")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint32(1), report.LastUID)
	assert.Equal(t, []uint32{1}, uidsOf(h.emails(t)))

	logs := h.entries(t)
	assert.Equal(t, "run/end", logs[len(logs)-1])
	assert.Zero(t, h.srv.openSessions())
}

func TestPipeline_PermanentFetchFailureIsEventuallyGivenUp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{BatchLimit: 2, MaxFetchAttempts: 3})
	for _, uid := range []uint32{101, 102, 103, 104} {
		h.srv.add(uid, "Application received", relevantFrom)
	}
	h.srv.failBody[101] = true
	require.NoError(t, h.pipeline.Tracker().AdvanceForward(ctx, "INBOX", 100))

	for attempt := 1; attempt <= 2; attempt++ {
		report, err := h.pipeline.Run(ctx, "INBOX")
		require.NoError(t, err)
		assert.Equal(t, 1, report.FetchErrors)
		assert.Equal(t, uint32(100), report.LastUID, "attempt %d holds the watermark", attempt)
	}

	report, err := h.pipeline.Run(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 1, report.FetchErrors)
	assert.Equal(t, uint32(102), report.LastUID)

	report, err = h.pipeline.Run(ctx, "INBOX")
	require.NoError(t, err)
	assert.Zero(t, report.FetchErrors)
	assert.Equal(t, uint32(104), report.LastUID)

	recs := h.emails(t)
	require.Equal(t, []uint32{101, 102, 103, 104}, uidsOf(recs))
	assert.Equal(t, model.ParseStatusError, recs[0].ParseStatus)
	assert.Equal(t, "Application received", recs[0].Subject)
	assert.Empty(t, recs[0].TextBody)
	for _, r := range recs[1:] {
		assert.Equal(t, model.ParseStatusParsed, r.ParseStatus, "uid %d", r.UID)
	}
	assert.Equal(t, 3, count(h.entries(t), "fetch/error"))
}

func TestPipeline_NextRunExtractsRecordsLeftPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, Config{})
	for _, uid := range []uint32{1, 2, 3} {
		h.srv.add(uid, "Application received", relevantFrom)
	}
	h.srv.onBody = func(uid uint32) {
		if uid == 2 {
			cancel()
		}
	}

	_, err := h.pipeline.Run(ctx, "INBOX")
	require.ErrorIs(t, err, context.Canceled)
	recs := h.emails(t)
	require.Len(t, recs, 1)
	assert.Equal(t, model.ParseStatusPending, recs[0].ParseStatus)

	h.srv.mu.Lock()
	h.srv.onBody = nil
	h.srv.mu.Unlock()

	report, err := h.pipeline.Run(context.Background(), "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Parsed)
	for _, r := range h.emails(t) {
		assert.Equal(t, model.ParseStatusParsed, r.ParseStatus, "uid %d", r.UID)
	}
}

func TestPrefixEnd(t *testing.T) {
	done := map[uint32]bool{1: true, 2: true, 4: true}

	end, all := prefixEnd([]uint32{1, 2, 3, 4}, done)
	assert.Equal(t, uint32(2), end)
	assert.False(t, all)

	end, all = prefixEnd([]uint32{4, 2, 1}, done)
	assert.Equal(t, uint32(1), end)
	assert.True(t, all)

	end, _ = prefixEnd([]uint32{3, 4}, done)
	assert.Zero(t, end)
}

func count(entries []string, want string) int {
	n := 0
	for _, e := range entries {
		if e == want {
			n++
		}
	}
	return n
}
