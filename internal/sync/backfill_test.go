package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/applytrack/internal/model"
)

// seedSweep adds uids 1..7; odd uids are job mail, even ones are not.
func seedSweep(h *harness) {
	for uid := uint32(1); uid <= 7; uid++ {
		if uid%2 == 1 {
			h.srv.add(uid, "Your application to Acme", relevantFrom)
			continue
		}
		h.srv.add(uid, "Weekly newsletter", irrelevantFrom)
	}
}

func requireWatermarkInvariant(t *testing.T, h *harness) *model.SyncState {
	t.Helper()
	state, err := h.pipeline.Tracker().GetState(context.Background(), "INBOX")
	require.NoError(t, err)
	require.LessOrEqual(t, state.LowestUIDProcessed, state.HighestUIDSeen)
	return state
}

func TestBackfill_SweepsNewestToOldest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{BackfillBatch: 3})
	seedSweep(h)
	bf := NewBackfill(h.pipeline, time.Millisecond)

	state, err := bf.Start(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(8), state.HighestUIDSeen)
	assert.Equal(t, uint32(8), state.LowestUIDProcessed)
	assert.True(t, state.BackfillActive)
	assert.Zero(t, state.BackfillProgress())

	wantLow := []uint32{5, 2, 1}
	for i, want := range wantLow {
		report, err := bf.Step(ctx, "INBOX")
		require.NoError(t, err)
		assert.Equal(t, want, report.LowUID, "step %d", i+1)

		state := requireWatermarkInvariant(t, h)
		assert.Equal(t, want, state.LowestUIDProcessed)
	}

	state = requireWatermarkInvariant(t, h)
	assert.True(t, state.BackfillDone())
	assert.False(t, state.BackfillActive)
	assert.InDelta(t, 100, state.BackfillProgress(), 1e-9)

	assert.Equal(t, []uint32{7, 5, 3, 1}, filterOdd(h.srv.bodies()))
	assert.Equal(t, []uint32{1, 3, 5, 7}, uidsOf(h.emails(t)))
	assert.Equal(t, 1, count(h.entries(t), "backfill/complete"))

	for _, r := range h.emails(t) {
		assert.Equal(t, model.ParseStatusParsed, r.ParseStatus)
	}

	// A finished sweep is never restarted.
	state, err = bf.Start(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), state.LowestUIDProcessed)
	assert.False(t, state.BackfillActive)
}

func TestBackfill_StepBeforeStart(t *testing.T) {
	h := newHarness(t, Config{})
	seedSweep(h)

	_, err := NewBackfill(h.pipeline, 0).Step(context.Background(), "INBOX")
	assert.ErrorIs(t, err, ErrBackfillNotStarted)
	assert.Equal(t, "backfill/error", h.entries(t)[len(h.entries(t))-2])
}

func TestBackfill_DrainAfterForwardDoesNotReextract(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{BackfillBatch: 2})
	seedSweep(h)

	report, err := h.pipeline.Run(ctx, "INBOX")
	require.NoError(t, err)
	require.Equal(t, 4, report.Parsed)

	bf := NewBackfill(h.pipeline, time.Millisecond)
	_, err = bf.Start(ctx, "INBOX")
	require.NoError(t, err)

	last, err := bf.Drain(ctx, "INBOX")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Done)

	for _, r := range h.emails(t) {
		usage, err := h.store.UsageForEmail(ctx, r.ID)
		require.NoError(t, err)
		assert.Len(t, usage, 1, "uid %d extracted once", r.UID)
	}
	assert.Len(t, h.emails(t), 4)
}

func TestBackfill_PauseStopsDrain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{BackfillBatch: 2})
	seedSweep(h)
	bf := NewBackfill(h.pipeline, time.Millisecond)

	_, err := bf.Start(ctx, "INBOX")
	require.NoError(t, err)
	require.NoError(t, bf.Pause(ctx, "INBOX"))

	last, err := bf.Drain(ctx, "INBOX")
	require.NoError(t, err)
	assert.Nil(t, last)
	assert.Empty(t, h.emails(t))

	state, err := bf.Start(ctx, "INBOX")
	require.NoError(t, err)
	assert.True(t, state.BackfillActive)
	assert.Equal(t, uint32(8), state.LowestUIDProcessed)
}

func TestBackfill_StaleCachedDecisionIsRecomputed(t *testing.T) {
	ctx := context.Background()

	for _, tc := range []struct {
		name       string
		version    string
		wantStored bool
	}{
		{name: "same version reuses cache", version: "v1", wantStored: false},
		{name: "new version recomputes", version: "v2", wantStored: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Config{}, withClassifierVersion(tc.version))
			h.srv.add(5, "Your application to Acme", relevantFrom)

			require.NoError(t, h.store.PutHeaderDecision(ctx, model.HeaderDecision{
				Mailbox:      "INBOX",
				UID:          5,
				Decision:     model.DecisionIrrelevant,
				Reason:       "cached",
				ModelVersion: "v1",
				UpdatedAt:    time.Now(),
			}))

			bf := NewBackfill(h.pipeline, 0)
			_, err := bf.Start(ctx, "INBOX")
			require.NoError(t, err)
			_, err = bf.Step(ctx, "INBOX")
			require.NoError(t, err)

			assert.Equal(t, tc.wantStored, len(h.emails(t)) == 1)

			d, err := h.store.GetHeaderDecision(ctx, "INBOX", 5)
			require.NoError(t, err)
			assert.Equal(t, tc.version, d.ModelVersion)
		})
	}
}

func TestBackfill_LoopRunsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, Config{BackfillBatch: 2})
	seedSweep(h)
	bf := NewBackfill(h.pipeline, 5*time.Millisecond)
	_, err := bf.Start(ctx, "INBOX")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- bf.Loop(ctx, "INBOX") }()

	require.Eventually(t, func() bool {
		state, err := h.pipeline.Tracker().GetState(context.Background(), "INBOX")
		return err == nil && state.BackfillDone()
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}

	assert.Zero(t, h.srv.openSessions())
	assert.Len(t, h.emails(t), 4)
}

func TestBackfill_EmptyMailbox(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	bf := NewBackfill(h.pipeline, 0)

	state, err := bf.Start(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), state.HighestUIDSeen)

	report, err := bf.Step(ctx, "INBOX")
	require.NoError(t, err)
	assert.True(t, report.Done)
}

func filterOdd(uids []uint32) []uint32 {
	var out []uint32
	for _, u := range uids {
		if u%2 == 1 {
			out = append(out, u)
		}
	}
	return out
}
