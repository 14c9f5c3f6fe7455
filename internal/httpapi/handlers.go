package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nhle/applytrack/internal/model"
	"github.com/nhle/applytrack/internal/source"
	"github.com/nhle/applytrack/internal/store"
	appsync "github.com/nhle/applytrack/internal/sync"
)

const (
	defaultLogLimit   = 200
	maxLogLimit       = 1000
	defaultEmailLimit = 50
	maxEmailLimit     = 500
	folderTimeout     = 30 * time.Second
)

// BackfillView is a sync state with its derived sweep figures.
type BackfillView struct {
	model.SyncState
	Initialized bool    `json:"initialized"`
	Done        bool    `json:"done"`
	Progress    float64 `json:"progress"`
}

func newBackfillView(st model.SyncState) BackfillView {
	return BackfillView{
		SyncState:   st,
		Initialized: st.BackfillInitialized(),
		Done:        st.BackfillDone(),
		Progress:    st.BackfillProgress(),
	}
}

// LogPage is one poll of the ingestion log. Clients pass LastID back as
// since on the next poll.
type LogPage struct {
	Entries []model.LogEntry `json:"entries"`
	LastID  int64            `json:"last_id"`
}

// StatsView is the dashboard summary.
type StatsView struct {
	*model.Stats
	Mailboxes []BackfillView       `json:"mailboxes"`
	Runs      []appsync.PollStatus `json:"runs,omitempty"`
}

func queryInt(c *gin.Context, key string, def int64) (int64, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		badRequest(c, "invalid "+key+": must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func clampLimit(n, def, ceiling int64) int {
	if n <= 0 {
		return int(def)
	}
	if n > ceiling {
		return int(ceiling)
	}
	return int(n)
}

func (h *handler) tailLogs(c *gin.Context) {
	since, ok := queryInt(c, "since", 0)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", defaultLogLimit)
	if !ok {
		return
	}

	entries, err := h.d.Store.TailLog(c.Request.Context(), since, clampLimit(limit, defaultLogLimit, maxLogLimit))
	if err != nil {
		h.logger.Error("tailing log", zap.Error(err))
		internalError(c, "failed to read ingestion log")
		return
	}

	page := LogPage{Entries: entries, LastID: since}
	if n := len(entries); n > 0 {
		page.LastID = entries[n-1].ID
	}
	success(c, page)
}

func (h *handler) stats(c *gin.Context) {
	ctx := c.Request.Context()

	st, err := h.d.Store.Stats(ctx)
	if err != nil {
		h.logger.Error("computing stats", zap.Error(err))
		internalError(c, "failed to compute stats")
		return
	}

	states, err := h.d.Store.ListSyncStates(ctx)
	if err != nil {
		h.logger.Error("listing sync states", zap.Error(err))
		internalError(c, "failed to read sync state")
		return
	}

	view := StatsView{Stats: st, Mailboxes: make([]BackfillView, 0, len(states))}
	for _, s := range states {
		view.Mailboxes = append(view.Mailboxes, newBackfillView(s))
	}
	if h.d.Poller != nil {
		view.Runs = h.d.Poller.Statuses()
	}
	success(c, view)
}

func (h *handler) listEmails(c *gin.Context) {
	f := store.EmailFilter{}

	if mb := c.Query("mailbox"); mb != "" {
		f.Mailbox = &mb
	}
	if raw := c.Query("status"); raw != "" {
		status := model.ParseStatus(raw)
		switch status {
		case model.ParseStatusPending, model.ParseStatusParsed, model.ParseStatusError:
		default:
			badRequest(c, "invalid status: want pending, parsed or error")
			return
		}
		f.ParseStatus = &status
	}
	if vendor := c.Query("vendor"); vendor != "" {
		f.Vendor = &vendor
	}
	if raw := c.Query("class"); raw != "" {
		class := model.Class(raw)
		f.Class = &class
	}

	limit, ok := queryInt(c, "limit", defaultEmailLimit)
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset", 0)
	if !ok {
		return
	}
	f.Limit = clampLimit(limit, defaultEmailLimit, maxEmailLimit)
	f.Offset = int(offset)

	emails, err := h.d.Store.ListEmails(c.Request.Context(), f)
	if err != nil {
		h.logger.Error("listing emails", zap.Error(err))
		internalError(c, "failed to list emails")
		return
	}
	if emails == nil {
		emails = []model.EmailRecord{}
	}
	success(c, gin.H{"emails": emails, "count": len(emails)})
}

func (h *handler) listFolders(c *gin.Context) {
	if h.d.Mailbox == nil {
		unavailable(c, "mailbox is not configured")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), folderTimeout)
	defer cancel()

	sess, err := h.d.Mailbox.Connect(ctx)
	if err != nil {
		h.upstreamError(c, "connecting to mailbox", err)
		return
	}
	defer sess.Close()

	folders, err := sess.ListFolders(ctx)
	if err != nil {
		h.upstreamError(c, "listing folders", err)
		return
	}
	success(c, gin.H{"folders": folders})
}

func (h *handler) pull(c *gin.Context) {
	if h.d.Poller == nil {
		unavailable(c, "poller is not running")
		return
	}
	mailbox := h.mailbox(c)
	if !h.d.Poller.Trigger(mailbox) {
		notFound(c, "mailbox is not polled: "+mailbox)
		return
	}
	accepted(c, gin.H{"mailbox": mailbox, "queued": true})
}

func (h *handler) backfillState(c *gin.Context) {
	mailbox := h.mailbox(c)
	st, err := h.d.Store.GetSyncState(c.Request.Context(), mailbox)
	if err != nil {
		h.logger.Error("reading sync state", zap.String("mailbox", mailbox), zap.Error(err))
		internalError(c, "failed to read sync state")
		return
	}
	success(c, newBackfillView(*st))
}

func (h *handler) startBackfill(c *gin.Context) {
	if h.d.Backfill == nil {
		unavailable(c, "backfill is not configured")
		return
	}
	mailbox := h.mailbox(c)
	st, err := h.d.Backfill.Start(c.Request.Context(), mailbox)
	if err != nil {
		h.upstreamError(c, "starting backfill", err)
		return
	}
	success(c, newBackfillView(*st))
}

func (h *handler) pauseBackfill(c *gin.Context) {
	if h.d.Backfill == nil {
		unavailable(c, "backfill is not configured")
		return
	}
	mailbox := h.mailbox(c)
	if err := h.d.Backfill.Pause(c.Request.Context(), mailbox); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			notFound(c, "backfill was never started for "+mailbox)
			return
		}
		h.logger.Error("pausing backfill", zap.String("mailbox", mailbox), zap.Error(err))
		internalError(c, "failed to pause backfill")
		return
	}

	st, err := h.d.Store.GetSyncState(c.Request.Context(), mailbox)
	if err != nil {
		internalError(c, "failed to read sync state")
		return
	}
	success(c, newBackfillView(*st))
}

// upstreamError maps mailbox-side failures to gateway statuses.
func (h *handler) upstreamError(c *gin.Context, op string, err error) {
	h.logger.Warn(op, zap.Error(err))
	_ = c.Error(err)
	switch {
	case source.IsAuthError(err):
		fail(c, http.StatusBadGateway, op+": mailbox authentication failed")
	case source.IsNotFound(err):
		notFound(c, op+": "+err.Error())
	case source.IsNetworkError(err), errors.Is(err, context.DeadlineExceeded):
		fail(c, http.StatusGatewayTimeout, op+": mailbox unreachable")
	default:
		internalError(c, op+" failed")
	}
}
