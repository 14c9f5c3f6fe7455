// Package httpapi serves the read-only dashboard API: the ingestion log
// (polled or pushed over a websocket), aggregate stats, backfill control
// and a manual pull trigger.
package httpapi

import (
	"context"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nhle/applytrack/internal/ingestlog"
	"github.com/nhle/applytrack/internal/metrics"
	"github.com/nhle/applytrack/internal/model"
	"github.com/nhle/applytrack/internal/source"
	"github.com/nhle/applytrack/internal/store"
	appsync "github.com/nhle/applytrack/internal/sync"
)

// Store is the persistence the API reads from.
type Store interface {
	TailLog(ctx context.Context, sinceID int64, limit int) ([]model.LogEntry, error)
	ListEmails(ctx context.Context, f store.EmailFilter) ([]model.EmailRecord, error)
	Stats(ctx context.Context) (*model.Stats, error)
	GetSyncState(ctx context.Context, mailbox string) (*model.SyncState, error)
	ListSyncStates(ctx context.Context) ([]model.SyncState, error)
	Ping(ctx context.Context) error
}

// Backfiller starts and pauses the backward sweep.
type Backfiller interface {
	Start(ctx context.Context, mailbox string) (*model.SyncState, error)
	Pause(ctx context.Context, mailbox string) error
}

// Poller triggers forward runs and reports their outcome.
type Poller interface {
	Trigger(mailbox string) bool
	Statuses() []appsync.PollStatus
}

// Deps are the collaborators the router serves. Poller, Backfill and
// Mailbox may be nil; the endpoints needing them then answer 503.
type Deps struct {
	Store    Store
	Journal  *ingestlog.Journal
	Poller   Poller
	Backfill Backfiller
	Mailbox  source.Mailbox
	Metrics  *metrics.Metrics
	Logger   *zap.Logger

	// DefaultMailbox is used when a request names none.
	DefaultMailbox string

	AllowedOrigins []string
}

type handler struct {
	d      Deps
	logger *zap.Logger
}

// NewRouter builds the gin engine with every route mounted.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.DefaultMailbox == "" {
		d.DefaultMailbox = "INBOX"
	}
	logger := d.Logger.Named("http")

	router := gin.New()
	router.Use(recovery(logger))
	router.Use(requestLogger(logger, d.Metrics))

	corsConfig := gincors.Config{
		AllowOrigins: d.AllowedOrigins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{
			"Content-Length",
		},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"*"}
	}
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	h := &handler{d: d, logger: logger}

	health := newHealth(d)
	router.GET("/health/live", gin.WrapF(health.LiveEndpoint))
	router.GET("/health/ready", gin.WrapF(health.ReadyEndpoint))
	if d.Metrics != nil {
		router.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	api := router.Group("/api")
	{
		api.GET("/logs", h.tailLogs)
		api.GET("/logs/stream", h.streamLogs)
		api.GET("/stats", h.stats)
		api.GET("/emails", h.listEmails)
		api.GET("/folders", h.listFolders)
		api.POST("/pull", h.pull)

		bf := api.Group("/backfill")
		bf.GET("", h.backfillState)
		bf.POST("/start", h.startBackfill)
		bf.POST("/pause", h.pauseBackfill)
	}

	return router
}

func (h *handler) mailbox(c *gin.Context) string {
	if mb := c.Query("mailbox"); mb != "" {
		return mb
	}
	return h.d.DefaultMailbox
}
