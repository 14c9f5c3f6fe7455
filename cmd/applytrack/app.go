package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nhle/applytrack/internal/classify"
	"github.com/nhle/applytrack/internal/credential"
	"github.com/nhle/applytrack/internal/eventbus"
	"github.com/nhle/applytrack/internal/extract"
	"github.com/nhle/applytrack/internal/ingestlog"
	"github.com/nhle/applytrack/internal/logger"
	"github.com/nhle/applytrack/internal/metrics"
	"github.com/nhle/applytrack/internal/model"
	"github.com/nhle/applytrack/internal/source/email"
	"github.com/nhle/applytrack/internal/store"
	appsync "github.com/nhle/applytrack/internal/sync"
)

// app holds the wired collaborators shared by every subcommand.
type app struct {
	cfg      *model.AppConfig
	log      *zap.Logger
	store    *store.SQLiteStore
	bus      *eventbus.Bus
	journal  *ingestlog.Journal
	metrics  *metrics.Metrics
	extract  *extract.Service
	mailbox  *email.IMAPClient
	pipeline *appsync.Pipeline
	backfill *appsync.Backfill
}

// loadConfig reads configuration and fills missing secrets from the
// keyring. needMail validates the settings that talk to the server.
func loadConfig(path string, needMail bool) (*model.AppConfig, error) {
	cfg, err := model.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := credential.Fill(cfg, nil); err != nil {
		return nil, fmt.Errorf("reading keyring: %w", err)
	}
	if needMail {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func newApp(cfg *model.AppConfig) (*app, error) {
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", cfg.Store.Path, err)
	}

	m := metrics.New(prometheus.NewRegistry())
	bus := eventbus.New(eventbus.WithDropHook(m.EventDrops.Inc))
	journal := ingestlog.New(st, bus, log)

	classifier := classify.New(st, classify.Options{
		PromoteUncertain: cfg.Pipeline.PromoteUncertain,
		Workers:          cfg.Pipeline.ClassifyWorkers,
		Metrics:          m,
	})

	extractor := extract.NewService(st, newExtractor(cfg.Extractor), journal, m, log,
		extract.ServiceConfig{
			Workers: cfg.Pipeline.ExtractWorkers,
			RPS:     cfg.Pipeline.ExtractRPS,
		})

	mailbox := email.NewIMAPClient(cfg.IMAP)
	pipeline := appsync.NewPipeline(appsync.Deps{
		Mailbox:    mailbox,
		Store:      st,
		Classifier: classifier,
		Extractor:  extractor,
		Journal:    journal,
		Metrics:    m,
		Logger:     log,
	}, appsync.Config{
		BatchLimit:       cfg.Pipeline.BatchLimit,
		SearchSinceDays:  cfg.Pipeline.SearchSinceDays,
		Keywords:         cfg.Pipeline.Keywords,
		BackfillBatch:    cfg.Backfill.BatchSize,
		MaxFetchAttempts: cfg.Pipeline.MaxFetchAttempts,
	})

	log.Debug("applytrack wired",
		zap.String("store", cfg.Store.Path),
		zap.String("mailbox", cfg.IMAP.Mailbox),
		zap.String("extractor", extractor.Model()),
		zap.String("classifier", classifier.ModelVersion()),
	)

	return &app{
		cfg:      cfg,
		log:      log,
		store:    st,
		bus:      bus,
		journal:  journal,
		metrics:  m,
		extract:  extractor,
		mailbox:  mailbox,
		pipeline: pipeline,
		backfill: appsync.NewBackfill(pipeline, cfg.Backfill.Interval),
	}, nil
}

func newExtractor(cfg model.ExtractorConfig) extract.Extractor {
	if cfg.Provider == "openai" {
		return extract.NewOpenAIExtractor(extract.OpenAIConfig{
			Endpoint: cfg.Endpoint,
			APIKey:   cfg.APIKey,
			Model:    cfg.Model,
			Timeout:  cfg.Timeout,
		})
	}
	return extract.NewRulesExtractor()
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing store", zap.Error(err))
	}
	_ = a.log.Sync()
}
