// Command applytrack ingests job-application mail from an IMAP mailbox,
// classifies it and extracts application facts into a local SQLite store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/applytrack/internal/credential"
	"github.com/nhle/applytrack/internal/httpapi"
	"github.com/nhle/applytrack/internal/model"
	appsync "github.com/nhle/applytrack/internal/sync"
)

var version = "dev"

const usage = `usage: applytrack [-config path] <command> [flags]

commands:
  run        one forward pass over new mail
  backfill   start (or resume) the backward sweep and step until done
  serve      HTTP API, background poller and backfill loop
  status     sync state, counts and cost
  extract    extract facts from stored records left pending (or in error)
  folders    list mailbox folders
  reconcile  rewrite per-email cost columns from the usage log
  purge      delete all ingested data (requires -yes)
  secret     set or delete a keyring secret
  version    print the version
`

func main() {
	os.Exit(realMain(os.Args[1:], os.Stdout, os.Stderr))
}

func realMain(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("applytrack", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := global.String("config", model.DefaultConfigPath(), "path to the YAML config file")
	if err := global.Parse(args); err != nil {
		return 2
	}
	if global.NArg() == 0 {
		global.Usage()
		return 2
	}

	cmd, rest := global.Arg(0), global.Args()[1:]

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "run":
		err = cmdRun(ctx, *configPath, rest, stdout)
	case "backfill":
		err = cmdBackfill(ctx, *configPath, rest, stdout)
	case "serve":
		err = cmdServe(ctx, *configPath, rest)
	case "status":
		err = cmdStatus(ctx, *configPath, stdout)
	case "extract":
		err = cmdExtract(ctx, *configPath, rest, stdout)
	case "folders":
		err = cmdFolders(ctx, *configPath, stdout)
	case "reconcile":
		err = cmdReconcile(ctx, *configPath, stdout)
	case "purge":
		err = cmdPurge(ctx, *configPath, rest, stdout)
	case "secret":
		err = cmdSecret(rest, stdout)
	case "version":
		fmt.Fprintf(stdout, "applytrack %s\n", version)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		global.Usage()
		return 2
	}

	if err != nil {
		fmt.Fprintf(stderr, "applytrack %s: %v\n", cmd, err)
		return 1
	}
	return 0
}

func openApp(path string, needMail bool) (*app, error) {
	cfg, err := loadConfig(path, needMail)
	if err != nil {
		return nil, err
	}
	return newApp(cfg)
}

func cmdRun(ctx context.Context, configPath string, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	mailbox := fs.String("mailbox", "", "folder to sync (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := openApp(configPath, true)
	if err != nil {
		return err
	}
	defer a.close()

	mb := pick(*mailbox, a.cfg.IMAP.Mailbox)
	report, err := a.pipeline.Run(ctx, mb)
	printReport(stdout, report)
	return err
}

func cmdBackfill(ctx context.Context, configPath string, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("backfill", flag.ContinueOnError)
	mailbox := fs.String("mailbox", "", "folder to sweep (default from config)")
	pause := fs.Bool("pause", false, "pause the sweep instead of running it")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := openApp(configPath, true)
	if err != nil {
		return err
	}
	defer a.close()

	mb := pick(*mailbox, a.cfg.IMAP.Mailbox)
	if *pause {
		if err := a.backfill.Pause(ctx, mb); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "backfill paused for %s\n", mb)
		return nil
	}

	state, err := a.backfill.Start(ctx, mb)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "backfill %s: highest=%d lowest=%d progress=%.1f%%\n",
		mb, state.HighestUIDSeen, state.LowestUIDProcessed, state.BackfillProgress())

	report, err := a.backfill.Drain(ctx, mb)
	printReport(stdout, report)
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(stdout, "interrupted; progress saved")
		return nil
	}
	return err
}

func cmdServe(ctx context.Context, configPath string, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", "", "listen address (default from config)")
	noBackfill := fs.Bool("no-backfill", false, "do not run the backfill loop")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := openApp(configPath, true)
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.Log.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	mb := a.cfg.IMAP.Mailbox
	poller := appsync.NewPoller(a.pipeline, a.cfg.Pipeline.PollInterval, a.log, mb)

	router := httpapi.NewRouter(httpapi.Deps{
		Store:          a.store,
		Journal:        a.journal,
		Poller:         poller,
		Backfill:       a.backfill,
		Mailbox:        a.mailbox,
		Metrics:        a.metrics,
		Logger:         a.log,
		DefaultMailbox: mb,
		AllowedOrigins: a.cfg.HTTP.AllowedOrigins,
	})

	httpServer := &http.Server{
		Addr:              pick(*addr, a.cfg.HTTP.Addr),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		a.log.Info("starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	group.Go(func() error {
		a.log.Info("starting poller",
			zap.String("mailbox", mb),
			zap.Duration("interval", a.cfg.Pipeline.PollInterval))
		poller.Start(groupCtx)
		<-groupCtx.Done()
		poller.Stop()
		return nil
	})

	if !*noBackfill {
		group.Go(func() error {
			err := a.backfill.Loop(groupCtx, mb)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	err = group.Wait()
	a.log.Info("applytrack stopped")
	return err
}

func cmdFolders(ctx context.Context, configPath string, stdout io.Writer) error {
	a, err := openApp(configPath, true)
	if err != nil {
		return err
	}
	defer a.close()

	sess, err := a.mailbox.Connect(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	folders, err := sess.ListFolders(ctx)
	if err != nil {
		return err
	}
	for _, f := range folders {
		fmt.Fprintln(stdout, f.Name)
	}
	return nil
}

func cmdExtract(ctx context.Context, configPath string, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("extract", flag.ContinueOnError)
	mailbox := fs.String("mailbox", "", "folder whose records to extract (default from config)")
	retry := fs.Bool("retry-errors", false, "also retry records whose extraction failed")
	limit := fs.Int("limit", 200, "maximum records per status")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return fmt.Errorf("invalid -limit %d", *limit)
	}

	a, err := openApp(configPath, false)
	if err != nil {
		return err
	}
	defer a.close()

	mb := pick(*mailbox, a.cfg.IMAP.Mailbox)
	runID := uuid.NewString()
	statuses := []model.ParseStatus{model.ParseStatusPending}
	if *retry {
		statuses = append(statuses, model.ParseStatusError)
	}
	for _, status := range statuses {
		sum, err := a.extract.RunStatus(ctx, runID, mb, status, *limit)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s: parsed %d, errors %d, persistence errors %d\n",
			status, sum.Parsed, sum.Errors, sum.PersistErrors)
	}
	return nil
}

func cmdReconcile(ctx context.Context, configPath string, stdout io.Writer) error {
	a, err := openApp(configPath, false)
	if err != nil {
		return err
	}
	defer a.close()

	n, err := a.store.RecomputeEmailCosts(ctx)
	if err != nil {
		return err
	}
	totals, err := a.store.CostTotals(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "updated %d emails; email columns $%.6f, usage log $%.6f\n",
		n, totals.EmailColumnsUSD, totals.UsageLogUSD)
	return nil
}

func cmdPurge(ctx context.Context, configPath string, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	yes := fs.Bool("yes", false, "confirm deletion of all ingested data")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*yes {
		return errors.New("refusing to purge without -yes")
	}

	a, err := openApp(configPath, false)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.store.Purge(ctx); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "purged emails, logs, usage and sync state")
	return nil
}

func cmdSecret(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("secret", flag.ContinueOnError)
	del := fs.Bool("delete", false, "delete the secret instead of setting it")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: secret [-delete] <%s|%s> [value]",
			credential.KeyIMAPPassword, credential.KeyExtractorAPIKey)
	}

	key := fs.Arg(0)
	if !slices.Contains(credential.Keys, key) {
		return fmt.Errorf("%w %q", credential.ErrUnknownKey, key)
	}
	if *del {
		if err := credential.Delete(key); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "deleted %s\n", key)
		return nil
	}
	if fs.NArg() < 2 {
		return errors.New("missing secret value")
	}
	if err := credential.Set(key, fs.Arg(1)); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "stored %s\n", key)
	return nil
}

func printReport(w io.Writer, r *appsync.RunReport) {
	if r == nil {
		return
	}
	fmt.Fprintf(w, "%s %s run %s: searched=%d candidates=%d skipped=%d stored=%d duplicates=%d parsed=%d parse_errors=%d fetch_errors=%d last_uid=%d",
		r.Kind, r.Mailbox, r.RunID, r.Searched, r.Candidates, r.Skipped, r.Stored,
		r.Duplicates, r.Parsed, r.ParseErrors, r.FetchErrors, r.LastUID)
	if r.Kind == appsync.KindBackfill {
		fmt.Fprintf(w, " low_uid=%d done=%t", r.LowUID, r.Done)
	}
	fmt.Fprintf(w, " (%s)\n", r.Duration.Round(time.Millisecond))
}

func pick(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
