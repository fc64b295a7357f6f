package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"advault/internal/catalog"
	"advault/internal/config"
	"advault/internal/fetcher"
	"advault/internal/logger"
	"advault/internal/metaads"
	"advault/internal/pipeline"
	"advault/internal/publisher"
	"advault/internal/ratelimiter"
)

var (
	flagResume  bool
	flagDryRun  bool
	flagOnlyIDs string

	statSucceeded = expvar.NewInt("advault.items_succeeded")
	statSkipped   = expvar.NewInt("advault.items_skipped")
	statFailed    = expvar.NewInt("advault.items_failed")
	statResumed   = expvar.NewInt("advault.items_resumed")
)

var runCmd = &cobra.Command{
	Use:   "run <input.csv> <output.csv>",
	Short: "Fetch and publish every asset in the input catalog",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(args[0], args[1])
	},
}

func init() {
	runCmd.Flags().BoolVar(&flagResume, "resume", true, "skip items already settled in the checkpoint (--resume=false restarts from scratch)")
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "resolve creatives but download and publish nothing")
	runCmd.Flags().StringVar(&flagOnlyIDs, "only-ids", "", "comma-separated ad IDs to restrict the run to")
}

func runPipeline(inputPath, outputPath string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return exitWith(exitUsage, err)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return exitWith(exitUsage, fmt.Errorf("logger: %w", err))
	}
	defer log.Sync() //nolint:errcheck

	runID := uuid.New().String()
	log = log.With("run_id", runID)

	cat, err := catalog.Open(inputPath)
	if err != nil {
		return exitWith(exitUsage, err)
	}

	if !flagResume && !flagDryRun {
		if err := os.Truncate(cfg.Checkpoint.Path, 0); err != nil && !os.IsNotExist(err) {
			return exitWith(exitUsage, fmt.Errorf("reset checkpoint: %w", err))
		}
	}
	cp, err := pipeline.LoadCheckpoint(cfg.Checkpoint.Path, cfg.Checkpoint.FlushEvery)
	if err != nil {
		return exitWith(exitUsage, err)
	}
	defer cp.Close()

	limiter := ratelimiter.NewTokenBucket(cfg.RateLimit.BucketCapacity, cfg.RateLimit.RefillPerSec)
	client := metaads.NewClient(metaads.Config{
		BaseURL:        cfg.API.BaseURL,
		AccessToken:    cfg.API.AccessToken,
		RequestTimeout: cfg.Timeouts.Request(),
		MaxRetries:     cfg.Retry.MaxRetries,
		InitialDelay:   cfg.Retry.InitialDelay(),
		MaxDelay:       cfg.Retry.MaxDelay(),
	}, limiter, log)

	remote, err := buildRemote(cfg.ObjectStore)
	if err != nil {
		return exitWith(exitUsage, err)
	}
	pub, err := publisher.New(cfg.ObjectStore.LocalRoot, cfg.ObjectStore.PublicBase, remote, log)
	if err != nil {
		return exitWith(exitUsage, err)
	}

	dl := fetcher.NewDownloader(fetcher.DownloaderConfig{
		TempDir:      pub.StagingDir(),
		ChunkBytes:   cfg.Fetch.ChunkBytes,
		MinBodyBytes: cfg.Fetch.MinBodyBytes,
		Timeout:      cfg.Timeouts.Download(),
	}, log)

	var inspector fetcher.PageInspector = fetcher.NoopInspector{}
	if cfg.Scrape.Enabled {
		rod, err := fetcher.NewRodInspector(cfg.Scrape.BrowserURL)
		if err != nil {
			return exitWith(exitUsage, fmt.Errorf("browser: %w", err))
		}
		defer rod.Close()
		inspector = rod
	}
	fetch := fetcher.New(client, dl, inspector, fetcher.NoopAuthHandler{}, log)

	orch := pipeline.NewOrchestrator(cat, client, fetch, pub, cp, log, pipeline.Options{
		OutputPath:     outputPath,
		Workers:        cfg.Pipeline.WorkerCount,
		MaxItemRetries: cfg.Retry.MaxRetries,
		ItemTimeout:    cfg.Timeouts.Item(),
		CommitEvery:    cfg.Checkpoint.FlushEvery,
		DryRun:         flagDryRun,
		OnlyAdIDs:      parseOnlyIDs(flagOnlyIDs),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if d := cfg.Timeouts.Run(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	report, runErr := orch.Run(ctx)
	statSucceeded.Set(int64(report.Succeeded))
	statSkipped.Set(int64(report.Skipped))
	statFailed.Set(int64(report.Failed))
	statResumed.Set(int64(report.Resumed))

	switch {
	case runErr != nil && errors.Is(runErr, metaads.ErrCredential):
		return exitWith(exitCredential, runErr)
	case runErr != nil && errors.Is(runErr, publisher.ErrHashCollision):
		return exitWith(exitDegraded, runErr)
	case runErr != nil && (errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded)):
		return exitWith(exitCancelled, runErr)
	case runErr != nil:
		return exitWith(exitDegraded, runErr)
	case report.Failed > 0:
		return exitWith(exitDegraded, fmt.Errorf("completed with %d permanent failures", report.Failed))
	}
	return nil
}

func buildRemote(cfg config.ObjectStoreConfig) (publisher.RemoteStore, error) {
	switch cfg.Remote {
	case "cloudinary":
		return publisher.NewCloudinaryRemote(cfg.CloudinaryURL)
	default:
		return publisher.StaticRemote{}, nil
	}
}

// parseOnlyIDs turns the comma-separated --only-ids value into a set. A nil
// set means every row is eligible.
func parseOnlyIDs(onlyIDs string) map[string]bool {
	if onlyIDs == "" {
		return nil
	}
	wanted := make(map[string]bool)
	for _, id := range strings.Split(onlyIDs, ",") {
		if id = strings.TrimSpace(id); id != "" {
			wanted[id] = true
		}
	}
	return wanted
}
