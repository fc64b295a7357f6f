package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"advault/internal/catalog"
	"advault/internal/fetcher"
	"advault/internal/metaads"
	"advault/internal/publisher"
)

// Options tune one pipeline run.
type Options struct {
	OutputPath string

	Workers        int
	MaxItemRetries int           // transient re-attempts per item before it fails permanently
	ItemTimeout    time.Duration // wall-clock budget for one item, all strategies included
	CommitEvery    int           // remote sync cadence, in completed items
	DrainGrace     time.Duration // how long to wait for in-flight items after cancellation
	DryRun         bool

	// OnlyAdIDs, when non-nil, restricts processing to these ad ids. Rows
	// outside the set still appear in the output catalog, unenriched, so
	// filtered runs keep the input's row count and order.
	OnlyAdIDs map[string]bool
}

func (o *Options) withDefaults() {
	if o.Workers < 1 {
		o.Workers = 4
	}
	if o.MaxItemRetries < 0 {
		o.MaxItemRetries = 0
	}
	if o.ItemTimeout <= 0 {
		o.ItemTimeout = 5 * time.Minute
	}
	if o.CommitEvery < 1 {
		o.CommitEvery = 25
	}
	if o.DrainGrace <= 0 {
		o.DrainGrace = 15 * time.Second
	}
}

// Report summarizes a finished (or interrupted) run.
type Report struct {
	Total     int
	Resumed   int
	Succeeded int
	Skipped   int
	Failed    int
	Elapsed   time.Duration
}

// Orchestrator drives the whole pipeline: read the catalog, skip everything
// the checkpoint already settled, fan the rest out to a worker pool, and
// write the enriched catalog when the dust settles.
type Orchestrator struct {
	cat    *catalog.Catalog
	client *metaads.Client
	fetch  *fetcher.Fetcher
	pub    *publisher.Publisher
	cp     *Checkpoint
	logger *zap.SugaredLogger
	opts   Options
}

func NewOrchestrator(cat *catalog.Catalog, client *metaads.Client, fetch *fetcher.Fetcher, pub *publisher.Publisher, cp *Checkpoint, logger *zap.SugaredLogger, opts Options) *Orchestrator {
	opts.withDefaults()
	return &Orchestrator{
		cat:    cat,
		client: client,
		fetch:  fetch,
		pub:    pub,
		cp:     cp,
		logger: logger,
		opts:   opts,
	}
}

type workItem struct {
	rec      catalog.Record
	attempts int
}

type workResult struct {
	item  workItem
	asset publisher.PublishedAsset
	kind  metaads.MediaKind
	err   error
}

// Run processes every unsettled catalog row and writes the enriched output.
// A non-nil error means the run was cut short: credential rejection, a hash
// collision, or cancellation. Partial progress is always flushed first, so
// the next run resumes where this one stopped.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	records := o.cat.Deduped()

	report := &Report{}
	enrichments := make(map[catalog.Key]catalog.Enrichment, len(records))

	var queue []workItem
	for _, rec := range records {
		if o.opts.OnlyAdIDs != nil && !o.opts.OnlyAdIDs[rec.AdID] {
			continue
		}
		report.Total++
		entry, done := o.cp.Get(rec.Key())
		if !done {
			queue = append(queue, workItem{rec: rec})
			continue
		}
		report.Resumed++
		o.countStatus(report, entry.Status)
		enrichments[rec.Key()] = o.resumedEnrichment(entry)
	}
	o.logger.Infow("run planned",
		"total", report.Total, "resumed", report.Resumed, "pending", len(queue),
		"workers", o.opts.Workers, "dry_run", o.opts.DryRun)

	if o.opts.DryRun {
		err := o.dryRun(ctx, queue)
		report.Elapsed = time.Since(start)
		return report, err
	}

	fatalErr := o.dispatch(ctx, queue, report, enrichments)

	// Flush whatever completed, even on a fatal error, so the next run
	// does not redo finished work.
	if err := o.cp.Flush(); err != nil && fatalErr == nil {
		fatalErr = err
	}
	commitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := o.pub.Commit(commitCtx); err != nil {
		o.logger.Errorw("final remote commit failed", "error", err)
		if fatalErr == nil {
			fatalErr = err
		}
	}
	if err := o.cat.WriteEnriched(o.opts.OutputPath, enrichments); err != nil {
		o.logger.Errorw("write output catalog failed", "error", err)
		if fatalErr == nil {
			fatalErr = err
		}
	}

	report.Elapsed = time.Since(start)
	o.logger.Infow("run finished",
		"succeeded", report.Succeeded, "skipped", report.Skipped, "failed", report.Failed,
		"resumed", report.Resumed, "elapsed", report.Elapsed.Round(time.Millisecond))
	return report, fatalErr
}

// dispatch runs the worker pool and the select loop that feeds it. It
// returns the first fatal error, or the context error if the run was
// cancelled while work remained.
func (o *Orchestrator) dispatch(ctx context.Context, queue []workItem, report *Report, enrichments map[catalog.Key]catalog.Enrichment) error {
	if len(queue) == 0 {
		return nil
	}

	// Workers get their own lifetime: cancelling the run stops dispatch but
	// lets in-flight items finish within the drain grace, so they either
	// reach a terminal state or stay non-terminal for the next run.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	jobs := make(chan workItem)
	// Buffered so abandoned workers can deposit a last result and exit.
	results := make(chan workResult, o.opts.Workers)

	var wg sync.WaitGroup
	for i := 0; i < o.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.worker(workerCtx, jobs, results)
		}()
	}

	var (
		inflight  int
		stopping  bool
		fatalErr  error
		completed int
		done      = ctx.Done()
		drain     <-chan time.Time
	)

	for len(queue) > 0 || inflight > 0 {
		var jobCh chan workItem
		var next workItem
		if len(queue) > 0 && !stopping {
			jobCh = jobs
			next = queue[0]
		}

		select {
		case jobCh <- next:
			queue = queue[1:]
			inflight++

		case res := <-results:
			inflight--

			if res.err != nil && fetcher.IsTransient(res.err) {
				if stopping {
					// Interrupted mid-flight: leave the item non-terminal so
					// the next run picks it up.
					o.logger.Debugw("item interrupted, left for next run", "ad_id", res.item.rec.AdID)
					continue
				}
				if requeueable(res.err) && res.item.attempts < o.opts.MaxItemRetries {
					res.item.attempts++
					queue = append(queue, res.item)
					o.logger.Warnw("item retry queued",
						"ad_id", res.item.rec.AdID, "attempt", res.item.attempts, "error", res.err)
					continue
				}
			}

			if err := o.finalize(res, report, enrichments); err != nil {
				fatalErr = err
				stopping = true
				queue = nil
				cancelWorkers()
				if drain == nil {
					drain = time.After(o.opts.DrainGrace)
				}
				continue
			}

			completed++
			if completed%o.opts.CommitEvery == 0 {
				if err := o.pub.Commit(ctx); err != nil {
					o.logger.Errorw("periodic remote commit failed", "error", err)
				}
			}

		case <-done:
			done = nil
			stopping = true
			queue = nil
			drain = time.After(o.opts.DrainGrace)
			o.logger.Warnw("cancellation received, draining in-flight items", "inflight", inflight)

		case <-drain:
			o.logger.Warnw("drain grace expired, abandoning in-flight items", "inflight", inflight)
			cancelWorkers()
			inflight = 0
		}
	}

	close(jobs)
	cancelWorkers()
	wg.Wait()

	if fatalErr != nil {
		return fatalErr
	}
	if stopping {
		return ctx.Err()
	}
	return nil
}

func (o *Orchestrator) worker(ctx context.Context, jobs <-chan workItem, results chan<- workResult) {
	for item := range jobs {
		// Retried items wait a beat so the platform gets room to recover.
		if item.attempts > 0 {
			select {
			case <-time.After(time.Duration(item.attempts) * 2 * time.Second):
			case <-ctx.Done():
			}
		}

		itemCtx, cancel := context.WithTimeout(ctx, o.opts.ItemTimeout)
		res := workResult{item: item}

		desc, err := o.fetch.Fetch(itemCtx, item.rec)
		if err != nil {
			res.err = err
		} else {
			asset, pubErr := o.pub.Publish(itemCtx, desc)
			if pubErr != nil {
				res.err = pubErr
			} else {
				res.asset = asset
				res.kind = desc.MediaKind
			}
		}
		cancel()
		results <- res
	}
}

// finalize turns one worker result into a checkpoint entry and an output
// row. Credential rejections and hash collisions come back as errors and
// abort the run.
func (o *Orchestrator) finalize(res workResult, report *Report, enrichments map[catalog.Key]catalog.Enrichment) error {
	key := res.item.rec.Key()

	if res.err != nil {
		if errors.Is(res.err, metaads.ErrCredential) {
			return res.err
		}
		if errors.Is(res.err, publisher.ErrHashCollision) {
			return res.err
		}

		status := StatusPermanentFailure
		if errors.Is(res.err, fetcher.ErrAuthRequired) {
			status = StatusSkipped
		}
		reason := failureReason(res.err)
		entry := CheckpointEntry{Key: key, Status: status, Reason: reason}

		o.countStatus(report, status)
		enrichments[key] = catalog.Enrichment{Status: string(status), FailureReason: reason}
		o.logger.Warnw("item settled without asset",
			"ad_id", key.AdID, "account_id", key.AccountID, "status", status, "reason", reason)
		return o.cp.Record(entry)
	}

	entry := CheckpointEntry{Key: key, Status: StatusSuccess, ContentHash: res.asset.ContentHash}
	report.Succeeded++
	enrichments[key] = catalog.Enrichment{
		ContentHash: res.asset.ContentHash,
		MediaKind:   string(res.kind),
		PublicURL:   res.asset.PublicURL,
		ObjectPath:  res.asset.ObjectPath,
		Status:      string(StatusSuccess),
	}
	return o.cp.Record(entry)
}

// resumedEnrichment rebuilds the output row for an item settled in an
// earlier run. Successes are recovered from the object store by content
// hash, so no network traffic is needed.
func (o *Orchestrator) resumedEnrichment(entry CheckpointEntry) catalog.Enrichment {
	e := catalog.Enrichment{
		Status:        string(entry.Status),
		FailureReason: entry.Reason,
	}
	if entry.Status != StatusSuccess || entry.ContentHash == "" {
		return e
	}
	e.ContentHash = entry.ContentHash
	if asset, kind, ok := o.pub.Lookup(entry.ContentHash); ok {
		e.MediaKind = string(kind)
		e.PublicURL = asset.PublicURL
		e.ObjectPath = asset.ObjectPath
	} else {
		o.logger.Warnw("checkpointed asset missing from object store", "hash", entry.ContentHash)
	}
	return e
}

// dryRun resolves each pending item's creative through the API, reporting
// what a real run would fetch. Nothing is downloaded, published, or
// checkpointed.
func (o *Orchestrator) dryRun(ctx context.Context, queue []workItem) error {
	for _, item := range queue {
		if err := ctx.Err(); err != nil {
			return err
		}
		creative, err := o.client.GetCreative(ctx, item.rec.AdID)
		if err != nil {
			if errors.Is(err, metaads.ErrCredential) {
				return err
			}
			o.logger.Warnw("dry run: creative unresolved", "ad_id", item.rec.AdID, "error", err)
			continue
		}
		o.logger.Infow("dry run: would fetch",
			"ad_id", item.rec.AdID,
			"creative_id", creative.ID,
			"has_video", creative.VideoID != "",
			"has_image_hash", creative.ImageHash != "",
			"has_image_url", creative.ImageURL != "",
			"has_thumbnail", creative.ThumbnailURL != "",
			"has_preview_hint", item.rec.SourceURLHint != "")
	}
	return nil
}

func (o *Orchestrator) countStatus(report *Report, status TerminalStatus) {
	switch status {
	case StatusSuccess:
		report.Succeeded++
	case StatusSkipped:
		report.Skipped++
	default:
		report.Failed++
	}
}

// requeueable reports whether re-running the whole item can help. The API
// client spends its own retry budget before surfacing a TransientError, so
// requeuing one of those would multiply the attempt count; item-level
// retries are reserved for failures outside that budget (download 5xx/429
// statuses and deadlines).
func requeueable(err error) bool {
	var tr *metaads.TransientError
	if errors.As(err, &tr) {
		return false
	}
	return fetcher.IsTransient(err)
}

// failureReason maps an item's terminal error to the stable reason string
// written to the checkpoint and output catalog.
func failureReason(err error) string {
	switch {
	case errors.Is(err, fetcher.ErrAuthRequired):
		return fetcher.ErrAuthRequired.Error()
	case errors.Is(err, fetcher.ErrBodyTooSmall):
		return fetcher.ErrBodyTooSmall.Error()
	case errors.Is(err, fetcher.ErrNoAsset):
		return fetcher.ErrNoAsset.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "item_deadline"
	}
	var apiErr *metaads.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("api_error_%d", apiErr.StatusCode)
	}
	var tr *metaads.TransientError
	if errors.As(err, &tr) {
		return "retries_exhausted"
	}
	msg := err.Error()
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return strings.TrimSpace(msg)
}
