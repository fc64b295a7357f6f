package pipeline

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"advault/internal/catalog"
	"advault/internal/fetcher"
	"advault/internal/metaads"
	"advault/internal/publisher"
	"advault/internal/ratelimiter"
)

// pipelineHarness wires real components against fake Graph and CDN servers.
type pipelineHarness struct {
	graph   *httptest.Server
	cdn     *httptest.Server
	apiHits int64
	cdnHits int64

	root       string
	checkpoint string
	// ads maps ad id to the CDN path api_direct should resolve to; a missing
	// entry means the Graph API 404s the ad.
	ads map[string]string

	// Knobs tests set before calling run.
	ctx              context.Context // run context; nil means Background
	clientMaxRetries int
	onCDN            func(path string) // called on every CDN request
	cdnFlaky         int64             // first N CDN requests answer 503
}

func newHarness(t *testing.T, ads map[string]string) *pipelineHarness {
	t.Helper()
	h := &pipelineHarness{
		root:       filepath.Join(t.TempDir(), "mirror"),
		checkpoint: filepath.Join(t.TempDir(), "checkpoint.log"),
		ads:        ads,
	}

	h.cdn = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&h.cdnHits, 1)
		if h.onCDN != nil {
			h.onCDN(r.URL.Path)
		}
		if atomic.AddInt64(&h.cdnFlaky, -1) >= 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		// Body derives from the path so distinct ads get distinct hashes.
		fmt.Fprintf(w, "media bytes for %s padded out to a plausible size", r.URL.Path)
	}))
	t.Cleanup(h.cdn.Close)

	h.graph = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&h.apiHits, 1)
		id := strings.Trim(r.URL.Path, "/")
		switch {
		case strings.HasPrefix(id, "cr_"):
			adID := strings.TrimPrefix(id, "cr_")
			fmt.Fprintf(w, `{"id":"cr_%s","image_url":"%s/%s.jpg"}`, adID, h.cdn.URL, h.ads[adID])
		case h.ads[id] != "":
			fmt.Fprintf(w, `{"creative":{"id":"cr_%s"}}`, id)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"message":"unknown ad","code":100}}`)
		}
	}))
	t.Cleanup(h.graph.Close)
	return h
}

func (h *pipelineHarness) run(t *testing.T, rows [][]string, opts Options) (*Report, [][]string, error) {
	t.Helper()
	log := zap.NewNop().Sugar()

	input := filepath.Join(t.TempDir(), "input.csv")
	f, err := os.Create(input)
	require.NoError(t, err)
	require.NoError(t, csv.NewWriter(f).WriteAll(rows))
	require.NoError(t, f.Close())

	cat, err := catalog.Open(input)
	require.NoError(t, err)

	cp, err := LoadCheckpoint(h.checkpoint, 1)
	require.NoError(t, err)
	defer cp.Close()

	client := metaads.NewClient(metaads.Config{
		BaseURL:      h.graph.URL,
		AccessToken:  "tok",
		MaxRetries:   h.clientMaxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}, ratelimiter.NewTokenBucket(1000, 1000), log)

	pub, err := publisher.New(h.root, "https://mirror.example.com", publisher.StaticRemote{}, log)
	require.NoError(t, err)

	dl := fetcher.NewDownloader(fetcher.DownloaderConfig{
		TempDir: pub.StagingDir(), MinBodyBytes: 1, Timeout: 5 * time.Second,
	}, log)
	fetch := fetcher.New(client, dl, fetcher.NoopInspector{}, fetcher.NoopAuthHandler{}, log)

	opts.OutputPath = filepath.Join(t.TempDir(), "output.csv")
	orch := NewOrchestrator(cat, client, fetch, pub, cp, log, opts)

	ctx := h.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	report, runErr := orch.Run(ctx)

	var out [][]string
	if raw, err := os.Open(opts.OutputPath); err == nil {
		out, err = csv.NewReader(raw).ReadAll()
		require.NoError(t, err)
		raw.Close()
	}
	return report, out, runErr
}

func header() []string { return []string{"ad_id", "account_id", "spend"} }

func TestRunHappyPath(t *testing.T) {
	h := newHarness(t, map[string]string{"1": "asset-one", "2": "asset-two"})

	report, out, err := h.run(t, [][]string{header(), {"1", "a", "10.5"}, {"2", "a", "3.3"}}, Options{Workers: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)
	assert.Zero(t, report.Failed)

	require.Len(t, out, 3)
	assert.Equal(t, append(header(), catalog.EnrichmentColumns...), out[0])
	for _, row := range out[1:] {
		assert.NotEmpty(t, row[3], "content_hash")
		assert.Equal(t, "image", row[4])
		assert.True(t, strings.HasPrefix(row[5], "https://mirror.example.com/images/"), row[5])
		assert.Equal(t, "Success", row[7])
		assert.Empty(t, row[8])
	}
	// Original cells intact and in order.
	assert.Equal(t, "10.5", out[1][2])
	assert.Equal(t, "3.3", out[2][2])

	assert.FileExists(t, filepath.Join(h.root, "manifest.json"))
}

func TestRunDuplicatesFetchedOnce(t *testing.T) {
	h := newHarness(t, map[string]string{"1": "asset-one"})

	report, out, err := h.run(t, [][]string{header(), {"1", "a", "1"}, {"1", "a", "2"}}, Options{Workers: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, int64(1), atomic.LoadInt64(&h.cdnHits))

	// Both input rows appear in the output, both enriched with the same asset.
	require.Len(t, out, 3)
	assert.Equal(t, out[1][3], out[2][3])
	assert.Equal(t, "Success", out[1][7])
	assert.Equal(t, "Success", out[2][7])
}

func TestRunResumeSkipsNetwork(t *testing.T) {
	h := newHarness(t, map[string]string{"1": "asset-one", "2": "asset-two"})
	rows := [][]string{header(), {"1", "a", "1"}, {"2", "a", "2"}}

	report, _, err := h.run(t, rows, Options{Workers: 2})
	require.NoError(t, err)
	require.Equal(t, 2, report.Succeeded)

	atomic.StoreInt64(&h.apiHits, 0)
	atomic.StoreInt64(&h.cdnHits, 0)

	report, out, err := h.run(t, rows, Options{Workers: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Resumed)
	assert.Equal(t, 2, report.Succeeded)
	assert.Zero(t, atomic.LoadInt64(&h.apiHits), "resumed run must not touch the API")
	assert.Zero(t, atomic.LoadInt64(&h.cdnHits), "resumed run must not re-download")

	// Enrichment recovered from the object store, not the network.
	require.Len(t, out, 3)
	for _, row := range out[1:] {
		assert.Equal(t, "Success", row[7])
		assert.NotEmpty(t, row[5], "public_url")
		assert.NotEmpty(t, row[6], "object_path")
	}
}

func TestRunPermanentFailureRow(t *testing.T) {
	h := newHarness(t, map[string]string{"1": "asset-one"})

	report, out, err := h.run(t, [][]string{header(), {"1", "a", "1"}, {"404", "a", "2"}}, Options{Workers: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)

	require.Len(t, out, 3)
	assert.Equal(t, "Success", out[1][7])
	assert.Equal(t, "PermanentFailure", out[2][7])
	assert.Equal(t, "no_asset_found", out[2][8])
	assert.Empty(t, out[2][3])
}

func TestRunEmptyCatalog(t *testing.T) {
	h := newHarness(t, nil)

	report, out, err := h.run(t, [][]string{header()}, Options{Workers: 2})
	require.NoError(t, err)
	assert.Zero(t, report.Total)
	require.Len(t, out, 1)
	assert.Equal(t, append(header(), catalog.EnrichmentColumns...), out[0])
	assert.Zero(t, atomic.LoadInt64(&h.apiHits))
}

func TestRunCredentialAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"expired token","code":190}}`)
	}))
	defer srv.Close()

	h := newHarness(t, map[string]string{"1": "asset-one"})
	h.graph.Close()
	h.graph = srv

	_, _, err := h.run(t, [][]string{header(), {"1", "a", "1"}}, Options{Workers: 1})
	require.ErrorIs(t, err, metaads.ErrCredential)
}

func TestRunDryRunTouchesNothing(t *testing.T) {
	h := newHarness(t, map[string]string{"1": "asset-one"})

	report, out, err := h.run(t, [][]string{header(), {"1", "a", "1"}}, Options{Workers: 1, DryRun: true})
	require.NoError(t, err)
	assert.Zero(t, report.Succeeded)
	assert.Empty(t, out, "dry run writes no output catalog")
	assert.Zero(t, atomic.LoadInt64(&h.cdnHits))

	// Checkpoint stays empty so a real run starts fresh.
	raw, err := os.ReadFile(h.checkpoint)
	require.NoError(t, err)
	assert.Empty(t, raw)
}

func TestRunExhaustedAPIBudgetNotRequeued(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"server melted","code":1}}`)
	}))
	defer srv.Close()

	h := newHarness(t, map[string]string{"1": "asset-one"})
	h.graph.Close()
	h.graph = srv
	h.clientMaxRetries = 2

	report, out, err := h.run(t, [][]string{header(), {"1", "a", "1"}}, Options{Workers: 1, MaxItemRetries: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	// The request budget lives in the API client. Once the client has spent
	// it, the item must not go around the queue with a fresh budget: one ad
	// costs max_retries+1 requests total, never (max_retries+1) squared.
	assert.Equal(t, int64(3), atomic.LoadInt64(&hits))

	require.Len(t, out, 2)
	assert.Equal(t, "PermanentFailure", out[1][7])
	assert.Equal(t, "retries_exhausted", out[1][8])
}

func TestRunTransientDownloadRetriedToSuccess(t *testing.T) {
	h := newHarness(t, map[string]string{"1": "asset-one"})
	h.cdnFlaky = 1 // first download 503s, the re-attempt succeeds

	report, out, err := h.run(t, [][]string{header(), {"1", "a", "1"}}, Options{Workers: 1, MaxItemRetries: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Zero(t, report.Failed)
	assert.Equal(t, int64(2), atomic.LoadInt64(&h.cdnHits))

	require.Len(t, out, 2)
	assert.Equal(t, "Success", out[1][7])
	assert.Empty(t, out[1][8])
}

func TestRunCancelDrainsInFlight(t *testing.T) {
	h := newHarness(t, map[string]string{"1": "asset-one", "2": "asset-two", "3": "asset-three"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.ctx = ctx
	h.onCDN = func(path string) {
		if strings.Contains(path, "asset-two") {
			// Cancel while this download is in flight, and hold the response
			// long enough for the dispatcher to notice.
			cancel()
			time.Sleep(200 * time.Millisecond)
		}
	}

	rows := [][]string{header(), {"1", "a", "1"}, {"2", "a", "2"}, {"3", "a", "3"}}
	report, out, err := h.run(t, rows, Options{Workers: 1})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, report.Succeeded)

	// The in-flight item finished inside the grace window; the never-started
	// one stayed out of the checkpoint so the next run picks it up.
	cp, cpErr := LoadCheckpoint(h.checkpoint, 1)
	require.NoError(t, cpErr)
	defer cp.Close()

	entry, ok := cp.Get(catalog.Key{AccountID: "a", AdID: "1"})
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, entry.Status)
	entry, ok = cp.Get(catalog.Key{AccountID: "a", AdID: "2"})
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, entry.Status)
	_, ok = cp.Get(catalog.Key{AccountID: "a", AdID: "3"})
	assert.False(t, ok, "untouched item must stay non-terminal")

	// Output still carries every row; the unprocessed one is unenriched.
	require.Len(t, out, 4)
	assert.Equal(t, "Success", out[1][7])
	assert.Equal(t, "Success", out[2][7])
	assert.Empty(t, out[3][3])
	assert.Empty(t, out[3][7])
}

func TestRunOnlyIDsKeepsAllRows(t *testing.T) {
	h := newHarness(t, map[string]string{"1": "asset-one", "2": "asset-two"})

	report, out, err := h.run(t, [][]string{header(), {"1", "a", "1"}, {"2", "a", "2"}},
		Options{Workers: 1, OnlyAdIDs: map[string]bool{"1": true}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Total)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, int64(1), atomic.LoadInt64(&h.cdnHits))

	// Filtering narrows the work, not the output: the other row survives
	// with its original cells and empty enrichment.
	require.Len(t, out, 3)
	assert.Equal(t, "Success", out[1][7])
	assert.Equal(t, "2", out[2][0])
	assert.Empty(t, out[2][3])
	assert.Empty(t, out[2][7])
}
