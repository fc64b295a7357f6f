package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"advault/internal/metaads"

	"go.uber.org/zap"
)

const downloadUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"

// HTTPStatusError is a non-200 response while fetching a media body.
type HTTPStatusError struct {
	URL  string
	Code int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("fetch %s: http %d", e.URL, e.Code)
}

// DownloaderConfig bounds a single media download.
type DownloaderConfig struct {
	TempDir      string
	ChunkBytes   int
	MinBodyBytes int64
	Timeout      time.Duration
}

// Downloader streams media bodies to temp files, hashing as it goes. Bodies
// below the minimum size are discarded: the platform serves near-empty
// responses for expired or unauthenticated CDN links instead of failing.
type Downloader struct {
	http         *http.Client
	tempDir      string
	chunkBytes   int
	minBodyBytes int64
	timeout      time.Duration
	logger       *zap.SugaredLogger
}

func NewDownloader(cfg DownloaderConfig, logger *zap.SugaredLogger) *Downloader {
	chunk := cfg.ChunkBytes
	if chunk <= 0 {
		chunk = 8192
	}
	minBody := cfg.MinBodyBytes
	if minBody <= 0 {
		minBody = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Downloader{
		// No per-client timeout; the per-download context bounds each call.
		http:         &http.Client{},
		tempDir:      cfg.TempDir,
		chunkBytes:   chunk,
		minBodyBytes: minBody,
		timeout:      timeout,
		logger:       logger,
	}
}

// Fetch downloads one media URL into a temp file and returns its descriptor.
// For scontent thumbnails a rewritten high-quality URL is tried first, the
// original URL second.
func (d *Downloader) Fetch(ctx context.Context, ref metaads.MediaRef, source SourceKind, adID, accountID string) (*AssetDescriptor, error) {
	candidates := []string{ref.URL}
	if hq := RewriteHighQuality(ref.URL); hq != ref.URL {
		candidates = []string{hq, ref.URL}
	}

	var lastErr error
	for _, u := range candidates {
		desc, err := d.fetchOne(ctx, u, ref, source, adID, accountID)
		if err == nil {
			return desc, nil
		}
		lastErr = err
		// A transient failure on the rewritten URL is not worth masking by
		// falling through to the original.
		if IsTransient(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (d *Downloader) fetchOne(ctx context.Context, url string, ref metaads.MediaRef, source SourceKind, adID, accountID string) (*AssetDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", downloadUserAgent)

	resp, err := d.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, fmt.Errorf("fetch %s: %w", url, context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{URL: url, Code: resp.StatusCode}
	}

	tmp, err := os.CreateTemp(d.tempDir, "advault-dl-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	hash := sha256.New()
	buf := make([]byte, d.chunkBytes)
	written, err := io.CopyBuffer(io.MultiWriter(tmp, hash), resp.Body, buf)
	closeErr := tmp.Close()
	if err != nil {
		os.Remove(tmp.Name())
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, fmt.Errorf("fetch %s: %w", url, context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("stream body: %w", err)
	}
	if closeErr != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("close temp file: %w", closeErr)
	}

	if written < d.minBodyBytes {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("%w: %d bytes from %s", ErrBodyTooSmall, written, url)
	}

	return &AssetDescriptor{
		AdID:        adID,
		AccountID:   accountID,
		MediaKind:   ref.Kind,
		ContentHash: hex.EncodeToString(hash.Sum(nil)),
		ByteLength:  written,
		SourceKind:  source,
		FetchedAt:   time.Now(),
		ContentType: resp.Header.Get("Content-Type"),
		FormatHint:  ref.FormatHint,
		TempPath:    tmp.Name(),
	}, nil
}
