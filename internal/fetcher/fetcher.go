package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"advault/internal/catalog"
	"advault/internal/metaads"

	"go.uber.org/zap"
)

// SourceKind records which strategy produced an asset.
type SourceKind string

const (
	SourceGraphDirect    SourceKind = "graph_api_direct"
	SourceGraphThumbnail SourceKind = "graph_api_thumbnail"
	SourcePreviewScrape  SourceKind = "preview_scrape"
)

var (
	// ErrNoAsset means every strategy was exhausted without producing bytes.
	ErrNoAsset = errors.New("no_asset_found")
	// ErrAuthRequired means the preview page sits behind a login wall and no
	// auth handler could get past it.
	ErrAuthRequired = errors.New("auth_required_but_unhandled")
	// ErrBodyTooSmall marks a download discarded because the platform served
	// a near-empty body (expired or unauthenticated CDN link).
	ErrBodyTooSmall = errors.New("download_body_too_small")
)

// AssetDescriptor describes one fetched creative, hashed and staged at
// TempPath. The publisher moves it into the content-addressed tree.
type AssetDescriptor struct {
	AdID        string
	AccountID   string
	MediaKind   metaads.MediaKind
	ContentHash string
	ByteLength  int64
	SourceKind  SourceKind
	FetchedAt   time.Time

	ContentType string
	FormatHint  string
	TempPath    string
}

// Item is one ad being fetched. It memoizes the creative lookup so the
// api-direct and api-thumbnail strategies share a single pair of API calls.
type Item struct {
	Record catalog.Record

	creative     *metaads.CreativeRef
	creativeErr  error
	creativeDone bool
}

func (it *Item) Creative(ctx context.Context, client *metaads.Client) (*metaads.CreativeRef, error) {
	if !it.creativeDone {
		it.creative, it.creativeErr = client.GetCreative(ctx, it.Record.AdID)
		it.creativeDone = true
	}
	return it.creative, it.creativeErr
}

// Strategy is one way of turning an ad into downloaded bytes. Strategies
// report ErrNoAsset (wrapped with a reason) when they simply have nothing to
// offer, and pass through transient errors untouched so the caller can retry
// the whole item.
type Strategy interface {
	Name() string
	TryFetch(ctx context.Context, item *Item) (*AssetDescriptor, error)
}

// Fetcher runs the strategy cascade: api-direct, then api-thumbnail, then
// preview-scrape. The first strategy that yields an asset wins.
type Fetcher struct {
	strategies []Strategy
	logger     *zap.SugaredLogger
}

func New(client *metaads.Client, dl *Downloader, inspector PageInspector, auth AuthHandler, logger *zap.SugaredLogger) *Fetcher {
	return &Fetcher{
		strategies: []Strategy{
			&apiDirectStrategy{client: client, dl: dl},
			&apiThumbnailStrategy{client: client, dl: dl},
			&previewScrapeStrategy{dl: dl, inspector: inspector, auth: auth},
		},
		logger: logger,
	}
}

// Fetch tries each strategy in order and stops at the first success. When
// every strategy fails the aggregate error is ErrNoAsset, unless one of the
// failures was transient (bubble it up for retry) or an unhandled login wall
// (the item is skipped, not failed).
func (f *Fetcher) Fetch(ctx context.Context, rec catalog.Record) (*AssetDescriptor, error) {
	item := &Item{Record: rec}

	var (
		transientErr error
		authErr      error
		reasons      []string
	)
	for _, s := range f.strategies {
		desc, err := s.TryFetch(ctx, item)
		if err == nil && desc != nil {
			f.logger.Debugw("asset fetched",
				"ad_id", rec.AdID, "strategy", s.Name(),
				"bytes", desc.ByteLength, "hash", desc.ContentHash)
			return desc, nil
		}
		if err == nil {
			err = fmt.Errorf("%w: %s produced nothing", ErrNoAsset, s.Name())
		}
		switch {
		case errors.Is(err, metaads.ErrCredential):
			return nil, err
		case errors.Is(err, ErrAuthRequired):
			authErr = err
		case IsTransient(err):
			transientErr = err
		}
		reasons = append(reasons, fmt.Sprintf("%s: %v", s.Name(), err))
		f.logger.Debugw("strategy failed", "ad_id", rec.AdID, "strategy", s.Name(), "error", err)
	}

	if transientErr != nil {
		return nil, transientErr
	}
	if authErr != nil {
		return nil, authErr
	}
	return nil, fmt.Errorf("%w: %v", ErrNoAsset, reasons)
}

// IsTransient reports whether an error is worth retrying the work item for:
// request-level retry exhaustion, timeouts, cancellations and 5xx download
// statuses. Permanent rejections (bad creative, missing media, tiny bodies)
// are not.
func IsTransient(err error) bool {
	var tr *metaads.TransientError
	if errors.As(err, &tr) {
		return true
	}
	var status *HTTPStatusError
	if errors.As(err, &status) {
		return status.Code >= 500 || status.Code == 429
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
