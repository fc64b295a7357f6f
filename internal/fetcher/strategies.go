package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"advault/internal/metaads"
)

// apiDirectStrategy resolves the creative through the Graph API and fetches
// the full-size media: video source for video creatives, hash-resolved or
// direct image URL for image creatives.
type apiDirectStrategy struct {
	client *metaads.Client
	dl     *Downloader
}

func (s *apiDirectStrategy) Name() string { return "api_direct" }

func (s *apiDirectStrategy) TryFetch(ctx context.Context, item *Item) (*AssetDescriptor, error) {
	creative, err := item.Creative(ctx, s.client)
	if err != nil {
		return nil, err
	}
	if creative == nil {
		return nil, fmt.Errorf("%w: ad has no creative", ErrNoAsset)
	}
	rec := item.Record

	if creative.VideoID != "" {
		ref, err := s.client.GetVideoSource(ctx, creative.VideoID)
		if err != nil {
			return nil, err
		}
		if ref != nil {
			return s.dl.Fetch(ctx, *ref, SourceGraphDirect, rec.AdID, rec.AccountID)
		}
	}

	if creative.ImageHash != "" {
		ref, err := s.client.GetImageSource(ctx, creative.ImageHash, rec.AccountID)
		if err != nil {
			return nil, err
		}
		if ref != nil {
			return s.dl.Fetch(ctx, *ref, SourceGraphDirect, rec.AdID, rec.AccountID)
		}
	}

	if creative.ImageURL != "" {
		ref := metaads.MediaRef{URL: creative.ImageURL, Kind: metaads.MediaImage}
		return s.dl.Fetch(ctx, ref, SourceGraphDirect, rec.AdID, rec.AccountID)
	}

	return nil, fmt.Errorf("%w: creative exposes no direct media", ErrNoAsset)
}

// apiThumbnailStrategy falls back to the creative's thumbnail URL when the
// direct media could not be resolved. The result is tagged as a thumbnail so
// downstream consumers know it is not the full asset.
type apiThumbnailStrategy struct {
	client *metaads.Client
	dl     *Downloader
}

func (s *apiThumbnailStrategy) Name() string { return "api_thumbnail" }

func (s *apiThumbnailStrategy) TryFetch(ctx context.Context, item *Item) (*AssetDescriptor, error) {
	creative, err := item.Creative(ctx, s.client)
	if err != nil {
		return nil, err
	}
	if creative == nil || creative.ThumbnailURL == "" {
		return nil, fmt.Errorf("%w: creative has no thumbnail", ErrNoAsset)
	}
	rec := item.Record
	ref := metaads.MediaRef{URL: creative.ThumbnailURL, Kind: metaads.MediaThumbnail}
	return s.dl.Fetch(ctx, ref, SourceGraphThumbnail, rec.AdID, rec.AccountID)
}

// previewScrapeStrategy drives a browser to the ad's preview page and lifts
// media URLs out of the rendered DOM. It only runs when both API strategies
// came up empty and the record carries a source URL hint.
type previewScrapeStrategy struct {
	dl        *Downloader
	inspector PageInspector
	auth      AuthHandler
}

func (s *previewScrapeStrategy) Name() string { return "preview_scrape" }

func (s *previewScrapeStrategy) TryFetch(ctx context.Context, item *Item) (*AssetDescriptor, error) {
	rec := item.Record
	if rec.SourceURLHint == "" {
		return nil, fmt.Errorf("%w: no source url hint", ErrNoAsset)
	}

	if err := s.inspector.Navigate(ctx, rec.SourceURLHint); err != nil {
		return nil, err
	}
	view, err := s.inspector.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	if isLoginWall(view.CurrentURL) {
		result, err := s.auth.Authenticate(ctx, PageState{URL: view.CurrentURL, LoginWall: true})
		if err != nil {
			return nil, err
		}
		switch result {
		case AuthCompleted:
			if err := s.inspector.Navigate(ctx, rec.SourceURLHint); err != nil {
				return nil, err
			}
			if view, err = s.inspector.Snapshot(ctx); err != nil {
				return nil, err
			}
		default:
			return nil, ErrAuthRequired
		}
	}

	urls := view.VideoSources
	urls = append(urls, ExtractCDNVideoURLs(view.HTML)...)

	var lastErr error
	for _, u := range urls {
		ref := metaads.MediaRef{URL: u, Kind: metaads.MediaVideo}
		desc, err := s.dl.Fetch(ctx, ref, SourcePreviewScrape, rec.AdID, rec.AccountID)
		if err == nil {
			return desc, nil
		}
		lastErr = err
		if IsTransient(err) && !errors.Is(err, ErrBodyTooSmall) {
			return nil, err
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: preview page exposes no media", ErrNoAsset)
}

// isLoginWall matches the interstitial the platform serves for business
// preview pages that need a session.
func isLoginWall(pageURL string) bool {
	if pageURL == "" {
		return false
	}
	u := strings.ToLower(pageURL)
	if strings.Contains(u, "business.facebook.com") && strings.Contains(u, "login") {
		return true
	}
	return strings.Contains(u, "facebook.com/login")
}
