package metaads

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"advault/internal/ratelimiter"

	"go.uber.org/zap"
)

// DefaultBaseURL is the Graph API version the original tooling was built
// against.
const DefaultBaseURL = "https://graph.facebook.com/v22.0"

const listPageSize = 50

// Config carries everything the client needs; it is immutable after New.
type Config struct {
	BaseURL        string
	AccessToken    string
	RequestTimeout time.Duration
	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
}

// Client is a narrow, typed wrapper over the advertising platform's REST API.
// Pagination cursors, retries, auth and rate limiting never escape it.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *ratelimiter.TokenBucket
	logger  *zap.SugaredLogger

	maxRetries   int
	initialDelay time.Duration
	maxDelay     time.Duration
}

func NewClient(cfg Config, limiter *ratelimiter.TokenBucket, logger *zap.SugaredLogger) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	initial := cfg.InitialDelay
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &Client{
		baseURL:      base,
		token:        cfg.AccessToken,
		http:         &http.Client{Timeout: timeout},
		limiter:      limiter,
		logger:       logger,
		maxRetries:   cfg.MaxRetries,
		initialDelay: initial,
		maxDelay:     maxDelay,
	}
}

// ListOptions narrows an ad listing. Zero values mean "no filter".
type ListOptions struct {
	Since    time.Time
	Until    time.Time
	Statuses []string
	MaxItems int
}

// ListAds returns a lazy iterator over the account's ads in the server's
// order (typically newest first). The iterator follows next-page cursors
// until end-of-data or MaxItems.
func (c *Client) ListAds(ctx context.Context, accountID string, opts ListOptions) *AdIterator {
	params := url.Values{}
	params.Set("fields", "id,name,status,creative{id},account_id,updated_time")
	params.Set("limit", strconv.Itoa(listPageSize))
	if !opts.Since.IsZero() || !opts.Until.IsZero() {
		tr := map[string]string{}
		if !opts.Since.IsZero() {
			tr["since"] = opts.Since.Format("2006-01-02")
		}
		if !opts.Until.IsZero() {
			tr["until"] = opts.Until.Format("2006-01-02")
		}
		raw, _ := json.Marshal(tr)
		params.Set("time_range", string(raw))
	}
	if len(opts.Statuses) > 0 {
		raw, _ := json.Marshal(opts.Statuses)
		params.Set("effective_status", string(raw))
	}

	first := c.endpoint(url.PathEscape(strings.TrimPrefix(accountID, "/"))+"/ads", params)
	return &AdIterator{ctx: ctx, client: c, nextURL: first, max: opts.MaxItems}
}

// GetCreative resolves an ad to its creative. The Graph API needs two hops:
// the ad exposes only the creative id, the creative object carries the media
// fields.
func (c *Client) GetCreative(ctx context.Context, adID string) (*CreativeRef, error) {
	var ad struct {
		Creative *struct {
			ID string `json:"id"`
		} `json:"creative"`
	}
	params := url.Values{}
	params.Set("fields", "creative,name,status")
	if err := c.getJSON(ctx, c.endpoint(adID, params), &ad); err != nil {
		return nil, err
	}
	if ad.Creative == nil || ad.Creative.ID == "" {
		return nil, nil
	}

	var creative struct {
		ID              string `json:"id"`
		Name            string `json:"name"`
		ImageHash       string `json:"image_hash"`
		ImageURL        string `json:"image_url"`
		VideoID         string `json:"video_id"`
		ThumbnailURL    string `json:"thumbnail_url"`
		ObjectStorySpec *struct {
			LinkData *struct {
				Picture string `json:"picture"`
				VideoID string `json:"video_id"`
			} `json:"link_data"`
			VideoData *struct {
				VideoID  string `json:"video_id"`
				ImageURL string `json:"image_url"`
			} `json:"video_data"`
		} `json:"object_story_spec"`
	}
	params = url.Values{}
	params.Set("fields", "id,name,image_hash,image_url,video_id,thumbnail_url,object_story_spec")
	if err := c.getJSON(ctx, c.endpoint(ad.Creative.ID, params), &creative); err != nil {
		return nil, err
	}

	ref := &CreativeRef{
		ID:           creative.ID,
		Name:         creative.Name,
		ImageHash:    creative.ImageHash,
		ImageURL:     creative.ImageURL,
		VideoID:      creative.VideoID,
		ThumbnailURL: creative.ThumbnailURL,
	}
	// The story spec sometimes carries the media when the flat fields are
	// empty (page post creatives).
	if oss := creative.ObjectStorySpec; oss != nil {
		if ref.VideoID == "" && oss.VideoData != nil {
			ref.VideoID = oss.VideoData.VideoID
		}
		if ref.VideoID == "" && oss.LinkData != nil {
			ref.VideoID = oss.LinkData.VideoID
		}
		if ref.ImageURL == "" && oss.LinkData != nil {
			ref.ImageURL = oss.LinkData.Picture
		}
		if ref.ThumbnailURL == "" && oss.VideoData != nil {
			ref.ThumbnailURL = oss.VideoData.ImageURL
		}
	}
	return ref, nil
}

// GetVideoSource resolves a video id to its downloadable source URL. Returns
// nil when the platform exposes no source for the video.
func (c *Client) GetVideoSource(ctx context.Context, videoID string) (*MediaRef, error) {
	var video struct {
		Source string `json:"source"`
		Format []struct {
			Filter string `json:"filter"`
		} `json:"format"`
	}
	params := url.Values{}
	params.Set("fields", "source,format")
	if err := c.getJSON(ctx, c.endpoint(videoID, params), &video); err != nil {
		return nil, err
	}
	if video.Source == "" {
		return nil, nil
	}
	ref := &MediaRef{URL: video.Source, Kind: MediaVideo}
	if len(video.Format) > 0 {
		ref.FormatHint = "mp4"
	}
	return ref, nil
}

// GetImageSource resolves an image hash through the account's adimages edge.
func (c *Client) GetImageSource(ctx context.Context, imageHash, accountID string) (*MediaRef, error) {
	var images struct {
		Data []struct {
			Hash string `json:"hash"`
			URL  string `json:"url"`
		} `json:"data"`
	}
	params := url.Values{}
	params.Set("hashes", fmt.Sprintf(`["%s"]`, imageHash))
	params.Set("fields", "hash,url")
	path := "act_" + strings.TrimPrefix(accountID, "act_") + "/adimages"
	if err := c.getJSON(ctx, c.endpoint(path, params), &images); err != nil {
		return nil, err
	}
	for _, img := range images.Data {
		if img.URL != "" {
			return &MediaRef{URL: img.URL, Kind: MediaImage}, nil
		}
	}
	return nil, nil
}

func (c *Client) endpoint(path string, params url.Values) string {
	return c.baseURL + "/" + path + "?" + params.Encode()
}

// getJSON performs one logical GET with rate limiting and retries. The access
// token is appended at request time so it never appears in logged URLs.
func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	var lastErr error
	attempts := c.maxRetries + 1

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, c.backoff(attempt-1)); err != nil {
				return err
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		body, status, header, err := c.doOnce(ctx, rawURL)
		if err != nil {
			// Connection-level failure; retryable.
			lastErr = err
			c.logger.Debugw("request failed", "attempt", attempt+1, "error", err)
			continue
		}

		switch {
		case status == http.StatusOK:
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("metaads: decode response: %w", err)
			}
			return nil

		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			apiErr := decodeAPIError(status, body)
			return fmt.Errorf("%w: %v", ErrCredential, apiErr)

		case status == http.StatusTooManyRequests:
			window := retryAfter(header, body)
			c.limiter.Pause(window)
			lastErr = decodeAPIError(status, body)
			c.logger.Warnw("rate limited, pausing bucket", "window", window)
			continue

		case status >= 500:
			lastErr = decodeAPIError(status, body)
			c.logger.Debugw("server error", "attempt", attempt+1, "status", status)
			continue

		default:
			// Any other 4xx is not worth retrying.
			return decodeAPIError(status, body)
		}
	}
	return &TransientError{Err: lastErr, Attempts: attempts}
}

func (c *Client) doOnce(ctx context.Context, rawURL string) ([]byte, int, http.Header, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("metaads: bad url: %w", err)
	}
	q := u.Query()
	q.Set("access_token", c.token)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, 0, nil, err
	}
	return body, resp.StatusCode, resp.Header, nil
}

// backoff doubles from the initial delay, capped, with ±25% uniform jitter.
func (c *Client) backoff(retry int) time.Duration {
	d := c.initialDelay << uint(retry)
	if d > c.maxDelay || d <= 0 {
		d = c.maxDelay
	}
	jitter := 1 + (rand.Float64()*0.5 - 0.25)
	return time.Duration(float64(d) * jitter)
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var env graphEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.TraceID = env.Error.FBTraceID
	}
	return apiErr
}

// retryAfter extracts the mandatory backoff window from a 429 response: the
// Retry-After header when present, otherwise the platform's estimated time
// to regain access (reported in minutes), otherwise a conservative default.
func retryAfter(header http.Header, body []byte) time.Duration {
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	var usage struct {
		EstimatedTimeToRegainAccess int `json:"estimated_time_to_regain_access"`
	}
	if err := json.Unmarshal(body, &usage); err == nil && usage.EstimatedTimeToRegainAccess > 0 {
		return time.Duration(usage.EstimatedTimeToRegainAccess) * time.Minute
	}
	return 10 * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
