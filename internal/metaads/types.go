package metaads

import (
	"errors"
	"fmt"
	"time"
)

// MediaKind classifies a resolvable media URL.
type MediaKind string

const (
	MediaImage     MediaKind = "image"
	MediaVideo     MediaKind = "video"
	MediaThumbnail MediaKind = "thumbnail"
)

// AdSummary is one entry of an account's ad listing.
type AdSummary struct {
	ID          string
	Name        string
	Status      string
	AccountID   string
	CreativeID  string
	UpdatedTime time.Time
}

// CreativeRef is the creative attached to an ad. Exactly which of the media
// fields is populated depends on the creative type; video creatives carry
// VideoID plus a ThumbnailURL, image creatives carry ImageHash and/or a
// direct ImageURL.
type CreativeRef struct {
	ID           string
	Name         string
	ImageHash    string
	ImageURL     string
	VideoID      string
	ThumbnailURL string
}

// MediaRef is a downloadable URL with its declared kind.
type MediaRef struct {
	URL        string
	Kind       MediaKind
	FormatHint string
}

// ErrCredential means the platform rejected the access token. There is no
// point continuing the run once this is seen.
var ErrCredential = errors.New("metaads: credentials rejected")

// APIError is a permanent platform-side rejection (4xx other than 429).
type APIError struct {
	StatusCode int
	Code       int
	Message    string
	TraceID    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("metaads: http %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("metaads: http %d", e.StatusCode)
}

// TransientError wraps a request that kept failing with retryable statuses
// until the attempt budget ran out.
type TransientError struct {
	Err      error
	Attempts int
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("metaads: giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// graphEnvelope is the error shape the Graph API returns for any failure.
type graphEnvelope struct {
	Error *struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}
