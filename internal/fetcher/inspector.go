package fetcher

import (
	"context"
)

// DomView is a read-only snapshot of a rendered preview page.
type DomView struct {
	CurrentURL   string
	HTML         string
	VideoSources []string
}

// PageState is handed to the AuthHandler when a login wall interrupts a
// scrape.
type PageState struct {
	URL       string
	LoginWall bool
}

// AuthResult is the outcome of an authentication attempt.
type AuthResult int

const (
	AuthNotRequired AuthResult = iota
	AuthCompleted
	AuthFailed
)

// PageInspector abstracts the browser used by the preview-scrape strategy.
// The production implementation wraps a headless browser; the default no-op
// keeps the pipeline testable without one.
type PageInspector interface {
	Navigate(ctx context.Context, url string) error
	Snapshot(ctx context.Context) (DomView, error)
	Click(ctx context.Context, selector string) error
	Close() error
}

// AuthHandler decides what happens when a scrape hits a login wall.
// Production deployments plug in a handler that performs a credentialed
// login once and keeps the session for later items.
type AuthHandler interface {
	Authenticate(ctx context.Context, state PageState) (AuthResult, error)
}

// NoopInspector is the default PageInspector: it cannot render anything, so
// every navigation reports an unhandled auth/browser gap and the item is
// skipped rather than failed.
type NoopInspector struct{}

func (NoopInspector) Navigate(ctx context.Context, url string) error { return ErrAuthRequired }

func (NoopInspector) Snapshot(ctx context.Context) (DomView, error) {
	return DomView{}, ErrAuthRequired
}

func (NoopInspector) Click(ctx context.Context, selector string) error { return ErrAuthRequired }

func (NoopInspector) Close() error { return nil }

// NoopAuthHandler reports that no authentication is configured.
type NoopAuthHandler struct{}

func (NoopAuthHandler) Authenticate(ctx context.Context, state PageState) (AuthResult, error) {
	if state.LoginWall {
		return AuthFailed, nil
	}
	return AuthNotRequired, nil
}
