package fetcher

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// RodInspector is the production PageInspector, backed by a headless
// Chromium driven through go-rod. One browser and one page are reused across
// work items so a completed login survives between scrapes.
type RodInspector struct {
	browser  *rod.Browser
	page     *rod.Page
	launcher *launcher.Launcher
}

// NewRodInspector launches (or attaches to) a browser. When controlURL is
// empty a local headless instance is launched; otherwise the inspector
// attaches to a running browser's devtools endpoint.
func NewRodInspector(controlURL string) (*RodInspector, error) {
	ins := &RodInspector{}

	if controlURL == "" {
		ins.launcher = launcher.New().Headless(true)
		u, err := ins.launcher.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		controlURL = u
	}

	ins.browser = rod.New().ControlURL(controlURL)
	if err := ins.browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	page, err := ins.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		ins.browser.Close()
		return nil, fmt.Errorf("open page: %w", err)
	}
	ins.page = page
	return ins, nil
}

func (r *RodInspector) Navigate(ctx context.Context, url string) error {
	page := r.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, err)
	}
	return nil
}

func (r *RodInspector) Snapshot(ctx context.Context) (DomView, error) {
	page := r.page.Context(ctx)

	info, err := page.Info()
	if err != nil {
		return DomView{}, fmt.Errorf("page info: %w", err)
	}
	html, err := page.HTML()
	if err != nil {
		return DomView{}, fmt.Errorf("page html: %w", err)
	}

	view := DomView{CurrentURL: info.URL, HTML: html}

	// Rendered <video> elements carry the resolved CDN source directly.
	els, err := page.Elements("video")
	if err == nil {
		for _, el := range els {
			if src, err := el.Attribute("src"); err == nil && src != nil && *src != "" {
				view.VideoSources = append(view.VideoSources, *src)
			}
		}
	}
	return view, nil
}

func (r *RodInspector) Click(ctx context.Context, selector string) error {
	page := r.page.Context(ctx)
	el, err := page.Element(selector)
	if err != nil {
		return fmt.Errorf("find %s: %w", selector, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

func (r *RodInspector) Close() error {
	var err error
	if r.browser != nil {
		err = r.browser.Close()
	}
	if r.launcher != nil {
		r.launcher.Cleanup()
	}
	return err
}
