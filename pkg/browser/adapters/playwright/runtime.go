// Package playwrightadapter implements the browser.Runtime driver
// interface on top of playwright-go driving headless Chromium.
package playwrightadapter

import (
	"context"
	"fmt"
	"io"
	"time"

	pw "github.com/playwright-community/playwright-go"

	"github.com/odvcencio/browserd/pkg/browser"
	"github.com/odvcencio/browserd/pkg/events"
)

// Runtime drives Chromium through Playwright.
type Runtime struct {
	pw *pw.Playwright
}

// New installs the Playwright driver if needed and starts it.
// Output is discarded so driver chatter does not pollute the daemon's
// structured logs.
func New() (*Runtime, error) {
	opts := &pw.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}

	if err := pw.Install(opts); err != nil {
		return nil, fmt.Errorf("failed to install playwright: %w", err)
	}

	p, err := pw.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	return &Runtime{pw: p}, nil
}

// Launch starts a Chromium process.
func (r *Runtime) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.RuntimeBrowser, error) {
	b, err := r.pw.Chromium.Launch(pw.BrowserTypeLaunchOptions{
		Headless: pw.Bool(opts.Headless),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch chromium: %w", err)
	}
	return &runtimeBrowser{browser: b}, nil
}

// Close stops the Playwright driver.
func (r *Runtime) Close() error {
	if r.pw == nil {
		return nil
	}
	if err := r.pw.Stop(); err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

type runtimeBrowser struct {
	browser pw.Browser
}

func (b *runtimeBrowser) NewContext(ctx context.Context) (browser.RuntimeContext, error) {
	c, err := b.browser.NewContext(pw.BrowserNewContextOptions{
		Viewport: &pw.Size{Width: 1280, Height: 720},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	return &runtimeContext{ctx: c}, nil
}

// Stats returns a zero snapshot: Playwright does not expose process
// resource usage, so recycling thresholds only trigger for drivers
// that can report them.
func (b *runtimeBrowser) Stats() (browser.ResourceSnapshot, error) {
	return browser.ResourceSnapshot{SampledAt: time.Now()}, nil
}

func (b *runtimeBrowser) Close() error {
	return b.browser.Close()
}

type runtimeContext struct {
	ctx pw.BrowserContext
}

func (c *runtimeContext) NewPage(ctx context.Context, binding browser.PageBinding) (browser.RuntimePage, error) {
	page, err := c.ctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	rp := &runtimePage{page: page, binding: binding}

	// Policy runs against every request the page makes, not just
	// top-level navigations. Blocked requests are aborted before
	// leaving the browser.
	if binding.Allow != nil {
		if err := page.Route("**/*", rp.routeRequest); err != nil {
			_ = page.Close()
			return nil, fmt.Errorf("failed to install request interception: %w", err)
		}
	}

	rp.attachHooks()
	return rp, nil
}

func (c *runtimeContext) Close() error {
	return c.ctx.Close()
}

type runtimePage struct {
	page    pw.Page
	binding browser.PageBinding
}

func (p *runtimePage) routeRequest(route pw.Route) {
	reqURL := route.Request().URL()
	if err := p.binding.Allow(reqURL); err != nil {
		_ = route.Abort("blockedbyclient")
		p.emit(events.TypeNetwork, "network.blocked", map[string]any{
			"url":    reqURL,
			"reason": err.Error(),
		})
		return
	}
	_ = route.Continue()
}

// attachHooks wires the fixed set of page event hooks. The set never
// changes after creation.
func (p *runtimePage) attachHooks() {
	p.page.OnLoad(func(_ pw.Page) {
		p.emit(events.TypePage, "page.load", nil)
	})
	p.page.OnDOMContentLoaded(func(_ pw.Page) {
		p.emit(events.TypeDOM, "dom.content_loaded", nil)
	})
	p.page.OnConsole(func(msg pw.ConsoleMessage) {
		p.emit(events.TypeConsole, "console."+msg.Type(), map[string]any{
			"text":  msg.Text(),
			"level": msg.Type(),
		})
	})
	p.page.OnRequest(func(req pw.Request) {
		p.emit(events.TypeNetwork, "network.request", map[string]any{
			"url":           req.URL(),
			"method":        req.Method(),
			"resource_type": req.ResourceType(),
		})
	})
	p.page.OnResponse(func(resp pw.Response) {
		p.emit(events.TypeNetwork, "network.response", map[string]any{
			"url":    resp.URL(),
			"status": resp.Status(),
		})
	})
	p.page.OnRequestFailed(func(req pw.Request) {
		p.emit(events.TypeNetwork, "network.request_failed", map[string]any{
			"url": req.URL(),
		})
	})
}

func (p *runtimePage) emit(t events.Type, name string, data map[string]any) {
	if p.binding.Publish == nil {
		return
	}
	p.binding.Publish(events.Event{
		Type:      t,
		Name:      name,
		Timestamp: time.Now(),
		PageID:    p.binding.PageID,
		PageURL:   p.page.URL(),
		Data:      data,
	})
}

func (p *runtimePage) Navigate(ctx context.Context, url string, opts browser.NavigateOptions) error {
	gotoOpts := pw.PageGotoOptions{
		WaitUntil: pw.WaitUntilStateLoad,
	}
	if opts.Timeout > 0 {
		gotoOpts.Timeout = pw.Float(float64(opts.Timeout.Milliseconds()))
	}
	if _, err := p.page.Goto(url, gotoOpts); err != nil {
		return fmt.Errorf("goto %s: %w", url, err)
	}
	return nil
}

func (p *runtimePage) URL() string {
	return p.page.URL()
}

func (p *runtimePage) Close() error {
	return p.page.Close()
}
