// Package browsertest provides an in-memory Runtime implementation
// for exercising the pool and server without a real browser.
package browsertest

import (
	"context"
	"sync"
	"time"

	"github.com/odvcencio/browserd/pkg/browser"
	"github.com/odvcencio/browserd/pkg/events"
)

// FakeRuntime implements browser.Runtime with controllable failures
// and delays.
type FakeRuntime struct {
	mu sync.Mutex

	// LaunchErr, when set, is returned by every Launch call.
	LaunchErr error
	// LaunchDelay stalls Launch, honoring context cancellation.
	LaunchDelay time.Duration
	// Stats is returned by every browser's Stats call.
	Stats browser.ResourceSnapshot

	launched []*FakeBrowser
	closed   bool
}

// NewFakeRuntime creates a fake driver.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{}
}

// Launch starts a fake browser process.
func (r *FakeRuntime) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.RuntimeBrowser, error) {
	r.mu.Lock()
	delay := r.LaunchDelay
	launchErr := r.LaunchErr
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if launchErr != nil {
		return nil, launchErr
	}

	b := &FakeBrowser{runtime: r, Headless: opts.Headless}
	r.mu.Lock()
	r.launched = append(r.launched, b)
	r.mu.Unlock()
	return b, nil
}

// Close marks the driver closed.
func (r *FakeRuntime) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// SetLaunchErr changes the injected launch failure.
func (r *FakeRuntime) SetLaunchErr(err error) {
	r.mu.Lock()
	r.LaunchErr = err
	r.mu.Unlock()
}

// SetStats changes the snapshot reported by all browsers.
func (r *FakeRuntime) SetStats(snap browser.ResourceSnapshot) {
	r.mu.Lock()
	r.Stats = snap
	r.mu.Unlock()
}

// Launched returns every browser created so far.
func (r *FakeRuntime) Launched() []*FakeBrowser {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*FakeBrowser, len(r.launched))
	copy(out, r.launched)
	return out
}

// LaunchCount returns the number of successful launches.
func (r *FakeRuntime) LaunchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.launched)
}

// Closed reports whether the driver was shut down.
func (r *FakeRuntime) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Contexts returns every context created in this browser.
func (b *FakeBrowser) Contexts() []*FakeContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*FakeContext, len(b.contexts))
	copy(out, b.contexts)
	return out
}

// FakeBrowser is one fake browser process.
type FakeBrowser struct {
	runtime  *FakeRuntime
	Headless bool

	mu       sync.Mutex
	closed   bool
	CloseErr error
	contexts []*FakeContext
}

// NewContext creates a fake driver context.
func (b *FakeBrowser) NewContext(ctx context.Context) (browser.RuntimeContext, error) {
	c := &FakeContext{browser: b}
	b.mu.Lock()
	b.contexts = append(b.contexts, c)
	b.mu.Unlock()
	return c, nil
}

// Stats reports the runtime-wide configured snapshot.
func (b *FakeBrowser) Stats() (browser.ResourceSnapshot, error) {
	b.runtime.mu.Lock()
	defer b.runtime.mu.Unlock()
	return b.runtime.Stats, nil
}

// Close marks the browser closed.
func (b *FakeBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return b.CloseErr
}

// Closed reports whether Close was called.
func (b *FakeBrowser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// FakeContext is one fake driver context.
type FakeContext struct {
	browser *FakeBrowser

	mu     sync.Mutex
	closed bool
	pages  []*FakePage
}

// NewPage creates a fake page carrying the binding.
func (c *FakeContext) NewPage(ctx context.Context, binding browser.PageBinding) (browser.RuntimePage, error) {
	p := &FakePage{binding: binding, url: "about:blank"}
	c.mu.Lock()
	c.pages = append(c.pages, p)
	c.mu.Unlock()
	return p, nil
}

// Close marks the context closed.
func (c *FakeContext) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (c *FakeContext) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Pages returns every page created in this context.
func (c *FakeContext) Pages() []*FakePage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*FakePage, len(c.pages))
	copy(out, c.pages)
	return out
}

// FakePage simulates navigation: the policy check runs through the
// binding exactly like the real driver, and a page.load event is
// published on success.
type FakePage struct {
	binding browser.PageBinding

	mu     sync.Mutex
	url    string
	closed bool
}

// Navigate applies the bound policy check, updates the URL, and
// publishes a page.load event.
func (p *FakePage) Navigate(ctx context.Context, url string, opts browser.NavigateOptions) error {
	if p.binding.Allow != nil {
		if err := p.binding.Allow(url); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.url = url
	p.mu.Unlock()

	if p.binding.Publish != nil {
		p.binding.Publish(events.Event{
			Type:      events.TypePage,
			Name:      "page.load",
			Timestamp: time.Now(),
			PageID:    p.binding.PageID,
			PageURL:   url,
		})
	}
	return nil
}

// URL returns the current URL.
func (p *FakePage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// Close marks the page closed.
func (p *FakePage) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// EmitConsole publishes a console event through the page binding,
// simulating browser console output.
func (p *FakePage) EmitConsole(level, text string) {
	if p.binding.Publish == nil {
		return
	}
	p.mu.Lock()
	url := p.url
	p.mu.Unlock()
	p.binding.Publish(events.Event{
		Type:      events.TypeConsole,
		Name:      "console." + level,
		Timestamp: time.Now(),
		PageID:    p.binding.PageID,
		PageURL:   url,
		Data:      map[string]any{"text": text, "level": level},
	})
}
