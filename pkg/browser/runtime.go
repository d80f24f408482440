package browser

import (
	"context"
	"time"

	"github.com/odvcencio/browserd/pkg/events"
)

// Runtime abstracts the underlying browser engine so the pool can be
// exercised against a fake driver in tests. The production
// implementation lives in adapters/playwright.
type Runtime interface {
	// Launch starts a new browser process.
	Launch(ctx context.Context, opts LaunchOptions) (RuntimeBrowser, error)
	// Close shuts the driver down. Browsers launched through it
	// should be closed first.
	Close() error
}

// LaunchOptions configure a browser process at launch.
type LaunchOptions struct {
	Headless bool
}

// RuntimeBrowser is one live browser process.
type RuntimeBrowser interface {
	NewContext(ctx context.Context) (RuntimeContext, error)
	// Stats samples process resource usage. Drivers that cannot
	// observe the process return a zero snapshot.
	Stats() (ResourceSnapshot, error)
	Close() error
}

// RuntimeContext is an isolated cookie/cache/storage session.
type RuntimeContext interface {
	NewPage(ctx context.Context, binding PageBinding) (RuntimePage, error)
	Close() error
}

// RuntimePage is a single tab.
type RuntimePage interface {
	Navigate(ctx context.Context, url string, opts NavigateOptions) error
	URL() string
	Close() error
}

// NavigateOptions control navigation behavior.
type NavigateOptions struct {
	Timeout time.Duration
}

// PageBinding wires a page into the daemon at creation time. The
// driver checks Allow for every outgoing request and routes every
// page event through Publish. Both are fixed for the page's lifetime.
type PageBinding struct {
	PageID  string
	Allow   func(rawURL string) error
	Publish func(ev events.Event)
}

// ResourceSnapshot is a point-in-time sample of a browser process.
type ResourceSnapshot struct {
	MemoryMB   int
	CPUPercent float64
	SampledAt  time.Time
}
