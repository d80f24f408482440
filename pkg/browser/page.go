package browser

import (
	"context"
	"sync"

	apperrors "github.com/odvcencio/browserd/pkg/errors"
)

// Page is a single tab within an execution context.
type Page struct {
	id string
	ec *ExecutionContext
	rp RuntimePage

	mu     sync.Mutex
	closed bool
}

// ID returns the page identifier.
func (p *Page) ID() string { return p.id }

// ContextID returns the owning execution context's identifier.
func (p *Page) ContextID() string { return p.ec.id }

// URL returns the page's current URL.
func (p *Page) URL() string {
	return p.rp.URL()
}

// Navigate loads a URL. The destination host is checked against the
// instance policy before any network I/O; the driver independently
// enforces the same policy on every sub-resource request.
func (p *Page) Navigate(ctx context.Context, url string, opts NavigateOptions) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return apperrors.New(apperrors.ErrCodePageClosed, "page is closed").
			WithContext("page_id", p.id)
	}
	p.mu.Unlock()

	if p.ec.Closed() {
		return apperrors.New(apperrors.ErrCodeContextClosed, "execution context is closed").
			WithContext("context_id", p.ec.id)
	}

	if err := p.ec.inst.matcher.Allow(url); err != nil {
		return err
	}

	if err := p.rp.Navigate(ctx, url, opts); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeNavigateFailed, "navigation failed").
			WithContext("page_id", p.id).
			WithContext("url", url)
	}

	p.ec.inst.Touch()
	return nil
}

// Close tears down the page and detaches it from its context.
func (p *Page) Close() error {
	return p.closeInternal(true)
}

func (p *Page) closeInternal(detach bool) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.rp.Close()
	if detach {
		p.ec.removePage(p.id)
	}
	return err
}
