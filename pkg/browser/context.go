package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/odvcencio/browserd/pkg/errors"
)

// ExecutionContext is an isolated browsing session inside an
// Instance. Pages created in one context never share cookies,
// storage, or cache with another.
type ExecutionContext struct {
	id        string
	inst      *Instance
	rc        RuntimeContext
	createdAt time.Time

	mu     sync.Mutex
	pages  map[string]*Page
	closed bool
}

// ID returns the context identifier.
func (ec *ExecutionContext) ID() string { return ec.id }

// InstanceID returns the owning instance's identifier.
func (ec *ExecutionContext) InstanceID() string { return ec.inst.id }

// CreatedAt returns the creation time.
func (ec *ExecutionContext) CreatedAt() time.Time { return ec.createdAt }

// PageCount returns the number of open pages.
func (ec *ExecutionContext) PageCount() int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return len(ec.pages)
}

// NewPage opens a page in this context. Event hooks and the network
// policy check are bound by the driver at creation and stay fixed for
// the page's lifetime.
func (ec *ExecutionContext) NewPage(ctx context.Context) (*Page, error) {
	ec.mu.Lock()
	if ec.closed {
		ec.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrCodeContextClosed, "execution context is closed").
			WithContext("context_id", ec.id)
	}
	ec.mu.Unlock()

	pageID := "page-" + uuid.NewString()
	binding := PageBinding{
		PageID:  pageID,
		Allow:   ec.inst.matcher.Allow,
		Publish: ec.inst.publish,
	}

	rp, err := ec.rc.NewPage(ctx, binding)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeLaunchFailure, "failed to open page").
			WithContext("context_id", ec.id).
			WithRetryable(true)
	}

	p := &Page{
		id: pageID,
		ec: ec,
		rp: rp,
	}

	ec.mu.Lock()
	if ec.closed {
		ec.mu.Unlock()
		_ = rp.Close()
		return nil, apperrors.New(apperrors.ErrCodeContextClosed, "execution context closed during page creation").
			WithContext("context_id", ec.id)
	}
	ec.pages[pageID] = p
	ec.mu.Unlock()

	ec.inst.Touch()
	return p, nil
}

// removePage detaches a page after it has closed itself.
func (ec *ExecutionContext) removePage(id string) {
	ec.mu.Lock()
	delete(ec.pages, id)
	ec.mu.Unlock()
}

// Close tears down every page and the underlying driver context,
// then detaches from the owning instance.
func (ec *ExecutionContext) Close() error {
	return ec.closeInternal(true)
}

func (ec *ExecutionContext) closeInternal(detach bool) error {
	ec.mu.Lock()
	if ec.closed {
		ec.mu.Unlock()
		return nil
	}
	ec.closed = true
	pages := make([]*Page, 0, len(ec.pages))
	for _, p := range ec.pages {
		pages = append(pages, p)
	}
	ec.pages = make(map[string]*Page)
	ec.mu.Unlock()

	var errs []error
	for _, p := range pages {
		if err := p.closeInternal(false); err != nil {
			errs = append(errs, err)
		}
	}
	if err := ec.rc.Close(); err != nil {
		errs = append(errs, err)
	}

	if detach {
		ec.inst.removeContext(ec.id)
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing context %s: %v", ec.id, errs)
	}
	return nil
}

// Closed reports whether the context has been torn down.
func (ec *ExecutionContext) Closed() bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.closed
}
