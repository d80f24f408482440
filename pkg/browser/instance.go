package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/odvcencio/browserd/pkg/errors"
	"github.com/odvcencio/browserd/pkg/events"
)

// Instance is one managed browser process. It owns its execution
// contexts; closing the instance closes every context and page under
// it. All mutation goes through the instance mutex.
type Instance struct {
	id      string
	matcher *PolicyMatcher
	rb      RuntimeBrowser
	publish func(ev events.Event)

	mu         sync.Mutex
	contexts   map[string]*ExecutionContext
	createdAt  time.Time
	lastUsedAt time.Time
	closed     bool
	recycle    bool
	lastSample ResourceSnapshot
}

// NewInstance wraps a launched browser process.
func NewInstance(matcher *PolicyMatcher, rb RuntimeBrowser, publish func(ev events.Event)) *Instance {
	now := time.Now()
	if publish == nil {
		publish = func(events.Event) {}
	}
	return &Instance{
		id:         "inst-" + uuid.NewString(),
		matcher:    matcher,
		rb:         rb,
		publish:    publish,
		contexts:   make(map[string]*ExecutionContext),
		createdAt:  now,
		lastUsedAt: now,
	}
}

// ID returns the instance identifier.
func (i *Instance) ID() string { return i.id }

// Policy returns the launch policy the instance was created with.
func (i *Instance) Policy() Policy { return i.matcher.Policy() }

// CreatedAt returns the launch time.
func (i *Instance) CreatedAt() time.Time { return i.createdAt }

// ContextCount returns the number of live contexts.
func (i *Instance) ContextCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.contexts)
}

// LastUsed returns the last time a context was created or released.
func (i *Instance) LastUsed() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastUsedAt
}

// Touch updates the last-used timestamp.
func (i *Instance) Touch() {
	i.mu.Lock()
	i.lastUsedAt = time.Now()
	i.mu.Unlock()
}

// FlagRecycle marks the instance for teardown once its last context
// is released. In-flight work is never interrupted.
func (i *Instance) FlagRecycle() {
	i.mu.Lock()
	i.recycle = true
	i.mu.Unlock()
}

// NeedsRecycle reports whether the instance has been flagged.
func (i *Instance) NeedsRecycle() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.recycle
}

// Sample polls the driver for resource usage and caches the result.
func (i *Instance) Sample() (ResourceSnapshot, error) {
	snap, err := i.rb.Stats()
	if err != nil {
		return ResourceSnapshot{}, err
	}
	if snap.SampledAt.IsZero() {
		snap.SampledAt = time.Now()
	}
	i.mu.Lock()
	i.lastSample = snap
	i.mu.Unlock()
	return snap, nil
}

// LastSample returns the most recent resource snapshot.
func (i *Instance) LastSample() ResourceSnapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastSample
}

// NewContext creates an isolated execution context in this instance.
func (i *Instance) NewContext(ctx context.Context) (*ExecutionContext, error) {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrCodeContextClosed, "instance is closed").
			WithContext("instance_id", i.id)
	}
	i.mu.Unlock()

	rc, err := i.rb.NewContext(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeLaunchFailure, "failed to create execution context").
			WithContext("instance_id", i.id).
			WithRetryable(true)
	}

	ec := &ExecutionContext{
		id:        "ctx-" + uuid.NewString(),
		inst:      i,
		rc:        rc,
		pages:     make(map[string]*Page),
		createdAt: time.Now(),
	}

	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		_ = rc.Close()
		return nil, apperrors.New(apperrors.ErrCodeContextClosed, "instance closed during context creation").
			WithContext("instance_id", i.id)
	}
	i.contexts[ec.id] = ec
	i.lastUsedAt = time.Now()
	i.mu.Unlock()

	return ec, nil
}

// removeContext detaches a context after it has closed itself.
func (i *Instance) removeContext(id string) {
	i.mu.Lock()
	delete(i.contexts, id)
	i.lastUsedAt = time.Now()
	i.mu.Unlock()
}

// Close tears down every context and then the browser process.
// Errors from individual contexts are collected, not fatal.
func (i *Instance) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	contexts := make([]*ExecutionContext, 0, len(i.contexts))
	for _, ec := range i.contexts {
		contexts = append(contexts, ec)
	}
	i.contexts = make(map[string]*ExecutionContext)
	i.mu.Unlock()

	var errs []error
	for _, ec := range contexts {
		if err := ec.closeInternal(false); err != nil {
			errs = append(errs, err)
		}
	}
	if err := i.rb.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing instance %s: %v", i.id, errs)
	}
	return nil
}
