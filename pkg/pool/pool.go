package pool

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/odvcencio/browserd/pkg/browser"
	apperrors "github.com/odvcencio/browserd/pkg/errors"
	"github.com/odvcencio/browserd/pkg/events"
	"github.com/odvcencio/browserd/pkg/logging"
)

// placementRetryInterval is how often a blocked Acquire re-checks for
// freed capacity before its deadline expires.
const placementRetryInterval = 25 * time.Millisecond

// Config controls pool behavior.
type Config struct {
	MaxInstances           int
	MaxContextsPerInstance int
	IdleTimeout            time.Duration
	AcquireTimeout         time.Duration
	SweepInterval          time.Duration
	SampleInterval         time.Duration
	MaxMemoryMB            int
}

// Recorder persists pool lifecycle transitions. All methods are
// best-effort; failures never affect pool behavior.
type Recorder interface {
	RecordInstanceLaunched(id string, policy browser.Policy, at time.Time) error
	RecordInstanceClosed(id, reason string, at time.Time) error
	RecordContextAcquired(ctxID, instID string, at time.Time) error
	RecordContextReleased(ctxID string, at time.Time) error
}

// ContextInfo describes one leased execution context.
type ContextInfo struct {
	ContextID  string    `json:"context_id"`
	InstanceID string    `json:"instance_id"`
	CreatedAt  time.Time `json:"created_at"`
	Pages      int       `json:"pages"`
}

type contextEntry struct {
	ec   *browser.ExecutionContext
	inst *browser.Instance
}

// Pool manages a bounded set of browser instances and leases
// execution contexts out of them. Contexts sharing an instance always
// share the same launch policy.
type Pool struct {
	cfg      Config
	runtime  browser.Runtime
	publish  func(ev events.Event)
	logger   *logging.Logger
	recorder Recorder

	sem *semaphore.Weighted

	mu          sync.Mutex
	instances   map[string]*browser.Instance
	contexts    map[string]contextEntry
	perInstance map[string]int
	launching   int
	closed      bool

	stop chan struct{}
	done chan struct{}
}

// New creates a pool on top of a browser runtime. publish receives
// every browser event; recorder and logger may be nil.
func New(cfg Config, runtime browser.Runtime, publish func(ev events.Event), logger *logging.Logger, recorder Recorder) *Pool {
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = 1
	}
	if cfg.MaxContextsPerInstance <= 0 {
		cfg.MaxContextsPerInstance = 1
	}
	if publish == nil {
		publish = func(events.Event) {}
	}

	total := int64(cfg.MaxInstances) * int64(cfg.MaxContextsPerInstance)
	return &Pool{
		cfg:         cfg,
		runtime:     runtime,
		publish:     publish,
		logger:      logger,
		recorder:    recorder,
		sem:         semaphore.NewWeighted(total),
		instances:   make(map[string]*browser.Instance),
		contexts:    make(map[string]contextEntry),
		perInstance: make(map[string]int),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the background eviction and resource sampling loops.
// They run until ctx is cancelled or Cleanup is called.
func (p *Pool) Start(ctx context.Context) {
	go p.backgroundLoop(ctx)
}

func (p *Pool) backgroundLoop(ctx context.Context) {
	defer close(p.done)

	sweepInterval := p.cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	sampleInterval := p.cfg.SampleInterval
	if sampleInterval <= 0 {
		sampleInterval = 30 * time.Second
	}

	sweep := time.NewTicker(sweepInterval)
	sample := time.NewTicker(sampleInterval)
	defer sweep.Stop()
	defer sample.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-sweep.C:
			p.evictIdle()
		case <-sample.C:
			p.sampleResources()
		}
	}
}

// Acquire leases an execution context matching the policy. It reuses
// an idle instance with an equal policy when one has capacity,
// launches a new instance while under the global limit, and otherwise
// waits until the context deadline before failing with POOL_EXHAUSTED.
// A failed or timed-out acquire leaves no partial resources behind.
func (p *Pool) Acquire(ctx context.Context, policy browser.Policy) (*browser.ExecutionContext, error) {
	matcher, err := browser.NewPolicyMatcher(policy)
	if err != nil {
		return nil, err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, p.exhausted(err)
	}
	// The semaphore slot is released on every failure path below and
	// otherwise held until Release closes the context.

	for {
		inst, launch, err := p.placeLocked(policy)
		if err != nil {
			p.sem.Release(1)
			return nil, err
		}

		if launch {
			return p.launchAndLease(ctx, policy, matcher)
		}
		if inst != nil {
			return p.leaseFrom(ctx, inst, false)
		}

		// Everything is at capacity with mismatched policies or
		// instances flagged for recycling. Wait for churn.
		select {
		case <-ctx.Done():
			p.sem.Release(1)
			return nil, p.exhausted(ctx.Err())
		case <-time.After(placementRetryInterval):
		}
	}
}

// placeLocked decides where the next context goes: an existing
// instance, a fresh launch, or neither (wait).
func (p *Pool) placeLocked(policy browser.Policy) (*browser.Instance, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false, apperrors.New(apperrors.ErrCodePoolClosed, "pool is shut down")
	}

	for id, inst := range p.instances {
		if inst.NeedsRecycle() {
			continue
		}
		if p.perInstance[id] >= p.cfg.MaxContextsPerInstance {
			continue
		}
		if !inst.Policy().Equal(policy) {
			continue
		}
		p.perInstance[id]++
		return inst, false, nil
	}

	if len(p.instances)+p.launching < p.cfg.MaxInstances {
		p.launching++
		return nil, true, nil
	}

	return nil, false, nil
}

// launchAndLease starts a new instance and creates the first context
// in it. Holds a launching reservation from placeLocked.
func (p *Pool) launchAndLease(ctx context.Context, policy browser.Policy, matcher *browser.PolicyMatcher) (*browser.ExecutionContext, error) {
	rb, err := p.runtime.Launch(ctx, browser.LaunchOptions{Headless: policy.Headless})
	if err != nil {
		p.mu.Lock()
		p.launching--
		p.mu.Unlock()
		p.sem.Release(1)
		metricLaunchFailures.Inc()
		p.logger.Error(logging.CategoryPool, "launch_failed", "browser launch failed", map[string]any{
			"error": err.Error(),
		})
		if ctx.Err() != nil {
			return nil, p.exhausted(ctx.Err())
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeLaunchFailure, "failed to launch browser instance").
			WithRetryable(true)
	}

	inst := browser.NewInstance(matcher, rb, p.publish)

	p.mu.Lock()
	p.launching--
	if p.closed {
		p.mu.Unlock()
		_ = inst.Close()
		p.sem.Release(1)
		return nil, apperrors.New(apperrors.ErrCodePoolClosed, "pool is shut down")
	}
	p.instances[inst.ID()] = inst
	p.perInstance[inst.ID()] = 1
	p.mu.Unlock()

	metricLaunches.Inc()
	metricInstances.Set(float64(p.InstanceCount()))
	p.logger.Info(logging.CategoryPool, "instance_launched", "browser instance launched", map[string]any{
		"instance_id": inst.ID(),
	})
	p.record(func(r Recorder) error {
		return r.RecordInstanceLaunched(inst.ID(), policy, time.Now())
	})

	return p.leaseFrom(ctx, inst, true)
}

// leaseFrom creates a context in the chosen instance. The caller has
// already reserved the per-instance slot. fresh marks an instance
// launched for this very lease: if context creation fails on it, the
// instance is torn down so the failed acquire leaves nothing behind.
func (p *Pool) leaseFrom(ctx context.Context, inst *browser.Instance, fresh bool) (*browser.ExecutionContext, error) {
	ec, err := inst.NewContext(ctx)
	if err != nil {
		p.mu.Lock()
		p.perInstance[inst.ID()]--
		remove := fresh && p.perInstance[inst.ID()] == 0
		if remove {
			delete(p.instances, inst.ID())
			delete(p.perInstance, inst.ID())
		}
		p.mu.Unlock()

		if remove {
			p.closeInstance(inst, "launch_rollback")
		}
		p.sem.Release(1)
		return nil, err
	}

	p.mu.Lock()
	p.contexts[ec.ID()] = contextEntry{ec: ec, inst: inst}
	p.mu.Unlock()

	metricContexts.Set(float64(p.ContextCount()))
	p.logger.Info(logging.CategoryPool, "context_acquired", "execution context leased", map[string]any{
		"context_id":  ec.ID(),
		"instance_id": inst.ID(),
	})
	p.record(func(r Recorder) error {
		return r.RecordContextAcquired(ec.ID(), inst.ID(), time.Now())
	})

	return ec, nil
}

// Release returns a context to the pool and closes it. Releasing an
// unknown or already-released context is a no-op. If the owning
// instance is flagged for recycling and this was its last context,
// the instance is torn down here.
func (p *Pool) Release(ctxID string) error {
	p.mu.Lock()
	entry, ok := p.contexts[ctxID]
	if !ok {
		p.mu.Unlock()
		p.logger.Debug(logging.CategoryPool, "release_unknown", "context already released", map[string]any{
			"context_id": ctxID,
		})
		return nil
	}
	delete(p.contexts, ctxID)
	instID := entry.inst.ID()
	p.perInstance[instID]--
	recycleNow := entry.inst.NeedsRecycle() && p.perInstance[instID] == 0
	if recycleNow {
		delete(p.instances, instID)
		delete(p.perInstance, instID)
	}
	p.mu.Unlock()

	if err := entry.ec.Close(); err != nil {
		p.logger.Warn(logging.CategoryPool, "context_close_error", "error closing context", map[string]any{
			"context_id": ctxID,
			"error":      err.Error(),
		})
	}
	entry.inst.Touch()
	p.sem.Release(1)

	metricContexts.Set(float64(p.ContextCount()))
	p.record(func(r Recorder) error {
		return r.RecordContextReleased(ctxID, time.Now())
	})

	if recycleNow {
		metricRecycled.Inc()
		p.closeInstance(entry.inst, "recycled")
	}
	return nil
}

// Get returns a leased context by ID.
func (p *Pool) Get(ctxID string) (*browser.ExecutionContext, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.contexts[ctxID]
	if !ok {
		return nil, false
	}
	return entry.ec, true
}

// ActiveContexts lists every leased context.
func (p *Pool) ActiveContexts() []ContextInfo {
	p.mu.Lock()
	entries := make([]contextEntry, 0, len(p.contexts))
	for _, e := range p.contexts {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	infos := make([]ContextInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, ContextInfo{
			ContextID:  e.ec.ID(),
			InstanceID: e.inst.ID(),
			CreatedAt:  e.ec.CreatedAt(),
			Pages:      e.ec.PageCount(),
		})
	}
	return infos
}

// InstanceCount returns the number of live instances.
func (p *Pool) InstanceCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}

// ContextCount returns the number of leased contexts.
func (p *Pool) ContextCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.contexts)
}

// evictIdle closes instances that have had no contexts for longer
// than the idle timeout. A failure on one instance never blocks
// eviction of the others.
func (p *Pool) evictIdle() {
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)

	p.mu.Lock()
	var victims []*browser.Instance
	for id, inst := range p.instances {
		if p.perInstance[id] != 0 {
			continue
		}
		if inst.LastUsed().After(cutoff) {
			continue
		}
		delete(p.instances, id)
		delete(p.perInstance, id)
		victims = append(victims, inst)
	}
	p.mu.Unlock()

	for _, inst := range victims {
		metricEvictions.Inc()
		p.closeInstance(inst, "idle")
	}
	if len(victims) > 0 {
		metricInstances.Set(float64(p.InstanceCount()))
	}
}

// sampleResources polls every instance for resource usage and flags
// over-threshold instances for recycling at their next release.
func (p *Pool) sampleResources() {
	p.mu.Lock()
	insts := make([]*browser.Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		insts = append(insts, inst)
	}
	p.mu.Unlock()

	for _, inst := range insts {
		snap, err := inst.Sample()
		if err != nil {
			p.logger.Warn(logging.CategoryPool, "sample_failed", "resource sampling failed", map[string]any{
				"instance_id": inst.ID(),
				"error":       err.Error(),
			})
			continue
		}
		if p.cfg.MaxMemoryMB > 0 && snap.MemoryMB > p.cfg.MaxMemoryMB && !inst.NeedsRecycle() {
			inst.FlagRecycle()
			p.logger.Warn(logging.CategoryPool, "instance_flagged", "instance over memory threshold, will recycle", map[string]any{
				"instance_id": inst.ID(),
				"memory_mb":   snap.MemoryMB,
				"limit_mb":    p.cfg.MaxMemoryMB,
			})
		}
	}

	// Flagged instances with no leases can go right away.
	p.mu.Lock()
	var victims []*browser.Instance
	for id, inst := range p.instances {
		if inst.NeedsRecycle() && p.perInstance[id] == 0 {
			delete(p.instances, id)
			delete(p.perInstance, id)
			victims = append(victims, inst)
		}
	}
	p.mu.Unlock()

	for _, inst := range victims {
		metricRecycled.Inc()
		p.closeInstance(inst, "recycled")
	}
}

// Cleanup force-closes everything. Individual teardown errors are
// logged and swallowed so shutdown always completes.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	insts := make([]*browser.Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		insts = append(insts, inst)
	}
	p.instances = make(map[string]*browser.Instance)
	p.contexts = make(map[string]contextEntry)
	p.perInstance = make(map[string]int)
	p.mu.Unlock()

	close(p.stop)

	for _, inst := range insts {
		p.closeInstance(inst, "shutdown")
	}

	metricInstances.Set(0)
	metricContexts.Set(0)
	p.logger.Info(logging.CategoryPool, "cleanup", "pool shut down", map[string]any{
		"instances_closed": len(insts),
	})
}

// closeInstance tears an instance down, logging rather than
// propagating errors.
func (p *Pool) closeInstance(inst *browser.Instance, reason string) {
	if err := inst.Close(); err != nil {
		p.logger.Warn(logging.CategoryPool, "instance_close_error", "error closing instance", map[string]any{
			"instance_id": inst.ID(),
			"reason":      reason,
			"error":       err.Error(),
		})
	} else {
		p.logger.Info(logging.CategoryPool, "instance_closed", "browser instance closed", map[string]any{
			"instance_id": inst.ID(),
			"reason":      reason,
		})
	}
	p.record(func(r Recorder) error {
		return r.RecordInstanceClosed(inst.ID(), reason, time.Now())
	})
}

// record runs a recorder call if a recorder is attached, logging
// failures.
func (p *Pool) record(fn func(r Recorder) error) {
	if p.recorder == nil {
		return
	}
	if err := fn(p.recorder); err != nil {
		p.logger.Warn(logging.CategoryStorage, "record_failed", "failed to persist pool event", map[string]any{
			"error": err.Error(),
		})
	}
}

// exhausted converts a wait failure into the pool's retryable
// exhaustion error.
func (p *Pool) exhausted(cause error) error {
	return apperrors.Wrap(cause, apperrors.ErrCodePoolExhausted, "no browser capacity available").
		WithRetryable(true).
		WithUserMessage("Browser pool is at capacity, retry shortly").
		WithContext("max_instances", p.cfg.MaxInstances)
}
