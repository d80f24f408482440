package browser_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/browserd/pkg/browser"
	"github.com/odvcencio/browserd/pkg/browser/browsertest"
	apperrors "github.com/odvcencio/browserd/pkg/errors"
	"github.com/odvcencio/browserd/pkg/events"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) publish(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.events))
	copy(out, r.events)
	return out
}

func newTestInstance(t *testing.T, policy browser.Policy, rec *eventRecorder) (*browser.Instance, *browsertest.FakeRuntime) {
	t.Helper()
	rt := browsertest.NewFakeRuntime()
	rb, err := rt.Launch(context.Background(), browser.LaunchOptions{Headless: policy.Headless})
	require.NoError(t, err)
	m, err := browser.NewPolicyMatcher(policy)
	require.NoError(t, err)
	var publish func(events.Event)
	if rec != nil {
		publish = rec.publish
	}
	return browser.NewInstance(m, rb, publish), rt
}

func TestContextAndPageLifecycle(t *testing.T) {
	rec := &eventRecorder{}
	inst, _ := newTestInstance(t, browser.Policy{Headless: true}, rec)

	ec, err := inst.NewContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, inst.ContextCount())
	assert.Equal(t, inst.ID(), ec.InstanceID())

	page, err := ec.NewPage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, ec.PageCount())

	require.NoError(t, page.Navigate(context.Background(), "https://example.com/", browser.NavigateOptions{}))
	assert.Equal(t, "https://example.com/", page.URL())

	// Navigation produced a page.load event bound to this page.
	evs := rec.all()
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypePage, evs[0].Type)
	assert.Equal(t, page.ID(), evs[0].PageID)

	require.NoError(t, page.Close())
	assert.Equal(t, 0, ec.PageCount())

	require.NoError(t, ec.Close())
	assert.Equal(t, 0, inst.ContextCount())
}

func TestNavigateBlockedDomain(t *testing.T) {
	inst, _ := newTestInstance(t, browser.Policy{
		AllowedDomains: []string{"example.com"},
		Headless:       true,
	}, nil)

	ec, err := inst.NewContext(context.Background())
	require.NoError(t, err)
	page, err := ec.NewPage(context.Background())
	require.NoError(t, err)

	err = page.Navigate(context.Background(), "https://forbidden.io/", browser.NavigateOptions{})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeDomainBlocked, apperrors.GetCode(err))
	// URL is untouched, nothing was loaded.
	assert.Equal(t, "about:blank", page.URL())
}

func TestInstanceCloseCascades(t *testing.T) {
	inst, rt := newTestInstance(t, browser.Policy{Headless: true}, nil)

	ec, err := inst.NewContext(context.Background())
	require.NoError(t, err)
	page, err := ec.NewPage(context.Background())
	require.NoError(t, err)

	require.NoError(t, inst.Close())

	// The driver browser was closed and child operations now fail.
	require.True(t, rt.Launched()[0].Closed())
	err = page.Navigate(context.Background(), "https://example.com/", browser.NavigateOptions{})
	require.Error(t, err)

	_, err = inst.NewContext(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeContextClosed, apperrors.GetCode(err))
}

func TestClosedContextRejectsNewPages(t *testing.T) {
	inst, _ := newTestInstance(t, browser.Policy{Headless: true}, nil)

	ec, err := inst.NewContext(context.Background())
	require.NoError(t, err)
	require.NoError(t, ec.Close())

	_, err = ec.NewPage(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeContextClosed, apperrors.GetCode(err))

	// Closing again is a no-op.
	require.NoError(t, ec.Close())
}

func TestRecycleFlag(t *testing.T) {
	inst, _ := newTestInstance(t, browser.Policy{Headless: true}, nil)

	assert.False(t, inst.NeedsRecycle())
	inst.FlagRecycle()
	assert.True(t, inst.NeedsRecycle())
}
