package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/inbucket/listgate/pkg/dispatch"
	"github.com/inbucket/listgate/pkg/msghub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects the order tasks ran in.
type recorder struct {
	mu  sync.Mutex
	ran []string
}

func (r *recorder) handler(ctx context.Context, t *dispatch.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, t.Payload.UID)
	return nil
}

func (r *recorder) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

func run(t *testing.T, d *dispatch.Dispatcher) {
	t.Helper()
	require.NoError(t, d.Run(context.Background()))
}

func TestPriorityOrderFIFO(t *testing.T) {
	r := &recorder{}
	d := dispatch.New(dispatch.Handlers{dispatch.Test: r.handler}, nil, 16)
	for _, tc := range []struct {
		priority int
		name     string
	}{
		{5, "p5"},
		{1, "p1-first"},
		{1, "p1-second"},
		{3, "p3"},
	} {
		require.NoError(t, d.Submit(tc.priority,
			dispatch.Task{Kind: dispatch.Test, Payload: dispatch.Payload{UID: tc.name}}))
	}
	d.Close()
	run(t, d)
	assert.Equal(t, []string{"p1-first", "p1-second", "p3", "p5"}, r.order())
}

func TestSubmitAfterClose(t *testing.T) {
	d := dispatch.New(dispatch.Handlers{}, nil, 1)
	d.Close()
	d.Close()
	err := d.Enqueue(dispatch.Test, dispatch.Payload{})
	assert.ErrorIs(t, err, dispatch.ErrClosed)
}

func TestCloseDrainsQueue(t *testing.T) {
	r := &recorder{}
	d := dispatch.New(dispatch.Handlers{dispatch.PurgeInvite: r.handler}, nil, 0)
	go func() { _ = d.Run(context.Background()) }()
	for _, uid := range []string{"a", "b", "c"} {
		require.NoError(t, d.Enqueue(dispatch.PurgeInvite, dispatch.Payload{UID: uid}))
	}
	d.Close()
	select {
	case <-d.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not drain")
	}
	assert.Equal(t, []string{"a", "b", "c"}, r.order())
}

func TestErrorsAndPanicsDoNotStopLoop(t *testing.T) {
	r := &recorder{}
	d := dispatch.New(dispatch.Handlers{
		dispatch.Receive: func(ctx context.Context, t *dispatch.Task) error {
			panic("boom")
		},
		dispatch.RefreshInvites: func(ctx context.Context, t *dispatch.Task) error {
			return errors.New("directory down")
		},
		dispatch.Test: r.handler,
	}, nil, 16)
	require.NoError(t, d.Enqueue(dispatch.Receive, dispatch.Payload{}))
	require.NoError(t, d.Enqueue(dispatch.RefreshInvites, dispatch.Payload{}))
	require.NoError(t, d.Submit(99, dispatch.Task{Kind: dispatch.Kind(42)}))
	require.NoError(t, d.Enqueue(dispatch.Test, dispatch.Payload{UID: "still running"}))
	d.Close()
	run(t, d)
	assert.Equal(t, []string{"still running"}, r.order())
}

func TestFollowupRunsBeforeDrainEnds(t *testing.T) {
	r := &recorder{}
	var d *dispatch.Dispatcher
	d = dispatch.New(dispatch.Handlers{
		dispatch.Receive: func(ctx context.Context, t *dispatch.Task) error {
			d.Followup(dispatch.RefreshCalendarsPublished, dispatch.Payload{UID: "published"})
			return r.handler(ctx, t)
		},
		dispatch.RefreshCalendarsPublished: r.handler,
		dispatch.RefreshInvites:            r.handler,
	}, nil, 16)
	require.NoError(t, d.Enqueue(dispatch.Receive, dispatch.Payload{UID: "received"}))
	require.NoError(t, d.Enqueue(dispatch.RefreshInvites, dispatch.Payload{UID: "refresh"}))
	d.Close()
	run(t, d)
	assert.Equal(t, []string{"refresh", "received", "published"}, r.order())
}

func TestRunCanceled(t *testing.T) {
	d := dispatch.New(dispatch.Handlers{}, nil, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Run(ctx), context.Canceled)
}

func TestActivityReported(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := msghub.New(10)
	go hub.Start(ctx)

	d := dispatch.New(dispatch.Handlers{
		dispatch.Test: func(ctx context.Context, t *dispatch.Task) error { return nil },
		dispatch.PurgeInvite: func(ctx context.Context, t *dispatch.Task) error {
			return errors.New("locked")
		},
	}, hub, 4)
	require.NoError(t, d.Enqueue(dispatch.Test, dispatch.Payload{}))
	require.NoError(t, d.Enqueue(dispatch.PurgeInvite, dispatch.Payload{UID: "123"}))
	d.Close()
	run(t, d)
	hub.Sync()

	recent := hub.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, "purge_invite", recent[0].Kind)
	assert.Equal(t, "locked", recent[0].Error)
	assert.Equal(t, "uid=123", recent[0].Detail)
	assert.Equal(t, "test", recent[1].Kind)
	assert.Empty(t, recent[1].Error)
	assert.NotEmpty(t, recent[1].ID)
}

func TestKinds(t *testing.T) {
	for kind, want := range map[dispatch.Kind]int{
		dispatch.Receive:                   1,
		dispatch.RefreshWiki:               10,
		dispatch.FlushDirectoryCache:       0,
		dispatch.RefreshInvites:            0,
		dispatch.RefreshCalendarsPublished: 10,
		dispatch.ForceResendInvite:         0,
		dispatch.PurgeInvite:               0,
		dispatch.Test:                      10,
	} {
		assert.Equal(t, want, kind.Priority(), kind.String())
		parsed, err := dispatch.ParseKind(kind.String())
		require.NoError(t, err)
		assert.Equal(t, kind, parsed)
	}
	_, err := dispatch.ParseKind("nope")
	assert.Error(t, err)
}

func TestKindNames(t *testing.T) {
	assert.Equal(t, "flush_gitlab_cache", dispatch.FlushDirectoryCache.String())
	parsed, err := dispatch.ParseKind("Flush_GitLab_Cache")
	require.NoError(t, err)
	assert.Equal(t, dispatch.FlushDirectoryCache, parsed)
}
