package engine

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus/replica/internal/endpoint"
	"github.com/marcus/replica/internal/message"
	"github.com/marcus/replica/internal/record"
	"github.com/marcus/replica/internal/store"
	"github.com/marcus/replica/internal/synctest"
	"github.com/marcus/replica/internal/transport"
	"github.com/marcus/replica/internal/view"
)

type harness struct {
	srv   *synctest.Server
	store store.Store
	eng   *Engine
	ep    *endpoint.Endpoint
}

func newHarness(t *testing.T, opts ...func(*Options, *synctest.Server)) *harness {
	t.Helper()
	srv := synctest.New(t)
	s := synctest.NewStore(t)
	o := Options{
		Store:    s,
		Remote:   transport.NewHTTP("", "dev-1", 2*time.Second),
		Identity: "alice",
		DeviceID: "dev-1",
	}
	for _, fn := range opts {
		fn(&o, srv)
	}
	eng, err := New(o)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	ep, err := eng.Endpoint(context.Background(), endpoint.Spec{Entity: "tasks", RemoteRoot: srv.Root("tasks")})
	require.NoError(t, err)
	return &harness{srv: srv, store: s, eng: eng, ep: ep}
}

func (h *harness) queueLen(t *testing.T) int {
	t.Helper()
	n, err := h.eng.Queue().Len(context.Background())
	require.NoError(t, err)
	return n
}

func TestNewRequiresPorts(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{Store: synctest.NewStore(t)})
	assert.Error(t, err)
}

func TestCreateOnline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m := record.NewModel("tasks", message.Attrs{"id": "t1", "title": "write tests"})
	res, err := h.eng.Sync(ctx, message.Create, m, SyncOptions{})
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.True(t, m.Synced())
	assert.False(t, m.HasChanges())

	got, ok := h.srv.Record("tasks", "t1")
	require.True(t, ok)
	assert.Equal(t, "write tests", got["title"])

	local, err := h.store.Get(ctx, "tasks", "t1")
	require.NoError(t, err)
	assert.EqualValues(t, got["updated_at"], local["updated_at"])
	assert.Zero(t, h.queueLen(t))
}

func TestCreateAssignsID(t *testing.T) {
	h := newHarness(t)
	m := record.NewModel("tasks", message.Attrs{"title": "no id"})
	_, err := h.eng.Sync(context.Background(), message.Create, m, SyncOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, m.ID())

	_, ok := h.srv.Record("tasks", m.ID())
	assert.True(t, ok)
}

func TestUnknownEntity(t *testing.T) {
	h := newHarness(t)
	m := record.NewModel("notes", message.Attrs{"id": "n1"})
	_, err := h.eng.Sync(context.Background(), message.Create, m, SyncOptions{})
	assert.ErrorIs(t, err, endpoint.ErrUnknownEndpoint)
}

// Messages applied in order to an empty cache leave one merged record and no
// queue entries.
func TestApplyCreateThenPatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.eng.Reconciler()

	require.NoError(t, rec.OnMessage(ctx, h.ep, message.Message{ID: "a", Method: message.Create, Time: 1}))
	require.NoError(t, rec.OnMessage(ctx, h.ep, message.Message{ID: "a", Method: message.Patch, Data: message.Attrs{"x": 2}, Time: 2}))

	recs, err := h.store.List(ctx, "tasks")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].ID())
	assert.EqualValues(t, 2, recs[0]["x"])
	assert.Zero(t, h.queueLen(t))
}

func TestOfflineQueuesAndReplays(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.srv.SetOffline(true)

	m := record.NewModel("tasks", message.Attrs{"id": "t1", "title": "draft"})
	res, err := h.eng.Sync(ctx, message.Create, m, SyncOptions{})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, endpoint.Disconnected, h.ep.State())
	assert.Equal(t, "tasks", h.eng.Registry().DisconnectedBy())

	// Optimistic data is visible locally.
	local, err := h.store.Get(ctx, "tasks", "t1")
	require.NoError(t, err)
	assert.Equal(t, "draft", local["title"])

	m.Set(message.Attrs{"done": true})
	res, err = h.eng.Sync(ctx, message.Patch, m, SyncOptions{})
	require.NoError(t, err)
	assert.True(t, res.Queued)

	pending, err := h.eng.Queue().Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, message.Create, pending[0].Method)
	assert.Equal(t, true, pending[0].Data["done"])
	assert.Equal(t, "draft", pending[0].Data["title"])

	h.srv.SetOffline(false)
	require.NoError(t, h.eng.Reconnect(ctx))

	assert.Equal(t, endpoint.Connected, h.ep.State())
	assert.Empty(t, h.eng.Registry().DisconnectedBy())
	assert.Zero(t, h.queueLen(t))

	changes := h.srv.Changes("tasks")
	require.Len(t, changes, 1)
	assert.Equal(t, message.Create, changes[0].Method)
	got, ok := h.srv.Record("tasks", "t1")
	require.True(t, ok)
	assert.Equal(t, true, got["done"])
}

func TestCreateThenDeleteOfflineCancels(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.srv.SetOffline(true)

	m := record.NewModel("tasks", message.Attrs{"id": "t1"})
	_, err := h.eng.Sync(ctx, message.Create, m, SyncOptions{})
	require.NoError(t, err)

	res, err := h.eng.Sync(ctx, message.Delete, m, SyncOptions{})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.True(t, m.Deleted())
	assert.Zero(t, h.queueLen(t))

	_, err = h.store.Get(ctx, "tasks", "t1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// A replayed create rejected with 410 deletes the optimistic record and its
// queue entry.
func TestReplayGoneDeletesLocal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.srv.SetOffline(true)

	m := record.NewModel("tasks", message.Attrs{"id": "t1", "title": "doomed"})
	res, err := h.eng.Sync(ctx, message.Create, m, SyncOptions{})
	require.NoError(t, err)
	require.True(t, res.Queued)

	h.srv.SetOffline(false)
	h.srv.RejectCreate("tasks", http.StatusGone)

	out, err := h.eng.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Rejected)
	assert.Zero(t, out.Remaining)

	_, err = h.store.Get(ctx, "tasks", "t1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, h.queueLen(t))
	_, ok := h.srv.Record("tasks", "t1")
	assert.False(t, ok)
}

func TestRejectionRefetchesCanonical(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.srv.Put("tasks", message.Attrs{"id": "x", "title": "server"})

	m := record.NewModel("tasks", message.Attrs{"id": "x", "title": "mine"})
	h.srv.Reject("tasks", "x", http.StatusConflict)

	_, err := h.eng.Sync(ctx, message.Update, m, SyncOptions{})
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, http.StatusConflict, rej.Status())
	assert.NoError(t, rej.RecoverErr)
	assert.Equal(t, http.StatusConflict, transport.StatusOf(err))

	assert.Equal(t, "server", m.Attributes()["title"])
	local, err := h.store.Get(ctx, "tasks", "x")
	require.NoError(t, err)
	assert.Equal(t, "server", local["title"])
	assert.Zero(t, h.queueLen(t))
}

func TestCustomRecover(t *testing.T) {
	failing := errors.New("no recovery today")
	h := newHarness(t, func(o *Options, _ *synctest.Server) {
		o.Recover = func(context.Context, *endpoint.Endpoint, message.Message, *transport.Rejection) (Recovery, error) {
			return Recovery{}, failing
		}
	})
	ctx := context.Background()
	h.srv.SetOffline(true)

	_, err := h.eng.Sync(ctx, message.Create, record.NewModel("tasks", message.Attrs{"id": "a"}), SyncOptions{})
	require.NoError(t, err)
	_, err = h.eng.Sync(ctx, message.Create, record.NewModel("tasks", message.Attrs{"id": "b"}), SyncOptions{})
	require.NoError(t, err)

	h.srv.SetOffline(false)
	h.srv.RejectCreate("tasks", http.StatusUnprocessableEntity)

	res, err := h.eng.Replay(ctx)
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.ErrorIs(t, rej.RecoverErr, failing)
	assert.Equal(t, "tasks~a", res.BlockedOn)
	assert.Equal(t, 2, res.Remaining)
	assert.Equal(t, 2, h.queueLen(t))
}

func TestReplayStopsAtUnregisteredEndpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	notes, err := h.eng.Endpoint(ctx, endpoint.Spec{Entity: "notes", RemoteRoot: h.srv.Root("notes"), Priority: -1})
	require.NoError(t, err)

	_, err = h.eng.Sync(ctx, message.Create, record.NewModel("notes", message.Attrs{"id": "n1"}), SyncOptions{NoDispatch: true})
	require.NoError(t, err)
	_, err = h.eng.Sync(ctx, message.Create, record.NewModel("tasks", message.Attrs{"id": "t1"}), SyncOptions{NoDispatch: true})
	require.NoError(t, err)

	require.True(t, h.eng.CloseEndpoint(notes.Entity))
	res, err := h.eng.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, "notes~n1", res.BlockedOn)
	assert.Zero(t, res.Sent)
	assert.Equal(t, 2, res.Remaining)

	_, err = h.eng.Endpoint(ctx, endpoint.Spec{Entity: "notes", RemoteRoot: h.srv.Root("notes"), Priority: -1})
	require.NoError(t, err)
	res, err = h.eng.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Zero(t, res.Remaining)

	_, ok := h.srv.Record("notes", "n1")
	assert.True(t, ok)
	_, ok = h.srv.Record("tasks", "t1")
	assert.True(t, ok)
}

func TestReplaySingleFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := h.eng.Sync(ctx, message.Create, record.NewModel("tasks", message.Attrs{"id": id}), SyncOptions{NoDispatch: true})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.eng.Replay(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Zero(t, h.queueLen(t))
	assert.Len(t, h.srv.Changes("tasks"), 3)
}

func TestReadFallsBackToCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.srv.Put("tasks", message.Attrs{"id": "r", "title": "remote"})

	_, err := h.eng.Reconciler().Pull(ctx, h.ep)
	require.NoError(t, err)

	m := record.NewModel("tasks", message.Attrs{"id": "r"})
	res, err := h.eng.Sync(ctx, message.Read, m, SyncOptions{})
	require.NoError(t, err)
	assert.False(t, res.Local)
	assert.Equal(t, "remote", m.Attributes()["title"])

	h.srv.SetOffline(true)
	m2 := record.NewModel("tasks", message.Attrs{"id": "r"})
	res, err = h.eng.Sync(ctx, message.Read, m2, SyncOptions{})
	require.NoError(t, err)
	assert.True(t, res.Local)
	assert.Equal(t, "remote", m2.Attributes()["title"])
	assert.Zero(t, h.queueLen(t))
}

func TestConnectPullsThenReplays(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.srv.Put("tasks", message.Attrs{"id": "s1"})

	_, err := h.eng.Sync(ctx, message.Create, record.NewModel("tasks", message.Attrs{"id": "l1"}), SyncOptions{NoDispatch: true})
	require.NoError(t, err)

	res, err := h.eng.OnConnect(ctx, "tasks")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, endpoint.Connected, h.ep.State())
	assert.Zero(t, h.queueLen(t))

	_, err = h.store.Get(ctx, "tasks", "s1")
	assert.NoError(t, err)
	_, ok := h.srv.Record("tasks", "l1")
	assert.True(t, ok)
}

func TestConnectOffline(t *testing.T) {
	h := newHarness(t)
	h.srv.SetOffline(true)

	_, err := h.eng.OnConnect(context.Background(), "tasks")
	require.Error(t, err)
	assert.True(t, transport.IsConnectivity(err))
	assert.Equal(t, endpoint.Disconnected, h.ep.State())
	assert.Equal(t, "tasks", h.eng.Registry().DisconnectedBy())
}

func TestLiveViewFollowsSync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	v, cancel, err := h.eng.View(ctx, view.Spec{Entity: "tasks", Sort: "title", Limit: 2}, view.StoreSource{Store: h.store})
	require.NoError(t, err)
	defer cancel()

	for _, title := range []string{"b", "a", "c"} {
		_, err := h.eng.Sync(ctx, message.Create, record.NewModel("tasks", message.Attrs{"id": title, "title": title}), SyncOptions{})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b"}, v.IDs())

	m := record.NewModel("tasks", message.Attrs{"id": "b"})
	_, err = h.eng.Sync(ctx, message.Delete, m, SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, v.IDs())
}

func TestRemoteSourcePaging(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		h.srv.Put("tasks", message.Attrs{"id": string(rune('a' + i)), "n": i})
	}

	v, cancel, err := h.eng.View(ctx, view.Spec{Entity: "tasks", Sort: "n", Limit: 10}, nil)
	require.NoError(t, err)
	defer cancel()
	require.Len(t, v.IDs(), 10)

	assert.Equal(t, "a", v.IDs()[0])

	var lens []int
	var nexts []bool
	for i := 0; i < 3; i++ {
		require.NoError(t, v.FetchNext(ctx, h.eng.Source()))
		lens = append(lens, len(v.IDs()))
		nexts = append(nexts, v.Status().Next)
		if i == 0 {
			assert.Equal(t, "k", v.IDs()[0], "first FetchNext moves past the fetched page")
		}
	}
	assert.Equal(t, []int{10, 5, 5}, lens)
	assert.Equal(t, []bool{true, false, false}, nexts)
	assert.Equal(t, 20, v.Status().Offset)

	// Offline reads come from the cache, which is empty here.
	h.srv.SetOffline(true)
	batch, err := h.eng.Source().Fetch(ctx, "tasks", view.Page{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, batch.Records)
	assert.False(t, batch.Paged)
}

func TestPushDeliversChanges(t *testing.T) {
	h := newHarness(t, func(o *Options, srv *synctest.Server) {
		ws := transport.NewWebSocket("", "dev-1")
		ws.Backoff = transport.Backoff{Initial: 20 * time.Millisecond, Max: 100 * time.Millisecond, Multiplier: 2}
		o.Push = ws
		o.PushURL = srv.PushURL()
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v, unsub, err := h.eng.View(ctx, view.Spec{Entity: "tasks", Sort: "title"}, view.StoreSource{Store: h.store})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, h.eng.StartPush(ctx))
	require.True(t, h.srv.WaitBound(h.ep.Channel, 2*time.Second))

	h.srv.Put("tasks", message.Attrs{"id": "p1", "title": "pushed"})

	require.Eventually(t, func() bool {
		_, err := h.store.Get(ctx, "tasks", "p1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(v.IDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, h.srv.Clock(), h.ep.LastMessageTime())
}

func TestConnectAfterOfflineResumesDispatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.srv.SetOffline(true)

	_, err := h.eng.Sync(ctx, message.Create, record.NewModel("tasks", message.Attrs{"id": "q1"}), SyncOptions{})
	require.NoError(t, err)
	require.Equal(t, "tasks", h.eng.Registry().DisconnectedBy())

	h.srv.SetOffline(false)
	_, err = h.eng.OnConnect(ctx, "tasks")
	require.NoError(t, err)
	assert.Equal(t, endpoint.Connected, h.ep.State())
	assert.Empty(t, h.eng.Registry().DisconnectedBy())

	res, err := h.eng.Sync(ctx, message.Create, record.NewModel("tasks", message.Attrs{"id": "q2"}), SyncOptions{})
	require.NoError(t, err)
	assert.False(t, res.Queued)
	_, ok := h.srv.Record("tasks", "q2")
	assert.True(t, ok)
	assert.Zero(t, h.queueLen(t))
}

func TestMutationPullsWithoutPush(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.srv.Put("tasks", message.Attrs{"id": "other", "title": "from another device"})

	before := h.srv.CountRequests("GET", "/tasks/_changes")
	_, err := h.eng.Sync(ctx, message.Create, record.NewModel("tasks", message.Attrs{"id": "mine"}), SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, before+1, h.srv.CountRequests("GET", "/tasks/_changes"))

	got, err := h.store.Get(ctx, "tasks", "other")
	require.NoError(t, err)
	assert.Equal(t, "from another device", got["title"])
}

func TestViewKeepsMessageAppliedDuringFetch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	src := view.SourceFunc(func(ctx context.Context, entity string, page view.Page) (view.Batch, error) {
		err := h.eng.Reconciler().OnMessage(ctx, h.ep, message.Message{ID: "late", Method: message.Create, Data: message.Attrs{"title": "late"}, Time: 7})
		return view.Batch{}, err
	})
	v, cancel, err := h.eng.View(ctx, view.Spec{Entity: "tasks", Sort: "title"}, src)
	require.NoError(t, err)
	defer cancel()

	assert.Equal(t, []string{"late"}, v.IDs())
}
