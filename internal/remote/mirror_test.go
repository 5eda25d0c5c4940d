package remote

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/study-sync/internal/model"
	"github.com/sells-group/study-sync/internal/resilience"
	"github.com/sells-group/study-sync/internal/store"
)

// fakeDocStore is an in-memory DocumentStore with a controllable failure
// switch.
type fakeDocStore struct {
	mu      sync.Mutex
	docs    map[model.DataType]map[string]model.Document
	puts    int
	failing bool
}

func newFakeDocStore() *fakeDocStore {
	return &fakeDocStore{docs: make(map[model.DataType]map[string]model.Document)}
}

func (f *fakeDocStore) Put(ctx context.Context, doc model.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.failing {
		return eris.New("remote store unavailable")
	}
	byKey, ok := f.docs[doc.DataType]
	if !ok {
		byKey = make(map[string]model.Document)
		f.docs[doc.DataType] = byKey
	}
	byKey[doc.Key] = doc
	return nil
}

func (f *fakeDocStore) List(ctx context.Context, dataType model.DataType) ([]model.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, eris.New("remote store unavailable")
	}
	var out []model.Document
	for _, d := range f.docs[dataType] {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeDocStore) Close() error { return nil }

func (f *fakeDocStore) setFailing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = v
}

func (f *fakeDocStore) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

func newTestMirror(t *testing.T) (*Mirror, *fakeDocStore, *Outbox) {
	t.Helper()
	docs := newFakeDocStore()
	outbox := NewOutbox(store.NewMemory(), 3)
	m := NewMirror(docs, nil, outbox, WithMirrorRetry(resilience.RetryConfig{MaxAttempts: 1}))
	return m, docs, outbox
}

func TestPushAndPullRoundTrip(t *testing.T) {
	m, _, _ := newTestMirror(t)
	ctx := context.Background()

	ok := m.Push(ctx, model.DataSessions, "U-1234", "U-1234", map[string]string{"status": "active"})
	assert.True(t, ok)

	require.NoError(t, m.PullAll(ctx))
	assert.Equal(t, 1, m.Size(model.DataSessions))

	doc, found := m.Get(model.DataSessions, "U-1234")
	require.True(t, found)
	assert.JSONEq(t, `{"status":"active"}`, string(doc.Payload))
}

func TestPushSkipsUnchangedPayload(t *testing.T) {
	m, docs, _ := newTestMirror(t)
	ctx := context.Background()

	payload := map[string]string{"status": "active"}
	assert.True(t, m.Push(ctx, model.DataSessions, "U-1", "U-1", payload))
	assert.True(t, m.Push(ctx, model.DataSessions, "U-1", "U-1", payload))
	assert.Equal(t, 1, docs.putCount())

	// A changed payload goes through and bumps the version.
	assert.True(t, m.Push(ctx, model.DataSessions, "U-1", "U-1", map[string]string{"status": "completed"}))
	assert.Equal(t, 2, docs.putCount())

	doc, _ := m.Get(model.DataSessions, "U-1")
	assert.Equal(t, int64(2), doc.Version)
}

func TestPushFailureLandsInOutbox(t *testing.T) {
	m, docs, outbox := newTestMirror(t)
	ctx := context.Background()

	docs.setFailing(true)
	ok := m.Push(ctx, model.DataSessions, "U-1", "U-1", map[string]string{"status": "completed"})
	assert.False(t, ok)

	pending, err := outbox.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "U-1", pending[0].Key)

	// Recovery: the resync pass drains the outbox.
	docs.setFailing(false)
	synced, failed := m.Resync(ctx)
	assert.Equal(t, 1, synced)
	assert.Zero(t, failed)

	pending, err = outbox.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRemoteChangeRoundTripDoesNotDuplicate(t *testing.T) {
	m, _, _ := newTestMirror(t)
	ctx := context.Background()

	require.True(t, m.Push(ctx, model.DataSessions, "U-1234", "U-1234", map[string]string{"status": "active"}))
	require.Equal(t, 1, m.Size(model.DataSessions))
	pushed, _ := m.Get(model.DataSessions, "U-1234")

	// The same document arrives back over the change feed: cache size is
	// unchanged and the content is overwritten, not appended.
	m.HandleRemoteChange(pushed)
	assert.Equal(t, 1, m.Size(model.DataSessions))
}

func TestRemoteChangeMergeIsVersionDeterministic(t *testing.T) {
	m, _, _ := newTestMirror(t)

	newer := model.Document{
		DataType: model.DataSessions, Key: "U-1", Version: 5,
		Payload: json.RawMessage(`{"status":"completed"}`), UpdatedAt: time.Now().UTC(),
	}
	stale := model.Document{
		DataType: model.DataSessions, Key: "U-1", Version: 2,
		Payload: json.RawMessage(`{"status":"active"}`), UpdatedAt: time.Now().UTC().Add(time.Hour),
	}

	// The stale document applies last but must not win.
	m.HandleRemoteChange(newer)
	m.HandleRemoteChange(stale)

	doc, ok := m.Get(model.DataSessions, "U-1")
	require.True(t, ok)
	assert.Equal(t, int64(5), doc.Version)
	assert.JSONEq(t, `{"status":"completed"}`, string(doc.Payload))
}

func TestPushAfterPullContinuesRemoteVersion(t *testing.T) {
	m, docs, _ := newTestMirror(t)
	ctx := context.Background()

	// The remote copy of this document is already at version 3 from an
	// earlier run.
	docs.docs[model.DataSessions] = map[string]model.Document{
		"U-1": {
			DataType: model.DataSessions, Key: "U-1", UserID: "U-1",
			Payload: json.RawMessage(`{"status":"stale"}`), Version: 3,
		},
	}
	require.NoError(t, m.PullAll(ctx))

	require.True(t, m.Push(ctx, model.DataSessions, "U-1", "U-1", map[string]string{"status": "fresh"}))

	stored := docs.docs[model.DataSessions]["U-1"]
	assert.Equal(t, int64(4), stored.Version, "a push after a pull must supersede the remote copy")
	assert.JSONEq(t, `{"status":"fresh"}`, string(stored.Payload))
}

func TestRemoteChangeNotifiesHandlers(t *testing.T) {
	m, _, _ := newTestMirror(t)

	var got []string
	m.OnRemoteChange(func(doc model.Document) {
		got = append(got, doc.Key)
	})

	m.HandleRemoteChange(model.Document{
		DataType: model.DataNotification, Key: "N-1",
		Payload: json.RawMessage(`{}`), Version: 1,
	})
	// Superseded documents do not re-notify.
	m.HandleRemoteChange(model.Document{
		DataType: model.DataNotification, Key: "N-1",
		Payload: json.RawMessage(`{}`), Version: 0,
	})

	assert.Equal(t, []string{"N-1"}, got)
}

func TestRemoteChangeHandlerCanRegisterHandlers(t *testing.T) {
	m, _, _ := newTestMirror(t)

	// Handlers are dispatched from a snapshot taken outside the cache lock,
	// so a handler may register further handlers without deadlocking.
	var calls int
	m.OnRemoteChange(func(doc model.Document) {
		calls++
		m.OnRemoteChange(func(model.Document) { calls++ })
	})

	m.HandleRemoteChange(model.Document{
		DataType: model.DataNotification, Key: "N-1",
		Payload: json.RawMessage(`{}`), Version: 1,
	})
	m.HandleRemoteChange(model.Document{
		DataType: model.DataNotification, Key: "N-1",
		Payload: json.RawMessage(`{}`), Version: 2,
	})

	// First change: one handler. Second change: the original plus the one it
	// registered.
	assert.Equal(t, 3, calls)
}

func TestPullAllSkipsMalformedDocuments(t *testing.T) {
	m, docs, _ := newTestMirror(t)
	ctx := context.Background()

	docs.docs[model.DataSessions] = map[string]model.Document{
		"U-1": {DataType: model.DataSessions, Key: "U-1", Payload: json.RawMessage(`{}`), Version: 1},
		"":    {DataType: model.DataSessions, Key: "", Payload: nil},
	}

	require.NoError(t, m.PullAll(ctx))
	assert.Equal(t, 1, m.Size(model.DataSessions))
}

func TestPullAllFailureLeavesCacheUntouched(t *testing.T) {
	m, docs, _ := newTestMirror(t)
	ctx := context.Background()

	require.True(t, m.Push(ctx, model.DataSessions, "U-1", "U-1", map[string]string{"status": "active"}))

	docs.setFailing(true)
	require.Error(t, m.PullAll(ctx))
	assert.Equal(t, 1, m.Size(model.DataSessions))
}
