package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/study-sync/internal/config"
	"github.com/sells-group/study-sync/internal/epsilon"
	"github.com/sells-group/study-sync/internal/identity"
	"github.com/sells-group/study-sync/internal/model"
	"github.com/sells-group/study-sync/internal/monitoring"
	"github.com/sells-group/study-sync/internal/notify"
	"github.com/sells-group/study-sync/internal/remote"
	"github.com/sells-group/study-sync/internal/resilience"
	"github.com/sells-group/study-sync/internal/session"
	"github.com/sells-group/study-sync/internal/store"
)

type stubDocs struct {
	mu   sync.Mutex
	docs map[string]model.Document
}

func (s *stubDocs) Put(ctx context.Context, doc model.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[string(doc.DataType)+"/"+doc.Key] = doc
	return nil
}

func (s *stubDocs) List(ctx context.Context, dataType model.DataType) ([]model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Document
	for _, d := range s.docs {
		if d.DataType == dataType {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *stubDocs) Close() error { return nil }

// newTestEnv wires a full environment over in-memory backends, uninitialized
// so tests can seed state before bootstrap runs.
func newTestEnv(t *testing.T) (*appEnv, *store.MemoryStore) {
	t.Helper()

	local := store.NewMemory()
	docs := &stubDocs{docs: make(map[string]model.Document)}
	outbox := remote.NewOutbox(local, 3)
	mirror := remote.NewMirror(docs, nil, outbox,
		remote.WithMirrorRetry(resilience.RetryConfig{MaxAttempts: 1}))
	provider := identity.NewProvider(local)
	tracker := epsilon.NewTracker(local)
	ledger := notify.New(local, mirror)
	sessions := session.NewManager(local, provider, mirror, tracker, ledger)

	return &appEnv{
		Local:     local,
		Docs:      docs,
		Outbox:    outbox,
		Mirror:    mirror,
		Identity:  provider,
		Tracker:   tracker,
		Ledger:    ledger,
		Sessions:  sessions,
		Collector: monitoring.NewCollector(mirror, ledger, outbox),
	}, local
}

// newTestServer bootstraps a fresh environment and returns the API server.
func newTestServer(t *testing.T) (*httptest.Server, *appEnv) {
	t.Helper()

	env, _ := newTestEnv(t)
	require.NoError(t, bootstrap(context.Background(), env))

	srv := httptest.NewServer(newRouter(env, config.ServerConfig{CORSOrigins: []string{"*"}}))
	t.Cleanup(srv.Close)
	return srv, env
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(url, "application/json", &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestServeHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	var body map[string]string
	code := getJSON(t, srv.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestServeParticipantFlow(t *testing.T) {
	srv, _ := newTestServer(t)

	var st model.EpsilonState
	code := postJSON(t, srv.URL+"/api/epsilon", map[string]float64{"epsilon": 2.0}, &st)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2.0, st.Current)

	// Privacy before consent is rejected.
	var errBody map[string]string
	code = postJSON(t, srv.URL+"/api/privacy", map[string]string{
		"privacy_importance":   "very",
		"data_sharing_comfort": "low",
		"captcha_tolerance":    "medium",
		"ad_personalization":   "opt-out",
	}, &errBody)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, errBody["error"], "consent")

	var view model.SessionView
	code = postJSON(t, srv.URL+"/api/consent", nil, &view)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, view.ConsentCompleted)

	code = postJSON(t, srv.URL+"/api/privacy", map[string]string{
		"privacy_importance":   "very",
		"data_sharing_comfort": "low",
		"captcha_tolerance":    "medium",
		"ad_personalization":   "opt-out",
	}, &view)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, model.SessionCompleted, view.Status)
	assert.Equal(t, 2.0, view.FinalEpsilon)

	// A completed session is frozen against further selections.
	code = postJSON(t, srv.URL+"/api/epsilon", map[string]float64{"epsilon": 4.5}, &st)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2.0, st.Current)
}

func TestBootstrapVersionsContinueFromRemote(t *testing.T) {
	ctx := context.Background()
	env, local := newTestEnv(t)

	// A previous run left this participant's session document at version 3
	// remotely. After a restart the next push must build on that version;
	// restarting at 1 would lose to the remote store's version guard.
	require.NoError(t, store.SetJSON(ctx, local, store.KeyParticipant, identity.Profile{
		ParticipantID: "U-1234",
		CreatedAt:     time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
	}))
	prior, err := json.Marshal(model.SessionDocument{Status: model.SessionActive, Active: &model.ActiveSession{
		SessionID:     "S-prior",
		ParticipantID: "U-1234",
		StartedAt:     time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
	}})
	require.NoError(t, err)
	stub := env.Docs.(*stubDocs)
	stub.docs["sessions/U-1234"] = model.Document{
		DataType: model.DataSessions, Key: "U-1234", UserID: "U-1234",
		Payload: prior, Version: 3,
	}

	require.NoError(t, bootstrap(ctx, env))

	stub.mu.Lock()
	doc := stub.docs["sessions/U-1234"]
	stub.mu.Unlock()
	assert.Equal(t, int64(4), doc.Version)
}

func TestServePrivacyDraft(t *testing.T) {
	srv, _ := newTestServer(t)

	code := getJSON(t, srv.URL+"/api/privacy/draft", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code = postJSON(t, srv.URL+"/api/privacy/draft", map[string]string{"privacy_importance": "very"}, nil)
	require.Equal(t, http.StatusOK, code)

	var got model.Questionnaire
	code = getJSON(t, srv.URL+"/api/privacy/draft", &got)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "very", got.PrivacyImportance)
}

func TestServeSessionsListing(t *testing.T) {
	srv, env := newTestServer(t)
	require.NoError(t, env.Sessions.RecordEpsilonChange(context.Background(), 1.0))

	var body struct {
		Sessions []model.SessionView `json:"sessions"`
	}
	code := getJSON(t, srv.URL+"/api/sessions", &body)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, 1, body.Sessions[0].Ordinal)
	assert.Equal(t, model.SessionActive, body.Sessions[0].Status)
}

func TestServeNotifications(t *testing.T) {
	srv, _ := newTestServer(t)

	var body struct {
		Notifications []model.NotificationRecord `json:"notifications"`
		Unread        int                        `json:"unread"`
	}
	code := getJSON(t, srv.URL+"/api/notifications", &body)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body.Notifications, 1, "initialization records the entry event")
	assert.Equal(t, model.NotifyEntered, body.Notifications[0].Type)
	assert.Equal(t, 1, body.Unread)

	id := body.Notifications[0].ID
	code = postJSON(t, srv.URL+"/api/notifications/"+id+"/read", nil, nil)
	require.Equal(t, http.StatusOK, code)

	code = getJSON(t, srv.URL+"/api/notifications", &body)
	require.Equal(t, http.StatusOK, code)
	assert.Zero(t, body.Unread)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/notifications/"+id, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	code = getJSON(t, srv.URL+"/api/notifications", &body)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body.Notifications)
}

func TestServeMetrics(t *testing.T) {
	srv, _ := newTestServer(t)

	var snap monitoring.MetricsSnapshot
	code := getJSON(t, srv.URL+"/api/metrics", &snap)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, snap.SessionsTotal)
	assert.Equal(t, 1, snap.SessionsActive)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestServeMarkReadUnknownID(t *testing.T) {
	srv, _ := newTestServer(t)

	code := postJSON(t, srv.URL+"/api/notifications/N-missing/read", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}
