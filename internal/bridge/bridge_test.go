package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"winter/internal/model"
	"winter/internal/remote"
	"winter/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Debounced persistence timers may still be pending at test end.
		goleak.IgnoreTopFunction("time.goFunc"),
	)
}

// memDoc is an in-memory document store for bridge tests.
type memDoc struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemDoc() *memDoc { return &memDoc{data: make(map[string][]byte)} }

func (m *memDoc) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *memDoc) Set(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
}

func (m *memDoc) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}

func (m *memDoc) Save() error { return nil }

// fakeTurns is a controllable TurnState.
type fakeTurns struct {
	busy atomic.Bool
	last atomic.Int64
}

func (f *fakeTurns) IsBusy() bool { return f.busy.Load() }

func (f *fakeTurns) LastTurnEnd() time.Time {
	n := f.last.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n)
}

// testService is a scriptable remote session service.
type testService struct {
	mu       sync.Mutex
	healthy  bool
	sessions []remote.Session
	messages map[string][]remote.MessageEnvelope
	requests atomic.Int32
}

func (s *testService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/global/health", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		healthy := s.healthy
		s.mu.Unlock()
		if healthy {
			w.Write([]byte(`{"healthy":true}`))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		s.mu.Lock()
		defer s.mu.Unlock()
		writeJSON(w, s.sessions)
	})
	mux.HandleFunc("/session/", func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		s.mu.Lock()
		defer s.mu.Unlock()
		// Only the message listing is exercised here.
		for id, msgs := range s.messages {
			if r.URL.Path == "/session/"+id+"/message" {
				writeJSON(w, msgs)
				return
			}
		}
		w.Write([]byte(`[]`))
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestBridge(t *testing.T, svc *testService) (*Bridge, *session.Store, *fakeTurns) {
	t.Helper()
	srv := httptest.NewServer(svc.handler())
	t.Cleanup(srv.Close)

	client := remote.NewClient(srv.URL, "/w", 5*time.Second, time.Second)
	store := session.NewStore(newMemDoc())
	turns := &fakeTurns{}
	b := New(client, store, turns)
	store.SetRemote(b)
	store.SetConnectedSignal(b.Connected)
	return b, store, turns
}

func TestProbeTransitionsAndReloads(t *testing.T) {
	svc := &testService{healthy: true, sessions: []remote.Session{
		{ID: "ses_1", Title: "Remote chat", Time: &remote.SessionTime{Created: 1, Updated: 1}},
	}}
	b, store, _ := newTestBridge(t, svc)

	b.probe(context.Background())
	assert.True(t, b.Connected())

	sessions := store.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "ses_1", sessions[0].ID)
	assert.Equal(t, "Remote chat", sessions[0].Name)
	assert.True(t, sessions[0].RemoteBacked())

	svc.mu.Lock()
	svc.healthy = false
	svc.mu.Unlock()
	b.probe(context.Background())
	assert.False(t, b.Connected())

	// The session list survives a disconnect untouched.
	assert.Len(t, store.Sessions(), 1)
}

func TestReloadPreservesLocalOnlyAndLoadedMessages(t *testing.T) {
	svc := &testService{healthy: true, sessions: []remote.Session{
		{ID: "ses_1", Title: "Remote", Time: &remote.SessionTime{Created: 1, Updated: 1}},
	}}
	b, store, _ := newTestBridge(t, svc)

	store.CreateSession(model.Session{ID: "local-1", Name: "Offline notes"})
	store.CreateSession(model.Session{ID: "ses_1", RemoteID: "ses_1", Name: "Remote", Messages: []model.Message{
		{ID: "m1", Role: model.RoleUser, Content: "already loaded"},
	}})

	require.NoError(t, b.Reload(context.Background()))

	ids := map[string]model.Session{}
	for _, s := range store.Sessions() {
		ids[s.ID] = s
	}
	require.Contains(t, ids, "ses_1")
	require.Contains(t, ids, "local-1", "offline-created sessions survive an authoritative reload")
	require.Len(t, ids["ses_1"].Messages, 1, "loaded history carries over by id")
	assert.Equal(t, "already loaded", ids["ses_1"].Messages[0].Content)
}

func TestPollMessagesMergesIntoActive(t *testing.T) {
	svc := &testService{
		healthy: true,
		messages: map[string][]remote.MessageEnvelope{
			"ses_1": {
				{Info: remote.MessageInfo{ID: "m1", Role: "user"}, Parts: []remote.MessagePart{{Type: "text", Text: "hi"}}},
				{Info: remote.MessageInfo{ID: "m2", Role: "assistant"}, Parts: []remote.MessagePart{{Type: "text", Text: "done autonomously"}}},
			},
		},
	}
	b, store, turns := newTestBridge(t, svc)
	b.connected.Store(true)
	turns.last.Store(time.Now().Add(-time.Minute).UnixMilli())

	store.CreateSession(model.Session{ID: "ses_1", RemoteID: "ses_1", Messages: []model.Message{
		{ID: "m1", Role: model.RoleUser, Content: "hi"},
	}})

	b.pollMessages(context.Background())

	got, _ := store.Get("ses_1")
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "done autonomously", got.Messages[1].Content)
}

func TestPollMessagesGates(t *testing.T) {
	svc := &testService{healthy: true}
	b, store, turns := newTestBridge(t, svc)
	store.CreateSession(model.Session{ID: "ses_1", RemoteID: "ses_1"})
	turns.last.Store(time.Now().Add(-time.Minute).UnixMilli())

	// Disconnected: no request.
	b.pollMessages(context.Background())
	assert.Zero(t, svc.requests.Load())

	// Busy turn: no request.
	b.connected.Store(true)
	turns.busy.Store(true)
	b.pollMessages(context.Background())
	assert.Zero(t, svc.requests.Load())

	// Inside the post-turn settling window: no request.
	turns.busy.Store(false)
	turns.last.Store(time.Now().UnixMilli())
	b.pollMessages(context.Background())
	assert.Zero(t, svc.requests.Load())

	// Unfocused: no request.
	turns.last.Store(time.Now().Add(-time.Minute).UnixMilli())
	b.SetFocusSignal(func() bool { return false })
	b.pollMessages(context.Background())
	assert.Zero(t, svc.requests.Load())

	// All gates open: the request goes out.
	b.SetFocusSignal(func() bool { return true })
	b.pollMessages(context.Background())
	assert.Equal(t, int32(1), svc.requests.Load())
}

func TestPollMessagesSkipsLocalSessions(t *testing.T) {
	svc := &testService{healthy: true}
	b, store, turns := newTestBridge(t, svc)
	b.connected.Store(true)
	turns.last.Store(time.Now().Add(-time.Minute).UnixMilli())
	store.CreateSession(model.Session{ID: "local-1"})

	b.pollMessages(context.Background())
	assert.Zero(t, svc.requests.Load())
}

func TestPollSessionListAccretive(t *testing.T) {
	svc := &testService{healthy: true, sessions: []remote.Session{
		{ID: "ses_1", Title: "Known", Time: &remote.SessionTime{Created: 1, Updated: 1}},
		{ID: "ses_2", Title: "Background task", Time: &remote.SessionTime{Created: 2, Updated: 2}},
	}}
	b, store, _ := newTestBridge(t, svc)
	b.connected.Store(true)

	store.CreateSession(model.Session{ID: "ses_1", RemoteID: "ses_1", Name: "Known"})
	require.True(t, store.SwitchSession("ses_1"))

	b.pollSessionList(context.Background())

	sessions := store.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, "ses_2", sessions[0].ID, "new sessions prepend")
	assert.Equal(t, "ses_1", store.ActiveID(), "the poll never steals the active session")
}

func TestPollSessionListGates(t *testing.T) {
	svc := &testService{healthy: true, sessions: []remote.Session{
		{ID: "ses_1", Title: "Remote", Time: &remote.SessionTime{Created: 1, Updated: 1}},
	}}
	b, _, turns := newTestBridge(t, svc)
	turns.last.Store(time.Now().Add(-time.Minute).UnixMilli())

	// Disconnected: no request.
	b.pollSessionList(context.Background())
	assert.Zero(t, svc.requests.Load())

	// Unfocused: no request.
	b.connected.Store(true)
	b.SetFocusSignal(func() bool { return false })
	b.pollSessionList(context.Background())
	assert.Zero(t, svc.requests.Load())

	// Busy turn: no request.
	b.SetFocusSignal(func() bool { return true })
	turns.busy.Store(true)
	b.pollSessionList(context.Background())
	assert.Zero(t, svc.requests.Load())

	// Inside the post-turn settling window: no request.
	turns.busy.Store(false)
	turns.last.Store(time.Now().UnixMilli())
	b.pollSessionList(context.Background())
	assert.Zero(t, svc.requests.Load())

	// All gates open: the request goes out.
	turns.last.Store(time.Now().Add(-time.Minute).UnixMilli())
	b.pollSessionList(context.Background())
	assert.Equal(t, int32(1), svc.requests.Load())
}

func TestRefreshReprobesAndReloads(t *testing.T) {
	svc := &testService{healthy: true, sessions: []remote.Session{
		{ID: "ses_1", Title: "Remote chat", Time: &remote.SessionTime{Created: 1, Updated: 1}},
	}}
	b, store, _ := newTestBridge(t, svc)

	// A manual refresh from a disconnected state both connects and reloads.
	require.False(t, b.Connected())
	require.NoError(t, b.Refresh(context.Background()))
	assert.True(t, b.Connected())
	sessions := store.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "ses_1", sessions[0].ID)

	// A refresh against a dead service degrades the flag and reports it.
	svc.mu.Lock()
	svc.healthy = false
	svc.mu.Unlock()
	assert.Error(t, b.Refresh(context.Background()))
	assert.False(t, b.Connected())
	assert.Len(t, store.Sessions(), 1, "a failed refresh leaves local state untouched")
}

func TestStartStop(t *testing.T) {
	svc := &testService{healthy: true}
	b, _, _ := newTestBridge(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	assert.True(t, b.Connected())
	b.Stop()
}
