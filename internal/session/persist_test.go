package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"winter/internal/model"
)

func TestFlushAndHydrateRoundTrip(t *testing.T) {
	doc := newMemDoc()
	s := NewStore(doc)
	addSessions(s, "a", "b")
	require.True(t, s.SetArchived("b", true))
	require.True(t, s.SwitchSession("a"))
	s.Update("a", func(sess *model.Session) {
		sess.Messages = append(sess.Messages, model.Message{ID: "m1", Role: model.RoleUser, Content: "hi"})
	})
	s.Flush()

	restored := NewStore(doc)
	restored.Hydrate()

	assert.Equal(t, []string{"a", "b"}, sessionIDs(restored))
	assert.Equal(t, "a", restored.ActiveID())
	assert.False(t, restored.Draft())

	got, ok := restored.Get("b")
	require.True(t, ok)
	assert.True(t, got.Archived)

	got, _ = restored.Get("a")
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hi", got.Messages[0].Content)
}

func TestHydrateClearsStreamingFlags(t *testing.T) {
	doc := newMemDoc()
	s := NewStore(doc)
	s.CreateSession(model.Session{ID: "a", Messages: []model.Message{
		{ID: "m1", Role: model.RoleAssistant, Content: "partial", IsStreaming: true, StatusText: "thinking"},
	}})
	s.Flush()

	restored := NewStore(doc)
	restored.Hydrate()

	got, ok := restored.Get("a")
	require.True(t, ok)
	require.Len(t, got.Messages, 1)
	assert.False(t, got.Messages[0].IsStreaming, "crash mid-stream must not leave a streaming message on restart")
	assert.Empty(t, got.Messages[0].StatusText)
}

func TestHydrateDiscardsMalformedSessions(t *testing.T) {
	doc := newMemDoc()
	doc.Set(keySessions, []byte("{not json"))
	doc.Set(keyDraftMode, []byte("false"))

	s := NewStore(doc)
	s.Hydrate()

	assert.Empty(t, s.Sessions())
	assert.True(t, s.Draft(), "unusable state falls back to a fresh draft")
}

func TestHydrateDanglingActiveReselects(t *testing.T) {
	doc := newMemDoc()
	s := NewStore(doc)
	s.CreateSession(model.Session{ID: "a"})
	s.Flush()
	doc.Set(keyActiveID, []byte("gone"))

	restored := NewStore(doc)
	restored.Hydrate()
	assert.Equal(t, "a", restored.ActiveID())
}

func TestPersistSkippedWhileStreaming(t *testing.T) {
	doc := newMemDoc()
	s := NewStore(doc)
	s.SetStreamingSignal(func() bool { return true })

	s.CreateSession(model.Session{ID: "a"})
	time.Sleep(persistQuiet + 200*time.Millisecond)

	doc.mu.Lock()
	saves := doc.saves
	doc.mu.Unlock()
	assert.Zero(t, saves, "no writes land while a turn is streaming")
}

func TestPersistDebounced(t *testing.T) {
	doc := newMemDoc()
	s := NewStore(doc)

	for i := 0; i < 10; i++ {
		s.CreateSession(model.Session{ID: model.NewID()})
	}

	assert.Eventually(t, func() bool {
		doc.mu.Lock()
		defer doc.mu.Unlock()
		return doc.saves > 0
	}, 3*time.Second, 10*time.Millisecond)

	doc.mu.Lock()
	saves := doc.saves
	doc.mu.Unlock()
	assert.Equal(t, 1, saves, "a burst of changes coalesces into one write")
}

func TestConnectedPersistsContinuityKeysOnly(t *testing.T) {
	doc := newMemDoc()
	s := NewStore(doc)
	s.SetConnectedSignal(func() bool { return true })

	s.CreateSession(model.Session{ID: "a", RemoteID: "ses_a"})
	s.Flush()

	_, hasSessions := doc.Get(keySessions)
	assert.False(t, hasSessions, "session content is remote-owned while connected")

	active, ok := doc.Get(keyActiveID)
	require.True(t, ok)
	assert.Equal(t, "a", string(active))

	_, hasDraft := doc.Get(keyDraftMode)
	assert.True(t, hasDraft)
	_, hasArchived := doc.Get(keyArchivedIDs)
	assert.True(t, hasArchived)
}
