package bridge

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"winter/internal/model"
	"winter/internal/remote"
)

func TestConvertMessages(t *testing.T) {
	envelopes := []remote.MessageEnvelope{
		{
			Info: remote.MessageInfo{ID: "m1", Role: "user", Time: &remote.SessionTime{Created: 1000}},
			Parts: []remote.MessagePart{
				{Type: "text", Text: "part one "},
				{Type: "tool", Text: "ignored"},
				{Type: "text", Text: "part two"},
			},
		},
		{
			Info:  remote.MessageInfo{ID: "m2", Role: "system"},
			Parts: []remote.MessagePart{{Type: "text", Text: "hidden"}},
		},
		{
			Info:  remote.MessageInfo{ID: "m3", Role: "assistant"},
			Parts: []remote.MessagePart{{Type: "step-start"}},
		},
		{
			Info:  remote.MessageInfo{ID: "m4", Role: "assistant"},
			Parts: []remote.MessagePart{{Type: "text", Text: "the answer"}},
		},
	}

	got := ConvertMessages(envelopes)
	want := []model.Message{
		{ID: "m1", Role: model.RoleUser, Content: "part one part two", Timestamp: 1000},
		{ID: "m4", Role: model.RoleAssistant, Content: "the answer"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("converted messages mismatch (-want +got):\n%s", diff)
	}
}

func TestConvertSessions(t *testing.T) {
	records := []remote.Session{
		{ID: "old", Title: "Old chat", Time: &remote.SessionTime{Created: 100, Updated: 100}},
		{ID: "sub", Title: "Sub task", ParentID: "old"},
		{ID: "new", Title: "", Time: &remote.SessionTime{Created: 200, Updated: 900}},
	}

	got := ConvertSessions(records)
	if assert.Len(t, got, 2) {
		// Newest first, sub-sessions dropped, empty titles defaulted.
		assert.Equal(t, "new", got[0].ID)
		assert.Equal(t, "New chat", got[0].Name)
		assert.Equal(t, "new", got[0].RemoteID)
		assert.Equal(t, "old", got[1].ID)
		assert.Equal(t, "Old chat", got[1].Name)
	}
}

func TestConvertSessionsEmpty(t *testing.T) {
	assert.Empty(t, ConvertSessions(nil))
}
