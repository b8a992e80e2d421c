package realtime

import (
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
		check   func(t *testing.T, e *Event)
	}{
		{
			name: "server event with extra fields",
			data: `{"type":"session.created","event_id":"evt_1","session":{"id":"sess_1"}}`,
			check: func(t *testing.T, e *Event) {
				assert.Equal(t, ServerEventTypeSessionCreated, e.Type)
				assert.Equal(t, "evt_1", e.EventId)
				assert.Equal(t, map[string]any{"id": "sess_1"}, e.Fields["session"])
				assert.NotContains(t, e.Fields, "type")
				assert.NotContains(t, e.Fields, "event_id")
				assert.True(t, e.IsServerEvent())
			},
		},
		{
			name: "missing event id is allowed",
			data: `{"type":"response.create"}`,
			check: func(t *testing.T, e *Event) {
				assert.Empty(t, e.EventId)
				assert.Nil(t, e.Fields)
				assert.True(t, e.IsClientEvent())
			},
		},
		{name: "missing type", data: `{"event_id":"x"}`, wantErr: true},
		{name: "empty type", data: `{"type":""}`, wantErr: true},
		{name: "non string event id", data: `{"type":"error","event_id":3}`, wantErr: true},
		{name: "not json", data: `nope`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := ParseEvent([]byte(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, e)
		})
	}
}

func TestEventMarshalJSONFlattensFields(t *testing.T) {
	e := NewTextMessageEvent("hello there")
	e.EventId = "evt_fixed"

	data, err := e.MarshalJSON()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, sonic.Unmarshal(data, &raw))
	assert.Equal(t, "conversation.item.create", raw["type"])
	assert.Equal(t, "evt_fixed", raw["event_id"])

	item := raw["item"].(map[string]any)
	assert.Equal(t, "message", item["type"])
	assert.Equal(t, "user", item["role"])
	content := item["content"].([]any)
	require.Len(t, content, 1)
	part := content[0].(map[string]any)
	assert.Equal(t, "input_text", part["type"])
	assert.Equal(t, "hello there", part["text"])
}

func TestEventMarshalJSONOmitsEmptyId(t *testing.T) {
	data, err := NewResponseCreateEvent().MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"response.create"}`, string(data))

	_, err = (&Event{}).MarshalJSON()
	assert.Error(t, err)
}

func TestEventYAML(t *testing.T) {
	e := NewGreetingEvent("say hi")
	e.EventId = "evt_yaml"

	data, err := e.MarshalYAML()
	require.NoError(t, err)
	assert.Contains(t, string(data), "type: response.create")
	assert.Contains(t, string(data), "instructions: say hi")

	back := new(Event)
	require.NoError(t, back.UnmarshalYAML(data))
	assert.Equal(t, e.Type, back.Type)
	assert.Equal(t, e.EventId, back.EventId)
}

func TestEnsureIdKeepsExisting(t *testing.T) {
	e := &Event{Type: ClientEventTypeResponseCreate, EventId: "mine"}
	assert.False(t, e.ensureId())
	assert.Equal(t, "mine", e.EventId)

	e = &Event{Type: ClientEventTypeResponseCreate}
	assert.True(t, e.ensureId())
	assert.NotEmpty(t, e.EventId)
}

func TestCloneIsolatesTopLevelFields(t *testing.T) {
	e := NewEvent(ClientEventTypeSessionUpdate, map[string]any{"a": 1})
	c := e.Clone()
	e.Fields["a"] = 2
	e.EventId = "changed"
	assert.Equal(t, 1, c.Fields["a"])
	assert.Empty(t, c.EventId)
}
