package realtime

import (
	"errors"
	"maps"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
)

type EventType string

// Server event types. The preview models still emit the older response.audio*
// and response.text* names, so both generations are listed.
const (
	ServerEventTypeError                                            EventType = "error"
	ServerEventTypeSessionCreated                                   EventType = "session.created"
	ServerEventTypeSessionUpdated                                   EventType = "session.updated"
	ServerEventTypeConversationCreated                              EventType = "conversation.created"
	ServerEventTypeConversationItemCreated                          EventType = "conversation.item.created"
	ServerEventTypeConversationItemAdded                            EventType = "conversation.item.added"
	ServerEventTypeConversationItemDone                             EventType = "conversation.item.done"
	ServerEventTypeConversationItemRetrieved                        EventType = "conversation.item.retrieved"
	ServerEventTypeConversationItemInputAudioTranscriptionCompleted EventType = "conversation.item.input_audio_transcription.completed"
	ServerEventTypeConversationItemInputAudioTranscriptionDelta     EventType = "conversation.item.input_audio_transcription.delta"
	ServerEventTypeConversationItemInputAudioTranscriptionFailed    EventType = "conversation.item.input_audio_transcription.failed"
	ServerEventTypeConversationItemTruncated                        EventType = "conversation.item.truncated"
	ServerEventTypeConversationItemDeleted                          EventType = "conversation.item.deleted"
	ServerEventTypeInputAudioBufferCommitted                        EventType = "input_audio_buffer.committed"
	ServerEventTypeInputAudioBufferCleared                          EventType = "input_audio_buffer.cleared"
	ServerEventTypeInputAudioBufferSpeechStarted                    EventType = "input_audio_buffer.speech_started"
	ServerEventTypeInputAudioBufferSpeechStopped                    EventType = "input_audio_buffer.speech_stopped"
	ServerEventTypeOutputAudioBufferStarted                         EventType = "output_audio_buffer.started"
	ServerEventTypeOutputAudioBufferStopped                         EventType = "output_audio_buffer.stopped"
	ServerEventTypeOutputAudioBufferCleared                         EventType = "output_audio_buffer.cleared"
	ServerEventTypeResponseCreated                                  EventType = "response.created"
	ServerEventTypeResponseDone                                     EventType = "response.done"
	ServerEventTypeResponseOutputItemAdded                          EventType = "response.output_item.added"
	ServerEventTypeResponseOutputItemDone                           EventType = "response.output_item.done"
	ServerEventTypeResponseContentPartAdded                         EventType = "response.content_part.added"
	ServerEventTypeResponseContentPartDone                          EventType = "response.content_part.done"
	ServerEventTypeResponseTextDelta                                EventType = "response.text.delta"
	ServerEventTypeResponseTextDone                                 EventType = "response.text.done"
	ServerEventTypeResponseOutputTextDelta                          EventType = "response.output_text.delta"
	ServerEventTypeResponseOutputTextDone                           EventType = "response.output_text.done"
	ServerEventTypeResponseAudioTranscriptDelta                     EventType = "response.audio_transcript.delta"
	ServerEventTypeResponseAudioTranscriptDone                      EventType = "response.audio_transcript.done"
	ServerEventTypeResponseOutputAudioTranscriptDelta               EventType = "response.output_audio_transcript.delta"
	ServerEventTypeResponseOutputAudioTranscriptDone                EventType = "response.output_audio_transcript.done"
	ServerEventTypeResponseAudioDone                                EventType = "response.audio.done"
	ServerEventTypeResponseOutputAudioDone                          EventType = "response.output_audio.done"
	ServerEventTypeResponseFunctionCallArgumentsDelta               EventType = "response.function_call_arguments.delta"
	ServerEventTypeResponseFunctionCallArgumentsDone                EventType = "response.function_call_arguments.done"
	ServerEventTypeRateLimitsUpdated                                EventType = "rate_limits.updated"
)

// Client event types
const (
	ClientEventTypeSessionUpdate            EventType = "session.update"
	ClientEventTypeInputAudioBufferAppend   EventType = "input_audio_buffer.append"
	ClientEventTypeInputAudioBufferCommit   EventType = "input_audio_buffer.commit"
	ClientEventTypeInputAudioBufferClear    EventType = "input_audio_buffer.clear"
	ClientEventTypeConversationItemCreate   EventType = "conversation.item.create"
	ClientEventTypeConversationItemRetrieve EventType = "conversation.item.retrieve"
	ClientEventTypeConversationItemTruncate EventType = "conversation.item.truncate"
	ClientEventTypeConversationItemDelete   EventType = "conversation.item.delete"
	ClientEventTypeResponseCreate           EventType = "response.create"
	ClientEventTypeResponseCancel           EventType = "response.cancel"
	ClientEventTypeOutputAudioBufferClear   EventType = "output_audio_buffer.clear"
)

var clientEventTypes = map[EventType]struct{}{
	ClientEventTypeSessionUpdate:            {},
	ClientEventTypeInputAudioBufferAppend:   {},
	ClientEventTypeInputAudioBufferCommit:   {},
	ClientEventTypeInputAudioBufferClear:    {},
	ClientEventTypeConversationItemCreate:   {},
	ClientEventTypeConversationItemRetrieve: {},
	ClientEventTypeConversationItemTruncate: {},
	ClientEventTypeConversationItemDelete:   {},
	ClientEventTypeResponseCreate:           {},
	ClientEventTypeResponseCancel:           {},
	ClientEventTypeOutputAudioBufferClear:   {},
}

const (
	fieldType    = "type"
	fieldEventId = "event_id"
)

var (
	errMissingType = errors.New("missing type")
	errBadEventId  = errors.New("event_id is not a string")
)

// Event is one message on the data channel. Type is required; EventId is
// optional on the wire and assigned by the sender when absent. Every other
// top-level key lives in Fields untouched.
type Event struct {
	EventId string
	Type    EventType
	Fields  map[string]any
}

func NewEvent(t EventType, fields map[string]any) *Event {
	return &Event{Type: t, Fields: fields}
}

// NewTextMessageEvent builds the conversation.item.create event carrying text
// as user input.
func NewTextMessageEvent(text string) *Event {
	return NewEvent(ClientEventTypeConversationItemCreate, map[string]any{
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []any{
				map[string]any{
					"type": "input_text",
					"text": text,
				},
			},
		},
	})
}

func NewResponseCreateEvent() *Event {
	return NewEvent(ClientEventTypeResponseCreate, nil)
}

// NewGreetingEvent asks the model to speak first with the given instructions.
func NewGreetingEvent(instructions string) *Event {
	return NewEvent(ClientEventTypeResponseCreate, map[string]any{
		"response": map[string]any{
			"instructions": instructions,
		},
	})
}

func (e *Event) IsClientEvent() bool {
	_, ok := clientEventTypes[e.Type]
	return ok
}

func (e *Event) IsServerEvent() bool {
	return !e.IsClientEvent()
}

// ensureId assigns a fresh UUID when the event has none and reports whether it did.
func (e *Event) ensureId() bool {
	if e.EventId != "" {
		return false
	}
	e.EventId = uuid.NewString()
	return true
}

// Clone copies the event deep enough that later edits to the original's
// top-level fields do not leak into the copy. Nested values are shared.
func (e *Event) Clone() *Event {
	return &Event{
		EventId: e.EventId,
		Type:    e.Type,
		Fields:  maps.Clone(e.Fields),
	}
}

func (e *Event) flatten() (map[string]any, error) {
	if e.Type == "" {
		return nil, errMissingType
	}
	out := make(map[string]any, len(e.Fields)+2)
	maps.Copy(out, e.Fields)
	out[fieldType] = string(e.Type)
	if e.EventId != "" {
		out[fieldEventId] = e.EventId
	} else {
		delete(out, fieldEventId)
	}
	return out, nil
}

func (e *Event) fromMap(raw map[string]any) error {
	t, ok := raw[fieldType].(string)
	if !ok || t == "" {
		return errMissingType
	}
	e.Type = EventType(t)
	delete(raw, fieldType)
	e.EventId = ""
	if v, ok := raw[fieldEventId]; ok {
		id, ok := v.(string)
		if !ok {
			return errBadEventId
		}
		e.EventId = id
		delete(raw, fieldEventId)
	}
	if len(raw) == 0 {
		raw = nil
	}
	e.Fields = raw
	return nil
}

func (e *Event) MarshalJSON() ([]byte, error) {
	m, err := e.flatten()
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(m)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	return e.fromMap(raw)
}

func (e *Event) MarshalYAML() ([]byte, error) {
	m, err := e.flatten()
	if err != nil {
		return nil, err
	}
	return yaml.MarshalWithOptions(m, yaml.UseJSONMarshaler())
}

func (e *Event) UnmarshalYAML(data []byte) error {
	var raw map[string]any
	if err := yaml.UnmarshalWithOptions(data, &raw, yaml.UseJSONUnmarshaler()); err != nil {
		return err
	}
	return e.fromMap(raw)
}

// ParseEvent decodes one data channel payload.
func ParseEvent(data []byte) (*Event, error) {
	e := new(Event)
	if err := e.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return e, nil
}
