package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/agentworkforce/taskboard/internal/board"
)

type Event string

const (
	EventFetch   Event = "tasks:fetch"
	EventInitial Event = "tasks:initial"
	EventAdd     Event = "task:add"
	EventAdded   Event = "task:added"
	EventMove    Event = "task:move"
	EventMoved   Event = "task:moved"
	EventUpdate  Event = "task:update"
	EventUpdated Event = "task:updated"
	EventDelete  Event = "task:delete"
	EventDeleted Event = "task:deleted"
	EventError   Event = "error"
)

// InvalidTaskPayload is the error message sent back for a malformed add.
const InvalidTaskPayload = "Invalid task payload"

// Frame is one websocket text message.
type Frame struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Message is one protocol event. The set of implementations is closed and
// every implementation is a pointer to one of the event structs below.
type Message interface {
	Event() Event
	payload() any
	decode(data json.RawMessage) error
}

type Fetch struct{}

type Initial struct {
	Tasks []board.Task
}

type Add struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description *string      `json:"description,omitempty"`
	Column      board.Column `json:"column,omitempty"`
}

type Added struct {
	Task board.Task
}

type Move struct {
	ID         string       `json:"id"`
	ToColumn   board.Column `json:"toColumn"`
	ToPosition int          `json:"toPosition"`
}

type Moved struct {
	Task board.Task `json:"task"`
}

type Update struct {
	ID          string  `json:"id"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

type Updated struct {
	Task board.Task `json:"task"`
}

type Delete struct {
	ID string `json:"id"`
}

type Deleted struct {
	ID string `json:"id"`
}

type Error struct {
	Message string `json:"message"`
}

func (Fetch) Event() Event   { return EventFetch }
func (Initial) Event() Event { return EventInitial }
func (Add) Event() Event     { return EventAdd }
func (Added) Event() Event   { return EventAdded }
func (Move) Event() Event    { return EventMove }
func (Moved) Event() Event   { return EventMoved }
func (Update) Event() Event  { return EventUpdate }
func (Updated) Event() Event { return EventUpdated }
func (Delete) Event() Event  { return EventDelete }
func (Deleted) Event() Event { return EventDeleted }
func (Error) Event() Event   { return EventError }

func (Fetch) payload() any { return nil }

func (m Initial) payload() any {
	if m.Tasks == nil {
		return []board.Task{}
	}
	return m.Tasks
}

func (m Add) payload() any     { return m }
func (m Added) payload() any   { return m.Task }
func (m Move) payload() any    { return m }
func (m Moved) payload() any   { return m }
func (m Update) payload() any  { return m }
func (m Updated) payload() any { return m }
func (m Delete) payload() any  { return m }
func (m Deleted) payload() any { return m }
func (m Error) payload() any   { return m }

func (*Fetch) decode(json.RawMessage) error { return nil }

func (m *Initial) decode(data json.RawMessage) error { return json.Unmarshal(data, &m.Tasks) }
func (m *Added) decode(data json.RawMessage) error   { return json.Unmarshal(data, &m.Task) }
func (m *Add) decode(data json.RawMessage) error     { return json.Unmarshal(data, m) }
func (m *Move) decode(data json.RawMessage) error    { return json.Unmarshal(data, m) }
func (m *Moved) decode(data json.RawMessage) error   { return json.Unmarshal(data, m) }
func (m *Update) decode(data json.RawMessage) error  { return json.Unmarshal(data, m) }
func (m *Updated) decode(data json.RawMessage) error { return json.Unmarshal(data, m) }
func (m *Delete) decode(data json.RawMessage) error  { return json.Unmarshal(data, m) }
func (m *Deleted) decode(data json.RawMessage) error { return json.Unmarshal(data, m) }
func (m *Error) decode(data json.RawMessage) error   { return json.Unmarshal(data, m) }

// Messages are always handled by pointer.
var (
	_ Message = (*Fetch)(nil)
	_ Message = (*Initial)(nil)
	_ Message = (*Add)(nil)
	_ Message = (*Added)(nil)
	_ Message = (*Move)(nil)
	_ Message = (*Moved)(nil)
	_ Message = (*Update)(nil)
	_ Message = (*Updated)(nil)
	_ Message = (*Delete)(nil)
	_ Message = (*Deleted)(nil)
	_ Message = (*Error)(nil)
)

// Encode renders msg as a frame.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("encode: nil message")
	}
	frame := Frame{Event: msg.Event()}
	if payload := msg.payload(); payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", msg.Event(), err)
		}
		frame.Data = raw
	}
	return json.Marshal(frame)
}

// Decode parses a frame, validates its payload against the event's schema and
// returns the typed message. Every rejection is a *ValidationError.
func Decode(raw []byte) (Message, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, &ValidationError{Message: "Malformed message", Cause: err}
	}
	newMessage, ok := messageFactories[frame.Event]
	if !ok {
		return nil, &ValidationError{Event: frame.Event, Message: fmt.Sprintf("Unknown event %q", frame.Event)}
	}
	if err := validatePayload(frame.Event, frame.Data); err != nil {
		return nil, &ValidationError{Event: frame.Event, Message: invalidPayloadMessage(frame.Event), Cause: err}
	}
	msg := newMessage()
	if len(frame.Data) > 0 {
		if err := msg.decode(frame.Data); err != nil {
			return nil, &ValidationError{Event: frame.Event, Message: invalidPayloadMessage(frame.Event), Cause: err}
		}
	}
	return msg, nil
}

var messageFactories = map[Event]func() Message{
	EventFetch:   func() Message { return &Fetch{} },
	EventInitial: func() Message { return &Initial{} },
	EventAdd:     func() Message { return &Add{} },
	EventAdded:   func() Message { return &Added{} },
	EventMove:    func() Message { return &Move{} },
	EventMoved:   func() Message { return &Moved{} },
	EventUpdate:  func() Message { return &Update{} },
	EventUpdated: func() Message { return &Updated{} },
	EventDelete:  func() Message { return &Delete{} },
	EventDeleted: func() Message { return &Deleted{} },
	EventError:   func() Message { return &Error{} },
}

func invalidPayloadMessage(event Event) string {
	if event == EventAdd {
		return InvalidTaskPayload
	}
	return fmt.Sprintf("Invalid %s payload", event)
}

// ValidationError is a frame the peer sent that does not match the protocol.
// Message is safe to echo back in an error event.
type ValidationError struct {
	Event   Event
	Message string
	Cause   error
}

func (e *ValidationError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

func (e *ValidationError) Is(target error) bool {
	return target == board.ErrInvalidInput
}

// FromMutation converts a queued mutation into the request event that carries it.
func FromMutation(m board.Mutation) (Message, error) {
	switch m.Kind {
	case board.MutationAdd:
		return &Add{ID: m.Task.ID, Title: m.Task.Title, Description: m.Task.Description, Column: m.Task.Column}, nil
	case board.MutationMove:
		return &Move{ID: m.ID, ToColumn: m.ToColumn, ToPosition: m.ToPosition}, nil
	case board.MutationUpdate:
		return &Update{ID: m.ID, Title: m.Fields.Title, Description: m.Fields.Description}, nil
	case board.MutationDelete:
		return &Delete{ID: m.ID}, nil
	default:
		return nil, fmt.Errorf("%w: mutation kind %q", board.ErrInvalidInput, m.Kind)
	}
}

func (m Add) Request() board.AddRequest {
	return board.AddRequest{ID: m.ID, Title: m.Title, Description: m.Description, Column: m.Column}
}

func (m Move) Request() board.MoveRequest {
	return board.MoveRequest{ID: m.ID, ToColumn: m.ToColumn, ToPosition: m.ToPosition}
}

func (m Update) Request() board.UpdateRequest {
	return board.UpdateRequest{ID: m.ID, Fields: board.TaskFields{Title: m.Title, Description: m.Description}}
}
