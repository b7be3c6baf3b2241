package nls

import (
	"strings"

	"github.com/sugawarayuuta/sonnet"
)

// closedMessage is the body of every Closed event.
const closedMessage = `{"channelClosed": "nls request finished."}`

// envelope is the part of a service message the engine interprets. The
// rest is passed through untouched in Event.Message.
type envelope struct {
	Header struct {
		Name         string `json:"name"`
		Event        string `json:"event"`
		Status       int    `json:"status"`
		StatusText   string `json:"status_text"`
		TaskID       string `json:"task_id"`
		ErrorMessage string `json:"error_message"`
	} `json:"header"`
	Payload struct {
		Result string `json:"result"`
	} `json:"payload"`
}

// parseEvent decodes a text frame into an Event. The payload must be a JSON
// object; unknown names map to EventOther.
func parseEvent(payload []byte) (*Event, error) {
	var env envelope
	if err := sonnet.Unmarshal(payload, &env); err != nil {
		return nil, err
	}

	name := env.Header.Name
	if name == "" {
		name = env.Header.Event
	}
	ev := &Event{
		Type:    classifyEvent(name),
		Name:    name,
		TaskID:  env.Header.TaskID,
		Code:    env.Header.Status,
		Result:  env.Payload.Result,
		Message: string(payload),
	}
	if ev.Type == EventTaskFailed {
		text := env.Header.StatusText
		if text == "" {
			text = env.Header.ErrorMessage
		}
		if text == "" {
			text = "task failed"
		}
		ev.Err = NewTaskError(ev.Code, text)
	}
	return ev, nil
}

// classifyEvent maps service event names onto event types. The
// recognition, transcription and synthesis families share suffixes, and
// the dash-separated names come from the streaming gateway.
func classifyEvent(name string) EventType {
	switch name {
	case "TaskFailed", "task-failed":
		return EventTaskFailed
	case "task-started":
		return EventStarted
	case "task-finished":
		return EventCompleted
	case "result-generated":
		return EventResultChanged
	case "SentenceBegin":
		return EventSentenceBegin
	case "SentenceEnd":
		return EventSentenceEnd
	case "WakeWordVerificationCompleted":
		return EventWakeWordVerified
	}
	switch {
	case strings.HasSuffix(name, "Started"):
		return EventStarted
	case strings.HasSuffix(name, "ResultChanged"):
		return EventResultChanged
	case strings.HasSuffix(name, "Completed"):
		return EventCompleted
	}
	return EventOther
}

// failureEvent renders an engine error as a TaskFailed event.
func failureEvent(err *Error) *Event {
	return &Event{
		Type:    EventTaskFailed,
		Name:    "TaskFailed",
		Code:    err.Status,
		Message: err.Message,
		Err:     err,
	}
}
