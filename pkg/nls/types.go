package nls

import (
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rojolang/nls-sdk-go/pkg/nls/pool"
	"github.com/rojolang/nls-sdk-go/pkg/nls/registry"
)

// ConnID identifies a connection for its whole lifetime.
type ConnID = registry.ID

// Kind is the request type a connection serves.
type Kind = pool.Kind

const (
	KindRecognition        = pool.KindRecognition
	KindTranscription      = pool.KindTranscription
	KindSynthesis          = pool.KindSynthesis
	KindStreamingSynthesis = pool.KindStreamingSynthesis
)

// Status enum
type Status int32

const (
	StatusInitial Status = iota
	StatusConnecting
	StatusConnected
	StatusHandshaking
	StatusHandshaked
	StatusStarting
	StatusStarted
	StatusWakeWording
	StatusIdle
	StatusClosing
	StatusClosed
	StatusInvalid
)

var statusNames = [...]string{
	"initial", "connecting", "connected", "handshaking", "handshaked",
	"starting", "started", "wakewording", "idle", "closing", "closed", "invalid",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusInvalid
}

// Streaming reports whether the service accepted the task.
func (s Status) Streaming() bool {
	return s == StatusStarted || s == StatusWakeWording
}

// ExitStatus enum. It is orthogonal to Status and Cancel is sticky.
type ExitStatus int32

const (
	ExitNone ExitStatus = iota
	ExitStopping
	ExitStopped
	ExitCancel
)

func (e ExitStatus) String() string {
	switch e {
	case ExitNone:
		return "none"
	case ExitStopping:
		return "stopping"
	case ExitStopped:
		return "stopped"
	case ExitCancel:
		return "cancel"
	}
	return "unknown"
}

// exitFlag holds an ExitStatus that can never leave ExitCancel.
type exitFlag struct {
	v atomic.Int32
}

func (f *exitFlag) Load() ExitStatus {
	return ExitStatus(f.v.Load())
}

// Advance moves from one of the allowed states to next. It fails once the
// flag holds ExitCancel.
func (f *exitFlag) Advance(next ExitStatus, from ...ExitStatus) bool {
	for {
		cur := f.v.Load()
		if ExitStatus(cur) == ExitCancel {
			return false
		}
		allowed := len(from) == 0
		for _, s := range from {
			if ExitStatus(cur) == s {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
		if f.v.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

// Cancel sets ExitCancel. It reports whether this call set it.
func (f *exitFlag) Cancel() bool {
	return ExitStatus(f.v.Swap(int32(ExitCancel))) != ExitCancel
}

// Request is the boundary with the feature layer. Commands are opaque,
// already serialized text frames.
//
// TokenExpiry is derived from the token's exp claim when left zero.
type Request struct {
	Kind        Kind
	URL         string
	Token       string
	TokenExpiry time.Time
	SampleRate  int
	SDKName     string
	SDKVersion  string
	Headers     map[string]string

	StartCommand        []byte
	StopCommand         []byte
	WakeWordStopCommand []byte
	EnableWakeWord      bool
}

func (r *Request) params() pool.Params {
	return pool.Params{
		Kind:       r.Kind,
		URL:        r.URL,
		Token:      r.Token,
		SDKName:    r.SDKName,
		SDKVersion: r.SDKVersion,
		SampleRate: r.SampleRate,
		Headers:    canonicalHeaders(r.Headers),
	}
}

func (r *Request) tokenExpiry() time.Time {
	if !r.TokenExpiry.IsZero() {
		return r.TokenExpiry
	}
	if exp, ok := TokenExpiry(r.Token); ok {
		return exp
	}
	return time.Time{}
}

// requestFromParams rebuilds a warm-up request for a pool replacement.
func requestFromParams(p pool.Params) *Request {
	return &Request{
		Kind:       p.Kind,
		URL:        p.URL,
		Token:      p.Token,
		SampleRate: p.SampleRate,
		SDKName:    p.SDKName,
		SDKVersion: p.SDKVersion,
		Headers:    parseCanonicalHeaders(p.Headers),
	}
}

func canonicalHeaders(h map[string]string) string {
	if len(h) == 0 {
		return ""
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(h[k])
		b.WriteString("\r\n")
	}
	return b.String()
}

func parseCanonicalHeaders(s string) map[string]string {
	if s == "" {
		return nil
	}
	h := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSuffix(s, "\r\n"), "\r\n") {
		if k, v, ok := strings.Cut(line, ": "); ok {
			h[k] = v
		}
	}
	return h
}

// EventType discriminates events delivered to a Listener.
type EventType int

const (
	EventTaskFailed EventType = iota
	EventStarted
	EventResultChanged
	EventSentenceBegin
	EventSentenceEnd
	EventWakeWordVerified
	EventCompleted
	EventClosed
	EventBinary
	EventOther
)

func (t EventType) String() string {
	switch t {
	case EventTaskFailed:
		return "task_failed"
	case EventStarted:
		return "started"
	case EventResultChanged:
		return "result_changed"
	case EventSentenceBegin:
		return "sentence_begin"
	case EventSentenceEnd:
		return "sentence_end"
	case EventWakeWordVerified:
		return "wakeword_verified"
	case EventCompleted:
		return "completed"
	case EventClosed:
		return "closed"
	case EventBinary:
		return "binary"
	}
	return "other"
}

// Event is one application-level notification.
type Event struct {
	Type   EventType
	Name   string
	TaskID string
	// Code is the service status, or the numeric error status for
	// failures raised by the engine.
	Code int
	// Result is payload.result of recognition and transcription events.
	Result  string
	Message string
	Data    []byte
	ConnID  ConnID
	Err     *Error
}

// Listener receives the events of one session. OnEvent runs on the
// engine's worker goroutine; it must not block for long.
type Listener interface {
	OnEvent(ev *Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ev *Event)

func (f ListenerFunc) OnEvent(ev *Event) { f(ev) }
