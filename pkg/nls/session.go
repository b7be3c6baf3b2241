package nls

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rojolang/nls-sdk-go/pkg/nls/pool"
	"github.com/rojolang/nls-sdk-go/pkg/nls/wire"
)

// binding is one logical request. It outlives the connection that served
// it and is shared between the Session and the owning worker.
type binding struct {
	seq      uint64
	req      *Request
	params   pool.Params
	target   *wire.Target
	listener Listener
	w        *worker

	exit    exitFlag
	pending atomic.Int64
	limit   int64
	started *future
	done    *future

	// cid and ver name the connection currently serving the request.
	cid atomic.Uint64
	ver atomic.Uint64

	// Owned by the worker.
	attachedAt time.Time
	failedSent bool
	closedSent bool
}

// Session is the caller's handle on a running request. Its methods are safe
// for concurrent use. Methods that wait must not be called from a
// Listener, which runs on the worker they wait for.
type Session struct {
	e *Engine
	b *binding
}

// ID returns the connection currently serving the request.
func (s *Session) ID() ConnID {
	return ConnID(s.b.cid.Load())
}

// Status returns the connection status as seen by this request. A finished
// request is Closed even if its connection went back to the pool.
func (s *Session) Status() Status {
	if s.b.done.resolved() {
		return StatusClosed
	}
	entry, ok := s.e.registry.Lookup(s.ID())
	if !ok {
		return StatusClosed
	}
	return entry.Status
}

func (s *Session) ExitStatus() ExitStatus {
	return s.b.exit.Load()
}

// SendAudio queues audio for the task. It never blocks: when the backlog
// exceeds the limit for the sample rate it returns ErrBufferFull and the
// caller must back off.
func (s *Session) SendAudio(data []byte) error {
	return s.send(data, false)
}

// SendWakeWordAudio queues audio on the wake-word queue, which is drained
// ahead of regular audio.
func (s *Session) SendWakeWordAudio(data []byte) error {
	if !s.b.req.EnableWakeWord {
		return NewConfigError("wake word is not enabled for this request")
	}
	return s.send(data, true)
}

func (s *Session) send(data []byte, wake bool) error {
	if s.b.exit.Load() != ExitNone || s.b.done.resolved() {
		return ErrSessionClosed
	}
	if len(data) == 0 {
		return nil
	}

	n := int64(len(data))
	if s.b.pending.Add(n) > s.b.limit {
		s.b.pending.Add(-n)
		bufferFull.Inc()
		return ErrBufferFull
	}
	s.b.w.post(command{kind: cmdSend, b: s.b, frames: splitAudio(data, s.e.cfg.FrameSize), wake: wake})
	return nil
}

// splitAudio encodes data as binary frames of at most size payload bytes.
func splitAudio(data []byte, size int) []queued {
	frames := make([]queued, 0, (len(data)+size-1)/size)
	for off := 0; off < len(data); off += size {
		chunk := data[off:min(off+size, len(data))]
		frames = append(frames, queued{
			data:  wire.EncodeFrame(wire.OpBinary, chunk),
			audio: len(chunk),
			kind:  "binary",
		})
	}
	return frames
}

// Control sends a serialized directive, such as text for streaming
// synthesis. Directives sent before the task started are held until it
// does.
func (s *Session) Control(cmd []byte) error {
	if s.b.exit.Load() != ExitNone || s.b.done.resolved() {
		return ErrSessionClosed
	}
	frame := queued{data: wire.EncodeFrame(wire.OpText, cmd), kind: "text"}
	s.b.w.post(command{kind: cmdControl, b: s.b, frames: []queued{frame}})
	return nil
}

// Ping round-trips a protocol ping, bounded by the configured ping
// timeout.
func (s *Session) Ping(ctx context.Context) error {
	if s.b.done.resolved() {
		return ErrSessionClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.e.cfg.PingTimeout)
	defer cancel()

	fut := newFuture()
	s.b.w.post(command{kind: cmdPing, b: s.b, fut: fut})
	return fut.wait(ctx)
}

// WaitStarted blocks until the service accepted the task, the request
// ended, or ctx is done.
func (s *Session) WaitStarted(ctx context.Context) error {
	return s.b.started.wait(ctx)
}

// Stop ends the task gracefully: queued audio is flushed, the stop command
// is sent and Stop waits for completion. It returns the request's final
// error.
func (s *Session) Stop(ctx context.Context) error {
	if s.b.exit.Advance(ExitStopping, ExitNone) {
		s.b.w.post(command{kind: cmdStop, b: s.b})
	} else if s.b.exit.Load() == ExitCancel {
		return ErrSessionClosed
	}
	return s.b.done.wait(ctx)
}

// Cancel abandons the task at once. No further events are delivered.
func (s *Session) Cancel() {
	if s.b.exit.Cancel() {
		s.b.w.post(command{kind: cmdCancel, b: s.b})
	}
}

// Done is closed once the request ended and its Closed event, if any, was
// delivered.
func (s *Session) Done() <-chan struct{} {
	return s.b.done.done
}

// Err returns the request's final error once Done is closed.
func (s *Session) Err() error {
	if !s.b.done.resolved() {
		return nil
	}
	return s.b.done.err
}
