package nls

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/rojolang/nls-sdk-go/pkg/nls/pool"
	"github.com/rojolang/nls-sdk-go/pkg/nls/wire"
)

var errNoAddress = errors.New("no usable address")

type stageKind uint8

const (
	stageProgress stageKind = iota
	stageDone
	stageRetry
	stageFatal
)

// stageResult is what every setup stage reports to advance.
type stageResult struct {
	kind stageKind
	err  *Error
}

var (
	progress = stageResult{kind: stageProgress}
	stageOK  = stageResult{kind: stageDone}
)

func retry(err *Error) stageResult { return stageResult{kind: stageRetry, err: err} }
func fatal(err *Error) stageResult { return stageResult{kind: stageFatal, err: err} }

// queued is one encoded frame, or the raw upgrade request, waiting for the
// writer. audio counts the caller bytes it carries.
type queued struct {
	data  []byte
	audio int
	kind  string
}

type frameQueue struct {
	items []queued
	head  int
}

func (q *frameQueue) push(f queued) {
	q.items = append(q.items, f)
}

func (q *frameQueue) pop() queued {
	f := q.items[q.head]
	q.items[q.head] = queued{}
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	return f
}

func (q *frameQueue) len() int {
	return len(q.items) - q.head
}

func (q *frameQueue) reset() {
	clear(q.items)
	q.items = q.items[:0]
	q.head = 0
}

// conn is the state machine of one physical connection. Every field is
// owned by its worker goroutine.
type conn struct {
	id  ConnID
	w   *worker
	e   *Engine
	log *Logger

	status Status
	target *wire.Target
	req    *Request
	params pool.Params
	expiry time.Time

	// b is the request currently served; nil while idle in the pool.
	b *binding

	warm      bool
	warmStage pool.Stage
	pooled    bool
	poolStage pool.Stage
	failures  int

	// gen changes on every disconnect so completions from an abandoned
	// attempt can be recognised.
	gen     uint64
	actx    context.Context
	acancel context.CancelFunc
	ch      *channel

	writeCh chan []byte
	writing bool
	cmdQ    frameQueue
	wakeQ   frameQueue
	binQ    frameQueue
	held    []queued

	// lastKind is the kind of the frame the writer holds.
	lastKind string

	hs       *wire.HandshakeParser
	upgraded bool
	dec      *wire.Decoder

	startDeadline time.Time
	stopDeadline  time.Time
	closeDeadline time.Time
	pings         []*future
	torn          bool

	// lastActivity is the last task traffic. Ping, pong and close frames
	// leave it unchanged so idle eviction sees through keepalives.
	lastActivity time.Time
}

func (c *conn) setStatus(s Status) {
	if c.status == s {
		return
	}
	c.log.LogConnectionEvent("status", c.id, s, map[string]interface{}{"from": c.status.String()})
	c.status = s
	c.e.registry.SetStatus(c.id, s)
}

func (c *conn) touch(now time.Time) {
	c.lastActivity = now
	c.e.registry.Touch(c.id, now)
}

// carriesTask reports whether a frame kind counts as task activity.
func carriesTask(kind string) bool {
	switch kind {
	case "ping", "pong", "close":
		return false
	}
	return true
}

// advance drives the setup stages until one of them has to wait for a
// completion.
func (c *conn) advance(r stageResult) {
	for {
		switch r.kind {
		case stageProgress:
			return

		case stageFatal:
			connectAttempts.WithLabelValues("failed").Inc()
			c.teardown(r.err)
			return

		case stageRetry:
			c.failures++
			connectAttempts.WithLabelValues("retry").Inc()
			c.log.WithError(r.err).Debugf("Connect attempt %d failed", c.failures)
			c.disconnect()
			if c.failures >= c.e.cfg.MaxConnectRetries {
				r = fatal(NewConnectError(r.err, c.failures))
				continue
			}
			r = c.resolve()

		case stageDone:
			r = c.next()
		}
	}
}

func (c *conn) next() stageResult {
	switch c.status {
	case StatusConnected:
		return c.secure()
	case StatusHandshaked:
		return c.upgrade()
	}
	return progress
}

// resolve starts a fresh DNS cycle under a new attempt context.
func (c *conn) resolve() stageResult {
	c.setStatus(StatusConnecting)
	c.actx, c.acancel = context.WithCancel(c.e.ctx)
	c.w.spawnResolve(c.actx, c.id, c.gen, c.target.Host)
	return progress
}

func (c *conn) onResolved(addrs []net.IPAddr, err error) stageResult {
	if err != nil {
		return retry(NewDNSError(c.target.Host, err))
	}
	addr, ok := pickAddr(addrs, c.e.cfg.PreferIPv6)
	if !ok {
		return retry(NewDNSError(c.target.Host, errNoAddress))
	}
	c.w.spawnDial(c.actx, c.id, c.gen, net.JoinHostPort(addr.String(), strconv.Itoa(c.target.Port)))
	return progress
}

// pickAddr prefers IPv4 unless preferV6 is set, falling back to whatever
// family is available.
func pickAddr(addrs []net.IPAddr, preferV6 bool) (net.IPAddr, bool) {
	if len(addrs) == 0 {
		return net.IPAddr{}, false
	}
	for _, a := range addrs {
		if (a.IP.To4() == nil) == preferV6 {
			return a, true
		}
	}
	return addrs[0], true
}

func (c *conn) onDialed(nc net.Conn, err error) stageResult {
	if err != nil {
		return retry(NewTransportError(err))
	}
	c.ch = newChannel(nc, c.e.socketSeq.Add(1))
	c.setStatus(StatusConnected)
	c.touch(time.Now())
	return stageOK
}

func (c *conn) secure() stageResult {
	if !c.target.Secure() {
		c.setStatus(StatusHandshaked)
		return stageOK
	}
	c.setStatus(StatusHandshaking)
	cfg := tlsConfigFor(c.e.tlsConfig, c.target.Host, c.e.cfg.InsecureSkipVerify)
	c.ch.startTLS(cfg, c.e.sessionSeq.Add(1))
	c.w.spawnTLS(c.actx, c.id, c.gen, c.ch)
	return progress
}

func (c *conn) onSecured(err error) stageResult {
	if err != nil {
		return retry(NewTLSError(err))
	}
	c.setStatus(StatusHandshaked)
	return stageOK
}

// upgrade starts the socket goroutines. A warm preconnected connection
// parks in the pool here; everything else sends the upgrade request.
func (c *conn) upgrade() stageResult {
	connectAttempts.WithLabelValues("connected").Inc()
	c.startIO()

	if c.b == nil && c.warm && c.warmStage == pool.StagePreconnected {
		if !c.enterPool(pool.StagePreconnected, 0) {
			c.teardown(nil)
		}
		return progress
	}
	return c.sendUpgrade()
}

func (c *conn) startIO() {
	c.writeCh = make(chan []byte, 1)
	c.writing = false
	c.hs = &wire.HandshakeParser{}
	c.dec = wire.NewDecoder(int64(c.e.cfg.MaxFramePayload))
	c.w.spawnReader(c.actx, c.id, c.gen, c.ch)
	c.w.spawnWriter(c.actx, c.id, c.gen, c.ch, c.writeCh)
}

func (c *conn) sendUpgrade() stageResult {
	c.setStatus(StatusStarting)
	c.cmdQ.push(queued{data: wire.HandshakeRequest(c.target, c.req.Token, c.req.Headers), kind: "handshake"})
	c.drainSend()
	return progress
}

func (c *conn) sendStart() {
	c.setStatus(StatusStarting)
	c.cmdQ.push(queued{data: wire.EncodeFrame(wire.OpText, c.b.req.StartCommand), kind: "text"})
	c.drainSend()
}

// enterPool claims a slot. A borrower of zero makes the slot pickable
// immediately.
func (c *conn) enterPool(stage pool.Stage, borrower uint64) bool {
	p := c.e.pool
	if p == nil || c.pooled || c.ch == nil {
		return false
	}
	var ok bool
	if stage == pool.StagePreconnected {
		ok = p.PushPreconnected(c.params, uint64(c.id), c.ch.ident, c.expiry, borrower)
	} else {
		ok = p.PushPrestarted(c.params, uint64(c.id), c.ch.ident, c.expiry, borrower)
	}
	if !ok {
		c.log.Debugf("Pool full for %s %s", c.params.Kind, stage)
		return false
	}
	c.e.registry.Pin(c.id)
	c.pooled = true
	c.poolStage = stage
	if borrower == 0 {
		p.Finish(c.params.Kind, uint64(c.id))
	}
	return true
}

// bind attaches a request to a connection taken from the pool.
func (c *conn) bind(b *binding) {
	c.b = b
	c.failures = 0
	if b.exit.Load() == ExitCancel {
		c.teardown(nil)
		return
	}
	c.startDeadline = time.Now().Add(c.e.cfg.StartTimeout)
	c.log.LogConnectionEvent("bind", c.id, c.status, map[string]interface{}{"request": b.seq})

	switch c.status {
	case StatusIdle:
		c.sendStart()
	case StatusHandshaked:
		c.sendUpgrade()
	}
}

func (c *conn) onRead(data []byte) {
	bytesReceived.Add(float64(len(data)))

	if c.b != nil && c.b.exit.Load() == ExitCancel {
		c.teardown(nil)
		return
	}

	if !c.upgraded {
		c.touch(time.Now())
		if c.status != StatusStarting || c.hs == nil {
			c.teardown(NewHandshakeError(0, "unexpected data before upgrade"))
			return
		}
		ok, err := c.hs.Feed(data)
		if err != nil {
			c.teardown(handshakeFailure(err))
			return
		}
		if !ok {
			return
		}
		c.upgraded = true
		data = c.hs.Rest()
		c.hs = nil
		c.onUpgraded()
		if c.torn {
			return
		}
	}

	if len(data) > 0 {
		_, _ = c.dec.Write(data)
	}
	for !c.torn && c.dec != nil {
		f, ok, err := c.dec.Next()
		if err != nil {
			c.teardown(NewFrameError(err))
			return
		}
		if !ok {
			return
		}
		c.onFrame(f)
	}
}

func handshakeFailure(err error) *Error {
	var he *wire.HandshakeError
	if errors.As(err, &he) {
		return NewHandshakeError(he.Status, he.Message)
	}
	e := NewHandshakeError(0, "malformed handshake response")
	e.err = err
	return e
}

func (c *conn) onUpgraded() {
	c.log.LogConnectionEvent("upgraded", c.id, c.status, map[string]interface{}{"tls": c.ch.secure()})

	if c.b == nil {
		c.setStatus(StatusIdle)
		if !c.pooled && !c.enterPool(pool.StagePrestarted, 0) {
			c.teardown(nil)
		}
		return
	}

	if c.pooled && c.poolStage == pool.StagePreconnected {
		if c.e.pool.Promote(c.params.Kind, uint64(c.id), c.b.seq) {
			c.poolStage = pool.StagePrestarted
		} else {
			c.pooled = false
			c.e.registry.Unpin(c.id)
		}
	}
	c.sendStart()
}

func (c *conn) onFrame(f wire.Frame) {
	framesReceived.WithLabelValues(opName(f)).Inc()
	if !f.IsControl() {
		c.touch(time.Now())
	}

	switch f.OpCode {
	case wire.OpText:
		ev, err := parseEvent(f.Payload)
		if err != nil {
			c.teardown(NewFrameError(err))
			return
		}
		c.onEvent(ev)

	case wire.OpBinary:
		if c.b != nil {
			c.deliver(&Event{Type: EventBinary, Name: "Binary", Data: f.Payload})
		}

	case wire.OpClose:
		code, reason := wire.ParseClose(f.Payload)
		c.onClose(int(code), reason)

	case wire.OpPing:
		c.cmdQ.push(queued{data: wire.PongFrame(f.Payload), kind: "pong"})
		c.drainSend()

	case wire.OpPong:
		c.resolvePings(nil)
	}
}

func opName(f wire.Frame) string {
	switch f.OpCode {
	case wire.OpText:
		return "text"
	case wire.OpBinary:
		return "binary"
	case wire.OpClose:
		return "close"
	case wire.OpPing:
		return "ping"
	case wire.OpPong:
		return "pong"
	}
	return "other"
}

func (c *conn) onEvent(ev *Event) {
	if c.b == nil {
		c.log.Debugf("Dropping %s event on idle connection", ev.Name)
		return
	}

	switch ev.Type {
	case EventStarted:
		c.onStarted(ev)
	case EventWakeWordVerified:
		c.deliver(ev)
		if c.status == StatusWakeWording {
			c.setStatus(StatusStarted)
			c.drainSend()
		}
	case EventCompleted:
		c.onCompleted(ev)
	case EventTaskFailed:
		c.onTaskFailed(ev)
	default:
		c.deliver(ev)
	}
}

func (c *conn) onStarted(ev *Event) {
	b := c.b
	if c.status != StatusStarting {
		c.deliver(ev)
		return
	}

	c.startDeadline = time.Time{}
	if b.req.EnableWakeWord {
		c.setStatus(StatusWakeWording)
	} else {
		c.setStatus(StatusStarted)
	}
	setupDuration.Observe(time.Since(b.attachedAt).Seconds())
	c.deliver(ev)
	b.started.resolve(nil)

	for _, f := range c.held {
		c.cmdQ.push(f)
	}
	c.held = nil

	if c.e.pool != nil && !c.pooled && !c.warm {
		c.enterPool(pool.StagePrestarted, b.seq)
	}
	c.drainSend()
	c.maybeStop()
}

// onCompleted finishes the task. A pooled connection goes back to the pool
// for the next request; anything else says goodbye with a close frame.
func (c *conn) onCompleted(ev *Event) {
	c.stopDeadline = time.Time{}
	c.deliver(ev)

	// The slot is released before the request resolves so a caller that
	// starts again right after Stop finds it. A borrower's bind is handled
	// on this goroutine, after unbind.
	if c.pooled {
		c.setStatus(StatusIdle)
		c.e.pool.Finish(c.params.Kind, uint64(c.id))
		c.unbind(nil)
		return
	}

	c.setStatus(StatusClosing)
	c.cmdQ.push(queued{data: wire.CloseFrame(wire.StatusNormalClosure, ""), kind: "close"})
	c.closeDeadline = time.Now().Add(c.e.cfg.CloseTimeout)
	c.drainSend()
}

func (c *conn) onTaskFailed(ev *Event) {
	c.b.failedSent = true
	c.deliver(ev)

	if c.pooled {
		c.e.pool.MarkAbnormal(c.params.Kind, uint64(c.id))
		c.unbind(ev.Err)
		c.setStatus(StatusIdle)
		c.e.pool.Finish(c.params.Kind, uint64(c.id))
		return
	}
	c.teardown(ev.Err)
}

func (c *conn) onClose(code int, reason string) {
	if c.b == nil || c.status == StatusClosing || code == int(wire.StatusNormalClosure) {
		c.teardown(nil)
		return
	}
	c.teardown(NewServerClosedError(code, reason))
}

func (c *conn) onReadError(err error) {
	switch {
	case c.b == nil || c.status == StatusClosing:
		c.teardown(nil)
	case isEOF(err):
		c.teardown(NewServerClosedError(int(wire.StatusNoStatusRcvd), "connection closed by peer"))
	default:
		c.teardown(NewTransportError(err))
	}
}

func (c *conn) onWritten(n int, err error) {
	c.writing = false
	if err != nil {
		c.teardown(NewTransportError(err))
		return
	}
	bytesSent.Add(float64(n))
	if carriesTask(c.lastKind) {
		c.touch(time.Now())
	}
	c.drainSend()
	c.maybeStop()
}

// drainSend hands one frame to the writer: commands first, then wake-word
// audio, then audio. Audio waits until the task has started.
func (c *conn) drainSend() {
	if c.torn || c.writing || c.writeCh == nil {
		return
	}

	var q *frameQueue
	switch {
	case c.cmdQ.len() > 0:
		q = &c.cmdQ
	case c.status.Streaming() && c.wakeQ.len() > 0:
		q = &c.wakeQ
	case c.status.Streaming() && c.binQ.len() > 0:
		q = &c.binQ
	default:
		return
	}

	f := q.pop()
	if f.audio > 0 && c.b != nil {
		c.b.pending.Add(-int64(f.audio))
	}
	framesSent.WithLabelValues(f.kind).Inc()
	c.lastKind = f.kind
	c.writing = true
	c.writeCh <- f.data
}

func (c *conn) enqueueAudio(frames []queued, wake bool) {
	q := &c.binQ
	if wake {
		q = &c.wakeQ
	}
	for _, f := range frames {
		q.push(f)
	}
	c.drainSend()
}

// enqueueControl holds directives until the service accepted the task.
func (c *conn) enqueueControl(frames []queued) {
	if !c.status.Streaming() {
		c.held = append(c.held, frames...)
		return
	}
	for _, f := range frames {
		c.cmdQ.push(f)
	}
	c.drainSend()
}

// maybeStop sends the stop command once the audio queues are empty.
func (c *conn) maybeStop() {
	b := c.b
	if b == nil || b.exit.Load() != ExitStopping || !c.status.Streaming() {
		return
	}
	if c.binQ.len() > 0 || c.wakeQ.len() > 0 {
		return
	}

	cmd := b.req.StopCommand
	if c.status == StatusWakeWording && len(b.req.WakeWordStopCommand) > 0 {
		cmd = b.req.WakeWordStopCommand
	}
	if !b.exit.Advance(ExitStopped, ExitStopping) {
		return
	}
	if len(cmd) > 0 {
		c.cmdQ.push(queued{data: wire.EncodeFrame(wire.OpText, cmd), kind: "text"})
	}
	c.stopDeadline = time.Now().Add(c.e.cfg.StopTimeout)
	c.drainSend()
}

func (c *conn) ping(fut *future) {
	if !c.upgraded {
		// A preconnected socket speaks no protocol yet. Its reader stays
		// blocked in Read and tears the connection down on EOF or reset,
		// so a socket still owned here is alive.
		if c.status == StatusHandshaked {
			fut.resolve(nil)
		} else {
			fut.resolve(ErrNotStarted)
		}
		return
	}
	c.pings = append(c.pings, fut)
	c.cmdQ.push(queued{data: wire.PingFrame(nil), kind: "ping"})
	c.drainSend()
}

func (c *conn) resolvePings(err error) {
	for _, f := range c.pings {
		f.resolve(err)
	}
	c.pings = nil
}

func (c *conn) tick(now time.Time) {
	if c.torn {
		return
	}
	switch {
	case !c.startDeadline.IsZero() && now.After(c.startDeadline):
		c.teardown(NewTimeoutError(ErrCodeStartTimeout, "timed out waiting for the task to start"))
	case !c.stopDeadline.IsZero() && now.After(c.stopDeadline):
		c.teardown(NewTimeoutError(ErrCodeStopTimeout, "timed out waiting for the task to complete"))
	case !c.closeDeadline.IsZero() && now.After(c.closeDeadline):
		c.teardown(nil)
	}
}

func (c *conn) deliver(ev *Event) {
	if c.b != nil {
		c.deliverTo(c.b, ev)
	}
}

// deliverTo runs the listener unless the request was cancelled. A panicking
// listener is logged and otherwise ignored.
func (c *conn) deliverTo(b *binding, ev *Event) {
	if b.exit.Load() == ExitCancel || b.listener == nil {
		return
	}
	ev.ConnID = c.id
	eventsDelivered.WithLabelValues(ev.Type.String()).Inc()

	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("Listener panicked on %s event: %v", ev.Type, r)
		}
	}()
	b.listener.OnEvent(ev)
}

// unbind ends the current request: TaskFailed if err is set and none was
// sent yet, then Closed, then the request's futures.
func (c *conn) unbind(err *Error) {
	b := c.b
	if b == nil {
		return
	}
	c.b = nil

	if err != nil && !b.failedSent {
		b.failedSent = true
		c.deliverTo(b, failureEvent(err))
	}
	if !b.closedSent {
		b.closedSent = true
		c.deliverTo(b, &Event{Type: EventClosed, Name: "Closed", Message: closedMessage})
	}

	if err != nil {
		b.started.resolve(err)
		b.done.resolve(err)
	} else {
		b.started.resolve(ErrSessionClosed)
		b.done.resolve(nil)
	}

	c.binQ.reset()
	c.wakeQ.reset()
	c.held = nil
	c.startDeadline = time.Time{}
	c.stopDeadline = time.Time{}
}

func (c *conn) disconnect() {
	c.gen++
	if c.acancel != nil {
		c.acancel()
		c.acancel = nil
	}
	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	c.writeCh = nil
	c.writing = false
	c.hs = nil
	c.dec = nil
	c.upgraded = false
	c.cmdQ.reset()
}

// teardown is the single exit of a connection. It is idempotent.
func (c *conn) teardown(err *Error) {
	if c.torn {
		return
	}
	c.torn = true

	upgraded := c.upgraded
	c.disconnect()

	status := StatusClosed
	if err != nil && !upgraded {
		status = StatusInvalid
	}
	c.setStatus(status)
	c.startDeadline = time.Time{}
	c.stopDeadline = time.Time{}
	c.closeDeadline = time.Time{}
	c.resolvePings(ErrSessionClosed)

	if err != nil && c.b != nil {
		c.log.LogError(err)
	}
	c.unbind(err)

	if c.pooled {
		c.pooled = false
		if c.e.pool.Forget(uint64(c.id)) {
			c.e.registry.Unpin(c.id)
		}
	}
	if c.e.registry.Retire(c.id, status) {
		c.w.drop(c.id)
	}
}
