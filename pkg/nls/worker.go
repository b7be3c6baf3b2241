package nls

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

type cmdKind uint8

const (
	cmdAttach cmdKind = iota
	cmdBind
	cmdSend
	cmdControl
	cmdStop
	cmdCancel
	cmdPing
	cmdRelease
)

// command is a cross-goroutine request for a worker. Session commands carry
// the binding; the worker resolves the connection itself.
type command struct {
	kind   cmdKind
	c      *conn
	b      *binding
	id     ConnID
	frames []queued
	wake   bool
	fut    *future
}

// mailbox is an unbounded FIFO so that listeners running on the worker can
// post to it without deadlocking.
type mailbox struct {
	mu     sync.Mutex
	items  []command
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) post(cmd command) {
	m.mu.Lock()
	m.items = append(m.items, cmd)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain(buf []command) []command {
	m.mu.Lock()
	buf = append(buf[:0], m.items...)
	clear(m.items)
	m.items = m.items[:0]
	m.mu.Unlock()
	return buf
}

type ioKind uint8

const (
	ioDial ioKind = iota
	ioTLS
	ioRead
	ioWrite
)

// ioEvent is a completion posted by a helper goroutine. gen ties it to one
// connection attempt; events from an abandoned attempt are dropped.
type ioEvent struct {
	kind ioKind
	id   ConnID
	gen  uint64
	conn net.Conn
	data []byte
	n    int
	err  error
}

type dnsEvent struct {
	id    ConnID
	gen   uint64
	addrs []net.IPAddr
	err   error
}

// worker is one reactor goroutine. It is the only goroutine that touches
// the connections in its arena.
type worker struct {
	idx   int
	e     *Engine
	log   *Logger
	conns map[ConnID]*conn

	mail *mailbox
	dns  chan dnsEvent
	io   chan ioEvent
	quit chan struct{}
}

func newWorker(e *Engine, idx int) *worker {
	return &worker{
		idx:   idx,
		e:     e,
		log:   e.log.WithComponent("worker").WithField("worker", idx),
		conns: make(map[ConnID]*conn),
		mail:  newMailbox(),
		dns:   make(chan dnsEvent, e.cfg.EventQueueSize),
		io:    make(chan ioEvent, e.cfg.EventQueueSize),
		quit:  make(chan struct{}),
	}
}

func (w *worker) post(cmd command) {
	w.mail.post(cmd)
}

func (w *worker) run(wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(w.e.cfg.TickInterval)
	defer ticker.Stop()

	var cmds []command
	for {
		select {
		case <-w.quit:
			w.shutdown()
			return
		case <-w.mail.signal:
			cmds = w.mail.drain(cmds)
			for i := range cmds {
				w.handle(cmds[i])
				cmds[i] = command{}
			}
		case ev := <-w.dns:
			if c := w.live(ev.id, ev.gen); c != nil {
				c.advance(c.onResolved(ev.addrs, ev.err))
			}
		case ev := <-w.io:
			w.dispatch(ev)
		case now := <-ticker.C:
			for _, c := range w.conns {
				c.tick(now)
			}
		}
	}
}

// live returns the connection an event belongs to, or nil if the event is
// from an earlier attempt.
func (w *worker) live(id ConnID, gen uint64) *conn {
	c := w.conns[id]
	if c == nil || c.torn || c.gen != gen {
		return nil
	}
	return c
}

func (w *worker) dispatch(ev ioEvent) {
	c := w.live(ev.id, ev.gen)
	if c == nil {
		if ev.conn != nil {
			ev.conn.Close()
		}
		return
	}

	switch ev.kind {
	case ioDial:
		c.advance(c.onDialed(ev.conn, ev.err))
	case ioTLS:
		c.advance(c.onSecured(ev.err))
	case ioRead:
		if len(ev.data) > 0 {
			c.onRead(ev.data)
		}
		if ev.err != nil && !c.torn && c.gen == ev.gen {
			c.onReadError(ev.err)
		}
	case ioWrite:
		c.onWritten(ev.n, ev.err)
	}
}

func (w *worker) handle(cmd command) {
	switch cmd.kind {
	case cmdAttach:
		w.attach(cmd.c)

	case cmdBind:
		w.bind(cmd.b, cmd.id)

	case cmdRelease:
		w.release(cmd.id)

	case cmdPing:
		var c *conn
		if cmd.b != nil {
			c = w.lookup(cmd.b)
		} else {
			c = w.conns[cmd.id]
		}
		switch {
		case c == nil && cmd.b != nil && !cmd.b.done.resolved():
			// The request is still waiting for a connection.
			cmd.fut.resolve(ErrNotStarted)
		case c == nil || c.torn:
			cmd.fut.resolve(ErrSessionClosed)
		default:
			c.ping(cmd.fut)
		}

	default:
		c := w.lookup(cmd.b)
		if c == nil {
			if cmd.kind == cmdSend {
				for _, f := range cmd.frames {
					cmd.b.pending.Add(-int64(f.audio))
				}
			}
			return
		}
		switch cmd.kind {
		case cmdSend:
			c.enqueueAudio(cmd.frames, cmd.wake)
		case cmdControl:
			c.enqueueControl(cmd.frames)
		case cmdStop:
			c.maybeStop()
		case cmdCancel:
			c.teardown(nil)
		}
	}
}

// lookup resolves a binding to its connection after checking the registry.
// A mismatch means the connection moved on and the command is dropped.
func (w *worker) lookup(b *binding) *conn {
	id := ConnID(b.cid.Load())
	if _, ok := w.e.registry.Check(id, w, b.ver.Load()); !ok {
		w.log.Debugf("Dropping command for stale connection %d", id)
		return nil
	}
	c := w.conns[id]
	if c == nil || c.torn || c.b != b {
		return nil
	}
	return c
}

func (w *worker) attach(c *conn) {
	w.conns[c.id] = c
	connectionsActive.Inc()
	c.log.LogConnectionEvent("attach", c.id, c.status, map[string]interface{}{"warm": c.warm})

	if b := c.b; b != nil {
		if b.exit.Load() == ExitCancel {
			c.teardown(nil)
			return
		}
		c.startDeadline = time.Now().Add(w.e.cfg.StartTimeout)
	}
	c.advance(c.resolve())
}

// bind hands a pooled connection to a new request. If the connection died
// after it was popped, the request falls back to a cold connection on this
// worker.
func (w *worker) bind(b *binding, id ConnID) {
	c := w.conns[id]
	if c != nil && !c.torn && c.b == nil && (c.status == StatusIdle || c.status == StatusHandshaked) {
		if _, ok := w.e.registry.Check(id, w, b.ver.Load()); ok {
			c.bind(b)
			return
		}
	}

	w.log.Debugf("Pooled connection %d unavailable, falling back to a new connection", id)
	nc := w.e.newConn(w, b.req, b.params, b.target)
	nc.b = b
	w.e.registry.Register(nc.id, w, StatusInitial)
	b.ver.Store(1)
	b.cid.Store(uint64(nc.id))
	w.attach(nc)
}

// release drops the pool's hold on a connection. The sweep only releases
// connections nobody borrows.
func (w *worker) release(id ConnID) {
	c := w.conns[id]
	if w.e.registry.Unpin(id) {
		w.drop(id)
		return
	}
	if c == nil || c.torn {
		return
	}
	c.pooled = false
	c.teardown(nil)
}

func (w *worker) drop(id ConnID) {
	if _, ok := w.conns[id]; ok {
		delete(w.conns, id)
		connectionsActive.Dec()
	}
}

// shutdown tears down everything this worker owns. Requests still waiting
// in the mailbox are failed so that no caller waits forever.
func (w *worker) shutdown() {
	for _, cmd := range w.mail.drain(nil) {
		switch cmd.kind {
		case cmdAttach:
			w.conns[cmd.c.id] = cmd.c
			connectionsActive.Inc()
		case cmdBind:
			cmd.b.started.resolve(ErrEngineClosed)
			cmd.b.done.resolve(ErrEngineClosed)
		case cmdPing:
			cmd.fut.resolve(ErrEngineClosed)
		}
	}
	for _, c := range w.conns {
		c.pooled = false
		c.teardown(ErrEngineClosed)
		w.drop(c.id)
	}
}

// Helper goroutines. None of them touches connection state; each posts
// one completion, or a stream of them for the reader.

func (w *worker) postIO(ctx context.Context, ev ioEvent) bool {
	select {
	case w.io <- ev:
		return true
	case <-ctx.Done():
	case <-w.quit:
	}
	if ev.conn != nil {
		ev.conn.Close()
	}
	return false
}

func (w *worker) spawnResolve(ctx context.Context, id ConnID, gen uint64, host string) {
	timeout := w.e.cfg.DNSTimeout
	resolver := w.e.resolver
	go func() {
		rctx, cancel := context.WithTimeout(ctx, timeout)
		addrs, err := resolver.LookupIPAddr(rctx, host)
		cancel()

		select {
		case w.dns <- dnsEvent{id: id, gen: gen, addrs: addrs, err: err}:
		case <-ctx.Done():
		case <-w.quit:
		}
	}()
}

func (w *worker) spawnDial(ctx context.Context, id ConnID, gen uint64, addr string) {
	timeout := w.e.cfg.ConnectTimeout
	dialer := w.e.dialer
	go func() {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		nc, err := dialer.DialContext(dctx, "tcp", addr)
		cancel()
		w.postIO(ctx, ioEvent{kind: ioDial, id: id, gen: gen, conn: nc, err: err})
	}()
}

func (w *worker) spawnTLS(ctx context.Context, id ConnID, gen uint64, ch *channel) {
	timeout := w.e.cfg.TLSHandshakeTimeout
	go func() {
		hctx, cancel := context.WithTimeout(ctx, timeout)
		err := ch.handshake(hctx)
		cancel()
		w.postIO(ctx, ioEvent{kind: ioTLS, id: id, gen: gen, err: err})
	}()
}

func (w *worker) spawnReader(ctx context.Context, id ConnID, gen uint64, ch *channel) {
	go func() {
		buf := make([]byte, 32<<10)
		for {
			n, err := ch.Read(buf)
			ev := ioEvent{kind: ioRead, id: id, gen: gen, err: err}
			if n > 0 {
				ev.data = append([]byte(nil), buf[:n]...)
			}
			if (n > 0 || err != nil) && !w.postIO(ctx, ev) {
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

func (w *worker) spawnWriter(ctx context.Context, id ConnID, gen uint64, ch *channel, in <-chan []byte) {
	timeout := w.e.cfg.WriteTimeout
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.quit:
				return
			case data := <-in:
				n, err := ch.Write(data, timeout)
				if !w.postIO(ctx, ioEvent{kind: ioWrite, id: id, gen: gen, n: n, err: err}) {
					return
				}
			}
		}
	}()
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
