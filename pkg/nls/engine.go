package nls

import (
	"context"
	"crypto/tls"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/rojolang/nls-sdk-go/pkg/nls/pool"
	"github.com/rojolang/nls-sdk-go/pkg/nls/registry"
	"github.com/rojolang/nls-sdk-go/pkg/nls/wire"
)

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Dialer opens TCP connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger replaces the logger built from the config.
func WithLogger(l *Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithTLSConfig sets the base TLS configuration. ServerName defaults to
// the target host.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(e *Engine) { e.tlsConfig = cfg }
}

func WithResolver(r Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

func WithDialer(d Dialer) Option {
	return func(e *Engine) { e.dialer = d }
}

// WithRegisterer registers the engine and pool metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.registerer = reg }
}

// Engine owns the workers, the connection registry and the optional
// preconnection pool. Create one per process and share it.
type Engine struct {
	cfg        *Config
	log        *Logger
	tlsConfig  *tls.Config
	resolver   Resolver
	dialer     Dialer
	registerer prometheus.Registerer

	registry *registry.Registry[Status]
	pool     *pool.Pool
	workers  []*worker

	nextWorker atomic.Uint64
	connSeq    atomic.Uint64
	socketSeq  atomic.Uint64
	sessionSeq atomic.Uint64
	reqSeq     atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewEngine validates cfg and starts the workers, and the pool sweep when
// the pool is enabled. A nil cfg means NewConfig().
func NewEngine(cfg *Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if issues := cfg.Validate(); len(issues) > 0 {
		return nil, NewConfigError(strings.Join(issues, "; "))
	}

	e := &Engine{cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = NewLogger(&LogConfig{
			Level:  ParseLogLevel(cfg.LogLevel),
			Pretty: cfg.LogPretty,
			Output: os.Stderr,
			Fields: map[string]interface{}{"service": "nls-sdk"},
		})
	}
	if e.resolver == nil {
		e.resolver = net.DefaultResolver
	}
	if e.dialer == nil {
		e.dialer = &net.Dialer{KeepAlive: 30 * time.Second}
	}
	if e.registerer != nil {
		if err := RegisterMetrics(e.registerer); err != nil {
			return nil, WrapError(err, ErrCodeConfigInvalid)
		}
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.registry = registry.New[Status]()

	if cfg.PoolEnabled {
		e.pool = pool.New(pool.Config{
			MaxPerKind:          cfg.PoolMaxPerKind,
			PreconnectedTimeout: cfg.PoolPreconnectedTimeout,
			PrestartedTimeout:   cfg.PoolPrestartedTimeout,
			SweepInterval:       cfg.PoolSweepInterval,
			PingTimeout:         cfg.PingTimeout,
			ReplaceRate:         rate.Limit(cfg.PoolReplaceRate),
			ReplaceBurst:        cfg.PoolReplaceBurst,
		}, e, e.log.Zerolog())
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.pool.Run(e.ctx)
		}()
	}

	n := cfg.Workers
	if n == 0 {
		n = runtime.GOMAXPROCS(0)
	}
	e.workers = make([]*worker, n)
	for i := range e.workers {
		e.workers[i] = newWorker(e, i)
	}
	for _, w := range e.workers {
		e.wg.Add(1)
		go w.run(&e.wg)
	}

	e.log.WithFields(map[string]interface{}{
		"workers": n,
		"pool":    cfg.PoolEnabled,
	}).Info("Engine started")
	return e, nil
}

func (e *Engine) Config() *Config {
	return e.cfg
}

func (e *Engine) Logger() *Logger {
	return e.log
}

// Pool returns the preconnection pool, or nil when it is disabled.
func (e *Engine) Pool() *pool.Pool {
	return e.pool
}

// Connections returns the number of live or pinned connections.
func (e *Engine) Connections() int {
	return e.registry.Len()
}

// ConnStatus reports the status mirror of a connection.
func (e *Engine) ConnStatus(id ConnID) (Status, bool) {
	entry, ok := e.registry.Lookup(id)
	if !ok {
		return StatusClosed, false
	}
	return entry.Status, true
}

// StartOption customises Start.
type StartOption func(*startOptions)

type startOptions struct {
	wait bool
}

// WithWait makes Start block until the service accepted the task or ctx
// is done.
func WithWait() StartOption {
	return func(o *startOptions) { o.wait = true }
}

// Start begins a request. A pooled connection with matching parameters is
// used when available; otherwise a new connection is opened on the next
// worker. Events are delivered to listener on the worker goroutine.
func (e *Engine) Start(ctx context.Context, req *Request, listener Listener, opts ...StartOption) (*Session, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	target, err := e.validate(req)
	if err != nil {
		return nil, err
	}
	if len(req.StartCommand) == 0 {
		return nil, NewConfigError("request has no start command")
	}

	b := &binding{
		seq:        e.reqSeq.Add(1),
		req:        req,
		params:     req.params(),
		target:     target,
		listener:   listener,
		limit:      e.cfg.bufferLimit(req.SampleRate),
		started:    newFuture(),
		done:       newFuture(),
		attachedAt: time.Now(),
	}
	if !e.bindPooled(b) {
		e.startCold(b)
	}
	if e.closed.Load() {
		b.started.resolve(ErrEngineClosed)
		b.done.resolve(ErrEngineClosed)
	}

	s := &Session{e: e, b: b}
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.wait {
		if err := s.WaitStarted(ctx); err != nil {
			s.Cancel()
			return nil, err
		}
	}
	return s, nil
}

func (e *Engine) validate(req *Request) (*wire.Target, error) {
	if req == nil {
		return nil, NewConfigError("nil request")
	}
	if !req.Kind.Valid() {
		return nil, NewConfigError("unknown request kind")
	}
	target, err := wire.ParseTarget(req.URL)
	if err != nil {
		return nil, WrapError(err, ErrCodeConfigInvalid)
	}
	return target, nil
}

// bindPooled tries the prestarted slots first, then the preconnected ones.
func (e *Engine) bindPooled(b *binding) bool {
	if e.pool == nil {
		return false
	}
	pops := []func(pool.Params, uint64) (pool.Lease, bool){
		e.pool.PopPrestarted,
		e.pool.PopPreconnected,
	}
	for _, pop := range pops {
		lease, ok := pop(b.params, b.seq)
		if !ok {
			continue
		}
		id := ConnID(lease.ID)
		entry, ok := e.registry.Lookup(id)
		w, _ := entry.Owner.(*worker)
		if !ok || w == nil {
			e.pool.Forget(lease.ID)
			continue
		}
		ver, ok := e.registry.Rebind(id, w)
		if !ok {
			continue
		}
		b.w = w
		b.ver.Store(ver)
		b.cid.Store(uint64(id))
		e.log.Debugf("Request %d borrowed %s connection %d", b.seq, lease.Stage, id)
		w.post(command{kind: cmdBind, b: b, id: id})
		return true
	}
	return false
}

func (e *Engine) startCold(b *binding) {
	w := e.pick()
	c := e.newConn(w, b.req, b.params, b.target)
	c.b = b
	b.w = w
	e.registry.Register(c.id, w, StatusInitial)
	b.ver.Store(1)
	b.cid.Store(uint64(c.id))
	w.post(command{kind: cmdAttach, c: c})
}

func (e *Engine) pick() *worker {
	n := e.nextWorker.Add(1) - 1
	return e.workers[n%uint64(len(e.workers))]
}

func (e *Engine) newConn(w *worker, req *Request, params pool.Params, target *wire.Target) *conn {
	id := ConnID(e.connSeq.Add(1))
	return &conn{
		id:     id,
		w:      w,
		e:      e,
		log:    w.log.WithConn(id),
		status: StatusInitial,
		target: target,
		req:    req,
		params: params,
		expiry: req.tokenExpiry(),
	}
}

// Warm opens n connections for req that park in the pool at stage once
// ready. It does not wait for them.
func (e *Engine) Warm(ctx context.Context, req *Request, stage pool.Stage, n int) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if e.pool == nil {
		return NewConfigError("preconnection pool is disabled")
	}
	target, err := e.validate(req)
	if err != nil {
		return err
	}
	params := req.params()
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.warm(req, params, target, stage)
	}
	return nil
}

func (e *Engine) warm(req *Request, params pool.Params, target *wire.Target, stage pool.Stage) {
	w := e.pick()
	c := e.newConn(w, req, params, target)
	c.warm = true
	c.warmStage = stage
	e.registry.Register(c.id, w, StatusInitial)
	w.post(command{kind: cmdAttach, c: c})
}

// Ping sends a protocol ping on an idle connection and waits for the pong.
// A preconnected connection reports success while it still owns its
// socket; its reader tears it down as soon as the peer drops it.
func (e *Engine) Ping(ctx context.Context, id uint64) error {
	entry, ok := e.registry.Lookup(ConnID(id))
	w, _ := entry.Owner.(*worker)
	if !ok || entry.Retired || w == nil {
		return ErrSessionClosed
	}
	fut := newFuture()
	w.post(command{kind: cmdPing, id: ConnID(id), fut: fut})
	return fut.wait(ctx)
}

// LastActivity returns when the connection last carried task traffic.
// Keepalive frames leave it unchanged.
func (e *Engine) LastActivity(id uint64) (time.Time, bool) {
	entry, ok := e.registry.Lookup(ConnID(id))
	if !ok {
		return time.Time{}, false
	}
	return entry.Activity, true
}

// Release hands a connection evicted from the pool back to its worker for
// teardown.
func (e *Engine) Release(id uint64) {
	entry, ok := e.registry.Lookup(ConnID(id))
	w, _ := entry.Owner.(*worker)
	if !ok || w == nil {
		return
	}
	w.post(command{kind: cmdRelease, id: ConnID(id)})
}

// Replace opens a warm connection to take the place of an evicted one.
// The replacement keeps the evicted slot's token expiry.
func (e *Engine) Replace(p pool.Params, stage pool.Stage, tokenExpiry time.Time) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	req := requestFromParams(p)
	req.TokenExpiry = tokenExpiry
	target, err := e.validate(req)
	if err != nil {
		return err
	}
	e.warm(req, p, target, stage)
	return nil
}

// Close stops the pool and the workers. Requests still running receive
// TaskFailed and Closed. Close waits for the workers until ctx is done.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.cancel()
		for _, w := range e.workers {
			close(w.quit)
		}
		e.log.Info("Engine closing")
	})

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ pool.Driver = (*Engine)(nil)
