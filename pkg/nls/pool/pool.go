// Package pool keeps warm speech-gateway connections per request kind so
// that a new task can skip DNS, TCP, TLS and the upgrade handshake.
//
// Connections themselves live in the engine. A slot only stores the
// connection id, its identity and the parameters it was opened with; all
// I/O goes through a Driver and is never performed while the pool lock is
// held.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Kind groups slots by request type.
type Kind uint8

const (
	KindRecognition Kind = iota
	KindTranscription
	KindSynthesis
	KindStreamingSynthesis
	kindCount
)

func (k Kind) String() string {
	switch k {
	case KindRecognition:
		return "recognition"
	case KindTranscription:
		return "transcription"
	case KindSynthesis:
		return "synthesis"
	case KindStreamingSynthesis:
		return "streaming_synthesis"
	}
	return "unknown"
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k < kindCount
}

// Stage is the maturity of a pooled connection.
type Stage uint8

const (
	// StagePreconnected connections finished TCP and TLS but have not
	// sent the upgrade request.
	StagePreconnected Stage = iota
	// StagePrestarted connections completed the upgrade and are idle.
	StagePrestarted
)

func (s Stage) String() string {
	if s == StagePrestarted {
		return "prestarted"
	}
	return "preconnected"
}

// SlotStatus is the fill state of a slot.
type SlotStatus uint8

const (
	SlotToBeCreated SlotStatus = iota
	SlotConnected
	SlotStarted
)

// Identity is the socket and TLS session pair of a connection. Two slots
// refer to the same connection only when both match.
type Identity struct {
	Socket  uint64
	Session uint64
}

// Params must match exactly for a slot to be handed to a request.
type Params struct {
	Kind       Kind
	URL        string
	Token      string
	SDKName    string
	SDKVersion string
	SampleRate int
	// Headers is the canonical form of the extra upgrade headers.
	Headers string
}

// Slot is one pool position.
type Slot struct {
	Status           SlotStatus
	ID               uint64
	Identity         Identity
	Params           Params
	Started          time.Time
	Workable         time.Time
	TokenExpiry      time.Time
	CanPick          bool
	Borrower         uint64
	ShouldRelease    bool
	ShouldPreconnect bool
	Abnormal         bool
}

// Filled reports whether the slot holds a connection.
func (s *Slot) Filled() bool {
	return s.Status != SlotToBeCreated
}

// Lease is handed to a borrower by a successful pop.
type Lease struct {
	ID       uint64
	Identity Identity
	Stage    Stage
}

// Driver performs the connection work on behalf of the pool.
type Driver interface {
	// Ping checks a pooled connection is alive. It must honour ctx.
	Ping(ctx context.Context, id uint64) error
	// LastActivity returns the time the connection last carried task
	// traffic. Ping, pong and close frames do not count.
	LastActivity(id uint64) (time.Time, bool)
	// Release tears down a connection that left the pool.
	Release(id uint64)
	// Replace opens a new connection with p that pushes itself into
	// stage once ready. tokenExpiry carries over from the evicted slot.
	Replace(p Params, stage Stage, tokenExpiry time.Time) error
}

// Config controls pool size and eviction.
type Config struct {
	MaxPerKind          int
	PreconnectedTimeout time.Duration
	PrestartedTimeout   time.Duration
	SweepInterval       time.Duration
	PingTimeout         time.Duration
	ReplaceRate         rate.Limit
	ReplaceBurst        int
	Now                 func() time.Time
}

// DefaultConfig mirrors the gateway's idle limits.
func DefaultConfig() Config {
	return Config{
		MaxPerKind:          2,
		PreconnectedTimeout: 15 * time.Second,
		PrestartedTimeout:   10 * time.Second,
		SweepInterval:       1500 * time.Millisecond,
		PingTimeout:         time.Second,
		ReplaceRate:         rate.Limit(10),
		ReplaceBurst:        4,
	}
}

// Pool holds preconnected and prestarted slots for each kind.
type Pool struct {
	cfg     Config
	driver  Driver
	logger  zerolog.Logger
	limiter *rate.Limiter

	mu     sync.Mutex
	groups [kindCount][2][]Slot
}

// New creates a pool with cfg.MaxPerKind empty slots per kind and stage.
func New(cfg Config, driver Driver, logger zerolog.Logger) *Pool {
	def := DefaultConfig()
	if cfg.MaxPerKind <= 0 {
		cfg.MaxPerKind = def.MaxPerKind
	}
	if cfg.PreconnectedTimeout <= 0 {
		cfg.PreconnectedTimeout = def.PreconnectedTimeout
	}
	if cfg.PrestartedTimeout <= 0 {
		cfg.PrestartedTimeout = def.PrestartedTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	limit := cfg.ReplaceRate
	if limit <= 0 {
		limit = rate.Inf
	}

	p := &Pool{
		cfg:     cfg,
		driver:  driver,
		logger:  logger.With().Str("component", "pool").Logger(),
		limiter: rate.NewLimiter(limit, max(cfg.ReplaceBurst, 1)),
	}
	for k := range p.groups {
		for s := range p.groups[k] {
			p.groups[k][s] = make([]Slot, cfg.MaxPerKind)
		}
	}
	return p
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// PopPreconnected borrows a TLS-ready connection opened with params.
func (p *Pool) PopPreconnected(params Params, borrower uint64) (Lease, bool) {
	return p.pop(StagePreconnected, params, borrower)
}

// PopPrestarted borrows an upgraded idle connection opened with params.
func (p *Pool) PopPrestarted(params Params, borrower uint64) (Lease, bool) {
	return p.pop(StagePrestarted, params, borrower)
}

func (p *Pool) pop(stage Stage, params Params, borrower uint64) (Lease, bool) {
	if !params.Kind.Valid() {
		return Lease{}, false
	}
	now := p.cfg.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	slots := p.groups[params.Kind][stage]
	for i := range slots {
		s := &slots[i]
		if !s.Filled() || !s.CanPick || s.Abnormal || s.ShouldRelease {
			continue
		}
		if s.Params != params {
			continue
		}
		if !s.TokenExpiry.IsZero() && !now.Before(s.TokenExpiry) {
			continue
		}
		s.CanPick = false
		s.Borrower = borrower
		s.Workable = now
		poolPops.WithLabelValues(params.Kind.String(), stage.String(), "hit").Inc()
		return Lease{ID: s.ID, Identity: s.Identity, Stage: stage}, true
	}

	poolPops.WithLabelValues(params.Kind.String(), stage.String(), "miss").Inc()
	return Lease{}, false
}

// PushPreconnected records a connection that finished TLS. See push.
func (p *Pool) PushPreconnected(params Params, id uint64, ident Identity, tokenExpiry time.Time, borrower uint64) bool {
	return p.push(StagePreconnected, params, id, ident, tokenExpiry, borrower)
}

// PushPrestarted records a connection that completed the upgrade. See
// push.
func (p *Pool) PushPrestarted(params Params, id uint64, ident Identity, tokenExpiry time.Time, borrower uint64) bool {
	return p.push(StagePrestarted, params, id, ident, tokenExpiry, borrower)
}

// push refreshes the slot already tracking ident, or claims the first
// empty slot. The slot is not pickable until Finish. It returns false when
// every slot is taken.
func (p *Pool) push(stage Stage, params Params, id uint64, ident Identity, tokenExpiry time.Time, borrower uint64) bool {
	if !params.Kind.Valid() {
		return false
	}
	now := p.cfg.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	slots := p.groups[params.Kind][stage]
	for i := range slots {
		s := &slots[i]
		if s.Filled() && s.Identity == ident {
			s.Workable = now
			s.Borrower = borrower
			s.CanPick = false
			return true
		}
	}

	status := SlotConnected
	if stage == StagePrestarted {
		status = SlotStarted
	}
	for i := range slots {
		s := &slots[i]
		if s.Filled() {
			continue
		}
		*s = Slot{
			Status:      status,
			ID:          id,
			Identity:    ident,
			Params:      params,
			Started:     now,
			Workable:    now,
			TokenExpiry: tokenExpiry,
			Borrower:    borrower,
		}
		return true
	}
	return false
}

// Promote moves a borrowed preconnected connection that completed its
// upgrade into the prestarted vector. It returns false when the
// connection was not tracked or no prestarted slot is free; the
// connection then leaves the pool.
func (p *Pool) Promote(kind Kind, id uint64, borrower uint64) bool {
	if !kind.Valid() {
		return false
	}
	now := p.cfg.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	pre := p.groups[kind][StagePreconnected]
	idx := slotIndex(pre, id)
	if idx < 0 {
		return false
	}
	moved := pre[idx]
	pre[idx] = Slot{}

	slots := p.groups[kind][StagePrestarted]
	for i := range slots {
		s := &slots[i]
		if s.Filled() {
			continue
		}
		*s = moved
		s.Status = SlotStarted
		s.Borrower = borrower
		s.CanPick = false
		s.Workable = now
		return true
	}
	return false
}

// Finish returns a borrowed connection. The slot becomes pickable unless
// it was reported abnormal.
func (p *Pool) Finish(kind Kind, id uint64) bool {
	if !kind.Valid() {
		return false
	}
	now := p.cfg.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	for stage := range p.groups[kind] {
		slots := p.groups[kind][stage]
		if i := slotIndex(slots, id); i >= 0 {
			s := &slots[i]
			s.Borrower = 0
			s.CanPick = !s.Abnormal
			s.Workable = now
			return true
		}
	}
	return false
}

// MarkAbnormal removes the connection from future eligibility. It stays
// in its slot until the sweep releases it.
func (p *Pool) MarkAbnormal(kind Kind, id uint64) bool {
	if !kind.Valid() {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for stage := range p.groups[kind] {
		slots := p.groups[kind][stage]
		if i := slotIndex(slots, id); i >= 0 {
			slots[i].Abnormal = true
			slots[i].CanPick = false
			return true
		}
	}
	return false
}

// Forget clears the slot of a connection that was torn down by its
// worker. No release is issued.
func (p *Pool) Forget(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for k := range p.groups {
		for stage := range p.groups[k] {
			slots := p.groups[k][stage]
			if i := slotIndex(slots, id); i >= 0 {
				slots[i] = Slot{}
				return true
			}
		}
	}
	return false
}

// Contains reports whether any slot tracks id.
func (p *Pool) Contains(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for k := range p.groups {
		for stage := range p.groups[k] {
			if slotIndex(p.groups[k][stage], id) >= 0 {
				return true
			}
		}
	}
	return false
}

// Snapshot returns a copy of the slots of one kind and stage.
func (p *Pool) Snapshot(kind Kind, stage Stage) []Slot {
	if !kind.Valid() {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]Slot(nil), p.groups[kind][stage]...)
}

func slotIndex(slots []Slot, id uint64) int {
	for i := range slots {
		if slots[i].Filled() && slots[i].ID == id {
			return i
		}
	}
	return -1
}
