package pool

import (
	"context"
	"time"
)

const (
	reasonIdle     = "idle"
	reasonToken    = "token_expired"
	reasonPing     = "ping_failed"
	reasonAbnormal = "abnormal"
)

type candidate struct {
	kind        Kind
	stage       Stage
	id          uint64
	ident       Identity
	workable    time.Time
	tokenExpiry time.Time
	abnormal    bool
}

type verdict struct {
	candidate
	activity   time.Time
	reason     string
	preconnect bool
}

type released struct {
	params      Params
	stage       Stage
	id          uint64
	tokenExpiry time.Time
	preconnect  bool
}

// Run sweeps every SweepInterval until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep runs one maintenance cycle: mark then release.
func (p *Pool) Sweep(ctx context.Context) {
	p.MarkExpired(ctx)
	p.ReleaseMarked()
}

// MarkExpired flags idle, expired, abnormal and unresponsive slots that
// are not borrowed. Pings run without the pool lock.
func (p *Pool) MarkExpired(ctx context.Context) int {
	now := p.cfg.Now()

	p.mu.Lock()
	var cands []candidate
	for k := range p.groups {
		for stage := range p.groups[k] {
			for _, s := range p.groups[k][stage] {
				if !s.Filled() || s.Borrower != 0 || s.ShouldRelease {
					continue
				}
				cands = append(cands, candidate{
					kind:        Kind(k),
					stage:       Stage(stage),
					id:          s.ID,
					ident:       s.Identity,
					workable:    s.Workable,
					tokenExpiry: s.TokenExpiry,
					abnormal:    s.Abnormal,
				})
			}
		}
	}
	p.mu.Unlock()

	verdicts := make([]verdict, 0, len(cands))
	for _, c := range cands {
		v := verdict{candidate: c}
		if act, ok := p.driver.LastActivity(c.id); ok && act.After(c.workable) {
			v.activity = act
			c.workable = act
		}

		switch {
		case c.abnormal:
			v.reason = reasonAbnormal
		case !c.tokenExpiry.IsZero() && !now.Before(c.tokenExpiry):
			v.reason = reasonToken
		case now.Sub(c.workable) >= p.timeout(c.stage):
			v.reason = reasonIdle
			v.preconnect = true
		default:
			pctx, cancel := context.WithTimeout(ctx, p.cfg.PingTimeout)
			err := p.driver.Ping(pctx, c.id)
			cancel()
			if err != nil {
				p.logger.Debug().Err(err).Uint64("conn_id", c.id).Str("stage", c.stage.String()).Msg("Pooled connection failed ping")
				v.reason = reasonPing
			}
		}
		verdicts = append(verdicts, v)
	}

	marked := 0
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, v := range verdicts {
		slots := p.groups[v.kind][v.stage]
		i := slotIndex(slots, v.id)
		if i < 0 || slots[i].Identity != v.ident {
			continue
		}
		s := &slots[i]
		if v.activity.After(s.Workable) {
			s.Workable = v.activity
		}
		if v.reason == "" || s.Borrower != 0 {
			continue
		}
		s.ShouldRelease = true
		s.ShouldPreconnect = v.preconnect
		s.CanPick = false
		poolReleases.WithLabelValues(v.kind.String(), v.stage.String(), v.reason).Inc()
		marked++
	}
	return marked
}

// ReleaseMarked clears every slot flagged by MarkExpired. A replacement is
// spawned before the old connection is released when the slot asked for
// one.
func (p *Pool) ReleaseMarked() int {
	p.mu.Lock()
	var out []released
	for k := range p.groups {
		for stage := range p.groups[k] {
			slots := p.groups[k][stage]
			for i := range slots {
				s := &slots[i]
				if !s.Filled() || !s.ShouldRelease {
					continue
				}
				out = append(out, released{
					params:      s.Params,
					stage:       Stage(stage),
					id:          s.ID,
					tokenExpiry: s.TokenExpiry,
					preconnect:  s.ShouldPreconnect,
				})
				*s = Slot{}
			}
		}
	}
	p.mu.Unlock()

	for _, r := range out {
		if r.preconnect {
			p.replace(r)
		}
		p.logger.Debug().Uint64("conn_id", r.id).Str("kind", r.params.Kind.String()).Str("stage", r.stage.String()).Msg("Releasing pooled connection")
		p.driver.Release(r.id)
	}
	return len(out)
}

func (p *Pool) replace(r released) {
	if !p.limiter.Allow() {
		poolReplacements.WithLabelValues(r.params.Kind.String(), "throttled").Inc()
		p.logger.Warn().Str("kind", r.params.Kind.String()).Msg("Replacement connection throttled")
		return
	}
	if err := p.driver.Replace(r.params, r.stage, r.tokenExpiry); err != nil {
		poolReplacements.WithLabelValues(r.params.Kind.String(), "failed").Inc()
		p.logger.Warn().Err(err).Str("kind", r.params.Kind.String()).Msg("Replacement connection failed")
		return
	}
	poolReplacements.WithLabelValues(r.params.Kind.String(), "spawned").Inc()
}

func (p *Pool) timeout(stage Stage) time.Duration {
	if stage == StagePrestarted {
		return p.cfg.PrestartedTimeout
	}
	return p.cfg.PreconnectedTimeout
}
