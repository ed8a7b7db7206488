package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"usenet-gateway/internal/config"
	"usenet-gateway/internal/nntp"
	"usenet-gateway/internal/usage"
	"usenet-gateway/pkg/types"
)

var (
	ErrPoolClosed      = errors.New("pool closed")
	ErrBreakerCooldown = errors.New("connection breaker cooling down")
)

const (
	breakerTripAfter   = 5
	breakerCooldown    = 30 * time.Second
	createMaxAttempts  = 4
	createBackoffBase  = 500 * time.Millisecond
	livenessProbeSpan  = 2 * time.Second
)

type idleEntry struct {
	conn nntp.Connection
	at   time.Time // last touched
}

type borrow struct {
	conn       nntp.Connection
	usage      usage.Type
	borrowedAt time.Time
	doomed     bool
}

// Options for a single provider pool. Duration/fraction funcs default to the
// live config getters so env changes land without a restart; tests swap in
// constants.
type Options struct {
	Provider string
	Max      int
	Factory  nntp.Factory
	Clock    clock.Clock

	IdleTimeout   func() time.Duration
	LivenessAfter func() time.Duration
	StuckAfter    func() time.Duration
	ReserveDiv    func() int64

	OnChange func(types.PoolSnapshot)
}

// Pool is a lazy, bounded pool of connections to one provider. Idle
// connections are reused LIFO; creation runs under a circuit breaker;
// a background sweep evicts expired idle entries and reclaims stuck borrows.
type Pool struct {
	provider string
	max      int
	factory  nntp.Factory
	clk      clock.Clock

	idleTimeout   func() time.Duration
	livenessAfter func() time.Duration
	stuckAfter    func() time.Duration
	reserveDiv    func() int64
	onChange      func(types.PoolSnapshot)

	mu       sync.Mutex
	idle     []idleEntry // LIFO, top at the end
	active   map[uint64]*borrow
	borrowed int
	wake     chan struct{}
	disposed bool

	// creation breaker
	consecFails   int
	cooldownUntil time.Time

	nextID atomic.Uint64
	stopCh chan struct{}
}

func New(o Options) *Pool {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.IdleTimeout == nil {
		o.IdleTimeout = config.IdleTimeout
	}
	if o.LivenessAfter == nil {
		o.LivenessAfter = config.LivenessAfter
	}
	if o.StuckAfter == nil {
		o.StuckAfter = config.StuckBorrowAfter
	}
	if o.ReserveDiv == nil {
		o.ReserveDiv = config.ReserveDiv
	}
	if o.Max <= 0 {
		o.Max = 1
	}
	p := &Pool{
		provider:      o.Provider,
		max:           o.Max,
		factory:       o.Factory,
		clk:           o.Clock,
		idleTimeout:   o.IdleTimeout,
		livenessAfter: o.LivenessAfter,
		stuckAfter:    o.StuckAfter,
		reserveDiv:    o.ReserveDiv,
		onChange:      o.OnChange,
		active:        make(map[uint64]*borrow),
		wake:          make(chan struct{}),
		stopCh:        make(chan struct{}),
	}
	go p.sweeper()
	return p
}

func (p *Pool) Provider() string { return p.provider }
func (p *Pool) Max() int         { return p.max }

// reserve is the slot count low-priority callers must leave free.
func (p *Pool) reserve() int {
	div := p.reserveDiv()
	if div <= 0 {
		return 0
	}
	r := p.max / int(div)
	if r == 0 && p.max > 1 {
		r = 1
	}
	return r
}

// acquireSlot blocks until a borrow slot is free, honoring ctx. Low-priority
// callers are only granted a slot if the reserve remains free afterwards.
func (p *Pool) acquireSlot(ctx context.Context, low bool) error {
	for {
		p.mu.Lock()
		if p.disposed {
			p.mu.Unlock()
			return ErrPoolClosed
		}
		need := 1
		if low {
			need += p.reserve()
		}
		if p.max-p.borrowed >= need {
			p.borrowed++
			p.mu.Unlock()
			return nil
		}
		ch := p.wake
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (p *Pool) releaseSlotLocked() {
	p.borrowed--
	close(p.wake)
	p.wake = make(chan struct{})
}

func (p *Pool) releaseSlot() {
	p.mu.Lock()
	p.releaseSlotLocked()
	p.mu.Unlock()
}

// Acquire leases a connection. The usage type is read from ctx; HealthCheck
// and Repair go through the reserved-slot gate first. The returned Lock is
// the sole owner until Return or Destroy.
func (p *Pool) Acquire(ctx context.Context) (*Lock, error) {
	u := usage.TypeFromContext(ctx)
	if err := p.acquireSlot(ctx, u.LowPriority()); err != nil {
		return nil, err
	}

	for {
		e, ok := p.popIdle()
		if !ok {
			break
		}
		age := p.clk.Since(e.at)
		if age > p.idleTimeout() {
			_ = e.conn.Close()
			continue
		}
		if age > p.livenessAfter() {
			pctx, cancel := context.WithTimeout(ctx, livenessProbeSpan)
			err := e.conn.Ping(pctx)
			cancel()
			if err != nil {
				log.Printf("[pool] %s: discarding idle conn, liveness probe failed: %v", p.provider, err)
				_ = e.conn.Close()
				continue
			}
		}
		return p.registerBorrow(e.conn, u), nil
	}

	conn, err := p.create(ctx)
	if err != nil {
		p.releaseSlot()
		return nil, fmt.Errorf("pool %s: %w", p.provider, err)
	}
	return p.registerBorrow(conn, u), nil
}

func (p *Pool) popIdle() (idleEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.idle)
	if n == 0 {
		return idleEntry{}, false
	}
	e := p.idle[n-1]
	p.idle = p.idle[:n-1]
	return e, true
}

func (p *Pool) registerBorrow(conn nntp.Connection, u usage.Type) *Lock {
	id := p.nextID.Add(1)
	p.mu.Lock()
	p.active[id] = &borrow{conn: conn, usage: u, borrowedAt: p.clk.Now()}
	p.mu.Unlock()
	p.notify()
	return &Lock{pool: p, id: id, conn: conn}
}

// create dials under the breaker. Capacity errors from the provider are
// retried with exponential backoff; anything else propagates immediately.
func (p *Pool) create(ctx context.Context) (nntp.Connection, error) {
	p.mu.Lock()
	if until := p.cooldownUntil; p.clk.Now().Before(until) {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w (until %s)", ErrBreakerCooldown, until.Format(time.RFC3339))
	}
	p.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < createMaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := createBackoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-p.clk.After(backoff):
			}
		}
		conn, err := p.factory(ctx, p.provider)
		if err == nil {
			p.mu.Lock()
			p.consecFails = 0
			p.cooldownUntil = time.Time{}
			p.mu.Unlock()
			return conn, nil
		}
		lastErr = err
		if !nntp.IsCapacityError(err) {
			break
		}
		log.Printf("[pool] %s: create attempt %d hit capacity: %v", p.provider, attempt+1, err)
	}

	p.mu.Lock()
	p.consecFails++
	if p.consecFails >= breakerTripAfter {
		p.cooldownUntil = p.clk.Now().Add(breakerCooldown)
		log.Printf("[pool] %s: breaker tripped after %d consecutive create failures, cooling down %s",
			p.provider, p.consecFails, breakerCooldown)
	}
	p.mu.Unlock()
	return nil, lastErr
}

// finishBorrow settles a lock release. Reaped borrows are gone from the
// active map already; a late Return/Destroy against them is a no-op.
func (p *Pool) finishBorrow(id uint64, conn nntp.Connection, reuse bool) {
	p.mu.Lock()
	rec, ok := p.active[id]
	if !ok {
		p.mu.Unlock()
		log.Printf("[pool] %s: release of reaped lock %d ignored", p.provider, id)
		return
	}
	delete(p.active, id)
	keep := reuse && !p.disposed && !rec.doomed
	if keep {
		p.idle = append(p.idle, idleEntry{conn: conn, at: p.clk.Now()})
	}
	p.releaseSlotLocked()
	p.mu.Unlock()

	if !keep {
		_ = conn.Close()
	}
	p.notify()
}

// ForceReleaseConnections marks matching borrows doomed. The borrower keeps
// working; the connection dies when the lock is released. Unknown matches all.
func (p *Pool) ForceReleaseConnections(u usage.Type) int {
	p.mu.Lock()
	n := 0
	for _, rec := range p.active {
		if u == usage.Unknown || rec.usage == u {
			rec.doomed = true
			n++
		}
	}
	p.mu.Unlock()
	if n > 0 {
		log.Printf("[pool] %s: doomed %d borrowed connection(s) usage=%s", p.provider, n, u)
	}
	return n
}

// sweeper evicts expired idle entries and reclaims stuck borrows. Runs every
// idleTimeout/2, re-read each cycle. Never panics outward.
func (p *Pool) sweeper() {
	for {
		interval := p.idleTimeout() / 2
		if interval <= 0 {
			interval = time.Minute
		}
		t := p.clk.Timer(interval)
		select {
		case <-p.stopCh:
			t.Stop()
			return
		case <-t.C:
		}
		p.sweep()
	}
}

func (p *Pool) sweep() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[pool] %s: sweep recovered: %v", p.provider, r)
		}
	}()

	now := p.clk.Now()
	idleCutoff := p.idleTimeout()
	stuckCutoff := p.stuckAfter()

	var expired []nntp.Connection
	p.mu.Lock()
	// keep LIFO order among survivors
	kept := p.idle[:0]
	for _, e := range p.idle {
		if now.Sub(e.at) > idleCutoff {
			expired = append(expired, e.conn)
		} else {
			kept = append(kept, e)
		}
	}
	p.idle = kept

	reaped := 0
	for id, rec := range p.active {
		if stuckCutoff > 0 && now.Sub(rec.borrowedAt) > stuckCutoff {
			log.Printf("[pool] WARN %s: borrow %d usage=%s held %s, force-reclaiming slot (connection leaked)",
				p.provider, id, rec.usage, now.Sub(rec.borrowedAt).Truncate(time.Second))
			delete(p.active, id)
			p.releaseSlotLocked()
			reaped++
		}
	}
	p.mu.Unlock()

	for _, c := range expired {
		_ = c.Close()
	}
	if len(expired) > 0 || reaped > 0 {
		log.Printf("[pool] %s: sweep evicted=%d reaped=%d", p.provider, len(expired), reaped)
		p.notify()
	}
}

// Close is the explicit async shutdown: stops the sweeper, drops idle
// connections, and waits for outstanding borrows until ctx expires.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil
	}
	p.disposed = true
	close(p.stopCh)
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, e := range idle {
		if err := e.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	for {
		p.mu.Lock()
		outstanding := len(p.active)
		ch := p.wake
		p.mu.Unlock()
		if outstanding == 0 {
			break
		}
		select {
		case <-ctx.Done():
			log.Printf("[pool] %s: close timed out with %d borrow(s) outstanding", p.provider, outstanding)
			return errors.Join(append(errs, ctx.Err())...)
		case <-ch:
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) Snapshot() types.PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	per := make(map[string]int)
	for _, rec := range p.active {
		per[rec.usage.String()]++
	}
	return types.PoolSnapshot{
		Provider: p.provider,
		Max:      p.max,
		Live:     len(p.active) + len(p.idle),
		Idle:     len(p.idle),
		Borrowed: len(p.active),
		PerUsage: per,
	}
}

func (p *Pool) notify() {
	if p.onChange != nil {
		p.onChange(p.Snapshot())
	}
}

// Lock is the exclusive-use handle for one borrowed connection. Release it
// exactly once, with Return or Destroy.
type Lock struct {
	pool     *Pool
	id       uint64
	conn     nntp.Connection
	released atomic.Bool
}

func (l *Lock) Connection() nntp.Connection { return l.conn }

// Return hands the connection back for reuse. Doomed or post-close returns
// dispose instead.
func (l *Lock) Return() {
	if !l.released.CompareAndSwap(false, true) {
		log.Printf("[pool] ERROR %s: double release of lock %d", l.pool.provider, l.id)
		return
	}
	l.pool.finishBorrow(l.id, l.conn, true)
}

// Destroy disposes the connection unconditionally.
func (l *Lock) Destroy() {
	if !l.released.CompareAndSwap(false, true) {
		log.Printf("[pool] ERROR %s: double release of lock %d", l.pool.provider, l.id)
		return
	}
	l.pool.finishBorrow(l.id, l.conn, false)
}
