package limiter

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"usenet-gateway/internal/config"
	"usenet-gateway/internal/usage"
	"usenet-gateway/pkg/types"
)

/*
Global cross-provider admission control. Total capacity is split into fixed
minimums for the Queue and HealthCheck classes (Repair/Analysis share the
HealthCheck gate) with the remainder going to Streaming, so no single
workload can starve the others no matter which provider it lands on.
No retry logic here; callers decide.

The class split is read once at construction and stays fixed for the process
lifetime: permits reference their gate channel directly, so a swap mid-hold
would strand releases against the old gate. Only the streaming limiter's
budget resizes live; changing LIMITER_TOTAL/LIMITER_QUEUE_MIN/
LIMITER_HEALTH_MIN takes a restart.
*/

type GlobalOptions struct {
	Total     int64
	QueueMin  int64
	HealthMin int64
	Clock     clock.Clock
	WarnAfter func() time.Duration
}

type Global struct {
	clk       clock.Clock
	warnAfter func() time.Duration

	gates map[usage.Class]chan struct{}
	caps  map[usage.Class]int

	mu   sync.Mutex
	held map[usage.Class]int
}

func NewGlobal(o GlobalOptions) *Global {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.WarnAfter == nil {
		o.WarnAfter = config.PermitWarnSpan
	}
	if o.Total <= 0 {
		o.Total = config.TotalPermits()
	}
	if o.QueueMin <= 0 {
		o.QueueMin = config.QueueMin()
	}
	if o.HealthMin <= 0 {
		o.HealthMin = config.HealthMin()
	}
	streaming := o.Total - o.QueueMin - o.HealthMin
	if streaming < 1 {
		streaming = 1
	}
	mk := func(n int64) chan struct{} {
		ch := make(chan struct{}, n)
		for i := int64(0); i < n; i++ {
			ch <- struct{}{}
		}
		return ch
	}
	return &Global{
		clk:       o.Clock,
		warnAfter: o.WarnAfter,
		gates: map[usage.Class]chan struct{}{
			usage.ClassQueue:       mk(o.QueueMin),
			usage.ClassHealthCheck: mk(o.HealthMin),
			usage.ClassStreaming:   mk(streaming),
		},
		caps: map[usage.Class]int{
			usage.ClassQueue:       int(o.QueueMin),
			usage.ClassHealthCheck: int(o.HealthMin),
			usage.ClassStreaming:   int(streaming),
		},
		held: make(map[usage.Class]int),
	}
}

// AcquirePermit waits on the class gate for the given usage type. Honors ctx
// so a cancelled caller never deadlocks a gate slot.
func (g *Global) AcquirePermit(ctx context.Context, u usage.Type) (*Permit, error) {
	class := u.Class()
	select {
	case <-g.gates[class]:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	g.mu.Lock()
	g.held[class]++
	g.mu.Unlock()
	return &Permit{g: g, class: class, usage: u, acquiredAt: g.clk.Now()}, nil
}

func (g *Global) release(class usage.Class) {
	g.mu.Lock()
	g.held[class]--
	g.mu.Unlock()
	g.gates[class] <- struct{}{}
}

func (g *Global) UsageSnapshot() []types.ClassUsage {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]types.ClassUsage, 0, len(g.caps))
	for _, class := range []usage.Class{usage.ClassQueue, usage.ClassHealthCheck, usage.ClassStreaming} {
		out = append(out, types.ClassUsage{Class: string(class), Held: g.held[class], Capacity: g.caps[class]})
	}
	return out
}

// Permit is a reference-type handle to a held admission slot; release it
// exactly once.
type Permit struct {
	g          *Global
	class      usage.Class
	usage      usage.Type
	acquiredAt time.Time
	released   atomic.Bool
}

func (p *Permit) Release() {
	if !p.released.CompareAndSwap(false, true) {
		log.Printf("[limiter] ERROR double release of %s permit (usage=%s)", p.class, p.usage)
		return
	}
	if held := p.g.clk.Since(p.acquiredAt); held > p.g.warnAfter() {
		log.Printf("[limiter] WARN %s permit held %s (usage=%s)", p.class, held.Truncate(time.Second), p.usage)
	}
	p.g.release(p.class)
}
