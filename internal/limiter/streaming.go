package limiter

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"usenet-gateway/internal/config"
	"usenet-gateway/internal/usage"
)

// ErrGateReplaced is returned to waiters whose gate was swapped out by a
// Resize. There is no safe way to migrate a blocked waiter between gates;
// callers must retry against the new one.
var ErrGateReplaced = errors.New("streaming gate replaced, retry")

type playbackState int

const (
	playbackNone playbackState = iota
	playbackVerified
	playbackBackground
)

type streamPermit struct {
	acquiredAt time.Time
	u          usage.Context
	playback   playbackState
}

// one gate generation: free tokens plus a broadcast channel closed on replace
type gate struct {
	tokens   chan struct{}
	replaced chan struct{}
}

func newGate(free, capacity int64) *gate {
	if capacity < 0 {
		capacity = 0
	}
	if free < 0 {
		free = 0
	}
	if free > capacity {
		free = capacity
	}
	g := &gate{tokens: make(chan struct{}, capacity), replaced: make(chan struct{})}
	for i := int64(0); i < free; i++ {
		g.tokens <- struct{}{}
	}
	return g
}

// Streaming is the single shared budget for all concurrent streaming reads.
// Dynamically resizable; a sweeper force-releases permits held too long.
type Streaming struct {
	clk        clock.Clock
	stuckAfter func() time.Duration
	sweepEvery func() time.Duration

	mu      sync.Mutex
	gate    *gate
	max     int64
	inUse   int64
	tracked map[string]*streamPermit

	forcedReleases int64
	stopCh         chan struct{}
	stopOnce       sync.Once
}

type StreamingOptions struct {
	Max        int64
	Clock      clock.Clock
	StuckAfter func() time.Duration
	SweepEvery func() time.Duration
}

func NewStreaming(o StreamingOptions) *Streaming {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Max <= 0 {
		o.Max = config.StreamingMax()
	}
	if o.StuckAfter == nil {
		o.StuckAfter = config.StreamStuckAfter
	}
	if o.SweepEvery == nil {
		o.SweepEvery = config.StreamSweepEvery
	}
	s := &Streaming{
		clk:        o.Clock,
		stuckAfter: o.StuckAfter,
		sweepEvery: o.SweepEvery,
		gate:       newGate(o.Max, o.Max),
		max:        o.Max,
		tracked:    make(map[string]*streamPermit),
		stopCh:     make(chan struct{}),
	}
	go s.sweeper()
	return s
}

func genID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// AcquireWithTracking waits up to timeout for a streaming permit. The
// timeout is the caller's own budget, distinct from ctx cancellation: hitting
// it returns ok=false holding nothing, while ctx cancellation surfaces as an
// error. On success the permit is tracked under the returned id.
func (s *Streaming) AcquireWithTracking(ctx context.Context, timeout time.Duration, u usage.Context) (string, bool, error) {
	s.mu.Lock()
	g := s.gate
	s.mu.Unlock()

	t := s.clk.Timer(timeout)
	defer t.Stop()

	select {
	case <-g.tokens:
	case <-g.replaced:
		return "", false, ErrGateReplaced
	case <-t.C:
		return "", false, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}

	s.mu.Lock()
	if s.gate != g {
		// gate swapped between grant and record; the token belongs to a dead
		// gate, so drop it and make the caller retry
		s.mu.Unlock()
		return "", false, ErrGateReplaced
	}
	id := genID()
	s.inUse++
	s.tracked[id] = &streamPermit{acquiredAt: s.clk.Now(), u: u}
	s.mu.Unlock()
	return id, true, nil
}

// Release frees the permit. Unknown ids (already force-released, or double
// release) are logged no-ops.
func (s *Streaming) Release(id string) {
	s.mu.Lock()
	if _, ok := s.tracked[id]; !ok {
		s.mu.Unlock()
		log.Printf("[stream] release of unknown permit %.8s ignored", id)
		return
	}
	delete(s.tracked, id)
	s.releaseLocked()
	s.mu.Unlock()
}

// caller holds s.mu. A free token only reappears while usage is below the
// current cap, which is what makes shrinking Resize work.
func (s *Streaming) releaseLocked() {
	s.inUse--
	if s.inUse < s.max {
		s.gate.tokens <- struct{}{}
	}
}

// Resize swaps in a gate sized to newMax. The old gate cannot be mutated in
// place: waiters blocked on it get ErrGateReplaced and retry.
func (s *Streaming) Resize(newMax int64) {
	if newMax < 0 {
		newMax = 0
	}
	s.mu.Lock()
	if newMax == s.max {
		s.mu.Unlock()
		return
	}
	old := s.gate
	free := newMax - s.inUse
	s.gate = newGate(free, newMax)
	oldMax := s.max
	s.max = newMax
	inUse := s.inUse
	s.mu.Unlock()

	close(old.replaced)
	log.Printf("[stream] resized budget %d -> %d (inUse=%d, free=%d)", oldMax, newMax, inUse, max64(0, free))
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// MarkPlayback flags a tracked stream as verified real playback or as
// background Plex activity. Feeds only the affinity deference rule.
func (s *Streaming) MarkPlayback(id string, verified bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.tracked[id]
	if !ok {
		return
	}
	if verified {
		p.playback = playbackVerified
	} else {
		p.playback = playbackBackground
	}
}

// ActivePlayback reports how many tracked streams are verified playback and
// how many are background Plex activity.
func (s *Streaming) ActivePlayback() (verified, background int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.tracked {
		switch p.playback {
		case playbackVerified:
			verified++
		case playbackBackground:
			background++
		}
	}
	return verified, background
}

func (s *Streaming) InUse() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}

func (s *Streaming) Available() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.gate.tokens))
}

func (s *Streaming) ForcedReleases() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forcedReleases
}

func (s *Streaming) sweeper() {
	for {
		t := s.clk.Timer(s.sweepEvery())
		select {
		case <-s.stopCh:
			t.Stop()
			return
		case <-t.C:
		}
		s.sweep()
	}
}

func (s *Streaming) sweep() {
	cutoff := s.stuckAfter()
	now := s.clk.Now()
	s.mu.Lock()
	for id, p := range s.tracked {
		if cutoff > 0 && now.Sub(p.acquiredAt) > cutoff {
			log.Printf("[stream] WARN force-releasing permit %.8s held %s (usage=%s job=%q)",
				id, now.Sub(p.acquiredAt).Truncate(time.Second), p.u.Type, p.u.JobKey)
			delete(s.tracked, id)
			s.releaseLocked()
			s.forcedReleases++
		}
	}
	s.mu.Unlock()
}

func (s *Streaming) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
