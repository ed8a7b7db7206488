package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usenet-gateway/internal/nntp"
	"usenet-gateway/internal/usage"
)

type fakeConn struct {
	id      int
	pingErr error
	closed  atomic.Bool
}

func (f *fakeConn) Ping(ctx context.Context) error { return f.pingErr }
func (f *fakeConn) Close() error                   { f.closed.Store(true); return nil }

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeConn
	err     error
}

func (f *fakeFactory) dial(ctx context.Context, provider string) (nntp.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeConn{id: len(f.created) + 1}
	f.created = append(f.created, c)
	return c, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func newTestPool(t *testing.T, max int, f *fakeFactory, clk clock.Clock) *Pool {
	t.Helper()
	p := New(Options{
		Provider:      "prov1",
		Max:           max,
		Factory:       f.dial,
		Clock:         clk,
		IdleTimeout:   func() time.Duration { return time.Minute },
		LivenessAfter: func() time.Duration { return 20 * time.Second },
		StuckAfter:    func() time.Duration { return 30 * time.Minute },
		ReserveDiv:    func() int64 { return 6 },
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p
}

func streamCtx() context.Context {
	return usage.WithContext(context.Background(), usage.Context{Type: usage.Streaming})
}

func TestAcquireNeverExceedsMax(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, 3, f, clock.New())

	var inFlight, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := p.Acquire(streamCtx())
			require.NoError(t, err)
			n := inFlight.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
			l.Return()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.LessOrEqual(t, f.count(), 3)
	s := p.Snapshot()
	assert.Equal(t, 0, s.Borrowed)
	assert.LessOrEqual(t, s.Live, 3)
}

func TestLowPriorityLeavesReserveFree(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, 6, f, clock.New()) // reserve = 6/6 = 1

	// saturate to max-1 with streaming holds
	locks := make([]*Lock, 0, 5)
	for i := 0; i < 5; i++ {
		l, err := p.Acquire(streamCtx())
		require.NoError(t, err)
		locks = append(locks, l)
	}

	// one slot free: a health check needs 1+reserve=2 free, so it blocks
	hcCtx := usage.WithContext(context.Background(), usage.Context{Type: usage.HealthCheck})
	got := make(chan *Lock, 1)
	go func() {
		l, err := p.Acquire(hcCtx)
		require.NoError(t, err)
		got <- l
	}()

	select {
	case <-got:
		t.Fatal("health check acquired with only the reserve free")
	case <-time.After(50 * time.Millisecond):
	}

	// a streaming caller can still take the last slot past the blocked one
	l6, err := p.Acquire(streamCtx())
	require.NoError(t, err)
	l6.Return()

	// freeing one more slot unblocks the health check
	locks[0].Return()
	select {
	case l := <-got:
		l.Return()
	case <-time.After(time.Second):
		t.Fatal("health check still blocked with reserve satisfied")
	}
	for _, l := range locks[1:] {
		l.Return()
	}
}

func TestExpiredIdleDiscardedOnAcquire(t *testing.T) {
	mock := clock.NewMock()
	f := &fakeFactory{}
	p := newTestPool(t, 2, f, mock)

	l, err := p.Acquire(streamCtx())
	require.NoError(t, err)
	l.Return()
	require.Equal(t, 1, p.Snapshot().Idle)

	mock.Add(61 * time.Second) // past idleTimeout=1m

	l2, err := p.Acquire(streamCtx())
	require.NoError(t, err)
	defer l2.Return()

	assert.Equal(t, 2, f.count(), "expired idle conn must be replaced, not reused")
	assert.True(t, f.created[0].closed.Load(), "expired conn must be closed")
}

func TestStaleIdleGetsLivenessProbe(t *testing.T) {
	mock := clock.NewMock()
	f := &fakeFactory{}
	p := newTestPool(t, 2, f, mock)

	l, err := p.Acquire(streamCtx())
	require.NoError(t, err)
	f.created[0].pingErr = errors.New("dead session")
	l.Return()

	mock.Add(30 * time.Second) // past livenessAfter=20s, before idleTimeout

	l2, err := p.Acquire(streamCtx())
	require.NoError(t, err)
	defer l2.Return()

	assert.Equal(t, 2, f.count(), "probe failure must discard and redial")
	assert.True(t, f.created[0].closed.Load())
}

func TestIdleReuseIsLIFO(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, 3, f, clock.New())

	a, err := p.Acquire(streamCtx())
	require.NoError(t, err)
	b, err := p.Acquire(streamCtx())
	require.NoError(t, err)

	a.Return()
	b.Return() // b on top

	l, err := p.Acquire(streamCtx())
	require.NoError(t, err)
	defer l.Return()
	assert.Same(t, b.Connection(), l.Connection(), "most recently returned conn reused first")
}

func TestStuckBorrowReapedExactlyOnce(t *testing.T) {
	mock := clock.NewMock()
	f := &fakeFactory{}
	p := newTestPool(t, 2, f, mock)

	l, err := p.Acquire(streamCtx())
	require.NoError(t, err)
	require.Equal(t, 1, p.Snapshot().Borrowed)

	mock.Add(31 * time.Minute)
	p.sweep()
	assert.Equal(t, 0, p.Snapshot().Borrowed, "stuck borrow reaped")

	// late release against the reaped handle is a safe no-op
	l.Return()
	s := p.Snapshot()
	assert.Equal(t, 0, s.Borrowed)
	assert.Equal(t, 0, s.Idle, "reaped conn must not re-enter the idle stack")

	// the slot is usable again, and only once
	l1, err := p.Acquire(streamCtx())
	require.NoError(t, err)
	l2, err := p.Acquire(streamCtx())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(streamCtx(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	l1.Return()
	l2.Return()
}

func TestSweepPreservesLIFOAmongSurvivors(t *testing.T) {
	mock := clock.NewMock()
	f := &fakeFactory{}
	p := newTestPool(t, 3, f, mock)

	a, _ := p.Acquire(streamCtx())
	b, _ := p.Acquire(streamCtx())
	c, _ := p.Acquire(streamCtx())
	a.Return()
	mock.Add(50 * time.Second) // a is near expiry
	b.Return()
	c.Return()
	mock.Add(15 * time.Second) // a now expired, b and c alive

	p.sweep()
	s := p.Snapshot()
	require.Equal(t, 2, s.Idle)

	l, err := p.Acquire(streamCtx())
	require.NoError(t, err)
	assert.Same(t, c.Connection(), l.Connection(), "survivor order stays LIFO")
	l.Return()
}

func TestDoubleReleaseIsNoOp(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, 2, f, clock.New())

	l, err := p.Acquire(streamCtx())
	require.NoError(t, err)
	l.Return()
	l.Return()  // logged, ignored
	l.Destroy() // likewise

	s := p.Snapshot()
	assert.Equal(t, 1, s.Idle)
	assert.Equal(t, 0, s.Borrowed)
}

func TestForceReleaseDoomsBorrow(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, 2, f, clock.New())

	hcCtx := usage.WithContext(context.Background(), usage.Context{Type: usage.HealthCheck})
	l, err := p.Acquire(hcCtx)
	require.NoError(t, err)

	n := p.ForceReleaseConnections(usage.HealthCheck)
	assert.Equal(t, 1, n)

	l.Return() // doomed: disposed instead of pooled
	s := p.Snapshot()
	assert.Equal(t, 0, s.Idle)
	assert.True(t, f.created[0].closed.Load())
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	mock := clock.NewMock()
	f := &fakeFactory{err: errors.New("530 authentication failed")}
	p := newTestPool(t, 2, f, mock)

	for i := 0; i < breakerTripAfter; i++ {
		_, err := p.Acquire(streamCtx())
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrBreakerCooldown)
	}

	_, err := p.Acquire(streamCtx())
	require.ErrorIs(t, err, ErrBreakerCooldown)

	// cooldown expires, factory healthy again
	mock.Add(breakerCooldown + time.Second)
	f.mu.Lock()
	f.err = nil
	f.mu.Unlock()
	l, err := p.Acquire(streamCtx())
	require.NoError(t, err)
	l.Return()
}

func TestCapacityErrorRetriesWithBackoff(t *testing.T) {
	var calls atomic.Int32
	factory := func(ctx context.Context, provider string) (nntp.Connection, error) {
		if calls.Add(1) < 3 {
			return nil, fmt.Errorf("dial: %w", nntp.ErrCapacity)
		}
		return &fakeConn{}, nil
	}
	p := New(Options{
		Provider:      "prov1",
		Max:           1,
		Factory:       factory,
		Clock:         clock.New(),
		IdleTimeout:   func() time.Duration { return time.Minute },
		LivenessAfter: func() time.Duration { return 20 * time.Second },
		StuckAfter:    func() time.Duration { return 30 * time.Minute },
		ReserveDiv:    func() int64 { return 6 },
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Close(ctx)
	}()

	l, err := p.Acquire(streamCtx())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	l.Return()
}

func TestAcquireHonorsCancellationWhileWaiting(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, 1, f, clock.New())

	l, err := p.Acquire(streamCtx())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(streamCtx())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		errCh <- err
	}()
	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled acquire did not return")
	}
	l.Return()
}

func TestCloseDisposesIdleAndRejectsAcquire(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, 2, f, clock.New())

	l, err := p.Acquire(streamCtx())
	require.NoError(t, err)
	l.Return()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))
	assert.True(t, f.created[0].closed.Load())

	_, err = p.Acquire(streamCtx())
	require.ErrorIs(t, err, ErrPoolClosed)
}
