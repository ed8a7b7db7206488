package pool

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"usenet-gateway/internal/nntp"
	"usenet-gateway/internal/usage"
	"usenet-gateway/pkg/types"
)

var ErrUnknownProvider = errors.New("unknown provider")

// Registry owns one pool per provider and follows the live provider list:
// Resync adds pools for new providers, retires pools for removed ones, and
// replaces pools whose connection cap changed.
type Registry struct {
	factory  nntp.Factory
	clk      clock.Clock
	onChange func(types.PoolSnapshot)

	mu    sync.Mutex
	pools map[string]*Pool
}

func NewRegistry(factory nntp.Factory, clk clock.Clock, onChange func(types.PoolSnapshot)) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		factory:  factory,
		clk:      clk,
		onChange: onChange,
		pools:    make(map[string]*Pool),
	}
}

func (r *Registry) Get(provider string) (*Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[provider]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p, nil
}

// Resync reconciles the registry against the given provider list. Retired
// pools shut down in the background with their own bounded window, so a
// short-lived caller context does not cut the drain short.
func (r *Registry) Resync(ctx context.Context, providers []types.ProviderInfo) {
	want := make(map[string]types.ProviderInfo, len(providers))
	for _, pi := range providers {
		want[pi.Name] = pi
	}

	var retired []*Pool
	r.mu.Lock()
	for name, p := range r.pools {
		pi, keep := want[name]
		if keep && pi.MaxConnections == p.Max() {
			delete(want, name)
			continue
		}
		// removed, or cap changed: retire and (maybe) rebuild below
		retired = append(retired, p)
		delete(r.pools, name)
	}
	for name, pi := range want {
		r.pools[name] = New(Options{
			Provider: name,
			Max:      pi.MaxConnections,
			Factory:  r.factory,
			Clock:    r.clk,
			OnChange: r.onChange,
		})
		log.Printf("[pool] registry: added pool %s max=%d backupOnly=%v", name, pi.MaxConnections, pi.BackupOnly)
	}
	r.mu.Unlock()

	for _, p := range retired {
		p := p
		go func() {
			log.Printf("[pool] registry: retiring pool %s", p.Provider())
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if err := p.Close(cctx); err != nil {
				log.Printf("[pool] registry: retire %s: %v", p.Provider(), err)
			}
		}()
	}
}

// ForEach visits pools in provider-name order.
func (r *Registry) ForEach(fn func(provider string, p *Pool)) {
	r.mu.Lock()
	names := make([]string, 0, len(r.pools))
	for n := range r.pools {
		names = append(names, n)
	}
	sort.Strings(names)
	pools := make([]*Pool, len(names))
	for i, n := range names {
		pools[i] = r.pools[n]
	}
	r.mu.Unlock()
	for i, n := range names {
		fn(n, pools[i])
	}
}

func (r *Registry) Snapshots() []types.PoolSnapshot {
	var out []types.PoolSnapshot
	r.ForEach(func(_ string, p *Pool) {
		out = append(out, p.Snapshot())
	})
	return out
}

// ForceReleaseConnections dooms matching borrows across every pool.
func (r *Registry) ForceReleaseConnections(u usage.Type) int {
	n := 0
	r.ForEach(func(_ string, p *Pool) {
		n += p.ForceReleaseConnections(u)
	})
	return n
}

func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	pools := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.pools = make(map[string]*Pool)
	r.mu.Unlock()

	var errs []error
	for _, p := range pools {
		if err := p.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
