package dispatch

import (
	"context"
	"sort"
	"sync/atomic"

	logx "billops/pkg/logx"
)

// Source loads the configured providers.
type Source interface {
	ListProviders(ctx context.Context) ([]Provider, error)
}

// Registry holds an immutable snapshot of providers. Reload swaps the whole
// snapshot, so a dispatch in progress keeps the list it started with.
type Registry struct {
	src  Source
	log  logx.Logger
	snap atomic.Pointer[[]Provider]
}

func NewRegistry(src Source, log logx.Logger) *Registry {
	r := &Registry{src: src, log: log.With(logx.String("comp", "dispatch.registry"))}
	empty := []Provider{}
	r.snap.Store(&empty)
	return r
}

// Reload replaces the snapshot from the source. Invalid providers are skipped.
func (r *Registry) Reload(ctx context.Context) error {
	if r.src == nil {
		return nil
	}
	list, err := r.src.ListProviders(ctx)
	if err != nil {
		return err
	}
	r.Set(list)
	return nil
}

// Set replaces the snapshot with providers.
func (r *Registry) Set(providers []Provider) {
	out := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if err := p.Validate(); err != nil {
			r.log.Warn("skipping invalid provider", logx.String("provider", p.ID), logx.Err(err))
			continue
		}
		out = append(out, p)
	}
	sortByPriority(out)
	r.snap.Store(&out)
	r.log.Debug("providers loaded", logx.Int("count", len(out)))
}

// All returns every provider, active or not, by ascending priority.
func (r *Registry) All() []Provider {
	cur := *r.snap.Load()
	return append([]Provider(nil), cur...)
}

// Active returns active providers by ascending priority.
func (r *Registry) Active() []Provider {
	cur := *r.snap.Load()
	out := make([]Provider, 0, len(cur))
	for _, p := range cur {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out
}

func sortByPriority(ps []Provider) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].Priority != ps[j].Priority {
			return ps[i].Priority < ps[j].Priority
		}
		return ps[i].ID < ps[j].ID
	})
}
