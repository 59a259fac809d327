package jobs

import (
	"context"
	"time"

	"billops/internal/errs"
)

// recentHistoryLimit is how many runs the status view carries per type.
const recentHistoryLimit = 10

// JobStatus is the operator view of one job type.
type JobStatus struct {
	Type          Type       `json:"type"`
	Schedule      Schedule   `json:"schedule"`
	Enabled       bool       `json:"enabled"`
	Running       bool       `json:"running"`
	LastRun       *time.Time `json:"lastRun,omitempty"`
	LastSuccessAt *time.Time `json:"lastSuccessAt,omitempty"`
	NextRun       *time.Time `json:"nextRun,omitempty"`
	Health        Health     `json:"health"`
	RecentHistory []Run      `json:"recentHistory"`
}

// Status builds the status view for every registered job type.
// A failed history read degrades that type's view instead of failing the
// whole call; the first such error is returned alongside the views.
func (o *Orchestrator) Status(ctx context.Context) ([]JobStatus, error) {
	now := o.now()
	out := make([]JobStatus, 0, numTypes)
	var firstErr error
	for _, def := range o.Registry().Definitions() {
		st, err := o.statusOf(ctx, def, now)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		out = append(out, st)
	}
	return out, firstErr
}

// StatusOf builds the status view of a single job type.
func (o *Orchestrator) StatusOf(ctx context.Context, t Type) (JobStatus, error) {
	def, ok := o.Registry().Lookup(t)
	if !ok {
		return JobStatus{}, errs.Validation("invalid job type %d", uint8(t))
	}
	return o.statusOf(ctx, def, o.now())
}

func (o *Orchestrator) statusOf(ctx context.Context, def Definition, now time.Time) (JobStatus, error) {
	st := JobStatus{
		Type:          def.Type,
		Schedule:      def.Schedule,
		Enabled:       def.Enabled,
		Running:       o.Running(def.Type),
		Health:        Healthy,
		RecentHistory: []Run{},
	}
	t := def.Type
	recent, err := o.history.ListRuns(ctx, Filter{Type: &t, Limit: recentHistoryLimit})
	if err != nil {
		return st, err
	}
	st.RecentHistory = recent
	st.Health = Evaluate(recent)

	var last time.Time
	if len(recent) > 0 {
		last = recent[0].StartedAt
		st.LastRun = &last
	}
	if ok, err := o.history.LastSuccess(ctx, t); err != nil {
		return st, err
	} else if ok != nil {
		at := ok.StartedAt
		if ok.CompletedAt != nil {
			at = *ok.CompletedAt
		}
		st.LastSuccessAt = &at
	}
	if next, err := o.calc.Next(def.Schedule, last, now); err == nil {
		st.NextRun = &next
	}
	return st, nil
}
