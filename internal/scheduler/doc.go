// Package scheduler triggers due jobs on a fixed tick.
//
// It owns no execution state: every run goes through the orchestrator, which
// enforces single flight per job type. The scheduler only decides when a job
// is due, from the last recorded run and the job's schedule.
package scheduler
