package jobs

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"billops/internal/errs"
)

type ScheduleKind string

const (
	KindInterval ScheduleKind = "interval"
	KindDaily    ScheduleKind = "daily"
	KindHourly   ScheduleKind = "hourly"
)

// Schedule describes when a job type is due.
//
// Supported forms:
//   - daily at TimeOfDay ("02:00") in the calculator location
//   - hourly, every EveryMinutes (defaults to 60)
//   - interval, every EveryMinutes
type Schedule struct {
	Kind         ScheduleKind `json:"kind"`
	TimeOfDay    string       `json:"timeOfDay,omitempty"`
	EveryMinutes int          `json:"everyMinutes,omitempty"`
}

func Daily(hhmm string) Schedule { return Schedule{Kind: KindDaily, TimeOfDay: hhmm} }
func Hourly() Schedule           { return Schedule{Kind: KindHourly, EveryMinutes: 60} }
func Every(minutes int) Schedule { return Schedule{Kind: KindInterval, EveryMinutes: minutes} }

func (s Schedule) every() time.Duration { return time.Duration(s.minutes()) * time.Minute }

func (s Schedule) minutes() int {
	if s.Kind == KindHourly && s.EveryMinutes <= 0 {
		return 60
	}
	return s.EveryMinutes
}

func (s Schedule) Validate() error {
	switch s.Kind {
	case KindDaily:
		_, _, err := parseHHMM(s.TimeOfDay)
		return err
	case KindHourly, KindInterval:
		if s.minutes() <= 0 {
			return errs.Validation("%s schedule needs everyMinutes > 0", s.Kind)
		}
		return nil
	default:
		return errs.Validation("unknown schedule kind %q", s.Kind)
	}
}

func (s Schedule) String() string {
	switch s.Kind {
	case KindDaily:
		return "daily@" + s.TimeOfDay
	case KindHourly, KindInterval:
		return fmt.Sprintf("%s/%dm", s.Kind, s.minutes())
	default:
		return string(s.Kind)
	}
}

// Calculator computes next due instants. It is pure: no clock, no I/O.
type Calculator struct {
	// Location is the timezone daily schedules are evaluated in (default UTC).
	Location *time.Location
}

// Next returns the next due instant of s. A zero lastRun means the job has
// never run.
//
// Daily schedules return the next occurrence of TimeOfDay strictly after
// lastRun (or after now without a lastRun). Hourly and interval schedules
// return lastRun + N minutes, or now when the job never ran.
func (c Calculator) Next(s Schedule, lastRun, now time.Time) (time.Time, error) {
	if err := s.Validate(); err != nil {
		return time.Time{}, err
	}
	switch s.Kind {
	case KindDaily:
		ref := now
		if !lastRun.IsZero() {
			ref = lastRun
		}
		spec, err := c.dailySpec(s.TimeOfDay)
		if err != nil {
			return time.Time{}, err
		}
		return spec.Next(ref), nil
	default:
		if lastRun.IsZero() {
			return now, nil
		}
		return lastRun.Add(s.every()), nil
	}
}

func (c Calculator) dailySpec(hhmm string) (cron.Schedule, error) {
	h, m, err := parseHHMM(hhmm)
	if err != nil {
		return nil, err
	}
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	sched, err := cron.ParseStandard(fmt.Sprintf("%d %d * * *", m, h))
	if err != nil {
		return nil, err
	}
	// Pin evaluation to loc regardless of the reference instant's own location.
	spec := sched.(*cron.SpecSchedule)
	spec.Location = loc
	return spec, nil
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, errs.Validation("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, errs.Validation("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, errs.Validation("invalid minute in %q", s)
	}
	return h, m, nil
}
