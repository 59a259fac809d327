package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"billops/internal/errs"
	"billops/internal/eventbus"
	logx "billops/pkg/logx"
)

// Attempt is one provider tried during a single Send.
type Attempt struct {
	ProviderID   string         `json:"providerId"`
	ProviderName string         `json:"providerName"`
	Success      bool           `json:"success"`
	Error        string         `json:"error,omitempty"`
	ResponseMeta map[string]any `json:"responseMeta,omitempty"`
	DurationMs   int64          `json:"durationMs"`
}

type ProviderRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Result is the outcome of a Send. Success is true iff one attempt
// succeeded; Provider is that attempt's provider.
type Result struct {
	Success  bool         `json:"success"`
	Provider *ProviderRef `json:"provider,omitempty"`
	Attempts []Attempt    `json:"attempts"`
	Error    string       `json:"error,omitempty"`
}

// Err converts a failed result into an error for callers that only need
// pass/fail.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	msg := r.Error
	if msg == "" {
		msg = "dispatch failed"
	}
	if len(r.Attempts) == 0 && msg != errNoProviders {
		return errs.Validation("%s", msg)
	}
	return errs.External(errors.New(msg), "dispatch")
}

const errNoProviders = "no active providers"

// Dispatcher delivers a message through the first provider that accepts it.
type Dispatcher struct {
	reg    *Registry
	sender Sender
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	mu       sync.Mutex
	limiters map[string]*limiterEntry
}

type limiterEntry struct {
	rps float64
	lim *rate.Limiter
}

type Options struct {
	Registry *Registry
	Sender   Sender
	Bus      eventbus.Bus
	Log      logx.Logger
	Now      func() time.Time
}

func NewDispatcher(opts Options) *Dispatcher {
	d := &Dispatcher{
		reg:      opts.Registry,
		sender:   opts.Sender,
		bus:      opts.Bus,
		log:      opts.Log.With(logx.String("comp", "dispatch")),
		now:      opts.Now,
		limiters: map[string]*limiterEntry{},
	}
	if d.sender == nil {
		d.sender = NewHTTPSender(nil)
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Send tries active providers by ascending priority and stops at the first
// success. Provider failures never abort the loop; only exhausting the list
// fails the send. Inactive providers are neither tried nor recorded.
func (d *Dispatcher) Send(ctx context.Context, phone, message string) Result {
	res := Result{Attempts: []Attempt{}}
	if strings.TrimSpace(message) == "" {
		res.Error = "message is required"
		return res
	}
	target, err := NormalizePhone(phone)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	providers := d.reg.Active()
	if len(providers) == 0 {
		res.Error = errNoProviders
		d.log.Warn("dispatch without active providers", logx.String("phone", target))
		d.publish(eventbus.DispatchResult, res)
		return res
	}

	for _, p := range providers {
		if ctx.Err() != nil {
			break
		}
		a := d.attempt(ctx, p, target, message)
		res.Attempts = append(res.Attempts, a)
		d.publish(eventbus.DispatchAttempt, a)
		if a.Success {
			res.Success = true
			res.Provider = &ProviderRef{ID: p.ID, Name: p.Name}
			break
		}
		d.log.Warn("provider attempt failed", logx.String("provider", p.ID), logx.String("error", a.Error))
	}
	if !res.Success {
		res.Error = "all providers failed"
		if ctx.Err() != nil && len(res.Attempts) < len(providers) {
			res.Error = "dispatch canceled: " + ctx.Err().Error()
		}
	}
	d.publish(eventbus.DispatchResult, res)
	d.log.Debug("dispatch finished", logx.Bool("success", res.Success), logx.Int("attempts", len(res.Attempts)))
	return res
}

func (d *Dispatcher) attempt(ctx context.Context, p Provider, phone, message string) Attempt {
	a := Attempt{ProviderID: p.ID, ProviderName: p.Name}
	start := d.now()
	actx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	err := d.wait(actx, p)
	if err == nil {
		a.ResponseMeta, err = d.sender.Send(actx, p, phone, message)
	}
	a.DurationMs = d.now().Sub(start).Milliseconds()
	if err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = errors.Wrapf(err, "timeout after %s", p.timeout())
		}
		a.Error = err.Error()
		return a
	}
	a.Success = true
	return a
}

func (d *Dispatcher) wait(ctx context.Context, p Provider) error {
	if p.RatePerSec <= 0 {
		return nil
	}
	d.mu.Lock()
	e := d.limiters[p.ID]
	if e == nil || e.rps != p.RatePerSec {
		burst := int(p.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		e = &limiterEntry{rps: p.RatePerSec, lim: rate.NewLimiter(rate.Limit(p.RatePerSec), burst)}
		d.limiters[p.ID] = e
	}
	d.mu.Unlock()
	if err := e.lim.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limit")
	}
	return nil
}

func (d *Dispatcher) publish(topic eventbus.Topic, data any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Topic: topic, Time: d.now(), Data: data})
}
