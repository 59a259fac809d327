package handlers

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"billops/internal/adapters/accounting"
	"billops/internal/jobs"
	"billops/internal/storage"
	logx "billops/pkg/logx"
)

// VoucherSync reconciles voucher status with accounting usage:
// WAITING vouchers seen by accounting become ACTIVE, ACTIVE vouchers past
// ExpiresAt become EXPIRED. Other vouchers are untouched.
func (s *Service) VoucherSync(ctx context.Context) (jobs.Result, error) {
	cfg := s.config()
	now := s.now()
	st := s.deps.Store

	vouchers, err := st.ListVouchers(ctx, storage.VoucherWaiting, storage.VoucherActive)
	if err != nil {
		return nil, err
	}
	res := jobs.VoucherSyncResult{Synced: len(vouchers)}

	var waiting []string
	for _, v := range vouchers {
		if v.Status == storage.VoucherWaiting {
			waiting = append(waiting, v.Code)
		}
	}
	usage, batchErrs, err := s.fetchUsage(ctx, cfg, waiting)
	if err != nil {
		return nil, err
	}
	res.Errors = append(res.Errors, batchErrs...)

	for _, v := range vouchers {
		next, changed := transitionVoucher(v, usage, now)
		if !changed {
			continue
		}
		if err := st.PutVoucher(ctx, next); err != nil {
			res.Errors = append(res.Errors, itemErr(v.Code, err))
			continue
		}
		if v.Status == storage.VoucherWaiting {
			res.Activated++
		}
		if next.Status == storage.VoucherExpired {
			res.Expired++
		}
	}
	s.log.Info("vouchers synced", logx.Int("synced", res.Synced), logx.Int("activated", res.Activated), logx.Int("expired", res.Expired))
	return res, nil
}

// transitionVoucher applies the usage and expiry rules to v.
func transitionVoucher(v storage.Voucher, usage map[string]accounting.Usage, now time.Time) (storage.Voucher, bool) {
	changed := false
	if v.Status == storage.VoucherWaiting {
		u, ok := usage[v.Code]
		if !ok {
			return v, false
		}
		first := u.FirstSeen
		v.Status = storage.VoucherActive
		v.FirstUsedAt = &first
		v.ExpiresAt = nil
		changed = true
	}
	if v.Status == storage.VoucherActive && v.ExpiresAt == nil && v.FirstUsedAt != nil && v.ValidityHours > 0 {
		exp := v.FirstUsedAt.Add(time.Duration(v.ValidityHours) * time.Hour)
		v.ExpiresAt = &exp
		changed = true
	}
	if v.Status == storage.VoucherActive && v.ExpiresAt != nil && !v.ExpiresAt.After(now) {
		v.Status = storage.VoucherExpired
		changed = true
	}
	return v, changed
}

// fetchUsage looks codes up in batches, concurrently. A failed batch becomes
// an item error; the call only fails when every batch failed.
func (s *Service) fetchUsage(ctx context.Context, cfg Config, codes []string) (map[string]accounting.Usage, []jobs.ItemError, error) {
	out := map[string]accounting.Usage{}
	if len(codes) == 0 {
		return out, nil, nil
	}
	if s.deps.Usage == nil {
		return nil, nil, errors.New("accounting source is not configured")
	}

	var (
		mu        sync.Mutex
		itemErrs  []jobs.ItemError
		lastErr   error
		batches   int
		failed    int
		batchSize = cfg.UsageBatchSize
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.UsageConcurrency)
	for start := 0; start < len(codes); start += batchSize {
		end := min(start+batchSize, len(codes))
		batch := codes[start:end]
		label := fmt.Sprintf("batch %d-%d", start+1, end)
		batches++
		g.Go(func() error {
			got, err := s.deps.Usage.Usage(gctx, batch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				lastErr = err
				itemErrs = append(itemErrs, itemErr(label, err))
				return nil
			}
			for code, u := range got {
				out[code] = u
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if failed == batches {
		return nil, nil, lastErr
	}
	return out, itemErrs, nil
}

// AgentSales records one sale per activated voucher from an agent batch.
func (s *Service) AgentSales(ctx context.Context) (jobs.Result, error) {
	cfg := s.config()
	st := s.deps.Store

	pattern, err := regexp.Compile(cfg.AgentBatchPattern)
	if err != nil {
		return nil, errors.Wrap(err, "agent batch pattern")
	}
	agents, err := st.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	// Vouchers activated and expired within one sync pass still count.
	vouchers, err := st.ListVouchers(ctx, storage.VoucherActive, storage.VoucherExpired)
	if err != nil {
		return nil, err
	}

	res := jobs.AgentSalesResult{}
	for _, v := range vouchers {
		if v.FirstUsedAt == nil || !pattern.MatchString(v.BatchCode) {
			continue
		}
		has, err := st.HasSale(ctx, v.Code)
		if err != nil {
			res.Errors = append(res.Errors, itemErr(v.Code, err))
			continue
		}
		if has {
			res.Skipped++
			continue
		}
		agent, ok := agentFor(agents, v.BatchCode)
		if !ok {
			res.Errors = append(res.Errors, jobs.ItemError{Item: v.Code, Error: "no agent for batch " + v.BatchCode})
			continue
		}
		err = st.CreateSale(ctx, storage.AgentSale{
			AgentID:     agent.ID,
			VoucherCode: v.Code,
			BatchCode:   v.BatchCode,
			Price:       v.Price,
			CreatedAt:   *v.FirstUsedAt,
		})
		switch {
		case err == nil:
			res.Recorded++
		case isConflict(err):
			res.Skipped++
		default:
			res.Errors = append(res.Errors, itemErr(v.Code, err))
		}
	}
	s.log.Info("agent sales recorded", logx.Int("recorded", res.Recorded), logx.Int("skipped", res.Skipped), logx.Int("errors", len(res.Errors)))
	return res, nil
}

// agentFor picks the agent with the longest prefix of batch.
func agentFor(agents []storage.Agent, batch string) (storage.Agent, bool) {
	var (
		best  storage.Agent
		found bool
	)
	for _, a := range agents {
		if a.BatchPrefix == "" || !strings.HasPrefix(batch, a.BatchPrefix) {
			continue
		}
		if !found || len(a.BatchPrefix) > len(best.BatchPrefix) {
			best, found = a, true
		}
	}
	return best, found
}
