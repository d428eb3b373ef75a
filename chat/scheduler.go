package chat

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"

	"github.com/onnwee/chatpool/telemetry"
)

// SchedulerOptions configures the auto-watch loop. Interval defaults to 45s;
// the other delays are used as given, zero meaning no delay.
type SchedulerOptions struct {
	Interval       time.Duration // probe pass interval
	Spacing        time.Duration // delay between probes of different tenants
	LoadDelay      time.Duration // delay before loading the auto-watch set
	FirstTickDelay time.Duration // delay between loading and the first pass
	EnableDelay    time.Duration // delay before probing a newly enabled tenant
	Clock          clock.Clock
	Logger         *slog.Logger
}

type watchEntry struct {
	channel string
	probing bool
}

// Scheduler probes auto-watch tenants for liveness and starts their sessions
// through the Pool when a broadcast is detected. At most one probe per tenant
// is outstanding at any time.
type Scheduler struct {
	pool  *Pool
	store Store
	opts  SchedulerOptions
	clk   clock.Clock
	log   *slog.Logger

	mu      sync.Mutex
	entries map[TenantID]*watchEntry
	baseCtx context.Context

	wg sync.WaitGroup
}

// NewScheduler builds a scheduler bound to pool and registers itself as the
// pool's auto-watch counter.
func NewScheduler(pool *Pool, store Store, opts SchedulerOptions) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 45 * time.Second
	}
	if opts.Spacing < 0 {
		opts.Spacing = 0
	}
	if opts.Clock == nil {
		opts.Clock = pool.clk
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Scheduler{
		pool:    pool,
		store:   store,
		opts:    opts,
		clk:     opts.Clock,
		log:     opts.Logger.With(slog.String("component", "chat_scheduler")),
		entries: make(map[TenantID]*watchEntry),
		baseCtx: context.Background(),
	}
	pool.SetWatchCounter(s.Len)
	return s
}

// Enable registers (or updates) a tenant's channel and probes it shortly after.
func (s *Scheduler) Enable(tenant TenantID, channel string) {
	s.mu.Lock()
	if e, ok := s.entries[tenant]; ok {
		e.channel = channel
	} else {
		s.entries[tenant] = &watchEntry{channel: channel}
	}
	n := len(s.entries)
	ctx := s.baseCtx
	s.mu.Unlock()
	telemetry.SetGauge(telemetry.AutoWatchTenants, n)

	s.wg.Add(1)
	s.clk.AfterFunc(s.opts.EnableDelay, func() {
		defer s.wg.Done()
		if ctx.Err() != nil {
			return
		}
		s.Probe(ctx, tenant)
	})
}

// Disable removes a tenant from the auto-watch set. A probe already in
// flight completes; its result is not reverted.
func (s *Scheduler) Disable(tenant TenantID) {
	s.mu.Lock()
	delete(s.entries, tenant)
	n := len(s.entries)
	s.mu.Unlock()
	telemetry.SetGauge(telemetry.AutoWatchTenants, n)
}

// Watching reports whether the tenant is registered for auto-watch.
func (s *Scheduler) Watching(tenant TenantID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[tenant]
	return ok
}

// Probing reports whether a liveness probe for tenant is outstanding.
func (s *Scheduler) Probing(tenant TenantID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[tenant]
	return ok && e.probing
}

// Len returns the size of the auto-watch set.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Load adds every auto-watch tenant known to the store. Existing entries are
// kept as they are.
func (s *Scheduler) Load(ctx context.Context) (int, error) {
	tenants, err := s.store.ListAutoWatch(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	for _, t := range tenants {
		if t.Channel == "" {
			continue
		}
		if _, ok := s.entries[t.Tenant]; !ok {
			s.entries[t.Tenant] = &watchEntry{channel: t.Channel}
		}
	}
	n := len(s.entries)
	s.mu.Unlock()
	telemetry.SetGauge(telemetry.AutoWatchTenants, n)
	s.log.Info("auto-watch: tenants loaded", slog.Int("count", n))
	return n, nil
}

// Probe checks one tenant's channel and starts its session when live. It
// reports whether a session was started. The probing flag is cleared on
// every outcome.
func (s *Scheduler) Probe(ctx context.Context, tenant TenantID) bool {
	s.mu.Lock()
	e, ok := s.entries[tenant]
	if !ok || e.probing {
		s.mu.Unlock()
		return false
	}
	e.probing = true
	channel := e.channel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		e.probing = false
		s.mu.Unlock()
	}()

	if s.pool.Status(tenant).Running {
		telemetry.IncCounter(telemetry.LivenessProbes, "skipped")
		return false
	}

	target, started, err := s.pool.AutoStart(ctx, tenant, channel)
	switch {
	case errors.Is(err, ErrNotLive):
		telemetry.IncCounter(telemetry.LivenessProbes, "not_live")
		s.log.Debug("auto-watch: channel offline", slog.Int64("tenant", int64(tenant)), slog.String("channel", channel))
		return false
	case err != nil:
		telemetry.IncCounter(telemetry.LivenessProbes, "error")
		s.log.Warn("auto-watch: probe failed", slog.Int64("tenant", int64(tenant)), slog.String("channel", channel), slog.Any("err", err))
		return false
	case !started:
		// a start issued while this probe waited won the race
		telemetry.IncCounter(telemetry.LivenessProbes, "skipped")
		return false
	}

	telemetry.IncCounter(telemetry.LivenessProbes, "live")
	s.log.Info("auto-watch: channel live, chat started", slog.Int64("tenant", int64(tenant)), slog.String("video_id", target.VideoID))
	s.pool.Notify(tenant, Notification{
		Type:    "success",
		Title:   "Live Stream Detected!",
		Message: "Your channel is live. Chat started automatically.",
	})
	return true
}

// Tick runs one probe pass. Tenants already running or being probed are
// skipped; probes of different tenants are launched Spacing apart and run
// concurrently. Use Wait to block until they finish.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	ids := lo.Keys(s.entries)
	s.mu.Unlock()
	slices.Sort(ids)

	launched := 0
	for _, tenant := range ids {
		if ctx.Err() != nil {
			return
		}
		if s.pool.Status(tenant).Running {
			continue
		}
		s.mu.Lock()
		e, ok := s.entries[tenant]
		skip := !ok || e.probing
		s.mu.Unlock()
		if skip {
			continue
		}

		if launched > 0 && s.opts.Spacing > 0 {
			select {
			case <-ctx.Done():
				return
			case <-s.clk.After(s.opts.Spacing):
			}
		}
		launched++
		s.wg.Add(1)
		go func(tenant TenantID) {
			defer s.wg.Done()
			s.Probe(ctx, tenant)
		}(tenant)
	}
}

// Wait blocks until every probe launched so far has finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Run loads the auto-watch set after LoadDelay, runs a first pass
// FirstTickDelay later and then probes every Interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	ticker := s.clk.Ticker(s.opts.Interval)
	defer ticker.Stop()
	load := s.clk.After(s.opts.LoadDelay)
	var first <-chan time.Time

	s.log.Info("auto-watch: started", slog.Duration("interval", s.opts.Interval))
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		case <-load:
			load = nil
			n, err := s.Load(ctx)
			if err != nil {
				s.log.Error("auto-watch: load failed", slog.Any("err", err))
				continue
			}
			if n > 0 {
				first = s.clk.After(s.opts.FirstTickDelay)
			}
		case <-first:
			first = nil
			s.Tick(ctx)
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}
