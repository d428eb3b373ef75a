package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"

	"github.com/onnwee/chatpool/telemetry"
)

// Options configures a Pool. Zero values fall back to defaults.
type Options struct {
	Session         SessionConfig
	ReclaimInterval time.Duration // idle session reclamation (60s)
	StatsInterval   time.Duration // pool stats broadcast (10s)
	EventBuffer     int           // capacity of the event channel (1024)
	Clock           clock.Clock
	Logger          *slog.Logger
}

// Pool is the tenant -> Session registry. It creates sessions lazily,
// reclaims idle ones and keeps pool-wide statistics. All sessions publish on
// the channel returned by Events.
type Pool struct {
	provider Provider
	store    Store
	opts     Options
	clk      clock.Clock
	log      *slog.Logger

	mu         sync.RWMutex
	sessions   map[TenantID]*Session
	peak       int
	watchCount func() int

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewPool builds an empty pool.
func NewPool(provider Provider, store Store, opts Options) *Pool {
	if opts.ReclaimInterval <= 0 {
		opts.ReclaimInterval = time.Minute
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = 10 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 1024
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pool{
		provider: provider,
		store:    store,
		opts:     opts,
		clk:      opts.Clock,
		log:      opts.Logger.With(slog.String("component", "chat_pool")),
		sessions: make(map[TenantID]*Session),
		events:   make(chan Event, opts.EventBuffer),
		done:     make(chan struct{}),
	}
}

// Events returns the channel every session and the pool publish on.
func (p *Pool) Events() <-chan Event { return p.events }

func (p *Pool) publish(ev Event) {
	select {
	case p.events <- ev:
	case <-p.done:
	}
}

// Session returns the tenant's session, creating and registering an empty
// one on first use.
func (p *Pool) Session(tenant TenantID) *Session {
	p.mu.RLock()
	s, ok := p.sessions[tenant]
	p.mu.RUnlock()
	if ok {
		return s
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionLocked(tenant)
}

func (p *Pool) sessionLocked(tenant TenantID) *Session {
	if s, ok := p.sessions[tenant]; ok {
		return s
	}
	s := newSession(tenant, p.provider, p.store, p.publish, p.opts.Session, p.clk, p.opts.Logger)
	p.sessions[tenant] = s
	telemetry.SetGauge(telemetry.PooledSessions, len(p.sessions))
	return s
}

// acquire is Session for start commands: after Shutdown it refuses to hand
// out sessions, so nothing can connect once the sessions have been closed.
func (p *Pool) acquire(tenant TenantID) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return nil, ErrPoolClosed
	default:
	}
	return p.sessionLocked(tenant), nil
}

// Lookup returns the tenant's session without creating one.
func (p *Pool) Lookup(tenant TenantID) (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[tenant]
	return s, ok
}

// Start starts ingestion of an explicit video for tenant.
func (p *Pool) Start(ctx context.Context, tenant TenantID, input string) (Target, error) {
	ctx, span := telemetry.StartSpan(ctx, "chat", "pool.start", telemetry.TenantAttr(int64(tenant)))
	defer span.End()
	t, err := p.withSession(tenant, func(s *Session) (Target, error) { return s.Start(ctx, input) })
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.SetSpanSuccess(span)
	}
	return t, err
}

// StartWithChannel starts ingestion of the channel's current broadcast.
func (p *Pool) StartWithChannel(ctx context.Context, tenant TenantID, channel string) (Target, error) {
	t, _, err := p.AutoStart(ctx, tenant, channel)
	return t, err
}

// AutoStart is StartWithChannel that also reports whether this call started
// the session. started is false when the tenant was already running.
func (p *Pool) AutoStart(ctx context.Context, tenant TenantID, channel string) (t Target, started bool, err error) {
	ctx, span := telemetry.StartSpan(ctx, "chat", "pool.start_with_channel", telemetry.TenantAttr(int64(tenant)))
	defer span.End()
	t, err = p.withSession(tenant, func(s *Session) (Target, error) {
		st, ok, serr := s.startWithChannel(ctx, channel)
		started = ok
		return st, serr
	})
	if err != nil && !errors.Is(err, ErrNotLive) {
		telemetry.RecordError(span, err)
	}
	return t, started, err
}

// withSession runs a start command, retrying once with a fresh session if
// the one it found was reclaimed concurrently.
func (p *Pool) withSession(tenant TenantID, fn func(*Session) (Target, error)) (Target, error) {
	var (
		t   Target
		err error
	)
	for attempt := 0; attempt < 2; attempt++ {
		var s *Session
		if s, err = p.acquire(tenant); err != nil {
			break
		}
		t, err = fn(s)
		if !errors.Is(err, errReclaimed) {
			break
		}
	}
	p.refreshStats()
	return t, err
}

// Stop stops the tenant's session if it exists.
func (p *Pool) Stop(ctx context.Context, tenant TenantID) {
	s, ok := p.Lookup(tenant)
	if !ok {
		return
	}
	s.Stop(ctx)
	p.refreshStats()
}

// Status returns the tenant's snapshot, or an idle empty snapshot for
// tenants without a session.
func (p *Pool) Status(tenant TenantID) Status {
	if s, ok := p.Lookup(tenant); ok {
		return s.Status()
	}
	return Status{State: StateIdle}
}

// Messages returns up to limit recent messages of the tenant, most recent last.
func (p *Pool) Messages(tenant TenantID, limit int) []Message {
	if s, ok := p.Lookup(tenant); ok {
		return s.Messages(limit)
	}
	return []Message{}
}

// Notify publishes a notification for the tenant's operators.
func (p *Pool) Notify(tenant TenantID, n Notification) {
	p.publish(Event{Kind: EventNotification, Tenant: tenant, At: p.clk.Now(), Notification: &n})
}

// SetWatchCounter installs the source of AutoWatchCount in Stats.
func (p *Pool) SetWatchCounter(fn func() int) {
	p.mu.Lock()
	p.watchCount = fn
	p.mu.Unlock()
}

// Stats recomputes and returns pool-wide statistics.
func (p *Pool) Stats() PoolStats {
	active := p.refreshStats()
	p.mu.RLock()
	st := PoolStats{ActiveChats: active, PeakActive: p.peak, TotalConnections: len(p.sessions)}
	count := p.watchCount
	p.mu.RUnlock()
	if count != nil {
		st.AutoWatchCount = count()
	}
	return st
}

func (p *Pool) refreshStats() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	active := lo.CountBy(lo.Values(p.sessions), func(s *Session) bool { return s.Running() })
	if active > p.peak {
		p.peak = active
	}
	telemetry.SetGauge(telemetry.ActiveSessions, active)
	telemetry.SetGauge(telemetry.PeakActiveSessions, p.peak)
	telemetry.SetGauge(telemetry.PooledSessions, len(p.sessions))
	return active
}

// Reclaim removes every session that is not running and has no history.
// Sessions busy with a command are skipped until the next pass.
func (p *Pool) Reclaim() int {
	p.mu.Lock()
	removed := 0
	for tenant, s := range p.sessions {
		if s.tryReclaim() {
			delete(p.sessions, tenant)
			removed++
		}
	}
	p.mu.Unlock()
	if removed > 0 {
		telemetry.AddCount(telemetry.SessionsReclaimed, removed)
		p.log.Debug("chat pool: reclaimed idle sessions", slog.Int("count", removed))
	}
	p.refreshStats()
	return removed
}

// Run drives reclamation and the periodic stats broadcast until ctx is
// done, then stops every session.
func (p *Pool) Run(ctx context.Context) error {
	reclaim := p.clk.Ticker(p.opts.ReclaimInterval)
	defer reclaim.Stop()
	stats := p.clk.Ticker(p.opts.StatsInterval)
	defer stats.Stop()

	p.log.Info("chat pool: started",
		slog.Duration("reclaim_interval", p.opts.ReclaimInterval),
		slog.Duration("stats_interval", p.opts.StatsInterval))
	for {
		select {
		case <-ctx.Done():
			p.Shutdown(context.WithoutCancel(ctx))
			return nil
		case <-reclaim.C:
			p.Reclaim()
		case <-stats.C:
			st := p.Stats()
			p.publish(Event{Kind: EventPoolStats, At: p.clk.Now(), Pool: &st})
		}
	}
}

// Shutdown stops all sessions, finalizing their recordings, and waits for
// their background work. Events published from here on may be dropped.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.closeOnce.Do(func() { close(p.done) })
	sessions := lo.Values(p.sessions)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close(ctx)
		}(s)
	}
	wg.Wait()
	p.refreshStats()
	p.log.Info("chat pool: shut down", slog.Int("sessions", len(sessions)))
}
