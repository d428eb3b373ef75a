package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/onnwee/chatpool/telemetry"
)

// SessionConfig tunes a Session. Zero values fall back to defaults.
type SessionConfig struct {
	HistorySize     int           // messages kept for late subscribers (200)
	CheckpointEvery int           // checkpoint the recording every N messages (50)
	ConnectTimeout  time.Duration // upper bound for Provider.Connect (30s)
	StoreTimeout    time.Duration // upper bound for a single Store call (5s)
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 50
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	return c
}

// Session is the per-tenant chat state machine:
// idle -> connecting -> running -> ended|errored.
//
// Commands (Start, StartWithChannel, Stop) are serialized by opMu. Stream
// events are handled by a pump goroutine that only acts while its generation
// is current, so events from a closed stream can never touch a newer run.
type Session struct {
	tenant   TenantID
	provider Provider
	store    Store
	publish  func(Event)
	cfg      SessionConfig
	clk      clock.Clock
	log      *slog.Logger

	opMu sync.Mutex

	mu            sync.Mutex
	state         RunState
	mode          Mode
	target        Target
	stats         Stats
	history       *History
	recordingID   int64 // 0 when no recording is open
	stream        Stream
	gen           uint64
	cancelConnect context.CancelFunc
	stopRequested bool
	reclaimed     bool
	closed        bool

	// checkpoints run asynchronously, each one waiting for its predecessor
	ckPrev chan struct{}

	wg sync.WaitGroup
}

func newSession(tenant TenantID, provider Provider, store Store, publish func(Event), cfg SessionConfig, clk clock.Clock, log *slog.Logger) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		tenant:   tenant,
		provider: provider,
		store:    store,
		publish:  publish,
		cfg:      cfg,
		clk:      clk,
		log:      log.With(slog.String("component", "chat_session"), slog.Int64("tenant", int64(tenant))),
		state:    StateIdle,
		history:  NewHistory(cfg.HistorySize),
	}
}

// Tenant returns the tenant this session belongs to.
func (s *Session) Tenant() TenantID { return s.tenant }

// Start connects to an explicit video. A running session is stopped first so
// the tenant never holds two upstream connections. Stats and history are
// reset and a new recording is opened before connecting; on failure the
// recording is finalized as an error and the caller gets ErrInvalidTarget,
// ErrNotLive or ErrConnection.
func (s *Session) Start(ctx context.Context, input string) (Target, error) {
	videoID, err := ParseVideoID(input)
	if err != nil {
		telemetry.IncCounter(telemetry.SessionStarts, string(ModeManual), startResult(err))
		return Target{}, err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.unavailable(); err != nil {
		return Target{}, err
	}
	if s.active() {
		s.stopLocked(ctx)
	}

	connCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ConnectTimeout)
	defer cancel()

	s.mu.Lock()
	s.gen++
	s.mode = ModeManual
	s.target = Target{VideoID: videoID}
	s.resetLocked()
	s.state = StateConnecting
	s.cancelConnect = cancel
	s.stopRequested = false
	s.mu.Unlock()

	s.updateTarget(ctx, videoID)
	rec := s.openRecording(ctx, videoID)
	s.mu.Lock()
	s.recordingID = rec
	s.mu.Unlock()

	began := time.Now()
	stream, err := s.provider.Connect(connCtx, Target{VideoID: videoID})
	telemetry.ObserveSince(telemetry.ConnectDuration, began)

	if s.takeStopRequest() {
		if stream != nil {
			s.closeStream(stream)
		}
		s.stopLocked(ctx)
		err = fmt.Errorf("%w: stopped while connecting", ErrConnection)
		telemetry.IncCounter(telemetry.SessionStarts, string(ModeManual), "canceled")
		return Target{}, err
	}
	if err != nil {
		err = connectError(err)
		s.mu.Lock()
		s.state = StateErrored
		rec, stats := s.recordingID, s.stats
		s.recordingID = 0
		s.mu.Unlock()

		s.log.Warn("chat: start failed", slog.String("video_id", videoID), slog.Any("err", err))
		s.finalize(ctx, rec, RecordingError, err.Error(), stats)
		s.notify(ctx, NotifyChatError, "Chat connection error", err.Error())
		s.emit(Event{Kind: EventError, Err: err})
		telemetry.IncCounter(telemetry.SessionStarts, string(ModeManual), startResult(err))
		return Target{}, err
	}

	telemetry.IncCounter(telemetry.SessionStarts, string(ModeManual), "ok")
	return s.run(stream), nil
}

// StartWithChannel resolves the channel's current broadcast and connects to
// it. It is a no-op on a running session. When the channel is not live it
// returns ErrNotLive and leaves state, stats, history and persistence
// untouched.
func (s *Session) StartWithChannel(ctx context.Context, input string) (Target, error) {
	t, _, err := s.startWithChannel(ctx, input)
	return t, err
}

func (s *Session) startWithChannel(ctx context.Context, input string) (Target, bool, error) {
	ch, err := ParseChannel(input)
	if err != nil {
		return Target{}, false, err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.unavailable(); err != nil {
		return Target{}, false, err
	}
	s.mu.Lock()
	if s.state == StateRunning {
		t := s.target
		s.mu.Unlock()
		return t, false, nil
	}
	s.mu.Unlock()
	if s.active() {
		s.stopLocked(ctx)
	}

	connCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ConnectTimeout)
	defer cancel()

	s.mu.Lock()
	prevState, prevMode := s.state, s.mode
	s.gen++
	s.state = StateConnecting
	s.mode = ModeAuto
	s.cancelConnect = cancel
	s.stopRequested = false
	s.mu.Unlock()

	began := time.Now()
	stream, err := s.provider.Connect(connCtx, Target{Channel: ch})
	telemetry.ObserveSince(telemetry.ConnectDuration, began)

	if s.takeStopRequest() {
		if stream != nil {
			s.closeStream(stream)
		}
		s.stopLocked(ctx)
		telemetry.IncCounter(telemetry.SessionStarts, string(ModeAuto), "canceled")
		return Target{}, false, fmt.Errorf("%w: stopped while connecting", ErrConnection)
	}
	if err != nil {
		err = connectError(err)
		s.mu.Lock()
		s.mode = prevMode
		s.state = prevState
		if !errors.Is(err, ErrNotLive) {
			s.state = StateErrored
		}
		s.mu.Unlock()
		telemetry.IncCounter(telemetry.SessionStarts, string(ModeAuto), startResult(err))
		return Target{}, false, err
	}

	videoID := stream.VideoID()
	if videoID == "" {
		videoID = "channel:" + ch.String()
	}
	s.mu.Lock()
	s.resetLocked()
	s.target = Target{VideoID: videoID, Channel: ch}
	s.mu.Unlock()

	s.updateTarget(ctx, videoID)
	rec := s.openRecording(ctx, videoID)
	s.mu.Lock()
	s.recordingID = rec
	s.mu.Unlock()

	telemetry.IncCounter(telemetry.SessionStarts, string(ModeAuto), "ok")
	return s.run(stream), true, nil
}

// Stop closes the upstream connection, finalizes the open recording with
// "Manual stop" and publishes a stopped event. A connect in flight is
// cancelled first. Stop on an idle or ended session does nothing.
func (s *Session) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.cancelConnect != nil {
		s.stopRequested = true
		s.cancelConnect()
	}
	s.mu.Unlock()

	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.stopLocked(ctx)
}

// Close stops the session for good and waits for its background work to
// finish. Later start commands fail with ErrPoolClosed.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.cancelConnect != nil {
		s.stopRequested = true
		s.cancelConnect()
	}
	s.mu.Unlock()

	s.opMu.Lock()
	s.stopLocked(ctx)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.opMu.Unlock()
	s.wg.Wait()
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:      s.state == StateRunning,
		State:        s.state,
		VideoID:      s.target.VideoID,
		ChannelID:    s.target.Channel.String(),
		Mode:         s.mode,
		Stats:        s.stats,
		MessageCount: s.history.Len(),
	}
}

// Running reports whether the session is relaying a live stream.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateRunning
}

// Messages returns up to limit recent messages, most recent last.
func (s *Session) Messages(limit int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Last(limit)
}

// run must be called with opMu held.
func (s *Session) run(stream Stream) Target {
	s.mu.Lock()
	if id := stream.VideoID(); id != "" && s.mode == ModeManual {
		s.target.VideoID = id
	}
	s.stream = stream
	s.state = StateRunning
	gen := s.gen
	target, mode := s.target, s.mode
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Info("chat: stream live", slog.String("video_id", target.VideoID), slog.String("mode", string(mode)))
	s.emit(Event{Kind: EventStarted, VideoID: target.VideoID, Mode: mode})
	go s.pump(gen, stream)
	return target
}

func (s *Session) pump(gen uint64, stream Stream) {
	defer s.wg.Done()
	for ev := range stream.Events() {
		if !s.isCurrent(gen) {
			return
		}
		switch ev.Kind {
		case StreamChat:
			s.relay(gen, ev.Chat)
		case StreamEnd:
			s.endRemote(gen, ev.Reason)
			return
		case StreamError:
			if s.remoteError(gen, ev.Err) {
				return
			}
		}
	}
	s.endRemote(gen, "stream closed")
}

func (s *Session) relay(gen uint64, raw RawEvent) {
	msg := Normalize(raw, s.clk.Now())

	s.mu.Lock()
	if s.gen != gen || s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.stats.TotalMessages++
	switch msg.Kind {
	case KindSuperchat:
		s.stats.SuperChats++
	case KindMembership:
		s.stats.Memberships++
	}
	s.history.Push(msg)
	stats, rec := s.stats, s.recordingID
	due := stats.TotalMessages%s.cfg.CheckpointEvery == 0
	var prev, done chan struct{}
	if due && rec != 0 {
		prev, done = s.ckPrev, make(chan struct{})
		s.ckPrev = done
		s.wg.Add(1)
	}
	s.mu.Unlock()

	telemetry.IncCounter(telemetry.MessagesReceived, string(msg.Kind))
	s.emit(Event{Kind: EventMessage, Message: &msg})
	if due {
		s.emit(Event{Kind: EventStats, Stats: stats})
		if done != nil {
			go s.checkpoint(prev, done, rec, stats)
		}
	}
}

// endRemote handles a broadcast that ended upstream.
func (s *Session) endRemote(gen uint64, reason string) {
	s.mu.Lock()
	if s.gen != gen || s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.gen++
	stream, rec, stats := s.stream, s.recordingID, s.stats
	s.stream, s.recordingID = nil, 0
	s.state = StateEnded
	s.mu.Unlock()

	if stream != nil {
		s.closeStream(stream)
	}
	s.log.Info("chat: stream ended", slog.String("reason", reason))

	ctx := context.Background()
	s.finalize(ctx, rec, RecordingEnded, reason, stats)
	body := "Stream chat ended."
	if reason != "" {
		body += " Reason: " + reason
	}
	s.notify(ctx, NotifyChatEnded, "Live stream ended", body)
	s.emit(Event{Kind: EventEnded, Reason: reason})
}

// remoteError relays an upstream error. Retryable errors leave the session
// running; fatal ones terminate it. It reports whether the pump should exit.
func (s *Session) remoteError(gen uint64, err error) bool {
	if err == nil {
		err = errors.New("unknown stream error")
	}
	if !s.isCurrent(gen) {
		return true
	}
	class := ClassifyStreamError(err)
	telemetry.IncCounter(telemetry.StreamErrors, class.String())
	s.emit(Event{Kind: EventError, Err: err})
	if class != ErrorClassFatal {
		s.log.Warn("chat: stream error", slog.String("class", class.String()), slog.Any("err", err))
		return false
	}

	s.mu.Lock()
	if s.gen != gen || s.state != StateRunning {
		s.mu.Unlock()
		return true
	}
	s.gen++
	stream, rec, stats := s.stream, s.recordingID, s.stats
	s.stream, s.recordingID = nil, 0
	s.state = StateErrored
	s.mu.Unlock()

	if stream != nil {
		s.closeStream(stream)
	}
	s.log.Error("chat: fatal stream error", slog.Any("err", err))

	ctx := context.Background()
	s.finalize(ctx, rec, RecordingError, err.Error(), stats)
	s.notify(ctx, NotifyChatError, "Chat stream error", err.Error())
	s.emit(Event{Kind: EventEnded, Reason: err.Error()})
	return true
}

// stopLocked must be called with opMu held.
func (s *Session) stopLocked(ctx context.Context) {
	s.mu.Lock()
	if !s.activeLocked() {
		s.mu.Unlock()
		return
	}
	s.gen++
	stream, rec, stats := s.stream, s.recordingID, s.stats
	s.stream, s.recordingID = nil, 0
	s.state = StateEnded
	s.mu.Unlock()

	if stream != nil {
		s.closeStream(stream)
	}
	s.finalize(ctx, rec, RecordingEnded, "Manual stop", stats)
	s.log.Info("chat: stopped")
	s.emit(Event{Kind: EventStopped})
}

// checkpoint writes stats once the previous checkpoint has finished, so
// writes for a recording land in message order.
func (s *Session) checkpoint(prev <-chan struct{}, done chan struct{}, rec int64, stats Stats) {
	defer s.wg.Done()
	defer close(done)
	if prev != nil {
		<-prev
	}
	ctx, cancel := s.storeCtx(context.Background())
	defer cancel()
	if err := s.store.Checkpoint(ctx, rec, stats); err != nil {
		s.persistFailed("checkpoint", err)
	}
}

func (s *Session) openRecording(ctx context.Context, videoID string) int64 {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	id, err := s.store.OpenRecording(ctx, s.tenant, videoID)
	if err != nil {
		s.persistFailed("open", err)
		return 0
	}
	return id
}

func (s *Session) finalize(ctx context.Context, rec int64, status RecordingStatus, detail string, stats Stats) {
	if rec == 0 {
		return
	}
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.store.FinalizeRecording(ctx, rec, status, detail, stats); err != nil {
		s.persistFailed("finalize", err)
	}
}

func (s *Session) notify(ctx context.Context, kind, title, body string) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.store.CreateNotification(ctx, s.tenant, kind, title, body); err != nil {
		s.persistFailed("notify", err)
	}
}

func (s *Session) updateTarget(ctx context.Context, videoID string) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.store.UpdateResolvedTarget(ctx, s.tenant, videoID); err != nil {
		s.persistFailed("target", err)
	}
}

// storeCtx detaches persistence from the caller's cancellation so a dropped
// request cannot leave a recording open.
func (s *Session) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StoreTimeout)
}

func (s *Session) persistFailed(op string, err error) {
	telemetry.IncCounter(telemetry.PersistenceErrors, op)
	s.log.Warn("chat: persistence failed", slog.String("op", op), slog.Any("err", fmt.Errorf("%w: %w", ErrPersistence, err)))
}

func (s *Session) closeStream(stream Stream) {
	if err := stream.Close(); err != nil {
		s.log.Debug("chat: close stream", slog.Any("err", err))
	}
}

func (s *Session) emit(ev Event) {
	ev.Tenant = s.tenant
	ev.At = s.clk.Now()
	s.publish(ev)
}

func (s *Session) resetLocked() {
	s.stats = Stats{StartedAt: s.clk.Now()}
	s.history.Reset()
}

func (s *Session) takeStopRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	stop := s.stopRequested
	s.stopRequested = false
	s.cancelConnect = nil
	return stop
}

func (s *Session) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked()
}

func (s *Session) activeLocked() bool {
	return s.state == StateRunning || s.state == StateConnecting || s.stream != nil || s.recordingID != 0
}

func (s *Session) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen && s.state == StateRunning
}

// unavailable reports why a start command must not run on this session.
func (s *Session) unavailable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrPoolClosed
	case s.reclaimed:
		return errReclaimed
	}
	return nil
}

// tryReclaim marks an idle session with no history as reclaimed. It never
// waits for a command in progress.
func (s *Session) tryReclaim() bool {
	if !s.opMu.TryLock() {
		return false
	}
	defer s.opMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeLocked() || s.history.Len() > 0 {
		return false
	}
	s.reclaimed = true
	return true
}

func startResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidTarget):
		return "invalid_target"
	case errors.Is(err, ErrNotLive):
		return "not_live"
	default:
		return "connection_error"
	}
}
