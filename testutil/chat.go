package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/onnwee/chatpool/chat"
)

// FakeStream is an in-memory chat.Stream driven by the test.
type FakeStream struct {
	feed    *chat.Feed
	videoID string
	closed  atomic.Bool
}

// NewFakeStream returns an open stream for videoID.
func NewFakeStream(videoID string) *FakeStream {
	return &FakeStream{feed: chat.NewFeed(64), videoID: videoID}
}

func (s *FakeStream) VideoID() string                { return s.videoID }
func (s *FakeStream) Events() <-chan chat.StreamEvent { return s.feed.Events() }

// Close closes the stream; it is safe to call more than once.
func (s *FakeStream) Close() error {
	s.closed.Store(true)
	s.feed.Close()
	return nil
}

// Closed reports whether Close was called.
func (s *FakeStream) Closed() bool { return s.closed.Load() }

// Emit delivers ev to the consumer. It returns false once the stream is closed.
func (s *FakeStream) Emit(ev chat.StreamEvent) bool { return s.feed.Send(ev) }

func (s *FakeStream) EmitChat(raw chat.RawEvent) bool {
	return s.Emit(chat.StreamEvent{Kind: chat.StreamChat, Chat: raw})
}

func (s *FakeStream) EmitEnd(reason string) bool {
	return s.Emit(chat.StreamEvent{Kind: chat.StreamEnd, Reason: reason})
}

func (s *FakeStream) EmitError(err error) bool {
	return s.Emit(chat.StreamEvent{Kind: chat.StreamError, Err: err})
}

// EmitText sends a plain chat message with the given id and text.
func (s *FakeStream) EmitText(id, text string) bool {
	return s.EmitChat(chat.RawEvent{
		ID:        id,
		Author:    chat.RawAuthor{Name: "viewer"},
		Fragments: []chat.Fragment{{Text: text}},
	})
}

// FakeProvider is a chat.Provider backed by an in-memory liveness table.
// Explicit video targets always connect unless ConnectErr is set; channel
// targets connect only when the channel is marked live.
type FakeProvider struct {
	mu      sync.Mutex
	live    map[string]string // channel -> video id
	streams []*FakeStream

	// ConnectErr, when set, is returned by every Connect.
	ConnectErr error
	// ConnectHook runs before Connect resolves; an error aborts the connect.
	ConnectHook func(ctx context.Context, target chat.Target) error

	connects atomic.Int64
}

// NewFakeProvider returns a provider with no live channels.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{live: make(map[string]string)}
}

// SetLive marks channel (as rendered by chat.ChannelRef.String) live on videoID.
func (p *FakeProvider) SetLive(channel, videoID string) {
	p.mu.Lock()
	p.live[channel] = videoID
	p.mu.Unlock()
}

// SetOffline marks channel offline.
func (p *FakeProvider) SetOffline(channel string) {
	p.mu.Lock()
	delete(p.live, channel)
	p.mu.Unlock()
}

// Connects reports how many times Connect was called.
func (p *FakeProvider) Connects() int { return int(p.connects.Load()) }

// Streams returns every stream handed out so far, oldest first.
func (p *FakeProvider) Streams() []*FakeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*FakeStream(nil), p.streams...)
}

// LastStream returns the most recently handed out stream, or nil.
func (p *FakeProvider) LastStream() *FakeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return nil
	}
	return p.streams[len(p.streams)-1]
}

func (p *FakeProvider) Connect(ctx context.Context, target chat.Target) (chat.Stream, error) {
	p.connects.Add(1)
	if p.ConnectHook != nil {
		if err := p.ConnectHook(ctx, target); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	videoID := target.VideoID
	if videoID == "" {
		id, ok := p.live[target.Channel.String()]
		if !ok {
			return nil, chat.ErrNotLive
		}
		videoID = id
	}
	s := NewFakeStream(videoID)
	p.streams = append(p.streams, s)
	return s, nil
}

// Finalized is one FinalizeRecording call captured by FakeStore.
type Finalized struct {
	Status chat.RecordingStatus
	Detail string
	Stats  chat.Stats
}

// StoredNotification is one CreateNotification call captured by FakeStore.
type StoredNotification struct {
	Tenant chat.TenantID
	Kind   string
	Title  string
	Body   string
}

// ErrFakeStore is returned by FakeStore operations switched to fail.
var ErrFakeStore = errors.New("fake store failure")

// FakeStore is a thread-safe in-memory chat.Store.
type FakeStore struct {
	mu            sync.Mutex
	nextID        int64
	opened        map[int64]string
	checkpoints   map[int64][]chat.Stats
	finalized     map[int64]Finalized
	notifications []StoredNotification
	targets       map[chat.TenantID]string

	AutoWatch      []chat.AutoWatchTenant
	FailOpen       bool
	FailCheckpoint bool
	FailAll        bool
}

// NewFakeStore returns an empty store.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		opened:      make(map[int64]string),
		checkpoints: make(map[int64][]chat.Stats),
		finalized:   make(map[int64]Finalized),
		targets:     make(map[chat.TenantID]string),
	}
}

func (f *FakeStore) OpenRecording(_ context.Context, _ chat.TenantID, videoID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailAll || f.FailOpen {
		return 0, ErrFakeStore
	}
	f.nextID++
	f.opened[f.nextID] = videoID
	return f.nextID, nil
}

func (f *FakeStore) Checkpoint(_ context.Context, id int64, stats chat.Stats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailAll || f.FailCheckpoint {
		return ErrFakeStore
	}
	f.checkpoints[id] = append(f.checkpoints[id], stats)
	return nil
}

func (f *FakeStore) FinalizeRecording(_ context.Context, id int64, status chat.RecordingStatus, detail string, stats chat.Stats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailAll {
		return ErrFakeStore
	}
	f.finalized[id] = Finalized{Status: status, Detail: detail, Stats: stats}
	return nil
}

func (f *FakeStore) CreateNotification(_ context.Context, tenant chat.TenantID, kind, title, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailAll {
		return ErrFakeStore
	}
	f.notifications = append(f.notifications, StoredNotification{Tenant: tenant, Kind: kind, Title: title, Body: body})
	return nil
}

func (f *FakeStore) ListAutoWatch(context.Context) ([]chat.AutoWatchTenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailAll {
		return nil, ErrFakeStore
	}
	return append([]chat.AutoWatchTenant(nil), f.AutoWatch...), nil
}

func (f *FakeStore) UpdateResolvedTarget(_ context.Context, tenant chat.TenantID, videoID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailAll {
		return ErrFakeStore
	}
	f.targets[tenant] = videoID
	return nil
}

// Opened returns the video id of every recording opened, keyed by id.
func (f *FakeStore) Opened() map[int64]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]string, len(f.opened))
	for k, v := range f.opened {
		out[k] = v
	}
	return out
}

// Checkpoints returns the checkpoints written for a recording.
func (f *FakeStore) Checkpoints(id int64) []chat.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.Stats(nil), f.checkpoints[id]...)
}

// FinalizedRecording returns the final state of a recording, if any.
func (f *FakeStore) FinalizedRecording(id int64) (Finalized, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fin, ok := f.finalized[id]
	return fin, ok
}

// Notifications returns every stored notification, oldest first.
func (f *FakeStore) Notifications() []StoredNotification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]StoredNotification(nil), f.notifications...)
}

// Target returns the last resolved target written for tenant.
func (f *FakeStore) Target(tenant chat.TenantID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.targets[tenant]
}
