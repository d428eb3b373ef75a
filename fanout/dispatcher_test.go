package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/chatpool/chat"
)

type emitted struct {
	Group   string
	Event   string
	Payload any
}

type recorder struct {
	mu  sync.Mutex
	out []emitted
}

func (r *recorder) EmitToGroup(group, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, emitted{group, event, payload})
}

func (r *recorder) all() []emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emitted(nil), r.out...)
}

func (r *recorder) groups(event string) []string {
	var gs []string
	for _, e := range r.all() {
		if e.Event == event {
			gs = append(gs, e.Group)
		}
	}
	return gs
}

func TestGroupNames(t *testing.T) {
	assert.Equal(t, "user:42", GroupOperator(42))
	assert.Equal(t, "overlay:42", GroupPublic(42))
}

func TestDispatchStarted(t *testing.T) {
	rec := &recorder{}
	NewDispatcher(rec, nil).Dispatch(chat.Event{Kind: chat.EventStarted, Tenant: 7, VideoID: "vid", Mode: chat.ModeAuto})

	out := rec.all()
	require.Len(t, out, 2)
	assert.Equal(t, emitted{"user:7", EventStatus, StatusPayload{Running: true, VideoID: "vid", Mode: chat.ModeAuto, Message: "Chat connected"}}, out[0])
	assert.Equal(t, emitted{"overlay:7", EventStatus, StatusPayload{Running: true, VideoID: "vid", Message: "Live"}}, out[1])
}

func TestDispatchMessageReachesBothGroups(t *testing.T) {
	rec := &recorder{}
	msg := &chat.Message{ID: "m1"}
	NewDispatcher(rec, nil).Dispatch(chat.Event{Kind: chat.EventMessage, Tenant: 1, Message: msg})
	assert.Equal(t, []string{"user:1", "overlay:1"}, rec.groups(EventMessage))
}

func TestDispatchErrorIsOperatorOnly(t *testing.T) {
	rec := &recorder{}
	NewDispatcher(rec, nil).Dispatch(chat.Event{Kind: chat.EventError, Tenant: 1, Err: errors.New("quota exceeded")})

	out := rec.all()
	require.Len(t, out, 1)
	assert.Equal(t, "user:1", out[0].Group)
	assert.Equal(t, ErrorPayload{Message: "quota exceeded"}, out[0].Payload)
}

func TestDispatchEnded(t *testing.T) {
	rec := &recorder{}
	NewDispatcher(rec, nil).Dispatch(chat.Event{Kind: chat.EventEnded, Tenant: 1, Reason: "offline"})

	out := rec.all()
	require.Len(t, out, 3)
	assert.Equal(t, StatusPayload{Message: "Stream ended: offline"}, out[0].Payload)
	assert.Equal(t, StatusPayload{Message: "Stream ended"}, out[1].Payload, "public group gets no detail")
	assert.Equal(t, "user:1", out[2].Group)
	assert.Equal(t, EventNotification, out[2].Event)
}

func TestDispatchOperatorOnlyEvents(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec, nil)
	d.Dispatch(chat.Event{Kind: chat.EventStats, Tenant: 3, Stats: chat.Stats{TotalMessages: 50}})
	d.Dispatch(chat.Event{Kind: chat.EventNotification, Tenant: 3, Notification: &chat.Notification{Type: "success"}})

	for _, e := range rec.all() {
		assert.Equal(t, "user:3", e.Group, e.Event)
	}
	assert.Len(t, rec.all(), 2)
}

func TestDispatchPoolStatsToAdmin(t *testing.T) {
	rec := &recorder{}
	NewDispatcher(rec, nil).Dispatch(chat.Event{Kind: chat.EventPoolStats, Pool: &chat.PoolStats{ActiveChats: 2}})
	assert.Equal(t, []string{GroupAdmin}, rec.groups(EventPoolStats))
}

func TestRunStopsWhenChannelCloses(t *testing.T) {
	rec := &recorder{}
	events := make(chan chat.Event, 2)
	events <- chat.Event{Kind: chat.EventStopped, Tenant: 1}
	close(events)

	done := make(chan error, 1)
	go func() { done <- NewDispatcher(rec, nil).Run(context.Background(), events) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, []string{"user:1", "overlay:1"}, rec.groups(EventStatus))
}

func TestMulti(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	Multi{a, nil, b}.EmitToGroup("admin", EventPoolStats, 1)
	assert.Len(t, a.all(), 1)
	assert.Len(t, b.all(), 1)
}
