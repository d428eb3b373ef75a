// Package fanout routes pool events to subscriber groups.
//
// Every tenant has an operator group that receives lifecycle, message, error,
// stats and notification events, and a public group that only receives coarse
// status and messages. Pool-wide statistics go to the single admin group.
package fanout

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/onnwee/chatpool/chat"
	"github.com/onnwee/chatpool/telemetry"
)

// Emitter delivers a named event to every member of a group.
type Emitter interface {
	EmitToGroup(group, event string, payload any)
}

// Event names sent to subscribers.
const (
	EventStatus       = "chat:status"
	EventMessage      = "chat:message"
	EventHistory      = "chat:history"
	EventError        = "chat:error"
	EventStats        = "chat:stats"
	EventNotification = "notification"
	EventPoolStats    = "pool:stats"
)

// GroupAdmin receives pool-wide statistics.
const GroupAdmin = "admin"

// GroupOperator is the tenant's dashboard group.
func GroupOperator(t chat.TenantID) string { return fmt.Sprintf("user:%d", t) }

// GroupPublic is the tenant's overlay group.
func GroupPublic(t chat.TenantID) string { return fmt.Sprintf("overlay:%d", t) }

// StatusPayload is the body of chat:status.
type StatusPayload struct {
	Running bool      `json:"running"`
	VideoID string    `json:"videoId,omitempty"`
	Mode    chat.Mode `json:"mode,omitempty"`
	Message string    `json:"message"`
}

// ErrorPayload is the body of chat:error.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Dispatcher is the routing layer between the pool event channel and an
// Emitter. It keeps no state of its own.
type Dispatcher struct {
	emitter Emitter
	log     *slog.Logger
}

// NewDispatcher returns a dispatcher writing to emitter.
func NewDispatcher(emitter Emitter, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{emitter: emitter, log: log.With(slog.String("component", "fanout"))}
}

// Run dispatches events until ctx is done or events is closed.
func (d *Dispatcher) Run(ctx context.Context, events <-chan chat.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			d.Dispatch(ev)
		}
	}
}

// Dispatch routes a single event.
func (d *Dispatcher) Dispatch(ev chat.Event) {
	op, pub := GroupOperator(ev.Tenant), GroupPublic(ev.Tenant)
	switch ev.Kind {
	case chat.EventStarted:
		d.emit(op, EventStatus, StatusPayload{Running: true, VideoID: ev.VideoID, Mode: ev.Mode, Message: "Chat connected"})
		d.emit(pub, EventStatus, StatusPayload{Running: true, VideoID: ev.VideoID, Message: "Live"})
	case chat.EventMessage:
		if ev.Message == nil {
			return
		}
		d.emit(op, EventMessage, ev.Message)
		d.emit(pub, EventMessage, ev.Message)
	case chat.EventEnded:
		msg := "Stream ended"
		if ev.Reason != "" {
			msg += ": " + ev.Reason
		}
		d.emit(op, EventStatus, StatusPayload{Message: msg})
		d.emit(pub, EventStatus, StatusPayload{Message: "Stream ended"})
		d.emit(op, EventNotification, chat.Notification{
			Type:    "warning",
			Title:   "Stream Ended",
			Message: "Live stream ended. Will reconnect automatically when you go live again.",
		})
	case chat.EventStopped:
		d.emit(op, EventStatus, StatusPayload{Message: "Chat stopped"})
		d.emit(pub, EventStatus, StatusPayload{Message: "Stopped"})
	case chat.EventError:
		msg := "unknown error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		d.emit(op, EventError, ErrorPayload{Message: msg})
	case chat.EventNotification:
		if ev.Notification != nil {
			d.emit(op, EventNotification, ev.Notification)
		}
	case chat.EventStats:
		d.emit(op, EventStats, ev.Stats)
	case chat.EventPoolStats:
		if ev.Pool != nil {
			d.emit(GroupAdmin, EventPoolStats, ev.Pool)
		}
	default:
		d.log.Debug("fanout: unroutable event", slog.String("kind", ev.Kind.String()))
	}
}

func (d *Dispatcher) emit(group, event string, payload any) {
	telemetry.IncCounter(telemetry.FanoutEvents, event)
	d.emitter.EmitToGroup(group, event, payload)
}

// Multi fans a single emit out to several emitters.
type Multi []Emitter

func (m Multi) EmitToGroup(group, event string, payload any) {
	for _, e := range m {
		if e != nil {
			e.EmitToGroup(group, event, payload)
		}
	}
}
