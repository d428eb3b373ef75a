package chat

import (
	"context"
	"sync"
)

// StreamEventKind enumerates the events an upstream stream delivers.
type StreamEventKind int

const (
	StreamChat StreamEventKind = iota
	StreamEnd
	StreamError
)

// StreamEvent is one item received from an upstream stream.
type StreamEvent struct {
	Kind   StreamEventKind
	Chat   RawEvent // StreamChat
	Reason string   // StreamEnd
	Err    error    // StreamError
}

// Stream is a live upstream chat connection. Events is closed once the
// stream is closed or has terminated; Close must not block on consumers and
// may be called more than once.
type Stream interface {
	VideoID() string
	Events() <-chan StreamEvent
	Close() error
}

// Provider connects to an upstream live chat service. Connect returns once
// the broadcast is confirmed live. ctx bounds the handshake only; the
// returned stream lives until closed. Targets without a VideoID must be
// resolved from their Channel. Errors should wrap ErrInvalidTarget or
// ErrNotLive where applicable.
type Provider interface {
	Connect(ctx context.Context, target Target) (Stream, error)
}

// Feed is a building block for Stream implementations. Producers call Send
// from any goroutine; the consumer reads Events until Close. Sends after
// Close are dropped instead of panicking.
type Feed struct {
	in   chan StreamEvent
	out  chan StreamEvent
	done chan struct{}
	once sync.Once
}

// NewFeed starts a feed with the given send buffer.
func NewFeed(buffer int) *Feed {
	f := &Feed{
		in:   make(chan StreamEvent, buffer),
		out:  make(chan StreamEvent),
		done: make(chan struct{}),
	}
	go f.forward()
	return f
}

func (f *Feed) forward() {
	defer close(f.out)
	for {
		select {
		case ev := <-f.in:
			select {
			case f.out <- ev:
			case <-f.done:
				return
			}
		case <-f.done:
			return
		}
	}
}

// Send queues ev for the consumer. It blocks while the buffer is full and
// returns false once the feed is closed.
func (f *Feed) Send(ev StreamEvent) bool {
	select {
	case <-f.done:
		return false
	default:
	}
	select {
	case f.in <- ev:
		return true
	case <-f.done:
		return false
	}
}

// Events returns the consumer side of the feed.
func (f *Feed) Events() <-chan StreamEvent { return f.out }

// Done is closed when the feed is closed.
func (f *Feed) Done() <-chan struct{} { return f.done }

// Close stops delivery. Queued events that were not consumed are dropped.
func (f *Feed) Close() {
	f.once.Do(func() { close(f.done) })
}
