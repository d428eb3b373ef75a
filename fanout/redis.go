package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// envelope is the wire form of a mirrored emit.
type envelope struct {
	Origin  string          `json:"origin"`
	Group   string          `json:"group"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// RedisMirror publishes every emit to a Redis channel per group so that
// subscribers connected to other instances receive it too. Relay delivers
// emits published by other instances to a local Emitter.
type RedisMirror struct {
	rdb    redis.UniversalClient
	prefix string
	origin string
	log    *slog.Logger
}

// NewRedisMirror returns a mirror publishing on prefix+group channels.
func NewRedisMirror(rdb redis.UniversalClient, prefix string, log *slog.Logger) *RedisMirror {
	if prefix == "" {
		prefix = "chatpool:"
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisMirror{
		rdb:    rdb,
		prefix: prefix,
		origin: uuid.NewString(),
		log:    log.With(slog.String("component", "fanout_redis")),
	}
}

// Origin identifies this instance in published envelopes.
func (m *RedisMirror) Origin() string { return m.origin }

// EmitToGroup publishes the emit. Failures are logged; local delivery does
// not depend on Redis.
func (m *RedisMirror) EmitToGroup(group, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		m.log.Warn("redis mirror: encode payload", slog.String("event", event), slog.Any("err", err))
		return
	}
	body, err := json.Marshal(envelope{Origin: m.origin, Group: group, Event: event, Payload: raw})
	if err != nil {
		return
	}
	if err := m.rdb.Publish(context.Background(), m.prefix+group, body).Err(); err != nil {
		m.log.Warn("redis mirror: publish failed", slog.String("group", group), slog.Any("err", err))
	}
}

// Relay subscribes to every group channel and re-emits envelopes from other
// instances on local until ctx is done.
func (m *RedisMirror) Relay(ctx context.Context, local Emitter) error {
	sub := m.rdb.PSubscribe(ctx, m.prefix+"*")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	m.log.Info("redis mirror: relaying", slog.String("pattern", m.prefix+"*"))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			m.deliver(msg, local)
		}
	}
}

func (m *RedisMirror) deliver(msg *redis.Message, local Emitter) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		m.log.Debug("redis mirror: bad envelope", slog.String("channel", msg.Channel), slog.Any("err", err))
		return
	}
	if env.Origin == m.origin {
		return
	}
	if env.Group == "" {
		env.Group = strings.TrimPrefix(msg.Channel, m.prefix)
	}
	local.EmitToGroup(env.Group, env.Event, env.Payload)
}
