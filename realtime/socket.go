package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/onnwee/chatpool/chat"
	"github.com/onnwee/chatpool/fanout"
)

// historyOnJoin is how many recent messages a joining subscriber receives.
const historyOnJoin = 50

// Commands is the slice of the pool the socket protocol needs.
type Commands interface {
	Start(ctx context.Context, tenant chat.TenantID, input string) (chat.Target, error)
	Stop(ctx context.Context, tenant chat.TenantID)
	Status(tenant chat.TenantID) chat.Status
	Messages(tenant chat.TenantID, limit int) []chat.Message
}

type startRequest struct {
	VideoID string `json:"videoId"`
}

// ServeDashboard upgrades an operator connection, joins it to the tenant's
// operator group (and the admin group for administrators), sends the current
// status, history and stats, and then handles chat:start and chat:stop.
func (h *Hub) ServeDashboard(w http.ResponseWriter, r *http.Request, tenant chat.TenantID, admin bool, cmds Commands) {
	c, err := h.Upgrade(w, r)
	if err != nil {
		h.log.Debug("realtime: upgrade failed", slog.Any("err", err))
		return
	}
	h.JoinGroup(c.ID(), fanout.GroupOperator(tenant))
	if admin {
		h.JoinGroup(c.ID(), fanout.GroupAdmin)
	}

	st := cmds.Status(tenant)
	msg := "Waiting"
	if st.Running {
		msg = "Chat active"
	}
	c.Send(fanout.EventStatus, fanout.StatusPayload{Running: st.Running, VideoID: st.VideoID, Mode: st.Mode, Message: msg})
	if history := cmds.Messages(tenant, historyOnJoin); len(history) > 0 {
		c.Send(fanout.EventHistory, history)
	}
	c.Send(fanout.EventStats, st.Stats)

	ctx := context.WithoutCancel(r.Context())
	c.Serve(func(env Envelope) {
		switch env.Type {
		case "chat:start":
			var req startRequest
			if err := json.Unmarshal(env.Payload, &req); err != nil || req.VideoID == "" {
				c.Send(fanout.EventError, fanout.ErrorPayload{Message: "videoId is required"})
				return
			}
			if _, err := cmds.Start(ctx, tenant, req.VideoID); err != nil {
				c.Send(fanout.EventError, fanout.ErrorPayload{Message: err.Error()})
			}
		case "chat:stop":
			cmds.Stop(ctx, tenant)
		default:
			c.Send(fanout.EventError, fanout.ErrorPayload{Message: "unknown command " + env.Type})
		}
	})
}

// ServeOverlay upgrades a public connection, joins it to the tenant's public
// group and sends the coarse status and history. Overlays cannot send commands.
func (h *Hub) ServeOverlay(w http.ResponseWriter, r *http.Request, tenant chat.TenantID, cmds Commands) {
	c, err := h.Upgrade(w, r)
	if err != nil {
		h.log.Debug("realtime: upgrade failed", slog.Any("err", err))
		return
	}
	h.JoinGroup(c.ID(), fanout.GroupPublic(tenant))

	st := cmds.Status(tenant)
	msg := "Waiting"
	if st.Running {
		msg = "Live"
	}
	c.Send(fanout.EventStatus, fanout.StatusPayload{Running: st.Running, VideoID: st.VideoID, Message: msg})
	if history := cmds.Messages(tenant, historyOnJoin); len(history) > 0 {
		c.Send(fanout.EventHistory, history)
	}
	c.Serve(nil)
}
