package services

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/voicelearn/backend/logger"
	ws "github.com/voicelearn/backend/websocket"
)

// LiveEventsHandler upgrades admin connections and subscribes them to their
// organization's events.
type LiveEventsHandler struct {
	hub      *ws.Hub
	upgrader websocket.Upgrader
	log      *logger.Logger
}

func NewLiveEventsHandler(hub *ws.Hub, allowedOrigins string, log *logger.Logger) *LiveEventsHandler {
	log = log.With("component", "live_events")
	return &LiveEventsHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, allowedOrigins, log)
			},
		},
		log: log,
	}
}

func (h *LiveEventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	orgID := p.OrganizationID
	if orgID == "" && p.IsSuperAdmin() {
		orgID = r.URL.Query().Get("organization_id")
	}
	if orgID == "" {
		writeError(w, http.StatusForbidden, "No organization to subscribe to")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	client := h.hub.RegisterClient(conn, p.User.ID, orgID)
	h.log.Info("Live events subscribed", "user_id", p.User.ID, "organization_id", orgID)

	go client.WritePump()
	go client.ReadPump()
}

// CheckOrigin reports whether the request's Origin is in the comma-separated allow list.
// An empty list denies every origin.
func CheckOrigin(r *http.Request, allowedOriginsStr string) bool {
	return checkOrigin(r, allowedOriginsStr, logger.Nop())
}

func checkOrigin(r *http.Request, allowedOriginsStr string, log *logger.Logger) bool {
	origin := r.Header.Get("Origin")

	if allowedOriginsStr == "" {
		log.Warn("WebSocket connection rejected: no allowed origins configured", "origin", origin)
		return false
	}

	for _, allowed := range strings.Split(allowedOriginsStr, ",") {
		if strings.TrimSpace(allowed) == origin {
			return true
		}
	}

	log.Warn("WebSocket connection rejected: origin not allowed", "origin", origin, "allowed_origins", allowedOriginsStr)
	return false
}
