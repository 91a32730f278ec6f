package realtime

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// CloseAuthFailed is sent when the handshake credential is rejected.
const CloseAuthFailed = 4401

const defaultMaxMessageSize = 1 << 20

// Handler upgrades HTTP requests into hub sessions.
type Handler struct {
	hub            *Hub
	auth           Authenticator
	upgrader       websocket.Upgrader
	maxMessageSize int64
	log            *zap.Logger
}

func NewHandler(hub *Hub, auth Authenticator, maxMessageSize int64, log *zap.Logger) *Handler {
	if maxMessageSize <= 0 {
		maxMessageSize = defaultMaxMessageSize
	}
	return &Handler{
		hub:  hub,
		auth: auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers authenticate with a bearer token, not cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		maxMessageSize: maxMessageSize,
		log:            log.Named("ws"),
	}
}

// tokenFrom reads the credential from the Authorization header, falling back
// to the token query parameter.
func tokenFrom(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
			return strings.TrimSpace(header[7:])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	userID, err := h.auth.UserIDFromToken(r.Context(), tokenFrom(r))
	if err != nil || userID == "" {
		connectionsTotal.WithLabelValues("rejected").Inc()
		msg := websocket.FormatCloseMessage(CloseAuthFailed, "authentication failed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	client := newClient(h.hub, conn, userID)
	if err := h.hub.join(client); err != nil {
		connectionsTotal.WithLabelValues("unavailable").Inc()
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shutting down")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}
	connectionsTotal.WithLabelValues("accepted").Inc()

	go client.writePump()
	client.readPump(h.maxMessageSize)
}
