package hub

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/livecall/backend/internal/auth"
	"github.com/livecall/backend/internal/config"
	"github.com/livecall/backend/internal/metrics"
	"github.com/livecall/backend/internal/types"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by the CORS layer in front
		return true
	},
}

// Handler upgrades realtime connections and attaches them to a channel
type Handler struct {
	hub      *Hub
	config   *config.Config
	messages ClientMessages
	logger   zerolog.Logger
}

// NewHandler creates a new realtime connection handler
func NewHandler(h *Hub, cfg *config.Config, messages ClientMessages, logger zerolog.Logger) *Handler {
	return &Handler{
		hub:      h,
		config:   cfg,
		messages: messages,
		logger:   logger,
	}
}

// ServeHTTP handles WebSocket upgrade requests. Clients select a channel
// with ?call_id=; absent means the general channel.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims := auth.FromContext(r.Context())
	agentID := ""
	if claims != nil {
		agentID = claims.Subject
	}

	callID := r.URL.Query().Get("call_id")
	channelKey := callID
	if channelKey == "" {
		channelKey = types.GeneralChannel
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	sub := NewSubscriber(h.hub, conn, agentID, h.config, h.messages, h.logger)
	h.hub.Subscribe(channelKey, sub)
	sub.Start()

	metrics.Get().RecordConnection()

	message := "Connected to general updates"
	if callID != "" {
		message = "Connected to real-time updates"
	}
	sub.Send(types.Envelope{
		Event: types.MsgConnectionSuccess,
		Data: types.ConnectionSuccess{
			CallID:  callID,
			AgentID: agentID,
			Message: message,
		},
	})
}
