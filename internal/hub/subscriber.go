package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/livecall/backend/internal/config"
	"github.com/livecall/backend/internal/types"
	"github.com/rs/zerolog"
)

// sendQueueSize bounds the per-subscriber outgoing queue
const sendQueueSize = 32

// ClientMessages handles frames arriving from a subscriber
type ClientMessages interface {
	HandleFeedback(fb types.DocumentFeedback)
	// HandleSummaryRequest produces an on-demand conversation summary
	// for the call; it may take collaborator-call time
	HandleSummaryRequest(callID string, count int) (types.ConversationSummaryReply, error)
}

// Subscriber is one live realtime connection registered under a channel
type Subscriber struct {
	id      string
	channel string
	agentID string

	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	closed   bool
	mu       sync.Mutex
	config   *config.Config
	logger   zerolog.Logger
	messages ClientMessages
}

// NewSubscriber creates a subscriber for an upgraded connection
func NewSubscriber(h *Hub, conn *websocket.Conn, agentID string, cfg *config.Config, messages ClientMessages, logger zerolog.Logger) *Subscriber {
	id := uuid.New().String()
	return &Subscriber{
		id:       id,
		agentID:  agentID,
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendQueueSize),
		config:   cfg,
		messages: messages,
		logger:   logger.With().Str("subscriber_id", id).Logger(),
	}
}

// enqueue attempts a non-blocking send; false means the queue is full
// or the subscriber is closed
func (s *Subscriber) enqueue(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// Send marshals and enqueues a personal envelope for this subscriber only
func (s *Subscriber) Send(env types.Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Error().Err(err).Str("event", env.Event).Msg("failed to marshal envelope")
		return false
	}
	return s.enqueue(data)
}

// close shuts the send queue exactly once
func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// Start starts the subscriber's read and write pumps
func (s *Subscriber) Start() {
	go s.writePump()
	go s.readPump()
}

// readPump pumps messages from the websocket connection to the handler.
//
// The application runs readPump in a per-connection goroutine. The
// application ensures that there is at most one reader on a connection
// by executing all reads from this goroutine.
func (s *Subscriber) readPump() {
	defer func() {
		s.hub.Unsubscribe(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(s.config.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Msg("websocket read error")
			}
			break
		}
		s.handleFrame(message)
	}
}

// handleFrame dispatches one client → server frame
func (s *Subscriber) handleFrame(message []byte) {
	var frame types.ClientFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		s.logger.Debug().Err(err).Msg("discarding unparseable client frame")
		return
	}

	switch frame.Event {
	case types.MsgPing:
		s.Send(types.Envelope{Event: types.MsgPong, Data: frame.Data})

	case types.MsgDocFeedback:
		fb := types.DocumentFeedback{
			CallID:  s.channel,
			AgentID: s.agentID,
		}
		if v, ok := frame.Data["doc_id"].(string); ok {
			fb.DocumentID = v
		}
		if v, ok := frame.Data["helpful"].(bool); ok {
			fb.Helpful = v
		}
		if fb.DocumentID == "" {
			return
		}
		s.messages.HandleFeedback(fb)
		s.Send(types.Envelope{
			Event: types.MsgFeedbackReceived,
			Data:  map[string]string{"doc_id": fb.DocumentID},
		})

	case types.MsgConversationSummary:
		callID, _ := frame.Data["call_id"].(string)
		if callID == "" {
			callID = s.channel
		}
		count := 0
		if v, ok := frame.Data["count"].(float64); ok {
			count = int(v)
		}
		// The summary needs a collaborator round trip; keep the read
		// loop free while it runs
		go func() {
			reply, err := s.messages.HandleSummaryRequest(callID, count)
			if err != nil {
				s.logger.Warn().Err(err).Str("call_id", callID).Msg("conversation summary failed")
				return
			}
			s.Send(types.Envelope{Event: types.MsgConversationSummary, Data: reply})
		}()

	default:
		s.logger.Debug().Str("event", frame.Event).Msg("unknown client event")
	}
}

// writePump pumps messages from the hub to the websocket connection.
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection
// by executing all writes from this goroutine.
func (s *Subscriber) writePump() {
	ticker := time.NewTicker(s.config.PingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteWait))
			if !ok {
				// The hub closed the queue
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
