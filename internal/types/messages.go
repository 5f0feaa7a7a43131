package types

// Realtime protocol: every frame is an {event, data} envelope. Channel
// addressing is by call id, or the sentinel "general" channel.

// GeneralChannel receives events not scoped to a single call
const GeneralChannel = "general"

// Server → client event names
const (
	MsgTranscriptionUpdate = "transcription:update"
	MsgCallStatus          = "call:status"
	MsgAISuggestion        = "ai:suggestion"
	MsgConversationSummary = "conversation:summary"
	MsgCallSummary         = "call:summary"
	MsgRecordingAvailable  = "recording:available"
	MsgConnectionSuccess   = "connection:success"
	MsgFeedbackReceived    = "feedback:received"
	MsgPong                = "pong"
)

// Client → server event names
const (
	MsgDocFeedback = "doc:feedback"
	MsgPing        = "ping"
	// MsgConversationSummary doubles as the client-side request
)

// Envelope is the wire form of every realtime frame
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// ClientFrame is the decoded form of a client → server frame
type ClientFrame struct {
	Event string                 `json:"event"`
	Data  map[string]interface{} `json:"data"`
}

// TranscriptionUpdate is the payload of transcription:update
type TranscriptionUpdate struct {
	CallID          string  `json:"call_id"`
	TranscriptionID string  `json:"transcription_id"`
	Speaker         Speaker `json:"speaker"`
	Text            string  `json:"text"`
	Confidence      float64 `json:"confidence"`
	SequenceNumber  int     `json:"sequence_number"`
	Timestamp       string  `json:"timestamp"`
}

// StatusUpdate is the payload of call:status
type StatusUpdate struct {
	CallID    string     `json:"call_id"`
	Status    CallStatus `json:"status"`
	CallState string     `json:"call_state,omitempty"`
}

// ConnectionSuccess is sent once after a subscriber attaches
type ConnectionSuccess struct {
	CallID  string `json:"call_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	Message string `json:"message"`
}

// ConversationSummaryReply answers a client conversation:summary request
type ConversationSummaryReply struct {
	CallID  string `json:"call_id"`
	Summary string `json:"summary"`
	Count   int    `json:"count"`
}

// RecordingAvailable is the payload of recording:available
type RecordingAvailable struct {
	CallID       string `json:"call_id"`
	RecordingID  string `json:"recording_id"`
	RecordingURL string `json:"recording_url"`
	Format       string `json:"format"`
}
