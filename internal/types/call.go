package types

import "time"

// CallStatus represents the lifecycle state of a call session
type CallStatus string

const (
	CallStatusPending CallStatus = "pending" // Created, no network activity yet
	CallStatusRinging CallStatus = "ringing" // Remote party is being alerted
	CallStatusActive  CallStatus = "active"  // Call answered, media flowing
	CallStatusEnding  CallStatus = "ending"  // Hangup requested, not yet confirmed
	CallStatusEnded   CallStatus = "ended"   // Terminal: call finished normally
	CallStatusFailed  CallStatus = "failed"  // Terminal: call never completed
)

// IsTerminal reports whether the status admits no further transitions
func (s CallStatus) IsTerminal() bool {
	return s == CallStatusEnded || s == CallStatusFailed
}

// statusRank orders statuses along the normal lifecycle path. Terminal
// statuses rank highest so they dominate under event reordering.
var statusRank = map[CallStatus]int{
	CallStatusPending: 0,
	CallStatusRinging: 1,
	CallStatusActive:  2,
	CallStatusEnding:  3,
	CallStatusEnded:   4,
	CallStatusFailed:  4,
}

// Rank returns the lifecycle ordering of the status
func (s CallStatus) Rank() int {
	return statusRank[s]
}

// Direction indicates who initiated the call
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ListeningMode selects which side of the call is transcribed
type ListeningMode string

const (
	ListenAgent    ListeningMode = "agent"
	ListenCustomer ListeningMode = "customer"
	ListenBoth     ListeningMode = "both"
)

// CallSession is the authoritative record for one real-world call.
// Exactly one session exists per call regardless of which identifier
// (telephony or WebRTC) arrived first. Owned exclusively by the
// reconciler; all other components receive copies.
type CallSession struct {
	ID             string        `json:"id"`
	ExternalCallID string        `json:"externalCallId,omitempty"`
	WebRTCCallID   string        `json:"webrtcCallId,omitempty"`
	Direction      Direction     `json:"direction,omitempty"`
	Status         CallStatus    `json:"status"`
	ListeningMode  ListeningMode `json:"listeningMode"`
	PhoneNumber    string        `json:"phoneNumber,omitempty"`
	AgentID        string        `json:"agentId,omitempty"`
	StartTime      *time.Time    `json:"startTime,omitempty"`
	AnswerTime     *time.Time    `json:"answerTime,omitempty"`
	EndTime        *time.Time    `json:"endTime,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// DurationSeconds returns the answered talk time, or zero when unknown
func (c *CallSession) DurationSeconds() int {
	if c.AnswerTime == nil || c.EndTime == nil {
		return 0
	}
	return int(c.EndTime.Sub(*c.AnswerTime).Seconds())
}

// Recording holds completion metadata for a call recording.
// Informational only; it never affects call processing.
type Recording struct {
	RecordingID string `json:"recordingId"`
	CallID      string `json:"callId"`
	URL         string `json:"url"`
	Format      string `json:"format"`
	Stereo      bool   `json:"stereo"`
	Direction   string `json:"direction"`
	State       string `json:"state"`
}

// CallRecord is the persisted form of a finished call session
type CallRecord struct {
	CallID          string `dynamodbav:"CallID" json:"callId"`
	DateKey         string `dynamodbav:"DateKey" json:"dateKey"`
	ExternalCallID  string `dynamodbav:"ExternalCallID" json:"externalCallId"`
	WebRTCCallID    string `dynamodbav:"WebRTCCallID,omitempty" json:"webrtcCallId,omitempty"`
	PhoneNumber     string `dynamodbav:"PhoneNumber,omitempty" json:"phoneNumber,omitempty"`
	AgentID         string `dynamodbav:"AgentID,omitempty" json:"agentId,omitempty"`
	Direction       string `dynamodbav:"Direction,omitempty" json:"direction,omitempty"`
	Status          string `dynamodbav:"Status" json:"status"`
	StartTime       string `dynamodbav:"StartTime,omitempty" json:"startTime,omitempty"`
	EndTime         string `dynamodbav:"EndTime,omitempty" json:"endTime,omitempty"`
	DurationSeconds int    `dynamodbav:"DurationSeconds" json:"durationSeconds"`
	TurnCount       int    `dynamodbav:"TurnCount" json:"turnCount"`
}
