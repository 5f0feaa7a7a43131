package types

import "time"

// Speaker identifies which side of the call produced an utterance
type Speaker string

const (
	SpeakerAgent    Speaker = "agent"
	SpeakerCustomer Speaker = "customer"
)

// TranscriptTurn is one utterance of a call. Immutable once created.
type TranscriptTurn struct {
	ID              string    `json:"id"`
	CallID          string    `json:"callId"`
	Speaker         Speaker   `json:"speaker"`
	Text            string    `json:"text"`
	Confidence      float64   `json:"confidence"`
	SequenceNumber  int       `json:"sequenceNumber"`
	Timestamp       time.Time `json:"timestamp"`
	ExternalEventID string    `json:"-"`
	Final           bool      `json:"-"`
}

// TranscriptRecord is the persisted form of one turn. SeqKey is the
// zero-padded sequence number so lexicographic range-key order matches
// numeric order.
type TranscriptRecord struct {
	CallID     string  `dynamodbav:"CallID" json:"callId"`
	SeqKey     string  `dynamodbav:"SeqKey" json:"seqKey"`
	TurnID     string  `dynamodbav:"TurnID" json:"turnId"`
	Speaker    string  `dynamodbav:"Speaker" json:"speaker"`
	Text       string  `dynamodbav:"Text" json:"text"`
	Confidence float64 `dynamodbav:"Confidence" json:"confidence"`
	Timestamp  string  `dynamodbav:"Timestamp,omitempty" json:"timestamp,omitempty"`
}

// Window is a bounded, ordered batch of turns for one AI-analysis pass.
// It exists only between the windower and the dispatcher.
type Window struct {
	CallID string
	Turns  []TranscriptTurn
}
