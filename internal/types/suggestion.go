package types

import "time"

// RankedDocument is one search hit surfaced to the agent
type RankedDocument struct {
	DocumentID string            `json:"documentId"`
	Title      string            `json:"title"`
	Content    string            `json:"content,omitempty"`
	Category   string            `json:"category,omitempty"`
	Similarity float64           `json:"similarity"`
	Score      float64           `json:"score"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// AssistanceSuggestion is the dispatcher's output for one window
type AssistanceSuggestion struct {
	CallID    string           `json:"callId"`
	Documents []RankedDocument `json:"documents"`
	Summary   string           `json:"summary,omitempty"`
	Topics    []string         `json:"topics,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

// CallSummary is the whole-call wrap-up produced when a call ends
type CallSummary struct {
	CallID         string   `json:"callId"`
	Summary        string   `json:"summary"`
	KeyTopics      []string `json:"keyTopics"`
	Sentiment      string   `json:"sentiment"`
	SentimentScore float64  `json:"sentimentScore"`
	ActionItems    []string `json:"actionItems"`
	TurnCount      int      `json:"turnCount"`
}

// DocumentFeedback records an agent's verdict on a surfaced document
type DocumentFeedback struct {
	CallID     string `json:"callId"`
	DocumentID string `json:"docId"`
	AgentID    string `json:"agentId"`
	Helpful    bool   `json:"helpful"`
}
