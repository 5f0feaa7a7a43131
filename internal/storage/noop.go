package storage

import "github.com/livecall/backend/internal/types"

// Store defines the storage interface
type Store interface {
	SaveCallRecord(record types.CallRecord) error
	SaveTranscriptTurn(turn types.TranscriptTurn) error
	GetCallRecords(dateKey string) ([]types.CallRecord, error)
	GetTranscriptTurns(callID string) ([]types.TranscriptRecord, error)
}

// NoopStore is a no-op implementation when DynamoDB is disabled
type NoopStore struct{}

func NewNoopStore() *NoopStore { return &NoopStore{} }

func (s *NoopStore) SaveCallRecord(_ types.CallRecord) error                       { return nil }
func (s *NoopStore) SaveTranscriptTurn(_ types.TranscriptTurn) error               { return nil }
func (s *NoopStore) GetCallRecords(_ string) ([]types.CallRecord, error)           { return nil, nil }
func (s *NoopStore) GetTranscriptTurns(_ string) ([]types.TranscriptRecord, error) { return nil, nil }
