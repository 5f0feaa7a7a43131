package search

import (
	"context"

	"github.com/livecall/backend/internal/types"
)

// NoopSearcher is used when no document database is configured.
// Suggestions degrade to empty document lists.
type NoopSearcher struct{}

func NewNoopSearcher() *NoopSearcher { return &NoopSearcher{} }

func (s *NoopSearcher) Search(_ context.Context, _ string, _ int, _ float64) ([]types.RankedDocument, error) {
	return nil, nil
}

func (s *NoopSearcher) Close() {}
