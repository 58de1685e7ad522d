package sampleresults

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// IntentRepository stores dispatch intents. A sample has at most one
// unfinished intent: Create fails with ErrDispatchInFlight otherwise.
type IntentRepository interface {
	Create(ctx context.Context, in *DispatchIntent) error
	Update(ctx context.Context, in *DispatchIntent) error
	GetByID(ctx context.Context, id uuid.UUID) (*DispatchIntent, error)
	ListByState(ctx context.Context, states []IntentState, limit, offset int) ([]*DispatchIntent, error)
	CountByState(ctx context.Context, states []IntentState) (int, error)
	ListBySample(ctx context.Context, sampleUUID string) ([]*DispatchIntent, error)

	// ListClaimable returns intents a retry may take over, oldest first.
	ListClaimable(ctx context.Context, staleBefore time.Time, limit int) ([]*DispatchIntent, error)
	// Claim atomically moves a claimable intent to IN_FLIGHT and returns it.
	// It fails with ErrDispatchInFlight when the intent is not claimable.
	Claim(ctx context.Context, id uuid.UUID, staleBefore time.Time) (*DispatchIntent, error)
}

type StatusHistoryRepository interface {
	Create(ctx context.Context, h *StatusHistory) error
	ListBySample(ctx context.Context, sampleUUID string) ([]*StatusHistory, error)
}
