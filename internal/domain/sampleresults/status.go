package sampleresults

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// sampleTransitions lists the moves this workflow may make. Samples reach
// COMPLETED upstream; everything reachable from it is terminal here.
var sampleTransitions = map[Status][]Status{
	StatusCompleted:          {StatusReleased, StatusRestricted, StatusResultsIntegration},
	StatusReleased:           {},
	StatusRestricted:         {},
	StatusResultsIntegration: {},
}

// NormalizeStatus upper-cases a status reported by the query collaborator.
func NormalizeStatus(s string) Status {
	return Status(strings.ToUpper(strings.TrimSpace(s)))
}

// ValidateTransition checks that a sample in status from may move to to.
func ValidateTransition(from, to Status) error {
	allowed, ok := sampleTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown from-status %q", ErrInvalidTransition, from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
}

// StatusController applies sample status transitions through the
// status-mutation collaborator and records each applied one.
type StatusController struct {
	mutator  StatusMutator
	history  StatusHistoryRepository
	events   StatusEventPublisher
	observer Observer
	logger   zerolog.Logger
	now      func() time.Time
}

func NewStatusController(mutator StatusMutator, history StatusHistoryRepository, logger zerolog.Logger) *StatusController {
	return &StatusController{
		mutator:  mutator,
		history:  history,
		events:   nopPublisher{},
		observer: nopObserver{},
		logger:   logger,
		now:      time.Now,
	}
}

func (c *StatusController) SetEventPublisher(p StatusEventPublisher) {
	if p != nil {
		c.events = p
	}
}

func (c *StatusController) SetObserver(o Observer) {
	if o != nil {
		c.observer = o
	}
}

// Apply validates the move from current to change.Status and issues the
// mutation. A rejected mutation comes back as a *TransportError.
func (c *StatusController) Apply(ctx context.Context, change SampleStatusChange, current Status, label string) error {
	if err := ValidateTransition(current, change.Status); err != nil {
		c.observer.ObserveTransition(string(change.Status), err)
		return err
	}
	return c.issue(ctx, change, current, label)
}

func (c *StatusController) issue(ctx context.Context, change SampleStatusChange, current Status, label string) error {
	if change.Category == "" {
		change.Category = string(change.Status)
	}
	log := c.logger.With().
		Str("sample_uuid", change.SampleUUID).
		Str("from", string(current)).
		Str("to", string(change.Status)).
		Logger()

	if err := c.mutator.SetSampleStatus(ctx, change); err != nil {
		log.Error().Err(err).Msg("sample status mutation failed")
		terr := &TransportError{Op: "set sample status", Err: err}
		c.observer.ObserveTransition(string(change.Status), terr)
		return terr
	}
	c.observer.ObserveTransition(string(change.Status), nil)
	log.Info().Str("user_uuid", change.UserUUID).Msg("sample status changed")

	changedAt := c.now()
	if c.history != nil {
		h := &StatusHistory{
			SampleUUID: change.SampleUUID,
			FromStatus: string(current),
			ToStatus:   string(change.Status),
			ChangedBy:  change.UserUUID,
			ChangedAt:  changedAt,
		}
		if change.Remarks != "" {
			remarks := change.Remarks
			h.Remarks = &remarks
		}
		if err := c.history.Create(ctx, h); err != nil {
			log.Warn().Err(err).Msg("record status history")
		}
	}

	ev := StatusChangeEvent{
		SampleUUID:  change.SampleUUID,
		SampleLabel: label,
		FromStatus:  current,
		ToStatus:    change.Status,
		ChangedBy:   change.UserUUID,
		Remarks:     change.Remarks,
		OccurredAt:  changedAt,
	}
	if err := c.events.PublishStatusChange(ctx, ev); err != nil {
		log.Warn().Err(err).Msg("publish status change")
	}
	return nil
}

// History returns the recorded transitions for a sample, newest first.
func (c *StatusController) History(ctx context.Context, sampleUUID string) ([]*StatusHistory, error) {
	if c.history == nil {
		return nil, nil
	}
	return c.history.ListBySample(ctx, sampleUUID)
}
