package sampleresults

import (
	"context"
	"time"
)

// The workflow owns no sample storage. Everything it reads or mutates
// remotely goes through these collaborators.

type SampleQuerier interface {
	SamplesByStatus(ctx context.Context, q SampleQuery) ([]*Sample, error)
	SampleByUUID(ctx context.Context, uuid string) (*Sample, error)
}

type StatusMutator interface {
	SetSampleStatus(ctx context.Context, change SampleStatusChange) error
}

type ConceptLookup interface {
	ConceptByUUID(ctx context.Context, uuid, projection string) (*Concept, error)
}

type ExternalTransmitter interface {
	SendLabResult(ctx context.Context, payload *Payload) (*TransmitResponse, error)
}

type SettingsSource interface {
	SettingValue(ctx context.Context, key string) (string, error)
}

type VisitLoader interface {
	VisitByUUID(ctx context.Context, uuid string) (*Visit, error)
}

// Confirmer obtains an operator decision for an irreversible action.
type Confirmer interface {
	Confirm(ctx context.Context, p Prompt) (Confirmation, error)
}

// StatusEventPublisher announces applied status changes to downstream consumers.
type StatusEventPublisher interface {
	PublishStatusChange(ctx context.Context, ev StatusChangeEvent) error
}

// Observer receives workflow outcomes for metrics.
type Observer interface {
	ObserveTransition(status string, err error)
	ObserveDispatch(outcome string, elapsed time.Duration)
	ObserveReconcile(outcome string)
}

type nopObserver struct{}

func (nopObserver) ObserveTransition(string, error)       {}
func (nopObserver) ObserveDispatch(string, time.Duration) {}
func (nopObserver) ObserveReconcile(string)               {}

type nopPublisher struct{}

func (nopPublisher) PublishStatusChange(context.Context, StatusChangeEvent) error { return nil }
