package sampleresults

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// MsgLookupFailed is shown when the concept lookup itself fails.
const MsgLookupFailed = "Result mapping could not be checked, try again"

// DefaultDispatchLease is how long an IN_FLIGHT claim holds before a
// retry may take the intent over.
const DefaultDispatchLease = 5 * time.Minute

type DispatchConfig struct {
	ReferenceConceptID string
	MessageTTL         time.Duration
	// Lease must outlast one round of legs including client retries.
	Lease time.Duration
}

// DispatchCoordinator sends a sample's latest coded result to the partner
// tracker and moves the sample to RESULTS_INTEGRATION. The transmission and
// the status mutation are issued together and joined; a DispatchIntent is
// persisted first so a half-finished dispatch can be reconciled.
type DispatchCoordinator struct {
	gate        *ConfirmationGate
	resolver    *MappingResolver
	transmitter ExternalTransmitter
	status      *StatusController
	intents     IntentRepository
	cfg         DispatchConfig
	observer    Observer
	logger      zerolog.Logger
	now         func() time.Time
}

func NewDispatchCoordinator(
	gate *ConfirmationGate,
	resolver *MappingResolver,
	transmitter ExternalTransmitter,
	status *StatusController,
	intents IntentRepository,
	cfg DispatchConfig,
	logger zerolog.Logger,
) *DispatchCoordinator {
	if cfg.ReferenceConceptID == "" {
		cfg.ReferenceConceptID = ReferenceConceptUUID
	}
	if cfg.MessageTTL <= 0 {
		cfg.MessageTTL = DefaultMessageTTL
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultDispatchLease
	}
	return &DispatchCoordinator{
		gate:        gate,
		resolver:    resolver,
		transmitter: transmitter,
		status:      status,
		intents:     intents,
		cfg:         cfg,
		observer:    nopObserver{},
		logger:      logger,
		now:         time.Now,
	}
}

func (d *DispatchCoordinator) SetObserver(o Observer) {
	if o != nil {
		d.observer = o
	}
}

// Send runs the external dispatch for sample. Without confirmed it only
// marks the sample as awaiting confirmation. Mapping problems abort before
// any transmission and are reported on the session's message bus.
func (d *DispatchCoordinator) Send(ctx context.Context, s *Session, sample *Sample, confirmed bool, mappingSourceID string) (*DispatchIntent, error) {
	if err := d.gate.Require(ctx, s, sample.ID, confirmed); err != nil {
		return nil, err
	}
	start := d.now()
	log := d.logger.With().Str("sample_uuid", sample.ID).Str("user_uuid", s.UserID).Logger()

	if err := ValidateTransition(sample.Status, StatusResultsIntegration); err != nil {
		d.observer.ObserveDispatch("rejected", d.now().Sub(start))
		return nil, err
	}

	// Another operator's dispatch, or one awaiting retry, owns the sample.
	open, err := d.openIntent(ctx, sample.ID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		msg := MsgDispatchAwaitingRetry
		if open.State == IntentInFlight {
			msg = MsgDispatchInFlight
		}
		d.notify(ctx, s, sample.ID, msg)
		d.observer.ObserveDispatch("duplicate", d.now().Sub(start))
		return open, ErrDispatchInFlight
	}

	result, ok := SelectLatestResult(sample.Orders, d.cfg.ReferenceConceptID)
	if !ok || result.ValueCoded == nil || result.ValueCoded.UUID == "" {
		d.notify(ctx, s, sample.ID, MsgNoResult)
		d.observer.ObserveDispatch("no_result", d.now().Sub(start))
		return nil, ErrNoResult
	}

	code, err := d.resolver.Resolve(ctx, result.ValueCoded.UUID, mappingSourceID)
	switch {
	case errors.Is(err, ErrConfiguration):
		log.Warn().Str("concept_uuid", result.ValueCoded.UUID).Msg("result concept has no external mappings")
		d.notify(ctx, s, GlobalKey, MsgMissingMappings)
		d.observer.ObserveDispatch("configuration_error", d.now().Sub(start))
		return nil, err
	case errors.Is(err, ErrMappingGap):
		log.Warn().Str("concept_uuid", result.ValueCoded.UUID).Str("mapping_source", mappingSourceID).Msg("result not mapped for source")
		d.notify(ctx, s, sample.ID, MsgMappingGap)
		d.observer.ObserveDispatch("mapping_gap", d.now().Sub(start))
		return nil, err
	case err != nil:
		log.Error().Err(err).Msg("concept lookup failed")
		d.notify(ctx, s, sample.ID, MsgLookupFailed)
		d.observer.ObserveDispatch("lookup_failed", d.now().Sub(start))
		return nil, err
	}

	ext := sample.ExternalContext
	if ext == nil {
		ext = s.ExternalContext(sample.ID)
	}
	if ext == nil {
		d.notify(ctx, s, sample.ID, MsgNoExternalLink)
		d.observer.ObserveDispatch("no_external_context", d.now().Sub(start))
		return nil, ErrMissingExternalContext
	}

	if !s.BeginSaving(sample.ID) {
		d.notify(ctx, s, sample.ID, MsgDispatchInFlight)
		return nil, ErrDispatchInFlight
	}
	defer s.EndSaving(sample.ID)
	d.gate.Release(ctx, s, sample.ID)

	now := d.now()
	intent := newDispatchIntent(sample, s.UserID, result.UUID, code, BuildPayload(ext, code, now), now)
	if err := d.intents.Create(ctx, intent); err != nil {
		if errors.Is(err, ErrDispatchInFlight) {
			d.notify(ctx, s, sample.ID, MsgDispatchInFlight)
			d.observer.ObserveDispatch("duplicate", d.now().Sub(start))
			return nil, err
		}
		return nil, fmt.Errorf("persist dispatch intent: %w", err)
	}

	// Once issued the legs must run to completion even if the caller goes away.
	legCtx := context.WithoutCancel(ctx)
	resp, transmitErr, statusErr := d.runLegs(legCtx, intent, true, true)
	intent.RecordAttempt(true, transmitErr, resp, true, statusErr)
	if err := d.intents.Update(legCtx, intent); err != nil {
		log.Error().Err(err).Str("intent_id", intent.ID.String()).Msg("update dispatch intent")
	}

	joint := multierr.Combine(transmitErr, statusErr)
	d.observer.ObserveDispatch(outcomeLabel(intent.State), d.now().Sub(start))
	if joint != nil {
		log.Error().Err(joint).
			Str("intent_id", intent.ID.String()).
			Str("state", string(intent.State)).
			Msg("external dispatch incomplete")
		d.notify(legCtx, s, sample.ID, MsgDispatchFailed)
		return intent, joint
	}
	log.Info().Str("intent_id", intent.ID.String()).Str("code", code).Msg("result sent to external system")
	return intent, nil
}

// openIntent returns the sample's unfinished intent, if any.
func (d *DispatchCoordinator) openIntent(ctx context.Context, sampleUUID string) (*DispatchIntent, error) {
	items, err := d.intents.ListBySample(ctx, sampleUUID)
	if err != nil {
		return nil, fmt.Errorf("list dispatch intents: %w", err)
	}
	for _, in := range items {
		if !in.Finished() {
			return in, nil
		}
	}
	return nil, nil
}

// claim takes intent id over for one retry round.
func (d *DispatchCoordinator) claim(ctx context.Context, id uuid.UUID) (*DispatchIntent, error) {
	return d.intents.Claim(ctx, id, d.now().Add(-d.cfg.Lease))
}

// Retry claims intent and reissues only the legs that have not succeeded.
// It fails with ErrDispatchInFlight while another claim holds the intent.
// On return intent reflects the stored state.
func (d *DispatchCoordinator) Retry(ctx context.Context, intent *DispatchIntent) error {
	if intent.Finished() {
		return nil
	}
	claimed, err := d.claim(ctx, intent.ID)
	if errors.Is(err, ErrDispatchInFlight) {
		cur, gerr := d.intents.GetByID(ctx, intent.ID)
		if gerr != nil {
			return gerr
		}
		*intent = *cur
		if cur.Finished() {
			return nil
		}
		return err
	}
	if err != nil {
		return fmt.Errorf("claim dispatch intent %s: %w", intent.ID, err)
	}
	*intent = *claimed
	return d.resume(ctx, intent)
}

// resume runs one round of the unfinished legs of a claimed intent.
func (d *DispatchCoordinator) resume(ctx context.Context, intent *DispatchIntent) error {
	legCtx := context.WithoutCancel(ctx)
	transmit := intent.TransmitState != LegSucceeded
	status := intent.StatusState != LegSucceeded
	resp, transmitErr, statusErr := d.runLegs(legCtx, intent, transmit, status)
	intent.RecordAttempt(transmit, transmitErr, resp, status, statusErr)
	if err := d.intents.Update(legCtx, intent); err != nil {
		return fmt.Errorf("update dispatch intent %s: %w", intent.ID, err)
	}
	return multierr.Combine(transmitErr, statusErr)
}

// runLegs issues the requested legs back to back and waits for all of them.
func (d *DispatchCoordinator) runLegs(ctx context.Context, intent *DispatchIntent, transmit, status bool) (resp *TransmitResponse, transmitErr, statusErr error) {
	var wg sync.WaitGroup
	if transmit {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := d.transmitter.SendLabResult(ctx, intent.Payload)
			if err != nil {
				transmitErr = &TransportError{Op: "send lab result", Err: err}
				return
			}
			resp = r
		}()
	}
	if status {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statusErr = d.status.issue(ctx, intent.StatusChange(), StatusCompleted, intent.SampleLabel)
		}()
	}
	wg.Wait()
	return resp, transmitErr, statusErr
}

func (d *DispatchCoordinator) notify(ctx context.Context, s *Session, key, text string) {
	if err := s.Messages.Set(ctx, key, text, d.cfg.MessageTTL); err != nil {
		d.logger.Warn().Err(err).Str("key", key).Msg("post operator message")
	}
}

func outcomeLabel(st IntentState) string {
	switch st {
	case IntentCompleted:
		return "completed"
	case IntentPartial:
		return "partial"
	case IntentFailed:
		return "failed"
	case IntentInFlight:
		return "in_flight"
	}
	return "pending"
}
