package sampleresults

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

type ReconcilerConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
}

// Reconciler retries dispatch intents left PENDING, PARTIAL or FAILED, and
// IN_FLIGHT intents whose claim has outlived the dispatch lease.
type Reconciler struct {
	dispatch *DispatchCoordinator
	intents  IntentRepository
	cfg      ReconcilerConfig
	observer Observer
	logger   zerolog.Logger
}

func NewReconciler(dispatch *DispatchCoordinator, intents IntentRepository, cfg ReconcilerConfig, logger zerolog.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Reconciler{
		dispatch: dispatch,
		intents:  intents,
		cfg:      cfg,
		observer: nopObserver{},
		logger:   logger,
	}
}

func (r *Reconciler) SetObserver(o Observer) {
	if o != nil {
		r.observer = o
	}
}

// ReconcileSummary counts what one pass did.
type ReconcileSummary struct {
	Scanned   int `json:"scanned"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`
	Skipped   int `json:"skipped"`
}

// RunOnce retries one batch of unfinished intents.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileSummary, error) {
	var sum ReconcileSummary
	staleBefore := r.dispatch.now().Add(-r.dispatch.cfg.Lease)
	candidates, err := r.intents.ListClaimable(ctx, staleBefore, r.cfg.BatchSize)
	if err != nil {
		return sum, err
	}
	for _, listed := range candidates {
		sum.Scanned++
		log := r.logger.With().Str("intent_id", listed.ID.String()).Str("sample_uuid", listed.SampleUUID).Logger()

		in, err := r.dispatch.claim(ctx, listed.ID)
		if errors.Is(err, ErrDispatchInFlight) {
			log.Debug().Msg("dispatch intent claimed elsewhere")
			r.observer.ObserveReconcile("skipped")
			sum.Skipped++
			continue
		}
		if err != nil {
			log.Error().Err(err).Msg("claim dispatch intent")
			sum.Failed++
			continue
		}

		if in.Attempts >= r.cfg.MaxAttempts {
			in.State = IntentAbandoned
			in.ClaimedAt = nil
			if err := r.intents.Update(ctx, in); err != nil {
				log.Error().Err(err).Msg("abandon dispatch intent")
				continue
			}
			log.Warn().Int("attempts", in.Attempts).Msg("dispatch intent abandoned")
			r.observer.ObserveReconcile("abandoned")
			sum.Abandoned++
			continue
		}

		if err := r.dispatch.resume(ctx, in); err != nil {
			log.Warn().Err(err).Int("attempts", in.Attempts).Str("state", string(in.State)).Msg("dispatch retry incomplete")
			r.observer.ObserveReconcile("failed")
			sum.Failed++
			continue
		}
		log.Info().Int("attempts", in.Attempts).Msg("dispatch intent reconciled")
		r.observer.ObserveReconcile("completed")
		sum.Completed++
	}
	return sum, nil
}

// Run reconciles on every tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sum, err := r.RunOnce(ctx)
			if err != nil {
				r.logger.Error().Err(err).Msg("reconcile pass failed")
				continue
			}
			if sum.Scanned > 0 {
				r.logger.Info().
					Int("scanned", sum.Scanned).
					Int("completed", sum.Completed).
					Int("failed", sum.Failed).
					Int("abandoned", sum.Abandoned).
					Int("skipped", sum.Skipped).
					Msg("reconcile pass")
			}
		}
	}
}
