package sampleresults

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service is the entry point the HTTP layer drives. It wires the confirmation
// gate, status controller and dispatch coordinator to the remote collaborators
// and refreshes the sample list after every status change.
type Service struct {
	samples  SampleQuerier
	visits   VisitLoader
	settings SettingsSource
	gate     *ConfirmationGate
	status   *StatusController
	dispatch *DispatchCoordinator
	intents  IntentRepository
	sessions *SessionStore
	ttl      time.Duration
	logger   zerolog.Logger
}

type ServiceDeps struct {
	Samples  SampleQuerier
	Visits   VisitLoader
	Settings SettingsSource
	Gate     *ConfirmationGate
	Status   *StatusController
	Dispatch *DispatchCoordinator
	Intents  IntentRepository
	Sessions *SessionStore

	MessageTTL time.Duration
}

func NewService(deps ServiceDeps, logger zerolog.Logger) *Service {
	if deps.Gate == nil {
		deps.Gate = NewConfirmationGate()
	}
	if deps.Sessions == nil {
		deps.Sessions = NewSessionStore(nil)
	}
	if deps.MessageTTL <= 0 {
		deps.MessageTTL = DefaultMessageTTL
	}
	return &Service{
		samples:  deps.Samples,
		visits:   deps.Visits,
		settings: deps.Settings,
		gate:     deps.Gate,
		status:   deps.Status,
		dispatch: deps.Dispatch,
		intents:  deps.Intents,
		sessions: deps.Sessions,
		ttl:      deps.MessageTTL,
		logger:   logger,
	}
}

func (s *Service) Sessions() *SessionStore { return s.sessions }

// -- Sample list --

// ListCompleted reloads the completed samples from the query collaborator and
// applies the department and free-text filters locally.
func (s *Service) ListCompleted(ctx context.Context, q SampleQuery) ([]*Sample, error) {
	q.StatusCategory = CompletedCategory
	items, err := s.samples.SamplesByStatus(ctx, q)
	if err != nil {
		return nil, &TransportError{Op: "query samples", Err: err}
	}
	return FilterSamples(items, q), nil
}

// FilterSamples keeps samples matching the query's department, search text
// and results requirement.
func FilterSamples(items []*Sample, q SampleQuery) []*Sample {
	text := strings.ToLower(strings.TrimSpace(q.SearchText))
	out := make([]*Sample, 0, len(items))
	for _, smp := range items {
		if q.Department != "" && !strings.EqualFold(smp.Department, q.Department) {
			continue
		}
		if q.WithResults && !smp.HasResults() {
			continue
		}
		if text != "" && !sampleMatches(smp, text) {
			continue
		}
		out = append(out, smp)
	}
	return out
}

func sampleMatches(smp *Sample, text string) bool {
	if strings.Contains(strings.ToLower(smp.Label), text) ||
		strings.Contains(strings.ToLower(smp.PatientName), text) {
		return true
	}
	for _, o := range smp.Orders {
		if strings.Contains(strings.ToLower(o.ConceptDisplay), text) {
			return true
		}
	}
	return false
}

func (s *Service) GetSample(ctx context.Context, sampleUUID string) (*Sample, error) {
	smp, err := s.samples.SampleByUUID(ctx, sampleUUID)
	if err != nil {
		return nil, &TransportError{Op: "get sample", Err: err}
	}
	if smp == nil {
		return nil, ErrSampleNotFound
	}
	return smp, nil
}

// -- Release / restrict --

// StatusOutcome is the result of a release or restrict request.
type StatusOutcome struct {
	Prompt  *Prompt   `json:"prompt,omitempty"`
	Samples []*Sample `json:"samples"`
}

// UpdateStatus releases or restricts a sample once confirmer agrees. The
// sample list is reloaded afterwards whether or not the mutation worked.
func (s *Service) UpdateStatus(ctx context.Context, sess *Session, sampleUUID string, action Action, confirmer Confirmer, q SampleQuery) (*StatusOutcome, error) {
	target, ok := action.TargetStatus()
	if !ok || action == ActionSend {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	smp, err := s.GetSample(ctx, sampleUUID)
	if err != nil {
		return nil, err
	}

	res, err := s.gate.Ask(ctx, sess, action, smp, confirmer)
	if err != nil {
		prompt := s.gate.PromptFor(action, smp)
		return &StatusOutcome{Prompt: &prompt}, err
	}

	change := SampleStatusChange{
		SampleUUID: smp.ID,
		UserUUID:   sess.UserID,
		Remarks:    res.Remarks,
		Status:     target,
		Category:   string(target),
	}
	applyErr := s.status.Apply(ctx, change, smp.Status, smp.Label)
	if applyErr != nil && IsTransport(applyErr) {
		_ = sess.Messages.Set(ctx, smp.ID, MsgStatusFailed, s.ttl)
	}

	out := &StatusOutcome{}
	refreshed, err := s.ListCompleted(ctx, q)
	if err != nil {
		s.logger.Warn().Err(err).Msg("refresh samples after status change")
	}
	out.Samples = refreshed
	return out, applyErr
}

// -- External send --

// Send dispatches the sample's latest result to the partner tracker using
// the configured mapping source.
func (s *Service) Send(ctx context.Context, sess *Session, sampleUUID string, confirmed bool) (*DispatchIntent, error) {
	smp, err := s.GetSample(ctx, sampleUUID)
	if err != nil {
		return nil, err
	}
	if !confirmed {
		return s.dispatch.Send(ctx, sess, smp, false, "")
	}
	source, err := s.Setting(ctx, sess, SettingMappingSourceKey)
	if err != nil {
		return nil, err
	}
	return s.dispatch.Send(ctx, sess, smp, true, source)
}

// -- Visit details --

// LoadVisit reads the sample's visit and caches its tracker linkage on the
// session. An unparsable linkage is logged and leaves external send disabled.
func (s *Service) LoadVisit(ctx context.Context, sess *Session, sampleUUID, visitUUID string) (*ExternalSystemContext, error) {
	v, err := s.visits.VisitByUUID(ctx, visitUUID)
	if err != nil {
		return nil, &TransportError{Op: "get visit", Err: err}
	}
	ext, err := ExtractExternalContext(v)
	if err != nil {
		if !errors.Is(err, ErrParseContext) {
			return nil, err
		}
		s.logger.Warn().Err(err).Str("sample_uuid", sampleUUID).Msg("ignoring external system context")
		ext = nil
	}
	sess.SetExternalContext(sampleUUID, ext)
	return ext, nil
}

// -- Verification --

type VerificationView struct {
	Sample             *Sample `json:"sample"`
	ReferenceConceptID string  `json:"reference_concept_uuid"`
}

// OpenVerification returns what the integrated-sample verification view
// needs and hides the sample's expanded details while it is open.
func (s *Service) OpenVerification(ctx context.Context, sess *Session, sampleUUID string) (*VerificationView, error) {
	smp, err := s.GetSample(ctx, sampleUUID)
	if err != nil {
		return nil, err
	}
	ref, err := s.Setting(ctx, sess, SettingReferenceConceptKey)
	if err != nil {
		return nil, err
	}
	sess.SetMoreDetails(sampleUUID, false)
	return &VerificationView{Sample: smp, ReferenceConceptID: ref}, nil
}

// CloseVerification restores the expanded details hidden by OpenVerification.
func (s *Service) CloseVerification(sess *Session, sampleUUID string) {
	sess.SetMoreDetails(sampleUUID, true)
}

// -- Settings --

// Setting returns a setting value, fetched once per session.
func (s *Service) Setting(ctx context.Context, sess *Session, key string) (string, error) {
	if v, ok := sess.Setting(key); ok {
		return v, nil
	}
	v, err := s.settings.SettingValue(ctx, key)
	if err != nil {
		return "", &TransportError{Op: "get setting " + key, Err: err}
	}
	sess.CacheSetting(key, v)
	return v, nil
}

// -- Messages --

// Messages returns the global message and those of the given samples.
func (s *Service) Messages(ctx context.Context, sess *Session, sampleUUIDs []string) (map[string]string, error) {
	out := make(map[string]string)
	keys := append([]string{GlobalKey}, sampleUUIDs...)
	for _, k := range keys {
		text, err := sess.Messages.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if text != "" {
			out[k] = text
		}
	}
	return out, nil
}

// -- History & intents --

func (s *Service) History(ctx context.Context, sampleUUID string) ([]*StatusHistory, error) {
	return s.status.History(ctx, sampleUUID)
}

// ListIntents returns one page of intents in the given states and the
// number of intents in those states.
func (s *Service) ListIntents(ctx context.Context, states []IntentState, limit, offset int) ([]*DispatchIntent, int, error) {
	if len(states) == 0 {
		states = []IntentState{IntentPending, IntentInFlight, IntentPartial, IntentFailed, IntentCompleted, IntentAbandoned}
	}
	total, err := s.intents.CountByState(ctx, states)
	if err != nil {
		return nil, 0, err
	}
	items, err := s.intents.ListByState(ctx, states, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *Service) SampleIntents(ctx context.Context, sampleUUID string) ([]*DispatchIntent, error) {
	return s.intents.ListBySample(ctx, sampleUUID)
}

// RetryIntent reissues the unfinished legs of one intent. It fails with
// ErrDispatchInFlight while the intent is claimed by a running dispatch.
func (s *Service) RetryIntent(ctx context.Context, id uuid.UUID) (*DispatchIntent, error) {
	in, err := s.intents.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.dispatch.Retry(ctx, in); err != nil {
		return in, err
	}
	return in, nil
}
