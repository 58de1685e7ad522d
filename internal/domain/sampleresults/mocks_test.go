package sampleresults

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// -- Mock Collaborators --

type mockSamples struct {
	mu      sync.Mutex
	samples map[string]*Sample
	err     error
	queries []SampleQuery
}

func newMockSamples(items ...*Sample) *mockSamples {
	m := &mockSamples{samples: make(map[string]*Sample)}
	for _, s := range items {
		m.samples[s.ID] = s
	}
	return m
}

func (m *mockSamples) SamplesByStatus(_ context.Context, q SampleQuery) ([]*Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, q)
	if m.err != nil {
		return nil, m.err
	}
	var out []*Sample
	for _, s := range m.samples {
		if q.StatusCategory == "" || s.Category == q.StatusCategory {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

func (m *mockSamples) SampleByUUID(_ context.Context, id string) (*Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.samples[id], nil
}

func (m *mockSamples) queryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queries)
}

type mockMutator struct {
	mu      sync.Mutex
	changes []SampleStatusChange
	err     error
	block   chan struct{}
	started chan struct{}
}

func (m *mockMutator) SetSampleStatus(_ context.Context, change SampleStatusChange) error {
	if m.started != nil {
		m.started <- struct{}{}
	}
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = append(m.changes, change)
	return m.err
}

func (m *mockMutator) calls() []SampleStatusChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SampleStatusChange(nil), m.changes...)
}

type mockConcepts struct {
	concepts map[string]*Concept
	err      error
	lookups  int
}

func (m *mockConcepts) ConceptByUUID(_ context.Context, id, projection string) (*Concept, error) {
	m.lookups++
	if m.err != nil {
		return nil, m.err
	}
	if projection != ConceptMappingProjection {
		return nil, fmt.Errorf("unexpected projection %q", projection)
	}
	return m.concepts[id], nil
}

type mockTransmitter struct {
	mu       sync.Mutex
	payloads []*Payload
	resp     *TransmitResponse
	err      error
	block    chan struct{}
	started  chan struct{}
}

func (m *mockTransmitter) SendLabResult(_ context.Context, p *Payload) (*TransmitResponse, error) {
	if m.started != nil {
		m.started <- struct{}{}
	}
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads = append(m.payloads, p)
	if m.err != nil {
		return nil, m.err
	}
	if m.resp != nil {
		return m.resp, nil
	}
	return &TransmitResponse{Status: "SUCCESS", HTTPStatus: 200}, nil
}

func (m *mockTransmitter) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payloads)
}

type mockSettings struct {
	values map[string]string
	err    error
	reads  int
}

func (m *mockSettings) SettingValue(_ context.Context, key string) (string, error) {
	m.reads++
	if m.err != nil {
		return "", m.err
	}
	return m.values[key], nil
}

type mockVisits struct {
	visits map[string]*Visit
	err    error
}

func (m *mockVisits) VisitByUUID(_ context.Context, id string) (*Visit, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.visits[id], nil
}

type mockPublisher struct {
	mu     sync.Mutex
	events []StatusChangeEvent
	err    error
}

func (m *mockPublisher) PublishStatusChange(_ context.Context, ev StatusChangeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return m.err
}

type mockObserver struct {
	mu          sync.Mutex
	transitions []string
	dispatches  []string
	reconciles  []string
}

func (m *mockObserver) ObserveTransition(status string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	label := status + ":ok"
	if err != nil {
		label = status + ":error"
	}
	m.transitions = append(m.transitions, label)
}

func (m *mockObserver) ObserveDispatch(outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatches = append(m.dispatches, outcome)
}

func (m *mockObserver) ObserveReconcile(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconciles = append(m.reconciles, outcome)
}

// -- Mock Repositories --

type mockIntentRepo struct {
	mu        sync.Mutex
	intents   map[uuid.UUID]*DispatchIntent
	createErr error
	updates   int
	claims    int
}

func newMockIntentRepo() *mockIntentRepo {
	return &mockIntentRepo{intents: make(map[uuid.UUID]*DispatchIntent)}
}

func (m *mockIntentRepo) Create(_ context.Context, in *DispatchIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	for _, other := range m.intents {
		if other.SampleUUID == in.SampleUUID && !other.Finished() {
			return ErrDispatchInFlight
		}
	}
	m.putLocked(in)
	return nil
}

// put stores in without the one-open-intent-per-sample check.
func (m *mockIntentRepo) put(in *DispatchIntent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(in)
}

func (m *mockIntentRepo) putLocked(in *DispatchIntent) {
	// keep insertion order stable for equal clocks
	in.CreatedAt = time.Now().Add(time.Duration(len(m.intents)) * time.Microsecond)
	in.UpdatedAt = in.CreatedAt
	m.intents[in.ID] = in
}

func (m *mockIntentRepo) Update(_ context.Context, in *DispatchIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.intents[in.ID]; !ok {
		return ErrIntentNotFound
	}
	m.updates++
	in.UpdatedAt = time.Now()
	m.intents[in.ID] = in
	return nil
}

func (m *mockIntentRepo) GetByID(_ context.Context, id uuid.UUID) (*DispatchIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[id]
	if !ok {
		return nil, ErrIntentNotFound
	}
	return in, nil
}

func (m *mockIntentRepo) filter(keep func(*DispatchIntent) bool) []*DispatchIntent {
	var out []*DispatchIntent
	for _, in := range m.intents {
		if keep(in) {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func inStates(states []IntentState) func(*DispatchIntent) bool {
	want := make(map[IntentState]bool, len(states))
	for _, s := range states {
		want[s] = true
	}
	return func(in *DispatchIntent) bool { return want[in.State] }
}

func (m *mockIntentRepo) ListByState(_ context.Context, states []IntentState, limit, offset int) ([]*DispatchIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.filter(inStates(states))
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockIntentRepo) CountByState(_ context.Context, states []IntentState) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.filter(inStates(states))), nil
}

func (m *mockIntentRepo) ListClaimable(_ context.Context, staleBefore time.Time, limit int) ([]*DispatchIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.filter(func(in *DispatchIntent) bool { return in.Claimable(staleBefore) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockIntentRepo) Claim(_ context.Context, id uuid.UUID, staleBefore time.Time) (*DispatchIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[id]
	if !ok || !in.Claimable(staleBefore) {
		return nil, ErrDispatchInFlight
	}
	now := time.Now()
	in.State = IntentInFlight
	in.ClaimedAt = &now
	m.claims++
	return in, nil
}

func (m *mockIntentRepo) ListBySample(_ context.Context, sampleUUID string) ([]*DispatchIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*DispatchIntent
	for _, in := range m.intents {
		if in.SampleUUID == sampleUUID {
			out = append(out, in)
		}
	}
	return out, nil
}

func (m *mockIntentRepo) all() []*DispatchIntent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*DispatchIntent
	for _, in := range m.intents {
		out = append(out, in)
	}
	return out
}

type mockHistoryRepo struct {
	mu      sync.Mutex
	records []*StatusHistory
	err     error
}

func (m *mockHistoryRepo) Create(_ context.Context, h *StatusHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	h.ID = uuid.New()
	m.records = append(m.records, h)
	return nil
}

func (m *mockHistoryRepo) ListBySample(_ context.Context, sampleUUID string) ([]*StatusHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*StatusHistory
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].SampleUUID == sampleUUID {
			out = append(out, m.records[i])
		}
	}
	return out, nil
}

// -- Fixtures --

const (
	testSourceUUID  = "source-pima"
	testCodedUUID   = "coded-positive"
	testSampleUUID  = "sample-1"
	testSampleLabel = "LAB/0001"
	testUserUUID    = "user-1"
)

var testExternal = &ExternalSystemContext{
	Program:               "prog-1",
	OrgUnit:               "ou-1",
	TrackedEntityInstance: "tei-1",
	Enrollment:            "enr-1",
}

func ts(minute int) time.Time {
	return time.Date(2024, 3, 1, 10, minute, 0, 0, time.UTC)
}

func codedResult(id, codedUUID string, at time.Time) Result {
	return Result{UUID: id, ValueCoded: &CodedValue{UUID: codedUUID, Display: codedUUID}, DateCreated: at}
}

func newTestSample() *Sample {
	return &Sample{
		ID:         testSampleUUID,
		Label:      testSampleLabel,
		Status:     StatusCompleted,
		Category:   CompletedCategory,
		Department: "Virology",
		Orders: []Order{{
			UUID:           "order-1",
			ConceptDisplay: "SARS-CoV-2 PCR",
			TestAllocations: []TestAllocation{{
				UUID:        "alloc-1",
				ConceptUUID: ReferenceConceptUUID,
				Results: []Result{
					codedResult("r-old", "coded-negative", ts(1)),
					codedResult("r-new", testCodedUUID, ts(5)),
				},
			}},
		}},
		ExternalContext: testExternal,
	}
}

func mappedConcepts() *mockConcepts {
	return &mockConcepts{concepts: map[string]*Concept{
		testCodedUUID: {
			UUID: testCodedUUID,
			Mappings: []ConceptMapping{
				{Display: "other: X", ReferenceTerm: ReferenceTerm{Code: "X", Source: ConceptSource{UUID: "source-other"}}},
				{Display: "pima: POS", ReferenceTerm: ReferenceTerm{Code: "POS", Source: ConceptSource{UUID: testSourceUUID}}},
			},
		},
	}}
}

func newTestSession() *Session {
	return NewSession("sess-1", testUserUUID, NewTransientMessageBus())
}

type dispatchFixture struct {
	mutator     *mockMutator
	transmitter *mockTransmitter
	concepts    *mockConcepts
	intents     *mockIntentRepo
	history     *mockHistoryRepo
	observer    *mockObserver
	status      *StatusController
	coordinator *DispatchCoordinator
}

func newDispatchFixture() *dispatchFixture {
	f := &dispatchFixture{
		mutator:     &mockMutator{},
		transmitter: &mockTransmitter{},
		concepts:    mappedConcepts(),
		intents:     newMockIntentRepo(),
		history:     &mockHistoryRepo{},
		observer:    &mockObserver{},
	}
	f.status = NewStatusController(f.mutator, f.history, zerolog.Nop())
	f.coordinator = NewDispatchCoordinator(
		NewConfirmationGate(),
		NewMappingResolver(f.concepts),
		f.transmitter,
		f.status,
		f.intents,
		DispatchConfig{},
		zerolog.Nop(),
	)
	f.coordinator.SetObserver(f.observer)
	return f
}
