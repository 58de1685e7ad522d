package sampleresults

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type serviceFixture struct {
	*dispatchFixture
	samples  *mockSamples
	visits   *mockVisits
	settings *mockSettings
	svc      *Service
}

func newServiceFixture(samples ...*Sample) *serviceFixture {
	f := &serviceFixture{
		dispatchFixture: newDispatchFixture(),
		samples:         newMockSamples(samples...),
		visits:          &mockVisits{visits: map[string]*Visit{}},
		settings: &mockSettings{values: map[string]string{
			SettingMappingSourceKey:    testSourceUUID,
			SettingReferenceConceptKey: ReferenceConceptUUID,
		}},
	}
	f.svc = NewService(ServiceDeps{
		Samples:  f.samples,
		Visits:   f.visits,
		Settings: f.settings,
		Gate:     f.coordinator.gate,
		Status:   f.status,
		Dispatch: f.coordinator,
		Intents:  f.intents,
	}, zerolog.Nop())
	return f
}

func TestFilterSamples(t *testing.T) {
	a := newTestSample()
	b := &Sample{ID: "b", Label: "LAB/0002", Department: "Chemistry", PatientName: "Jane Doe"}
	items := []*Sample{a, b}

	if got := FilterSamples(items, SampleQuery{Department: "virology"}); len(got) != 1 || got[0] != a {
		t.Errorf("department filter: %v", got)
	}
	if got := FilterSamples(items, SampleQuery{WithResults: true}); len(got) != 1 || got[0] != a {
		t.Errorf("results filter: %v", got)
	}
	if got := FilterSamples(items, SampleQuery{SearchText: "jane"}); len(got) != 1 || got[0] != b {
		t.Errorf("patient search: %v", got)
	}
	if got := FilterSamples(items, SampleQuery{SearchText: "pcr"}); len(got) != 1 || got[0] != a {
		t.Errorf("test search: %v", got)
	}
	if got := FilterSamples(items, SampleQuery{}); len(got) != 2 {
		t.Errorf("no filter: %v", got)
	}
}

func TestService_ListCompletedForcesCategory(t *testing.T) {
	f := newServiceFixture(newTestSample())
	items, err := f.svc.ListCompleted(context.Background(), SampleQuery{StatusCategory: "Anything"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("expected 1 sample, got %d", len(items))
	}
	if f.samples.queries[0].StatusCategory != CompletedCategory {
		t.Errorf("expected Completed category, got %q", f.samples.queries[0].StatusCategory)
	}
}

func TestService_GetSampleNotFound(t *testing.T) {
	f := newServiceFixture()
	if _, err := f.svc.GetSample(context.Background(), "missing"); !errors.Is(err, ErrSampleNotFound) {
		t.Errorf("expected ErrSampleNotFound, got %v", err)
	}
}

func TestService_UpdateStatusTwoStep(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(newTestSample())
	s := f.svc.Sessions().ForUser(testUserUUID)

	out, err := f.svc.UpdateStatus(ctx, s, testSampleUUID, ActionRelease, StaticConfirmer{}, SampleQuery{})
	if !errors.Is(err, ErrConfirmationRequired) {
		t.Fatalf("expected ErrConfirmationRequired, got %v", err)
	}
	if out == nil || out.Prompt == nil || out.Prompt.Title != "release sample results" {
		t.Errorf("expected prompt, got %+v", out)
	}
	if len(f.mutator.calls()) != 0 {
		t.Fatal("no mutation before confirmation")
	}

	out, err = f.svc.UpdateStatus(ctx, s, testSampleUUID, ActionRelease, StaticConfirmer{Confirmed: true, Remarks: "checked"}, SampleQuery{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calls := f.mutator.calls()
	if len(calls) != 1 || calls[0].Status != StatusReleased || calls[0].Remarks != "checked" || calls[0].UserUUID != testUserUUID {
		t.Errorf("unexpected mutation %+v", calls)
	}
	if len(out.Samples) != 1 {
		t.Errorf("expected refreshed list, got %d samples", len(out.Samples))
	}
}

func TestService_UpdateStatusRefreshesOnFailure(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(newTestSample())
	f.mutator.err = errors.New("500")
	s := f.svc.Sessions().ForUser(testUserUUID)

	out, err := f.svc.UpdateStatus(ctx, s, testSampleUUID, ActionRestrict, StaticConfirmer{Confirmed: true}, SampleQuery{})
	if !IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if out == nil || len(out.Samples) != 1 {
		t.Error("expected list refreshed after failure")
	}
	if f.samples.queryCount() != 1 {
		t.Errorf("expected one refresh, got %d", f.samples.queryCount())
	}
	if text, _ := s.Messages.Get(ctx, testSampleUUID); text != MsgStatusFailed {
		t.Errorf("unexpected message %q", text)
	}
}

func TestService_UpdateStatusRejectsSend(t *testing.T) {
	f := newServiceFixture(newTestSample())
	s := f.svc.Sessions().ForUser(testUserUUID)
	_, err := f.svc.UpdateStatus(context.Background(), s, testSampleUUID, ActionSend, StaticConfirmer{Confirmed: true}, SampleQuery{})
	if !errors.Is(err, ErrUnknownAction) {
		t.Errorf("expected ErrUnknownAction, got %v", err)
	}
}

func TestService_SendUsesCachedMappingSource(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(newTestSample())
	s := f.svc.Sessions().ForUser(testUserUUID)

	if _, err := f.svc.Send(ctx, s, testSampleUUID, false); !errors.Is(err, ErrConfirmationRequired) {
		t.Fatalf("expected ErrConfirmationRequired, got %v", err)
	}
	if f.settings.reads != 0 {
		t.Error("settings must not be read before confirmation")
	}
	intent, err := f.svc.Send(ctx, s, testSampleUUID, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if intent.MappedCode != "POS" {
		t.Errorf("expected POS, got %s", intent.MappedCode)
	}

	if _, err := f.svc.Setting(ctx, s, SettingMappingSourceKey); err != nil {
		t.Fatal(err)
	}
	if f.settings.reads != 1 {
		t.Errorf("expected setting fetched once per session, got %d reads", f.settings.reads)
	}
}

func TestService_LoadVisit(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture()
	f.visits.visits["v1"] = &Visit{UUID: "v1", Attributes: []VisitAttribute{
		{AttributeTypeUUID: ExternalContextAttributeTypeUUID, Value: `{"program":"p","orgUnit":"o","trackedEntityInstance":"t","enrollment":"e"}`},
	}}
	f.visits.visits["bad"] = &Visit{UUID: "bad", Attributes: []VisitAttribute{
		{AttributeTypeUUID: ExternalContextAttributeTypeUUID, Value: "garbage"},
	}}
	s := f.svc.Sessions().ForUser(testUserUUID)

	ext, err := f.svc.LoadVisit(ctx, s, "s1", "v1")
	if err != nil || ext == nil || ext.Program != "p" {
		t.Fatalf("unexpected result %+v %v", ext, err)
	}
	if s.ExternalContext("s1") == nil {
		t.Error("expected context cached on session")
	}

	ext, err = f.svc.LoadVisit(ctx, s, "s1", "bad")
	if err != nil {
		t.Fatalf("malformed linkage must not fail the request: %v", err)
	}
	if ext != nil || s.ExternalContext("s1") != nil {
		t.Error("malformed linkage must leave the context empty")
	}

	f.visits.err = errors.New("down")
	if _, err := f.svc.LoadVisit(ctx, s, "s1", "v1"); !IsTransport(err) {
		t.Errorf("expected transport error, got %v", err)
	}
}

func TestService_Verification(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(newTestSample())
	s := f.svc.Sessions().ForUser(testUserUUID)
	s.SetMoreDetails(testSampleUUID, true)

	view, err := f.svc.OpenVerification(ctx, s, testSampleUUID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.ReferenceConceptID != ReferenceConceptUUID {
		t.Errorf("unexpected reference concept %s", view.ReferenceConceptID)
	}
	if s.View(testSampleUUID).MoreDetails {
		t.Error("expected more-details hidden while verifying")
	}
	f.svc.CloseVerification(s, testSampleUUID)
	if !s.View(testSampleUUID).MoreDetails {
		t.Error("expected more-details restored")
	}
}

func TestService_Messages(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture()
	s := f.svc.Sessions().ForUser(testUserUUID)
	_ = s.Messages.Set(ctx, GlobalKey, "global", 0)
	_ = s.Messages.Set(ctx, "a", "for a", 0)
	_ = s.Messages.Set(ctx, "b", "for b", 0)

	msgs, err := f.svc.Messages(ctx, s, []string{"a", "c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 2 || msgs[GlobalKey] != "global" || msgs["a"] != "for a" {
		t.Errorf("unexpected messages %v", msgs)
	}
}

func TestService_IntentsAndRetry(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(newTestSample())
	f.transmitter.err = errors.New("down")
	s := f.svc.Sessions().ForUser(testUserUUID)
	intent, _ := f.svc.Send(ctx, s, testSampleUUID, true)

	items, total, err := f.svc.ListIntents(ctx, []IntentState{IntentPartial}, 10, 0)
	if err != nil || len(items) != 1 || total != 1 {
		t.Fatalf("expected 1 partial intent, got %d of %d (%v)", len(items), total, err)
	}
	bySample, _ := f.svc.SampleIntents(ctx, testSampleUUID)
	if len(bySample) != 1 {
		t.Errorf("expected 1 intent for sample, got %d", len(bySample))
	}

	f.transmitter.mu.Lock()
	f.transmitter.err = nil
	f.transmitter.mu.Unlock()
	retried, err := f.svc.RetryIntent(ctx, intent.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if retried.State != IntentCompleted {
		t.Errorf("expected COMPLETED, got %s", retried.State)
	}
}

func TestService_ListIntentsReportsTotal(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(newTestSample())
	for i := 0; i < 5; i++ {
		smp := newTestSample()
		smp.ID = fmt.Sprintf("sample-%d", i)
		in := newDispatchIntent(smp, testUserUUID, "r", "POS", nil, time.Now())
		in.RecordAttempt(true, nil, nil, true, nil)
		f.intents.put(in)
	}

	items, total, err := f.svc.ListIntents(ctx, nil, 2, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 5 || len(items) != 2 {
		t.Fatalf("expected page of 2 out of 5, got %d of %d", len(items), total)
	}
	if items[0].SampleUUID != "sample-2" {
		t.Errorf("expected offset applied, got %s", items[0].SampleUUID)
	}
}
