package sampleresults

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Wire constants shared with the partner tracker and the LIS metadata.
const (
	ExternalContextAttributeTypeUUID = "0acd3180-710d-4417-8768-97bc45a02395"
	ReferenceConceptUUID             = "9c657ac6-deed-4167-b7ea-a2d794c3c66e"

	SettingMappingSourceKey    = "iCare.laboratory.settings.externalSystems.pimaCOVID.testResults.mappingSourceUuid"
	SettingReferenceConceptKey = "icare.lis.externalSystems.dhis2Based.conceptUuid"

	ConceptMappingProjection = "custom:(uuid,display,mappings:(display,conceptReferenceTerm:(uuid,name,code,conceptSource)))"

	CompletedCategory     = "Completed"
	RemarksSentToExternal = "SENT TO PIMACOVID SYSTEM"
)

// Status is the lifecycle status of a sample as seen by the release workflow.
type Status string

const (
	StatusCompleted          Status = "COMPLETED"
	StatusReleased           Status = "RELEASED"
	StatusRestricted         Status = "RESTRICTED"
	StatusResultsIntegration Status = "RESULTS_INTEGRATION"
)

// Action is an operator action that changes a sample's status.
type Action string

const (
	ActionRelease  Action = "release"
	ActionRestrict Action = "restrict"
	ActionSend     Action = "send"
)

// TargetStatus returns the status an action moves a sample to.
func (a Action) TargetStatus() (Status, bool) {
	switch a {
	case ActionRelease:
		return StatusReleased, true
	case ActionRestrict:
		return StatusRestricted, true
	case ActionSend:
		return StatusResultsIntegration, true
	}
	return "", false
}

// Sample is the read model of a laboratory sample supplied by the query collaborator.
type Sample struct {
	ID              string                 `json:"uuid"`
	Label           string                 `json:"label"`
	Status          Status                 `json:"status"`
	Category        string                 `json:"category,omitempty"`
	Department      string                 `json:"department,omitempty"`
	VisitUUID       string                 `json:"visit_uuid,omitempty"`
	PatientName     string                 `json:"patient_name,omitempty"`
	Orders          []Order                `json:"orders_with_results"`
	ExternalContext *ExternalSystemContext `json:"external_context,omitempty"`
}

// HasResults reports whether any allocation on the sample carries a result.
func (s *Sample) HasResults() bool {
	for _, o := range s.Orders {
		for _, ta := range o.TestAllocations {
			if len(ta.Results) > 0 {
				return true
			}
		}
	}
	return false
}

type Order struct {
	UUID            string           `json:"uuid"`
	ConceptDisplay  string           `json:"concept_display,omitempty"`
	TestAllocations []TestAllocation `json:"test_allocations"`
}

// TestAllocation assigns one test concept to an order and holds its results.
// Results are not assumed to be sorted.
type TestAllocation struct {
	UUID        string   `json:"uuid"`
	ConceptUUID string   `json:"concept_uuid"`
	Display     string   `json:"display,omitempty"`
	Results     []Result `json:"results"`
}

type Result struct {
	UUID         string      `json:"uuid"`
	ValueCoded   *CodedValue `json:"value_coded,omitempty"`
	ValueNumeric *float64    `json:"value_numeric,omitempty"`
	ValueText    string      `json:"value_text,omitempty"`
	DateCreated  time.Time   `json:"date_created"`
}

type CodedValue struct {
	UUID    string `json:"uuid"`
	Display string `json:"display"`
}

// Concept is the concept-lookup projection used for external code resolution.
type Concept struct {
	UUID     string           `json:"uuid"`
	Display  string           `json:"display"`
	Mappings []ConceptMapping `json:"mappings"`
}

type ConceptMapping struct {
	Display       string        `json:"display"`
	ReferenceTerm ReferenceTerm `json:"conceptReferenceTerm"`
}

type ReferenceTerm struct {
	UUID   string        `json:"uuid"`
	Name   string        `json:"name"`
	Code   string        `json:"code"`
	Source ConceptSource `json:"conceptSource"`
}

type ConceptSource struct {
	UUID    string `json:"uuid"`
	Display string `json:"display"`
}

// Visit carries the visit attributes that hold the external linkage.
type Visit struct {
	UUID       string           `json:"uuid"`
	Attributes []VisitAttribute `json:"attributes"`
}

type VisitAttribute struct {
	AttributeTypeUUID string `json:"attribute_type_uuid"`
	Value             string `json:"value"`
}

// ExternalSystemContext addresses a tracked entity enrollment in the partner tracker.
type ExternalSystemContext struct {
	Program               string `json:"program"`
	OrgUnit               string `json:"orgUnit"`
	TrackedEntityInstance string `json:"trackedEntityInstance"`
	Enrollment            string `json:"enrollment"`
}

// SampleStatusChange is the request body sent to the status-mutation collaborator.
type SampleStatusChange struct {
	SampleUUID string `json:"sample_uuid"`
	UserUUID   string `json:"user_uuid"`
	Remarks    string `json:"remarks"`
	Status     Status `json:"status"`
	Category   string `json:"category"`
}

// SampleQuery selects samples from the query collaborator.
type SampleQuery struct {
	Department     string
	StatusCategory string
	StartDate      string
	EndDate        string
	SearchText     string
	WithResults    bool
}

// StatusHistory records one applied sample status transition.
type StatusHistory struct {
	ID         uuid.UUID `db:"id" json:"id"`
	SampleUUID string    `db:"sample_uuid" json:"sample_uuid"`
	FromStatus string    `db:"from_status" json:"from_status"`
	ToStatus   string    `db:"to_status" json:"to_status"`
	ChangedBy  string    `db:"changed_by" json:"changed_by"`
	Remarks    *string   `db:"remarks" json:"remarks,omitempty"`
	ChangedAt  time.Time `db:"changed_at" json:"changed_at"`
}

// StatusChangeEvent is published after a status mutation succeeds.
type StatusChangeEvent struct {
	SampleUUID  string    `json:"sample_uuid"`
	SampleLabel string    `json:"sample_label,omitempty"`
	FromStatus  Status    `json:"from_status"`
	ToStatus    Status    `json:"to_status"`
	ChangedBy   string    `json:"changed_by"`
	Remarks     string    `json:"remarks,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// TransmitResponse is the partner tracker's answer to a result submission.
type TransmitResponse struct {
	Status     string          `json:"status"`
	Reference  string          `json:"reference,omitempty"`
	HTTPStatus int             `json:"http_status"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}
