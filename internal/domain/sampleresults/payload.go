package sampleresults

import "time"

// Tracker event schema identifiers. These must match the partner program
// configuration exactly.
const (
	ProgramStageLabResult = "QreyZUwCOlg"

	DataElementResultDate = "Cl2I1H6Y3oj"
	DataElementResultCode = "ovY6E8BSdto"
	DataElementTestMethod = "eDrW5iJLYbP"

	TestMethodPCR = "PCR"
)

// Payload is a tracker event carrying one lab result.
type Payload struct {
	Program               *string     `json:"program"`
	ProgramStage          string      `json:"programStage"`
	OrgUnit               *string     `json:"orgUnit"`
	TrackedEntityInstance *string     `json:"trackedEntityInstance"`
	Enrollment            *string     `json:"enrollment"`
	DataValues            []DataValue `json:"dataValues"`
	EventDate             string      `json:"eventDate"`
}

type DataValue struct {
	DataElement string `json:"dataElement"`
	Value       string `json:"value"`
}

// BuildPayload assembles the tracker event for mappedCode. Both the result
// date and the event date are taken from now. A nil context leaves the
// linkage fields null, so callers must check for it first.
func BuildPayload(ext *ExternalSystemContext, mappedCode string, now time.Time) *Payload {
	ts := isoTimestamp(now)
	p := &Payload{
		ProgramStage: ProgramStageLabResult,
		DataValues: []DataValue{
			{DataElement: DataElementResultDate, Value: ts},
			{DataElement: DataElementResultCode, Value: mappedCode},
			{DataElement: DataElementTestMethod, Value: TestMethodPCR},
		},
		EventDate: ts,
	}
	if ext != nil {
		p.Program = strPtr(ext.Program)
		p.OrgUnit = strPtr(ext.OrgUnit)
		p.TrackedEntityInstance = strPtr(ext.TrackedEntityInstance)
		p.Enrollment = strPtr(ext.Enrollment)
	}
	return p
}

// isoTimestamp renders t as UTC ISO-8601 with millisecond precision.
func isoTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func strPtr(s string) *string { return &s }
