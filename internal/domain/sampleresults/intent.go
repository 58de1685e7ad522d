package sampleresults

import (
	"time"

	"github.com/google/uuid"
)

// IntentState is the overall state of an external dispatch.
type IntentState string

const (
	IntentPending   IntentState = "PENDING"
	IntentInFlight  IntentState = "IN_FLIGHT"
	IntentCompleted IntentState = "COMPLETED"
	IntentPartial   IntentState = "PARTIAL"
	IntentFailed    IntentState = "FAILED"
	IntentAbandoned IntentState = "ABANDONED"
)

// LegState tracks one of the two calls an external dispatch is made of.
type LegState string

const (
	LegPending   LegState = "PENDING"
	LegSucceeded LegState = "SUCCEEDED"
	LegFailed    LegState = "FAILED"
)

// DispatchIntent is written before the transmission and status legs are
// issued so that a half-finished dispatch can be reconciled later.
type DispatchIntent struct {
	ID            uuid.UUID   `db:"id" json:"id"`
	SampleUUID    string      `db:"sample_uuid" json:"sample_uuid"`
	SampleLabel   string      `db:"sample_label" json:"sample_label"`
	UserUUID      string      `db:"user_uuid" json:"user_uuid"`
	ResultUUID    string      `db:"result_uuid" json:"result_uuid"`
	MappedCode    string      `db:"mapped_code" json:"mapped_code"`
	Payload       *Payload    `db:"payload" json:"payload"`
	TransmitState LegState    `db:"transmit_state" json:"transmit_state"`
	StatusState   LegState    `db:"status_state" json:"status_state"`
	State         IntentState `db:"state" json:"state"`
	Attempts      int         `db:"attempts" json:"attempts"`
	ExternalRef   *string     `db:"external_ref" json:"external_ref,omitempty"`
	LastError     *string     `db:"last_error" json:"last_error,omitempty"`
	ClaimedAt     *time.Time  `db:"claimed_at" json:"claimed_at,omitempty"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at" json:"updated_at"`
}

// newDispatchIntent returns an intent already claimed by the caller that is
// about to issue its legs.
func newDispatchIntent(sample *Sample, userID, resultUUID, code string, payload *Payload, now time.Time) *DispatchIntent {
	return &DispatchIntent{
		ID:            uuid.New(),
		SampleUUID:    sample.ID,
		SampleLabel:   sample.Label,
		UserUUID:      userID,
		ResultUUID:    resultUUID,
		MappedCode:    code,
		Payload:       payload,
		TransmitState: LegPending,
		StatusState:   LegPending,
		State:         IntentInFlight,
		ClaimedAt:     &now,
	}
}

// StatusChange is the status mutation this intent issues.
func (i *DispatchIntent) StatusChange() SampleStatusChange {
	return SampleStatusChange{
		SampleUUID: i.SampleUUID,
		UserUUID:   i.UserUUID,
		Remarks:    RemarksSentToExternal,
		Status:     StatusResultsIntegration,
		Category:   string(StatusResultsIntegration),
	}
}

// RecordAttempt folds the outcome of one round of legs into the intent.
// A nil error marks the leg succeeded; legs not attempted keep their state.
func (i *DispatchIntent) RecordAttempt(transmitted bool, transmitErr error, resp *TransmitResponse, statused bool, statusErr error) {
	i.Attempts++
	var lastErr error
	if transmitted {
		if transmitErr != nil {
			i.TransmitState = LegFailed
			lastErr = transmitErr
		} else {
			i.TransmitState = LegSucceeded
			if resp != nil && resp.Reference != "" {
				ref := resp.Reference
				i.ExternalRef = &ref
			}
		}
	}
	if statused {
		if statusErr != nil {
			i.StatusState = LegFailed
			lastErr = statusErr
		} else {
			i.StatusState = LegSucceeded
		}
	}
	if lastErr != nil {
		msg := lastErr.Error()
		i.LastError = &msg
	} else {
		i.LastError = nil
	}
	i.State = i.deriveState()
	i.ClaimedAt = nil
}

func (i *DispatchIntent) deriveState() IntentState {
	switch {
	case i.TransmitState == LegSucceeded && i.StatusState == LegSucceeded:
		return IntentCompleted
	case i.TransmitState == LegSucceeded || i.StatusState == LegSucceeded:
		return IntentPartial
	case i.TransmitState == LegFailed || i.StatusState == LegFailed:
		return IntentFailed
	}
	return IntentPending
}

// Finished reports whether nothing is left to reconcile.
func (i *DispatchIntent) Finished() bool {
	return i.State == IntentCompleted || i.State == IntentAbandoned
}

// Claimable reports whether a retry may take the intent over. An IN_FLIGHT
// intent is claimable only once its claim is older than staleBefore.
func (i *DispatchIntent) Claimable(staleBefore time.Time) bool {
	switch i.State {
	case IntentPending, IntentPartial, IntentFailed:
		return true
	case IntentInFlight:
		return i.ClaimedAt == nil || i.ClaimedAt.Before(staleBefore)
	}
	return false
}
