package sampleresults

import (
	"context"
	"fmt"
)

// Prompt is what the operator is asked before an irreversible action.
type Prompt struct {
	Title        string `json:"title"`
	Message      string `json:"message"`
	AllowRemarks bool   `json:"allow_remarks"`
}

// Confirmation is the operator's answer to a Prompt.
type Confirmation struct {
	Confirmed bool   `json:"confirmed"`
	Remarks   string `json:"remarks"`
}

// StaticConfirmer answers every prompt with a fixed decision. The HTTP layer
// uses it to replay the decision carried by the confirming request.
type StaticConfirmer Confirmation

func (c StaticConfirmer) Confirm(context.Context, Prompt) (Confirmation, error) {
	return Confirmation(c), nil
}

// ConfirmationGate keeps irreversible actions behind an explicit operator
// decision. An unconfirmed attempt marks the sample as pending and posts
// "Please Confirm" on the session instead of acting.
type ConfirmationGate struct{}

func NewConfirmationGate() *ConfirmationGate { return &ConfirmationGate{} }

// PromptFor builds the release/restrict prompt for a sample.
func (g *ConfirmationGate) PromptFor(action Action, sample *Sample) Prompt {
	return Prompt{
		Title:        fmt.Sprintf("%s sample results", action),
		Message:      fmt.Sprintf("Are you sure to %s results of %s for external use?", action, sample.Label),
		AllowRemarks: true,
	}
}

// Ask obtains a decision from confirmer. A declined prompt returns
// ErrConfirmationRequired and leaves the pending flag set.
func (g *ConfirmationGate) Ask(ctx context.Context, s *Session, action Action, sample *Sample, confirmer Confirmer) (Confirmation, error) {
	res, err := confirmer.Confirm(ctx, g.PromptFor(action, sample))
	if err != nil {
		return Confirmation{}, fmt.Errorf("confirm %s: %w", action, err)
	}
	if !res.Confirmed {
		return res, g.hold(ctx, s, sample.ID)
	}
	g.Release(ctx, s, sample.ID)
	return res, nil
}

// Require is the lighter two-step protocol used for external send: the first
// call without confirmed sets the pending flag, a later call with confirmed
// passes. The pending flag is left for the caller to clear once the action
// actually proceeds.
func (g *ConfirmationGate) Require(ctx context.Context, s *Session, sampleID string, confirmed bool) error {
	if confirmed {
		return nil
	}
	return g.hold(ctx, s, sampleID)
}

// Release clears the pending flag and its message.
func (g *ConfirmationGate) Release(ctx context.Context, s *Session, sampleID string) {
	if !s.ConfirmPending(sampleID) {
		return
	}
	s.SetConfirmPending(sampleID, false)
	if text, _ := s.Messages.Get(ctx, sampleID); text == MsgPleaseConfirm {
		_ = s.Messages.Clear(ctx, sampleID)
	}
}

func (g *ConfirmationGate) hold(ctx context.Context, s *Session, sampleID string) error {
	s.SetConfirmPending(sampleID, true)
	if err := s.Messages.Set(ctx, sampleID, MsgPleaseConfirm, 0); err != nil {
		return fmt.Errorf("post confirmation message: %w", err)
	}
	return ErrConfirmationRequired
}
