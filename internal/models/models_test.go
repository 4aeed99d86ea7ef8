package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestWorkflowStatusTransitions(t *testing.T) {
	legal := []struct{ from, to WorkflowStatus }{
		{WorkflowStatusCollecting, WorkflowStatusScheduling},
		{WorkflowStatusCollecting, WorkflowStatusCancelled},
		{WorkflowStatusScheduling, WorkflowStatusCompleted},
		{WorkflowStatusScheduling, WorkflowStatusCancelled},
	}
	for _, tc := range legal {
		if !tc.from.CanTransitionTo(tc.to) {
			t.Errorf("expected %s -> %s to be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to WorkflowStatus }{
		{WorkflowStatusScheduling, WorkflowStatusCollecting},
		{WorkflowStatusCompleted, WorkflowStatusCancelled},
		{WorkflowStatusCompleted, WorkflowStatusScheduling},
		{WorkflowStatusCancelled, WorkflowStatusCollecting},
		{WorkflowStatusCollecting, WorkflowStatusCompleted},
	}
	for _, tc := range illegal {
		if tc.from.CanTransitionTo(tc.to) {
			t.Errorf("expected %s -> %s to be illegal", tc.from, tc.to)
		}
	}
}

func TestTransitionSources(t *testing.T) {
	from := TransitionSources(WorkflowStatusCancelled)
	if len(from) != 2 {
		t.Fatalf("expected 2 sources for cancelled, got %v", from)
	}
	from = TransitionSources(WorkflowStatusCompleted)
	if len(from) != 1 || from[0] != WorkflowStatusScheduling {
		t.Errorf("expected only scheduling to complete, got %v", from)
	}
	if got := TransitionSources(WorkflowStatusCollecting); len(got) != 0 {
		t.Errorf("nothing may return to collecting, got %v", got)
	}
}

func TestWorkflowMissingFields(t *testing.T) {
	w := Workflow{CollectedFields: map[FieldKey]string{
		FieldTitle:    "Docker study session",
		FieldDuration: "120",
	}}
	missing := w.MissingFields()
	if len(missing) != 2 || missing[0] != FieldDateTime || missing[1] != FieldLocation {
		t.Errorf("unexpected missing fields: %v", missing)
	}

	w.CollectedFields[FieldDateTime] = "2025-12-05T14:00:00+09:00"
	w.CollectedFields[FieldLocation] = "https://meet.example.com/abc"
	if missing := w.MissingFields(); len(missing) != 0 {
		t.Errorf("description is optional, got missing %v", missing)
	}
}

func TestReactionKindsCategory(t *testing.T) {
	kinds := DefaultReactionKinds()
	if !kinds.IsParticipating("thumbsup") {
		t.Error("thumbsup should be participating")
	}
	if kinds.IsParticipating("eyes") {
		t.Error("eyes should be observing")
	}
	if !kinds.IsParticipating("+1::skin-tone-3") {
		t.Error("skin tone suffix should be ignored")
	}
	if kinds.Category("unknown_emoji") != ReactionParticipating {
		t.Error("unknown kinds should fall back to participating")
	}
}

func TestParseReactionKinds(t *testing.T) {
	kinds, err := ParseReactionKinds("raised_hand:participating, eyes:observing", ReactionObserving)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kinds.Category("raised_hand") != ReactionParticipating {
		t.Error("raised_hand should be participating")
	}
	if kinds.Category("eyes") != ReactionObserving {
		t.Error("eyes should be observing")
	}
	if kinds.Category("tada") != ReactionObserving {
		t.Error("fallback should apply to unknown kinds")
	}

	if _, err := ParseReactionKinds("eyes", ReactionObserving); err == nil {
		t.Error("expected error for missing category")
	}
	if _, err := ParseReactionKinds("eyes:lurking", ReactionObserving); err == nil {
		t.Error("expected error for unknown category")
	}
	if _, err := ParseReactionKinds(" , ", ReactionObserving); err == nil {
		t.Error("expected error for empty mapping")
	}
}

func TestSlotStepOrder(t *testing.T) {
	step := StepTitle
	var seen []SlotStep
	for step != StepComplete {
		seen = append(seen, step)
		step = step.Next()
	}
	want := []SlotStep{StepTitle, StepDateTime, StepDuration, StepLocation, StepDescription}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Errorf("unexpected order %v", seen)
	}
	if StepComplete.Next() != StepComplete {
		t.Error("complete must be terminal")
	}
	if !StepDescription.IsOptional() || StepTitle.IsOptional() {
		t.Error("only description is optional")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	var err error = &ValidationError{Field: FieldDuration, Message: "must be positive"}
	if !errors.Is(err, ErrValidation) {
		t.Error("ValidationError should match ErrValidation")
	}

	cause := errors.New("503 backend unavailable")
	err = fmt.Errorf("materialize: %w", NewExternalError("calendar", "create event", cause))
	if !errors.Is(err, ErrExternalDependency) {
		t.Error("wrapped ExternalDependencyError should match ErrExternalDependency")
	}
	if !errors.Is(err, cause) {
		t.Error("ExternalDependencyError should unwrap to the cause")
	}
	if NewExternalError("calendar", "create event", nil) != nil {
		t.Error("nil cause should produce nil error")
	}
}

func TestAddTopicRequestValidate(t *testing.T) {
	req := AddTopicRequest{Category: "  casual ", Content: " What did you cook this weekend? ", ReactionEmoji: ":fork_and_knife:"}
	if err := req.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Category != "casual" || req.ReactionEmoji != "fork_and_knife" {
		t.Errorf("request not normalized: %+v", req)
	}

	bad := AddTopicRequest{Category: "casual"}
	if err := bad.Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestSourceMessageID(t *testing.T) {
	id := SourceMessageID("C0GENERAL", "1733371200.000100")
	if id != "C0GENERAL:1733371200.000100" {
		t.Fatalf("unexpected id %q", id)
	}
	ch, ts, ok := ParseSourceMessageID(id)
	if !ok || ch != "C0GENERAL" || ts != "1733371200.000100" {
		t.Errorf("round trip failed: %q %q %v", ch, ts, ok)
	}
	for _, bad := range []string{"", "C0GENERAL", ":123", "C0GENERAL:"} {
		if _, _, ok := ParseSourceMessageID(bad); ok {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestJobDedupeKeys(t *testing.T) {
	if got := MaterializeDedupeKey("wf1"); got != "materialize:wf1" {
		t.Errorf("materialize key = %q", got)
	}
	if got := EngagementDedupeKey("wf1"); got != "engagement:wf1" {
		t.Errorf("engagement key = %q", got)
	}
	if got := ProposalDedupeKey("wf1"); got != "proposal:wf1" {
		t.Errorf("proposal key = %q", got)
	}
}
