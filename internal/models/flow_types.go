package models

// SlotStep is the cursor of a slot-filling dialogue.
type SlotStep string

// Slot steps in dialogue order.
const (
	StepTitle       SlotStep = "title"
	StepDateTime    SlotStep = "datetime"
	StepDuration    SlotStep = "duration"
	StepLocation    SlotStep = "location"
	StepDescription SlotStep = "description"
	StepComplete    SlotStep = "complete"
)

// slotOrder is the fixed step sequence.
var slotOrder = []SlotStep{StepTitle, StepDateTime, StepDuration, StepLocation, StepDescription, StepComplete}

// Next returns the step after s. StepComplete is its own successor.
func (s SlotStep) Next() SlotStep {
	for i, step := range slotOrder {
		if step == s && i+1 < len(slotOrder) {
			return slotOrder[i+1]
		}
	}
	return StepComplete
}

// Field returns the workflow field that step s collects, or "" for StepComplete.
func (s SlotStep) Field() FieldKey {
	switch s {
	case StepTitle:
		return FieldTitle
	case StepDateTime:
		return FieldDateTime
	case StepDuration:
		return FieldDuration
	case StepLocation:
		return FieldLocation
	case StepDescription:
		return FieldDescription
	}
	return ""
}

// IsOptional reports whether an empty answer is accepted for s.
func (s SlotStep) IsOptional() bool {
	return s == StepDescription
}

// IsValid reports whether s is a known step.
func (s SlotStep) IsValid() bool {
	for _, step := range slotOrder {
		if step == s {
			return true
		}
	}
	return false
}
