package models

// Durable job kinds.
const (
	JobKindMaterializeWorkflow = "materialize_workflow"
	JobKindMeasureEngagement   = "measure_engagement"
)

// WorkflowJobPayload is the JSON payload of every workflow-scoped job.
type WorkflowJobPayload struct {
	WorkflowID string `json:"workflow_id"`
}

// MaterializeDedupeKey keeps at most one pending materialization per workflow.
func MaterializeDedupeKey(workflowID string) string { return "materialize:" + workflowID }

// EngagementDedupeKey keeps at most one pending measurement per workflow.
func EngagementDedupeKey(workflowID string) string { return "engagement:" + workflowID }

// ProposalDedupeKey keeps at most one pending proposal post per workflow.
func ProposalDedupeKey(workflowID string) string { return "proposal:" + workflowID }

// CalendarCreatedDedupeKey keeps at most one pending completion post per workflow.
func CalendarCreatedDedupeKey(workflowID string) string { return "calendar_created:" + workflowID }
