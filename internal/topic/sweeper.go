package topic

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/HuddlePipe/internal/models"
)

// DefaultWorkflowTTL is how long a workflow may collect reactions before it is abandoned.
const DefaultWorkflowTTL = 168 * time.Hour

const sweepBatchSize = 100

// StaleWorkflows is the part of the tracker the sweeper needs.
type StaleWorkflows interface {
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.Workflow, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

// EngagementScheduler enqueues engagement measurement for a finished workflow.
type EngagementScheduler interface {
	ScheduleEngagement(ctx context.Context, workflowID string) error
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Examined  int `json:"examined"`
	Cancelled int `json:"cancelled"`
}

// Sweeper cancels workflows that never reached the proposal threshold.
type Sweeper struct {
	workflows  StaleWorkflows
	engagement EngagementScheduler
	ttl        time.Duration
	now        func() time.Time
}

// NewSweeper creates a Sweeper. A non-positive ttl means DefaultWorkflowTTL.
func NewSweeper(workflows StaleWorkflows, engagement EngagementScheduler, ttl time.Duration) *Sweeper {
	if ttl <= 0 {
		ttl = DefaultWorkflowTTL
	}
	return &Sweeper{workflows: workflows, engagement: engagement, ttl: ttl, now: time.Now}
}

// Sweep cancels every collecting workflow older than the TTL and schedules its measurement.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	cutoff := s.now().Add(-s.ttl)
	for {
		stale, err := s.workflows.ListStale(ctx, cutoff, sweepBatchSize)
		if err != nil {
			return report, fmt.Errorf("sweep: %w", err)
		}
		progressed := false
		for _, wf := range stale {
			report.Examined++
			ok, err := s.workflows.Cancel(ctx, wf.ID)
			if err != nil {
				return report, fmt.Errorf("sweep cancel %s: %w", wf.ID, err)
			}
			if !ok {
				continue
			}
			progressed = true
			report.Cancelled++
			if s.engagement != nil {
				if err := s.engagement.ScheduleEngagement(ctx, wf.ID); err != nil {
					return report, fmt.Errorf("sweep schedule engagement %s: %w", wf.ID, err)
				}
			}
		}
		if len(stale) < sweepBatchSize || !progressed {
			break
		}
	}
	slog.Info("Sweeper.Sweep", "examined", report.Examined, "cancelled", report.Cancelled, "cutoff", cutoff)
	return report, nil
}
