package flow

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/HuddlePipe/internal/models"
	"github.com/BTreeMap/HuddlePipe/internal/store"
)

func newTestSQLiteStoreForFlow(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "flow.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestScheduleMaterializeEnqueuesDelayedJob(t *testing.T) {
	s := newTestSQLiteStoreForFlow(t)
	ctx := context.Background()
	sched := NewJobScheduler(s)

	if err := sched.ScheduleMaterialize(ctx, "wf-1", time.Hour); err != nil {
		t.Fatalf("ScheduleMaterialize failed: %v", err)
	}
	// Redelivered failure for the same workflow must not queue a second job.
	if err := sched.ScheduleMaterialize(ctx, "wf-1", time.Hour); err != nil {
		t.Fatalf("ScheduleMaterialize duplicate failed: %v", err)
	}

	due, err := s.ClaimDueJobs(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("Delayed job should not be due yet, got %d", len(due))
	}

	jobs, err := s.ClaimDueJobs(ctx, time.Now().Add(2*time.Hour), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("Expected exactly one materialize job, got %d", len(jobs))
	}
	j := jobs[0]
	if j.Kind != models.JobKindMaterializeWorkflow || j.DedupeKey != models.MaterializeDedupeKey("wf-1") {
		t.Errorf("Unexpected job %+v", j)
	}
	var payload models.WorkflowJobPayload
	if err := json.Unmarshal([]byte(j.PayloadJSON), &payload); err != nil {
		t.Fatalf("Failed to unmarshal payload: %v", err)
	}
	if payload.WorkflowID != "wf-1" {
		t.Errorf("Expected workflow wf-1, got %q", payload.WorkflowID)
	}
}

func TestRegisterJobHandlersDispatchesByKind(t *testing.T) {
	s := newTestSQLiteStoreForFlow(t)
	sched := NewJobScheduler(s)

	var mu sync.Mutex
	got := map[string][]string{}
	record := func(kind string) WorkflowJobFunc {
		return func(_ context.Context, id string) error {
			mu.Lock()
			defer mu.Unlock()
			got[kind] = append(got[kind], id)
			return nil
		}
	}
	runner := store.NewJobRunner(s, 20*time.Millisecond)
	RegisterJobHandlers(runner, record("materialize"), record("measure"))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := sched.ScheduleMaterialize(ctx, "wf-a", 0); err != nil {
		t.Fatal(err)
	}
	if err := sched.ScheduleEngagement(ctx, "wf-b"); err != nil {
		t.Fatal(err)
	}
	go runner.Run(ctx)

	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := len(got["materialize"]) == 1 && len(got["measure"]) == 1
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got["materialize"]) != 1 || got["materialize"][0] != "wf-a" {
		t.Errorf("materialize handler calls: %v", got["materialize"])
	}
	if len(got["measure"]) != 1 || got["measure"][0] != "wf-b" {
		t.Errorf("measure handler calls: %v", got["measure"])
	}
}

func TestWorkflowJobHandlerRejectsBadPayload(t *testing.T) {
	called := false
	h := workflowJobHandler(models.JobKindMeasureEngagement, func(context.Context, string) error {
		called = true
		return nil
	})
	for _, payload := range []string{"not json", `{}`, `{"workflow_id":""}`} {
		if err := h(context.Background(), payload); err == nil {
			t.Errorf("payload %q should be rejected", payload)
		}
	}
	if called {
		t.Error("handler must not run for invalid payloads")
	}
}
