package store

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/HuddlePipe/internal/models"
)

// TestJobRunnerRestartRecovery simulates a crash-and-restart scenario.
// It enqueues a materialization retry, "crashes" (stops the runner), restarts
// with a new runner on the same DB, and verifies the job executes exactly once.
func TestJobRunnerRestartRecovery(t *testing.T) {
	// Create a shared temp dir for the database
	tempDir, err := os.MkdirTemp("", "restart_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	dbPath := filepath.Join(tempDir, "test.db")

	// Phase 1: Create store, enqueue a due job, start runner, then "crash"
	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}

	var executedPhase1 int32
	runner1 := NewJobRunner(s1, 50*time.Millisecond)
	runner1.RegisterHandler("materialize_workflow", func(ctx context.Context, payload string) error {
		atomic.AddInt32(&executedPhase1, 1)
		return nil
	})

	// Enqueue a job that's due in the future (so it won't execute in phase 1)
	runAt := time.Now().Add(200 * time.Millisecond)
	jobID, err := s1.EnqueueJob(context.Background(), "materialize_workflow", runAt, `{"workflow_id":"wf-restart"}`, "materialize:wf-restart")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	// Start runner briefly and stop before job is due
	ctx1, cancel1 := context.WithTimeout(context.Background(), 100*time.Millisecond)
	go runner1.Run(ctx1)
	<-ctx1.Done()
	cancel1()

	// Job should NOT have executed yet
	if atomic.LoadInt32(&executedPhase1) != 0 {
		t.Fatalf("Expected 0 executions in phase 1, got %d", atomic.LoadInt32(&executedPhase1))
	}

	// Close store ("crash")
	s1.Close()

	// Phase 2: Open new store on same DB, recover stale jobs, run again
	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	var executedPhase2 int32
	runner2 := NewJobRunner(s2, 50*time.Millisecond)
	runner2.RegisterHandler("materialize_workflow", func(ctx context.Context, payload string) error {
		atomic.AddInt32(&executedPhase2, 1)
		return nil
	})

	// Recover stale jobs (simulates crash recovery on startup)
	if err := runner2.RecoverStaleJobs(context.Background()); err != nil {
		t.Fatalf("RecoverStaleJobs failed: %v", err)
	}

	// Wait for the job to become due and execute
	ctx2, cancel2 := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel2()
	go runner2.Run(ctx2)
	<-ctx2.Done()

	// Job should have executed exactly once
	if atomic.LoadInt32(&executedPhase2) != 1 {
		t.Errorf("Expected 1 execution in phase 2, got %d", atomic.LoadInt32(&executedPhase2))
	}

	// Verify job is marked done
	job, err := s2.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob after restart failed: %v", err)
	}
	if job.Status != JobStatusDone {
		t.Errorf("Expected job status 'done', got %q", job.Status)
	}
}

// TestOutboxSenderRestartRecovery simulates a crash-and-restart for outbox messages.
func TestOutboxSenderRestartRecovery(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "outbox_restart_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	dbPath := filepath.Join(tempDir, "test.db")

	// Phase 1: Enqueue message, claim it (marking as "sending"), then "crash"
	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}

	_, err = s1.EnqueueOutboxMessage(context.Background(), "C0GENERAL", "calendar_created", `{"workflow_id":"wf-restart"}`, "outbox-restart-dedup")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}

	// Claim it (simulates being mid-send when crash happens)
	msgs, err := s1.ClaimDueOutboxMessages(context.Background(), time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Status != OutboxStatusSending {
		t.Errorf("Expected status 'sending', got %q", msgs[0].Status)
	}

	// "Crash" without marking sent
	s1.Close()

	// Phase 2: Open new store, recover, verify it gets sent
	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	var sent int32
	sender2 := NewOutboxSender(s2, func(ctx context.Context, msg OutboxMessage) error {
		atomic.AddInt32(&sent, 1)
		return nil
	}, 50*time.Millisecond)

	// Recover stale sending messages
	// Use a custom stale threshold to immediately recover
	staleBefore := time.Now().Add(time.Minute) // Everything is stale
	n, err := s2.RequeueStaleSendingMessages(context.Background(), staleBefore)
	if err != nil {
		t.Fatalf("RequeueStaleSendingMessages failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 message requeued, got %d", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go sender2.Run(ctx)
	<-ctx.Done()

	if atomic.LoadInt32(&sent) != 1 {
		t.Errorf("Expected 1 send after recovery, got %d", atomic.LoadInt32(&sent))
	}
}

// TestWorkflowSurvivesRestart verifies that reopening a migrated database is a
// no-op for the schema and that workflow state and reactions persist.
func TestWorkflowSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	wf := newTestWorkflow("C0GENERAL:1700000000.000100")
	if ok, err := s1.CreateWorkflow(ctx, wf); err != nil || !ok {
		t.Fatalf("CreateWorkflow failed: ok=%v err=%v", ok, err)
	}
	if _, _, err := s1.UpsertReaction(ctx, wf.ID, models.Reaction{ParticipantID: "U01", ReactionKind: "raised_hand"}); err != nil {
		t.Fatalf("UpsertReaction failed: %v", err)
	}
	if ok, err := s1.TransitionWorkflow(ctx, wf.ID, []models.WorkflowStatus{models.WorkflowStatusCollecting}, models.WorkflowStatusScheduling, "", ""); err != nil || !ok {
		t.Fatalf("TransitionWorkflow failed: ok=%v err=%v", ok, err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetWorkflow(ctx, wf.ID)
	if err != nil || got == nil {
		t.Fatalf("GetWorkflow after restart failed: wf=%v err=%v", got, err)
	}
	if got.Status != models.WorkflowStatusScheduling {
		t.Errorf("Expected status scheduling after restart, got %q", got.Status)
	}
	if len(got.Reactions) != 1 || got.Reactions[0].ParticipantID != "U01" {
		t.Errorf("Expected reaction from U01 to persist, got %+v", got.Reactions)
	}
}

// TestDedupRepoRestartSafety verifies that dedup records survive a store restart.
func TestDedupRepoRestartSafety(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "dedup_restart_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	dbPath := filepath.Join(tempDir, "test.db")

	// Phase 1: Record an inbound message
	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}

	isNew, err := s1.RecordInbound(context.Background(), "Ev0RESTART", "U01")
	if err != nil {
		t.Fatalf("RecordInbound failed: %v", err)
	}
	if !isNew {
		t.Error("Expected isNew=true for first record")
	}
	if err := s1.MarkProcessed(context.Background(), "Ev0RESTART"); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}

	s1.Close()

	// Phase 2: Reopen and verify it's a duplicate
	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	isNew2, err := s2.RecordInbound(context.Background(), "Ev0RESTART", "U01")
	if err != nil {
		t.Fatalf("RecordInbound duplicate failed: %v", err)
	}
	if isNew2 {
		t.Error("Expected isNew=false for duplicate after restart")
	}

	dup, err := s2.IsDuplicate(context.Background(), "Ev0RESTART")
	if err != nil {
		t.Fatalf("IsDuplicate failed: %v", err)
	}
	if !dup {
		t.Error("Expected true for duplicate message after restart")
	}
}
