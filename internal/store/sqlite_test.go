package store

import (
	"os/exec"
	"path/filepath"
	"testing"

	"autoforge/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	if _, err := exec.LookPath("sqlite3"); err != nil {
		t.Skip("sqlite3 not available")
	}
	s := NewSQLiteStore(filepath.Join(t.TempDir(), "autoforge.db"))
	if err := s.Init(); err != nil {
		t.Fatalf("init store: %v", err)
	}
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)

	record := model.RunRecord{
		RunID:     "run-1",
		Origin:    model.TriggerOriginWebhook,
		PayloadID: "inbox/new-page.md",
		Status:    model.RunStatusStarted,
	}
	if err := s.CreateRun(record); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := s.UpdateRunBranch("run-1", "autoforge/20250101-abc"); err != nil {
		t.Fatalf("update branch: %v", err)
	}
	if err := s.FinishRun("run-1", model.RunStatusMerged, "added a page", `{"safe":true}`, ""); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	runs, err := s.ListRuns(10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected one run, got %d", len(runs))
	}
	got := runs[0]
	if got.Status != model.RunStatusMerged {
		t.Fatalf("expected merged status, got %s", got.Status)
	}
	if got.Branch != "autoforge/20250101-abc" {
		t.Fatalf("unexpected branch %q", got.Branch)
	}
	if got.Summary != "added a page" {
		t.Fatalf("unexpected summary %q", got.Summary)
	}
}

func TestProcessedBranchesSurviveReopen(t *testing.T) {
	if _, err := exec.LookPath("sqlite3"); err != nil {
		t.Skip("sqlite3 not available")
	}
	dbPath := filepath.Join(t.TempDir(), "autoforge.db")
	s := NewSQLiteStore(dbPath)
	if err := s.Init(); err != nil {
		t.Fatalf("init store: %v", err)
	}
	if err := s.MarkBranchProcessed("feature-request/add-gallery"); err != nil {
		t.Fatalf("mark branch: %v", err)
	}

	// A fresh store over the same file models a process restart.
	reopened := NewSQLiteStore(dbPath)
	if err := reopened.Init(); err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	processed, err := reopened.IsBranchProcessed("feature-request/add-gallery")
	if err != nil {
		t.Fatalf("check branch: %v", err)
	}
	if !processed {
		t.Fatalf("expected branch to stay processed across reopen")
	}
	other, err := reopened.IsBranchProcessed("feature-request/other")
	if err != nil {
		t.Fatalf("check other branch: %v", err)
	}
	if other {
		t.Fatalf("expected unseen branch to be unprocessed")
	}
}

func TestOutboxRetryExhaustion(t *testing.T) {
	s := newTestStore(t)

	message := model.OutboxMessage{
		MessageID:   "msg-1",
		RunID:       "run-1",
		Kind:        model.OutcomeFailure,
		PayloadJSON: `{"kind":"failure"}`,
	}
	if err := s.EnqueueOutbox(message); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Two failed attempts with max_attempts=2 should park the message.
	if err := s.MarkOutboxFailed("msg-1", "connection refused", 2); err != nil {
		t.Fatalf("first failure: %v", err)
	}
	pending, err := s.ListOutboxByStatus(model.OutboxStatusPending, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Attempts != 1 {
		t.Fatalf("expected one pending message with one attempt, got %+v", pending)
	}
	if err := s.MarkOutboxFailed("msg-1", "connection refused", 2); err != nil {
		t.Fatalf("second failure: %v", err)
	}
	failed, err := s.ListOutboxByStatus(model.OutboxStatusFailed, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected one failed message, got %d", len(failed))
	}

	stats, err := s.OutboxStats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.FailedCount != 1 || stats.PendingCount != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestOutboxSent(t *testing.T) {
	s := newTestStore(t)

	if err := s.EnqueueOutbox(model.OutboxMessage{
		MessageID:   "msg-2",
		Kind:        model.OutcomeSuccess,
		PayloadJSON: `{"kind":"success"}`,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.MarkOutboxSent("msg-2"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	sent, err := s.ListOutboxByStatus(model.OutboxStatusSent, 10)
	if err != nil {
		t.Fatalf("list sent: %v", err)
	}
	if len(sent) != 1 || sent[0].SentAt == "" {
		t.Fatalf("expected one sent message with sent_at, got %+v", sent)
	}
}
