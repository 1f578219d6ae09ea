package task

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"smarttodo/app/core/orchestrator/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.NewSQLiteDB(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("init sqlite failed: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return NewStore(database)
}

func TestInsertAndGetRawMessage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	msg, err := store.InsertRawMessage(ctx, "  buy milk tomorrow  ", "com.tencent.mm")
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if msg.ID == 0 {
		t.Fatal("expected non-zero id")
	}
	if msg.Status != MsgStatusPending {
		t.Fatalf("unexpected status: %s", msg.Status)
	}

	loaded, err := store.GetRawMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if loaded.Content != "buy milk tomorrow" {
		t.Fatalf("content not trimmed: %q", loaded.Content)
	}
	if loaded.SourceID != "com.tencent.mm" {
		t.Fatalf("unexpected source: %s", loaded.SourceID)
	}
	if loaded.RelatedTaskID != 0 {
		t.Fatalf("expected no related task, got %d", loaded.RelatedTaskID)
	}
}

func TestInsertRawMessageRejectsEmptyContent(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.InsertRawMessage(context.Background(), "   ", "cli"); err == nil {
		t.Fatal("expected error for blank content")
	}
}

func TestInsertTaskAndMarkProcessedIsAtomicLink(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	msg, err := store.InsertRawMessage(ctx, "New Task", "TestApp")
	if err != nil {
		t.Fatalf("insert message failed: %v", err)
	}

	taskID, err := store.InsertTaskAndMarkProcessed(ctx, SmartTask{
		Title:        "AI Title",
		Summary:      "AI Summary",
		Status:       StatusPending,
		Completeness: CompletenessComplete,
		IsDraft:      true,
	}, msg.ID)
	if err != nil {
		t.Fatalf("insert task failed: %v", err)
	}

	loaded, err := store.GetRawMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get message failed: %v", err)
	}
	if loaded.RelatedTaskID != taskID {
		t.Fatalf("message not linked: got %d want %d", loaded.RelatedTaskID, taskID)
	}

	created, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task failed: %v", err)
	}
	if !created.IsDraft {
		t.Fatal("new task must be a draft")
	}
	if created.Title != "AI Title" {
		t.Fatalf("unexpected title: %s", created.Title)
	}
}

func TestUpdateTaskAndMarkProcessed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	msg, err := store.InsertRawMessage(ctx, "Update Task", "TestApp")
	if err != nil {
		t.Fatalf("insert message failed: %v", err)
	}
	taskID, err := store.InsertTask(ctx, SmartTask{Title: "Old", Summary: "Old Summary", Status: StatusPending, Completeness: CompletenessComplete})
	if err != nil {
		t.Fatalf("insert task failed: %v", err)
	}

	existing, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task failed: %v", err)
	}
	existing.Summary += "\n[01-01 08:00] New Info"
	existing.Subtasks = append(existing.Subtasks, SubTaskItem{Content: "step one"})
	if err := store.UpdateTaskAndMarkProcessed(ctx, existing, msg.ID); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	updated, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("reload task failed: %v", err)
	}
	if updated.Summary != "Old Summary\n[01-01 08:00] New Info" {
		t.Fatalf("unexpected summary: %q", updated.Summary)
	}
	if len(updated.Subtasks) != 1 || updated.Subtasks[0].Content != "step one" {
		t.Fatalf("unexpected subtasks: %+v", updated.Subtasks)
	}

	loaded, err := store.GetRawMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get message failed: %v", err)
	}
	if loaded.RelatedTaskID != taskID {
		t.Fatalf("message not linked: %d", loaded.RelatedTaskID)
	}
}

func TestUpdateTaskMissingRowReturnsNoRows(t *testing.T) {
	store := newTestStore(t)
	err := store.UpdateTask(context.Background(), SmartTask{ID: 999, Title: "ghost", Status: StatusPending, Completeness: CompletenessComplete})
	if err != sql.ErrNoRows {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestActiveAndDraftListingsAreDisjoint(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	draftID, err := store.InsertTask(ctx, SmartTask{Title: "draft", Status: StatusPending, Completeness: CompletenessMissingInfo, IsDraft: true})
	if err != nil {
		t.Fatalf("insert draft failed: %v", err)
	}
	activeID, err := store.InsertTask(ctx, SmartTask{Title: "active", Status: StatusPending, Completeness: CompletenessComplete, IsDraft: false})
	if err != nil {
		t.Fatalf("insert active failed: %v", err)
	}
	trashedID, err := store.InsertTask(ctx, SmartTask{Title: "gone", Status: StatusPending, Completeness: CompletenessComplete, IsDraft: false})
	if err != nil {
		t.Fatalf("insert trashed failed: %v", err)
	}
	if err := store.TrashTask(ctx, trashedID); err != nil {
		t.Fatalf("trash failed: %v", err)
	}

	active, err := store.ListActiveTasks(ctx, 10)
	if err != nil {
		t.Fatalf("list active failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != activeID {
		t.Fatalf("unexpected active list: %+v", active)
	}

	drafts, err := store.ListDraftTasks(ctx, 10)
	if err != nil {
		t.Fatalf("list drafts failed: %v", err)
	}
	if len(drafts) != 1 || drafts[0].ID != draftID {
		t.Fatalf("unexpected draft list: %+v", drafts)
	}

	if err := store.ConfirmDraft(ctx, draftID); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	active, err = store.ListActiveTasks(ctx, 10)
	if err != nil {
		t.Fatalf("list active after confirm failed: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active tasks after confirm, got %d", len(active))
	}
}

func TestCancelAndResetHelpers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	queued, err := store.InsertRawMessage(ctx, "queued", "cli")
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	inflight, err := store.InsertRawMessage(ctx, "inflight", "cli")
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	done, err := store.InsertRawMessage(ctx, "done", "cli")
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := store.UpdateMessageStatus(ctx, inflight.ID, MsgStatusProcessing); err != nil {
		t.Fatalf("status update failed: %v", err)
	}
	if err := store.UpdateMessageStatus(ctx, done.ID, MsgStatusSuccess); err != nil {
		t.Fatalf("status update failed: %v", err)
	}

	if err := store.CancelMessage(ctx, done.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	loaded, _ := store.GetRawMessage(ctx, done.ID)
	if loaded.Status != MsgStatusSuccess {
		t.Fatalf("terminal status must not be cancelled, got %s", loaded.Status)
	}

	n, err := store.CancelNonTerminal(ctx)
	if err != nil {
		t.Fatalf("cancel all failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 cancelled, got %d", n)
	}
	for _, id := range []int64{queued.ID, inflight.ID} {
		loaded, _ := store.GetRawMessage(ctx, id)
		if loaded.Status != MsgStatusCancelled {
			t.Fatalf("message %d not cancelled: %s", id, loaded.Status)
		}
	}
}

func TestMarkMessageProcessingOnlyFromPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	msg, err := store.InsertRawMessage(ctx, "queued", "cli")
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	ok, err := store.MarkMessageProcessing(ctx, msg.ID)
	if err != nil {
		t.Fatalf("mark processing failed: %v", err)
	}
	if !ok {
		t.Fatal("pending message must transition to processing")
	}

	if err := store.CancelMessage(ctx, msg.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	ok, err = store.MarkMessageProcessing(ctx, msg.ID)
	if err != nil {
		t.Fatalf("mark processing failed: %v", err)
	}
	if ok {
		t.Fatal("cancelled message must not re-enter processing")
	}
}

func TestResetStalledFailsLeftoverMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stuck, err := store.InsertRawMessage(ctx, "stuck", "cli")
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := store.UpdateMessageStatus(ctx, stuck.ID, MsgStatusProcessing); err != nil {
		t.Fatalf("status update failed: %v", err)
	}

	n, err := store.ResetStalled(ctx, "Error: interrupted by restart")
	if err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reset, got %d", n)
	}
	loaded, _ := store.GetRawMessage(ctx, stuck.ID)
	if loaded.Status != MsgStatusFailed {
		t.Fatalf("unexpected status: %s", loaded.Status)
	}
	if loaded.Log != "Error: interrupted by restart" {
		t.Fatalf("unexpected log: %q", loaded.Log)
	}
}

func TestListMessagesForTaskReturnsEvidenceTrail(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	taskID, err := store.InsertTask(ctx, SmartTask{Title: "project", Status: StatusPending, Completeness: CompletenessComplete})
	if err != nil {
		t.Fatalf("insert task failed: %v", err)
	}
	first, err := store.InsertRawMessage(ctx, "first", "mail")
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	second, err := store.InsertRawMessage(ctx, "second", "mail")
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	other, err := store.InsertRawMessage(ctx, "other", "mail")
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	_ = other
	if err := store.MarkMessageProcessed(ctx, first.ID, taskID); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkMessageProcessed(ctx, second.ID, taskID); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	evidence, err := store.ListMessagesForTask(ctx, taskID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(evidence) != 2 {
		t.Fatalf("expected 2 linked messages, got %d", len(evidence))
	}
	if evidence[0].ID != first.ID || evidence[1].ID != second.ID {
		t.Fatalf("unexpected evidence order: %+v", evidence)
	}
}
