package processor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	config "smarttodo/app/configs"
	"smarttodo/app/core/orchestrator/analysis"
	"smarttodo/app/core/orchestrator/db"
	"smarttodo/app/core/orchestrator/execlog"
	"smarttodo/app/core/orchestrator/task"
)

type fakeAnalyzer struct {
	fn func(ctx context.Context, req analysis.Request) task.AnalysisResult
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, req analysis.Request) task.AnalysisResult {
	return f.fn(ctx, req)
}

func newTestProcessor(t *testing.T, fn func(ctx context.Context, req analysis.Request) task.AnalysisResult) (*Processor, *task.Store) {
	t.Helper()
	dir := t.TempDir()
	execlog.SetBaseDir(filepath.Join(dir, "transcripts"))
	t.Cleanup(func() { execlog.SetBaseDir(filepath.Join("output", "analysis")) })

	database, err := db.NewSQLiteDB(filepath.Join(dir, "db"))
	if err != nil {
		t.Fatalf("init sqlite failed: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	cfg, err := config.NewManager(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatalf("init config failed: %v", err)
	}

	store := task.NewStore(database)
	p := New(store, &fakeAnalyzer{fn: fn}, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p, store
}

func waitForStatus(t *testing.T, store *task.Store, id int64, want string) task.RawMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := store.GetRawMessage(context.Background(), id)
		if err != nil {
			t.Fatalf("get message failed: %v", err)
		}
		if msg.Status == want {
			return msg
		}
		time.Sleep(10 * time.Millisecond)
	}
	msg, _ := store.GetRawMessage(context.Background(), id)
	t.Fatalf("message %d never reached %s, stuck at %s", id, want, msg.Status)
	return task.RawMessage{}
}

func createResult(title, summary string) task.AnalysisResult {
	return task.AnalysisResult{
		Action: task.ActionCreate,
		Data: &task.TaskData{
			Title:        title,
			Summary:      summary,
			Completeness: task.CompletenessComplete,
		},
		RawLog: fmt.Sprintf(`{"action":"CREATE","taskData":{"title":%q}}`, title),
	}
}

func TestSubmitCreateMakesDraftTask(t *testing.T) {
	p, store := newTestProcessor(t, func(ctx context.Context, req analysis.Request) task.AnalysisResult {
		return createResult("Buy milk", "User wants milk")
	})

	id, err := p.Submit(context.Background(), "buy milk tomorrow", "com.tencent.mm")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	msg := waitForStatus(t, store, id, task.MsgStatusSuccess)
	if msg.RelatedTaskID == 0 {
		t.Fatal("message not linked to created task")
	}

	created, err := store.GetTask(context.Background(), msg.RelatedTaskID)
	if err != nil {
		t.Fatalf("get task failed: %v", err)
	}
	if !created.IsDraft {
		t.Fatal("created task must be a draft")
	}
	if created.Title != "Buy milk" {
		t.Fatalf("unexpected title: %s", created.Title)
	}
	if !strings.Contains(created.Summary, "Created from: com.tencent.mm") {
		t.Fatalf("summary missing provenance: %q", created.Summary)
	}
	if !strings.HasSuffix(created.Summary, "\nUser wants milk") {
		t.Fatalf("summary missing payload: %q", created.Summary)
	}
}

func TestSubmitMergeAppendsHistory(t *testing.T) {
	var targetID atomic.Int64
	p, store := newTestProcessor(t, func(ctx context.Context, req analysis.Request) task.AnalysisResult {
		return task.AnalysisResult{
			Action:       task.ActionMerge,
			TargetTaskID: targetID.Load(),
			Data: &task.TaskData{
				Title:        "Breakfast",
				Summary:      "Added bread to breakfast.",
				Notes:        "Drink milk.\nEat bread.",
				HasNotes:     true,
				Subtasks:     []string{"buy bread"},
				Completeness: task.CompletenessComplete,
			},
		}
	})

	existingID, err := store.InsertTask(context.Background(), task.SmartTask{
		Title:        "Breakfast",
		Summary:      "[01-01 08:00] Created from: cli\nMorning routine",
		Notes:        "Drink milk.",
		Status:       task.StatusPending,
		Completeness: task.CompletenessComplete,
	})
	if err != nil {
		t.Fatalf("seed task failed: %v", err)
	}
	targetID.Store(existingID)

	id, err := p.Submit(context.Background(), "eat bread for breakfast", "cli")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitForStatus(t, store, id, task.MsgStatusSuccess)

	merged, err := store.GetTask(context.Background(), existingID)
	if err != nil {
		t.Fatalf("get task failed: %v", err)
	}
	if !strings.Contains(merged.Summary, "Added bread to breakfast.") {
		t.Fatalf("summary not appended: %q", merged.Summary)
	}
	if !strings.HasPrefix(merged.Summary, "[01-01 08:00] Created from: cli") {
		t.Fatalf("existing history lost: %q", merged.Summary)
	}
	if merged.Notes != "Drink milk.\nEat bread." {
		t.Fatalf("notes not overwritten: %q", merged.Notes)
	}
	if len(merged.Subtasks) != 1 || merged.Subtasks[0].Content != "buy bread" {
		t.Fatalf("unexpected subtasks: %+v", merged.Subtasks)
	}

	// Re-analyzing the same payload must not duplicate history or subtasks.
	id2, err := p.Submit(context.Background(), "eat bread for breakfast", "cli")
	if err != nil {
		t.Fatalf("second submit failed: %v", err)
	}
	waitForStatus(t, store, id2, task.MsgStatusSuccess)

	again, err := store.GetTask(context.Background(), existingID)
	if err != nil {
		t.Fatalf("reload task failed: %v", err)
	}
	if strings.Count(again.Summary, "Added bread to breakfast.") != 1 {
		t.Fatalf("summary duplicated: %q", again.Summary)
	}
	if len(again.Subtasks) != 1 {
		t.Fatalf("subtasks duplicated: %+v", again.Subtasks)
	}
}

func TestSubmitIgnoreCreatesNothing(t *testing.T) {
	p, store := newTestProcessor(t, func(ctx context.Context, req analysis.Request) task.AnalysisResult {
		return task.AnalysisResult{Action: task.ActionIgnore, RawLog: `{"action":"IGNORE"}`}
	})

	id, err := p.Submit(context.Background(), "ok thanks", "cli")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	msg := waitForStatus(t, store, id, task.MsgStatusSuccess)
	if msg.RelatedTaskID != 0 {
		t.Fatal("ignored message must not link a task")
	}

	active, _ := store.ListActiveTasks(context.Background(), 10)
	drafts, _ := store.ListDraftTasks(context.Background(), 10)
	if len(active)+len(drafts) != 0 {
		t.Fatalf("ignore must not create tasks, found %d", len(active)+len(drafts))
	}
}

func TestGarbagePayloadIsIntercepted(t *testing.T) {
	p, store := newTestProcessor(t, func(ctx context.Context, req analysis.Request) task.AnalysisResult {
		return createResult("Streaming Error occurred", "Streaming Error: connection abort")
	})

	id, err := p.Submit(context.Background(), "some message", "cli")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	msg := waitForStatus(t, store, id, task.MsgStatusSuccess)
	if msg.RelatedTaskID != 0 {
		t.Fatal("garbage payload must not link a task")
	}
	if !strings.Contains(msg.Log, "Intercepted garbage content:") {
		t.Fatalf("missing interception log: %q", msg.Log)
	}

	drafts, _ := store.ListDraftTasks(context.Background(), 10)
	if len(drafts) != 0 {
		t.Fatal("garbage payload must not create tasks")
	}
}

func TestFailedAnalysisMarksMessageFailed(t *testing.T) {
	p, store := newTestProcessor(t, func(ctx context.Context, req analysis.Request) task.AnalysisResult {
		return task.AnalysisResult{
			Action: task.ActionIgnore,
			RawLog: "Error: model service busy, retry later",
			Failed: true,
		}
	})

	id, err := p.Submit(context.Background(), "plan the offsite", "cli")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	msg := waitForStatus(t, store, id, task.MsgStatusFailed)
	if !strings.Contains(msg.Log, "busy") {
		t.Fatalf("failure log missing: %q", msg.Log)
	}
}

func TestMergeToMissingTargetIsAbsorbed(t *testing.T) {
	p, store := newTestProcessor(t, func(ctx context.Context, req analysis.Request) task.AnalysisResult {
		return task.AnalysisResult{
			Action:       task.ActionMerge,
			TargetTaskID: 999,
			Data:         &task.TaskData{Title: "Ghost", Summary: "update", Completeness: task.CompletenessComplete},
		}
	})

	id, err := p.Submit(context.Background(), "update the ghost", "cli")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitForStatus(t, store, id, task.MsgStatusSuccess)

	drafts, _ := store.ListDraftTasks(context.Background(), 10)
	active, _ := store.ListActiveTasks(context.Background(), 10)
	if len(drafts)+len(active) != 0 {
		t.Fatal("missing merge target must not create tasks")
	}
}

func TestAnalysisRunsSerialized(t *testing.T) {
	var inFlight atomic.Int32
	var peak atomic.Int32
	p, store := newTestProcessor(t, func(ctx context.Context, req analysis.Request) task.AnalysisResult {
		n := inFlight.Add(1)
		for {
			current := peak.Load()
			if n <= current || peak.CompareAndSwap(current, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inFlight.Add(-1)
		return task.AnalysisResult{Action: task.ActionIgnore}
	})

	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := p.Submit(context.Background(), fmt.Sprintf("message %d", i), "cli")
		if err != nil {
			t.Fatalf("submit failed: %v", err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitForStatus(t, store, id, task.MsgStatusSuccess)
	}

	if peak.Load() != 1 {
		t.Fatalf("expected at most 1 concurrent analysis, saw %d", peak.Load())
	}
}

func TestCancelWhileQueuedSkipsAnalysis(t *testing.T) {
	block := make(chan struct{})
	var analyzed sync.Map
	p, store := newTestProcessor(t, func(ctx context.Context, req analysis.Request) task.AnalysisResult {
		analyzed.Store(req.Content, true)
		<-block
		return task.AnalysisResult{Action: task.ActionIgnore}
	})

	first, err := p.Submit(context.Background(), "first", "cli")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitForStatus(t, store, first, task.MsgStatusProcessing)

	second, err := p.Submit(context.Background(), "second", "cli")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitForStatus(t, store, second, task.MsgStatusProcessing)

	if err := p.Cancel(context.Background(), second); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	waitForStatus(t, store, second, task.MsgStatusCancelled)

	close(block)
	waitForStatus(t, store, first, task.MsgStatusSuccess)

	if _, ok := analyzed.Load("second"); ok {
		t.Fatal("cancelled message must never reach the analyzer")
	}
}

func TestCancelAllStopsEverything(t *testing.T) {
	block := make(chan struct{})
	p, store := newTestProcessor(t, func(ctx context.Context, req analysis.Request) task.AnalysisResult {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return task.AnalysisResult{Action: task.ActionIgnore, RawLog: "Error: analysis cancelled", Failed: true}
	})
	defer close(block)

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := p.Submit(context.Background(), fmt.Sprintf("message %d", i), "cli")
		if err != nil {
			t.Fatalf("submit failed: %v", err)
		}
		ids = append(ids, id)
	}
	waitForStatus(t, store, ids[0], task.MsgStatusProcessing)

	if err := p.CancelAll(context.Background()); err != nil {
		t.Fatalf("cancel all failed: %v", err)
	}
	for _, id := range ids {
		waitForStatus(t, store, id, task.MsgStatusCancelled)
	}
}

func TestResubmitRerunsFailedMessage(t *testing.T) {
	var failFirst atomic.Bool
	failFirst.Store(true)
	p, store := newTestProcessor(t, func(ctx context.Context, req analysis.Request) task.AnalysisResult {
		if failFirst.Swap(false) {
			return task.AnalysisResult{Action: task.ActionIgnore, RawLog: "Error: rate limited, retry later", Failed: true}
		}
		return createResult("Second try", "worked this time")
	})

	id, err := p.Submit(context.Background(), "retry me", "cli")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitForStatus(t, store, id, task.MsgStatusFailed)

	if err := p.Resubmit(context.Background(), id); err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	msg := waitForStatus(t, store, id, task.MsgStatusSuccess)
	if msg.RelatedTaskID == 0 {
		t.Fatal("resubmitted message should link the created task")
	}
}

func TestRecoverStalledFailsLeftovers(t *testing.T) {
	p, store := newTestProcessor(t, func(ctx context.Context, req analysis.Request) task.AnalysisResult {
		return task.AnalysisResult{Action: task.ActionIgnore}
	})

	stuck, err := store.InsertRawMessage(context.Background(), "stuck from last run", "cli")
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := store.UpdateMessageStatus(context.Background(), stuck.ID, task.MsgStatusProcessing); err != nil {
		t.Fatalf("status update failed: %v", err)
	}

	if err := p.RecoverStalled(context.Background()); err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	msg := waitForStatus(t, store, stuck.ID, task.MsgStatusFailed)
	if !strings.Contains(msg.Log, "interrupted by restart") {
		t.Fatalf("unexpected recovery log: %q", msg.Log)
	}
}

func TestSweepStalledSkipsLiveJobs(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	p, store := newTestProcessor(t, func(ctx context.Context, req analysis.Request) task.AnalysisResult {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return task.AnalysisResult{Action: task.ActionIgnore}
	})

	live, err := p.Submit(context.Background(), "still running", "cli")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitForStatus(t, store, live, task.MsgStatusProcessing)

	orphan, err := store.InsertRawMessage(context.Background(), "orphaned", "cli")
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := store.UpdateMessageStatus(context.Background(), orphan.ID, task.MsgStatusProcessing); err != nil {
		t.Fatalf("status update failed: %v", err)
	}

	swept, err := p.SweepStalled(context.Background(), -time.Minute)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 swept message, got %d", swept)
	}

	waitForStatus(t, store, orphan.ID, task.MsgStatusFailed)
	msg, _ := store.GetRawMessage(context.Background(), live)
	if msg.Status != task.MsgStatusProcessing {
		t.Fatalf("live job must survive the sweep, got %s", msg.Status)
	}
}
