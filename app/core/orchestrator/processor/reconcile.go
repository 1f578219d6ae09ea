package processor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"smarttodo/app/core/orchestrator/task"
	"smarttodo/app/pkg/logger"
)

const logTimeFormat = "01-02 15:04"

// apply turns an analysis decision into durable task state. Unresolvable
// decisions (nil payload, vanished merge target) resolve as no-ops rather
// than failures: the model's verdict on a noisy fragment is advisory, and a
// stale target usually means the user deleted the task mid-flight.
func apply(ctx context.Context, store *task.Store, msg task.RawMessage, result task.AnalysisResult) error {
	switch result.Action {
	case task.ActionCreate:
		return applyCreate(ctx, store, msg, result)
	case task.ActionMerge:
		return applyMerge(ctx, store, msg, result)
	default:
		return store.MarkMessageProcessed(ctx, msg.ID, 0)
	}
}

func applyCreate(ctx context.Context, store *task.Store, msg task.RawMessage, result task.AnalysisResult) error {
	data := result.Data
	if data == nil {
		return nil
	}

	// A model fed its own transport errors will happily make tasks out of
	// them. Intercept anything that looks like error text echoed back.
	if isGarbage(data) {
		if err := store.UpdateMessageLog(ctx, msg.ID, "Intercepted garbage content: "+data.Summary); err != nil {
			return err
		}
		return store.MarkMessageProcessed(ctx, msg.ID, 0)
	}

	timestamp := time.Now().Format(logTimeFormat)
	newTask := task.SmartTask{
		Title:         data.Title,
		Summary:       fmt.Sprintf("[%s] Created from: %s\n%s", timestamp, msg.SourceID, data.Summary),
		Notes:         data.Notes,
		ScheduledTime: data.ScheduledTime,
		Subtasks:      toSubtasks(data.Subtasks),
		Status:        task.StatusPending,
		Completeness:  data.Completeness,
		IsDraft:       true,
	}

	taskID, err := store.InsertTaskAndMarkProcessed(ctx, newTask, msg.ID)
	if err != nil {
		return err
	}
	logger.Info("Created draft task %d from message %d (%s)", taskID, msg.ID, msg.SourceID)
	return nil
}

func applyMerge(ctx context.Context, store *task.Store, msg task.RawMessage, result task.AnalysisResult) error {
	data := result.Data
	if data == nil || result.TargetTaskID == 0 {
		return nil
	}

	existing, err := store.GetTask(ctx, result.TargetTaskID)
	if errors.Is(err, sql.ErrNoRows) {
		logger.Info("Merge target %d for message %d no longer exists, skipping", result.TargetTaskID, msg.ID)
		return nil
	}
	if err != nil {
		return err
	}

	merged := mergeTask(existing, data, time.Now())
	if err := store.UpdateTaskAndMarkProcessed(ctx, merged, msg.ID); err != nil {
		return err
	}
	logger.Info("Merged message %d into task %d", msg.ID, existing.ID)
	return nil
}

// mergeTask folds an update payload into an existing task:
// summary appends a timestamped delta (skipped when already present, so a
// re-analysis of the same message cannot duplicate history), notes overwrite
// when provided, subtasks append new entries only, title and completeness
// always follow the payload, scheduled time follows the payload when set.
func mergeTask(existing task.SmartTask, data *task.TaskData, now time.Time) task.SmartTask {
	merged := existing
	merged.Title = data.Title
	merged.Completeness = data.Completeness

	if strings.TrimSpace(data.Summary) != "" && !strings.Contains(existing.Summary, data.Summary) {
		merged.Summary = fmt.Sprintf("%s\n[%s] %s", existing.Summary, now.Format(logTimeFormat), data.Summary)
	}

	if data.HasNotes {
		merged.Notes = data.Notes
	}
	if data.HasScheduledTime {
		merged.ScheduledTime = data.ScheduledTime
	}

	seen := make(map[string]bool, len(existing.Subtasks))
	for _, st := range existing.Subtasks {
		seen[st.Content] = true
	}
	for _, content := range data.Subtasks {
		if !seen[content] {
			merged.Subtasks = append(merged.Subtasks, task.SubTaskItem{Content: content})
			seen[content] = true
		}
	}

	return merged
}

func isGarbage(data *task.TaskData) bool {
	title := strings.ToLower(data.Title)
	summary := strings.ToLower(data.Summary)
	return strings.Contains(title, "error") ||
		strings.Contains(summary, "streaming error") ||
		strings.Contains(summary, "connection abort")
}

func toSubtasks(contents []string) []task.SubTaskItem {
	items := make([]task.SubTaskItem, 0, len(contents))
	for _, content := range contents {
		items = append(items, task.SubTaskItem{Content: content})
	}
	return items
}
