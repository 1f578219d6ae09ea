package analysis

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"smarttodo/app/core/orchestrator/task"
)

// ParseAnalysisResult decodes the model's JSON decision. It never returns an
// error: anything unparseable degrades to an IGNORE decision carrying the raw
// content in the log, so one malformed response cannot fail the message.
func ParseAnalysisResult(content string) task.AnalysisResult {
	candidate := extractJSONObject(content)
	if candidate == "" || !gjson.Valid(candidate) {
		return task.AnalysisResult{
			Action: task.ActionIgnore,
			RawLog: fmt.Sprintf("JSON Parse Error: no valid JSON object in output\nRaw Content: %s", content),
		}
	}

	root := gjson.Parse(candidate)

	result := task.AnalysisResult{
		Action: normalizeAction(root.Get("action").String()),
		RawLog: content,
	}
	if target := root.Get("targetTaskId"); target.Exists() && target.Type != gjson.Null {
		result.TargetTaskID = target.Int()
	}

	if data := root.Get("taskData"); data.IsObject() {
		result.Data = parseTaskData(data)
	}

	return result
}

func parseTaskData(data gjson.Result) *task.TaskData {
	d := &task.TaskData{
		Title:        "Untitled",
		Completeness: task.CompletenessMissingInfo,
	}

	if title := strings.TrimSpace(data.Get("title").String()); title != "" {
		d.Title = title
	}
	d.Summary = data.Get("summary").String()

	if notes := data.Get("notes"); notes.Exists() && notes.Type != gjson.Null {
		d.Notes = notes.String()
		d.HasNotes = true
	}
	if scheduled := data.Get("scheduledTime"); scheduled.Exists() && scheduled.Type != gjson.Null {
		d.ScheduledTime = scheduled.String()
		d.HasScheduledTime = true
	}

	for _, item := range data.Get("subtasks").Array() {
		if content := strings.TrimSpace(item.String()); content != "" {
			d.Subtasks = append(d.Subtasks, content)
		}
	}

	if strings.EqualFold(data.Get("completeness").String(), task.CompletenessComplete) {
		d.Completeness = task.CompletenessComplete
	}

	return d
}

func normalizeAction(action string) string {
	switch strings.ToUpper(strings.TrimSpace(action)) {
	case task.ActionCreate:
		return task.ActionCreate
	case task.ActionMerge:
		return task.ActionMerge
	default:
		return task.ActionIgnore
	}
}

// extractJSONObject cuts the outermost {...} span out of the output, which
// tolerates markdown fences and prose the model wraps around the object.
func extractJSONObject(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	return content[start : end+1]
}
