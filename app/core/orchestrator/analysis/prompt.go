package analysis

import (
	"fmt"
	"strings"
	"time"

	"smarttodo/app/core/orchestrator/task"
)

const defaultInstructions = `### STRATEGY:
1. **Decision**: Carefully compare the new message with the context of existing tasks to decide:
   - **MERGE**: If the message is a clear follow-up, update, or detail for an *existing* task.
     - *Criteria for Same Task*: Same core goal, same specific project, or updating a specific property (like setting a time for a task that was missing it, or updating notes).
   - **CREATE**: If it's a new goal, a different topic, or a *recurring* instance that should be tracked separately.
     - *Distinction*: Even if the topic is similar (e.g. "Breakfast"), if the existing task is already completed or belongs to a different day/context, you should **CREATE** a new one.
   - **IGNORE**: Only if it's completely irrelevant chatter (e.g. "Ok", "Thanks").
   - **CRITICAL**: Do NOT ignore messages just because they lack a deadline. Any intent to do something should be captured.
2. **Same-Task Identification**: Before merging, ask: "Does this message *necessarily* refer to the existing task [ID:X]?" When in doubt, **CREATE** and mention the relationship in the summary.
3. **Title Principle**: The title is the name of the "thing" being done, not what the message said about it. Do not add descriptive suffixes. If new information makes the subject clearer, update the title to the more accurate name.
4. **MERGE Rule (Data Integration Logic)**:
   - **summary (APPEND logic)**: A brief log of THIS update only. It will be appended to the task's history.
   - **notes (OVERWRITE logic)**: The source of truth for detailed content. You MUST provide the COMPLETE, FULL merged notes; they replace the existing notes entirely.
   - **subtasks**: List ONLY the new sub-steps identified in this message. They will be appended to the existing list.
5. **Data Persistence Example**:
   - *Existing*: Task "Breakfast", Notes: "Drink milk."
   - *New Msg*: "Eat bread for breakfast."
   - *Correct Result (MERGE)*: summary: "Added bread to breakfast.", notes: "Drink milk.\nEat bread." (includes BOTH old and new)

### OUTPUT FORMAT (JSON ONLY):
{
  "action": "CREATE" | "MERGE" | "IGNORE",
  "targetTaskId": number | null,
  "taskData": {
    "title": "Clear subject name",
    "summary": "Concise summary of THIS update (APPEND logic)",
    "notes": "FULL integrated notes content (OVERWRITE logic)",
    "scheduledTime": "YYYY-MM-DD HH:mm" | null,
    "subtasks": ["ONLY new subtasks discovered now"],
    "completeness": "COMPLETE" | "MISSING_INFO"
  }
}`

// BuildSystemPrompt assembles the analysis instructions for one call.
// An override replaces the decision strategy and output contract, but the
// task context, current time and language rule are always injected so an
// override cannot detach the model from live state.
func BuildSystemPrompt(tasks []task.SmartTask, language string, now time.Time, override string) string {
	var b strings.Builder

	b.WriteString("You are a \"Smart Personal Secretary\". Your goal is to analyze new messages and update the user's Todo list.\n\n")

	b.WriteString("### LANGUAGE RULE (CRITICAL):\n")
	fmt.Fprintf(&b, "- **All generated content (title, summary, notes, subtasks) MUST be in: %s.**\n", language)
	b.WriteString("- **If the language is Chinese, DO NOT use English in any output fields.**\n")
	fmt.Fprintf(&b, "- **即便此系统提示词包含英文规则，你也必须使用 %s 回答。**\n\n", language)

	fmt.Fprintf(&b, "Current Time: %s\n\n", now.Format("2006-01-02 15:04"))

	b.WriteString("Current Active/Draft Tasks:\n")
	if len(tasks) == 0 {
		b.WriteString("(none)\n")
	}
	for _, t := range tasks {
		writeTaskContextLine(&b, t)
	}
	b.WriteString("\n")

	instructions := defaultInstructions
	if strings.TrimSpace(override) != "" {
		instructions = override
	}
	b.WriteString(instructions)

	return b.String()
}

func writeTaskContextLine(b *strings.Builder, t task.SmartTask) {
	deadline := t.ScheduledTime
	if deadline == "" {
		deadline = "None"
	}
	fmt.Fprintf(b, "- [ID:%d] %s (Status:%s, Progress:%s, Deadline:%s", t.ID, t.Title, t.Status, t.Completeness, deadline)
	if len(t.Subtasks) > 0 {
		contents := make([]string, 0, len(t.Subtasks))
		for _, st := range t.Subtasks {
			contents = append(contents, st.Content)
		}
		fmt.Fprintf(b, ", Subtasks: [%s]", strings.Join(contents, ", "))
	}
	fmt.Fprintf(b, ", Notes: %q)\n", t.Notes)
}
