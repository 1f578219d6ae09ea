package task

// RawMessage processing states. PENDING is the only initial state; SUCCESS,
// FAILED and CANCELLED are terminal for a given processing attempt.
const (
	MsgStatusPending    = "PENDING"
	MsgStatusProcessing = "PROCESSING"
	MsgStatusSuccess    = "SUCCESS"
	MsgStatusFailed     = "FAILED"
	MsgStatusCancelled  = "CANCELLED"
)

const (
	StatusPending = "PENDING"
	StatusDone    = "DONE"
	StatusTrash   = "TRASH"
)

const (
	CompletenessComplete    = "COMPLETE"
	CompletenessMissingInfo = "MISSING_INFO"
)

const (
	ActionCreate = "CREATE"
	ActionMerge  = "MERGE"
	ActionIgnore = "IGNORE"
)

type RawMessage struct {
	ID            int64
	Content       string
	SourceID      string
	CreatedAt     int64
	Status        string
	RelatedTaskID int64 // 0 when no task is linked
	Log           string
	ReplyKey      string
}

type SubTaskItem struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

type SmartTask struct {
	ID            int64
	Title         string
	Summary       string // append-only history log
	Notes         string // latest authoritative detail, overwritten on merge
	Subtasks      []SubTaskItem
	ScheduledTime string // "YYYY-MM-DD HH:mm", empty when unset
	Status        string
	Completeness  string
	IsDraft       bool
	CreatedAt     int64
}

// TaskData is the AI-proposed payload of a CREATE or MERGE decision.
// HasNotes/HasScheduledTime distinguish "absent" from "explicitly empty":
// an absent field keeps the existing value on merge.
type TaskData struct {
	Title            string
	Summary          string
	Notes            string
	HasNotes         bool
	ScheduledTime    string
	HasScheduledTime bool
	Subtasks         []string
	Completeness     string
}

type AnalysisResult struct {
	Action       string
	TargetTaskID int64 // meaningful only for MERGE
	Data         *TaskData
	RawLog       string
	// Failed marks transport/protocol/stall failures that must end the
	// message in FAILED instead of an absorbed IGNORE outcome.
	Failed bool
}
