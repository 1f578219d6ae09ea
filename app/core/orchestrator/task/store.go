package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"smarttodo/app/core/orchestrator/db"
)

type Store struct {
	db *db.DB
}

func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// --- RawMessage operations ---

func (s *Store) InsertRawMessage(ctx context.Context, content string, sourceID string) (RawMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return RawMessage{}, fmt.Errorf("content is required")
	}
	now := time.Now().Unix()
	query := `INSERT INTO raw_messages (content, source_id, created_at, status, related_task_id, log, reply_key) VALUES (?, ?, ?, ?, NULL, '', '')`
	res, err := s.db.Conn().ExecContext(ctx, query, content, sourceID, now, MsgStatusPending)
	if err != nil {
		return RawMessage{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return RawMessage{}, err
	}
	return RawMessage{
		ID:        id,
		Content:   content,
		SourceID:  sourceID,
		CreatedAt: now,
		Status:    MsgStatusPending,
	}, nil
}

func (s *Store) GetRawMessage(ctx context.Context, id int64) (RawMessage, error) {
	query := `SELECT id, content, source_id, created_at, status, COALESCE(related_task_id, 0), COALESCE(log, ''), COALESCE(reply_key, '') FROM raw_messages WHERE id = ?`
	var m RawMessage
	err := s.db.Conn().QueryRowContext(ctx, query, id).Scan(
		&m.ID,
		&m.Content,
		&m.SourceID,
		&m.CreatedAt,
		&m.Status,
		&m.RelatedTaskID,
		&m.Log,
		&m.ReplyKey,
	)
	if err != nil {
		return RawMessage{}, err
	}
	return m, nil
}

func (s *Store) ListRecentMessages(ctx context.Context, limit int) ([]RawMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, content, source_id, created_at, status, COALESCE(related_task_id, 0), COALESCE(log, ''), COALESCE(reply_key, '') FROM raw_messages ORDER BY created_at DESC, id DESC LIMIT ?`
	return s.queryMessages(ctx, query, limit)
}

// ListMessagesForTask returns the evidence trail linked to a task.
func (s *Store) ListMessagesForTask(ctx context.Context, taskID int64) ([]RawMessage, error) {
	query := `SELECT id, content, source_id, created_at, status, COALESCE(related_task_id, 0), COALESCE(log, ''), COALESCE(reply_key, '') FROM raw_messages WHERE related_task_id = ? ORDER BY created_at ASC, id ASC`
	return s.queryMessages(ctx, query, taskID)
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...interface{}) ([]RawMessage, error) {
	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []RawMessage
	for rows.Next() {
		var m RawMessage
		if err := rows.Scan(&m.ID, &m.Content, &m.SourceID, &m.CreatedAt, &m.Status, &m.RelatedTaskID, &m.Log, &m.ReplyKey); err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (s *Store) UpdateMessageStatus(ctx context.Context, id int64, status string) error {
	_, err := s.db.Conn().ExecContext(ctx, `UPDATE raw_messages SET status = ? WHERE id = ?`, status, id)
	return err
}

// MarkMessageProcessing flips a PENDING message to PROCESSING. It reports
// false when the message is no longer PENDING, which happens when a queued
// message is cancelled before its turn.
func (s *Store) MarkMessageProcessing(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.Conn().ExecContext(ctx,
		`UPDATE raw_messages SET status = ? WHERE id = ? AND status = ?`,
		MsgStatusProcessing, id, MsgStatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) UpdateMessageLog(ctx context.Context, id int64, log string) error {
	_, err := s.db.Conn().ExecContext(ctx, `UPDATE raw_messages SET log = ? WHERE id = ?`, log, id)
	return err
}

// MarkMessageProcessed records the resolved task link (NULL when taskID is 0).
// The terminal status write stays with the coordinator.
func (s *Store) MarkMessageProcessed(ctx context.Context, id int64, taskID int64) error {
	_, err := s.db.Conn().ExecContext(ctx, `UPDATE raw_messages SET related_task_id = NULLIF(?, 0) WHERE id = ?`, taskID, id)
	return err
}

// CancelMessage marks a non-terminal message CANCELLED.
func (s *Store) CancelMessage(ctx context.Context, id int64) error {
	_, err := s.db.Conn().ExecContext(ctx,
		`UPDATE raw_messages SET status = ? WHERE id = ? AND status IN (?, ?)`,
		MsgStatusCancelled, id, MsgStatusPending, MsgStatusProcessing)
	return err
}

// CancelNonTerminal marks every queued or in-flight message CANCELLED.
func (s *Store) CancelNonTerminal(ctx context.Context) (int64, error) {
	res, err := s.db.Conn().ExecContext(ctx,
		`UPDATE raw_messages SET status = ? WHERE status IN (?, ?)`,
		MsgStatusCancelled, MsgStatusPending, MsgStatusProcessing)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResetStalled fails every message a previous run left non-terminal.
func (s *Store) ResetStalled(ctx context.Context, diagnostic string) (int64, error) {
	res, err := s.db.Conn().ExecContext(ctx,
		`UPDATE raw_messages SET status = ?, log = ? WHERE status IN (?, ?)`,
		MsgStatusFailed, diagnostic, MsgStatusPending, MsgStatusProcessing)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) ListProcessingBefore(ctx context.Context, cutoff int64) ([]RawMessage, error) {
	query := `SELECT id, content, source_id, created_at, status, COALESCE(related_task_id, 0), COALESCE(log, ''), COALESCE(reply_key, '') FROM raw_messages WHERE status = ? AND created_at < ? ORDER BY created_at ASC`
	return s.queryMessages(ctx, query, MsgStatusProcessing, cutoff)
}

// --- SmartTask operations ---

func (s *Store) InsertTask(ctx context.Context, t SmartTask) (int64, error) {
	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	id, err := insertTaskTx(ctx, tx, t)
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

func (s *Store) GetTask(ctx context.Context, id int64) (SmartTask, error) {
	query := `SELECT id, title, summary, notes, subtasks, COALESCE(scheduled_time, ''), status, completeness, is_draft, created_at FROM smart_tasks WHERE id = ?`
	return scanTask(s.db.Conn().QueryRowContext(ctx, query, id))
}

// ListActiveTasks returns confirmed, non-trashed tasks newest-first.
func (s *Store) ListActiveTasks(ctx context.Context, limit int) ([]SmartTask, error) {
	return s.listTasks(ctx, 0, limit)
}

// ListDraftTasks returns unconfirmed, non-trashed tasks newest-first.
func (s *Store) ListDraftTasks(ctx context.Context, limit int) ([]SmartTask, error) {
	return s.listTasks(ctx, 1, limit)
}

func (s *Store) listTasks(ctx context.Context, draft int, limit int) ([]SmartTask, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, title, summary, notes, subtasks, COALESCE(scheduled_time, ''), status, completeness, is_draft, created_at FROM smart_tasks WHERE status != ? AND is_draft = ? ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := s.db.Conn().QueryContext(ctx, query, StatusTrash, draft, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]SmartTask, 0, limit)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (s *Store) UpdateTask(ctx context.Context, t SmartTask) error {
	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := updateTaskTx(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) SetTaskStatus(ctx context.Context, id int64, status string) error {
	_, err := s.db.Conn().ExecContext(ctx, `UPDATE smart_tasks SET status = ? WHERE id = ?`, status, id)
	return err
}

// ConfirmDraft promotes a draft task into the active view.
func (s *Store) ConfirmDraft(ctx context.Context, id int64) error {
	_, err := s.db.Conn().ExecContext(ctx, `UPDATE smart_tasks SET is_draft = 0 WHERE id = ?`, id)
	return err
}

// TrashTask soft-deletes a task. Rows are never hard-deleted here.
func (s *Store) TrashTask(ctx context.Context, id int64) error {
	return s.SetTaskStatus(ctx, id, StatusTrash)
}

// --- Transactional pairs ---

// InsertTaskAndMarkProcessed inserts the task and links the originating
// message in one transaction, so neither exists without the other.
func (s *Store) InsertTaskAndMarkProcessed(ctx context.Context, t SmartTask, messageID int64) (int64, error) {
	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	taskID, err := insertTaskTx(ctx, tx, t)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE raw_messages SET related_task_id = ? WHERE id = ?`, taskID, messageID); err != nil {
		return 0, err
	}
	return taskID, tx.Commit()
}

// UpdateTaskAndMarkProcessed applies a merge and links the originating
// message in one transaction.
func (s *Store) UpdateTaskAndMarkProcessed(ctx context.Context, t SmartTask, messageID int64) error {
	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := updateTaskTx(ctx, tx, t); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE raw_messages SET related_task_id = ? WHERE id = ?`, t.ID, messageID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- helpers ---

func insertTaskTx(ctx context.Context, tx *sql.Tx, t SmartTask) (int64, error) {
	if strings.TrimSpace(t.Title) == "" {
		t.Title = "Untitled"
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.Completeness == "" {
		t.Completeness = CompletenessMissingInfo
	}
	if t.CreatedAt == 0 {
		t.CreatedAt = time.Now().Unix()
	}
	subtasksJSON, err := marshalSubtasks(t.Subtasks)
	if err != nil {
		return 0, err
	}
	query := `INSERT INTO smart_tasks (title, summary, notes, subtasks, scheduled_time, status, completeness, is_draft, created_at) VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, query, t.Title, t.Summary, t.Notes, subtasksJSON, t.ScheduledTime, t.Status, t.Completeness, boolToInt(t.IsDraft), t.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func updateTaskTx(ctx context.Context, tx *sql.Tx, t SmartTask) error {
	subtasksJSON, err := marshalSubtasks(t.Subtasks)
	if err != nil {
		return err
	}
	query := `UPDATE smart_tasks SET title = ?, summary = ?, notes = ?, subtasks = ?, scheduled_time = NULLIF(?, ''), status = ?, completeness = ?, is_draft = ? WHERE id = ?`
	res, err := tx.ExecContext(ctx, query, t.Title, t.Summary, t.Notes, subtasksJSON, t.ScheduledTime, t.Status, t.Completeness, boolToInt(t.IsDraft), t.ID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (SmartTask, error) {
	var (
		t            SmartTask
		subtasksJSON []byte
		isDraft      int
	)
	if err := row.Scan(&t.ID, &t.Title, &t.Summary, &t.Notes, &subtasksJSON, &t.ScheduledTime, &t.Status, &t.Completeness, &isDraft, &t.CreatedAt); err != nil {
		return SmartTask{}, err
	}
	t.IsDraft = isDraft != 0
	if len(subtasksJSON) > 0 {
		if err := json.Unmarshal(subtasksJSON, &t.Subtasks); err != nil {
			return SmartTask{}, fmt.Errorf("decode subtasks for task %d: %w", t.ID, err)
		}
	}
	return t, nil
}

func marshalSubtasks(items []SubTaskItem) ([]byte, error) {
	if items == nil {
		items = []SubTaskItem{}
	}
	return json.Marshal(items)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
