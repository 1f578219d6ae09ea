package http

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"smarttodo/app/core/orchestrator/task"
	"smarttodo/app/pkg/logger"
	"smarttodo/app/pkg/types"
)

const defaultShutdownTimeout = 5 * time.Second

// HTTPChannel exposes the ingestion pipeline and task views over a small
// JSON API. Inbound submissions flow through the gateway handler like every
// other channel; reads go straight to the store.
type HTTPChannel struct {
	id             string
	port           int
	server         *http.Server
	handler        func(types.Message) (int64, error)
	store          *task.Store
	ingestor       types.Ingestor
	statusProvider func() map[string]interface{}

	dedupWindow time.Duration
	dedupMu     sync.Mutex
	lastSeen    map[string]time.Time

	shutdownTimeout time.Duration
}

func NewHTTPChannel(port int, store *task.Store, ingestor types.Ingestor, dedupWindow time.Duration) *HTTPChannel {
	return &HTTPChannel{
		id:              "http",
		port:            port,
		store:           store,
		ingestor:        ingestor,
		dedupWindow:     dedupWindow,
		lastSeen:        map[string]time.Time{},
		shutdownTimeout: defaultShutdownTimeout,
	}
}

func (c *HTTPChannel) ID() string {
	return c.id
}

func (c *HTTPChannel) SetStatusProvider(provider func() map[string]interface{}) {
	c.statusProvider = provider
}

func (c *HTTPChannel) Start(ctx context.Context, handler func(types.Message) (int64, error)) error {
	c.handler = handler

	mux := http.NewServeMux()
	mux.HandleFunc("/api/messages", c.handleMessages)
	mux.HandleFunc("/api/messages/", c.handleMessageAction)
	mux.HandleFunc("/api/tasks", c.handleTasks)
	mux.HandleFunc("/api/tasks/", c.handleTaskAction)
	mux.HandleFunc("/api/notifications", c.handleNotification)
	mux.HandleFunc("/healthz", c.handleHealth)

	c.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", c.port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout)
		defer cancel()
		if err := c.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("[HTTP] Shutdown error: %v", err)
		}
	}()

	logger.Info("[HTTP] Listening on port %d...", c.port)
	if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type submitRequest struct {
	Content  string `json:"content"`
	SourceID string `json:"source_id"`
}

type submitResponse struct {
	MessageID int64 `json:"message_id"`
}

// handleMessages serves POST (submit) and GET (recent list).
func (c *HTTPChannel) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		c.submitMessage(w, r)
	case http.MethodGet:
		c.listMessages(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (c *HTTPChannel) submitMessage(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	sourceID := strings.TrimSpace(req.SourceID)
	if sourceID == "" {
		sourceID = c.id
	}

	id, err := c.handler(types.Message{Content: req.Content, SourceID: sourceID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{MessageID: id})
}

func (c *HTTPChannel) listMessages(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	messages, err := c.store.ListRecentMessages(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": toMessageViews(messages)})
}

// handleMessageAction serves POST /api/messages/cancel_all and
// POST /api/messages/{id}/{cancel|resubmit}.
func (c *HTTPChannel) handleMessageAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/messages/")
	if rest == "cancel_all" {
		if err := c.ingestor.CancelAll(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
		return
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	switch parts[1] {
	case "cancel":
		if err := c.ingestor.Cancel(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	case "resubmit":
		if err := c.ingestor.Resubmit(r.Context(), id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				writeError(w, http.StatusNotFound, "message not found")
				return
			}
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// handleTasks serves GET /api/tasks?view=active|draft.
func (c *HTTPChannel) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	view := r.URL.Query().Get("view")

	var (
		tasks []task.SmartTask
		err   error
	)
	switch view {
	case "", "active":
		tasks, err = c.store.ListActiveTasks(r.Context(), limit)
	case "draft":
		tasks, err = c.store.ListDraftTasks(r.Context(), limit)
	default:
		writeError(w, http.StatusBadRequest, "view must be active or draft")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": toTaskViews(tasks)})
}

// handleTaskAction serves POST /api/tasks/{id}/{confirm|trash|done} and
// GET /api/tasks/{id}/messages (the evidence trail).
func (c *HTTPChannel) handleTaskAction(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/tasks/"), "/")
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	if r.Method == http.MethodGet && parts[1] == "messages" {
		messages, err := c.store.ListMessagesForTask(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"messages": toMessageViews(messages)})
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch parts[1] {
	case "confirm":
		err = c.store.ConfirmDraft(r.Context(), id)
	case "trash":
		err = c.store.TrashTask(r.Context(), id)
	case "done":
		err = c.store.SetTaskStatus(r.Context(), id, task.StatusDone)
	default:
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type notificationRequest struct {
	App   string `json:"app"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

// handleNotification ingests forwarded device notifications. Duplicate
// payloads inside the dedup window are acknowledged but dropped, since
// notification relays tend to fire the same event twice in quick succession.
func (c *HTTPChannel) handleNotification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req notificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	content := strings.TrimSpace(strings.TrimSpace(req.Title) + "\n" + strings.TrimSpace(req.Text))
	if content == "" {
		writeError(w, http.StatusBadRequest, "title or text is required")
		return
	}
	sourceID := strings.TrimSpace(req.App)
	if sourceID == "" {
		sourceID = "notification"
	}

	if c.isDuplicate(sourceID, content) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	id, err := c.handler(types.Message{Content: content, SourceID: sourceID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{MessageID: id})
}

func (c *HTTPChannel) isDuplicate(sourceID, content string) bool {
	if c.dedupWindow <= 0 {
		return false
	}
	key := sourceID + "\n" + content
	now := time.Now()

	c.dedupMu.Lock()
	defer c.dedupMu.Unlock()

	if seen, ok := c.lastSeen[key]; ok && now.Sub(seen) < c.dedupWindow {
		return true
	}
	c.lastSeen[key] = now

	for k, seen := range c.lastSeen {
		if now.Sub(seen) >= c.dedupWindow {
			delete(c.lastSeen, k)
		}
	}
	return false
}

func (c *HTTPChannel) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{"status": "ok"}
	if c.statusProvider != nil {
		for k, v := range c.statusProvider() {
			payload[k] = v
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

type messageView struct {
	ID            int64  `json:"id"`
	Content       string `json:"content"`
	SourceID      string `json:"source_id"`
	CreatedAt     int64  `json:"created_at"`
	Status        string `json:"status"`
	RelatedTaskID int64  `json:"related_task_id,omitempty"`
	Log           string `json:"log,omitempty"`
}

type taskView struct {
	ID            int64              `json:"id"`
	Title         string             `json:"title"`
	Summary       string             `json:"summary"`
	Notes         string             `json:"notes,omitempty"`
	Subtasks      []task.SubTaskItem `json:"subtasks"`
	ScheduledTime string             `json:"scheduled_time,omitempty"`
	Status        string             `json:"status"`
	Completeness  string             `json:"completeness"`
	IsDraft       bool               `json:"is_draft"`
	CreatedAt     int64              `json:"created_at"`
}

func toMessageViews(messages []task.RawMessage) []messageView {
	views := make([]messageView, 0, len(messages))
	for _, m := range messages {
		views = append(views, messageView{
			ID:            m.ID,
			Content:       m.Content,
			SourceID:      m.SourceID,
			CreatedAt:     m.CreatedAt,
			Status:        m.Status,
			RelatedTaskID: m.RelatedTaskID,
			Log:           m.Log,
		})
	}
	return views
}

func toTaskViews(tasks []task.SmartTask) []taskView {
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		subtasks := t.Subtasks
		if subtasks == nil {
			subtasks = []task.SubTaskItem{}
		}
		views = append(views, taskView{
			ID:            t.ID,
			Title:         t.Title,
			Summary:       t.Summary,
			Notes:         t.Notes,
			Subtasks:      subtasks,
			ScheduledTime: t.ScheduledTime,
			Status:        t.Status,
			Completeness:  t.Completeness,
			IsDraft:       t.IsDraft,
			CreatedAt:     t.CreatedAt,
		})
	}
	return views
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("[HTTP] Response encode failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
