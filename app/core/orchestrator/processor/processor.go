package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	config "smarttodo/app/configs"
	"smarttodo/app/core/orchestrator/analysis"
	"smarttodo/app/core/orchestrator/execlog"
	"smarttodo/app/core/orchestrator/task"
	"smarttodo/app/pkg/logger"
)

// Processor coordinates message analysis. A single-slot semaphore keeps at
// most one analysis call in flight, so concurrent submissions queue instead
// of racing each other over the shared task context.
type Processor struct {
	store    *task.Store
	analyzer analysis.Analyzer
	cfg      *config.Manager

	slot chan struct{}

	mu   sync.Mutex
	jobs map[int64]context.CancelFunc

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

func New(store *task.Store, analyzer analysis.Analyzer, cfg *config.Manager) *Processor {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Processor{
		store:      store,
		analyzer:   analyzer,
		cfg:        cfg,
		slot:       make(chan struct{}, 1),
		jobs:       make(map[int64]context.CancelFunc),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}
}

// Submit persists the message and schedules it for analysis. It returns as
// soon as the message is durable; analysis happens in the background.
func (p *Processor) Submit(ctx context.Context, content string, sourceID string) (int64, error) {
	msg, err := p.store.InsertRawMessage(ctx, content, sourceID)
	if err != nil {
		return 0, err
	}
	p.schedule(msg)
	return msg.ID, nil
}

// Resubmit requeues a message that already reached a terminal state.
func (p *Processor) Resubmit(ctx context.Context, messageID int64) error {
	msg, err := p.store.GetRawMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.Status == task.MsgStatusPending || msg.Status == task.MsgStatusProcessing {
		return fmt.Errorf("message %d is already in flight", messageID)
	}
	if err := p.store.UpdateMessageStatus(ctx, messageID, task.MsgStatusPending); err != nil {
		return err
	}
	msg.Status = task.MsgStatusPending
	p.schedule(msg)
	return nil
}

// Cancel marks the message CANCELLED and interrupts its analysis call if one
// is running. Terminal messages are left untouched.
func (p *Processor) Cancel(ctx context.Context, messageID int64) error {
	if err := p.store.CancelMessage(ctx, messageID); err != nil {
		return err
	}
	p.mu.Lock()
	cancel, ok := p.jobs[messageID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// CancelAll cancels every queued and in-flight message.
func (p *Processor) CancelAll(ctx context.Context) error {
	n, err := p.store.CancelNonTerminal(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(p.jobs))
	for _, cancel := range p.jobs {
		cancels = append(cancels, cancel)
	}
	p.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	if n > 0 {
		logger.Info("Cancelled %d pending/processing messages", n)
	}
	return nil
}

// RecoverStalled fails every message a previous run left non-terminal. Run
// once at startup, before any channel starts accepting input.
func (p *Processor) RecoverStalled(ctx context.Context) error {
	n, err := p.store.ResetStalled(ctx, "Error: processing interrupted by restart")
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Info("Recovered %d messages stuck from a previous run", n)
	}
	return nil
}

// SweepStalled fails PROCESSING messages older than maxAge that no live job
// owns. It backstops crashes of individual jobs without touching healthy
// in-flight work.
func (p *Processor) SweepStalled(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	stalled, err := p.store.ListProcessingBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, msg := range stalled {
		p.mu.Lock()
		_, alive := p.jobs[msg.ID]
		p.mu.Unlock()
		if alive {
			continue
		}
		if err := p.store.UpdateMessageLog(ctx, msg.ID, "Error: processing stalled, swept by watchdog"); err != nil {
			return swept, err
		}
		if err := p.store.UpdateMessageStatus(ctx, msg.ID, task.MsgStatusFailed); err != nil {
			return swept, err
		}
		swept++
	}
	if swept > 0 {
		logger.Info("Swept %d stalled messages", swept)
	}
	return swept, nil
}

// Shutdown stops accepting work and waits for in-flight jobs to finish, up
// to the context deadline.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.rootCancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) schedule(msg task.RawMessage) {
	jobCtx, cancel := context.WithCancel(p.rootCtx)
	p.mu.Lock()
	p.jobs[msg.ID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.jobs, msg.ID)
			p.mu.Unlock()
			cancel()
		}()
		p.run(jobCtx, msg)
	}()
}

func (p *Processor) run(ctx context.Context, msg task.RawMessage) {
	// Mark in-flight before queueing for the slot so observers can tell a
	// busy pipeline from a lost message. The transition is conditional on
	// PENDING so a cancel that raced ahead of us wins.
	ok, err := p.store.MarkMessageProcessing(context.Background(), msg.ID)
	if err != nil {
		logger.Error("Failed to mark message %d processing: %v", msg.ID, err)
		return
	}
	if !ok {
		return
	}

	select {
	case p.slot <- struct{}{}:
	case <-ctx.Done():
		// Cancel already wrote the CANCELLED status.
		return
	}
	defer func() { <-p.slot }()

	// The status may have flipped to CANCELLED while waiting for the slot.
	current, err := p.store.GetRawMessage(context.Background(), msg.ID)
	if err != nil {
		logger.Error("Failed to reload message %d: %v", msg.ID, err)
		return
	}
	if current.Status == task.MsgStatusCancelled {
		return
	}

	cfg := p.cfg.Get()
	contextTasks := p.loadContextTasks(ctx, cfg.Ingest.ContextTaskLimit)

	start := time.Now()
	result := p.analyzer.Analyze(ctx, analysis.Request{
		Content:      msg.Content,
		ContextTasks: contextTasks,
		OnProgress: func(cumulative string) {
			// Fire-and-forget so slow writes never stall the stream.
			go func() {
				_ = p.store.UpdateMessageLog(context.Background(), msg.ID, cumulative)
			}()
		},
	})
	duration := time.Since(start)

	if ctx.Err() != nil {
		// Cancelled mid-call; the CANCELLED status is already durable and
		// the partial result must not mutate any task.
		p.recordTranscript(msg, "CANCELLED", result, duration)
		return
	}

	if result.Failed {
		p.recordTranscript(msg, task.MsgStatusFailed, result, duration)
		p.fail(msg.ID, result.RawLog)
		return
	}

	if err := apply(context.Background(), p.store, msg, result); err != nil {
		p.recordTranscript(msg, task.MsgStatusFailed, result, duration)
		p.fail(msg.ID, fmt.Sprintf("Error: failed to apply %s decision: %v", result.Action, err))
		return
	}

	p.recordTranscript(msg, task.MsgStatusSuccess, result, duration)
	if result.RawLog != "" {
		if err := p.store.UpdateMessageLog(context.Background(), msg.ID, result.RawLog); err != nil {
			logger.Error("Failed to store log for message %d: %v", msg.ID, err)
		}
	}
	if err := p.store.UpdateMessageStatus(context.Background(), msg.ID, task.MsgStatusSuccess); err != nil {
		logger.Error("Failed to mark message %d success: %v", msg.ID, err)
	}
}

// loadContextTasks gathers the active and draft tasks the model may merge
// into. Failures degrade to an empty context rather than blocking analysis.
func (p *Processor) loadContextTasks(ctx context.Context, limit int) []task.SmartTask {
	active, err := p.store.ListActiveTasks(ctx, limit)
	if err != nil {
		logger.Error("Failed to load active tasks for context: %v", err)
	}
	drafts, err := p.store.ListDraftTasks(ctx, limit)
	if err != nil {
		logger.Error("Failed to load draft tasks for context: %v", err)
	}
	return append(active, drafts...)
}

func (p *Processor) fail(messageID int64, log string) {
	if log != "" {
		if err := p.store.UpdateMessageLog(context.Background(), messageID, log); err != nil {
			logger.Error("Failed to store failure log for message %d: %v", messageID, err)
		}
	}
	if err := p.store.UpdateMessageStatus(context.Background(), messageID, task.MsgStatusFailed); err != nil {
		logger.Error("Failed to mark message %d failed: %v", messageID, err)
	}
}

func (p *Processor) recordTranscript(msg task.RawMessage, status string, result task.AnalysisResult, duration time.Duration) {
	rec := execlog.Analysis{
		MessageID: msg.ID,
		SourceID:  msg.SourceID,
		Status:    status,
		Action:    result.Action,
		Duration:  duration,
		Content:   msg.Content,
		Output:    result.RawLog,
	}
	if result.Failed {
		rec.Err = result.RawLog
	}
	if err := execlog.Append(time.Now(), rec); err != nil {
		logger.Error("Failed to append analysis transcript: %v", err)
	}
}
