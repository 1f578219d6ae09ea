package gateway

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"smarttodo/app/pkg/logger"
	"smarttodo/app/pkg/types"
)

// DefaultGateway fans registered input channels into the ingestor. Channels
// never talk to the pipeline directly, so every inbound fragment passes one
// place for counting and tracing no matter where it came from.
type DefaultGateway struct {
	ingestor types.Ingestor
	channels map[string]types.Channel
	mu       sync.RWMutex
	tracer   TraceRecorder

	acceptedMessages uint64
	rejectedMessages uint64
	lastMessageUnix  atomic.Int64
	startedUnix      atomic.Int64
}

type HealthStatus struct {
	Started            bool
	StartedAt          time.Time
	RegisteredChannels []string
	AcceptedMessages   uint64
	RejectedMessages   uint64
	LastMessageAt      time.Time
}

func NewGateway(ingestor types.Ingestor) *DefaultGateway {
	return &DefaultGateway{
		ingestor: ingestor,
		channels: make(map[string]types.Channel),
	}
}

func (g *DefaultGateway) RegisterChannel(c types.Channel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.channels[c.ID()] = c
	logger.Info("[Gateway] Registered channel: %s", c.ID())
}

func (g *DefaultGateway) SetTraceRecorder(tracer TraceRecorder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tracer = tracer
}

// Start launches every registered channel and blocks until all of them
// return, which normally happens when ctx is cancelled.
func (g *DefaultGateway) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	g.startedUnix.Store(time.Now().Unix())

	handler := func(msg types.Message) (int64, error) {
		g.lastMessageUnix.Store(time.Now().Unix())

		id, err := g.ingestor.Submit(ctx, msg.Content, msg.SourceID)
		if err != nil {
			atomic.AddUint64(&g.rejectedMessages, 1)
			logger.Error("[Gateway] Rejected message from %s: %v", msg.SourceID, err)
			g.trace(TraceEvent{SourceID: msg.SourceID, Event: "message_rejected", Status: "error", Detail: err.Error()})
			return 0, err
		}
		atomic.AddUint64(&g.acceptedMessages, 1)
		g.trace(TraceEvent{MessageID: id, SourceID: msg.SourceID, Event: "message_accepted", Status: "ok"})
		return id, nil
	}

	g.mu.RLock()
	for _, c := range g.channels {
		wg.Add(1)
		go func(ch types.Channel) {
			defer wg.Done()
			if err := ch.Start(ctx, handler); err != nil {
				logger.Error("[Gateway] Channel %s error: %v", ch.ID(), err)
				if ctx.Err() == nil {
					g.trace(TraceEvent{SourceID: ch.ID(), Event: "channel_stopped", Status: "error", Detail: err.Error()})
				}
			}
		}(c)
	}
	g.mu.RUnlock()

	logger.Info("[Gateway] Started all channels")
	wg.Wait()
	return nil
}

func (g *DefaultGateway) trace(event TraceEvent) {
	g.mu.RLock()
	tracer := g.tracer
	g.mu.RUnlock()
	if tracer == nil {
		return
	}
	if err := tracer.Record(event); err != nil {
		logger.Error("[Gateway] Trace write failed: %v", err)
	}
}

func (g *DefaultGateway) HealthStatus() HealthStatus {
	g.mu.RLock()
	channels := make([]string, 0, len(g.channels))
	for id := range g.channels {
		channels = append(channels, id)
	}
	g.mu.RUnlock()
	sort.Strings(channels)

	status := HealthStatus{
		RegisteredChannels: channels,
		AcceptedMessages:   atomic.LoadUint64(&g.acceptedMessages),
		RejectedMessages:   atomic.LoadUint64(&g.rejectedMessages),
	}
	if started := g.startedUnix.Load(); started > 0 {
		status.Started = true
		status.StartedAt = time.Unix(started, 0).UTC()
	}
	if last := g.lastMessageUnix.Load(); last > 0 {
		status.LastMessageAt = time.Unix(last, 0).UTC()
	}
	return status
}
