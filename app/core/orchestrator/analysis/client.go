package analysis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"smarttodo/app/core/orchestrator/task"
)

// globalTimeout caps one analysis call end to end, regardless of progress.
const globalTimeout = 120 * time.Second

// Request carries everything one analysis call needs.
type Request struct {
	Content      string
	ContextTasks []task.SmartTask
	// OnProgress receives the cumulative output text after each delta.
	// It may be nil. It is called from the streaming goroutine's peer, so
	// implementations must be safe to call concurrently with the caller.
	OnProgress func(string)
}

// Analyzer produces one reconciliation decision for one message.
// It never returns a Go error: every failure mode is folded into the
// AnalysisResult so the coordinator has a single code path.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) task.AnalysisResult
}

// Settings is the per-call snapshot of API configuration. Reading it through
// a provider function means config updates apply to the next call without
// restarting anything.
type Settings struct {
	APIKey         string
	BaseURL        string
	Model          string
	Language       string
	PromptOverride string
	SilenceTimeout time.Duration
}

type Client struct {
	settings func() Settings
}

func NewClient(settings func() Settings) *Client {
	return &Client{settings: settings}
}

type streamEvent struct {
	delta string
	err   error
}

func (c *Client) Analyze(ctx context.Context, req Request) task.AnalysisResult {
	s := c.settings()

	if strings.TrimSpace(s.APIKey) == "" {
		// Absorbed outcome, not a transport failure: the message resolves
		// without a network call, matching how an unreachable model is a
		// FAILED message but an unconfigured one is not.
		return task.AnalysisResult{
			Action: task.ActionIgnore,
			RawLog: "Error: API key is missing. Configure it before analysis can run.",
		}
	}

	silence := s.SilenceTimeout
	if silence <= 0 {
		silence = 15 * time.Second
	}

	callCtx, cancel := context.WithTimeout(ctx, globalTimeout)
	defer cancel()

	client := openai.NewClient(
		option.WithAPIKey(s.APIKey),
		option.WithBaseURL(s.BaseURL),
	)

	prompt := BuildSystemPrompt(req.ContextTasks, s.Language, time.Now(), s.PromptOverride)
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(s.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(prompt),
			openai.UserMessage("New Message: " + req.Content),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		},
	}

	stream := client.Chat.Completions.NewStreaming(callCtx, params)

	events := make(chan streamEvent)
	go func() {
		defer close(events)
		defer stream.Close()
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case events <- streamEvent{delta: delta}:
			case <-callCtx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			select {
			case events <- streamEvent{err: err}:
			case <-callCtx.Done():
			}
		}
	}()

	var full strings.Builder
	timer := time.NewTimer(silence)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return c.finish(full.String())
			}
			if ev.err != nil {
				return classifyFailure(callCtx, ev.err, silence, full.String())
			}
			full.WriteString(ev.delta)
			if req.OnProgress != nil {
				req.OnProgress(full.String())
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(silence)
		case <-timer.C:
			cancel()
			return failure(fmt.Sprintf("Error: AI response stalled (no output for %.0fs)", silence.Seconds()), full.String())
		case <-callCtx.Done():
			return classifyFailure(callCtx, callCtx.Err(), silence, full.String())
		}
	}
}

// finish handles a cleanly-closed stream.
func (c *Client) finish(full string) task.AnalysisResult {
	if strings.TrimSpace(full) == "" {
		return failure("Error: AI returned empty output", "")
	}
	return ParseAnalysisResult(full)
}

func classifyFailure(callCtx context.Context, err error, silence time.Duration, partial string) task.AnalysisResult {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		var msg string
		switch apiErr.StatusCode {
		case 401:
			msg = "Error: invalid API key (unauthorized)"
		case 402:
			msg = "Error: insufficient account balance (payment required)"
		case 429:
			msg = "Error: rate limited, retry later"
		case 500, 503:
			msg = "Error: model service busy, retry later"
		default:
			msg = fmt.Sprintf("Error: API error (status %d)", apiErr.StatusCode)
		}
		return failure(msg, partial)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return failure("Error: network unreachable (DNS lookup failed)", partial)
	}

	if callCtx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
		return failure(fmt.Sprintf("Error: analysis timed out (%.0fs)", globalTimeout.Seconds()), partial)
	}
	if errors.Is(err, context.Canceled) {
		return failure("Error: analysis cancelled", partial)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return failure("Error: connection timed out", partial)
	}

	return failure(fmt.Sprintf("Error: streaming failure: %v", err), partial)
}

func failure(msg, partial string) task.AnalysisResult {
	log := msg
	if partial != "" {
		log = fmt.Sprintf("%s\nPartial output: %s", msg, partial)
	}
	return task.AnalysisResult{
		Action: task.ActionIgnore,
		RawLog: log,
		Failed: true,
	}
}
