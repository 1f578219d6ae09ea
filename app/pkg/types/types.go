package types

import "context"

// Message represents one inbound text fragment from an interaction channel
type Message struct {
	Content  string
	SourceID string // originating app/channel identifier (e.g. "com.tencent.mm", "cli")
	Meta     map[string]interface{}
}

// Ingestor accepts messages for asynchronous analysis and reconciliation
type Ingestor interface {
	Submit(ctx context.Context, content string, sourceID string) (int64, error)
	Resubmit(ctx context.Context, messageID int64) error
	Cancel(ctx context.Context, messageID int64) error
	CancelAll(ctx context.Context) error
}

// Channel represents an input surface (HTTP webhook, CLI)
type Channel interface {
	Start(ctx context.Context, handler func(Message) (int64, error)) error
	ID() string
}

// Gateway fans registered channels into the ingestor
type Gateway interface {
	RegisterChannel(c Channel)
	Start(ctx context.Context) error
}
