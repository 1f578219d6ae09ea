package execlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Analysis is one completed analysis attempt, regardless of outcome.
type Analysis struct {
	MessageID int64
	SourceID  string
	Status    string
	Action    string
	Duration  time.Duration
	Content   string
	Output    string
	Err       string
}

type entry struct {
	Timestamp      string `json:"timestamp"`
	MessageID      int64  `json:"message_id"`
	SourceID       string `json:"source_id"`
	Status         string `json:"status"`
	Action         string `json:"action,omitempty"`
	DurationMs     int64  `json:"duration_ms"`
	ContentChars   int    `json:"content_chars"`
	OutputChars    int    `json:"output_chars,omitempty"`
	ContentPreview string `json:"content_preview,omitempty"`
	OutputPreview  string `json:"output_preview,omitempty"`
	Error          string `json:"error,omitempty"`
}

var (
	mu      sync.Mutex
	baseDir = filepath.Join("output", "analysis")
)

// SetBaseDir redirects transcript output, mainly for tests.
func SetBaseDir(dir string) {
	mu.Lock()
	defer mu.Unlock()
	baseDir = dir
}

// Append writes one transcript record to the hourly JSONL file.
func Append(ts time.Time, rec Analysis) error {
	record := entry{
		Timestamp:      ts.Format(time.RFC3339Nano),
		MessageID:      rec.MessageID,
		SourceID:       rec.SourceID,
		Status:         rec.Status,
		Action:         rec.Action,
		DurationMs:     rec.Duration.Milliseconds(),
		ContentChars:   len(rec.Content),
		OutputChars:    len(rec.Output),
		ContentPreview: previewText(rec.Content, 240),
		OutputPreview:  previewText(rec.Output, 240),
		Error:          rec.Err,
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()

	dayDir := filepath.Join(baseDir, ts.Format("2006-01-02"))
	if err := os.MkdirAll(dayDir, 0755); err != nil {
		return fmt.Errorf("failed to create transcript dir: %w", err)
	}
	logPath := filepath.Join(dayDir, fmt.Sprintf("analysis_%s.jsonl", ts.Format("20060102-15")))

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(payload, '\n')); err != nil {
		return err
	}
	return nil
}

func previewText(s string, limit int) string {
	clean := strings.TrimSpace(s)
	if clean == "" || limit <= 0 {
		return ""
	}
	clean = strings.ReplaceAll(clean, "\r\n", "\n")
	clean = strings.ReplaceAll(clean, "\n", "\\n")
	runes := []rune(clean)
	if len(runes) <= limit {
		return clean
	}
	return string(runes[:limit]) + "..."
}
