package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"smarttodo/app/pkg/types"
)

// CLIChannel reads manual entries from stdin. Besides plain text it accepts
// "cancel <id>", "cancel all" and "exit".
type CLIChannel struct {
	id       string
	input    io.Reader
	ingestor types.Ingestor
}

func NewCLIChannel(ingestor types.Ingestor) *CLIChannel {
	return &CLIChannel{id: "cli", input: os.Stdin, ingestor: ingestor}
}

func (c *CLIChannel) ID() string {
	return c.id
}

func (c *CLIChannel) Start(ctx context.Context, handler func(types.Message) (int64, error)) error {
	scanner := bufio.NewScanner(c.input)
	fmt.Println(">> SmartTodo CLI started. Type a message, 'cancel <id>', 'cancel all' or 'exit'.")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			fmt.Print("> ")
			if !scanner.Scan() {
				return scanner.Err()
			}
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			if text == "exit" || text == "quit" {
				fmt.Println("Exiting CLI loop...")
				return nil
			}

			if handled := c.handleCommand(ctx, text); handled {
				continue
			}

			id, err := handler(types.Message{Content: text, SourceID: c.id})
			if err != nil {
				fmt.Printf("[SmartTodo] Submission failed: %v\n", err)
				continue
			}
			fmt.Printf("[SmartTodo] Queued message #%d\n", id)
		}
	}
}

func (c *CLIChannel) handleCommand(ctx context.Context, text string) bool {
	fields := strings.Fields(text)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "cancel") {
		return false
	}

	if strings.EqualFold(fields[1], "all") {
		if err := c.ingestor.CancelAll(ctx); err != nil {
			fmt.Printf("[SmartTodo] Cancel all failed: %v\n", err)
			return true
		}
		fmt.Println("[SmartTodo] Cancelled all pending messages")
		return true
	}

	id, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		fmt.Printf("[SmartTodo] Invalid message id: %s\n", fields[1])
		return true
	}
	if err := c.ingestor.Cancel(ctx, id); err != nil {
		fmt.Printf("[SmartTodo] Cancel failed: %v\n", err)
		return true
	}
	fmt.Printf("[SmartTodo] Cancelled message #%d\n", id)
	return true
}
