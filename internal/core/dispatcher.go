package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ideanote/ideabot/internal/store"
	"github.com/ideanote/ideabot/internal/utils"
)

// Dispatcher formats notifications and hands them to the Messenger. Every call is bounded by
// a timeout so that a hung transport surfaces as an error instead of stalling a scheduler.
type Dispatcher struct {
	messenger Messenger
	timeout   time.Duration
}

func NewDispatcher(m Messenger, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{messenger: m, timeout: timeout}
}

// Timeout is the longest a single notification may take.
func (d *Dispatcher) Timeout() time.Duration { return d.timeout }

// NotifyReminder delivers the reminder text for one idea.
func (d *Dispatcher) NotifyReminder(ctx context.Context, r store.DueReminder) error {
	text := "⏰ Reminder: " + r.IdeaText
	return d.send(ctx, r.ConversationID, text)
}

// NotifyDigest sends the weekly list of stale ideas. Empty lists are not sent.
func (d *Dispatcher) NotifyDigest(ctx context.Context, conversationID int64, ideas []store.Idea) error {
	if len(ideas) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString("🗂 Weekly digest: ideas waiting for you\n")
	for i, idea := range ideas {
		fmt.Fprintf(&b, "\n%d. %s", i+1, utils.Truncate(idea.Text, previewRunes))
		if idea.Category != "" {
			fmt.Fprintf(&b, " [%s]", idea.Category)
		}
	}
	return d.send(ctx, conversationID, b.String())
}

// send runs the Messenger call on its own goroutine so that an implementation ignoring ctx
// still cannot block the caller past the timeout.
func (d *Dispatcher) send(ctx context.Context, chatID int64, text string) error {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := d.messenger.SendText(callCtx, chatID, text, nil)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("dispatch to %d: %w", chatID, err)
		}
		return nil
	case <-callCtx.Done():
		return fmt.Errorf("dispatch to %d: %w", chatID, callCtx.Err())
	}
}
