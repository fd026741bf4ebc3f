package core

import (
	"context"
	"time"

	"github.com/ideanote/ideabot/internal/store"
)

// Control is one selectable button attached to an outgoing message.
type Control struct {
	Label   string
	Payload string
}

// Messenger is the outbound side of the chat transport.
type Messenger interface {
	// SendText posts a message and returns its id. controls is a row-major button grid.
	SendText(ctx context.Context, chatID int64, text string, controls [][]Control) (int, error)
	EditText(ctx context.Context, chatID int64, messageID int, text string) error
	SendDocument(ctx context.Context, chatID int64, data []byte, filename string) error
}

// Generator drafts an article from an idea. Failures wrap ErrGeneration.
type Generator interface {
	GenerateArticle(ctx context.Context, category store.Category, ideaText string) (string, error)
}

// Event is one inbound chat event, already mapped from the transport's wire format.
type Event struct {
	ConversationID int64
	AuthorID       int64
	Text           string
	Selection      *Selection
}

// Selection is a press on a control previously sent by the bot.
type Selection struct {
	ID        string
	Data      string
	MessageID int
}

// Clock returns the current time; tests substitute a fake.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}
