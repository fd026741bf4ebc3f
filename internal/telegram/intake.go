package telegram

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ideanote/ideabot/internal/core"
)

// EventHandler consumes mapped chat events.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev core.Event) error
}

// Callbacks is the part of Client the intake needs to acknowledge button presses.
type Callbacks interface {
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// ToEvent maps an update to a chat event. It reports false for updates the bot ignores:
// edits, messages from bots and updates without text or callback data.
func ToEvent(u Update) (core.Event, bool) {
	switch {
	case u.CallbackQuery != nil:
		cq := u.CallbackQuery
		if cq.Message == nil || cq.Data == "" {
			return core.Event{}, false
		}
		return core.Event{
			ConversationID: cq.Message.Chat.ID,
			AuthorID:       cq.From.ID,
			Selection: &core.Selection{
				ID:        cq.ID,
				Data:      cq.Data,
				MessageID: cq.Message.MessageID,
			},
		}, true
	case u.Message != nil:
		m := u.Message
		if m.From != nil && m.From.IsBot {
			return core.Event{}, false
		}
		text := m.Text
		if text == "" {
			text = m.Caption
		}
		if strings.TrimSpace(text) == "" {
			return core.Event{}, false
		}
		ev := core.Event{ConversationID: m.Chat.ID, Text: text}
		if m.From != nil {
			ev.AuthorID = m.From.ID
		}
		return ev, true
	default:
		return core.Event{}, false
	}
}

// Intake feeds updates from either the poll loop or the webhook into the handler.
type Intake struct {
	handler   EventHandler
	callbacks Callbacks
	log       zerolog.Logger
}

func NewIntake(h EventHandler, cb Callbacks, log zerolog.Logger) *Intake {
	return &Intake{handler: h, callbacks: cb, log: log.With().Str("component", "intake").Logger()}
}

// Process handles one update. Failures are logged, never returned: a redelivered update
// would only repeat the failure.
func (in *Intake) Process(ctx context.Context, u Update) {
	ev, ok := ToEvent(u)
	if !ok {
		in.log.Debug().Int("update_id", u.UpdateID).Msg("ignoring update")
		return
	}
	if err := in.handler.HandleEvent(ctx, ev); err != nil {
		in.log.Error().Err(err).Int("update_id", u.UpdateID).Int64("conversation_id", ev.ConversationID).Msg("handle event")
	}
	if ev.Selection != nil && in.callbacks != nil {
		if err := in.callbacks.AnswerCallback(ctx, ev.Selection.ID, ""); err != nil {
			in.log.Warn().Err(err).Str("callback_id", ev.Selection.ID).Msg("answer callback")
		}
	}
}
