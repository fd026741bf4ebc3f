package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ideanote/ideabot/internal/store"
	"github.com/ideanote/ideabot/internal/utils"
)

const (
	lockStripes    = 64
	previewRunes   = 80
	categoryPrefix = "c"
	deletePrefix   = "d"
)

const helpText = `Send me any text and I'll save it as an idea.

/list - your 10 most recent ideas
/remind <delay> - remind me about the last idea (e.g. 30m, 2h, 3d)
/edit N - replace the text of idea N from /list
/delete N - delete idea N from /list
/article N - draft an article from idea N
/export - download all ideas as Markdown
/cancel - cancel what I'm waiting for`

type ConversationServiceConfig struct {
	ListLimit      int           // ideas shown by /list and addressable by index
	MaxDelay       time.Duration // upper bound accepted by /remind
	ArticleTimeout time.Duration // bound on one background article draft
	Now            Clock
}

// ConversationService is the per-conversation state machine. It owns the pending interaction
// of each conversation and serializes events of the same conversation.
type ConversationService struct {
	store     store.Store
	pending   PendingStore
	messenger Messenger
	generator Generator
	tokens    *TokenIssuer
	cfg       ConversationServiceConfig
	log       zerolog.Logger

	locks  [lockStripes]sync.Mutex
	drafts sync.WaitGroup
}

// NewConversationService wires the state machine. gen may be nil, which disables /article.
func NewConversationService(st store.Store, pending PendingStore, m Messenger, gen Generator, tokens *TokenIssuer, cfg ConversationServiceConfig, log zerolog.Logger) *ConversationService {
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 10
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 365 * 24 * time.Hour
	}
	if cfg.ArticleTimeout <= 0 {
		cfg.ArticleTimeout = 2 * time.Minute
	}
	if tokens == nil {
		tokens = NewTokenIssuer(cfg.Now)
	}
	return &ConversationService{
		store:     st,
		pending:   pending,
		messenger: m,
		generator: gen,
		tokens:    tokens,
		cfg:       cfg,
		log:       log.With().Str("component", "conversation").Logger(),
	}
}

func (s *ConversationService) lock(conversationID int64) func() {
	mu := &s.locks[uint64(conversationID)%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// HandleEvent processes one inbound event. Expected failures (bad input, vanished ideas,
// generation errors) are answered in the chat and return nil; anything else is answered with a
// generic failure and returned for logging.
func (s *ConversationService) HandleEvent(ctx context.Context, ev Event) error {
	defer s.lock(ev.ConversationID)()

	kind, err := s.route(ctx, ev)
	if err == nil {
		eventsTotal.WithLabelValues(kind, "ok").Inc()
		return nil
	}
	return s.report(ctx, ev.ConversationID, kind, err)
}

func (s *ConversationService) route(ctx context.Context, ev Event) (string, error) {
	if ev.Selection != nil {
		return "selection", s.handleSelection(ctx, ev)
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return "empty", nil
	}
	if strings.HasPrefix(text, "/") {
		return "command", s.handleCommand(ctx, ev, text)
	}
	return "message", s.handleMessage(ctx, ev, text)
}

func (s *ConversationService) report(ctx context.Context, conv int64, kind string, err error) error {
	var (
		reply   string
		outcome string
		ret     error
		verr    *ValidationError
	)
	switch {
	case errors.As(err, &verr):
		reply, outcome = verr.Reason, "invalid"
	case errors.Is(err, ErrNotFound):
		reply, outcome = "That idea no longer exists. Send /list to see your ideas.", "not_found"
	case errors.Is(err, ErrGeneration):
		reply, outcome = "I couldn't write the article right now. Please try again later.", "generation_failed"
		s.log.Warn().Err(err).Int64("conversation_id", conv).Msg("article generation failed")
	default:
		reply, outcome, ret = "Something went wrong. Please try again.", "error", err
	}
	eventsTotal.WithLabelValues(kind, outcome).Inc()

	if _, sendErr := s.messenger.SendText(ctx, conv, reply, nil); sendErr != nil {
		s.log.Error().Err(sendErr).Int64("conversation_id", conv).Msg("failed to report error to chat")
	}
	return ret
}

func (s *ConversationService) send(ctx context.Context, conv int64, text string) error {
	_, err := s.messenger.SendText(ctx, conv, text, nil)
	return err
}

// retire edits the prompt of a replaced interaction so its buttons read as dead.
func (s *ConversationService) retire(ctx context.Context, conv int64, p *Pending, text string) {
	if p == nil || p.PromptMessageID == 0 {
		return
	}
	if err := s.messenger.EditText(ctx, conv, p.PromptMessageID, text); err != nil {
		s.log.Debug().Err(err).Int64("conversation_id", conv).Msg("retire prompt")
	}
}

// handleMessage consumes a plain message: the new text of an awaited edit, or a new draft.
func (s *ConversationService) handleMessage(ctx context.Context, ev Event, text string) error {
	p, err := s.pending.Get(ctx, ev.ConversationID)
	if err != nil {
		return fmt.Errorf("load pending: %w", err)
	}
	if p != nil && p.Kind == PendingEditText {
		return s.applyEdit(ctx, ev.ConversationID, p, text)
	}
	return s.startDraft(ctx, ev, p, text)
}

func (s *ConversationService) applyEdit(ctx context.Context, conv int64, p *Pending, text string) error {
	err := s.store.UpdateIdeaText(ctx, p.IdeaID, text)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("update idea %d: %w", p.IdeaID, err)
	}
	if derr := s.pending.Delete(ctx, conv); derr != nil {
		return fmt.Errorf("clear pending: %w", derr)
	}
	if err != nil {
		return err
	}
	return s.send(ctx, conv, fmt.Sprintf("Updated idea #%d.", p.IdeaIndex))
}

func (s *ConversationService) startDraft(ctx context.Context, ev Event, prev *Pending, text string) error {
	s.retire(ctx, ev.ConversationID, prev, "Replaced by a newer message.")

	token := s.tokens.Issue()
	controls := make([][]Control, 0, len(store.Categories))
	for i, c := range store.Categories {
		controls = append(controls, []Control{{Label: string(c), Payload: categoryPayload(token, i)}})
	}
	msgID, err := s.messenger.SendText(ctx, ev.ConversationID,
		"Pick a category for:\n\n"+utils.Truncate(text, previewRunes), controls)
	if err != nil {
		return fmt.Errorf("send category prompt: %w", err)
	}
	return s.pending.Put(ctx, ev.ConversationID, Pending{
		Kind:            PendingCategory,
		AuthorID:        ev.AuthorID,
		DraftText:       text,
		Token:           token,
		PromptMessageID: msgID,
		IssuedAt:        s.cfg.Now.now(),
	})
}

func (s *ConversationService) handleSelection(ctx context.Context, ev Event) error {
	action, token, arg, ok := parsePayload(ev.Selection.Data)
	if !ok {
		return invalid("That button is no longer valid.")
	}
	p, err := s.pending.Get(ctx, ev.ConversationID)
	if err != nil {
		return fmt.Errorf("load pending: %w", err)
	}

	switch action {
	case categoryPrefix:
		if p == nil || p.Kind != PendingCategory || p.Token != token {
			return invalid("This prompt has expired. Send the idea again.")
		}
		idx, err := strconv.Atoi(arg)
		if err != nil || idx < 0 || idx >= len(store.Categories) {
			return invalid("Unknown category.")
		}
		return s.saveDraft(ctx, ev, p, store.Categories[idx])
	case deletePrefix:
		if p == nil || p.Kind != PendingDeleteConfirmation || p.Token != token {
			return invalid("This confirmation has expired. Send /delete again.")
		}
		switch arg {
		case "y":
			return s.confirmDelete(ctx, ev, p)
		case "n":
			if err := s.pending.Delete(ctx, ev.ConversationID); err != nil {
				return fmt.Errorf("clear pending: %w", err)
			}
			s.editPrompt(ctx, ev, p, fmt.Sprintf("Kept idea #%d.", p.IdeaIndex))
			return nil
		}
	}
	return invalid("That button is no longer valid.")
}

func (s *ConversationService) saveDraft(ctx context.Context, ev Event, p *Pending, category store.Category) error {
	idea := &store.Idea{
		ConversationID: ev.ConversationID,
		AuthorID:       p.AuthorID,
		Text:           p.DraftText,
		Category:       category,
		CreatedAt:      s.cfg.Now.now(),
	}
	if idea.AuthorID == 0 {
		idea.AuthorID = ev.AuthorID
	}
	if err := s.store.CreateIdea(ctx, idea); err != nil {
		return fmt.Errorf("create idea: %w", err)
	}
	if err := s.pending.Delete(ctx, ev.ConversationID); err != nil {
		s.log.Warn().Err(err).Int64("conversation_id", ev.ConversationID).Msg("clear pending after save")
	}
	s.editPrompt(ctx, ev, p, fmt.Sprintf("Saved to %s:\n\n%s", category, utils.Truncate(idea.Text, previewRunes)))
	return nil
}

func (s *ConversationService) confirmDelete(ctx context.Context, ev Event, p *Pending) error {
	err := s.store.DeleteIdea(ctx, p.IdeaID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete idea %d: %w", p.IdeaID, err)
	}
	if derr := s.pending.Delete(ctx, ev.ConversationID); derr != nil {
		return fmt.Errorf("clear pending: %w", derr)
	}
	if err != nil {
		return err
	}
	s.editPrompt(ctx, ev, p, fmt.Sprintf("Deleted idea #%d.", p.IdeaIndex))
	return nil
}

// editPrompt rewrites the message carrying the pressed control, falling back to a new message.
func (s *ConversationService) editPrompt(ctx context.Context, ev Event, p *Pending, text string) {
	msgID := ev.Selection.MessageID
	if msgID == 0 {
		msgID = p.PromptMessageID
	}
	if msgID != 0 {
		err := s.messenger.EditText(ctx, ev.ConversationID, msgID, text)
		if err == nil {
			return
		}
		s.log.Debug().Err(err).Int64("conversation_id", ev.ConversationID).Msg("edit prompt")
	}
	if err := s.send(ctx, ev.ConversationID, text); err != nil {
		s.log.Warn().Err(err).Int64("conversation_id", ev.ConversationID).Msg("send confirmation")
	}
}

func (s *ConversationService) handleCommand(ctx context.Context, ev Event, text string) error {
	cmd, arg := splitCommand(text)
	conv := ev.ConversationID

	// Any command cancels whatever the conversation was waiting for.
	prev, err := s.pending.Get(ctx, conv)
	if err != nil {
		return fmt.Errorf("load pending: %w", err)
	}
	if prev != nil {
		if err := s.pending.Delete(ctx, conv); err != nil {
			return fmt.Errorf("clear pending: %w", err)
		}
		s.retire(ctx, conv, prev, "Cancelled.")
	}

	switch cmd {
	case "/start", "/help":
		return s.send(ctx, conv, helpText)
	case "/cancel":
		if prev == nil {
			return s.send(ctx, conv, "Nothing to cancel.")
		}
		return s.send(ctx, conv, "Cancelled.")
	case "/list":
		return s.list(ctx, conv)
	case "/remind":
		return s.remind(ctx, conv, arg)
	case "/edit":
		return s.beginEdit(ctx, ev, arg)
	case "/delete":
		return s.beginDelete(ctx, ev, arg)
	case "/article":
		return s.article(ctx, conv, arg)
	case "/export":
		return s.export(ctx, conv)
	default:
		return invalid("Unknown command. Send /help to see what I can do.")
	}
}

func (s *ConversationService) list(ctx context.Context, conv int64) error {
	ideas, err := s.store.ListIdeas(ctx, conv, s.cfg.ListLimit)
	if err != nil {
		return fmt.Errorf("list ideas: %w", err)
	}
	if len(ideas) == 0 {
		return s.send(ctx, conv, "No ideas yet. Send a message to save one.")
	}
	var b strings.Builder
	b.WriteString("Your latest ideas:\n")
	for i, idea := range ideas {
		fmt.Fprintf(&b, "\n%d. %s", i+1, utils.Truncate(idea.Text, previewRunes))
		if idea.Category != "" {
			fmt.Fprintf(&b, " [%s]", idea.Category)
		}
	}
	return s.send(ctx, conv, b.String())
}

func (s *ConversationService) remind(ctx context.Context, conv int64, arg string) error {
	minutes, err := utils.ParseDelayMinutes(arg)
	if err != nil {
		return invalid("Usage: /remind <delay>, for example /remind 30m, /remind 2h or /remind 3d.")
	}
	if minutes > int64(s.cfg.MaxDelay/time.Minute) {
		return invalid("That delay is too long. The maximum is %d days.", int64(s.cfg.MaxDelay/(24*time.Hour)))
	}
	latest, err := s.store.LatestIdea(ctx, conv)
	if errors.Is(err, ErrNotFound) {
		return invalid("There is no idea to remind you about yet. Send one first.")
	}
	if err != nil {
		return fmt.Errorf("latest idea: %w", err)
	}
	remindAt := s.cfg.Now.now().Add(time.Duration(minutes) * time.Minute)
	if _, err := s.store.CreateReminder(ctx, latest.ID, remindAt); err != nil {
		return fmt.Errorf("create reminder: %w", err)
	}
	return s.send(ctx, conv, fmt.Sprintf("OK. I'll remind you in %s about:\n\n%s",
		strings.TrimSpace(arg), utils.Truncate(latest.Text, previewRunes)))
}

// resolveIndex maps a 1-based /list position to the idea it currently denotes.
func (s *ConversationService) resolveIndex(ctx context.Context, conv int64, cmd, arg string) (store.Idea, int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || n < 1 {
		return store.Idea{}, 0, invalid("Usage: %s N, where N is the number shown by /list.", cmd)
	}
	ideas, err := s.store.ListIdeas(ctx, conv, s.cfg.ListLimit)
	if err != nil {
		return store.Idea{}, 0, fmt.Errorf("list ideas: %w", err)
	}
	if n > len(ideas) {
		return store.Idea{}, 0, invalid("There is no idea #%d. Send /list to see your ideas.", n)
	}
	return ideas[n-1], n, nil
}

func (s *ConversationService) beginEdit(ctx context.Context, ev Event, arg string) error {
	idea, n, err := s.resolveIndex(ctx, ev.ConversationID, "/edit", arg)
	if err != nil {
		return err
	}
	if err := s.pending.Put(ctx, ev.ConversationID, Pending{
		Kind:      PendingEditText,
		AuthorID:  ev.AuthorID,
		IdeaID:    idea.ID,
		IdeaIndex: n,
		IssuedAt:  s.cfg.Now.now(),
	}); err != nil {
		return fmt.Errorf("store pending: %w", err)
	}
	return s.send(ctx, ev.ConversationID, fmt.Sprintf("Send the new text for idea #%d:\n\n%s",
		n, utils.Truncate(idea.Text, previewRunes)))
}

func (s *ConversationService) beginDelete(ctx context.Context, ev Event, arg string) error {
	idea, n, err := s.resolveIndex(ctx, ev.ConversationID, "/delete", arg)
	if err != nil {
		return err
	}
	token := s.tokens.Issue()
	msgID, err := s.messenger.SendText(ctx, ev.ConversationID,
		fmt.Sprintf("Delete idea #%d?\n\n%s", n, utils.Truncate(idea.Text, previewRunes)),
		[][]Control{{
			{Label: "Yes, delete", Payload: deletePayload(token, true)},
			{Label: "No", Payload: deletePayload(token, false)},
		}})
	if err != nil {
		return fmt.Errorf("send delete prompt: %w", err)
	}
	return s.pending.Put(ctx, ev.ConversationID, Pending{
		Kind:            PendingDeleteConfirmation,
		AuthorID:        ev.AuthorID,
		Token:           token,
		IdeaID:          idea.ID,
		IdeaIndex:       n,
		PromptMessageID: msgID,
		IssuedAt:        s.cfg.Now.now(),
	})
}

func (s *ConversationService) article(ctx context.Context, conv int64, arg string) error {
	if s.generator == nil {
		return invalid("Article drafting is not enabled on this bot.")
	}
	idea, _, err := s.resolveIndex(ctx, conv, "/article", arg)
	if err != nil {
		return err
	}
	if err := s.send(ctx, conv, "Writing an article draft, this can take a moment..."); err != nil {
		return err
	}
	// Generation runs outside the conversation lock so it does not hold up other events.
	s.drafts.Add(1)
	go s.draftArticle(context.WithoutCancel(ctx), conv, idea)
	return nil
}

func (s *ConversationService) draftArticle(ctx context.Context, conv int64, idea store.Idea) {
	defer s.drafts.Done()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ArticleTimeout)
	defer cancel()

	err := s.writeArticle(ctx, conv, idea)
	if err == nil {
		eventsTotal.WithLabelValues("article", "ok").Inc()
		return
	}
	if err := s.report(ctx, conv, "article", err); err != nil {
		s.log.Error().Err(err).Int64("conversation_id", conv).Int64("idea_id", idea.ID).Msg("article delivery failed")
	}
}

func (s *ConversationService) writeArticle(ctx context.Context, conv int64, idea store.Idea) error {
	text, err := s.generator.GenerateArticle(ctx, idea.Category, idea.Text)
	if err != nil {
		if !errors.Is(err, ErrGeneration) {
			err = fmt.Errorf("%w: %v", ErrGeneration, err)
		}
		return err
	}
	if err := s.messenger.SendDocument(ctx, conv, []byte(text), fmt.Sprintf("idea-%d-article.md", idea.ID)); err != nil {
		return fmt.Errorf("send article: %w", err)
	}
	return nil
}

// Wait blocks until every article draft started so far has been delivered or reported.
func (s *ConversationService) Wait() {
	s.drafts.Wait()
}

func (s *ConversationService) export(ctx context.Context, conv int64) error {
	ideas, err := s.store.ListIdeas(ctx, conv, 0)
	if err != nil {
		return fmt.Errorf("list ideas: %w", err)
	}
	if len(ideas) == 0 {
		return invalid("Nothing to export yet. Send a message to save an idea.")
	}
	if err := s.messenger.SendDocument(ctx, conv, RenderMarkdown(ideas), "ideas.md"); err != nil {
		return fmt.Errorf("send export: %w", err)
	}
	return nil
}

// RenderMarkdown lists ideas, newest first, as a Markdown document.
func RenderMarkdown(ideas []store.Idea) []byte {
	var b strings.Builder
	b.WriteString("# Ideas\n")
	for _, idea := range ideas {
		category := string(idea.Category)
		if category == "" {
			category = "Uncategorized"
		}
		fmt.Fprintf(&b, "\n## %s · %s\n\n%s\n", idea.CreatedAt.UTC().Format("2006-01-02 15:04"), category, idea.Text)
		if idea.RemindedAt != nil {
			fmt.Fprintf(&b, "\n_Reminded %s_\n", idea.RemindedAt.UTC().Format("2006-01-02 15:04"))
		}
	}
	return []byte(b.String())
}

// splitCommand separates "/cmd@BotName arg" into "/cmd" and "arg".
func splitCommand(text string) (string, string) {
	cmd, arg, _ := strings.Cut(text, " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}

func categoryPayload(token string, index int) string {
	return categoryPrefix + ":" + token + ":" + strconv.Itoa(index)
}

func deletePayload(token string, confirm bool) string {
	answer := "n"
	if confirm {
		answer = "y"
	}
	return deletePrefix + ":" + token + ":" + answer
}

func parsePayload(data string) (action, token, arg string, ok bool) {
	parts := strings.Split(data, ":")
	if len(parts) != 3 || parts[1] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}
