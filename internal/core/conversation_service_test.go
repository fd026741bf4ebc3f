package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ideanote/ideabot/internal/store"
)

const chat int64 = 500

type fakeGenerator struct {
	article string
	err     error
	block   chan struct{}
}

func (g *fakeGenerator) GenerateArticle(ctx context.Context, category store.Category, ideaText string) (string, error) {
	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if g.err != nil {
		return "", g.err
	}
	return fmt.Sprintf("%s\n\n%s: %s", g.article, category, ideaText), nil
}

type convFixture struct {
	svc     *ConversationService
	store   *store.SQLiteStore
	pending *MemoryPendingStore
	msgr    *fakeMessenger
	gen     *fakeGenerator
	clock   *fakeClock
}

func newConvFixture(t *testing.T) *convFixture {
	t.Helper()
	f := &convFixture{
		store: newTestStore(t),
		msgr:  &fakeMessenger{},
		gen:   &fakeGenerator{article: "# Draft"},
		clock: newFakeClock(),
	}
	f.pending = NewMemoryPendingStore(10*time.Minute, f.clock.Now)
	f.svc = NewConversationService(f.store, f.pending, f.msgr, f.gen, NewTokenIssuer(f.clock.Now),
		ConversationServiceConfig{Now: f.clock.Now}, zerolog.Nop())
	return f
}

func (f *convFixture) say(t *testing.T, text string) {
	t.Helper()
	require.NoError(t, f.svc.HandleEvent(context.Background(), Event{ConversationID: chat, AuthorID: 7, Text: text}))
}

// press selects the control whose label matches on the given prompt.
func (f *convFixture) press(t *testing.T, prompt sentMessage, label string) {
	t.Helper()
	for _, row := range prompt.Controls {
		for _, c := range row {
			if c.Label == label {
				f.pressPayload(t, prompt.ID, c.Payload)
				return
			}
		}
	}
	t.Fatalf("no control %q on message %d", label, prompt.ID)
}

func (f *convFixture) pressPayload(t *testing.T, messageID int, payload string) {
	t.Helper()
	require.NoError(t, f.svc.HandleEvent(context.Background(), Event{
		ConversationID: chat,
		AuthorID:       7,
		Selection:      &Selection{ID: "cb", Data: payload, MessageID: messageID},
	}))
}

func (f *convFixture) pendingState(t *testing.T) *Pending {
	t.Helper()
	p, err := f.pending.Get(context.Background(), chat)
	require.NoError(t, err)
	return p
}

func (f *convFixture) ideas(t *testing.T) []store.Idea {
	t.Helper()
	ideas, err := f.store.ListIdeas(context.Background(), chat, 0)
	require.NoError(t, err)
	return ideas
}

func (f *convFixture) saveIdea(t *testing.T, text, category string) {
	t.Helper()
	f.say(t, text)
	f.press(t, f.msgr.last(t), category)
	f.clock.Advance(time.Second)
}

func TestConversationEndToEnd(t *testing.T) {
	f := newConvFixture(t)
	ctx := context.Background()

	// submit and categorize
	f.say(t, "Open a coffee shop")
	prompt := f.msgr.last(t)
	require.Len(t, prompt.Controls, len(store.Categories))
	assert.Contains(t, prompt.Text, "Open a coffee shop")
	require.Equal(t, PendingCategory, f.pendingState(t).Kind)

	f.press(t, prompt, "Business")
	assert.Nil(t, f.pendingState(t))
	ideas := f.ideas(t)
	require.Len(t, ideas, 1)
	assert.Equal(t, store.CategoryBusiness, ideas[0].Category)
	assert.Equal(t, int64(7), ideas[0].AuthorID)
	edit := f.msgr.lastEdit(t)
	assert.Equal(t, prompt.ID, edit.MessageID)
	assert.Contains(t, edit.Text, "Saved to Business")

	// list
	f.say(t, "/list")
	assert.Contains(t, f.msgr.last(t).Text, "1. Open a coffee shop [Business]")

	// remind, advance, tick
	f.say(t, "/remind 30m")
	assert.Contains(t, f.msgr.last(t).Text, "remind you in 30m")
	reminders, err := f.store.ListReminders(ctx, chat)
	require.NoError(t, err)
	require.Len(t, reminders, 1)
	assert.True(t, reminders[0].RemindAt.Equal(base.Add(30*time.Minute)))

	sched := NewReminderScheduler(f.store, NewDispatcher(f.msgr, time.Second),
		ReminderSchedulerConfig{Now: f.clock.Now, MaxAttempts: 3}, zerolog.Nop())
	res, err := sched.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Due)

	f.clock.Advance(31 * time.Minute)
	res, err = sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, "⏰ Reminder: Open a coffee shop", f.msgr.last(t).Text)

	// edit
	f.say(t, "/edit 1")
	require.Equal(t, PendingEditText, f.pendingState(t).Kind)
	f.say(t, "Open a coffee roastery")
	assert.Nil(t, f.pendingState(t))
	assert.Equal(t, "Open a coffee roastery", f.ideas(t)[0].Text)
	assert.Equal(t, "Updated idea #1.", f.msgr.last(t).Text)

	// delete, cancelled
	f.say(t, "/delete 1")
	confirm := f.msgr.last(t)
	require.Equal(t, PendingDeleteConfirmation, f.pendingState(t).Kind)
	f.press(t, confirm, "No")
	assert.Nil(t, f.pendingState(t))
	require.Len(t, f.ideas(t), 1)
	assert.Contains(t, f.msgr.lastEdit(t).Text, "Kept idea #1")

	// delete, confirmed
	f.say(t, "/delete 1")
	f.press(t, f.msgr.last(t), "Yes, delete")
	assert.Empty(t, f.ideas(t))
	reminders, err = f.store.ListReminders(ctx, chat)
	require.NoError(t, err)
	assert.Empty(t, reminders)
	assert.Contains(t, f.msgr.lastEdit(t).Text, "Deleted idea #1")
}

func TestSecondEditReplacesFirst(t *testing.T) {
	f := newConvFixture(t)
	f.saveIdea(t, "older", "Tech")
	f.saveIdea(t, "newer", "Tech")

	f.say(t, "/edit 1") // newer
	f.say(t, "/edit 2") // older
	p := f.pendingState(t)
	require.NotNil(t, p)
	assert.Equal(t, 2, p.IdeaIndex)

	f.say(t, "older, rewritten")
	ideas := f.ideas(t)
	require.Len(t, ideas, 2)
	assert.Equal(t, "newer", ideas[0].Text)
	assert.Equal(t, "older, rewritten", ideas[1].Text)
}

func TestEditWaitSurvivesTTL(t *testing.T) {
	f := newConvFixture(t)
	f.saveIdea(t, "draft", "Personal")

	f.say(t, "/edit 1")
	f.clock.Advance(3 * time.Hour)
	f.say(t, "final")
	assert.Equal(t, "final", f.ideas(t)[0].Text)
}

func TestEditTargetsIdeaChosenAtCommandTime(t *testing.T) {
	f := newConvFixture(t)
	f.saveIdea(t, "first", "Tech")

	f.say(t, "/edit 1")
	// A newer idea saved meanwhile shifts list positions but not the edit target.
	_ = seedIdea(t, f.store, chat, "arrived later", f.clock.Now().Add(time.Minute))
	f.say(t, "first, edited")

	texts := []string{}
	for _, idea := range f.ideas(t) {
		texts = append(texts, idea.Text)
	}
	assert.ElementsMatch(t, []string{"arrived later", "first, edited"}, texts)
}

func TestEditOfDeletedIdeaFailsGracefully(t *testing.T) {
	f := newConvFixture(t)
	f.saveIdea(t, "doomed", "Other")

	f.say(t, "/edit 1")
	ideas := f.ideas(t)
	require.NoError(t, f.store.DeleteIdea(context.Background(), ideas[0].ID))

	f.say(t, "too late")
	assert.Nil(t, f.pendingState(t))
	assert.Contains(t, f.msgr.last(t).Text, "no longer exists")
	assert.Empty(t, f.ideas(t))
}

func TestNewestDraftWinsAndStaleTokenIsRejected(t *testing.T) {
	f := newConvFixture(t)

	f.say(t, "first thought")
	first := f.msgr.last(t)
	f.say(t, "second thought")
	second := f.msgr.last(t)
	assert.Equal(t, first.ID, f.msgr.lastEdit(t).MessageID, "replaced prompt is retired")

	f.press(t, first, "Tech")
	assert.Empty(t, f.ideas(t), "stale token must not save")
	assert.Contains(t, f.msgr.last(t).Text, "expired")
	require.NotNil(t, f.pendingState(t), "newer draft still pending")

	f.press(t, second, "Tech")
	ideas := f.ideas(t)
	require.Len(t, ideas, 1)
	assert.Equal(t, "second thought", ideas[0].Text)
}

func TestCategoryPromptExpires(t *testing.T) {
	f := newConvFixture(t)
	f.say(t, "slow decision")
	prompt := f.msgr.last(t)

	f.clock.Advance(10*time.Minute + time.Second)
	f.press(t, prompt, "Tech")
	assert.Empty(t, f.ideas(t))
	assert.Contains(t, f.msgr.last(t).Text, "expired")
}

func TestRepeatedSelectionSavesOnce(t *testing.T) {
	f := newConvFixture(t)
	f.say(t, "double tap")
	prompt := f.msgr.last(t)

	f.press(t, prompt, "Tech")
	f.press(t, prompt, "Tech")
	assert.Len(t, f.ideas(t), 1)
}

func TestCommandCancelsPending(t *testing.T) {
	f := newConvFixture(t)
	f.say(t, "half-baked")
	require.NotNil(t, f.pendingState(t))

	f.say(t, "/list")
	assert.Nil(t, f.pendingState(t))
	assert.Equal(t, "No ideas yet. Send a message to save one.", f.msgr.last(t).Text)

	f.say(t, "/cancel")
	assert.Equal(t, "Nothing to cancel.", f.msgr.last(t).Text)
}

func TestPlainMessageDuringDeleteConfirmationStartsDraft(t *testing.T) {
	f := newConvFixture(t)
	f.saveIdea(t, "keep me", "Tech")

	f.say(t, "/delete 1")
	confirm := f.msgr.last(t)
	f.say(t, "something new")
	assert.Equal(t, PendingCategory, f.pendingState(t).Kind)

	f.press(t, confirm, "Yes, delete")
	require.Len(t, f.ideas(t), 1, "old confirmation no longer applies")
}

func TestRemindValidation(t *testing.T) {
	f := newConvFixture(t)

	f.say(t, "/remind 10m")
	assert.Contains(t, f.msgr.last(t).Text, "no idea to remind you about")

	f.saveIdea(t, "something", "Tech")
	for _, arg := range []string{"", "abc", "0m", "10s", "-5m"} {
		f.say(t, strings.TrimSpace("/remind "+arg))
		assert.Contains(t, f.msgr.last(t).Text, "Usage: /remind", "arg %q", arg)
	}
	f.say(t, "/remind 400d")
	assert.Contains(t, f.msgr.last(t).Text, "too long")

	reminders, err := f.store.ListReminders(context.Background(), chat)
	require.NoError(t, err)
	assert.Empty(t, reminders)
}

func TestIndexValidation(t *testing.T) {
	f := newConvFixture(t)
	f.saveIdea(t, "only one", "Tech")

	f.say(t, "/edit 2")
	assert.Contains(t, f.msgr.last(t).Text, "There is no idea #2")
	f.say(t, "/delete x")
	assert.Contains(t, f.msgr.last(t).Text, "Usage: /delete N")
	assert.Nil(t, f.pendingState(t))
}

func TestArticle(t *testing.T) {
	f := newConvFixture(t)
	f.saveIdea(t, "remote work tips", "Content")

	f.say(t, "/article 1")
	f.svc.Wait()
	require.Len(t, f.msgr.docs, 1)
	doc := f.msgr.docs[0]
	assert.Contains(t, string(doc.Data), "Content: remote work tips")
	assert.True(t, strings.HasSuffix(doc.Filename, "-article.md"))

	f.gen.err = fmt.Errorf("%w: quota", ErrGeneration)
	f.say(t, "/article 1")
	f.svc.Wait()
	assert.Contains(t, f.msgr.last(t).Text, "try again later")
	assert.Len(t, f.msgr.docs, 1)
}

func TestArticleDoesNotHoldConversationLock(t *testing.T) {
	f := newConvFixture(t)
	f.saveIdea(t, "slow model", "Tech")
	f.gen.block = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx := context.Background()
		assert.NoError(t, f.svc.HandleEvent(ctx, Event{ConversationID: chat, AuthorID: 7, Text: "/article 1"}))
		assert.NoError(t, f.svc.HandleEvent(ctx, Event{ConversationID: chat, AuthorID: 7, Text: "/list"}))
		// shares chat's lock stripe
		assert.NoError(t, f.svc.HandleEvent(ctx, Event{ConversationID: chat + lockStripes, AuthorID: 8, Text: "/help"}))
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("events stalled behind article generation")
	}
	assert.Contains(t, f.msgr.last(t).Text, "/article N")
	assert.Empty(t, f.msgr.docs)

	close(f.gen.block)
	f.svc.Wait()
	require.Len(t, f.msgr.docs, 1)
	assert.Contains(t, string(f.msgr.docs[0].Data), "Tech: slow model")
}

func TestArticleDisabledWithoutGenerator(t *testing.T) {
	f := newConvFixture(t)
	f.svc.generator = nil
	f.saveIdea(t, "x", "Tech")

	f.say(t, "/article 1")
	assert.Contains(t, f.msgr.last(t).Text, "not enabled")
}

func TestExport(t *testing.T) {
	f := newConvFixture(t)
	f.say(t, "/export")
	assert.Contains(t, f.msgr.last(t).Text, "Nothing to export")

	f.saveIdea(t, "alpha", "Tech")
	f.saveIdea(t, "beta", "Personal")
	f.say(t, "/export")
	require.Len(t, f.msgr.docs, 1)
	md := string(f.msgr.docs[0].Data)
	assert.True(t, strings.HasPrefix(md, "# Ideas\n"))
	assert.Less(t, strings.Index(md, "beta"), strings.Index(md, "alpha"), "newest first")
	assert.Contains(t, md, "· Personal")
}

func TestUnknownCommandAndBotSuffix(t *testing.T) {
	f := newConvFixture(t)
	f.say(t, "/frobnicate")
	assert.Contains(t, f.msgr.last(t).Text, "Unknown command")

	f.say(t, "/help@IdeaNoteBot")
	assert.Contains(t, f.msgr.last(t).Text, "/remind <delay>")
}

type failingStore struct {
	*store.SQLiteStore
}

func (failingStore) ListIdeas(context.Context, int64, int) ([]store.Idea, error) {
	return nil, errors.New("disk on fire")
}

func TestTransientErrorIsReportedAndReturned(t *testing.T) {
	f := newConvFixture(t)
	svc := NewConversationService(failingStore{f.store}, f.pending, f.msgr, nil, nil,
		ConversationServiceConfig{Now: f.clock.Now}, zerolog.Nop())

	err := svc.HandleEvent(context.Background(), Event{ConversationID: chat, Text: "/list"})
	require.Error(t, err)
	assert.Equal(t, "Something went wrong. Please try again.", f.msgr.last(t).Text)
}

func TestMalformedSelection(t *testing.T) {
	f := newConvFixture(t)
	f.pressPayload(t, 1, "garbage")
	assert.Contains(t, f.msgr.last(t).Text, "no longer valid")
}

func TestPayloadHelpers(t *testing.T) {
	action, token, arg, ok := parsePayload(categoryPayload("abc.1", 3))
	require.True(t, ok)
	assert.Equal(t, []string{"c", "abc.1", "3"}, []string{action, token, arg})

	action, _, arg, ok = parsePayload(deletePayload("abc.2", true))
	require.True(t, ok)
	assert.Equal(t, "d", action)
	assert.Equal(t, "y", arg)

	cmd, rest := splitCommand("/Remind@bot  2h ")
	assert.Equal(t, "/remind", cmd)
	assert.Equal(t, "2h", rest)
}
