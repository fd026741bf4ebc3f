package core

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ideanote/ideabot/internal/store"
)

var base = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: base} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type sentMessage struct {
	ID       int
	ChatID   int64
	Text     string
	Controls [][]Control
}

type editedMessage struct {
	ChatID    int64
	MessageID int
	Text      string
}

type sentDocument struct {
	ChatID   int64
	Filename string
	Data     []byte
}

// fakeMessenger records traffic. sendHook, when set, runs before a send is recorded and can
// fail or block it.
type fakeMessenger struct {
	mu       sync.Mutex
	nextID   int
	sent     []sentMessage
	edits    []editedMessage
	docs     []sentDocument
	sendHook func(ctx context.Context, chatID int64, text string) error
}

func (m *fakeMessenger) SendText(ctx context.Context, chatID int64, text string, controls [][]Control) (int, error) {
	if m.sendHook != nil {
		if err := m.sendHook(ctx, chatID, text); err != nil {
			return 0, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.sent = append(m.sent, sentMessage{ID: m.nextID, ChatID: chatID, Text: text, Controls: controls})
	return m.nextID, nil
}

func (m *fakeMessenger) EditText(_ context.Context, chatID int64, messageID int, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, editedMessage{ChatID: chatID, MessageID: messageID, Text: text})
	return nil
}

func (m *fakeMessenger) SendDocument(_ context.Context, chatID int64, data []byte, filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = append(m.docs, sentDocument{ChatID: chatID, Filename: filename, Data: data})
	return nil
}

func (m *fakeMessenger) last(t *testing.T) sentMessage {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.sent, "no message sent")
	return m.sent[len(m.sent)-1]
}

func (m *fakeMessenger) lastEdit(t *testing.T) editedMessage {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.edits, "no message edited")
	return m.edits[len(m.edits)-1]
}

func (m *fakeMessenger) texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sent))
	for _, s := range m.sent {
		out = append(out, s.Text)
	}
	return out
}

var errSendFailed = errors.New("send failed")

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "core.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedIdea(t *testing.T, st store.Store, chat int64, text string, at time.Time) *store.Idea {
	t.Helper()
	idea := &store.Idea{ConversationID: chat, AuthorID: 1, Text: text, Category: store.CategoryTech, CreatedAt: at}
	require.NoError(t, st.CreateIdea(context.Background(), idea))
	return idea
}
