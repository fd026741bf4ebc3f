package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickDeliversDueReminderOnce(t *testing.T) {
	st := newTestStore(t)
	clock := newFakeClock()
	m := &fakeMessenger{}
	ctx := context.Background()

	idea := seedIdea(t, st, 10, "call the accountant", base)
	_, err := st.CreateReminder(ctx, idea.ID, base.Add(10*time.Minute))
	require.NoError(t, err)

	s := NewReminderScheduler(st, NewDispatcher(m, time.Second), ReminderSchedulerConfig{Now: clock.Now, MaxAttempts: 3}, zerolog.Nop())

	res, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickResult{}, res, "not due yet")

	clock.Advance(10 * time.Minute)
	res, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickResult{Due: 1, Sent: 1}, res)
	assert.Equal(t, int64(10), m.last(t).ChatID)
	assert.Equal(t, "⏰ Reminder: call the accountant", m.last(t).Text)

	res, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Due)

	reminders, err := st.ListReminders(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reminders, 1)
	require.NotNil(t, reminders[0].SentAt)
	assert.True(t, reminders[0].SentAt.Equal(base.Add(10*time.Minute)))

	got, err := st.GetIdea(ctx, idea.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RemindedAt)
}

func TestConcurrentTicksNeverDoubleSend(t *testing.T) {
	st := newTestStore(t)
	clock := newFakeClock()
	ctx := context.Background()

	const n = 30
	for i := 0; i < n; i++ {
		idea := seedIdea(t, st, int64(100+i), fmt.Sprintf("idea-%d", i), base)
		_, err := st.CreateReminder(ctx, idea.ID, base.Add(-time.Minute))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	delivered := map[int64]int{}
	m := &fakeMessenger{sendHook: func(_ context.Context, chatID int64, _ string) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		delivered[chatID]++
		mu.Unlock()
		return nil
	}}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		// Separate instances model separate processes with their own lease owner.
		s := NewReminderScheduler(st, NewDispatcher(m, time.Second),
			ReminderSchedulerConfig{Now: clock.Now, BatchSize: 50, MaxAttempts: 3}, zerolog.Nop())
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Tick(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, delivered, n)
	for chat, count := range delivered {
		assert.Equal(t, 1, count, "conversation %d", chat)
	}
}

func TestLeaseCoversSlowDispatch(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	idea := seedIdea(t, st, 7, "slow network", now.Add(-time.Hour))
	_, err := st.CreateReminder(ctx, idea.ID, now.Add(-time.Minute))
	require.NoError(t, err)

	var mu sync.Mutex
	sends := 0
	m := &fakeMessenger{sendHook: func(context.Context, int64, string) error {
		time.Sleep(150 * time.Millisecond)
		mu.Lock()
		sends++
		mu.Unlock()
		return nil
	}}

	// Store calls are quick but the send itself may take up to a second.
	cfg := ReminderSchedulerConfig{CallTimeout: 50 * time.Millisecond, MaxAttempts: 3}
	first := NewReminderScheduler(st, NewDispatcher(m, time.Second), cfg, zerolog.Nop())
	second := NewReminderScheduler(st, NewDispatcher(m, time.Second), cfg, zerolog.Nop())
	assert.GreaterOrEqual(t, first.cfg.Lease, 2*time.Second)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := first.Tick(ctx)
		assert.NoError(t, err)
	}()
	time.Sleep(80 * time.Millisecond)
	res, err := second.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Sent)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, sends)
}

func TestFailedDispatchRetriesThenAbandons(t *testing.T) {
	st := newTestStore(t)
	clock := newFakeClock()
	ctx := context.Background()
	m := &fakeMessenger{sendHook: func(context.Context, int64, string) error { return errSendFailed }}

	idea := seedIdea(t, st, 1, "flaky", base)
	_, err := st.CreateReminder(ctx, idea.ID, base)
	require.NoError(t, err)

	s := NewReminderScheduler(st, NewDispatcher(m, time.Second), ReminderSchedulerConfig{Now: clock.Now, MaxAttempts: 3}, zerolog.Nop())

	for attempt := 1; attempt <= 2; attempt++ {
		res, err := s.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, TickResult{Due: 1, Failed: 1}, res, "attempt %d", attempt)
	}
	res, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickResult{Due: 1, Abandoned: 1}, res)

	res, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Due, "abandoned reminders are never picked up again")

	reminders, err := st.ListReminders(ctx, 1)
	require.NoError(t, err)
	require.Len(t, reminders, 1)
	assert.Equal(t, 3, reminders[0].Attempts)
	assert.NotNil(t, reminders[0].AbandonedAt)
	assert.Nil(t, reminders[0].SentAt)
	assert.Contains(t, reminders[0].LastError, "send failed")
}

func TestHungDispatchTimesOutAndBatchContinues(t *testing.T) {
	st := newTestStore(t)
	clock := newFakeClock()
	ctx := context.Background()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	m := &fakeMessenger{sendHook: func(_ context.Context, chatID int64, _ string) error {
		if chatID == 1 {
			<-release // ignores ctx on purpose
		}
		return nil
	}}

	hung := seedIdea(t, st, 1, "hung", base)
	ok := seedIdea(t, st, 2, "fine", base)
	_, err := st.CreateReminder(ctx, hung.ID, base.Add(-2*time.Minute))
	require.NoError(t, err)
	_, err = st.CreateReminder(ctx, ok.ID, base.Add(-time.Minute))
	require.NoError(t, err)

	s := NewReminderScheduler(st, NewDispatcher(m, 50*time.Millisecond),
		ReminderSchedulerConfig{Now: clock.Now, MaxAttempts: 5}, zerolog.Nop())

	start := time.Now()
	res, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, TickResult{Due: 2, Sent: 1, Failed: 1}, res)
	assert.Equal(t, int64(2), m.last(t).ChatID)
}

func TestTickHonoursBatchSizeInDueOrder(t *testing.T) {
	st := newTestStore(t)
	clock := newFakeClock()
	ctx := context.Background()
	m := &fakeMessenger{}

	for i, offset := range []time.Duration{-time.Minute, -3 * time.Minute, -2 * time.Minute} {
		idea := seedIdea(t, st, int64(i+1), fmt.Sprintf("idea-%d", i+1), base)
		_, err := st.CreateReminder(ctx, idea.ID, base.Add(offset))
		require.NoError(t, err)
	}

	s := NewReminderScheduler(st, NewDispatcher(m, time.Second),
		ReminderSchedulerConfig{Now: clock.Now, BatchSize: 2, MaxAttempts: 3}, zerolog.Nop())

	res, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, []string{"⏰ Reminder: idea-2", "⏰ Reminder: idea-3"}, m.texts())

	res, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
}

func TestRunCatchesUpImmediately(t *testing.T) {
	st := newTestStore(t)
	clock := newFakeClock()
	m := &fakeMessenger{}

	for i := 0; i < 3; i++ {
		idea := seedIdea(t, st, int64(i+1), "missed while down", base.Add(-48*time.Hour))
		_, err := st.CreateReminder(context.Background(), idea.ID, base.Add(-24*time.Hour))
		require.NoError(t, err)
	}

	s := NewReminderScheduler(st, NewDispatcher(m, time.Second),
		ReminderSchedulerConfig{Now: clock.Now, Interval: time.Hour, MaxAttempts: 3}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(m.texts()) == 3 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	for _, text := range m.texts() {
		assert.True(t, strings.HasSuffix(text, "missed while down"))
	}
}
