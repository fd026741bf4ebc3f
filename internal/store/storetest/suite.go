// Package storetest holds a compliance suite every store.Store implementation must pass.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ideanote/ideabot/internal/store"
)

// Run exercises the store contract. makeStore must return a clean, migrated store.
func Run(t *testing.T, makeStore func(t *testing.T) store.Store) {
	t.Helper()

	t.Run("IdeasRecencyOrder", func(t *testing.T) { testIdeasRecencyOrder(t, makeStore(t)) })
	t.Run("IdeaMutations", func(t *testing.T) { testIdeaMutations(t, makeStore(t)) })
	t.Run("DueQueryOrderAndLimit", func(t *testing.T) { testDueQuery(t, makeStore(t)) })
	t.Run("MarkSentCompareAndSet", func(t *testing.T) { testMarkSentCAS(t, makeStore(t)) })
	t.Run("ClaimLease", func(t *testing.T) { testClaimLease(t, makeStore(t)) })
	t.Run("FailureCeiling", func(t *testing.T) { testFailureCeiling(t, makeStore(t)) })
	t.Run("StaleFailureKeepsNewLease", func(t *testing.T) { testStaleFailureKeepsNewLease(t, makeStore(t)) })
	t.Run("DeleteCascades", func(t *testing.T) { testDeleteCascades(t, makeStore(t)) })
}

var base = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func mustIdea(t *testing.T, s store.Store, chat int64, text string, at time.Time) *store.Idea {
	t.Helper()
	idea := &store.Idea{ConversationID: chat, AuthorID: 7, Text: text, Category: store.CategoryPersonal, CreatedAt: at}
	require.NoError(t, s.CreateIdea(context.Background(), idea))
	require.NotZero(t, idea.ID)
	return idea
}

func testIdeasRecencyOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustIdea(t, s, 1, "first", base)
	mustIdea(t, s, 1, "second", base.Add(time.Minute))
	third := mustIdea(t, s, 1, "third", base.Add(2*time.Minute))
	mustIdea(t, s, 2, "other chat", base.Add(3*time.Minute))

	ideas, err := s.ListIdeas(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, ideas, 3)
	assert.Equal(t, []string{"third", "second", "first"}, []string{ideas[0].Text, ideas[1].Text, ideas[2].Text})
	assert.Equal(t, store.CategoryPersonal, ideas[0].Category)
	assert.True(t, ideas[0].CreatedAt.Equal(base.Add(2*time.Minute)))

	limited, err := s.ListIdeas(ctx, 1, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	all, err := s.ListIdeas(ctx, 1, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	latest, err := s.LatestIdea(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, third.ID, latest.ID)

	_, err = s.LatestIdea(ctx, 99)
	assert.ErrorIs(t, err, store.ErrNotFound)

	convs, err := s.ListConversations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, convs)
}

func testIdeaMutations(t *testing.T, s store.Store) {
	ctx := context.Background()
	idea := mustIdea(t, s, 1, "Buy domain", base)

	require.NoError(t, s.UpdateIdeaText(ctx, idea.ID, "Buy a better domain"))
	got, err := s.GetIdea(ctx, idea.ID)
	require.NoError(t, err)
	assert.Equal(t, "Buy a better domain", got.Text)
	assert.Nil(t, got.RemindedAt)

	require.NoError(t, s.MarkIdeaReminded(ctx, idea.ID, base.Add(time.Hour)))
	got, err = s.GetIdea(ctx, idea.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RemindedAt)
	assert.True(t, got.RemindedAt.Equal(base.Add(time.Hour)))

	assert.ErrorIs(t, s.UpdateIdeaText(ctx, 424242, "x"), store.ErrNotFound)
	_, err = s.GetIdea(ctx, 424242)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.CreateReminder(ctx, 424242, base)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDueQuery(t *testing.T, s store.Store) {
	ctx := context.Background()
	idea := mustIdea(t, s, 5, "remind me", base)

	late, err := s.CreateReminder(ctx, idea.ID, base.Add(30*time.Minute))
	require.NoError(t, err)
	early, err := s.CreateReminder(ctx, idea.ID, base.Add(10*time.Minute))
	require.NoError(t, err)
	_, err = s.CreateReminder(ctx, idea.ID, base.Add(2*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, int64(5), early.ConversationID)
	assert.Nil(t, early.SentAt)
	assert.True(t, early.RemindAt.Equal(base.Add(10*time.Minute)))

	due, err := s.FindDueReminders(ctx, base.Add(5*time.Minute), 20)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.FindDueReminders(ctx, base.Add(time.Hour), 20)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, early.ID, due[0].ID)
	assert.Equal(t, late.ID, due[1].ID)
	assert.Equal(t, "remind me", due[0].IdeaText)

	due, err = s.FindDueReminders(ctx, base.Add(time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, early.ID, due[0].ID)

	all, err := s.ListReminders(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func testMarkSentCAS(t *testing.T, s store.Store) {
	ctx := context.Background()
	idea := mustIdea(t, s, 1, "cas", base)
	r, err := s.CreateReminder(ctx, idea.ID, base.Add(time.Minute))
	require.NoError(t, err)

	ok, err := s.MarkReminderSent(ctx, r.ID, base)
	require.NoError(t, err)
	assert.False(t, ok, "must not mark a reminder sent before it is due")

	now := base.Add(2 * time.Minute)
	var wg sync.WaitGroup
	results := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.MarkReminderSent(ctx, r.ID, now)
			assert.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)

	due, err := s.FindDueReminders(ctx, now.Add(time.Hour), 20)
	require.NoError(t, err)
	assert.Empty(t, due)

	all, err := s.ListReminders(ctx, 1)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.NotNil(t, all[0].SentAt)
	assert.True(t, all[0].SentAt.Equal(now))
}

func testClaimLease(t *testing.T, s store.Store) {
	ctx := context.Background()
	idea := mustIdea(t, s, 1, "lease", base)
	r, err := s.CreateReminder(ctx, idea.ID, base)
	require.NoError(t, err)

	now := base.Add(time.Minute)
	ok, err := s.ClaimReminder(ctx, r.ID, "a", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimReminder(ctx, r.ID, "b", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "live lease must block a second owner")

	due, err := s.FindDueReminders(ctx, now, 20)
	require.NoError(t, err)
	assert.Empty(t, due, "leased reminders are not due")

	later := now.Add(2 * time.Minute)
	due, err = s.FindDueReminders(ctx, later, 20)
	require.NoError(t, err)
	assert.Len(t, due, 1, "expired lease makes the reminder due again")

	ok, err = s.ClaimReminder(ctx, r.ID, "b", later, later.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}

func testFailureCeiling(t *testing.T, s store.Store) {
	ctx := context.Background()
	idea := mustIdea(t, s, 1, "flaky", base)
	r, err := s.CreateReminder(ctx, idea.ID, base)
	require.NoError(t, err)

	now := base.Add(time.Minute)
	for i := 1; i <= 2; i++ {
		ok, err := s.ClaimReminder(ctx, r.ID, "a", now, now.Add(time.Hour))
		require.NoError(t, err)
		require.True(t, ok)
		abandoned, err := s.RecordReminderFailure(ctx, r.ID, "a", now, "send failed", 3)
		require.NoError(t, err)
		assert.False(t, abandoned)

		due, err := s.FindDueReminders(ctx, now, 20)
		require.NoError(t, err)
		assert.Len(t, due, 1, "failed reminder stays due after attempt %d", i)
	}

	ok, err := s.ClaimReminder(ctx, r.ID, "a", now, now.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	abandoned, err := s.RecordReminderFailure(ctx, r.ID, "a", now, "send failed", 3)
	require.NoError(t, err)
	assert.True(t, abandoned)

	due, err := s.FindDueReminders(ctx, now.Add(time.Hour), 20)
	require.NoError(t, err)
	assert.Empty(t, due)

	all, err := s.ListReminders(ctx, 1)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 3, all[0].Attempts)
	assert.Equal(t, "send failed", all[0].LastError)
	assert.NotNil(t, all[0].AbandonedAt)
	assert.Nil(t, all[0].SentAt)
}

func testStaleFailureKeepsNewLease(t *testing.T, s store.Store) {
	ctx := context.Background()
	idea := mustIdea(t, s, 1, "slow", base)
	r, err := s.CreateReminder(ctx, idea.ID, base)
	require.NoError(t, err)

	now := base.Add(time.Minute)
	ok, err := s.ClaimReminder(ctx, r.ID, "a", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	later := now.Add(2 * time.Minute)
	ok, err = s.ClaimReminder(ctx, r.ID, "b", later, later.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok, "expired lease is taken over")

	_, err = s.RecordReminderFailure(ctx, r.ID, "a", later, "late failure", 3)
	assert.ErrorIs(t, err, store.ErrLeaseLost)

	ok, err = s.ClaimReminder(ctx, r.ID, "c", later, later.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "the new owner's lease must survive a stale failure")

	all, err := s.ListReminders(ctx, 1)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Zero(t, all[0].Attempts)
	assert.Empty(t, all[0].LastError)
}

func testDeleteCascades(t *testing.T, s store.Store) {
	ctx := context.Background()
	keep := mustIdea(t, s, 1, "keep", base)
	drop := mustIdea(t, s, 1, "drop", base.Add(time.Second))

	_, err := s.CreateReminder(ctx, keep.ID, base)
	require.NoError(t, err)
	_, err = s.CreateReminder(ctx, drop.ID, base)
	require.NoError(t, err)

	require.NoError(t, s.DeleteIdea(ctx, drop.ID))
	assert.ErrorIs(t, s.DeleteIdea(ctx, drop.ID), store.ErrNotFound)

	due, err := s.FindDueReminders(ctx, base.Add(time.Hour), 20)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, keep.ID, due[0].IdeaID)

	all, err := s.ListReminders(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
