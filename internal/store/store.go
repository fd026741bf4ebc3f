package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when an idea or reminder does not exist (anymore).
var ErrNotFound = errors.New("not found")

// ErrLeaseLost is returned when a reminder is no longer claimed by the caller.
var ErrLeaseLost = errors.New("reminder lease lost")

// Store is the durable idea/reminder storage used by the bot and the schedulers.
// Implementations must be safe for concurrent use; every mutation that can race
// (claim, mark-sent, update, delete) is a single conditional statement or transaction.
type Store interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// CreateIdea assigns idea.ID, and idea.CreatedAt when it is zero.
	CreateIdea(ctx context.Context, idea *Idea) error
	GetIdea(ctx context.Context, id int64) (*Idea, error)
	// ListIdeas returns the newest ideas of a conversation first. A limit <= 0 returns all of them.
	ListIdeas(ctx context.Context, conversationID int64, limit int) ([]Idea, error)
	LatestIdea(ctx context.Context, conversationID int64) (*Idea, error)
	UpdateIdeaText(ctx context.Context, id int64, text string) error
	// DeleteIdea removes the idea together with its reminders.
	DeleteIdea(ctx context.Context, id int64) error
	MarkIdeaReminded(ctx context.Context, id int64, at time.Time) error
	ListConversations(ctx context.Context) ([]int64, error)

	CreateReminder(ctx context.Context, ideaID int64, remindAt time.Time) (*Reminder, error)
	ListReminders(ctx context.Context, conversationID int64) ([]Reminder, error)
	// FindDueReminders returns unsent, unabandoned, unleased reminders with remind_at <= now,
	// oldest first.
	FindDueReminders(ctx context.Context, now time.Time, limit int) ([]DueReminder, error)
	// ClaimReminder leases a due reminder to owner until the given time. It reports false when
	// another owner holds a live lease or the reminder is no longer due.
	ClaimReminder(ctx context.Context, id int64, owner string, now, until time.Time) (bool, error)
	// MarkReminderSent sets sent_at only if it is still NULL; false means it was already sent.
	MarkReminderSent(ctx context.Context, id int64, now time.Time) (bool, error)
	// RecordReminderFailure counts a failed delivery and releases the lease held by owner. Once
	// attempts reach maxAttempts the reminder is abandoned and reported as such. ErrLeaseLost
	// means owner no longer holds the reminder and nothing was changed.
	RecordReminderFailure(ctx context.Context, id int64, owner string, now time.Time, cause string, maxAttempts int) (bool, error)
}

// Open returns the store for the configured driver.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "sqlite":
		return NewSQLiteStore(dsn)
	case "postgres":
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

