package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore keeps timestamps as unix milliseconds so range predicates compare numerically.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(dataSourceName))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers; conditional updates stay atomic either way.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func sqliteDSN(dsn string) string {
	params := []string{}
	if !strings.Contains(dsn, "_foreign_keys") && !strings.Contains(dsn, "_fk") {
		params = append(params, "_foreign_keys=on")
	}
	if !strings.Contains(dsn, "_busy_timeout") {
		params = append(params, "_busy_timeout=5000")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	schema := `
    CREATE TABLE IF NOT EXISTS ideas (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        chat_id INTEGER NOT NULL,
        user_id INTEGER NOT NULL,
        text TEXT NOT NULL,
        category TEXT NOT NULL DEFAULT '',
        created_at INTEGER NOT NULL,
        reminded_at INTEGER
    );

    CREATE INDEX IF NOT EXISTS idx_ideas_chat ON ideas(chat_id, created_at);

    CREATE TABLE IF NOT EXISTS reminders (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        idea_id INTEGER NOT NULL REFERENCES ideas(id) ON DELETE CASCADE,
        chat_id INTEGER NOT NULL,
        remind_at INTEGER NOT NULL,
        sent_at INTEGER,
        attempts INTEGER NOT NULL DEFAULT 0,
        last_error TEXT NOT NULL DEFAULT '',
        claimed_until INTEGER,
        claimed_by TEXT NOT NULL DEFAULT '',
        abandoned_at INTEGER
    );

    CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(remind_at) WHERE sent_at IS NULL;
    `
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// Idea methods

const ideaColumns = "id, chat_id, user_id, text, category, created_at, reminded_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteIdea(row rowScanner) (*Idea, error) {
	var idea Idea
	var category string
	var createdAt int64
	var remindedAt sql.NullInt64
	if err := row.Scan(&idea.ID, &idea.ConversationID, &idea.AuthorID, &idea.Text, &category, &createdAt, &remindedAt); err != nil {
		return nil, err
	}
	idea.Category = Category(category)
	idea.CreatedAt = fromMillis(createdAt)
	idea.RemindedAt = fromNullMillis(remindedAt)
	return &idea, nil
}

func (s *SQLiteStore) CreateIdea(ctx context.Context, idea *Idea) error {
	if idea.CreatedAt.IsZero() {
		idea.CreatedAt = time.Now()
	}
	idea.CreatedAt = fromMillis(toMillis(idea.CreatedAt))

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO ideas (chat_id, user_id, text, category, created_at) VALUES (?, ?, ?, ?, ?)",
		idea.ConversationID, idea.AuthorID, idea.Text, string(idea.Category), toMillis(idea.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert idea: %w", err)
	}
	idea.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read idea id: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetIdea(ctx context.Context, id int64) (*Idea, error) {
	idea, err := scanSQLiteIdea(s.db.QueryRowContext(ctx, "SELECT "+ideaColumns+" FROM ideas WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idea: %w", err)
	}
	return idea, nil
}

func (s *SQLiteStore) ListIdeas(ctx context.Context, conversationID int64, limit int) ([]Idea, error) {
	if limit <= 0 {
		limit = -1 // no limit
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+ideaColumns+" FROM ideas WHERE chat_id = ? ORDER BY created_at DESC, id DESC LIMIT ?",
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ideas: %w", err)
	}
	defer rows.Close()

	var ideas []Idea
	for rows.Next() {
		idea, err := scanSQLiteIdea(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan idea row: %w", err)
		}
		ideas = append(ideas, *idea)
	}
	return ideas, rows.Err()
}

func (s *SQLiteStore) LatestIdea(ctx context.Context, conversationID int64) (*Idea, error) {
	ideas, err := s.ListIdeas(ctx, conversationID, 1)
	if err != nil {
		return nil, err
	}
	if len(ideas) == 0 {
		return nil, ErrNotFound
	}
	return &ideas[0], nil
}

func (s *SQLiteStore) UpdateIdeaText(ctx context.Context, id int64, text string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE ideas SET text = ? WHERE id = ?", text, id)
	if err != nil {
		return fmt.Errorf("failed to update idea text: %w", err)
	}
	return expectAffected(res)
}

func (s *SQLiteStore) DeleteIdea(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM reminders WHERE idea_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete reminders: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM ideas WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete idea: %w", err)
	}
	if err := expectAffected(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) MarkIdeaReminded(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, "UPDATE ideas SET reminded_at = ? WHERE id = ?", toMillis(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark idea reminded: %w", err)
	}
	return expectAffected(res)
}

func (s *SQLiteStore) ListConversations(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT chat_id FROM ideas ORDER BY chat_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Reminder methods

const reminderColumns = "r.id, r.idea_id, r.chat_id, r.remind_at, r.sent_at, r.attempts, r.last_error, r.claimed_until, r.claimed_by, r.abandoned_at"

func scanSQLiteReminder(row rowScanner, extra ...any) (*Reminder, error) {
	var r Reminder
	var remindAt int64
	var sentAt, claimedUntil, abandonedAt sql.NullInt64
	dest := []any{&r.ID, &r.IdeaID, &r.ConversationID, &remindAt, &sentAt, &r.Attempts, &r.LastError, &claimedUntil, &r.ClaimedBy, &abandonedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	r.RemindAt = fromMillis(remindAt)
	r.SentAt = fromNullMillis(sentAt)
	r.ClaimedUntil = fromNullMillis(claimedUntil)
	r.AbandonedAt = fromNullMillis(abandonedAt)
	return &r, nil
}

func (s *SQLiteStore) CreateReminder(ctx context.Context, ideaID int64, remindAt time.Time) (*Reminder, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO reminders (idea_id, chat_id, remind_at) SELECT id, chat_id, ? FROM ideas WHERE id = ?",
		toMillis(remindAt), ideaID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert reminder: %w", err)
	}
	if err := expectAffected(res); err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read reminder id: %w", err)
	}
	r, err := scanSQLiteReminder(s.db.QueryRowContext(ctx, "SELECT "+reminderColumns+" FROM reminders r WHERE r.id = ?", id))
	if err != nil {
		return nil, fmt.Errorf("failed to load reminder: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) ListReminders(ctx context.Context, conversationID int64) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+reminderColumns+" FROM reminders r WHERE r.chat_id = ? ORDER BY r.remind_at ASC, r.id ASC",
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reminders: %w", err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		r, err := scanSQLiteReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reminder row: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) FindDueReminders(ctx context.Context, now time.Time, limit int) ([]DueReminder, error) {
	query := `
        SELECT ` + reminderColumns + `, i.text
        FROM reminders r
        JOIN ideas i ON i.id = r.idea_id
        WHERE r.sent_at IS NULL
          AND r.abandoned_at IS NULL
          AND r.remind_at <= ?
          AND (r.claimed_until IS NULL OR r.claimed_until <= ?)
        ORDER BY r.remind_at ASC, r.id ASC
        LIMIT ?
    `
	n := toMillis(now)
	rows, err := s.db.QueryContext(ctx, query, n, n, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due reminders: %w", err)
	}
	defer rows.Close()

	var due []DueReminder
	for rows.Next() {
		var text string
		r, err := scanSQLiteReminder(rows, &text)
		if err != nil {
			return nil, fmt.Errorf("failed to scan due reminder: %w", err)
		}
		due = append(due, DueReminder{Reminder: *r, IdeaText: text})
	}
	return due, rows.Err()
}

func (s *SQLiteStore) ClaimReminder(ctx context.Context, id int64, owner string, now, until time.Time) (bool, error) {
	n := toMillis(now)
	res, err := s.db.ExecContext(ctx, `
        UPDATE reminders SET claimed_until = ?, claimed_by = ?
        WHERE id = ? AND sent_at IS NULL AND abandoned_at IS NULL AND remind_at <= ?
          AND (claimed_until IS NULL OR claimed_until <= ?)`,
		toMillis(until), owner, id, n, n)
	if err != nil {
		return false, fmt.Errorf("failed to claim reminder: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *SQLiteStore) MarkReminderSent(ctx context.Context, id int64, now time.Time) (bool, error) {
	n := toMillis(now)
	res, err := s.db.ExecContext(ctx,
		"UPDATE reminders SET sent_at = ?, claimed_until = NULL WHERE id = ? AND sent_at IS NULL AND remind_at <= ?",
		n, id, n)
	if err != nil {
		return false, fmt.Errorf("failed to mark reminder sent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *SQLiteStore) RecordReminderFailure(ctx context.Context, id int64, owner string, now time.Time, cause string, maxAttempts int) (bool, error) {
	var abandoned bool
	err := s.db.QueryRowContext(ctx, `
        UPDATE reminders
        SET attempts = attempts + 1,
            last_error = ?,
            claimed_until = NULL,
            claimed_by = '',
            abandoned_at = CASE WHEN attempts + 1 >= ? THEN ? ELSE NULL END
        WHERE id = ? AND claimed_by = ? AND sent_at IS NULL
        RETURNING abandoned_at IS NOT NULL`,
		cause, maxAttempts, toMillis(now), id, owner).Scan(&abandoned)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrLeaseLost
	}
	if err != nil {
		return false, fmt.Errorf("failed to record reminder failure: %w", err)
	}
	return abandoned, nil
}

func expectAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
