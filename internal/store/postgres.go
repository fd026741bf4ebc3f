package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the production store; it relies on ON DELETE CASCADE for reminders.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a pgx pool and verifies connectivity with a ping.
func NewPostgresStore(ctx context.Context, dsn string, opts ...func(*pgxpool.Config)) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(normalizeDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 4
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.HealthCheckPeriod == 0 {
		cfg.HealthCheckPeriod = time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// normalizeDSN strips driver suffixes some tooling leaves in connection URLs.
func normalizeDSN(dsn string) string {
	s := strings.TrimSpace(dsn)
	s = strings.Replace(s, "postgresql+asyncpg://", "postgresql://", 1)
	s = strings.Replace(s, "postgres+asyncpg://", "postgres://", 1)
	s = strings.Replace(s, "postgresql+pgx://", "postgresql://", 1)
	s = strings.Replace(s, "postgres+pgx://", "postgres://", 1)
	return s
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ideas (
            id BIGSERIAL PRIMARY KEY,
            chat_id BIGINT NOT NULL,
            user_id BIGINT NOT NULL,
            text TEXT NOT NULL,
            category TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            reminded_at TIMESTAMPTZ
        )`,
		`CREATE INDEX IF NOT EXISTS idx_ideas_chat ON ideas(chat_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS reminders (
            id BIGSERIAL PRIMARY KEY,
            idea_id BIGINT NOT NULL REFERENCES ideas(id) ON DELETE CASCADE,
            chat_id BIGINT NOT NULL,
            remind_at TIMESTAMPTZ NOT NULL,
            sent_at TIMESTAMPTZ,
            attempts INT NOT NULL DEFAULT 0,
            last_error TEXT NOT NULL DEFAULT '',
            claimed_until TIMESTAMPTZ,
            claimed_by TEXT NOT NULL DEFAULT '',
            abandoned_at TIMESTAMPTZ
        )`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(remind_at) WHERE sent_at IS NULL`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}

func scanPgIdea(row pgx.Row) (*Idea, error) {
	var idea Idea
	var category string
	if err := row.Scan(&idea.ID, &idea.ConversationID, &idea.AuthorID, &idea.Text, &category, &idea.CreatedAt, &idea.RemindedAt); err != nil {
		return nil, err
	}
	idea.Category = Category(category)
	idea.CreatedAt = idea.CreatedAt.UTC()
	if idea.RemindedAt != nil {
		t := idea.RemindedAt.UTC()
		idea.RemindedAt = &t
	}
	return &idea, nil
}

func (s *PostgresStore) CreateIdea(ctx context.Context, idea *Idea) error {
	if idea.CreatedAt.IsZero() {
		idea.CreatedAt = time.Now()
	}
	idea.CreatedAt = idea.CreatedAt.UTC().Truncate(time.Microsecond)

	err := s.pool.QueryRow(ctx,
		`INSERT INTO ideas (chat_id, user_id, text, category, created_at) VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		idea.ConversationID, idea.AuthorID, idea.Text, string(idea.Category), idea.CreatedAt).Scan(&idea.ID)
	if err != nil {
		return fmt.Errorf("postgres: insert idea: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetIdea(ctx context.Context, id int64) (*Idea, error) {
	idea, err := scanPgIdea(s.pool.QueryRow(ctx, "SELECT "+ideaColumns+" FROM ideas WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get idea: %w", err)
	}
	return idea, nil
}

func (s *PostgresStore) ListIdeas(ctx context.Context, conversationID int64, limit int) ([]Idea, error) {
	var lim *int // LIMIT NULL returns every row
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx,
		"SELECT "+ideaColumns+" FROM ideas WHERE chat_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2",
		conversationID, lim)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ideas: %w", err)
	}
	defer rows.Close()

	var ideas []Idea
	for rows.Next() {
		idea, err := scanPgIdea(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan idea: %w", err)
		}
		ideas = append(ideas, *idea)
	}
	return ideas, rows.Err()
}

func (s *PostgresStore) LatestIdea(ctx context.Context, conversationID int64) (*Idea, error) {
	ideas, err := s.ListIdeas(ctx, conversationID, 1)
	if err != nil {
		return nil, err
	}
	if len(ideas) == 0 {
		return nil, ErrNotFound
	}
	return &ideas[0], nil
}

func (s *PostgresStore) UpdateIdeaText(ctx context.Context, id int64, text string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE ideas SET text = $2 WHERE id = $1`, id, text)
	if err != nil {
		return fmt.Errorf("postgres: update idea text: %w", err)
	}
	return expectTag(tag)
}

func (s *PostgresStore) DeleteIdea(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ideas WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete idea: %w", err)
	}
	return expectTag(tag)
}

func (s *PostgresStore) MarkIdeaReminded(ctx context.Context, id int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE ideas SET reminded_at = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("postgres: mark idea reminded: %w", err)
	}
	return expectTag(tag)
}

func (s *PostgresStore) ListConversations(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT chat_id FROM ideas ORDER BY chat_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list conversations: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("postgres: scan conversations: %w", err)
	}
	return ids, nil
}

func scanPgReminder(row pgx.Row, extra ...any) (*Reminder, error) {
	var r Reminder
	dest := []any{&r.ID, &r.IdeaID, &r.ConversationID, &r.RemindAt, &r.SentAt, &r.Attempts, &r.LastError, &r.ClaimedUntil, &r.ClaimedBy, &r.AbandonedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	r.RemindAt = r.RemindAt.UTC()
	for _, p := range []**time.Time{&r.SentAt, &r.ClaimedUntil, &r.AbandonedAt} {
		if *p != nil {
			t := (*p).UTC()
			*p = &t
		}
	}
	return &r, nil
}

func (s *PostgresStore) CreateReminder(ctx context.Context, ideaID int64, remindAt time.Time) (*Reminder, error) {
	r, err := scanPgReminder(s.pool.QueryRow(ctx, `
        WITH inserted AS (
            INSERT INTO reminders (idea_id, chat_id, remind_at)
            SELECT id, chat_id, $2 FROM ideas WHERE id = $1
            RETURNING *
        )
        SELECT `+reminderColumns+` FROM inserted r`, ideaID, remindAt.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: insert reminder: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListReminders(ctx context.Context, conversationID int64) ([]Reminder, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+reminderColumns+" FROM reminders r WHERE r.chat_id = $1 ORDER BY r.remind_at ASC, r.id ASC",
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list reminders: %w", err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		r, err := scanPgReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan reminder: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindDueReminders(ctx context.Context, now time.Time, limit int) ([]DueReminder, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT `+reminderColumns+`, i.text
        FROM reminders r
        JOIN ideas i ON i.id = r.idea_id
        WHERE r.sent_at IS NULL
          AND r.abandoned_at IS NULL
          AND r.remind_at <= $1
          AND (r.claimed_until IS NULL OR r.claimed_until <= $1)
        ORDER BY r.remind_at ASC, r.id ASC
        LIMIT $2`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: query due reminders: %w", err)
	}
	defer rows.Close()

	var due []DueReminder
	for rows.Next() {
		var text string
		r, err := scanPgReminder(rows, &text)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan due reminder: %w", err)
		}
		due = append(due, DueReminder{Reminder: *r, IdeaText: text})
	}
	return due, rows.Err()
}

func (s *PostgresStore) ClaimReminder(ctx context.Context, id int64, owner string, now, until time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
        UPDATE reminders SET claimed_until = $3, claimed_by = $2
        WHERE id = $1 AND sent_at IS NULL AND abandoned_at IS NULL AND remind_at <= $4
          AND (claimed_until IS NULL OR claimed_until <= $4)`,
		id, owner, until.UTC(), now.UTC())
	if err != nil {
		return false, fmt.Errorf("postgres: claim reminder: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) MarkReminderSent(ctx context.Context, id int64, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
        UPDATE reminders SET sent_at = $2, claimed_until = NULL
        WHERE id = $1 AND sent_at IS NULL AND remind_at <= $2`, id, now.UTC())
	if err != nil {
		return false, fmt.Errorf("postgres: mark reminder sent: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) RecordReminderFailure(ctx context.Context, id int64, owner string, now time.Time, cause string, maxAttempts int) (bool, error) {
	var abandoned bool
	err := s.pool.QueryRow(ctx, `
        UPDATE reminders
        SET attempts = attempts + 1,
            last_error = $2,
            claimed_until = NULL,
            claimed_by = '',
            abandoned_at = CASE WHEN attempts + 1 >= $3 THEN $4::timestamptz ELSE NULL END
        WHERE id = $1 AND claimed_by = $5 AND sent_at IS NULL
        RETURNING abandoned_at IS NOT NULL`, id, cause, maxAttempts, now.UTC(), owner).Scan(&abandoned)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrLeaseLost
	}
	if err != nil {
		return false, fmt.Errorf("postgres: record reminder failure: %w", err)
	}
	return abandoned, nil
}

func expectTag(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
