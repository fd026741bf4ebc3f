package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ideanote/ideabot/internal/store"
)

// ReminderSchedulerConfig controls polling cadence and delivery bookkeeping.
type ReminderSchedulerConfig struct {
	Interval    time.Duration // poll period
	BatchSize   int           // due reminders fetched per tick
	CallTimeout time.Duration // bound on every Store and dispatch call
	Lease       time.Duration // how long a claim keeps other ticks away
	MaxAttempts int           // failed deliveries before a reminder is abandoned
	Now         Clock
}

// TickResult summarises one scheduler pass.
type TickResult struct {
	Due       int `json:"due"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`
	Skipped   int `json:"skipped"`
}

// ReminderScheduler delivers due reminders. Ticks may overlap (timer, admin API, CLI, other
// replicas); a reminder is only dispatched by the tick that wins its claim, and only marked sent
// once.
type ReminderScheduler struct {
	store      store.Store
	dispatcher *Dispatcher
	cfg        ReminderSchedulerConfig
	owner      string
	log        zerolog.Logger
}

func NewReminderScheduler(st store.Store, d *Dispatcher, cfg ReminderSchedulerConfig, log zerolog.Logger) *ReminderScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	// A lease must outlive one dispatch plus the mark, or a second tick could resend.
	if floor := 2 * max(cfg.CallTimeout, d.Timeout()); cfg.Lease < floor {
		cfg.Lease = floor
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	owner := uuid.NewString()
	return &ReminderScheduler{
		store:      st,
		dispatcher: d,
		cfg:        cfg,
		owner:      owner,
		log:        log.With().Str("component", "reminder_scheduler").Str("owner", owner).Logger(),
	}
}

// Run ticks once immediately, to catch up on reminders that fell due while the process was
// down, then every Interval until ctx is cancelled.
func (s *ReminderScheduler) Run(ctx context.Context) error {
	s.log.Info().Int("batch", s.cfg.BatchSize).Dur("interval", s.cfg.Interval).Msg("reminder scheduler starting")
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tickAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("reminder scheduler stopping")
			return ctx.Err()
		case <-ticker.C:
			s.tickAndLog(ctx)
		}
	}
}

func (s *ReminderScheduler) tickAndLog(ctx context.Context) {
	res, err := s.Tick(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("reminder tick")
		return
	}
	if res.Due > 0 {
		s.log.Info().Interface("result", res).Msg("reminder tick done")
	}
}

// Tick processes one batch of due reminders. It returns an error only when the batch could
// not be loaded; per-reminder failures are recorded and counted.
func (s *ReminderScheduler) Tick(ctx context.Context) (TickResult, error) {
	start := time.Now()
	defer func() { reminderTickDuration.Observe(time.Since(start).Seconds()) }()

	var res TickResult
	now := s.cfg.Now.now()

	findCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	due, err := s.store.FindDueReminders(findCtx, now, s.cfg.BatchSize)
	cancel()
	if err != nil {
		return res, fmt.Errorf("find due reminders: %w", err)
	}
	res.Due = len(due)

	for _, r := range due {
		if ctx.Err() != nil {
			break
		}
		switch s.deliver(ctx, r) {
		case outcomeSent:
			res.Sent++
		case outcomeFailed:
			res.Failed++
		case outcomeAbandoned:
			res.Abandoned++
		default:
			res.Skipped++
		}
	}
	return res, nil
}

type deliveryOutcome int

const (
	outcomeSkipped deliveryOutcome = iota
	outcomeSent
	outcomeFailed
	outcomeAbandoned
)

func (o deliveryOutcome) String() string {
	switch o {
	case outcomeSent:
		return "sent"
	case outcomeFailed:
		return "failed"
	case outcomeAbandoned:
		return "abandoned"
	default:
		return "skipped"
	}
}

func (s *ReminderScheduler) deliver(ctx context.Context, r store.DueReminder) (out deliveryOutcome) {
	log := s.log.With().Int64("reminder_id", r.ID).Int64("conversation_id", r.ConversationID).Logger()
	defer func() { remindersTotal.WithLabelValues(out.String()).Inc() }()

	now := s.cfg.Now.now()
	claimed, err := s.call(ctx, func(c context.Context) (bool, error) {
		return s.store.ClaimReminder(c, r.ID, s.owner, now, now.Add(s.cfg.Lease))
	})
	if err != nil {
		log.Error().Err(err).Msg("claim reminder")
		return outcomeSkipped
	}
	if !claimed {
		log.Debug().Msg("reminder claimed elsewhere")
		return outcomeSkipped
	}

	if err := s.dispatcher.NotifyReminder(ctx, r); err != nil {
		abandoned, ferr := s.call(ctx, func(c context.Context) (bool, error) {
			return s.store.RecordReminderFailure(c, r.ID, s.owner, s.cfg.Now.now(), err.Error(), s.cfg.MaxAttempts)
		})
		if errors.Is(ferr, store.ErrLeaseLost) {
			log.Warn().Err(err).Msg("reminder dispatch failed after its lease moved on")
			return outcomeSkipped
		}
		if ferr != nil {
			log.Error().Err(ferr).Msg("record reminder failure")
		}
		if abandoned {
			log.Error().Err(err).Int("attempts", r.Attempts+1).Msg("reminder abandoned")
			return outcomeAbandoned
		}
		log.Warn().Err(err).Int("attempts", r.Attempts+1).Msg("reminder dispatch failed, will retry")
		return outcomeFailed
	}

	sentAt := s.cfg.Now.now()
	marked, err := s.call(ctx, func(c context.Context) (bool, error) {
		return s.store.MarkReminderSent(c, r.ID, sentAt)
	})
	if err != nil {
		// The lease expires and the reminder is delivered again: at-least-once.
		log.Error().Err(err).Msg("mark reminder sent")
		return outcomeSent
	}
	if !marked {
		log.Warn().Msg("reminder already marked sent")
		return outcomeSent
	}
	if _, err := s.call(ctx, func(c context.Context) (bool, error) {
		return true, s.store.MarkIdeaReminded(c, r.IdeaID, sentAt)
	}); err != nil {
		log.Warn().Err(err).Int64("idea_id", r.IdeaID).Msg("stamp idea reminded")
	}
	return outcomeSent
}

func (s *ReminderScheduler) call(ctx context.Context, fn func(context.Context) (bool, error)) (bool, error) {
	c, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return fn(c)
}
