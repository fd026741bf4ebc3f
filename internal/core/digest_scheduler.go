package core

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ideanote/ideabot/internal/store"
)

type DigestSchedulerConfig struct {
	Schedule    string        // standard 5-field cron expression, evaluated in UTC
	StaleAfter  time.Duration // ideas younger than this are left out
	TopN        int
	CallTimeout time.Duration
	Now         Clock
}

type DigestResult struct {
	Conversations int `json:"conversations"`
	Sent          int `json:"sent"`
	Empty         int `json:"empty"`
	Failed        int `json:"failed"`
}

// DigestScheduler periodically reminds every conversation of its oldest forgotten ideas.
type DigestScheduler struct {
	store      store.Store
	dispatcher *Dispatcher
	cfg        DigestSchedulerConfig
	schedule   cron.Schedule
	log        zerolog.Logger
}

func NewDigestScheduler(st store.Store, d *Dispatcher, cfg DigestSchedulerConfig, log zerolog.Logger) (*DigestScheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "0 9 * * 1"
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 7 * 24 * time.Hour
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 5
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	sched, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("digest schedule %q: %w", cfg.Schedule, err)
	}
	return &DigestScheduler{
		store:      st,
		dispatcher: d,
		cfg:        cfg,
		schedule:   sched,
		log:        log.With().Str("component", "digest_scheduler").Logger(),
	}, nil
}

// Next reports when the digest fires after t.
func (s *DigestScheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t.UTC())
}

// Run fires RunOnce on the cron schedule until ctx is cancelled, then waits for a running
// digest to finish.
func (s *DigestScheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(s.schedule, cron.FuncJob(func() {
		res, err := s.RunOnce(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("digest run")
			return
		}
		s.log.Info().Interface("result", res).Msg("digest run done")
	}))

	s.log.Info().Str("schedule", s.cfg.Schedule).Time("next", s.Next(time.Now())).Msg("digest scheduler starting")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info().Msg("digest scheduler stopping")
	return ctx.Err()
}

// RunOnce scans every known conversation. A failing conversation is logged and counted but
// never stops the scan; the error is returned only when the conversation list is unavailable.
func (s *DigestScheduler) RunOnce(ctx context.Context) (DigestResult, error) {
	var res DigestResult

	listCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	convs, err := s.store.ListConversations(listCtx)
	cancel()
	if err != nil {
		return res, fmt.Errorf("list conversations: %w", err)
	}
	res.Conversations = len(convs)

	now := s.cfg.Now.now()
	for _, conv := range convs {
		if ctx.Err() != nil {
			break
		}
		sent, err := s.digestConversation(ctx, conv, now)
		switch {
		case err != nil:
			res.Failed++
			digestsTotal.WithLabelValues("failed").Inc()
			s.log.Error().Err(err).Int64("conversation_id", conv).Msg("digest conversation")
		case sent:
			res.Sent++
			digestsTotal.WithLabelValues("sent").Inc()
		default:
			res.Empty++
			digestsTotal.WithLabelValues("empty").Inc()
		}
	}
	return res, nil
}

func (s *DigestScheduler) digestConversation(ctx context.Context, conv int64, now time.Time) (bool, error) {
	listCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	ideas, err := s.store.ListIdeas(listCtx, conv, 0)
	cancel()
	if err != nil {
		return false, fmt.Errorf("list ideas: %w", err)
	}

	stale := StaleIdeas(ideas, now, s.cfg.StaleAfter, s.cfg.TopN)
	if len(stale) == 0 {
		return false, nil
	}
	if err := s.dispatcher.NotifyDigest(ctx, conv, stale); err != nil {
		return false, err
	}
	return true, nil
}

// StaleIdeas keeps ideas created more than staleAfter before now and returns the oldest topN,
// oldest first.
func StaleIdeas(ideas []store.Idea, now time.Time, staleAfter time.Duration, topN int) []store.Idea {
	cutoff := now.Add(-staleAfter)
	var out []store.Idea
	for _, idea := range ideas {
		if idea.CreatedAt.Before(cutoff) {
			out = append(out, idea)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}
