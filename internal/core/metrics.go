package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	remindersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ideabot_reminders_total",
		Help: "Reminder delivery outcomes by result (sent, failed, abandoned, skipped).",
	}, []string{"result"})

	reminderTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ideabot_reminder_tick_seconds",
		Help:    "Duration of one reminder scheduler tick.",
		Buckets: prometheus.DefBuckets,
	})

	digestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ideabot_digests_total",
		Help: "Digest outcomes per conversation by result (sent, empty, failed).",
	}, []string{"result"})

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ideabot_events_total",
		Help: "Inbound chat events by kind and outcome.",
	}, []string{"kind", "outcome"})
)
