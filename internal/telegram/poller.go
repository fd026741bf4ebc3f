package telegram

import (
	"context"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Updates is the long-poll side of Client.
type Updates interface {
	GetUpdates(ctx context.Context, offset, timeoutSeconds int) ([]Update, error)
	DeleteWebhook(ctx context.Context) error
}

// Poller pulls updates with getUpdates and processes them in order.
type Poller struct {
	source  Updates
	intake  *Intake
	timeout int
	log     zerolog.Logger
}

func NewPoller(src Updates, in *Intake, timeoutSeconds int, log zerolog.Logger) *Poller {
	if timeoutSeconds < 0 {
		timeoutSeconds = 0
	}
	return &Poller{source: src, intake: in, timeout: timeoutSeconds, log: log.With().Str("component", "poller").Logger()}
}

// Run polls until ctx is cancelled. Errors back off exponentially up to a minute.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.source.DeleteWebhook(ctx); err != nil {
		p.log.Warn().Err(err).Msg("delete webhook before polling")
	}
	p.log.Info().Int("timeout", p.timeout).Msg("telegram polling started")

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.MaxInterval = time.Minute
	retry.MaxElapsedTime = 0
	retry.Reset()

	offset := 0
	for {
		if ctx.Err() != nil {
			p.log.Info().Msg("telegram polling stopped")
			return ctx.Err()
		}

		updates, err := p.source.GetUpdates(ctx, offset, p.timeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			wait := retry.NextBackOff()
			p.log.Error().Err(err).Dur("retry_in", wait).Msg("telegram poll error")
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()

		for _, u := range updates {
			offset = u.UpdateID + 1
			p.intake.Process(ctx, u)
		}
	}
}
