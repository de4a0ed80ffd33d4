package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var errAbandoned = errors.New("attempt abandoned before completion (lease expired)")

// StartScheduler polls for due deliveries until ctx is cancelled.
func (e *Engine) StartScheduler(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	log.Info().Str("owner", e.owner).Dur("interval", e.cfg.PollInterval).Int("workers", e.cfg.Workers).Msg("delivery scheduler started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("delivery scheduler stopped")
			return
		case <-ticker.C:
			if _, err := e.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("delivery scheduler tick")
			}
		}
	}
}

// RunOnce claims and attempts every due delivery in one batch. It returns how many attempts completed.
func (e *Engine) RunOnce(ctx context.Context) (int, error) {
	due, err := e.store.Due(ctx, e.now().UTC(), e.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("query due deliveries: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}
	done := make(chan struct{}, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for _, d := range due {
		id := d.ID
		g.Go(func() error {
			if e.process(gctx, id) {
				done <- struct{}{}
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(done), nil
}

// process claims id and runs one attempt. It returns true when a transition was written.
func (e *Engine) process(ctx context.Context, id string) bool {
	now := e.now().UTC()
	d, reclaimed, err := e.store.Claim(ctx, id, e.owner, now, now.Add(e.cfg.leaseTTL()))
	if err != nil {
		log.Error().Err(err).Str("delivery_id", id).Msg("claim delivery")
		return false
	}
	if d == nil {
		// another worker won the claim or the delivery is no longer due
		return false
	}

	var res Result
	if reclaimed {
		res = Result{Err: errAbandoned}
		log.Warn().Str("delivery_id", id).Int("attempts", d.Attempts).Msg("reclaiming abandoned delivery attempt")
	} else {
		actx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
		start := time.Now()
		res = e.sender.Send(actx, d)
		attemptDuration.Observe(time.Since(start).Seconds())
		cancel()
		if ctx.Err() != nil {
			// shutting down; the expired lease turns this into a failed attempt on restart
			log.Warn().Str("delivery_id", id).Msg("delivery attempt abandoned on shutdown")
			return false
		}
	}

	e.apply(d, res, e.now().UTC())
	ok, err := e.store.Complete(ctx, d, e.owner)
	if err != nil {
		log.Error().Err(err).Str("delivery_id", id).Msg("complete delivery")
		return false
	}
	if !ok {
		log.Warn().Str("delivery_id", id).Msg("lease lost before completion, attempt discarded")
		return false
	}
	attemptsTotal.WithLabelValues(string(d.Status)).Inc()

	ev := log.Info()
	if !res.OK() {
		ev = log.Warn().Str("last_error", d.LastError).Str("triage_label", string(d.TriageLabel))
	}
	ev.Str("delivery_id", d.ID).Str("status", string(d.Status)).Int("attempts", d.Attempts).Int("max_attempts", d.MaxAttempts).Msg("delivery attempt finished")

	if d.Status.Terminal() {
		e.afterTerminal(ctx, d)
	}
	return true
}
