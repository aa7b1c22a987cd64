package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/voicelearn/backend/logger"
)

// MaintenanceStore is the housekeeping slice of the repository.
type MaintenanceStore interface {
	DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error)
	DeleteWebhookEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

const rateLimiterIdle = 10 * time.Minute

// Maintenance prunes expired refresh tokens, old webhook dedupe rows and idle
// rate limiter buckets on a cron schedule.
type Maintenance struct {
	store     MaintenanceStore
	limiters  []*RateLimiter
	retention time.Duration
	cron      *cron.Cron
	log       *logger.Logger
	now       func() time.Time
}

func NewMaintenance(store MaintenanceStore, retention time.Duration, log *logger.Logger, limiters ...*RateLimiter) *Maintenance {
	return &Maintenance{
		store:     store,
		limiters:  limiters,
		retention: retention,
		log:       log.With("component", "maintenance"),
		now:       time.Now,
	}
}

// Start schedules RunOnce. An empty schedule disables maintenance.
func (m *Maintenance) Start(schedule string) error {
	if schedule == "" {
		m.log.Info("Maintenance disabled (maintenance.schedule not set)")
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		m.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", schedule, err)
	}
	c.Start()
	m.cron = c
	m.log.Info("Maintenance scheduled", "schedule", schedule)
	return nil
}

// Stop waits for a running job to finish.
func (m *Maintenance) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
}

func (m *Maintenance) RunOnce(ctx context.Context) {
	now := m.now()

	tokens, err := m.store.DeleteExpiredRefreshTokens(ctx, now)
	if err != nil {
		m.log.Error("Failed to prune refresh tokens", "error", err)
	}

	var events int64
	if m.retention > 0 {
		events, err = m.store.DeleteWebhookEventsBefore(ctx, now.Add(-m.retention))
		if err != nil {
			m.log.Error("Failed to prune webhook events", "error", err)
		}
	}

	visitors := 0
	for _, l := range m.limiters {
		visitors += l.Sweep(rateLimiterIdle)
	}

	m.log.Info("Maintenance complete",
		"refresh_tokens_deleted", tokens,
		"webhook_events_deleted", events,
		"rate_limit_entries_dropped", visitors)
}
