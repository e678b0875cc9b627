package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Ananth-NQI/crm-intake-bot/internal/metrics"
	"github.com/Ananth-NQI/crm-intake-bot/internal/storage"
)

// PurgeJob removes expired sessions and inbound receipts on a cron schedule
// and refreshes the active-session gauge.
type PurgeJob struct {
	store    storage.Store
	schedule string
	timeout  time.Duration
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	cron      *cron.Cron
	isRunning bool
}

// NewPurgeJob creates the job. schedule is a standard five-field cron spec.
func NewPurgeJob(store storage.Store, schedule string, m *metrics.Metrics, log *zap.Logger) *PurgeJob {
	return &PurgeJob{
		store:    store,
		schedule: schedule,
		timeout:  30 * time.Second,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// Start schedules the job. Calling Start twice is a no-op.
func (p *PurgeJob) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isRunning {
		p.log.Info("purge job already running")
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(p.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		if _, err := p.RunOnce(ctx); err != nil {
			p.log.Error("purge failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule purge %q: %w", p.schedule, err)
	}

	c.Start()
	p.cron = c
	p.isRunning = true
	p.log.Info("purge job scheduled", zap.String("schedule", p.schedule))
	return nil
}

// Stop halts scheduling and waits for a running purge to finish or ctx to end.
func (p *PurgeJob) Stop(ctx context.Context) {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.isRunning = false
	p.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	p.log.Info("purge job stopped")
}

// RunOnce purges expired rows now.
func (p *PurgeJob) RunOnce(ctx context.Context) (storage.PurgeResult, error) {
	now := p.now()

	result, err := p.store.PurgeExpired(ctx, now)
	if err != nil {
		return result, err
	}
	p.metrics.Purged.WithLabelValues("sessions").Add(float64(result.Sessions))
	p.metrics.Purged.WithLabelValues("receipts").Add(float64(result.Receipts))

	active, err := p.store.CountActiveSessions(ctx, now)
	if err != nil {
		return result, err
	}
	p.metrics.ActiveSessions.Set(float64(active))

	if result.Sessions > 0 || result.Receipts > 0 {
		p.log.Info("purged expired rows",
			zap.Int64("sessions", result.Sessions),
			zap.Int64("receipts", result.Receipts),
			zap.Int64("active_sessions", active))
	}
	return result, nil
}
