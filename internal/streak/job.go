package streak

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"reflectai/api/internal/config"
)

const runTimeout = 2 * time.Minute

// Job fires the decay pass on a cron schedule. A failed firing is logged and
// not retried; the next firing covers it.
type Job struct {
	service  *Service
	locker   Locker
	schedule string
	lockTTL  time.Duration
	log      *zap.Logger
	cron     *cron.Cron
}

// NewJob builds the daily job. locker may be nil when only one instance runs.
func NewJob(service *Service, cfg config.StreakConfig, locker Locker, log *zap.Logger) *Job {
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = 25 * time.Hour
	}
	return &Job{
		service:  service,
		locker:   locker,
		schedule: cfg.Schedule,
		lockTTL:  ttl,
		log:      log.Named("streak-job"),
		cron:     cron.New(cron.WithLocation(cfg.Location())),
	}
}

func (j *Job) Start() error {
	if _, err := j.cron.AddFunc(j.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		j.Run(ctx)
	}); err != nil {
		return fmt.Errorf("schedule streak job %q: %w", j.schedule, err)
	}
	j.cron.Start()
	j.log.Info("streak job scheduled", zap.String("schedule", j.schedule))
	return nil
}

// Stop prevents further firings and waits for a running one, or for ctx.
func (j *Job) Stop(ctx context.Context) {
	done := j.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Run performs one decay pass unless another instance already did today.
// It reports whether this call ran the pass.
func (j *Job) Run(ctx context.Context) bool {
	day := j.service.Today().Format("2006-01-02")
	if j.locker != nil {
		acquired, err := j.locker.Acquire(ctx, "streak-decay:"+day, j.lockTTL)
		if err != nil {
			j.log.Error("streak job lock failed", zap.String("day", day), zap.Error(err))
			return false
		}
		if !acquired {
			j.log.Info("streak job already ran elsewhere", zap.String("day", day))
			return false
		}
	}

	affected, err := j.service.ResetStale(ctx)
	if err != nil {
		j.log.Error("streak job failed", zap.String("day", day), zap.Error(err))
		return false
	}
	j.log.Info("streak job complete", zap.String("day", day), zap.Int64("users_affected", affected))
	return true
}
