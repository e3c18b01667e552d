package schedule

import (
	"context"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/blacksamuraiiii/baichuan-assistant/internal/model"
	"github.com/blacksamuraiiii/baichuan-assistant/internal/store"
)

// RunFunc executes one task by name
type RunFunc func(ctx context.Context, taskName string) error

// Daemon runs enabled task schedules in-process for hosts without the
// OS task scheduler. Schedules are read from the task store at start.
type Daemon struct {
	logger *zap.Logger
	store  *store.Store
	cron   *cron.Cron
	run    RunFunc
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// NewDaemon creates the in-process scheduler
func NewDaemon(logger *zap.Logger, st *store.Store, run RunFunc) *Daemon {
	logger = logger.Named("daemon")
	cronOptions := []cron.Option{
		cron.WithChain(cron.Recover(&cronLogger{logger: logger.Named("cron")})),
	}
	return &Daemon{
		logger: logger,
		store:  st,
		cron:   cron.New(cronOptions...),
		run:    run,
	}
}

// Start registers every active task with an enabled schedule and
// starts the cron loop
func (d *Daemon) Start(ctx context.Context) error {
	tasks, err := d.store.List()
	if err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}

	registered := 0
	for _, task := range tasks {
		if !task.Active() || !task.Schedule.Enabled {
			continue
		}
		spec, err := CronSpec(task.Schedule)
		if err != nil {
			d.logger.Error("Skipping task with invalid schedule",
				zap.String("task", task.Name), zap.Error(err))
			continue
		}

		name := task.Name
		_, err = d.cron.AddFunc(spec, func() {
			d.logger.Info("Schedule fired", zap.String("task", name))
			if err := d.run(ctx, name); err != nil {
				d.logger.Error("Scheduled run failed",
					zap.String("task", name), zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("failed to add cron entry for %q: %w", name, err)
		}
		registered++
		d.logger.Info("Schedule registered",
			zap.String("task", name),
			zap.String("spec", spec))
	}

	d.cron.Start()
	d.logger.Info("Scheduler daemon started", zap.Int("schedules", registered))
	return nil
}

// Stop stops the cron loop, waiting for running jobs
func (d *Daemon) Stop() {
	ctx := d.cron.Stop()
	<-ctx.Done()
	d.logger.Info("Scheduler daemon stopped")
}

// CronSpec converts a schedule policy into a cron expression
func CronSpec(policy model.SchedulePolicy) (string, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(policy.Time, "%d:%d", &hh, &mm); err != nil {
		return "", fmt.Errorf("invalid schedule time %q: %w", policy.Time, err)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return "", fmt.Errorf("invalid schedule time %q", policy.Time)
	}

	switch policy.Frequency {
	case model.FrequencyWeekly:
		if len(policy.DaysOfWeek) == 0 {
			return "", fmt.Errorf("weekly schedule needs at least one weekday")
		}
		return fmt.Sprintf("%d %d * * %s", mm, hh, strings.Join(policy.DaysOfWeek, ",")), nil
	default:
		return fmt.Sprintf("%d %d * * *", mm, hh), nil
	}
}
