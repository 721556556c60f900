package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"yoto-remote/internal/models"
	"yoto-remote/internal/repository"

	"go.uber.org/zap"
)

// Dispatcher is the part of the connection manager the clock needs.
type Dispatcher interface {
	State(deviceID string) models.ConnectionState
	Publish(ctx context.Context, deviceID string, cmd models.Command) error
}

// Notifier receives the offline fallback message.
type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}

// ExecutionErrorKind why a due schedule did not play.
type ExecutionErrorKind string

const (
	DispatchFailed ExecutionErrorKind = "DispatchFailed"
	DeviceOffline  ExecutionErrorKind = "DeviceOffline"
)

// ExecutionError is logged by the clock and never returned to callers of Tick.
type ExecutionError struct {
	Kind       ExecutionErrorKind
	ScheduleID string
	DeviceID   string
	Err        error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("schedule %s on %s: %s: %v", e.ScheduleID, e.DeviceID, e.Kind, e.Err)
	}
	return fmt.Sprintf("schedule %s on %s: %s", e.ScheduleID, e.DeviceID, e.Kind)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Config clock settings.
type Config struct {
	Interval time.Duration
	Location *time.Location
}

// Clock evaluates every enabled schedule once per Interval.
type Clock struct {
	cfg        Config
	repo       repository.ScheduleRepository
	dispatcher Dispatcher
	notifier   Notifier
	logger     *zap.Logger
	now        func() time.Time

	tickMu sync.Mutex
	wg     sync.WaitGroup
}

// NewClock creates a clock. Interval defaults to one minute, Location to time.Local.
func NewClock(cfg Config, repo repository.ScheduleRepository, dispatcher Dispatcher, notifier Notifier, logger *zap.Logger) *Clock {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Clock{
		cfg:        cfg,
		repo:       repo,
		dispatcher: dispatcher,
		notifier:   notifier,
		logger:     logger,
		now:        time.Now,
	}
}

// Start ticks until ctx is cancelled, then waits for an in-flight tick.
func (c *Clock) Start(ctx context.Context) error {
	c.logger.Info("Scheduler clock started",
		zap.Duration("interval", c.cfg.Interval),
		zap.String("location", c.cfg.Location.String()),
	)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.spawnTick(ctx)
	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			c.logger.Info("Scheduler clock stopped")
			return nil
		case <-ticker.C:
			c.spawnTick(ctx)
		}
	}
}

func (c *Clock) spawnTick(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Tick(ctx); err != nil {
			c.logger.Error("Scheduler tick failed", zap.Error(err))
		}
	}()
}

// Tick runs one due-check pass. It returns early, without error, if another
// pass is still running.
func (c *Clock) Tick(ctx context.Context) error {
	if !c.tickMu.TryLock() {
		c.logger.Warn("Previous scheduler tick still running, skipping")
		return nil
	}
	defer c.tickMu.Unlock()

	now := c.now().In(c.cfg.Location)
	schedules, err := c.repo.List(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list schedules: %w", err)
	}

	due := 0
	for i := range schedules {
		s := &schedules[i]
		if !IsDue(s, now) {
			continue
		}
		due++
		if err := c.execute(ctx, s, now); err != nil {
			c.logger.Warn("Scheduled execution did not complete",
				zap.String("schedule_id", s.ID),
				zap.String("device_id", s.DeviceID),
				zap.Error(err),
			)
		}
	}

	c.logger.Debug("Scheduler tick",
		zap.Time("now", now),
		zap.Int("schedules", len(schedules)),
		zap.Int("due", due),
	)
	return nil
}

func (c *Clock) execute(ctx context.Context, listed *models.Schedule, now time.Time) error {
	// the listed copy may predate a disable or delete made during this tick
	s, err := c.repo.Get(ctx, listed.ID)
	if err != nil {
		if errors.Is(err, repository.ErrScheduleNotFound) {
			c.logger.Debug("Schedule deleted before dispatch", zap.String("schedule_id", listed.ID))
			return nil
		}
		return fmt.Errorf("failed to reload schedule %s: %w", listed.ID, err)
	}
	if !IsDue(s, now) {
		c.logger.Debug("Schedule no longer due", zap.String("schedule_id", s.ID))
		return nil
	}

	if c.dispatcher.State(s.DeviceID) != models.StateConnected {
		return c.offline(ctx, s, now)
	}

	if err := c.dispatcher.Publish(ctx, s.DeviceID, models.PlayCard{URI: s.CardURI}); err != nil {
		return &ExecutionError{Kind: DispatchFailed, ScheduleID: s.ID, DeviceID: s.DeviceID, Err: err}
	}

	if err := c.markTriggered(ctx, s.ID, now, s.RepeatMode == models.RepeatNone); err != nil {
		return err
	}
	c.logger.Info("Schedule fired",
		zap.String("schedule_id", s.ID),
		zap.String("device_id", s.DeviceID),
		zap.String("card_uri", s.CardURI),
	)
	return nil
}

func (c *Clock) offline(ctx context.Context, s *models.Schedule, now time.Time) error {
	offline := &ExecutionError{Kind: DeviceOffline, ScheduleID: s.ID, DeviceID: s.DeviceID}
	if !s.NotifyIfOffline || c.notifier == nil {
		return offline
	}

	title := "Scheduled card not played"
	body := fmt.Sprintf("Device %s was offline at %s, so the %s schedule could not play.",
		s.DeviceID, now.Format("Mon 15:04"), s.TimeOfDay)
	if err := c.notifier.Notify(ctx, title, body); err != nil {
		c.logger.Error("Failed to send offline notification",
			zap.String("schedule_id", s.ID),
			zap.Error(err),
		)
	}

	// marked even if the notification failed, so it is sent at most once
	if err := c.markTriggered(ctx, s.ID, now, false); err != nil {
		return err
	}
	return offline
}

// markTriggered only touches LastTriggeredAt and Enabled, so user edits made
// since the tick listed the schedule are kept.
func (c *Clock) markTriggered(ctx context.Context, id string, now time.Time, disable bool) error {
	_, err := c.repo.Update(ctx, id, func(s *models.Schedule) error {
		t := now
		s.LastTriggeredAt = &t
		if disable {
			s.Enabled = false
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record trigger of %s: %w", id, err)
	}
	return nil
}
