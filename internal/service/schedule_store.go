package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"yoto-remote/internal/models"
	"yoto-remote/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrInvalidSchedule a create or update was rejected by validation.
var ErrInvalidSchedule = errors.New("invalid schedule")

// ScheduleStore is the user-facing CRUD over the schedule repository.
type ScheduleStore struct {
	repo   repository.ScheduleRepository
	logger *zap.Logger
	now    func() time.Time
}

// NewScheduleStore creates a store.
func NewScheduleStore(repo repository.ScheduleRepository, logger *zap.Logger) *ScheduleStore {
	return &ScheduleStore{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// CreateScheduleRequest fields a caller supplies for a new schedule.
type CreateScheduleRequest struct {
	DeviceID        string
	CardURI         string
	TimeOfDay       models.TimeOfDay
	DaysOfWeek      []int
	RepeatMode      models.RepeatMode
	NotifyIfOffline bool
	// Disabled creates the schedule switched off.
	Disabled bool
}

// ValidateSchedule checks the fields a user can set.
func ValidateSchedule(s *models.Schedule) error {
	var problems []string
	if strings.TrimSpace(s.DeviceID) == "" {
		problems = append(problems, "device_id is required")
	}
	if strings.TrimSpace(s.CardURI) == "" {
		problems = append(problems, "card_uri is required")
	}
	if s.TimeOfDay.Hour < 0 || s.TimeOfDay.Hour > 23 {
		problems = append(problems, fmt.Sprintf("hour %d out of range 0-23", s.TimeOfDay.Hour))
	}
	if s.TimeOfDay.Minute < 0 || s.TimeOfDay.Minute > 59 {
		problems = append(problems, fmt.Sprintf("minute %d out of range 0-59", s.TimeOfDay.Minute))
	}
	if len(s.DaysOfWeek) == 0 {
		problems = append(problems, "at least one day is required")
	}
	for _, d := range s.DaysOfWeek {
		if d < 0 || d > 6 {
			problems = append(problems, fmt.Sprintf("day %d out of range 0-6", d))
		}
	}
	switch s.RepeatMode {
	case models.RepeatNone, models.RepeatWeekly:
	default:
		problems = append(problems, fmt.Sprintf("unknown repeat mode %q", s.RepeatMode))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSchedule, strings.Join(problems, "; "))
	}
	return nil
}

// normalizeDays sorts and dedupes.
func normalizeDays(days []int) []int {
	seen := make(map[int]bool, len(days))
	out := make([]int, 0, len(days))
	for _, d := range days {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Ints(out)
	return out
}

// Create validates req and stores a new enabled schedule.
func (s *ScheduleStore) Create(ctx context.Context, req CreateScheduleRequest) (*models.Schedule, error) {
	if req.RepeatMode == "" {
		req.RepeatMode = models.RepeatWeekly
	}
	sched := models.Schedule{
		ID:              uuid.NewString(),
		DeviceID:        strings.TrimSpace(req.DeviceID),
		CardURI:         strings.TrimSpace(req.CardURI),
		TimeOfDay:       req.TimeOfDay,
		DaysOfWeek:      normalizeDays(req.DaysOfWeek),
		RepeatMode:      req.RepeatMode,
		Enabled:         !req.Disabled,
		NotifyIfOffline: req.NotifyIfOffline,
		CreatedAt:       s.now(),
	}
	if err := ValidateSchedule(&sched); err != nil {
		return nil, err
	}

	if err := s.repo.Insert(ctx, sched); err != nil {
		return nil, fmt.Errorf("failed to create schedule: %w", err)
	}
	s.logger.Info("Schedule created",
		zap.String("schedule_id", sched.ID),
		zap.String("device_id", sched.DeviceID),
		zap.String("time_of_day", sched.TimeOfDay.String()),
	)
	return &sched, nil
}

// Get returns one schedule.
func (s *ScheduleStore) Get(ctx context.Context, id string) (*models.Schedule, error) {
	return s.repo.Get(ctx, id)
}

// List returns all schedules, or one device's when deviceID is non-empty.
func (s *ScheduleStore) List(ctx context.Context, deviceID string) ([]models.Schedule, error) {
	return s.repo.List(ctx, deviceID)
}

// Update applies patch atomically. An invalid result leaves the stored schedule unchanged.
// LastTriggeredAt is kept: a moved slot fires again only if it lies after the last trigger.
func (s *ScheduleStore) Update(ctx context.Context, id string, patch models.SchedulePatch) (*models.Schedule, error) {
	updated, err := s.repo.Update(ctx, id, func(sched *models.Schedule) error {
		patch.Apply(sched)
		sched.DeviceID = strings.TrimSpace(sched.DeviceID)
		sched.CardURI = strings.TrimSpace(sched.CardURI)
		sched.DaysOfWeek = normalizeDays(sched.DaysOfWeek)
		return ValidateSchedule(sched)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Schedule updated", zap.String("schedule_id", id))
	return updated, nil
}

// SetEnabled switches a schedule on or off.
func (s *ScheduleStore) SetEnabled(ctx context.Context, id string, enabled bool) (*models.Schedule, error) {
	return s.Update(ctx, id, models.SchedulePatch{Enabled: &enabled})
}

// Delete removes a schedule.
func (s *ScheduleStore) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Schedule deleted", zap.String("schedule_id", id))
	return nil
}
