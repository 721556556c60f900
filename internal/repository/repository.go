// Package repository persists schedules.
package repository

import (
	"context"
	"errors"

	"yoto-remote/internal/models"
)

var (
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrScheduleExists   = errors.New("schedule already exists")
)

// ScheduleRepository is the durable schedule collection. Update is an atomic
// read-modify-write: fn sees the current row and its changes are stored only
// if it returns nil.
type ScheduleRepository interface {
	Insert(ctx context.Context, s models.Schedule) error
	Get(ctx context.Context, id string) (*models.Schedule, error)
	// List returns every schedule, or only deviceID's when it is non-empty.
	List(ctx context.Context, deviceID string) ([]models.Schedule, error)
	Update(ctx context.Context, id string, fn func(*models.Schedule) error) (*models.Schedule, error)
	Delete(ctx context.Context, id string) error
}
