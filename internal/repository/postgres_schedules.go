package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"yoto-remote/internal/models"

	"github.com/lib/pq"
)

// SchedulesTableDDL creates the device_schedules table if missing.
const SchedulesTableDDL = `
CREATE TABLE IF NOT EXISTS device_schedules (
	schedule_id       UUID PRIMARY KEY,
	device_id         TEXT NOT NULL,
	card_uri          TEXT NOT NULL,
	hour              SMALLINT NOT NULL CHECK (hour BETWEEN 0 AND 23),
	minute            SMALLINT NOT NULL CHECK (minute BETWEEN 0 AND 59),
	days_of_week      SMALLINT[] NOT NULL,
	repeat_mode       TEXT NOT NULL,
	enabled           BOOLEAN NOT NULL DEFAULT TRUE,
	notify_if_offline BOOLEAN NOT NULL DEFAULT FALSE,
	created_at        TIMESTAMPTZ NOT NULL,
	last_triggered_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_device_schedules_device_id ON device_schedules (device_id);
`

const scheduleColumns = `
	schedule_id::text,
	device_id,
	card_uri,
	hour,
	minute,
	days_of_week,
	repeat_mode,
	enabled,
	notify_if_offline,
	created_at,
	last_triggered_at`

// PostgresScheduleRepository stores schedules in device_schedules.
type PostgresScheduleRepository struct {
	db *sql.DB
}

func NewPostgresScheduleRepository(db *sql.DB) *PostgresScheduleRepository {
	return &PostgresScheduleRepository{db: db}
}

var _ ScheduleRepository = (*PostgresScheduleRepository)(nil)

// EnsureSchema applies SchedulesTableDDL.
func (r *PostgresScheduleRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, SchedulesTableDDL); err != nil {
		return fmt.Errorf("failed to create device_schedules: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*models.Schedule, error) {
	var (
		s           models.Schedule
		days        pq.Int64Array
		repeat      string
		lastTrigger sql.NullTime
	)
	err := row.Scan(
		&s.ID,
		&s.DeviceID,
		&s.CardURI,
		&s.TimeOfDay.Hour,
		&s.TimeOfDay.Minute,
		&days,
		&repeat,
		&s.Enabled,
		&s.NotifyIfOffline,
		&s.CreatedAt,
		&lastTrigger,
	)
	if err != nil {
		return nil, err
	}
	s.RepeatMode = models.RepeatMode(repeat)
	s.DaysOfWeek = make([]int, len(days))
	for i, d := range days {
		s.DaysOfWeek[i] = int(d)
	}
	if lastTrigger.Valid {
		t := lastTrigger.Time
		s.LastTriggeredAt = &t
	}
	return &s, nil
}

func daysArray(days []int) pq.Int64Array {
	out := make(pq.Int64Array, len(days))
	for i, d := range days {
		out[i] = int64(d)
	}
	return out
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (r *PostgresScheduleRepository) Insert(ctx context.Context, s models.Schedule) error {
	query := `
		INSERT INTO device_schedules (
			schedule_id, device_id, card_uri, hour, minute, days_of_week,
			repeat_mode, enabled, notify_if_offline, created_at, last_triggered_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.ExecContext(ctx, query,
		s.ID,
		s.DeviceID,
		s.CardURI,
		s.TimeOfDay.Hour,
		s.TimeOfDay.Minute,
		daysArray(s.DaysOfWeek),
		string(s.RepeatMode),
		s.Enabled,
		s.NotifyIfOffline,
		s.CreatedAt,
		nullTime(s.LastTriggeredAt),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrScheduleExists, s.ID)
		}
		return fmt.Errorf("failed to insert schedule: %w", err)
	}
	return nil
}

func (r *PostgresScheduleRepository) Get(ctx context.Context, id string) (*models.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM device_schedules WHERE schedule_id = $1`
	s, err := scanSchedule(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
		}
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return s, nil
}

func (r *PostgresScheduleRepository) List(ctx context.Context, deviceID string) ([]models.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM device_schedules`
	var args []any
	if deviceID != "" {
		query += ` WHERE device_id = $1`
		args = append(args, deviceID)
	}
	query += ` ORDER BY created_at, schedule_id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	out := []models.Schedule{}
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	return out, nil
}

// Update locks the row with SELECT ... FOR UPDATE for the duration of fn.
func (r *PostgresScheduleRepository) Update(ctx context.Context, id string, fn func(*models.Schedule) error) (*models.Schedule, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + scheduleColumns + ` FROM device_schedules WHERE schedule_id = $1 FOR UPDATE`
	s, err := scanSchedule(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
		}
		return nil, fmt.Errorf("failed to lock schedule: %w", err)
	}

	if err := fn(s); err != nil {
		return nil, err
	}
	s.ID = id

	_, err = tx.ExecContext(ctx, `
		UPDATE device_schedules SET
			device_id = $2,
			card_uri = $3,
			hour = $4,
			minute = $5,
			days_of_week = $6,
			repeat_mode = $7,
			enabled = $8,
			notify_if_offline = $9,
			last_triggered_at = $10
		WHERE schedule_id = $1
	`,
		id,
		s.DeviceID,
		s.CardURI,
		s.TimeOfDay.Hour,
		s.TimeOfDay.Minute,
		daysArray(s.DaysOfWeek),
		string(s.RepeatMode),
		s.Enabled,
		s.NotifyIfOffline,
		nullTime(s.LastTriggeredAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update schedule: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit schedule update: %w", err)
	}
	return s, nil
}

func (r *PostgresScheduleRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM device_schedules WHERE schedule_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	return nil
}
