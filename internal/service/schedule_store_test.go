package service

import (
	"bytes"
	"context"
	"testing"
	"time"

	"yoto-remote/internal/models"
	"yoto-remote/internal/repository"
	"yoto-remote/internal/scheduler"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

func setupStore(t *testing.T) *ScheduleStore {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := NewScheduleStore(repository.NewKVScheduleRepository(repository.NewRedisKV(client), ""), zap.NewNop())
	store.now = func() time.Time { return time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC) }
	return store
}

func validRequest() CreateScheduleRequest {
	return CreateScheduleRequest{
		DeviceID:   "abc",
		CardURI:    "https://yoto.io/card1",
		TimeOfDay:  models.TimeOfDay{Hour: 8, Minute: 0},
		DaysOfWeek: []int{6, 0, 6},
	}
}

func TestScheduleStore_Create(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	s, err := store.Create(ctx, validRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.True(t, s.Enabled)
	assert.Equal(t, models.RepeatWeekly, s.RepeatMode)
	assert.Equal(t, []int{0, 6}, s.DaysOfWeek)
	assert.Nil(t, s.LastTriggeredAt)

	list, err := store.List(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, s.ID, list[0].ID)
}

func TestScheduleStore_CreateValidation(t *testing.T) {
	store := setupStore(t)

	cases := map[string]func(*CreateScheduleRequest){
		"no device": func(r *CreateScheduleRequest) { r.DeviceID = " " },
		"no card":   func(r *CreateScheduleRequest) { r.CardURI = "" },
		"hour":      func(r *CreateScheduleRequest) { r.TimeOfDay.Hour = 24 },
		"minute":    func(r *CreateScheduleRequest) { r.TimeOfDay.Minute = -1 },
		"no days":   func(r *CreateScheduleRequest) { r.DaysOfWeek = nil },
		"bad day":   func(r *CreateScheduleRequest) { r.DaysOfWeek = []int{7} },
		"repeat":    func(r *CreateScheduleRequest) { r.RepeatMode = "daily" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := validRequest()
			mutate(&req)
			_, err := store.Create(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidSchedule)
		})
	}

	list, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestScheduleStore_Update(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	s, err := store.Create(ctx, validRequest())
	require.NoError(t, err)

	uri := "https://yoto.io/card2"
	updated, err := store.Update(ctx, s.ID, models.SchedulePatch{CardURI: &uri})
	require.NoError(t, err)
	assert.Equal(t, uri, updated.CardURI)
	assert.Equal(t, []int{0, 6}, updated.DaysOfWeek)

	badHour := models.TimeOfDay{Hour: 30}
	_, err = store.Update(ctx, s.ID, models.SchedulePatch{TimeOfDay: &badHour})
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, got.TimeOfDay.Hour)

	_, err = store.Update(ctx, "missing", models.SchedulePatch{CardURI: &uri})
	assert.ErrorIs(t, err, repository.ErrScheduleNotFound)
}

func TestScheduleStore_UpdateKeepsLastTrigger(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	req := validRequest()
	req.TimeOfDay = models.TimeOfDay{Hour: 9, Minute: 0}
	req.DaysOfWeek = []int{1}
	s, err := store.Create(ctx, req)
	require.NoError(t, err)

	// 2024-05-06 is a Monday
	fired := time.Date(2024, 5, 6, 9, 0, 5, 0, time.UTC)
	_, err = store.repo.Update(ctx, s.ID, func(sched *models.Schedule) error {
		sched.LastTriggeredAt = &fired
		return nil
	})
	require.NoError(t, err)

	updated, err := store.Update(ctx, s.ID, models.SchedulePatch{DaysOfWeek: []int{1}})
	require.NoError(t, err)
	require.NotNil(t, updated.LastTriggeredAt)
	assert.True(t, fired.Equal(*updated.LastTriggeredAt))
	assert.False(t, scheduler.IsDue(updated, time.Date(2024, 5, 6, 9, 1, 10, 0, time.UTC)))

	sameTime := models.TimeOfDay{Hour: 9, Minute: 0}
	updated, err = store.Update(ctx, s.ID, models.SchedulePatch{TimeOfDay: &sameTime})
	require.NoError(t, err)
	assert.False(t, scheduler.IsDue(updated, time.Date(2024, 5, 6, 9, 1, 10, 0, time.UTC)))

	later := models.TimeOfDay{Hour: 10, Minute: 0}
	updated, err = store.Update(ctx, s.ID, models.SchedulePatch{TimeOfDay: &later})
	require.NoError(t, err)
	assert.True(t, scheduler.IsDue(updated, time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)))
}

func TestScheduleStore_SetEnabledAndDelete(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	s, err := store.Create(ctx, validRequest())
	require.NoError(t, err)

	off, err := store.SetEnabled(ctx, s.ID, false)
	require.NoError(t, err)
	assert.False(t, off.Enabled)

	require.NoError(t, store.Delete(ctx, s.ID))
	assert.ErrorIs(t, store.Delete(ctx, s.ID), repository.ErrScheduleNotFound)
}

func TestParseDays(t *testing.T) {
	days, err := ParseDays("Mon, wed;Friday")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 5}, days)

	days, err = ParseDays("0,6")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 6}, days)

	days, err = ParseDays("weekdays")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, days)

	_, err = ParseDays("someday")
	assert.Error(t, err)
}

func TestScheduleStore_ExcelRoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	req := validRequest()
	req.NotifyIfOffline = true
	_, err := store.Create(ctx, req)
	require.NoError(t, err)

	data, err := store.ExportExcel(ctx, "")
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	rows, err := f.GetRows(scheduleSheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, ScheduleExportHeader, rows[0])
	assert.Equal(t, "08:00", rows[1][3])
	assert.Equal(t, "Sun,Sat", rows[1][4])
	require.NoError(t, f.Close())

	other := setupStore(t)
	result, err := other.ImportExcel(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
	assert.Len(t, result.Created, 1)
	assert.Empty(t, result.Errors)

	imported, err := other.Get(ctx, result.Created[0])
	require.NoError(t, err)
	assert.Equal(t, "abc", imported.DeviceID)
	assert.Equal(t, []int{0, 6}, imported.DaysOfWeek)
	assert.True(t, imported.NotifyIfOffline)
	assert.True(t, imported.Enabled)
}

func TestScheduleStore_ImportReportsBadRows(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	rows := [][]interface{}{
		{"Device ID", "Card URI", "Time", "Days", "Enabled"},
		{"abc", "uri-1", "07:30", "Mon", "No"},
		{"abc", "uri-2", "25:00", "Mon", ""},
		{"", "uri-3", "07:30", "Mon", ""},
		{"abc", "uri-4", "07:30", "Funday", ""},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	store := setupStore(t)
	result, err := store.ImportExcel(context.Background(), buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 4, result.Total)
	require.Len(t, result.Created, 1)
	require.Len(t, result.Errors, 3)
	assert.Equal(t, 3, result.Errors[0].Row)

	s, err := store.Get(context.Background(), result.Created[0])
	require.NoError(t, err)
	assert.False(t, s.Enabled)
}
