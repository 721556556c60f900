package service

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"yoto-remote/internal/models"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

const scheduleSheet = "Schedules"

// ScheduleImportHeader columns read by ImportExcel. Order does not matter.
var ScheduleImportHeader = []string{
	"Device ID",
	"Card URI",
	"Time",
	"Days",
	"Repeat",
	"Enabled",
	"Notify If Offline",
}

// ScheduleExportHeader columns written by ExportExcel.
var ScheduleExportHeader = append(append([]string{"Schedule ID"}, ScheduleImportHeader...),
	"Created At",
	"Last Triggered At",
)

var dayNames = []string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

// ImportRowError one rejected spreadsheet row (1-based, header is row 1).
type ImportRowError struct {
	Row   int    `json:"row"`
	Error string `json:"error"`
}

// ImportResult summary of ImportExcel.
type ImportResult struct {
	Total   int              `json:"total"`
	Created []string         `json:"created"`
	Errors  []ImportRowError `json:"errors"`
}

func FormatDays(days []int) string {
	names := make([]string, 0, len(days))
	for _, d := range days {
		if d >= 0 && d < len(dayNames) {
			names = append(names, dayNames[d])
		}
	}
	return strings.Join(names, ",")
}

// ParseDays accepts "Mon,Wed", "1,3", "mon wed" and "daily"/"weekdays"/"weekends".
func ParseDays(s string) ([]int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "daily", "every day":
		return []int{0, 1, 2, 3, 4, 5, 6}, nil
	case "weekdays":
		return []int{1, 2, 3, 4, 5}, nil
	case "weekends":
		return []int{0, 6}, nil
	}

	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == ';' })
	days := make([]int, 0, len(fields))
	for _, f := range fields {
		if n, err := strconv.Atoi(f); err == nil {
			days = append(days, n)
			continue
		}
		found := false
		for i, name := range dayNames {
			if strings.HasPrefix(strings.ToLower(f), strings.ToLower(name)) {
				days = append(days, i)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown day %q", f)
		}
	}
	return days, nil
}

func parseYesNo(s string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "true", "1", "on":
		return true
	case "no", "n", "false", "0", "off":
		return false
	}
	return def
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

// ExportExcel writes the schedules (all, or deviceID's) to an xlsx workbook.
func (s *ScheduleStore) ExportExcel(ctx context.Context, deviceID string) ([]byte, error) {
	schedules, err := s.repo.List(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(scheduleSheet)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range ScheduleExportHeader {
		if err := setCell(f, col+1, 1, header); err != nil {
			return nil, err
		}
	}
	last, _ := excelize.CoordinatesToCellName(len(ScheduleExportHeader), 1)
	if err := f.SetCellStyle(scheduleSheet, "A1", last, headerStyle); err != nil {
		return nil, fmt.Errorf("failed to set header style: %w", err)
	}
	if err := f.SetColWidth(scheduleSheet, "A", "A", 38); err != nil {
		return nil, fmt.Errorf("failed to set column width: %w", err)
	}
	if err := f.SetColWidth(scheduleSheet, "B", "C", 30); err != nil {
		return nil, fmt.Errorf("failed to set column width: %w", err)
	}

	for i, sched := range schedules {
		row := i + 2
		lastTriggered := ""
		if sched.LastTriggeredAt != nil {
			lastTriggered = sched.LastTriggeredAt.Format("2006-01-02 15:04:05")
		}
		values := []interface{}{
			sched.ID,
			sched.DeviceID,
			sched.CardURI,
			sched.TimeOfDay.String(),
			FormatDays(sched.DaysOfWeek),
			string(sched.RepeatMode),
			yesNo(sched.Enabled),
			yesNo(sched.NotifyIfOffline),
			sched.CreatedAt.Format("2006-01-02 15:04:05"),
			lastTriggered,
		}
		for col, v := range values {
			if v == "" {
				continue
			}
			if err := setCell(f, col+1, row, v); err != nil {
				return nil, fmt.Errorf("failed to write row %d: %w", row, err)
			}
		}
	}

	if err := f.SetPanes(scheduleSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return nil, fmt.Errorf("failed to freeze panes: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func setCell(f *excelize.File, col, row int, value interface{}) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(scheduleSheet, cell, value)
}

// ImportExcel creates one schedule per data row of the first sheet. Rows that
// fail to parse or validate are reported and skipped; the rest are created.
func (s *ScheduleStore) ImportExcel(ctx context.Context, data []byte) (*ImportResult, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}

	result := &ImportResult{Created: []string{}, Errors: []ImportRowError{}}
	if len(rows) < 2 {
		return result, nil
	}

	headerMap := make(map[string]int)
	for i, h := range rows[0] {
		headerMap[strings.TrimSpace(h)] = i
	}
	for _, required := range []string{"Device ID", "Card URI", "Time", "Days"} {
		if _, ok := headerMap[required]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", ErrInvalidSchedule, required)
		}
	}

	get := func(row []string, header string) string {
		idx, ok := headerMap[header]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	for i, row := range rows[1:] {
		rowNum := i + 2
		if strings.TrimSpace(strings.Join(row, "")) == "" {
			continue
		}
		result.Total++

		req, err := requestFromRow(func(h string) string { return get(row, h) })
		if err == nil {
			var created *models.Schedule
			created, err = s.Create(ctx, req)
			if err == nil {
				result.Created = append(result.Created, created.ID)
				continue
			}
		}
		result.Errors = append(result.Errors, ImportRowError{Row: rowNum, Error: err.Error()})
	}

	s.logger.Info("Schedule import finished",
		zap.Int("total", result.Total),
		zap.Int("created", len(result.Created)),
		zap.Int("failed", len(result.Errors)),
	)
	return result, nil
}

func requestFromRow(get func(string) string) (CreateScheduleRequest, error) {
	tod, err := models.ParseTimeOfDay(get("Time"))
	if err != nil {
		return CreateScheduleRequest{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	days, err := ParseDays(get("Days"))
	if err != nil {
		return CreateScheduleRequest{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	repeat := models.RepeatMode(strings.ToLower(get("Repeat")))
	if repeat == "" {
		repeat = models.RepeatWeekly
	}
	return CreateScheduleRequest{
		DeviceID:        get("Device ID"),
		CardURI:         get("Card URI"),
		TimeOfDay:       tod,
		DaysOfWeek:      days,
		RepeatMode:      repeat,
		NotifyIfOffline: parseYesNo(get("Notify If Offline"), false),
		Disabled:        !parseYesNo(get("Enabled"), true),
	}, nil
}
