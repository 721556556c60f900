package models

import (
	"fmt"
	"time"
)

// RepeatMode whether a schedule recurs.
type RepeatMode string

const (
	RepeatNone   RepeatMode = "none"
	RepeatWeekly RepeatMode = "weekly"
)

// TimeOfDay wall-clock hour and minute.
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parsed, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return TimeOfDay{Hour: parsed.Hour(), Minute: parsed.Minute()}, nil
}

// Schedule a stored rule that plays a card on a device at a time of day.
// DaysOfWeek uses time.Weekday numbering (0 = Sunday).
type Schedule struct {
	ID              string     `json:"id" db:"schedule_id"`
	DeviceID        string     `json:"device_id" db:"device_id"`
	CardURI         string     `json:"card_uri" db:"card_uri"`
	TimeOfDay       TimeOfDay  `json:"time_of_day"`
	DaysOfWeek      []int      `json:"days_of_week" db:"days_of_week"`
	RepeatMode      RepeatMode `json:"repeat_mode" db:"repeat_mode"`
	Enabled         bool       `json:"enabled" db:"enabled"`
	NotifyIfOffline bool       `json:"notify_if_offline" db:"notify_if_offline"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty" db:"last_triggered_at"`
}

// HasDay reports whether d is one of the schedule's days.
func (s *Schedule) HasDay(d time.Weekday) bool {
	for _, day := range s.DaysOfWeek {
		if day == int(d) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (s Schedule) Clone() Schedule {
	out := s
	out.DaysOfWeek = append([]int(nil), s.DaysOfWeek...)
	if s.LastTriggeredAt != nil {
		t := *s.LastTriggeredAt
		out.LastTriggeredAt = &t
	}
	return out
}

// SchedulePatch partial update; nil fields are left unchanged.
type SchedulePatch struct {
	DeviceID        *string     `json:"device_id,omitempty"`
	CardURI         *string     `json:"card_uri,omitempty"`
	TimeOfDay       *TimeOfDay  `json:"time_of_day,omitempty"`
	DaysOfWeek      []int       `json:"days_of_week,omitempty"`
	RepeatMode      *RepeatMode `json:"repeat_mode,omitempty"`
	Enabled         *bool       `json:"enabled,omitempty"`
	NotifyIfOffline *bool       `json:"notify_if_offline,omitempty"`
}

// Apply writes the set fields of p onto s.
func (p SchedulePatch) Apply(s *Schedule) {
	if p.DeviceID != nil {
		s.DeviceID = *p.DeviceID
	}
	if p.CardURI != nil {
		s.CardURI = *p.CardURI
	}
	if p.TimeOfDay != nil {
		s.TimeOfDay = *p.TimeOfDay
	}
	if p.DaysOfWeek != nil {
		s.DaysOfWeek = append([]int(nil), p.DaysOfWeek...)
	}
	if p.RepeatMode != nil {
		s.RepeatMode = *p.RepeatMode
	}
	if p.Enabled != nil {
		s.Enabled = *p.Enabled
	}
	if p.NotifyIfOffline != nil {
		s.NotifyIfOffline = *p.NotifyIfOffline
	}
}
