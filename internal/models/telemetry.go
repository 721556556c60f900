package models

import "time"

// TelemetryKind classification of a telemetry reading.
type TelemetryKind string

const (
	TelemetryBatteryLevel  TelemetryKind = "BatteryLevel"
	TelemetryPlaybackState TelemetryKind = "PlaybackState"
	TelemetryUnknown       TelemetryKind = "Unknown"
)

// TelemetryEvent one normalized reading. SourceField records which payload field
// the classifier matched, so misclassification can be spotted.
type TelemetryEvent struct {
	DeviceID    string        `json:"device_id"`
	Kind        TelemetryKind `json:"kind"`
	Value       interface{}   `json:"value"`
	ObservedAt  time.Time     `json:"observed_at"`
	SourceField string        `json:"source_field"`
	Topic       string        `json:"topic"`
}
