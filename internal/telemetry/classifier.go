// Package telemetry turns raw device messages into TelemetryEvents.
//
// The device payload schema is undocumented, so classification is best-effort:
// every event carries the field it was read from in SourceField.
package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"yoto-remote/internal/models"
	"yoto-remote/internal/protocol"
)

// Classifier maps one inbound message to zero or more events.
type Classifier interface {
	Classify(deviceID, topic string, payload []byte, observedAt time.Time) ([]models.TelemetryEvent, error)
}

// ErrUndecodable the payload is not JSON.
var ErrUndecodable = errors.New("undecodable telemetry payload")

// Direct battery fields, checked in this order on every topic.
var directBatteryFields = []string{"battery", "batteryLevel", "batteryPercent", "power", "powerLevel"}

var playbackFields = []string{"playbackStatus", "playbackState"}

// Name fragments that disqualify a numeric field from the /events scan.
var excludedFragments = []string{
	"volume",
	"position",
	"length",
	"duration",
	"time",
	"elapsed",
	"seconds",
	"chapter",
	"track",
}

var excludedNames = map[string]bool{
	"ts":  true,
	"t":   true,
	"at":  true,
	"pos": true,
}

// HeuristicClassifier is the default Classifier.
type HeuristicClassifier struct{}

// NewHeuristicClassifier creates the default classifier.
func NewHeuristicClassifier() *HeuristicClassifier {
	return &HeuristicClassifier{}
}

func (c *HeuristicClassifier) Classify(deviceID, topic string, payload []byte, observedAt time.Time) ([]models.TelemetryEvent, error) {
	_, channel, ok := protocol.ParseTopic(topic)
	if !ok {
		return nil, fmt.Errorf("unrecognized telemetry topic %q", topic)
	}

	decoded, err := decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w on %s: %v", ErrUndecodable, topic, err)
	}

	event := func(kind models.TelemetryKind, value interface{}, source string) models.TelemetryEvent {
		return models.TelemetryEvent{
			DeviceID:    deviceID,
			Kind:        kind,
			Value:       value,
			ObservedAt:  observedAt,
			SourceField: source,
			Topic:       topic,
		}
	}

	obj, isObject := decoded.(map[string]interface{})
	var out []models.TelemetryEvent

	if isObject {
		if field, v, ok := directBattery(obj); ok {
			out = append(out, event(models.TelemetryBatteryLevel, v, field))
		}
		for _, field := range playbackFields {
			if v, ok := obj[field]; ok && v != nil {
				out = append(out, event(models.TelemetryPlaybackState, v, field))
				break
			}
		}
	}
	hasBattery := len(out) > 0 && out[0].Kind == models.TelemetryBatteryLevel

	switch channel {
	case protocol.ChannelEvents:
		if !hasBattery && isObject {
			if path, v, ok := scanBattery(payload); ok {
				out = append([]models.TelemetryEvent{event(models.TelemetryBatteryLevel, v, "events:heuristic:"+path)}, out...)
			}
		}

	case protocol.ChannelStatus:
		if !hasBattery && isObject {
			if nested, ok := obj["status"].(map[string]interface{}); ok {
				for _, field := range []string{"batteryLevel", "battery"} {
					if v, ok := numeric(nested[field]); ok {
						out = append([]models.TelemetryEvent{event(models.TelemetryBatteryLevel, v, "status."+field)}, out...)
						break
					}
				}
			}
		}

	case protocol.ChannelBattery:
		if !hasBattery {
			if v, ok := numeric(decoded); ok {
				out = append(out, event(models.TelemetryBatteryLevel, v, "battery"))
			} else {
				out = append(out, event(models.TelemetryBatteryLevel, decoded, "battery:raw"))
			}
		}

	case protocol.ChannelResponse, protocol.ChannelState:
		if len(out) == 0 {
			out = append(out, event(models.TelemetryUnknown, decoded, channel))
		}
	}

	return out, nil
}

func decode(payload []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalize(v), nil
}

// normalize turns json.Number into float64 throughout.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case []interface{}:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	}
	return v
}

func directBattery(obj map[string]interface{}) (string, float64, bool) {
	for _, field := range directBatteryFields {
		if v, ok := numeric(obj[field]); ok {
			return field, v, true
		}
	}
	return "", 0, false
}

// numeric accepts numbers and numeric strings.
func numeric(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func excluded(name string) bool {
	lower := strings.ToLower(name)
	if excludedNames[lower] {
		return true
	}
	for _, frag := range excludedFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return strings.HasSuffix(name, "At")
}

// scanBattery walks the payload in document order and returns the first numeric
// object field in [0,100] whose name is not excluded. Arrays are skipped.
func scanBattery(payload []byte) (string, float64, bool) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return "", 0, false
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return "", 0, false
	}
	return scanObject(dec, "")
}

// scanObject consumes an object whose opening brace was already read.
func scanObject(dec *json.Decoder, prefix string) (string, float64, bool) {
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return "", 0, false
		}
		key, _ := keyTok.(string)
		name := key
		if prefix != "" {
			name = prefix + "." + key
		}

		tok, err := dec.Token()
		if err != nil {
			return "", 0, false
		}
		switch t := tok.(type) {
		case json.Delim:
			if t == '{' {
				if path, v, ok := scanObject(dec, name); ok {
					return path, v, true
				}
			} else if err := skipArray(dec); err != nil {
				return "", 0, false
			}
		case json.Number:
			if excluded(key) {
				continue
			}
			if f, err := t.Float64(); err == nil && f >= 0 && f <= 100 {
				return name, f, true
			}
		}
	}
	// closing brace
	dec.Token()
	return "", 0, false
}

func skipArray(dec *json.Decoder) error {
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
	}
	return nil
}
