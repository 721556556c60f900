// Package protocol maps device commands to MQTT topic/payload pairs and back.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"yoto-remote/internal/models"
)

var (
	// ErrInvalidDeviceID device ids must be non-empty and free of topic separators/wildcards.
	ErrInvalidDeviceID = errors.New("invalid device id")
	// ErrUnknownTopic the topic is not a known command topic.
	ErrUnknownTopic = errors.New("unknown command topic")
	// ErrUnsupportedCommand the command variant has no wire mapping.
	ErrUnsupportedCommand = errors.New("unsupported command")
)

// Telemetry channels subscribed for every device session.
const (
	ChannelEvents   = "events"
	ChannelStatus   = "status"
	ChannelResponse = "response"
	ChannelBattery  = "battery"
	ChannelState    = "state"
)

var subscriptionChannels = []string{ChannelEvents, ChannelStatus, ChannelResponse, ChannelBattery, ChannelState}

// Command topic suffixes below device/{id}/command/.
const (
	cmdCardStart        = "card/start"
	cmdCardPause        = "card/pause"
	cmdCardResume       = "card/resume"
	cmdCardStop         = "card/stop"
	cmdAmbients         = "ambients"
	cmdNightLightEnable = "night-light/enable"
	cmdNightLightOff    = "night-light/disable"
)

// Message an encoded command ready to publish.
type Message struct {
	Topic   string
	Payload []byte
}

// Options codec behaviour switches.
type Options struct {
	// SwapRedBlue sends ambient colours as {r: B, g: G, b: R}. Firmware variants disagree
	// on channel order; leave off unless verified against the device.
	SwapRedBlue bool
}

// Codec is stateless apart from its options and safe for concurrent use.
type Codec struct {
	swapRedBlue bool
}

// NewCodec creates a codec.
func NewCodec(opts Options) *Codec {
	return &Codec{swapRedBlue: opts.SwapRedBlue}
}

type playCardPayload struct {
	URI           string  `json:"uri"`
	ChapterKey    *string `json:"chapterKey,omitempty"`
	TrackKey      *string `json:"trackKey,omitempty"`
	SecondsIn     *int    `json:"secondsIn,omitempty"`
	CutOff        *int    `json:"cutOff,omitempty"`
	AnyButtonStop *bool   `json:"anyButtonStop,omitempty"`
}

type ambientPayload struct {
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
}

type nightLightPayload struct {
	Brightness *int `json:"brightness,omitempty"`
}

type emptyPayload struct{}

// Encode maps cmd to its topic and JSON payload for deviceID.
func (c *Codec) Encode(deviceID string, cmd models.Command) (Message, error) {
	if err := ValidateDeviceID(deviceID); err != nil {
		return Message{}, err
	}

	var suffix string
	var body interface{}

	switch v := cmd.(type) {
	case models.PlayCard:
		if v.URI == "" {
			return Message{}, fmt.Errorf("play card: uri is required")
		}
		suffix = cmdCardStart
		body = playCardPayload{
			URI:           v.URI,
			ChapterKey:    v.ChapterKey,
			TrackKey:      v.TrackKey,
			SecondsIn:     v.SecondsIn,
			CutOff:        v.CutOff,
			AnyButtonStop: v.AnyButtonStop,
		}
	case models.Pause:
		suffix, body = cmdCardPause, emptyPayload{}
	case models.Resume:
		suffix, body = cmdCardResume, emptyPayload{}
	case models.Stop:
		suffix, body = cmdCardStop, emptyPayload{}
	case models.SetAmbientLight:
		r, g, b := models.ClampChannel(v.R), models.ClampChannel(v.G), models.ClampChannel(v.B)
		if c.swapRedBlue {
			r, b = b, r
		}
		suffix, body = cmdAmbients, ambientPayload{R: r, G: g, B: b}
	case models.SetNightLight:
		if v.Enabled {
			suffix, body = cmdNightLightEnable, nightLightPayload{Brightness: v.Brightness}
		} else {
			suffix, body = cmdNightLightOff, emptyPayload{}
		}
	default:
		return Message{}, fmt.Errorf("%w: %T", ErrUnsupportedCommand, cmd)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s payload: %w", cmd.Kind(), err)
	}

	return Message{
		Topic:   fmt.Sprintf("device/%s/command/%s", deviceID, suffix),
		Payload: payload,
	}, nil
}

// Decode maps a command topic and payload back into a Command.
func (c *Codec) Decode(topic string, payload []byte) (string, models.Command, error) {
	deviceID, channel, ok := ParseTopic(topic)
	if !ok || !strings.HasPrefix(channel, "command/") {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	suffix := strings.TrimPrefix(channel, "command/")

	switch suffix {
	case cmdCardStart:
		var p playCardPayload
		if err := unmarshalPayload(payload, &p); err != nil {
			return "", nil, err
		}
		if p.URI == "" {
			return "", nil, fmt.Errorf("play card payload without uri")
		}
		return deviceID, models.PlayCard{
			URI:           p.URI,
			ChapterKey:    p.ChapterKey,
			TrackKey:      p.TrackKey,
			SecondsIn:     p.SecondsIn,
			CutOff:        p.CutOff,
			AnyButtonStop: p.AnyButtonStop,
		}, nil
	case cmdCardPause:
		return deviceID, models.Pause{}, nil
	case cmdCardResume:
		return deviceID, models.Resume{}, nil
	case cmdCardStop:
		return deviceID, models.Stop{}, nil
	case cmdAmbients:
		var p ambientPayload
		if err := unmarshalPayload(payload, &p); err != nil {
			return "", nil, err
		}
		r, g, b := p.R, p.G, p.B
		if c.swapRedBlue {
			r, b = b, r
		}
		return deviceID, models.SetAmbientLight{R: r, G: g, B: b}, nil
	case cmdNightLightEnable:
		var p nightLightPayload
		if err := unmarshalPayload(payload, &p); err != nil {
			return "", nil, err
		}
		return deviceID, models.SetNightLight{Enabled: true, Brightness: p.Brightness}, nil
	case cmdNightLightOff:
		return deviceID, models.SetNightLight{Enabled: false}, nil
	}

	return "", nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
}

func unmarshalPayload(payload []byte, dest interface{}) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return fmt.Errorf("failed to unmarshal command payload: %w", err)
	}
	return nil
}

// SubscriptionTopics telemetry topics subscribed on connect.
func SubscriptionTopics(deviceID string) []string {
	topics := make([]string, 0, len(subscriptionChannels))
	for _, ch := range subscriptionChannels {
		topics = append(topics, fmt.Sprintf("device/%s/%s", deviceID, ch))
	}
	return topics
}

// ParseTopic splits "device/{id}/{channel...}".
func ParseTopic(topic string) (deviceID, channel string, ok bool) {
	parts := strings.SplitN(topic, "/", 3)
	if len(parts) < 3 || parts[0] != "device" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// ValidateDeviceID rejects ids that would produce malformed topics.
func ValidateDeviceID(deviceID string) error {
	if deviceID == "" || strings.ContainsAny(deviceID, "/+#") {
		return fmt.Errorf("%w: %q", ErrInvalidDeviceID, deviceID)
	}
	return nil
}
