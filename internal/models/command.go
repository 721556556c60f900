package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CommandKind identifies a Command variant.
type CommandKind string

const (
	CommandPlayCard        CommandKind = "play_card"
	CommandPause           CommandKind = "pause"
	CommandResume          CommandKind = "resume"
	CommandStop            CommandKind = "stop"
	CommandSetAmbientLight CommandKind = "set_ambient_light"
	CommandSetNightLight   CommandKind = "set_night_light"
)

// Command is a device action. Implementations are plain values and are not mutated after creation.
type Command interface {
	Kind() CommandKind
}

// PlayCard starts playback of a card, optionally at a chapter/track/offset.
type PlayCard struct {
	URI           string
	ChapterKey    *string
	TrackKey      *string
	SecondsIn     *int
	CutOff        *int
	AnyButtonStop *bool
}

// Pause pauses playback.
type Pause struct{}

// Resume resumes paused playback.
type Resume struct{}

// Stop stops playback.
type Stop struct{}

// SetAmbientLight sets the ambient light colour. Channels are clamped to [0,255] on the wire.
type SetAmbientLight struct {
	R int
	G int
	B int
}

// SetNightLight turns the night light on (with optional brightness) or off.
type SetNightLight struct {
	Enabled    bool
	Brightness *int
}

func (PlayCard) Kind() CommandKind        { return CommandPlayCard }
func (Pause) Kind() CommandKind           { return CommandPause }
func (Resume) Kind() CommandKind          { return CommandResume }
func (Stop) Kind() CommandKind            { return CommandStop }
func (SetAmbientLight) Kind() CommandKind { return CommandSetAmbientLight }
func (SetNightLight) Kind() CommandKind   { return CommandSetNightLight }

// AmbientFromHex builds a SetAmbientLight from a brightness percentage and a hex colour
// ("#RRGGBB", "RRGGBB" or "#RGB"). Each channel is scaled by brightness/100 and rounded
// to the nearest integer, then clamped.
func AmbientFromHex(brightness int, hex string) (SetAmbientLight, error) {
	r, g, b, err := ParseHexColor(hex)
	if err != nil {
		return SetAmbientLight{}, err
	}
	if brightness < 0 {
		brightness = 0
	}
	if brightness > 100 {
		brightness = 100
	}
	scale := func(c int) int {
		return ClampChannel(int(math.Round(float64(c) * float64(brightness) / 100)))
	}
	return SetAmbientLight{R: scale(r), G: scale(g), B: scale(b)}, nil
}

// ParseHexColor parses "#RRGGBB", "RRGGBB", "#RGB" or "RGB".
func ParseHexColor(hex string) (r, g, b int, err error) {
	s := strings.TrimPrefix(strings.TrimSpace(hex), "#")
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) != 6 {
		return 0, 0, 0, fmt.Errorf("invalid hex colour %q", hex)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid hex colour %q: %w", hex, err)
	}
	return int(v >> 16 & 0xff), int(v >> 8 & 0xff), int(v & 0xff), nil
}

// ClampChannel limits a colour channel to [0,255].
func ClampChannel(v int) int {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}
