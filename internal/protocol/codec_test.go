package protocol

import (
	"testing"

	"yoto-remote/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
func boolPtr(b bool) *bool    { return &b }

func TestEncode_AmbientLight(t *testing.T) {
	codec := NewCodec(Options{})

	msg, err := codec.Encode("abc", models.SetAmbientLight{R: 255, G: 0, B: 0})
	require.NoError(t, err)

	assert.Equal(t, "device/abc/command/ambients", msg.Topic)
	assert.JSONEq(t, `{"r":255,"g":0,"b":0}`, string(msg.Payload))
}

func TestEncode_AmbientLightClampsChannels(t *testing.T) {
	codec := NewCodec(Options{})

	msg, err := codec.Encode("abc", models.SetAmbientLight{R: 300, G: -5, B: 12})
	require.NoError(t, err)
	assert.JSONEq(t, `{"r":255,"g":0,"b":12}`, string(msg.Payload))
}

func TestEncode_AmbientLightSwapRedBlue(t *testing.T) {
	codec := NewCodec(Options{SwapRedBlue: true})

	msg, err := codec.Encode("abc", models.SetAmbientLight{R: 255, G: 10, B: 0})
	require.NoError(t, err)
	assert.JSONEq(t, `{"r":0,"g":10,"b":255}`, string(msg.Payload))

	_, cmd, err := codec.Decode(msg.Topic, msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, models.SetAmbientLight{R: 255, G: 10, B: 0}, cmd)
}

func TestEncode_Topics(t *testing.T) {
	codec := NewCodec(Options{})

	cases := []struct {
		cmd     models.Command
		topic   string
		payload string
	}{
		{models.Pause{}, "device/d1/command/card/pause", `{}`},
		{models.Resume{}, "device/d1/command/card/resume", `{}`},
		{models.Stop{}, "device/d1/command/card/stop", `{}`},
		{models.PlayCard{URI: "yoto:#card1"}, "device/d1/command/card/start", `{"uri":"yoto:#card1"}`},
		{models.SetNightLight{Enabled: true, Brightness: intPtr(40)}, "device/d1/command/night-light/enable", `{"brightness":40}`},
		{models.SetNightLight{Enabled: false, Brightness: intPtr(40)}, "device/d1/command/night-light/disable", `{}`},
	}

	for _, tc := range cases {
		msg, err := codec.Encode("d1", tc.cmd)
		require.NoError(t, err, tc.cmd.Kind())
		assert.Equal(t, tc.topic, msg.Topic)
		assert.JSONEq(t, tc.payload, string(msg.Payload))
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	codec := NewCodec(Options{})

	commands := []models.Command{
		models.PlayCard{
			URI:           "https://yoto.io/abc",
			ChapterKey:    strPtr("01"),
			TrackKey:      strPtr("02"),
			SecondsIn:     intPtr(30),
			CutOff:        intPtr(600),
			AnyButtonStop: boolPtr(true),
		},
		models.PlayCard{URI: "https://yoto.io/only-uri"},
		models.Pause{},
		models.Resume{},
		models.Stop{},
		models.SetAmbientLight{R: 1, G: 2, B: 3},
		models.SetNightLight{Enabled: true, Brightness: intPtr(100)},
		models.SetNightLight{Enabled: false},
	}

	for _, cmd := range commands {
		msg, err := codec.Encode("dev-9", cmd)
		require.NoError(t, err)

		deviceID, decoded, err := codec.Decode(msg.Topic, msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, "dev-9", deviceID)
		assert.Equal(t, cmd, decoded)
	}
}

func TestEncode_RejectsBadInput(t *testing.T) {
	codec := NewCodec(Options{})

	_, err := codec.Encode("", models.Pause{})
	assert.ErrorIs(t, err, ErrInvalidDeviceID)

	_, err = codec.Encode("a/b", models.Pause{})
	assert.ErrorIs(t, err, ErrInvalidDeviceID)

	_, err = codec.Encode("abc", models.PlayCard{})
	assert.Error(t, err)
}

func TestDecode_UnknownTopic(t *testing.T) {
	codec := NewCodec(Options{})

	_, _, err := codec.Decode("device/abc/events", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownTopic)

	_, _, err = codec.Decode("device/abc/command/volume", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownTopic)
}

func TestSubscriptionTopics(t *testing.T) {
	assert.Equal(t, []string{
		"device/abc/events",
		"device/abc/status",
		"device/abc/response",
		"device/abc/battery",
		"device/abc/state",
	}, SubscriptionTopics("abc"))
}

func TestParseTopic(t *testing.T) {
	id, ch, ok := ParseTopic("device/abc/command/card/start")
	require.True(t, ok)
	assert.Equal(t, "abc", id)
	assert.Equal(t, "command/card/start", ch)

	_, _, ok = ParseTopic("radar/abc/data")
	assert.False(t, ok)
	_, _, ok = ParseTopic("device/abc")
	assert.False(t, ok)
}
