package telemetry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	rediscommon "yoto-remote/common/redis"
	"yoto-remote/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var observed = time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)

func classify(t *testing.T, topic, payload string) []models.TelemetryEvent {
	t.Helper()
	evs, err := NewHeuristicClassifier().Classify("abc", topic, []byte(payload), observed)
	require.NoError(t, err)
	return evs
}

func TestClassify_EventsDirectFieldWins(t *testing.T) {
	// direct field wins even out of range and even if a scan candidate comes first
	evs := classify(t, "device/abc/events", `{"level": 40, "batteryLevel": 140}`)
	require.Len(t, evs, 1)
	assert.Equal(t, models.TelemetryBatteryLevel, evs[0].Kind)
	assert.Equal(t, 140.0, evs[0].Value)
	assert.Equal(t, "batteryLevel", evs[0].SourceField)
	assert.Equal(t, "abc", evs[0].DeviceID)
	assert.Equal(t, observed, evs[0].ObservedAt)
}

func TestClassify_EventsDirectFieldOrder(t *testing.T) {
	evs := classify(t, "device/abc/events", `{"powerLevel": 10, "battery": "77"}`)
	require.Len(t, evs, 1)
	assert.Equal(t, 77.0, evs[0].Value)
	assert.Equal(t, "battery", evs[0].SourceField)
}

func TestClassify_EventsHeuristicDocumentOrder(t *testing.T) {
	payload := `{
		"volume": 30,
		"position": 12,
		"trackLength": 50,
		"timestamp": 55,
		"updatedAt": 2,
		"levels": [5, 6],
		"device": {"temp": 250, "charge": 64},
		"other": 12
	}`
	evs := classify(t, "device/abc/events", payload)
	require.Len(t, evs, 1)
	assert.Equal(t, 64.0, evs[0].Value)
	assert.Equal(t, "events:heuristic:device.charge", evs[0].SourceField)
}

func TestClassify_EventsNoCandidate(t *testing.T) {
	evs := classify(t, "device/abc/events", `{"volume": 30, "temp": 250}`)
	assert.Empty(t, evs)
}

func TestClassify_EventsPlaybackState(t *testing.T) {
	evs := classify(t, "device/abc/events", `{"playbackStatus": "playing", "volume": 10}`)
	require.Len(t, evs, 1)
	assert.Equal(t, models.TelemetryPlaybackState, evs[0].Kind)
	assert.Equal(t, "playing", evs[0].Value)
	assert.Equal(t, "playbackStatus", evs[0].SourceField)
}

func TestClassify_StatusNested(t *testing.T) {
	evs := classify(t, "device/abc/status", `{"status": {"battery": 20, "batteryLevel": 91}}`)
	require.Len(t, evs, 1)
	assert.Equal(t, 91.0, evs[0].Value)
	assert.Equal(t, "status.batteryLevel", evs[0].SourceField)

	evs = classify(t, "device/abc/status", `{"status": {"battery": 20}}`)
	require.Len(t, evs, 1)
	assert.Equal(t, "status.battery", evs[0].SourceField)
}

func TestClassify_StatusDirectFieldPrecedence(t *testing.T) {
	evs := classify(t, "device/abc/status", `{"battery": 55, "status": {"batteryLevel": 91}}`)
	require.Len(t, evs, 1)
	assert.Equal(t, 55.0, evs[0].Value)
	assert.Equal(t, "battery", evs[0].SourceField)
}

func TestClassify_BatteryPassthrough(t *testing.T) {
	evs := classify(t, "device/abc/battery", `87`)
	require.Len(t, evs, 1)
	assert.Equal(t, models.TelemetryBatteryLevel, evs[0].Kind)
	assert.Equal(t, 87.0, evs[0].Value)

	evs = classify(t, "device/abc/battery", `{"charging": true}`)
	require.Len(t, evs, 1)
	assert.Equal(t, "battery:raw", evs[0].SourceField)
	assert.Equal(t, map[string]interface{}{"charging": true}, evs[0].Value)
}

func TestClassify_ResponseIsUnknown(t *testing.T) {
	evs := classify(t, "device/abc/response", `{"status": {"req": "ok"}}`)
	require.Len(t, evs, 1)
	assert.Equal(t, models.TelemetryUnknown, evs[0].Kind)
	assert.Equal(t, "response", evs[0].SourceField)
}

func TestClassify_Undecodable(t *testing.T) {
	_, err := NewHeuristicClassifier().Classify("abc", "device/abc/events", []byte("not json"), observed)
	assert.ErrorIs(t, err, ErrUndecodable)
}

func TestIngestor_PublishesToSubscribers(t *testing.T) {
	ing := NewIngestor(nil, zap.NewNop())
	defer ing.Close()
	ing.now = func() time.Time { return observed }

	ch, cancel := ing.Subscribe(4)
	defer cancel()

	ing.HandleMessage("abc", "device/abc/battery", []byte("42"))
	ing.HandleMessage("abc", "device/abc/events", []byte("{broken"))

	select {
	case ev := <-ch:
		assert.Equal(t, 42.0, ev.Value)
		assert.Equal(t, "device/abc/battery", ev.Topic)
		assert.Equal(t, observed, ev.ObservedAt)
	case <-time.After(time.Second):
		t.Fatal("no telemetry event")
	}
	assert.Len(t, ch, 0)
}

func TestIngestor_SlowSubscriberDoesNotBlock(t *testing.T) {
	ing := NewIngestor(nil, zap.NewNop())
	defer ing.Close()

	_, cancel := ing.Subscribe(1)
	defer cancel()

	for i := 0; i < 5; i++ {
		ing.HandleMessage("abc", "device/abc/battery", []byte("42"))
	}
	assert.Equal(t, uint64(4), ing.Dropped())
}

func TestStreamSink_Run(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sink := NewStreamSink(client, "", 100, zap.NewNop())
	assert.Equal(t, DefaultStream, sink.Stream())

	events := make(chan models.TelemetryEvent, 2)
	events <- models.TelemetryEvent{DeviceID: "abc", Kind: models.TelemetryBatteryLevel, Value: 80.0, SourceField: "battery"}
	events <- models.TelemetryEvent{DeviceID: "abc", Kind: models.TelemetryUnknown, Value: "x", SourceField: "state"}
	close(events)

	sink.Run(context.Background(), events)

	msgs, err := rediscommon.ReadStream(context.Background(), client, DefaultStream, "0", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	var ev models.TelemetryEvent
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &ev))
	assert.Equal(t, "abc", ev.DeviceID)
	assert.Equal(t, models.TelemetryBatteryLevel, ev.Kind)
	assert.Equal(t, "battery", ev.SourceField)
}
