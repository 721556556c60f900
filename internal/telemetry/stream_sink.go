package telemetry

import (
	"context"
	"fmt"

	rediscommon "yoto-remote/common/redis"
	"yoto-remote/internal/models"

	"go.uber.org/zap"
)

// DefaultStream Redis stream that mirrors telemetry events.
const DefaultStream = "yoto:telemetry:stream"

// StreamSink appends telemetry events to a Redis stream.
type StreamSink struct {
	client *rediscommon.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewStreamSink creates a sink. maxLen <= 0 leaves the stream untrimmed.
func NewStreamSink(client *rediscommon.Client, stream string, maxLen int64, logger *zap.Logger) *StreamSink {
	if stream == "" {
		stream = DefaultStream
	}
	return &StreamSink{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logger,
	}
}

// Stream name of the target stream.
func (s *StreamSink) Stream() string {
	return s.stream
}

// Write appends one event.
func (s *StreamSink) Write(ctx context.Context, ev models.TelemetryEvent) (string, error) {
	id, err := rediscommon.PublishJSONToStream(ctx, s.client, s.stream, ev, s.maxLen)
	if err != nil {
		return "", fmt.Errorf("failed to publish telemetry to %s: %w", s.stream, err)
	}
	return id, nil
}

// Run drains events into the stream until ctx is done or events is closed.
// Write failures are logged; the event is lost.
func (s *StreamSink) Run(ctx context.Context, events <-chan models.TelemetryEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			id, err := s.Write(ctx, ev)
			if err != nil {
				s.logger.Error("Failed to mirror telemetry event",
					zap.String("device_id", ev.DeviceID),
					zap.String("stream", s.stream),
					zap.Error(err),
				)
				continue
			}
			s.logger.Debug("Mirrored telemetry event",
				zap.String("device_id", ev.DeviceID),
				zap.String("stream", s.stream),
				zap.String("stream_id", id),
			)
		}
	}
}
