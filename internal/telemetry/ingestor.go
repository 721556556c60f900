package telemetry

import (
	"time"

	"yoto-remote/internal/events"
	"yoto-remote/internal/models"

	"go.uber.org/zap"
)

// Ingestor classifies inbound device messages and fans the events out.
// HandleMessage has the connection.InboundHandler signature.
type Ingestor struct {
	classifier Classifier
	hub        *events.Hub[models.TelemetryEvent]
	logger     *zap.Logger
	now        func() time.Time
}

// NewIngestor creates an ingestor. A nil classifier means HeuristicClassifier.
func NewIngestor(classifier Classifier, logger *zap.Logger) *Ingestor {
	if classifier == nil {
		classifier = NewHeuristicClassifier()
	}
	return &Ingestor{
		classifier: classifier,
		hub:        events.NewHub[models.TelemetryEvent](),
		logger:     logger,
		now:        time.Now,
	}
}

// HandleMessage classifies one message and publishes the result. It never blocks;
// undecodable payloads are logged and dropped.
func (i *Ingestor) HandleMessage(deviceID, topic string, payload []byte) {
	evs, err := i.classifier.Classify(deviceID, topic, payload, i.now())
	if err != nil {
		i.logger.Warn("Dropping telemetry message",
			zap.String("device_id", deviceID),
			zap.String("topic", topic),
			zap.Int("payload_size", len(payload)),
			zap.Error(err),
		)
		return
	}

	for _, ev := range evs {
		i.logger.Debug("Telemetry event",
			zap.String("device_id", ev.DeviceID),
			zap.String("kind", string(ev.Kind)),
			zap.String("source_field", ev.SourceField),
			zap.Any("value", ev.Value),
		)
		i.hub.Publish(ev)
	}
}

// Subscribe returns a telemetry stream and its cancel func.
func (i *Ingestor) Subscribe(buffer int) (<-chan models.TelemetryEvent, func()) {
	return i.hub.Subscribe(buffer)
}

// Dropped events lost to slow subscribers.
func (i *Ingestor) Dropped() uint64 {
	return i.hub.Dropped()
}

// Close ends every subscription.
func (i *Ingestor) Close() {
	i.hub.Close()
}
