package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/triage-telemetry/internal/telemetry"
)

var ErrBadTopic = errors.New("topic does not name a device")

// Receiver is the authenticated ingest entry point of the telemetry service.
type Receiver interface {
	Receive(ctx context.Context, deviceID, apiKey string, in telemetry.SampleInput) (*telemetry.Sample, error)
}

// TelemetryTopic is where a device publishes its samples.
func TelemetryTopic(deviceID string) string {
	return "triage/devices/" + deviceID + "/telemetry"
}

// DeviceIDFromTopic extracts the device id from triage/devices/{id}/telemetry.
func DeviceIDFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[1] != "devices" || parts[3] != "telemetry" || parts[2] == "" {
		return "", fmt.Errorf("%w: %q", ErrBadTopic, topic)
	}
	return parts[2], nil
}

// Ingress feeds device messages through the same authenticator and
// ingestion pipeline as the HTTP endpoint.
type Ingress struct {
	receiver Receiver
	log      *zap.Logger
	timeout  time.Duration
}

func NewIngress(receiver Receiver, log *zap.Logger) *Ingress {
	return &Ingress{receiver: receiver, log: log, timeout: 10 * time.Second}
}

// Handle matches MessageHandler.
func (i *Ingress) Handle(topic string, payload []byte) error {
	deviceID, err := DeviceIDFromTopic(topic)
	if err != nil {
		return err
	}

	p, err := telemetry.DecodePayload(payload)
	if err != nil {
		return err
	}
	in, err := p.Input()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), i.timeout)
	defer cancel()

	sample, err := i.receiver.Receive(ctx, deviceID, p.APIKey, in)
	if err != nil {
		return fmt.Errorf("device %s: %w", deviceID, err)
	}

	i.log.Debug("mqtt sample accepted",
		zap.String("device_id", deviceID),
		zap.Int64("sample_id", sample.ID),
	)
	return nil
}
