package telemetry

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
)

var (
	ErrUnknownDevice     = errors.New("unknown device")
	ErrInvalidCredential = errors.New("invalid device credential")
	ErrDeviceInactive    = errors.New("device is inactive")
)

// Authenticator validates device credentials. It never writes: last_seen is
// refreshed by the ingestion transaction only after the sample commits.
type Authenticator struct {
	devices DeviceStore
}

func NewAuthenticator(devices DeviceStore) *Authenticator {
	return &Authenticator{devices: devices}
}

func (a *Authenticator) Authenticate(ctx context.Context, deviceID, apiKey string) (*Device, error) {
	if deviceID == "" {
		return nil, ErrUnknownDevice
	}

	dev, err := a.devices.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return nil, ErrUnknownDevice
		}
		return nil, fmt.Errorf("load device: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(dev.APIKey), []byte(apiKey)) != 1 {
		return nil, ErrInvalidCredential
	}
	if !dev.Active {
		return nil, ErrDeviceInactive
	}

	return dev, nil
}
