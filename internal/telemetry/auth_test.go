package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type deviceMap map[string]Device

func (m deviceMap) GetDevice(_ context.Context, id string) (*Device, error) {
	d, ok := m[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return &d, nil
}

type failingDevices struct{}

func (failingDevices) GetDevice(context.Context, string) (*Device, error) {
	return nil, errors.New("connection refused")
}

func TestAuthenticate(t *testing.T) {
	auth := NewAuthenticator(deviceMap{
		"wrist-1": {ID: "wrist-1", APIKey: "s3cret", Active: true},
		"wrist-2": {ID: "wrist-2", APIKey: "other", Active: false},
	})
	ctx := context.Background()

	dev, err := auth.Authenticate(ctx, "wrist-1", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "wrist-1", dev.ID)
	assert.Nil(t, dev.LastSeen)

	_, err = auth.Authenticate(ctx, "", "s3cret")
	assert.ErrorIs(t, err, ErrUnknownDevice)

	_, err = auth.Authenticate(ctx, "ghost", "s3cret")
	assert.ErrorIs(t, err, ErrUnknownDevice)

	_, err = auth.Authenticate(ctx, "wrist-1", "S3CRET")
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = auth.Authenticate(ctx, "wrist-2", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredential, "credential is checked before activity")

	_, err = auth.Authenticate(ctx, "wrist-2", "other")
	assert.ErrorIs(t, err, ErrDeviceInactive)
}

func TestAuthenticate_StoreFailure(t *testing.T) {
	_, err := NewAuthenticator(failingDevices{}).Authenticate(context.Background(), "wrist-1", "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownDevice)
}
