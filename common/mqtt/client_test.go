package mqtt

import (
	"errors"
	"fmt"
	"testing"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAuthError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", ErrNotAuthorized, true},
		{"wrapped sentinel", fmt.Errorf("%w: refused", ErrNotAuthorized), true},
		{"bad credentials packet", packets.ErrorRefusedBadUsernameOrPassword, true},
		{"not authorised packet", packets.ErrorRefusedNotAuthorised, true},
		{"websocket 401", errors.New("websocket: bad handshake (HTTP 401)"), true},
		{"forbidden", errors.New("Forbidden"), true},
		{"timeout", ErrConnectTimeout, false},
		{"network", errors.New("dial tcp 10.0.0.1:443: connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsAuthError(tt.err))
		})
	}
}

func TestDefaultTLSConfig(t *testing.T) {
	cfg := defaultTLSConfig("wss://broker.example.com/mqtt")
	require.NotNil(t, cfg)
	assert.Empty(t, cfg.NextProtos)

	cfg = defaultTLSConfig("tls://broker.example.com:443")
	require.NotNil(t, cfg)
	assert.Equal(t, []string{"mqtt"}, cfg.NextProtos)

	cfg = defaultTLSConfig("ssl://broker.example.com:8883")
	require.NotNil(t, cfg)
	assert.Empty(t, cfg.NextProtos)

	assert.Nil(t, defaultTLSConfig("tcp://localhost:1883"))
}
