package main

import (
	"testing"
	"time"

	"github.com/a-essam23/go-collab/pkg/config"
	"github.com/go-playground/assert/v2"
)

func TestClientSettingsFromConfig(t *testing.T) {
	cfg := &config.Config{
		Transport: config.TransportConfig{WriteTimeout: 3 * time.Second},
		Client: config.ClientConfig{
			URL:                  "ws://localhost:8080/ws",
			HeartbeatInterval:    15 * time.Second,
			ReconnectBaseDelay:   500 * time.Millisecond,
			ReconnectMaxDelay:    10 * time.Second,
			MaxReconnectAttempts: 3,
			RequestTimeout:       2 * time.Second,
			ConflictWindow:       time.Second,
		},
	}

	s := clientSettings(cfg)
	assert.Equal(t, s.URL, "ws://localhost:8080/ws")
	assert.Equal(t, s.HeartbeatInterval, 15*time.Second)
	assert.Equal(t, s.BaseDelay, 500*time.Millisecond)
	assert.Equal(t, s.MaxDelay, 10*time.Second)
	assert.Equal(t, s.MaxReconnectAttempts, 3)
	assert.Equal(t, s.Transport.WriteTimeout, 3*time.Second)

	assert.Equal(t, clientEngine(cfg).ConflictWindow(), time.Second)
}
