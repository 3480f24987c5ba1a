package config

import (
	"time"

	"github.com/a-essam23/go-collab/pkg/pipeline"
)

type Config struct {
	Server      ServerConfig
	Transport   TransportConfig
	Client      ClientConfig
	Broker      BrokerConfig
	Events      map[string]EventConfig `mapstructure:"events"`
	Permissions []string               `mapstructure:"permissions"`

	// Compiled from Events, keyed by envelope type.
	Pipelines map[string][]pipeline.Step `mapstructure:"-"`
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
	LockTTL         time.Duration         `mapstructure:"lockTTL"`
	// permissions granted when a token carries no perms claim
	DefaultPermissions []string `mapstructure:"defaultPermissions"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

// field-for-field convertible to transport.ConnectionConfig
type TransportConfig struct {
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

type ClientConfig struct {
	URL                  string        `mapstructure:"url"`
	Token                string        `mapstructure:"token"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeatInterval"`
	RefreshLead          time.Duration `mapstructure:"refreshLead"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnectBaseDelay"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnectMaxDelay"`
	ReconnectJitter      time.Duration `mapstructure:"reconnectJitter"`
	MaxReconnectAttempts int           `mapstructure:"maxReconnectAttempts"`
	RequestTimeout       time.Duration `mapstructure:"requestTimeout"`
	ConflictWindow       time.Duration `mapstructure:"conflictWindow"`
}

type BrokerConfig struct {
	Kind         string `mapstructure:"kind"` // "memory" or "redis"
	RedisAddr    string `mapstructure:"redisAddr"`
	RedisChannel string `mapstructure:"redisChannel"`
}

// EventConfig lists the modifiers run before an envelope type's handler.
type EventConfig struct {
	Modifiers []ModifierConfig `mapstructure:"modifiers"`
}

type ModifierConfig struct {
	Name   string   `mapstructure:"name"`
	Params []string `mapstructure:"params"`
}
