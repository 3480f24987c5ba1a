package config

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from a file and environment variables. Env vars
// use the GOCOLLAB prefix with dots replaced by underscores, for example
// GOCOLLAB_SERVER_AUTH_JWTSECRET.
func Load(logger *slog.Logger, fileName string) (*Config, *PermissionRegistry, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".") // look for config in the working directory

	v.SetEnvPrefix("GOCOLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			// Config file was found but another error was produced
			return nil, nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, err
	}
	if len(cfg.Events) == 0 {
		cfg.Events = DefaultEvents()
	}

	perms := NewPermissionRegistry()
	for _, name := range cfg.Permissions {
		if err := perms.Register(name); err != nil {
			return nil, nil, err
		}
	}
	logger.Info("Permission registry loaded", slog.Int("total_permissions", perms.Len()))

	return &cfg, perms, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.auth.jwtSecret", "default-secret-key-change-me")
	v.SetDefault("server.connectionLimit.maxPerUser", 0)
	v.SetDefault("server.connectionLimit.mode", "reject")
	v.SetDefault("server.lockTTL", "5m")
	v.SetDefault("server.defaultPermissions", []string{"read", "write", "lock"})

	v.SetDefault("transport.readTimeout", "0s")
	v.SetDefault("transport.writeTimeout", "10s")

	v.SetDefault("client.url", "ws://localhost:8080/ws")
	v.SetDefault("client.heartbeatInterval", "30s")
	v.SetDefault("client.refreshLead", "60s")
	v.SetDefault("client.reconnectBaseDelay", "1s")
	v.SetDefault("client.reconnectMaxDelay", "30s")
	v.SetDefault("client.reconnectJitter", "1s")
	v.SetDefault("client.maxReconnectAttempts", 5)
	v.SetDefault("client.requestTimeout", "10s")
	v.SetDefault("client.conflictWindow", "500ms")

	v.SetDefault("broker.kind", "memory")
	v.SetDefault("broker.redisAddr", "localhost:6379")
	v.SetDefault("broker.redisChannel", "go-collab:fanout")
}
