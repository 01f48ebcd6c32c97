package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "RANKBRIDGE"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "data/rankbridge.db"
	defaultPolicyPath       = "config/servers.json"
	defaultLogLevel         = "info"
	defaultRatePerMinute    = 30
	defaultGatewayTimeoutMS = 10000
)

// AppConfig captures runtime configuration for the rankbridge service.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	PolicyPath       string
	LogLevel         string
	AdminSecret      string
	RobloxRatePerMin int
	GatewayBaseURL   string
	GatewayToken     string
	GatewayTimeoutMS int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("policy.path", defaultPolicyPath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("roblox.rate_limit_per_minute", defaultRatePerMinute)
	configViper.SetDefault("gateway.timeout_ms", defaultGatewayTimeoutMS)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		PolicyPath:       configViper.GetString("policy.path"),
		LogLevel:         configViper.GetString("log.level"),
		AdminSecret:      configViper.GetString("admin.signing_secret"),
		RobloxRatePerMin: configViper.GetInt("roblox.rate_limit_per_minute"),
		GatewayBaseURL:   configViper.GetString("gateway.base_url"),
		GatewayToken:     configViper.GetString("gateway.token"),
		GatewayTimeoutMS: configViper.GetInt("gateway.timeout_ms"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AdminSecret) == "" {
		return fmt.Errorf("admin.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.PolicyPath) == "" {
		return fmt.Errorf("policy.path is required")
	}
	if strings.TrimSpace(c.GatewayBaseURL) == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	if c.RobloxRatePerMin <= 0 {
		return fmt.Errorf("roblox.rate_limit_per_minute must be positive")
	}
	return nil
}
