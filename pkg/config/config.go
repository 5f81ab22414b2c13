/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix for environment variables used to configure the client
	EnvPrefix = "RTC_"
)

// Config holds all configuration for the realtime client
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Auth         AuthConfig         `koanf:"auth"`
	Reachability ReachabilityConfig `koanf:"reachability"`
	Connection   ConnectionConfig   `koanf:"connection"`
	Queue        QueueConfig        `koanf:"queue"`
	Presence     PresenceConfig     `koanf:"presence"`
	Admin        AdminConfig        `koanf:"admin"`
	Metrics      MetricsConfig      `koanf:"metrics"`
	Logging      LoggingConfig      `koanf:"logging"`
}

// ServerConfig describes the messaging server endpoints
type ServerConfig struct {
	BaseURL            string        `koanf:"base_url"`   // REST base, e.g. https://api.example.com/v1
	StreamURL          string        `koanf:"stream_url"` // websocket endpoint, e.g. wss://api.example.com/v1/stream
	RequestTimeout     time.Duration `koanf:"request_timeout"`
	InsecureSkipVerify bool          `koanf:"insecure_skip_verify"`
	ShutdownTimeout    time.Duration `koanf:"shutdown_timeout"`
}

// AuthConfig holds the session credential and what is needed to refresh it
type AuthConfig struct {
	SessionToken  string        `koanf:"session_token"`
	IdentityToken string        `koanf:"identity_token"`
	AppID         string        `koanf:"app_id"`
	RefreshSkew   time.Duration `koanf:"refresh_skew"`
}

// ReachabilityConfig tunes the online/offline detector
type ReachabilityConfig struct {
	// SilenceThreshold is how long without any server data before the client
	// considers itself offline. Sized to tolerate ~3 missed 30s heartbeats.
	SilenceThreshold time.Duration `koanf:"silence_threshold"`
	ProbeInitial     time.Duration `koanf:"probe_initial"`
	ProbeMax         time.Duration `koanf:"probe_max"`
	ProbeTimeout     time.Duration `koanf:"probe_timeout"`
}

// ConnectionConfig tunes the persistent stream session
type ConnectionConfig struct {
	ReconnectInitial    time.Duration `koanf:"reconnect_initial"`
	ReconnectMax        time.Duration `koanf:"reconnect_max"`
	ReconnectJitter     float64       `koanf:"reconnect_jitter"`
	PingInterval        time.Duration `koanf:"ping_interval"`
	PingTimeout         time.Duration `koanf:"ping_timeout"`
	HandshakeTimeout    time.Duration `koanf:"handshake_timeout"`
	RequestTimeout      time.Duration `koanf:"request_timeout"`
	MaxReauthPerAttempt int           `koanf:"max_reauth_per_attempt"`
}

// QueueConfig tunes the retry queue
type QueueConfig struct {
	RetryInitial   time.Duration `koanf:"retry_initial"`
	RetryMax       time.Duration `koanf:"retry_max"`
	MaxAttempts    int           `koanf:"max_attempts"`
	MaxAuthRetries int           `koanf:"max_auth_retries"`
	CORSThreshold  int           `koanf:"cors_threshold"`
}

// PresenceConfig seeds the presence state announced on (re)connect
type PresenceConfig struct {
	Status   string   `koanf:"status"`
	Followed []string `koanf:"followed"`
}

// AdminConfig holds the local admin/status API configuration
type AdminConfig struct {
	Enabled bool `koanf:"enabled"`
	Port    int  `koanf:"port"`
}

// MetricsConfig holds Prometheus metrics server configuration
type MetricsConfig struct {
	// Enabled indicates whether the metrics server should be started
	Enabled bool `koanf:"enabled"`

	// Port is the port for the metrics HTTP server
	Port int `koanf:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "json" or "console"
}

// LoadConfig loads configuration from file and environment variables.
// An empty configPath skips the file and uses defaults plus environment.
func LoadConfig(configPath string) (*Config, error) {
	cfg := defaultConfig()

	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Unmarshal into Config struct with DecodeHook for duration strings
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// envKeyMapper maps RTC_ prefixed variables onto config keys
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	s = strings.ToLower(s)

	switch s {
	case "base_url":
		return "server.base_url"
	case "stream_url":
		return "server.stream_url"
	case "session_token":
		return "auth.session_token"
	case "identity_token":
		return "auth.identity_token"
	default:
		// "__" is a literal underscore, "_" is a key separator
		s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
		s = strings.ReplaceAll(s, "_", ".")
		s = strings.ReplaceAll(s, "%UNDERSCORE%", "_")
		return s
	}
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:         "https://localhost:9443/v1",
			StreamURL:       "wss://localhost:9443/v1/stream",
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Auth: AuthConfig{
			RefreshSkew: 30 * time.Second,
		},
		Reachability: ReachabilityConfig{
			SilenceThreshold: 100 * time.Second,
			ProbeInitial:     time.Second,
			ProbeMax:         60 * time.Second,
			ProbeTimeout:     10 * time.Second,
		},
		Connection: ConnectionConfig{
			ReconnectInitial:    time.Second,
			ReconnectMax:        30 * time.Second,
			PingInterval:        30 * time.Second,
			PingTimeout:         10 * time.Second,
			HandshakeTimeout:    10 * time.Second,
			RequestTimeout:      30 * time.Second,
			MaxReauthPerAttempt: 1,
		},
		Queue: QueueConfig{
			RetryInitial:   time.Second,
			RetryMax:       60 * time.Second,
			MaxAttempts:    20,
			MaxAuthRetries: 3,
			CORSThreshold:  3,
		},
		Presence: PresenceConfig{
			Status: "available",
		},
		Admin: AdminConfig{
			Enabled: true,
			Port:    9094,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9095,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if err := c.validateServerConfig(); err != nil {
		return err
	}

	if err := c.validateReachabilityConfig(); err != nil {
		return err
	}

	if err := c.validateConnectionConfig(); err != nil {
		return err
	}

	if err := c.validateQueueConfig(); err != nil {
		return err
	}

	if c.Admin.Enabled && (c.Admin.Port < 1 || c.Admin.Port > 65535) {
		return fmt.Errorf("admin.port must be between 1 and 65535, got: %d", c.Admin.Port)
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got: %d", c.Metrics.Port)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, got: %s", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be either 'json' or 'console', got: %s", c.Logging.Format)
	}

	return nil
}

func (c *Config) validateServerConfig() error {
	base, err := url.Parse(c.Server.BaseURL)
	if err != nil || base.Host == "" {
		return fmt.Errorf("server.base_url must be an absolute URL, got: %q", c.Server.BaseURL)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return fmt.Errorf("server.base_url scheme must be http or https, got: %s", base.Scheme)
	}

	stream, err := url.Parse(c.Server.StreamURL)
	if err != nil || stream.Host == "" {
		return fmt.Errorf("server.stream_url must be an absolute URL, got: %q", c.Server.StreamURL)
	}
	if stream.Scheme != "ws" && stream.Scheme != "wss" {
		return fmt.Errorf("server.stream_url scheme must be ws or wss, got: %s", stream.Scheme)
	}

	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be positive, got: %s", c.Server.RequestTimeout)
	}

	return nil
}

func (c *Config) validateReachabilityConfig() error {
	r := c.Reachability
	if r.SilenceThreshold <= 0 {
		return fmt.Errorf("reachability.silence_threshold must be positive, got: %s", r.SilenceThreshold)
	}
	if r.ProbeInitial <= 0 {
		return fmt.Errorf("reachability.probe_initial must be positive, got: %s", r.ProbeInitial)
	}
	if r.ProbeMax < r.ProbeInitial {
		return fmt.Errorf("reachability.probe_max (%s) must be >= reachability.probe_initial (%s)", r.ProbeMax, r.ProbeInitial)
	}
	if r.ProbeTimeout <= 0 {
		return fmt.Errorf("reachability.probe_timeout must be positive, got: %s", r.ProbeTimeout)
	}
	return nil
}

func (c *Config) validateConnectionConfig() error {
	cc := c.Connection
	if cc.ReconnectInitial <= 0 {
		return fmt.Errorf("connection.reconnect_initial must be positive, got: %s", cc.ReconnectInitial)
	}
	if cc.ReconnectMax <= 0 {
		return fmt.Errorf("connection.reconnect_max must be positive, got: %s", cc.ReconnectMax)
	}
	if cc.ReconnectInitial > cc.ReconnectMax {
		return fmt.Errorf("connection.reconnect_initial (%s) must be <= connection.reconnect_max (%s)", cc.ReconnectInitial, cc.ReconnectMax)
	}
	if cc.ReconnectJitter < 0 || cc.ReconnectJitter >= 1 {
		return fmt.Errorf("connection.reconnect_jitter must be in [0, 1), got: %v", cc.ReconnectJitter)
	}
	if cc.PingInterval <= 0 {
		return fmt.Errorf("connection.ping_interval must be positive, got: %s", cc.PingInterval)
	}
	if cc.PingTimeout <= 0 || cc.PingTimeout >= cc.PingInterval {
		return fmt.Errorf("connection.ping_timeout must be positive and shorter than connection.ping_interval, got: %s", cc.PingTimeout)
	}
	if cc.MaxReauthPerAttempt < 0 {
		return fmt.Errorf("connection.max_reauth_per_attempt must not be negative, got: %d", cc.MaxReauthPerAttempt)
	}
	return nil
}

func (c *Config) validateQueueConfig() error {
	q := c.Queue
	if q.RetryInitial <= 0 {
		return fmt.Errorf("queue.retry_initial must be positive, got: %s", q.RetryInitial)
	}
	if q.RetryMax < q.RetryInitial {
		return fmt.Errorf("queue.retry_max (%s) must be >= queue.retry_initial (%s)", q.RetryMax, q.RetryInitial)
	}
	if q.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1, got: %d", q.MaxAttempts)
	}
	if q.MaxAuthRetries < 0 {
		return fmt.Errorf("queue.max_auth_retries must not be negative, got: %d", q.MaxAuthRetries)
	}
	if q.CORSThreshold < 1 {
		return fmt.Errorf("queue.cors_threshold must be at least 1, got: %d", q.CORSThreshold)
	}
	return nil
}
