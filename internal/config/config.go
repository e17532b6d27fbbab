// Package config loads the host configuration consumed by the streaming
// core.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/lumenhost/lumen/internal/bitratectl"
)

// Video encryption modes for the media streams.
const (
	EncryptionModeNever         = 0
	EncryptionModeOpportunistic = 1
	EncryptionModeMandatory     = 2
)

// Config is the host configuration. Unknown keys in the file are
// ignored; missing keys keep their defaults.
type Config struct {
	// Port is the base port; the streams bind at fixed offsets from it.
	Port int `json:"port"`

	// AddressFamily selects "ipv4" or "both".
	AddressFamily string `json:"address_family"`

	LogLevel string `json:"log_level"`

	// PingTimeoutMs drops a session whose control pings stop.
	PingTimeoutMs int `json:"ping_timeout"`

	// HandshakeTimeoutMs bounds STARTING -> RUNNING.
	HandshakeTimeoutMs int `json:"handshake_timeout"`

	FECPercentage int `json:"fec_percentage"`

	LANEncryptionMode int `json:"lan_encryption_mode"`
	WANEncryptionMode int `json:"wan_encryption_mode"`

	// BitrateStatsInterval is the number of LOSS_STATS reports per
	// BITRATE_STATS emission.
	BitrateStatsInterval int `json:"bitrate_stats_interval"`

	IgnoreEncoderProbeFailure bool `json:"ignore_encoder_probe_failure"`

	// AutoBitrate carries the controller tunables; its keys sit at the
	// top level of the config file.
	AutoBitrate bitratectl.Settings
}

// Default returns the shipped defaults.
func Default() Config {
	return Config{
		Port:                 47989,
		AddressFamily:        "ipv4",
		LogLevel:             "info",
		PingTimeoutMs:        10000,
		HandshakeTimeoutMs:   10000,
		FECPercentage:        20,
		LANEncryptionMode:    EncryptionModeNever,
		WANEncryptionMode:    EncryptionModeOpportunistic,
		BitrateStatsInterval: 20,
		AutoBitrate:          bitratectl.DefaultSettings(),
	}
}

// Load reads the config file over the defaults. A missing file is not an
// error; the defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// The controller keys share the top level of the file.
	if err := json.Unmarshal(data, &cfg.AutoBitrate); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
