// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicclient

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

const envConfigFile = "MQTT_QUIC_CONFIG_FILE"

const defaultConfigPath = "/etc/mqtt-quic/client.toml"

// FileConfig is the optional TOML overlay described in SPEC_FULL.md
// §6: operator-set defaults. The CA file and CA path can still be
// overridden by their environment variables (see ApplyDefaults);
// connect_timeout has no environment override, and alpn is decoded
// but not read anywhere in this module. A missing file is not an error — this
// mirrors the teacher's cmd/dtnd tomlConfig block, scaled down to
// this package's own handful of settings.
type FileConfig struct {
	TLS struct {
		CAFile string `toml:"ca_file"`
		CAPath string `toml:"ca_path"`
	} `toml:"tls"`

	Client struct {
		ALPN           string `toml:"alpn"`
		ConnectTimeout string `toml:"connect_timeout"`
	} `toml:"client"`
}

// LoadFileConfig reads the TOML overlay named by MQTT_QUIC_CONFIG_FILE
// (default defaultConfigPath). It returns a zero-value FileConfig,
// not an error, when no file is present at the resolved path.
func LoadFileConfig() (*FileConfig, error) {
	path := os.Getenv(envConfigFile)
	if path == "" {
		path = defaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return &FileConfig{}, nil
		}
		return nil, err
	}

	var cfg FileConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	log.WithField("file", path).Debug("loaded optional client config overlay")
	return &cfg, nil
}

// ApplyDefaults copies any unset MQTT_QUIC_CA_FILE/MQTT_QUIC_CA_PATH
// environment variables from the file overlay — env vars always win,
// per spec.md §6.
func (fc *FileConfig) ApplyDefaults() {
	if fc == nil {
		return
	}
	if os.Getenv(envCAFile) == "" && fc.TLS.CAFile != "" {
		_ = os.Setenv(envCAFile, fc.TLS.CAFile)
	}
	if os.Getenv(envCAPath) == "" && fc.TLS.CAPath != "" {
		_ = os.Setenv(envCAPath, fc.TLS.CAPath)
	}
}

// ConnectTimeout parses the optional connect_timeout field, falling
// back to the façade's built-in 15s cap when unset or unparsable.
func (fc *FileConfig) ConnectTimeout() time.Duration {
	if fc == nil || fc.Client.ConnectTimeout == "" {
		return connectTimeout
	}
	d, err := time.ParseDuration(fc.Client.ConnectTimeout)
	if err != nil {
		log.WithError(err).WithField("value", fc.Client.ConnectTimeout).Warn("invalid connect_timeout in config overlay, using default")
		return connectTimeout
	}
	return d
}
