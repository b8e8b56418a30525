package config

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// APIConfig contains the HTTP API and live stream settings. The API is
// disabled unless Enabled is set.
type APIConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Port           int           `yaml:"port"`
	Host           string        `yaml:"host"`
	AuthToken      string        `yaml:"auth_token"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

func (a *APIConfig) applyDefaults() {
	if a.Port == 0 {
		a.Port = 8081
	}
	if a.Host == "" {
		a.Host = "localhost"
	}
	if a.ReadTimeout == 0 {
		a.ReadTimeout = 60 * time.Second
	}
	if a.WriteTimeout == 0 {
		a.WriteTimeout = 10 * time.Second
	}
}

func (a *APIConfig) validate() error {
	if !a.Enabled {
		return nil
	}
	if a.Port < 1 || a.Port > 65535 {
		return fmt.Errorf("api port must be between 1 and 65535")
	}
	if a.AuthToken == "" {
		return fmt.Errorf("api auth token is required")
	}
	return nil
}

// Addr returns the listen address
func (a APIConfig) Addr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}
