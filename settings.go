// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transit

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is the prefix of every environment variable read by Transit.
const EnvPrefix = "TRANSIT_"

// Settings are process-level options read once from the environment. They
// cover what cannot change without a restart; routing lives in Config.
type Settings struct {
	ConfigFile string `env:"CONFIG_FILE" envDefault:"config.yml"`

	// Observability
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"text"`
	LogEvents   bool   `env:"LOG_EVENTS"   envDefault:"false"`
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`

	// Connection lifecycle
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT"  envDefault:"30s"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"15s"`
	LoginTimeout     time.Duration `env:"LOGIN_TIMEOUT"     envDefault:"15s"`
	DialTimeout      time.Duration `env:"DIAL_TIMEOUT"      envDefault:"10s"`

	// Resource limits
	SendBufferLimit  int `env:"SEND_BUFFER_LIMIT"  envDefault:"16777216"`
	ProxyHeaderLimit int `env:"PROXY_HEADER_LIMIT" envDefault:"576"`
	MaxGoroutines    int `env:"MAX_GOROUTINES"     envDefault:"50000"`
	MaxConnections   int `env:"MAX_CONNECTIONS"    envDefault:"10000"`

	// Circuit breaker, per backend address
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`

	// Login rate limiting, per origin IP. A zero capacity disables it.
	RateLimitCapacity int64 `env:"RATE_LIMIT_CAPACITY" envDefault:"0"`
	RateLimitRefill   int64 `env:"RATE_LIMIT_REFILL"   envDefault:"1"`
}

// NewSettings parses Settings from the environment.
func NewSettings(opts env.Options) (Settings, error) {
	var s Settings
	if err := env.ParseWithOptions(&s, opts); err != nil {
		return Settings{}, err
	}
	return s, nil
}
