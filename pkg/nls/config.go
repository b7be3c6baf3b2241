package nls

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the engine settings.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Workers is the number of reactor goroutines. 0 means GOMAXPROCS.
	Workers           int `env:"NLS_WORKERS" envDefault:"0"`
	EventQueueSize    int `env:"NLS_EVENT_QUEUE_SIZE" envDefault:"1024"`
	MaxConnectRetries int `env:"NLS_MAX_CONNECT_RETRIES" envDefault:"4"`

	// Setup timeouts
	DNSTimeout          time.Duration `env:"NLS_DNS_TIMEOUT" envDefault:"5s"`
	ConnectTimeout      time.Duration `env:"NLS_CONNECT_TIMEOUT" envDefault:"3s"`
	TLSHandshakeTimeout time.Duration `env:"NLS_TLS_HANDSHAKE_TIMEOUT" envDefault:"5s"`

	// Task timeouts
	StartTimeout time.Duration `env:"NLS_START_TIMEOUT" envDefault:"10s"`
	StopTimeout  time.Duration `env:"NLS_STOP_TIMEOUT" envDefault:"10s"`
	CloseTimeout time.Duration `env:"NLS_CLOSE_TIMEOUT" envDefault:"2s"`
	WriteTimeout time.Duration `env:"NLS_WRITE_TIMEOUT" envDefault:"5s"`
	PingTimeout  time.Duration `env:"NLS_PING_TIMEOUT" envDefault:"1s"`
	TickInterval time.Duration `env:"NLS_TICK_INTERVAL" envDefault:"50ms"`

	PreferIPv6         bool `env:"NLS_PREFER_IPV6" envDefault:"false"`
	InsecureSkipVerify bool `env:"NLS_INSECURE_SKIP_VERIFY" envDefault:"false"`

	// Framing and backpressure
	FrameSize       int `env:"NLS_FRAME_SIZE" envDefault:"2048"`
	MaxFramePayload int `env:"NLS_MAX_FRAME_PAYLOAD" envDefault:"16777216"` // 16MB
	Buffer16kLimit  int `env:"NLS_BUFFER_16K_LIMIT" envDefault:"320000"`
	Buffer8kLimit   int `env:"NLS_BUFFER_8K_LIMIT" envDefault:"160000"`

	// Preconnection pool
	PoolEnabled             bool          `env:"NLS_POOL_ENABLED" envDefault:"false"`
	PoolMaxPerKind          int           `env:"NLS_POOL_MAX_PER_KIND" envDefault:"2"`
	PoolPreconnectedTimeout time.Duration `env:"NLS_POOL_PRECONNECTED_TIMEOUT" envDefault:"15s"`
	PoolPrestartedTimeout   time.Duration `env:"NLS_POOL_PRESTARTED_TIMEOUT" envDefault:"10s"`
	PoolSweepInterval       time.Duration `env:"NLS_POOL_SWEEP_INTERVAL" envDefault:"1500ms"`
	PoolReplaceRate         float64       `env:"NLS_POOL_REPLACE_RATE" envDefault:"10"`
	PoolReplaceBurst        int           `env:"NLS_POOL_REPLACE_BURST" envDefault:"4"`

	// Logging
	LogLevel  string `env:"NLS_LOG_LEVEL" envDefault:"INFO"`
	LogPretty bool   `env:"NLS_LOG_PRETTY" envDefault:"false"`
}

// NewConfig returns the defaults without consulting the environment.
func NewConfig() *Config {
	cfg := &Config{}
	// Only defaults are applied, the parse cannot fail.
	_ = env.ParseWithOptions(cfg, env.Options{Environment: map[string]string{}})
	return cfg
}

// LoadConfig reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
func LoadConfig() (*Config, error) {
	// Optional, environment variables alone are fine
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if issues := cfg.Validate(); len(issues) > 0 {
		return nil, NewConfigError(fmt.Sprintf("config validation failed: %v", issues))
	}
	return cfg, nil
}

// Validate returns list of issues
func (c *Config) Validate() []string {
	issues := []string{}

	if c.Workers < 0 {
		issues = append(issues, fmt.Sprintf("NLS_WORKERS must be >= 0, got %d", c.Workers))
	}
	if c.EventQueueSize < 1 {
		issues = append(issues, fmt.Sprintf("NLS_EVENT_QUEUE_SIZE must be > 0, got %d", c.EventQueueSize))
	}
	if c.MaxConnectRetries < 1 {
		issues = append(issues, fmt.Sprintf("NLS_MAX_CONNECT_RETRIES must be > 0, got %d", c.MaxConnectRetries))
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"NLS_DNS_TIMEOUT", c.DNSTimeout},
		{"NLS_CONNECT_TIMEOUT", c.ConnectTimeout},
		{"NLS_TLS_HANDSHAKE_TIMEOUT", c.TLSHandshakeTimeout},
		{"NLS_START_TIMEOUT", c.StartTimeout},
		{"NLS_STOP_TIMEOUT", c.StopTimeout},
		{"NLS_CLOSE_TIMEOUT", c.CloseTimeout},
		{"NLS_WRITE_TIMEOUT", c.WriteTimeout},
		{"NLS_PING_TIMEOUT", c.PingTimeout},
		{"NLS_TICK_INTERVAL", c.TickInterval},
	}
	for _, d := range durations {
		if d.d <= 0 {
			issues = append(issues, fmt.Sprintf("%s must be positive, got %s", d.name, d.d))
		}
	}

	if c.FrameSize < 1 || c.FrameSize > c.MaxFramePayload {
		issues = append(issues, fmt.Sprintf("NLS_FRAME_SIZE must be in 1..%d, got %d", c.MaxFramePayload, c.FrameSize))
	}
	if c.Buffer16kLimit < c.FrameSize || c.Buffer8kLimit < c.FrameSize {
		issues = append(issues, "buffer limits must hold at least one frame")
	}

	if c.PoolEnabled {
		if c.PoolMaxPerKind < 1 {
			issues = append(issues, fmt.Sprintf("NLS_POOL_MAX_PER_KIND must be > 0, got %d", c.PoolMaxPerKind))
		}
		if c.PoolPreconnectedTimeout <= 0 || c.PoolPrestartedTimeout <= 0 || c.PoolSweepInterval <= 0 {
			issues = append(issues, "pool timeouts must be positive")
		}
	}

	if _, ok := lookupLogLevel(c.LogLevel); !ok {
		issues = append(issues, fmt.Sprintf("Invalid log level: %s", c.LogLevel))
	}

	return issues
}

// bufferLimit is the audio backlog ceiling for a sample rate.
func (c *Config) bufferLimit(sampleRate int) int64 {
	if sampleRate == 16000 {
		return int64(c.Buffer16kLimit)
	}
	return int64(c.Buffer8kLimit)
}

func (c *Config) PrintConfig() {
	fmt.Println("NLS SDK Configuration")
	fmt.Println("==================================================")
	fmt.Printf("Workers: %d\n", c.Workers)
	fmt.Printf("Event Queue Size: %d\n", c.EventQueueSize)
	fmt.Printf("Max Connect Retries: %d\n", c.MaxConnectRetries)
	fmt.Printf("DNS / Connect / TLS Timeout: %s / %s / %s\n", c.DNSTimeout, c.ConnectTimeout, c.TLSHandshakeTimeout)
	fmt.Printf("Start / Stop / Close Timeout: %s / %s / %s\n", c.StartTimeout, c.StopTimeout, c.CloseTimeout)
	fmt.Printf("Prefer IPv6: %t\n", c.PreferIPv6)
	fmt.Printf("Frame Size: %d\n", c.FrameSize)
	fmt.Printf("Buffer Limits (16k / 8k): %d / %d\n", c.Buffer16kLimit, c.Buffer8kLimit)
	fmt.Printf("Pool Enabled: %t\n", c.PoolEnabled)
	if c.PoolEnabled {
		fmt.Printf("Pool Max Per Kind: %d\n", c.PoolMaxPerKind)
		fmt.Printf("Pool Timeouts (preconnected / prestarted): %s / %s\n", c.PoolPreconnectedTimeout, c.PoolPrestartedTimeout)
		fmt.Printf("Pool Sweep Interval: %s\n", c.PoolSweepInterval)
	}
	fmt.Printf("Log Level: %s\n", c.LogLevel)
}
