package config

import (
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/risa-org/chatmux/logging"
)

const (
	EnvIdentifiedURL   = "CHATMUX_IDENTIFIED_URL"
	EnvUnidentifiedURL = "CHATMUX_UNIDENTIFIED_URL"
	EnvProxyURL        = "CHATMUX_PROXY_URL"
)

// Transport names accepted in channel sections.
const (
	TransportWebSocket = "websocket"
	TransportTCP       = "tcp"
)

// Channel configures one logical channel's endpoint.
type Channel struct {
	URL       string            `toml:"url"`
	Transport string            `toml:"transport"`
	Headers   map[string]string `toml:"headers"`
}

// KeepAlive holds the background hold-open windows per reason.
type KeepAlive struct {
	PushReceived     time.Duration `toml:"push_received"`
	MessageReceived  time.Duration `toml:"message_received"`
	ResponseReceived time.Duration `toml:"response_received"`
}

// Timing holds every timer the engines arm.
type Timing struct {
	RequestTimeout    time.Duration `toml:"request_timeout"`
	ConnectTimeout    time.Duration `toml:"connect_timeout"`
	WriteTimeout      time.Duration `toml:"write_timeout"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
	ReconnectInterval time.Duration `toml:"reconnect_interval"`
	BackgroundPoll    time.Duration `toml:"background_poll"`
	OpenWaitTimeout   time.Duration `toml:"open_wait_timeout"`
	KeepAlive         KeepAlive     `toml:"keep_alive"`
}

// Backoff defines reconnect backoff after socket failures.
type Backoff struct {
	InitialDelay time.Duration `toml:"initial_delay"`
	Multiplier   float64       `toml:"multiplier"`
	MaxDelay     time.Duration `toml:"max_delay"`
	Jitter       bool          `toml:"jitter"`
}

// Config is the whole multiplexer configuration.
type Config struct {
	Identified    Channel        `toml:"identified"`
	Unidentified  Channel        `toml:"unidentified"`
	ProxyURL      string         `toml:"proxy_url"`
	KeepalivePath string         `toml:"keepalive_path"`
	MaxFrameSize  int            `toml:"max_frame_size"`
	Timing        Timing         `toml:"timing"`
	Backoff       Backoff        `toml:"backoff"`
	Log           logging.Config `toml:"log"`
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		Identified: Channel{
			URL:       "wss://chat.signal.org/v1/websocket/",
			Transport: TransportWebSocket,
		},
		Unidentified: Channel{
			URL:       "wss://chat.signal.org/v1/websocket/",
			Transport: TransportWebSocket,
		},
		KeepalivePath: "/v1/keepalive",
		MaxFrameSize:  1 << 20,
		Timing: Timing{
			RequestTimeout:    10 * time.Second,
			ConnectTimeout:    30 * time.Second,
			WriteTimeout:      10 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			ReconnectInterval: 5 * time.Second,
			BackgroundPoll:    time.Second,
			OpenWaitTimeout:   30 * time.Second,
			KeepAlive: KeepAlive{
				PushReceived:     20 * time.Second,
				MessageReceived:  15 * time.Second,
				ResponseReceived: 5 * time.Second,
			},
		},
		Backoff: Backoff{
			InitialDelay: time.Second,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		Log: logging.DefaultConfig(),
	}
}

// Load reads path on top of Default, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "load config %s", path)
		}
	}
	cfg.applyEnvOverrides()
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes TOML text on top of Default.
func Parse(data string) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WithDefaults fills zero values from Default.
func (c Config) WithDefaults() Config {
	d := Default()
	if c.Identified.Transport == "" {
		c.Identified.Transport = TransportWebSocket
	}
	if c.Unidentified.Transport == "" {
		c.Unidentified.Transport = TransportWebSocket
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	setDuration(&c.Timing.RequestTimeout, d.Timing.RequestTimeout)
	setDuration(&c.Timing.ConnectTimeout, d.Timing.ConnectTimeout)
	setDuration(&c.Timing.WriteTimeout, d.Timing.WriteTimeout)
	setDuration(&c.Timing.HeartbeatInterval, d.Timing.HeartbeatInterval)
	setDuration(&c.Timing.ReconnectInterval, d.Timing.ReconnectInterval)
	setDuration(&c.Timing.BackgroundPoll, d.Timing.BackgroundPoll)
	setDuration(&c.Timing.OpenWaitTimeout, d.Timing.OpenWaitTimeout)
	if c.Backoff.Multiplier < 1.0 {
		c.Backoff.Multiplier = 1.0
	}
	return c
}

// Validate rejects configurations the engines cannot run with.
func (c Config) Validate() error {
	for name, ch := range map[string]Channel{"identified": c.Identified, "unidentified": c.Unidentified} {
		if strings.TrimSpace(ch.URL) == "" {
			return errors.Errorf("config: %s.url required", name)
		}
		switch ch.Transport {
		case TransportWebSocket, TransportTCP:
		default:
			return errors.Errorf("config: %s.transport %q not supported", name, ch.Transport)
		}
	}
	if c.Timing.KeepAlive.PushReceived < 0 ||
		c.Timing.KeepAlive.MessageReceived < 0 ||
		c.Timing.KeepAlive.ResponseReceived < 0 {
		return errors.New("config: keep_alive windows must not be negative")
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv(EnvIdentifiedURL)); v != "" {
		c.Identified.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvUnidentifiedURL)); v != "" {
		c.Unidentified.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvProxyURL)); v != "" {
		c.ProxyURL = v
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst <= 0 {
		*dst = def
	}
}
