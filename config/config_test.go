package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
proxy_url = "socks5://127.0.0.1:1080"
keepalive_path = ""

[identified]
url = "wss://chat.example.org/v1/websocket/"
[identified.headers]
X-Signal-Receive-Stories = "true"

[unidentified]
url = "tcp://chat.example.org:8443/v1/websocket/"
transport = "tcp"

[timing]
request_timeout = "2s"
background_poll = "250ms"

[timing.keep_alive]
push_received = "1m"

[log]
level = "debug"
`

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse(sample)
	require.NoError(t, err)

	assert.Equal(t, "socks5://127.0.0.1:1080", cfg.ProxyURL)
	assert.Equal(t, "", cfg.KeepalivePath)
	assert.Equal(t, "true", cfg.Identified.Headers["X-Signal-Receive-Stories"])
	assert.Equal(t, TransportWebSocket, cfg.Identified.Transport)
	assert.Equal(t, TransportTCP, cfg.Unidentified.Transport)
	assert.Equal(t, 2*time.Second, cfg.Timing.RequestTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Timing.BackgroundPoll)
	assert.Equal(t, time.Minute, cfg.Timing.KeepAlive.PushReceived)
	assert.Equal(t, "debug", cfg.Log.Level)

	// untouched values keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Timing.ConnectTimeout)
	assert.Equal(t, 15*time.Second, cfg.Timing.KeepAlive.MessageReceived)
}

func TestParseRejectsUnknownTransport(t *testing.T) {
	_, err := Parse("[identified]\ntransport = \"carrier-pigeon\"\n")
	assert.Error(t, err)
}

func TestParseRejectsSyntaxErrors(t *testing.T) {
	_, err := Parse("[identified\n")
	assert.Error(t, err)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatmux.toml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0644))

	t.Setenv(EnvIdentifiedURL, "ws://127.0.0.1:9999/v1/websocket/")
	t.Setenv(EnvProxyURL, "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9999/v1/websocket/", cfg.Identified.URL)
	assert.Equal(t, "socks5://127.0.0.1:1080", cfg.ProxyURL, "empty env must not clear the file value")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestWithDefaultsRepairsZeroValues(t *testing.T) {
	cfg := Config{Identified: Channel{URL: "ws://a"}, Unidentified: Channel{URL: "ws://b"}}.WithDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Second, cfg.Timing.RequestTimeout)
	assert.Equal(t, 1.0, cfg.Backoff.Multiplier)
	assert.Equal(t, 1<<20, cfg.MaxFrameSize)
}
