package integration

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/risa-org/chatmux/channel"
	"github.com/risa-org/chatmux/chattest"
	"github.com/risa-org/chatmux/config"
	"github.com/risa-org/chatmux/connection"
	"github.com/risa-org/chatmux/frame"
	"github.com/risa-org/chatmux/mux"
	"github.com/risa-org/chatmux/outage"
	"github.com/risa-org/chatmux/request"
	"github.com/risa-org/chatmux/store/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

func testConfig(url string) config.Config {
	cfg := config.Default()
	cfg.Identified.URL = url
	cfg.Unidentified.URL = url
	cfg.KeepalivePath = ""
	cfg.Timing.HeartbeatInterval = time.Hour
	cfg.Timing.RequestTimeout = 5 * time.Second
	cfg.Timing.ConnectTimeout = 5 * time.Second
	cfg.Timing.ReconnectInterval = 50 * time.Millisecond
	cfg.Timing.BackgroundPoll = 10 * time.Millisecond
	cfg.Timing.OpenWaitTimeout = 2 * time.Second
	cfg.Timing.KeepAlive = config.KeepAlive{
		PushReceived:     300 * time.Millisecond,
		MessageReceived:  200 * time.Millisecond,
		ResponseReceived: 100 * time.Millisecond,
	}
	cfg.Backoff = config.Backoff{InitialDelay: 20 * time.Millisecond, Multiplier: 2, MaxDelay: 100 * time.Millisecond}
	return cfg
}

type stack struct {
	srv   *chattest.Server
	store *memory.Store
	m     *mux.Multiplexer
}

func newStack(t *testing.T, serverOpts []chattest.Option, mutate func(*mux.Options)) *stack {
	t.Helper()
	srv := chattest.NewServer(serverOpts...)
	store := memory.New()
	store.SetCredentials("alice", "secret")

	opts := mux.Options{
		Config:       testConfig(srv.URL()),
		Expiry:       store,
		Registration: store,
		Logger:       zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	m, err := mux.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		m.Close()
		srv.Close()
	})
	return &stack{srv: srv, store: store, m: m}
}

func (s *stack) accept(t *testing.T) *chattest.Conn {
	t.Helper()
	select {
	case c := <-s.srv.Accepted():
		return c
	case <-time.After(waitFor):
		t.Fatal("server accepted nothing")
		return nil
	}
}

// acceptIdentified skips unidentified connections, which open alongside
// whenever the app is active.
func (s *stack) acceptIdentified(t *testing.T) *chattest.Conn {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case c := <-s.srv.Accepted():
			if c.Identified() {
				return c
			}
		case <-deadline:
			t.Fatal("no identified connection")
			return nil
		}
	}
}

func echo(c *chattest.Conn, req frame.Request) frame.Response {
	switch req.Path {
	case "/v1/expired":
		return frame.Response{Status: 499}
	case "/v1/alerted":
		return frame.Response{Status: 200, Headers: []string{frame.HeaderAlert + ": idle-primary-device, other"}}
	}
	return frame.Response{Status: 200, Body: []byte(req.Verb + " " + req.Path)}
}

func TestRoundTripOverWebSocket(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 5*time.Second))
	s := newStack(t, []chattest.Option{chattest.WithHandler(echo)}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	resp, err := s.m.Do(ctx, request.Descriptor{Method: http.MethodGet, URL: "v1/profile?x=1"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "GET /v1/profile?x=1", string(resp.Body))

	c := s.accept(t)
	assert.True(t, c.Identified())
	assert.Equal(t, "secret", c.Query.Get("password"))
}

func TestAnonymousRequestUsesUnidentifiedConnection(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 5*time.Second))
	s := newStack(t, []chattest.Option{chattest.WithHandler(echo)}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err := s.m.Do(ctx, request.Descriptor{Method: http.MethodPut, URL: "/v1/sealed", Auth: request.AuthAnonymous})
	require.NoError(t, err)

	c := s.accept(t)
	assert.False(t, c.Identified())
}

func TestConnectionClosesWhenIdle(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 5*time.Second))
	s := newStack(t, []chattest.Option{chattest.WithHandler(echo)}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err := s.m.Do(ctx, request.Descriptor{Method: http.MethodGet, URL: "/v1/ping", Auth: request.AuthAnonymous})
	require.NoError(t, err)

	c := s.accept(t)
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("idle connection was not closed")
	}
	assert.Eventually(t, func() bool { return !s.m.Status().AnyOpen }, waitFor, 10*time.Millisecond)
}

func TestPushedMessagesAckedAfterProcessingAndBacklogDrains(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 5*time.Second))
	envelopes := make(chan uint64, 8)
	s := newStack(t, nil, func(o *mux.Options) {
		o.Processor = channel.MessageProcessorFunc(func(env []byte, ts uint64) channel.AckVerdict {
			envelopes <- ts
			return channel.ShouldAck()
		})
	})

	s.m.SetAppActive(true)
	c := s.acceptIdentified(t)
	require.NoError(t, s.m.WaitForOpen(context.Background(), channel.Identified))

	require.NoError(t, c.PushMessage(11, []byte("one"), 1000))
	require.NoError(t, c.PushMessage(12, []byte("two"), 2000))
	require.NoError(t, c.PushQueueEmpty(13))

	for _, want := range []uint64{1000, 2000} {
		select {
		case got := <-envelopes:
			assert.Equal(t, want, got)
		case <-time.After(waitFor):
			t.Fatal("envelope never processed")
		}
	}
	acked := map[uint64]bool{}
	for len(acked) < 3 {
		select {
		case a := <-c.Acks():
			assert.Equal(t, 200, a.Status)
			acked[a.ID] = true
		case <-time.After(waitFor):
			t.Fatalf("acks so far: %v", acked)
		}
	}
	assert.Eventually(t, func() bool { return s.m.Status().HasDrainedBacklogOnce }, waitFor, 10*time.Millisecond)
}

func TestReconnectsAfterServerDrop(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 5*time.Second))
	detector := outage.New(zerolog.Nop())
	s := newStack(t, nil, func(o *mux.Options) { o.Outage = detector })

	s.m.SetAppActive(true)
	first := s.acceptIdentified(t)
	require.NoError(t, s.m.WaitForOpen(context.Background(), channel.Identified))
	first.Drop()

	second := s.acceptIdentified(t)
	assert.NotSame(t, first, second)
	assert.Eventually(t, func() bool {
		return s.m.Engine(channel.Identified).State() == connection.StateOpen
	}, waitFor, 10*time.Millisecond)
	assert.False(t, detector.IsOutageDetected())
}

func TestRejectedCredentialsReportOutage(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 5*time.Second))
	detected := make(chan struct{})
	var once atomic.Bool
	s := newStack(t,
		[]chattest.Option{chattest.WithAuthenticator(func(login, password string) bool { return false })},
		func(o *mux.Options) {
			o.Outage = outage.New(zerolog.Nop(), outage.WithThreshold(2), outage.OnChange(func(out bool) {
				if out && once.CompareAndSwap(false, true) {
					close(detected)
				}
			}))
		})

	s.m.SetAppActive(true)
	select {
	case <-detected:
	case <-time.After(waitFor):
		t.Fatal("outage never detected")
	}
	assert.NotEqual(t, connection.StateOpen, s.m.Engine(channel.Identified).State())
}

func TestExpiredStatusStopsEverything(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 5*time.Second))
	s := newStack(t, []chattest.Option{chattest.WithHandler(echo)}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err := s.m.Do(ctx, request.Descriptor{Method: http.MethodGet, URL: "/v1/expired"})
	require.Error(t, err)
	code, ok := request.StatusCode(err)
	require.True(t, ok)
	assert.Equal(t, 499, code)
	assert.True(t, s.store.IsExpired())

	_, err = s.m.Do(ctx, request.Descriptor{Method: http.MethodGet, URL: "/v1/anything"})
	assert.ErrorIs(t, err, request.ErrInvalidAppState)
	assert.Eventually(t, func() bool { return !s.m.Status().AnyOpen }, waitFor, 10*time.Millisecond)
}

type alerts struct{ got chan []string }

func (a alerts) HandleAlerts(ch channel.ID, list []string) { a.got <- list }

func TestResponseAlertsReachHandler(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 5*time.Second))
	a := alerts{got: make(chan []string, 1)}
	s := newStack(t, []chattest.Option{chattest.WithHandler(echo)}, func(o *mux.Options) { o.Alerts = a })

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err := s.m.Do(ctx, request.Descriptor{Method: http.MethodGet, URL: "/v1/alerted"})
	require.NoError(t, err)

	select {
	case list := <-a.got:
		assert.Equal(t, []string{channel.AlertIdlePrimaryDevice, "other"}, list)
	case <-time.After(waitFor):
		t.Fatal("alerts never delivered")
	}
}
