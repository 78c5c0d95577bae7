// Package mux is the entry point: one engine per channel for the life of
// the process, request routing, and the signals that concern every channel
// at once.
package mux

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/risa-org/chatmux/channel"
	"github.com/risa-org/chatmux/config"
	"github.com/risa-org/chatmux/connection"
	"github.com/risa-org/chatmux/request"
	"github.com/risa-org/chatmux/transport"
	"github.com/risa-org/chatmux/workqueue"
	"github.com/rs/zerolog"
)

// ErrUnknownChannel is returned for a channel the multiplexer does not run.
var ErrUnknownChannel = errors.New("unknown channel")

// Options configures a Multiplexer. Expiry and Registration are required.
type Options struct {
	Config       config.Config
	Factory      transport.Factory // nil picks per channel from Config
	Expiry       channel.AppExpiry
	Registration channel.Registration
	Processor    channel.MessageProcessor
	Outage       channel.OutageDetector
	Background   channel.BackgroundTasks
	Alerts       channel.AlertHandler
	Logger       zerolog.Logger
}

// ChannelStatus is one channel's snapshot.
type ChannelStatus struct {
	Channel channel.ID
	State   connection.State
	Desired channel.DesiredState
}

// Status is an aggregate snapshot, safe to take from any goroutine.
type Status struct {
	AnyOpen               bool
	HasDrainedBacklogOnce bool
	Channels              []ChannelStatus
}

// Multiplexer routes requests onto channel engines.
type Multiplexer struct {
	engines    map[channel.ID]*channel.Engine
	expiry     channel.AppExpiry
	processing *workqueue.Serial
	openWait   time.Duration
	log        zerolog.Logger
}

// New starts an engine for every channel. They stay closed until a signal
// says otherwise.
func New(opts Options) (*Multiplexer, error) {
	if opts.Expiry == nil || opts.Registration == nil {
		return nil, errors.New("mux: expiry and registration oracles required")
	}
	cfg := opts.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Multiplexer{
		engines:    make(map[channel.ID]*channel.Engine, len(channel.All)),
		expiry:     opts.Expiry,
		processing: workqueue.NewSerial(),
		openWait:   cfg.Timing.OpenWaitTimeout,
		log:        opts.Logger,
	}
	for _, id := range channel.All {
		e, err := channel.New(channel.Options{
			Channel:          id,
			Config:           cfg,
			Factory:          opts.Factory,
			Expiry:           opts.Expiry,
			Registration:     opts.Registration,
			Processor:        opts.Processor,
			Outage:           opts.Outage,
			Background:       opts.Background,
			Alerts:           opts.Alerts,
			Processing:       m.processing,
			OnAppStateChange: func() { m.recomputeAll("app state changed") },
			Logger:           opts.Logger,
		})
		if err != nil {
			m.Close()
			return nil, errors.Wrapf(err, "start %s engine", id)
		}
		m.engines[id] = e
	}
	return m, nil
}

// Route picks the channel for d: anonymous requests, and anything carrying
// an unidentified access key, go unidentified.
func Route(d request.Descriptor) channel.ID {
	if d.Auth == request.AuthAnonymous || d.Headers.Get(request.HeaderUnidentifiedAccessKey) != "" {
		return channel.Unidentified
	}
	return channel.Identified
}

// Engine returns the engine for ch, or nil.
func (m *Multiplexer) Engine(ch channel.ID) *channel.Engine {
	return m.engines[ch]
}

// Submit sends d on its routed channel. The future resolves exactly once.
func (m *Multiplexer) Submit(ctx context.Context, d request.Descriptor) *request.Future {
	return m.SubmitPrepared(ctx, Route(d), func(context.Context) (request.Descriptor, error) {
		return d, nil
	})
}

// Do is Submit followed by Await.
func (m *Multiplexer) Do(ctx context.Context, d request.Descriptor) (request.Response, error) {
	return m.Submit(ctx, d).Await(ctx)
}

// SubmitPrepared holds ch open while prepare builds the descriptor, waits a
// bounded time for the connection, then sends. If the wait times out the
// request is attempted anyway and fails on its own terms.
func (m *Multiplexer) SubmitPrepared(ctx context.Context, ch channel.ID, prepare func(context.Context) (request.Descriptor, error)) *request.Future {
	f := request.NewFuture()
	e := m.engines[ch]
	if e == nil {
		f.Resolve(request.Response{}, errors.Wrapf(ErrUnknownChannel, "%d", ch))
		return f
	}
	if m.expiry.IsExpired() {
		f.Resolve(request.Response{}, request.ErrInvalidAppState)
		return f
	}

	token := e.AcquireToken()
	go func() {
		defer token.Release()

		d, err := prepare(ctx)
		if err != nil {
			f.Resolve(request.Response{}, err)
			return
		}
		if err := m.waitForOpen(ctx, e); err != nil {
			f.Resolve(request.Response{}, err)
			return
		}
		e.MakeRequest(d,
			func(r request.Response) { f.Resolve(r, nil) },
			func(err error) { f.Resolve(request.Response{}, err) })
	}()
	return f
}

// waitForOpen only fails if the caller gave up; a slow or unwanted
// connection is left for MakeRequest to report.
func (m *Multiplexer) waitForOpen(ctx context.Context, e *channel.Engine) error {
	wctx, cancel := context.WithTimeout(ctx, m.openWait)
	defer cancel()
	err := e.WaitForOpen(wctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.log.Debug().Err(err).Str("channel", e.ID().String()).Msg("sending without open connection")
	return nil
}

// WaitForOpen blocks until ch is open, ctx ends, or ch should be closed.
func (m *Multiplexer) WaitForOpen(ctx context.Context, ch channel.ID) error {
	e := m.engines[ch]
	if e == nil {
		return ErrUnknownChannel
	}
	return e.WaitForOpen(ctx)
}

// OnPushNotificationReceived extends the push window on every channel.
func (m *Multiplexer) OnPushNotificationReceived() {
	m.each(func(e *channel.Engine) { e.NotifyPushReceived() })
}

// SetAppActive tells every channel whether the app is in the foreground.
func (m *Multiplexer) SetAppActive(active bool) {
	m.each(func(e *channel.Engine) { e.SetAppActive(active) })
}

// RegistrationDidChange re-reads the registration oracle everywhere.
func (m *Multiplexer) RegistrationDidChange() {
	m.recomputeAll("registration changed")
}

// AppExpiryDidChange re-reads the expiry oracle everywhere.
func (m *Multiplexer) AppExpiryDidChange() {
	m.recomputeAll("app expiry changed")
}

// SetCredentials replaces the identified channel's credentials.
func (m *Multiplexer) SetCredentials(login, password string) {
	if e := m.engines[channel.Identified]; e != nil {
		e.SetCredentials(login, password)
	}
}

// SetProxy routes new connections through proxyURL, or directly when
// empty, and reconnects every channel.
func (m *Multiplexer) SetProxy(proxyURL string) {
	m.each(func(e *channel.Engine) { e.SetProxy(proxyURL) })
}

// CycleAll forces every channel to reconnect.
func (m *Multiplexer) CycleAll(reason string) {
	m.each(func(e *channel.Engine) { e.Cycle(reason) })
}

// Status reads atomic snapshots only.
func (m *Multiplexer) Status() Status {
	var s Status
	for _, id := range channel.All {
		e := m.engines[id]
		if e == nil {
			continue
		}
		cs := ChannelStatus{Channel: id, State: e.State(), Desired: e.Desired()}
		if cs.State == connection.StateOpen {
			s.AnyOpen = true
		}
		if id.HasBacklog() && e.HasDrainedBacklogOnce() {
			s.HasDrainedBacklogOnce = true
		}
		s.Channels = append(s.Channels, cs)
	}
	return s
}

// Close stops every engine, failing anything in flight.
func (m *Multiplexer) Close() {
	m.each(func(e *channel.Engine) { e.Close() })
	m.processing.Close()
}

func (m *Multiplexer) recomputeAll(reason string) {
	m.each(func(e *channel.Engine) { e.RecomputeDesiredState(reason) })
}

func (m *Multiplexer) each(fn func(*channel.Engine)) {
	for _, id := range channel.All {
		if e := m.engines[id]; e != nil {
			fn(e)
		}
	}
}
