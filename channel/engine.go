// Package channel runs one logical channel: it decides whether a
// connection should exist, keeps exactly one alive while it should, and
// routes everything the server sends.
//
// Each Engine is an actor. Socket events, timer expiries, caller signals
// and processing verdicts are posted to its mailbox and handled one at a
// time by a single goroutine, which is the only place the connection and
// its pending requests are touched. Callers on other goroutines read
// status through atomic snapshots.
package channel

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/risa-org/chatmux/config"
	"github.com/risa-org/chatmux/connection"
	"github.com/risa-org/chatmux/request"
	"github.com/risa-org/chatmux/transport"
	"github.com/risa-org/chatmux/transport/tcp"
	"github.com/risa-org/chatmux/transport/websocket"
	"github.com/risa-org/chatmux/workqueue"
	"github.com/rs/zerolog"
)

var (
	// ErrEngineClosed is returned for anything asked of a closed engine.
	ErrEngineClosed = errors.New("channel engine closed")

	// ErrShouldBeClosed ends a WaitForOpen early: the policy no longer
	// wants the channel open, so waiting would only time out.
	ErrShouldBeClosed = errors.New("channel should be closed")

	// ErrNoConnection is the cause of network failures for requests made
	// while nothing is open.
	ErrNoConnection = errors.New("no open connection")
)

// connIDs is process wide so log lines never reuse a connection id.
var connIDs atomic.Uint64

// Options wires an engine to its configuration and collaborators.
type Options struct {
	Channel      ID
	Config       config.Config
	Factory      transport.Factory // nil picks one from the channel's transport
	Expiry       AppExpiry
	Registration Registration // required for channels that need auth
	Processor    MessageProcessor
	Outage       OutageDetector
	Background   BackgroundTasks
	Alerts       AlertHandler

	// Processing runs message processing. Engines may share one; nil gives
	// the engine a private queue.
	Processing *workqueue.Serial

	// OnAppStateChange is called from the engine goroutine after a reserved
	// status flipped the expiry or registration oracle. It must not block.
	OnAppStateChange func()

	Logger zerolog.Logger
}

// StateChange is published to subscribers on every connection state change.
type StateChange struct {
	Channel ID
	Old     connection.State
	New     connection.State
}

// Engine owns the policy and the single connection of one channel.
type Engine struct {
	id           ID
	cfg          config.Config
	channel      config.Channel
	factory      transport.Factory
	expiry       AppExpiry
	registration Registration
	processor    MessageProcessor
	outage       OutageDetector
	background   BackgroundTasks
	alerts       AlertHandler
	processing   *workqueue.Serial
	ownsQueue    bool
	onAppState   func()
	log          zerolog.Logger

	box       *workqueue.Mailbox
	done      chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	// snapshots, readable from any goroutine
	state       atomic.Int32
	desired     atomic.Pointer[DesiredState]
	drainedOnce atomic.Bool
	tokens      atomic.Int64

	subMu   sync.Mutex
	subs    map[int]chan StateChange
	nextSub int

	// owned by the loop goroutine
	conn          *connection.Connection
	shutdown      bool
	appActive     bool
	keepAlive     KeepAliveWindow
	drain         drainHistory
	failures      failureTracker
	retryAt       time.Time
	timers        [timerKinds]timerSlot
	endBackground func()
	waiters       []chan error
	credentials   *credentials
	proxyURL      string
}

type credentials struct {
	login, password string
}

// New validates opts and starts the engine loop. The engine starts with
// the app inactive; nothing connects until a signal says it should.
func New(opts Options) (*Engine, error) {
	if opts.Expiry == nil {
		return nil, errors.New("channel: app expiry oracle required")
	}
	if opts.Channel.RequiresAuth() && opts.Registration == nil {
		return nil, errors.Errorf("channel: %s needs a registration oracle", opts.Channel)
	}
	cfg := opts.Config.WithDefaults()
	chCfg := cfg.Unidentified
	if opts.Channel == Identified {
		chCfg = cfg.Identified
	}
	if _, err := url.Parse(chCfg.URL); err != nil || chCfg.URL == "" {
		return nil, errors.Errorf("channel: %s url %q invalid", opts.Channel, chCfg.URL)
	}

	e := &Engine{
		id:           opts.Channel,
		cfg:          cfg,
		channel:      chCfg,
		factory:      opts.Factory,
		expiry:       opts.Expiry,
		registration: opts.Registration,
		processor:    opts.Processor,
		outage:       opts.Outage,
		background:   opts.Background,
		alerts:       opts.Alerts,
		processing:   opts.Processing,
		onAppState:   opts.OnAppStateChange,
		log:          opts.Logger.With().Str("channel", opts.Channel.String()).Logger(),
		box:          workqueue.NewMailbox(),
		done:         make(chan struct{}),
		subs:         make(map[int]chan StateChange),
		failures:     newFailureTracker(),
		proxyURL:     cfg.ProxyURL,
	}
	if e.factory == nil {
		e.factory = defaultFactory(chCfg.Transport)
	}
	if e.processor == nil {
		e.processor = alwaysAck{}
	}
	if e.outage == nil {
		e.outage = nopOutage{}
	}
	if e.background == nil {
		e.background = nopBackground{}
	}
	if e.processing == nil {
		e.processing = workqueue.NewSerial()
		e.ownsQueue = true
	}
	initial := closedBecause("app inactive")
	e.desired.Store(&initial)
	e.ctx, e.cancel = context.WithCancel(context.Background())

	go e.run()
	e.post(evRecompute{reason: "start"})
	return e, nil
}

func defaultFactory(name string) transport.Factory {
	if name == config.TransportTCP {
		return tcp.Factory
	}
	return websocket.Factory
}

// ID returns which channel this engine runs.
func (e *Engine) ID() ID { return e.id }

// State is the current connection state.
func (e *Engine) State() connection.State {
	return connection.State(e.state.Load())
}

// Desired is the last computed desired state.
func (e *Engine) Desired() DesiredState {
	return *e.desired.Load()
}

// HasDrainedBacklogOnce reports whether the current connection has seen the
// server's backlog fully delivered and processed.
func (e *Engine) HasDrainedBacklogOnce() bool {
	return e.drainedOnce.Load()
}

// Tokens reports how many unsubmitted-request tokens are held.
func (e *Engine) Tokens() int {
	return int(e.tokens.Load())
}

// MakeRequest sends d on the current connection. Exactly one callback runs,
// once, on the engine goroutine; callbacks must not block.
func (e *Engine) MakeRequest(d request.Descriptor, onSuccess func(request.Response), onFailure func(error)) {
	ev := evMakeRequest{desc: d, onSuccess: onSuccess, onFailure: onFailure}
	if !e.post(ev) {
		if onFailure != nil {
			onFailure(request.NewNetworkFailure(request.FailureGeneric, ErrEngineClosed))
		}
	}
}

// WaitForOpen blocks until the connection is open. It returns
// ErrShouldBeClosed as soon as the policy wants the channel closed, and
// ctx.Err() when ctx ends first.
func (e *Engine) WaitForOpen(ctx context.Context) error {
	reply := make(chan error, 1)
	if !e.post(evWaitOpen{reply: reply}) {
		return ErrEngineClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetAppActive records whether the app is in the foreground.
func (e *Engine) SetAppActive(active bool) {
	e.post(evSetAppActive{active: active})
}

// RecomputeDesiredState re-reads the oracles, e.g. after registration or
// expiry changed elsewhere.
func (e *Engine) RecomputeDesiredState(reason string) {
	e.post(evRecompute{reason: reason})
}

// ExtendKeepAlive grants a background hold-open window.
func (e *Engine) ExtendKeepAlive(reason KeepAliveReason) {
	e.post(evKeepAlive{reason: reason})
}

// NotifyPushReceived extends the push window and, when no connection
// exists, makes the next one stay open until the backlog drains.
func (e *Engine) NotifyPushReceived() {
	e.post(evPushReceived{})
}

// Cycle tears the current connection down, failing its pending requests,
// and reconnects if the channel should still be open.
func (e *Engine) Cycle(reason string) {
	e.post(evCycle{reason: reason})
}

// SetCredentials overrides the registration's credentials and cycles.
func (e *Engine) SetCredentials(login, password string) {
	e.post(evSetCredentials{login: login, password: password})
}

// SetProxy changes the proxy used for new connections and cycles.
func (e *Engine) SetProxy(proxyURL string) {
	e.post(evSetProxy{proxyURL: proxyURL})
}

// Subscribe returns state changes as they happen. Slow readers miss
// changes instead of stalling the engine. cancel stops delivery and
// closes the channel.
func (e *Engine) Subscribe() (<-chan StateChange, func()) {
	ch := make(chan StateChange, 16)
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	if e.subs == nil {
		close(ch)
	} else {
		e.subs[id] = ch
	}
	e.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subMu.Lock()
			defer e.subMu.Unlock()
			if c, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(c)
			}
		})
	}
}

// Close tears down the connection, fails everything pending and stops the
// loop. Safe to call more than once.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.box.Push(evShutdown{})
		e.box.Close()
	})
	<-e.done
}

// Sync blocks until the engine has handled everything posted before it,
// so the effects of earlier signals are visible in State and Desired.
// Returns false if the engine is closed.
func (e *Engine) Sync() bool {
	done := make(chan struct{})
	if !e.post(evSync{done: done}) {
		return false
	}
	<-done
	return true
}

func (e *Engine) post(ev interface{}) bool {
	return e.box.Push(ev)
}

func (e *Engine) publishState(next connection.State) {
	prev := connection.State(e.state.Swap(int32(next)))
	if prev == next {
		return
	}
	e.log.Info().Msgf("%s -> %s", prev, next)

	change := StateChange{Channel: e.id, Old: prev, New: next}
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- change:
		default:
		}
	}
}

func (e *Engine) closeSubscribers() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
	e.subs = nil
}

// endpoint addresses a new connection: the channel URL, credentials for
// channels that need them, static headers and the current proxy.
func (e *Engine) endpoint() (transport.Endpoint, error) {
	u, err := url.Parse(e.channel.URL)
	if err != nil {
		return transport.Endpoint{}, errors.Wrap(err, "parse channel url")
	}
	if e.id.RequiresAuth() {
		login, password := e.registration.Credentials()
		if e.credentials != nil {
			login, password = e.credentials.login, e.credentials.password
		}
		q := u.Query()
		q.Set("login", login)
		q.Set("password", password)
		u.RawQuery = q.Encode()
	}
	header := make(http.Header, len(e.channel.Headers))
	for k, v := range e.channel.Headers {
		header.Set(k, v)
	}
	return transport.Endpoint{URL: u.String(), Header: header, ProxyURL: e.proxyURL}, nil
}
