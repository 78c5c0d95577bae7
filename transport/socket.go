package transport

import (
	"context"
	"errors"
	"net/http"
	"net/url"
)

// ErrTransportClosed is returned when you try to write on a socket that is
// not connected, or has already been torn down.
var ErrTransportClosed = errors.New("transport closed")

// DisconnectReason tells the owning connection why a socket went away.
type DisconnectReason int

const (
	ReasonUnknown      DisconnectReason = iota // catch-all, should be rare
	ReasonNetworkError                         // dial or read/write failed
	ReasonTimeout                              // no activity within deadline
	ReasonClosedClean                          // graceful shutdown by either side
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNetworkError:
		return "network_error"
	case ReasonTimeout:
		return "timeout"
	case ReasonClosedClean:
		return "closed_clean"
	default:
		return "unknown"
	}
}

// EventKind is the closed set of things a socket can report.
type EventKind int

const (
	EventConnected    EventKind = iota + 1 // handshake finished, writes allowed
	EventFrame                             // one inbound record in Payload
	EventDisconnected                      // terminal; Reason and Err are set
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventFrame:
		return "frame"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is delivered on the channel returned by Socket.Events.
type Event struct {
	Kind    EventKind
	Payload []byte           // EventFrame only
	Reason  DisconnectReason // EventDisconnected only
	Err     error            // nil on clean close
}

// Endpoint says where and how to connect. Built per channel: the
// authenticated channel carries credentials in URL query parameters,
// the anonymous one carries none.
type Endpoint struct {
	URL      string
	Header   http.Header // extra static headers sent on connect
	ProxyURL string      // optional, e.g. socks5://127.0.0.1:1080
}

// Redacted returns the URL with credential query parameters masked, for logs.
func (e Endpoint) Redacted() string {
	u, err := url.Parse(e.URL)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	for _, k := range []string{"login", "password"} {
		if q.Has(k) {
			q.Set(k, "xxxxx")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Socket is the contract every physical link must satisfy.
// The connection layer only talks to this interface; it never imports
// websocket, tcp, or anything concrete.
//
// Event ordering: at most one EventConnected, then any number of EventFrame,
// then exactly one EventDisconnected, after which the channel is closed.
// A Disconnect issued locally may suppress the final EventDisconnected,
// but the channel is always closed.
type Socket interface {
	// Connect starts connecting in the background and returns immediately.
	// The outcome arrives on Events. The context bounds the dial only.
	Connect(ctx context.Context)

	// Write sends one record. Returns ErrTransportClosed if not connected.
	Write(ctx context.Context, payload []byte) error

	// SendPing sends a transport-level liveness probe.
	SendPing(ctx context.Context) error

	// Events returns the channel every lifecycle and inbound frame event
	// is delivered on.
	Events() <-chan Event

	// Disconnect tears the socket down.
	// Safe to call multiple times; later calls are no-ops.
	Disconnect() error
}

// Factory creates an unconnected socket for an endpoint.
type Factory func(Endpoint) Socket
