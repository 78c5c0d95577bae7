package frame

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Reserved inbound request paths. The server pushes these to the client
// over the authenticated channel.
const (
	PathMessage    = "/api/v1/message"     // body is an opaque envelope
	PathQueueEmpty = "/api/v1/queue/empty" // backlog fully delivered, no body
)

// HeaderTimestamp carries the server delivery timestamp (ms) of a pushed envelope.
const HeaderTimestamp = "X-Signal-Timestamp"

// HeaderAlert carries server alerts on responses.
const HeaderAlert = "X-Signal-Alert"

// DefaultMaxSize bounds an encoded frame. Anything larger is rejected
// before decoding is attempted.
const DefaultMaxSize = 1 << 20

var (
	ErrFrameTooLarge  = errors.New("frame too large")
	ErrMalformedFrame = errors.New("malformed frame")
)

// Type tags every frame on the wire.
type Type int

const (
	TypeUnknown Type = iota
	TypeRequest
	TypeResponse
)

func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	default:
		return "unknown"
	}
}

func (t Type) MarshalText() ([]byte, error) {
	if t == TypeUnknown {
		return nil, errors.Wrap(ErrMalformedFrame, "unknown frame type")
	}
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	switch string(b) {
	case "request":
		*t = TypeRequest
	case "response":
		*t = TypeResponse
	default:
		*t = TypeUnknown
	}
	return nil
}

// Request is a request frame. Both sides send them: the client for its own
// requests, the server for pushes.
type Request struct {
	Verb    string   `json:"verb"`
	Path    string   `json:"path"` // query and fragment already combined
	Headers []string `json:"headers,omitempty"`
	ID      uint64   `json:"id"`
	Body    []byte   `json:"body,omitempty"`
}

// Response answers the request with the same ID.
type Response struct {
	ID      uint64   `json:"id"`
	Status  int      `json:"status"`
	Message string   `json:"message,omitempty"`
	Headers []string `json:"headers,omitempty"`
	Body    []byte   `json:"body,omitempty"`
}

// Frame is one record on the wire. Exactly one of Request/Response is set,
// matching Type.
type Frame struct {
	Type     Type      `json:"type"`
	Request  *Request  `json:"request,omitempty"`
	Response *Response `json:"response,omitempty"`
}

// NewRequest wraps r in a frame.
func NewRequest(r Request) Frame {
	return Frame{Type: TypeRequest, Request: &r}
}

// NewResponse wraps r in a frame.
func NewResponse(r Response) Frame {
	return Frame{Type: TypeResponse, Response: &r}
}

// NewAck acknowledges an inbound request frame.
func NewAck(id uint64) Frame {
	return NewResponse(Response{ID: id, Status: 200, Message: "OK"})
}

// Validate checks that the frame is internally consistent.
func (f Frame) Validate() error {
	switch f.Type {
	case TypeRequest:
		if f.Request == nil || f.Response != nil {
			return errors.Wrap(ErrMalformedFrame, "request frame without request")
		}
		if strings.TrimSpace(f.Request.Verb) == "" || strings.TrimSpace(f.Request.Path) == "" {
			return errors.Wrap(ErrMalformedFrame, "request frame missing verb or path")
		}
	case TypeResponse:
		if f.Response == nil || f.Request != nil {
			return errors.Wrap(ErrMalformedFrame, "response frame without response")
		}
	default:
		return errors.Wrapf(ErrMalformedFrame, "unknown frame type %d", f.Type)
	}
	return nil
}

// Encode validates and serializes a frame.
func Encode(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(err, "encode frame")
	}
	return b, nil
}

// Decode parses and validates one frame of at most maxSize bytes.
// A maxSize <= 0 means DefaultMaxSize.
func Decode(b []byte, maxSize int) (Frame, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if len(b) > maxSize {
		return Frame{}, errors.Wrapf(ErrFrameTooLarge, "%d > %d bytes", len(b), maxSize)
	}
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, errors.Wrap(ErrMalformedFrame, err.Error())
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}
