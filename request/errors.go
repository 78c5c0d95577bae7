package request

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidRequest means the descriptor was rejected before any I/O.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidAppState means the app has expired; nothing touches the network.
	ErrInvalidAppState = errors.New("invalid app state: app expired")

	// ErrNetworkFailure matches every *NetworkFailure via errors.Is.
	ErrNetworkFailure = errors.New("network failure")
)

// FailureKind narrows down why a request never got a response.
type FailureKind int

const (
	FailureGeneric  FailureKind = iota // no usable connection
	FailureTimeout                     // local per-request timeout fired
	FailureTeardown                    // connection reset with the request in flight
)

func (k FailureKind) String() string {
	switch k {
	case FailureTimeout:
		return "timeout"
	case FailureTeardown:
		return "teardown"
	default:
		return "generic"
	}
}

// NetworkFailure is returned when no round trip completed.
type NetworkFailure struct {
	Kind FailureKind
	Err  error // underlying cause, may be nil
}

// NewNetworkFailure builds a failure of the given kind.
func NewNetworkFailure(kind FailureKind, cause error) *NetworkFailure {
	return &NetworkFailure{Kind: kind, Err: cause}
}

func (e *NetworkFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("network failure (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("network failure (%s)", e.Kind)
}

func (e *NetworkFailure) Unwrap() error { return e.Err }

func (e *NetworkFailure) Is(target error) bool { return target == ErrNetworkFailure }

// ServiceResponseError is a completed round trip with a non-2xx status.
type ServiceResponseError struct {
	Status  int
	Headers http.Header
	Body    []byte
}

func (e *ServiceResponseError) Error() string {
	return fmt.Sprintf("service response: status %d", e.Status)
}

// StatusCode extracts the HTTP-like status carried by err, if any.
func StatusCode(err error) (int, bool) {
	var sre *ServiceResponseError
	if errors.As(err, &sre) {
		return sre.Status, true
	}
	return 0, false
}
