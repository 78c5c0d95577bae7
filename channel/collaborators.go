package channel

// AppExpiry knows whether this build is too old to talk to the server.
type AppExpiry interface {
	IsExpired() bool
	SetExpired()
}

// Registration knows whether the account is registered and holds its
// connection credentials.
type Registration interface {
	IsRegistered() bool
	SetDeregistered()
	Credentials() (login, password string)
}

// AckVerdict is a message processor's answer for one envelope.
type AckVerdict struct {
	Ack    bool
	Reason string // why not, when Ack is false
}

// ShouldAck acknowledges the envelope.
func ShouldAck() AckVerdict { return AckVerdict{Ack: true} }

// ShouldNotAck leaves the envelope on the server for redelivery.
func ShouldNotAck(reason string) AckVerdict { return AckVerdict{Reason: reason} }

// MessageProcessor consumes pushed envelopes. It runs on the processing
// queue, never on the engine loop.
type MessageProcessor interface {
	Process(envelope []byte, serverTimestamp uint64) AckVerdict
}

// MessageProcessorFunc adapts a function to MessageProcessor.
type MessageProcessorFunc func(envelope []byte, serverTimestamp uint64) AckVerdict

func (f MessageProcessorFunc) Process(envelope []byte, serverTimestamp uint64) AckVerdict {
	return f(envelope, serverTimestamp)
}

// OutageDetector is told about every connection success and failure.
type OutageDetector interface {
	ReportConnectionSuccess()
	ReportConnectionFailure()
}

// BackgroundTasks grants a little extra execution time while the app is
// in the background. The returned func releases it.
type BackgroundTasks interface {
	BeginBackgroundTask(name string) (end func())
}

// AlertHandler receives server alerts carried on response headers.
type AlertHandler interface {
	HandleAlerts(ch ID, alerts []string)
}

type nopOutage struct{}

func (nopOutage) ReportConnectionSuccess() {}
func (nopOutage) ReportConnectionFailure() {}

type nopBackground struct{}

func (nopBackground) BeginBackgroundTask(string) func() { return func() {} }

type alwaysAck struct{}

func (alwaysAck) Process([]byte, uint64) AckVerdict { return ShouldAck() }
