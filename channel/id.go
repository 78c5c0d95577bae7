package channel

// ID names a logical channel. Each has its own trust profile and at most
// one live connection at a time.
type ID int

const (
	Identified   ID = iota // authenticated with account credentials
	Unidentified           // anonymous, no credentials attached
)

// All lists every channel in a stable order.
var All = []ID{Identified, Unidentified}

func (id ID) String() string {
	switch id {
	case Identified:
		return "identified"
	case Unidentified:
		return "unidentified"
	default:
		return "unknown"
	}
}

// RequiresAuth reports whether connections carry credentials and depend on
// registration.
func (id ID) RequiresAuth() bool { return id == Identified }

// HasBacklog reports whether the server queues pushed messages for this
// channel and signals when that queue is drained.
func (id ID) HasBacklog() bool { return id == Identified }
