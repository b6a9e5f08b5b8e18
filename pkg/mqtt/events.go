package mqtt

import "time"

// EventKind identifies a signal delivered by the transport.
type EventKind int

const (
	// EventOpened signals the broker accepted the connection.
	EventOpened EventKind = iota
	// EventOpenFailed signals the connect attempt was rejected or timed out.
	EventOpenFailed
	// EventClosed signals the connection ended. Err is nil for a local,
	// intentional close and non-nil for a remote or error close.
	EventClosed
	// EventMessage carries an inbound message on a subscribed topic.
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventOpenFailed:
		return "open_failed"
	case EventClosed:
		return "closed"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is a transport signal consumed by the connection event loop.
type Event struct {
	Kind    EventKind
	Err     error
	Topic   string
	Payload []byte
}

// ConnectParams are the protocol-level parameters of a connect attempt.
// They are captured once and reused verbatim when reconnecting.
type ConnectParams struct {
	Username       string
	Password       string
	ClientID       string
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
}
