package whatsapp

import (
	"context"
	"errors"
	"time"
)

// EventKind enumerates what a protocol connection reports back to the registry.
type EventKind int

const (
	EventChallenge EventKind = iota + 1
	EventReady
	EventDisconnected
	EventAuthFailure
	EventMessage
	EventReceipt
)

func (k EventKind) String() string {
	switch k {
	case EventChallenge:
		return "challenge"
	case EventReady:
		return "ready"
	case EventDisconnected:
		return "disconnected"
	case EventAuthFailure:
		return "auth_failure"
	case EventMessage:
		return "message"
	case EventReceipt:
		return "receipt"
	default:
		return "unknown"
	}
}

// Event is one lifecycle or traffic notification from a connection.
type Event struct {
	Kind      EventKind
	Challenge string // raw pairing token for EventChallenge
	DeviceJID string // paired device for EventReady, when known
	Message   *InboundMessage
	Receipt   *Receipt
	Err       error
}

// InboundMessage is a message received on a session.
type InboundMessage struct {
	ID        string
	From      string
	Body      string
	Timestamp time.Time
}

// Receipt reports delivery progress of messages sent from a session.
type Receipt struct {
	MessageIDs []string
	Status     string // models.MessageDelivered or models.MessageRead
	Timestamp  time.Time
}

// OutgoingMessage is what the registry hands to a connection for one recipient.
type OutgoingMessage struct {
	Type          string // models.MessageType*
	Text          string
	MediaURL      string
	MediaFilename string
}

// SendResult is the raw outcome of a connection send, before classification.
type SendResult struct {
	MessageID string
}

// ErrAckUnreadable is returned by connections when the send went out but its
// acknowledgement could not be read back. Classify treats it as ambiguous delivery.
var ErrAckUnreadable = errors.New("message acknowledgement could not be serialized")

// Conn is one live protocol connection owned by the registry.
type Conn interface {
	// Connect starts the connection. Lifecycle events follow asynchronously.
	Connect(ctx context.Context) error
	// Send delivers msg to a digits-only phone number.
	Send(ctx context.Context, target string, msg OutgoingMessage) (SendResult, error)
	// Logout unlinks the device from the account.
	Logout(ctx context.Context) error
	// Close disconnects and releases the credential store handle.
	Close() error
}

// OpenOptions identifies the session a connection is opened for.
type OpenOptions struct {
	SessionID string
	DeviceJID string
}

// Factory opens connections and owns the on-disk credential caches.
type Factory interface {
	Open(ctx context.Context, opts OpenOptions, handle func(Event)) (Conn, error)
	// Purge deletes the credential cache of a session.
	Purge(ctx context.Context, opts OpenOptions) error
}
