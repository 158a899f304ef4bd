package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"brokerwatch/internal/core"
)

var (
	// ErrEmpty is returned by Fetch when no message arrived within the timeout.
	ErrEmpty = errors.New("messaging: no message available")
	// ErrConnectionLost is returned when the broker connection dropped.
	ErrConnectionLost = errors.New("messaging: connection lost")
	// ErrClosed is returned when using a closed connection, session or receiver.
	ErrClosed = errors.New("messaging: closed")
	// ErrUnsupportedTransport is returned by NewClient for unknown transports.
	ErrUnsupportedTransport = errors.New("messaging: unsupported transport")
)

// Message is one raw message read from the broker.
type Message struct {
	ID          string
	Subject     string
	ContentType string
	Properties  map[string]string
	Body        []byte
	ReceivedAt  time.Time

	// handle is the transport-specific delivery used for acknowledgement.
	handle any
}

// Client opens connections to broker targets.
type Client interface {
	Connect(ctx context.Context, target core.Target) (Connection, error)
}

// Connection is an established broker connection.
type Connection interface {
	Session(ctx context.Context) (Session, error)
	Close() error
}

// Session scopes receivers and acknowledgements.
type Session interface {
	Receiver(ctx context.Context, address string) (Receiver, error)
	// Acknowledge settles a message previously returned by one of the
	// session's receivers.
	Acknowledge(ctx context.Context, msg Message) error
	Close() error
}

// Receiver reads messages from one address.
type Receiver interface {
	// Fetch waits at most timeout for the next message. It returns ErrEmpty
	// when the timeout expires and ctx.Err() when ctx is cancelled.
	Fetch(ctx context.Context, timeout time.Duration) (Message, error)
}

// Publisher writes one event to an address. It is used by the emit
// command and by tests.
type Publisher interface {
	Publish(ctx context.Context, address string, fields map[string]string) error
	Close() error
}

// Options tune client behaviour independent of the target.
type Options struct {
	// ConnectTimeout bounds connection establishment. Zero means no bound
	// other than the caller's context.
	ConnectTimeout time.Duration
	// ConsumerGroup pins a durable Redis consumer group. When empty each
	// session creates a private group and removes it on close.
	ConsumerGroup string
	// QueueSize is the MQTT delivery buffer per receiver.
	QueueSize int
}

// NewClient returns the client for a transport. A nil logger disables
// diagnostics.
func NewClient(tr core.Transport, opts Options, logger *zerolog.Logger) (Client, error) {
	switch tr {
	case core.TransportRedis:
		return NewRedisClient(opts, logger), nil
	case core.TransportMQTT:
		return NewMQTTClient(opts, logger), nil
	}
	return nil, ErrUnsupportedTransport
}

// NewPublisher connects a publisher for the target's transport.
func NewPublisher(ctx context.Context, target core.Target, opts Options) (Publisher, error) {
	switch target.Transport {
	case core.TransportRedis:
		p, err := NewRedisPublisher(ctx, target, opts)
		if err != nil {
			return nil, err
		}
		return p, nil
	case core.TransportMQTT:
		p, err := NewMQTTPublisher(ctx, target, opts)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, ErrUnsupportedTransport
}
