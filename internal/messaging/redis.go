package messaging

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"brokerwatch/internal/core"
)

// Stream entry fields with a fixed meaning. Every other field is an
// event attribute.
const (
	FieldBody        = "body"
	FieldContentType = "content-type"
)

// RedisClient implements Client on Redis Streams. A receiver is a consumer
// in a consumer group on the event stream; Fetch is XREADGROUP with BLOCK
// and Acknowledge is XACK.
type RedisClient struct {
	opts   Options
	logger zerolog.Logger

	mu sync.Mutex

	// stale holds private groups whose removal failed, keyed by broker
	// address and stream. They are removed after the next successful join.
	stale map[staleKey][]string
}

type staleKey struct {
	broker string
	stream string
}

// NewRedisClient creates a Redis Streams client. A nil logger disables
// diagnostics.
func NewRedisClient(opts Options, logger *zerolog.Logger) *RedisClient {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &RedisClient{opts: opts, logger: *logger, stale: make(map[staleKey][]string)}
}

func (c *RedisClient) addStale(k staleKey, groups ...string) {
	c.mu.Lock()
	c.stale[k] = append(c.stale[k], groups...)
	c.mu.Unlock()
}

func (c *RedisClient) takeStale(k staleKey) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	groups := c.stale[k]
	delete(c.stale, k)
	return groups
}

func redisOptions(t core.Target, opts Options) (*redis.Options, error) {
	tlsCfg, err := newTLSConfig(t)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: t.Heartbeat}
	o := &redis.Options{
		Addr:     t.HostPort(),
		Username: t.Username,
		Password: t.Password,
		DB:       t.DB,
		// The supervisor owns retrying; a failed command must surface at once.
		MaxRetries: -1,
		PoolSize:   2,
		Dialer: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if tlsCfg != nil {
				return (&tls.Dialer{NetDialer: dialer, Config: tlsCfg}).DialContext(ctx, network, addr)
			}
			return dialer.DialContext(ctx, network, addr)
		},
	}
	if opts.ConnectTimeout > 0 {
		o.DialTimeout = opts.ConnectTimeout
	}
	return o, nil
}

// dial creates a client and verifies the server answers PING.
func dial(ctx context.Context, t core.Target, opts Options) (*redis.Client, error) {
	ro, err := redisOptions(t, opts)
	if err != nil {
		return nil, err
	}
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}
	client := redis.NewClient(ro)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect %s: %w", t.Address(), err)
	}
	return client, nil
}

// Connect dials the target and checks it responds.
func (c *RedisClient) Connect(ctx context.Context, t core.Target) (Connection, error) {
	client, err := dial(ctx, t, c.opts)
	if err != nil {
		return nil, err
	}
	return &redisConnection{
		client: client,
		owner:  c,
		broker: t.Address(),
		logger: c.logger.With().Str("broker", t.Address()).Logger(),
	}, nil
}

type redisConnection struct {
	client *redis.Client
	owner  *RedisClient
	broker string
	logger zerolog.Logger
}

// Session picks the consumer group. Without a configured group every
// session gets a private group. A configured group is durable, and its
// consumer name is stable per broker so a later session can reclaim what
// an earlier one read but never acknowledged.
func (c *redisConnection) Session(ctx context.Context) (Session, error) {
	s := &redisSession{
		conn:     c,
		client:   c.client,
		consumer: "brokerwatch-" + c.broker,
		group:    c.owner.opts.ConsumerGroup,
		logger:   c.logger,
	}
	if s.group == "" {
		id := uuid.NewString()
		s.consumer = "brokerwatch-" + id
		s.group = "brokerwatch-" + id
		s.ephemeral = true
	}
	return s, nil
}

func (c *redisConnection) Close() error {
	return c.client.Close()
}

type redisSession struct {
	conn      *redisConnection
	client    *redis.Client
	consumer  string
	group     string
	ephemeral bool
	logger    zerolog.Logger

	mu      sync.Mutex
	streams []string
	closed  bool
}

// Receiver joins the session's consumer group on the stream, creating the
// stream and group when missing. New groups start at the stream tail so
// only events published from now on are delivered. On a durable group the
// consumer's pending entries are delivered first.
func (s *redisSession) Receiver(ctx context.Context, address string) (Receiver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	err := s.client.XGroupCreateMkStream(ctx, address, s.group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("join group %s on %s: %w", s.group, address, err)
	}
	s.streams = append(s.streams, address)
	s.logger.Debug().Str("stream", address).Str("group", s.group).Str("consumer", s.consumer).Msg("joined consumer group")
	s.removeStale(ctx, address)

	r := &redisReceiver{session: s, stream: address}
	if !s.ephemeral {
		r.backlog = "0"
	}
	return r, nil
}

// removeStale destroys private groups earlier sessions failed to remove.
func (s *redisSession) removeStale(ctx context.Context, stream string) {
	k := staleKey{s.conn.broker, stream}
	var failed []string
	for _, g := range s.conn.owner.takeStale(k) {
		if err := s.client.XGroupDestroy(ctx, stream, g).Err(); err != nil {
			failed = append(failed, g)
			continue
		}
		s.logger.Debug().Str("stream", stream).Str("group", g).Msg("removed stale consumer group")
	}
	if len(failed) > 0 {
		s.conn.owner.addStale(k, failed...)
	}
}

func (s *redisSession) Acknowledge(ctx context.Context, msg Message) error {
	id, ok := msg.handle.(string)
	if !ok {
		return fmt.Errorf("acknowledge: message %q was not delivered by redis", msg.ID)
	}
	if err := s.client.XAck(ctx, msg.Subject, s.group, id).Err(); err != nil {
		return fmt.Errorf("%w: xack %s: %w", ErrConnectionLost, id, err)
	}
	return nil
}

// Close removes a private consumer group. Shared groups are left for the
// next session.
func (s *redisSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.ephemeral {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var errs error
	for _, stream := range s.streams {
		if err := s.client.XGroupDestroy(ctx, stream, s.group).Err(); err != nil {
			s.conn.owner.addStale(staleKey{s.conn.broker, stream}, s.group)
			errs = multierr.Append(errs, fmt.Errorf("destroy group %s on %s: %w", s.group, stream, err))
		}
	}
	return errs
}

type redisReceiver struct {
	session *redisSession
	stream  string
	// backlog is the id after which the consumer's pending entries are
	// read next. Empty once they are drained.
	backlog string
}

// Fetch returns the consumer's pending entries first, then waits up to
// timeout for a new one.
func (r *redisReceiver) Fetch(ctx context.Context, timeout time.Duration) (Message, error) {
	if r.backlog != "" {
		msg, ok, err := r.read(ctx, r.backlog, -1)
		if err != nil {
			return Message{}, err
		}
		if ok {
			r.backlog = msg.ID
			return msg, nil
		}
		r.backlog = ""
	}
	if timeout < time.Millisecond {
		timeout = time.Millisecond
	}
	msg, ok, err := r.read(ctx, ">", timeout)
	if err != nil {
		return Message{}, err
	}
	if !ok {
		return Message{}, ErrEmpty
	}
	return msg, nil
}

// read issues one XREADGROUP from id. A negative block does not wait.
func (r *redisReceiver) read(ctx context.Context, id string, block time.Duration) (Message, bool, error) {
	res, err := r.session.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.session.group,
		Consumer: r.session.consumer,
		Streams:  []string{r.stream, id},
		Count:    1,
		Block:    block,
	}).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return Message{}, false, nil
	case err != nil:
		if ctx.Err() != nil {
			return Message{}, false, ctx.Err()
		}
		return Message{}, false, fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	for _, st := range res {
		for _, xm := range st.Messages {
			return fromStreamEntry(st.Stream, xm), true, nil
		}
	}
	return Message{}, false, nil
}

func fromStreamEntry(stream string, xm redis.XMessage) Message {
	msg := Message{
		ID:         xm.ID,
		Subject:    stream,
		Properties: make(map[string]string, len(xm.Values)),
		ReceivedAt: time.Now(),
		handle:     xm.ID,
	}
	for k, v := range xm.Values {
		s := fmt.Sprint(v)
		switch k {
		case FieldBody:
			msg.Body = []byte(s)
		case FieldContentType:
			msg.ContentType = s
		default:
			msg.Properties[k] = s
		}
	}
	return msg
}

// RedisPublisher appends events to a stream with XADD.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher connects a publisher to the target.
func NewRedisPublisher(ctx context.Context, t core.Target, opts Options) (*RedisPublisher, error) {
	client, err := dial(ctx, t, opts)
	if err != nil {
		return nil, err
	}
	return &RedisPublisher{client: client}, nil
}

// Publish appends one entry whose fields are the given map.
func (p *RedisPublisher) Publish(ctx context.Context, address string, fields map[string]string) error {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{Stream: address, Values: values}).Err()
}

// Close closes the underlying client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
