package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"brokerwatch/internal/core"
)

const defaultQueueSize = 256

// MQTTClient implements Client on an MQTT 3.1.1 broker. Deliveries are
// buffered per receiver and acknowledged manually.
type MQTTClient struct {
	opts   Options
	logger zerolog.Logger
}

// NewMQTTClient creates an MQTT client. A nil logger disables diagnostics.
func NewMQTTClient(opts Options, logger *zerolog.Logger) *MQTTClient {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &MQTTClient{opts: opts, logger: *logger}
}

func mqttClientOptions(t core.Target, opts Options) (*mqtt.ClientOptions, error) {
	tlsCfg, err := newTLSConfig(t)
	if err != nil {
		return nil, err
	}
	scheme := "tcp"
	if tlsCfg != nil {
		scheme = "ssl"
	}
	o := mqtt.NewClientOptions().
		AddBroker(scheme + "://" + t.HostPort()).
		SetClientID("brokerwatch-" + uuid.NewString()[:8]).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetAutoAckDisabled(true)
	if t.Username != "" {
		o.SetUsername(t.Username)
		o.SetPassword(t.Password)
	}
	if t.Heartbeat > 0 {
		o.SetKeepAlive(t.Heartbeat)
	}
	if opts.ConnectTimeout > 0 {
		o.SetConnectTimeout(opts.ConnectTimeout)
	}
	if tlsCfg != nil {
		o.SetTLSConfig(tlsCfg)
	}
	return o, nil
}

// waitToken waits for a paho token or for ctx, whichever comes first.
func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func connectMQTT(ctx context.Context, t core.Target, opts Options, lost func(error)) (mqtt.Client, error) {
	o, err := mqttClientOptions(t, opts)
	if err != nil {
		return nil, err
	}
	if lost != nil {
		o.SetConnectionLostHandler(func(_ mqtt.Client, err error) { lost(err) })
	}
	client := mqtt.NewClient(o)
	tok := client.Connect()
	if err := waitToken(ctx, tok); err != nil {
		// The connect attempt may still complete in the background.
		go func() {
			tok.Wait()
			client.Disconnect(0)
		}()
		return nil, fmt.Errorf("connect %s: %w", t.Address(), err)
	}
	return client, nil
}

// Connect opens an MQTT connection to the target.
func (c *MQTTClient) Connect(ctx context.Context, t core.Target) (Connection, error) {
	conn := &mqttConnection{
		lost:      make(chan struct{}),
		queueSize: c.opts.QueueSize,
		logger:    c.logger.With().Str("broker", t.Address()).Logger(),
	}
	if conn.queueSize <= 0 {
		conn.queueSize = defaultQueueSize
	}
	client, err := connectMQTT(ctx, t, c.opts, conn.markLost)
	if err != nil {
		return nil, err
	}
	conn.client = client
	return conn, nil
}

type mqttConnection struct {
	client    mqtt.Client
	lost      chan struct{}
	lostOnce  sync.Once
	queueSize int
	logger    zerolog.Logger
}

func (c *mqttConnection) markLost(err error) {
	c.lostOnce.Do(func() {
		c.logger.Debug().Err(err).Msg("mqtt connection lost")
		close(c.lost)
	})
}

func (c *mqttConnection) Session(ctx context.Context) (Session, error) {
	return &mqttSession{conn: c, done: make(chan struct{})}, nil
}

func (c *mqttConnection) Close() error {
	c.markLost(ErrClosed)
	c.client.Disconnect(250)
	return nil
}

type mqttSession struct {
	conn      *mqttConnection
	done      chan struct{}
	mu        sync.Mutex
	topics    []string
	closeOnce sync.Once
}

// Receiver subscribes to the topic filter with QoS 1.
func (s *mqttSession) Receiver(ctx context.Context, address string) (Receiver, error) {
	r := &mqttReceiver{
		msgs: make(chan mqtt.Message, s.conn.queueSize),
		lost: s.conn.lost,
		done: s.done,
	}
	tok := s.conn.client.Subscribe(address, 1, func(_ mqtt.Client, m mqtt.Message) {
		select {
		case r.msgs <- m:
		case <-s.done:
		}
	})
	if err := waitToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", address, err)
	}
	s.mu.Lock()
	s.topics = append(s.topics, address)
	s.mu.Unlock()
	return r, nil
}

func (s *mqttSession) Acknowledge(ctx context.Context, msg Message) error {
	m, ok := msg.handle.(mqtt.Message)
	if !ok {
		return fmt.Errorf("acknowledge: message %q was not delivered by mqtt", msg.ID)
	}
	select {
	case <-s.conn.lost:
		return ErrConnectionLost
	default:
	}
	m.Ack()
	return nil
}

func (s *mqttSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		topics := s.topics
		s.mu.Unlock()
		if len(topics) > 0 && s.conn.client.IsConnectionOpen() {
			s.conn.client.Unsubscribe(topics...).WaitTimeout(time.Second)
		}
	})
	return nil
}

type mqttReceiver struct {
	msgs chan mqtt.Message
	lost <-chan struct{}
	done <-chan struct{}
}

func (r *mqttReceiver) Fetch(ctx context.Context, timeout time.Duration) (Message, error) {
	// Buffered deliveries are drained before a lost connection is reported.
	select {
	case m := <-r.msgs:
		return fromMQTT(m), nil
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m := <-r.msgs:
		return fromMQTT(m), nil
	case <-r.lost:
		return Message{}, ErrConnectionLost
	case <-r.done:
		return Message{}, ErrClosed
	case <-timer.C:
		return Message{}, ErrEmpty
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func fromMQTT(m mqtt.Message) Message {
	return Message{
		ID:         strconv.Itoa(int(m.MessageID())),
		Subject:    m.Topic(),
		Body:       m.Payload(),
		ReceivedAt: time.Now(),
		handle:     m,
	}
}

// MQTTPublisher publishes events as JSON documents.
type MQTTPublisher struct {
	client mqtt.Client
}

// NewMQTTPublisher connects a publisher to the target.
func NewMQTTPublisher(ctx context.Context, t core.Target, opts Options) (*MQTTPublisher, error) {
	client, err := connectMQTT(ctx, t, opts, nil)
	if err != nil {
		return nil, err
	}
	return &MQTTPublisher{client: client}, nil
}

// Publish sends one JSON document built from fields to the topic. A body
// field holding JSON is embedded under "args".
func (p *MQTTPublisher) Publish(ctx context.Context, address string, fields map[string]string) error {
	payload, err := encodeMQTTEnvelope(fields)
	if err != nil {
		return err
	}
	return waitToken(ctx, p.client.Publish(address, 1, false, payload))
}

func encodeMQTTEnvelope(fields map[string]string) ([]byte, error) {
	doc := make(map[string]any, len(fields))
	for k, v := range fields {
		switch {
		case k == FieldBody && json.Valid([]byte(v)):
			doc["args"] = json.RawMessage(v)
		case k == FieldContentType:
		default:
			doc[k] = v
		}
	}
	return json.Marshal(doc)
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
