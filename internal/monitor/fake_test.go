package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"brokerwatch/internal/core"
	"brokerwatch/internal/messaging"
)

// journal records writes and acknowledgements in the order they happened.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(e string) {
	j.mu.Lock()
	j.entries = append(j.entries, e)
	j.mu.Unlock()
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// count returns how many entries contain substr.
func (j *journal) count(substr string) int {
	n := 0
	for _, e := range j.snapshot() {
		if strings.Contains(e, substr) {
			n++
		}
	}
	return n
}

// recordingOutput is an Output that journals every record.
type recordingOutput struct {
	j   *journal
	err error
}

func (o *recordingOutput) Write(rec core.Record) error {
	if o.err != nil {
		return o.err
	}
	o.j.add("write " + rec.String())
	return nil
}

// fakeBroker is a scripted in-memory broker for one target.
type fakeBroker struct {
	j *journal

	mu       sync.Mutex
	failures int
	attempts int
	lost     chan struct{}
	queue    chan messaging.Message

	// Scripted failures after a successful dial, consumed one per call.
	sessionFailures  int
	receiverFailures int
	ackFailures      int
}

func newFakeBroker(j *journal, failures int) *fakeBroker {
	return &fakeBroker{
		j:        j,
		failures: failures,
		lost:     make(chan struct{}),
		queue:    make(chan messaging.Message, 64),
	}
}

func (b *fakeBroker) setFailures(n int) {
	b.mu.Lock()
	b.failures = n
	b.mu.Unlock()
}

func (b *fakeBroker) failSetup(sessions, receivers int) {
	b.mu.Lock()
	b.sessionFailures, b.receiverFailures = sessions, receivers
	b.mu.Unlock()
}

func (b *fakeBroker) failAcks(n int) {
	b.mu.Lock()
	b.ackFailures = n
	b.mu.Unlock()
}

// take consumes one scripted failure from *n.
func (b *fakeBroker) take(n *int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if *n > 0 {
		*n--
		return true
	}
	return false
}

func (b *fakeBroker) connectAttempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// drop breaks the current connection.
func (b *fakeBroker) drop() {
	b.mu.Lock()
	close(b.lost)
	b.lost = make(chan struct{})
	b.mu.Unlock()
}

func (b *fakeBroker) publish(id, event string) {
	b.queue <- messaging.Message{
		ID:         id,
		Subject:    "events",
		Properties: map[string]string{"event": event, "severity": "info", "package": "test"},
		ReceivedAt: time.Date(2024, time.March, 5, 14, 7, 9, 0, time.UTC),
	}
}

// fakeClient routes connections to per-target brokers.
type fakeClient struct {
	brokers map[string]*fakeBroker
}

func (c *fakeClient) Connect(ctx context.Context, t core.Target) (messaging.Connection, error) {
	b, ok := c.brokers[t.Address()]
	if !ok {
		return nil, errors.New("no route to host")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	if b.failures > 0 {
		b.failures--
		return nil, errors.New("connection refused")
	}
	return &fakeConn{b: b, lost: b.lost}, nil
}

type fakeConn struct {
	b    *fakeBroker
	lost chan struct{}
}

func (c *fakeConn) Session(ctx context.Context) (messaging.Session, error) {
	if c.b.take(&c.b.sessionFailures) {
		return nil, errors.New("session refused")
	}
	return &fakeSession{conn: c}, nil
}

func (c *fakeConn) Close() error { return nil }

type fakeSession struct{ conn *fakeConn }

func (s *fakeSession) Receiver(ctx context.Context, address string) (messaging.Receiver, error) {
	if s.conn.b.take(&s.conn.b.receiverFailures) {
		return nil, errors.New("no such address")
	}
	return &fakeReceiver{conn: s.conn}, nil
}

func (s *fakeSession) Acknowledge(ctx context.Context, msg messaging.Message) error {
	select {
	case <-s.conn.lost:
		return messaging.ErrConnectionLost
	default:
	}
	if s.conn.b.take(&s.conn.b.ackFailures) {
		return errors.New("ack rejected")
	}
	s.conn.b.j.add("ack " + msg.ID)
	return nil
}

func (s *fakeSession) Close() error { return nil }

type fakeReceiver struct{ conn *fakeConn }

func (r *fakeReceiver) Fetch(ctx context.Context, timeout time.Duration) (messaging.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.conn.lost:
		return messaging.Message{}, messaging.ErrConnectionLost
	default:
	}
	select {
	case m := <-r.conn.b.queue:
		return m, nil
	case <-r.conn.lost:
		return messaging.Message{}, messaging.ErrConnectionLost
	case <-timer.C:
		return messaging.Message{}, messaging.ErrEmpty
	case <-ctx.Done():
		return messaging.Message{}, ctx.Err()
	}
}
