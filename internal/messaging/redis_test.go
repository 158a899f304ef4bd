package messaging

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"brokerwatch/internal/core"
)

func miniTarget(t *testing.T, s *miniredis.Miniredis) core.Target {
	t.Helper()
	host, port, err := net.SplitHostPort(s.Addr())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	n, _ := strconv.Atoi(port)
	return core.Target{Transport: core.TransportRedis, Host: host, Port: n}
}

func streamGroups(t *testing.T, s *miniredis.Miniredis, stream string) []redis.XInfoGroup {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()
	groups, err := rdb.XInfoGroups(context.Background(), stream).Result()
	if err != nil {
		t.Fatalf("xinfo groups: %v", err)
	}
	return groups
}

func openReceiver(t *testing.T, client Client, target core.Target, stream string) (Connection, Session, Receiver) {
	t.Helper()
	ctx := context.Background()
	conn, err := client.Connect(ctx, target)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	sess, err := conn.Session(ctx)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	rcv, err := sess.Receiver(ctx, stream)
	if err != nil {
		t.Fatalf("receiver: %v", err)
	}
	return conn, sess, rcv
}

func TestRedisFetchAndAcknowledge(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer s.Close()

	target := miniTarget(t, s)
	conn, sess, rcv := openReceiver(t, NewRedisClient(Options{ConnectTimeout: time.Second}, nil), target, "events")
	defer conn.Close()
	defer sess.Close()

	ctx := context.Background()
	pub, err := NewRedisPublisher(ctx, target, Options{})
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	defer pub.Close()
	err = pub.Publish(ctx, "events", map[string]string{
		"event":          "queueDeclare",
		FieldBody:        `{"qName":"orders"}`,
		FieldContentType: "application/json",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg, err := rcv.Fetch(ctx, time.Second)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if msg.Subject != "events" {
		t.Fatalf("expected subject events got %q", msg.Subject)
	}
	if string(msg.Body) != `{"qName":"orders"}` {
		t.Fatalf("unexpected body %q", msg.Body)
	}
	if msg.ContentType != "application/json" {
		t.Fatalf("unexpected content type %q", msg.ContentType)
	}
	if msg.Properties["event"] != "queueDeclare" {
		t.Fatalf("unexpected properties %v", msg.Properties)
	}
	if _, ok := msg.Properties[FieldBody]; ok {
		t.Fatal("body must not be repeated as a property")
	}
	if err := sess.Acknowledge(ctx, msg); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestRedisFetchTimeout(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer s.Close()

	conn, sess, rcv := openReceiver(t, NewRedisClient(Options{}, nil), miniTarget(t, s), "events")
	defer conn.Close()
	defer sess.Close()

	start := time.Now()
	_, err = rcv.Fetch(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("fetch blocked for %v", time.Since(start))
	}
}

func TestRedisOnlyNewEvents(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer s.Close()

	if _, err := s.XAdd("events", "*", []string{"event", "old"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	conn, sess, rcv := openReceiver(t, NewRedisClient(Options{}, nil), miniTarget(t, s), "events")
	defer conn.Close()
	defer sess.Close()

	if _, err := rcv.Fetch(context.Background(), 20*time.Millisecond); !errors.Is(err, ErrEmpty) {
		t.Fatalf("events published before the receiver must be skipped, got %v", err)
	}
}

func TestRedisEphemeralGroupRemovedOnClose(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer s.Close()

	conn, sess, _ := openReceiver(t, NewRedisClient(Options{}, nil), miniTarget(t, s), "events")
	defer conn.Close()

	if groups := streamGroups(t, s, "events"); len(groups) != 1 {
		t.Fatalf("expected one group, got %v", groups)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("close session: %v", err)
	}
	if groups := streamGroups(t, s, "events"); len(groups) != 0 {
		t.Fatalf("expected ephemeral group removed, got %v", groups)
	}
}

func TestRedisSharedGroupKept(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer s.Close()

	client := NewRedisClient(Options{ConsumerGroup: "ops"}, nil)
	conn, sess, _ := openReceiver(t, client, miniTarget(t, s), "events")
	defer conn.Close()
	if err := sess.Close(); err != nil {
		t.Fatalf("close session: %v", err)
	}
	groups := streamGroups(t, s, "events")
	if len(groups) != 1 || groups[0].Name != "ops" {
		t.Fatalf("expected group ops to survive, got %v", groups)
	}
}

func TestRedisSharedGroupRedeliversUnacknowledged(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer s.Close()

	client := NewRedisClient(Options{ConsumerGroup: "ops"}, nil)
	target := miniTarget(t, s)
	ctx := context.Background()

	conn, sess, rcv := openReceiver(t, client, target, "events")
	id, err := s.XAdd("events", "*", []string{"event", "queueDeclare"})
	if err != nil {
		t.Fatalf("xadd: %v", err)
	}
	msg, err := rcv.Fetch(ctx, time.Second)
	if err != nil || msg.ID != id {
		t.Fatalf("first fetch: id=%q err=%v", msg.ID, err)
	}
	// Never acknowledged: the entry stays pending in the group.
	sess.Close()
	conn.Close()

	conn, sess, rcv = openReceiver(t, client, target, "events")
	next, err := s.XAdd("events", "*", []string{"event", "queueDelete"})
	if err != nil {
		t.Fatalf("xadd: %v", err)
	}
	msg, err = rcv.Fetch(ctx, time.Second)
	if err != nil || msg.ID != id {
		t.Fatalf("expected pending %s redelivered, got id=%q err=%v", id, msg.ID, err)
	}
	if err := sess.Acknowledge(ctx, msg); err != nil {
		t.Fatalf("ack: %v", err)
	}
	msg, err = rcv.Fetch(ctx, time.Second)
	if err != nil || msg.ID != next {
		t.Fatalf("expected new entry %s after the backlog, got id=%q err=%v", next, msg.ID, err)
	}
	if err := sess.Acknowledge(ctx, msg); err != nil {
		t.Fatalf("ack: %v", err)
	}
	sess.Close()
	conn.Close()

	conn, sess, rcv = openReceiver(t, client, target, "events")
	defer conn.Close()
	defer sess.Close()
	if _, err := rcv.Fetch(ctx, 20*time.Millisecond); !errors.Is(err, ErrEmpty) {
		t.Fatalf("acknowledged entries must not come back, got %v", err)
	}
}

func TestRedisPrivateGroupRemovedAfterReconnect(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer s.Close()

	client := NewRedisClient(Options{ConnectTimeout: time.Second}, nil)
	target := miniTarget(t, s)

	conn, sess, _ := openReceiver(t, client, target, "events")
	s.Close()
	if err := sess.Close(); err == nil {
		t.Fatal("expected group removal to fail while the server is down")
	}
	conn.Close()

	if err := s.Restart(); err != nil {
		t.Fatalf("restart miniredis: %v", err)
	}
	if groups := streamGroups(t, s, "events"); len(groups) != 1 {
		t.Fatalf("expected the orphaned group to survive the restart, got %v", groups)
	}

	conn, sess, _ = openReceiver(t, client, target, "events")
	defer conn.Close()
	if groups := streamGroups(t, s, "events"); len(groups) != 1 {
		t.Fatalf("expected only the new session's group, got %v", groups)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("close session: %v", err)
	}
	if groups := streamGroups(t, s, "events"); len(groups) != 0 {
		t.Fatalf("expected no groups left, got %v", groups)
	}
}

func TestRedisConnectFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	client := NewRedisClient(Options{ConnectTimeout: 200 * time.Millisecond}, nil)
	_, err = client.Connect(context.Background(), core.Target{Transport: core.TransportRedis, Host: "127.0.0.1", Port: addr.Port})
	if err == nil {
		t.Fatal("expected connect error")
	}
}

func TestRedisConnectionLost(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	conn, sess, rcv := openReceiver(t, NewRedisClient(Options{}, nil), miniTarget(t, s), "events")
	defer conn.Close()
	defer sess.Close()

	s.Close()
	_, err = rcv.Fetch(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost got %v", err)
	}
}

func TestRedisFetchCancelled(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer s.Close()

	conn, sess, rcv := openReceiver(t, NewRedisClient(Options{}, nil), miniTarget(t, s), "events")
	defer conn.Close()
	defer sess.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = rcv.Fetch(ctx, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled got %v", err)
	}
}

func TestNewClientUnsupported(t *testing.T) {
	if _, err := NewClient("amqp", Options{}, nil); !errors.Is(err, ErrUnsupportedTransport) {
		t.Fatalf("expected ErrUnsupportedTransport got %v", err)
	}
}
