package decoder

import (
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"brokerwatch/internal/core"
	"brokerwatch/internal/messaging"
)

var received = time.Date(2024, time.March, 5, 14, 7, 9, 0, time.UTC)

func TestDecodeJSON(t *testing.T) {
	d := New(core.TransportRedis, "")
	rec := d.Decode(messaging.Message{
		Subject:     DefaultRedisAddress,
		ContentType: "application/json",
		ReceivedAt:  received,
		Properties: map[string]string{
			"severity": "warn",
			"package":  "org.apache.qpid.broker",
			"event":    "queueDeclare",
		},
		Body: []byte(`{"args":{"qName":"orders","user":"guest@QPID","durable":true,"rhost":"10.0.0.1:5672"}}`),
	})
	want := "Tue Mar  5 14:07:09 2024 WARN org.apache.qpid.broker:queueDeclare qName=orders user=guest@QPID durable=true rhost=10.0.0.1:5672"
	if got := rec.String(); got != want {
		t.Fatalf("unexpected record\n got: %s\nwant: %s", got, want)
	}
}

func TestDecodeJSONMetadataInBody(t *testing.T) {
	d := New(core.TransportMQTT, "")
	rec := d.Decode(messaging.Message{
		Subject:    "qmf/agent/ind/event/x",
		ReceivedAt: received,
		Body:       []byte(`{"severity":3,"source":"mqtt-broker","name":"clientLost","timestamp":1709647629000000000,"client":"a b"}`),
	})
	if rec.Severity != core.SeverityError {
		t.Fatalf("expected ERROR got %s", rec.Severity)
	}
	if rec.Source != "mqtt-broker" || rec.Name != "clientLost" {
		t.Fatalf("unexpected source/name %s:%s", rec.Source, rec.Name)
	}
	if !rec.Timestamp.Equal(time.Unix(0, 1709647629000000000)) {
		t.Fatalf("unexpected timestamp %v", rec.Timestamp)
	}
	if len(rec.Fields) != 1 || rec.Fields[0] != (core.Field{Key: "client", Value: "a b"}) {
		t.Fatalf("unexpected fields %v", rec.Fields)
	}
	if !strings.HasSuffix(rec.String(), `client="a b"`) {
		t.Fatalf("value with space must be quoted: %s", rec.String())
	}
}

func TestDecodeDefaults(t *testing.T) {
	d := New(core.TransportRedis, "")
	rec := d.Decode(messaging.Message{Subject: "events", ReceivedAt: received})
	if rec.Severity != core.SeverityInfo || rec.Source != "broker" || rec.Name != "events" {
		t.Fatalf("unexpected defaults %+v", rec)
	}
	if !rec.Timestamp.Equal(received) {
		t.Fatalf("expected receipt time got %v", rec.Timestamp)
	}

	rec = d.Decode(messaging.Message{})
	if rec.Name != "event" || rec.Timestamp.IsZero() {
		t.Fatalf("unexpected defaults %+v", rec)
	}
}

func TestDecodePropertiesSorted(t *testing.T) {
	d := New(core.TransportRedis, "")
	rec := d.Decode(messaging.Message{
		ReceivedAt: received,
		Properties: map[string]string{"zeta": "1", "alpha": "2", "mid": "3", "event": "bind"},
	})
	var keys []string
	for _, f := range rec.Fields {
		keys = append(keys, f.Key)
	}
	if strings.Join(keys, ",") != "alpha,mid,zeta" {
		t.Fatalf("expected sorted property keys got %v", keys)
	}
}

func TestDecodeCBOR(t *testing.T) {
	body, err := cbor.Marshal(map[string]any{
		"event":    "exchangeDeclare",
		"severity": "notice",
		"args":     map[string]any{"exName": "amq.topic", "autoDel": false},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	rec := New(core.TransportRedis, "").Decode(messaging.Message{
		ContentType: "application/cbor",
		ReceivedAt:  received,
		Body:        body,
	})
	if rec.Name != "exchangeDeclare" || rec.Severity != core.SeverityNotice {
		t.Fatalf("unexpected record %+v", rec)
	}
	want := []core.Field{{Key: "autoDel", Value: "false"}, {Key: "exName", Value: "amq.topic"}}
	if len(rec.Fields) != len(want) {
		t.Fatalf("unexpected fields %v", rec.Fields)
	}
	for i := range want {
		if rec.Fields[i] != want[i] {
			t.Fatalf("field %d: expected %v got %v", i, want[i], rec.Fields[i])
		}
	}
}

func TestDecodeCloudEvent(t *testing.T) {
	body := []byte(`{
		"specversion": "1.0",
		"id": "42",
		"type": "queueDelete",
		"source": "/brokers/qpid",
		"time": "2024-03-05T14:07:09Z",
		"severity": "warn",
		"datacontenttype": "application/json",
		"data": {"qName": "orders", "user": "admin"}
	}`)
	rec := New(core.TransportRedis, "").Decode(messaging.Message{
		ContentType: "application/cloudevents+json; charset=utf-8",
		Body:        body,
	})
	want := "Tue Mar  5 14:07:09 2024 WARN /brokers/qpid:queueDelete id=42 qName=orders user=admin"
	if got := rec.String(); got != want {
		t.Fatalf("unexpected record\n got: %s\nwant: %s", got, want)
	}
}

func TestDecodeRawFallback(t *testing.T) {
	rec := New(core.TransportRedis, "").Decode(messaging.Message{
		Subject:    "events",
		ReceivedAt: received,
		Body:       []byte("not json at all"),
	})
	want := `Tue Mar  5 14:07:09 2024 INFO broker:events raw="not json at all"`
	if got := rec.String(); got != want {
		t.Fatalf("unexpected record\n got: %s\nwant: %s", got, want)
	}

	rec = New(core.TransportRedis, "").Decode(messaging.Message{
		ContentType: "application/cbor",
		ReceivedAt:  received,
		Body:        []byte{0xff, 0x00},
	})
	if len(rec.Fields) != 1 || rec.Fields[0].Key != "raw" {
		t.Fatalf("expected raw fallback got %v", rec.Fields)
	}
}

func TestDecodeNeverProducesNewline(t *testing.T) {
	rec := New(core.TransportRedis, "").Decode(messaging.Message{
		ReceivedAt: received,
		Properties: map[string]string{"event": "multi\nline", "note": "a\nb"},
		Body:       []byte("x\ny"),
	})
	if strings.ContainsAny(rec.String(), "\r\n") {
		t.Fatalf("record contains a line break: %q", rec.String())
	}
}

func TestParseTimestamp(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"1709647629", time.Unix(1709647629, 0), true},
		{"1709647629000000000", time.Unix(0, 1709647629000000000), true},
		{"1709647629.5", time.Unix(1709647629, 500000000), true},
		{"2024-03-05T14:07:09Z", received, true},
		{"", time.Time{}, false},
		{"yesterday", time.Time{}, false},
		{"-5", time.Time{}, false},
		{"1e300", time.Time{}, false},
		{"Inf", time.Time{}, false},
		{"+Inf", time.Time{}, false},
		{"NaN", time.Time{}, false},
	}
	for _, c := range cases {
		got, ok := ParseTimestamp(c.in)
		if ok != c.ok || (ok && !got.Equal(c.want)) {
			t.Fatalf("ParseTimestamp(%q) = %v, %v; want %v, %v", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestEventAddress(t *testing.T) {
	if got := New(core.TransportRedis, "").EventAddress(); got != DefaultRedisAddress {
		t.Fatalf("unexpected redis default %q", got)
	}
	if got := New(core.TransportMQTT, "").EventAddress(); got != DefaultMQTTAddress {
		t.Fatalf("unexpected mqtt default %q", got)
	}
	if got := EventAddress(core.TransportMQTT, "custom/#"); got != "custom/#" {
		t.Fatalf("configured address must win, got %q", got)
	}
}
