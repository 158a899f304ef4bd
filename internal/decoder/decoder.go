// Package decoder turns raw broker messages into output records.
package decoder

import (
	"encoding/json"
	"fmt"
	"math"
	"mime"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2/event"
	"github.com/fxamacker/cbor/v2"
	"github.com/tidwall/gjson"

	"brokerwatch/internal/core"
	"brokerwatch/internal/messaging"
)

// Default event addresses per transport.
const (
	DefaultRedisAddress = "qmf.default.topic/agent.ind.event"
	DefaultMQTTAddress  = "qmf/agent/ind/event/#"
)

// Metadata keys. They select severity, source, name and timestamp of the
// record and are never rendered as attributes.
const (
	keySeverity  = "severity"
	keyPackage   = "package"
	keySource    = "source"
	keyEvent     = "event"
	keyName      = "name"
	keyTimestamp = "timestamp"
	keyArgs      = "args"
)

const (
	contentTypeCBOR        = "application/cbor"
	contentTypeCloudEvents = "application/cloudevents+json"
	defaultSource          = "broker"
	defaultName            = "event"
)

var cborMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// EventAddress returns configured, or the default event address for the
// transport when configured is empty.
func EventAddress(tr core.Transport, configured string) string {
	if configured != "" {
		return configured
	}
	if tr == core.TransportMQTT {
		return DefaultMQTTAddress
	}
	return DefaultRedisAddress
}

// Decoder converts messages read from one transport.
type Decoder struct {
	address string
}

// New creates a decoder reading from address, or from the transport's
// default address when address is empty.
func New(tr core.Transport, address string) *Decoder {
	return &Decoder{address: EventAddress(tr, address)}
}

// EventAddress is the address receivers are bound to.
func (d *Decoder) EventAddress() string { return d.address }

// decoded collects metadata and attributes before they become a record.
type decoded struct {
	meta  map[string]string
	attrs []core.Field
}

func (d *decoded) setMeta(k, v string) {
	if _, ok := d.meta[k]; !ok {
		d.meta[k] = v
	}
}

// Decode converts msg into a record. It never fails: a body that cannot be
// parsed is rendered as a single raw attribute.
func (d *Decoder) Decode(msg messaging.Message) core.Record {
	dec := &decoded{meta: make(map[string]string)}

	propKeys := make([]string, 0, len(msg.Properties))
	for k := range msg.Properties {
		propKeys = append(propKeys, k)
	}
	sort.Strings(propKeys)
	for _, k := range propKeys {
		v := msg.Properties[k]
		if isMeta(k) {
			dec.setMeta(k, v)
			continue
		}
		dec.attrs = append(dec.attrs, core.Field{Key: k, Value: v})
	}

	if len(msg.Body) > 0 {
		var err error
		switch mediaType(msg.ContentType) {
		case contentTypeCloudEvents:
			err = dec.cloudEvent(msg.Body)
		case contentTypeCBOR:
			err = dec.cbor(msg.Body)
		default:
			switch {
			case gjson.ValidBytes(msg.Body) && gjson.ParseBytes(msg.Body).IsObject():
				if gjson.GetBytes(msg.Body, "specversion").Exists() {
					err = dec.cloudEvent(msg.Body)
				} else {
					dec.json(gjson.ParseBytes(msg.Body))
				}
			default:
				err = errRaw
			}
		}
		if err != nil {
			dec.attrs = append(dec.attrs, core.Field{Key: "raw", Value: string(msg.Body)})
		}
	}

	rec := core.Record{
		Timestamp: msg.ReceivedAt,
		Severity:  core.SeverityInfo,
		Source:    defaultSource,
		Name:      defaultName,
		Fields:    dec.attrs,
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if sev, ok := core.ParseSeverity(dec.meta[keySeverity]); ok {
		rec.Severity = sev
	}
	if v := firstOf(dec.meta, keyPackage, keySource); v != "" {
		rec.Source = v
	}
	if v := firstOf(dec.meta, keyEvent, keyName); v != "" {
		rec.Name = v
	} else if msg.Subject != "" {
		rec.Name = msg.Subject
	}
	if ts, ok := ParseTimestamp(dec.meta[keyTimestamp]); ok {
		rec.Timestamp = ts
	}
	return rec
}

var errRaw = fmt.Errorf("body is not structured")

func (d *decoded) json(doc gjson.Result) {
	doc.ForEach(func(k, v gjson.Result) bool {
		key := k.String()
		switch {
		case key == keyArgs && v.IsObject():
			v.ForEach(func(ak, av gjson.Result) bool {
				d.attrs = append(d.attrs, core.Field{Key: ak.String(), Value: jsonValue(av)})
				return true
			})
		case isMeta(key):
			d.setMeta(key, jsonValue(v))
		default:
			d.attrs = append(d.attrs, core.Field{Key: key, Value: jsonValue(v)})
		}
		return true
	})
}

func jsonValue(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return v.String()
	case gjson.Null:
		return ""
	default:
		return v.Raw
	}
}

func (d *decoded) cbor(body []byte) error {
	var doc map[string]any
	if err := cborMode.Unmarshal(body, &doc); err != nil {
		return err
	}
	for _, k := range sortedKeys(doc) {
		v := doc[k]
		switch {
		case k == keyArgs:
			args, ok := v.(map[string]any)
			if !ok {
				d.attrs = append(d.attrs, core.Field{Key: k, Value: anyValue(v)})
				continue
			}
			for _, ak := range sortedKeys(args) {
				d.attrs = append(d.attrs, core.Field{Key: ak, Value: anyValue(args[ak])})
			}
		case isMeta(k):
			d.setMeta(k, anyValue(v))
		default:
			d.attrs = append(d.attrs, core.Field{Key: k, Value: anyValue(v)})
		}
	}
	return nil
}

func (d *decoded) cloudEvent(body []byte) error {
	ev := cloudevents.New()
	if err := ev.UnmarshalJSON(body); err != nil {
		return err
	}
	d.setMeta(keyEvent, ev.Type())
	d.setMeta(keySource, ev.Source())
	if t := ev.Time(); !t.IsZero() {
		d.setMeta(keyTimestamp, t.Format(time.RFC3339Nano))
	}
	if sev, ok := ev.Extensions()[keySeverity]; ok {
		d.setMeta(keySeverity, anyValue(sev))
	}
	if id := ev.ID(); id != "" {
		d.attrs = append(d.attrs, core.Field{Key: "id", Value: id})
	}
	if subj := ev.Subject(); subj != "" {
		d.attrs = append(d.attrs, core.Field{Key: "subject", Value: subj})
	}
	data := ev.Data()
	switch {
	case len(data) == 0:
	case gjson.ValidBytes(data) && gjson.ParseBytes(data).IsObject():
		gjson.ParseBytes(data).ForEach(func(k, v gjson.Result) bool {
			d.attrs = append(d.attrs, core.Field{Key: k.String(), Value: jsonValue(v)})
			return true
		})
	default:
		d.attrs = append(d.attrs, core.Field{Key: "data", Value: string(data)})
	}
	return nil
}

// ParseTimestamp accepts unix nanoseconds, unix seconds (optionally
// fractional) or RFC3339.
func ParseTimestamp(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		if n <= 0 {
			return time.Time{}, false
		}
		// Anything past the year 33658 in seconds is taken as nanoseconds.
		if n >= 1e12 {
			return time.Unix(0, n), true
		}
		return time.Unix(n, 0), true
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
		if math.IsInf(f, 0) || f >= math.MaxInt64 {
			return time.Time{}, false
		}
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*1e9)), true
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func anyValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	default:
		return fmt.Sprint(x)
	}
}

func isMeta(k string) bool {
	switch k {
	case keySeverity, keyPackage, keySource, keyEvent, keyName, keyTimestamp:
		return true
	}
	return false
}

func firstOf(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; v != "" {
			return v
		}
	}
	return ""
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func mediaType(ct string) string {
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct))
	}
	return mt
}
