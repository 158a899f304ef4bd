package core

import (
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the timestamp layout of every emitted record (ctime, UTC).
const TimeLayout = time.ANSIC

// Source tag and event names of the notices the monitor synthesizes itself.
const (
	MonitorSource      = "brokerwatch"
	BrokerConnected    = "brokerConnected"
	BrokerDisconnected = "brokerDisconnected"
)

// Field is one key=value attribute of a record.
type Field struct {
	Key   string
	Value string
}

// Record is one line of monitor output: a broker event or a synthetic
// connectivity notice.
type Record struct {
	Timestamp time.Time
	Severity  Severity
	Source    string
	Name      string
	Fields    []Field
}

// Notice builds a synthetic connectivity record for the given broker.
func Notice(name, broker string, at time.Time) Record {
	return Record{
		Timestamp: at,
		Severity:  SeverityNotice,
		Source:    MonitorSource,
		Name:      name,
		Fields:    []Field{{Key: "broker", Value: broker}},
	}
}

// String renders "<timestamp> <severity> <source>:<name> key=value ...".
// The result never contains a newline.
func (r Record) String() string {
	var b strings.Builder
	b.WriteString(r.Timestamp.UTC().Format(TimeLayout))
	b.WriteByte(' ')
	b.WriteString(r.Severity.String())
	b.WriteByte(' ')
	b.WriteString(token(r.Source))
	b.WriteByte(':')
	b.WriteString(token(r.Name))
	for _, f := range r.Fields {
		b.WriteByte(' ')
		b.WriteString(token(f.Key))
		b.WriteByte('=')
		b.WriteString(QuoteValue(f.Value))
	}
	return b.String()
}

// QuoteValue returns v unchanged when it is a plain token and a Go-quoted
// string when it is empty or contains whitespace, '=', quotes or control
// characters.
func QuoteValue(v string) string {
	if v == "" {
		return `""`
	}
	for _, c := range v {
		if c <= ' ' || c == '=' || c == '"' || c == '\'' || c == 0x7f || !strconv.IsPrint(c) {
			return strconv.Quote(v)
		}
	}
	return v
}

// token strips characters that would break the line structure from names
// and keys, which are never quoted.
func token(s string) string {
	return strings.Map(func(c rune) rune {
		if c <= ' ' || c == 0x7f {
			return '_'
		}
		return c
	}, s)
}
