package core

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Transport selects the messaging client used for a target.
type Transport string

const (
	TransportRedis Transport = "redis"
	TransportMQTT  Transport = "mqtt"
)

// TLSOptions carries the TLS material for a connection.
type TLSOptions struct {
	Enabled            bool
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// ConnOptions are the connection settings shared by every target unless
// the target URL overrides them.
type ConnOptions struct {
	Transport Transport
	Username  string
	Password  string
	TLS       TLSOptions
	Heartbeat time.Duration
}

// Target describes one broker endpoint. It is a value type and is never
// modified after a supervisor has been created for it.
type Target struct {
	Transport Transport
	Host      string
	Port      int
	Username  string
	Password  string
	DB        int
	TLS       TLSOptions
	Heartbeat time.Duration
}

var defaultPorts = map[string]int{
	"redis":  6379,
	"rediss": 6379,
	"mqtt":   1883,
	"tcp":    1883,
	"mqtts":  8883,
	"ssl":    8883,
	"tls":    8883,
}

// ParseTarget resolves a target string. Accepted forms are URLs with a
// redis, rediss, mqtt, mqtts, tcp, ssl or tls scheme, or a bare host[:port]
// which uses the default transport from opts. Credentials in the URL take
// precedence over opts.
func ParseTarget(raw string, opts ConnOptions) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, fmt.Errorf("empty target")
	}
	if !strings.Contains(raw, "://") {
		tr := opts.Transport
		if tr == "" {
			tr = TransportRedis
		}
		raw = string(tr) + "://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("parse target %q: %w", raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	port, ok := defaultPorts[scheme]
	if !ok {
		return Target{}, fmt.Errorf("target %q: unsupported scheme %q", raw, u.Scheme)
	}

	t := Target{
		Host:      u.Hostname(),
		Port:      port,
		Username:  opts.Username,
		Password:  opts.Password,
		TLS:       opts.TLS,
		Heartbeat: opts.Heartbeat,
	}
	switch scheme {
	case "redis", "rediss":
		t.Transport = TransportRedis
	default:
		t.Transport = TransportMQTT
	}
	switch scheme {
	case "rediss", "mqtts", "ssl", "tls":
		t.TLS.Enabled = true
	}
	if t.TLS.CAFile != "" || t.TLS.CertFile != "" {
		t.TLS.Enabled = true
	}
	if t.Host == "" {
		t.Host = "localhost"
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return Target{}, fmt.Errorf("target %q: invalid port %q", raw, p)
		}
		t.Port = n
	}
	if u.User != nil {
		t.Username = u.User.Username()
		if pw, set := u.User.Password(); set {
			t.Password = pw
		}
	}
	if path := strings.Trim(u.Path, "/"); path != "" {
		if t.Transport != TransportRedis {
			return Target{}, fmt.Errorf("target %q: path is only valid for redis targets", raw)
		}
		db, err := strconv.Atoi(path)
		if err != nil || db < 0 {
			return Target{}, fmt.Errorf("target %q: invalid database %q", raw, path)
		}
		t.DB = db
	}
	return t, nil
}

// HostPort returns host:port suitable for dialing.
func (t Target) HostPort() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Address is the credential-free identity of the target, used in notices
// and logs.
func (t Target) Address() string {
	scheme := string(t.Transport)
	if t.TLS.Enabled {
		scheme += "s"
	}
	addr := scheme + "://" + t.HostPort()
	if t.Transport == TransportRedis && t.DB != 0 {
		addr += "/" + strconv.Itoa(t.DB)
	}
	return addr
}

func (t Target) String() string { return t.Address() }
