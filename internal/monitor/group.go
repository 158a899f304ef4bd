package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"brokerwatch/internal/core"
	"brokerwatch/internal/messaging"
)

// ClientFactory returns the messaging client for a transport.
type ClientFactory func(tr core.Transport) (messaging.Client, error)

// DecoderFactory returns the decoder for a transport.
type DecoderFactory func(tr core.Transport) Decoder

// GroupOptions configure every supervisor of a Group.
type GroupOptions struct {
	Clients      ClientFactory
	Decoders     DecoderFactory
	Output       Output
	Backoff      time.Duration
	FetchTimeout time.Duration
	Logger       zerolog.Logger
	Now          func() time.Time
}

// Status is a point-in-time view of one supervisor.
type Status struct {
	ID        string `json:"id"`
	Broker    string `json:"broker"`
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	Events    uint64 `json:"events"`
}

// Group owns the supervisors of one monitor run. All supervisors share the
// group's Output.
type Group struct {
	opts        GroupOptions
	supervisors []*Supervisor
	fatal       chan error
	fatalOnce   sync.Once
	mu          sync.RWMutex
}

// NewGroup returns an empty group.
func NewGroup(opts GroupOptions) *Group {
	return &Group{opts: opts, fatal: make(chan error, 1)}
}

// StartAll creates and starts one supervisor per target. If any supervisor
// cannot be created the ones already started are stopped again.
func (g *Group) StartAll(ctx context.Context, targets []core.Target) ([]*Supervisor, error) {
	clients := make(map[core.Transport]messaging.Client)
	started := make([]*Supervisor, 0, len(targets))
	for _, t := range targets {
		client, ok := clients[t.Transport]
		if !ok {
			var err error
			client, err = g.opts.Clients(t.Transport)
			if err != nil {
				stopAll(workers(started))
				return nil, fmt.Errorf("create client for %s: %w", t.Address(), err)
			}
			clients[t.Transport] = client
		}
		s := NewSupervisor(t, Config{
			Client:       client,
			Decoder:      g.opts.Decoders(t.Transport),
			Output:       g.opts.Output,
			Backoff:      g.opts.Backoff,
			FetchTimeout: g.opts.FetchTimeout,
			Logger:       g.opts.Logger,
			OnFatal:      g.reportFatal,
			Now:          g.opts.Now,
		})
		if err := s.Start(ctx); err != nil {
			stopAll(workers(started))
			return nil, fmt.Errorf("start supervisor: %w", err)
		}
		started = append(started, s)
	}
	g.mu.Lock()
	g.supervisors = append(g.supervisors, started...)
	g.mu.Unlock()
	return started, nil
}

// StopAll cancels every supervisor, then waits for every one of them. It
// returns the errors supervisors stopped with.
func (g *Group) StopAll() error {
	g.mu.RLock()
	sups := append([]*Supervisor(nil), g.supervisors...)
	g.mu.RUnlock()
	return stopAll(workers(sups))
}

// stopAll runs two full passes: cancel everything, then wait for
// everything.
func stopAll(ws []core.Worker) error {
	for _, w := range ws {
		w.Cancel()
	}
	var errs error
	for _, w := range ws {
		w.Wait()
		errs = multierr.Append(errs, w.Err())
	}
	return errs
}

func workers(sups []*Supervisor) []core.Worker {
	ws := make([]core.Worker, len(sups))
	for i, s := range sups {
		ws[i] = s
	}
	return ws
}

// Fatal delivers the first fatal supervisor error.
func (g *Group) Fatal() <-chan error { return g.fatal }

func (g *Group) reportFatal(err error) {
	g.fatalOnce.Do(func() { g.fatal <- err })
}

// Supervisors returns the running supervisors.
func (g *Group) Supervisors() []*Supervisor {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*Supervisor(nil), g.supervisors...)
}

// Status reports every supervisor in start order.
func (g *Group) Status() []Status {
	sups := g.Supervisors()
	out := make([]Status, 0, len(sups))
	for _, s := range sups {
		out = append(out, Status{
			ID:        s.ID(),
			Broker:    s.Target().Address(),
			State:     string(s.State()),
			Connected: s.Connected(),
			Events:    s.Events(),
		})
	}
	return out
}
