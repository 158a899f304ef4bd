// Package monitor supervises one broker connection per target and forwards
// broker events to the shared output.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"brokerwatch/internal/core"
	"brokerwatch/internal/fsm"
	"brokerwatch/internal/messaging"
	"brokerwatch/internal/metrics"
)

// Supervisor states.
const (
	StateDisconnected fsm.State = "disconnected"
	StateConnected    fsm.State = "connected"
	StateCancelled    fsm.State = "cancelled"
)

const (
	evConnect fsm.Event = "connect"
	evDrop    fsm.Event = "drop"
	evCancel  fsm.Event = "cancel"
)

const (
	DefaultBackoff      = time.Second
	DefaultFetchTimeout = time.Second
)

// Output receives formatted records. Implementations must be safe for
// concurrent use.
type Output interface {
	Write(rec core.Record) error
}

// Decoder converts broker messages into records and names the address
// events are read from.
type Decoder interface {
	Decode(msg messaging.Message) core.Record
	EventAddress() string
}

// Config is what a Supervisor needs besides its target.
type Config struct {
	Client       messaging.Client
	Decoder      Decoder
	Output       Output
	Backoff      time.Duration
	FetchTimeout time.Duration
	Logger       zerolog.Logger
	// OnFatal is called once when the supervisor stops because the output
	// failed.
	OnFatal func(error)
	Now     func() time.Time
}

// Supervisor keeps one target connected and drains its event stream until
// cancelled. Connection failures are retried forever.
type Supervisor struct {
	id      string
	target  core.Target
	cfg     Config
	machine *fsm.FSM
	logger  zerolog.Logger

	connected atomic.Bool
	events    atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewSupervisor creates a supervisor for target. It does nothing until
// Start is called.
func NewSupervisor(target core.Target, cfg Config) *Supervisor {
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Supervisor{
		id:     uuid.NewString()[:8],
		target: target,
		cfg:    cfg,
		done:   make(chan struct{}),
	}
	s.logger = cfg.Logger.With().Str("broker", target.Address()).Str("supervisor", s.id).Logger()

	m := fsm.New(StateDisconnected)
	m.AddTransition(fsm.Transition{From: StateDisconnected, Event: evConnect, To: StateConnected, Action: s.notify(core.BrokerConnected, true)})
	m.AddTransition(fsm.Transition{From: StateConnected, Event: evDrop, To: StateDisconnected, Action: s.notify(core.BrokerDisconnected, false)})
	m.AddTransition(fsm.Transition{From: StateDisconnected, Event: evCancel, To: StateCancelled})
	m.AddTransition(fsm.Transition{From: StateConnected, Event: evCancel, To: StateCancelled})
	m.OnEnter(StateCancelled, func(context.Context) {
		s.connected.Store(false)
		metrics.SetConnected(s.target.Address(), false)
	})
	s.machine = m
	return s
}

// ID returns the supervisor identifier.
func (s *Supervisor) ID() string { return s.id }

// Target returns the supervised target.
func (s *Supervisor) Target() core.Target { return s.target }

// Connected reports whether the broker connection is currently up.
func (s *Supervisor) Connected() bool { return s.connected.Load() }

// State returns the current state.
func (s *Supervisor) State() fsm.State { return s.machine.State() }

// Events returns the number of events forwarded so far.
func (s *Supervisor) Events() uint64 { return s.events.Load() }

// Err returns the error the supervisor stopped with, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Start launches the supervisor goroutine. The supervisor runs until ctx
// is done or Cancel is called.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("supervisor %s already started", s.id)
	}
	if err := s.machine.Validate(); err != nil {
		return fmt.Errorf("supervisor %s: %w", s.id, err)
	}
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
	return nil
}

// Cancel asks the supervisor to stop. It does not wait.
func (s *Supervisor) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Wait blocks until the supervisor goroutine has returned. It returns at
// once for a supervisor that was never started.
func (s *Supervisor) Wait() {
	s.mu.Lock()
	started := s.cancel != nil
	s.mu.Unlock()
	if started {
		<-s.done
	}
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	defer s.machine.Trigger(context.Background(), evCancel)

	s.logger.Info().Msg("supervisor started")
	defer s.logger.Info().Msg("supervisor stopped")

	for ctx.Err() == nil {
		established, err := s.attempt(ctx)
		if isFatal(err) {
			s.fail(err)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if established {
			s.logger.Info().Err(err).Msg("connection lost")
			if _, err := s.machine.Trigger(ctx, evDrop); err != nil {
				s.fail(err)
				return
			}
			continue
		}
		s.logger.Debug().Err(err).Dur("backoff", s.cfg.Backoff).Msg("connect failed")
		if !sleep(ctx, s.cfg.Backoff) {
			return
		}
	}
}

// attempt runs one connection from dial to loss. It reports whether the
// connection was established, in which case a connected notice was emitted.
func (s *Supervisor) attempt(ctx context.Context) (bool, error) {
	addr := s.target.Address()
	conn, err := s.cfg.Client.Connect(ctx, s.target)
	if err != nil {
		metrics.ConnectAttempt(addr, false)
		return false, err
	}
	defer conn.Close()

	sess, err := conn.Session(ctx)
	if err != nil {
		metrics.ConnectAttempt(addr, false)
		return false, fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("close session")
		}
	}()

	rcv, err := sess.Receiver(ctx, s.cfg.Decoder.EventAddress())
	if err != nil {
		metrics.ConnectAttempt(addr, false)
		return false, fmt.Errorf("open receiver: %w", err)
	}
	metrics.ConnectAttempt(addr, true)

	if _, err := s.machine.Trigger(ctx, evConnect); err != nil {
		return false, err
	}
	return true, s.drain(ctx, sess, rcv)
}

// drain forwards events until the connection fails or ctx is done. Every
// event is written to the output before it is acknowledged.
func (s *Supervisor) drain(ctx context.Context, sess messaging.Session, rcv messaging.Receiver) error {
	addr := s.target.Address()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := rcv.Fetch(ctx, s.cfg.FetchTimeout)
		if errors.Is(err, messaging.ErrEmpty) {
			continue
		}
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.cfg.Output.Write(s.cfg.Decoder.Decode(msg)); err != nil {
			return err
		}
		// The record is out, so the acknowledgement must not be lost to a
		// concurrent cancellation.
		ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FetchTimeout)
		err = sess.Acknowledge(ackCtx, msg)
		cancel()
		if err != nil {
			return fmt.Errorf("acknowledge %s: %w", msg.ID, err)
		}
		s.events.Inc()
		metrics.EventForwarded(addr)
	}
}

func (s *Supervisor) notify(name string, connected bool) func(context.Context) error {
	return func(context.Context) error {
		if err := s.cfg.Output.Write(core.Notice(name, s.target.Address(), s.cfg.Now())); err != nil {
			return err
		}
		s.connected.Store(connected)
		metrics.Notice(s.target.Address(), name, connected)
		s.logger.Info().Str("notice", name).Msg("connectivity changed")
		return nil
	}
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.logger.Error().Err(err).Msg("output failed, supervisor stopping")
	if s.cfg.OnFatal != nil {
		s.cfg.OnFatal(err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var _ core.Worker = (*Supervisor)(nil)
