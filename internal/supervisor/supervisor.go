package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/edgekit/cloudlink/internal/messaging"
	"github.com/edgekit/cloudlink/internal/scheduler"
	"github.com/edgekit/cloudlink/pkg/credentials"
	"github.com/edgekit/cloudlink/pkg/mqtt"
)

// ErrConnectFailed is returned by Run when the broker rejects a connect
// attempt. Connect-time failures are fatal: retrying them without operator
// intervention would loop on bad credentials or an unreachable endpoint.
var ErrConnectFailed = errors.New("connection attempt failed")

const disconnectQuiesceMs = 250

// Config carries the supervisor's identity and protocol parameters.
type Config struct {
	DevicePath              string
	TokenExpiry             time.Duration
	RefreshTokenOnReconnect bool
	ConnectTimeout          time.Duration
	KeepAlive               time.Duration

	PublishTopic    string
	PublishPayload  []byte
	PublishQOS      byte
	PublishInterval time.Duration
}

// Supervisor owns the single logical connection. It signs tokens, drives the
// lifecycle state machine, and reconnects after unexpected closures. All
// state mutation happens on the Run goroutine; other components only read
// the state through IsConnected/State.
type Supervisor struct {
	cfg       Config
	transport mqtt.Transport
	provider  credentials.ProviderInterface
	cred      *credentials.Credential
	facade    *messaging.Facade
	tasks     *scheduler.Runner
	machine   *fsm.FSM

	events chan mqtt.Event
	fire   chan func()

	token  credentials.AuthToken
	params mqtt.ConnectParams

	disconnecting bool
	logger        zerolog.Logger
}

// New wires a Supervisor over the given transport and credential provider.
// The events channel must be the same one the transport reports into.
func New(cfg Config, transport mqtt.Transport, provider credentials.ProviderInterface,
	cred *credentials.Credential, facade *messaging.Facade, events chan mqtt.Event, logger zerolog.Logger) *Supervisor {

	fire := make(chan func(), 16)

	s := &Supervisor{
		cfg:       cfg,
		transport: transport,
		provider:  provider,
		cred:      cred,
		facade:    facade,
		tasks:     scheduler.NewRunner(fire, logger),
		machine:   newConnectionFSM(logger),
		events:    events,
		fire:      fire,
		logger:    logger,
	}
	facade.BindConnectionState(s)
	return s
}

// State returns the current connection state.
func (s *Supervisor) State() string {
	return s.machine.Current()
}

// IsConnected reports whether the connection is in the connected state.
func (s *Supervisor) IsConnected() bool {
	return s.machine.Current() == StateConnected
}

// Start signs a fresh token, captures the connect parameters that every
// later reconnect reuses, and kicks off the first connect attempt.
func (s *Supervisor) Start(ctx context.Context) error {
	token, err := s.provider.Sign(s.cred, s.cfg.TokenExpiry)
	if err != nil {
		return err
	}
	s.token = token

	s.params = mqtt.ConnectParams{
		Username:       "",
		Password:       token.Token,
		ClientID:       s.cfg.DevicePath,
		ConnectTimeout: s.cfg.ConnectTimeout,
		KeepAlive:      s.cfg.KeepAlive,
	}

	if err := s.machine.Event(ctx, eventStart); err != nil {
		return fmt.Errorf("supervisor already started: %w", err)
	}

	s.logger.Info().Str("client_id", s.params.ClientID).Msg("Connecting to broker")
	if err := s.transport.Connect(s.params); err != nil {
		_ = s.machine.Event(ctx, eventOpenFailed)
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	return nil
}

// Run is the blocking event loop. It processes transport events, inbound
// messages, and scheduled-task firings strictly sequentially, and returns
// when the machine reaches a terminal state: nil after a graceful close,
// an error after a failed open. Canceling the context requests a graceful
// disconnect and Run still exits through the closed path.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.beginShutdown()
			// Keep draining events until the transport reports the close.
			ctx = context.Background()

		case action := <-s.fire:
			action()

		case ev := <-s.events:
			done, err := s.handleEvent(ctx, ev)
			if done {
				return err
			}
		}
	}
}

// Shutdown requests a graceful disconnect from outside the loop, typically
// on SIGINT/SIGTERM. The loop exits once the transport confirms the close.
func (s *Supervisor) Shutdown() {
	s.fire <- s.beginShutdown
}

func (s *Supervisor) beginShutdown() {
	if s.disconnecting {
		return
	}
	s.disconnecting = true
	s.logger.Info().Msg("Shutting down gracefully")
	s.transport.Disconnect(disconnectQuiesceMs)
}

func (s *Supervisor) handleEvent(ctx context.Context, ev mqtt.Event) (bool, error) {
	switch ev.Kind {
	case mqtt.EventOpened:
		if err := s.machine.Event(ctx, eventOpened); err != nil {
			s.logUnexpected(ev, err)
			return false, nil
		}
		s.onOpened()
		return false, nil

	case mqtt.EventOpenFailed:
		if err := s.machine.Event(ctx, eventOpenFailed); err != nil {
			s.logUnexpected(ev, err)
			return false, nil
		}
		s.tasks.CancelAll()
		s.logger.Error().Err(ev.Err).Msg("Connection has failed")
		return true, fmt.Errorf("%w: %v", ErrConnectFailed, ev.Err)

	case mqtt.EventClosed:
		if ev.Err == nil || s.disconnecting {
			if err := s.machine.Event(ctx, eventClosedLocal); err != nil {
				if !s.disconnecting {
					s.logUnexpected(ev, err)
					return false, nil
				}
				// Shutdown was requested outside the connected state; the
				// loop still has to exit once the transport confirms.
			}
			s.tasks.CancelAll()
			s.logger.Info().Msg("Connection closed")
			return true, nil
		}

		if err := s.machine.Event(ctx, eventClosedRemote); err != nil {
			s.logUnexpected(ev, err)
			return false, nil
		}
		// Pending tasks must never fire on a stale or closing connection.
		s.tasks.CancelAll()
		s.logger.Warn().Err(ev.Err).Msg("Connection closed unexpectedly, reconnecting")
		if err := s.reconnect(ctx); err != nil {
			return true, err
		}
		return false, nil

	case mqtt.EventMessage:
		s.facade.Dispatch(ev.Topic, ev.Payload)
		return false, nil

	default:
		s.logger.Warn().Str("kind", ev.Kind.String()).Msg("Ignoring unknown transport signal")
		return false, nil
	}
}

// onOpened re-registers subscriptions and starts the periodic publish. Runs
// on every successful open, so both survive reconnects.
func (s *Supervisor) onOpened() {
	s.logger.Info().Msg("Connected to broker")

	if err := s.facade.SubscribeAll(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to register subscriptions")
	}

	if s.cfg.PublishTopic == "" {
		return
	}
	s.tasks.ScheduleOnce(0, s.publish)
	s.tasks.Schedule(s.cfg.PublishInterval, s.publish)
}

// reconnect re-invokes connect with the parameters captured at first
// connect. The token is only re-signed when refresh-on-reconnect is enabled
// and the captured one is about to expire.
func (s *Supervisor) reconnect(ctx context.Context) error {
	s.maybeRefreshToken()

	if err := s.transport.Connect(s.params); err != nil {
		_ = s.machine.Event(ctx, eventOpenFailed)
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	return nil
}

func (s *Supervisor) maybeRefreshToken() {
	if !s.cfg.RefreshTokenOnReconnect {
		return
	}
	if !s.token.ExpiresWithin(s.cfg.ConnectTimeout + s.cfg.KeepAlive) {
		return
	}

	token, err := s.provider.Sign(s.cred, s.cfg.TokenExpiry)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to refresh token, reconnecting with the previous one")
		return
	}
	s.token = token
	s.params.Password = token.Token
	s.logger.Info().Time("expires_at", token.ExpiresAt).Msg("Refreshed authentication token")
}

func (s *Supervisor) logUnexpected(ev mqtt.Event, err error) {
	s.logger.Warn().
		Str("signal", ev.Kind.String()).
		Str("state", s.machine.Current()).
		Err(err).
		Msg("Ignoring transport signal in current state")
}

// publish is the scheduled-task action. It delegates to the facade and
// returns immediately; publish failures are logged, never fatal.
func (s *Supervisor) publish() {
	s.logger.Info().
		Str("topic", s.cfg.PublishTopic).
		Msg("Publishing scheduled message")

	if err := s.facade.Publish(s.cfg.PublishTopic, s.cfg.PublishPayload, s.cfg.PublishQOS); err != nil {
		s.logger.Error().Err(err).Msg("Scheduled publish failed")
	}
}
