package supervisor

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
)

// Connection states. Exactly one logical connection exists per process, so
// exactly one machine walks these states, driven only by the supervisor.
const (
	StateDisconnected   = "disconnected"
	StateConnecting     = "connecting"
	StateConnected      = "connected"
	StateClosedGraceful = "closed_graceful"
	StateClosedError    = "closed_error"
)

// Transition triggers.
const (
	eventStart        = "start"
	eventOpened       = "opened"
	eventOpenFailed   = "open_failed"
	eventClosedLocal  = "closed_local"
	eventClosedRemote = "closed_remote"
)

// newConnectionFSM builds the lifecycle machine. A remote close re-enters
// connecting; a local close and a failed open are terminal. Signals that do
// not match a transition are rejected by the machine and ignored by the
// supervisor rather than crashing the loop.
func newConnectionFSM(logger zerolog.Logger) *fsm.FSM {
	return fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: eventStart, Src: []string{StateDisconnected}, Dst: StateConnecting},
			{Name: eventOpened, Src: []string{StateConnecting}, Dst: StateConnected},
			{Name: eventOpenFailed, Src: []string{StateConnecting}, Dst: StateClosedError},
			{Name: eventClosedLocal, Src: []string{StateConnected}, Dst: StateClosedGraceful},
			{Name: eventClosedRemote, Src: []string{StateConnected}, Dst: StateConnecting},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Info().
					Str("from", e.Src).
					Str("to", e.Dst).
					Str("trigger", e.Event).
					Msg("Connection state changed")
			},
		},
	)
}
