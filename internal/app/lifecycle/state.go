package lifecycle

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/dkeye/huddle/internal/domain"
)

// Consumer states. A consumer is created paused and only a client resume
// moves it forward.
const (
	StatePaused  = "paused"
	StateResumed = "resumed"
	StateClosed  = "closed"

	EventPause  = "pause"
	EventResume = "resume"
	EventClose  = "close"
)

func newConsumerState(id domain.ConsumerID, logger zerolog.Logger) *fsm.FSM {
	return fsm.NewFSM(
		StatePaused,
		fsm.Events{
			{Name: EventResume, Src: []string{StatePaused}, Dst: StateResumed},
			{Name: EventPause, Src: []string{StateResumed}, Dst: StatePaused},
			{Name: EventClose, Src: []string{StatePaused, StateResumed}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Debug().
					Str("consumer", string(id)).
					Str("from", e.Src).
					Str("to", e.Dst).
					Msg("consumer state")
			},
		},
	)
}

// transition fires event when the current state allows it.
func transition(ctx context.Context, f *fsm.FSM, event string) {
	if f == nil || !f.Can(event) {
		return
	}
	_ = f.Event(ctx, event)
}
