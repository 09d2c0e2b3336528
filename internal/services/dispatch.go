package services

import (
	"context"
	"errors"
	"time"

	"github.com/0xRichardL/vibe-voter/internal/domain"
	"github.com/0xRichardL/vibe-voter/internal/rules"
	"github.com/0xRichardL/vibe-voter/internal/state"
	"github.com/0xRichardL/vibe-voter/libs/routine"
	"github.com/rs/zerolog"
)

// DispatchResult is what happened to an event handed to the dispatcher.
type DispatchResult int

const (
	DispatchStarted DispatchResult = iota
	DispatchRejected
	DispatchPending
	DispatchDisabled
	DispatchClosed
)

func (r DispatchResult) String() string {
	switch r {
	case DispatchStarted:
		return "started"
	case DispatchRejected:
		return "rejected"
	case DispatchPending:
		return "pending"
	case DispatchDisabled:
		return "disabled"
	case DispatchClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status is the process-level summary served to operators.
type Status struct {
	Mode        rules.Mode    `json:"mode"`
	Actors      []string      `json:"actors"`
	VotingPower state.Summary `json:"voting_power"`
	Pending     []string      `json:"pending"`
}

// Dispatcher is the single entry point for candidate events. It keeps at
// most one running workflow per target key.
type Dispatcher struct {
	engine  *Engine
	manager *routine.Manager
	logger  zerolog.Logger
}

// NewDispatcher binds workflows to ctx; cancelling it stops every workflow.
func NewDispatcher(ctx context.Context, engine *Engine, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		engine:  engine,
		manager: routine.NewManager(ctx),
		logger:  logger.With().Str("component", "dispatcher").Logger(),
	}
}

// OnCandidateEvent pre-checks ev and, when admitted, starts a workflow for
// its target key unless one is already running. offset is the event's age
// when it was seen.
func (d *Dispatcher) OnCandidateEvent(ev domain.CandidateEvent, offset time.Duration) DispatchResult {
	if d.engine.rules.Mode == rules.ModeDisabled {
		return DispatchDisabled
	}
	key := ev.Key()
	log := d.logger.With().Str("target", key.String()).Logger()

	if err := d.engine.filter.PreCheck(ev); err != nil {
		log.Debug().Str("reason", err.Error()).Msg("skipped")
		return DispatchRejected
	}

	d.manager.Prune()
	wf := d.engine.NewWorkflow(key, offset)
	err := d.manager.RunTask(&routine.Task{
		ID:      key.String(),
		Handler: wf.Run,
		OnError: func(id string, err error) {
			log.Error().Err(err).Msg("workflow ended with error")
		},
	})
	switch {
	case err == nil:
		log.Info().Dur("offset", offset).Msg("workflow started")
		return DispatchStarted
	case errors.Is(err, routine.ErrRoutineExists):
		log.Debug().Msg("workflow already pending")
		return DispatchPending
	case errors.Is(err, routine.ErrClosed):
		return DispatchClosed
	default:
		log.Error().Err(err).Msg("start workflow")
		return DispatchRejected
	}
}

// Pending returns the target keys with a live workflow.
func (d *Dispatcher) Pending() []string {
	return d.manager.IDs()
}

func (d *Dispatcher) Status() Status {
	return Status{
		Mode:        d.engine.rules.Mode,
		Actors:      d.engine.pool.Names(),
		VotingPower: d.engine.tracker.Summary(),
		Pending:     d.Pending(),
	}
}

// Wait blocks until every started workflow has returned.
func (d *Dispatcher) Wait() {
	d.manager.Wait()
}

// Shutdown cancels running workflows and refuses new events.
func (d *Dispatcher) Shutdown() error {
	return d.manager.ShutdownAll()
}
