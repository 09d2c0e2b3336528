package services

import (
	"context"
	"errors"
	"time"

	"github.com/0xRichardL/vibe-voter/internal/domain"
	"github.com/rs/zerolog"
)

// StreamService keeps the live block feed running and hands every content
// event to the dispatcher. It reconnects after a fixed delay and resumes
// from the block after the last one it handled.
type StreamService struct {
	ledger     Ledger
	stream     BlockStream
	handler    EventHandler
	checkpoint Checkpointer
	clock      Clock
	retryDelay time.Duration
	logger     zerolog.Logger

	next uint64
}

type StreamServiceConfig struct {
	RetryDelay time.Duration
	// From is the first block to stream. Zero starts after the current head.
	From uint64
	// Checkpoint is optional.
	Checkpoint Checkpointer
}

func NewStreamService(ledger Ledger, stream BlockStream, handler EventHandler, clock Clock, cfg StreamServiceConfig, logger zerolog.Logger) *StreamService {
	if clock == nil {
		clock = RealClock
	}
	return &StreamService{
		ledger:     ledger,
		stream:     stream,
		handler:    handler,
		checkpoint: cfg.Checkpoint,
		clock:      clock,
		retryDelay: cfg.RetryDelay,
		logger:     logger.With().Str("component", "stream").Logger(),
		next:       cfg.From,
	}
}

// Run blocks until ctx is done.
func (s *StreamService) Run(ctx context.Context) error {
	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn().Err(err).Dur("retry_in", s.retryDelay).Msg("stream interrupted")
		if err := s.clock.Sleep(ctx, s.retryDelay); err != nil {
			return err
		}
	}
}

func (s *StreamService) runOnce(ctx context.Context) error {
	if s.next == 0 {
		head, err := s.ledger.GetLastIrreversibleBlock(ctx)
		if err != nil {
			return err
		}
		s.next = head + 1
	}
	s.logger.Info().Uint64("from", s.next).Msg("streaming blocks")
	err := s.stream.Stream(ctx, s.next, s.handleBlock(ctx))
	if err == nil {
		err = errors.New("stream closed")
	}
	return err
}

func (s *StreamService) handleBlock(ctx context.Context) func(domain.Block) error {
	return func(b domain.Block) error {
		now := s.clock.Now()
		for _, ev := range b.ContentEvents() {
			s.handler.OnCandidateEvent(ev, now.Sub(b.Timestamp))
		}
		s.next = b.Number + 1
		if s.checkpoint != nil {
			if err := s.checkpoint.Save(ctx, b.Number); err != nil {
				s.logger.Warn().Err(err).Uint64("block", b.Number).Msg("save checkpoint")
			}
		}
		return nil
	}
}

// WaitForHead reads the last irreversible block, retrying every retryDelay
// until it succeeds or ctx is done.
func WaitForHead(ctx context.Context, ledger Ledger, clock Clock, retryDelay time.Duration, logger zerolog.Logger) (uint64, error) {
	if clock == nil {
		clock = RealClock
	}
	for {
		head, err := ledger.GetLastIrreversibleBlock(ctx)
		if err == nil {
			return head, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		logger.Warn().Err(err).Dur("retry_in", retryDelay).Msg("get last irreversible block")
		if err := clock.Sleep(ctx, retryDelay); err != nil {
			return 0, err
		}
	}
}

// Reporter logs the status summary on a fixed interval.
type Reporter struct {
	dispatcher *Dispatcher
	interval   time.Duration
	logger     zerolog.Logger
}

func NewReporter(dispatcher *Dispatcher, interval time.Duration, logger zerolog.Logger) *Reporter {
	return &Reporter{
		dispatcher: dispatcher,
		interval:   interval,
		logger:     logger.With().Str("component", "reporter").Logger(),
	}
}

func (r *Reporter) Run(ctx context.Context) error {
	if r.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Report()
		}
	}
}

func (r *Reporter) Report() {
	st := r.dispatcher.Status()
	r.logger.Info().
		Str("mode", string(st.Mode)).
		Int("actors", len(st.Actors)).
		Float64("vp_avg", float64(st.VotingPower.Average)/100).
		Float64("vp_min", float64(st.VotingPower.Min)/100).
		Float64("vp_max", float64(st.VotingPower.Max)/100).
		Float64("recharge_threshold", float64(st.VotingPower.Threshold)/100).
		Int("pending", len(st.Pending)).
		Msg("status")
}
