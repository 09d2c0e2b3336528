package services

import (
	"context"
	"sync"
	"time"

	"github.com/0xRichardL/vibe-voter/internal/domain"
	"github.com/rs/zerolog"
)

const (
	outcomeQueueSize = 256
	publishTimeout   = 5 * time.Second
)

// outcomeQueue hands outcomes to the sink on its own goroutine so a slow
// sink never holds up a submission. Outcomes are dropped when the buffer
// is full or the queue is closed.
type outcomeQueue struct {
	sink   OutcomeSink
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
	ch     chan domain.VoteOutcome
	done   chan struct{}
}

func newOutcomeQueue(sink OutcomeSink, size int, logger zerolog.Logger) *outcomeQueue {
	q := &outcomeQueue{
		sink:   sink,
		logger: logger,
		ch:     make(chan domain.VoteOutcome, size),
		done:   make(chan struct{}),
	}
	go q.drain()
	return q
}

func (q *outcomeQueue) enqueue(o domain.VoteOutcome) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.logger.Warn().Str("target", o.Target.String()).Msg("outcome queue closed, dropping outcome")
		return
	}
	select {
	case q.ch <- o:
	default:
		q.logger.Warn().Str("target", o.Target.String()).Msg("outcome queue full, dropping outcome")
	}
}

func (q *outcomeQueue) drain() {
	defer close(q.done)
	for o := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := q.sink.Publish(ctx, o); err != nil {
			q.logger.Warn().Err(err).Str("run_id", o.RunID).Msg("publish vote outcome")
		}
		cancel()
	}
}

// close stops accepting outcomes and waits for the buffered ones to be
// published.
func (q *outcomeQueue) close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()
	<-q.done
}
