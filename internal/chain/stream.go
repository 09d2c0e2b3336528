package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/0xRichardL/vibe-voter/internal/domain"
)

// Streamer turns irreversible blocks into an ordered feed by polling the
// chain head.
type Streamer struct {
	client   *Client
	interval time.Duration
}

func NewStreamer(client *Client, interval time.Duration) *Streamer {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Streamer{client: client, interval: interval}
}

// Stream calls fn for every block from `from` onwards, in order, as blocks
// become irreversible. Any fetch or callback error ends the stream.
func (s *Streamer) Stream(ctx context.Context, from uint64, fn func(domain.Block) error) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	next := from
	for {
		head, err := s.client.GetLastIrreversibleBlock(ctx)
		if err != nil {
			return fmt.Errorf("poll head: %w", err)
		}
		for ; next <= head; next++ {
			block, err := s.client.GetBlock(ctx, next)
			if err != nil {
				return fmt.Errorf("get block %d: %w", next, err)
			}
			if err := fn(block); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
