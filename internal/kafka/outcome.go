package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/0xRichardL/vibe-voter/internal/config"
	"github.com/0xRichardL/vibe-voter/internal/domain"
	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// OutcomePublisher publishes one VoteOutcome per submission attempt to Kafka.
type OutcomePublisher struct {
	writer *kafka.Writer
	Topic  string
}

func NewOutcomePublisher(cfg config.Config) *OutcomePublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.KafkaBrokers...),
		Topic:                  cfg.KafkaTopicVoteOutcomes,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
	return &OutcomePublisher{writer: writer, Topic: cfg.KafkaTopicVoteOutcomes}
}

// EncodeOutcome builds the protobuf Struct payload for o.
func EncodeOutcome(o domain.VoteOutcome) (*structpb.Struct, error) {
	fields := map[string]any{
		"run_id":   o.RunID,
		"voter":    o.Voter,
		"author":   o.Target.Author,
		"permlink": o.Target.Permlink,
		"weight":   o.Weight,
		"tier":     string(o.Tier),
		"status":   string(o.Status),
		"at":       o.At.UTC().Format(time.RFC3339Nano),
	}
	if o.Status == domain.OutcomeFailed {
		fields["code"] = o.Code.String()
		fields["error"] = o.Error
	}
	return structpb.NewStruct(fields)
}

func (p *OutcomePublisher) Publish(ctx context.Context, o domain.VoteOutcome) error {
	payload, err := EncodeOutcome(o)
	if err != nil {
		return fmt.Errorf("build outcome payload: %w", err)
	}
	value, err := proto.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outcome proto: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(o.Target.String()),
		Value: value,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (p *OutcomePublisher) Close() error {
	return p.writer.Close()
}
