// Package events publishes a best-effort notification per committed batch.
// It is pure observability fan-out: publish failures are logged and never
// fail the batch, since they are not part of the write transaction.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// BatchIndexed is the payload published once per committed main batch.
type BatchIndexed struct {
	StartBlock uint64   `json:"start_block"`
	EndBlock   uint64   `json:"end_block"`
	TxCount    int      `json:"tx_count"`
	NewERC20   []string `json:"new_erc20,omitempty"`
	NewNFT     []string `json:"new_nft,omitempty"`
}

// Publisher wraps a kafka-go writer. A nil brokers list yields a Publisher
// whose Publish is a no-op, so the core never has to branch on whether
// Kafka is configured.
type Publisher struct {
	writer *kafka.Writer
	log    *zap.Logger
}

func New(brokers []string, topic string, log *zap.Logger) *Publisher {
	if len(brokers) == 0 {
		return &Publisher{log: log}
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
			// With Async set, delivery errors never come back from
			// WriteMessages; they are reported here instead.
			Completion: func(_ []kafka.Message, err error) {
				if err != nil {
					log.Warn("failed to publish batch event", zap.Error(err))
				}
			},
		},
		log: log,
	}
}

// Publish sends one batch-indexed notification. Failures are logged and
// swallowed — a down Kafka broker must never stall or fail indexing.
func (p *Publisher) Publish(ctx context.Context, evt BatchIndexed) {
	if p.writer == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		p.log.Warn("failed to marshal batch event", zap.Error(err))
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte("batch"),
		Value: payload,
	}); err != nil {
		p.log.Warn("failed to publish batch event", zap.Error(err))
	}
}

func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
