package outbox

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/md-rashed-zaman/shopflow/libs/kafkax"
)

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(kafkax.SplitBrokers(brokers)...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	return p.writer.WriteMessages(ctx, kafkaMessage(ctx, msg))
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func kafkaMessage(ctx context.Context, msg Message) kafka.Message {
	headers := kafkax.HeadersFromMap(msg.Headers)
	return kafka.Message{
		Topic:   msg.Topic,
		Key:     []byte(msg.Key),
		Value:   msg.Value,
		Headers: kafkax.InjectTraceHeaders(ctx, headers),
	}
}
