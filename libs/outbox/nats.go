package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/md-rashed-zaman/shopflow/libs/kafkax"
)

// NATSStream describes the JetStream stream that stores outbox subjects.
type NATSStream struct {
	Name     string
	Subjects []string
	// Duplicates is the window in which a repeated Nats-Msg-Id is dropped.
	Duplicates time.Duration
}

// NATSPublisher publishes to the JetStream subject named by the topic and
// waits for the stream's ack. The event id doubles as Nats-Msg-Id so
// redeliveries inside the duplicate window are stored once.
type NATSPublisher struct {
	js         jetstream.JetStream
	ackTimeout time.Duration
}

func NewNATSPublisher(conn *nats.Conn) (*NATSPublisher, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	return &NATSPublisher{js: js, ackTimeout: 5 * time.Second}, nil
}

// EnsureStream creates the stream unless one with that name already exists.
func (p *NATSPublisher) EnsureStream(ctx context.Context, cfg NATSStream) error {
	_, err := p.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Name,
		Subjects:   cfg.Subjects,
		Duplicates: cfg.Duplicates,
	})
	if errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		_, err = p.js.Stream(ctx, cfg.Name)
	}
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}
	return nil
}

// Publish returns nil only once a stream has acknowledged the message. A
// subject no stream captures fails with jetstream.ErrNoStreamResponse.
func (p *NATSPublisher) Publish(ctx context.Context, msg Message) error {
	m := nats.NewMsg(msg.Topic)
	m.Data = msg.Value
	for k, v := range msg.Headers {
		m.Header.Set(k, v)
	}
	m.Header.Set("key", msg.Key)
	if id := msg.Headers[kafkax.HeaderEventID]; id != "" {
		m.Header.Set(nats.MsgIdHdr, id)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(m.Header))

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.ackTimeout)
		defer cancel()
	}
	ack, err := p.js.PublishMsg(ctx, m)
	if err != nil {
		return fmt.Errorf("jetstream publish %s: %w", msg.Topic, err)
	}
	if ack == nil || ack.Stream == "" {
		return fmt.Errorf("jetstream publish %s: empty ack", msg.Topic)
	}
	return nil
}

// Close drains nothing; the connection belongs to the caller.
func (p *NATSPublisher) Close() error {
	return nil
}
