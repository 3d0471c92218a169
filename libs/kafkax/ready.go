package kafkax

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// ReadyCheck passes once any broker answers and, when topics are given,
// reports metadata for all of them.
func ReadyCheck(brokers string, topics ...string) func(context.Context) error {
	return func(ctx context.Context) error {
		list := SplitBrokers(brokers)
		if len(list) == 0 {
			return errors.New("kafka brokers not configured")
		}
		dialer := kafka.Dialer{Timeout: 2 * time.Second}
		var errs []error
		for _, addr := range list {
			conn, err := dialer.DialContext(ctx, "tcp", addr)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			defer conn.Close()
			if len(topics) == 0 {
				return nil
			}
			if _, err := conn.ReadPartitions(topics...); err != nil {
				return fmt.Errorf("topic metadata: %w", err)
			}
			return nil
		}
		return errors.Join(errs...)
	}
}
