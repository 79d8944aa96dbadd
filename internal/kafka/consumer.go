package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const maxBackoff = 5 * time.Second

// Handler must return nil only when the message is done and its offset may
// be committed.
type Handler func(ctx context.Context, m kafka.Message) error

type Consumer struct {
	r       *kafka.Reader
	workers int
	backoff time.Duration
	log     *zap.Logger
}

func NewConsumer(brokers []string, group string, topics []string, workers int, log *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		GroupTopics:    topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		r:       r,
		workers: workers,
		backoff: 200 * time.Millisecond,
		log:     log.With(zap.String("component", "kafka_consumer"), zap.String("group", group)),
	}
}

// Start fetches messages and fans them out to the worker pool until ctx is
// cancelled. A partition always lands on the same worker, so offsets are
// committed in order and a message is committed only after its handler
// succeeded.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	jobs := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range jobs {
		jobs[i] = make(chan kafka.Message, 128)
		wg.Add(1)
		go func(id int, in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				c.process(ctx, id, h, m)
			}
		}(i, jobs[i])
	}
	defer wg.Wait()
	defer func() {
		for _, ch := range jobs {
			close(ch)
		}
	}()

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		select {
		case jobs[m.Partition%c.workers] <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Consumer) process(ctx context.Context, worker int, h Handler, m kafka.Message) {
	log := c.log.With(
		zap.Int("worker", worker),
		zap.String("topic", m.Topic),
		zap.Int("partition", m.Partition),
		zap.Int64("offset", m.Offset))

	if err := c.handle(ctx, log, h, m); err != nil {
		// shutting down; the uncommitted offset is redelivered to the group
		return
	}
	if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
		log.Error("commit message", zap.Error(err))
	}
}

// handle runs h until it succeeds, backing off between attempts. It gives up
// only when ctx is done, so no later offset on the partition is committed
// past a failed one.
func (c *Consumer) handle(ctx context.Context, log *zap.Logger, h Handler, m kafka.Message) error {
	wait := c.backoff
	for attempt := 1; ; attempt++ {
		err := h(ctx, m)
		if err == nil {
			return nil
		}
		log.Error("handle message", zap.Int("attempt", attempt), zap.Error(err))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if wait < maxBackoff {
			wait = min(wait*2, maxBackoff)
		}
	}
}
