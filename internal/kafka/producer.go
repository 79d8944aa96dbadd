package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Producer buffers messages in an inbox and writes them from one goroutine,
// so request handlers never wait on the broker. Each message names its own
// topic.
type Producer struct {
	w     *kafka.Writer
	inbox chan kafka.Message
	done  chan struct{}
	log   *zap.Logger

	mu     sync.RWMutex
	closed bool
}

func NewProducer(brokers []string, buf int, log *zap.Logger) *Producer {
	log = log.With(zap.String("component", "kafka_producer"))
	return &Producer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			Async:                  true, // fire-and-forget for throughput; errors land in Completion
			Completion: func(msgs []kafka.Message, err error) {
				if err != nil {
					log.Error("kafka write", zap.Int("messages", len(msgs)), zap.Error(err))
				}
			},
		},
		inbox: make(chan kafka.Message, buf),
		done:  make(chan struct{}),
		log:   log,
	}
}

// Start runs the writer loop until ctx is cancelled or Close is called.
func (p *Producer) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		p.Close()
	}()
	go func() {
		defer close(p.done)
		for m := range p.inbox {
			if err := p.w.WriteMessages(context.Background(), m); err != nil {
				p.log.Error("enqueue message", zap.String("topic", m.Topic), zap.Error(err))
			}
		}
		if err := p.w.Close(); err != nil {
			p.log.Error("close writer", zap.Error(err))
		}
	}()
}

// Publish never blocks: when the inbox is full the message is dropped and
// logged.
func (p *Producer) Publish(topic string, key, value []byte, headers ...kafka.Header) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.log.Warn("publish after close", zap.String("topic", topic))
		return
	}
	select {
	case p.inbox <- kafka.Message{Topic: topic, Key: key, Value: value, Time: time.Now(), Headers: headers}:
	default:
		p.log.Warn("producer inbox full, message dropped", zap.String("topic", topic), zap.ByteString("key", key))
	}
}

// Close stops accepting messages; the loop flushes what is buffered.
func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.inbox)
}

// WaitClosed blocks until the buffered messages have been handed to the writer.
func (p *Producer) WaitClosed() { <-p.done }
