// Package kafka connects the event dispatcher to Kafka: domain events are
// published out, and payment commands are consumed in with at-least-once
// delivery. Offsets are committed after the batch is dispatched; handlers
// reached from here must be idempotent.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	GroupID       string
	InstanceID    string
	BatchTimeout  time.Duration // max time to collect messages before processing
	CommitTimeout time.Duration
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Topic:         "payments.commands",
		GroupID:       "payments-worker",
		BatchTimeout:  100 * time.Millisecond,
		CommitTimeout: 5 * time.Second,
	}
}

// CommandMessage asks the engine to perform a payment operation, e.g.
//
//	{"id": "cmd-1", "name": "refund.requested", "data": {...}}
type CommandMessage struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Data     json.RawMessage `json:"data"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// CommandHandler processes a batch of commands.
type CommandHandler interface {
	HandleCommands(ctx context.Context, commands []*CommandMessage) (successes, failures []*CommandMessage)
}

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads commands from Kafka and hands them to a CommandHandler.
type Consumer struct {
	config  ConsumerConfig
	reader  MessageReader
	handler CommandHandler
	logger  *slog.Logger

	wg       sync.WaitGroup
	shutdown chan struct{}
	stopOnce sync.Once
}

func NewConsumer(config ConsumerConfig, handler CommandHandler, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		Topic:          config.Topic,
		GroupID:        config.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        config.BatchTimeout,
		CommitInterval: 0, // manual commits only
		StartOffset:    kafka.FirstOffset,
		GroupBalancers: []kafka.GroupBalancer{
			kafka.RangeGroupBalancer{},
			kafka.RoundRobinGroupBalancer{},
		},
		IsolationLevel: kafka.ReadCommitted,
	})
	return NewConsumerWithReader(config, reader, handler, logger)
}

func NewConsumerWithReader(config ConsumerConfig, reader MessageReader, handler CommandHandler, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = DefaultConsumerConfig().BatchTimeout
	}
	if config.CommitTimeout <= 0 {
		config.CommitTimeout = DefaultConsumerConfig().CommitTimeout
	}
	return &Consumer{
		config:   config,
		reader:   reader,
		handler:  handler,
		logger:   logger,
		shutdown: make(chan struct{}),
	}
}

// Start begins consuming messages.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.consumeLoop(ctx)
	c.logger.Info("kafka consumer started",
		"topic", c.config.Topic,
		"group", c.config.GroupID,
		"instance", c.config.InstanceID,
		"batch_timeout", c.config.BatchTimeout,
	)
}

// Stop waits for the in-flight batch and closes the reader.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.shutdown)
		c.wg.Wait()
		if err := c.reader.Close(); err != nil {
			c.logger.Error("failed to close kafka reader", "error", err)
		}
		c.logger.Info("kafka consumer stopped")
	})
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
		}

		batch, commands := c.collectBatch(ctx)
		if len(batch) > 0 {
			c.processBatchAndCommit(ctx, batch, commands)
		}
	}
}

// collectBatch fetches messages until BatchTimeout elapses.
func (c *Consumer) collectBatch(ctx context.Context) ([]kafka.Message, []*CommandMessage) {
	var batch []kafka.Message
	var commands []*CommandMessage

	deadline := time.Now().Add(c.config.BatchTimeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return batch, commands
		case <-c.shutdown:
			return batch, commands
		default:
		}

		// Short fetch timeouts keep shutdown responsive.
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if remaining > 10*time.Millisecond {
			remaining = 10 * time.Millisecond
		}

		readCtx, cancel := context.WithTimeout(ctx, remaining)
		msg, err := c.reader.FetchMessage(readCtx)
		cancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				continue
			}
			c.logger.Error("failed to fetch message", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		var cmd CommandMessage
		if err := json.Unmarshal(msg.Value, &cmd); err != nil || cmd.Name == "" {
			c.logger.Error("dropping malformed command",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			// Poison messages are committed so they cannot block the partition.
			if err := c.commitMessages(ctx, []kafka.Message{msg}); err != nil {
				c.logger.Error("failed to commit bad message", "error", err)
			}
			continue
		}

		batch = append(batch, msg)
		commands = append(commands, &cmd)
	}

	return batch, commands
}

func (c *Consumer) processBatchAndCommit(ctx context.Context, messages []kafka.Message, commands []*CommandMessage) {
	start := time.Now()

	successes, failures := c.handler.HandleCommands(ctx, commands)

	c.logger.Debug("command batch processed",
		"total", len(commands),
		"successes", len(successes),
		"failures", len(failures),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if err := c.commitMessages(ctx, messages); err != nil {
		c.logger.Error("failed to commit messages",
			"error", err,
			"count", len(messages),
		)
	}
}

func (c *Consumer) commitMessages(ctx context.Context, messages []kafka.Message) error {
	if len(messages) == 0 {
		return nil
	}

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.CommitTimeout)
	defer cancel()

	return c.reader.CommitMessages(commitCtx, messages...)
}
