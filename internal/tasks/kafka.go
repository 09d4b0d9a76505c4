package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/rpattn/importer/internal/logger"
	"github.com/rpattn/importer/internal/retry"
)

// KafkaConfig selects the brokers and topic of the task queue.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(cfg KafkaConfig) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaProducer{writer: writer}
}

func (p *KafkaProducer) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal task message: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(msg.ProcessID.String()),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "task-name", Value: []byte(msg.TaskName)},
			{Key: "task-id", Value: []byte(msg.TaskID.String())},
		},
	}

	fields := logrus.Fields{
		"task_id":   msg.TaskID,
		"task_name": msg.TaskName,
		"topic":     p.writer.Topic,
	}
	if err := p.writer.WriteMessages(ctx, message); err != nil {
		logger.WithFields(fields).WithError(err).Error("Failed to publish task")
		return fmt.Errorf("failed to publish task %s: %w", msg.TaskID, err)
	}
	logger.WithFields(fields).Info("Task published")
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// messageReader is the part of kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConsumer struct {
	reader       messageReader
	fetchBackoff time.Duration
	redelivery   retry.Policy
}

func NewKafkaConsumer(cfg KafkaConfig) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return newKafkaConsumer(reader)
}

func newKafkaConsumer(reader messageReader) *KafkaConsumer {
	return &KafkaConsumer{
		reader:       reader,
		fetchBackoff: time.Second,
		redelivery:   retry.Exponential{Base: time.Second, Cap: 30 * time.Second},
	}
}

// Consume runs handler for each message. Messages are committed after the
// handler succeeds or when they cannot be decoded. A failed handler gets the
// same message again with backoff, since the group reader has already moved
// past it and a later commit would cover its offset.
func (c *KafkaConsumer) Consume(ctx context.Context, handler Handler) error {
	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// the reader was closed
			if errors.Is(err, io.EOF) {
				return nil
			}
			logger.Log.WithError(err).Error("Failed to fetch task message")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.fetchBackoff):
			}
			continue
		}

		var msg Message
		if err := json.Unmarshal(message.Value, &msg); err != nil {
			logger.Log.WithError(err).WithField("offset", message.Offset).Error("Failed to unmarshal task message")
			c.commit(ctx, message)
			continue
		}

		if err := c.deliver(ctx, handler, msg); err != nil {
			// Uncommitted; the group hands it out again after a restart.
			return err
		}
		c.commit(ctx, message)
	}
}

// deliver runs handler until it accepts msg or ctx ends.
func (c *KafkaConsumer) deliver(ctx context.Context, handler Handler, msg Message) error {
	for attempt := 0; ; attempt++ {
		err := handler(ctx, msg)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := c.redelivery.Delay(attempt)
		logger.Log.WithError(err).WithFields(logrus.Fields{
			"task_id":  msg.TaskID,
			"attempt":  attempt + 1,
			"retry_in": delay.String(),
		}).Error("Failed to process task")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *KafkaConsumer) commit(ctx context.Context, message kafka.Message) {
	if err := c.reader.CommitMessages(ctx, message); err != nil {
		logger.Log.WithError(err).Error("Failed to commit task message")
	}
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
