// Package kafka consumes delivery and response events reported by devices.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"protocol-notifier/internal/delivery"
	"protocol-notifier/internal/logging"
)

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// EventQueue accepts decoded events, typically notification.Service.
type EventQueue interface {
	QueueEvent(ev delivery.Event)
}

type Consumer struct {
	reader *kafka.Reader
	queue  EventQueue
	logger *logging.Logger
}

func NewConsumer(cfg Config, queue EventQueue, logger *logging.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one broker")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka consumer requires a topic")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "protocol-notifier"
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return &Consumer{reader: reader, queue: queue, logger: logger.WithComponent("kafka")}, nil
}

// Start reads messages until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.logger.Infof("Kafka consumer started on topic %s", c.reader.Config().Topic)
		for {
			msg, err := c.reader.ReadMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
					c.logger.Info("Kafka consumer stopped")
					return
				}
				c.logger.Errorf("Read message failed: %v", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}

			ev, err := DecodeEvent(msg.Value)
			if err != nil {
				c.logger.Errorf("Invalid message at offset %d: %v", msg.Offset, err)
				continue
			}
			c.queue.QueueEvent(ev)
		}
	}()
}

// DecodeEvent parses and validates one device event.
func DecodeEvent(data []byte) (delivery.Event, error) {
	var ev delivery.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return delivery.Event{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if ev.NotificationID == "" {
		return delivery.Event{}, fmt.Errorf("missing notification_id")
	}
	switch ev.Kind {
	case delivery.EventDelivered:
	case delivery.EventResponse:
		if ev.ActionIdentifier == "" {
			return delivery.Event{}, fmt.Errorf("response event for %s has no action_identifier", ev.NotificationID)
		}
	default:
		return delivery.Event{}, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	if ev.Content.NotificationID == "" {
		ev.Content.NotificationID = ev.NotificationID
	}
	return ev, nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
