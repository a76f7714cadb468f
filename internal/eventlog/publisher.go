package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/Sh00ty/flowdeploy/internal/models"
)

type Config struct {
	Brokers  []string `envconfig:"KAFKA_BROKERS,optional"`
	Topic    string   `envconfig:"KAFKA_EVENTS_TOPIC,default=flowdeploy.abnormal"`
	AckTopic string   `envconfig:"KAFKA_ACK_TOPIC,default=flowdeploy.redeploy-ack"`
}

func (c Config) Enabled() bool {
	return len(c.Brokers) != 0
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes abnormal events to a topic keyed by root model id, so that
// events of one model stay ordered within a partition.
type Publisher struct {
	writer messageWriter
}

func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           50 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}
}

func (p *Publisher) SaveAbnormalEvents(ctx context.Context, events []models.AbnormalEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, event := range events {
		msg, err := encodeEvent(event)
		if err != nil {
			return len(msgs), err
		}
		msgs = append(msgs, msg)
	}
	err := p.writer.WriteMessages(ctx, msgs...)
	if err == nil {
		return len(events), nil
	}
	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		for i, e := range writeErrs {
			if e != nil {
				return i, fmt.Errorf("failed to publish event %d of %d: %w", i, len(events), e)
			}
		}
	}
	return 0, fmt.Errorf("failed to publish events: %w", err)
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

func encodeEvent(event models.AbnormalEvent) (kafka.Message, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to encode event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatUint(uint64(event.RootModelID), 10)),
		Value: value,
		Time:  event.DetectedAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
			{Key: "node", Value: []byte(event.NodeID)},
		},
	}, nil
}
