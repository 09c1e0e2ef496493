// Package broadcast mirrors event-bus events to a Kafka topic.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	json "github.com/goccy/go-json"

	"github.com/kellyson520/tg-forwarder/internal/config"
	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
)

// Envelope is the record written for each event.
type Envelope struct {
	Event models.EventType `json:"event"`
	Data  any              `json:"data"`
	Time  time.Time        `json:"time"`
}

type Producer struct {
	producer sarama.SyncProducer
	topic    string
	now      func() time.Time
}

// NewProducer connects a synchronous producer to cfg.Brokers.
func NewProducer(cfg config.KafkaConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 || cfg.EventsTopic == "" {
		return nil, errors.New("broadcast: brokers and events topic are required")
	}
	sc := sarama.NewConfig()
	sc.ClientID = "tg-forwarder"
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Retry.Max = 3
	sc.Producer.Timeout = 5 * time.Second

	p, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create producer: %w", err)
	}
	return newProducer(p, cfg.EventsTopic), nil
}

func newProducer(p sarama.SyncProducer, topic string) *Producer {
	return &Producer{producer: p, topic: topic, now: time.Now}
}

// Broadcast writes one event keyed by its type, so events of one type keep
// their order within a partition.
func (p *Producer) Broadcast(ctx context.Context, event models.EventType, data any) error {
	value, err := json.Marshal(Envelope{Event: event, Data: data, Time: p.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event"), Value: []byte(event)},
		},
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	logx.Debugw(ctx, "event broadcast", "event", event, "topic", p.topic, "partition", partition, "offset", offset)
	return nil
}

func (p *Producer) Close() error {
	return p.producer.Close()
}
