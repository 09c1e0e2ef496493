// Package kafka feeds chat events published on a Kafka topic into the
// forwarding core.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/kellyson520/tg-forwarder/internal/config"
	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
	"github.com/kellyson520/tg-forwarder/pkg/util"
)

type Consumer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Submitter accepts new messages; see ingest.Intake.
type Submitter interface {
	Submit(ctx context.Context, msg *models.Message) (bool, error)
}

// Reader is the part of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaConsumer struct {
	reader         Reader
	topic          string
	groupID        string
	metrics        *prometheus.HistogramVec
	numWorkers     int
	consumeTimeout time.Duration
	submitter      Submitter
	done           chan struct{}
}

func NewConsumer(cfg config.KafkaConfig, submitter Submitter) (Consumer, error) {
	if !cfg.Enabled {
		return &noopConsumer{}, nil
	}
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka: brokers and topic are required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		StartOffset: kafka.LastOffset,
	})
	return newConsumer(reader, cfg, submitter)
}

func newConsumer(reader Reader, cfg config.KafkaConfig, submitter Submitter) (*kafkaConsumer, error) {
	metrics, err := util.GetHistogramVec("kafka_messages_consumed", "status", "topic", "group")
	if err != nil {
		return nil, fmt.Errorf("get histogram vec: %w", err)
	}
	return &kafkaConsumer{
		reader:         reader,
		topic:          cfg.Topic,
		groupID:        cfg.GroupID,
		metrics:        metrics,
		numWorkers:     max(1, cfg.Workers),
		consumeTimeout: 30 * time.Second,
		submitter:      submitter,
		done:           make(chan struct{}),
	}, nil
}

// Start consumes until ctx is done or Stop is called. A message is
// committed once it is stored as a task, in partition order per worker.
func (c *kafkaConsumer) Start(ctx context.Context) error {
	logx.Infof(ctx, "starting kafka consumer for topic %s", c.topic)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.numWorkers)
	for gctx.Err() == nil {
		msg, err := c.reader.FetchMessage(gctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || gctx.Err() != nil {
				break
			}
			logx.Errorw(gctx, "fetch kafka message", "error", err)
			continue
		}
		g.Go(func() error {
			if c.processMessage(gctx, msg) {
				if err := c.reader.CommitMessages(context.WithoutCancel(gctx), msg); err != nil {
					logx.Errorw(gctx, "commit kafka message", "error", err, "offset", msg.Offset)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *kafkaConsumer) Stop(ctx context.Context) error {
	logx.Infof(ctx, "stopping kafka consumer")
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return c.reader.Close()
}

// processMessage reports whether msg may be committed. Messages that can
// never be handled are committed too so they do not block the partition.
func (c *kafkaConsumer) processMessage(ctx context.Context, msg kafka.Message) bool {
	start := time.Now()
	lagMs := start.Sub(msg.Time).Milliseconds()

	err := c.handle(ctx, msg)
	duration := time.Since(start)

	code := models.Code(err)
	content := "success"
	if err != nil {
		content = err.Error()
	}
	logx.Logw(ctx, logx.LevelForCode(code), content,
		"code", code,
		"duration_ms", duration.Milliseconds(),
		"topic", msg.Topic,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"lag_ms", lagMs,
		"key", string(msg.Key),
	)
	c.metrics.WithLabelValues(code.String(), msg.Topic, c.groupID).Observe(duration.Seconds())
	return err == nil || errors.Is(err, models.ErrInvalidPayload)
}

func (c *kafkaConsumer) handle(ctx context.Context, msg kafka.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("PANIC RECOVER: %+v", r)
		}
	}()

	var envelope models.KafkaMessage
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		return fmt.Errorf("%w: unmarshal kafka message: %v", models.ErrInvalidPayload, err)
	}
	if envelope.Pattern != models.PatternMessageNew {
		logx.Debugw(ctx, "ignoring event", "pattern", envelope.Pattern)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.consumeTimeout)
	defer cancel()
	_, err = c.submitter.Submit(ctx, &envelope.Data)
	return err
}

type noopConsumer struct{}

func (n *noopConsumer) Start(ctx context.Context) error {
	logx.Infof(ctx, "kafka consumer is disabled")
	return nil
}

func (n *noopConsumer) Stop(context.Context) error {
	return nil
}
