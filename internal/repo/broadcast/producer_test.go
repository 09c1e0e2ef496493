package broadcast

import (
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kellyson520/tg-forwarder/internal/config"
	"github.com/kellyson520/tg-forwarder/internal/models"
)

func mockConfig() *sarama.Config {
	c := sarama.NewConfig()
	c.Producer.Return.Successes = true
	return c
}

func TestBroadcastWritesEnvelope(t *testing.T) {
	t.Parallel()
	mock := mocks.NewSyncProducer(t, mockConfig())
	var got Envelope
	mock.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		return json.Unmarshal(val, &got)
	})

	p := newProducer(mock, "forwarder.events")
	p.now = func() time.Time { return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC) }
	err := p.Broadcast(t.Context(), models.EventForwardSucceeded, models.ForwardSucceeded{RuleID: 1, MsgID: 100, TargetID: "222", Mode: "forward"})
	require.NoError(t, err)
	require.NoError(t, p.Close())

	assert.Equal(t, models.EventForwardSucceeded, got.Event)
	assert.Equal(t, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC), got.Time)
	data := got.Data.(map[string]any)
	assert.Equal(t, "222", data["target_id"])
}

func TestBroadcastReportsFailure(t *testing.T) {
	t.Parallel()
	mock := mocks.NewSyncProducer(t, mockConfig())
	mock.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := newProducer(mock, "forwarder.events")
	err := p.Broadcast(t.Context(), models.EventRuleUpdated, models.RuleUpdated{RuleID: 3})
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, p.Close())
}

func TestNewProducerNeedsTopic(t *testing.T) {
	t.Parallel()
	_, err := NewProducer(config.KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}
