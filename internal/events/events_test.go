// AngelaMos | 2026
// events_test.go

package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erisrwa/portal/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKafkaPublish(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(
		func(msg *sarama.ProducerMessage) error {
			assert.Equal(t, "rwa.session.events", msg.Topic)

			key, err := msg.Key.Encode()
			require.NoError(t, err)
			assert.Equal(t, "sid-1", string(key))

			raw, err := msg.Value.Encode()
			require.NoError(t, err)

			var ev Event
			require.NoError(t, json.Unmarshal(raw, &ev))
			assert.Equal(t, TypeRoleSelected, ev.Type)
			assert.Equal(t, "investor", ev.Role)
			assert.False(t, ev.OccurredAt.IsZero())
			return nil
		},
	)

	k := NewKafka(producer, "rwa.session.events", discardLogger())
	require.NoError(t, k.Publish(context.Background(), Event{
		Type:      TypeRoleSelected,
		SessionID: "sid-1",
		UserID:    "did:privy:1",
		Role:      "investor",
	}))
	require.NoError(t, k.Close())
}

func TestKafkaPublishFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(errors.New("broker down"))

	k := NewKafka(producer, "topic", discardLogger())
	err := k.Publish(context.Background(), Event{Type: TypeLoggedOut, SessionID: "sid"})
	assert.Error(t, err)
	require.NoError(t, k.Close())
}

func TestNewWithoutBrokersIsNoop(t *testing.T) {
	p, err := New(config.KafkaConfig{}, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, Noop{}, p)
	assert.NoError(t, p.Publish(context.Background(), Event{}))
}
