package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestDecodePayload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		typ     TaskType
		payload any
		chatID  int64
		wantErr bool
	}{
		{
			name:    "process message",
			typ:     TaskProcessMessage,
			payload: ProcessMessagePayload{ChatID: -100123, MessageID: 5, HasMedia: true},
			chatID:  -100123,
		},
		{
			name:    "backfill uses source chat",
			typ:     TaskHistoryBackfill,
			payload: HistoryBackfillPayload{SourceChatID: -100777, StartMsgID: 1, EndMsgID: 10},
			chatID:  -100777,
		},
		{
			name:    "backfill range reversed",
			typ:     TaskHistoryBackfill,
			payload: HistoryBackfillPayload{SourceChatID: -100777, StartMsgID: 10, EndMsgID: 1},
			wantErr: true,
		},
		{
			name:    "delete needs ids",
			typ:     TaskMessageDelete,
			payload: MessageDeletePayload{ChatID: 1},
			wantErr: true,
		},
		{
			name:    "missing message id",
			typ:     TaskManualDownload,
			payload: map[string]any{"chat_id": 9},
			wantErr: true,
		},
		{
			name:    "unknown type",
			typ:     "archive",
			payload: map[string]any{},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			task, err := NewTask(tt.typ, tt.payload, 5)
			require.NoError(t, err)
			assert.Equal(t, TaskPending, task.Status)
			assert.Equal(t, 5, task.Priority)

			p, err := DecodePayload(task)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPayload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.chatID, PayloadChatID(p))
		})
	}
}

func TestObjectIDBSON(t *testing.T) {
	t.Parallel()
	type doc struct {
		ID ObjectID `bson:"_id,omitempty"`
	}

	id := NewObjectID()
	raw, err := bson.Marshal(doc{ID: id})
	require.NoError(t, err)
	assert.Equal(t, bson.TypeObjectID, bson.Raw(raw).Lookup("_id").Type)

	var got doc
	require.NoError(t, bson.Unmarshal(raw, &got))
	assert.Equal(t, id, got.ID)

	raw, err = bson.Marshal(bson.M{"_id": id.String()})
	require.NoError(t, err)
	require.NoError(t, bson.Unmarshal(raw, &got))
	assert.Equal(t, id, got.ID)

	_, err = bson.Marshal(doc{ID: "not-hex"})
	assert.Error(t, err)
}
