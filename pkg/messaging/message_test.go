package messaging

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"prompt":"a red fox","chatId":42,"messageId":7}`))
	require.NoError(t, err)
	assert.Equal(t, GenerationRequest{Prompt: "a red fox", ChatID: 42, MessageID: 7}, req)
	assert.True(t, req.Correlated())
}

func TestDecodeRequestRejectsBadPayloads(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"not json", `not json at all`, ErrPoisonMessage},
		{"wrong type", `{"prompt":12}`, ErrPoisonMessage},
		{"empty prompt", `{"prompt":""}`, ErrValidation},
		{"blank prompt", `{"prompt":"   ","chatId":1,"messageId":2}`, ErrValidation},
		{"missing prompt", `{"chatId":1,"messageId":2}`, ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRequest([]byte(tt.body))
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecodeRequestKeepsCorrelationOnValidationError(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"prompt":"","chatId":5,"messageId":9}`))
	require.ErrorIs(t, err, ErrValidation)
	assert.EqualValues(t, 5, req.ChatID)
	assert.EqualValues(t, 9, req.MessageID)
}

func TestCompletionEventWireFormat(t *testing.T) {
	data, err := json.Marshal(CompletionEvent{Key: "https://s3.local/b/k.png?sig", ChatID: 42, MessageID: 7})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"https://s3.local/b/k.png?sig","chatId":42,"messageId":7}`, string(data))
}
