package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txt2img/pkg/messaging"
)

func TestBuildRequest(t *testing.T) {
	req, err := buildRequest([]string{"a", "red", "fox "}, 42, 7)
	require.NoError(t, err)
	assert.Equal(t, messaging.GenerationRequest{Prompt: "a red fox", ChatID: 42, MessageID: 7}, req)
}

func TestBuildRequestRejectsEmptyPrompt(t *testing.T) {
	_, err := buildRequest([]string{"  "}, 1, 1)
	require.ErrorIs(t, err, messaging.ErrValidation)

	_, err = buildRequest(nil, 0, 0)
	require.Error(t, err)
}
