package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPoisonMessage is returned when an inbound payload cannot be decoded at all
	ErrPoisonMessage = errors.New("poison message")

	// ErrValidation is returned when a decoded request is missing required fields
	ErrValidation = errors.New("invalid generation request")
)

// GenerationRequest represents the data sent over the inbound queue for one image job.
type GenerationRequest struct {
	Prompt    string `json:"prompt"`
	ChatID    int64  `json:"chatId"`
	MessageID int64  `json:"messageId"`
}

// CompletionEvent is published once the artifact for a request is stored.
// Key carries the shareable link, not the storage key.
type CompletionEvent struct {
	Key       string `json:"key"`
	ChatID    int64  `json:"chatId"`
	MessageID int64  `json:"messageId"`
}

// FailureEvent tells the requester that a job was permanently dropped.
type FailureEvent struct {
	ChatID    int64  `json:"chatId"`
	MessageID int64  `json:"messageId"`
	Reason    string `json:"reason"`
}

// DeadLetter wraps a raw inbound payload that will never be processed.
type DeadLetter struct {
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts"`
	Body     []byte `json:"body"`
}

// DecodeRequest parses and validates an inbound payload.
// Undecodable bytes yield ErrPoisonMessage; an empty prompt yields ErrValidation.
// On ErrValidation the partially decoded request is still returned so callers
// can correlate a failure notification.
func DecodeRequest(body []byte) (GenerationRequest, error) {
	var req GenerationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return GenerationRequest{}, fmt.Errorf("%w: %v", ErrPoisonMessage, err)
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

// Validate checks the request fields
func (r GenerationRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrValidation)
	}
	return nil
}

// Correlated reports whether the request carries a chat/message pair to reply to.
func (r GenerationRequest) Correlated() bool {
	return r.ChatID != 0 && r.MessageID != 0
}
