package synth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPOptions configures the HTTP engine
type HTTPOptions struct {
	BaseURL    string
	Steps      int
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPEngine calls a Stable Diffusion web API (txt2img endpoint) and returns
// the first image of the batch.
type HTTPEngine struct {
	httpClient *http.Client
	baseURL    string
	steps      int
}

type txt2imgRequest struct {
	Prompt    string `json:"prompt"`
	Steps     int    `json:"steps"`
	BatchSize int    `json:"batch_size"`
}

type txt2imgResponse struct {
	Images []string `json:"images"`
}

type apiError struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// NewHTTPEngine creates an engine client with sane defaults
func NewHTTPEngine(opts HTTPOptions) *HTTPEngine {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}
	steps := opts.Steps
	if steps <= 0 {
		steps = 25
	}
	return &HTTPEngine{
		httpClient: client,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		steps:      steps,
	}
}

// Synthesize generates one PNG for prompt
func (e *HTTPEngine) Synthesize(ctx context.Context, prompt string) ([]byte, error) {
	body, err := json.Marshal(txt2imgRequest{Prompt: prompt, Steps: e.steps, BatchSize: 1})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/sdapi/v1/txt2img", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineContent, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrEngineTransient, err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := errorMessage(raw)
		if retryable(resp.StatusCode) {
			return nil, fmt.Errorf("%w: status %d: %s", ErrEngineTransient, resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrEngineContent, resp.StatusCode, msg)
	}

	var out txt2imgResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrEngineTransient, err)
	}
	if len(out.Images) == 0 || out.Images[0] == "" {
		return nil, fmt.Errorf("%w: no image returned", ErrEngineContent)
	}

	encoded := out.Images[0]
	// some servers return a data URI
	if i := strings.Index(encoded, ","); strings.HasPrefix(encoded, "data:") && i >= 0 {
		encoded = encoded[i+1:]
	}
	img, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", ErrEngineTransient, err)
	}
	return img, nil
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status >= http.StatusInternalServerError
}

func errorMessage(raw []byte) string {
	var e apiError
	if err := json.Unmarshal(raw, &e); err == nil {
		if e.Detail != "" {
			return e.Detail
		}
		if e.Error != "" {
			return e.Error
		}
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
