package synth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPEngineSynthesize(t *testing.T) {
	pngBytes, err := NewPlaceholderEngine(16).Synthesize(context.Background(), "seed")
	require.NoError(t, err)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sdapi/v1/txt2img", r.URL.Path)
		var payload txt2imgRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "a red fox", payload.Prompt)
		assert.Equal(t, 25, payload.Steps)
		_ = json.NewEncoder(w).Encode(txt2imgResponse{Images: []string{base64.StdEncoding.EncodeToString(pngBytes)}})
	}))
	defer ts.Close()

	engine := NewHTTPEngine(HTTPOptions{BaseURL: ts.URL + "/"})
	got, err := engine.Synthesize(context.Background(), "a red fox")
	require.NoError(t, err)
	assert.Equal(t, pngBytes, got)
}

func TestHTTPEngineClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"overloaded", http.StatusServiceUnavailable, `{"error":"CUDA out of memory"}`, ErrEngineTransient},
		{"rate limited", http.StatusTooManyRequests, ``, ErrEngineTransient},
		{"unsafe prompt", http.StatusUnprocessableEntity, `{"detail":"prompt rejected"}`, ErrEngineContent},
		{"no images", http.StatusOK, `{"images":[]}`, ErrEngineContent},
		{"garbage", http.StatusOK, `<html>`, ErrEngineTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			_, err := NewHTTPEngine(HTTPOptions{BaseURL: ts.URL}).Synthesize(context.Background(), "p")
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestHTTPEngineTimeoutIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer ts.Close()

	engine := NewHTTPEngine(HTTPOptions{BaseURL: ts.URL, Timeout: 20 * time.Millisecond})
	_, err := engine.Synthesize(context.Background(), "p")
	require.ErrorIs(t, err, ErrEngineTransient)
}

func TestPlaceholderEngineIsDeterministicPNG(t *testing.T) {
	e := NewPlaceholderEngine(32)
	a, err := e.Synthesize(context.Background(), "a red fox")
	require.NoError(t, err)
	b, err := e.Synthesize(context.Background(), "a red fox")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	img, err := png.Decode(bytes.NewReader(a))
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
}

type countingEngine struct {
	inFlight int32
	maxSeen  int32
}

func (c *countingEngine) Synthesize(ctx context.Context, prompt string) ([]byte, error) {
	n := atomic.AddInt32(&c.inFlight, 1)
	for {
		old := atomic.LoadInt32(&c.maxSeen)
		if n <= old || atomic.CompareAndSwapInt32(&c.maxSeen, old, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	atomic.AddInt32(&c.inFlight, -1)
	return []byte(prompt), nil
}

func TestSerializedAllowsOneCallAtATime(t *testing.T) {
	inner := &countingEngine{}
	e := Serialized(inner)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Synthesize(context.Background(), "p")
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt32(&inner.maxSeen))
	assert.Same(t, e, Serialized(e))
}

func TestSerializedSkipsConcurrencySafeEngines(t *testing.T) {
	p := NewPlaceholderEngine(8)
	assert.Same(t, Engine(p), Serialized(p))
}
