package synth

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrEngineTransient is returned for failures worth retrying: resource
	// exhaustion, timeouts, an overloaded backend
	ErrEngineTransient = errors.New("synthesis engine transient failure")

	// ErrEngineContent is returned when the prompt can never be processed
	ErrEngineContent = errors.New("synthesis engine rejected prompt")
)

// Engine turns a prompt into encoded image bytes
type Engine interface {
	Synthesize(ctx context.Context, prompt string) ([]byte, error)
}

// ConcurrencySafe is implemented by engines that accept parallel calls
type ConcurrencySafe interface {
	ConcurrencySafe() bool
}

// Serialized wraps an engine so that at most one call is in flight,
// unless the engine reports that it is safe for concurrent use.
func Serialized(e Engine) Engine {
	if cs, ok := e.(ConcurrencySafe); ok && cs.ConcurrencySafe() {
		return e
	}
	if _, ok := e.(*serialEngine); ok {
		return e
	}
	return &serialEngine{inner: e}
}

type serialEngine struct {
	inner Engine
	mutex sync.Mutex
}

func (s *serialEngine) Synthesize(ctx context.Context, prompt string) ([]byte, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.inner.Synthesize(ctx, prompt)
}
