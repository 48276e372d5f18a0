package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path"
	"strings"
	"time"
)

var (
	// ErrStoreUnavailable is returned when the backing service cannot be reached
	ErrStoreUnavailable = errors.New("artifact store unavailable")

	// ErrStoreWrite is returned when an upload does not complete
	ErrStoreWrite = errors.New("artifact store write failed")

	// ErrStoreRead is returned when an object cannot be read or does not exist
	ErrStoreRead = errors.New("artifact store read failed")
)

// DefaultLinkTTL is how long an issued link stays valid unless configured otherwise.
const DefaultLinkTTL = time.Hour

// Store is durable blob storage for generated images
type Store interface {
	// EnsureContainer creates the bucket if it does not exist yet
	EnsureContainer(ctx context.Context, name string) error

	// Put uploads the full object, overwriting any previous version
	Put(ctx context.Context, key string, data []byte, meta map[string]string) error

	// IssueLink returns a time-limited read URL for an existing object
	IssueLink(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// ArtifactKey derives the storage key for a prompt. The same prompt always
// maps to the same key regardless of process or host.
func ArtifactKey(prefix, prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	name := hex.EncodeToString(sum[:]) + ".png"
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}
