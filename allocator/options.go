// Package allocator runs the node's shared-memory allocator: one loopback
// endpoint per node, guarded by a pre-shared key, that creates and unlinks
// named segments on behalf of local and remote executors and forwards
// executors' posted messages to the owner.
package allocator

import (
	"log/slog"
	"time"

	"github.com/IvanBrykalov/shmcache/internal/shm"
	"github.com/jmgilman/go/errors"
)

// Defaults shared by every process on a node.
const (
	DefaultAddr             = "127.0.0.1:50000"
	DefaultAuthKey          = "shmcache"
	DefaultHandshakeTimeout = 5 * time.Second
)

var (
	// ErrUnavailable is returned when no allocator is listening.
	ErrUnavailable = errors.New(errors.CodeUnavailable, "allocator unavailable")
	// ErrAuth is returned when the pre-shared key does not match.
	ErrAuth = errors.New(errors.CodeUnauthorized, "allocator authentication failed")
	// ErrClosed is returned after Shutdown or Close.
	ErrClosed = errors.New(errors.CodeUnavailable, "allocator closed")
	// ErrUnknownSegment is returned by Release for a name this allocator
	// never handed out.
	ErrUnknownSegment = errors.New(errors.CodeNotFound, "unknown segment")
)

// Options configures both ends of the allocator endpoint.
// Zero values are replaced by the package defaults.
type Options struct {
	// Addr is the loopback endpoint. Use "127.0.0.1:0" in tests to pick a
	// free port; Manager.Addr reports the bound address.
	Addr string
	// AuthKey is the pre-shared key.
	AuthKey string
	// Dir is the directory holding segment files. Every process on the node
	// must use the same directory.
	Dir string
	// HandshakeTimeout bounds connection setup.
	HandshakeTimeout time.Duration
	// Logger receives allocator diagnostics.
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Addr == "" {
		o.Addr = DefaultAddr
	}
	if o.AuthKey == "" {
		o.AuthKey = DefaultAuthKey
	}
	if o.Dir == "" {
		o.Dir = shm.DefaultDir()
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	o.Logger = o.Logger.With("component", "allocator")
	return o
}
