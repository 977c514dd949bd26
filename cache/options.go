package cache

import (
	"log/slog"
	"time"

	"github.com/IvanBrykalov/shmcache/allocator"
	"github.com/IvanBrykalov/shmcache/internal/shm"
	"github.com/IvanBrykalov/shmcache/policy"
	"github.com/IvanBrykalov/shmcache/policy/leasthits"
	"github.com/jmgilman/go/errors"
)

// Defaults applied by Start and Connect.
const (
	DefaultNamespace  = "shmcache"
	DefaultMaxEntries = 4096
)

// Options configures a node and its clients. Zero values are safe;
// defaults are applied in Start and Connect:
//   - Capacity 0      => a quarter of physical memory (Start only); an
//     explicit zero size is refused earlier, by ParseEnable
//   - Addr, AuthKey   => allocator.DefaultAddr, allocator.DefaultAuthKey
//   - SegmentDir ""   => /dev/shm, or the OS temp dir
//   - nil Policy      => least-hits-first
//   - nil Metrics     => NoopMetrics
//   - nil Logger      => slog.Default()
type Options struct {
	// Capacity is the byte budget for cached values. Overshoot is bounded
	// by the size of the entry being admitted.
	Capacity int64 `yaml:"capacity_bytes"`

	// Allocator endpoint shared by all processes on the node.
	Addr             string        `yaml:"addr"`
	AuthKey          string        `yaml:"auth_key"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// SegmentDir holds segment files; Namespace prefixes the directory
	// segment so several nodes can share one SegmentDir.
	SegmentDir string `yaml:"segment_dir"`
	Namespace  string `yaml:"namespace"`

	// MaxEntries bounds the number of cached entries. The directory is
	// sized from it at Start.
	MaxEntries int `yaml:"max_entries"`

	Policy  policy.Policy `yaml:"-"`
	Metrics Metrics       `yaml:"-"`
	Logger  *slog.Logger  `yaml:"-"`
}

func (o Options) withDefaults() Options {
	if o.Addr == "" {
		o.Addr = allocator.DefaultAddr
	}
	if o.AuthKey == "" {
		o.AuthKey = allocator.DefaultAuthKey
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = allocator.DefaultHandshakeTimeout
	}
	if o.SegmentDir == "" {
		o.SegmentDir = shm.DefaultDir()
	}
	if o.Namespace == "" {
		o.Namespace = DefaultNamespace
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = DefaultMaxEntries
	}
	if o.Policy == nil {
		o.Policy = leasthits.New()
	}
	if o.Metrics == nil {
		o.Metrics = NoopMetrics{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func (o Options) validate() error {
	if !shm.ValidName(o.directoryName()) {
		return errors.Wrapf(ErrConfiguration, errors.CodeInvalidConfig, "invalid namespace %q", o.Namespace)
	}
	if o.Capacity < 0 {
		return errors.Wrapf(ErrConfiguration, errors.CodeInvalidConfig, "negative capacity %d", o.Capacity)
	}
	return nil
}

func (o Options) directoryName() string { return o.Namespace + "_directory" }

func (o Options) allocatorOptions() allocator.Options {
	return allocator.Options{
		Addr:             o.Addr,
		AuthKey:          o.AuthKey,
		Dir:              o.SegmentDir,
		HandshakeTimeout: o.HandshakeTimeout,
		Logger:           o.Logger,
	}
}
