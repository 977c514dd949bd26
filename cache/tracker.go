package cache

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"

	"github.com/IvanBrykalov/shmcache/internal/directory"
	"github.com/IvanBrykalov/shmcache/internal/util"
	"github.com/IvanBrykalov/shmcache/policy"
	"github.com/jmgilman/go/errors"
)

// Tracker is the single authority over cache metadata. It applies Put and
// Remove messages one at a time from its mailbox, owns all directory
// writes, and evicts when admission would exceed the byte or entry budget.
//
// Only Run's goroutine touches entries; Used, Len and Err are safe from any
// goroutine.
type Tracker struct {
	capacity   int64
	maxEntries int
	dir        *directory.Directory
	policy     policy.Policy
	release    func(handle string) error
	metrics    Metrics
	log        *slog.Logger
	box        *mailbox

	entries map[string]tracked
	order   uint64

	used  util.PaddedAtomicInt64
	count util.PaddedAtomicInt64

	mu  sync.Mutex
	err error
}

type tracked struct {
	handle string
	size   int64
	order  uint64
	gen    uint32
}

type trackerConfig struct {
	capacity   int64
	maxEntries int
	dir        *directory.Directory
	policy     policy.Policy
	release    func(handle string) error
	metrics    Metrics
	log        *slog.Logger
}

func newTracker(cfg trackerConfig) *Tracker {
	maxEntries := cfg.maxEntries
	if c := cfg.dir.Capacity(); maxEntries <= 0 || maxEntries > c {
		maxEntries = c
	}
	return &Tracker{
		capacity:   cfg.capacity,
		maxEntries: maxEntries,
		dir:        cfg.dir,
		policy:     cfg.policy,
		release:    cfg.release,
		metrics:    cfg.metrics,
		log:        cfg.log.With("component", "tracker"),
		box:        newMailbox(),
		entries:    make(map[string]tracked),
	}
}

// Send enqueues m without waiting. It reports false once the tracker has
// stopped; callers treat that as "not cached".
func (t *Tracker) Send(m Message) bool { return t.box.push(m) }

// Used returns the bytes currently accounted to cached entries.
func (t *Tracker) Used() int64 { return t.used.Load() }

// Len returns the number of cached entries.
func (t *Tracker) Len() int { return int(t.count.Load()) }

// Stopped reports whether the tracker failed or no longer accepts messages.
func (t *Tracker) Stopped() bool { return t.Err() != nil || t.box.isClosed() }

// Pending returns the number of queued messages.
func (t *Tracker) Pending() int { return t.box.len() }

// Err returns the failure that stopped the tracker, or nil.
func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Run applies messages until Quit, a failure, or ctx is done. A failure is
// logged and returned joined with ErrTrackerFailure. The mailbox is closed
// on every exit so later sends are dropped; segments of Puts still queued
// are released.
func (t *Tracker) Run(ctx context.Context) error {
	defer t.closeMailbox()
	t.log.Debug("tracker started", "capacity", t.capacity, "max_entries", t.maxEntries, "policy", t.policy.Name())
	for {
		m, err := t.box.pop(ctx)
		if err != nil {
			return t.fail(err)
		}
		if _, ok := m.(Quit); ok {
			t.log.Debug("tracker stopping", "entries", t.Len(), "used", t.Used())
			return nil
		}
		if err := t.apply(m); err != nil {
			return t.fail(err)
		}
	}
}

func (t *Tracker) closeMailbox() {
	for _, m := range t.box.close() {
		if p, ok := m.(Put); ok {
			t.releaseHandle(p.Handle)
		}
	}
}

func (t *Tracker) fail(err error) error {
	err = stderrors.Join(ErrTrackerFailure, err)
	t.log.Error("tracker stopped", "err", err)
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	return err
}

func (t *Tracker) apply(m Message) error {
	switch x := m.(type) {
	case Put:
		return t.put(x)
	case Remove:
		return t.remove(x.Key)
	case malformed:
		return x.err
	default:
		return errors.Newf(errors.CodeInvalidInput, "unexpected message %T", m)
	}
}

func (t *Tracker) put(m Put) error {
	if e, ok := t.entries[m.Key]; ok {
		t.dir.Hit(m.Key, e.gen)
		t.log.Debug("duplicate put", "key", m.Key)
		if m.Handle != e.handle {
			t.releaseHandle(m.Handle)
		}
		return nil
	}
	if m.Size < 0 {
		t.releaseHandle(m.Handle)
		return errors.Newf(errors.CodeInvalidInput, "put %q: negative size %d", m.Key, m.Size)
	}

	if over := t.Used() + m.Size - t.capacity; over > 0 {
		if err := t.evict(over, EvictCapacity); err != nil {
			return err
		}
	}
	if len(t.entries) >= t.maxEntries {
		if err := t.evict(1, EvictEntries); err != nil {
			return err
		}
	}

	gen, err := t.dir.Insert(directory.Entry{
		Key:    m.Key,
		Handle: m.Handle,
		Shape:  m.Shape,
		DType:  m.DType,
		Size:   m.Size,
		Repr:   uint8(m.Representation),
	})
	if err != nil {
		t.releaseHandle(m.Handle)
		return errors.Wrapf(err, errors.CodeInternal, "admit %q", m.Key)
	}
	t.order++
	t.entries[m.Key] = tracked{handle: m.Handle, size: m.Size, order: t.order, gen: gen}
	t.used.Add(m.Size)
	t.count.Add(1)
	t.metrics.Admit(m.Size)
	t.metrics.Size(t.Len(), t.Used())
	t.log.Debug("admitted", "key", m.Key, "size", m.Size, "repr", m.Representation.String(), "used", t.Used())
	return nil
}

func (t *Tracker) remove(key string) error {
	if _, ok := t.entries[key]; !ok {
		return errors.Wrapf(ErrAbsentKey, errors.CodeNotFound, "remove %q", key)
	}
	if err := t.drop(key); err != nil {
		return err
	}
	t.metrics.Size(t.Len(), t.Used())
	t.log.Debug("removed", "key", key, "used", t.Used())
	return nil
}

// evict drops entries in policy order until at least need bytes are freed
// or nothing is left. For EvictEntries need counts entries, not bytes.
func (t *Tracker) evict(need int64, reason EvictReason) error {
	cands := t.candidates()
	t.policy.Rank(cands)

	var victims []policy.Candidate
	if reason == EvictEntries {
		victims = cands[:min(int(need), len(cands))]
	} else {
		victims, _ = policy.Select(cands, need)
	}
	for _, v := range victims {
		if err := t.drop(v.Key); err != nil {
			return err
		}
		t.metrics.Evict(reason)
		t.log.Debug("evicted", "key", v.Key, "size", v.Size, "hits", v.Hits, "reason", reason.String())
	}
	t.metrics.Size(t.Len(), t.Used())
	return nil
}

func (t *Tracker) candidates() []policy.Candidate {
	out := make([]policy.Candidate, 0, len(t.entries))
	for k, e := range t.entries {
		out = append(out, policy.Candidate{
			Key:   k,
			Size:  e.size,
			Hits:  t.dir.Hits(k),
			Order: e.order,
		})
	}
	return out
}

// drop deletes key from the directory and releases its segment.
func (t *Tracker) drop(key string) error {
	e := t.entries[key]
	if err := t.dir.Delete(key); err != nil {
		return errors.Wrapf(err, errors.CodeInternal, "delete %q", key)
	}
	delete(t.entries, key)
	t.used.Add(-e.size)
	t.count.Add(-1)
	t.releaseHandle(e.handle)
	return nil
}

func (t *Tracker) releaseHandle(handle string) {
	if handle == "" || t.release == nil {
		return
	}
	if err := t.release(handle); err != nil {
		t.log.Warn("release segment", "handle", handle, "err", err)
	}
}
