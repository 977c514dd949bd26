package cache

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/IvanBrykalov/shmcache/allocator"
	"github.com/IvanBrykalov/shmcache/internal/directory"
	"github.com/IvanBrykalov/shmcache/internal/shm"
	"github.com/IvanBrykalov/shmcache/internal/util"
	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"
)

// Node is the owner side of a node-local cache: it runs the allocator
// endpoint, owns the directory segment and supervises the tracker. Create
// one per node with Start and tear it down with Stop.
type Node struct {
	opts    Options
	log     *slog.Logger
	alloc   *allocator.Manager
	dirSeg  *shm.Segment
	dir     *directory.Directory
	tracker *Tracker
	ready   atomic.Pointer[Tracker]
	g       errgroup.Group

	stopOnce sync.Once
	stopErr  error
}

// Start brings up the allocator, formats a fresh directory and starts the
// tracker. The tracker keeps running when ctx is cancelled; only Stop ends
// it.
func Start(ctx context.Context, opts Options) (*Node, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Capacity == 0 {
		c, err := DefaultCapacity()
		if err != nil {
			return nil, err
		}
		opts.Capacity = c
	}
	n := &Node{opts: opts, log: opts.Logger.With("component", "node")}

	alloc, err := allocator.Start(opts.allocatorOptions(), n.deliver)
	if err != nil {
		return nil, err
	}
	n.alloc = alloc

	// A directory left behind by a crashed owner is stale: this process
	// holds the endpoint now.
	name := opts.directoryName()
	if err := shm.Remove(opts.SegmentDir, name); err != nil {
		_ = alloc.Shutdown()
		return nil, err
	}
	slots := util.SlotCount(opts.MaxEntries)
	seg, err := shm.Create(opts.SegmentDir, name, directory.Size(slots))
	if err != nil {
		_ = alloc.Shutdown()
		return nil, err
	}
	dir, err := directory.Format(seg.Mem, slots)
	if err != nil {
		_ = seg.Close()
		_ = shm.Remove(opts.SegmentDir, name)
		_ = alloc.Shutdown()
		return nil, err
	}
	n.dirSeg, n.dir = seg, dir

	n.tracker = newTracker(trackerConfig{
		capacity:   opts.Capacity,
		maxEntries: opts.MaxEntries,
		dir:        dir,
		policy:     opts.Policy,
		release:    alloc.Release,
		metrics:    opts.Metrics,
		log:        opts.Logger,
	})
	n.ready.Store(n.tracker)
	runCtx := context.WithoutCancel(ctx)
	n.g.Go(func() error { return n.tracker.Run(runCtx) })

	n.log.Info("cache node started",
		"addr", alloc.Addr(), "dir", opts.SegmentDir, "namespace", opts.Namespace,
		"capacity", opts.Capacity, "slots", slots)
	return n, nil
}

// deliver feeds payloads posted by remote executors into the tracker. Payloads
// that fail to decode are still queued so the tracker fails on them in order.
// A Put that cannot be queued gives its segment back to the allocator.
func (n *Node) deliver(p []byte) {
	m, err := DecodeMessage(p)
	if err != nil {
		m = malformed{err: err}
	}
	t := n.ready.Load()
	if t != nil && t.Send(m) {
		return
	}
	n.log.Debug("dropped message for unavailable tracker")
	if put, ok := m.(Put); ok && put.Handle != "" {
		if err := n.alloc.Release(put.Handle); err != nil {
			n.log.Debug("release dropped segment", "segment", put.Handle, "err", err)
		}
	}
}

// Client returns an in-process client sharing this node's allocator and
// directory. Closing it does not affect the node.
func (n *Node) Client() *Client {
	return newClient(n.dir, localBackend{n: n}, n.opts)
}

// Addr returns the allocator endpoint address.
func (n *Node) Addr() string { return n.alloc.Addr() }

// Err reports the tracker failure, if any. Once non-nil the cache is
// degraded for the rest of the run: inserts are skipped.
func (n *Node) Err() error { return n.tracker.Err() }

// Stats returns current accounting.
func (n *Node) Stats() Stats {
	return Stats{
		Entries:  n.tracker.Len(),
		Used:     n.tracker.Used(),
		Capacity: n.opts.Capacity,
		Slots:    n.dir.Slots(),
		Pending:  n.tracker.Pending(),
	}
}

// Stop asks the tracker to quit after draining queued messages, waits for
// it, shuts the allocator down (unlinking every segment) and removes the
// directory. It returns the tracker failure, if there was one.
func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		n.tracker.Send(Quit{})
		runErr := n.g.Wait()
		allocErr := n.alloc.Shutdown()
		closeErr := n.dirSeg.Close()
		rmErr := shm.Remove(n.opts.SegmentDir, n.opts.directoryName())
		n.stopErr = stderrors.Join(runErr, allocErr, closeErr, rmErr)
		n.log.Info("cache node stopped", "err", n.stopErr)
	})
	return n.stopErr
}

// Connect attaches an executor in another process to a running node.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	conn, err := allocator.Connect(ctx, opts.allocatorOptions())
	if err != nil {
		return nil, err
	}
	seg, err := shm.Open(opts.SegmentDir, opts.directoryName())
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, errors.CodeUnavailable, "attach directory")
	}
	dir, err := directory.Attach(seg.Mem)
	if err != nil {
		_ = seg.Close()
		_ = conn.Close()
		return nil, err
	}
	c := newClient(dir, remoteBackend{conn: conn}, opts)
	c.dirSeg = seg
	return c, nil
}

// ---- backends ----

// backend is how a client allocates segments and reaches the tracker.
type backend interface {
	allocate(size int) (*shm.Segment, error)
	release(handle string) error
	post(m Message) error
	close() error
}

type localBackend struct{ n *Node }

// allocate refuses once the tracker has stopped: nothing would ever admit or
// release the segment.
func (b localBackend) allocate(size int) (*shm.Segment, error) {
	if b.n.tracker.Stopped() {
		return nil, errors.Wrap(ErrClosed, errors.CodeUnavailable, "tracker stopped")
	}
	return b.n.alloc.Allocate(size)
}

func (b localBackend) release(handle string) error { return b.n.alloc.Release(handle) }

func (b localBackend) post(m Message) error {
	if !b.n.tracker.Send(m) {
		return errors.Wrap(ErrClosed, errors.CodeUnavailable, "tracker stopped")
	}
	return nil
}

func (localBackend) close() error { return nil }

type remoteBackend struct{ conn *allocator.Conn }

func (b remoteBackend) allocate(size int) (*shm.Segment, error) { return b.conn.Allocate(size) }

func (b remoteBackend) release(handle string) error { return b.conn.Release(handle) }

func (b remoteBackend) post(m Message) error {
	p, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	return b.conn.Post(p)
}

func (b remoteBackend) close() error { return b.conn.Close() }
