package cache

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/IvanBrykalov/shmcache/internal/directory"
	"github.com/IvanBrykalov/shmcache/internal/shm"
	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/singleflight"
)

// Client is an executor's handle on the node cache. Obtain one from
// Node.Client in the owner process or from Connect elsewhere.
type Client struct {
	dir     *directory.Directory
	be      backend
	segDir  string
	metrics Metrics
	log     *slog.Logger
	dirSeg  *shm.Segment // remote clients map the directory themselves

	mu       sync.Mutex
	attached map[string]*mapping
	sf       singleflight.Group
	closed   atomic.Bool
}

// mapping is an attached array segment shared by every Array view of it
// that has not been released yet.
type mapping struct {
	seg  *shm.Segment
	refs int
}

func newClient(dir *directory.Directory, be backend, opts Options) *Client {
	return &Client{
		dir:      dir,
		be:       be,
		segDir:   opts.SegmentDir,
		metrics:  opts.Metrics,
		log:      opts.Logger.With("component", "client"),
		attached: make(map[string]*mapping),
	}
}

// KeyOf strips directory components from a path-like identifier, so
// "/tmp/job1/matrix.npy" and "matrix.npy" share an entry.
func KeyOf(id string) string {
	if i := strings.LastIndexAny(id, `/\`); i >= 0 {
		return id[i+1:]
	}
	return id
}

// Insert implements Cache.
func (c *Client) Insert(key string, v Value) bool {
	if c == nil || c.closed.Load() {
		return false
	}
	k := KeyOf(key)
	if err := c.insert(k, v); err != nil {
		c.log.Debug("value not cached", "key", k, "err", err)
		return false
	}
	c.log.Debug("inserted", "key", k)
	return true
}

func (c *Client) insert(key string, v Value) error {
	if key == "" || len(key) > directory.MaxKeyLen {
		return errors.Wrapf(ErrUnsupportedValue, errors.CodeInvalidInput, "key length %d", len(key))
	}
	put := Put{Key: key}
	var (
		size  int
		items []any
	)
	switch x := v.(type) {
	case Array:
		if err := x.Validate(); err != nil {
			return err
		}
		size = len(x.Data)
		put.Shape = append([]int(nil), x.Shape...)
		put.DType = string(x.DType)
	case List:
		items = x
	case Tuple:
		items = x
	default:
		return errors.Wrapf(ErrUnsupportedValue, errors.CodeInvalidInput, "value of type %T", v)
	}
	if put.Representation = v.Representation(); put.Representation != SharedBuffer {
		n, err := sequenceSize(items)
		if err != nil {
			return err
		}
		size = n
	}
	put.Size = int64(size)

	seg, err := c.be.allocate(size)
	if err != nil {
		return err
	}
	put.Handle = seg.Name
	if a, ok := v.(Array); ok {
		copy(seg.Mem, a.Data)
	} else {
		encodeSequence(seg.Mem, items)
	}
	if err := seg.Close(); err != nil {
		c.log.Debug("unmap after insert", "segment", seg.Name, "err", err)
	}
	if err := c.be.post(put); err != nil {
		if rerr := c.be.release(put.Handle); rerr != nil {
			c.log.Debug("release unposted segment", "segment", put.Handle, "err", rerr)
		}
		return err
	}
	return nil
}

// InsertAny implements Cache.
func (c *Client) InsertAny(key string, v any) bool {
	val, ok := FromAny(v)
	if !ok {
		if c != nil {
			c.log.Debug("value shape not cacheable", "key", KeyOf(key), "type", fmt.Sprintf("%T", v))
		}
		return false
	}
	return c.Insert(key, val)
}

// Retrieve implements Cache.
func (c *Client) Retrieve(key string) (Value, error) {
	if c == nil || c.closed.Load() {
		return nil, ErrClosed
	}
	k := KeyOf(key)
	e, ok := c.dir.Lookup(k)
	if !ok {
		c.metrics.Miss()
		return nil, errors.Wrapf(ErrAbsentKey, errors.CodeNotFound, "retrieve %q", k)
	}

	var v Value
	switch r := Representation(e.Repr); r {
	case SharedBuffer:
		m, err := c.attach(e.Handle)
		if err != nil {
			return nil, c.attachErr(k, err)
		}
		if int64(len(m.seg.Mem)) < e.Size {
			_ = c.unref(e.Handle)
			return nil, errors.Newf(errors.CodeInternal, "segment %s holds %d bytes, entry says %d", e.Handle, len(m.seg.Mem), e.Size)
		}
		handle := e.Handle
		v = Array{
			Shape: e.Shape,
			DType: DType(e.DType),
			Data:  m.seg.Mem[:e.Size:e.Size],
			view:  &arrayView{release: func() error { return c.unref(handle) }},
		}
	case ShareableList, ShareableTuple:
		seg, err := shm.Open(c.segDir, e.Handle)
		if err != nil {
			return nil, c.attachErr(k, err)
		}
		items, err := decodeSequence(seg.Mem)
		_ = seg.Close()
		if err != nil {
			return nil, err
		}
		if r == ShareableTuple {
			v = Tuple(items)
		} else {
			v = List(items)
		}
	default:
		return nil, errors.Wrapf(ErrUnknownRepresentation, errors.CodeInvalidInput, "retrieve %q: tag %d", k, e.Repr)
	}

	c.dir.Hit(k, e.Generation)
	c.metrics.Hit()
	c.log.Debug("retrieved", "key", k, "repr", Representation(e.Repr).String())
	return v, nil
}

func (c *Client) attachErr(key string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		c.metrics.Miss()
		return errors.Wrapf(ErrAbsentKey, errors.CodeNotFound, "retrieve %q: evicted", key)
	}
	return err
}

// attach maps an array segment once per client and takes a reference on
// it; concurrent retrievals of the same handle share one mapping.
func (c *Client) attach(handle string) (*mapping, error) {
	for {
		c.mu.Lock()
		if c.closed.Load() {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		if m, ok := c.attached[handle]; ok {
			m.refs++
			c.mu.Unlock()
			return m, nil
		}
		c.mu.Unlock()

		// The mapping is published with no references; the next pass of the
		// loop takes one. Nobody can drop it in between since dropping needs
		// a reference.
		_, err, _ := c.sf.Do(handle, func() (any, error) {
			c.mu.Lock()
			_, ok := c.attached[handle]
			c.mu.Unlock()
			if ok {
				return nil, nil
			}
			seg, err := shm.Open(c.segDir, handle)
			if err != nil {
				return nil, err
			}
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.closed.Load() {
				_ = seg.Close()
				return nil, ErrClosed
			}
			c.attached[handle] = &mapping{seg: seg}
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
	}
}

// unref drops one reference on an attached segment and unmaps it when the
// last view is released.
func (c *Client) unref(handle string) error {
	c.mu.Lock()
	m, ok := c.attached[handle]
	if !ok {
		// Close already unmapped everything.
		c.mu.Unlock()
		return nil
	}
	if m.refs--; m.refs > 0 {
		c.mu.Unlock()
		return nil
	}
	delete(c.attached, handle)
	c.mu.Unlock()
	return m.seg.Close()
}

// mapped returns the number of array segments currently attached.
func (c *Client) mapped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.attached)
}

// Remove implements Cache. Keys that are not cached are reported to the
// caller instead of being forwarded.
func (c *Client) Remove(key string) error {
	if c == nil || c.closed.Load() {
		return ErrClosed
	}
	k := KeyOf(key)
	if !c.dir.Contains(k) {
		return errors.Wrapf(ErrAbsentKey, errors.CodeNotFound, "remove %q", k)
	}
	if err := c.be.post(Remove{Key: k}); err != nil {
		return err
	}
	c.log.Debug("removed", "key", k)
	return nil
}

// Replace implements Cache.
func (c *Client) Replace(key string, v Value) bool {
	if err := c.Remove(key); err != nil && !errors.Is(err, ErrAbsentKey) {
		return false
	}
	return c.Insert(key, v)
}

// Contains implements Cache.
func (c *Client) Contains(key string) bool {
	if c == nil || c.closed.Load() {
		return false
	}
	return c.dir.Contains(KeyOf(key))
}

// Entries implements Cache.
func (c *Client) Entries() []Entry {
	if c == nil || c.closed.Load() {
		return nil
	}
	raw := c.dir.Entries()
	out := make([]Entry, len(raw))
	for i, e := range raw {
		out[i] = entryFrom(e)
	}
	return out
}

// Lookup returns the directory entry for key without counting a hit.
func (c *Client) Lookup(key string) (Entry, bool) {
	if c == nil || c.closed.Load() {
		return Entry{}, false
	}
	e, ok := c.dir.Lookup(KeyOf(key))
	if !ok {
		return Entry{}, false
	}
	return entryFrom(e), true
}

// Len implements Cache.
func (c *Client) Len() int {
	if c == nil || c.closed.Load() {
		return 0
	}
	return c.dir.Len()
}

// Close implements Cache. Arrays returned by Retrieve must not be used
// afterwards, released or not.
func (c *Client) Close() error {
	if c == nil || !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	var errs []error
	for h, m := range c.attached {
		if err := m.seg.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(c.attached, h)
	}
	c.mu.Unlock()
	if err := c.be.close(); err != nil {
		errs = append(errs, err)
	}
	if c.dirSeg != nil {
		if err := c.dirSeg.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Wrap(errs[0], errors.CodeInternal, "close cache client")
	}
	return nil
}

var _ Cache = (*Client)(nil)
