// Package directory implements the node-wide cache directory: a fixed-size
// open-addressing hash table laid out in a shared-memory mapping.
//
// Exactly one writer (the tracker) calls Insert and Delete. Any number of
// readers in any process call Lookup, Contains, Entries and Hit. Each slot is
// guarded by a seqlock: the writer makes the sequence odd, rewrites the slot
// body word by word with atomic stores, and makes it even again; readers copy
// the body with atomic loads and retry when the sequence moved. The hits word
// of a slot lives outside the seqlock and is updated by CAS from any process,
// tagged with the slot's generation so a late Hit cannot leak into an entry
// that replaced an evicted one.
package directory

import (
	"encoding/binary"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/IvanBrykalov/shmcache/internal/util"
	"github.com/jmgilman/go/errors"
)

var (
	// ErrExists is returned by Insert when the key is already live.
	ErrExists = errors.New(errors.CodeAlreadyExists, "directory entry already exists")
	// ErrFull is returned by Insert when no slot can take the entry.
	ErrFull = errors.New(errors.CodeConflict, "directory is full")
	// ErrNotFound is returned by Delete for an absent key.
	ErrNotFound = errors.New(errors.CodeNotFound, "directory entry not found")
	// ErrLayout is returned by Attach for a mapping that is not a directory.
	ErrLayout = errors.New(errors.CodeInvalidInput, "invalid directory layout")
)

// Entry is one directory record.
type Entry struct {
	Key    string
	Handle string
	Shape  []int
	DType  string
	Size   int64
	Repr   uint8

	// Hits and Generation are filled in by readers; Insert ignores them.
	Hits       uint64
	Generation uint32
}

// Validate checks field limits.
func (e Entry) Validate() error {
	switch {
	case e.Key == "":
		return errors.New(errors.CodeInvalidInput, "empty directory key")
	case len(e.Key) > MaxKeyLen:
		return errors.Newf(errors.CodeInvalidInput, "key too long: %d bytes (max %d)", len(e.Key), MaxKeyLen)
	case len(e.Handle) > MaxHandleLen:
		return errors.Newf(errors.CodeInvalidInput, "handle too long: %d bytes (max %d)", len(e.Handle), MaxHandleLen)
	case len(e.DType) > MaxDTypeLen:
		return errors.Newf(errors.CodeInvalidInput, "dtype too long: %d bytes (max %d)", len(e.DType), MaxDTypeLen)
	case len(e.Shape) > MaxRank:
		return errors.Newf(errors.CodeInvalidInput, "rank too high: %d (max %d)", len(e.Shape), MaxRank)
	case e.Size < 0:
		return errors.Newf(errors.CodeInvalidInput, "negative size %d", e.Size)
	}
	return nil
}

// Directory is a view over a formatted directory mapping.
// The zero value is not usable; see Format and Attach.
type Directory struct {
	mem   []byte
	slots int
}

// Size returns the mapping size needed for a table with the given slot count.
func Size(slots int) int { return HeaderSize + slots*SlotSize }

// Format initializes mem as an empty table and returns a view over it.
// mem must come from a fresh mapping of at least Size(slots) bytes.
func Format(mem []byte, slots int) (*Directory, error) {
	if slots <= 0 || !util.IsPowerOfTwo(uint64(slots)) {
		return nil, errors.Newf(errors.CodeInvalidInput, "slot count must be a power of two, got %d", slots)
	}
	if len(mem) < Size(slots) {
		return nil, errors.Newf(errors.CodeInvalidInput, "mapping too small: %d bytes for %d slots", len(mem), slots)
	}
	clear(mem[:Size(slots)])
	copy(mem, Magic)
	binary.LittleEndian.PutUint32(mem[offVersion:], Version)
	binary.LittleEndian.PutUint32(mem[offSlotSize:], SlotSize)
	binary.LittleEndian.PutUint64(mem[offSlots:], uint64(slots))
	return &Directory{mem: mem, slots: slots}, nil
}

// Attach returns a view over a table previously formatted by another process.
func Attach(mem []byte) (*Directory, error) {
	if len(mem) < HeaderSize || string(mem[:len(Magic)]) != Magic {
		return nil, errors.Wrap(ErrLayout, errors.CodeInvalidInput, "bad magic")
	}
	if v := binary.LittleEndian.Uint32(mem[offVersion:]); v != Version {
		return nil, errors.Wrapf(ErrLayout, errors.CodeInvalidInput, "unsupported version %d", v)
	}
	if s := binary.LittleEndian.Uint32(mem[offSlotSize:]); s != SlotSize {
		return nil, errors.Wrapf(ErrLayout, errors.CodeInvalidInput, "slot size %d", s)
	}
	slots := int(binary.LittleEndian.Uint64(mem[offSlots:]))
	if slots <= 0 || !util.IsPowerOfTwo(uint64(slots)) || len(mem) < Size(slots) {
		return nil, errors.Wrapf(ErrLayout, errors.CodeInvalidInput, "%d slots do not fit %d bytes", slots, len(mem))
	}
	return &Directory{mem: mem, slots: slots}, nil
}

// Slots returns the table's slot count.
func (d *Directory) Slots() int { return d.slots }

// Capacity returns the number of live entries the table admits.
func (d *Directory) Capacity() int { return util.MaxLive(d.slots) }

// Len returns the number of live entries.
func (d *Directory) Len() int { return int(atomic.LoadUint64(d.word(offLive))) }

// ---- writer side (single goroutine) ----

// Insert adds e under e.Key with a zero hit count and returns the fresh
// generation assigned to it.
func (d *Directory) Insert(e Entry) (uint32, error) {
	if err := e.Validate(); err != nil {
		return 0, err
	}
	if d.Len() >= d.Capacity() {
		return 0, ErrFull
	}
	h := util.Fnv64a(e.Key)
	target := -1
	for p := 0; p < d.slots; p++ {
		i := d.slotAt(h, p)
		var b body
		d.read(i, &b)
		switch b.state() {
		case stateLive:
			if b.keyEquals(e.Key) {
				return 0, ErrExists
			}
			continue
		case stateTombstone:
			if target < 0 {
				target = i
			}
			continue
		}
		if target < 0 {
			target = i
		}
		break
	}
	if target < 0 {
		return 0, ErrFull
	}

	gen := d.nextGen()
	var b body
	b.encode(e, stateLive, gen)
	d.write(target, &b, uint64(gen)<<countBits)
	atomic.AddUint64(d.word(offLive), 1)
	return gen, nil
}

// Delete removes key. Trailing tombstones are collapsed back to empty slots
// so collision chains stay short under churn.
func (d *Directory) Delete(key string) error {
	i, _, ok := d.find(key)
	if !ok {
		return ErrNotFound
	}
	var b body
	next := (i + 1) % d.slots
	var nb body
	d.read(next, &nb)
	if nb.state() == stateEmpty {
		d.write(i, &b, 0)
		for j := (i - 1 + d.slots) % d.slots; j != i; j = (j - 1 + d.slots) % d.slots {
			var pb body
			d.read(j, &pb)
			if pb.state() != stateTombstone {
				break
			}
			d.write(j, &b, 0)
		}
	} else {
		le.PutUint32(b[bState:], stateTombstone)
		d.write(i, &b, 0)
	}
	atomic.AddUint64(d.word(offLive), ^uint64(0))
	return nil
}

func (d *Directory) nextGen() uint32 {
	w := d.word(offNextGen)
	g := uint32(atomic.LoadUint64(w)+1) & genMask
	if g == 0 {
		g = 1
	}
	atomic.StoreUint64(w, uint64(g))
	return g
}

func (d *Directory) write(i int, b *body, hits uint64) {
	base := d.slotOff(i)
	seq := d.word(base + slotSeq)
	s := atomic.LoadUint64(seq)
	atomic.StoreUint64(seq, s+1)
	for w := 0; w < bodyWords; w++ {
		atomic.StoreUint64(d.word(base+slotBody+8*w), binary.NativeEndian.Uint64(b[8*w:]))
	}
	atomic.StoreUint64(d.word(base+slotHits), hits)
	atomic.StoreUint64(seq, s+2)
}

// ---- reader side (any goroutine, any process) ----

// Lookup returns the live entry for key, including its current hit count.
func (d *Directory) Lookup(key string) (Entry, bool) {
	i, b, ok := d.find(key)
	if !ok {
		return Entry{}, false
	}
	e := b.decode()
	e.Hits = d.hitsOf(i, e.Generation)
	return e, true
}

// Contains reports whether key is live.
func (d *Directory) Contains(key string) bool {
	_, _, ok := d.find(key)
	return ok
}

// Hit increments the hit count of key if the entry still carries generation
// gen. It reports whether the increment landed.
func (d *Directory) Hit(key string, gen uint32) bool {
	i, b, ok := d.find(key)
	if !ok || b.gen() != gen {
		return false
	}
	w := d.word(d.slotOff(i) + slotHits)
	for {
		old := atomic.LoadUint64(w)
		if uint32(old>>countBits) != gen {
			return false
		}
		if old&countMask == countMask {
			return true
		}
		if atomic.CompareAndSwapUint64(w, old, old+1) {
			return true
		}
	}
}

// Hits returns the hit count of key, or 0 when absent.
func (d *Directory) Hits(key string) uint64 {
	i, b, ok := d.find(key)
	if !ok {
		return 0
	}
	return d.hitsOf(i, b.gen())
}

// Entries returns a snapshot of all live entries in slot order.
func (d *Directory) Entries() []Entry {
	out := make([]Entry, 0, d.Len())
	for i := 0; i < d.slots; i++ {
		var b body
		d.read(i, &b)
		if b.state() != stateLive {
			continue
		}
		e := b.decode()
		e.Hits = d.hitsOf(i, e.Generation)
		out = append(out, e)
	}
	return out
}

func (d *Directory) hitsOf(i int, gen uint32) uint64 {
	w := atomic.LoadUint64(d.word(d.slotOff(i) + slotHits))
	if uint32(w>>countBits) != gen {
		return 0
	}
	return w & countMask
}

func (d *Directory) find(key string) (int, body, bool) {
	var b body
	if key == "" || len(key) > MaxKeyLen {
		return -1, b, false
	}
	h := util.Fnv64a(key)
	for p := 0; p < d.slots; p++ {
		i := d.slotAt(h, p)
		d.read(i, &b)
		switch b.state() {
		case stateEmpty:
			return -1, b, false
		case stateLive:
			if b.keyEquals(key) {
				return i, b, true
			}
		}
	}
	return -1, b, false
}

// read copies slot i's body into b, retrying until it observes a stable
// sequence.
func (d *Directory) read(i int, b *body) {
	base := d.slotOff(i)
	seq := d.word(base + slotSeq)
	for spins := 0; ; spins++ {
		s1 := atomic.LoadUint64(seq)
		if s1&1 == 0 {
			for w := 0; w < bodyWords; w++ {
				binary.NativeEndian.PutUint64(b[8*w:], atomic.LoadUint64(d.word(base+slotBody+8*w)))
			}
			if atomic.LoadUint64(seq) == s1 {
				return
			}
		}
		if spins&63 == 63 {
			runtime.Gosched()
		}
	}
}

func (d *Directory) slotAt(h uint64, p int) int {
	return (util.SlotIndex(h, d.slots) + p) % d.slots
}

func (d *Directory) slotOff(i int) int { return HeaderSize + i*SlotSize }

func (d *Directory) word(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&d.mem[off]))
}
