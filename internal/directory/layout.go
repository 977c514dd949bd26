package directory

import "encoding/binary"

// Table layout. All offsets are in bytes from the start of the mapping; the
// mapping is page aligned so every word below is 8-byte aligned.
//
//	header (64 B): magic[8] version u32 slotSize u32 slots u64 live u64 nextGen u64
//	slot   (384 B): seq u64 | hits u64 | body[368]
//
// Body:
//
//	0   state  u32   (0 empty, 1 live, 2 tombstone)
//	4   gen    u32
//	8   size   i64
//	16  repr   u8
//	17  rank   u8
//	18  keyLen u8
//	19  handleLen u8
//	20  dtypeLen  u8
//	24  shape  [8]i64
//	88  dtype  [16]byte
//	104 handle [64]byte
//	168 key    [200]byte
const (
	Magic   = "SHMCDIR\x00"
	Version = uint32(1)

	HeaderSize = 64
	SlotSize   = 384

	MaxKeyLen    = 200
	MaxHandleLen = 64
	MaxDTypeLen  = 16
	MaxRank      = 8

	bodySize  = SlotSize - 16
	bodyWords = bodySize / 8

	offVersion  = 8
	offSlotSize = 12
	offSlots    = 16
	offLive     = 24
	offNextGen  = 32

	slotSeq  = 0
	slotHits = 8
	slotBody = 16

	bState     = 0
	bGen       = 4
	bSize      = 8
	bRepr      = 16
	bRank      = 17
	bKeyLen    = 18
	bHandleLen = 19
	bDTypeLen  = 20
	bShape     = 24
	bDType     = 88
	bHandle    = 104
	bKey       = 168
)

// Hits word: generation in the top 24 bits, count in the low 40 bits.
const (
	countBits = 40
	countMask = uint64(1)<<countBits - 1
	genMask   = uint32(1)<<(64-countBits) - 1
)

const (
	stateEmpty uint32 = iota
	stateLive
	stateTombstone
)

type body [bodySize]byte

var le = binary.LittleEndian

func (b *body) state() uint32 { return le.Uint32(b[bState:]) }
func (b *body) gen() uint32   { return le.Uint32(b[bGen:]) }

func (b *body) key() string {
	n := int(b[bKeyLen])
	if n > MaxKeyLen {
		n = MaxKeyLen
	}
	return string(b[bKey : bKey+n])
}

func (b *body) keyEquals(k string) bool {
	n := int(b[bKeyLen])
	if n != len(k) {
		return false
	}
	return string(b[bKey:bKey+n]) == k
}

func (b *body) encode(e Entry, state, gen uint32) {
	*b = body{}
	le.PutUint32(b[bState:], state)
	le.PutUint32(b[bGen:], gen)
	le.PutUint64(b[bSize:], uint64(e.Size))
	b[bRepr] = e.Repr
	b[bRank] = uint8(len(e.Shape))
	b[bKeyLen] = uint8(len(e.Key))
	b[bHandleLen] = uint8(len(e.Handle))
	b[bDTypeLen] = uint8(len(e.DType))
	for i, d := range e.Shape {
		le.PutUint64(b[bShape+8*i:], uint64(int64(d)))
	}
	copy(b[bDType:bDType+MaxDTypeLen], e.DType)
	copy(b[bHandle:bHandle+MaxHandleLen], e.Handle)
	copy(b[bKey:bKey+MaxKeyLen], e.Key)
}

func (b *body) decode() Entry {
	rank := min(int(b[bRank]), MaxRank)
	e := Entry{
		Key:        b.key(),
		Handle:     string(b[bHandle : bHandle+min(int(b[bHandleLen]), MaxHandleLen)]),
		DType:      string(b[bDType : bDType+min(int(b[bDTypeLen]), MaxDTypeLen)]),
		Size:       int64(le.Uint64(b[bSize:])),
		Repr:       b[bRepr],
		Generation: b.gen(),
	}
	if rank > 0 {
		e.Shape = make([]int, rank)
		for i := range e.Shape {
			e.Shape[i] = int(int64(le.Uint64(b[bShape+8*i:])))
		}
	}
	return e
}
