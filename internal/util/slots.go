package util

// Bounds for the number of directory slots.
const (
	MinSlots = 64
	MaxSlots = 1 << 20
)

// IsPowerOfTwo reports whether x is a power of two (> 0).
func IsPowerOfTwo(x uint64) bool {
	return x != 0 && (x&(x-1)) == 0
}

// NextPow2 returns the smallest power of two >= x.
// x == 0 yields 1; values above 1<<63 are clamped to 1<<63.
func NextPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	x++
	if x == 0 {
		return 1 << 63
	}
	return x
}

// SlotCount returns the directory slot count needed to hold maxEntries live
// entries while keeping the load factor at or below 3/4, so that linear
// scans stay short. The result is a power of two clamped to
// [MinSlots..MaxSlots].
func SlotCount(maxEntries int) int {
	if maxEntries < 1 {
		maxEntries = 1
	}
	want := uint64(maxEntries) + uint64(maxEntries)/3 + 1
	n := int(NextPow2(want))
	if n < MinSlots {
		n = MinSlots
	}
	if n > MaxSlots {
		n = MaxSlots
	}
	return n
}

// MaxLive returns how many live entries a table of the given slot count
// admits before the tracker must evict to make room.
func MaxLive(slots int) int {
	return slots - slots/4
}

// SlotIndex maps a 64-bit hash to the first slot scanned. slots must be a
// power of two, as SlotCount guarantees.
func SlotIndex(hash uint64, slots int) int {
	return int(hash & uint64(slots-1))
}
