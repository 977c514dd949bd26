package cache

import "github.com/IvanBrykalov/shmcache/internal/directory"

// Entry describes one cached object as recorded in the node directory.
type Entry struct {
	Key            string
	Handle         string
	Shape          []int
	DType          string
	Size           int64
	Hits           uint64
	Representation Representation
}

func entryFrom(e directory.Entry) Entry {
	return Entry{
		Key:            e.Key,
		Handle:         e.Handle,
		Shape:          e.Shape,
		DType:          e.DType,
		Size:           e.Size,
		Hits:           e.Hits,
		Representation: Representation(e.Repr),
	}
}

// Stats is a point-in-time view of the tracker's accounting.
type Stats struct {
	Entries  int
	Used     int64
	Capacity int64
	Slots    int
	Pending  int
}
