// Package shm manages named shared-memory segments backed by files in a
// tmpfs directory. A segment is created once by the allocator and opened by
// any number of processes on the same node; every mapping is MAP_SHARED so
// writes made through one mapping are visible through all others.
package shm

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/jmgilman/go/errors"
	uuid "github.com/satori/go.uuid"
)

// NamePrefix starts every segment name produced by NewName.
const NamePrefix = "shmc_"

// ErrUnsupported is returned on platforms without mmap.
var ErrUnsupported = errors.New(errors.CodeInternal, "shared memory segments are not supported on this platform")

// Segment is one mapped shared-memory segment.
// Mem is exactly the requested size; the file descriptor is closed right after
// mapping because the mapping keeps the pages alive.
type Segment struct {
	Name string
	Path string
	Mem  []byte

	raw []byte // whole mapping, at least one byte long
}

// DefaultDir returns /dev/shm when it exists and is a directory, and the OS
// temporary directory otherwise.
func DefaultDir() string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// NewName returns a fresh random segment name.
func NewName() string {
	return NamePrefix + strings.ReplaceAll(uuid.NewV4().String(), "-", "")
}

// ValidName reports whether name is safe to join to a segment directory.
func ValidName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`) && !strings.ContainsRune(name, 0)
}

// Path returns the backing file path of the named segment.
func Path(dir, name string) string {
	return filepath.Join(dir, name)
}

// Create creates the named segment with the given size and maps it read-write.
// It fails if the segment already exists.
func Create(dir, name string, size int) (*Segment, error) {
	if !ValidName(name) {
		return nil, errors.Newf(errors.CodeInvalidInput, "invalid segment name %q", name)
	}
	if size < 0 {
		return nil, errors.Newf(errors.CodeInvalidInput, "negative segment size %d", size)
	}
	path := Path(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInternal, "create segment %s", name)
	}
	defer f.Close()

	// mmap rejects zero-length mappings; empty values still get one page.
	mapped := max(size, 1)
	if err := f.Truncate(int64(mapped)); err != nil {
		_ = os.Remove(path)
		return nil, errors.Wrapf(err, errors.CodeInternal, "resize segment %s", name)
	}
	raw, err := mmapFile(f, mapped)
	if err != nil {
		_ = os.Remove(path)
		return nil, errors.Wrapf(err, errors.CodeInternal, "map segment %s", name)
	}
	return &Segment{Name: name, Path: path, Mem: raw[:size], raw: raw}, nil
}

// Open maps an existing segment. A missing segment yields an error matching
// os.ErrNotExist.
func Open(dir, name string) (*Segment, error) {
	if !ValidName(name) {
		return nil, errors.Newf(errors.CodeInvalidInput, "invalid segment name %q", name)
	}
	path := Path(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		code := errors.CodeInternal
		if os.IsNotExist(err) {
			code = errors.CodeNotFound
		}
		return nil, errors.Wrapf(err, code, "open segment %s", name)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInternal, "stat segment %s", name)
	}
	size := int(fi.Size())
	if size == 0 {
		return nil, errors.Newf(errors.CodeInvalidInput, "segment %s is empty", name)
	}
	raw, err := mmapFile(f, size)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInternal, "map segment %s", name)
	}
	return &Segment{Name: name, Path: path, Mem: raw, raw: raw}, nil
}

// Close unmaps the segment. The backing file is left in place.
// Close is idempotent.
func (s *Segment) Close() error {
	if s == nil || s.raw == nil {
		return nil
	}
	raw := s.raw
	s.raw, s.Mem = nil, nil
	if err := munmap(raw); err != nil {
		return errors.Wrapf(err, errors.CodeInternal, "unmap segment %s", s.Name)
	}
	return nil
}

// Remove unlinks the named segment. Existing mappings stay valid until they
// are closed. Removing a missing segment is not an error.
func Remove(dir, name string) error {
	if !ValidName(name) {
		return errors.Newf(errors.CodeInvalidInput, "invalid segment name %q", name)
	}
	if err := os.Remove(Path(dir, name)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, errors.CodeInternal, "unlink segment %s", name)
	}
	return nil
}
