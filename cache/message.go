package cache

import (
	"encoding/binary"

	"github.com/jmgilman/go/errors"
)

// Message is a request to the tracker: Put, Remove or Quit.
type Message interface {
	action() string
}

// Put asks the tracker to admit a freshly written segment under Key.
type Put struct {
	Key            string
	Handle         string
	Shape          []int
	DType          string
	Size           int64
	Representation Representation
}

// Remove asks the tracker to drop Key and release its segment.
type Remove struct {
	Key string
}

// Quit stops the tracker.
type Quit struct{}

// malformed carries a payload that failed to decode so the tracker can fail
// on it in order with the other messages.
type malformed struct {
	err error
}

const (
	actionPut    = "PUT"
	actionRemove = "REMOVE"
	actionQuit   = "QUIT"
)

func (Put) action() string       { return actionPut }
func (Remove) action() string    { return actionRemove }
func (Quit) action() string      { return actionQuit }
func (malformed) action() string { return "" }

// EncodeMessage renders m in its wire form: a u8-length-prefixed action name
// followed by the action's fields, little-endian.
func EncodeMessage(m Message) ([]byte, error) {
	var w wire
	w.str8(m.action())
	switch x := m.(type) {
	case Put:
		if len(x.Shape) > maxRank {
			return nil, errors.Newf(errors.CodeInvalidInput, "rank %d exceeds %d", len(x.Shape), maxRank)
		}
		w.str16(x.Key)
		w.str16(x.Handle)
		w.b = append(w.b, byte(len(x.Shape)))
		for _, d := range x.Shape {
			w.b = binary.LittleEndian.AppendUint64(w.b, uint64(int64(d)))
		}
		w.str16(x.DType)
		w.b = binary.LittleEndian.AppendUint64(w.b, uint64(x.Size))
		w.b = append(w.b, byte(x.Representation))
	case Remove:
		w.str16(x.Key)
	case Quit:
	default:
		return nil, errors.Newf(errors.CodeInvalidInput, "cannot encode %T", m)
	}
	if w.err != nil {
		return nil, w.err
	}
	return w.b, nil
}

// DecodeMessage parses the wire form produced by EncodeMessage.
func DecodeMessage(b []byte) (Message, error) {
	r := reader{b: b}
	act := r.str8()
	var m Message
	switch act {
	case actionPut:
		p := Put{Key: r.str16(), Handle: r.str16()}
		rank := int(r.u8())
		if rank > maxRank {
			return nil, errors.Newf(errors.CodeInvalidInput, "rank %d exceeds %d", rank, maxRank)
		}
		if rank > 0 {
			p.Shape = make([]int, rank)
			for i := range p.Shape {
				p.Shape[i] = int(int64(r.u64()))
			}
		}
		p.DType = r.str16()
		p.Size = int64(r.u64())
		p.Representation = Representation(r.u8())
		m = p
	case actionRemove:
		m = Remove{Key: r.str16()}
	case actionQuit:
		m = Quit{}
	default:
		if r.err == nil {
			return nil, errors.Newf(errors.CodeInvalidInput, "unknown action %q", act)
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	if len(r.b) != r.p {
		return nil, errors.Newf(errors.CodeInvalidInput, "%d trailing bytes after %s", len(r.b)-r.p, act)
	}
	return m, nil
}

type wire struct {
	b   []byte
	err error
}

func (w *wire) str8(s string) {
	if len(s) > 0xFF {
		w.err = errors.Newf(errors.CodeInvalidInput, "field too long: %d bytes", len(s))
		return
	}
	w.b = append(w.b, byte(len(s)))
	w.b = append(w.b, s...)
}

func (w *wire) str16(s string) {
	if len(s) > 0xFFFF {
		w.err = errors.Newf(errors.CodeInvalidInput, "field too long: %d bytes", len(s))
		return
	}
	w.b = binary.LittleEndian.AppendUint16(w.b, uint16(len(s)))
	w.b = append(w.b, s...)
}

type reader struct {
	b   []byte
	p   int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n > len(r.b)-r.p {
		r.err = errors.New(errors.CodeInvalidInput, "truncated message")
		return false
	}
	return true
}

func (r *reader) u8() byte {
	if !r.need(1) {
		return 0
	}
	v := r.b[r.p]
	r.p++
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.b[r.p:])
	r.p += 8
	return v
}

func (r *reader) str8() string {
	n := int(r.u8())
	if !r.need(n) {
		return ""
	}
	s := string(r.b[r.p : r.p+n])
	r.p += n
	return s
}

func (r *reader) str16() string {
	if !r.need(2) {
		return ""
	}
	n := int(binary.LittleEndian.Uint16(r.b[r.p:]))
	r.p += 2
	if !r.need(n) {
		return ""
	}
	s := string(r.b[r.p : r.p+n])
	r.p += n
	return s
}
