package cache

import (
	"encoding/binary"
	"math"

	"github.com/IvanBrykalov/shmcache/internal/directory"
	"github.com/jmgilman/go/errors"
)

const (
	sequenceMagic = "SHMLIST\x00"
	maxRank       = directory.MaxRank
)

// Element tags of an encoded sequence.
const (
	tagNil byte = iota
	tagBool
	tagInt
	tagFloat
	tagString
	tagBytes
	tagInt64
)

var le = binary.LittleEndian

// sequenceSize returns the encoded size of items.
func sequenceSize(items []any) (int, error) {
	n := len(sequenceMagic) + 4
	for i, it := range items {
		n++
		switch x := it.(type) {
		case nil:
		case bool:
			n++
		case int, int64, float64:
			n += 8
		case string:
			n += 4 + len(x)
		case []byte:
			n += 4 + len(x)
		default:
			return 0, errors.Wrapf(ErrUnsupportedValue, errors.CodeInvalidInput, "element %d has type %T", i, it)
		}
	}
	return n, nil
}

// encodeSequence writes items into dst, which must be exactly
// sequenceSize(items) bytes long.
func encodeSequence(dst []byte, items []any) {
	copy(dst, sequenceMagic)
	le.PutUint32(dst[len(sequenceMagic):], uint32(len(items)))
	p := len(sequenceMagic) + 4
	for _, it := range items {
		switch x := it.(type) {
		case nil:
			dst[p] = tagNil
			p++
		case bool:
			dst[p] = tagBool
			if x {
				dst[p+1] = 1
			} else {
				dst[p+1] = 0
			}
			p += 2
		case int:
			dst[p] = tagInt
			le.PutUint64(dst[p+1:], uint64(int64(x)))
			p += 9
		case int64:
			dst[p] = tagInt64
			le.PutUint64(dst[p+1:], uint64(x))
			p += 9
		case float64:
			dst[p] = tagFloat
			le.PutUint64(dst[p+1:], math.Float64bits(x))
			p += 9
		case string:
			dst[p] = tagString
			le.PutUint32(dst[p+1:], uint32(len(x)))
			p += 5 + copy(dst[p+5:], x)
		case []byte:
			dst[p] = tagBytes
			le.PutUint32(dst[p+1:], uint32(len(x)))
			p += 5 + copy(dst[p+5:], x)
		}
	}
}

// decodeSequence copies the items out of an encoded sequence. Trailing bytes
// after the last element are ignored.
func decodeSequence(b []byte) ([]any, error) {
	bad := func(format string, args ...any) error {
		return errors.Newf(errors.CodeInvalidInput, "corrupt sequence: "+format, args...)
	}
	if len(b) < len(sequenceMagic)+4 || string(b[:len(sequenceMagic)]) != sequenceMagic {
		return nil, bad("missing header")
	}
	count := int(le.Uint32(b[len(sequenceMagic):]))
	p := len(sequenceMagic) + 4
	if count > len(b)-p {
		return nil, bad("count %d exceeds payload", count)
	}
	items := make([]any, 0, count)
	for i := 0; i < count; i++ {
		if p >= len(b) {
			return nil, bad("element %d truncated", i)
		}
		tag := b[p]
		p++
		switch tag {
		case tagNil:
			items = append(items, nil)
		case tagBool:
			if p+1 > len(b) {
				return nil, bad("element %d truncated", i)
			}
			items = append(items, b[p] != 0)
			p++
		case tagInt, tagInt64, tagFloat:
			if p+8 > len(b) {
				return nil, bad("element %d truncated", i)
			}
			u := le.Uint64(b[p:])
			switch tag {
			case tagInt:
				items = append(items, int(int64(u)))
			case tagInt64:
				items = append(items, int64(u))
			default:
				items = append(items, math.Float64frombits(u))
			}
			p += 8
		case tagString, tagBytes:
			if p+4 > len(b) {
				return nil, bad("element %d truncated", i)
			}
			n := int(le.Uint32(b[p:]))
			p += 4
			if n > len(b)-p {
				return nil, bad("element %d length %d", i, n)
			}
			if tag == tagString {
				items = append(items, string(b[p:p+n]))
			} else {
				items = append(items, append([]byte{}, b[p:p+n]...))
			}
			p += n
		default:
			return nil, bad("element %d has tag %d", i, tag)
		}
	}
	return items, nil
}
