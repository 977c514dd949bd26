package cache

import (
	"math"
	"math/bits"
	"reflect"
	"sync"
	"unsafe"

	"github.com/jmgilman/go/errors"
)

// Representation tags how a value is laid out in its shared segment.
type Representation uint8

const (
	// RepresentationUnknown is never written; it marks a corrupt entry.
	RepresentationUnknown Representation = iota
	// SharedBuffer is a raw dense array buffer.
	SharedBuffer
	// ShareableList is an encoded ordered sequence.
	ShareableList
	// ShareableTuple is an encoded fixed sequence.
	ShareableTuple
)

func (r Representation) String() string {
	switch r {
	case SharedBuffer:
		return "SharedBuffer"
	case ShareableList:
		return "ShareableList"
	case ShareableTuple:
		return "ShareableTuple"
	default:
		return "Unknown"
	}
}

// Value is a cacheable object: Array, List or Tuple.
type Value interface {
	Representation() Representation
	sealed()
}

// DType names the element type of an Array.
type DType string

const (
	Int8    DType = "int8"
	Int16   DType = "int16"
	Int32   DType = "int32"
	Int64   DType = "int64"
	Uint8   DType = "uint8"
	Uint16  DType = "uint16"
	Uint32  DType = "uint32"
	Uint64  DType = "uint64"
	Float32 DType = "float32"
	Float64 DType = "float64"
	Bool    DType = "bool"
)

// ItemSize returns the element width in bytes, or 0 for an unknown dtype.
func (d DType) ItemSize() int {
	switch d {
	case Int8, Uint8, Bool:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	default:
		return 0
	}
}

// Array is a dense n-dimensional array stored as one contiguous buffer in
// native byte order. Arrays returned by Retrieve alias shared memory and must
// not be modified; call Release once done with them.
type Array struct {
	Shape []int
	DType DType
	Data  []byte

	view *arrayView // set by Retrieve
}

type arrayView struct {
	once    sync.Once
	release func() error
	err     error
}

func (Array) Representation() Representation { return SharedBuffer }
func (Array) sealed()                        {}

// Release unmaps the shared segment behind an array returned by Retrieve
// once no other view of it is held by the same client. Data must not be read
// afterwards. Release is idempotent across copies of the same Array and a
// no-op for arrays built in process memory.
func (a Array) Release() error {
	if a.view == nil {
		return nil
	}
	a.view.once.Do(func() { a.view.err = a.view.release() })
	return a.view.err
}

// Len returns the number of elements described by Shape, or -1 when the
// product does not fit an int.
func (a Array) Len() int {
	n, ok := elements(a.Shape)
	if !ok {
		return -1
	}
	return n
}

// elements multiplies dims, reporting false on a negative dimension or
// overflow.
func elements(dims []int) (int, bool) {
	n := uint64(1)
	for _, d := range dims {
		if d < 0 {
			return 0, false
		}
		hi, lo := bits.Mul64(n, uint64(d))
		if hi != 0 || lo > math.MaxInt {
			return 0, false
		}
		n = lo
	}
	return int(n), true
}

// Validate checks that Shape, DType and Data agree.
func (a Array) Validate() error {
	size := a.DType.ItemSize()
	if size == 0 {
		return errors.Wrapf(ErrUnsupportedValue, errors.CodeInvalidInput, "dtype %q", a.DType)
	}
	if len(a.Shape) > maxRank {
		return errors.Wrapf(ErrUnsupportedValue, errors.CodeInvalidInput, "rank %d exceeds %d", len(a.Shape), maxRank)
	}
	for _, d := range a.Shape {
		if d < 0 {
			return errors.Wrapf(ErrUnsupportedValue, errors.CodeInvalidInput, "negative dimension in shape %v", a.Shape)
		}
	}
	want, ok := elements(append(a.Shape[:len(a.Shape):len(a.Shape)], size))
	if !ok {
		return errors.Wrapf(ErrUnsupportedValue, errors.CodeInvalidInput, "shape %v of %s overflows", a.Shape, a.DType)
	}
	if len(a.Data) != want {
		return errors.Wrapf(ErrUnsupportedValue, errors.CodeInvalidInput, "shape %v of %s needs %d bytes, have %d", a.Shape, a.DType, want, len(a.Data))
	}
	return nil
}

// List is an ordered sequence of scalars. Supported elements: nil, bool,
// int, int64, float64, string and []byte. Elements come back with the same
// types they were inserted with.
type List []any

func (List) Representation() Representation { return ShareableList }
func (List) sealed()                        {}

// Tuple is a fixed sequence with the same element rules as List.
type Tuple []any

func (Tuple) Representation() Representation { return ShareableTuple }
func (Tuple) sealed()                        {}

// Numeric lists the element types NewArray and ArrayView accept.
type Numeric interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

func dtypeOf[T Numeric]() DType {
	var zero T
	switch reflect.TypeOf(zero).Kind() {
	case reflect.Int8:
		return Int8
	case reflect.Int16:
		return Int16
	case reflect.Int32:
		return Int32
	case reflect.Int64:
		return Int64
	case reflect.Uint8:
		return Uint8
	case reflect.Uint16:
		return Uint16
	case reflect.Uint32:
		return Uint32
	case reflect.Uint64:
		return Uint64
	case reflect.Float32:
		return Float32
	default:
		return Float64
	}
}

// NewArray copies data into an Array. Without a shape the array is
// one-dimensional.
func NewArray[T Numeric](data []T, shape ...int) (Array, error) {
	if len(shape) == 0 {
		shape = []int{len(data)}
	}
	a := Array{Shape: append([]int(nil), shape...), DType: dtypeOf[T]()}
	if len(data) > 0 {
		raw := unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*int(unsafe.Sizeof(data[0])))
		a.Data = append([]byte(nil), raw...)
	} else {
		a.Data = []byte{}
	}
	if err := a.Validate(); err != nil {
		return Array{}, err
	}
	return a, nil
}

// ArrayView reinterprets a's buffer as []T without copying. The dtype must
// match T.
func ArrayView[T Numeric](a Array) ([]T, error) {
	if want := dtypeOf[T](); a.DType != want {
		return nil, errors.Newf(errors.CodeInvalidInput, "array holds %s, not %s", a.DType, want)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if len(a.Data) == 0 {
		return []T{}, nil
	}
	var zero T
	if uintptr(unsafe.Pointer(&a.Data[0]))%unsafe.Alignof(zero) != 0 {
		return nil, errors.New(errors.CodeInvalidInput, "array buffer is misaligned")
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&a.Data[0])), a.Len()), nil
}

// BoolArray copies b into a one-dimensional Bool array.
func BoolArray(b []bool) Array {
	data := make([]byte, len(b))
	for i, v := range b {
		if v {
			data[i] = 1
		}
	}
	return Array{Shape: []int{len(b)}, DType: Bool, Data: data}
}

// FromAny converts a native Go value into a cacheable Value. Numeric and
// bool slices become arrays; []any and []string become lists. Maps and every
// other shape report false.
func FromAny(v any) (Value, bool) {
	var (
		a   Array
		err error
	)
	switch x := v.(type) {
	case Value:
		return x, true
	case []float64:
		a, err = NewArray(x)
	case []float32:
		a, err = NewArray(x)
	case []int64:
		a, err = NewArray(x)
	case []int32:
		a, err = NewArray(x)
	case []int16:
		a, err = NewArray(x)
	case []int8:
		a, err = NewArray(x)
	case []uint64:
		a, err = NewArray(x)
	case []uint32:
		a, err = NewArray(x)
	case []uint16:
		a, err = NewArray(x)
	case []uint8:
		a, err = NewArray(x)
	case []int:
		wide := make([]int64, len(x))
		for i, n := range x {
			wide[i] = int64(n)
		}
		a, err = NewArray(wide)
	case []bool:
		a = BoolArray(x)
	case []string:
		l := make(List, len(x))
		for i, s := range x {
			l[i] = s
		}
		return l, true
	case []any:
		return List(x), true
	default:
		return nil, false
	}
	if err != nil {
		return nil, false
	}
	return a, true
}
