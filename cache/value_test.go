package cache

import (
	"math"
	"testing"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewArray_View(t *testing.T) {
	t.Parallel()

	a, err := NewArray([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, Float64, a.DType)
	assert.Equal(t, []int{2, 3}, a.Shape)
	assert.Len(t, a.Data, 48)
	assert.Equal(t, SharedBuffer, a.Representation())

	xs, err := ArrayView[float64](a)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, xs)

	_, err = ArrayView[int32](a)
	assert.Error(t, err, "dtype mismatch")

	_, err = NewArray([]int32{1, 2, 3}, 2, 2)
	assert.True(t, errors.Is(err, ErrUnsupportedValue))
}

func TestArray_Validate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Array{Shape: []int{0}, DType: Int8, Data: []byte{}}.Validate())
	assert.Error(t, Array{Shape: []int{2}, DType: "complex128", Data: make([]byte, 32)}.Validate())
	assert.Error(t, Array{Shape: []int{-1}, DType: Int8}.Validate())
	assert.Error(t, Array{Shape: make([]int, maxRank+1), DType: Int8}.Validate())
	assert.Error(t, Array{Shape: []int{3}, DType: Int16, Data: make([]byte, 5)}.Validate())
}

func TestArray_ShapeOverflow(t *testing.T) {
	t.Parallel()

	// half * 4 wraps to 0 in plain int arithmetic.
	half := math.MaxInt/2 + 1
	wrapped := Array{Shape: []int{half, 4}, DType: Int8, Data: []byte{}}
	err := wrapped.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedValue))
	assert.Equal(t, -1, wrapped.Len())

	// Elements fit, bytes do not.
	wide := Array{Shape: []int{math.MaxInt/4 + 1}, DType: Float64, Data: []byte{}}
	assert.True(t, errors.Is(wide.Validate(), ErrUnsupportedValue))

	assert.Equal(t, 0, Array{Shape: []int{half, 0}, DType: Int8}.Len())
	assert.NoError(t, Array{Shape: []int{half, 0}, DType: Int8, Data: []byte{}}.Validate())
}

func TestArray_ReleaseWithoutView(t *testing.T) {
	t.Parallel()
	a, err := NewArray([]int32{1, 2})
	require.NoError(t, err)
	assert.NoError(t, a.Release(), "arrays built in process memory have nothing to unmap")
}

func TestFromAny(t *testing.T) {
	t.Parallel()

	v, ok := FromAny([]int{1, -2, 3})
	require.True(t, ok)
	a := v.(Array)
	assert.Equal(t, Int64, a.DType)
	xs, err := ArrayView[int64](a)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, -2, 3}, xs)

	v, ok = FromAny([]bool{true, false})
	require.True(t, ok)
	assert.Equal(t, []byte{1, 0}, v.(Array).Data)

	v, ok = FromAny([]string{"a", "b"})
	require.True(t, ok)
	assert.Equal(t, List{"a", "b"}, v)

	v, ok = FromAny(Tuple{1, "x"})
	require.True(t, ok)
	assert.Equal(t, ShareableTuple, v.Representation())

	for _, unsupported := range []any{map[string]int{"a": 1}, nil, 42, "str", struct{}{}} {
		_, ok := FromAny(unsupported)
		assert.False(t, ok, "%T", unsupported)
	}
}

func TestSequenceCodec(t *testing.T) {
	t.Parallel()

	items := []any{nil, true, false, 7, int64(-9), 2.5, math.Inf(-1), "", "héllo", []byte{0, 1, 2}}
	n, err := sequenceSize(items)
	require.NoError(t, err)
	buf := make([]byte, n)
	encodeSequence(buf, items)

	got, err := decodeSequence(buf)
	require.NoError(t, err)
	assert.Equal(t, items, got, "int and int64 keep their types")
	assert.IsType(t, 0, got[3])
	assert.IsType(t, int64(0), got[4])

	// Decoded values do not alias the source buffer.
	buf[len(buf)-1] = 99
	assert.Equal(t, []byte{0, 1, 2}, got[len(got)-1])
}

func TestSequenceCodec_Rejects(t *testing.T) {
	t.Parallel()

	_, err := sequenceSize([]any{[]int{1}})
	assert.True(t, errors.Is(err, ErrUnsupportedValue), "nested sequences are unsupported")
	_, err = sequenceSize([]any{map[string]int{}})
	assert.True(t, errors.Is(err, ErrUnsupportedValue))

	buf := make([]byte, 64)
	encodeSequence(buf[:mustSize(t, []any{"abc"})], []any{"abc"})
	_, err = decodeSequence(buf[:14])
	assert.Error(t, err, "truncated")
	_, err = decodeSequence([]byte("NOTALIST\x00\x00\x00\x00"))
	assert.Error(t, err, "bad magic")
}

func mustSize(t *testing.T, items []any) int {
	t.Helper()
	n, err := sequenceSize(items)
	require.NoError(t, err)
	return n
}

func TestMessageWire(t *testing.T) {
	t.Parallel()

	in := Put{Key: "m.npy", Handle: "shmc_1", Shape: []int{3, 4}, DType: "float32", Size: 48, Representation: SharedBuffer}
	b, err := EncodeMessage(in)
	require.NoError(t, err)
	assert.Equal(t, byte(3), b[0])
	assert.Equal(t, "PUT", string(b[1:4]))

	out, err := DecodeMessage(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	b, err = EncodeMessage(Remove{Key: "m.npy"})
	require.NoError(t, err)
	out, err = DecodeMessage(b)
	require.NoError(t, err)
	assert.Equal(t, Remove{Key: "m.npy"}, out)

	b, err = EncodeMessage(Quit{})
	require.NoError(t, err)
	assert.Equal(t, []byte("\x04QUIT"), b)

	for _, bad := range [][]byte{nil, []byte("\x03PU"), []byte("\x04NOPE"), append(b, 0)} {
		_, err := DecodeMessage(bad)
		assert.Error(t, err, "%q", bad)
	}
}

func TestKeyOf(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "matrix.npy", KeyOf("/tmp/job1/matrix.npy"))
	assert.Equal(t, "matrix.npy", KeyOf("matrix.npy"))
	assert.Equal(t, "x", KeyOf(`C:\data\x`))
	assert.Equal(t, "", KeyOf("dir/"))
}
