package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubMemory replaces the physical memory lookup for one test. Tests using it
// must not run in parallel.
func stubMemory(t *testing.T, fn func() (int64, error)) {
	t.Helper()
	orig := totalMemory
	totalMemory = fn
	t.Cleanup(func() { totalMemory = orig })
}

func TestParseEnable(t *testing.T) {
	stubMemory(t, func() (int64, error) { return 8388608, nil })

	cases := []struct {
		in   string
		want Setting
	}{
		{"true:2048", Setting{Enabled: true, Capacity: 2048}},
		{"TRUE:10", Setting{Enabled: true, Capacity: 10}},
		{"True", Setting{Enabled: true, Capacity: 2097152}},
		{"true", Setting{Enabled: true, Capacity: 2097152}},
		{"false", Setting{}},
		{"FALSE:0", Setting{}},
	}
	for _, tc := range cases {
		got, err := ParseEnable(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestParseEnable_FalseSkipsMemoryLookup(t *testing.T) {
	stubMemory(t, func() (int64, error) {
		t.Fatal("memory read for a disabled cache")
		return 0, nil
	})
	st, err := ParseEnable("false")
	require.NoError(t, err)
	assert.False(t, st.Enabled)
}

func TestParseEnable_Malformed(t *testing.T) {
	stubMemory(t, func() (int64, error) { return 1 << 30, nil })

	for _, in := range []string{"", "yes", "1", "true:", "true:abc", "true:-5", "true:0", "TRUE:0", "maybe:10", "true:1:2"} {
		_, err := ParseEnable(in)
		require.Error(t, err, in)
		assert.True(t, errors.Is(err, ErrConfiguration), in)
		assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err), in)
	}
}

func TestParseEnable_MemoryLookupFails(t *testing.T) {
	stubMemory(t, func() (int64, error) { return 0, os.ErrNotExist })

	_, err := ParseEnable("true")
	assert.True(t, errors.Is(err, ErrConfiguration))
}

func TestLoadOptions(t *testing.T) {
	stubMemory(t, func() (int64, error) { return 4096, nil })
	dir := t.TempDir()

	path := filepath.Join(dir, "cache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
enable: "true:65536"
addr: 127.0.0.1:50123
auth_key: s3cret
segment_dir: /tmp/segments
namespace: job42
max_entries: 128
handshake_timeout: 3s
`), 0o600))

	opts, st, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, Setting{Enabled: true, Capacity: 65536}, st)
	assert.Equal(t, int64(65536), opts.Capacity)
	assert.Equal(t, "127.0.0.1:50123", opts.Addr)
	assert.Equal(t, "s3cret", opts.AuthKey)
	assert.Equal(t, "/tmp/segments", opts.SegmentDir)
	assert.Equal(t, "job42", opts.Namespace)
	assert.Equal(t, 128, opts.MaxEntries)
	assert.Equal(t, 3*time.Second, opts.HandshakeTimeout)

	// capacity_bytes wins over the size implied by enable.
	require.NoError(t, os.WriteFile(path, []byte("enable: \"true\"\ncapacity_bytes: 777\n"), 0o600))
	opts, st, err = LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, int64(777), opts.Capacity)
	assert.True(t, st.Enabled)

	// No enable key: enabled with the memory-derived default.
	require.NoError(t, os.WriteFile(path, []byte("namespace: x\n"), 0o600))
	opts, st, err = LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), opts.Capacity)
	assert.True(t, st.Enabled)
}

func TestLoadOptions_Errors(t *testing.T) {
	dir := t.TempDir()

	_, _, err := LoadOptions(filepath.Join(dir, "missing.yaml"))
	assert.True(t, errors.Is(err, ErrConfiguration))

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("enable: \"perhaps\"\n"), 0o600))
	_, _, err = LoadOptions(bad)
	assert.True(t, errors.Is(err, ErrConfiguration))

	zero := filepath.Join(dir, "zero.yaml")
	require.NoError(t, os.WriteFile(zero, []byte("enable: \"true:0\"\n"), 0o600))
	_, _, err = LoadOptions(zero)
	assert.True(t, errors.Is(err, ErrConfiguration), "a zero size never falls back to the memory default")

	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("max_entries: [1, 2\n"), 0o600))
	_, _, err = LoadOptions(broken)
	assert.True(t, errors.Is(err, ErrConfiguration))
}
