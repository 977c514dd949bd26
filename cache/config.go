package cache

import (
	"os"
	"strconv"
	"strings"

	"github.com/jmgilman/go/errors"
	"github.com/prometheus/procfs"
	"gopkg.in/yaml.v3"
)

// Setting is the parsed form of an enable string.
type Setting struct {
	Enabled  bool
	Capacity int64
}

// totalMemory reports physical memory in bytes. Tests replace it.
var totalMemory = func() (int64, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0, err
	}
	mi, err := fs.Meminfo()
	if err != nil {
		return 0, err
	}
	if mi.MemTotal == nil {
		return 0, errors.New(errors.CodeNotFound, "MemTotal missing from meminfo")
	}
	return int64(*mi.MemTotal) * 1024, nil
}

// DefaultCapacity returns a quarter of the node's physical memory.
func DefaultCapacity() (int64, error) {
	mem, err := totalMemory()
	if err != nil {
		return 0, errors.Wrap(ErrConfiguration, errors.CodeInvalidConfig, "read total memory: "+err.Error())
	}
	return mem / 4, nil
}

// ParseEnable parses "<bool>[:<bytes>]". The bool is "true" or "false" in
// any case. When the size is omitted and the cache is enabled, Capacity
// defaults to a quarter of physical memory. An enabled cache with an
// explicit size of zero is rejected: it could hold nothing.
func ParseEnable(s string) (Setting, error) {
	flag, size, hasSize := strings.Cut(strings.TrimSpace(s), ":")
	var st Setting
	switch strings.ToLower(flag) {
	case "true":
		st.Enabled = true
	case "false":
	default:
		return Setting{}, errors.Wrapf(ErrConfiguration, errors.CodeInvalidConfig, "enable flag %q is not true or false", flag)
	}
	if hasSize {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil || n < 0 {
			return Setting{}, errors.Wrapf(ErrConfiguration, errors.CodeInvalidConfig, "cache size %q is not a non-negative byte count", size)
		}
		if st.Enabled && n == 0 {
			return Setting{}, errors.Wrap(ErrConfiguration, errors.CodeInvalidConfig, "enabled cache with zero size")
		}
		st.Capacity = n
		return st, nil
	}
	if st.Enabled {
		c, err := DefaultCapacity()
		if err != nil {
			return Setting{}, err
		}
		st.Capacity = c
	}
	return st, nil
}

type fileOptions struct {
	Enable  string `yaml:"enable"`
	Options `yaml:",inline"`
}

// LoadOptions reads a YAML options file. The enable key takes an enable
// string; an explicit capacity_bytes overrides the size it implies. A file
// without enable is treated as enabled.
func LoadOptions(path string) (Options, Setting, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Options{}, Setting{}, errors.Wrapf(ErrConfiguration, errors.CodeInvalidConfig, "read %s: %v", path, err)
	}
	var f fileOptions
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Options{}, Setting{}, errors.Wrapf(ErrConfiguration, errors.CodeInvalidConfig, "parse %s: %v", path, err)
	}
	enable := f.Enable
	if enable == "" {
		enable = "true"
	}
	if f.Capacity > 0 {
		// Keep the size out of ParseEnable so physical memory is never read.
		enable, _, _ = strings.Cut(enable, ":")
		enable += ":" + strconv.FormatInt(f.Capacity, 10)
	}
	st, err := ParseEnable(enable)
	if err != nil {
		return Options{}, Setting{}, err
	}
	f.Options.Capacity = st.Capacity
	return f.Options, st, nil
}
