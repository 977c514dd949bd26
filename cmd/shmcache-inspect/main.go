// Command shmcache-inspect is an interactive shell over a running node
// cache. It attaches like an executor and reads the shared directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/IvanBrykalov/shmcache/allocator"
	"github.com/IvanBrykalov/shmcache/cache"
)

// defaults
const (
	historyFile = ".shmcache-inspect.history"
	maxPreview  = 8 // values printed by get
)

var (
	out io.Writer = os.Stdout // swapped by tests

	errUnknownCommand   = errors.New("unknown command")
	errMissingArgument  = errors.New("missing argument")
	errTooManyArguments = errors.New("too many arguments")

	commands = []string{
		"has",
		"get",
		"info",
		"rm",
		"ls",
		"stats",
		"help",
		"quit",
		"exit",
	}
)

// store is the slice of the client API the shell needs.
type store interface {
	Contains(key string) bool
	Lookup(key string) (cache.Entry, bool)
	Retrieve(key string) (cache.Value, error)
	Remove(key string) error
	Entries() []cache.Entry
	Len() int
}

func main() {
	var (
		addr    = flag.String("a", allocator.DefaultAddr, "allocator endpoint")
		authKey = flag.String("k", "", "auth key (empty = default)")
		ns      = flag.String("n", "", "cache namespace (empty = default)")
		dir     = flag.String("d", "", "segment directory (empty = /dev/shm or temp dir)")
		execute = flag.String("e", "", "execute command and exit")
		timeout = flag.Duration("t", 5*time.Second, "connect timeout")
	)
	flag.Parse()
	os.Exit(run(*execute, *timeout, cache.Options{
		Addr: *addr, AuthKey: *authKey, Namespace: *ns, SegmentDir: *dir,
	}))
}

func run(execute string, timeout time.Duration, opts cache.Options) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	c, err := cache.Connect(ctx, opts)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer c.Close()

	if execute != "" {
		if _, err := executeCommand(execute, c); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(l string) (cs []string) {
		for _, n := range commands {
			if strings.HasPrefix(n, strings.ToLower(l)) {
				cs = append(cs, n)
			}
		}
		return
	})

	if err := loadHistory(line); err != nil {
		fmt.Fprintln(os.Stderr, "error loading history:", err)
	}
	defer saveHistory(line)

	fmt.Fprintln(out, "enter 'help' to get help")
	for {
		cmd, err := line.Prompt("> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return 0
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "fatal error:", err)
			return 1
		}
		terminate, err := executeCommand(cmd, c)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		if terminate {
			return 0
		}
		line.AppendHistory(cmd)
	}
}

func historyPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, historyFile), nil
}

func loadHistory(line *liner.State) error {
	hf, err := historyPath()
	if err != nil {
		return err
	}
	fl, err := os.Open(hf)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no history yet
		}
		return err
	}
	defer fl.Close()
	_, err = line.ReadHistory(fl)
	return err
}

func saveHistory(line *liner.State) {
	hf, err := historyPath()
	if err == nil {
		var fl *os.File
		if fl, err = os.Create(hf); err == nil {
			_, err = line.WriteHistory(fl)
			fl.Close()
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error saving history:", err)
	}
}

func arg(ss []string) (string, error) {
	switch len(ss) {
	case 0, 1:
		return "", errMissingArgument
	case 2:
		return ss[1], nil
	}
	return "", errTooManyArguments
}

func executeCommand(command string, s store) (terminate bool, err error) {
	ss := strings.Fields(command)
	if len(ss) == 0 {
		return
	}
	switch strings.ToLower(ss[0]) {
	case "has":
		err = has(s, ss)
	case "get":
		err = get(s, ss)
	case "info":
		err = info(s, ss)
	case "rm":
		err = rm(s, ss)
	case "ls":
		list(s)
	case "stats":
		stats(s)
	case "help":
		showHelp()
	case "quit", "exit":
		terminate = true
		fmt.Fprintln(out, "bye")
	default:
		err = errUnknownCommand
	}
	return
}

func showHelp() {
	fmt.Fprintln(out, `
  has <key>
    report whether the key is cached
  get <key>
    retrieve the value and print a preview (counts a hit)
  info <key>
    print the directory entry without counting a hit
  rm <key>
    ask the tracker to remove the entry
  ls
    list all entries, most hit first
  stats
    print entry count and used bytes
  help
    show this help
  quit, exit
    leave the shell`)
}

func has(s store, ss []string) error {
	key, err := arg(ss)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, s.Contains(key))
	return nil
}

func get(s store, ss []string) error {
	key, err := arg(ss)
	if err != nil {
		return err
	}
	v, err := s.Retrieve(key)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s\n", v.Representation(), preview(v))
	if a, ok := v.(cache.Array); ok {
		return a.Release()
	}
	return nil
}

func info(s store, ss []string) error {
	key, err := arg(ss)
	if err != nil {
		return err
	}
	e, ok := s.Lookup(key)
	if !ok {
		return cache.ErrAbsentKey
	}
	printEntry(e)
	return nil
}

func rm(s store, ss []string) error {
	key, err := arg(ss)
	if err != nil {
		return err
	}
	return s.Remove(key)
}

func list(s store) {
	es := s.Entries()
	sort.SliceStable(es, func(i, j int) bool { return es[i].Hits > es[j].Hits })
	for _, e := range es {
		printEntry(e)
	}
	fmt.Fprintf(out, "(%d entries)\n", len(es))
}

func stats(s store) {
	var used int64
	es := s.Entries()
	for _, e := range es {
		used += e.Size
	}
	fmt.Fprintf(out, "entries: %d\nused:    %d bytes\n", s.Len(), used)
}

func printEntry(e cache.Entry) {
	fmt.Fprintf(out, "%-32s %-15s %-8s %v size=%d hits=%d handle=%s\n",
		e.Key, e.Representation, e.DType, e.Shape, e.Size, e.Hits, e.Handle)
}

func preview(v cache.Value) string {
	switch x := v.(type) {
	case cache.Array:
		return fmt.Sprintf("%s%v (%d bytes)", x.DType, x.Shape, len(x.Data))
	case cache.List:
		return previewItems(x)
	case cache.Tuple:
		return previewItems(x)
	}
	return fmt.Sprintf("%v", v)
}

func previewItems(items []any) string {
	if len(items) > maxPreview {
		return fmt.Sprintf("%v ... (%d items)", items[:maxPreview], len(items))
	}
	return fmt.Sprintf("%v", items)
}
