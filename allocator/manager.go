package allocator

import (
	"log/slog"
	"net"
	"sort"
	"sync"

	"github.com/IvanBrykalov/shmcache/internal/shm"
	"github.com/jmgilman/go/errors"
	"google.golang.org/grpc"
)

// Manager is the node's allocator. It owns every segment it creates until
// Release or Shutdown unlinks it.
type Manager struct {
	opts  Options
	ln    net.Listener
	srv   *grpc.Server
	inbox func([]byte)
	log   *slog.Logger

	mu       sync.Mutex
	segments map[string]int
	closed   bool

	wg   sync.WaitGroup
	once sync.Once
	err  error
}

// Start binds the allocator endpoint and begins serving. Payloads posted by
// remote executors are handed to inbox in send order per connection; inbox
// must not block. A nil inbox discards posts.
func Start(opts Options, inbox func([]byte)) (*Manager, error) {
	opts = opts.withDefaults()
	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeNetwork, "listen on %s", opts.Addr)
	}
	if inbox == nil {
		inbox = func([]byte) {}
	}
	m := &Manager{
		opts:     opts,
		ln:       ln,
		inbox:    inbox,
		log:      opts.Logger,
		segments: make(map[string]int),
	}
	auth := authorizer{token: authToken(opts.AuthKey), log: opts.Logger}
	m.srv = grpc.NewServer(
		grpc.ChainUnaryInterceptor(auth.unary),
		grpc.ChainStreamInterceptor(auth.stream),
		grpc.ConnectionTimeout(opts.HandshakeTimeout),
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.WaitForHandlers(true),
	)
	m.srv.RegisterService(&serviceDesc, rpcServer{m})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			m.log.Error("serve failed", "err", err)
		}
	}()
	m.log.Debug("allocator started", "addr", ln.Addr().String(), "dir", opts.Dir)
	return m, nil
}

// Addr returns the bound endpoint address.
func (m *Manager) Addr() string { return m.ln.Addr().String() }

// Dir returns the segment directory.
func (m *Manager) Dir() string { return m.opts.Dir }

// Allocate creates a new segment of the given size and returns it mapped
// read-write. The caller closes the mapping; the segment itself stays until
// Release or Shutdown.
func (m *Manager) Allocate(size int) (*shm.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	seg, err := shm.Create(m.opts.Dir, shm.NewName(), size)
	if err != nil {
		return nil, err
	}
	m.segments[seg.Name] = size
	return seg, nil
}

// Release unlinks a segment created by this allocator. Existing mappings
// stay readable until their holders close them.
func (m *Manager) Release(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.segments[name]; !ok {
		return errors.Wrapf(ErrUnknownSegment, errors.CodeNotFound, "release %s", name)
	}
	delete(m.segments, name)
	return shm.Remove(m.opts.Dir, name)
}

// Segments returns the names of all live segments, sorted.
func (m *Manager) Segments() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.segments))
	for name := range m.segments {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Shutdown stops the endpoint, drops all connections and unlinks every
// segment still allocated. It is safe to call more than once.
func (m *Manager) Shutdown() error {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		// Stop closes the listener, cancels open Post streams and waits for
		// their handlers, so inbox is not called afterwards.
		m.srv.Stop()
		m.wg.Wait()

		m.mu.Lock()
		defer m.mu.Unlock()
		for name := range m.segments {
			if err := shm.Remove(m.opts.Dir, name); err != nil && m.err == nil {
				m.err = err
			}
			delete(m.segments, name)
		}
		m.log.Debug("allocator stopped")
	})
	return m.err
}

const maxSegmentSize = 1 << 46
