package allocator

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/IvanBrykalov/shmcache/internal/shm"
	"github.com/jmgilman/go/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Conn is a secondary process's attachment to a running allocator.
// Methods are safe for concurrent use; posts are serialized on one stream.
type Conn struct {
	opts   Options
	cc     *grpc.ClientConn
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	post   grpc.ClientStream
	closed bool
}

// Connect attaches to the allocator at opts.Addr. It fails with an error
// matching ErrUnavailable when nothing listens there and ErrAuth when the
// key is rejected. Connect does not retry.
func Connect(ctx context.Context, opts Options) (*Conn, error) {
	opts = opts.withDefaults()

	cc, err := grpc.NewClient("passthrough:///"+opts.Addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithPerRPCCredentials(keyCredentials{token: authToken(opts.AuthKey)}),
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(maxMessageSize)),
	)
	if err != nil {
		return nil, errors.Wrapf(ErrUnavailable, errors.CodeUnavailable, "dial %s: %v", opts.Addr, err)
	}

	hctx, hcancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer hcancel()
	if err := cc.Invoke(hctx, methodAttach, &emptypb.Empty{}, &emptypb.Empty{}); err != nil {
		_ = cc.Close()
		return nil, rpcError(err, "connect "+opts.Addr)
	}

	c := &Conn{opts: opts, cc: cc}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.post, err = cc.NewStream(c.ctx, &serviceDesc.Streams[0], methodPost)
	if err != nil {
		c.cancel()
		_ = cc.Close()
		return nil, rpcError(err, "open post stream")
	}
	return c, nil
}

// Dir returns the segment directory shared with the allocator.
func (c *Conn) Dir() string { return c.opts.Dir }

// Allocate asks the allocator for a new segment and maps it read-write.
func (c *Conn) Allocate(size int) (*shm.Segment, error) {
	if size < 0 {
		return nil, errors.Newf(errors.CodeInvalidInput, "negative segment size %d", size)
	}
	if c.isClosed() {
		return nil, ErrClosed
	}
	var name wrapperspb.StringValue
	if err := c.cc.Invoke(c.ctx, methodAllocate, wrapperspb.UInt64(uint64(size)), &name); err != nil {
		return nil, rpcError(err, "allocate")
	}
	seg, err := shm.Open(c.opts.Dir, name.GetValue())
	if err != nil {
		return nil, err
	}
	seg.Mem = seg.Mem[:size]
	return seg, nil
}

// Release asks the allocator to unlink a segment. Names the allocator never
// handed out fail with ErrUnknownSegment.
func (c *Conn) Release(name string) error {
	if c.isClosed() {
		return ErrClosed
	}
	return rpcError(c.cc.Invoke(c.ctx, methodRelease, wrapperspb.String(name), &emptypb.Empty{}), "release "+name)
}

// Post delivers payload to the owner's inbox without waiting for it to be
// processed.
func (c *Conn) Post(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.post.SendMsg(wrapperspb.Bytes(payload)); err != nil {
		if err == io.EOF {
			// The server ended the stream; its status says why.
			if rerr := c.post.RecvMsg(&emptypb.Empty{}); rerr != nil {
				err = rerr
			}
		}
		return rpcError(err, "post")
	}
	return nil
}

// Close drops the connection after the allocator has taken every posted
// payload, waiting at most HandshakeTimeout. Segments mapped through it are
// unaffected.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.post.CloseSend(); err == nil {
		t := time.AfterFunc(c.opts.HandshakeTimeout, c.cancel)
		_ = c.post.RecvMsg(&emptypb.Empty{})
		t.Stop()
	}
	c.cancel()
	return errors.Wrap(c.cc.Close(), errors.CodeNetwork, "close allocator connection")
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
