package allocator

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"

	"github.com/jmgilman/go/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The endpoint is a small grpc service built from well-known wrapper
// messages, so it needs no generated code:
//
//	Attach(Empty) Empty              authenticated no-op, run by Connect
//	Allocate(UInt64Value) StringValue  size in, segment name out
//	Release(StringValue) Empty
//	Post(stream BytesValue) Empty    one stream per Conn, in send order
const (
	serviceName    = "shmcache.Allocator"
	methodAttach   = "/" + serviceName + "/Attach"
	methodAllocate = "/" + serviceName + "/Allocate"
	methodRelease  = "/" + serviceName + "/Release"
	methodPost     = "/" + serviceName + "/Post"

	authHeader     = "x-shmcache-auth"
	maxMessageSize = 16 << 20
)

type allocatorServer interface {
	Attach(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Allocate(context.Context, *wrapperspb.UInt64Value) (*wrapperspb.StringValue, error)
	Release(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Post(grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*allocatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Attach",
			Handler: unary(methodAttach, func(s allocatorServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return s.Attach(ctx, in)
			}),
		},
		{
			MethodName: "Allocate",
			Handler: unary(methodAllocate, func(s allocatorServer, ctx context.Context, in *wrapperspb.UInt64Value) (any, error) {
				return s.Allocate(ctx, in)
			}),
		},
		{
			MethodName: "Release",
			Handler: unary(methodRelease, func(s allocatorServer, ctx context.Context, in *wrapperspb.StringValue) (any, error) {
				return s.Release(ctx, in)
			}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Post",
			Handler:       func(srv any, stream grpc.ServerStream) error { return srv.(allocatorServer).Post(stream) },
			ClientStreams: true,
		},
	},
}

// unary adapts a typed method to grpc's handler shape, running the server's
// interceptor chain when there is one.
func unary[Req any](method string, call func(allocatorServer, context.Context, *Req) (any, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		h := func(ctx context.Context, req any) (any, error) {
			return call(srv.(allocatorServer), ctx, req.(*Req))
		}
		if interceptor == nil {
			return h(ctx, in)
		}
		return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: method}, h)
	}
}

// rpcServer exposes a Manager to remote executors.
type rpcServer struct{ m *Manager }

func (rpcServer) Attach(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, nil
}

func (s rpcServer) Allocate(_ context.Context, in *wrapperspb.UInt64Value) (*wrapperspb.StringValue, error) {
	if in.GetValue() > maxSegmentSize {
		return nil, status.Errorf(codes.InvalidArgument, "segment size %d out of range", in.GetValue())
	}
	seg, err := s.m.Allocate(int(in.GetValue()))
	if err != nil {
		return nil, rpcStatus(err)
	}
	// The executor maps the segment itself.
	if err := seg.Close(); err != nil {
		s.m.log.Warn("unmap after remote allocate", "segment", seg.Name, "err", err)
	}
	return wrapperspb.String(seg.Name), nil
}

func (s rpcServer) Release(_ context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.m.Release(in.GetValue()); err != nil {
		return nil, rpcStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s rpcServer) Post(stream grpc.ServerStream) error {
	for {
		in := new(wrapperspb.BytesValue)
		if err := stream.RecvMsg(in); err != nil {
			if err == io.EOF {
				return stream.SendMsg(&emptypb.Empty{})
			}
			return err
		}
		s.m.inbox(in.GetValue())
	}
}

// authToken derives the per-call credential from the pre-shared key; the
// key itself never goes on the wire.
func authToken(key string) string {
	m := hmac.New(sha256.New, []byte(key))
	m.Write([]byte(serviceName))
	return hex.EncodeToString(m.Sum(nil))
}

// keyCredentials attaches the token to every call. The endpoint is
// loopback-only, so plaintext transport is accepted.
type keyCredentials struct{ token string }

func (k keyCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{authHeader: k.token}, nil
}

func (keyCredentials) RequireTransportSecurity() bool { return false }

type authorizer struct {
	token string
	log   *slog.Logger
}

func (a authorizer) check(ctx context.Context) error {
	md, _ := metadata.FromIncomingContext(ctx)
	if v := md.Get(authHeader); len(v) == 1 && hmac.Equal([]byte(v[0]), []byte(a.token)) {
		return nil
	}
	remote := "unknown"
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		remote = p.Addr.String()
	}
	a.log.Warn("call rejected", "remote", remote)
	return status.Error(codes.Unauthenticated, "allocator key mismatch")
}

func (a authorizer) unary(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if err := a.check(ctx); err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

func (a authorizer) stream(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if err := a.check(ss.Context()); err != nil {
		return err
	}
	return handler(srv, ss)
}

// rpcStatus turns a Manager error into the status a remote caller sees.
func rpcStatus(err error) error {
	switch {
	case errors.Is(err, ErrUnknownSegment):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// rpcError turns a call status back into the package's errors.
func rpcError(err error, op string) error {
	if err == nil {
		return nil
	}
	st := status.Convert(err)
	switch st.Code() {
	case codes.Unauthenticated:
		return errors.Wrapf(ErrAuth, errors.CodeUnauthorized, "%s: %s", op, st.Message())
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return errors.Wrapf(ErrUnavailable, errors.CodeUnavailable, "%s: %s", op, st.Message())
	case codes.NotFound:
		return errors.Wrapf(ErrUnknownSegment, errors.CodeNotFound, "%s: %s", op, st.Message())
	case codes.InvalidArgument:
		return errors.Newf(errors.CodeInvalidInput, "%s: %s", op, st.Message())
	default:
		return errors.Newf(errors.CodeInternal, "%s: %s", op, st.Message())
	}
}
