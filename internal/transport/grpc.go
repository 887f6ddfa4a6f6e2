package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/danielpatrickdp/edgesync/go-node/internal/wire"
)

// #region codec
// codecName is the gRPC content-subtype for sync envelopes.
const codecName = "edgesync"

const syncMethod = "/edgesync.v1.Aggregator/Sync"

// envelopeCodec marshals sync envelopes in protobuf wire format.
type envelopeCodec struct{}

func (envelopeCodec) Name() string { return codecName }

func (envelopeCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *wire.SyncRequest:
		return wire.MarshalRequest(m), nil
	case *wire.SyncResponse:
		return wire.MarshalResponse(m), nil
	default:
		return nil, fmt.Errorf("edgesync codec: cannot marshal %T", v)
	}
}

func (envelopeCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *wire.SyncRequest:
		r, err := wire.UnmarshalRequest(data)
		if err != nil {
			return err
		}
		*m = *r
	case *wire.SyncResponse:
		r, err := wire.UnmarshalResponse(data)
		if err != nil {
			return err
		}
		*m = *r
	default:
		return fmt.Errorf("edgesync codec: cannot unmarshal into %T", v)
	}
	return nil
}

func init() {
	encoding.RegisterCodec(envelopeCodec{})
}

// #endregion codec

// #region service-desc
var aggregatorServiceDesc = grpc.ServiceDesc{
	ServiceName: "edgesync.v1.Aggregator",
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Sync",
		Handler:    syncHandler,
	}},
	Streams:  []grpc.StreamDesc{},
	Metadata: "edgesync/v1/aggregator.proto",
}

func syncHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.SyncRequest)
	if err := dec(in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if interceptor == nil {
		return srv.(Handler).HandleSync(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: syncMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Handler).HandleSync(ctx, req.(*wire.SyncRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterAggregatorServer exposes h as the Sync RPC on s.
func RegisterAggregatorServer(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(&aggregatorServiceDesc, h)
}

// #endregion service-desc

// #region client
// GRPCConfig configures the gRPC transport.
type GRPCConfig struct {
	Addr     string
	Insecure bool        // plaintext, for development only
	TLS      *tls.Config // nil uses system roots, TLS 1.2+
	Timeout  time.Duration
}

// GRPC sends sync envelopes over a unary gRPC call.
type GRPC struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	timeout time.Duration
}

// NewGRPC creates a client for the aggregator. The connection is
// established lazily on the first exchange.
func NewGRPC(cfg GRPCConfig, extra ...grpc.DialOption) (*GRPC, error) {
	creds := insecure.NewCredentials()
	if !cfg.Insecure {
		tc := cfg.TLS
		if tc == nil {
			tc = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		creds = credentials.NewTLS(tc)
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: false,
		}),
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", cfg.Addr, err)
	}
	return &GRPC{conn: conn, closer: conn.Close, timeout: cfg.Timeout}, nil
}

// NewGRPCWithConn wraps an existing connection. Used in tests.
func NewGRPCWithConn(conn grpc.ClientConnInterface, timeout time.Duration) *GRPC {
	return &GRPC{conn: conn, timeout: timeout}
}

// Close shuts down the connection.
func (g *GRPC) Close() error {
	if g.closer == nil {
		return nil
	}
	return g.closer()
}

// Exchange performs one Sync call bounded by the configured timeout.
func (g *GRPC) Exchange(ctx context.Context, req *wire.SyncRequest) (*wire.SyncResponse, error) {
	cctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	resp := new(wire.SyncResponse)
	err := g.conn.Invoke(cctx, syncMethod, req, resp, grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, classifyGRPC(ctx, err)
	}
	return resp, nil
}

// #endregion client

// #region classify
func classifyGRPC(parent context.Context, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("sync rpc: %w", parent.Err())
	}
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return fmt.Errorf("sync rpc: %w: %v", ErrTimeout, err)
	case codes.Unavailable, codes.Aborted, codes.Internal, codes.Unknown:
		return fmt.Errorf("sync rpc: %w: %v", ErrNetwork, err)
	case codes.ResourceExhausted:
		return fmt.Errorf("sync rpc: %w: %v", ErrRateLimited, err)
	case codes.Canceled:
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("sync rpc: %w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("sync rpc: %w: %v", ErrNetwork, err)
	default:
		return fmt.Errorf("sync rpc: %w: %v", ErrRejected, err)
	}
}

// #endregion classify
