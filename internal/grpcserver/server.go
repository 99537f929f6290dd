package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"gonum.org/v1/gonum/mat"

	"salharness/internal/engine"
	"salharness/internal/params"
	"salharness/internal/raster"
)

// ComputeMethod is the full name of the unary Compute call.
const ComputeMethod = "/salharness.v1.Saliency/Compute"

const maxMsgSize = 100 * 1024 * 1024 // 100MB

type saliencyService interface {
	Compute(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "salharness.v1.Saliency",
	HandlerType: (*saliencyService)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Compute",
		Handler:    computeHandler,
	}},
	Streams:  []grpc.StreamDesc{},
	Metadata: "salharness/v1/saliency.proto",
}

func computeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(saliencyService).Compute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ComputeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(saliencyService).Compute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ServerStats counts served requests.
type ServerStats struct {
	Requests int64
	Failures int64
}

// SaliencyServer exposes the engine's algorithms over gRPC.
type SaliencyServer struct {
	engine    *engine.Engine
	logger    *slog.Logger
	startTime time.Time

	statsMutex sync.RWMutex
	stats      ServerStats
}

// NewSaliencyServer serves algorithms of e, which must be started.
func NewSaliencyServer(e *engine.Engine, logger *slog.Logger) *SaliencyServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SaliencyServer{engine: e, logger: logger, startTime: time.Now()}
}

// Register adds the service to g.
func (s *SaliencyServer) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

// NewGRPCServer returns a grpc.Server with the service registered.
func (s *SaliencyServer) NewGRPCServer() *grpc.Server {
	g := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	s.Register(g)
	return g
}

// Start listens on addr and serves until ctx is done.
func (s *SaliencyServer) Start(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	g := s.NewGRPCServer()
	go func() {
		<-ctx.Done()
		g.GracefulStop()
	}()
	s.logger.Info("model server listening", "addr", lis.Addr().String(), "algorithms", s.engine.Algorithms())
	return g.Serve(lis)
}

// Stats returns a snapshot of the request counters.
func (s *SaliencyServer) Stats() ServerStats {
	s.statsMutex.RLock()
	defer s.statsMutex.RUnlock()
	return s.stats
}

// Compute runs one algorithm on the image carried by req.
func (s *SaliencyServer) Compute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	start := time.Now()
	model, img, p, err := DecodeRequest(req)
	if err != nil {
		s.record(false)
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}

	m, err := s.engine.Compute(ctx, model, img, p)
	if err != nil {
		s.record(false)
		s.logger.Warn("compute failed", "model", model, "error", err)
		var unknown *engine.UnknownAlgorithmError
		switch {
		case errors.As(err, &unknown):
			return nil, status.Errorf(codes.NotFound, "%v", err)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, status.FromContextError(err).Err()
		case errors.Is(err, engine.ErrNotStarted), errors.Is(err, engine.ErrClosed):
			return nil, status.Errorf(codes.Unavailable, "%v", err)
		}
		return nil, status.Errorf(codes.Internal, "%v", err)
	}

	s.record(true)
	s.logger.Debug("compute served", "model", model, "width", img.Width, "height", img.Height, "duration_ms", time.Since(start).Milliseconds())
	return EncodeMap(m), nil
}

func (s *SaliencyServer) record(ok bool) {
	s.statsMutex.Lock()
	defer s.statsMutex.Unlock()
	s.stats.Requests++
	if !ok {
		s.stats.Failures++
	}
}

// Client calls a remote SaliencyServer.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxMsgSize), grpc.MaxCallSendMsgSize(maxMsgSize)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Compute asks the server to run model on img.
func (c *Client) Compute(ctx context.Context, model string, img *raster.Image, p *params.Map) (*mat.Dense, error) {
	req, err := EncodeRequest(model, img, p)
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, ComputeMethod, req, resp); err != nil {
		return nil, err
	}
	return DecodeMap(resp)
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
