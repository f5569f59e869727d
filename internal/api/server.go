package api

import (
	"context"
	"fmt"
	"net"
	"time"

	"villaops/internal/config"
	"villaops/internal/realtime"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
)

const dispatchServiceName = "villaops.dispatch.v1.DispatchService"

type GRPCServer struct {
	cfg      *config.APIConfig
	server   *grpc.Server
	listener net.Listener
	log      zerolog.Logger
}

func NewGRPCServer(cfg *config.APIConfig, svc Services, limiter *RateLimiter, logger *zerolog.Logger) (*GRPCServer, error) {
	addr := fmt.Sprintf(":%d", cfg.GRPC.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpc listen %s: %w", addr, err)
	}

	s := newGRPCServer(cfg, svc, limiter, logger)
	s.listener = lis
	return s, nil
}

func newGRPCServer(cfg *config.APIConfig, svc Services, limiter *RateLimiter, logger *zerolog.Logger) *GRPCServer {
	auth := NewAuthInterceptor(cfg, limiter)
	unary := ChainUnaryInterceptors(
		LoggingUnaryInterceptor(logger),
		auth.Unary(),
	)
	stream := ChainStreamInterceptors(
		LoggingStreamInterceptor(logger),
		auth.Stream(),
	)

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(unary),
		grpc.StreamInterceptor(stream),
		grpc.ForceServerCodec(jsonCodec{}),
	)
	RegisterDispatchServer(grpcServer, NewDispatchService(svc))

	return &GRPCServer{
		cfg:    cfg,
		server: grpcServer,
		log:    grpcLogger(logger),
	}
}

// RegisterDispatchServer registers srv under the dispatch service name.
func RegisterDispatchServer(registrar grpc.ServiceRegistrar, srv DispatchServer) {
	registrar.RegisterService(&dispatchServiceDesc, srv)
}

func (s *GRPCServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *GRPCServer) Serve() error {
	s.log.Info().Str("addr", s.Addr()).Msg("gRPC API listening")
	return s.server.Serve(s.listener)
}

func (s *GRPCServer) Shutdown(ctx context.Context) {
	if s.server == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		s.log.Warn().Msg("gRPC graceful shutdown timed out; forcing stop")
		s.server.Stop()
		return
	case <-time.After(10 * time.Second):
		s.log.Warn().Msg("gRPC graceful shutdown timed out; forcing stop")
		s.server.Stop()
		return
	}
}

func unaryMethod[Req, Resp any](name string, call func(DispatchServer, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(DispatchServer), ctx, req.(*Req))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + dispatchServiceName + "/" + name}
			return interceptor(ctx, in, info, handler)
		},
	}
}

type updateStream struct {
	grpc.ServerStream
}

func (s updateStream) Send(update *realtime.Update) error {
	return s.ServerStream.SendMsg(update)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	filter := new(realtime.Filter)
	if err := stream.RecvMsg(filter); err != nil {
		return err
	}
	return srv.(DispatchServer).Subscribe(filter, updateStream{stream})
}

var dispatchServiceDesc = grpc.ServiceDesc{
	ServiceName: dispatchServiceName,
	HandlerType: (*DispatchServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("CreateJob", DispatchServer.CreateJob),
		unaryMethod("GetJob", DispatchServer.GetJob),
		unaryMethod("ListJobs", DispatchServer.ListJobs),
		unaryMethod("TransitionJob", DispatchServer.TransitionJob),
		unaryMethod("AssignStaff", DispatchServer.AssignStaff),
		unaryMethod("DeleteJob", DispatchServer.DeleteJob),
		unaryMethod("BulkTransition", DispatchServer.BulkTransition),
		unaryMethod("CreateBooking", DispatchServer.CreateBooking),
		unaryMethod("QuickApprove", DispatchServer.QuickApprove),
		unaryMethod("RejectBooking", DispatchServer.RejectBooking),
		unaryMethod("CancelBooking", DispatchServer.CancelBooking),
		unaryMethod("DispatchBooking", DispatchServer.DispatchBooking),
		unaryMethod("ListConflicts", DispatchServer.ListConflicts),
		unaryMethod("GetProgress", DispatchServer.GetProgress),
		unaryMethod("ReportTelemetry", DispatchServer.ReportTelemetry),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "villaops/dispatch/v1",
}
