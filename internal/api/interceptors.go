package api

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

func ChainUnaryInterceptors(interceptors ...grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		chained := handler
		for i := len(interceptors) - 1; i >= 0; i-- {
			current := interceptors[i]
			next := chained
			chained = func(currentCtx context.Context, currentReq any) (any, error) {
				return current(currentCtx, currentReq, info, next)
			}
		}
		return chained(ctx, req)
	}
}

func ChainStreamInterceptors(interceptors ...grpc.StreamServerInterceptor) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		chained := handler
		for i := len(interceptors) - 1; i >= 0; i-- {
			current := interceptors[i]
			next := chained
			chained = func(currentSrv any, currentStream grpc.ServerStream) error {
				return current(currentSrv, currentStream, info, next)
			}
		}
		return chained(srv, ss)
	}
}

func grpcLogger(logger *zerolog.Logger) zerolog.Logger {
	if logger == nil {
		return zerolog.Nop()
	}
	return logger.With().Str("component", "grpc").Logger()
}

func LoggingUnaryInterceptor(logger *zerolog.Logger) grpc.UnaryServerInterceptor {
	base := grpcLogger(logger)

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		requestID := requestIDFromMetadata(ctx)
		_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDMetadataKey, requestID))

		start := time.Now()
		resp, err := handler(ctx, req)
		logCall(base, ctx, requestID, info.FullMethod, err, time.Since(start))
		return resp, err
	}
}

func LoggingStreamInterceptor(logger *zerolog.Logger) grpc.StreamServerInterceptor {
	base := grpcLogger(logger)

	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		requestID := requestIDFromMetadata(ctx)
		_ = ss.SetHeader(metadata.Pairs(requestIDMetadataKey, requestID))

		start := time.Now()
		err := handler(srv, ss)
		logCall(base, ctx, requestID, info.FullMethod, err, time.Since(start))
		return err
	}
}

func logCall(base zerolog.Logger, ctx context.Context, requestID, method string, err error, dur time.Duration) {
	code := codes.OK
	if err != nil {
		code = status.Code(err)
	}

	remote := clientKeyUnknown
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		remote = p.Addr.String()
	}

	base.Info().
		Str("request_id", requestID).
		Str("method", method).
		Str("remote", remote).
		Str("code", code.String()).
		Dur("duration", dur).
		Msg("grpc request")
}

const requestIDMetadataKey = "x-request-id"

func requestIDFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if ok {
		if vals := md.Get(requestIDMetadataKey); len(vals) > 0 {
			if id := strings.TrimSpace(vals[0]); id != "" {
				return id
			}
		}
	}
	return uuid.NewString()
}
