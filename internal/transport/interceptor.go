package transport

import (
	"context"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/zde37/kvring/internal/message"
	"github.com/zde37/kvring/pkg"
)

const (
	// RequestIDHeader is the metadata key carrying the request ID
	RequestIDHeader = "x-request-id"
)

type requestIDKey struct{}

// RequestIDFromContext returns the request ID attached by LoggingInterceptor.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// LoggingInterceptor creates a gRPC unary interceptor that tags each call with
// a request ID and logs its outcome. The ID comes from the caller's metadata,
// then from the message itself, and is generated when neither has one.
func LoggingInterceptor(logger *pkg.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		id := incomingRequestID(ctx, req)
		ctx = context.WithValue(ctx, requestIDKey{}, id)

		start := time.Now()
		resp, err := handler(ctx, req)

		event := logger.Debug()
		if err != nil {
			event = logger.Warn().Err(err)
		}
		event.
			Str("method", info.FullMethod).
			Str("request_id", id).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("Handled RPC")

		return resp, err
	}
}

func incomingRequestID(ctx context.Context, req any) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(RequestIDHeader); len(ids) > 0 && ids[0] != "" {
			return ids[0]
		}
	}
	if msg, ok := req.(*message.Message); ok && msg.ID != "" {
		return msg.ID
	}
	return uuid.NewString()
}

// RequestIDClientInterceptor propagates the message ID as request metadata so
// every hop logs under the same ID.
func RequestIDClientInterceptor() grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply any,
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		if msg, ok := req.(*message.Message); ok && msg.ID != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, RequestIDHeader, msg.ID)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
