package connectors

import (
	"context"
	"crypto/subtle"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// tokenHeader — сервисный токен между пайплайном и коннекторами (в gRPC ключи в нижнем регистре).
const tokenHeader = "x-service-token"

// RequireDeadline отклоняет любой вызов без дедлайна: неограниченных ожиданий быть не должно.
func RequireDeadline() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if _, ok := ctx.Deadline(); !ok {
			return ErrNoDeadline
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// ServiceToken добавляет токен в исходящие метаданные.
func ServiceToken(token string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if token != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, tokenHeader, token)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// UnaryTokenInterceptor проверяет токен на стороне коннектора. Пустой token — проверка выключена.
func UnaryTokenInterceptor(token string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if token == "" {
			return handler(ctx, req)
		}

		// 1. Извлекаем метаданные из контекста
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
		}

		// 2. Ищем токен
		tokens := md.Get(tokenHeader)
		if len(tokens) == 0 {
			return nil, status.Errorf(codes.Unauthenticated, "missing service token")
		}
		if subtle.ConstantTimeCompare([]byte(tokens[0]), []byte(token)) != 1 {
			return nil, status.Errorf(codes.Unauthenticated, "invalid service token")
		}

		return handler(ctx, req)
	}
}
