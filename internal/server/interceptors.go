package server

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/oggyb/battle-engine/internal/auth"
	"github.com/oggyb/battle-engine/internal/logger"
)

// authenticate resolves the caller from the "authorization" metadata.
// No token means an anonymous caller; a bad token is rejected. Methods that
// need a user check for one themselves.
func authenticate(ctx context.Context, tokens *auth.Tokens) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	vals := md.Get("authorization")
	if len(vals) == 0 || tokens == nil {
		return ctx, nil
	}
	raw := auth.BearerToken(vals[0])
	if raw == "" {
		return nil, status.Error(codes.Unauthenticated, "authorization must be a bearer token")
	}
	uid, err := tokens.Parse(raw)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "bad token")
	}
	return auth.WithUser(ctx, uid), nil
}

// UnaryInterceptor authenticates the caller, attaches a request-scoped
// logger and turns handler panics into Internal errors.
func UnaryInterceptor(tokens *auth.Tokens, base *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		ctx, err = authenticate(ctx, tokens)
		if err != nil {
			return nil, err
		}
		log := base.With("method", info.FullMethod, "user_id", auth.UserFrom(ctx))
		ctx = logger.IntoContext(ctx, log)

		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in handler", "panic", r, "stack", string(debug.Stack()))
				err = status.Error(codes.Internal, "internal error")
			}
		}()

		start := time.Now()
		resp, err = handler(ctx, req)
		log.Debug("rpc finished", "code", status.Code(err).String(), "took", time.Since(start).String())
		return resp, err
	}
}

type serverStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *serverStream) Context() context.Context { return s.ctx }

// StreamInterceptor is the streaming twin of UnaryInterceptor.
func StreamInterceptor(tokens *auth.Tokens, base *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		ctx, err := authenticate(ss.Context(), tokens)
		if err != nil {
			return err
		}
		log := base.With("method", info.FullMethod, "user_id", auth.UserFrom(ctx))
		ctx = logger.IntoContext(ctx, log)

		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in stream handler", "panic", r, "stack", string(debug.Stack()))
				err = status.Error(codes.Internal, "internal error")
			}
		}()

		return handler(srv, &serverStream{ServerStream: ss, ctx: ctx})
	}
}
