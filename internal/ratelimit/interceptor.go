package ratelimit

import (
	"context"
	"net"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/elskow/warden/internal/api"
	"github.com/elskow/warden/internal/metrics"
)

// UnaryInterceptor throttles the rate limited endpoints per caller. A limiter
// error lets the request through.
func UnaryInterceptor(limiter Limiter, m *metrics.Metrics, log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !api.RateLimitedEndpoints[info.FullMethod] {
			return handler(ctx, req)
		}

		key := info.FullMethod + "|" + callerAddress(ctx)
		res, err := limiter.Allow(ctx, key)
		if err != nil {
			log.Warn("rate limiter unavailable, allowing request",
				zap.String("method", info.FullMethod),
				zap.Error(err))
			return handler(ctx, req)
		}

		if !res.Allowed {
			m.RateLimited.WithLabelValues(info.FullMethod).Inc()
			seconds := int64(res.RetryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			_ = grpc.SetTrailer(ctx, metadata.Pairs("retry-after", strconv.FormatInt(seconds, 10)))
			return nil, status.Error(codes.ResourceExhausted, "too many requests")
		}
		return handler(ctx, req)
	}
}

// callerAddress prefers the first x-forwarded-for entry set by a proxy.
func callerAddress(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get("x-forwarded-for"); len(values) > 0 {
			first := strings.TrimSpace(strings.Split(values[0], ",")[0])
			if first != "" {
				return first
			}
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		host, _, err := net.SplitHostPort(p.Addr.String())
		if err != nil {
			return p.Addr.String()
		}
		return host
	}
	return "unknown"
}
