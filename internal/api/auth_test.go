package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"villaops/internal/config"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func authConfig() *config.APIConfig {
	return &config.APIConfig{
		Enabled: true,
		Auth: config.APIAuthConfig{
			Enabled:      true,
			HeaderAPIKey: "x-api-key",
			APIKeys: []config.APIClientKey{
				{Key: "reader", Name: "dashboard", Permissions: []string{permReadJobs, permReadSync}},
				{Key: "admin", Name: "ops"},
			},
		},
		RateLimit: config.APIRateLimitConfig{
			RPS:   100,
			Burst: 200,
		},
	}
}

func TestAuthInterceptor(t *testing.T) {
	auth := NewAuthInterceptor(authConfig(), nil)
	interceptor := auth.Unary()

	handler := func(_ context.Context, req any) (any, error) {
		return "ok", nil
	}
	info := &grpc.UnaryServerInfo{FullMethod: "/" + dispatchServiceName + "/ListJobs"}

	t.Run("Success", func(t *testing.T) {
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-api-key", "reader"))
		resp, err := interceptor(ctx, "req", info, handler)
		assert.NoError(t, err)
		assert.Equal(t, "ok", resp)
	})

	t.Run("MissingMetadata", func(t *testing.T) {
		_, err := interceptor(context.Background(), "req", info, handler)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("MissingHeader", func(t *testing.T) {
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs())
		_, err := interceptor(ctx, "req", info, handler)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("InvalidKey", func(t *testing.T) {
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-api-key", "nope"))
		_, err := interceptor(ctx, "req", info, handler)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("PermissionDenied", func(t *testing.T) {
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-api-key", "reader"))
		write := &grpc.UnaryServerInfo{FullMethod: "/" + dispatchServiceName + "/TransitionJob"}
		_, err := interceptor(ctx, "req", write, handler)
		assert.Equal(t, codes.PermissionDenied, status.Code(err))
	})

	t.Run("EmptyPermissionsAllowAll", func(t *testing.T) {
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-api-key", "admin"))
		write := &grpc.UnaryServerInfo{FullMethod: "/" + dispatchServiceName + "/DeleteJob"}
		_, err := interceptor(ctx, "req", write, handler)
		assert.NoError(t, err)
	})

	t.Run("DisabledSkipsChecks", func(t *testing.T) {
		cfg := authConfig()
		cfg.Enabled = false
		open := NewAuthInterceptor(cfg, nil).Unary()
		_, err := open(context.Background(), "req", info, handler)
		assert.NoError(t, err)
	})
}

func TestAuthInterceptor_RateLimit(t *testing.T) {
	cfg := &config.APIConfig{
		Enabled: true,
		RateLimit: config.APIRateLimitConfig{
			RPS:   1,
			Burst: 1,
		},
	}

	limiter := NewRateLimiter(cfg)
	interceptor := NewAuthInterceptor(cfg, limiter).Unary()
	info := &grpc.UnaryServerInfo{FullMethod: "test"}
	handler := func(_ context.Context, req any) (any, error) { return "ok", nil }

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-api-key", "key1"))

	_, err := interceptor(ctx, "req", info, handler)
	assert.NoError(t, err)

	_, err = interceptor(ctx, "req", info, handler)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	// HTTP draws from the same bucket.
	assert.False(t, limiter.Allow("key1"))
	assert.True(t, limiter.Allow("key2"))
}

func TestRateLimiter_Disabled(t *testing.T) {
	limiter := NewRateLimiter(&config.APIConfig{})
	for i := 0; i < 100; i++ {
		assert.True(t, limiter.Allow("k"))
	}
}

func TestLoggingUnaryInterceptor(t *testing.T) {
	interceptor := LoggingUnaryInterceptor(nil)
	handler := func(ctx context.Context, req any) (any, error) {
		return "ok", nil
	}
	info := &grpc.UnaryServerInfo{FullMethod: "test"}

	resp, err := interceptor(context.Background(), "req", info, handler)
	assert.NoError(t, err)
	assert.Equal(t, "ok", resp)
}

func TestRequiredPermission(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{"/" + dispatchServiceName + "/GetJob", permReadJobs},
		{"/" + dispatchServiceName + "/ListConflicts", permReadJobs},
		{"/" + dispatchServiceName + "/BulkTransition", permWriteJobs},
		{"/" + dispatchServiceName + "/QuickApprove", permWriteBookings},
		{"/" + dispatchServiceName + "/ReportTelemetry", permWriteTelemetry},
		{"/" + dispatchServiceName + "/Subscribe", permReadSync},
		{"other", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, requiredPermission(tt.method), tt.method)
	}
}

func TestRequiredPermissionHTTP(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodGet, "/api/v1/jobs", permReadJobs},
		{http.MethodGet, "/api/v1/jobs/j1/progress", permReadJobs},
		{http.MethodPost, "/api/v1/jobs/j1/transition", permWriteJobs},
		{http.MethodDelete, "/api/v1/jobs/j1", permWriteJobs},
		{http.MethodGet, "/api/v1/bookings/b1", permReadJobs},
		{http.MethodPost, "/api/v1/bookings/b1/approve", permWriteBookings},
		{http.MethodPost, "/api/v1/telemetry", permWriteTelemetry},
		{http.MethodGet, "/realtime/info", permReadSync},
		{http.MethodGet, "/elsewhere", ""},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(tt.method, tt.path, nil)
		assert.Equal(t, tt.want, requiredPermissionHTTP(r), tt.method+" "+tt.path)
	}
}

func TestHTTPAuth_Wrap(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := NewHTTPAuth(authConfig(), nil).Wrap(next)

	serve := func(method, target, key string) int {
		r := httptest.NewRequest(method, target, nil)
		if key != "" {
			r.Header.Set("X-Api-Key", key)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w.Code
	}

	assert.Equal(t, http.StatusNoContent, serve(http.MethodGet, "/healthz", ""))
	assert.Equal(t, http.StatusUnauthorized, serve(http.MethodGet, "/api/v1/jobs", ""))
	assert.Equal(t, http.StatusNoContent, serve(http.MethodGet, "/api/v1/jobs", "reader"))
	assert.Equal(t, http.StatusForbidden, serve(http.MethodPost, "/api/v1/telemetry", "reader"))

	t.Run("QueryKeyOnlyForRealtime", func(t *testing.T) {
		assert.Equal(t, http.StatusNoContent, serve(http.MethodGet, "/realtime/info?api_key=reader", ""))
		assert.Equal(t, http.StatusUnauthorized, serve(http.MethodGet, "/api/v1/jobs?api_key=reader", ""))
	})

	t.Run("RateLimited", func(t *testing.T) {
		cfg := &config.APIConfig{Enabled: true, RateLimit: config.APIRateLimitConfig{RPS: 1, Burst: 1}}
		limited := NewHTTPAuth(cfg, nil).Wrap(next)

		r := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
		w := httptest.NewRecorder()
		limited.ServeHTTP(w, r)
		assert.Equal(t, http.StatusNoContent, w.Code)

		w = httptest.NewRecorder()
		limited.ServeHTTP(w, r)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
	})
}
