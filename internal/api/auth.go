package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"villaops/internal/config"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	apiKeyHeaderDefault = "x-api-key"
	apiKeyQueryParam    = "api_key"
	permReadJobs        = "read:jobs"
	permWriteJobs       = "write:jobs"
	permWriteBookings   = "write:bookings"
	permWriteTelemetry  = "write:telemetry"
	permReadSync        = "read:sync"
	clientKeyUnknown    = "unknown"
)

var (
	errMissingAPIKey    = errors.New("missing api key header")
	errInvalidAPIKey    = errors.New("invalid api key")
	errPermissionDenied = errors.New("permission denied")
	errRateLimited      = errors.New("rate limit exceeded")
)

// keyring resolves API keys to clients and checks their permissions.
type keyring struct {
	cfg     *config.APIConfig
	clients map[string]config.APIClientKey
}

func newKeyring(cfg *config.APIConfig) *keyring {
	m := make(map[string]config.APIClientKey, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		m[k.Key] = k
	}
	return &keyring{cfg: cfg, clients: m}
}

func (k *keyring) header() string {
	h := strings.ToLower(strings.TrimSpace(k.cfg.Auth.HeaderAPIKey))
	if h == "" {
		h = apiKeyHeaderDefault
	}
	return h
}

func (k *keyring) authorize(apiKey, required string) error {
	if apiKey == "" {
		return errMissingAPIKey
	}
	client, ok := k.clients[apiKey]
	if !ok {
		return errInvalidAPIKey
	}
	if required == "" {
		return nil
	}

	// If permissions list is empty, treat as allow-all.
	if len(client.Permissions) == 0 {
		return nil
	}
	for _, p := range client.Permissions {
		if strings.TrimSpace(p) == required {
			return nil
		}
	}
	return errPermissionDenied
}

type AuthInterceptor struct {
	cfg     *config.APIConfig
	keys    *keyring
	limiter *RateLimiter
}

func NewAuthInterceptor(cfg *config.APIConfig, limiter *RateLimiter) *AuthInterceptor {
	if limiter == nil {
		limiter = NewRateLimiter(cfg)
	}
	return &AuthInterceptor{
		cfg:     cfg,
		keys:    newKeyring(cfg),
		limiter: limiter,
	}
}

func (a *AuthInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := a.check(ctx, info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func (a *AuthInterceptor) Stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := a.check(ss.Context(), info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func (a *AuthInterceptor) check(ctx context.Context, fullMethod string) error {
	if !a.cfg.Enabled {
		return nil
	}
	if a.cfg.Auth.Enabled {
		if err := a.checkAuth(ctx, fullMethod); err != nil {
			return err
		}
	}
	if !a.limiter.Allow(a.clientKey(ctx)) {
		return status.Error(codes.ResourceExhausted, errRateLimited.Error())
	}
	return nil
}

func (a *AuthInterceptor) checkAuth(ctx context.Context, fullMethod string) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}

	err := a.keys.authorize(first(md.Get(a.keys.header())), requiredPermission(fullMethod))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errPermissionDenied):
		return status.Error(codes.PermissionDenied, err.Error())
	default:
		return status.Error(codes.Unauthenticated, err.Error())
	}
}

func requiredPermission(fullMethod string) string {
	method := strings.TrimPrefix(fullMethod, "/"+dispatchServiceName+"/")
	switch method {
	case "GetJob", "ListJobs", "GetProgress", "ListConflicts":
		return permReadJobs
	case "CreateJob", "TransitionJob", "AssignStaff", "DeleteJob", "BulkTransition":
		return permWriteJobs
	case "CreateBooking", "QuickApprove", "RejectBooking", "CancelBooking", "DispatchBooking":
		return permWriteBookings
	case "ReportTelemetry":
		return permWriteTelemetry
	case "Subscribe":
		return permReadSync
	default:
		return ""
	}
}

func (a *AuthInterceptor) clientKey(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	if apiKey := first(md.Get(a.keys.header())); apiKey != "" {
		return apiKey
	}

	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return clientKeyUnknown
}

func first(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}

// HTTPAuth provides API-key auth and per-key rate limiting for HTTP endpoints.
type HTTPAuth struct {
	cfg     *config.APIConfig
	keys    *keyring
	limiter *RateLimiter
}

func NewHTTPAuth(cfg *config.APIConfig, limiter *RateLimiter) *HTTPAuth {
	if limiter == nil {
		limiter = NewRateLimiter(cfg)
	}
	return &HTTPAuth{cfg: cfg, keys: newKeyring(cfg), limiter: limiter}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.Enabled || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if a.cfg.Auth.Enabled {
			if err := a.keys.authorize(a.apiKey(r), requiredPermissionHTTP(r)); err != nil {
				statusCode := http.StatusUnauthorized
				if errors.Is(err, errPermissionDenied) {
					statusCode = http.StatusForbidden
				}
				writeError(w, statusCode, err.Error())
				return
			}
		}

		if !a.limiter.Allow(a.clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, errRateLimited.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isPublicPath(path string) bool {
	return path == "/healthz" || path == "/metrics"
}

// apiKey reads the key header. Browsers cannot set headers on the realtime
// transport, so that path also accepts a query parameter.
func (a *HTTPAuth) apiKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(a.keys.header())); key != "" {
		return key
	}
	if strings.HasPrefix(r.URL.Path, realtimePrefix) {
		return strings.TrimSpace(r.URL.Query().Get(apiKeyQueryParam))
	}
	return ""
}

func requiredPermissionHTTP(r *http.Request) string {
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, realtimePrefix):
		return permReadSync
	case path == "/api/v1/telemetry":
		return permWriteTelemetry
	case strings.HasPrefix(path, "/api/v1/bookings") && r.Method != http.MethodGet:
		return permWriteBookings
	case strings.HasPrefix(path, "/api/v1/jobs") && r.Method != http.MethodGet:
		return permWriteJobs
	case strings.HasPrefix(path, "/api/v1/"):
		return permReadJobs
	default:
		return ""
	}
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := a.apiKey(r); apiKey != "" {
		return apiKey
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}
