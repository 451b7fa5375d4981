// Package auth attaches collector credentials to outgoing sends and checks
// credentials on the local OTLP receiver.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ClientConfig holds the credentials sent to the collector.
type ClientConfig struct {
	// APIKey is sent in the APIKeyHeader header.
	APIKey string
	// APIKeyHeader names the API key header (default: x-api-key).
	APIKeyHeader string
	// BearerToken is sent as "Authorization: Bearer <token>".
	BearerToken string
	// BasicAuthUsername and BasicAuthPassword are sent as basic auth.
	BasicAuthUsername string
	BasicAuthPassword string
	// Headers are extra static headers.
	Headers map[string]string
}

// Empty reports whether no credential or header is configured.
func (c ClientConfig) Empty() bool {
	return c.APIKey == "" && c.BearerToken == "" && c.BasicAuthUsername == "" && len(c.Headers) == 0
}

// headers renders the configured credentials as lower-case header pairs.
func (c ClientConfig) headers() map[string]string {
	h := make(map[string]string, len(c.Headers)+2)
	for k, v := range c.Headers {
		h[strings.ToLower(k)] = v
	}
	if c.APIKey != "" {
		name := c.APIKeyHeader
		if name == "" {
			name = "x-api-key"
		}
		h[strings.ToLower(name)] = c.APIKey
	}
	switch {
	case c.BearerToken != "":
		h["authorization"] = "Bearer " + c.BearerToken
	case c.BasicAuthUsername != "":
		h["authorization"] = "Basic " + basicAuthEncoded(c.BasicAuthUsername, c.BasicAuthPassword)
	}
	return h
}

// HTTPTransport returns a RoundTripper that adds the credentials to every request.
func HTTPTransport(cfg ClientConfig, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &authTransport{base: base, headers: cfg.headers()}
}

type authTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrippers must not modify the caller's request.
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		clone.Header.Set(k, v)
	}
	return t.base.RoundTrip(clone)
}

// PerRPCCredentials returns gRPC call credentials carrying cfg.
func PerRPCCredentials(cfg ClientConfig, requireTLS bool) credentials.PerRPCCredentials {
	return &rpcCredentials{headers: cfg.headers(), requireTLS: requireTLS}
}

type rpcCredentials struct {
	headers    map[string]string
	requireTLS bool
}

func (c *rpcCredentials) GetRequestMetadata(_ context.Context, _ ...string) (map[string]string, error) {
	return c.headers, nil
}

func (c *rpcCredentials) RequireTransportSecurity() bool {
	return c.requireTLS
}

// ServerConfig holds the credentials the receiver accepts.
type ServerConfig struct {
	// Enabled turns checking on.
	Enabled bool
	// APIKey, when set, must match the APIKeyHeader header.
	APIKey       string
	APIKeyHeader string
	// BearerToken, when set, must match the Authorization bearer token.
	BearerToken string
}

func (c ServerConfig) keyHeader() string {
	if c.APIKeyHeader == "" {
		return "x-api-key"
	}
	return c.APIKeyHeader
}

// allowed reports whether either credential matches.
func (c ServerConfig) allowed(apiKey, authorization string) bool {
	if c.APIKey != "" && equal(apiKey, c.APIKey) {
		return true
	}
	if c.BearerToken != "" {
		if token, ok := strings.CutPrefix(authorization, "Bearer "); ok && equal(token, c.BearerToken) {
			return true
		}
	}
	return false
}

// HTTPMiddleware rejects requests without valid credentials with 401.
func HTTPMiddleware(cfg ServerConfig, next http.Handler) http.Handler {
	if !cfg.Enabled {
		return next
	}
	keyHeader := cfg.keyHeader()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.allowed(r.Header.Get(keyHeader), r.Header.Get("Authorization")) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GRPCUnaryInterceptor rejects calls without valid credentials in their
// metadata with codes.Unauthenticated.
func GRPCUnaryInterceptor(cfg ServerConfig) grpc.UnaryServerInterceptor {
	keyHeader := strings.ToLower(cfg.keyHeader())
	return func(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !cfg.Enabled {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		if !cfg.allowed(firstValue(md, keyHeader), firstValue(md, "authorization")) {
			return nil, status.Error(codes.Unauthenticated, "unauthorized")
		}
		return handler(ctx, req)
	}
}

func firstValue(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func equal(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func basicAuthEncoded(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}
