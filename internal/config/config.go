// Package config loads flagdctl configuration from environment variables.
//
// Optional variables:
//   - FLAGD_HOST: flagd hostname (default "localhost").
//   - FLAGD_PORT: flagd port (default "8013", must be > 0 if set).
//   - FLAGD_TLS: "true" to connect over TLS (default "false").
//   - FLAGD_CERT_PATH: path to a PEM certificate trusted for TLS.
//   - FLAGD_RESOLVER: transport to use, "http" or "grpc" (default "http").
//   - LOG_LEVEL: minimum log level (default "info").
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	flagd "github.com/matt-riley/flagd-client"
)

const (
	// ResolverHTTP selects the HTTP/JSON transport.
	ResolverHTTP = "http"
	// ResolverGRPC selects the gRPC transport.
	ResolverGRPC = "grpc"
)

// Config holds the runtime configuration for flagdctl.
type Config struct {
	Flagd    flagd.Config
	Resolver string
	LogLevel string
}

// Load reads configuration from environment variables, applying defaults
// where appropriate. It returns an error if optional values fail validation.
func Load() (Config, error) {
	fc := flagd.Config{
		Host:     strings.TrimSpace(os.Getenv("FLAGD_HOST")),
		CertPath: strings.TrimSpace(os.Getenv("FLAGD_CERT_PATH")),
	}

	if value := strings.TrimSpace(os.Getenv("FLAGD_PORT")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse FLAGD_PORT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("FLAGD_PORT must be > 0")
		}
		fc.Port = parsed
	}

	if value := strings.TrimSpace(os.Getenv("FLAGD_TLS")); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse FLAGD_TLS: %w", err)
		}
		fc.TLS = parsed
	}

	resolver := strings.ToLower(envOrDefault("FLAGD_RESOLVER", ResolverHTTP))
	if resolver != ResolverHTTP && resolver != ResolverGRPC {
		return Config{}, fmt.Errorf("FLAGD_RESOLVER must be %q or %q, got %q", ResolverHTTP, ResolverGRPC, resolver)
	}

	return Config{
		Flagd:    fc,
		Resolver: resolver,
		LogLevel: envOrDefault("LOG_LEVEL", "info"),
	}, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
