// Package flagd provides client-side types for resolving feature flags from a
// flagd evaluation service.
//
// Use the sub-packages to create transport-specific providers:
//
//	import flagdhttp "github.com/matt-riley/flagd-client/http"
//	import flagdgrpc "github.com/matt-riley/flagd-client/grpc"
//
// Both providers implement [Resolver] and are interchangeable: same operation
// names, same result shape, same error taxonomy.
package flagd

import (
	"context"
	"fmt"
	nethttp "net/http"
	"strings"
	"time"

	"google.golang.org/grpc"
)

const (
	// DefaultHost is used when Config.Host is empty.
	DefaultHost = "localhost"
	// DefaultPort is used when Config.Port is zero.
	DefaultPort = 8013
)

// Config holds the connection parameters shared by both transport providers.
// The zero value is usable and points at a plaintext flagd on localhost:8013.
type Config struct {
	// Host of the flagd instance. Defaults to "localhost".
	Host string
	// Port of the flagd instance. Defaults to 8013. Must be positive.
	Port int
	// TLS enables https (HTTP transport) or TLS channel credentials (gRPC).
	TLS bool
	// CertPath is an optional PEM certificate file trusted for TLS
	// connections. Only consulted when TLS is true; when empty, the
	// platform's default trust roots are used.
	CertPath string
	// Retry configures the gRPC channel's native retry policy. It has no
	// effect on the HTTP transport and is never acted on by the resolution
	// logic itself.
	Retry *RetryOptions
	// HTTPClient is optional; the HTTP provider defaults to an
	// otelhttp-instrumented client.
	HTTPClient *nethttp.Client
	// DialOpts are additional gRPC dial options appended after the ones the
	// provider derives from this Config.
	DialOpts []grpc.DialOption
}

// RetryOptions describes transport-level retry behaviour. The gRPC provider
// translates it into a channel service-config retry policy; the HTTP provider
// ignores it.
type RetryOptions struct {
	MaxAttempts int
	Backoff     time.Duration
}

// host and port return the configured values with defaults applied.
func (c Config) host() string {
	if c.Host == "" {
		return DefaultHost
	}
	return c.Host
}

func (c Config) port() int {
	if c.Port == 0 {
		return DefaultPort
	}
	return c.Port
}

// BaseURL returns the HTTP evaluation endpoint root, e.g.
// "http://localhost:8013". The scheme is chosen by the TLS flag.
func (c Config) BaseURL() string {
	scheme := "http"
	if c.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.host(), c.port())
}

// Target returns the gRPC connection target, e.g. "localhost:8013".
func (c Config) Target() string {
	return fmt.Sprintf("%s:%d", c.host(), c.port())
}

// Validate reports whether the Config satisfies its invariants.
func (c Config) Validate() error {
	if c.Port < 0 {
		return fmt.Errorf("flagd: port must be positive, got %d", c.Port)
	}
	return nil
}

// EvaluationContext provides attribute data used by flagd to target a
// specific flag variant.
type EvaluationContext struct {
	Attributes map[string]any
}

// ResolutionDetails is the canonical outcome of a successful resolution.
// A fresh value is produced per call and never mutated afterwards.
type ResolutionDetails struct {
	// Value is the resolved flag value: bool, string, float64, int64, or
	// map[string]any depending on the operation.
	Value any
	// Variant is the named alternative that was selected, if any.
	Variant string
	// Reason describes why this value was returned.
	Reason Reason
	// FlagMetadata is auxiliary data returned alongside the value; nil when
	// the service sent none.
	FlagMetadata map[string]any
}

// Reason describes why a particular flag value was returned.
type Reason string

const (
	ReasonStatic         Reason = "static"
	ReasonDefault        Reason = "default"
	ReasonTargetingMatch Reason = "targeting_match"
	ReasonSplit          Reason = "split"
	ReasonCached         Reason = "cached"
	ReasonDisabled       Reason = "disabled"
	ReasonError          Reason = "error"
	ReasonUnknown        Reason = "unknown"
)

// ParseReason maps a wire reason string to a Reason. Matching is
// case-insensitive; an empty or unrecognised value maps to ReasonUnknown.
func ParseReason(s string) Reason {
	switch r := Reason(strings.ToLower(s)); r {
	case ReasonStatic, ReasonDefault, ReasonTargetingMatch, ReasonSplit,
		ReasonCached, ReasonDisabled, ReasonError:
		return r
	default:
		return ReasonUnknown
	}
}

// Number is a tagged numeric default value. The gRPC schema exposes distinct
// integer and float RPCs, so numeric resolution must commit to one before the
// call is issued; the tag carries that choice explicitly.
type Number struct {
	isInt bool
	i     int64
	f     float64
}

// Int returns a Number tagged as an integer.
func Int(v int64) Number { return Number{isInt: true, i: v} }

// Float returns a Number tagged as a float.
func Float(v float64) Number { return Number{f: v} }

// IsInt reports whether the Number was constructed with Int.
func (n Number) IsInt() bool { return n.isInt }

// Int64 returns the integer value; zero if the Number is a float.
func (n Number) Int64() int64 { return n.i }

// Float64 returns the float value; zero if the Number is an integer.
func (n Number) Float64() float64 { return n.f }

// Value returns the untagged value as int64 or float64.
func (n Number) Value() any {
	if n.isInt {
		return n.i
	}
	return n.f
}

// Resolver is the uniform resolution contract implemented by both transport
// providers. Init must succeed before any Resolve call; the default values
// are accepted for interface symmetry but are never returned by a provider —
// on failure the tagged error is surfaced and fallback policy is the
// caller's.
type Resolver interface {
	// Init prepares the transport handle and marks the provider ready.
	// The domain is an optional label supplied by the host; evalCtx is
	// accepted for contract symmetry and not consumed by either transport.
	Init(ctx context.Context, domain string, evalCtx EvaluationContext) error
	// Shutdown releases the transport handle, if any.
	Shutdown(ctx context.Context) error

	ResolveBoolean(ctx context.Context, key string, defaultValue bool, evalCtx EvaluationContext) (ResolutionDetails, error)
	ResolveString(ctx context.Context, key string, defaultValue string, evalCtx EvaluationContext) (ResolutionDetails, error)
	ResolveNumber(ctx context.Context, key string, defaultValue Number, evalCtx EvaluationContext) (ResolutionDetails, error)
	ResolveObject(ctx context.Context, key string, defaultValue map[string]any, evalCtx EvaluationContext) (ResolutionDetails, error)
}
