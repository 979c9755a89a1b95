// Package main is the entry point for flagdctl, a command-line tool that
// resolves a single feature flag from a flagd instance.
//
// The bootstrap sequence is:
//  1. Load connection configuration from environment variables.
//  2. Configure structured logging and (opt-in) OTLP tracing.
//  3. Build the HTTP or gRPC provider per FLAGD_RESOLVER and initialize it.
//  4. Resolve the requested flag and print the canonical result as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	flagd "github.com/matt-riley/flagd-client"
	flagdgrpc "github.com/matt-riley/flagd-client/grpc"
	flagdhttp "github.com/matt-riley/flagd-client/http"
	"github.com/matt-riley/flagd-client/internal/config"
	"github.com/matt-riley/flagd-client/internal/logging"
	"github.com/matt-riley/flagd-client/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		slog.Error("flagdctl failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		flagType = flag.String("type", "bool", `flag type: "bool", "string", "int", "float", or "object"`)
		defValue = flag.String("default", "", "default value passed to the resolver (required for int/float dispatch)")
		ctxJSON  = flag.String("context", "", "evaluation context as a JSON object")
		domain   = flag.String("domain", "", "provider domain label")
		timeout  = flag.Duration("timeout", 5*time.Second, "overall resolution timeout")
	)
	flag.Parse()
	if flag.NArg() != 1 {
		return errors.New("usage: flagdctl [flags] <flag-key>")
	}
	key := flag.Arg(0)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel).With("invocation_id", uuid.NewString())
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	var resolver flagd.Resolver
	switch cfg.Resolver {
	case config.ResolverGRPC:
		resolver = flagdgrpc.NewProvider(cfg.Flagd)
	default:
		resolver = flagdhttp.NewProvider(cfg.Flagd)
	}
	if err := resolver.Init(ctx, *domain, flagd.EvaluationContext{}); err != nil {
		return fmt.Errorf("init %s provider: %w", cfg.Resolver, err)
	}
	defer func() {
		if err := resolver.Shutdown(context.Background()); err != nil {
			log.Error("provider shutdown error", "err", err)
		}
	}()

	evalCtx := flagd.EvaluationContext{}
	if *ctxJSON != "" {
		if err := json.Unmarshal([]byte(*ctxJSON), &evalCtx.Attributes); err != nil {
			return fmt.Errorf("parse -context: %w", err)
		}
	}

	log.Debug("resolving flag", "transport", cfg.Resolver, "flag_key", key, "type", *flagType)
	details, err := resolveTyped(ctx, resolver, *flagType, key, *defValue, evalCtx)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", key, err)
	}
	log.Info("flag resolved", "flag_key", key, "reason", details.Reason, "variant", details.Variant)

	out, err := json.MarshalIndent(struct {
		Value        any            `json:"value"`
		Variant      string         `json:"variant,omitempty"`
		Reason       flagd.Reason   `json:"reason"`
		FlagMetadata map[string]any `json:"flagMetadata,omitempty"`
	}{details.Value, details.Variant, details.Reason, details.FlagMetadata}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// resolveTyped routes to the resolution operation matching the requested
// type, parsing the textual default into the shape that operation needs.
func resolveTyped(ctx context.Context, r flagd.Resolver, flagType, key, defValue string, evalCtx flagd.EvaluationContext) (flagd.ResolutionDetails, error) {
	switch flagType {
	case "bool":
		def := false
		if defValue != "" {
			parsed, err := strconv.ParseBool(defValue)
			if err != nil {
				return flagd.ResolutionDetails{}, fmt.Errorf("parse -default as bool: %w", err)
			}
			def = parsed
		}
		return r.ResolveBoolean(ctx, key, def, evalCtx)
	case "string":
		return r.ResolveString(ctx, key, defValue, evalCtx)
	case "int":
		var def int64
		if defValue != "" {
			parsed, err := strconv.ParseInt(defValue, 10, 64)
			if err != nil {
				return flagd.ResolutionDetails{}, fmt.Errorf("parse -default as int: %w", err)
			}
			def = parsed
		}
		return r.ResolveNumber(ctx, key, flagd.Int(def), evalCtx)
	case "float":
		var def float64
		if defValue != "" {
			parsed, err := strconv.ParseFloat(defValue, 64)
			if err != nil {
				return flagd.ResolutionDetails{}, fmt.Errorf("parse -default as float: %w", err)
			}
			def = parsed
		}
		return r.ResolveNumber(ctx, key, flagd.Float(def), evalCtx)
	case "object":
		var def map[string]any
		if defValue != "" {
			if err := json.Unmarshal([]byte(defValue), &def); err != nil {
				return flagd.ResolutionDetails{}, fmt.Errorf("parse -default as object: %w", err)
			}
		}
		return r.ResolveObject(ctx, key, def, evalCtx)
	default:
		return flagd.ResolutionDetails{}, fmt.Errorf("unknown -type %q", flagType)
	}
}
