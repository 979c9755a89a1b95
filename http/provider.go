// Package http provides the HTTP/JSON transport provider for the flagd
// evaluation API.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	flagd "github.com/matt-riley/flagd-client"
	"github.com/matt-riley/flagd-client/metrics"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	transportName = "http"
	servicePath   = "/flagd.evaluation.v1.Service/"

	methodBoolean = "ResolveBoolean"
	methodString  = "ResolveString"
	methodNumber  = "ResolveNumber"
	methodObject  = "ResolveObject"
)

// Provider resolves flags over flagd's HTTP/JSON evaluation API. It
// implements [flagd.Resolver]. Safe for concurrent use after Init.
type Provider struct {
	cfg     flagd.Config
	metrics *metrics.Metrics

	mu      sync.RWMutex
	ready   bool
	domain  string
	client  *http.Client
	baseURL string
}

// Option customises a Provider.
type Option func(*Provider)

// WithMetrics records resolution counts and latency into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Provider) { p.metrics = m }
}

// NewProvider returns a not-ready Provider for the given Config. Call Init
// before resolving.
func NewProvider(cfg flagd.Config, opts ...Option) *Provider {
	p := &Provider{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Init binds the request client to the configured base URL and marks the
// provider ready. It does not contact the network. On re-initialization the
// existing client is kept and only the domain is updated.
func (p *Provider) Init(_ context.Context, domain string, _ flagd.EvaluationContext) error {
	if err := p.cfg.Validate(); err != nil {
		p.metrics.RecordInit(transportName, string(flagd.ErrCodeUnexpected))
		return flagd.UnexpectedError(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		hc := p.cfg.HTTPClient
		if hc == nil {
			hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
		}
		p.client = hc
		p.baseURL = p.cfg.BaseURL()
	}
	p.domain = domain
	p.ready = true
	p.metrics.RecordInit(transportName, "success")
	return nil
}

// Shutdown is a no-op: the provider holds no resources beyond the shared
// request client.
func (p *Provider) Shutdown(context.Context) error { return nil }

// Domain returns the label supplied at Init time.
func (p *Provider) Domain() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.domain
}

// -- wire types --------------------------------------------------------------

type wireRequest struct {
	FlagKey string         `json:"flagKey"`
	Context map[string]any `json:"context"`
}

type wireResponse struct {
	Value        any            `json:"value"`
	Variant      string         `json:"variant"`
	Reason       string         `json:"reason"`
	FlagMetadata map[string]any `json:"flagMetadata"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// -- Resolver ----------------------------------------------------------------

func (p *Provider) ResolveBoolean(ctx context.Context, key string, _ bool, evalCtx flagd.EvaluationContext) (flagd.ResolutionDetails, error) {
	return p.resolve(ctx, methodBoolean, key, evalCtx)
}

func (p *Provider) ResolveString(ctx context.Context, key string, _ string, evalCtx flagd.EvaluationContext) (flagd.ResolutionDetails, error) {
	return p.resolve(ctx, methodString, key, evalCtx)
}

// ResolveNumber posts to the single ResolveNumber method regardless of the
// default's tag: the HTTP API does not distinguish integers from floats.
func (p *Provider) ResolveNumber(ctx context.Context, key string, _ flagd.Number, evalCtx flagd.EvaluationContext) (flagd.ResolutionDetails, error) {
	return p.resolve(ctx, methodNumber, key, evalCtx)
}

func (p *Provider) ResolveObject(ctx context.Context, key string, _ map[string]any, evalCtx flagd.EvaluationContext) (flagd.ResolutionDetails, error) {
	return p.resolve(ctx, methodObject, key, evalCtx)
}

// resolve issues one evaluation round trip. Every failure that can occur on
// the way is reclassified into the flagd error taxonomy here; callers never
// see a raw transport error.
func (p *Provider) resolve(ctx context.Context, method, key string, evalCtx flagd.EvaluationContext) (flagd.ResolutionDetails, error) {
	start := time.Now()
	details, err := p.doResolve(ctx, method, key, evalCtx)
	p.metrics.RecordResolution(transportName, method, outcome(err), time.Since(start))
	return details, err
}

func (p *Provider) doResolve(ctx context.Context, method, key string, evalCtx flagd.EvaluationContext) (flagd.ResolutionDetails, error) {
	p.mu.RLock()
	ready, client, baseURL := p.ready, p.client, p.baseURL
	p.mu.RUnlock()
	if !ready {
		return flagd.ResolutionDetails{}, flagd.NotReadyError(errors.New("provider has not been initialized"))
	}

	body, err := json.Marshal(wireRequest{FlagKey: key, Context: evalCtx.Attributes})
	if err != nil {
		return flagd.ResolutionDetails{}, flagd.UnexpectedError(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+servicePath+method, bytes.NewReader(body))
	if err != nil {
		return flagd.ResolutionDetails{}, flagd.UnexpectedError(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return flagd.ResolutionDetails{}, flagd.UnexpectedError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return flagd.ResolutionDetails{}, decodeError(resp.Body, key)
	}

	var out wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return flagd.ResolutionDetails{}, flagd.UnexpectedError(fmt.Errorf("decode response: %w", err))
	}
	return flagd.ResolutionDetails{
		Value:        out.Value,
		Variant:      out.Variant,
		Reason:       flagd.ParseReason(out.Reason),
		FlagMetadata: out.FlagMetadata,
	}, nil
}

// decodeError maps a non-200 body to the error taxonomy. Both fields are
// optional on the wire; a malformed body falls back to the same defaults.
func decodeError(r io.Reader, key string) error {
	var we wireError
	_ = json.NewDecoder(r).Decode(&we)
	if we.Code == "" {
		we.Code = "general"
	}
	if we.Message == "" {
		we.Message = "Unknown error"
	}
	if we.Code == "not_found" {
		return flagd.NotFoundError(key, nil)
	}
	return flagd.UnexpectedError(fmt.Errorf("[%s] %s", we.Code, we.Message))
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	var fe *flagd.Error
	if errors.As(err, &fe) {
		return string(fe.Code)
	}
	return string(flagd.ErrCodeUnexpected)
}
