package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	flagd "github.com/matt-riley/flagd-client"
	flagdhttp "github.com/matt-riley/flagd-client/http"
	"github.com/matt-riley/flagd-client/metrics"
)

// newTestProvider starts an httptest server and returns an initialized
// provider pointed at it.
func newTestProvider(t *testing.T, handler http.HandlerFunc) *flagdhttp.Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port := 0
	fmt.Sscanf(u.Port(), "%d", &port)

	p := flagdhttp.NewProvider(flagd.Config{Host: u.Hostname(), Port: port})
	if err := p.Init(context.Background(), "test-domain", flagd.EvaluationContext{}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return p
}

func assertErrorCode(t *testing.T, err error, want flagd.ErrorCode) *flagd.Error {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var fe *flagd.Error
	if !errors.As(err, &fe) {
		t.Fatalf("expected *flagd.Error, got %T: %v", err, err)
	}
	if fe.Code != want {
		t.Fatalf("error code = %q, want %q: %v", fe.Code, want, err)
	}
	return fe
}

func TestResolveBooleanSuccess(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/flagd.evaluation.v1.Service/ResolveBoolean" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		var body struct {
			FlagKey string         `json:"flagKey"`
			Context map[string]any `json:"context"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body.FlagKey != "dark-mode" {
			t.Errorf("flagKey = %q, want dark-mode", body.FlagKey)
		}
		if body.Context["email"] != "user@example.com" {
			t.Errorf("context = %v, want email attribute", body.Context)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"value":true,"variant":"on","reason":"STATIC"}`)
	})

	evalCtx := flagd.EvaluationContext{Attributes: map[string]any{"email": "user@example.com"}}
	details, err := p.ResolveBoolean(context.Background(), "dark-mode", false, evalCtx)
	if err != nil {
		t.Fatal(err)
	}
	if details.Value != true {
		t.Errorf("Value = %v, want true", details.Value)
	}
	if details.Variant != "on" {
		t.Errorf("Variant = %q, want on", details.Variant)
	}
	if details.Reason != flagd.ReasonStatic {
		t.Errorf("Reason = %q, want static", details.Reason)
	}
	if details.FlagMetadata != nil {
		t.Errorf("FlagMetadata = %v, want nil when absent from the wire", details.FlagMetadata)
	}
}

func TestResolveStringWithMetadata(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/flagd.evaluation.v1.Service/ResolveString" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"value":"green","variant":"experiment","reason":"TARGETING_MATCH","flagMetadata":{"team":"growth"}}`)
	})

	details, err := p.ResolveString(context.Background(), "button-color", "blue", flagd.EvaluationContext{})
	if err != nil {
		t.Fatal(err)
	}
	if details.Value != "green" {
		t.Errorf("Value = %v, want green", details.Value)
	}
	if details.Reason != flagd.ReasonTargetingMatch {
		t.Errorf("Reason = %q, want targeting_match", details.Reason)
	}
	if details.FlagMetadata["team"] != "growth" {
		t.Errorf("FlagMetadata = %v, want team=growth", details.FlagMetadata)
	}
}

func TestResolveNumberUsesSingleMethod(t *testing.T) {
	// HTTP has one numeric method; both tags route to it.
	var paths []string
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		fmt.Fprint(w, `{"value":3.5,"reason":"DEFAULT"}`)
	})

	if _, err := p.ResolveNumber(context.Background(), "threshold", flagd.Int(1), flagd.EvaluationContext{}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.ResolveNumber(context.Background(), "threshold", flagd.Float(1.5), flagd.EvaluationContext{}); err != nil {
		t.Fatal(err)
	}
	for _, path := range paths {
		if path != "/flagd.evaluation.v1.Service/ResolveNumber" {
			t.Errorf("unexpected path %s", path)
		}
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(paths))
	}
}

func TestResolveObject(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/flagd.evaluation.v1.Service/ResolveObject" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"value":{"timeout":30,"endpoint":"api.example.com"},"reason":"STATIC"}`)
	})

	details, err := p.ResolveObject(context.Background(), "service-config", nil, flagd.EvaluationContext{})
	if err != nil {
		t.Fatal(err)
	}
	obj, ok := details.Value.(map[string]any)
	if !ok {
		t.Fatalf("Value is %T, want map", details.Value)
	}
	if obj["endpoint"] != "api.example.com" {
		t.Errorf("Value = %v", obj)
	}
}

func TestMissingReasonMapsToUnknown(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value":true,"variant":"on"}`)
	})

	details, err := p.ResolveBoolean(context.Background(), "f", false, flagd.EvaluationContext{})
	if err != nil {
		t.Fatal(err)
	}
	if details.Reason != flagd.ReasonUnknown {
		t.Errorf("Reason = %q, want unknown", details.Reason)
	}
}

func TestNotFoundErrorBody(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"code":"not_found","message":"flag not found"}`)
	})

	_, err := p.ResolveBoolean(context.Background(), "missing", false, flagd.EvaluationContext{})
	fe := assertErrorCode(t, err, flagd.ErrCodeFlagNotFound)
	if fe.FlagKey != "missing" {
		t.Errorf("FlagKey = %q, want missing", fe.FlagKey)
	}
}

func TestServerErrorBody(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"code":"server_error","message":"Boom"}`)
	})

	_, err := p.ResolveBoolean(context.Background(), "f", false, flagd.EvaluationContext{})
	assertErrorCode(t, err, flagd.ErrCodeUnexpected)
	if got, want := errors.Unwrap(err).Error(), "[server_error] Boom"; got != want {
		t.Errorf("wrapped message = %q, want %q", got, want)
	}
}

func TestErrorBodyDefaults(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"empty body", ``, "[general] Unknown error"},
		{"code only", `{"code":"throttled"}`, "[throttled] Unknown error"},
		{"message only", `{"message":"try later"}`, "[general] try later"},
		{"not json", `<html>oops</html>`, "[general] Unknown error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
				fmt.Fprint(w, tt.body)
			})
			_, err := p.ResolveBoolean(context.Background(), "f", false, flagd.EvaluationContext{})
			assertErrorCode(t, err, flagd.ErrCodeUnexpected)
			if got := errors.Unwrap(err).Error(); got != tt.want {
				t.Errorf("wrapped message = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNetworkFailureIsUnexpectedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	u, _ := url.Parse(srv.URL)
	port := 0
	fmt.Sscanf(u.Port(), "%d", &port)
	srv.Close() // nothing listens any more

	p := flagdhttp.NewProvider(flagd.Config{Host: u.Hostname(), Port: port})
	if err := p.Init(context.Background(), "", flagd.EvaluationContext{}); err != nil {
		t.Fatal(err)
	}
	_, err := p.ResolveBoolean(context.Background(), "f", false, flagd.EvaluationContext{})
	fe := assertErrorCode(t, err, flagd.ErrCodeUnexpected)
	if fe.Unwrap() == nil {
		t.Error("expected the network failure to be carried as the cause")
	}
}

func TestMalformedSuccessBodyIsUnexpectedError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value":`)
	})
	_, err := p.ResolveBoolean(context.Background(), "f", false, flagd.EvaluationContext{})
	assertErrorCode(t, err, flagd.ErrCodeUnexpected)
}

func TestNonEncodableContextIsUnexpectedError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should never be sent")
	})
	evalCtx := flagd.EvaluationContext{Attributes: map[string]any{"bad": func() {}}}
	_, err := p.ResolveBoolean(context.Background(), "f", false, evalCtx)
	assertErrorCode(t, err, flagd.ErrCodeUnexpected)
}

func TestResolveBeforeInitFailsFast(t *testing.T) {
	p := flagdhttp.NewProvider(flagd.Config{})
	_, err := p.ResolveBoolean(context.Background(), "f", false, flagd.EvaluationContext{})
	assertErrorCode(t, err, flagd.ErrCodeProviderNotReady)
}

func TestReinitOnlyUpdatesDomain(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value":true,"reason":"STATIC"}`)
	})
	if p.Domain() != "test-domain" {
		t.Fatalf("Domain = %q, want test-domain", p.Domain())
	}
	if err := p.Init(context.Background(), "other-domain", flagd.EvaluationContext{}); err != nil {
		t.Fatal(err)
	}
	if p.Domain() != "other-domain" {
		t.Errorf("Domain = %q, want other-domain", p.Domain())
	}
	// The original client binding still works after re-initialization.
	if _, err := p.ResolveBoolean(context.Background(), "f", false, flagd.EvaluationContext{}); err != nil {
		t.Fatal(err)
	}
}

func TestInvalidConfigFailsInit(t *testing.T) {
	p := flagdhttp.NewProvider(flagd.Config{Port: -1})
	err := p.Init(context.Background(), "", flagd.EvaluationContext{})
	assertErrorCode(t, err, flagd.ErrCodeUnexpected)
}

func TestMetricsRecorded(t *testing.T) {
	m := metrics.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value":true,"reason":"STATIC"}`)
	}))
	t.Cleanup(srv.Close)
	u, _ := url.Parse(srv.URL)
	port := 0
	fmt.Sscanf(u.Port(), "%d", &port)

	p := flagdhttp.NewProvider(flagd.Config{Host: u.Hostname(), Port: port}, flagdhttp.WithMetrics(m))
	if err := p.Init(context.Background(), "", flagd.EvaluationContext{}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.ResolveBoolean(context.Background(), "f", false, flagd.EvaluationContext{}); err != nil {
		t.Fatal(err)
	}

	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, fam := range fams {
		if fam.GetName() == "flagd_client_resolutions_total" {
			found = true
		}
	}
	if !found {
		t.Error("expected flagd_client_resolutions_total to be gathered")
	}
}

func TestConcurrentResolutions(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value":true,"reason":"STATIC"}`)
	})
	done := make(chan error, 16)
	for i := 0; i < 16; i++ {
		go func(n int) {
			_, err := p.ResolveBoolean(context.Background(), fmt.Sprintf("flag-%d", n), false, flagd.EvaluationContext{})
			done <- err
		}(i)
	}
	for i := 0; i < 16; i++ {
		if err := <-done; err != nil {
			t.Errorf("concurrent resolve: %v", err)
		}
	}
}
