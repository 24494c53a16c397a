package client

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	cli, err := New(srv.URL, opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return cli
}

func TestPostSetsSecurityHeaders(t *testing.T) {
	body := map[string]string{"name": "demo"}
	payload, _ := json.Marshal(body)
	sum := sha256.Sum256(payload)
	wantIntegrity := "sha256-" + base64.StdEncoding.EncodeToString(sum[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != "forge-cli/1.2.3" {
			t.Errorf("unexpected user agent %q", got)
		}
		if r.Header.Get("X-Requested-With") != "forge-cli" {
			t.Errorf("missing X-Requested-With")
		}
		if r.Header.Get("Cache-Control") != "no-cache" {
			t.Errorf("missing Cache-Control")
		}
		if r.Header.Get("X-Request-Timestamp") == "" || r.Header.Get("X-Request-ID") == "" {
			t.Errorf("missing request timestamp or id")
		}
		if got := r.Header.Get("X-Content-Integrity"); got != wantIntegrity {
			t.Errorf("integrity %q, want %q", got, wantIntegrity)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected authorization %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	cli := newTestClient(t, srv, WithVersion("1.2.3"))
	var out struct {
		OK bool `json:"ok"`
	}
	if err := cli.Post(context.Background(), "/things", " tok ", body, &out); err != nil {
		t.Fatalf("post: %v", err)
	}
	if !out.OK {
		t.Fatalf("expected decoded response")
	}
}

func TestServerErrorsAreGeneric(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "panic: nil pointer at db.go:42", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := newTestClient(t, srv).Get(context.Background(), "/", "", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Kind != KindServer {
		t.Fatalf("expected server kind, got %s", apiErr.Kind)
	}
	if strings.Contains(err.Error(), "db.go") {
		t.Fatalf("server body leaked: %v", err)
	}
	if !Retryable(err) {
		t.Fatalf("expected 5xx to be retryable")
	}
}

func TestStatusClassification(t *testing.T) {
	cases := map[int]Kind{
		http.StatusUnauthorized:          KindAuth,
		http.StatusForbidden:             KindAuth,
		http.StatusRequestEntityTooLarge: KindTooLarge,
		http.StatusTooManyRequests:       KindRateLimited,
		http.StatusNotFound:              KindClient,
	}
	for status, want := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"error":"nope"}`)
		}))
		err := newTestClient(t, srv).Get(context.Background(), "/", "", nil)
		srv.Close()
		if got := Classify(err); got != want {
			t.Fatalf("status %d: expected %s, got %s (%v)", status, want, got, err)
		}
		if Retryable(err) {
			t.Fatalf("status %d should not be retryable", status)
		}
	}
}

func TestRejectsHostOutsideAllowList(t *testing.T) {
	cli, err := New("https://api.evil.example")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	err = cli.Get(context.Background(), "/", "", nil)
	var secErr *SecurityError
	if !errors.As(err, &secErr) {
		t.Fatalf("expected SecurityError, got %v", err)
	}
	if Retryable(err) {
		t.Fatalf("security errors must not be retried")
	}
}

func TestRejectsPlainHTTPForRemoteHost(t *testing.T) {
	if _, err := New("http://api.forgekit.ai"); err == nil {
		t.Fatalf("expected plain http to be refused")
	}
}

func TestRedirectOutsideAllowListRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://collector.evil.example/steal", http.StatusFound)
	}))
	defer srv.Close()

	err := newTestClient(t, srv).Get(context.Background(), "/", "", nil)
	var secErr *SecurityError
	if !errors.As(err, &secErr) {
		t.Fatalf("expected SecurityError, got %v", err)
	}
}

func TestResponseSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("x", 64))
	}))
	defer srv.Close()

	err := newTestClient(t, srv, WithMaxResponseBytes(16)).Get(context.Background(), "/", "", nil)
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("expected ErrResponseTooLarge, got %v", err)
	}
}

func TestMalformedJSONRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"url":`)
	}))
	defer srv.Close()

	err := newTestClient(t, srv).Get(context.Background(), "/", "", nil)
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestEmptyResponseRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := newTestClient(t, srv).Get(context.Background(), "/", "", nil)
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestNetworkErrorsAreRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close()

	cli, err := New(base, WithTimeouts(time.Second, 0))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	err = cli.Get(context.Background(), "/", "", nil)
	if Classify(err) != KindNetwork {
		t.Fatalf("expected network error, got %v", err)
	}
	if !Retryable(err) {
		t.Fatalf("expected network error to be retryable")
	}
}

func TestTLSServerTrustedByPool(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	var out map[string]bool
	if err := newTestClient(t, srv, WithRootCAs(pool)).Get(context.Background(), "/", "", &out); err != nil {
		t.Fatalf("get over tls: %v", err)
	}
	if !out["ok"] {
		t.Fatalf("unexpected body %v", out)
	}
}

func TestTLSUntrustedCertificateIsSecurityError(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	err := newTestClient(t, srv).Get(context.Background(), "/", "", nil)
	if Classify(err) != KindSecurity {
		t.Fatalf("expected security error, got %v", err)
	}
}

func TestHostPolicy(t *testing.T) {
	p := NewHostPolicy([]string{"forgekit.ai"})
	allowed := []string{"forgekit.ai", "api.forgekit.ai", "www.forgekit.ai:443", "localhost", "127.0.0.1:3456", "[::1]:80", "app.localhost"}
	for _, host := range allowed {
		if !p.Allowed(host) {
			t.Fatalf("expected %s to be allowed", host)
		}
	}
	denied := []string{"forgekit.ai.evil.example", "notforgekit.ai", "10.0.0.1", ""}
	for _, host := range denied {
		if p.Allowed(host) {
			t.Fatalf("expected %s to be denied", host)
		}
	}
}
