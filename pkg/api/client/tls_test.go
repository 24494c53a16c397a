package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestVerifyConnection(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	valid := &x509.Certificate{NotBefore: now.Add(-24 * time.Hour), NotAfter: now.Add(24 * time.Hour)}
	expired := &x509.Certificate{NotBefore: now.Add(-48 * time.Hour), NotAfter: now.Add(-time.Hour)}
	future := &x509.Certificate{NotBefore: now.Add(time.Hour), NotAfter: now.Add(48 * time.Hour)}

	chain := func(n int) []*x509.Certificate {
		out := []*x509.Certificate{valid}
		for len(out) < n {
			out = append(out, &x509.Certificate{NotBefore: valid.NotBefore, NotAfter: valid.NotAfter})
		}
		return out
	}

	cases := []struct {
		name    string
		state   tls.ConnectionState
		wantErr bool
	}{
		{
			name:  "valid leaf and short chain",
			state: tls.ConnectionState{ServerName: "api.forgekit.ai", PeerCertificates: []*x509.Certificate{valid}, VerifiedChains: [][]*x509.Certificate{chain(3)}},
		},
		{
			name:  "chain at the depth limit",
			state: tls.ConnectionState{ServerName: "api.forgekit.ai", PeerCertificates: []*x509.Certificate{valid}, VerifiedChains: [][]*x509.Certificate{chain(6)}},
		},
		{
			name:    "expired leaf",
			state:   tls.ConnectionState{ServerName: "api.forgekit.ai", PeerCertificates: []*x509.Certificate{expired}},
			wantErr: true,
		},
		{
			name:    "leaf not yet valid",
			state:   tls.ConnectionState{ServerName: "api.forgekit.ai", PeerCertificates: []*x509.Certificate{future}},
			wantErr: true,
		},
		{
			name:    "seven certificate chain",
			state:   tls.ConnectionState{ServerName: "api.forgekit.ai", PeerCertificates: []*x509.Certificate{valid}, VerifiedChains: [][]*x509.Certificate{chain(7)}},
			wantErr: true,
		},
		{
			name:  "shortest verified chain wins",
			state: tls.ConnectionState{ServerName: "api.forgekit.ai", PeerCertificates: []*x509.Certificate{valid}, VerifiedChains: [][]*x509.Certificate{chain(7), chain(2)}},
		},
		{
			name:    "server name outside allow-list",
			state:   tls.ConnectionState{ServerName: "api.evil.example", PeerCertificates: []*x509.Certificate{valid}},
			wantErr: true,
		},
		{
			name:    "no peer certificate",
			state:   tls.ConnectionState{ServerName: "api.forgekit.ai"},
			wantErr: true,
		},
	}

	verify := verifyConnection(NewHostPolicy([]string{"forgekit.ai"}), func() time.Time { return now })
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := verify(tc.state)
			if tc.wantErr {
				if Classify(err) != KindSecurity {
					t.Fatalf("expected security error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestTransportUsesHardenedTLSDefaults(t *testing.T) {
	transport := newTransport(NewHostPolicy(nil), nil, time.Now)
	cfg := transport.TLSClientConfig
	if cfg.MinVersion < tls.VersionTLS12 {
		t.Fatalf("expected TLS 1.2 minimum, got %x", cfg.MinVersion)
	}
	if len(cfg.CipherSuites) == 0 {
		t.Fatalf("expected a restricted cipher suite list")
	}
	if cfg.VerifyConnection == nil {
		t.Fatalf("expected connection verification hook")
	}
}

func TestClockDrivesCertificateValidity(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	late := srv.Certificate().NotAfter.Add(time.Hour)
	cli := newTestClient(t, srv, WithRootCAs(pool), WithClock(func() time.Time { return late }))

	err := cli.Get(context.Background(), "/", "", nil)
	if Classify(err) != KindSecurity {
		t.Fatalf("expected security error for a leaf past its validity window, got %v", err)
	}
	if Retryable(err) {
		t.Fatalf("security errors must not be retried")
	}
}
