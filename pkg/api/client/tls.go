package client

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/docker/go-connections/tlsconfig"
	"golang.org/x/net/publicsuffix"
)

const (
	maxChainDepth = 5
	maxRedirects  = 3
)

// HostPolicy decides which hosts the client may contact. A configured domain
// admits every host sharing its registrable domain (eTLD+1); loopback names
// are always admitted for local development.
type HostPolicy struct {
	families map[string]struct{}
}

// NewHostPolicy builds a policy from domain names such as "forgekit.ai".
func NewHostPolicy(domains []string) *HostPolicy {
	p := &HostPolicy{families: make(map[string]struct{}, len(domains))}
	for _, d := range domains {
		d = normalizeHost(d)
		if d == "" {
			continue
		}
		family, err := publicsuffix.EffectiveTLDPlusOne(d)
		if err != nil {
			continue
		}
		p.families[family] = struct{}{}
	}
	return p
}

// Allowed reports whether host may be contacted.
func (p *HostPolicy) Allowed(host string) bool {
	host = normalizeHost(host)
	if host == "" {
		return false
	}
	if isLoopbackHost(host) {
		return true
	}
	if p == nil || net.ParseIP(host) != nil {
		return false
	}
	family, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return false
	}
	_, ok := p.families[family]
	return ok
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	return strings.TrimSuffix(host, ".")
}

func isLoopbackHost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return strings.HasSuffix(host, ".localhost")
}

func isLocalHost(host string) bool {
	return isLoopbackHost(normalizeHost(host))
}

// newTransport clones the default transport with a hardened TLS config:
// TLS 1.2 or later, AEAD cipher suites only, plus the policy checks in
// verifyConnection.
func newTransport(policy *HostPolicy, roots *x509.CertPool, now func() time.Time) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsconfig.ClientDefault(func(cfg *tls.Config) {
		cfg.RootCAs = roots
		cfg.VerifyConnection = verifyConnection(policy, now)
	})
	return transport
}

// verifyConnection runs after the standard chain and hostname verification.
func verifyConnection(policy *HostPolicy, now func() time.Time) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if cs.ServerName != "" && !policy.Allowed(cs.ServerName) {
			return &SecurityError{Reason: "host not in allow-list", Host: cs.ServerName}
		}
		if len(cs.PeerCertificates) == 0 {
			return &SecurityError{Reason: "no peer certificate", Host: cs.ServerName}
		}
		leaf := cs.PeerCertificates[0]
		current := now()
		if current.Before(leaf.NotBefore) || current.After(leaf.NotAfter) {
			return &SecurityError{
				Reason: "certificate expired or not yet valid",
				Host:   cs.ServerName,
				Err:    fmt.Errorf("valid %s to %s", leaf.NotBefore.Format(time.RFC3339), leaf.NotAfter.Format(time.RFC3339)),
			}
		}
		if len(cs.VerifiedChains) == 0 {
			return nil
		}
		shortest := len(cs.VerifiedChains[0])
		for _, chain := range cs.VerifiedChains[1:] {
			if len(chain) < shortest {
				shortest = len(chain)
			}
		}
		// Depth counts issuers above the leaf.
		if shortest-1 > maxChainDepth {
			return &SecurityError{Reason: "certificate chain too long", Host: cs.ServerName}
		}
		return nil
	}
}

func checkRedirect(policy *HostPolicy) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return errors.New("stopped after 3 redirects")
		}
		if !policy.Allowed(req.URL.Host) {
			return &SecurityError{Reason: "redirect to host outside allow-list", Host: req.URL.Hostname()}
		}
		return nil
	}
}
