package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeBundle(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bundle.tar.gz")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	return path
}

func TestDeployStreamsMultipartForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/deploy_cli" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Content-Integrity") != "" {
			t.Errorf("multipart uploads must not carry an integrity header")
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
			return
		}
		if got := r.FormValue("slug"); got != "my-app" {
			t.Errorf("unexpected slug %q", got)
		}
		var env map[string]string
		if err := json.Unmarshal([]byte(r.FormValue("env")), &env); err != nil || env["API_KEY"] != "k" {
			t.Errorf("unexpected env %q", r.FormValue("env"))
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if string(data) != "archive-bytes" || header.Filename != "bundle.tar.gz" {
			t.Errorf("unexpected file %q (%s)", data, header.Filename)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"url":"https://my-app.forgekit.ai","slug":"my-app","buildId":"b-1"}`)
	}))
	defer srv.Close()

	cli := newTestClient(t, srv)
	dep, err := cli.Deploy(context.Background(), DeployRequest{
		Token:      "tok",
		Slug:       "my-app",
		BundlePath: writeBundle(t, "archive-bytes"),
		Env:        map[string]string{"API_KEY": "k"},
	})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if dep.URL != "https://my-app.forgekit.ai" || dep.Slug != "my-app" || dep.BuildID != "b-1" {
		t.Fatalf("unexpected deployment %+v", dep)
	}
}

func TestRedeployUsesSlugEndpoint(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_, _ = io.Copy(io.Discard, r.Body)
		_, _ = io.WriteString(w, `{"url":"https://my-app.forgekit.ai"}`)
	}))
	defer srv.Close()

	cli := newTestClient(t, srv)
	if _, err := cli.Redeploy(context.Background(), "my-app", DeployRequest{BundlePath: writeBundle(t, "x")}); err != nil {
		t.Fatalf("redeploy: %v", err)
	}
	if path != "/redeploy/my-app" {
		t.Fatalf("unexpected path %s", path)
	}
}

func TestDeploymentResponseValidation(t *testing.T) {
	cases := []struct {
		name     string
		body     string
		security bool
	}{
		{name: "missing url", body: `{"slug":"x"}`},
		{name: "plain http", body: `{"url":"http://my-app.example.com"}`, security: true},
		{name: "script", body: `{"url":"https://a.forgekit.ai","message":"<script>alert(1)</script>"}`, security: true},
		{name: "handler attribute", body: `{"url":"https://a.forgekit.ai","message":"<img onerror=x>"}`, security: true},
		{name: "eval", body: `{"url":"https://a.forgekit.ai","message":"eval (payload)"}`, security: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.Copy(io.Discard, r.Body)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv).Deploy(context.Background(), DeployRequest{BundlePath: writeBundle(t, "x")})
			if err == nil {
				t.Fatalf("expected rejection")
			}
			var secErr *SecurityError
			if tc.security != errors.As(err, &secErr) {
				t.Fatalf("security classification mismatch: %v", err)
			}
		})
	}
}

func TestLocalhostDeploymentURLAllowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		_, _ = io.WriteString(w, `{"url":"http://localhost:8080/app?session=1"}`)
	}))
	defer srv.Close()

	if _, err := newTestClient(t, srv).Deploy(context.Background(), DeployRequest{BundlePath: writeBundle(t, "x")}); err != nil {
		t.Fatalf("deploy: %v", err)
	}
}

func TestDeployMissingBundle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("request should not be sent")
	}))
	defer srv.Close()

	if _, err := newTestClient(t, srv).Deploy(context.Background(), DeployRequest{BundlePath: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Fatalf("expected missing bundle error")
	}
}
