package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var suspiciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)\bon\w+\s*=`),
	regexp.MustCompile(`(?i)eval\s*\(`),
}

// DeployRequest describes a bundle upload.
type DeployRequest struct {
	Token      string
	Slug       string
	BundlePath string
	Env        map[string]string
}

// Deployment is the API's answer to an upload.
type Deployment struct {
	URL     string `json:"url"`
	Slug    string `json:"slug,omitempty"`
	BuildID string `json:"buildId,omitempty"`
	Message string `json:"message,omitempty"`
}

// Deploy uploads a bundle as a new deployment.
func (c *Client) Deploy(ctx context.Context, in DeployRequest) (Deployment, error) {
	return c.upload(ctx, "/deploy_cli", in)
}

// Redeploy uploads a bundle replacing the deployment identified by slug.
func (c *Client) Redeploy(ctx context.Context, slug string, in DeployRequest) (Deployment, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return Deployment{}, fmt.Errorf("redeploy requires a slug")
	}
	return c.upload(ctx, "/redeploy/"+url.PathEscape(slug), in)
}

func (c *Client) upload(ctx context.Context, path string, in DeployRequest) (Deployment, error) {
	file, err := os.Open(in.BundlePath)
	if err != nil {
		return Deployment{}, fmt.Errorf("open bundle: %w", err)
	}
	defer file.Close()

	pr, pw := io.Pipe()
	defer pr.Close()
	form := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeDeployForm(form, file, in))
	}()

	req := request{
		method:      http.MethodPost,
		path:        path,
		token:       in.Token,
		body:        pr,
		contentType: form.FormDataContentType(),
		timeout:     c.uploadTimeout,
	}
	raw, err := c.do(ctx, req, nil)
	if err != nil {
		return Deployment{}, err
	}
	return c.validateDeploymentResponse(raw)
}

func writeDeployForm(form *multipart.Writer, bundle io.Reader, in DeployRequest) error {
	if err := form.WriteField("slug", in.Slug); err != nil {
		return err
	}
	if len(in.Env) > 0 {
		env, err := json.Marshal(in.Env)
		if err != nil {
			return fmt.Errorf("encode env: %w", err)
		}
		if err := form.WriteField("env", string(env)); err != nil {
			return err
		}
	}
	part, err := form.CreateFormFile("file", filepath.Base(in.BundlePath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, bundle); err != nil {
		return fmt.Errorf("stream bundle: %w", err)
	}
	return form.Close()
}

func (c *Client) validateDeploymentResponse(raw []byte) (Deployment, error) {
	var out Deployment
	if err := json.Unmarshal(raw, &out); err != nil {
		return Deployment{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if strings.TrimSpace(out.URL) == "" {
		return Deployment{}, fmt.Errorf("%w: missing required field url", ErrInvalidDeployment)
	}
	parsed, err := url.Parse(out.URL)
	if err != nil || parsed.Host == "" {
		return Deployment{}, fmt.Errorf("%w: malformed url %q", ErrInvalidDeployment, out.URL)
	}
	if parsed.Scheme != "https" && !isLocalHost(parsed.Host) {
		return Deployment{}, &SecurityError{Reason: "deployment url must use https", Host: parsed.Hostname()}
	}
	if pattern := findSuspicious(raw); pattern != "" {
		c.logger.Error("suspicious content in deployment response", "pattern", pattern)
		return Deployment{}, &SecurityError{Reason: "suspicious content detected in response"}
	}
	return out, nil
}

// findSuspicious scans the response with HTML escaping undone so encoded
// markup such as <script is caught too.
func findSuspicious(raw []byte) string {
	var generic any
	text := raw
	if err := json.Unmarshal(raw, &generic); err == nil {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(generic); err == nil {
			text = buf.Bytes()
		}
	}
	for _, p := range suspiciousPatterns {
		if p.Match(text) {
			return p.String()
		}
	}
	return ""
}
