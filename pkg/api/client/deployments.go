package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"regexp"
)

// ErrInvalidSlug is returned for slugs that are not lowercase letters,
// digits and hyphens.
var ErrInvalidSlug = errors.New("invalid slug format: use only lowercase letters, numbers and hyphens")

var slugPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// ValidSlug reports whether slug can be used in a deployment path.
func ValidSlug(slug string) bool { return slugPattern.MatchString(slug) }

// DeploymentInfo is a deployment as the API reports it.
type DeploymentInfo struct {
	Slug      string `json:"slug"`
	Name      string `json:"name,omitempty"`
	URL       string `json:"url,omitempty"`
	Status    string `json:"status,omitempty"`
	Domain    string `json:"domain,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// DisplayName returns the slug, or the name when the slug is missing.
func (d DeploymentInfo) DisplayName() string {
	if d.Slug != "" {
		return d.Slug
	}
	return d.Name
}

// ListDeployments returns every deployment owned by the token's user.
func (c *Client) ListDeployments(ctx context.Context, token string) ([]DeploymentInfo, error) {
	var out struct {
		Deployments []DeploymentInfo `json:"deployments"`
	}
	if err := c.Get(ctx, "/deployments", token, &out); err != nil {
		return nil, err
	}
	return out.Deployments, nil
}

// GetDeployment fetches one deployment by slug.
func (c *Client) GetDeployment(ctx context.Context, token, slug string) (DeploymentInfo, error) {
	if !ValidSlug(slug) {
		return DeploymentInfo{}, ErrInvalidSlug
	}
	var out DeploymentInfo
	if err := c.Get(ctx, "/deployment/"+url.PathEscape(slug), token, &out); err != nil {
		return DeploymentInfo{}, err
	}
	if out.Slug == "" {
		out.Slug = slug
	}
	return out, nil
}

// DeleteDeployment removes a deployment. keepData preserves its volumes.
func (c *Client) DeleteDeployment(ctx context.Context, token, slug string, keepData bool) error {
	if !ValidSlug(slug) {
		return ErrInvalidSlug
	}
	path := "/deployment/" + url.PathEscape(slug)
	if keepData {
		path += "?keep_data=true"
	}
	return c.Delete(ctx, path, token, nil)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// IsConflict reports whether err is a 409 from the API.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}
