// Package catalog is the thin adapter for the data-catalog and its OAuth
// login endpoint. Only the call contract the pipeline needs lives here.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/geogate/geogate/internal/config"
	"github.com/geogate/geogate/internal/log"
)

// Client talks to the data-catalog. It caches the access token and
// refreshes it shortly before expiry.
type Client struct {
	cfg    config.CatalogConfig
	http   *http.Client
	logger *slog.Logger

	token       string
	tokenExpiry time.Time
	now         func() time.Time
}

// New builds a catalog client.
func New(cfg config.CatalogConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		logger: log.WithComponent("catalog"),
		now:    time.Now,
	}
}

type loginResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

// refreshToken obtains a new access token from the auth endpoint.
func (c *Client) refreshToken(ctx context.Context) error {
	body, _ := json.Marshal(map[string]any{
		"loginId":       c.cfg.OAuthUser,
		"password":      c.cfg.OAuthPass,
		"applicationId": c.cfg.OAuthAppID,
		"noJWT":         false,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.OAuthURL+"/api/login", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Authorization", c.cfg.OAuthKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("catalog login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("catalog login returned %d", resp.StatusCode)
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}

	expiry, err := tokenExpiry(lr.Token)
	if err != nil {
		// Tokens without a readable exp claim get a short fixed life.
		expiry = c.now().Add(5 * time.Minute)
	}
	c.token = lr.Token
	c.tokenExpiry = expiry
	c.logger.Debug("Access token refreshed", "expires", expiry)
	return nil
}

// tokenExpiry reads the JWT exp claim and subtracts a ten-minute margin.
// The signature is the auth server's business, so the claims are read
// without verification.
func tokenExpiry(token string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("token has no exp claim")
	}
	return claims.ExpiresAt.UTC().Add(-10 * time.Minute), nil
}

func (c *Client) ensureToken(ctx context.Context) error {
	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return nil
	}
	return c.refreshToken(ctx)
}

func (c *Client) authedGet(ctx context.Context, rawURL string, params url.Values) (*http.Response, error) {
	u := rawURL
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build catalog request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return c.http.Do(req)
}

// ResolveURL looks up the download URL for a resource id.
func (c *Client) ResolveURL(ctx context.Context, resourceID string) (string, error) {
	if err := c.ensureToken(ctx); err != nil {
		return "", err
	}
	resp, err := c.authedGet(ctx, c.cfg.URL+"/api/3/action/resource_show", url.Values{"id": {resourceID}})
	if err != nil {
		return "", fmt.Errorf("resolve resource %s: %w", resourceID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("resource_show for %s returned %d", resourceID, resp.StatusCode)
	}

	var out struct {
		Result struct {
			URL string `json:"url"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode resource_show response: %w", err)
	}
	if out.Result.URL == "" {
		return "", fmt.Errorf("resource %s has no url", resourceID)
	}
	return out.Result.URL, nil
}

// Fetch downloads a resource, resolving the URL from the id when absent.
// An auth failure is retried once after a forced token refresh. The caller
// owns the returned body. The final URL drives extension classification.
func (c *Client) Fetch(ctx context.Context, resourceID, resourceURL string) (io.ReadCloser, string, int, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, "", 0, err
	}

	body, finalURL, status, err := c.fetchOnce(ctx, resourceID, resourceURL)
	if err == nil && (status == http.StatusUnauthorized || status == http.StatusForbidden) {
		body.Close()
		if err := c.refreshToken(ctx); err != nil {
			return nil, "", 0, err
		}
		return c.fetchOnce(ctx, resourceID, resourceURL)
	}
	return body, finalURL, status, err
}

func (c *Client) fetchOnce(ctx context.Context, resourceID, resourceURL string) (io.ReadCloser, string, int, error) {
	var err error
	if resourceURL == "" {
		resourceURL, err = c.ResolveURL(ctx, resourceID)
		if err != nil {
			return nil, "", 0, err
		}
	}
	c.logger.Info("Downloading resource", "url", resourceURL)
	resp, err := c.authedGet(ctx, resourceURL, nil)
	if err != nil {
		return nil, "", 0, fmt.Errorf("download %s: %w", resourceURL, err)
	}
	return resp.Body, resourceURL, resp.StatusCode, nil
}

// Metadata fetches a dataset's metadata document by id.
func (c *Client) Metadata(ctx context.Context, metadataID string) (map[string]any, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}
	resp, err := c.authedGet(ctx, c.cfg.URL+"/api/3/action/package_show",
		url.Values{"id": {metadataID}, "include_private": {"true"}})
	if err != nil {
		return nil, fmt.Errorf("fetch metadata %s: %w", metadataID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("package_show for %s returned %d", metadataID, resp.StatusCode)
	}
	var out struct {
		Result map[string]any `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode metadata response: %w", err)
	}
	return out.Result, nil
}

func (c *Client) authedPost(ctx context.Context, rawURL string, payload any) (*http.Response, error) {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build catalog request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

// DeleteResource removes a resource from the catalog and, when its dataset
// has no resources left, removes the dataset too.
func (c *Client) DeleteResource(ctx context.Context, resourceID, metadataID string) error {
	if err := c.ensureToken(ctx); err != nil {
		return err
	}
	resp, err := c.authedPost(ctx, c.cfg.URL+"/api/3/action/resource_delete", map[string]string{"id": resourceID})
	if err != nil {
		return fmt.Errorf("delete resource %s: %w", resourceID, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("resource_delete for %s returned %d", resourceID, resp.StatusCode)
	}

	if metadataID == "" {
		return nil
	}
	meta, err := c.Metadata(ctx, metadataID)
	if err != nil {
		return err
	}
	if resources, ok := meta["resources"].([]any); ok && len(resources) > 0 {
		return nil
	}
	c.logger.Info("Dataset empty after resource delete, removing it", "metadata_id", metadataID)
	return c.DeleteDataset(ctx, metadataID)
}

// DeleteDataset removes a dataset document from the catalog.
func (c *Client) DeleteDataset(ctx context.Context, metadataID string) error {
	if err := c.ensureToken(ctx); err != nil {
		return err
	}
	resp, err := c.authedPost(ctx, c.cfg.URL+"/api/3/action/package_delete", map[string]string{"id": metadataID})
	if err != nil {
		return fmt.Errorf("delete dataset %s: %w", metadataID, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("package_delete for %s returned %d", metadataID, resp.StatusCode)
	}
	return nil
}
