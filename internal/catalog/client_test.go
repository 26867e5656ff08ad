package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geogate/geogate/internal/config"
)

func testJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := tok.SignedString([]byte("test-signing-key"))
	require.NoError(t, err)
	return signed
}

func newTestClient(t *testing.T, catalogURL, oauthURL string) *Client {
	t.Helper()
	c := New(config.CatalogConfig{
		URL:        catalogURL,
		OAuthURL:   oauthURL,
		OAuthKey:   "api-key",
		OAuthAppID: "app-1",
		OAuthUser:  "ingest",
		OAuthPass:  "secret",
		Timeout:    5 * time.Second,
	})
	return c
}

func TestTokenExpiryMarginAndOpaqueFallback(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	got, err := tokenExpiry(testJWT(t, exp))
	require.NoError(t, err)
	assert.WithinDuration(t, exp.Add(-10*time.Minute), got, time.Second)

	// Opaque tokens have no readable claims; the caller falls back to a
	// short fixed life.
	_, err = tokenExpiry("not-a-jwt")
	require.Error(t, err)
}

func TestTokenRefreshAndReuse(t *testing.T) {
	var logins atomic.Int32
	oauth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		assert.Equal(t, "api-key", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]string{
			"token": testJWT(t, time.Now().Add(time.Hour)),
		})
	}))
	defer oauth.Close()

	catalog := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"url": "http://files/x"}})
	}))
	defer catalog.Close()

	c := newTestClient(t, catalog.URL, oauth.URL)
	ctx := context.Background()

	_, err := c.ResolveURL(ctx, "res-1")
	require.NoError(t, err)
	_, err = c.ResolveURL(ctx, "res-2")
	require.NoError(t, err)

	assert.Equal(t, int32(1), logins.Load(), "token must be reused while valid")
}

func TestTokenExpiryMargin(t *testing.T) {
	// exp is 5 minutes out, the margin is 10, so the cached token is
	// already considered stale and every call logs in again.
	var logins atomic.Int32
	oauth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		json.NewEncoder(w).Encode(map[string]string{
			"token": testJWT(t, time.Now().Add(5*time.Minute)),
		})
	}))
	defer oauth.Close()

	catalog := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"url": "http://files/x"}})
	}))
	defer catalog.Close()

	c := newTestClient(t, catalog.URL, oauth.URL)
	ctx := context.Background()

	_, err := c.ResolveURL(ctx, "res-1")
	require.NoError(t, err)
	_, err = c.ResolveURL(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), logins.Load())
}

func TestFetchRetriesOnceAfterAuthFailure(t *testing.T) {
	tokens := []string{"stale", "fresh"}
	var issued atomic.Int32
	oauth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := issued.Add(1) - 1
		json.NewEncoder(w).Encode(map[string]string{"token": tokens[i]})
	}))
	defer oauth.Close()

	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		io.WriteString(w, "payload-bytes")
	}))
	defer files.Close()

	c := newTestClient(t, "http://unused", oauth.URL)
	body, finalURL, status, err := c.Fetch(context.Background(), "res-1", files.URL+"/data.zip")
	require.NoError(t, err)
	defer body.Close()

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, files.URL+"/data.zip", finalURL)
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "payload-bytes", string(got))
	assert.Equal(t, int32(2), issued.Load())
}

func TestFetchResolvesURLFromID(t *testing.T) {
	oauth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token": testJWT(t, time.Now().Add(time.Hour))})
	}))
	defer oauth.Close()

	var mux http.ServeMux
	catalog := httptest.NewServer(&mux)
	defer catalog.Close()
	mux.HandleFunc("/api/3/action/resource_show", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "res-42", r.URL.Query().Get("id"))
		json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{"url": catalog.URL + "/download/res-42.geojson"},
		})
	})
	mux.HandleFunc("/download/res-42.geojson", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"type":"FeatureCollection","features":[]}`)
	})

	c := newTestClient(t, catalog.URL, oauth.URL)
	body, finalURL, status, err := c.Fetch(context.Background(), "res-42", "")
	require.NoError(t, err)
	defer body.Close()

	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, finalURL, "res-42.geojson")
}

func TestDeleteResourceRemovesEmptyDataset(t *testing.T) {
	oauth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token": testJWT(t, time.Now().Add(time.Hour))})
	}))
	defer oauth.Close()

	var resourceDeletes, datasetDeletes atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/3/action/resource_delete", func(w http.ResponseWriter, r *http.Request) {
		resourceDeletes.Add(1)
		fmt.Fprint(w, `{}`)
	})
	mux.HandleFunc("/api/3/action/package_show", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{"resources": []any{}},
		})
	})
	mux.HandleFunc("/api/3/action/package_delete", func(w http.ResponseWriter, r *http.Request) {
		datasetDeletes.Add(1)
		fmt.Fprint(w, `{}`)
	})
	catalog := httptest.NewServer(mux)
	defer catalog.Close()

	c := newTestClient(t, catalog.URL, oauth.URL)
	require.NoError(t, c.DeleteResource(context.Background(), "res-1", "meta-1"))
	assert.Equal(t, int32(1), resourceDeletes.Load())
	assert.Equal(t, int32(1), datasetDeletes.Load())
}

func TestDeleteResourceKeepsNonEmptyDataset(t *testing.T) {
	oauth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token": testJWT(t, time.Now().Add(time.Hour))})
	}))
	defer oauth.Close()

	var datasetDeletes atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/3/action/resource_delete", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	})
	mux.HandleFunc("/api/3/action/package_show", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{"resources": []any{map[string]any{"id": "other"}}},
		})
	})
	mux.HandleFunc("/api/3/action/package_delete", func(w http.ResponseWriter, r *http.Request) {
		datasetDeletes.Add(1)
		fmt.Fprint(w, `{}`)
	})
	catalog := httptest.NewServer(mux)
	defer catalog.Close()

	c := newTestClient(t, catalog.URL, oauth.URL)
	require.NoError(t, c.DeleteResource(context.Background(), "res-1", "meta-1"))
	assert.Equal(t, int32(0), datasetDeletes.Load())
}
