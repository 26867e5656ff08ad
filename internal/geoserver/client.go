// Package geoserver is the REST adapter for the geospatial serving backend.
// It exposes the primitive calls the publication stage composes: workspace
// and store management, layer publication, time dimensions, styles and
// deletion. Orchestration and outcome bookkeeping live in internal/publish.
package geoserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/geogate/geogate/internal/config"
	"github.com/geogate/geogate/internal/log"
)

// Client talks to the serving backend's REST API with basic auth.
type Client struct {
	baseURL string
	user    string
	pass    string
	db      config.DatabaseConfig
	http    *http.Client
	logger  *slog.Logger
}

// New builds a serving-backend client. The database config is needed so
// vector stores can point the backend at the shared relational store.
func New(cfg config.ServingConfig, db config.DatabaseConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		user:    cfg.User,
		pass:    cfg.Password,
		db:      db,
		http:    &http.Client{Timeout: timeout},
		logger:  log.WithComponent("geoserver"),
	}
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	req.SetBasicAuth(c.user, c.pass)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, respBody, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("encode payload for %s: %w", path, err)
	}
	return c.do(ctx, method, path, "application/json", body)
}

func restErr(op string, status int, body []byte) error {
	return fmt.Errorf("%s returned %d: %s", op, status, strings.TrimSpace(string(body)))
}

// EnsureWorkspace creates the workspace if it does not exist yet.
func (c *Client) EnsureWorkspace(ctx context.Context, workspace string) error {
	status, _, err := c.do(ctx, http.MethodGet, "/rest/workspaces/"+workspace+".json", "", nil)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		return nil
	}
	c.logger.Info("Creating workspace", "workspace", workspace)
	payload := map[string]any{"workspace": map[string]string{"name": workspace}}
	status, body, err := c.doJSON(ctx, http.MethodPost, "/rest/workspaces", payload)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return restErr("create workspace "+workspace, status, body)
	}
	return nil
}

// EnsureFeatureStore creates the vector store backed by the shared
// relational database if the workspace does not have it yet.
func (c *Client) EnsureFeatureStore(ctx context.Context, workspace, storeName string) error {
	path := fmt.Sprintf("/rest/workspaces/%s/datastores/%s.json", workspace, storeName)
	status, _, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		return nil
	}
	c.logger.Info("Creating feature store", "workspace", workspace, "store", storeName)
	payload := map[string]any{
		"dataStore": map[string]any{
			"name": storeName,
			"connectionParameters": map[string]any{
				"entry": []map[string]string{
					{"@key": "host", "$": c.db.Host},
					{"@key": "port", "$": fmt.Sprintf("%d", c.db.Port)},
					{"@key": "database", "$": c.db.Name},
					{"@key": "user", "$": c.db.User},
					{"@key": "passwd", "$": c.db.Password},
					{"@key": "dbtype", "$": "postgis"},
					{"@key": "schema", "$": "public"},
				},
			},
		},
	}
	status, body, err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/rest/workspaces/%s/datastores", workspace), payload)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return restErr("create feature store "+storeName, status, body)
	}
	return nil
}

// PublishFeatureType publishes a database table as a vector layer.
func (c *Client) PublishFeatureType(ctx context.Context, workspace, storeName, table, title string) error {
	if title == "" {
		title = table
	}
	payload := map[string]any{
		"featureType": map[string]any{
			"name":       table,
			"nativeName": table,
			"title":      title,
			"srs":        "EPSG:4326",
			"enabled":    true,
		},
	}
	path := fmt.Sprintf("/rest/workspaces/%s/datastores/%s/featuretypes", workspace, storeName)
	status, body, err := c.doJSON(ctx, http.MethodPost, path, payload)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return restErr("publish feature type "+table, status, body)
	}
	return nil
}

// SetFeatureTimeDimension enables the TIME dimension on a published
// vector layer using the given attribute.
func (c *Client) SetFeatureTimeDimension(ctx context.Context, workspace, featureType, title, timeAttribute string) error {
	if timeAttribute == "" {
		return fmt.Errorf("layer %s has a time dimension but no time attribute configured", featureType)
	}
	if title == "" {
		title = featureType
	}
	payload := map[string]any{
		"featureType": map[string]any{
			"name":       featureType,
			"nativeName": featureType,
			"title":      title,
			"enabled":    true,
			"metadata": map[string]any{
				"entry": []map[string]any{
					{
						"@key": "time",
						"dimensionInfo": map[string]any{
							"enabled":      true,
							"attribute":    timeAttribute,
							"presentation": "LIST",
							"units":        "ISO8601",
							"defaultValue": "",
						},
					},
				},
			},
		},
	}
	path := fmt.Sprintf("/rest/workspaces/%s/featuretypes/%s.json", workspace, featureType)
	status, body, err := c.doJSON(ctx, http.MethodPut, path, payload)
	if err != nil {
		return err
	}
	if status/100 != 2 {
		return restErr("set time dimension on "+featureType, status, body)
	}
	return nil
}

// CreateGeoTiffStore registers an on-disk GeoTIFF as an external coverage
// store and publishes a coverage for it. nativeName is the file stem.
func (c *Client) CreateGeoTiffStore(ctx context.Context, workspace, storeName, title, location, nativeName string) error {
	path := fmt.Sprintf("/rest/workspaces/%s/coveragestores/%s/external.geotiff?configure=none", workspace, storeName)
	status, body, err := c.do(ctx, http.MethodPut, path, "text/plain", []byte("file:"+location))
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return restErr("create coverage store "+storeName, status, body)
	}

	if title == "" {
		title = storeName
	}
	payload := map[string]any{
		"coverage": map[string]any{
			"nativeName":         storeName,
			"title":              title,
			"nativeCoverageName": nativeName,
		},
	}
	status, body, err = c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/rest/workspaces/%s/coveragestores/%s/coverages", workspace, storeName), payload)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return restErr("publish coverage for "+storeName, status, body)
	}
	return nil
}

// CreateMosaicStore registers a directory of rasters as an image mosaic
// store and publishes its coverage.
func (c *Client) CreateMosaicStore(ctx context.Context, workspace, storeName, title, location string) error {
	payload := map[string]any{
		"coverageStore": map[string]any{
			"enabled":   true,
			"type":      "ImageMosaic",
			"workspace": workspace,
			"name":      storeName,
			"url":       "file:" + location,
		},
	}
	status, body, err := c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/rest/workspaces/%s/coveragestores", workspace), payload)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return restErr("create mosaic store "+storeName, status, body)
	}
	return nil
}

// PublishMosaicCoverage publishes the coverage of an existing mosaic store.
func (c *Client) PublishMosaicCoverage(ctx context.Context, workspace, storeName, title string) error {
	if title == "" {
		title = storeName
	}
	payload := map[string]any{
		"coverage": map[string]any{
			"name":         storeName,
			"title":        title,
			"nativeFormat": "ImageMosaic",
		},
	}
	status, body, err := c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/rest/workspaces/%s/coveragestores/%s/coverages", workspace, storeName), payload)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return restErr("publish mosaic coverage "+storeName, status, body)
	}
	return nil
}

// CreateNetCDFStore registers a NetCDF file as a coverage store without
// publishing any coverage. Variables are published one by one with
// PublishNetCDFVariable.
func (c *Client) CreateNetCDFStore(ctx context.Context, workspace, storeName, location string) error {
	payload := map[string]any{
		"coverageStore": map[string]any{
			"enabled":   true,
			"type":      "NetCDF",
			"workspace": workspace,
			"name":      storeName,
			"url":       "file:" + location,
		},
	}
	status, body, err := c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/rest/workspaces/%s/coveragestores", workspace), payload)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return restErr("create netcdf store "+storeName, status, body)
	}
	return nil
}

// PublishNetCDFVariable publishes one variable of a NetCDF store as a
// coverage named {rename}_{native}_{store}, optionally with a TIME
// dimension.
func (c *Client) PublishNetCDFVariable(ctx context.Context, workspace, storeName, title, native, rename string, withTime bool) (string, error) {
	coverageName := fmt.Sprintf("%s_%s_%s", rename, native, storeName)
	coverage := map[string]any{
		"name":               coverageName,
		"title":              fmt.Sprintf("%s %s", native, title),
		"nativeCoverageName": native,
		"dimensions": map[string]any{
			"coverageDimension": map[string]any{
				"name":          native,
				"description":   "GridSampleDimension[-Infinity,Infinity]",
				"range":         map[string]string{"min": "-inf", "max": "inf"},
				"dimensionType": map[string]string{"name": "REAL_32BITS"},
			},
		},
	}
	if withTime {
		coverage["metadata"] = map[string]any{
			"entry": []map[string]any{
				{
					"@key": "time",
					"dimensionInfo": map[string]any{
						"enabled":      true,
						"presentation": "LIST",
						"units":        "ISO8601",
						"defaultValue": "",
					},
				},
			},
		}
	}
	status, body, err := c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/rest/workspaces/%s/coveragestores/%s/coverages", workspace, storeName),
		map[string]any{"coverage": coverage})
	if err != nil {
		return coverageName, err
	}
	if status != http.StatusCreated {
		return coverageName, restErr("publish netcdf variable "+native, status, body)
	}
	if withTime {
		if err := c.configureTileCacheTime(ctx, workspace, coverageName); err != nil {
			c.logger.Warn("Tile cache TIME parameter not applied", "layer", coverageName, "error", err)
		}
	}
	return coverageName, nil
}

// configureTileCacheTime teaches the tile cache to pass the TIME request
// parameter through for a layer.
func (c *Client) configureTileCacheTime(ctx context.Context, workspace, coverageName string) error {
	qualified := workspace + ":" + coverageName
	payload := map[string]any{
		"GeoServerLayer": map[string]any{
			"enabled":         true,
			"inMemoryCached":  true,
			"name":            qualified,
			"mimeFormats":     map[string]any{"string": []string{"image/png", "image/jpeg"}},
			"gridSubsets":     map[string]any{"gridSubset": []map[string]string{{"gridSetName": "EPSG:4326"}, {"gridSetName": "EPSG:900913"}}},
			"metaWidthHeight": map[string]any{"int": []string{"4", "4"}},
			"expireCache":     "0",
			"expireClients":   "0",
			"parameterFilters": map[string]any{
				"regexParameterFilter": map[string]any{
					"regex":        `[0-9]{4}-[0-9]{2}-[0-9]{2}T[0-9]{2}:[0-9]{2}:[0-9]{2}.[0-9]+Z`,
					"defaultValue": "",
					"normalize":    map[string]string{"locale": ""},
					"key":          "TIME",
				},
				"styleParameterFilter": map[string]string{"key": "STYLES", "defaultValue": ""},
			},
			"gutter": "0",
		},
	}
	status, body, err := c.doJSON(ctx, http.MethodPost, "/gwc/rest/layers/"+qualified, payload)
	if err != nil {
		return err
	}
	if status/100 != 2 {
		return restErr("configure tile cache for "+qualified, status, body)
	}
	return nil
}

// ApplyCoverageParams sets read parameters on a coverage, such as
// AllowMultithreading or SUGGESTED_TILE_SIZE.
func (c *Client) ApplyCoverageParams(ctx context.Context, workspace, storeName string, params map[string]string) error {
	if len(params) == 0 {
		return nil
	}
	entries := make([]map[string]any, 0, len(params))
	for k, v := range params {
		entries = append(entries, map[string]any{"string": []string{k, v}})
	}
	payload := map[string]any{
		"coverage": map[string]any{
			"name":       storeName,
			"parameters": map[string]any{"entry": entries},
		},
	}
	path := fmt.Sprintf("/rest/workspaces/%s/coveragestores/%s/coverages/%s.json", workspace, storeName, storeName)
	status, body, err := c.doJSON(ctx, http.MethodPut, path, payload)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return restErr("apply params to "+storeName, status, body)
	}
	return nil
}

// ApplyStyle sets a layer's default style.
func (c *Client) ApplyStyle(ctx context.Context, workspace, layerName, style string) error {
	payload := map[string]any{
		"layer": map[string]any{
			"defaultStyle": map[string]string{"name": style},
		},
	}
	status, body, err := c.doJSON(ctx, http.MethodPut,
		fmt.Sprintf("/rest/layers/%s:%s", workspace, layerName), payload)
	if err != nil {
		return err
	}
	if status/100 != 2 {
		return restErr("apply style "+style+" to "+layerName, status, body)
	}
	return nil
}

// DeleteLayer removes a published layer.
func (c *Client) DeleteLayer(ctx context.Context, workspace, layerName string) error {
	status, body, err := c.do(ctx, http.MethodDelete,
		fmt.Sprintf("/rest/layers/%s:%s?recurse=true", workspace, layerName), "", nil)
	if err != nil {
		return err
	}
	if status/100 != 2 && status != http.StatusNotFound {
		return restErr("delete layer "+layerName, status, body)
	}
	return nil
}

// DeleteCoverageStore removes a coverage store and everything under it.
func (c *Client) DeleteCoverageStore(ctx context.Context, workspace, storeName string) error {
	status, body, err := c.do(ctx, http.MethodDelete,
		fmt.Sprintf("/rest/workspaces/%s/coveragestores/%s?recurse=true&purge=all", workspace, storeName), "", nil)
	if err != nil {
		return err
	}
	if status/100 != 2 && status != http.StatusNotFound {
		return restErr("delete coverage store "+storeName, status, body)
	}
	return nil
}
