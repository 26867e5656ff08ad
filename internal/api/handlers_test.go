package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geogate/geogate/internal/config"
	"github.com/geogate/geogate/internal/events"
	"github.com/geogate/geogate/internal/model"
	"github.com/geogate/geogate/internal/repo"
)

type fakeLister struct {
	lastFilter repo.Filter
	records    []model.ResourceRecord
	err        error
}

func (f *fakeLister) Resources(_ context.Context, filter repo.Filter) ([]model.ResourceRecord, error) {
	f.lastFilter = filter
	return f.records, f.err
}

type fakeRetirer struct {
	retired []model.ResourceRecord
}

func (f *fakeRetirer) Retire(_ context.Context, records []model.ResourceRecord) {
	f.retired = append(f.retired, records...)
}

type fakeCatalog struct {
	calls []string // "resource/metadata"
	err   error
}

func (f *fakeCatalog) DeleteResource(_ context.Context, resourceID, metadataID string) error {
	f.calls = append(f.calls, resourceID+"/"+metadataID)
	return f.err
}

func newTestServer(cfg config.APIConfig, lister *fakeLister, retirer *fakeRetirer, catalog *fakeCatalog) *httptest.Server {
	hub := events.NewHub(16)
	hub.Publish(events.TypeLayerPublished, events.LayerEvent{Workspace: "general", Layer: "31106_res-1"})
	hub.Publish(events.TypeResourceRetired, events.ResourceEvent{Workspace: "general", ResourceID: "res-0"})

	var deleter CatalogDeleter
	if catalog != nil {
		deleter = catalog
	}
	srv := New(cfg, lister, retirer, deleter, hub, func() string { return "consuming" })
	return httptest.NewServer(srv.routes())
}

func sampleRecord(id int64, resourceID string) model.ResourceRecord {
	return model.ResourceRecord{
		ID:         id,
		DatatypeID: "31106",
		Workspace:  "general",
		StoreName:  "postgis_db",
		LayerName:  "31106_" + resourceID,
		ResourceID: resourceID,
		MetadataID: "meta-9",
		CreatedAt:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Start:      time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		Timestamps: "2026-03-01T00:00:00.000Z",
	}
}

func TestHealthzReportsBrokerState(t *testing.T) {
	ts := newTestServer(config.APIConfig{}, &fakeLister{}, &fakeRetirer{}, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body healthzResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "consuming", body.BrokerState)
}

func TestListResourcesFilterParsing(t *testing.T) {
	lister := &fakeLister{records: []model.ResourceRecord{sampleRecord(1, "res-1")}}
	ts := newTestServer(config.APIConfig{}, lister, &fakeRetirer{}, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/resources?workspace=coastal&datatype_id=31106,31110&dest_org=org-a&bbox=-10,35,5,45&include_deleted=true")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	f := lister.lastFilter
	assert.Equal(t, "coastal", f.Workspace)
	assert.Equal(t, []string{"31106", "31110"}, f.DatatypeIDs)
	assert.Equal(t, []string{"org-a"}, f.DestOrgs)
	assert.True(t, f.IncludeDeleted)
	require.NotNil(t, f.BBox)
	assert.Equal(t, -10.0, f.BBox.Min[0])
	assert.Equal(t, 45.0, f.BBox.Max[1])

	var body resourceListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "31106_res-1", body.Resources[0].LayerName)
	assert.Equal(t, []string{"2026-03-01T00:00:00.000Z"}, body.Resources[0].Timestamps)
}

func TestListResourcesRejectsBadBBox(t *testing.T) {
	ts := newTestServer(config.APIConfig{}, &fakeLister{}, &fakeRetirer{}, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/resources?bbox=1,2,3")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteResourceRetiresAndPropagates(t *testing.T) {
	lister := &fakeLister{records: []model.ResourceRecord{sampleRecord(1, "res-1"), sampleRecord(2, "res-1")}}
	retirer := &fakeRetirer{}
	catalog := &fakeCatalog{}
	ts := newTestServer(config.APIConfig{}, lister, retirer, catalog)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/resources/res-1", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body deleteResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 2, body.Retired)
	assert.Empty(t, body.CatalogError)
	assert.Len(t, retirer.retired, 2)
	assert.Equal(t, []string{"res-1/meta-9"}, catalog.calls)
}

func TestDeleteResourceCatalogFailureIsReported(t *testing.T) {
	lister := &fakeLister{records: []model.ResourceRecord{sampleRecord(1, "res-1")}}
	catalog := &fakeCatalog{err: errors.New("catalog unreachable")}
	ts := newTestServer(config.APIConfig{}, lister, &fakeRetirer{}, catalog)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/resources/res-1", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body deleteResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Retired)
	assert.Contains(t, body.CatalogError, "unreachable")
}

func TestDeleteResourceLocalSkipsCatalog(t *testing.T) {
	lister := &fakeLister{records: []model.ResourceRecord{sampleRecord(1, "res-1")}}
	catalog := &fakeCatalog{}
	ts := newTestServer(config.APIConfig{}, lister, &fakeRetirer{}, catalog)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/resources/res-1?local=true", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, catalog.calls)
}

func TestDeleteResourceNotFound(t *testing.T) {
	ts := newTestServer(config.APIConfig{}, &fakeLister{}, &fakeRetirer{}, nil)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/resources/res-gone", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteRequiresTokenWhenConfigured(t *testing.T) {
	lister := &fakeLister{records: []model.ResourceRecord{sampleRecord(1, "res-1")}}
	retirer := &fakeRetirer{}
	ts := newTestServer(config.APIConfig{Token: "s3cret"}, lister, retirer, nil)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/resources/res-1", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, retirer.retired)

	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, retirer.retired, 1)
}

func TestEventsSince(t *testing.T) {
	ts := newTestServer(config.APIConfig{}, &fakeLister{}, &fakeRetirer{}, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/events")
	require.NoError(t, err)
	var all struct {
		Events []events.Event `json:"events"`
		Count  int            `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&all))
	resp.Body.Close()
	require.Equal(t, 2, all.Count)

	resp, err = http.Get(ts.URL + "/events?since=1")
	require.NoError(t, err)
	var tail struct {
		Events []events.Event `json:"events"`
		Count  int            `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tail))
	resp.Body.Close()
	require.Equal(t, 1, tail.Count)
	assert.Equal(t, events.TypeResourceRetired, tail.Events[0].Type)
}
