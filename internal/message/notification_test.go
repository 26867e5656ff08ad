package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeValidCreate(t *testing.T) {
	body := []byte(`{
		"id": "r1",
		"name": "flood extent",
		"datatype_id": "dt1",
		"type": "create",
		"start_date": "2024-01-01T00:00:00Z",
		"end_date": "2024-01-02T00:00:00Z",
		"url": "https://example.org/a.geojson",
		"geometry": {"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}
	}`)

	n, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, "r1", n.ID)
	assert.Equal(t, FlexString("dt1"), n.DatatypeID)
	assert.Equal(t, TypeCreate, n.Type)
}

func TestDecodeNumericDatatype(t *testing.T) {
	body := []byte(`{
		"id": "r1", "datatype_id": 31105, "type": "delete"
	}`)
	n, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, FlexString("31105"), n.DatatypeID)
}

func TestDecodeRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"no id", `{"datatype_id":"dt1","type":"delete"}`, "id"},
		{"no type", `{"id":"r1","datatype_id":"dt1"}`, "type"},
		{"bad type", `{"id":"r1","datatype_id":"dt1","type":"upsert"}`, "not one of"},
		{"create without dates", `{"id":"r1","datatype_id":"dt1","type":"create"}`, "start_date"},
		{
			"create without geometry",
			`{"id":"r1","datatype_id":"dt1","type":"create",
			  "start_date":"2024-01-01T00:00:00Z","end_date":"2024-01-02T00:00:00Z"}`,
			"geometry",
		},
		{
			"end before start",
			`{"id":"r1","datatype_id":"dt1","type":"create",
			  "start_date":"2024-01-02T00:00:00Z","end_date":"2024-01-01T00:00:00Z",
			  "geometry":{"type":"Point","coordinates":[0,0]}}`,
			"precedes",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestDeleteNeedsNoGeometry(t *testing.T) {
	_, err := Decode([]byte(`{"id":"r1","datatype_id":"dt1","type":"delete"}`))
	assert.NoError(t, err)
}

func TestCreatedAtDefault(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	n := &Notification{}
	assert.Equal(t, now, n.CreatedAt(now))

	explicit := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	n.CreationDate = &explicit
	assert.Equal(t, explicit, n.CreatedAt(now))
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "notify.report.dt1", RoutingKey("notify.report", "dt1", ""))
	assert.Equal(t, "notify.report.dt1.req-9", RoutingKey("notify.report", "dt1", "req-9"))
}

func TestNewLayerReport(t *testing.T) {
	ok := NewLayerReport("dt1", "general", "dt1_r1", true, "")
	assert.Equal(t, ReportStatusOK, ok.StatusCode)
	assert.Equal(t, "general:dt1_r1", ok.Name)
	assert.Equal(t, "layer", ok.Type)
	assert.NotNil(t, ok.URLs)
	assert.NotNil(t, ok.Metadata)

	failed := NewLayerReport("dt1", "general", "dt1_r1", false, "store creation failed")
	assert.Equal(t, ReportStatusFailed, failed.StatusCode)
	assert.Equal(t, "store creation failed", failed.Message)
}
