package report

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geogate/geogate/internal/broker"
	"github.com/geogate/geogate/internal/config"
	"github.com/geogate/geogate/internal/model"
)

type fakePublisher struct {
	key        string
	connectErr error
	published  []published
	closed     bool
}

type published struct {
	key  string
	body []byte
	opts broker.PublishOptions
}

func (f *fakePublisher) Connect() error { return f.connectErr }

func (f *fakePublisher) Publish(_ context.Context, body []byte, opts broker.PublishOptions) error {
	f.published = append(f.published, published{key: f.key, body: body, opts: opts})
	return nil
}

func (f *fakePublisher) Close() error {
	f.closed = true
	return nil
}

type producerLog struct {
	producers []*fakePublisher
	failKeys  map[string]error
}

func (p *producerLog) new(key string) Publisher {
	fp := &fakePublisher{key: key}
	if p.failKeys != nil {
		fp.connectErr = p.failKeys[key]
	}
	p.producers = append(p.producers, fp)
	return fp
}

func (p *producerLog) allPublished() []published {
	var out []published
	for _, fp := range p.producers {
		out = append(out, fp.published...)
	}
	return out
}

func newStage(plog *producerLog) *Stage {
	s := New(config.BrokerConfig{User: "importer", ReportRoutingPrefix: "import.status"})
	s.newProducer = plog.new
	s.now = func() time.Time { return time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC) }
	return s
}

func rec(layer, requestCode string) model.ResourceRecord {
	return model.ResourceRecord{
		Workspace:   "ada",
		LayerName:   layer,
		RequestCode: requestCode,
	}
}

func TestSendReusesProducerPerRoutingKey(t *testing.T) {
	plog := &producerLog{}
	stage := newStage(plog)

	records := []model.ResourceRecord{rec("31105_res-1", ""), rec("31105_res-2", "")}
	outcomes := []model.PublicationOutcome{
		{OriginalName: "31105_res-1", LayerName: "31105_res-1", DatatypeID: "31105"},
		{OriginalName: "31105_res-2", LayerName: "31105_res-2", DatatypeID: "31105"},
	}

	stage.Send(context.Background(), records, outcomes)

	require.Len(t, plog.producers, 1, "same destination must reuse the producer")
	assert.Len(t, plog.producers[0].published, 2)
	assert.True(t, plog.producers[0].closed)
}

func TestSendTearsDownOnDestinationChange(t *testing.T) {
	plog := &producerLog{}
	stage := newStage(plog)

	records := []model.ResourceRecord{rec("31105_res-1", ""), rec("31106_res-2", "req.7")}
	outcomes := []model.PublicationOutcome{
		{OriginalName: "31105_res-1", LayerName: "31105_res-1", DatatypeID: "31105"},
		{OriginalName: "31106_res-2", LayerName: "31106_res-2", DatatypeID: "31106"},
	}

	stage.Send(context.Background(), records, outcomes)

	require.Len(t, plog.producers, 2)
	assert.Equal(t, "import.status.31105", plog.producers[0].key)
	assert.Equal(t, "import.status.31106.req.7", plog.producers[1].key)
	assert.True(t, plog.producers[0].closed, "first producer torn down on key change")

	// without a request code a generated id still tags the message
	assert.NotEmpty(t, plog.producers[0].published[0].opts.MessageID)

	// request code tail becomes the message id
	opts := plog.producers[1].published[0].opts
	assert.Equal(t, "7", opts.MessageID)
	assert.Equal(t, "geogate", opts.AppID)
	assert.Equal(t, "importer", opts.UserID)
}

func TestSendSkipsContainerOutcomes(t *testing.T) {
	plog := &producerLog{}
	stage := newStage(plog)

	records := []model.ResourceRecord{rec("31105_res-3", "")}
	outcomes := []model.PublicationOutcome{
		{OriginalName: "31105_res-3", LayerName: "31105_res-3", DatatypeID: "31105", IsContainer: true},
		{OriginalName: "31105_res-3", LayerName: "31105_res-3", DatatypeID: "31105"},
	}

	stage.Send(context.Background(), records, outcomes)
	assert.Len(t, plog.allPublished(), 1)
}

func TestSendReportBodies(t *testing.T) {
	plog := &producerLog{}
	stage := newStage(plog)

	records := []model.ResourceRecord{rec("31105_res-4", "")}
	outcomes := []model.PublicationOutcome{
		{OriginalName: "31105_res-4", LayerName: "31105_res-4", DatatypeID: "31105", Failure: "store unreachable"},
	}

	stage.Send(context.Background(), records, outcomes)
	published := plog.allPublished()
	require.Len(t, published, 1)

	var body map[string]any
	require.NoError(t, json.Unmarshal(published[0].body, &body))
	assert.Equal(t, float64(500), body["status_code"])
	assert.Equal(t, "ada:31105_res-4", body["name"])
	assert.Equal(t, "store unreachable", body["message"])
	assert.Equal(t, "layer", body["type"])
}

func TestSendConnectFailureDoesNotAbortOthers(t *testing.T) {
	plog := &producerLog{failKeys: map[string]error{
		"import.status.31105": errors.New("destination down"),
	}}
	stage := newStage(plog)

	records := []model.ResourceRecord{rec("31105_res-1", ""), rec("31106_res-2", "")}
	outcomes := []model.PublicationOutcome{
		{OriginalName: "31105_res-1", LayerName: "31105_res-1", DatatypeID: "31105"},
		{OriginalName: "31106_res-2", LayerName: "31106_res-2", DatatypeID: "31106"},
	}

	stage.Send(context.Background(), records, outcomes)
	published := plog.allPublished()
	require.Len(t, published, 1)
	assert.Equal(t, "import.status.31106", published[0].key)
}
