package message

import (
	"encoding/json"
	"fmt"
)

// Report statuses mirror HTTP codes for consumer familiarity.
const (
	ReportStatusOK     = 200
	ReportStatusFailed = 500
)

// Report is the outbound publication result message.
type Report struct {
	DatatypeID string         `json:"datatype_id"`
	StatusCode int            `json:"status_code"`
	Name       string         `json:"name"` // "workspace:layer"
	Message    string         `json:"message"`
	Type       string         `json:"type"`
	URLs       []string       `json:"urls"`
	Metadata   map[string]any `json:"metadata"`
}

// NewLayerReport builds a report for one layer-level publication outcome.
func NewLayerReport(datatypeID, workspace, layerName string, success bool, detail string) Report {
	status := ReportStatusOK
	msg := "Layers imported successfully"
	if !success {
		status = ReportStatusFailed
		msg = detail
	}
	return Report{
		DatatypeID: datatypeID,
		StatusCode: status,
		Name:       fmt.Sprintf("%s:%s", workspace, layerName),
		Message:    msg,
		Type:       "layer",
		URLs:       []string{},
		Metadata:   map[string]any{},
	}
}

// Encode serializes the report for publishing.
func (r Report) Encode() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return b, nil
}

// RoutingKey derives the report destination from the datatype and the
// optional request-correlation code.
func RoutingKey(prefix, datatypeID, requestCode string) string {
	key := prefix + "." + datatypeID
	if requestCode != "" {
		key += "." + requestCode
	}
	return key
}
