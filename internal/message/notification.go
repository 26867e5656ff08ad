// Package message defines the broker wire formats: inbound dataset
// notifications and outbound publication reports.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Notification types.
const (
	TypeCreate = "create"
	TypeUpdate = "update"
	TypeDelete = "delete"
)

// Notification is the inbound message announcing a dataset change.
type Notification struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	DatatypeID   FlexString      `json:"datatype_id"`
	Type         string          `json:"type"`
	StartDate    time.Time       `json:"start_date"`
	EndDate      time.Time       `json:"end_date"`
	CreationDate *time.Time      `json:"creation_date,omitempty"`
	URL          string          `json:"url,omitempty"`
	Geometry     json.RawMessage `json:"geometry"`
	MetadataID   string          `json:"metadata_id,omitempty"`
	DestOrg      string          `json:"destinatary_organization,omitempty"`
	RequestCode  string          `json:"request_code,omitempty"`
}

// FlexString tolerates producers that send numeric datatype ids.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("datatype_id must be a string or number: %w", err)
	}
	*f = FlexString(n.String())
	return nil
}

// Decode parses and validates a notification payload.
func Decode(body []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return &n, nil
}

// Validate checks the schema requirements. Failing notifications are
// dropped, not retried.
func (n *Notification) Validate() error {
	var missing []string
	if n.ID == "" {
		missing = append(missing, "id")
	}
	if n.DatatypeID == "" {
		missing = append(missing, "datatype_id")
	}
	if n.Type == "" {
		missing = append(missing, "type")
	}
	if len(missing) > 0 {
		return fmt.Errorf("notification missing required fields: %s", strings.Join(missing, ", "))
	}
	switch n.Type {
	case TypeCreate, TypeUpdate, TypeDelete:
	default:
		return fmt.Errorf("notification type %q is not one of create, update, delete", n.Type)
	}
	if n.Type != TypeDelete {
		if n.StartDate.IsZero() || n.EndDate.IsZero() {
			return fmt.Errorf("notification %s requires start_date and end_date", n.Type)
		}
		if n.EndDate.Before(n.StartDate) {
			return fmt.Errorf("notification end_date precedes start_date")
		}
		if len(n.Geometry) == 0 {
			return fmt.Errorf("notification %s requires geometry", n.Type)
		}
	}
	return nil
}

// CreatedAt returns the creation date, defaulting to now when absent.
func (n *Notification) CreatedAt(now time.Time) time.Time {
	if n.CreationDate != nil && !n.CreationDate.IsZero() {
		return *n.CreationDate
	}
	return now
}
