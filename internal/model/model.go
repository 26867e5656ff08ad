// Package model holds the domain types shared by the pipeline stages.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"
)

// PayloadKind classifies a fetched payload's physical representation. It is
// decided once at retrieval time and carried through storage and publication
// instead of re-deriving the format from file extensions at each stage.
type PayloadKind int

const (
	// KindVector is tabular/feature data destined for relational storage.
	KindVector PayloadKind = iota
	// KindRaster is a single raster file stored in the geotiff folder.
	KindRaster
	// KindNetCDF is a raster stored outside shared folders.
	KindNetCDF
	// KindMosaic is a directory of rasters treated as one physical resource.
	KindMosaic
)

func (k PayloadKind) String() string {
	switch k {
	case KindVector:
		return "vector"
	case KindRaster:
		return "raster"
	case KindNetCDF:
		return "netcdf"
	case KindMosaic:
		return "mosaic"
	default:
		return "unknown"
	}
}

// FileBacked reports whether the payload lives in file storage rather than
// relational tables.
func (k PayloadKind) FileBacked() bool {
	return k != KindVector
}

// ResourceRecord identifies one published logical resource. Rows are owned
// by the relational store; the pipeline holds transient copies only.
type ResourceRecord struct {
	ID              int64
	DatatypeID      string
	Workspace       string
	StoreName       string
	LayerName       string
	StorageLocation string // empty for relational-backed resources
	CreatedAt       time.Time
	DeletedAt       *time.Time
	ExpireOn        *time.Time
	Start           time.Time
	End             time.Time
	ResourceID      string
	MetadataID      string
	DestOrg         string
	RequestCode     string
	// Title is the human-readable layer title carried through publication.
	// Not persisted.
	Title string
	// Timestamps is the semicolon-joined ordered list of exposed
	// time-slice labels.
	Timestamps string
	Footprint  orb.MultiPolygon
	Mosaic     bool
}

// TimestampList splits the stored slice labels.
func (r *ResourceRecord) TimestampList() []string {
	if r.Timestamps == "" {
		return nil
	}
	return strings.Split(r.Timestamps, ";")
}

// FileBacked reports whether the record points at physical file storage.
func (r *ResourceRecord) FileBacked() bool {
	return r.StorageLocation != ""
}

// LayerSettings is per (workspace, datatype) reference configuration. Read
// only by the pipeline; written by an external administrative path.
type LayerSettings struct {
	ID               int64
	Workspace        string
	MasterDatatypeID string
	DatatypeID       string
	VarName          string
	Style            string
	DeleteAfterDays  int
	DeleteAfterCount int
	Format           string
	TimeDimension    bool
	TimeAttribute    string
	// Parameters is free-form JSON forwarded to the serving backend.
	Parameters string
}

// DownloadedData is the pipeline-internal product of the retrieval stage,
// consumed and discarded by the storage stage.
type DownloadedData struct {
	Workspace    string
	DatatypeID   string
	Kind         PayloadKind
	StoreName    string // set for relational-backed payloads
	Start        time.Time
	End          time.Time
	CreationDate time.Time
	ResourceID   string
	ResourceName string
	MetadataID   string
	Footprint    orb.Geometry
	ScratchPath  string
	DestOrg      string
	RequestCode  string
	Mosaic       bool
	Extra        map[string]string
}

// LayerNameFor builds the deterministic layer/table name for a stored
// unit. The index suffix appears only past the first unit.
func LayerNameFor(datatypeID, resourceID string, index int) string {
	name := datatypeID + "_" + resourceID
	if index > 0 {
		name = fmt.Sprintf("%s_%d", name, index)
	}
	return name
}

// NewPendingRecord shapes a stored unit into the record the publication
// stage will confirm. The footprint is filled in by the storage tier once
// normalized.
func NewPendingRecord(d DownloadedData, index int, location string) ResourceRecord {
	storeName := d.StoreName
	if storeName == "" {
		storeName = d.DatatypeID + "_" + d.ResourceID
	}
	return ResourceRecord{
		DatatypeID:      d.DatatypeID,
		Workspace:       d.Workspace,
		StoreName:       storeName,
		LayerName:       LayerNameFor(d.DatatypeID, d.ResourceID, index),
		StorageLocation: location,
		CreatedAt:       d.CreationDate,
		Start:           d.Start,
		End:             d.End,
		ResourceID:      d.ResourceID,
		MetadataID:      d.MetadataID,
		DestOrg:         d.DestOrg,
		RequestCode:     strings.TrimSpace(d.RequestCode),
		Title:           d.ResourceName,
		Mosaic:          d.Mosaic,
	}
}

// PublicationOutcome is the per-unit result of the publication stage.
// Container outcomes (IsContainer) are excluded from reporting and from the
// record-creation step.
type PublicationOutcome struct {
	IsContainer  bool
	OriginalName string
	LayerName    string
	Failure      string // empty means success
	DatatypeID   string
	Timestamps   []string
}

// Success reports whether the unit published cleanly.
func (o PublicationOutcome) Success() bool {
	return o.Failure == ""
}

// IsLayer reports whether the outcome refers to a servable layer rather
// than a containing store.
func (o PublicationOutcome) IsLayer() bool {
	return !o.IsContainer
}
