package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"

	"github.com/geogate/geogate/internal/model"
	"github.com/geogate/geogate/internal/repo"
)

type healthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	BrokerState   string `json:"broker_state"`
}

type resourceSummary struct {
	ID              int64      `json:"id"`
	DatatypeID      string     `json:"datatype_id"`
	Workspace       string     `json:"workspace"`
	StoreName       string     `json:"store_name"`
	LayerName       string     `json:"layer_name"`
	StorageLocation string     `json:"storage_location,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty"`
	ExpireOn        *time.Time `json:"expire_on,omitempty"`
	Start           time.Time  `json:"start"`
	End             time.Time  `json:"end"`
	ResourceID      string     `json:"resource_id"`
	MetadataID      string     `json:"metadata_id,omitempty"`
	DestOrg         string     `json:"dest_org,omitempty"`
	RequestCode     string     `json:"request_code,omitempty"`
	Timestamps      []string   `json:"timestamps,omitempty"`
	BBox            []float64  `json:"bbox,omitempty"`
	Mosaic          bool       `json:"mosaic"`
}

type resourceListResponse struct {
	Resources []resourceSummary `json:"resources"`
	Count     int               `json:"count"`
}

type deleteResponse struct {
	ResourceID string `json:"resource_id"`
	Retired    int    `json:"retired"`
	// CatalogError is non-empty when write-back to the catalog failed; the
	// local deletion still went through.
	CatalogError string `json:"catalog_error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	state := "unknown"
	if s.broker != nil {
		state = s.broker()
	}
	respondJSON(w, http.StatusOK, healthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		BrokerState:   state,
	})
}

// handleListResources handles GET /resources. Query parameters map onto the
// repository filter; comma-separated values widen list filters.
func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := s.resources.Resources(r.Context(), f)
	if err != nil {
		s.logger.Error("Resource query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "resource query failed")
		return
	}

	resp := resourceListResponse{Resources: make([]resourceSummary, 0, len(records))}
	for _, rec := range records {
		resp.Resources = append(resp.Resources, summarize(rec))
	}
	resp.Count = len(resp.Resources)
	respondJSON(w, http.StatusOK, resp)
}

// handleDeleteResource handles DELETE /resources/{resourceID}. Every live
// record for the resource is retired; deletion is then propagated to the
// catalog unless ?local=true.
func (s *Server) handleDeleteResource(w http.ResponseWriter, r *http.Request) {
	resourceID := chi.URLParam(r, "resourceID")

	records, err := s.resources.Resources(r.Context(), repo.Filter{
		Workspace:  r.URL.Query().Get("workspace"),
		ResourceID: resourceID,
	})
	if err != nil {
		s.logger.Error("Resource lookup failed", "resource_id", resourceID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "resource lookup failed")
		return
	}
	if len(records) == 0 {
		s.writeError(w, http.StatusNotFound, "no live records for resource")
		return
	}

	s.retirer.Retire(r.Context(), records)

	resp := deleteResponse{ResourceID: resourceID, Retired: len(records)}
	if s.catalog != nil && r.URL.Query().Get("local") != "true" {
		if err := s.catalog.DeleteResource(r.Context(), resourceID, records[0].MetadataID); err != nil {
			s.logger.Warn("Catalog delete failed", "resource_id", resourceID, "error", err)
			resp.CatalogError = err.Error()
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleEvents handles GET /events?since={id}: the buffered pipeline event
// feed for dashboard polling.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			s.writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = v
	}

	snap := s.hub.SnapshotSince(since)
	respondJSON(w, http.StatusOK, map[string]any{
		"events": snap,
		"count":  len(snap),
	})
}

func filterFromQuery(r *http.Request) (repo.Filter, error) {
	q := r.URL.Query()
	f := repo.Filter{
		Workspace:      q.Get("workspace"),
		ResourceID:     q.Get("resource_id"),
		LayerName:      q.Get("layer_name"),
		DatatypeIDs:    splitParam(q.Get("datatype_id")),
		DestOrgs:       splitParam(q.Get("dest_org")),
		RequestCodes:   splitParam(q.Get("request_code")),
		IncludeDeleted: q.Get("include_deleted") == "true",
		OrderByCreated: true,
	}
	if raw := q.Get("bbox"); raw != "" {
		b, err := parseBBox(raw)
		if err != nil {
			return repo.Filter{}, err
		}
		f.BBox = &b
	}
	return f, nil
}

func splitParam(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseBBox parses "minx,miny,maxx,maxy".
func parseBBox(raw string) (orb.Bound, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return orb.Bound{}, errBBox
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, errBBox
		}
		vals[i] = v
	}
	if vals[0] > vals[2] || vals[1] > vals[3] {
		return orb.Bound{}, errBBox
	}
	return orb.Bound{
		Min: orb.Point{vals[0], vals[1]},
		Max: orb.Point{vals[2], vals[3]},
	}, nil
}

type bboxError struct{}

func (bboxError) Error() string { return "bbox must be minx,miny,maxx,maxy with min <= max" }

var errBBox = bboxError{}

func summarize(rec model.ResourceRecord) resourceSummary {
	out := resourceSummary{
		ID:              rec.ID,
		DatatypeID:      rec.DatatypeID,
		Workspace:       rec.Workspace,
		StoreName:       rec.StoreName,
		LayerName:       rec.LayerName,
		StorageLocation: rec.StorageLocation,
		CreatedAt:       rec.CreatedAt,
		DeletedAt:       rec.DeletedAt,
		ExpireOn:        rec.ExpireOn,
		Start:           rec.Start,
		End:             rec.End,
		ResourceID:      rec.ResourceID,
		MetadataID:      rec.MetadataID,
		DestOrg:         rec.DestOrg,
		RequestCode:     rec.RequestCode,
		Timestamps:      rec.TimestampList(),
		Mosaic:          rec.Mosaic,
	}
	if len(rec.Footprint) > 0 {
		b := rec.Footprint.Bound()
		out.BBox = []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
	}
	return out
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, errorResponse{Error: message})
}
