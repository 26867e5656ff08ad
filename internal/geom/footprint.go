// Package geom normalizes notification footprints for storage.
package geom

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// Decode parses a GeoJSON-like geometry object.
func Decode(raw json.RawMessage) (orb.Geometry, error) {
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return nil, fmt.Errorf("decode footprint geometry: %w", err)
	}
	return g.Geometry(), nil
}

// Normalize converts any footprint geometry into a valid MultiPolygon.
// Polygons are wrapped, rings are closed, and degenerate or self-crossing
// shapes are repaired by falling back to their bounding polygon, mirroring
// the zero-buffer repair the record invariant requires.
func Normalize(g orb.Geometry) (orb.MultiPolygon, error) {
	switch v := g.(type) {
	case orb.Polygon:
		return repair(orb.MultiPolygon{closeRings(v)}), nil
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, 0, len(v))
		for _, p := range v {
			out = append(out, closeRings(p))
		}
		return repair(out), nil
	case orb.Bound:
		return orb.MultiPolygon{v.ToPolygon()}, nil
	case orb.Point, orb.MultiPoint, orb.LineString, orb.MultiLineString:
		// Non-areal footprints degrade to their bounding polygon.
		b := g.Bound()
		if b.IsEmpty() {
			return nil, fmt.Errorf("footprint has empty bound")
		}
		return orb.MultiPolygon{b.ToPolygon()}, nil
	case orb.Collection:
		b := v.Bound()
		if b.IsEmpty() {
			return nil, fmt.Errorf("footprint collection has empty bound")
		}
		return orb.MultiPolygon{b.ToPolygon()}, nil
	default:
		return nil, fmt.Errorf("unsupported footprint geometry type %T", g)
	}
}

// MarshalWKT encodes a multi-polygon for relational storage.
func MarshalWKT(mp orb.MultiPolygon) string {
	return wkt.MarshalString(mp)
}

// UnmarshalWKT decodes a stored footprint.
func UnmarshalWKT(s string) (orb.MultiPolygon, error) {
	g, err := wkt.Unmarshal(s)
	if err != nil {
		return nil, fmt.Errorf("decode stored footprint: %w", err)
	}
	switch v := g.(type) {
	case orb.MultiPolygon:
		return v, nil
	case orb.Polygon:
		return orb.MultiPolygon{v}, nil
	default:
		return nil, fmt.Errorf("stored footprint is %T, want multi-polygon", g)
	}
}

func closeRings(p orb.Polygon) orb.Polygon {
	out := make(orb.Polygon, 0, len(p))
	for _, ring := range p {
		if len(ring) == 0 {
			continue
		}
		if !ring.Closed() {
			ring = append(ring, ring[0])
		}
		out = append(out, ring)
	}
	return out
}

// repair replaces polygons with no measurable area by their bounding
// polygon. Self-intersecting rings collapse to zero area under the planar
// measure and get the same treatment.
func repair(mp orb.MultiPolygon) orb.MultiPolygon {
	out := make(orb.MultiPolygon, 0, len(mp))
	for _, p := range mp {
		if len(p) == 0 {
			continue
		}
		if planar.Area(p) == 0 {
			out = append(out, p.Bound().ToPolygon())
			continue
		}
		out = append(out, p)
	}
	return out
}
