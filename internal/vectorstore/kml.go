package vectorstore

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// KML placemarks carry only the subset the catalog actually exports:
// a name, an optional description and one Point, LineString or Polygon.
type kmlDoc struct {
	Placemarks []kmlPlacemark `xml:"Document>Placemark"`
	Flat       []kmlPlacemark `xml:"Placemark"`
}

type kmlPlacemark struct {
	Name        string `xml:"name"`
	Description string `xml:"description"`
	Point       *struct {
		Coordinates string `xml:"coordinates"`
	} `xml:"Point"`
	LineString *struct {
		Coordinates string `xml:"coordinates"`
	} `xml:"LineString"`
	Polygon *struct {
		Outer string `xml:"outerBoundaryIs>LinearRing>coordinates"`
	} `xml:"Polygon"`
}

func parseKML(path string) (*featureTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc kmlDoc
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	placemarks := doc.Placemarks
	if len(placemarks) == 0 {
		placemarks = doc.Flat
	}
	if len(placemarks) == 0 {
		return nil, fmt.Errorf("%s has no placemarks", filepath.Base(path))
	}

	t := &featureTable{
		columns: []string{"Description", "Name"},
		types:   map[string]string{"Name": "TEXT", "Description": "TEXT"},
	}
	for _, p := range placemarks {
		g, err := placemarkGeometry(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		t.rows = append(t.rows, map[string]any{"Name": p.Name, "Description": p.Description})
		t.geometry = append(t.geometry, g)
	}
	return t, nil
}

func placemarkGeometry(p kmlPlacemark) (orb.Geometry, error) {
	switch {
	case p.Point != nil:
		pts, err := kmlCoordinates(p.Point.Coordinates)
		if err != nil || len(pts) == 0 {
			return nil, fmt.Errorf("placemark %q has no valid point", p.Name)
		}
		return pts[0], nil
	case p.LineString != nil:
		pts, err := kmlCoordinates(p.LineString.Coordinates)
		if err != nil {
			return nil, err
		}
		return orb.LineString(pts), nil
	case p.Polygon != nil:
		pts, err := kmlCoordinates(p.Polygon.Outer)
		if err != nil {
			return nil, err
		}
		return orb.Polygon{orb.Ring(pts)}, nil
	default:
		return nil, fmt.Errorf("placemark %q has no geometry", p.Name)
	}
}

// kmlCoordinates parses the whitespace-separated lon,lat[,alt] tuples.
func kmlCoordinates(s string) ([]orb.Point, error) {
	var pts []orb.Point
	for _, tuple := range strings.Fields(s) {
		parts := strings.Split(tuple, ",")
		if len(parts) < 2 {
			return nil, fmt.Errorf("malformed coordinate tuple %q", tuple)
		}
		lon, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return nil, fmt.Errorf("malformed longitude %q", parts[0])
		}
		lat, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("malformed latitude %q", parts[1])
		}
		pts = append(pts, orb.Point{lon, lat})
	}
	return pts, nil
}
