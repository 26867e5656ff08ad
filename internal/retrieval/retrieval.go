// Package retrieval fetches notified payloads from the data-catalog,
// classifies their physical representation and stages them in scratch
// storage for the storage stage.
package retrieval

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/geogate/geogate/internal/geom"
	"github.com/geogate/geogate/internal/log"
	"github.com/geogate/geogate/internal/message"
	"github.com/geogate/geogate/internal/model"
)

// vectorStoreName is the store name recorded for relational-backed payloads.
const vectorStoreName = "postgis_db"

// Fetcher downloads a payload, resolving the URL from the resource id when
// none is given. Implemented by catalog.Client.
type Fetcher interface {
	Fetch(ctx context.Context, resourceID, resourceURL string) (io.ReadCloser, string, int, error)
}

// Stage stages notified payloads into scratch storage.
type Stage struct {
	fetcher    Fetcher
	scratchDir string
	logger     *slog.Logger
	now        func() time.Time
}

// New builds a retrieval stage writing under scratchDir.
func New(fetcher Fetcher, scratchDir string) *Stage {
	return &Stage{
		fetcher:    fetcher,
		scratchDir: scratchDir,
		logger:     log.WithComponent("retrieval"),
		now:        time.Now,
	}
}

// Retrieve downloads the payload of one notification and classifies it.
// Unsupported extensions and non-2xx fetches yield zero resources without
// an error; archive corruption and I/O failures propagate.
func (s *Stage) Retrieve(ctx context.Context, workspace string, n *message.Notification) ([]model.DownloadedData, error) {
	body, finalURL, status, err := s.fetcher.Fetch(ctx, n.ID, n.URL)
	if err != nil {
		return nil, fmt.Errorf("fetch resource %s: %w", n.ID, err)
	}
	defer body.Close()

	logger := s.logger.With("resource_id", n.ID, "datatype_id", string(n.DatatypeID))
	if status/100 != 2 {
		logger.Error("Resource fetch failed", "status", status, "url", finalURL)
		return nil, nil
	}

	filename := fileNameFromURL(finalURL)
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	scratch := filepath.Join(s.scratchDir, n.ID)

	var kind model.PayloadKind
	switch ext {
	case "zip", "mapping":
		kind, err = s.extractArchive(body, scratch, ext)
		if err != nil {
			return nil, err
		}
	case "tif", "tiff":
		kind = model.KindRaster
		if err := writeFile(filepath.Join(scratch, filename), body); err != nil {
			return nil, err
		}
	case "nc", "ncml":
		kind = model.KindNetCDF
		if err := writeFile(filepath.Join(scratch, filename), body); err != nil {
			return nil, err
		}
	case "json", "geojson", "kml":
		kind = model.KindVector
		if err := writeFile(filepath.Join(scratch, filename), body); err != nil {
			return nil, err
		}
	default:
		logger.Error("File extension not supported", "extension", ext, "url", finalURL)
		return nil, nil
	}

	footprint, err := geom.Decode(n.Geometry)
	if err != nil {
		return nil, fmt.Errorf("decode footprint for %s: %w", n.ID, err)
	}

	storeName := ""
	if kind == model.KindVector {
		storeName = vectorStoreName
	}

	logger.Info("Resource staged", "kind", kind.String(), "path", scratch)
	return []model.DownloadedData{{
		Workspace:    workspace,
		DatatypeID:   string(n.DatatypeID),
		Kind:         kind,
		StoreName:    storeName,
		Start:        n.StartDate,
		End:          n.EndDate,
		CreationDate: n.CreatedAt(s.now()),
		ResourceID:   n.ID,
		ResourceName: n.Name,
		MetadataID:   n.MetadataID,
		Footprint:    footprint,
		ScratchPath:  scratch,
		DestOrg:      n.DestOrg,
		RequestCode:  n.RequestCode,
		Mosaic:       kind == model.KindMosaic,
	}}, nil
}

// extractArchive unpacks a zip payload into dir and decides whether the
// content is a raster mosaic or vector files. A `.mapping` archive is a
// mosaic regardless of its content.
func (s *Stage) extractArchive(body io.Reader, dir, ext string) (model.PayloadKind, error) {
	tmp, err := os.CreateTemp("", "geogate-archive-*.zip")
	if err != nil {
		return 0, fmt.Errorf("stage archive: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	size, err := io.Copy(tmp, body)
	if err != nil {
		return 0, fmt.Errorf("stage archive: %w", err)
	}

	r, err := zip.NewReader(tmp, size)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}

	hasRaster := false
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(f.Name)
		if strings.HasPrefix(name, ".") {
			continue
		}
		if isRasterFile(name) {
			hasRaster = true
		}
		rc, err := f.Open()
		if err != nil {
			return 0, fmt.Errorf("read archive entry %s: %w", f.Name, err)
		}
		err = writeFile(filepath.Join(dir, name), rc)
		rc.Close()
		if err != nil {
			return 0, err
		}
	}

	if ext == "mapping" || hasRaster {
		return model.KindMosaic, nil
	}
	return model.KindVector, nil
}

func isRasterFile(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".tif") || strings.HasSuffix(lower, ".tiff")
}

func fileNameFromURL(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		return filepath.Base(u.Path)
	}
	return filepath.Base(rawURL)
}

func writeFile(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
