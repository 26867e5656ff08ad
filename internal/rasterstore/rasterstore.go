// Package rasterstore copies staged raster payloads into the serving
// backend's on-disk layout: a per-datatype geotiff folder for single
// rasters, a per-resource folder for mosaics, and the data-dir root for
// NetCDF. NetCDF stays outside shared folders because the serving backend
// writes auxiliary files next to the store and a shared folder would raise
// permission conflicts.
package rasterstore

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/geogate/geogate/internal/config"
	"github.com/geogate/geogate/internal/geom"
	"github.com/geogate/geogate/internal/log"
	"github.com/geogate/geogate/internal/model"
)

// Store lays raster files out under the serving data directory.
type Store struct {
	dataDir      string
	tifFolder    string
	mosaicFolder string
	logger       *slog.Logger
}

// New builds a raster store from the serving configuration.
func New(cfg config.ServingConfig) *Store {
	return &Store{
		dataDir:      cfg.DataDir,
		tifFolder:    cfg.TifFolder,
		mosaicFolder: cfg.MosaicFolder,
		logger:       log.WithComponent("rasterstore"),
	}
}

// Save copies the payload's raster files into place. A mosaic yields one
// record pointing at its folder; single rasters and NetCDF files yield one
// record each. A failure on one file is logged, siblings continue.
func (s *Store) Save(d model.DownloadedData) ([]model.ResourceRecord, error) {
	footprint, err := geom.Normalize(d.Footprint)
	if err != nil {
		return nil, fmt.Errorf("normalize footprint for %s: %w", d.ResourceID, err)
	}

	var records []model.ResourceRecord
	switch d.Kind {
	case model.KindMosaic:
		records, err = s.saveMosaic(d)
	case model.KindRaster:
		records, err = s.saveSingleRasters(d)
	case model.KindNetCDF:
		records, err = s.saveNetCDF(d)
	default:
		return nil, fmt.Errorf("payload kind %s is not file-backed", d.Kind)
	}
	if err != nil {
		return nil, err
	}

	for i := range records {
		records[i].Footprint = footprint
	}
	return records, nil
}

// saveMosaic copies every raster into one folder named after the resource.
// The folder is the physical unit retention reference-counts.
func (s *Store) saveMosaic(d model.DownloadedData) ([]model.ResourceRecord, error) {
	files, err := stagedFiles(d.ScratchPath, ".tif", ".tiff", ".properties", ".mapping", ".shp", ".dbf", ".prj", ".shx")
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(s.dataDir, s.mosaicFolder, fmt.Sprintf("%s_%s", d.DatatypeID, d.ResourceID))
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("create mosaic folder: %w", err)
	}

	copied := 0
	index := 0
	for _, src := range files {
		var dst string
		if isRaster(src) {
			dst = filepath.Join(dir, fmt.Sprintf("%s_%s_%d%s", d.DatatypeID, d.ResourceID, index, filepath.Ext(src)))
			index++
		} else {
			// index configuration files keep their names
			dst = filepath.Join(dir, filepath.Base(src))
		}
		if err := copyFile(src, dst); err != nil {
			s.logger.Error("Mosaic file not copied", "file", src, "error", err)
			continue
		}
		copied++
	}
	if copied == 0 {
		return nil, fmt.Errorf("mosaic %s has no usable files", d.ResourceID)
	}
	s.logger.Info("Mosaic stored", "folder", dir, "files", copied)
	return []model.ResourceRecord{model.NewPendingRecord(d, 0, dir)}, nil
}

func (s *Store) saveSingleRasters(d model.DownloadedData) ([]model.ResourceRecord, error) {
	files, err := stagedFiles(d.ScratchPath, ".tif", ".tiff")
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(s.dataDir, s.tifFolder, d.DatatypeID)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("create raster folder: %w", err)
	}

	var records []model.ResourceRecord
	for index, src := range files {
		dst := filepath.Join(dir, fmt.Sprintf("%s_%s_%d%s", d.DatatypeID, d.ResourceID, index, filepath.Ext(src)))
		if err := copyFile(src, dst); err != nil {
			s.logger.Error("Raster not copied", "file", src, "error", err)
			continue
		}
		s.logger.Info("Raster stored", "path", dst)
		records = append(records, model.NewPendingRecord(d, index, dst))
	}
	return records, nil
}

func (s *Store) saveNetCDF(d model.DownloadedData) ([]model.ResourceRecord, error) {
	files, err := stagedFiles(d.ScratchPath, ".nc", ".ncml")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.dataDir, 0o777); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	var records []model.ResourceRecord
	for index, src := range files {
		dst := filepath.Join(s.dataDir, fmt.Sprintf("%s_%s%s", d.DatatypeID, d.ResourceID, filepath.Ext(src)))
		if err := copyFile(src, dst); err != nil {
			s.logger.Error("NetCDF not copied", "file", src, "error", err)
			continue
		}
		s.logger.Info("NetCDF stored", "path", dst)
		records = append(records, model.NewPendingRecord(d, index, dst))
	}
	return records, nil
}

func stagedFiles(dir string, exts ...string) ([]string, error) {
	want := map[string]bool{}
	for _, e := range exts {
		want[e] = true
	}
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && want[strings.ToLower(filepath.Ext(path))] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk scratch dir %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

func isRaster(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".tif" || ext == ".tiff"
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", filepath.Base(src), err)
	}
	return out.Close()
}
