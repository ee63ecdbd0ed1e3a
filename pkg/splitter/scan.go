// Package splitter drives the split of hotel scans: loading, detection,
// layout resolution, coregistration of PET/CT pairs and writing the cuts.
package splitter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"splitmice/internal/models"
	"splitmice/pkg/config"
	"splitmice/pkg/detection"
	"splitmice/pkg/dicomvol"
	"splitmice/pkg/layout"
	"splitmice/pkg/microvol"
	"splitmice/pkg/visualization"
	"splitmice/pkg/writer"
)

// ErrModalityMismatch is returned when a DICOM series does not have the
// modality the caller asked for.
var ErrModalityMismatch = errors.New("modality mismatch")

// dicomTimeLayouts are tried in order on DICOM date/time values.
var dicomTimeLayouts = []string{"20060102150405", "200601021504", "150405", "1504"}

// Params holds the per-scan splitting parameters.
type Params struct {
	// Path is a container data file (.img) or a DICOM directory or file.
	Path string

	// Modality forces the modality instead of detecting it.
	Modality *models.Modality

	// OutDir receives the cuts.
	OutDir string

	Detection detection.Config

	// Size forces a crop size; zero keeps the detected size.
	Size config.Size

	Names    layout.DescriptorMap
	Metadata map[models.Descriptor]models.Metadata

	RecenterCT      bool
	BackPerspective bool

	Zip        bool
	ChunkLimit int
	Arenas     microvol.ArenaFactory

	// SaveIntermediaryResults dumps projections, masks and layouts into
	// IntermediaryDir.
	SaveIntermediaryResults bool
	IntermediaryDir         string

	// SaveSlices adds every slice along each axis to the dumps.
	SaveSlices bool
}

// cutWriter is the format-specific half of Write.
type cutWriter interface {
	WriteAll(cuts []*writer.Cut) error
	Cleanup()
}

type containerWriter struct {
	*writer.Writer
	header []string
}

func (w containerWriter) WriteAll(cuts []*writer.Cut) error {
	return w.Writer.WriteAll(cuts, w.header)
}

// Scan is one loaded volume moving through the pipeline.
type Scan struct {
	params *Params

	Volume *microvol.Volume
	// Series is set for DICOM input.
	Series *dicomvol.Series
	// Header holds the container header lines.
	Header []string
	// ScanTime is the acquisition start, zero when unknown.
	ScanTime time.Time

	Detection *detection.Result
	Layout    layout.Layout

	writer cutWriter
}

// FormatOf guesses the source format of a path: directories and .dcm files
// are DICOM, everything else is the container format.
func FormatOf(path string) models.SourceFormat {
	if strings.EqualFold(filepath.Ext(path), ".dcm") {
		return models.DICOM
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return models.DICOM
	}
	return models.Container
}

// ParseScanTime reads a container scan_time value or a DICOM date/time
// concatenation.
func ParseScanTime(s string, format models.SourceFormat) (time.Time, error) {
	s = strings.TrimSpace(s)
	if format == models.Container {
		return time.Parse(writer.InjectionTimeLayout, strings.Join(strings.Fields(s), " "))
	}
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	for _, l := range dicomTimeLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized DICOM time %q", s)
}

// Open loads the scan described by p and applies the canonical flip. A back
// perspective adds a y flip so positions match the technician's view. Both
// flips are undone before cuts are written.
func Open(p *Params) (*Scan, error) {
	s := &Scan{params: p}
	format := FormatOf(p.Path)

	var raw string
	switch format {
	case models.DICOM:
		v, series, err := dicomvol.Load(p.Path, p.Arenas)
		if err != nil {
			return nil, err
		}
		if p.Modality != nil && *p.Modality != series.Modality {
			v.Release()
			return nil, fmt.Errorf("%w: %s is %s, expected %s", ErrModalityMismatch, p.Path, series.Modality, *p.Modality)
		}
		s.Volume, s.Series, raw = v, series, series.ScanTime
	default:
		v, err := microvol.Open(p.Path, p.Modality, microvol.LoadOptions{ChunkLimit: p.ChunkLimit, Arenas: p.Arenas})
		if err != nil {
			return nil, err
		}
		lines, err := microvol.ReadHeaderLines(microvol.HeaderPath(p.Path))
		if err != nil {
			v.Release()
			return nil, err
		}
		s.Volume, s.Header = v, lines
		raw, _ = microvol.LineValue(lines, "scan_time")
	}

	if raw != "" {
		if t, err := ParseScanTime(raw, format); err == nil {
			s.ScanTime = t
		} else {
			log.WithError(err).WithField("scan", p.Path).Warn("Ignoring unreadable scan time")
		}
	}

	if err := s.Volume.Canonicalize(); err != nil {
		s.Close()
		return nil, fmt.Errorf("error rotating %s: %w", p.Path, err)
	}
	if p.BackPerspective {
		if err := s.Volume.RotateOnAxis(microvol.AxisY, true); err != nil {
			s.Close()
			return nil, fmt.Errorf("error rotating %s: %w", p.Path, err)
		}
	}

	log.WithFields(log.Fields{
		"scan":     p.Path,
		"modality": s.Modality(),
		"format":   format,
		"dims":     fmt.Sprintf("%dx%dx%dx%d", s.Volume.Cols, s.Volume.Rows, s.Volume.Planes, s.Volume.Frames),
	}).Info("Opened scan")
	return s, nil
}

// Modality returns the scan's modality.
func (s *Scan) Modality() models.Modality { return s.Volume.Params.Modality }

// Name identifies the scan in logs and dump file names.
func (s *Scan) Name() string {
	return writer.BaseName(s.Volume.Path) + "_" + strings.ToLower(s.Modality().String())
}

// Shape returns the in-plane size of the scan.
func (s *Scan) Shape() (cols, rows int) { return s.Volume.Cols, s.Volume.Rows }

// Detect finds the subjects and resolves their crop windows.
func (s *Scan) Detect() error {
	p := s.params
	det, err := detection.NewDetector(s.Modality(), s.Volume.Format, p.Detection)
	if err != nil {
		return err
	}
	res, err := det.Detect(s.Volume)
	if err != nil {
		return fmt.Errorf("error detecting subjects in %s: %w", p.Path, err)
	}
	l, err := layout.SplitCoords(s.Volume.Cols, s.Volume.Rows, res.Regions, p.Detection.Margin)
	if err != nil {
		return fmt.Errorf("error resolving layout of %s: %w", p.Path, err)
	}
	if !p.Size.IsZero() {
		l = layout.ApplySize(l, p.Size.Width, p.Size.Height)
	}
	if p.RecenterCT && s.Modality() == models.CT && res.Mask != nil {
		l = layout.Recenter(l, res.Mask)
	}
	s.Detection = res
	s.Layout = l

	log.WithFields(log.Fields{
		"scan":     p.Path,
		"regions":  len(res.Regions),
		"attempts": res.Attempts,
		"layout":   l,
	}).Info("Resolved layout")
	s.dump()
	return nil
}

// SetLayout replaces the crop windows, e.g. after coregistration.
func (s *Scan) SetLayout(l layout.Layout) {
	s.Layout = l
}

func (s *Scan) dump() {
	if !s.params.SaveIntermediaryResults {
		return
	}
	d := &visualization.Dumper{Dir: s.params.IntermediaryDir}
	if err := d.DumpDetection(s.Name(), s.Detection, s.Layout); err != nil {
		log.WithError(err).WithField("scan", s.params.Path).Warn("Could not save intermediary images")
	}
	if err := d.DumpMiddleSlice(s.Name(), s.Volume); err != nil {
		log.WithError(err).WithField("scan", s.params.Path).Warn("Could not save middle slice")
	}
	if s.params.SaveSlices {
		if err := d.DumpSlices(s.Name(), s.Volume); err != nil {
			log.WithError(err).WithField("scan", s.params.Path).Warn("Could not save slice sequences")
		}
	}
}

// Write crops every window and writes the cuts, recording them in m. On
// failure nothing this call wrote is left behind.
func (s *Scan) Write(m *writer.Manifest) error {
	p := s.params
	if len(s.Layout) == 0 {
		return fmt.Errorf("%w in %s", layout.ErrNoRegions, p.Path)
	}
	cuts, err := writer.Extract(s.Volume, s.Layout, p.Names, p.Metadata, p.Arenas)
	if err != nil {
		return err
	}
	defer writer.ReleaseAll(cuts)

	opts := writer.Options{OutDir: p.OutDir, Zip: p.Zip, ChunkLimit: p.ChunkLimit}
	if s.Series != nil {
		s.writer = dicomvol.NewWriter(s.Series, opts, m)
	} else {
		s.writer = containerWriter{Writer: writer.New(opts, m), header: s.Header}
	}
	return s.writer.WriteAll(cuts)
}

// Cleanup removes the files written by the last Write.
func (s *Scan) Cleanup() {
	if s.writer != nil {
		s.writer.Cleanup()
	}
}

// Close frees the scan's voxel storage.
func (s *Scan) Close() {
	if err := s.Volume.Release(); err != nil {
		log.WithError(err).WithField("scan", s.params.Path).Warn("Error releasing volume")
	}
}

// Process splits a single scan end to end.
func Process(p *Params, m *writer.Manifest) error {
	s, err := Open(p)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Detect(); err != nil {
		return err
	}
	return s.Write(m)
}
