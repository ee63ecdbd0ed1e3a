// Package dicomvol loads a DICOM slice series into a volume and writes cuts
// of it back as new DICOM series, one per subject.
package dicomvol

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"splitmice/internal/models"
	"splitmice/pkg/microvol"
)

var (
	// ErrNoSlices is returned for a directory without .dcm files.
	ErrNoSlices = errors.New("no DICOM slices found")
	// ErrEncapsulated is returned for compressed pixel data.
	ErrEncapsulated = errors.New("encapsulated pixel data is not supported")
)

// Series remembers where the planes of a loaded volume came from so cuts can
// be written with the source attributes.
type Series struct {
	// Files holds one slice per plane, ordered by InstanceNumber.
	Files []string

	Modality            models.Modality
	PixelRepresentation int

	// ScanTime is the date and time of the first slice, YYYYMMDDHHMMSS[.f]
	// when the date is known.
	ScanTime string
}

type slice struct {
	path     string
	instance int
	modality string
	scanTime string
	rows     int
	cols     int
}

// UID returns a fresh UUID-derived UID (2.25.<uuid as decimal>).
func UID() string {
	u := uuid.New()
	return "2.25." + new(big.Int).SetBytes(u[:]).String()
}

func firstString(ds dicom.Dataset, t tag.Tag) (string, bool) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return "", false
	}
	s, ok := el.Value.GetValue().([]string)
	if !ok || len(s) == 0 {
		return "", false
	}
	return strings.TrimSpace(s[0]), true
}

func firstInt(ds dicom.Dataset, t tag.Tag) (int, bool) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return 0, false
	}
	switch v := el.Value.GetValue().(type) {
	case []int:
		if len(v) > 0 {
			return v[0], true
		}
	case []string:
		if len(v) > 0 {
			n, err := strconv.Atoi(strings.TrimSpace(v[0]))
			return n, err == nil
		}
	}
	return 0, false
}

// listSlices returns the .dcm files of dir, or path itself when it is a file.
func listSlices(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	files, err := filepath.Glob(filepath.Join(path, "*.dcm"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoSlices, path)
	}
	return files, nil
}

func readSliceHeader(path string) (slice, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return slice{}, fmt.Errorf("error parsing %s: %w", path, err)
	}
	s := slice{path: path}
	s.instance, _ = firstInt(ds, tag.InstanceNumber)
	s.modality, _ = firstString(ds, tag.Modality)
	s.scanTime = scanTimeOf(ds)
	var ok bool
	if s.rows, ok = firstInt(ds, tag.Rows); !ok {
		return slice{}, fmt.Errorf("%s has no Rows", path)
	}
	if s.cols, ok = firstInt(ds, tag.Columns); !ok {
		return slice{}, fmt.Errorf("%s has no Columns", path)
	}
	return s, nil
}

// scanTimeOf returns the acquisition, series or study timestamp, whichever
// is present first.
func scanTimeOf(ds dicom.Dataset) string {
	pairs := [][2]tag.Tag{
		{tag.AcquisitionDate, tag.AcquisitionTime},
		{tag.SeriesDate, tag.SeriesTime},
		{tag.StudyDate, tag.StudyTime},
	}
	for _, p := range pairs {
		if t, ok := firstString(ds, p[1]); ok && t != "" {
			d, _ := firstString(ds, p[0])
			return d + t
		}
	}
	return ""
}

// Peek reads the modality and scan time of a series from its first slice
// without loading pixel data.
func Peek(path string) (models.Modality, string, error) {
	files, err := listSlices(path)
	if err != nil {
		return 0, "", err
	}
	sort.Strings(files)
	s, err := readSliceHeader(files[0])
	if err != nil {
		return 0, "", err
	}
	m, err := models.ParseModality(s.modality)
	if err != nil {
		return 0, "", fmt.Errorf("%s: %w", files[0], err)
	}
	return m, s.scanTime, nil
}

// Load reads every slice under path (a directory of .dcm files or a single
// file) into a one-frame volume with one plane per slice.
func Load(path string, arenas microvol.ArenaFactory) (*microvol.Volume, *Series, error) {
	files, err := listSlices(path)
	if err != nil {
		return nil, nil, err
	}

	slices := make([]slice, 0, len(files))
	modalities := map[string]bool{}
	for _, f := range files {
		s, err := readSliceHeader(f)
		if err != nil {
			return nil, nil, err
		}
		modalities[s.modality] = true
		slices = append(slices, s)
	}
	if len(modalities) != 1 {
		names := make([]string, 0, len(modalities))
		for m := range modalities {
			names = append(names, m)
		}
		sort.Strings(names)
		return nil, nil, fmt.Errorf("series in %s mixes modalities %s", path, strings.Join(names, "-"))
	}
	modality, err := models.ParseModality(slices[0].modality)
	if err != nil {
		return nil, nil, err
	}
	sort.SliceStable(slices, func(i, j int) bool { return slices[i].instance < slices[j].instance })

	rows, cols := slices[0].rows, slices[0].cols
	for _, s := range slices[1:] {
		if s.rows != rows || s.cols != cols {
			return nil, nil, fmt.Errorf("slice %s is %dx%d, expected %dx%d", s.path, s.cols, s.rows, cols, rows)
		}
	}

	if arenas == nil {
		arenas = microvol.NewHeapArena
	}
	arena, err := arenas(1, len(slices), rows*cols)
	if err != nil {
		return nil, nil, err
	}

	params := microvol.NewParams(modality)
	params.SetInt("x_dimension", cols)
	params.SetInt("y_dimension", rows)
	params.SetInt("z_dimension", len(slices))
	params.SetInt("total_frames", 1)
	params.SetInt("data_type", int(microvol.Int16))
	params.PerFrame["scale_factor"] = []float64{1}

	v := microvol.NewVolume(params, models.DICOM, len(slices), rows, cols, 1, arena)
	v.Path = path
	series := &Series{Modality: modality, Files: make([]string, len(slices)), ScanTime: slices[0].scanTime}

	log.WithFields(log.Fields{
		"path":     path,
		"modality": modality,
		"slices":   len(slices),
		"dims":     fmt.Sprintf("%dx%d", cols, rows),
	}).Info("Loading DICOM series")

	plane := make([]float32, rows*cols)
	for p, s := range slices {
		series.Files[p] = s.path
		pixrep, err := readPlane(s.path, rows, cols, plane)
		if err != nil {
			v.Release()
			return nil, nil, err
		}
		if p == 0 {
			series.PixelRepresentation = pixrep
		}
		if err := v.WritePlane(0, p, plane); err != nil {
			v.Release()
			return nil, nil, err
		}
	}
	return v, series, nil
}

// readPlane decodes the stored values of a single-frame slice into dst and
// returns its PixelRepresentation.
func readPlane(path string, rows, cols int, dst []float32) (int, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return 0, fmt.Errorf("error parsing %s: %w", path, err)
	}
	pixrep, _ := firstInt(ds, tag.PixelRepresentation)
	bits, ok := firstInt(ds, tag.BitsAllocated)
	if !ok {
		bits = 16
	}

	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return 0, fmt.Errorf("%s has no pixel data: %w", path, err)
	}
	info := dicom.MustGetPixelDataInfo(el.Value)
	if len(info.Frames) != 1 {
		return 0, fmt.Errorf("%s has %d frames, expected 1", path, len(info.Frames))
	}
	fr := info.Frames[0]
	if fr.Encapsulated {
		return 0, fmt.Errorf("%s: %w", path, ErrEncapsulated)
	}
	native, err := fr.GetNativeFrame()
	if err != nil {
		return 0, fmt.Errorf("error decoding %s: %w", path, err)
	}

	half := 1 << (bits - 1)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			px, err := native.GetPixel(x, y)
			if err != nil {
				return 0, fmt.Errorf("%s pixel (%d,%d): %w", path, x, y, err)
			}
			s := px[0]
			// two's complement samples read back as unsigned
			if pixrep == 1 && s >= half {
				s -= 2 * half
			}
			dst[y*cols+x] = float32(s)
		}
	}
	return pixrep, nil
}

// storedValue rounds v to a 16-bit sample for the given pixel representation.
func storedValue(v float32, pixrep int) uint16 {
	r := math.Round(float64(v))
	if pixrep == 1 {
		return uint16(int16(max(math.MinInt16, min(math.MaxInt16, r))))
	}
	return uint16(max(0, min(math.MaxUint16, r)))
}
