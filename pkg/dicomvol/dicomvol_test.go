package dicomvol

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"splitmice/internal/models"
	"splitmice/internal/testutil"
	"splitmice/pkg/geometry"
	"splitmice/pkg/layout"
	"splitmice/pkg/writer"
)

func ctSeries() testutil.Series {
	return testutil.Series{
		Cols:              12,
		Rows:              8,
		Slices:            3,
		Signed:            true,
		Background:        -1000,
		Blobs:             []testutil.Blob{{Row: 2, Col: 3, H: 4, W: 5, Value: 200}},
		PatientID:         "hotel",
		SeriesDescription: "CT hotel",
	}
}

func TestUID(t *testing.T) {
	a, b := UID(), UID()
	if !strings.HasPrefix(a, "2.25.") {
		t.Errorf("UID %q lacks 2.25. prefix", a)
	}
	if a == b {
		t.Error("Expected distinct UIDs")
	}
	if len(a) > 64 {
		t.Errorf("UID %q exceeds 64 characters", a)
	}
}

func TestLoadSortsByInstanceNumber(t *testing.T) {
	s := ctSeries()
	dir := s.Write(t, filepath.Join(t.TempDir(), "ct"))

	v, series, err := Load(dir, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer v.Release()

	if series.Modality != models.CT {
		t.Errorf("Expected CT, got %v", series.Modality)
	}
	if series.PixelRepresentation != 1 {
		t.Errorf("Expected signed pixels, got representation %d", series.PixelRepresentation)
	}
	if v.Format != models.DICOM || v.Planes != 3 || v.Rows != 8 || v.Cols != 12 || v.Frames != 1 {
		t.Fatalf("Unexpected volume shape %s %dx%dx%dx%d", v.Format, v.Cols, v.Rows, v.Planes, v.Frames)
	}
	if v.Params.XDim() != 12 || v.Params.YDim() != 8 || v.Params.ZDim() != 3 {
		t.Errorf("Params do not describe the series: %+v", v.Params.Ints)
	}

	plane := make([]float32, v.PlaneLen())
	for p := 0; p < v.Planes; p++ {
		if err := v.ReadPlane(0, p, plane); err != nil {
			t.Fatal(err)
		}
		if got, want := plane[3*12+4], float32(s.Value(p, 3, 4)); got != want {
			t.Errorf("Plane %d blob: got %v, want %v", p, got, want)
		}
		if plane[0] != -1000 {
			t.Errorf("Plane %d background: got %v, want -1000", p, plane[0])
		}
	}
}

func TestPeek(t *testing.T) {
	s := ctSeries()
	s.StudyTime = "091500"
	dir := s.Write(t, filepath.Join(t.TempDir(), "ct"))

	m, scanTime, err := Peek(dir)
	if err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	if m != models.CT {
		t.Errorf("Expected CT, got %v", m)
	}
	if scanTime != "091500" {
		t.Errorf("Expected study time as scan time, got %q", scanTime)
	}

	v, series, err := Load(dir, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer v.Release()
	if series.ScanTime != scanTime {
		t.Errorf("Load and Peek disagree on scan time: %q vs %q", series.ScanTime, scanTime)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Run("empty directory", func(t *testing.T) {
		_, _, err := Load(t.TempDir(), nil)
		if !errors.Is(err, ErrNoSlices) {
			t.Errorf("Expected ErrNoSlices, got %v", err)
		}
	})

	t.Run("mixed modalities", func(t *testing.T) {
		dir := t.TempDir()
		ct := ctSeries()
		ct.Slices = 1
		ct.Write(t, filepath.Join(dir, "a"))
		pt := ctSeries()
		pt.Slices = 1
		pt.Modality = "PT"
		pt.Write(t, filepath.Join(dir, "b"))
		if err := os.Rename(filepath.Join(dir, "b", "slice_001.dcm"), filepath.Join(dir, "a", "slice_002.dcm")); err != nil {
			t.Fatal(err)
		}
		if _, _, err := Load(filepath.Join(dir, "a"), nil); err == nil {
			t.Error("Expected an error for a mixed series")
		}
	})
}

func TestWriteCut(t *testing.T) {
	s := ctSeries()
	v, series, err := Load(s.Write(t, filepath.Join(t.TempDir(), "ct")), nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer v.Release()

	l := layout.Layout{{Desc: models.Left, Rect: geometry.New(2, 1, 9, 7)}}
	md := map[models.Descriptor]models.Metadata{
		models.Left: {
			SubjectID:   "mouse-1",
			Name:        "mouse-1",
			Weight:      0.025,
			HasWeight:   true,
			Orientation: "HFP",
			Notes:       "fasted",
			StudyUID:    "2.25.42",
		},
	}
	cuts, err := writer.Extract(v, l, nil, md, nil)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	defer writer.ReleaseAll(cuts)

	out := t.TempDir()
	w := NewWriter(series, writer.Options{OutDir: out, Zip: true}, nil)
	zipPath, err := w.WriteCut(cuts[0])
	if err != nil {
		t.Fatalf("WriteCut failed: %v", err)
	}
	if zipPath != filepath.Join(out, "0.zip") {
		t.Errorf("Unexpected archive path %s", zipPath)
	}

	files, err := filepath.Glob(filepath.Join(out, "0", "*.dcm"))
	if err != nil || len(files) != 3 {
		t.Fatalf("Expected 3 slices, got %d (%v)", len(files), err)
	}

	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		t.Fatalf("Failed to open archive: %v", err)
	}
	if len(zr.File) != 3 || !strings.HasPrefix(zr.File[0].Name, "0/") {
		t.Errorf("Unexpected archive entries %d, first %q", len(zr.File), zr.File[0].Name)
	}
	zr.Close()

	ds, err := dicom.ParseFile(files[0], nil)
	if err != nil {
		t.Fatalf("Failed to parse output: %v", err)
	}
	checks := map[tag.Tag]string{
		tag.PatientID:          "mouse-1",
		tag.PatientName:        "mouse-1",
		tag.PatientWeight:      "0.025",
		tag.PatientOrientation: "HFP",
		tag.PatientComments:    "fasted",
		tag.StudyInstanceUID:   "2.25.42",
		tag.SeriesDescription:  "CT hotel split mouse-1",
	}
	for tg, want := range checks {
		if got, _ := firstString(ds, tg); got != want {
			t.Errorf("%v: got %q, want %q", tg, got, want)
		}
	}
	if uid, _ := firstString(ds, tag.SeriesInstanceUID); !strings.HasPrefix(uid, "2.25.") {
		t.Errorf("Series UID %q was not regenerated", uid)
	}
	el, err := ds.FindElementByTag(tag.ImageType)
	if err != nil || strings.Join(dicom.MustGetStrings(el.Value), "\\") != "DERIVED\\PRIMARY\\SPLIT" {
		t.Errorf("Unexpected ImageType: %v", err)
	}
	if rows, _ := firstInt(ds, tag.Rows); rows != 6 {
		t.Errorf("Expected 6 rows, got %d", rows)
	}
	if cols, _ := firstInt(ds, tag.Columns); cols != 7 {
		t.Errorf("Expected 7 columns, got %d", cols)
	}

	// the written series loads back as the crop
	back, _, err := Load(filepath.Join(out, "0"), nil)
	if err != nil {
		t.Fatalf("Reloading cut failed: %v", err)
	}
	defer back.Release()
	plane := make([]float32, back.PlaneLen())
	for p := 0; p < back.Planes; p++ {
		if err := back.ReadPlane(0, p, plane); err != nil {
			t.Fatal(err)
		}
		for r := 0; r < back.Rows; r++ {
			for c := 0; c < back.Cols; c++ {
				if got, want := plane[r*back.Cols+c], float32(s.Value(p, r+1, c+2)); got != want {
					t.Fatalf("Plane %d (%d,%d): got %v, want %v", p, r, c, got, want)
				}
			}
		}
	}

	entries := w.Manifest().Entries()
	if len(entries) != 1 || entries[0].SubjectID != "mouse-1" || entries[0].Path != zipPath {
		t.Errorf("Unexpected manifest %+v", entries)
	}
}

func TestWriteCutWithoutSubject(t *testing.T) {
	v, series, err := Load(ctSeries().Write(t, filepath.Join(t.TempDir(), "ct")), nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer v.Release()

	cuts, err := writer.Extract(v, layout.Layout{{Desc: models.Center, Rect: geometry.New(0, 0, 6, 6)}}, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer writer.ReleaseAll(cuts)

	out := t.TempDir()
	w := NewWriter(series, writer.Options{OutDir: out, Zip: true}, nil)
	if _, err := w.WriteCut(cuts[0]); !errors.Is(err, writer.ErrNoSubject) {
		t.Errorf("Expected ErrNoSubject, got %v", err)
	}

	w = NewWriter(series, writer.Options{OutDir: out}, nil)
	if err := w.WriteAll(cuts); err != nil {
		t.Fatalf("WriteAll failed: %v", err)
	}
	if len(w.Manifest().Entries()) != 0 {
		t.Error("Cut without subject must not be recorded")
	}
	w.Cleanup()
	if _, err := os.Stat(filepath.Join(out, "0")); !os.IsNotExist(err) {
		t.Errorf("Cleanup left the cut directory behind: %v", err)
	}
}
