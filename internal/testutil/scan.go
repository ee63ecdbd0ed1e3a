// Package testutil builds synthetic hotel scans for tests.
package testutil

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"splitmice/internal/models"
	"splitmice/pkg/microvol"
)

// Blob is a rectangular block of constant intensity present on every plane.
type Blob struct {
	Row, Col int
	H, W     int
	Value    float64
}

// Scan describes a synthetic container scan.
type Scan struct {
	Modality           models.Modality
	Cols, Rows, Planes int
	Frames             int     // 1 when zero
	DataType           int     // int16 when zero
	Scale              float64 // 1 when zero
	Blobs              []Blob
	ScanTime           string
}

func (s Scan) withDefaults() Scan {
	if s.Frames == 0 {
		s.Frames = 1
	}
	if s.DataType == 0 {
		s.DataType = int(microvol.Int16)
	}
	if s.Scale == 0 {
		s.Scale = 1
	}
	if s.ScanTime == "" {
		s.ScanTime = "Mon Jan 2 10:11:12 2023"
	}
	return s
}

// Header renders the scan's container header.
func (s Scan) Header() string {
	s = s.withDefaults()
	var b strings.Builder
	b.WriteString("#\n# Header file for data file scan.img\n#\n")
	if s.Modality == models.PET {
		b.WriteString("axial_blocks 4\naxial_crystals_per_block 20\naxial_crystal_pitch 0.8\n")
		b.WriteString("calibration_factor 1.5\nisotope_branching_fraction 0.967\n")
	}
	fmt.Fprintf(&b, "data_type %d\n", s.DataType)
	fmt.Fprintf(&b, "x_dimension %d\ny_dimension %d\nz_dimension %d\n", s.Cols, s.Rows, s.Planes)
	b.WriteString("pixel_size 0.2\n")
	fmt.Fprintf(&b, "total_frames %d\n", s.Frames)
	fmt.Fprintf(&b, "scan_time %s\n", s.ScanTime)
	b.WriteString("subject_identifier hotel\n")
	b.WriteString("subject_orientation 0\n")
	b.WriteString("acquisition_notes none\n")
	b.WriteString("animal_number hotel-1\n")
	b.WriteString("subject_weight 0.1\n")
	if s.Modality == models.PET {
		b.WriteString("dose 1.2\n")
		fmt.Fprintf(&b, "injection_time %s\n", s.ScanTime)
	}
	for f := 0; f < s.Frames; f++ {
		fmt.Fprintf(&b, "frame %d\nscale_factor %g\nframe_duration 600\n", f, s.Scale)
	}
	return b.String()
}

// Samples returns the stored (unscaled) samples in file order.
func (s Scan) Samples() []float64 {
	s = s.withDefaults()
	plane := make([]float64, s.Rows*s.Cols)
	for _, bl := range s.Blobs {
		for r := bl.Row; r < bl.Row+bl.H && r < s.Rows; r++ {
			for c := bl.Col; c < bl.Col+bl.W && c < s.Cols; c++ {
				plane[r*s.Cols+c] = bl.Value / s.Scale
			}
		}
	}
	out := make([]float64, 0, len(plane)*s.Planes*s.Frames)
	for i := 0; i < s.Planes*s.Frames; i++ {
		out = append(out, plane...)
	}
	return out
}

// Write stores the scan as dir/name.img with its header and returns the data
// file path.
func (s Scan) Write(t testing.TB, dir, name string) string {
	t.Helper()
	s = s.withDefaults()
	img := filepath.Join(dir, name+".img")
	if err := os.WriteFile(microvol.HeaderPath(img), []byte(s.Header()), 0644); err != nil {
		t.Fatalf("Failed to write header: %v", err)
	}
	var buf bytes.Buffer
	if err := microvol.WriteSamples(&buf, microvol.DataType(s.DataType), s.Samples(), 0); err != nil {
		t.Fatalf("Failed to encode samples: %v", err)
	}
	if err := os.WriteFile(img, buf.Bytes(), 0644); err != nil {
		t.Fatalf("Failed to write data: %v", err)
	}
	return img
}
