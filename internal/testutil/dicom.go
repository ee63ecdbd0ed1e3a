package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Series describes a synthetic DICOM slice series. Blob pixels on plane p
// hold Blob.Value+p so plane order can be checked after loading.
type Series struct {
	Modality           string // CT when empty
	Cols, Rows, Slices int
	Signed             bool
	Background         int
	Blobs              []Blob
	PatientID          string
	SeriesDescription  string
	StudyTime          string
}

// Value returns the stored sample at (row, col) of plane p.
func (s Series) Value(p, row, col int) int {
	for _, b := range s.Blobs {
		if row >= b.Row && row < b.Row+b.H && col >= b.Col && col < b.Col+b.W {
			return int(b.Value) + p
		}
	}
	return s.Background
}

// Write stores the series in dir, one file per slice. File names run against
// InstanceNumber so loaders must sort.
func (s Series) Write(t testing.TB, dir string) string {
	t.Helper()
	if s.Modality == "" {
		s.Modality = "CT"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	pixrep := 0
	if s.Signed {
		pixrep = 1
	}
	for p := 0; p < s.Slices; p++ {
		native := frame.NewNativeFrame[uint16](16, s.Rows, s.Cols, s.Rows*s.Cols, 1)
		for r := 0; r < s.Rows; r++ {
			for c := 0; c < s.Cols; c++ {
				native.RawData[r*s.Cols+c] = uint16(int16(s.Value(p, r, c)))
			}
		}
		sop := fmt.Sprintf("1.2.3.4.%d", p+1)
		elements := []*dicom.Element{
			mustElement(t, tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.2"}),
			mustElement(t, tag.MediaStorageSOPInstanceUID, []string{sop}),
			mustElement(t, tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}),
			mustElement(t, tag.SOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.2"}),
			mustElement(t, tag.SOPInstanceUID, []string{sop}),
			mustElement(t, tag.StudyTime, []string{s.StudyTime}),
			mustElement(t, tag.Modality, []string{s.Modality}),
			mustElement(t, tag.SeriesDescription, []string{s.SeriesDescription}),
			mustElement(t, tag.PatientName, []string{"hotel"}),
			mustElement(t, tag.PatientID, []string{s.PatientID}),
			mustElement(t, tag.StudyInstanceUID, []string{"1.2.3"}),
			mustElement(t, tag.SeriesInstanceUID, []string{"1.2.3.4"}),
			mustElement(t, tag.InstanceNumber, []string{strconv.Itoa(p + 1)}),
			mustElement(t, tag.SamplesPerPixel, []int{1}),
			mustElement(t, tag.PhotometricInterpretation, []string{"MONOCHROME2"}),
			mustElement(t, tag.Rows, []int{s.Rows}),
			mustElement(t, tag.Columns, []int{s.Cols}),
			mustElement(t, tag.BitsAllocated, []int{16}),
			mustElement(t, tag.BitsStored, []int{16}),
			mustElement(t, tag.HighBit, []int{15}),
			mustElement(t, tag.PixelRepresentation, []int{pixrep}),
			mustElement(t, tag.PixelData, dicom.PixelDataInfo{
				Frames: []*frame.Frame{{Encapsulated: false, NativeData: native}},
			}),
		}
		path := filepath.Join(dir, fmt.Sprintf("slice_%03d.dcm", s.Slices-p))
		f, err := os.Create(path)
		if err != nil {
			t.Fatal(err)
		}
		if err := dicom.Write(f, dicom.Dataset{Elements: elements}); err != nil {
			f.Close()
			t.Fatalf("Failed to write %s: %v", path, err)
		}
		if err := f.Close(); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func mustElement(t testing.TB, tg tag.Tag, v any) *dicom.Element {
	t.Helper()
	el, err := dicom.NewElement(tg, v)
	if err != nil {
		t.Fatalf("Failed to build element %v: %v", tg, err)
	}
	return el
}
