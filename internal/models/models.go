package models

import (
	"fmt"
	"strings"
)

// Modality is the closed set of scan modalities the splitter understands.
type Modality int

const (
	PET Modality = iota
	CT
)

func (m Modality) String() string {
	switch m {
	case PET:
		return "PET"
	case CT:
		return "CT"
	default:
		return fmt.Sprintf("Modality(%d)", int(m))
	}
}

// ParseModality accepts the spellings found in headers and DICOM tags.
func ParseModality(s string) (Modality, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PET", "PT":
		return PET, nil
	case "CT":
		return CT, nil
	}
	return 0, fmt.Errorf("unknown modality %q", s)
}

// SourceFormat tags where a volume came from, orthogonal to Modality.
type SourceFormat int

const (
	// Container is the .hdr/.img pair written by microPET scanners.
	Container SourceFormat = iota
	// DICOM is a stack of slice files.
	DICOM
)

func (f SourceFormat) String() string {
	if f == DICOM {
		return "dicom"
	}
	return "container"
}

// Descriptor is the positional label of one subject in a hotel scan.
type Descriptor string

const (
	Center      Descriptor = "ctr"
	Left        Descriptor = "l"
	Right       Descriptor = "r"
	LeftTop     Descriptor = "lt"
	RightTop    Descriptor = "rt"
	LeftBottom  Descriptor = "lb"
	RightBottom Descriptor = "rb"
	// Outside is reported for points that fall outside a reference box.
	Outside Descriptor = "ot"
)

// Quadrant represents one of the four quadrants of a reference box.
type Quadrant int

const (
	TopLeft Quadrant = iota
	TopRight
	BottomLeft
	BottomRight
)

// Descriptor returns the positional label for the quadrant.
func (q Quadrant) Descriptor() Descriptor {
	switch q {
	case TopLeft:
		return LeftTop
	case TopRight:
		return RightTop
	case BottomLeft:
		return LeftBottom
	case BottomRight:
		return RightBottom
	}
	return Outside
}

// QuadrantOf maps a quadrant descriptor back to its index. ok is false for
// ctr, l, r and ot.
func QuadrantOf(d Descriptor) (Quadrant, bool) {
	switch d {
	case LeftTop:
		return TopLeft, true
	case RightTop:
		return TopRight, true
	case LeftBottom:
		return BottomLeft, true
	case RightBottom:
		return BottomRight, true
	}
	return 0, false
}

// Metadata is the per-subject record applied to a cut before it is written.
// Empty fields are left untouched in the output header.
type Metadata struct {
	// SubjectID becomes subject_identifier / PatientID and keys the manifest.
	SubjectID string

	// Name is the display name (PatientName for DICOM).
	Name string

	// Weight in the unit expected by the output format.
	Weight    float64
	HasWeight bool

	// Orientation is a patient position code such as HFP or FFS.
	Orientation string

	Notes string

	// InjectionDate is YYYYMMDD, InjectionTime is HHMMSS.
	InjectionDate string
	InjectionTime string

	// Dose is the total injected activity in the output format's unit.
	Dose    float64
	HasDose bool

	// StudyUID is shared by all scans of one subject.
	StudyUID string
}
