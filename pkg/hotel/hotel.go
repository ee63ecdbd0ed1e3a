// Package hotel reads the hotel scan record describing which subject lies
// where in the scanner and turns it into per-position metadata.
package hotel

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"splitmice/internal/models"
	"splitmice/pkg/dicomvol"
)

// ErrUnsupportedLayout is returned when the subject positions do not map to
// a row layout the splitter produces.
var ErrUnsupportedLayout = errors.New("unsupported hotel layout")

const (
	// gramsPerKilogram converts record weights for DICOM output.
	gramsPerKilogram = 1e3
	// becquerelPerMilliCurie converts record activities for DICOM output.
	becquerelPerMilliCurie = 37e6
)

// Position is the 1-based slot of a subject in the hotel.
type Position struct {
	X int `yaml:"x"`
	Y int `yaml:"y"`
}

// Subject is one animal of the record.
type Subject struct {
	SubjectID     string   `yaml:"subjectId"`
	SubjectLabel  string   `yaml:"subjectLabel"`
	Position      Position `yaml:"position"`
	Weight        *float64 `yaml:"weight"`   // grams
	Activity      *float64 `yaml:"activity"` // mCi
	InjectionDate string   `yaml:"injectionDate"`
	InjectionTime string   `yaml:"injectionTime"`
	Orientation   string   `yaml:"orientation"`
	Notes         string   `yaml:"notes"`
}

// Record is a hotel scan record. JSON records parse as well since JSON is
// valid YAML.
type Record struct {
	HotelSubjects         []Subject `yaml:"hotelSubjects"`
	TechnicianPerspective string    `yaml:"technicianPerspective"`
}

// Parse decodes a record.
func Parse(data []byte) (*Record, error) {
	var r Record
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("error parsing hotel scan record: %w", err)
	}
	return &r, nil
}

// Load reads a record from disk.
func Load(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading hotel scan record: %w", err)
	}
	return Parse(data)
}

// NumAnimals counts the subjects that carry an identifier.
func (r *Record) NumAnimals() int {
	n := 0
	for _, s := range r.HotelSubjects {
		if s.SubjectID != "" {
			n++
		}
	}
	return n
}

// BackPerspective reports whether the technician faced the back of the
// scanner, in which case images are flipped on y before splitting.
func (r *Record) BackPerspective() bool {
	return strings.EqualFold(strings.TrimSpace(r.TechnicianPerspective), "back")
}

// Positions assigns each subject a descriptor from its slot. One row holds
// one to three subjects (ctr; l r; l ctr r); two rows hold exactly two each.
func (r *Record) Positions() (map[models.Descriptor]Subject, error) {
	if len(r.HotelSubjects) == 0 {
		return nil, fmt.Errorf("%w: no subjects", ErrUnsupportedLayout)
	}
	rows := 0
	for _, s := range r.HotelSubjects {
		rows = max(rows, s.Position.Y)
	}
	byX := func(a, b Subject) int { return a.Position.X - b.Position.X }

	out := map[models.Descriptor]Subject{}
	switch rows {
	case 1:
		subj := slices.Clone(r.HotelSubjects)
		slices.SortStableFunc(subj, byX)
		switch len(subj) {
		case 1:
			out[models.Center] = subj[0]
		case 2:
			out[models.Left], out[models.Right] = subj[0], subj[1]
		case 3:
			out[models.Left], out[models.Center], out[models.Right] = subj[0], subj[1], subj[2]
		default:
			return nil, fmt.Errorf("%w: cannot split %d animals in one row", ErrUnsupportedLayout, len(subj))
		}
	case 2:
		var top, bottom []Subject
		for _, s := range r.HotelSubjects {
			switch s.Position.Y {
			case 1:
				top = append(top, s)
			case 2:
				bottom = append(bottom, s)
			}
		}
		if len(top) != 2 || len(bottom) != 2 {
			return nil, fmt.Errorf("%w: expecting 2 animals in each row, found %d in top row and %d in bottom row",
				ErrUnsupportedLayout, len(top), len(bottom))
		}
		slices.SortStableFunc(top, byX)
		slices.SortStableFunc(bottom, byX)
		out[models.LeftTop], out[models.RightTop] = top[0], top[1]
		out[models.LeftBottom], out[models.RightBottom] = bottom[0], bottom[1]
	default:
		return nil, fmt.Errorf("%w: cannot split %d rows of animals", ErrUnsupportedLayout, rows)
	}
	return out, nil
}

// digits keeps the digits of a date or time, so 2023-01-02 and 10:11:12.5
// become 20230102 and 101112.
func digits(s string, n int) string {
	var b strings.Builder
	for _, c := range s {
		if c == '.' {
			break
		}
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	out := b.String()
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Metadata converts the record to per-descriptor metadata for the given
// output format. DICOM output gets weights in kg and activities in Bq; the
// container keeps the record's units. Each subject gets a new study UID that
// is shared by all of its scans.
func (r *Record) Metadata(format models.SourceFormat) (map[models.Descriptor]models.Metadata, error) {
	positions, err := r.Positions()
	if err != nil {
		return nil, err
	}
	out := make(map[models.Descriptor]models.Metadata, len(positions))
	for desc, s := range positions {
		label := s.SubjectLabel
		if label == "" {
			label = "blank"
		}
		md := models.Metadata{
			SubjectID:     label,
			Name:          label,
			Orientation:   s.Orientation,
			Notes:         s.Notes,
			InjectionDate: digits(s.InjectionDate, 8),
			InjectionTime: digits(s.InjectionTime, 6),
			HasWeight:     true,
			HasDose:       true,
			StudyUID:      dicomvol.UID(),
		}
		if s.Weight != nil {
			md.Weight = *s.Weight
		}
		if s.Activity != nil {
			md.Dose = *s.Activity
		}
		if format == models.DICOM {
			md.Weight /= gramsPerKilogram
			md.Dose *= becquerelPerMilliCurie
		}
		out[desc] = md
		log.WithFields(log.Fields{"position": desc, "subject": label}).Debug("Mapped hotel subject")
	}
	return out, nil
}
