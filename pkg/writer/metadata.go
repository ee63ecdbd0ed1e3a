package writer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"splitmice/internal/models"
	"splitmice/pkg/microvol"
)

// InjectionTimeLayout is the header's injection_time format.
const InjectionTimeLayout = "Mon Jan 2 15:04:05 2006"

var orientationCodes = map[string]int{
	"FFP":  1,
	"HFP":  2,
	"FFS":  3,
	"HFS":  4,
	"FFDR": 5,
	"HFDR": 6,
	"FFDL": 7,
	"HFDL": 8,
}

// OrientationCode maps a patient position to the header's numeric code; 0
// means unknown.
func OrientationCode(o string) int {
	return orientationCodes[strings.ToUpper(strings.TrimSpace(o))]
}

// InjectionTime renders the injection timestamp. With a date (YYYYMMDD) the
// full timestamp is built from date and time (HHMMSS); without one, the time
// replaces the clock field of scanTime.
func InjectionTime(date, clock, scanTime string) (string, error) {
	if len(clock) != 6 {
		return "", fmt.Errorf("invalid injection time %q (want HHMMSS)", clock)
	}
	if date != "" {
		t, err := time.Parse("20060102150405", date+clock)
		if err != nil {
			return "", fmt.Errorf("invalid injection date/time %q %q: %w", date, clock, err)
		}
		return t.Format(InjectionTimeLayout), nil
	}
	fields := strings.Fields(scanTime)
	if len(fields) < 4 {
		return "", fmt.Errorf("cannot place injection time in scan_time %q", scanTime)
	}
	fields[3] = clock[:2] + ":" + clock[2:4] + ":" + clock[4:]
	return strings.Join(fields, " "), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ApplyMetadata stores the cut's metadata in its params and returns the parent
// header lines patched for the cut. Dimension keys and subject_weight are
// always rewritten, plus dose and injection_time for PET. Lines the header
// does not have are skipped.
func ApplyMetadata(c *Cut, lines []string) ([]string, error) {
	p := c.Volume.Params
	keys := []string{"x_dimension", "y_dimension", "z_dimension", "subject_weight"}
	if p.Modality == models.PET {
		keys = append(keys, "dose", "injection_time")
	}

	if md := c.Metadata; md != nil {
		if md.SubjectID != "" {
			p.SetString("subject_identifier", md.SubjectID)
			keys = append(keys, "subject_identifier")
		}
		if md.HasWeight {
			p.SetString("subject_weight", formatFloat(md.Weight))
		}
		if md.Orientation != "" {
			p.SetInt("subject_orientation", OrientationCode(md.Orientation))
			keys = append(keys, "subject_orientation")
		}
		if md.Notes != "" {
			p.SetString("acquisition_notes", md.Notes)
			keys = append(keys, "acquisition_notes")
		}
		if md.InjectionTime != "" {
			scanTime, _ := microvol.LineValue(lines, "scan_time")
			it, err := InjectionTime(md.InjectionDate, md.InjectionTime, scanTime)
			if err != nil {
				return nil, err
			}
			p.SetString("injection_time", it)
		}
		if md.HasDose {
			p.SetString("dose", formatFloat(md.Dose))
		}
	}

	updates := make([]microvol.Update, 0, len(keys))
	for _, k := range keys {
		v, _ := p.Value(k)
		updates = append(updates, microvol.Update{Key: k, Value: v})
	}
	return microvol.PatchHeader(lines, updates), nil
}
