// Package microvol reads and writes the microPET container format: a text
// header (<name>.img.hdr) describing a flat raw data file (<name>.img).
package microvol

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"splitmice/internal/models"
)

// keywordSet describes which header keys a modality needs and how to type them.
type keywordSet struct {
	keywords []string
	integers map[string]bool
	perFrame map[string]bool
	strings  map[string]bool
}

// optionalKeys may be missing from a header without failing the parse.
var optionalKeys = map[string]bool{
	"animal_number":  true,
	"subject_weight": true,
	"dose":           true,
	"injection_time": true,
}

// IdentityKeys are cleared on every cut.
var IdentityKeys = []string{"animal_number", "subject_weight", "dose", "injection_time"}

var petKeywords = keywordSet{
	keywords: []string{
		"axial_blocks", "axial_crystals_per_block", "axial_crystal_pitch",
		"data_type", "z_dimension", "x_dimension", "y_dimension", "pixel_size",
		"total_frames", "calibration_factor", "scale_factor",
		"isotope_branching_fraction", "frame_duration",
		"animal_number", "subject_weight", "dose", "injection_time",
	},
	integers: set("data_type", "z_dimension", "total_frames", "x_dimension", "y_dimension"),
	perFrame: set("scale_factor", "frame_duration"),
	strings:  set("injection_time", "animal_number", "subject_weight", "dose"),
}

var ctKeywords = keywordSet{
	keywords: []string{
		"data_type", "z_dimension", "x_dimension", "y_dimension", "pixel_size",
		"total_frames", "scale_factor", "animal_number", "frame_duration",
		"subject_weight",
	},
	integers: set("data_type", "z_dimension", "total_frames", "x_dimension", "y_dimension"),
	perFrame: set("scale_factor", "frame_duration"),
	strings:  set("animal_number", "subject_weight"),
}

func set(keys ...string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}

func keywordsFor(m models.Modality) keywordSet {
	if m == models.CT {
		return ctKeywords
	}
	return petKeywords
}

// HeaderParseError lists the required keys a header did not provide.
type HeaderParseError struct {
	Path    string
	Missing []string
}

func (e *HeaderParseError) Error() string {
	return fmt.Sprintf("failed to parse header %s: missing %s", e.Path, strings.Join(e.Missing, ", "))
}

// Params holds the typed values of a parsed header.
type Params struct {
	Modality models.Modality
	Ints     map[string]int
	Floats   map[string]float64
	Strings  map[string]string
	PerFrame map[string][]float64
}

// NewParams returns empty params for modality m.
func NewParams(m models.Modality) *Params {
	return &Params{
		Modality: m,
		Ints:     map[string]int{},
		Floats:   map[string]float64{},
		Strings:  map[string]string{},
		PerFrame: map[string][]float64{},
	}
}

func (p *Params) XDim() int { return p.Ints["x_dimension"] }
func (p *Params) YDim() int { return p.Ints["y_dimension"] }
func (p *Params) ZDim() int { return p.Ints["z_dimension"] }
func (p *Params) Frames() int { return p.Ints["total_frames"] }
func (p *Params) DataType() DataType { return DataType(p.Ints["data_type"]) }

// ScaleFactors returns the per-frame scale factors in file order.
func (p *Params) ScaleFactors() []float64 { return p.PerFrame["scale_factor"] }

// Clone returns a deep copy.
func (p *Params) Clone() *Params {
	c := NewParams(p.Modality)
	for k, v := range p.Ints {
		c.Ints[k] = v
	}
	for k, v := range p.Floats {
		c.Floats[k] = v
	}
	for k, v := range p.Strings {
		c.Strings[k] = v
	}
	for k, v := range p.PerFrame {
		c.PerFrame[k] = append([]float64(nil), v...)
	}
	return c
}

// SetString stores a value that is written back to the header verbatim.
func (p *Params) SetString(key, value string) {
	delete(p.Ints, key)
	delete(p.Floats, key)
	p.Strings[key] = value
}

// SetInt stores an integer value.
func (p *Params) SetInt(key string, value int) {
	delete(p.Strings, key)
	delete(p.Floats, key)
	p.Ints[key] = value
}

// Value renders a scalar parameter the way it appears in a header.
func (p *Params) Value(key string) (string, bool) {
	if v, ok := p.Ints[key]; ok {
		return strconv.Itoa(v), true
	}
	if v, ok := p.Floats[key]; ok {
		return strconv.FormatFloat(v, 'g', -1, 64), true
	}
	if v, ok := p.Strings[key]; ok {
		return v, true
	}
	return "", false
}

// ReadHeaderLines returns the header split into lines, without trailing
// newlines.
func ReadHeaderLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening header: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("error reading header: %w", err)
	}
	return lines, nil
}

// ParseHeader parses the header at path using the keyword set of modality m.
func ParseHeader(path string, m models.Modality) (*Params, error) {
	lines, err := ReadHeaderLines(path)
	if err != nil {
		return nil, err
	}
	p, missing := parseLines(lines, keywordsFor(m), m)
	if len(missing) > 0 {
		return nil, &HeaderParseError{Path: path, Missing: missing}
	}
	return p, nil
}

// DetectModality parses the header as PET and falls back to CT.
func DetectModality(path string) (*Params, error) {
	lines, err := ReadHeaderLines(path)
	if err != nil {
		return nil, err
	}
	p, missing := parseLines(lines, petKeywords, models.PET)
	if len(missing) == 0 {
		return p, nil
	}
	p, missingCT := parseLines(lines, ctKeywords, models.CT)
	if len(missingCT) == 0 {
		return p, nil
	}
	return nil, &HeaderParseError{Path: path, Missing: missingCT}
}

func parseLines(lines []string, ks keywordSet, m models.Modality) (*Params, []string) {
	p := NewParams(m)
	seen := map[string]bool{}

	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kw := fields[0]
		if !contains(ks.keywords, kw) {
			continue
		}
		if ks.perFrame[kw] {
			v, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				continue
			}
			p.PerFrame[kw] = append(p.PerFrame[kw], v)
			seen[kw] = true
			continue
		}
		if seen[kw] {
			continue
		}
		switch {
		case ks.integers[kw]:
			v, err := strconv.Atoi(fields[1])
			if err != nil {
				continue
			}
			p.Ints[kw] = v
		case ks.strings[kw]:
			p.Strings[kw] = strings.Join(fields[1:], " ")
		default:
			v, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				continue
			}
			p.Floats[kw] = v
		}
		seen[kw] = true
	}

	var missing []string
	for _, kw := range ks.keywords {
		if !seen[kw] && !optionalKeys[kw] {
			missing = append(missing, kw)
		}
	}
	sort.Strings(missing)

	for kw := range ks.strings {
		if _, ok := p.Strings[kw]; !ok {
			p.Strings[kw] = ""
		}
	}
	return p, missing
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Update is one header rewrite.
type Update struct {
	Key   string
	Value string
}

// PatchHeader rewrites, for each update, the first line that starts with
// "key " or equals key. Keys that are not present are skipped. The input is
// not modified.
func PatchHeader(lines []string, updates []Update) []string {
	out := append([]string(nil), lines...)
	for _, u := range updates {
		for i, line := range out {
			t := strings.TrimSpace(line)
			if strings.HasPrefix(t, u.Key+" ") || t == u.Key {
				out[i] = u.Key + " " + u.Value
				break
			}
		}
	}
	return out
}

// LineValue returns the text after key on the first matching line.
func LineValue(lines []string, key string) (string, bool) {
	for _, line := range lines {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, key+" ") || t == key {
			return strings.TrimSpace(strings.TrimPrefix(t, key)), true
		}
	}
	return "", false
}
