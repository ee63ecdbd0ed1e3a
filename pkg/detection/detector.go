package detection

import (
	"errors"
	"fmt"
	"math"
	"slices"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"splitmice/internal/models"
	"splitmice/pkg/microvol"
)

var (
	// ErrDetectionExhausted means the retry loop ran out of thresholds before
	// finding the expected number of subjects.
	ErrDetectionExhausted = errors.New("detection retries exhausted")

	// ErrNoRegions means nothing survived thresholding and filtering.
	ErrNoRegions = errors.New("no regions detected")
)

// maxUnexpectedRegions is the most regions a scan without a known subject
// count may produce.
const maxUnexpectedRegions = 4

// Config holds the per-invocation detection parameters.
type Config struct {
	// NumAnim is the expected subject count; zero when unknown.
	NumAnim int `yaml:"numAnim" toml:"num_anim"`

	// SepThresh is the initial PET level as a fraction of the mean projection.
	SepThresh float64 `yaml:"sepThresh" toml:"sep_thresh"`

	// MinPix is the smallest region area kept, in projection pixels.
	MinPix float64 `yaml:"minPix" toml:"min_pix"`

	// Margin expands one- and two-subject layouts, in pixels.
	Margin int `yaml:"margin" toml:"margin"`

	// MaxCTAttempts bounds the CT threshold retries.
	MaxCTAttempts int `yaml:"maxCTAttempts" toml:"max_ct_attempts"`

	// StrictCT makes a CT count mismatch fail like PET does instead of
	// leaving it to coregistration.
	StrictCT bool `yaml:"strictCT" toml:"strict_ct"`

	RemoveBed     bool `yaml:"removeBed" toml:"remove_bed"`
	BedRadius     int  `yaml:"bedRadius" toml:"bed_radius"`
	BedIterations int  `yaml:"bedIterations" toml:"bed_iterations"`

	// Binary selects the CT per-plane vote projection.
	Binary    bool    `yaml:"binary" toml:"binary"`
	VoteLevel float64 `yaml:"voteLevel" toml:"vote_level"`

	// Sigma is the PET smoothing width in pixels.
	Sigma float64 `yaml:"sigma" toml:"sigma"`
}

// DefaultConfig returns the usual parameters for a modality.
func DefaultConfig(m models.Modality) Config {
	cfg := Config{
		SepThresh:     0.9,
		MaxCTAttempts: 10,
		BedRadius:     10,
		BedIterations: 2,
		VoteLevel:     50,
		Sigma:         1.0 / 48.0,
	}
	if m == models.CT {
		cfg.MinPix = 3300
		cfg.Margin = 20
		cfg.RemoveBed = true
	} else {
		cfg.MinPix = 200
		cfg.Margin = 4
	}
	return cfg
}

// Result is the outcome of one detection run.
type Result struct {
	Regions []Region

	// RawCount is the number of components found at the first threshold,
	// before any filtering.
	RawCount int

	// Level is the final intensity threshold.
	Level float64

	// Attempts counts the thresholds tried.
	Attempts int

	// MinPix is the area cutoff in effect at the end.
	MinPix float64

	// Projection is the image the regions were labeled on; Mask is its
	// binarization at Level.
	Projection *mat.Dense
	Mask       *mat.Dense
}

// Detector runs a Strategy and a Labeler under a Config.
type Detector struct {
	Strategy Strategy
	Labeler  Labeler
	Config   Config
}

// NewDetector builds a detector with the default connected-component labeler.
func NewDetector(m models.Modality, format models.SourceFormat, cfg Config) (*Detector, error) {
	s, err := NewStrategy(m, format, cfg)
	if err != nil {
		return nil, err
	}
	return &Detector{Strategy: s, Labeler: ComponentLabeler{}, Config: cfg}, nil
}

// Detect projects v and finds its subjects.
func (d *Detector) Detect(v *microvol.Volume) (*Result, error) {
	proj, err := d.Strategy.Project(v)
	if err != nil {
		return nil, fmt.Errorf("error projecting volume: %w", err)
	}
	return d.DetectProjection(proj)
}

// DetectProjection finds subjects on an existing projection.
func (d *Detector) DetectProjection(proj *mat.Dense) (*Result, error) {
	work := proj
	if d.Config.RemoveBed {
		log.Debug("Removing bed")
		work = d.Strategy.RemoveBed(proj)
	}

	res := &Result{Projection: work, MinPix: d.Config.MinPix}
	regions, ok := d.label(res, proj, work, 0)
	if !ok {
		return nil, fmt.Errorf("%w: no initial threshold", ErrDetectionExhausted)
	}
	res.RawCount = len(regions)

	fields := log.Fields{
		"modality": d.Strategy.Modality(),
		"regions":  len(regions),
		"level":    res.Level,
	}
	log.WithFields(fields).Info("Initial detection")

	var err error
	if d.Config.NumAnim > 0 {
		regions, err = d.reconcileExpected(res, proj, work, regions)
	} else {
		regions, err = d.reconcileUnknown(res, proj, work, regions)
	}
	if err != nil {
		return nil, err
	}
	if len(regions) == 0 {
		return nil, ErrNoRegions
	}

	res.Regions = regions
	res.Mask = Binarize(work, res.Level)
	log.WithFields(log.Fields{
		"modality": d.Strategy.Modality(),
		"regions":  len(regions),
		"attempts": res.Attempts,
		"areas":    areas(regions),
	}).Info("Detection complete")
	return res, nil
}

func (d *Detector) label(res *Result, proj, work *mat.Dense, attempt int) ([]Region, bool) {
	level, ok := d.Strategy.Threshold(proj, attempt)
	if !ok {
		return nil, false
	}
	res.Level = level
	res.Attempts = attempt + 1
	return d.Labeler.Label(work, level), true
}

// reconcileExpected raises the threshold until at least NumAnim regions
// appear, then keeps the NumAnim largest.
func (d *Detector) reconcileExpected(res *Result, proj, work *mat.Dense, regions []Region) ([]Region, error) {
	want := d.Config.NumAnim
	ct := d.Strategy.Modality() == models.CT
	if ct {
		regions = filterArea(regions, d.Config.MinPix)
	}

	if len(regions) < want {
		log.WithFields(log.Fields{"found": len(regions), "expected": want}).
			Info("Fewer regions than subjects, raising threshold")
	}
	best := regions
	bestLevel := res.Level
	for attempt := 1; len(regions) < want; attempt++ {
		next, ok := d.label(res, proj, work, attempt)
		if !ok {
			break
		}
		if ct {
			next = filterArea(next, d.Config.MinPix)
		}
		regions = next
		if len(regions) > len(best) {
			best, bestLevel = regions, res.Level
		}
	}

	if len(regions) < want {
		if !ct || d.Config.StrictCT {
			return nil, fmt.Errorf("%w: found %d of %d subjects after %d attempts",
				ErrDetectionExhausted, len(regions), want, res.Attempts)
		}
		log.WithFields(log.Fields{"found": len(best), "expected": want}).
			Warn("CT region count mismatch, continuing with best attempt")
		regions = best
		res.Level = bestLevel
	}

	if len(regions) > want {
		regions = largest(regions, want)
	}
	return regions, nil
}

// reconcileUnknown drops small regions and tightens until at most four remain.
func (d *Detector) reconcileUnknown(res *Result, proj, work *mat.Dense, regions []Region) ([]Region, error) {
	all := regions
	valid := filterArea(all, res.MinPix)
	if len(valid) <= maxUnexpectedRegions {
		return valid, nil
	}
	log.WithField("regions", len(valid)).Info("Too many regions, compensating")

	if d.Strategy.Modality() == models.CT {
		for attempt := 1; len(valid) > maxUnexpectedRegions; attempt++ {
			next, ok := d.label(res, proj, work, attempt)
			if !ok {
				if d.Config.StrictCT {
					return nil, fmt.Errorf("%w: %d regions remain after %d attempts",
						ErrDetectionExhausted, len(valid), res.Attempts)
				}
				log.WithField("regions", len(valid)).Warn("CT region count still too high, continuing")
				break
			}
			valid = filterArea(next, res.MinPix)
		}
		return valid, nil
	}

	inc := math.Max(0.1*d.Config.MinPix, 1)
	for len(valid) > maxUnexpectedRegions {
		res.MinPix += inc
		valid = filterArea(all, res.MinPix)
	}
	return valid, nil
}

func filterArea(regions []Region, minPix float64) []Region {
	var out []Region
	for _, r := range regions {
		if float64(r.Area) >= minPix {
			out = append(out, r)
		}
	}
	return out
}

// largest returns the n regions of greatest area, ties kept in label order.
func largest(regions []Region, n int) []Region {
	sorted := slices.Clone(regions)
	slices.SortStableFunc(sorted, func(a, b Region) int { return b.Area - a.Area })
	return sorted[:n]
}

func areas(regions []Region) []int {
	out := make([]int, len(regions))
	for i, r := range regions {
		out[i] = r.Area
	}
	return out
}
