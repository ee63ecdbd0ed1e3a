package detection

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"splitmice/internal/models"
	"splitmice/pkg/microvol"
)

// Strategy is the per-modality part of detection.
type Strategy interface {
	Modality() models.Modality

	// Project collapses the volume to a rows x cols image.
	Project(v *microvol.Volume) (*mat.Dense, error)

	// RemoveBed strips thin support structures from a projection.
	RemoveBed(proj *mat.Dense) *mat.Dense

	// Threshold returns the level for the given retry attempt, starting at 0.
	// ok is false once the strategy has no further level to offer.
	Threshold(proj *mat.Dense, attempt int) (level float64, ok bool)
}

// NewStrategy picks the strategy for a modality and source format.
func NewStrategy(m models.Modality, format models.SourceFormat, cfg Config) (Strategy, error) {
	switch m {
	case models.PET:
		return &PETStrategy{SepThresh: cfg.SepThresh, Sigma: cfg.Sigma}, nil
	case models.CT:
		return &CTStrategy{
			Format:        format,
			Binary:        cfg.Binary,
			VoteLevel:     cfg.VoteLevel,
			BedRadius:     cfg.BedRadius,
			BedIterations: cfg.BedIterations,
			MaxAttempts:   cfg.MaxCTAttempts,
		}, nil
	}
	return nil, fmt.Errorf("no detection strategy for modality %v", m)
}

// petThreshStep is the amount the PET separation threshold rises per retry.
const petThreshStep = 0.01

// PETStrategy detects on the summed activity image.
type PETStrategy struct {
	// SepThresh is the initial level as a fraction of the mean.
	SepThresh float64
	Sigma     float64
}

func (s *PETStrategy) Modality() models.Modality { return models.PET }

// Project sums every plane of every frame.
func (s *PETStrategy) Project(v *microvol.Volume) (*mat.Dense, error) {
	proj := mat.NewDense(v.Rows, v.Cols, nil)
	acc := proj.RawMatrix().Data
	plane := make([]float32, v.PlaneLen())
	for f := 0; f < v.Frames; f++ {
		for p := 0; p < v.Planes; p++ {
			if err := v.ReadPlane(f, p, plane); err != nil {
				return nil, err
			}
			for i, x := range plane {
				acc[i] += float64(x)
			}
		}
	}
	return GaussianSmooth(proj, s.Sigma), nil
}

// RemoveBed is a no-op; PET does not image the bed.
func (s *PETStrategy) RemoveBed(proj *mat.Dense) *mat.Dense { return proj }

// SepAt returns the separation threshold used on the given attempt.
func (s *PETStrategy) SepAt(attempt int) float64 {
	return s.SepThresh + petThreshStep*float64(attempt)
}

// Threshold raises the separation threshold by one step per attempt and
// stops once the previous attempt already reached 1.
func (s *PETStrategy) Threshold(proj *mat.Dense, attempt int) (float64, bool) {
	if attempt > 0 && s.SepAt(attempt-1) >= 1-1e-9 {
		return 0, false
	}
	return s.SepAt(attempt) * MeanOf(proj), true
}

// ctThreshGrowth is the factor applied to the CT level per retry.
const ctThreshGrowth = 1.1

// CTStrategy detects on a single plane or a per-plane vote.
type CTStrategy struct {
	Format models.SourceFormat

	// Binary selects the vote projection instead of the middle plane.
	Binary    bool
	VoteLevel float64

	BedRadius     int
	BedIterations int

	MaxAttempts int
}

func (s *CTStrategy) Modality() models.Modality { return models.CT }

// Project returns the middle plane of the first frame, or with Binary set
// the fraction of planes whose voxel exceeds VoteLevel.
func (s *CTStrategy) Project(v *microvol.Volume) (*mat.Dense, error) {
	plane := make([]float32, v.PlaneLen())
	proj := mat.NewDense(v.Rows, v.Cols, nil)
	acc := proj.RawMatrix().Data

	if !s.Binary {
		if err := v.ReadPlane(0, v.Planes/2, plane); err != nil {
			return nil, err
		}
		for i, x := range plane {
			acc[i] = float64(x)
		}
		return proj, nil
	}

	for p := 0; p < v.Planes; p++ {
		if err := v.ReadPlane(0, p, plane); err != nil {
			return nil, err
		}
		for i, x := range plane {
			if float64(x) > s.VoteLevel {
				acc[i]++
			}
		}
	}
	floats.Scale(1/float64(v.Planes), acc)
	return proj, nil
}

func (s *CTStrategy) RemoveBed(proj *mat.Dense) *mat.Dense {
	return Opening(proj, s.BedRadius, s.BedIterations)
}

// BaseLevel returns the automatic level: Li for DICOM sources, Otsu for
// container sources.
func (s *CTStrategy) BaseLevel(proj *mat.Dense) float64 {
	if s.Format == models.DICOM {
		return LiThreshold(proj)
	}
	return OtsuThreshold(proj)
}

// Threshold raises the base level by 10% of its magnitude per attempt, up to
// MaxAttempts retries.
func (s *CTStrategy) Threshold(proj *mat.Dense, attempt int) (float64, bool) {
	if attempt > s.MaxAttempts {
		return 0, false
	}
	base := s.BaseLevel(proj)
	// negative levels (air in HU) must still increase
	return base + math.Abs(base)*(math.Pow(ctThreshGrowth, float64(attempt))-1), true
}
