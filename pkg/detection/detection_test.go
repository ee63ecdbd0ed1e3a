package detection

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"splitmice/internal/models"
	"splitmice/pkg/geometry"
	"splitmice/pkg/microvol"
)

// fillRect sets proj[r0:r1, c0:c1] to v.
func fillRect(proj *mat.Dense, r0, c0, r1, c1 int, v float64) {
	for r := r0; r < r1; r++ {
		for c := c0; c < c1; c++ {
			proj.Set(r, c, v)
		}
	}
}

// countingLabeler returns one region per step of the PET threshold above its
// start and records every level it is asked for.
type countingLabeler struct {
	start, step float64
	fixed       int
	levels      []float64
}

func (l *countingLabeler) Label(proj *mat.Dense, level float64) []Region {
	l.levels = append(l.levels, level)
	n := l.fixed
	if n == 0 {
		n = int(math.Round((level-l.start)/l.step)) + 1
	}
	out := make([]Region, n)
	for i := range out {
		out[i] = Region{Label: i + 1, MinRow: i, MaxRow: i + 1, MaxCol: 1, Area: 1000 - i}
	}
	return out
}

func uniformProjection() *mat.Dense {
	proj := mat.NewDense(8, 8, nil)
	fillRect(proj, 0, 0, 8, 8, 1)
	return proj
}

func TestLabelMask(t *testing.T) {
	mask := mat.NewDense(6, 6, nil)
	// diagonal pair joins under 8-connectivity
	mask.Set(0, 0, 1)
	mask.Set(1, 1, 1)
	fillRect(mask, 3, 3, 5, 6, 1)

	regions := LabelMask(mask)
	if len(regions) != 2 {
		t.Fatalf("Expected 2 regions, got %d", len(regions))
	}

	first := regions[0]
	if first.Area != 2 || first.Rect() != (geometry.Rect{XLT: 0, YLT: 0, XRB: 2, YRB: 2, Label: 1}) {
		t.Errorf("Unexpected first region: %+v", first)
	}
	second := regions[1]
	if second.Area != 6 {
		t.Errorf("Expected area 6, got %d", second.Area)
	}
	if got := second.Rect(); got.XLT != 3 || got.YLT != 3 || got.XRB != 6 || got.YRB != 5 {
		t.Errorf("Unexpected second rect: %v", got)
	}
	c := second.Centroid()
	if c.X != 4 || c.Y != 3.5 {
		t.Errorf("Expected centroid (4,3.5), got %+v", c)
	}
}

func TestThresholds(t *testing.T) {
	proj := mat.NewDense(20, 20, nil)
	fillRect(proj, 0, 0, 20, 20, 10)
	fillRect(proj, 5, 5, 15, 15, 100)

	for name, fn := range map[string]func(*mat.Dense) float64{
		"otsu": OtsuThreshold,
		"li":   LiThreshold,
	} {
		t.Run(name, func(t *testing.T) {
			level := fn(proj)
			if level < 10 || level >= 100 {
				t.Errorf("Expected level in [10,100), got %v", level)
			}
			if n := len(ComponentLabeler{}.Label(proj, level)); n != 1 {
				t.Errorf("Expected 1 region above level, got %d", n)
			}
		})
	}

	flat := uniformProjection()
	if got := OtsuThreshold(flat); got != 1 {
		t.Errorf("Expected constant image level 1, got %v", got)
	}
}

func TestOpeningRemovesThinStructures(t *testing.T) {
	proj := mat.NewDense(60, 60, nil)
	fillRect(proj, 5, 5, 35, 35, 1)
	// one pixel bed rail
	fillRect(proj, 50, 0, 51, 60, 1)

	opened := Opening(proj, 3, 1)
	if opened.At(20, 20) != 1 {
		t.Error("Expected body interior to survive opening")
	}
	for c := 0; c < 60; c++ {
		if opened.At(50, c) != 0 {
			t.Fatalf("Expected rail removed, found value at column %d", c)
		}
	}
}

func TestGaussianSmooth(t *testing.T) {
	proj := mat.NewDense(15, 15, nil)
	proj.Set(7, 7, 1)

	if got := GaussianSmooth(proj, 1.0/48); !mat.Equal(got, proj) {
		t.Error("Expected sub-pixel sigma to leave the image unchanged")
	}

	smooth := GaussianSmooth(proj, 1)
	if math.Abs(mat.Sum(smooth)-1) > 1e-9 {
		t.Errorf("Expected mass 1, got %v", mat.Sum(smooth))
	}
	if smooth.At(7, 7) >= 1 || smooth.At(7, 8) <= 0 {
		t.Error("Expected impulse to spread to neighbors")
	}
}

func TestPETRetryReachesExpectedCount(t *testing.T) {
	lab := &countingLabeler{start: 0.9, step: 0.01}
	cfg := DefaultConfig(models.PET)
	cfg.NumAnim = 3
	d := &Detector{Strategy: &PETStrategy{SepThresh: cfg.SepThresh}, Labeler: lab, Config: cfg}

	res, err := d.DetectProjection(uniformProjection())
	if err != nil {
		t.Fatalf("DetectProjection failed: %v", err)
	}
	if len(res.Regions) != 3 {
		t.Errorf("Expected 3 regions, got %d", len(res.Regions))
	}
	if res.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", res.Attempts)
	}
	if res.RawCount != 1 {
		t.Errorf("Expected raw count 1, got %d", res.RawCount)
	}
}

// bedStrategy halves the projection as its bed removal and records the
// projections it is asked to threshold.
type bedStrategy struct {
	*PETStrategy
	seen []*mat.Dense
}

func (s *bedStrategy) RemoveBed(proj *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Scale(0.5, proj)
	return &out
}

func (s *bedStrategy) Threshold(proj *mat.Dense, attempt int) (float64, bool) {
	s.seen = append(s.seen, proj)
	return s.PETStrategy.Threshold(proj, attempt)
}

func TestThresholdUsesRawProjection(t *testing.T) {
	cfg := DefaultConfig(models.PET)
	cfg.NumAnim = 1
	cfg.RemoveBed = true
	s := &bedStrategy{PETStrategy: &PETStrategy{SepThresh: cfg.SepThresh}}
	lab := &countingLabeler{fixed: 1}
	d := &Detector{Strategy: s, Labeler: lab, Config: cfg}

	proj := uniformProjection()
	res, err := d.DetectProjection(proj)
	if err != nil {
		t.Fatalf("DetectProjection failed: %v", err)
	}
	if len(s.seen) == 0 || s.seen[0] != proj {
		t.Error("Threshold must see the raw projection")
	}
	if math.Abs(lab.levels[0]-0.9) > 1e-9 {
		t.Errorf("Expected level 0.9 from the raw mean, got %v", lab.levels[0])
	}
	if res.Projection == proj || res.Projection.At(0, 0) != 0.5 {
		t.Error("Labeling must run on the bed-removed projection")
	}
}

func TestPETRetryStopsAtOne(t *testing.T) {
	lab := &countingLabeler{fixed: 1}
	cfg := DefaultConfig(models.PET)
	cfg.NumAnim = 2
	d := &Detector{Strategy: &PETStrategy{SepThresh: cfg.SepThresh}, Labeler: lab, Config: cfg}

	_, err := d.DetectProjection(uniformProjection())
	if !errors.Is(err, ErrDetectionExhausted) {
		t.Fatalf("Expected ErrDetectionExhausted, got %v", err)
	}
	// mean is 1 so the level equals the separation threshold
	for _, level := range lab.levels {
		if level > 1+1e-9 {
			t.Errorf("Threshold went past 1: %v", level)
		}
	}
	if len(lab.levels) != 11 {
		t.Errorf("Expected 11 thresholds from 0.90 to 1.00, got %d", len(lab.levels))
	}
}

func TestPETKeepsLargestWhenTooMany(t *testing.T) {
	lab := &countingLabeler{fixed: 5}
	cfg := DefaultConfig(models.PET)
	cfg.NumAnim = 2
	d := &Detector{Strategy: &PETStrategy{SepThresh: cfg.SepThresh}, Labeler: lab, Config: cfg}

	res, err := d.DetectProjection(uniformProjection())
	if err != nil {
		t.Fatalf("DetectProjection failed: %v", err)
	}
	if len(res.Regions) != 2 || res.Regions[0].Area != 1000 || res.Regions[1].Area != 999 {
		t.Errorf("Expected the two largest regions, got %+v", res.Regions)
	}
}

func TestPETUnknownCountRaisesMinPix(t *testing.T) {
	proj := mat.NewDense(60, 160, nil)
	for i, h := range []int{15, 14, 13, 12, 11, 10} {
		c := 5 + i*25
		fillRect(proj, 5, c, 5+h, c+20, 10)
	}
	d, err := NewDetector(models.PET, models.Container, DefaultConfig(models.PET))
	if err != nil {
		t.Fatal(err)
	}

	res, err := d.DetectProjection(proj)
	if err != nil {
		t.Fatalf("DetectProjection failed: %v", err)
	}
	if res.RawCount != 6 {
		t.Errorf("Expected 6 raw regions, got %d", res.RawCount)
	}
	if len(res.Regions) == 0 || len(res.Regions) > 4 {
		t.Errorf("Expected 1..4 regions, got %d", len(res.Regions))
	}
	for _, r := range res.Regions {
		if float64(r.Area) < res.MinPix {
			t.Errorf("Region area %d below final cutoff %v", r.Area, res.MinPix)
		}
	}
	if res.MinPix <= 200 {
		t.Errorf("Expected cutoff raised above 200, got %v", res.MinPix)
	}
}

func TestCTMismatchPolicy(t *testing.T) {
	proj := mat.NewDense(40, 40, nil)
	fillRect(proj, 10, 10, 30, 30, 100)

	cfg := DefaultConfig(models.CT)
	cfg.NumAnim = 2
	cfg.MinPix = 10
	cfg.RemoveBed = false

	t.Run("lenient", func(t *testing.T) {
		d, err := NewDetector(models.CT, models.Container, cfg)
		if err != nil {
			t.Fatal(err)
		}
		res, err := d.DetectProjection(proj)
		if err != nil {
			t.Fatalf("Expected CT to proceed, got %v", err)
		}
		if len(res.Regions) != 1 {
			t.Errorf("Expected 1 region, got %d", len(res.Regions))
		}
		if res.Attempts != cfg.MaxCTAttempts+1 {
			t.Errorf("Expected %d attempts, got %d", cfg.MaxCTAttempts+1, res.Attempts)
		}
	})

	t.Run("strict", func(t *testing.T) {
		strict := cfg
		strict.StrictCT = true
		d, err := NewDetector(models.CT, models.Container, strict)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := d.DetectProjection(proj); !errors.Is(err, ErrDetectionExhausted) {
			t.Errorf("Expected ErrDetectionExhausted, got %v", err)
		}
	})
}

func TestDetectVolume(t *testing.T) {
	const planes, rows, cols = 4, 30, 50
	arena, err := microvol.NewHeapArena(1, planes, rows*cols)
	if err != nil {
		t.Fatal(err)
	}
	v := microvol.NewVolume(nil, models.Container, planes, rows, cols, 1, arena)
	defer v.Release()

	plane := make([]float32, rows*cols)
	for r := 5; r < 20; r++ {
		for c := 3; c < 18; c++ {
			plane[r*cols+c] = 5
		}
		for c := 30; c < 45; c++ {
			plane[r*cols+c] = 5
		}
	}
	for p := 0; p < planes; p++ {
		if err := v.WritePlane(0, p, plane); err != nil {
			t.Fatal(err)
		}
	}

	cfg := DefaultConfig(models.PET)
	cfg.NumAnim = 2
	d, err := NewDetector(models.PET, models.Container, cfg)
	if err != nil {
		t.Fatal(err)
	}
	res, err := d.Detect(v)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(res.Regions) != 2 {
		t.Fatalf("Expected 2 regions, got %d", len(res.Regions))
	}
	want := []geometry.Rect{{XLT: 3, YLT: 5, XRB: 18, YRB: 20}, {XLT: 30, YLT: 5, XRB: 45, YRB: 20}}
	for i, r := range res.Regions {
		got := r.Rect()
		got.Label = 0
		if got != want[i] {
			t.Errorf("Region %d: expected %v, got %v", i, want[i], got)
		}
	}
	if res.Mask.At(10, 10) != 1 || res.Mask.At(0, 0) != 0 {
		t.Error("Unexpected mask contents")
	}
}
