// Package visualization renders intermediary images of a split: volume
// slices, detection projections and masks, and the resolved crop windows.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"splitmice/internal/models"
	"splitmice/pkg/detection"
	"splitmice/pkg/layout"
	"splitmice/pkg/microvol"
)

// minDumpSide is the smallest side a dumped image is upscaled to.
const minDumpSide = 256

// Viewer extracts slices from one frame of a loaded volume.
type Viewer struct {
	volume *microvol.Volume
	frame  int
}

// NewViewer creates a viewer over frame of v.
func NewViewer(v *microvol.Volume, frame int) *Viewer {
	return &Viewer{volume: v, frame: frame}
}

// ExtractSlice extracts the slice at position along axis as a matrix. A z
// slice is a plane (rows x cols), a y slice is planes x cols and an x slice
// is rows x planes.
func (v *Viewer) ExtractSlice(axis microvol.Axis, position int) (*mat.Dense, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	vol := v.volume
	plane := make([]float32, vol.PlaneLen())

	switch axis {
	case microvol.AxisZ:
		if position >= vol.Planes {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, vol.Planes)
		}
		if err := vol.ReadPlane(v.frame, position, plane); err != nil {
			return nil, err
		}
		out := mat.NewDense(vol.Rows, vol.Cols, nil)
		for i, s := range plane {
			out.Set(i/vol.Cols, i%vol.Cols, float64(s))
		}
		return out, nil

	case microvol.AxisY:
		if position >= vol.Rows {
			return nil, fmt.Errorf("position %d exceeds height %d", position, vol.Rows)
		}
		out := mat.NewDense(vol.Planes, vol.Cols, nil)
		for p := 0; p < vol.Planes; p++ {
			if err := vol.ReadPlane(v.frame, p, plane); err != nil {
				return nil, err
			}
			for c := 0; c < vol.Cols; c++ {
				out.Set(p, c, float64(plane[position*vol.Cols+c]))
			}
		}
		return out, nil

	case microvol.AxisX:
		if position >= vol.Cols {
			return nil, fmt.Errorf("position %d exceeds width %d", position, vol.Cols)
		}
		out := mat.NewDense(vol.Rows, vol.Planes, nil)
		for p := 0; p < vol.Planes; p++ {
			if err := vol.ReadPlane(v.frame, p, plane); err != nil {
				return nil, err
			}
			for r := 0; r < vol.Rows; r++ {
				out.Set(r, p, float64(plane[r*vol.Cols+position]))
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// Gray renders m as an 8-bit image stretched between its minimum and
// maximum. A constant matrix renders black.
func Gray(m *mat.Dense) *image.Gray {
	rows, cols := m.Dims()
	img := image.NewGray(image.Rect(0, 0, cols, rows))
	lo, hi := mat.Min(m), mat.Max(m)
	span := hi - lo
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			var y uint8
			if span > 0 {
				y = uint8(math.Round(255 * (m.At(r, c) - lo) / span))
			}
			img.SetGray(c, r, color.Gray{Y: y})
		}
	}
	return img
}

var descriptorColors = map[models.Descriptor]color.RGBA{
	models.Center:      {255, 255, 0, 255},
	models.Left:        {255, 0, 0, 255},
	models.Right:       {0, 255, 0, 255},
	models.LeftTop:     {255, 0, 0, 255},
	models.RightTop:    {0, 255, 0, 255},
	models.LeftBottom:  {0, 128, 255, 255},
	models.RightBottom: {255, 0, 255, 255},
}

// DrawLayout outlines every crop window of l on top of base.
func DrawLayout(base image.Image, l layout.Layout) *image.RGBA {
	b := base.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, base, b.Min, draw.Src)
	for _, e := range l {
		c, ok := descriptorColors[e.Desc]
		if !ok {
			c = color.RGBA{255, 255, 255, 255}
		}
		r := e.Rect.Ordered()
		x0, y0, x1, y1 := r.XLT, r.YLT, r.XRB-1, r.YRB-1
		for x := x0; x <= x1; x++ {
			out.SetRGBA(x, y0, c)
			out.SetRGBA(x, y1, c)
		}
		for y := y0; y <= y1; y++ {
			out.SetRGBA(x0, y, c)
			out.SetRGBA(x1, y, c)
		}
	}
	return out
}

// SaveImage writes img to filename in the format its extension names,
// upscaling small images with nearest-neighbour sampling so pixels stay
// visible.
func SaveImage(img image.Image, filename string) error {
	b := img.Bounds()
	if side := max(b.Dx(), b.Dy()); side > 0 && side < minDumpSide {
		k := (minDumpSide + side - 1) / side
		img = imaging.Resize(img, b.Dx()*k, b.Dy()*k, imaging.NearestNeighbor)
	}
	if err := imaging.Save(img, filename); err != nil {
		return fmt.Errorf("error saving %s: %w", filename, err)
	}
	return nil
}

// SaveSliceSequence extracts and saves every slice along axis.
func (v *Viewer) SaveSliceSequence(axis microvol.Axis, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case microvol.AxisX:
		maxPos = v.volume.Cols
	case microvol.AxisY:
		maxPos = v.volume.Rows
	case microvol.AxisZ:
		maxPos = v.volume.Planes
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		m, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := SaveImage(Gray(m), filename); err != nil {
			return err
		}
	}
	return nil
}

// Dumper writes the intermediary images of each split into Dir.
type Dumper struct {
	Dir string
}

// DumpDetection writes <name>_projection.png, <name>_mask.png and
// <name>_layout.png for one detection run.
func (d *Dumper) DumpDetection(name string, res *detection.Result, l layout.Layout) error {
	if res == nil || res.Projection == nil {
		return nil
	}
	if err := os.MkdirAll(d.Dir, 0755); err != nil {
		return fmt.Errorf("error creating intermediary directory: %w", err)
	}
	proj := Gray(res.Projection)
	if err := SaveImage(proj, filepath.Join(d.Dir, name+"_projection.png")); err != nil {
		return err
	}
	if res.Mask != nil {
		if err := SaveImage(Gray(res.Mask), filepath.Join(d.Dir, name+"_mask.png")); err != nil {
			return err
		}
	}
	if err := SaveImage(DrawLayout(proj, l), filepath.Join(d.Dir, name+"_layout.png")); err != nil {
		return err
	}
	log.WithFields(log.Fields{"dir": d.Dir, "scan": name}).Debug("Saved intermediary images")
	return nil
}

// DumpMiddleSlice writes the middle z slice of frame 0 of v as
// <name>_slice.png.
func (d *Dumper) DumpMiddleSlice(name string, v *microvol.Volume) error {
	if err := os.MkdirAll(d.Dir, 0755); err != nil {
		return fmt.Errorf("error creating intermediary directory: %w", err)
	}
	m, err := NewViewer(v, 0).ExtractSlice(microvol.AxisZ, v.Planes/2)
	if err != nil {
		return err
	}
	return SaveImage(Gray(m), filepath.Join(d.Dir, name+"_slice.png"))
}

// DumpSlices writes every slice of frame 0 along each axis into
// <name>_slices/<axis>.
func (d *Dumper) DumpSlices(name string, v *microvol.Volume) error {
	viewer := NewViewer(v, 0)
	for _, axis := range []microvol.Axis{microvol.AxisX, microvol.AxisY, microvol.AxisZ} {
		dir := filepath.Join(d.Dir, name+"_slices", string(axis))
		if err := viewer.SaveSliceSequence(axis, dir); err != nil {
			return fmt.Errorf("error saving %s slices: %w", axis, err)
		}
	}
	log.WithFields(log.Fields{"dir": d.Dir, "scan": name}).Debug("Saved slice sequences")
	return nil
}
