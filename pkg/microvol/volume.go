package microvol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"splitmice/internal/models"
	"splitmice/pkg/geometry"
)

// ErrNotLoaded is returned when voxel data is requested before Load.
var ErrNotLoaded = errors.New("volume data not loaded")

// Axis names one of the three spatial axes.
type Axis string

const (
	AxisZ Axis = "z"
	AxisY Axis = "y"
	AxisX Axis = "x"
)

// CanonicalAxis is the flip every split applies right after loading. It
// reverses planes and rows, so file row 0 becomes the bottom row of the
// working orientation. The flip is recorded and undone before writing.
const CanonicalAxis = AxisX

// ParseAxis validates an axis name.
func ParseAxis(s string) (Axis, error) {
	switch a := Axis(strings.ToLower(s)); a {
	case AxisZ, AxisY, AxisX:
		return a, nil
	}
	return "", fmt.Errorf("invalid axis %q (must be x, y or z)", s)
}

// Range is an inclusive index range.
type Range struct {
	First, Last int
}

// Len returns the number of indices in the range.
func (r Range) Len() int { return r.Last - r.First + 1 }

// LoadOptions selects what Load reads.
type LoadOptions struct {
	// Planes and Frames default to everything in the file.
	Planes *Range
	Frames *Range

	// Unscaled skips the per-frame scale factor.
	Unscaled bool

	// ChunkLimit caps bytes per read call; DefaultChunkLimit when zero.
	ChunkLimit int

	// Arenas allocates storage; heap storage when nil.
	Arenas ArenaFactory
}

// Volume is a 4-D image indexed [plane, row, col, frame].
type Volume struct {
	// Path is the data file the volume was read from.
	Path   string
	Params *Params
	Format models.SourceFormat

	Planes, Rows, Cols, Frames int
	PlaneRange, FrameRange     Range

	// RotationHistory lists the recorded axis flips, oldest first.
	RotationHistory []Axis

	// Scaled is true when ScaleFactors were applied after reading.
	Scaled       bool
	ScaleFactors []float64

	arena Arena
}

// NewVolume wraps already-populated storage.
func NewVolume(params *Params, format models.SourceFormat, planes, rows, cols, frames int, arena Arena) *Volume {
	return &Volume{
		Params:     params,
		Format:     format,
		Planes:     planes,
		Rows:       rows,
		Cols:       cols,
		Frames:     frames,
		PlaneRange: Range{0, planes - 1},
		FrameRange: Range{0, frames - 1},
		arena:      arena,
	}
}

// HeaderPath returns the header companion of a data file.
func HeaderPath(imgPath string) string {
	return imgPath + ".hdr"
}

// Open parses the header next to imgPath, detecting the modality when m is
// nil, and loads the data.
func Open(imgPath string, m *models.Modality, opts LoadOptions) (*Volume, error) {
	var (
		params *Params
		err    error
	)
	if m == nil {
		params, err = DetectModality(HeaderPath(imgPath))
	} else {
		params, err = ParseHeader(HeaderPath(imgPath), *m)
	}
	if err != nil {
		return nil, err
	}
	return Load(imgPath, params, opts)
}

func clampRange(r *Range, n int, what string) (Range, error) {
	if n < 1 {
		return Range{}, fmt.Errorf("header declares %d %s", n, what)
	}
	if r == nil {
		return Range{0, n - 1}, nil
	}
	out := *r
	if out.First < 0 || out.First > out.Last || out.First >= n {
		return Range{}, fmt.Errorf("invalid %s range [%d,%d]", what, out.First, out.Last)
	}
	if out.Last >= n {
		out.Last = n - 1
		log.WithFields(log.Fields{"requested": r.Last, "using": out.Last}).
			Warnf("%s range exceeds data file", what)
	}
	return out, nil
}

// Load reads the selected planes and frames of imgPath into a new arena.
func Load(imgPath string, params *Params, opts LoadOptions) (*Volume, error) {
	planes, err := clampRange(opts.Planes, params.ZDim(), "planes")
	if err != nil {
		return nil, err
	}
	frames, err := clampRange(opts.Frames, params.Frames(), "frames")
	if err != nil {
		return nil, err
	}
	dt := params.DataType()
	width, err := dt.Width()
	if err != nil {
		return nil, err
	}
	scales := params.ScaleFactors()
	if !opts.Unscaled && len(scales) <= frames.Last {
		return nil, fmt.Errorf("header has %d scale factors for %d frames", len(scales), frames.Last+1)
	}

	arenas := opts.Arenas
	if arenas == nil {
		arenas = NewHeapArena
	}
	rows, cols := params.YDim(), params.XDim()
	planeLen := rows * cols

	arena, err := arenas(frames.Len(), planes.Len(), planeLen)
	if err != nil {
		return nil, err
	}

	v := &Volume{
		Path:       imgPath,
		Params:     params,
		Format:     models.Container,
		Planes:     planes.Len(),
		Rows:       rows,
		Cols:       cols,
		Frames:     frames.Len(),
		PlaneRange: planes,
		FrameRange: frames,
		Scaled:     !opts.Unscaled,
		arena:      arena,
	}
	if v.Scaled {
		v.ScaleFactors = slices.Clone(scales[frames.First : frames.Last+1])
	}

	log.WithFields(log.Fields{
		"file":   filepath.Base(imgPath),
		"dims":   fmt.Sprintf("%dx%dx%dx%d", cols, rows, v.Planes, v.Frames),
		"size":   humanize.Bytes(uint64(v.Frames) * uint64(v.Planes) * uint64(planeLen) * uint64(width)),
		"chunks": humanize.Bytes(uint64(chunkSamples(width, opts.ChunkLimit) * width)),
	}).Info("Reading microPET image data")

	if err := v.readFrom(imgPath, dt, width, opts.ChunkLimit); err != nil {
		arena.Release()
		return nil, err
	}
	return v, nil
}

func (v *Volume) readFrom(imgPath string, dt DataType, width, limit int) error {
	f, err := os.Open(imgPath)
	if err != nil {
		return fmt.Errorf("error opening image data: %w", err)
	}
	defer f.Close()

	planeLen := v.Rows * v.Cols
	frameLen := int64(planeLen) * int64(v.Params.ZDim())
	raw := make([]float64, planeLen)
	plane := make([]float32, planeLen)

	for fi := 0; fi < v.Frames; fi++ {
		frame := v.FrameRange.First + fi
		off := int64(width) * (int64(frame)*frameLen + int64(v.PlaneRange.First)*int64(planeLen))
		if _, err := f.Seek(off, io.SeekStart); err != nil {
			return fmt.Errorf("error seeking frame %d: %w", frame, err)
		}
		r := bufio.NewReaderSize(f, min(chunkSamples(width, limit)*width, 1<<20))
		scale := 1.0
		if v.Scaled {
			scale = v.ScaleFactors[fi]
		}
		for p := 0; p < v.Planes; p++ {
			if err := ReadSamples(r, dt, raw, limit); err != nil {
				return fmt.Errorf("frame %d plane %d: %w", frame, v.PlaneRange.First+p, err)
			}
			for i, s := range raw {
				plane[i] = float32(s * scale)
			}
			if err := v.arena.WritePlane(fi, p, plane); err != nil {
				return err
			}
		}
	}
	return nil
}

// Loaded reports whether voxel data is available.
func (v *Volume) Loaded() bool { return v.arena != nil }

// PlaneLen returns the number of voxels in one plane.
func (v *Volume) PlaneLen() int { return v.Rows * v.Cols }

// ReadPlane copies plane p of frame f into dst, which must hold PlaneLen
// values. Voxel (row, col) is at dst[row*Cols+col].
func (v *Volume) ReadPlane(f, p int, dst []float32) error {
	if v.arena == nil {
		return ErrNotLoaded
	}
	return v.arena.ReadPlane(f, p, dst)
}

// WritePlane replaces plane p of frame f.
func (v *Volume) WritePlane(f, p int, src []float32) error {
	if v.arena == nil {
		return ErrNotLoaded
	}
	return v.arena.WritePlane(f, p, src)
}

// Release frees the voxel storage.
func (v *Volume) Release() error {
	if v.arena == nil {
		return nil
	}
	err := v.arena.Release()
	v.arena = nil
	return err
}

// RotateOnAxis flips the volume along the two axes other than axis. When
// record is set the flip is appended to RotationHistory.
func (v *Volume) RotateOnAxis(axis Axis, record bool) error {
	if v.arena == nil {
		return ErrNotLoaded
	}
	var flipPlanes, flipRows, flipCols bool
	switch axis {
	case AxisZ:
		flipRows, flipCols = true, true
	case AxisY:
		flipPlanes, flipCols = true, true
	case AxisX:
		flipPlanes, flipRows = true, true
	default:
		return fmt.Errorf("invalid axis %q", axis)
	}

	a := make([]float32, v.PlaneLen())
	b := make([]float32, v.PlaneLen())
	for f := 0; f < v.Frames; f++ {
		if !flipPlanes {
			for p := 0; p < v.Planes; p++ {
				if err := v.flipPlane(f, p, p, a, flipRows, flipCols); err != nil {
					return err
				}
			}
			continue
		}
		for lo, hi := 0, v.Planes-1; lo <= hi; lo, hi = lo+1, hi-1 {
			if lo == hi {
				if err := v.flipPlane(f, lo, lo, a, flipRows, flipCols); err != nil {
					return err
				}
				continue
			}
			if err := v.ReadPlane(f, lo, a); err != nil {
				return err
			}
			if err := v.ReadPlane(f, hi, b); err != nil {
				return err
			}
			flipInPlane(a, v.Rows, v.Cols, flipRows, flipCols)
			flipInPlane(b, v.Rows, v.Cols, flipRows, flipCols)
			if err := v.WritePlane(f, lo, b); err != nil {
				return err
			}
			if err := v.WritePlane(f, hi, a); err != nil {
				return err
			}
		}
	}
	if record {
		v.RotationHistory = append(v.RotationHistory, axis)
	}
	return nil
}

func (v *Volume) flipPlane(f, src, dst int, buf []float32, rows, cols bool) error {
	if err := v.ReadPlane(f, src, buf); err != nil {
		return err
	}
	flipInPlane(buf, v.Rows, v.Cols, rows, cols)
	return v.WritePlane(f, dst, buf)
}

func flipInPlane(buf []float32, rows, cols int, flipRows, flipCols bool) {
	if flipCols {
		for r := 0; r < rows; r++ {
			slices.Reverse(buf[r*cols : (r+1)*cols])
		}
	}
	if flipRows {
		for lo, hi := 0, rows-1; lo < hi; lo, hi = lo+1, hi-1 {
			for c := 0; c < cols; c++ {
				buf[lo*cols+c], buf[hi*cols+c] = buf[hi*cols+c], buf[lo*cols+c]
			}
		}
	}
}

// Canonicalize applies the recorded CanonicalAxis flip.
func (v *Volume) Canonicalize() error {
	return v.RotateOnAxis(CanonicalAxis, true)
}

// UndoRotations replays the recorded flips in reverse and clears the history.
func (v *Volume) UndoRotations() error {
	for i := len(v.RotationHistory) - 1; i >= 0; i-- {
		if err := v.RotateOnAxis(v.RotationHistory[i], false); err != nil {
			return err
		}
	}
	v.RotationHistory = nil
	return nil
}

// Crop copies the columns [XLT,XRB) and rows [YLT,YRB) of every plane and
// frame into a new volume. The rectangle is ordered and clamped to the
// volume first. Identity fields of the copied params are cleared.
func (v *Volume) Crop(r geometry.Rect, arenas ArenaFactory) (*Volume, error) {
	if v.arena == nil {
		return nil, ErrNotLoaded
	}
	r = r.Ordered()
	r.Clamp(v.Cols, v.Rows)
	w, h := r.Wid(), r.Ht()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("crop %v is empty inside %dx%d", r, v.Cols, v.Rows)
	}
	if arenas == nil {
		arenas = NewHeapArena
	}
	arena, err := arenas(v.Frames, v.Planes, w*h)
	if err != nil {
		return nil, err
	}

	src := make([]float32, v.PlaneLen())
	dst := make([]float32, w*h)
	for f := 0; f < v.Frames; f++ {
		for p := 0; p < v.Planes; p++ {
			if err := v.ReadPlane(f, p, src); err != nil {
				arena.Release()
				return nil, err
			}
			for row := 0; row < h; row++ {
				copy(dst[row*w:(row+1)*w], src[(r.YLT+row)*v.Cols+r.XLT:])
			}
			if err := arena.WritePlane(f, p, dst); err != nil {
				arena.Release()
				return nil, err
			}
		}
	}

	params := v.Params.Clone()
	for _, k := range IdentityKeys {
		if _, ok := params.Strings[k]; ok {
			params.SetString(k, "")
		}
	}
	params.SetInt("x_dimension", w)
	params.SetInt("y_dimension", h)
	params.SetInt("z_dimension", v.Planes)
	params.SetInt("total_frames", v.Frames)

	return &Volume{
		Path:            v.Path,
		Params:          params,
		Format:          v.Format,
		Planes:          v.Planes,
		Rows:            h,
		Cols:            w,
		Frames:          v.Frames,
		PlaneRange:      Range{0, v.Planes - 1},
		FrameRange:      Range{0, v.Frames - 1},
		RotationHistory: slices.Clone(v.RotationHistory),
		Scaled:          v.Scaled,
		ScaleFactors:    slices.Clone(v.ScaleFactors),
		arena:           arena,
	}, nil
}

// Write stores the volume in the container layout at imgPath, undoing the
// per-frame scale factors. The header is written separately.
func (v *Volume) Write(imgPath string, limit int) error {
	if v.arena == nil {
		return ErrNotLoaded
	}
	dt := v.Params.DataType()
	width, err := dt.Width()
	if err != nil {
		return err
	}

	f, err := os.Create(imgPath)
	if err != nil {
		return fmt.Errorf("error creating image file: %w", err)
	}
	w := bufio.NewWriterSize(f, min(chunkSamples(width, limit)*width, 1<<20))

	total := uint64(v.Frames) * uint64(v.Planes) * uint64(v.PlaneLen()) * uint64(width)
	log.WithFields(log.Fields{
		"file": filepath.Base(imgPath),
		"size": humanize.Bytes(total),
	}).Info("Writing microPET image")

	// float32 storage makes scaled integers land just below their true value
	roundInts := dt.Integer() && v.Scaled
	plane := make([]float32, v.PlaneLen())
	out := make([]float64, v.PlaneLen())
	for fr := 0; fr < v.Frames; fr++ {
		inv := 1.0
		if v.Scaled && fr < len(v.ScaleFactors) && v.ScaleFactors[fr] != 0 {
			inv = 1 / v.ScaleFactors[fr]
		}
		for p := 0; p < v.Planes; p++ {
			if err := v.ReadPlane(fr, p, plane); err != nil {
				f.Close()
				return err
			}
			for i, s := range plane {
				out[i] = float64(s) * inv
				if roundInts {
					out[i] = math.Round(out[i])
				}
			}
			if err := WriteSamples(w, dt, out, limit); err != nil {
				f.Close()
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("error flushing image file: %w", err)
	}
	return f.Close()
}
