// Package layout turns detected regions into named crop windows.
package layout

import (
	"errors"
	"fmt"
	"slices"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"splitmice/internal/models"
	"splitmice/pkg/detection"
	"splitmice/pkg/geometry"
)

// ErrNoRegions is returned when there is nothing to lay out.
var ErrNoRegions = errors.New("no regions to lay out")

// Entry is one named crop window.
type Entry struct {
	Desc models.Descriptor
	Rect geometry.Rect
}

func (e Entry) String() string {
	return fmt.Sprintf("%s %v", e.Desc, e.Rect)
}

// Layout is the ordered set of crop windows of one scan. Functions in this
// package return new layouts and never modify their arguments.
type Layout []Entry

// Clone returns an independent copy.
func (l Layout) Clone() Layout {
	return slices.Clone(l)
}

// Rects returns the rectangles in layout order.
func (l Layout) Rects() []geometry.Rect {
	out := make([]geometry.Rect, len(l))
	for i, e := range l {
		out[i] = e.Rect
	}
	return out
}

// Lookup returns the indices of entries with descriptor d.
func (l Layout) Lookup(d models.Descriptor) []int {
	var idx []int
	for i, e := range l {
		if e.Desc == d {
			idx = append(idx, i)
		}
	}
	return idx
}

// SplitCoords assigns a descriptor and crop window to every region of a
// width x height projection.
//
// One region is centered, two are left/right and three or more are placed by
// quadrant of the box enclosing them all. One- and two-region windows are
// grown by margin first. With more than four regions, regions sharing a
// quadrant are merged. Every window ends up square and the same size.
func SplitCoords(width, height int, regions []detection.Region, margin int) (Layout, error) {
	var out Layout
	switch n := len(regions); {
	case n == 0:
		return nil, ErrNoRegions

	case n == 1:
		r := regions[0].Rect()
		r.Expand(margin, margin)
		out = Layout{{Desc: models.Center, Rect: r}}

	case n == 2:
		a, b := regions[0].Rect(), regions[1].Rect()
		if b.XLT < a.XLT {
			a, b = b, a
		}
		for _, r := range []*geometry.Rect{&a, &b} {
			r.Expand(margin, margin)
			r.Clamp(width, height)
		}
		out = Layout{{Desc: models.Left, Rect: a}, {Desc: models.Right, Rect: b}}

	default:
		var err error
		out, err = quadrants(regions)
		if err != nil {
			return nil, err
		}
	}

	out = Harmonize(out)
	log.WithField("regions", len(regions)).Info("Split coordinates (axial projection)")
	for _, e := range out {
		log.WithFields(log.Fields{"desc": e.Desc, "rect": e.Rect}).Debug("Layout entry")
	}
	return out, nil
}

func quadrants(regions []detection.Region) (Layout, error) {
	rects := make([]geometry.Rect, len(regions))
	for i, reg := range regions {
		rects[i] = reg.Rect()
	}
	box, _ := geometry.UnionAll(rects)

	out := make(Layout, len(regions))
	for i, reg := range regions {
		d := box.Quadrant(reg.Centroid())
		if d == models.Outside {
			return nil, fmt.Errorf("region %d centroid %+v outside %v", reg.Label, reg.Centroid(), box)
		}
		out[i] = Entry{Desc: d, Rect: rects[i]}
	}
	if len(out) <= 4 {
		return out, nil
	}

	log.WithField("regions", len(out)).Warn("More than four regions, merging by quadrant")
	var merged Layout
	for q := models.TopLeft; q <= models.BottomRight; q++ {
		idx := out.Lookup(q.Descriptor())
		if len(idx) == 0 {
			continue
		}
		r := out[idx[0]].Rect
		for _, i := range idx[1:] {
			r = r.Union(out[i].Rect)
		}
		r.Label = int(q)
		merged = append(merged, Entry{Desc: q.Descriptor(), Rect: r})
	}
	return merged, nil
}

// Harmonize resizes every window to one square, the largest width or height
// found in the layout, keeping each window's center.
func Harmonize(l Layout) Layout {
	out := l.Clone()
	size := 0
	for _, e := range out {
		size = max(size, e.Rect.Wid(), e.Rect.Ht())
	}
	for i := range out {
		out[i].Rect.AdjustToSize(size, size)
	}
	return out
}

// ApplySize forces every window to w x h around its center.
func ApplySize(l Layout, w, h int) Layout {
	out := l.Clone()
	for i := range out {
		out[i].Rect.AdjustToSize(w, h)
	}
	return out
}

// Recenter moves each window onto the centroid of the non-zero mask pixels it
// covers. Windows covering no foreground are left in place.
func Recenter(l Layout, mask *mat.Dense) Layout {
	rows, cols := mask.Dims()
	out := l.Clone()
	for i := range out {
		r := out[i].Rect.Ordered()
		var sx, sy, n float64
		for y := max(0, r.YLT); y < min(r.YRB, rows); y++ {
			for x := max(0, r.XLT); x < min(r.XRB, cols); x++ {
				if mask.At(y, x) == 0 {
					continue
				}
				sx += float64(x)
				sy += float64(y)
				n++
			}
		}
		if n == 0 {
			log.WithField("desc", out[i].Desc).Warn("No foreground under window, not recentering")
			continue
		}
		out[i].Rect.AdjustToCenter(sx/n, sy/n)
	}
	return out
}

// Scale maps every window onto another pixel grid.
func Scale(l Layout, sx, sy float64) Layout {
	out := l.Clone()
	for i := range out {
		out[i].Rect.Rescale(sx, sy)
	}
	return out
}
