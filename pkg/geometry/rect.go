// Package geometry holds the rectangle type used to describe crop windows on
// a 2-D projection. X runs along columns, Y along rows, and the right/bottom
// edges are exclusive.
package geometry

import (
	"fmt"
	"math"

	"splitmice/internal/models"
)

// Point is a location on the projection grid.
type Point struct {
	X, Y float64
}

// Rect is an axis-aligned box. Label records which detected region the box
// came from (0 when unknown).
type Rect struct {
	XLT, YLT int
	XRB, YRB int
	Label    int
}

// New builds a rectangle from its left-top and right-bottom corners.
func New(xlt, ylt, xrb, yrb int) Rect {
	return Rect{XLT: xlt, YLT: ylt, XRB: xrb, YRB: yrb}
}

func (r Rect) String() string {
	cx, cy := r.Ctr()
	return fmt.Sprintf("Rect{wid=%d ht=%d ctr=(%.1f,%.1f) ltrb=(%d,%d,%d,%d)}",
		r.Wid(), r.Ht(), cx, cy, r.XLT, r.YLT, r.XRB, r.YRB)
}

func (r Rect) Wid() int { return r.XRB - r.XLT }

func (r Rect) Ht() int { return r.YRB - r.YLT }

// Ctr returns the center of the box.
func (r Rect) Ctr() (float64, float64) {
	return float64(r.XLT) + float64(r.Wid())*0.5, float64(r.YLT) + float64(r.Ht())*0.5
}

func (r Rect) Area() float64 {
	return float64(r.Wid()) * float64(r.Ht())
}

// Ordered swaps inverted corners so that right/bottom >= left/top.
func (r Rect) Ordered() Rect {
	if r.XRB < r.XLT {
		r.XLT, r.XRB = r.XRB, r.XLT
	}
	if r.YRB < r.YLT {
		r.YLT, r.YRB = r.YRB, r.YLT
	}
	return r
}

// Overlaps reports whether the two boxes share a non-empty area.
func (r Rect) Overlaps(o Rect) bool {
	a, b := r.Ordered(), o.Ordered()
	return max(a.XLT, b.XLT) < min(a.XRB, b.XRB) && max(a.YLT, b.YLT) < min(a.YRB, b.YRB)
}

// Intersection returns the common box. ok is false when the boxes are
// disjoint; touching edges produce a zero-area box.
func (r Rect) Intersection(o Rect) (Rect, bool) {
	a, b := r.Ordered(), o.Ordered()
	out := Rect{
		XLT: max(a.XLT, b.XLT),
		YLT: max(a.YLT, b.YLT),
		XRB: min(a.XRB, b.XRB),
		YRB: min(a.YRB, b.YRB),
	}
	if out.XLT > out.XRB || out.YLT > out.YRB {
		return Rect{}, false
	}
	return out, true
}

// Union returns the smallest box containing both. The label of r is kept.
func (r Rect) Union(o Rect) Rect {
	return Rect{
		XLT:   min(r.XLT, o.XLT),
		YLT:   min(r.YLT, o.YLT),
		XRB:   max(r.XRB, o.XRB),
		YRB:   max(r.YRB, o.YRB),
		Label: r.Label,
	}
}

// UnionAll folds Union over rects. ok is false for an empty list.
func UnionAll(rects []Rect) (Rect, bool) {
	if len(rects) == 0 {
		return Rect{}, false
	}
	out := rects[0]
	for _, r := range rects[1:] {
		out = out.Union(r)
	}
	return out, true
}

// Expand grows the box by mx on the left and right and my on top and bottom.
func (r *Rect) Expand(mx, my int) {
	r.XLT -= mx
	r.XRB += mx
	r.YLT -= my
	r.YRB += my
}

// AdjustToSize resizes the box to w x h around its current center.
func (r *Rect) AdjustToSize(w, h int) {
	dx := float64(w-r.Wid()) * 0.5
	dy := float64(h-r.Ht()) * 0.5
	r.XLT = int(math.Round(float64(r.XLT) - dx))
	r.YLT = int(math.Round(float64(r.YLT) - dy))
	r.XRB = r.XLT + w
	r.YRB = r.YLT + h
}

// AdjustToCenter translates the box so its center lands on (cx, cy).
func (r *Rect) AdjustToCenter(cx, cy float64) {
	ox, oy := r.Ctr()
	dx := int(math.Round(cx - ox))
	dy := int(math.Round(cy - oy))
	r.XLT += dx
	r.XRB += dx
	r.YLT += dy
	r.YRB += dy
}

// Rescale maps the box onto another pixel grid.
func (r *Rect) Rescale(sx, sy float64) {
	r.XLT = int(math.Round(float64(r.XLT) * sx))
	r.XRB = int(math.Round(float64(r.XRB) * sx))
	r.YLT = int(math.Round(float64(r.YLT) * sy))
	r.YRB = int(math.Round(float64(r.YRB) * sy))
}

// Scaled is the copying form of Rescale.
func (r Rect) Scaled(sx, sy float64) Rect {
	r.Rescale(sx, sy)
	return r
}

// Clamp restricts the box to [0,w] x [0,h].
func (r *Rect) Clamp(w, h int) {
	r.XLT = min(max(r.XLT, 0), w)
	r.XRB = min(max(r.XRB, 0), w)
	r.YLT = min(max(r.YLT, 0), h)
	r.YRB = min(max(r.YRB, 0), h)
}

// PtInside reports whether p lies strictly inside the box.
func (r Rect) PtInside(p Point) bool {
	return p.X > float64(r.XLT) && p.X < float64(r.XRB) &&
		p.Y > float64(r.YLT) && p.Y < float64(r.YRB)
}

// Contains reports whether p lies inside the box or on its border.
func (r Rect) Contains(p Point) bool {
	return p.X >= float64(r.XLT) && p.X <= float64(r.XRB) &&
		p.Y >= float64(r.YLT) && p.Y <= float64(r.YRB)
}

// Quadrant splits the box at its center and reports which quarter holds p.
// Points on the vertical center line count as right, points on the
// horizontal one as bottom.
func (r Rect) Quadrant(p Point) models.Descriptor {
	if !r.Contains(p) {
		return models.Outside
	}
	cx, cy := r.Ctr()
	left := p.X < cx
	top := p.Y < cy
	switch {
	case left && top:
		return models.LeftTop
	case !left && top:
		return models.RightTop
	case left && !top:
		return models.LeftBottom
	default:
		return models.RightBottom
	}
}

// SignificantIntersection reports whether the overlap covers at least ratio
// of the smaller box.
func (r Rect) SignificantIntersection(o Rect, ratio float64) bool {
	c, ok := r.Intersection(o)
	if !ok || c.Area() == 0 {
		return false
	}
	return c.Area() >= ratio*math.Min(r.Area(), o.Area())
}
