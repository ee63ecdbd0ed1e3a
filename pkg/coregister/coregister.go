// Package coregister reconciles the PET and CT crop windows of one scan pair
// so both modalities crop the same anatomy.
package coregister

import (
	"errors"
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"

	"splitmice/pkg/geometry"
	"splitmice/pkg/layout"
)

var (
	// ErrAmbiguousMatch means more than two CT windows share a PET descriptor.
	ErrAmbiguousMatch = errors.New("ambiguous CT match")

	// ErrUnmatched means a PET window has no CT window with its descriptor.
	ErrUnmatched = errors.New("no CT window for PET descriptor")

	// ErrLeftoverCT means some CT windows matched no PET window.
	ErrLeftoverCT = errors.New("unmatched CT windows remain")
)

// Shape is the in-plane size of a volume.
type Shape struct {
	Cols, Rows int
}

// Result holds the harmonized layouts.
type Result struct {
	PET, CT layout.Layout

	// SX and SY map PET pixels to CT pixels.
	SX, SY float64

	// Substituted is set when PET detection was distrusted and the PET layout
	// was derived from CT alone.
	Substituted bool
}

// Coregister harmonizes pet and ct. rawPETCount is the number of regions the
// PET detector saw before filtering; when it exceeds twice numAnim the PET
// layout is replaced by the scaled CT layout. The inputs are not modified.
func Coregister(pet, ct layout.Layout, petShape, ctShape Shape, rawPETCount, numAnim int) (*Result, error) {
	if petShape.Cols == 0 || petShape.Rows == 0 {
		return nil, fmt.Errorf("invalid PET shape %+v", petShape)
	}
	sx := float64(ctShape.Cols) / float64(petShape.Cols)
	sy := float64(ctShape.Rows) / float64(petShape.Rows)
	res := &Result{SX: sx, SY: sy}

	log.WithFields(log.Fields{"sx": sx, "sy": sy}).Info("Coregistering PET and CT")

	if numAnim > 0 && rawPETCount > 2*numAnim {
		log.WithFields(log.Fields{"raw": rawPETCount, "expected": numAnim}).
			Warn("PET detection unreliable, using CT windows for PET")
		res.PET = layout.Scale(ct, 1/sx, 1/sy)
		res.CT = ct.Clone()
		res.Substituted = true
		return res, nil
	}

	remaining := ct.Clone()
	for _, p := range pet {
		scaled := p.Rect.Scaled(sx, sy)

		idx := remaining.Lookup(p.Desc)
		var match geometry.Rect
		switch len(idx) {
		case 0:
			return nil, fmt.Errorf("%w: %s", ErrUnmatched, p.Desc)
		case 1:
			match = remaining[idx[0]].Rect
		case 2:
			log.WithField("desc", p.Desc).Info("Two CT windows for one PET window, merging")
			match = remaining[idx[0]].Rect.Union(remaining[idx[1]].Rect)
		default:
			return nil, fmt.Errorf("%w: %d CT windows for %s", ErrAmbiguousMatch, len(idx), p.Desc)
		}
		remaining = remove(remaining, idx)

		avg := average(match, scaled)
		res.CT = append(res.CT, layout.Entry{Desc: p.Desc, Rect: avg})

		back := avg.Scaled(1/sx, 1/sy)
		back.Label = p.Rect.Label
		res.PET = append(res.PET, layout.Entry{Desc: p.Desc, Rect: back})

		log.WithFields(log.Fields{"desc": p.Desc, "pet": back, "ct": avg}).Debug("Coregistered window")
	}

	if len(remaining) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrLeftoverCT, remaining)
	}
	return res, nil
}

// average takes the coordinate-wise mean, rounded, keeping a's label.
func average(a, b geometry.Rect) geometry.Rect {
	mid := func(u, v int) int { return int(math.Round(float64(u+v) / 2)) }
	return geometry.Rect{
		XLT:   mid(a.XLT, b.XLT),
		YLT:   mid(a.YLT, b.YLT),
		XRB:   mid(a.XRB, b.XRB),
		YRB:   mid(a.YRB, b.YRB),
		Label: a.Label,
	}
}

// remove drops the entries at the ascending indices idx.
func remove(l layout.Layout, idx []int) layout.Layout {
	out := make(layout.Layout, 0, len(l)-len(idx))
	j := 0
	for i, e := range l {
		if j < len(idx) && idx[j] == i {
			j++
			continue
		}
		out = append(out, e)
	}
	return out
}
