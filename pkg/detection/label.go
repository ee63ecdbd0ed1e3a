package detection

import (
	"gonum.org/v1/gonum/mat"

	"splitmice/pkg/geometry"
)

// Region is one connected component of a thresholded projection.
type Region struct {
	Label int

	// Bounding box; max values are exclusive.
	MinRow, MinCol int
	MaxRow, MaxCol int

	Area int

	// Centroid in (row, col) pixel coordinates.
	CentroidRow, CentroidCol float64
}

// Rect returns the bounding box with X along columns.
func (r Region) Rect() geometry.Rect {
	return geometry.Rect{XLT: r.MinCol, YLT: r.MinRow, XRB: r.MaxCol, YRB: r.MaxRow, Label: r.Label}
}

// Centroid returns the centroid as a projection point.
func (r Region) Centroid() geometry.Point {
	return geometry.Point{X: r.CentroidCol, Y: r.CentroidRow}
}

// Labeler turns a projection and an intensity level into regions.
type Labeler interface {
	Label(proj *mat.Dense, level float64) []Region
}

// ComponentLabeler labels pixels strictly above the level using 8-connectivity.
type ComponentLabeler struct{}

func (ComponentLabeler) Label(proj *mat.Dense, level float64) []Region {
	return LabelMask(Binarize(proj, level))
}

// Binarize returns a 0/1 matrix marking pixels above level.
func Binarize(proj *mat.Dense, level float64) *mat.Dense {
	rows, cols := proj.Dims()
	mask := mat.NewDense(rows, cols, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if proj.At(r, c) > level {
				mask.Set(r, c, 1)
			}
		}
	}
	return mask
}

type pixel struct{ r, c int }

// LabelMask finds the 8-connected components of the non-zero pixels of mask,
// numbered from 1 in raster order of their first pixel.
func LabelMask(mask *mat.Dense) []Region {
	rows, cols := mask.Dims()
	visited := make([]bool, rows*cols)
	var regions []Region

	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if visited[r*cols+c] || mask.At(r, c) == 0 {
				continue
			}
			reg := Region{
				Label:  len(regions) + 1,
				MinRow: r, MinCol: c,
				MaxRow: r + 1, MaxCol: c + 1,
			}
			var sumR, sumC float64

			// stack based flood fill
			stack := []pixel{{r, c}}
			visited[r*cols+c] = true
			for len(stack) > 0 {
				p := stack[len(stack)-1]
				stack = stack[:len(stack)-1]

				reg.Area++
				sumR += float64(p.r)
				sumC += float64(p.c)
				reg.MinRow = min(reg.MinRow, p.r)
				reg.MinCol = min(reg.MinCol, p.c)
				reg.MaxRow = max(reg.MaxRow, p.r+1)
				reg.MaxCol = max(reg.MaxCol, p.c+1)

				for dr := -1; dr <= 1; dr++ {
					for dc := -1; dc <= 1; dc++ {
						nr, nc := p.r+dr, p.c+dc
						if nr < 0 || nr >= rows || nc < 0 || nc >= cols {
							continue
						}
						if visited[nr*cols+nc] || mask.At(nr, nc) == 0 {
							continue
						}
						visited[nr*cols+nc] = true
						stack = append(stack, pixel{nr, nc})
					}
				}
			}
			reg.CentroidRow = sumR / float64(reg.Area)
			reg.CentroidCol = sumC / float64(reg.Area)
			regions = append(regions, reg)
		}
	}
	return regions
}
