package detection

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

type offset struct{ dr, dc int }

// disk returns the offsets of a disk-shaped structuring element.
func disk(radius int) []offset {
	var out []offset
	for dr := -radius; dr <= radius; dr++ {
		for dc := -radius; dc <= radius; dc++ {
			if dr*dr+dc*dc <= radius*radius {
				out = append(out, offset{dr, dc})
			}
		}
	}
	return out
}

// greyMorph applies a grey-level erosion (pick min) or dilation (pick max).
// Footprint positions outside the image are ignored.
func greyMorph(src *mat.Dense, fp []offset, erode bool) *mat.Dense {
	rows, cols := src.Dims()
	dst := mat.NewDense(rows, cols, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			best := math.Inf(1)
			if !erode {
				best = math.Inf(-1)
			}
			for _, o := range fp {
				nr, nc := r+o.dr, c+o.dc
				if nr < 0 || nr >= rows || nc < 0 || nc >= cols {
					continue
				}
				v := src.At(nr, nc)
				if erode {
					best = min(best, v)
				} else {
					best = max(best, v)
				}
			}
			dst.Set(r, c, best)
		}
	}
	return dst
}

// Opening erodes iterations times then dilates iterations times with a disk
// of the given radius. Thin structures such as the bed do not survive it.
func Opening(src *mat.Dense, radius, iterations int) *mat.Dense {
	fp := disk(radius)
	out := mat.DenseCopyOf(src)
	for i := 0; i < iterations; i++ {
		out = greyMorph(out, fp, true)
	}
	for i := 0; i < iterations; i++ {
		out = greyMorph(out, fp, false)
	}
	return out
}

// GaussianSmooth blurs m with a separable Gaussian of the given sigma. The
// kernel is truncated at four sigma and edges are reflected.
func GaussianSmooth(m *mat.Dense, sigma float64) *mat.Dense {
	radius := int(4*sigma + 0.5)
	if sigma <= 0 || radius == 0 {
		return mat.DenseCopyOf(m)
	}
	kernel := make([]float64, 2*radius+1)
	var sum float64
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}

	rows, cols := m.Dims()
	tmp := mat.NewDense(rows, cols, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			var acc float64
			for k, w := range kernel {
				acc += w * m.At(r, reflect(c+k-radius, cols))
			}
			tmp.Set(r, c, acc)
		}
	}
	out := mat.NewDense(rows, cols, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			var acc float64
			for k, w := range kernel {
				acc += w * tmp.At(reflect(r+k-radius, rows), c)
			}
			out.Set(r, c, acc)
		}
	}
	return out
}

// reflect maps i into [0,n) mirroring about the edges (d c b a | a b c d).
func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - 1 - i
	}
	return i
}
