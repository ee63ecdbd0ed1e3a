package detection

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// otsuBins is the histogram resolution used by OtsuThreshold.
const otsuBins = 256

// MeanOf returns the mean pixel value of m.
func MeanOf(m *mat.Dense) float64 {
	return stat.Mean(m.RawMatrix().Data, nil)
}

func flatten(m *mat.Dense) []float64 {
	rows, cols := m.Dims()
	out := make([]float64, 0, rows*cols)
	for r := 0; r < rows; r++ {
		out = append(out, m.RawRowView(r)...)
	}
	return out
}

// OtsuThreshold returns the level maximizing the between-class variance of a
// 256-bin histogram of m. A constant image returns its value.
func OtsuThreshold(m *mat.Dense) float64 {
	x := flatten(m)
	lo, hi := floats.Min(x), floats.Max(x)
	if lo == hi {
		return lo
	}
	slices.Sort(x)

	dividers := make([]float64, otsuBins+1)
	floats.Span(dividers, lo, hi)
	dividers[otsuBins] = math.Nextafter(hi, math.Inf(1))
	counts := stat.Histogram(nil, dividers, x, nil)

	centers := make([]float64, otsuBins)
	for i := range centers {
		centers[i] = (dividers[i] + dividers[i+1]) / 2
	}

	total := floats.Sum(counts)
	sumAll := floats.Dot(counts, centers)

	var (
		wBack, sumBack float64
		best           = -1.0
		level          = centers[0]
	)
	for i := 0; i < otsuBins-1; i++ {
		wBack += counts[i]
		sumBack += counts[i] * centers[i]
		wFore := total - wBack
		if wBack == 0 || wFore == 0 {
			continue
		}
		mBack := sumBack / wBack
		mFore := (sumAll - sumBack) / wFore
		between := wBack * wFore * (mBack - mFore) * (mBack - mFore)
		if between > best {
			best = between
			level = centers[i]
		}
	}
	return level
}

// LiThreshold returns the minimum cross-entropy level of m using Li's
// iterative method. A constant image returns its value.
func LiThreshold(m *mat.Dense) float64 {
	x := flatten(m)
	lo, hi := floats.Min(x), floats.Max(x)
	if lo == hi {
		return lo
	}
	// the method needs strictly positive intensities
	floats.AddConst(-lo, x)

	tol := smallestStep(x) / 2
	next := stat.Mean(x, nil)
	cur := next + 2*tol + 1
	for i := 0; i < 1000 && math.Abs(next-cur) > tol; i++ {
		cur = next
		var sumF, nF, sumB, nB float64
		for _, v := range x {
			if v > cur {
				sumF += v
				nF++
			} else {
				sumB += v
				nB++
			}
		}
		if nF == 0 || nB == 0 {
			break
		}
		meanF, meanB := sumF/nF, sumB/nB
		if meanB == 0 {
			break
		}
		next = (meanB - meanF) / (math.Log(meanB) - math.Log(meanF))
	}
	return next + lo
}

// smallestStep returns the smallest positive gap between distinct values.
func smallestStep(x []float64) float64 {
	s := slices.Clone(x)
	slices.Sort(s)
	s = slices.Compact(s)
	step := math.Inf(1)
	for i := 1; i < len(s); i++ {
		step = min(step, s[i]-s[i-1])
	}
	if math.IsInf(step, 1) {
		return 0
	}
	return step
}
