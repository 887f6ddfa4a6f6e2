package bandit

import "math"

// pivotEpsilon is the smallest pivot magnitude accepted during inversion.
const pivotEpsilon = 1e-12

// Matrices are stored row-major in flat slices of length d*d.

func identity(d int) []float64 {
	m := make([]float64, d*d)
	for i := 0; i < d; i++ {
		m[i*d+i] = 1
	}
	return m
}

// invert returns A⁻¹ using Gauss-Jordan elimination with partial pivoting.
// A is not modified. Returns ErrSingularMatrix when the best available pivot
// in any column is smaller than pivotEpsilon.
func invert(a []float64, d int) ([]float64, error) {
	w := 2 * d
	aug := make([]float64, d*w)
	for i := 0; i < d; i++ {
		copy(aug[i*w:i*w+d], a[i*d:i*d+d])
		aug[i*w+d+i] = 1
	}

	for col := 0; col < d; col++ {
		pivot := col
		best := math.Abs(aug[col*w+col])
		for r := col + 1; r < d; r++ {
			if v := math.Abs(aug[r*w+col]); v > best {
				best, pivot = v, r
			}
		}
		if best < pivotEpsilon || math.IsNaN(best) {
			return nil, ErrSingularMatrix
		}
		if pivot != col {
			for j := 0; j < w; j++ {
				aug[col*w+j], aug[pivot*w+j] = aug[pivot*w+j], aug[col*w+j]
			}
		}

		p := aug[col*w+col]
		for j := 0; j < w; j++ {
			aug[col*w+j] /= p
		}
		for r := 0; r < d; r++ {
			if r == col {
				continue
			}
			f := aug[r*w+col]
			if f == 0 {
				continue
			}
			for j := 0; j < w; j++ {
				aug[r*w+j] -= f * aug[col*w+j]
			}
		}
	}

	inv := make([]float64, d*d)
	for i := 0; i < d; i++ {
		copy(inv[i*d:i*d+d], aug[i*w+d:i*w+w])
	}
	return inv, nil
}

// mulVec returns M·v.
func mulVec(m []float64, d int, v []float64) []float64 {
	out := make([]float64, d)
	for i := 0; i < d; i++ {
		var s float64
		row := m[i*d : i*d+d]
		for j, x := range v {
			s += row[j] * x
		}
		out[i] = s
	}
	return out
}

// quadForm returns vᵀ·M·v.
func quadForm(m []float64, d int, v []float64) float64 {
	var s float64
	for i := 0; i < d; i++ {
		row := m[i*d : i*d+d]
		var r float64
		for j, x := range v {
			r += row[j] * x
		}
		s += v[i] * r
	}
	return s
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func norm(v []float64) float64 {
	return math.Sqrt(dot(v, v))
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
