package fitter

import "math"

// boxTransform maps unconstrained optimiser variables onto bounded model
// parameters, so that unconstrained methods respect parameter bounds.
// Doubly bounded parameters use a sine mapping, singly bounded ones a
// square-root mapping, and unbounded ones pass through.
type boxTransform struct {
	lower, upper []float64
}

func (b boxTransform) toBounded(u, x []float64) {
	for i := range u {
		lo, hi := b.lower[i], b.upper[i]
		loInf, hiInf := math.IsInf(lo, -1), math.IsInf(hi, 1)
		switch {
		case !loInf && !hiInf:
			x[i] = lo + (hi-lo)*(math.Sin(u[i])+1)/2
		case !loInf:
			x[i] = lo - 1 + math.Sqrt(u[i]*u[i]+1)
		case !hiInf:
			x[i] = hi + 1 - math.Sqrt(u[i]*u[i]+1)
		default:
			x[i] = u[i]
		}
		// Rounding in the mapping can step just outside the box
		x[i] = math.Max(lo, math.Min(hi, x[i]))
	}
}

func (b boxTransform) toUnbounded(x, u []float64) {
	for i := range x {
		lo, hi := b.lower[i], b.upper[i]
		loInf, hiInf := math.IsInf(lo, -1), math.IsInf(hi, 1)
		xi := math.Max(lo, math.Min(hi, x[i]))
		switch {
		case !loInf && !hiInf:
			if hi == lo {
				u[i] = 0
				continue
			}
			u[i] = math.Asin(math.Max(-1, math.Min(1, 2*(xi-lo)/(hi-lo)-1)))
		case !loInf:
			d := xi - lo + 1
			u[i] = math.Sqrt(d*d - 1)
		case !hiInf:
			d := hi - xi + 1
			u[i] = math.Sqrt(d*d - 1)
		default:
			u[i] = xi
		}
	}
}
