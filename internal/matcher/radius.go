package matcher

import (
	"math"
	"sort"
)

// RadiusExpander maps the current search radius and the number of new
// candidates found in the last pass to the next radius. Returning a value
// above the configured maximum ends the search.
type RadiusExpander func(current float64, found int) float64

// StepExpander walks a fixed list of radii, e.g. 1km, 2km, 3km. Past the
// last step it returns +Inf.
func StepExpander(steps []float64) RadiusExpander {
	sorted := append([]float64(nil), steps...)
	sort.Float64s(sorted)
	return func(current float64, _ int) float64 {
		for _, s := range sorted {
			if s > current {
				return s
			}
		}
		return math.Inf(1)
	}
}

// GeometricExpander multiplies the radius by factor, growing by at least
// minStep meters each time.
func GeometricExpander(factor, minStep float64) RadiusExpander {
	if factor < 1 {
		factor = 1
	}
	if minStep <= 0 {
		minStep = 1
	}
	return func(current float64, _ int) float64 {
		return math.Max(current*factor, current+minStep)
	}
}
