package util

import "math"

// ClampPercent bounds a progress value to [0, 100]. NaN becomes 0.
func ClampPercent(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 100 {
		return 100
	}
	return x
}
