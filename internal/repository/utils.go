package repository

import "math"

// roundToPlaces rounds a float to the specified number of decimal places.
func roundToPlaces(val float64, places int) float64 {
	mult := math.Pow(10, float64(places))
	return math.Round(val*mult) / mult
}
