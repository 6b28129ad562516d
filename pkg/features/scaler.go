package features

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrNoRecords is returned when extraction or fitting is asked to run
	// over an empty batch.
	ErrNoRecords = errors.New("no records provided")
)

// FittedScaler holds per-feature mean/stddev captured at fit time.
// Applying before fitting is impossible by construction: the only way to
// obtain a FittedScaler is FitScaler, and values are never mutated after.
type FittedScaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// FitScaler computes column statistics over a feature matrix. Zero-variance
// columns get unit stddev so Apply stays finite.
func FitScaler(matrix [][]float64) (*FittedScaler, error) {
	if len(matrix) == 0 {
		return nil, fmt.Errorf("fit scaler: %w", ErrNoRecords)
	}
	width := len(matrix[0])
	mean := make([]float64, width)
	std := make([]float64, width)

	for _, row := range matrix {
		if len(row) != width {
			return nil, fmt.Errorf("fit scaler: ragged matrix (row width %d, want %d)", len(row), width)
		}
		for j, val := range row {
			mean[j] += val
		}
	}
	n := float64(len(matrix))
	for j := range mean {
		mean[j] /= n
	}
	for _, row := range matrix {
		for j, val := range row {
			d := val - mean[j]
			std[j] += d * d
		}
	}
	for j := range std {
		std[j] = math.Sqrt(std[j] / n)
		if std[j] == 0 {
			std[j] = 1
		}
	}
	return &FittedScaler{Mean: mean, Std: std}, nil
}

// Apply standardizes a matrix with the fitted statistics, returning new
// rows; the input is never mutated.
func (s *FittedScaler) Apply(matrix [][]float64) ([][]float64, error) {
	out := make([][]float64, len(matrix))
	for i, row := range matrix {
		if len(row) != len(s.Mean) {
			return nil, fmt.Errorf("apply scaler: row %d width %d, fitted on %d", i, len(row), len(s.Mean))
		}
		scaled := make([]float64, len(row))
		for j, val := range row {
			scaled[j] = (val - s.Mean[j]) / s.Std[j]
		}
		out[i] = scaled
	}
	return out, nil
}
