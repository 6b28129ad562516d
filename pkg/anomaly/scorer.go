package anomaly

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNotTrained is returned when scoring is requested before Train.
	ErrNotTrained = errors.New("anomaly scorer not trained")
	// ErrNoData is returned when training is requested on an empty set.
	ErrNoData = errors.New("no training data provided")
)

// Config tunes the scorer. Zero values fall back to reference defaults.
type Config struct {
	NumTrees      int     // ensemble size (default 100)
	SampleSize    int     // per-tree subsample (default 256)
	Contamination float64 // expected anomaly fraction in (0,0.5] (default 0.1)
	Seed          int64   // RNG seed; same seed, same model
}

// Scorer wraps the isolation forest with the batch-scoring contract:
// min-max normalized scores plus a train-time raw decision boundary.
//
// Scores are batch-relative: the least anomalous point of a batch maps to
// 0 and the most anomalous to 1, so the same event scores differently in
// different batches. Callers must score consistent batches to compare
// rankings.
type Scorer struct {
	mu      sync.RWMutex
	cfg     Config
	forest  *IsolationForest
	offset  float64 // raw scores >= offset are outliers by decision
	trained bool
}

// NewScorer creates an untrained scorer.
func NewScorer(cfg Config) *Scorer {
	if cfg.Contamination <= 0 || cfg.Contamination > 0.5 {
		cfg.Contamination = 0.1
	}
	return &Scorer{cfg: cfg}
}

// Train fits the forest and derives the raw decision offset so that
// roughly Contamination of the training batch falls on the outlier side.
// On error no partial state is retained.
func (s *Scorer) Train(X [][]float64) error {
	if len(X) == 0 {
		return fmt.Errorf("train anomaly scorer: %w", ErrNoData)
	}

	forest := NewIsolationForest(s.cfg.NumTrees, s.cfg.SampleSize, s.cfg.Seed)
	forest.Fit(X)

	raw := make([]float64, len(X))
	for i, row := range X {
		raw[i] = forest.RawScore(row)
	}
	sorted := append([]float64(nil), raw...)
	sort.Float64s(sorted)
	// (1-contamination) quantile of training raw scores.
	idx := int(float64(len(sorted)) * (1 - s.cfg.Contamination))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	offset := sorted[idx]

	s.mu.Lock()
	s.forest = forest
	s.offset = offset
	s.trained = true
	s.mu.Unlock()
	return nil
}

// RawScores returns unnormalized forest scores, higher = more anomalous.
func (s *Scorer) RawScores(X [][]float64) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.trained {
		return nil, ErrNotTrained
	}
	raw := make([]float64, len(X))
	for i, row := range X {
		raw[i] = s.forest.RawScore(row)
	}
	return raw, nil
}

// Score returns per-row scores min-max normalized across this batch to
// [0,1]. If every raw score in the batch is identical, all normalized
// scores are 0.
func (s *Scorer) Score(X [][]float64) ([]float64, error) {
	raw, err := s.RawScores(X)
	if err != nil {
		return nil, err
	}
	return normalize(raw), nil
}

// Decisions returns the raw isolation decision per row: true when the raw
// score meets the train-time contamination offset.
func (s *Scorer) Decisions(X [][]float64) ([]bool, error) {
	raw, err := s.RawScores(X)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	offset := s.offset
	s.mu.RUnlock()
	out := make([]bool, len(raw))
	for i, r := range raw {
		out[i] = r >= offset
	}
	return out, nil
}

// ClassifyOutlier flags rows that BOTH the raw isolation decision calls
// outlier AND whose batch-normalized score meets the threshold. Neither
// signal alone flags an event.
func (s *Scorer) ClassifyOutlier(X [][]float64, threshold float64) ([]bool, error) {
	raw, err := s.RawScores(X)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	offset := s.offset
	s.mu.RUnlock()

	normalized := normalize(raw)
	flags := make([]bool, len(raw))
	for i := range raw {
		flags[i] = raw[i] >= offset && normalized[i] >= threshold
	}
	return flags, nil
}

// Trained reports whether Train has completed successfully.
func (s *Scorer) Trained() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trained
}

// Forest exposes the fitted ensemble for artifact serialization.
func (s *Scorer) Forest() *IsolationForest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.forest
}

// Offset returns the raw-score decision boundary fixed at train time.
func (s *Scorer) Offset() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset
}

// Restore rebuilds a trained scorer from serialized state.
func (s *Scorer) Restore(forest *IsolationForest, offset float64) error {
	if forest == nil || len(forest.Trees) == 0 {
		return fmt.Errorf("restore anomaly scorer: %w", ErrNoData)
	}
	s.mu.Lock()
	s.forest = forest
	s.offset = offset
	s.trained = true
	s.mu.Unlock()
	return nil
}

func normalize(raw []float64) []float64 {
	if len(raw) == 0 {
		return nil
	}
	minv, maxv := raw[0], raw[0]
	for _, r := range raw[1:] {
		if r < minv {
			minv = r
		}
		if r > maxv {
			maxv = r
		}
	}
	out := make([]float64, len(raw))
	if maxv == minv {
		return out // degenerate batch: all zeros, not a division by zero
	}
	for i, r := range raw {
		out[i] = (r - minv) / (maxv - minv)
	}
	return out
}
