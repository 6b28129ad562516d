package classifier

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"cloudsentry/pkg/cloudtrail"
)

var (
	// ErrNotTrained is returned when prediction is requested before Train.
	ErrNotTrained = errors.New("threat classifier not trained")
	// ErrInvalidInput marks rejected training or prediction input.
	ErrInvalidInput = errors.New("invalid classifier input")
)

// Config tunes the forest. Zero values fall back to reference defaults.
type Config struct {
	NumTrees        int   // ensemble size (default 200)
	MaxDepth        int   // per-tree depth cap (default 20)
	MinSamplesSplit int   // minimum node size to attempt a split (default 10)
	MinSamplesLeaf  int   // minimum samples per child (default 4)
	CVFolds         int   // cross-validation folds (default 5)
	Seed            int64 // RNG seed; same seed, same model
}

func (c Config) withDefaults() Config {
	if c.NumTrees <= 0 {
		c.NumTrees = 200
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 20
	}
	if c.MinSamplesSplit <= 0 {
		c.MinSamplesSplit = 10
	}
	if c.MinSamplesLeaf <= 0 {
		c.MinSamplesLeaf = 4
	}
	if c.CVFolds < 2 {
		c.CVFolds = 5
	}
	return c
}

// TrainReport summarizes a completed training run: metrics on the
// held-out validation partition plus cross-validation stability.
type TrainReport struct {
	TrainRows  int         `json:"train_rows"`
	ValRows    int         `json:"val_rows"`
	Validation EvalMetrics `json:"validation"`
	CVF1Mean   float64     `json:"cv_f1_mean"`
	CVF1Std    float64     `json:"cv_f1_std"`
}

// ImportanceEntry pairs a feature column name with its share of total
// impurity decrease.
type ImportanceEntry struct {
	Feature    string  `json:"feature"`
	Importance float64 `json:"importance"`
}

// Classifier is the supervised threat model: a balanced random forest
// bound to a fixed, ordered feature column contract.
type Classifier struct {
	mu      sync.RWMutex
	cfg     Config
	columns []string
	forest  *Forest
	trained bool
}

// NewClassifier binds the classifier to its feature columns. The column
// order must match the vectors later passed to Train and Predict.
func NewClassifier(cfg Config, columns []string) (*Classifier, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("no feature columns: %w", ErrInvalidInput)
	}
	return &Classifier{
		cfg:     cfg.withDefaults(),
		columns: append([]string(nil), columns...),
	}, nil
}

// Train fits the forest on a stratified (1-valSplit) share of the rows,
// evaluates on the remainder, and runs k-fold cross-validation on the
// full set. On error no partial state is retained.
func (c *Classifier) Train(X [][]float64, y []int, valSplit float64) (*TrainReport, error) {
	if len(X) == 0 {
		return nil, fmt.Errorf("empty training set: %w", ErrInvalidInput)
	}
	if len(X) != len(y) {
		return nil, fmt.Errorf("%d rows but %d labels: %w", len(X), len(y), ErrInvalidInput)
	}
	for i, row := range X {
		if len(row) != len(c.columns) {
			return nil, fmt.Errorf("row %d has %d features, want %d: %w", i, len(row), len(c.columns), ErrInvalidInput)
		}
	}
	for i, label := range y {
		if label < 0 || label >= cloudtrail.NumClasses {
			return nil, fmt.Errorf("label %d at row %d out of range: %w", label, i, ErrInvalidInput)
		}
	}

	trainIdx, valIdx, err := stratifiedSplit(y, valSplit, c.cfg.Seed)
	if err != nil {
		return nil, err
	}

	trX := make([][]float64, len(trainIdx))
	trY := make([]int, len(trainIdx))
	for j, i := range trainIdx {
		trX[j], trY[j] = X[i], y[i]
	}

	fcfg := forestConfig{
		numTrees:        c.cfg.NumTrees,
		maxDepth:        c.cfg.MaxDepth,
		minSamplesSplit: c.cfg.MinSamplesSplit,
		minSamplesLeaf:  c.cfg.MinSamplesLeaf,
		seed:            c.cfg.Seed,
	}
	forest := fitForest(trX, trY, fcfg)

	yTrue := make([]int, len(valIdx))
	yPred := make([]int, len(valIdx))
	for j, i := range valIdx {
		yTrue[j] = y[i]
		yPred[j] = forest.PredictRow(X[i])
	}
	valMetrics := computeMetrics(yTrue, yPred)

	cvMean, cvStd := crossValidateF1(X, y, c.cfg.CVFolds, fcfg)

	c.mu.Lock()
	c.forest = forest
	c.trained = true
	c.mu.Unlock()

	return &TrainReport{
		TrainRows:  len(trainIdx),
		ValRows:    len(valIdx),
		Validation: valMetrics,
		CVF1Mean:   cvMean,
		CVF1Std:    cvStd,
	}, nil
}

// Predict returns the argmax class label per row.
func (c *Classifier) Predict(X [][]float64) ([]int, error) {
	forest, err := c.fittedForest(X)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(X))
	for i, row := range X {
		out[i] = forest.PredictRow(row)
	}
	return out, nil
}

// PredictProba returns the per-class probability distribution per row.
// Each row of the result is non-negative and sums to 1.
func (c *Classifier) PredictProba(X [][]float64) ([][]float64, error) {
	forest, err := c.fittedForest(X)
	if err != nil {
		return nil, err
	}
	out := make([][]float64, len(X))
	for i, row := range X {
		out[i] = forest.Proba(row)
	}
	return out, nil
}

// Evaluate scores the fitted model against labeled rows.
func (c *Classifier) Evaluate(X [][]float64, y []int) (*EvalMetrics, error) {
	if len(X) != len(y) {
		return nil, fmt.Errorf("%d rows but %d labels: %w", len(X), len(y), ErrInvalidInput)
	}
	pred, err := c.Predict(X)
	if err != nil {
		return nil, err
	}
	m := computeMetrics(y, pred)
	return &m, nil
}

// FeatureImportance returns the columns ranked by impurity decrease,
// most important first. Values sum to 1 when any split occurred.
func (c *Classifier) FeatureImportance() ([]ImportanceEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.trained {
		return nil, ErrNotTrained
	}
	entries := make([]ImportanceEntry, len(c.columns))
	for i, name := range c.columns {
		entries[i] = ImportanceEntry{Feature: name, Importance: c.forest.Importance[i]}
	}
	sort.SliceStable(entries, func(a, b int) bool {
		return entries[a].Importance > entries[b].Importance
	})
	return entries, nil
}

// Trained reports whether Train has completed successfully.
func (c *Classifier) Trained() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.trained
}

// Columns returns the bound feature column order.
func (c *Classifier) Columns() []string {
	return append([]string(nil), c.columns...)
}

// Forest exposes the fitted ensemble for artifact serialization.
func (c *Classifier) Forest() *Forest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.forest
}

// Restore rebuilds a trained classifier from serialized state.
func (c *Classifier) Restore(forest *Forest) error {
	if forest == nil || len(forest.Trees) == 0 {
		return fmt.Errorf("restore classifier: %w", ErrInvalidInput)
	}
	if len(forest.Importance) != len(c.columns) {
		return fmt.Errorf("artifact has %d importances, want %d: %w", len(forest.Importance), len(c.columns), ErrInvalidInput)
	}
	c.mu.Lock()
	c.forest = forest
	c.trained = true
	c.mu.Unlock()
	return nil
}

func (c *Classifier) fittedForest(X [][]float64) (*Forest, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.trained {
		return nil, ErrNotTrained
	}
	for i, row := range X {
		if len(row) != len(c.columns) {
			return nil, fmt.Errorf("row %d has %d features, want %d: %w", i, len(row), len(c.columns), ErrInvalidInput)
		}
	}
	return c.forest, nil
}
