package classifier

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"

	"cloudsentry/pkg/cloudtrail"
)

var testColumns = []string{"f0", "f1", "f2", "f3"}

// separableDataset places each class in its own region of feature space
// with mild noise, heavily imbalanced toward class 0.
func separableDataset(perClass []int, seed int64) ([][]float64, []int) {
	rng := rand.New(rand.NewSource(seed))
	var X [][]float64
	var y []int
	for class, n := range perClass {
		for i := 0; i < n; i++ {
			center := float64(class * 10)
			X = append(X, []float64{
				center + rng.Float64(),
				center - rng.Float64(),
				center + rng.Float64()/2,
				rng.Float64(),
			})
			y = append(y, class)
		}
	}
	return X, y
}

func trainedClassifier(t *testing.T) (*Classifier, [][]float64, []int) {
	t.Helper()
	X, y := separableDataset([]int{120, 30, 30, 30, 30}, 1)
	c, err := NewClassifier(Config{NumTrees: 30, MaxDepth: 10, MinSamplesSplit: 4, MinSamplesLeaf: 2, Seed: 1}, testColumns)
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}
	if _, err := c.Train(X, y, 0.2); err != nil {
		t.Fatalf("Train: %v", err)
	}
	return c, X, y
}

func TestNewClassifierRequiresColumns(t *testing.T) {
	if _, err := NewClassifier(Config{}, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestTrainValidation(t *testing.T) {
	X, y := separableDataset([]int{20, 5, 5, 5, 5}, 2)
	c, _ := NewClassifier(Config{NumTrees: 10, Seed: 2}, testColumns)

	tests := []struct {
		name     string
		X        [][]float64
		y        []int
		valSplit float64
	}{
		{"empty set", nil, nil, 0.2},
		{"row label mismatch", X, y[:len(y)-1], 0.2},
		{"split zero", X, y, 0},
		{"split one", X, y, 1},
		{"split negative", X, y, -0.5},
		{"label out of range", X[:2], []int{0, 9}, 0.2},
		{"wrong width", [][]float64{{1, 2}}, []int{0}, 0.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Train(tt.X, tt.y, tt.valSplit); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
	if c.Trained() {
		t.Error("failed Train must not leave trained state")
	}
}

func TestPredictBeforeTraining(t *testing.T) {
	c, _ := NewClassifier(Config{}, testColumns)
	if _, err := c.Predict([][]float64{{1, 2, 3, 4}}); !errors.Is(err, ErrNotTrained) {
		t.Fatalf("Predict = %v, want ErrNotTrained", err)
	}
	if _, err := c.PredictProba([][]float64{{1, 2, 3, 4}}); !errors.Is(err, ErrNotTrained) {
		t.Fatalf("PredictProba = %v, want ErrNotTrained", err)
	}
	if _, err := c.FeatureImportance(); !errors.Is(err, ErrNotTrained) {
		t.Fatalf("FeatureImportance = %v, want ErrNotTrained", err)
	}
}

func TestTrainAndPredict(t *testing.T) {
	c, X, y := trainedClassifier(t)

	pred, err := c.Predict(X)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	correct := 0
	for i := range pred {
		if pred[i] == y[i] {
			correct++
		}
	}
	if acc := float64(correct) / float64(len(y)); acc < 0.9 {
		t.Errorf("training-set accuracy %.3f on separable data, want >= 0.9", acc)
	}
}

func TestTrainReportMetrics(t *testing.T) {
	X, y := separableDataset([]int{120, 30, 30, 30, 30}, 3)
	c, _ := NewClassifier(Config{NumTrees: 30, MaxDepth: 10, MinSamplesSplit: 4, MinSamplesLeaf: 2, Seed: 3}, testColumns)
	report, err := c.Train(X, y, 0.25)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}

	if report.TrainRows+report.ValRows != len(X) {
		t.Errorf("split sizes %d+%d != %d", report.TrainRows, report.ValRows, len(X))
	}
	wantVal := int(math.Round(float64(len(X)) * 0.25))
	if report.ValRows < wantVal-5 || report.ValRows > wantVal+5 {
		t.Errorf("validation rows %d, want near %d", report.ValRows, wantVal)
	}
	if report.Validation.F1Macro < 0.8 {
		t.Errorf("validation macro-F1 %.3f on separable data", report.Validation.F1Macro)
	}
	if report.CVF1Mean < 0.8 {
		t.Errorf("CV macro-F1 mean %.3f on separable data", report.CVF1Mean)
	}
	if report.CVF1Std < 0 {
		t.Errorf("CV std %v negative", report.CVF1Std)
	}
	if len(report.Validation.PerClass) != cloudtrail.NumClasses {
		t.Errorf("per-class metrics for %d classes, want %d", len(report.Validation.PerClass), cloudtrail.NumClasses)
	}
	if len(report.Validation.Confusion) != cloudtrail.NumClasses {
		t.Errorf("confusion matrix has %d rows", len(report.Validation.Confusion))
	}
}

func TestPredictProbaRowsSumToOne(t *testing.T) {
	c, X, _ := trainedClassifier(t)
	probs, err := c.PredictProba(X[:10])
	if err != nil {
		t.Fatalf("PredictProba: %v", err)
	}
	for i, row := range probs {
		if len(row) != cloudtrail.NumClasses {
			t.Fatalf("row %d has %d classes", i, len(row))
		}
		sum := 0.0
		for _, p := range row {
			if p < 0 {
				t.Errorf("row %d has negative probability %v", i, p)
			}
			sum += p
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("row %d sums to %v", i, sum)
		}
	}
}

func TestFeatureImportanceRankedAndNormalized(t *testing.T) {
	c, _, _ := trainedClassifier(t)
	entries, err := c.FeatureImportance()
	if err != nil {
		t.Fatalf("FeatureImportance: %v", err)
	}
	if len(entries) != len(testColumns) {
		t.Fatalf("%d entries, want %d", len(entries), len(testColumns))
	}
	sum := 0.0
	for i, e := range entries {
		if e.Importance < 0 {
			t.Errorf("negative importance for %s", e.Feature)
		}
		if i > 0 && entries[i-1].Importance < e.Importance {
			t.Error("entries not ranked descending")
		}
		sum += e.Importance
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("importances sum to %v, want 1", sum)
	}
	// f3 is pure noise; the class-separating features must outrank it.
	if entries[0].Feature == "f3" {
		t.Error("noise feature ranked most important")
	}
}

func TestEvaluate(t *testing.T) {
	c, X, y := trainedClassifier(t)
	m, err := c.Evaluate(X, y)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if m.Accuracy < 0.9 {
		t.Errorf("accuracy %.3f", m.Accuracy)
	}
	if _, err := c.Evaluate(X, y[:1]); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("mismatched labels: %v", err)
	}
}

func TestTrainDeterministic(t *testing.T) {
	X, y := separableDataset([]int{60, 15, 15, 15, 15}, 4)
	run := func() []int {
		c, _ := NewClassifier(Config{NumTrees: 20, MaxDepth: 8, MinSamplesSplit: 4, MinSamplesLeaf: 2, Seed: 99}, testColumns)
		if _, err := c.Train(X, y, 0.2); err != nil {
			t.Fatalf("Train: %v", err)
		}
		pred, _ := c.Predict(X)
		return pred
	}
	if !reflect.DeepEqual(run(), run()) {
		t.Fatal("same seed must produce identical predictions")
	}
}

func TestRestore(t *testing.T) {
	c, X, _ := trainedClassifier(t)
	orig, _ := c.Predict(X)

	fresh, _ := NewClassifier(Config{Seed: 1}, testColumns)
	if err := fresh.Restore(nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Restore(nil) = %v", err)
	}
	if err := fresh.Restore(c.Forest()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got, err := fresh.Predict(X)
	if err != nil {
		t.Fatalf("Predict after restore: %v", err)
	}
	if !reflect.DeepEqual(orig, got) {
		t.Fatal("restored classifier must reproduce predictions")
	}
}

func TestBalancedClassWeights(t *testing.T) {
	y := []int{0, 0, 0, 0, 0, 0, 1, 1, 4}
	w := balancedClassWeights(y)
	// Three classes present: weight_c = n / (present * count_c).
	if got, want := w[0], 9.0/(3*6); got != want {
		t.Errorf("w[0] = %v, want %v", got, want)
	}
	if got, want := w[1], 9.0/(3*2); got != want {
		t.Errorf("w[1] = %v, want %v", got, want)
	}
	if got, want := w[4], 9.0/(3*1); got != want {
		t.Errorf("w[4] = %v, want %v", got, want)
	}
	if w[2] != 0 || w[3] != 0 {
		t.Error("absent classes must get weight 0")
	}
	// Rarer classes must weigh more.
	if !(w[4] > w[1] && w[1] > w[0]) {
		t.Errorf("weights not inverse to frequency: %v", w)
	}
}

func TestComputeMetricsKnownConfusion(t *testing.T) {
	yTrue := []int{0, 0, 0, 1, 1, 2}
	yPred := []int{0, 0, 1, 1, 1, 2}
	m := computeMetrics(yTrue, yPred)

	if got, want := m.Accuracy, 5.0/6.0; math.Abs(got-want) > 1e-9 {
		t.Errorf("accuracy %v, want %v", got, want)
	}
	if m.Confusion[0][1] != 1 {
		t.Errorf("confusion[0][1] = %d, want 1", m.Confusion[0][1])
	}
	class0 := m.PerClass[cloudtrail.ClassName(0)]
	if class0.Precision != 1 {
		t.Errorf("class0 precision %v, want 1", class0.Precision)
	}
	if got, want := class0.Recall, 2.0/3.0; math.Abs(got-want) > 1e-9 {
		t.Errorf("class0 recall %v, want %v", got, want)
	}
	class1 := m.PerClass[cloudtrail.ClassName(1)]
	if got, want := class1.Precision, 2.0/3.0; math.Abs(got-want) > 1e-9 {
		t.Errorf("class1 precision %v, want %v", got, want)
	}
	if class1.Recall != 1 {
		t.Errorf("class1 recall %v, want 1", class1.Recall)
	}
	if class0.Support != 3 || class1.Support != 2 {
		t.Errorf("supports %d/%d, want 3/2", class0.Support, class1.Support)
	}
}

func TestStratifiedSplitPreservesProportions(t *testing.T) {
	_, y := separableDataset([]int{100, 20, 20, 20, 20}, 5)
	train, val, err := stratifiedSplit(y, 0.25, 5)
	if err != nil {
		t.Fatalf("stratifiedSplit: %v", err)
	}
	if len(train)+len(val) != len(y) {
		t.Fatalf("partition sizes %d+%d != %d", len(train), len(val), len(y))
	}
	valCounts := make([]int, cloudtrail.NumClasses)
	for _, i := range val {
		valCounts[y[i]]++
	}
	if valCounts[0] != 25 {
		t.Errorf("class 0 validation count %d, want 25", valCounts[0])
	}
	for c := 1; c < cloudtrail.NumClasses; c++ {
		if valCounts[c] != 5 {
			t.Errorf("class %d validation count %d, want 5", c, valCounts[c])
		}
	}

	seen := make(map[int]bool, len(y))
	for _, i := range append(append([]int{}, train...), val...) {
		if seen[i] {
			t.Fatalf("index %d appears twice", i)
		}
		seen[i] = true
	}
}
