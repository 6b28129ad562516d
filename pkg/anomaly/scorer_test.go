package anomaly

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"
)

// clusterWithOutliers builds a tight gaussian cluster plus a few points
// far outside it.
func clusterWithOutliers(n, outliers int, seed int64) ([][]float64, int) {
	rng := rand.New(rand.NewSource(seed))
	X := make([][]float64, 0, n+outliers)
	for i := 0; i < n; i++ {
		X = append(X, []float64{rng.NormFloat64(), rng.NormFloat64()})
	}
	for i := 0; i < outliers; i++ {
		X = append(X, []float64{10 + rng.Float64(), 10 + rng.Float64()})
	}
	return X, n
}

func TestIsolationForestDefaults(t *testing.T) {
	f := NewIsolationForest(0, 0, 1)
	if f.NumTrees != 100 || f.SampleSize != 256 {
		t.Errorf("defaults = %d trees, %d samples; want 100, 256", f.NumTrees, f.SampleSize)
	}
	if f.HeightLim != int(math.Ceil(math.Log2(256))) {
		t.Errorf("height limit = %d", f.HeightLim)
	}
}

func TestIsolationForestSeparation(t *testing.T) {
	X, n := clusterWithOutliers(300, 5, 7)
	f := NewIsolationForest(100, 128, 7)
	f.Fit(X)

	var inlierMax float64
	for i := 0; i < n; i++ {
		if s := f.RawScore(X[i]); s > inlierMax {
			inlierMax = s
		}
	}
	inlierMean := 0.0
	for i := 0; i < n; i++ {
		inlierMean += f.RawScore(X[i])
	}
	inlierMean /= float64(n)

	for i := n; i < len(X); i++ {
		if s := f.RawScore(X[i]); s <= inlierMean {
			t.Errorf("outlier %d scored %v, at or below inlier mean %v", i, s, inlierMean)
		}
	}
}

func TestIsolationForestDeterministic(t *testing.T) {
	X, _ := clusterWithOutliers(200, 3, 11)

	score := func() []float64 {
		f := NewIsolationForest(50, 64, 42)
		f.Fit(X)
		out := make([]float64, len(X))
		for i, row := range X {
			out[i] = f.RawScore(row)
		}
		return out
	}
	if !reflect.DeepEqual(score(), score()) {
		t.Fatal("same seed must produce identical scores")
	}
}

func TestCFactor(t *testing.T) {
	if cFactor(0) != 0 || cFactor(1) != 0 {
		t.Error("c(n) must be 0 for n<=1")
	}
	// c(2) = 2*(ln(1)+gamma) - 2*1/2 = 2*gamma - 1
	want := 2*0.5772156649 - 1
	if got := cFactor(2); math.Abs(got-want) > 1e-9 {
		t.Errorf("c(2) = %v, want %v", got, want)
	}
	if cFactor(256) <= cFactor(16) {
		t.Error("c(n) must grow with n")
	}
}

func TestScorerLifecycle(t *testing.T) {
	s := NewScorer(Config{NumTrees: 50, SampleSize: 64, Seed: 5})
	if s.Trained() {
		t.Fatal("new scorer must not be trained")
	}

	X, _ := clusterWithOutliers(200, 5, 5)
	if _, err := s.Score(X); !errors.Is(err, ErrNotTrained) {
		t.Fatalf("Score before Train = %v, want ErrNotTrained", err)
	}
	if err := s.Train(nil); !errors.Is(err, ErrNoData) {
		t.Fatalf("Train(empty) = %v, want ErrNoData", err)
	}
	if s.Trained() {
		t.Fatal("failed Train must not leave trained state")
	}

	if err := s.Train(X); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if !s.Trained() {
		t.Fatal("Train must set trained state")
	}
	if s.Offset() <= 0 {
		t.Errorf("offset = %v, want > 0", s.Offset())
	}
}

func TestScorerNormalizedRange(t *testing.T) {
	X, _ := clusterWithOutliers(200, 5, 9)
	s := NewScorer(Config{NumTrees: 50, SampleSize: 64, Seed: 9})
	if err := s.Train(X); err != nil {
		t.Fatalf("Train: %v", err)
	}
	scores, err := s.Score(X)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	var sawZero, sawOne bool
	for _, v := range scores {
		if v < 0 || v > 1 {
			t.Fatalf("normalized score %v outside [0,1]", v)
		}
		if v == 0 {
			sawZero = true
		}
		if v == 1 {
			sawOne = true
		}
	}
	// Min-max normalization pins the batch extremes.
	if !sawZero || !sawOne {
		t.Errorf("expected both 0 and 1 in normalized batch (zero=%v one=%v)", sawZero, sawOne)
	}
}

func TestScorerSingleOutlierTopsBatch(t *testing.T) {
	// 999 near-identical points and exactly one far outlier: min-max
	// normalization must pin the outlier at 1.0 with every other point
	// strictly below it.
	rng := rand.New(rand.NewSource(23))
	X := make([][]float64, 0, 1000)
	for i := 0; i < 999; i++ {
		X = append(X, []float64{5 + rng.Float64()*0.01, 5 + rng.Float64()*0.01})
	}
	outlier := len(X)
	X = append(X, []float64{100, 100})

	s := NewScorer(Config{NumTrees: 100, SampleSize: 256, Seed: 23})
	if err := s.Train(X); err != nil {
		t.Fatalf("Train: %v", err)
	}
	scores, err := s.Score(X)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if scores[outlier] != 1 {
		t.Fatalf("outlier score = %v, want exactly 1", scores[outlier])
	}
	for i := 0; i < outlier; i++ {
		if scores[i] >= scores[outlier] {
			t.Errorf("inlier %d scored %v, not strictly below the outlier", i, scores[i])
		}
	}
}

func TestScorerDegenerateBatch(t *testing.T) {
	X := [][]float64{{1, 1}, {1, 1}, {1, 1}, {1, 1}}
	s := NewScorer(Config{NumTrees: 20, SampleSize: 4, Seed: 3})
	if err := s.Train(X); err != nil {
		t.Fatalf("Train: %v", err)
	}
	scores, err := s.Score(X)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	for i, v := range scores {
		if v != 0 {
			t.Errorf("identical batch: score[%d] = %v, want 0", i, v)
		}
	}
}

func TestScorerContaminationDecisions(t *testing.T) {
	X, _ := clusterWithOutliers(190, 10, 13)
	contamination := 0.05
	s := NewScorer(Config{NumTrees: 100, SampleSize: 128, Contamination: contamination, Seed: 13})
	if err := s.Train(X); err != nil {
		t.Fatalf("Train: %v", err)
	}
	decisions, err := s.Decisions(X)
	if err != nil {
		t.Fatalf("Decisions: %v", err)
	}
	flagged := 0
	for _, d := range decisions {
		if d {
			flagged++
		}
	}
	// Offset sits at the (1-contamination) quantile of training scores.
	want := int(float64(len(X)) * contamination)
	if flagged < want/2 || flagged > want*3 {
		t.Errorf("flagged %d of %d, expected near %d", flagged, len(X), want)
	}
}

func TestClassifyOutlierRequiresBothSignals(t *testing.T) {
	X, n := clusterWithOutliers(200, 5, 17)
	s := NewScorer(Config{NumTrees: 100, SampleSize: 128, Contamination: 0.1, Seed: 17})
	if err := s.Train(X); err != nil {
		t.Fatalf("Train: %v", err)
	}

	decisions, _ := s.Decisions(X)
	scores, _ := s.Score(X)
	threshold := 0.7
	flags, err := s.ClassifyOutlier(X, threshold)
	if err != nil {
		t.Fatalf("ClassifyOutlier: %v", err)
	}
	for i := range X {
		want := decisions[i] && scores[i] >= threshold
		if flags[i] != want {
			t.Errorf("row %d: flag %v, decision %v score %v", i, flags[i], decisions[i], scores[i])
		}
	}

	// The far outliers must be caught.
	caught := 0
	for i := n; i < len(X); i++ {
		if flags[i] {
			caught++
		}
	}
	if caught == 0 {
		t.Error("no injected outlier flagged")
	}
}

func TestScorerRestore(t *testing.T) {
	X, _ := clusterWithOutliers(150, 5, 21)
	s := NewScorer(Config{NumTrees: 50, SampleSize: 64, Seed: 21})
	if err := s.Train(X); err != nil {
		t.Fatalf("Train: %v", err)
	}
	orig, _ := s.RawScores(X)

	restored := NewScorer(Config{})
	if err := restored.Restore(nil, 0.5); err == nil {
		t.Fatal("Restore with nil forest must fail")
	}
	if err := restored.Restore(s.Forest(), s.Offset()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got, err := restored.RawScores(X)
	if err != nil {
		t.Fatalf("RawScores after restore: %v", err)
	}
	if !reflect.DeepEqual(orig, got) {
		t.Fatal("restored scorer must reproduce original scores")
	}
}

func TestConfigContaminationClamp(t *testing.T) {
	for _, bad := range []float64{-0.1, 0, 0.6, 2} {
		s := NewScorer(Config{Contamination: bad})
		if s.cfg.Contamination != 0.1 {
			t.Errorf("contamination %v should clamp to 0.1, got %v", bad, s.cfg.Contamination)
		}
	}
	s := NewScorer(Config{Contamination: 0.25})
	if s.cfg.Contamination != 0.25 {
		t.Errorf("valid contamination rewritten to %v", s.cfg.Contamination)
	}
}
