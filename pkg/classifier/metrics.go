package classifier

import (
	"fmt"
	"math"
	"math/rand"

	"cloudsentry/pkg/cloudtrail"
)

// ClassMetrics holds per-class evaluation numbers.
type ClassMetrics struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// EvalMetrics is the result of scoring predictions against true labels.
type EvalMetrics struct {
	Accuracy       float64                 `json:"accuracy"`
	PrecisionMacro float64                 `json:"precision_macro"`
	RecallMacro    float64                 `json:"recall_macro"`
	F1Macro        float64                 `json:"f1_macro"`
	PerClass       map[string]ClassMetrics `json:"per_class"`
	Confusion      [][]int                 `json:"confusion_matrix"` // rows: true, cols: predicted
}

func computeMetrics(yTrue, yPred []int) EvalMetrics {
	k := cloudtrail.NumClasses
	confusion := make([][]int, k)
	for i := range confusion {
		confusion[i] = make([]int, k)
	}
	correct := 0
	for i := range yTrue {
		confusion[yTrue[i]][yPred[i]]++
		if yTrue[i] == yPred[i] {
			correct++
		}
	}

	perClass := make(map[string]ClassMetrics, k)
	var pSum, rSum, fSum float64
	for c := 0; c < k; c++ {
		tp := confusion[c][c]
		fp, fn, support := 0, 0, 0
		for o := 0; o < k; o++ {
			if o != c {
				fp += confusion[o][c]
				fn += confusion[c][o]
			}
			support += confusion[c][o]
		}
		var precision, recall, f1 float64
		if tp+fp > 0 {
			precision = float64(tp) / float64(tp+fp)
		}
		if tp+fn > 0 {
			recall = float64(tp) / float64(tp+fn)
		}
		if precision+recall > 0 {
			f1 = 2 * precision * recall / (precision + recall)
		}
		perClass[cloudtrail.ClassName(c)] = ClassMetrics{
			Precision: precision, Recall: recall, F1: f1, Support: support,
		}
		pSum += precision
		rSum += recall
		fSum += f1
	}

	var accuracy float64
	if len(yTrue) > 0 {
		accuracy = float64(correct) / float64(len(yTrue))
	}
	return EvalMetrics{
		Accuracy:       accuracy,
		PrecisionMacro: pSum / float64(k),
		RecallMacro:    rSum / float64(k),
		F1Macro:        fSum / float64(k),
		PerClass:       perClass,
		Confusion:      confusion,
	}
}

// stratifiedSplit partitions row indices into train/validation parts
// preserving per-class proportions. Deterministic for a given seed.
func stratifiedSplit(y []int, valFraction float64, seed int64) (train, val []int, err error) {
	if valFraction <= 0 || valFraction >= 1 {
		return nil, nil, fmt.Errorf("validation split %v outside (0,1): %w", valFraction, ErrInvalidInput)
	}
	byClass := make(map[int][]int)
	for i, label := range y {
		byClass[label] = append(byClass[label], i)
	}
	rng := rand.New(rand.NewSource(seed))
	// Iterate classes in fixed order so the split is reproducible.
	for c := 0; c < cloudtrail.NumClasses; c++ {
		idxs := byClass[c]
		if len(idxs) == 0 {
			continue
		}
		rng.Shuffle(len(idxs), func(a, b int) { idxs[a], idxs[b] = idxs[b], idxs[a] })
		nVal := int(math.Round(float64(len(idxs)) * valFraction))
		if nVal >= len(idxs) {
			nVal = len(idxs) - 1
		}
		val = append(val, idxs[:nVal]...)
		train = append(train, idxs[nVal:]...)
	}
	if len(train) == 0 || len(val) == 0 {
		return nil, nil, fmt.Errorf("split left an empty partition (%d train, %d val): %w", len(train), len(val), ErrInvalidInput)
	}
	return train, val, nil
}

// crossValidateF1 runs stratified k-fold cross-validation on the full
// set, training a fresh forest per fold, and returns macro-F1 mean/std.
// It answers a different question than the held-out validation metrics:
// stability across splits rather than generalization to one split.
func crossValidateF1(X [][]float64, y []int, folds int, cfg forestConfig) (mean, std float64) {
	if folds < 2 {
		folds = 5
	}
	foldOf := make([]int, len(y))
	byClass := make(map[int][]int)
	for i, label := range y {
		byClass[label] = append(byClass[label], i)
	}
	rng := rand.New(rand.NewSource(cfg.seed))
	for c := 0; c < cloudtrail.NumClasses; c++ {
		idxs := byClass[c]
		rng.Shuffle(len(idxs), func(a, b int) { idxs[a], idxs[b] = idxs[b], idxs[a] })
		for pos, i := range idxs {
			foldOf[i] = pos % folds
		}
	}

	scores := make([]float64, 0, folds)
	for f := 0; f < folds; f++ {
		var trX [][]float64
		var trY []int
		var teIdx []int
		for i := range y {
			if foldOf[i] == f {
				teIdx = append(teIdx, i)
			} else {
				trX = append(trX, X[i])
				trY = append(trY, y[i])
			}
		}
		if len(teIdx) == 0 || len(trX) == 0 {
			continue
		}
		foldCfg := cfg
		foldCfg.seed = cfg.seed + int64(f+1)*1000
		forest := fitForest(trX, trY, foldCfg)

		yTrue := make([]int, len(teIdx))
		yPred := make([]int, len(teIdx))
		for j, i := range teIdx {
			yTrue[j] = y[i]
			yPred[j] = forest.PredictRow(X[i])
		}
		scores = append(scores, computeMetrics(yTrue, yPred).F1Macro)
	}

	if len(scores) == 0 {
		return 0, 0
	}
	for _, s := range scores {
		mean += s
	}
	mean /= float64(len(scores))
	for _, s := range scores {
		std += (s - mean) * (s - mean)
	}
	std = math.Sqrt(std / float64(len(scores)))
	return mean, std
}
