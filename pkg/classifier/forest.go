package classifier

import (
	"math/rand"
	"sync"

	"cloudsentry/pkg/cloudtrail"
)

// Forest is the fitted tree ensemble. Exported for artifact
// serialization; use Classifier for the training/prediction contract.
type Forest struct {
	Trees      []*TreeNode `json:"trees"`
	Importance []float64   `json:"importance"` // normalized, sums to 1
	NumTrees   int         `json:"num_trees"`
	Seed       int64       `json:"seed"`
}

// forestConfig carries the hyperparameters down to tree construction.
type forestConfig struct {
	numTrees        int
	maxDepth        int
	minSamplesSplit int
	minSamplesLeaf  int
	seed            int64
}

// fitForest trains numTrees CART trees on bootstrap resamples with
// per-split sqrt(d) feature subsets. Each tree derives its RNG from
// (seed, tree index); building is parallel and still deterministic.
func fitForest(X [][]float64, y []int, cfg forestConfig) *Forest {
	d := len(X[0])
	classWeights := balancedClassWeights(y)

	trees := make([]*TreeNode, cfg.numTrees)
	importances := make([][]float64, cfg.numTrees)

	var wg sync.WaitGroup
	for t := 0; t < cfg.numTrees; t++ {
		wg.Add(1)
		go func(t int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(cfg.seed + int64(t)))

			// Bootstrap sample: n draws with replacement.
			idxs := make([]int, len(X))
			for i := range idxs {
				idxs[i] = rng.Intn(len(X))
			}

			params := &treeParams{
				maxDepth:        cfg.maxDepth,
				minSamplesSplit: cfg.minSamplesSplit,
				minSamplesLeaf:  cfg.minSamplesLeaf,
				maxFeatures:     sqrtFeatures(d),
				classWeights:    classWeights,
				importance:      make([]float64, d),
			}
			trees[t] = buildClassTree(X, y, idxs, 0, params, rng)
			importances[t] = params.importance
		}(t)
	}
	wg.Wait()

	total := make([]float64, d)
	grand := 0.0
	for _, imp := range importances {
		for j, v := range imp {
			total[j] += v
			grand += v
		}
	}
	if grand > 0 {
		for j := range total {
			total[j] /= grand
		}
	}

	return &Forest{Trees: trees, Importance: total, NumTrees: cfg.numTrees, Seed: cfg.seed}
}

// Proba returns the mean of per-tree leaf class distributions for one
// row. The result is non-negative and sums to 1.
func (f *Forest) Proba(x []float64) []float64 {
	probs := make([]float64, cloudtrail.NumClasses)
	if len(f.Trees) == 0 {
		return probs
	}
	for _, tree := range f.Trees {
		for c, p := range tree.classProbs(x) {
			probs[c] += p
		}
	}
	n := float64(len(f.Trees))
	for c := range probs {
		probs[c] /= n
	}
	return probs
}

// PredictRow returns the argmax class for one row.
func (f *Forest) PredictRow(x []float64) int {
	probs := f.Proba(x)
	best := 0
	for c := 1; c < len(probs); c++ {
		if probs[c] > probs[best] {
			best = c
		}
	}
	return best
}
