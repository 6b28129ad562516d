// Package classifier implements the supervised half of the detection
// engine: a random forest over standardized feature vectors that assigns
// one of the five fixed threat classes with per-class probabilities.
package classifier

import (
	"math"
	"math/rand"
	"sort"

	"cloudsentry/pkg/cloudtrail"
)

// TreeNode is a CART node. Leaves carry the weighted class distribution
// of the training samples that reached them. Exported for artifact
// serialization.
type TreeNode struct {
	Leaf     bool      `json:"leaf"`
	Probs    []float64 `json:"probs,omitempty"`
	Dim      int       `json:"dim,omitempty"`
	SplitVal float64   `json:"split_val,omitempty"`
	Left     *TreeNode `json:"left,omitempty"`
	Right    *TreeNode `json:"right,omitempty"`
}

// treeParams bundles the knobs shared by every node build.
type treeParams struct {
	maxDepth        int
	minSamplesSplit int
	minSamplesLeaf  int
	maxFeatures     int
	classWeights    []float64
	// importance accumulates weighted impurity decrease per feature.
	importance []float64
}

func buildClassTree(X [][]float64, y []int, idxs []int, depth int, p *treeParams, rng *rand.Rand) *TreeNode {
	counts := weightedCounts(y, idxs, p.classWeights)
	total := sum(counts)
	impurity := gini(counts, total)

	if depth >= p.maxDepth || len(idxs) < p.minSamplesSplit || impurity == 0 {
		return leaf(counts, total)
	}

	bestDim, bestVal, bestGain := -1, 0.0, 0.0
	var bestLeft, bestRight []int

	d := len(X[0])
	for _, dim := range rng.Perm(d)[:p.maxFeatures] {
		vals := make([]float64, 0, len(idxs))
		for _, i := range idxs {
			vals = append(vals, X[i][dim])
		}
		sort.Float64s(vals)

		for vi := 1; vi < len(vals); vi++ {
			if vals[vi] == vals[vi-1] {
				continue
			}
			split := (vals[vi] + vals[vi-1]) / 2
			left, right := partition(X, idxs, dim, split)
			if len(left) < p.minSamplesLeaf || len(right) < p.minSamplesLeaf {
				continue
			}
			lc := weightedCounts(y, left, p.classWeights)
			rc := weightedCounts(y, right, p.classWeights)
			lt, rt := sum(lc), sum(rc)
			gain := impurity - (lt/total)*gini(lc, lt) - (rt/total)*gini(rc, rt)
			if gain > bestGain {
				bestDim, bestVal, bestGain = dim, split, gain
				bestLeft, bestRight = left, right
			}
		}
	}

	if bestDim < 0 {
		return leaf(counts, total)
	}
	p.importance[bestDim] += total * bestGain

	return &TreeNode{
		Dim:      bestDim,
		SplitVal: bestVal,
		Left:     buildClassTree(X, y, bestLeft, depth+1, p, rng),
		Right:    buildClassTree(X, y, bestRight, depth+1, p, rng),
	}
}

func leaf(counts []float64, total float64) *TreeNode {
	probs := make([]float64, len(counts))
	if total > 0 {
		for c, w := range counts {
			probs[c] = w / total
		}
	}
	return &TreeNode{Leaf: true, Probs: probs}
}

func partition(X [][]float64, idxs []int, dim int, split float64) (left, right []int) {
	for _, i := range idxs {
		if X[i][dim] < split {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return left, right
}

func weightedCounts(y []int, idxs []int, classWeights []float64) []float64 {
	counts := make([]float64, cloudtrail.NumClasses)
	for _, i := range idxs {
		counts[y[i]] += classWeights[y[i]]
	}
	return counts
}

func gini(counts []float64, total float64) float64 {
	if total <= 0 {
		return 0
	}
	g := 1.0
	for _, w := range counts {
		p := w / total
		g -= p * p
	}
	return g
}

func sum(vals []float64) float64 {
	s := 0.0
	for _, v := range vals {
		s += v
	}
	return s
}

func (n *TreeNode) classProbs(x []float64) []float64 {
	if n.Leaf {
		return n.Probs
	}
	if x[n.Dim] < n.SplitVal {
		return n.Left.classProbs(x)
	}
	return n.Right.classProbs(x)
}

// balancedClassWeights gives each class weight n/(k*count_c), the
// inverse-frequency scheme that counters label imbalance. Classes absent
// from the training labels get weight 0.
func balancedClassWeights(y []int) []float64 {
	counts := make([]float64, cloudtrail.NumClasses)
	for _, label := range y {
		counts[label]++
	}
	present := 0
	for _, c := range counts {
		if c > 0 {
			present++
		}
	}
	weights := make([]float64, cloudtrail.NumClasses)
	n := float64(len(y))
	for c, cnt := range counts {
		if cnt > 0 {
			weights[c] = n / (float64(present) * cnt)
		}
	}
	return weights
}

func sqrtFeatures(d int) int {
	k := int(math.Sqrt(float64(d)))
	if k < 1 {
		k = 1
	}
	if k > d {
		k = d
	}
	return k
}
