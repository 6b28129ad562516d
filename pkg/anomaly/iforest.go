// Package anomaly implements the unsupervised half of the detection
// engine: an isolation forest over standardized feature vectors.
package anomaly

import (
	"math"
	"math/rand"
	"sync"
)

// IsolationForest isolates points by recursive random axis-aligned splits.
// Points isolated in fewer splits score as more anomalous. Fields are
// exported for JSON artifact serialization.
type IsolationForest struct {
	Trees      []*Tree `json:"trees"`
	NumTrees   int     `json:"num_trees"`
	SampleSize int     `json:"sample_size"`
	HeightLim  int     `json:"height_limit"`
	Seed       int64   `json:"seed"`
}

// Tree is one isolation tree.
type Tree struct {
	Root *Node `json:"root"`
}

// Node is an internal split or a leaf (Leaf true).
type Node struct {
	Leaf     bool    `json:"leaf"`
	Size     int     `json:"size,omitempty"`
	Dim      int     `json:"dim,omitempty"`
	SplitVal float64 `json:"split_val,omitempty"`
	Left     *Node   `json:"left,omitempty"`
	Right    *Node   `json:"right,omitempty"`
}

// NewIsolationForest creates an untrained forest. Zero or negative
// arguments fall back to the reference defaults (100 trees, 256 samples).
func NewIsolationForest(numTrees, sampleSize int, seed int64) *IsolationForest {
	if numTrees <= 0 {
		numTrees = 100
	}
	if sampleSize <= 0 {
		sampleSize = 256
	}
	return &IsolationForest{
		NumTrees:   numTrees,
		SampleSize: sampleSize,
		HeightLim:  int(math.Ceil(math.Log2(float64(sampleSize)))),
		Seed:       seed,
	}
}

// Fit builds the ensemble. Trees build in parallel into indexed slots;
// each tree owns an RNG seeded from (Seed, tree index), so the result is
// identical at any parallelism level.
func (f *IsolationForest) Fit(X [][]float64) {
	f.Trees = make([]*Tree, f.NumTrees)
	n := len(X)

	var wg sync.WaitGroup
	for i := 0; i < f.NumTrees; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(f.Seed + int64(i)))
			m := f.SampleSize
			if m > n {
				m = n
			}
			idxs := rng.Perm(n)
			sample := make([][]float64, m)
			for j := 0; j < m; j++ {
				sample[j] = X[idxs[j]]
			}
			f.Trees[i] = &Tree{Root: buildTree(sample, 0, f.HeightLim, rng)}
		}(i)
	}
	wg.Wait()
}

func buildTree(X [][]float64, h, hlim int, rng *rand.Rand) *Node {
	if len(X) <= 1 || h >= hlim {
		return &Node{Leaf: true, Size: len(X)}
	}
	dim := rng.Intn(len(X[0]))
	minv, maxv := X[0][dim], X[0][dim]
	for _, row := range X[1:] {
		if row[dim] < minv {
			minv = row[dim]
		}
		if row[dim] > maxv {
			maxv = row[dim]
		}
	}
	if minv == maxv {
		return &Node{Leaf: true, Size: len(X)}
	}
	split := minv + rng.Float64()*(maxv-minv)
	left := make([][]float64, 0, len(X))
	right := make([][]float64, 0, len(X))
	for _, row := range X {
		if row[dim] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &Node{Leaf: true, Size: len(X)}
	}
	return &Node{
		Dim:      dim,
		SplitVal: split,
		Left:     buildTree(left, h+1, hlim, rng),
		Right:    buildTree(right, h+1, hlim, rng),
	}
}

// cFactor is c(n): the average unsuccessful-search path length in a BST,
// used to normalize isolation depth.
func cFactor(n int) float64 {
	if n <= 1 {
		return 0
	}
	return 2.0*(math.Log(float64(n-1))+0.5772156649) - 2.0*float64(n-1)/float64(n)
}

func pathLength(node *Node, x []float64, h int) float64 {
	if node.Leaf {
		if node.Size <= 1 {
			return float64(h)
		}
		return float64(h) + cFactor(node.Size)
	}
	if x[node.Dim] < node.SplitVal {
		return pathLength(node.Left, x, h+1)
	}
	return pathLength(node.Right, x, h+1)
}

// RawScore returns the forest score in (0,1], higher = more anomalous.
func (f *IsolationForest) RawScore(x []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	sum := 0.0
	for _, t := range f.Trees {
		sum += pathLength(t.Root, x, 0)
	}
	avg := sum / float64(len(f.Trees))
	c := cFactor(f.SampleSize)
	if c <= 0 {
		c = 1
	}
	return math.Pow(2, -avg/c)
}
