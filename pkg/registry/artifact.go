// Package registry versions trained detection models: JSON artifacts on
// local disk with sha256 integrity, a lifecycle state machine, and an
// optional Redis metadata mirror for distributed lookup.
package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"cloudsentry/pkg/anomaly"
	"cloudsentry/pkg/classifier"
	"cloudsentry/pkg/cloudtrail"
	"cloudsentry/pkg/detection"
	"cloudsentry/pkg/features"
)

// artifactSchemaVersion guards against decoding artifacts written by an
// incompatible release.
const artifactSchemaVersion = 1

// Artifact is the serialized form of one trained pipeline: the fitted
// scaler, the isolation forest with its decision offset, and optionally
// the classifier forest, plus the contracts both depend on.
type Artifact struct {
	SchemaVersion  int                      `json:"schema_version"`
	CreatedAt      time.Time                `json:"created_at"`
	FeatureColumns []string                 `json:"feature_columns"`
	ClassNames     []string                 `json:"class_names"`
	Scaler         *features.FittedScaler   `json:"scaler"`
	AnomalyForest  *anomaly.IsolationForest `json:"anomaly_forest"`
	AnomalyOffset  float64                  `json:"anomaly_offset"`
	Classifier     *classifier.Forest       `json:"classifier,omitempty"`
}

// SnapshotArtifact captures a trained pipeline into an artifact.
func SnapshotArtifact(p *detection.Pipeline) (*Artifact, error) {
	scaler, scorer, clf, err := p.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot pipeline: %w", err)
	}
	art := &Artifact{
		SchemaVersion:  artifactSchemaVersion,
		CreatedAt:      time.Now().UTC(),
		FeatureColumns: features.Columns(),
		ClassNames:     cloudtrail.ClassNames[:],
		Scaler:         scaler,
		AnomalyForest:  scorer.Forest(),
		AnomalyOffset:  scorer.Offset(),
	}
	if clf != nil && clf.Trained() {
		art.Classifier = clf.Forest()
	}
	return art, nil
}

// RestorePipeline rebuilds a usable pipeline from a decoded artifact.
func RestorePipeline(art *Artifact, cfg detection.Config) (*detection.Pipeline, error) {
	if art.SchemaVersion != artifactSchemaVersion {
		return nil, fmt.Errorf("artifact schema %d, want %d", art.SchemaVersion, artifactSchemaVersion)
	}
	if len(art.FeatureColumns) != features.NumFeatures() {
		return nil, fmt.Errorf("artifact has %d feature columns, want %d", len(art.FeatureColumns), features.NumFeatures())
	}

	scorer := anomaly.NewScorer(cfg.Anomaly)
	if err := scorer.Restore(art.AnomalyForest, art.AnomalyOffset); err != nil {
		return nil, fmt.Errorf("restore anomaly model: %w", err)
	}

	var clf *classifier.Classifier
	if art.Classifier != nil {
		var err error
		clf, err = classifier.NewClassifier(cfg.Classifier, art.FeatureColumns)
		if err != nil {
			return nil, fmt.Errorf("restore classifier: %w", err)
		}
		if err := clf.Restore(art.Classifier); err != nil {
			return nil, fmt.Errorf("restore classifier: %w", err)
		}
	}

	p := detection.NewPipeline(cfg, nil)
	if err := p.Restore(art.Scaler, scorer, clf); err != nil {
		return nil, err
	}
	return p, nil
}

// Encode serializes the artifact as indented JSON.
func (a *Artifact) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	return data, nil
}

// DecodeArtifact parses a serialized artifact.
func DecodeArtifact(data []byte) (*Artifact, error) {
	var art Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	return &art, nil
}
