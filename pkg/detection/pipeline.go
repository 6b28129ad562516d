// Package detection ties the engine together: normalized records flow
// through feature extraction and scaling into the anomaly scorer and
// threat classifier, and their signals reconcile into ranked verdicts.
package detection

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"cloudsentry/pkg/anomaly"
	"cloudsentry/pkg/classifier"
	"cloudsentry/pkg/cloudtrail"
	"cloudsentry/pkg/features"
	"cloudsentry/pkg/verdict"
)

var (
	// ErrNotTrained is returned by Detect before a successful Train.
	ErrNotTrained = errors.New("detection pipeline not trained")
	// ErrNoRecords is returned when a batch contains no usable records.
	ErrNoRecords = errors.New("no records in batch")
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "cloudsentry", Subsystem: "detection", Name: "runs_total", Help: "Pipeline runs by kind and outcome."},
		[]string{"kind", "outcome"},
	)
	eventsScored = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "cloudsentry", Subsystem: "detection", Name: "events_scored_total", Help: "Events scored across all detect runs."},
	)
	threatsFlagged = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "cloudsentry", Subsystem: "detection", Name: "threats_flagged_total", Help: "Verdicts emitted by severity."},
		[]string{"severity"},
	)
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "cloudsentry", Subsystem: "detection", Name: "stage_duration_seconds", Help: "Wall-clock time per pipeline stage.", Buckets: prometheus.DefBuckets},
		[]string{"stage"},
	)
)

func init() {
	_ = prometheus.Register(runsTotal)
	_ = prometheus.Register(eventsScored)
	_ = prometheus.Register(threatsFlagged)
	_ = prometheus.Register(stageDuration)
}

// Config assembles the component configurations. Zero values fall back
// to component defaults; both thresholds default to 0.7.
type Config struct {
	Anomaly             anomaly.Config
	Classifier          classifier.Config
	ValidationSplit     float64 // stratified held-out fraction (default 0.2)
	AnomalyThreshold    float64 // normalized-score gate for outlier flags
	ConfidenceThreshold float64 // classifier high-confidence gate
}

func (c Config) withDefaults() Config {
	if c.ValidationSplit <= 0 || c.ValidationSplit >= 1 {
		c.ValidationSplit = 0.2
	}
	if c.AnomalyThreshold <= 0 || c.AnomalyThreshold > 1 {
		c.AnomalyThreshold = 0.7
	}
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		c.ConfidenceThreshold = 0.7
	}
	return c
}

// TrainSummary reports one completed training run.
type TrainSummary struct {
	RunID          string                   `json:"run_id"`
	Events         int                      `json:"events"`
	LabeledEvents  int                      `json:"labeled_events"`
	AnomalyOffset  float64                  `json:"anomaly_offset"`
	Classifier     *classifier.TrainReport  `json:"classifier,omitempty"`
	StageDurations map[string]time.Duration `json:"stage_durations"`
}

// DetectSummary reports one completed detect run.
type DetectSummary struct {
	RunID          string                   `json:"run_id"`
	Events         int                      `json:"events"`
	Verdicts       []verdict.Verdict        `json:"verdicts"`
	StageDurations map[string]time.Duration `json:"stage_durations"`
}

// Pipeline is the trained detection engine. Detect may run concurrently
// from many goroutines; Train swaps the full model state atomically so
// a failed run never leaves partial state behind.
type Pipeline struct {
	mu         sync.RWMutex
	cfg        Config
	log        logrus.FieldLogger
	engineer   *features.Engineer
	scaler     *features.FittedScaler
	scorer     *anomaly.Scorer
	classifier *classifier.Classifier
	reconciler *verdict.Reconciler
	trained    bool
}

// NewPipeline builds an untrained pipeline. A nil logger is allowed.
func NewPipeline(cfg Config, log logrus.FieldLogger) *Pipeline {
	if log == nil {
		log = logrus.StandardLogger()
	}
	cfg = cfg.withDefaults()
	return &Pipeline{
		cfg:        cfg,
		log:        log,
		engineer:   features.NewEngineer(log),
		reconciler: verdict.NewReconciler(cfg.ConfidenceThreshold),
	}
}

// Train fits the scaler and both models on one labeled batch. Labels
// are optional: with none, only the anomaly scorer trains and later
// detect runs carry no classifier signal. All-or-nothing: any stage
// error leaves the previously trained state untouched.
func (p *Pipeline) Train(records []cloudtrail.Record, labels cloudtrail.LabelSet) (*TrainSummary, error) {
	runID := uuid.NewString()
	timings := map[string]time.Duration{}
	log := p.log.WithField("run_id", runID)

	fail := func(stage string, err error) (*TrainSummary, error) {
		runsTotal.WithLabelValues("train", "error").Inc()
		return nil, fmt.Errorf("train run %s, stage %s: %w", runID, stage, err)
	}

	start := time.Now()
	set, err := p.engineer.Extract(records)
	if err != nil {
		return fail("extract", err)
	}
	timings["extract"] = time.Since(start)
	stageDuration.WithLabelValues("extract").Observe(timings["extract"].Seconds())

	start = time.Now()
	scaler, err := features.FitScaler(set.Matrix())
	if err != nil {
		return fail("scale", err)
	}
	scaled, err := scaler.Apply(set.Matrix())
	if err != nil {
		return fail("scale", err)
	}
	timings["scale"] = time.Since(start)
	stageDuration.WithLabelValues("scale").Observe(timings["scale"].Seconds())

	start = time.Now()
	scorer := anomaly.NewScorer(p.cfg.Anomaly)
	if err := scorer.Train(scaled); err != nil {
		return fail("anomaly", err)
	}
	timings["anomaly"] = time.Since(start)
	stageDuration.WithLabelValues("anomaly").Observe(timings["anomaly"].Seconds())

	var clf *classifier.Classifier
	var report *classifier.TrainReport
	labeled := 0
	if len(labels) > 0 {
		start = time.Now()
		var X [][]float64
		var y []int
		for i, id := range set.IDs() {
			label, ok := labels[id]
			if !ok {
				continue
			}
			X = append(X, scaled[i])
			y = append(y, label)
		}
		labeled = len(y)
		if labeled == 0 {
			return fail("classifier", fmt.Errorf("labels matched no event in batch: %w", classifier.ErrInvalidInput))
		}
		clf, err = classifier.NewClassifier(p.cfg.Classifier, features.Columns())
		if err != nil {
			return fail("classifier", err)
		}
		report, err = clf.Train(X, y, p.cfg.ValidationSplit)
		if err != nil {
			return fail("classifier", err)
		}
		timings["classifier"] = time.Since(start)
		stageDuration.WithLabelValues("classifier").Observe(timings["classifier"].Seconds())
	}

	p.mu.Lock()
	p.scaler = scaler
	p.scorer = scorer
	p.classifier = clf
	p.trained = true
	p.mu.Unlock()

	runsTotal.WithLabelValues("train", "ok").Inc()
	log.WithFields(logrus.Fields{
		"events":  set.Len(),
		"labeled": labeled,
	}).Info("training run complete")

	return &TrainSummary{
		RunID:          runID,
		Events:         set.Len(),
		LabeledEvents:  labeled,
		AnomalyOffset:  scorer.Offset(),
		Classifier:     report,
		StageDurations: timings,
	}, nil
}

// Detect scores one batch and returns ranked verdicts.
func (p *Pipeline) Detect(records []cloudtrail.Record) (*DetectSummary, error) {
	p.mu.RLock()
	scaler, scorer, clf := p.scaler, p.scorer, p.classifier
	trained := p.trained
	p.mu.RUnlock()
	if !trained {
		return nil, ErrNotTrained
	}

	runID := uuid.NewString()
	timings := map[string]time.Duration{}

	fail := func(stage string, err error) (*DetectSummary, error) {
		runsTotal.WithLabelValues("detect", "error").Inc()
		return nil, fmt.Errorf("detect run %s, stage %s: %w", runID, stage, err)
	}

	start := time.Now()
	set, err := p.engineer.Extract(records)
	if err != nil {
		return fail("extract", err)
	}
	scaled, err := scaler.Apply(set.Matrix())
	if err != nil {
		return fail("scale", err)
	}
	timings["extract"] = time.Since(start)
	stageDuration.WithLabelValues("extract").Observe(timings["extract"].Seconds())

	start = time.Now()
	scores, err := scorer.Score(scaled)
	if err != nil {
		return fail("anomaly", err)
	}
	outliers, err := scorer.ClassifyOutlier(scaled, p.cfg.AnomalyThreshold)
	if err != nil {
		return fail("anomaly", err)
	}
	timings["anomaly"] = time.Since(start)
	stageDuration.WithLabelValues("anomaly").Observe(timings["anomaly"].Seconds())

	ids := set.IDs()
	anomalySignals := make([]verdict.AnomalySignal, len(ids))
	for i, id := range ids {
		anomalySignals[i] = verdict.AnomalySignal{EventID: id, Score: scores[i], Outlier: outliers[i]}
	}

	var classSignals []verdict.ClassSignal
	if clf != nil && clf.Trained() {
		start = time.Now()
		probs, err := clf.PredictProba(scaled)
		if err != nil {
			return fail("classifier", err)
		}
		classSignals = make([]verdict.ClassSignal, len(ids))
		for i, id := range ids {
			best, conf := 0, 0.0
			for c, pr := range probs[i] {
				if pr > conf {
					best, conf = c, pr
				}
			}
			classSignals[i] = verdict.ClassSignal{EventID: id, Label: best, Confidence: conf}
		}
		timings["classifier"] = time.Since(start)
		stageDuration.WithLabelValues("classifier").Observe(timings["classifier"].Seconds())
	}

	start = time.Now()
	verdicts := p.reconciler.Reconcile(anomalySignals, classSignals)
	timings["reconcile"] = time.Since(start)
	stageDuration.WithLabelValues("reconcile").Observe(timings["reconcile"].Seconds())

	eventsScored.Add(float64(set.Len()))
	for _, v := range verdicts {
		threatsFlagged.WithLabelValues(v.Severity).Inc()
	}
	runsTotal.WithLabelValues("detect", "ok").Inc()
	p.log.WithFields(logrus.Fields{
		"run_id":   runID,
		"events":   set.Len(),
		"verdicts": len(verdicts),
	}).Info("detect run complete")

	return &DetectSummary{
		RunID:          runID,
		Events:         set.Len(),
		Verdicts:       verdicts,
		StageDurations: timings,
	}, nil
}

// Trained reports whether the pipeline holds a usable model.
func (p *Pipeline) Trained() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.trained
}

// Snapshot exposes the trained components for artifact serialization.
func (p *Pipeline) Snapshot() (*features.FittedScaler, *anomaly.Scorer, *classifier.Classifier, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.trained {
		return nil, nil, nil, ErrNotTrained
	}
	return p.scaler, p.scorer, p.classifier, nil
}

// Restore installs previously serialized components. The classifier may
// be nil for an anomaly-only model.
func (p *Pipeline) Restore(scaler *features.FittedScaler, scorer *anomaly.Scorer, clf *classifier.Classifier) error {
	if scaler == nil || scorer == nil || !scorer.Trained() {
		return fmt.Errorf("restore pipeline: missing trained components")
	}
	p.mu.Lock()
	p.scaler = scaler
	p.scorer = scorer
	p.classifier = clf
	p.trained = true
	p.mu.Unlock()
	return nil
}
