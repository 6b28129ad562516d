// Package verdict reconciles the anomaly scorer and threat classifier
// outputs into one ranked decision per event. The two models have
// complementary blind spots, so the policy is a union: either signal
// alone is enough to raise a verdict, agreement raises severity.
package verdict

import (
	"fmt"
	"sort"

	"cloudsentry/pkg/cloudtrail"
)

// Severity tiers, ordered from most to least urgent.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// DefaultConfidenceThreshold is the probability a non-normal class
// prediction must reach before it counts as a classifier signal.
const DefaultConfidenceThreshold = 0.7

// AnomalySignal is the scorer's view of one event.
type AnomalySignal struct {
	EventID string  `json:"event_id"`
	Score   float64 `json:"score"`   // batch-normalized [0,1]
	Outlier bool    `json:"outlier"` // gated outlier decision
}

// ClassSignal is the classifier's view of one event.
type ClassSignal struct {
	EventID    string  `json:"event_id"`
	Label      int     `json:"label"`
	Confidence float64 `json:"confidence"` // max class probability
}

// Verdict is the reconciled decision for one flagged event.
type Verdict struct {
	EventID        string  `json:"event_id"`
	Severity       string  `json:"severity"`
	AnomalyScore   float64 `json:"anomaly_score"`
	PredictedClass string  `json:"predicted_class"`
	Confidence     float64 `json:"confidence"`
	AnomalyFlagged bool    `json:"anomaly_flagged"`
	ClassFlagged   bool    `json:"class_flagged"`
	Rationale      string  `json:"rationale"`

	// Optional enrichment filled in by callers (actor and geo
	// annotation from the originating records).
	Actor   string `json:"actor,omitempty"`
	Country string `json:"country,omitempty"`
	City    string `json:"city,omitempty"`
}

// combined is the ranking key within a severity band.
func (v Verdict) combined() float64 {
	return v.AnomalyScore + v.Confidence
}

// Reconciler applies the union decision policy.
type Reconciler struct {
	confidenceThreshold float64
}

// NewReconciler builds a reconciler. A threshold outside (0,1] falls
// back to the default.
func NewReconciler(confidenceThreshold float64) *Reconciler {
	if confidenceThreshold <= 0 || confidenceThreshold > 1 {
		confidenceThreshold = DefaultConfidenceThreshold
	}
	return &Reconciler{confidenceThreshold: confidenceThreshold}
}

// Reconcile joins the two signal sets by event ID and emits one Verdict
// per event either model flagged. Neither model suppresses the other;
// both firing only raises severity. Output is ranked: both-signal
// verdicts first, then by combined anomaly+confidence score.
func (r *Reconciler) Reconcile(anomalies []AnomalySignal, classes []ClassSignal) []Verdict {
	classByID := make(map[string]ClassSignal, len(classes))
	for _, c := range classes {
		classByID[c.EventID] = c
	}

	verdicts := make([]Verdict, 0)
	seen := make(map[string]bool, len(anomalies))

	for _, a := range anomalies {
		seen[a.EventID] = true
		c, hasClass := classByID[a.EventID]

		anomalyFired := a.Outlier
		classFired := hasClass && c.Label != cloudtrail.LabelNormal && c.Confidence >= r.confidenceThreshold
		if !anomalyFired && !classFired {
			continue
		}
		v := Verdict{
			EventID:        a.EventID,
			AnomalyScore:   a.Score,
			AnomalyFlagged: anomalyFired,
			ClassFlagged:   classFired,
		}
		if hasClass {
			v.PredictedClass = cloudtrail.ClassName(c.Label)
			v.Confidence = c.Confidence
		} else {
			v.PredictedClass = cloudtrail.ClassName(cloudtrail.LabelNormal)
		}
		v.Severity = severity(v)
		v.Rationale = rationale(v)
		verdicts = append(verdicts, v)
	}

	// Classifier-only events: no anomaly signal row existed for them.
	for _, c := range classes {
		if seen[c.EventID] {
			continue
		}
		if c.Label == cloudtrail.LabelNormal || c.Confidence < r.confidenceThreshold {
			continue
		}
		v := Verdict{
			EventID:        c.EventID,
			PredictedClass: cloudtrail.ClassName(c.Label),
			Confidence:     c.Confidence,
			ClassFlagged:   true,
		}
		v.Severity = severity(v)
		v.Rationale = rationale(v)
		verdicts = append(verdicts, v)
	}

	sort.SliceStable(verdicts, func(i, j int) bool {
		bi := verdicts[i].AnomalyFlagged && verdicts[i].ClassFlagged
		bj := verdicts[j].AnomalyFlagged && verdicts[j].ClassFlagged
		if bi != bj {
			return bi
		}
		return verdicts[i].combined() > verdicts[j].combined()
	})
	return verdicts
}

// severity maps signal agreement and strength to a tier. Agreement from
// both models outranks either alone regardless of score.
func severity(v Verdict) string {
	if v.AnomalyFlagged && v.ClassFlagged {
		if v.Confidence >= 0.9 || v.AnomalyScore >= 0.9 {
			return SeverityCritical
		}
		return SeverityHigh
	}
	if v.combined() >= 0.8 {
		return SeverityMedium
	}
	return SeverityLow
}

func rationale(v Verdict) string {
	switch {
	case v.AnomalyFlagged && v.ClassFlagged:
		return fmt.Sprintf("anomaly score %.2f and classified %s at %.2f confidence", v.AnomalyScore, v.PredictedClass, v.Confidence)
	case v.AnomalyFlagged:
		return fmt.Sprintf("behavioral outlier with anomaly score %.2f", v.AnomalyScore)
	default:
		return fmt.Sprintf("classified %s at %.2f confidence", v.PredictedClass, v.Confidence)
	}
}
