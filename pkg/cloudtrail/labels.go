package cloudtrail

import (
	"encoding/json"
	"fmt"
	"os"
)

// Threat class labels used by the supervised classifier. The integer
// values are part of the external labeling contract and must not change.
const (
	LabelNormal               = 0
	LabelPrivilegeEscalation  = 1
	LabelDataExfiltration     = 2
	LabelReconnaissance       = 3
	LabelCredentialCompromise = 4

	NumClasses = 5
)

// ClassNames maps label values to their canonical names, index-aligned.
var ClassNames = [NumClasses]string{
	"normal",
	"privilege_escalation",
	"data_exfiltration",
	"reconnaissance",
	"credential_compromise",
}

// ClassName returns the canonical name for a label, or "unknown".
func ClassName(label int) string {
	if label < 0 || label >= NumClasses {
		return "unknown"
	}
	return ClassNames[label]
}

// LabelSet maps event IDs to threat class labels.
type LabelSet map[string]int

// labelFile mirrors the labeling collaborator's JSON layout:
// {"event_labels": {"<eventID>": {"label": 1, "attack_type": "..."}}}
type labelFile struct {
	EventLabels map[string]struct {
		Label      int    `json:"label"`
		AttackType string `json:"attack_type"`
	} `json:"event_labels"`
}

// ParseLabels decodes a label file and validates every label value.
func ParseLabels(raw []byte) (LabelSet, error) {
	var lf labelFile
	if err := json.Unmarshal(raw, &lf); err != nil {
		return nil, fmt.Errorf("parse labels: %w", err)
	}
	set := make(LabelSet, len(lf.EventLabels))
	for id, entry := range lf.EventLabels {
		if entry.Label < 0 || entry.Label >= NumClasses {
			return nil, fmt.Errorf("event %s: label %d out of range [0,%d)", id, entry.Label, NumClasses)
		}
		set[id] = entry.Label
	}
	return set, nil
}

// LoadLabels reads a label file from disk.
func LoadLabels(path string) (LabelSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseLabels(raw)
}
