// Package cloudtrail normalizes raw AWS CloudTrail exports into flat,
// immutable event records consumed by the feature pipeline.
package cloudtrail

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Neutral defaults applied when a source field is absent. Downstream
// feature extraction relies on these exact values.
const (
	UnknownUser = "Unknown"
	NoError     = "None"
)

// Record is one normalized audit log entry. Immutable after creation.
type Record struct {
	EventID          string    `json:"event_id"`
	EventTime        time.Time `json:"event_time"`
	EventName        string    `json:"event_name"`
	EventSource      string    `json:"event_source"`
	AWSRegion        string    `json:"aws_region"`
	SourceIPAddress  string    `json:"source_ip_address"`
	UserName         string    `json:"user_name"`
	UserType         string    `json:"user_type"`
	AccountID        string    `json:"account_id"`
	ErrorCode        string    `json:"error_code"`
	MFAAuthenticated bool      `json:"mfa_authenticated"`
	ReadOnly         bool      `json:"read_only"`
}

// rawEvent mirrors the nested CloudTrail wire format.
type rawEvent struct {
	EventID         string  `json:"eventID"`
	EventTime       string  `json:"eventTime"`
	EventName       string  `json:"eventName"`
	EventSource     string  `json:"eventSource"`
	AWSRegion       string  `json:"awsRegion"`
	SourceIPAddress string  `json:"sourceIPAddress"`
	ErrorCode       *string `json:"errorCode"`
	ReadOnly        *bool   `json:"readOnly"`
	UserIdentity    struct {
		Type           string `json:"type"`
		UserName       string `json:"userName"`
		AccountID      string `json:"accountId"`
		SessionContext struct {
			Attributes struct {
				MFAAuthenticated string `json:"mfaAuthenticated"`
			} `json:"attributes"`
		} `json:"sessionContext"`
	} `json:"userIdentity"`
}

type export struct {
	Records []json.RawMessage `json:"Records"`
}

// ParseResult reports what happened to a batch during normalization.
type ParseResult struct {
	Records   []Record
	Skipped   int // records dropped for missing/invalid identity+timestamp
	Duplicate int // records dropped as duplicate event IDs
}

// ParseRecords flattens a CloudTrail export ({"Records": [...]}) into
// normalized records. Individual malformed records are skipped, never the
// whole batch; duplicates (same eventID) keep the first occurrence.
func ParseRecords(raw []byte) (*ParseResult, error) {
	var exp export
	if err := json.Unmarshal(raw, &exp); err != nil {
		return nil, fmt.Errorf("parse cloudtrail export: %w", err)
	}

	res := &ParseResult{Records: make([]Record, 0, len(exp.Records))}
	seen := make(map[string]bool, len(exp.Records))

	for _, msg := range exp.Records {
		rec, ok := normalizeOne(msg)
		if !ok {
			res.Skipped++
			continue
		}
		if seen[rec.EventID] {
			res.Duplicate++
			continue
		}
		seen[rec.EventID] = true
		res.Records = append(res.Records, rec)
	}
	return res, nil
}

// LoadFile reads and normalizes a CloudTrail export from disk.
func LoadFile(path string) (*ParseResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseRecords(raw)
}

func normalizeOne(msg json.RawMessage) (Record, bool) {
	var ev rawEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		return Record{}, false
	}
	if ev.EventID == "" {
		return Record{}, false
	}

	ts, err := parseEventTime(ev.EventTime)
	if err != nil {
		// Timestamp is the one field we cannot default: behavioral and
		// temporal features both key off it.
		return Record{}, false
	}

	rec := Record{
		EventID:         ev.EventID,
		EventTime:       ts,
		EventName:       ev.EventName,
		EventSource:     ev.EventSource,
		AWSRegion:       ev.AWSRegion,
		SourceIPAddress: ev.SourceIPAddress,
		UserName:        ev.UserIdentity.UserName,
		UserType:        ev.UserIdentity.Type,
		AccountID:       ev.UserIdentity.AccountID,
		ErrorCode:       NoError,
		ReadOnly:        true,
	}
	if rec.UserName == "" {
		rec.UserName = UnknownUser
	}
	if ev.ErrorCode != nil && *ev.ErrorCode != "" {
		rec.ErrorCode = *ev.ErrorCode
	}
	if ev.ReadOnly != nil {
		rec.ReadOnly = *ev.ReadOnly
	}
	rec.MFAAuthenticated = strings.EqualFold(
		ev.UserIdentity.SessionContext.Attributes.MFAAuthenticated, "true")

	return rec, true
}

func parseEventTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty event time")
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05Z0700", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable event time %q", s)
}

// IsError reports whether the record carries a real error code.
func (r Record) IsError() bool { return r.ErrorCode != "" && r.ErrorCode != NoError }
