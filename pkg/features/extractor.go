// Package features turns normalized CloudTrail records into the fixed
// numeric feature vectors consumed by both detection models.
package features

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"cloudsentry/pkg/cloudtrail"
)

// Action sets for the event-type indicator features. Membership is exact.
var (
	privilegedActions = map[string]bool{
		"AttachUserPolicy": true, "AttachRolePolicy": true,
		"PutUserPolicy": true, "PutRolePolicy": true,
		"AddUserToGroup": true, "CreateAccessKey": true,
		"CreateUser": true, "AssumeRole": true,
	}
	dataAccessActions = map[string]bool{
		"GetObject": true, "CopyObject": true,
		"DownloadDBSnapshot": true, "CreateSnapshot": true,
	}
	reconActions = map[string]bool{
		"DescribeInstances": true, "ListBuckets": true,
		"DescribeSecurityGroups": true, "GetAccountSummary": true,
	}
	awsInternalPatterns = []string{"AWS", "aws", "cloudfront", "amazonaws"}
)

// Engineer extracts feature vectors from record batches. It is a pure
// transform: it holds no state between Extract calls.
type Engineer struct {
	log logrus.FieldLogger
}

// NewEngineer creates an Engineer. The logger may be nil; partial-record
// warnings are then dropped.
func NewEngineer(log logrus.FieldLogger) *Engineer {
	return &Engineer{log: log}
}

// Set is the result of one extraction pass: one vector per event ID, with
// the original input order retained so matrices and IDs stay aligned.
type Set struct {
	ids  []string
	rows []Vector
	byID map[string]Vector
}

// IDs returns event IDs in input order.
func (s *Set) IDs() []string { return s.ids }

// Vector returns the vector for an event ID.
func (s *Set) Vector(id string) (Vector, bool) {
	v, ok := s.byID[id]
	return v, ok
}

// Matrix returns the row-major feature matrix in input order. Rows alias
// the underlying vectors; callers must not mutate them.
func (s *Set) Matrix() [][]float64 {
	m := make([][]float64, len(s.rows))
	for i, v := range s.rows {
		m[i] = v
	}
	return m
}

// Len returns the number of extracted vectors.
func (s *Set) Len() int { return len(s.rows) }

// actorState is the accumulator for whole-set per-actor aggregates.
type actorState struct {
	eventCount  float64
	services    map[string]bool
	addresses   map[string]bool
	failedCalls float64
}

// Extract derives one feature vector per record. A record missing actor
// or carrying a zero timestamp still yields a vector with the affected
// features defaulted; extraction only fails on an empty batch.
func (e *Engineer) Extract(records []cloudtrail.Record) (*Set, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("extract: %w", ErrNoRecords)
	}

	// Pass 1: whole-set aggregates per actor.
	actors := make(map[string]*actorState)
	for _, rec := range records {
		st := actors[rec.UserName]
		if st == nil {
			st = &actorState{services: make(map[string]bool), addresses: make(map[string]bool)}
			actors[rec.UserName] = st
		}
		st.eventCount++
		if rec.EventSource != "" {
			st.services[rec.EventSource] = true
		}
		if rec.SourceIPAddress != "" {
			st.addresses[rec.SourceIPAddress] = true
		}
		if rec.IsError() {
			st.failedCalls++
		}
	}

	// Pass 2: time-since-previous per actor over a (actor, time)-sorted
	// view. Sorting an index keeps the caller's slice untouched.
	order := make([]int, len(records))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ra, rb := records[order[a]], records[order[b]]
		if ra.UserName != rb.UserName {
			return ra.UserName < rb.UserName
		}
		return ra.EventTime.Before(rb.EventTime)
	})

	sinceLast := make([]float64, len(records))
	var scanPrev time.Time
	scanActor := ""
	scanHasPrev := false
	for _, idx := range order {
		rec := records[idx]
		if rec.UserName != scanActor {
			scanActor = rec.UserName
			scanHasPrev = false
		}
		if scanHasPrev && !rec.EventTime.IsZero() {
			sinceLast[idx] = rec.EventTime.Sub(scanPrev).Minutes()
		}
		if !rec.EventTime.IsZero() {
			scanPrev = rec.EventTime
			scanHasPrev = true
		}
	}

	set := &Set{
		ids:  make([]string, 0, len(records)),
		rows: make([]Vector, 0, len(records)),
		byID: make(map[string]Vector, len(records)),
	}
	for i, rec := range records {
		v := e.vectorFor(rec, actors[rec.UserName], sinceLast[i])
		set.ids = append(set.ids, rec.EventID)
		set.rows = append(set.rows, v)
		set.byID[rec.EventID] = v
	}
	return set, nil
}

func (e *Engineer) vectorFor(rec cloudtrail.Record, st *actorState, sinceLast float64) Vector {
	v := make(Vector, len(columns))

	if rec.EventTime.IsZero() {
		e.warn(rec.EventID, "zero event time, temporal features defaulted")
	} else {
		hour := float64(rec.EventTime.Hour())
		dow := float64((int(rec.EventTime.Weekday()) + 6) % 7) // Monday=0
		v[columnIndex[ColHourOfDay]] = hour
		v[columnIndex[ColDayOfWeek]] = dow
		if dow >= 5 {
			v[columnIndex[ColIsWeekend]] = 1
		}
		if hour >= 9 && hour <= 17 {
			v[columnIndex[ColIsBusinessHours]] = 1
		}
	}

	if !math.IsNaN(sinceLast) && !math.IsInf(sinceLast, 0) && sinceLast > 0 {
		v[columnIndex[ColTimeSinceLastActivity]] = sinceLast
	}
	if st != nil {
		v[columnIndex[ColUserAPICallsPerHour]] = st.eventCount
		v[columnIndex[ColUserUniqueServices]] = float64(len(st.services))
		v[columnIndex[ColUserFailedCalls]] = st.failedCalls
		v[columnIndex[ColUserUniqueIPs]] = float64(len(st.addresses))
	}

	if rec.IsError() {
		v[columnIndex[ColIsError]] = 1
	}
	if !rec.ReadOnly {
		v[columnIndex[ColIsWriteOperation]] = 1
	}
	if rec.MFAAuthenticated {
		v[columnIndex[ColMFAUsed]] = 1
	}
	if strings.Contains(strings.ToLower(rec.EventSource), "iam") {
		v[columnIndex[ColIsIAMEvent]] = 1
	}
	if privilegedActions[rec.EventName] {
		v[columnIndex[ColIsPrivilegedEvent]] = 1
	}
	if dataAccessActions[rec.EventName] {
		v[columnIndex[ColIsDataAccess]] = 1
	}
	if reconActions[rec.EventName] {
		v[columnIndex[ColIsReconnaissance]] = 1
	}
	if isAWSInternal(rec.SourceIPAddress) {
		v[columnIndex[ColIsAWSInternal]] = 1
	}

	return v
}

func isAWSInternal(addr string) bool {
	for _, pat := range awsInternalPatterns {
		if strings.Contains(addr, pat) {
			return true
		}
	}
	return false
}

func (e *Engineer) warn(eventID, msg string) {
	if e.log != nil {
		e.log.WithField("event_id", eventID).Warn(msg)
	}
}
