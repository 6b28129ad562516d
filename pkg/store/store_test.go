package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudsentry/pkg/verdict"
)

// openTestStore connects to the database named by
// CLOUDSENTRY_TEST_DATABASE_URL, skipping when it is unset so the suite
// passes without a local PostgreSQL.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbURL := os.Getenv("CLOUDSENTRY_TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("CLOUDSENTRY_TEST_DATABASE_URL not set")
	}
	s, err := Open(dbURL)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleVerdicts() []verdict.Verdict {
	return []verdict.Verdict{
		{
			EventID:        "evt-crit-1",
			Severity:       verdict.SeverityCritical,
			AnomalyScore:   0.97,
			PredictedClass: "privilege_escalation",
			Confidence:     0.93,
			AnomalyFlagged: true,
			ClassFlagged:   true,
			Rationale:      "anomaly score 0.97 and classified privilege_escalation at 0.93 confidence",
			Actor:          "alice",
			Country:        "Netherlands",
		},
		{
			EventID:        "evt-low-1",
			Severity:       verdict.SeverityLow,
			AnomalyScore:   0.42,
			AnomalyFlagged: true,
			Rationale:      "behavioral outlier with anomaly score 0.42",
			Actor:          "bob",
		},
	}
}

func TestInsertAndQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	runID := uuid.NewString()

	require.NoError(t, s.InsertBatch(ctx, runID, sampleVerdicts()))
	// Empty batches are a no-op, not an error.
	require.NoError(t, s.InsertBatch(ctx, runID, nil))

	recent, err := s.Recent(ctx, "", 10)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(recent), 2)

	critical, err := s.Recent(ctx, verdict.SeverityCritical, 10)
	require.NoError(t, err)
	require.NotEmpty(t, critical)
	for _, sv := range critical {
		assert.Equal(t, verdict.SeverityCritical, sv.Verdict.Severity)
	}

	var found *StoredVerdict
	for i := range critical {
		if critical[i].RunID == runID {
			found = &critical[i]
			break
		}
	}
	require.NotNil(t, found, "inserted critical verdict not returned")
	assert.Equal(t, "evt-crit-1", found.Verdict.EventID)
	assert.Equal(t, "alice", found.Verdict.Actor)
	assert.Equal(t, "Netherlands", found.Verdict.Country)
	assert.True(t, found.Verdict.AnomalyFlagged)
	assert.True(t, found.Verdict.ClassFlagged)
}

func TestActorHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	runID := uuid.NewString()
	require.NoError(t, s.InsertBatch(ctx, runID, sampleVerdicts()))

	rows, err := s.ActorHistory(ctx, "bob", 10)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	for _, sv := range rows {
		assert.Equal(t, "bob", sv.Verdict.Actor)
	}
}

func TestSeverityCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertBatch(ctx, uuid.NewString(), sampleVerdicts()))

	counts, err := s.SeverityCounts(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, counts[verdict.SeverityCritical], 1)
	assert.GreaterOrEqual(t, counts[verdict.SeverityLow], 1)
}
