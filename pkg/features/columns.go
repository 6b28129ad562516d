package features

// Canonical feature column names. The order below is the contract shared
// by every model consumer: serialized artifacts carry this list and
// consumers must resolve indices by name, never assume position.
const (
	ColHourOfDay             = "hour_of_day"
	ColDayOfWeek             = "day_of_week"
	ColIsWeekend             = "is_weekend"
	ColIsBusinessHours       = "is_business_hours"
	ColTimeSinceLastActivity = "time_since_last_activity"
	ColUserAPICallsPerHour   = "user_api_calls_per_hour"
	ColUserUniqueServices    = "user_unique_services"
	ColUserFailedCalls       = "user_failed_calls"
	ColIsError               = "is_error"
	ColIsWriteOperation      = "is_write_operation"
	ColMFAUsed               = "mfa_used"
	ColIsIAMEvent            = "is_iam_event"
	ColIsPrivilegedEvent     = "is_privileged_event"
	ColIsDataAccess          = "is_data_access"
	ColIsReconnaissance      = "is_reconnaissance"
	ColIsAWSInternal         = "is_aws_internal"
	ColUserUniqueIPs         = "user_unique_ips"
)

var columns = []string{
	// Temporal
	ColHourOfDay, ColDayOfWeek, ColIsWeekend, ColIsBusinessHours,
	// Behavioral
	ColTimeSinceLastActivity, ColUserAPICallsPerHour,
	ColUserUniqueServices, ColUserFailedCalls,
	// Event type
	ColIsError, ColIsWriteOperation, ColMFAUsed, ColIsIAMEvent,
	ColIsPrivilegedEvent, ColIsDataAccess, ColIsReconnaissance,
	// Origin
	ColIsAWSInternal, ColUserUniqueIPs,
}

var columnIndex = func() map[string]int {
	m := make(map[string]int, len(columns))
	for i, name := range columns {
		m[name] = i
	}
	return m
}()

// Columns returns the canonical ordered feature column names. The
// returned slice is a copy; callers may not mutate the contract.
func Columns() []string {
	out := make([]string, len(columns))
	copy(out, columns)
	return out
}

// ColumnIndex resolves a feature name to its position in a Vector.
// The second return is false for unknown names.
func ColumnIndex(name string) (int, bool) {
	i, ok := columnIndex[name]
	return i, ok
}

// NumFeatures is the width of every extracted Vector.
func NumFeatures() int { return len(columns) }

// Vector is the numeric representation of one event, ordered per Columns.
type Vector []float64

// Get returns the named feature value. Unknown names return 0.
func (v Vector) Get(name string) float64 {
	i, ok := columnIndex[name]
	if !ok || i >= len(v) {
		return 0
	}
	return v[i]
}
