package reporting

// Totals are the raw aggregates a Repository computes over all call records.

type Totals struct {
	TotalCalls     int
	CompletedCalls int
	VerifiedCalls  int
	// FailedCalls counts both failed and rejected calls.
	FailedCalls int

	DurationSum   int64
	DurationCount int
}

// Stats is the dashboard summary served on /stats.

type Stats struct {
	TotalCalls     int `json:"totalCalls"`
	CompletedCalls int `json:"completedCalls"`
	VerifiedCalls  int `json:"verifiedCalls"`
	FailedCalls    int `json:"failedCalls"`

	// AvgDuration is null until at least one call has a recorded duration.
	AvgDuration *float64 `json:"avgDuration"`
}
