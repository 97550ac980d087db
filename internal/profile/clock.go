package profile

import "time"

// Telemetry staleness is judged against a monotonic millisecond clock so
// wall-clock adjustments cannot resurrect old readings.
var processStart = time.Now()

func nowMilliseconds() int64 {
	return time.Since(processStart).Milliseconds()
}

// staleTimeout is how old a reading may be before accessors report zero.
const staleTimeout = 5000 // milliseconds
