package fim

// Progress is a point-in-time report of scan advancement.
type Progress struct {
	Processed   int64
	CurrentPath string
}

// ProgressFunc receives progress reports at a fixed cadence during a scan.
// Callers may use it to render progress or to decide to cancel the context.
type ProgressFunc func(Progress)

// progressInterval is the number of processed files between progress
// callbacks (and peak-memory samples).
const progressInterval = 100
