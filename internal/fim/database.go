package fim

import (
	"time"

	"fim-go/internal/model"
)

// Database provides metadata persistence for scans, file records, rules,
// and the velocity ledger. Implementations handle their own transactions.
type Database interface {
	// Scan results

	// CreateScanResult inserts a new scan in its initial (running) state.
	CreateScanResult(scan *model.ScanResult) error

	// FinishScanResult updates a scan's terminal status, timing, memory
	// high-water mark, and aggregate counts.
	FinishScanResult(scan *model.ScanResult) error

	// GetScanResult returns a scan by ID, or nil when absent.
	GetScanResult(id string) (*model.ScanResult, error)

	// LatestCompletedScan returns the most recent completed scan for a
	// root, or nil when the root has never completed a scan.
	LatestCompletedScan(root string) (*model.ScanResult, error)

	// HasRunningScan reports whether a scan is currently running against
	// the root. At most one running scan per root is allowed.
	HasRunningScan(root string) (bool, error)

	// FailStaleScans marks running scans of the root started before
	// cutoff as failed, setting their finish time to now, and returns
	// the number updated. Recovers roots left locked by a crashed
	// scanner.
	FailStaleScans(root string, cutoff, now time.Time) (int64, error)

	// ListScanResults returns recent scans, newest first. An empty root
	// matches all roots.
	ListScanResults(root string, limit int) ([]*model.ScanResult, error)

	// SetBaseline marks a completed scan as the retention anchor and
	// clears the flag from any other scan of the same root.
	SetBaseline(id string) error

	// File records

	// InsertFileRecords stores all records of one scan in a single
	// transaction.
	InsertFileRecords(records []*model.FileRecord) error

	// FileRecordsForScan returns the records owned by a scan.
	FileRecordsForScan(scanID string) ([]*model.FileRecord, error)

	// FileHistory returns records for one path across scans, newest first.
	FileHistory(path string, limit int) ([]*model.FileRecord, error)

	// Priority rules

	CreateRule(rule *model.PriorityRule) error
	UpdateRule(rule *model.PriorityRule) error
	DeleteRule(id string) error

	// GetRule returns a rule by ID, or nil when absent.
	GetRule(id string) (*model.PriorityRule, error)

	// ListRules returns rules ordered by execution order. When activeOnly
	// is set, inactive rules are omitted.
	ListRules(activeOnly bool) ([]*model.PriorityRule, error)

	// Velocity ledger

	// InsertVelocityEntry appends one ledger entry. Entries are never
	// updated.
	InsertVelocityEntry(entry *model.VelocityLogEntry) error

	// CountVelocityEntries counts ledger entries for (rule, path) logged
	// at or after since.
	CountVelocityEntries(ruleID, path string, since time.Time) (int, error)

	// VelocityCountsByPath returns per-path entry counts for a rule since
	// the given time.
	VelocityCountsByPath(ruleID string, since time.Time) (map[string]int, error)

	// PruneVelocityEntries deletes ledger entries logged before the cutoff
	// and returns the number removed.
	PruneVelocityEntries(before time.Time) (int64, error)

	// Close closes the underlying connection.
	Close() error
}
