package model

import "time"

// Status classifies a path relative to the previous completed scan.
type Status string

const (
	StatusNew       Status = "new"
	StatusChanged   Status = "changed"
	StatusDeleted   Status = "deleted"
	StatusUnchanged Status = "unchanged"
)

// Tier is the severity level assigned to a path by rule matching.
// The zero value means no tier was assigned (or, on a rule, that the
// tier is inherited from the parent rule).
type Tier int

const (
	TierNone Tier = iota
	TierNormal
	TierHigh
	TierCritical
)

// String returns the lowercase string representation of the tier.
func (t Tier) String() string {
	switch t {
	case TierNormal:
		return "normal"
	case TierHigh:
		return "high"
	case TierCritical:
		return "critical"
	default:
		return ""
	}
}

// ParseTier converts a stored tier string back to a Tier.
// Unknown values parse as TierNone.
func ParseTier(s string) Tier {
	switch s {
	case "normal":
		return TierNormal
	case "high":
		return TierHigh
	case "critical":
		return TierCritical
	default:
		return TierNone
	}
}

// MatchType selects the pattern-matching strategy of a PriorityRule.
type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchPrefix   MatchType = "prefix"
	MatchSuffix   MatchType = "suffix"
	MatchContains MatchType = "contains"
	MatchGlob     MatchType = "glob"
	MatchRegex    MatchType = "regex"
)

// ScanStatus is the lifecycle state of a ScanResult.
type ScanStatus string

const (
	ScanRunning   ScanStatus = "running"
	ScanCompleted ScanStatus = "completed"
	ScanFailed    ScanStatus = "failed"
	ScanCancelled ScanStatus = "cancelled"
)

// ScanKind records how a scan was triggered.
type ScanKind string

const (
	KindManual    ScanKind = "manual"
	KindScheduled ScanKind = "scheduled"
)

// FileDescriptor is the per-scan, in-memory view of a single file.
// It is created during one scan pass and persisted as a FileRecord.
type FileDescriptor struct {
	Path       string
	Size       int64
	ModifiedAt time.Time
	Digest     string
	Status     Status
	PrevDigest string       // set when Status == changed or deleted
	Diff       string       // unified diff text; empty when a summary is used
	Summary    *DiffSummary // set when no previous content was retrievable
	Tier       Tier
	Sensitive  bool
}

// DiffSummary is the structured fallback when a full diff cannot be
// reconstructed (snapshot evicted, corrupt, or first observation).
type DiffSummary struct {
	OldDigest string `json:"old_digest"`
	NewDigest string `json:"new_digest"`
	Size      int64  `json:"size"`
	LineCount int    `json:"line_count"`
	Note      string `json:"note"`
}

// FileRecord is the persisted form of a FileDescriptor, owned by a single
// ScanResult and deleted with it.
type FileRecord struct {
	ID         string
	ScanID     string
	Path       string
	Size       int64
	Digest     string
	ModifiedAt time.Time
	Status     Status
	PrevDigest string
	Diff       string
	Summary    *DiffSummary
	Tier       Tier
	Sensitive  bool
}

// ScanResult is one scan invocation with its aggregate statistics.
type ScanResult struct {
	ID           string
	Root         string
	Kind         ScanKind
	Status       ScanStatus
	Baseline     bool
	StartedAt    time.Time
	FinishedAt   *time.Time
	Duration     time.Duration
	PeakMemBytes uint64

	TotalFiles     int64
	NewFiles       int64
	ChangedFiles   int64
	DeletedFiles   int64
	UnchangedFiles int64
	CriticalFiles  int64
	HighFiles      int64
	NormalFiles    int64
}

// PriorityRule assigns a severity tier to matching paths and optionally
// tracks change velocity. Rules are independent; a path may match any
// number of them. ParentID points at a rule whose tier and maintenance
// window apply when this rule leaves them unset; parent chains must not
// cycle (validated on write).
type PriorityRule struct {
	ID                        string
	Pattern                   string
	Match                     MatchType
	Tier                      Tier // TierNone = inherit from parent
	ParentID                  string
	MaintenanceStart          *time.Time
	MaintenanceEnd            *time.Time
	SuppressDuringMaintenance bool
	NotifyImmediately         bool
	VelocityThreshold         int // 0 = no threshold, never exceeds
	VelocityWindowHours       int
	ExecutionOrder            int
	Active                    bool
	CreatedAt                 time.Time
}

// VelocityLogEntry is one append-only ledger row recording a change to a
// path matched by a rule. Entries are never mutated, only pruned.
type VelocityLogEntry struct {
	ID         string
	RuleID     string
	Path       string
	ScanID     string
	ChangeType Status
	LoggedAt   time.Time
}

// ScanSummary is returned to the caller of RunScan.
type ScanSummary struct {
	ScanID       string
	Root         string
	Status       ScanStatus
	Duration     time.Duration
	PeakMemBytes uint64

	TotalFiles     int64
	NewFiles       int64
	ChangedFiles   int64
	DeletedFiles   int64
	UnchangedFiles int64
	CriticalFiles  int64
	HighFiles      int64
	NormalFiles    int64

	// NotifyPaths lists paths for which at least one matching rule
	// requested immediate notification and was not suppressed by a
	// maintenance window.
	NotifyPaths []string
}
