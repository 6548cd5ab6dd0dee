package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fim-go/internal/fim"
	"fim-go/internal/model"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements the Database interface using SQLite.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

var _ fim.Database = (*SQLiteDatabase)(nil)

// NewSQLiteDatabase creates a new SQLite database connection.
// path can be a file path or ":memory:" for in-memory database.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	return &SQLiteDatabase{
		db:   db,
		path: path,
	}, nil
}

// NewSQLiteDatabaseFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteDatabaseFromDB(db *sql.DB) *SQLiteDatabase {
	return &SQLiteDatabase{
		db:   db,
		path: "",
	}
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// This is exported for use in tools and tests that need a properly configured SQLite connection.
// path can be a file path or ":memory:" for in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign key constraints (SQLite default is OFF for backward compatibility)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// DB returns the underlying sql.DB for migrations.
func (s *SQLiteDatabase) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	return s.db.Close()
}

// Scan result operations

func (s *SQLiteDatabase) CreateScanResult(scan *model.ScanResult) error {
	_, err := s.db.Exec(`
		INSERT INTO scan_results (id, root, kind, status, baseline, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		scan.ID, scan.Root, string(scan.Kind), string(scan.Status), boolToInt(scan.Baseline), scan.StartedAt)
	if err != nil {
		return fmt.Errorf("inserting scan result: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FinishScanResult(scan *model.ScanResult) error {
	_, err := s.db.Exec(`
		UPDATE scan_results
		SET status = ?, finished_at = ?, duration_ms = ?, peak_mem_bytes = ?,
		    total_files = ?, new_files = ?, changed_files = ?, deleted_files = ?,
		    unchanged_files = ?, critical_files = ?, high_files = ?, normal_files = ?
		WHERE id = ?`,
		string(scan.Status), scan.FinishedAt, scan.Duration.Milliseconds(), int64(scan.PeakMemBytes),
		scan.TotalFiles, scan.NewFiles, scan.ChangedFiles, scan.DeletedFiles,
		scan.UnchangedFiles, scan.CriticalFiles, scan.HighFiles, scan.NormalFiles,
		scan.ID)
	if err != nil {
		return fmt.Errorf("finishing scan result: %w", err)
	}
	return nil
}

const scanResultColumns = `id, root, kind, status, baseline, started_at, finished_at,
	duration_ms, peak_mem_bytes, total_files, new_files, changed_files, deleted_files,
	unchanged_files, critical_files, high_files, normal_files`

func (s *SQLiteDatabase) scanScanResult(row interface{ Scan(...any) error }) (*model.ScanResult, error) {
	var (
		scan       model.ScanResult
		kind       string
		status     string
		baseline   int
		finishedAt sql.NullTime
		durationMS int64
		peakMem    int64
	)
	err := row.Scan(&scan.ID, &scan.Root, &kind, &status, &baseline, &scan.StartedAt, &finishedAt,
		&durationMS, &peakMem, &scan.TotalFiles, &scan.NewFiles, &scan.ChangedFiles, &scan.DeletedFiles,
		&scan.UnchangedFiles, &scan.CriticalFiles, &scan.HighFiles, &scan.NormalFiles)
	if err != nil {
		return nil, err
	}
	scan.Kind = model.ScanKind(kind)
	scan.Status = model.ScanStatus(status)
	scan.Baseline = baseline != 0
	if finishedAt.Valid {
		t := finishedAt.Time
		scan.FinishedAt = &t
	}
	scan.Duration = time.Duration(durationMS) * time.Millisecond
	scan.PeakMemBytes = uint64(peakMem)
	return &scan, nil
}

func (s *SQLiteDatabase) GetScanResult(id string) (*model.ScanResult, error) {
	row := s.db.QueryRow(`SELECT `+scanResultColumns+` FROM scan_results WHERE id = ?`, id)
	scan, err := s.scanScanResult(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("getting scan result: %w", err)
	}
	return scan, nil
}

func (s *SQLiteDatabase) LatestCompletedScan(root string) (*model.ScanResult, error) {
	row := s.db.QueryRow(`
		SELECT `+scanResultColumns+` FROM scan_results
		WHERE root = ? AND status = 'completed'
		ORDER BY started_at DESC LIMIT 1`, root)
	scan, err := s.scanScanResult(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // No completed scan yet
		}
		return nil, fmt.Errorf("getting latest completed scan: %w", err)
	}
	return scan, nil
}

func (s *SQLiteDatabase) HasRunningScan(root string) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM scan_results WHERE root = ? AND status = 'running'`, root).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("counting running scans: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteDatabase) FailStaleScans(root string, cutoff, now time.Time) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE scan_results
		SET status = 'failed', finished_at = ?
		WHERE root = ? AND status = 'running' AND started_at < ?`,
		now, root, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failing stale scans: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failing stale scans: %w", err)
	}
	return n, nil
}

func (s *SQLiteDatabase) ListScanResults(root string, limit int) ([]*model.ScanResult, error) {
	query := `SELECT ` + scanResultColumns + ` FROM scan_results`
	args := []any{}
	if root != "" {
		query += ` WHERE root = ?`
		args = append(args, root)
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing scan results: %w", err)
	}
	defer rows.Close()

	var scans []*model.ScanResult
	for rows.Next() {
		scan, err := s.scanScanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("reading scan result row: %w", err)
		}
		scans = append(scans, scan)
	}
	return scans, rows.Err()
}

func (s *SQLiteDatabase) SetBaseline(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var root, status string
	err = tx.QueryRow(`SELECT root, status FROM scan_results WHERE id = ?`, id).Scan(&root, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("scan %s not found", id)
		}
		return fmt.Errorf("looking up scan: %w", err)
	}
	if status != string(model.ScanCompleted) {
		return fmt.Errorf("scan %s is %s, only completed scans can be a baseline", id, status)
	}

	if _, err := tx.Exec(`UPDATE scan_results SET baseline = 0 WHERE root = ?`, root); err != nil {
		return fmt.Errorf("clearing baseline flag: %w", err)
	}
	if _, err := tx.Exec(`UPDATE scan_results SET baseline = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("setting baseline flag: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// File record operations

func (s *SQLiteDatabase) InsertFileRecords(records []*model.FileRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO file_records (id, scan_id, path, size, digest, modified_at, status,
			prev_digest, diff, summary, tier, sensitive)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		var summary sql.NullString
		if rec.Summary != nil {
			data, err := json.Marshal(rec.Summary)
			if err != nil {
				return fmt.Errorf("encoding summary for %s: %w", rec.Path, err)
			}
			summary = sql.NullString{String: string(data), Valid: true}
		}
		_, err := stmt.Exec(rec.ID, rec.ScanID, rec.Path, rec.Size, rec.Digest, rec.ModifiedAt,
			string(rec.Status), rec.PrevDigest, rec.Diff, summary, rec.Tier.String(), boolToInt(rec.Sensitive))
		if err != nil {
			return fmt.Errorf("inserting record for %s: %w", rec.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

const fileRecordColumns = `id, scan_id, path, size, digest, modified_at, status,
	prev_digest, diff, summary, tier, sensitive`

func scanFileRecord(row interface{ Scan(...any) error }) (*model.FileRecord, error) {
	var (
		rec       model.FileRecord
		status    string
		summary   sql.NullString
		tier      string
		sensitive int
	)
	err := row.Scan(&rec.ID, &rec.ScanID, &rec.Path, &rec.Size, &rec.Digest, &rec.ModifiedAt,
		&status, &rec.PrevDigest, &rec.Diff, &summary, &tier, &sensitive)
	if err != nil {
		return nil, err
	}
	rec.Status = model.Status(status)
	rec.Tier = model.ParseTier(tier)
	rec.Sensitive = sensitive != 0
	if summary.Valid {
		var ds model.DiffSummary
		if err := json.Unmarshal([]byte(summary.String), &ds); err != nil {
			return nil, fmt.Errorf("decoding summary: %w", err)
		}
		rec.Summary = &ds
	}
	return &rec, nil
}

func (s *SQLiteDatabase) queryFileRecords(query string, args ...any) ([]*model.FileRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*model.FileRecord
	for rows.Next() {
		rec, err := scanFileRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteDatabase) FileRecordsForScan(scanID string) ([]*model.FileRecord, error) {
	records, err := s.queryFileRecords(
		`SELECT `+fileRecordColumns+` FROM file_records WHERE scan_id = ? ORDER BY path`, scanID)
	if err != nil {
		return nil, fmt.Errorf("getting file records for scan: %w", err)
	}
	return records, nil
}

func (s *SQLiteDatabase) FileHistory(path string, limit int) ([]*model.FileRecord, error) {
	query := `
		SELECT ` + fileRecordColumns + ` FROM file_records
		WHERE path = ?
		ORDER BY (SELECT started_at FROM scan_results WHERE id = scan_id) DESC`
	args := []any{path}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	records, err := s.queryFileRecords(query, args...)
	if err != nil {
		return nil, fmt.Errorf("getting file history: %w", err)
	}
	return records, nil
}

// Priority rule operations

func (s *SQLiteDatabase) CreateRule(rule *model.PriorityRule) error {
	_, err := s.db.Exec(`
		INSERT INTO priority_rules (id, pattern, match_type, tier, parent_id,
			maintenance_start, maintenance_end, suppress_during_maintenance,
			notify_immediately, velocity_threshold, velocity_window_hours,
			execution_order, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.Pattern, string(rule.Match), rule.Tier.String(), nullString(rule.ParentID),
		rule.MaintenanceStart, rule.MaintenanceEnd, boolToInt(rule.SuppressDuringMaintenance),
		boolToInt(rule.NotifyImmediately), rule.VelocityThreshold, rule.VelocityWindowHours,
		rule.ExecutionOrder, boolToInt(rule.Active), rule.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting rule: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) UpdateRule(rule *model.PriorityRule) error {
	res, err := s.db.Exec(`
		UPDATE priority_rules
		SET pattern = ?, match_type = ?, tier = ?, parent_id = ?,
		    maintenance_start = ?, maintenance_end = ?, suppress_during_maintenance = ?,
		    notify_immediately = ?, velocity_threshold = ?, velocity_window_hours = ?,
		    execution_order = ?, active = ?
		WHERE id = ?`,
		rule.Pattern, string(rule.Match), rule.Tier.String(), nullString(rule.ParentID),
		rule.MaintenanceStart, rule.MaintenanceEnd, boolToInt(rule.SuppressDuringMaintenance),
		boolToInt(rule.NotifyImmediately), rule.VelocityThreshold, rule.VelocityWindowHours,
		rule.ExecutionOrder, boolToInt(rule.Active), rule.ID)
	if err != nil {
		return fmt.Errorf("updating rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("rule %s not found", rule.ID)
	}
	return nil
}

func (s *SQLiteDatabase) DeleteRule(id string) error {
	if _, err := s.db.Exec(`DELETE FROM priority_rules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting rule: %w", err)
	}
	return nil
}

const ruleColumns = `id, pattern, match_type, tier, parent_id, maintenance_start, maintenance_end,
	suppress_during_maintenance, notify_immediately, velocity_threshold, velocity_window_hours,
	execution_order, active, created_at`

func scanRule(row interface{ Scan(...any) error }) (*model.PriorityRule, error) {
	var (
		rule      model.PriorityRule
		match     string
		tier      string
		parentID  sql.NullString
		mStart    sql.NullTime
		mEnd      sql.NullTime
		suppress  int
		notify    int
		active    int
	)
	err := row.Scan(&rule.ID, &rule.Pattern, &match, &tier, &parentID, &mStart, &mEnd,
		&suppress, &notify, &rule.VelocityThreshold, &rule.VelocityWindowHours,
		&rule.ExecutionOrder, &active, &rule.CreatedAt)
	if err != nil {
		return nil, err
	}
	rule.Match = model.MatchType(match)
	rule.Tier = model.ParseTier(tier)
	rule.ParentID = parentID.String
	if mStart.Valid {
		t := mStart.Time
		rule.MaintenanceStart = &t
	}
	if mEnd.Valid {
		t := mEnd.Time
		rule.MaintenanceEnd = &t
	}
	rule.SuppressDuringMaintenance = suppress != 0
	rule.NotifyImmediately = notify != 0
	rule.Active = active != 0
	return &rule, nil
}

func (s *SQLiteDatabase) GetRule(id string) (*model.PriorityRule, error) {
	row := s.db.QueryRow(`SELECT `+ruleColumns+` FROM priority_rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("getting rule: %w", err)
	}
	return rule, nil
}

func (s *SQLiteDatabase) ListRules(activeOnly bool) ([]*model.PriorityRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM priority_rules`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY execution_order, created_at`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}
	defer rows.Close()

	var rules []*model.PriorityRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("reading rule row: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// Velocity ledger operations

func (s *SQLiteDatabase) InsertVelocityEntry(entry *model.VelocityLogEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO velocity_log (id, rule_id, path, scan_id, change_type, logged_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.RuleID, entry.Path, entry.ScanID, string(entry.ChangeType), entry.LoggedAt)
	if err != nil {
		return fmt.Errorf("inserting velocity entry: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) CountVelocityEntries(ruleID, path string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM velocity_log
		WHERE rule_id = ? AND path = ? AND logged_at >= ?`, ruleID, path, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting velocity entries: %w", err)
	}
	return count, nil
}

func (s *SQLiteDatabase) VelocityCountsByPath(ruleID string, since time.Time) (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT path, COUNT(*) FROM velocity_log
		WHERE rule_id = ? AND logged_at >= ?
		GROUP BY path`, ruleID, since)
	if err != nil {
		return nil, fmt.Errorf("counting velocity entries by path: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var path string
		var count int
		if err := rows.Scan(&path, &count); err != nil {
			return nil, fmt.Errorf("reading velocity count row: %w", err)
		}
		counts[path] = count
	}
	return counts, rows.Err()
}

func (s *SQLiteDatabase) PruneVelocityEntries(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM velocity_log WHERE logged_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("pruning velocity entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking prune result: %w", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
