package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"fim-go/internal/blobstore"
	"fim-go/internal/config"
	"fim-go/internal/database"
	"fim-go/internal/database/migrations"
	"fim-go/internal/encryption"
	"fim-go/internal/fim"
	"fim-go/internal/model"
	"fim-go/internal/walker"
)

// FIMApp is the application layer between the CLI and the scan service.
// It constructs all dependencies from config and manages their lifecycle
// on Close.
type FIMApp struct {
	cfg     *config.Config
	db      fim.Database
	store   *blobstore.Store
	rules   *fim.RuleEngine
	service *fim.Service
	logFile *os.File
}

// NewFIMApp creates a fully wired FIMApp from the given config.
// operation identifies the CLI command being run (e.g. "Scan", "RuleAdd").
// The caller must call Close when done.
func NewFIMApp(cfg *config.Config, operation string) (*FIMApp, error) {
	opID := time.Now().UTC().Format("20060102T150405Z") + "-" + operation
	logger, logFile, err := newLogger(cfg.LogDir, opID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	log := &slogAdapter{l: logger}

	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.HostID)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating database: %w", err)
	}

	// Migrations are embedded; bringing the schema up to date on open
	// keeps single-binary deployments simple.
	if sdb, ok := db.(*database.SQLiteDatabase); ok {
		if err := ensureSchema(sdb.DB(), log); err != nil {
			db.Close()
			logFile.Close()
			return nil, fmt.Errorf("preparing database schema: %w", err)
		}
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		db.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	store, err := blobstore.NewStoreFromConfig(cfg.Snapshots, enc, log)
	if err != nil {
		db.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating snapshot store: %w", err)
	}

	selector, err := walker.NewSelector(walker.Config{
		Extensions:  cfg.Scan.Extensions,
		Excludes:    cfg.Scan.Excludes,
		MaxFileSize: cfg.Scan.MaxFileSize,
	})
	if err != nil {
		db.Close()
		logFile.Close()
		return nil, fmt.Errorf("compiling scan filters: %w", err)
	}

	rules := fim.NewRuleEngine(db, log, fim.RealClock{}, fim.UUIDGenerator{})
	svc := fim.NewService(db, store, rules, selector, log, fim.RealClock{}, fim.UUIDGenerator{}, cfg.Snapshots.TextExtensions)

	return &FIMApp{
		cfg:     cfg,
		db:      db,
		store:   store,
		rules:   rules,
		service: svc,
		logFile: logFile,
	}, nil
}

// ensureSchema checks the schema version and applies pending migrations.
// A dirty database (an interrupted migration) and a schema newer than
// this binary are both refused rather than touched.
func ensureSchema(db *sql.DB, log fim.Logger) error {
	current, latest, dirty, err := migrations.SchemaStatus(db)
	if err != nil {
		return fmt.Errorf("checking schema status: %w", err)
	}
	if dirty {
		return fmt.Errorf("database schema is dirty at version %d; restore the data directory from a backup", current)
	}
	if current > latest {
		return fmt.Errorf("database schema version %d is newer than this binary supports (%d)", current, latest)
	}
	if current == latest {
		return nil
	}
	log.Info("applying schema migrations", "from", current, "to", latest)
	return migrations.MigrateUp(db)
}

// Scan runs one full scan of root.
func (a *FIMApp) Scan(ctx context.Context, root string, progressFn fim.ProgressFunc) (*model.ScanSummary, error) {
	return a.service.RunScan(ctx, root, model.KindManual, progressFn)
}

// AddRule validates and persists a new priority rule.
func (a *FIMApp) AddRule(rule *model.PriorityRule) error {
	return a.rules.SaveRule(rule)
}

// ListRules returns all rules in execution order.
func (a *FIMApp) ListRules() ([]*model.PriorityRule, error) {
	return a.db.ListRules(false)
}

// SetRuleActive enables or disables a rule.
func (a *FIMApp) SetRuleActive(id string, active bool) error {
	return a.rules.SetRuleActive(id, active)
}

// RemoveRule deletes a rule.
func (a *FIMApp) RemoveRule(id string) error {
	return a.rules.DeleteRule(id)
}

// History returns the most recent scans, newest first.
func (a *FIMApp) History(limit int) ([]*model.ScanResult, error) {
	return a.db.ListScanResults("", limit)
}

// FileLog returns the change history of one path across scans.
func (a *FIMApp) FileLog(path string, limit int) ([]*model.FileRecord, error) {
	return a.db.FileHistory(path, limit)
}

// Alerts returns every (rule, path) pair currently over its velocity
// threshold.
func (a *FIMApp) Alerts() ([]fim.VelocityAlert, error) {
	return a.rules.VelocityAlerts()
}

// SetBaseline marks a completed scan as the retention anchor.
func (a *FIMApp) SetBaseline(scanID string) error {
	return a.db.SetBaseline(scanID)
}

// Close releases all resources.
func (a *FIMApp) Close() error {
	var firstErr error
	if err := a.db.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
