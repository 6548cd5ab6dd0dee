package fim

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"fim-go/internal/checksum"
	"fim-go/internal/diffgen"
	"fim-go/internal/model"
	"fim-go/internal/walker"
)

// staleScanHorizon is how long a scan may stay in the running state
// before it is presumed dead (a crashed process) and reaped as failed.
// Scans are single-host and normally finish in minutes.
const staleScanHorizon = 12 * time.Hour

// Service is the orchestration layer that drives a full integrity scan:
// walk, fingerprint, classify, reconstruct diffs, snapshot content, and
// evaluate priority rules.
type Service struct {
	database Database
	store    SnapshotStore
	rules    *RuleEngine
	selector *walker.Selector
	logger   Logger
	clock    Clock
	idgen    IDGenerator
	textExts []string
}

// NewService creates a Service with the provided dependencies.
// textExtensions extends the built-in set of diffable extensions.
func NewService(database Database, store SnapshotStore, rules *RuleEngine, selector *walker.Selector, logger Logger, clock Clock, idgen IDGenerator, textExtensions []string) *Service {
	return &Service{
		database: database,
		store:    store,
		rules:    rules,
		selector: selector,
		logger:   logger,
		clock:    clock,
		idgen:    idgen,
		textExts: textExtensions,
	}
}

// Rules exposes the rule engine for rule management operations.
func (s *Service) Rules() *RuleEngine {
	return s.rules
}

// Database exposes the metadata store for read-side queries (history, log).
func (s *Service) Database() Database {
	return s.database
}

// RunScan performs one full scan of root. Scanning is single-threaded and
// cooperative: progress is reported through progressFn at a fixed cadence,
// and cancelling the context ends the scan cleanly in a terminal
// "cancelled" state. Only an unreadable root fails the scan; unreadable
// or vanished files are skipped.
func (s *Service) RunScan(ctx context.Context, root string, kind model.ScanKind, progressFn ProgressFunc) (*model.ScanSummary, error) {
	// A crash leaves a permanent running row that would lock the root
	// forever; anything older than the horizon is reaped first.
	now := s.clock.Now()
	reaped, err := s.database.FailStaleScans(root, now.Add(-staleScanHorizon), now)
	if err != nil {
		return nil, fmt.Errorf("reaping stale scans: %w", err)
	}
	if reaped > 0 {
		s.logger.Warn("marked stale running scans as failed", "root", root, "count", reaped)
	}

	running, err := s.database.HasRunningScan(root)
	if err != nil {
		return nil, fmt.Errorf("checking for running scan: %w", err)
	}
	if running {
		return nil, fmt.Errorf("a scan is already running against %s", root)
	}

	scan := &model.ScanResult{
		ID:        s.idgen.New(),
		Root:      root,
		Kind:      kind,
		Status:    model.ScanRunning,
		StartedAt: s.clock.Now(),
	}
	if err := s.database.CreateScanResult(scan); err != nil {
		return nil, fmt.Errorf("creating scan result: %w", err)
	}
	s.logger.Info("scan started", "scan_id", scan.ID, "root", root, "kind", kind)

	var previous []*model.FileRecord
	if latest, err := s.database.LatestCompletedScan(root); err != nil {
		return nil, s.finishAs(scan, model.ScanFailed, fmt.Errorf("loading previous scan: %w", err))
	} else if latest != nil {
		previous, err = s.database.FileRecordsForScan(latest.ID)
		if err != nil {
			return nil, s.finishAs(scan, model.ScanFailed, fmt.Errorf("loading previous records: %w", err))
		}
	}

	var (
		current   []*model.FileDescriptor
		processed int64
		peakMem   uint64
	)
	samplePeak(&peakMem)

	walkErr := s.selector.Walk(ctx, root, func(c walker.Candidate) error {
		digest, err := checksum.Digest(c.Path)
		if err != nil {
			// Empty and unreadable files are skipped, not fatal.
			if !errors.Is(err, checksum.ErrEmptyFile) {
				s.logger.Debug("skipping unreadable file", "path", c.Path, "error", err)
			}
			return nil
		}

		current = append(current, &model.FileDescriptor{
			Path:       c.Path,
			Size:       c.Size,
			ModifiedAt: c.ModifiedAt,
			Digest:     digest,
			Sensitive:  walker.IsSensitive(c.Path),
		})

		processed++
		if processed%progressInterval == 0 {
			samplePeak(&peakMem)
			if progressFn != nil {
				progressFn(Progress{Processed: processed, CurrentPath: c.Path})
			}
		}
		return nil
	})
	if walkErr != nil {
		if ctx.Err() != nil {
			return s.finishCancelled(scan, peakMem)
		}
		return nil, s.finishAs(scan, model.ScanFailed, fmt.Errorf("walking %s: %w", root, walkErr))
	}

	descriptors := Compare(current, previous)

	summary := &model.ScanSummary{ScanID: scan.ID, Root: root}
	records := make([]*model.FileRecord, 0, len(descriptors))

	for _, desc := range descriptors {
		if ctx.Err() != nil {
			return s.finishCancelled(scan, peakMem)
		}

		switch desc.Status {
		case model.StatusNew:
			scan.NewFiles++
			s.snapshotContent(desc)
		case model.StatusChanged:
			scan.ChangedFiles++
			s.reconstructDiff(desc)
		case model.StatusDeleted:
			scan.DeletedFiles++
		case model.StatusUnchanged:
			scan.UnchangedFiles++
		}

		if desc.Status != model.StatusUnchanged {
			assessment, err := s.rules.ProcessChangedFile(desc.Path, desc.Status, scan.ID)
			if err != nil {
				return nil, s.finishAs(scan, model.ScanFailed, fmt.Errorf("evaluating rules for %s: %w", desc.Path, err))
			}
			desc.Tier = assessment.Tier
			switch assessment.Tier {
			case model.TierCritical:
				scan.CriticalFiles++
			case model.TierHigh:
				scan.HighFiles++
			case model.TierNormal:
				scan.NormalFiles++
			}
			if assessment.NotifyNow {
				summary.NotifyPaths = append(summary.NotifyPaths, desc.Path)
			}
		}

		records = append(records, &model.FileRecord{
			ID:         s.idgen.New(),
			ScanID:     scan.ID,
			Path:       desc.Path,
			Size:       desc.Size,
			Digest:     desc.Digest,
			ModifiedAt: desc.ModifiedAt,
			Status:     desc.Status,
			PrevDigest: desc.PrevDigest,
			Diff:       desc.Diff,
			Summary:    desc.Summary,
			Tier:       desc.Tier,
			Sensitive:  desc.Sensitive,
		})
	}
	scan.TotalFiles = int64(len(descriptors))

	if err := s.database.InsertFileRecords(records); err != nil {
		return nil, s.finishAs(scan, model.ScanFailed, fmt.Errorf("persisting file records: %w", err))
	}

	samplePeak(&peakMem)
	now = s.clock.Now()
	scan.Status = model.ScanCompleted
	scan.FinishedAt = &now
	scan.Duration = now.Sub(scan.StartedAt)
	scan.PeakMemBytes = peakMem
	if err := s.database.FinishScanResult(scan); err != nil {
		return nil, fmt.Errorf("finishing scan result: %w", err)
	}

	summary.Status = scan.Status
	summary.Duration = scan.Duration
	summary.PeakMemBytes = scan.PeakMemBytes
	summary.TotalFiles = scan.TotalFiles
	summary.NewFiles = scan.NewFiles
	summary.ChangedFiles = scan.ChangedFiles
	summary.DeletedFiles = scan.DeletedFiles
	summary.UnchangedFiles = scan.UnchangedFiles
	summary.CriticalFiles = scan.CriticalFiles
	summary.HighFiles = scan.HighFiles
	summary.NormalFiles = scan.NormalFiles

	s.logger.Info("scan completed",
		"scan_id", scan.ID,
		"total", scan.TotalFiles,
		"new", scan.NewFiles,
		"changed", scan.ChangedFiles,
		"deleted", scan.DeletedFiles,
		"duration", scan.Duration.String())

	return summary, nil
}

// snapshotContent stores a new file's content for future diffing.
// Non-text and oversize content is not stored; that is a policy decision,
// not an error. The size check comes before the read so content the
// store would reject is never buffered.
func (s *Service) snapshotContent(desc *model.FileDescriptor) {
	if !TextLike(desc.Path, s.textExts) {
		return
	}
	if !s.store.Accepts(desc.Size) {
		return
	}
	content, err := os.ReadFile(desc.Path)
	if err != nil {
		s.logger.Debug("content vanished before snapshot", "path", desc.Path, "error", err)
		return
	}
	if _, err := s.store.Put(content); err != nil {
		s.logger.Warn("snapshot failed", "path", desc.Path, "error", err)
	}
}

// reconstructDiff builds the diff payload for a changed file: a unified
// diff when the previous content is still in the snapshot store, a
// structured summary otherwise. The current content is snapshotted for
// the next scan either way.
func (s *Service) reconstructDiff(desc *model.FileDescriptor) {
	if !TextLike(desc.Path, s.textExts) {
		desc.Summary = diffgen.Summarize(desc.PrevDigest, desc.Digest, desc.Size, nil)
		return
	}
	if !s.store.Accepts(desc.Size) {
		// Content over the snapshot ceiling is never buffered.
		desc.Summary = diffgen.Summarize(desc.PrevDigest, desc.Digest, desc.Size, nil)
		return
	}

	content, err := os.ReadFile(desc.Path)
	if err != nil {
		s.logger.Debug("content vanished before diff", "path", desc.Path, "error", err)
		desc.Summary = diffgen.Summarize(desc.PrevDigest, desc.Digest, desc.Size, nil)
		return
	}

	previous, err := s.store.Get(desc.PrevDigest)
	if err != nil {
		if !errors.Is(err, ErrSnapshotNotFound) {
			s.logger.Warn("snapshot store read failed", "digest", desc.PrevDigest, "error", err)
		}
		desc.Summary = diffgen.Summarize(desc.PrevDigest, desc.Digest, desc.Size, content)
	} else {
		desc.Diff = diffgen.Unified(desc.Path, previous, content)
	}

	if _, err := s.store.Put(content); err != nil {
		s.logger.Warn("snapshot failed", "path", desc.Path, "error", err)
	}
}

// finishAs marks the scan with a terminal status and returns the cause.
func (s *Service) finishAs(scan *model.ScanResult, status model.ScanStatus, cause error) error {
	now := s.clock.Now()
	scan.Status = status
	scan.FinishedAt = &now
	scan.Duration = now.Sub(scan.StartedAt)
	if err := s.database.FinishScanResult(scan); err != nil {
		s.logger.Error("failed to finalize scan", "scan_id", scan.ID, "error", err)
	}
	s.logger.Error("scan failed", "scan_id", scan.ID, "error", cause)
	return cause
}

// finishCancelled ends a cooperatively cancelled scan in its terminal
// state and reports what was counted so far.
func (s *Service) finishCancelled(scan *model.ScanResult, peakMem uint64) (*model.ScanSummary, error) {
	now := s.clock.Now()
	scan.Status = model.ScanCancelled
	scan.FinishedAt = &now
	scan.Duration = now.Sub(scan.StartedAt)
	scan.PeakMemBytes = peakMem
	if err := s.database.FinishScanResult(scan); err != nil {
		return nil, fmt.Errorf("finalizing cancelled scan: %w", err)
	}
	s.logger.Info("scan cancelled", "scan_id", scan.ID, "duration", scan.Duration.String())

	return &model.ScanSummary{
		ScanID:       scan.ID,
		Root:         scan.Root,
		Status:       model.ScanCancelled,
		Duration:     scan.Duration,
		PeakMemBytes: peakMem,
	}, nil
}

// samplePeak updates the running allocation high-water mark.
func samplePeak(peak *uint64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.Alloc > *peak {
		*peak = ms.Alloc
	}
}
