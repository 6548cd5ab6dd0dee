package fim_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fim-go/internal/blobstore"
	"fim-go/internal/encryption"
	"fim-go/internal/fim"
	"fim-go/internal/model"
	"fim-go/internal/testutil"
	"fim-go/internal/walker"
)

type serviceFixture struct {
	service *fim.Service
	db      fim.Database
	store   *blobstore.Store
	backend *blobstore.MemoryBackend
	clock   *testutil.StubClock
	root    string
}

func newServiceFixture(t *testing.T, storeCfg blobstore.Config) *serviceFixture {
	t.Helper()

	db := testutil.NewTestDatabase(t)
	backend := blobstore.NewMemoryBackend()
	store, err := blobstore.NewStore(backend, encryption.NewTestEncryptor(), fim.NewNopLogger(), storeCfg)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	selector, err := walker.NewSelector(walker.Config{})
	if err != nil {
		t.Fatalf("NewSelector() error = %v", err)
	}

	clock := testutil.FixedClock()
	idgen := testutil.NewStubIDGenerator()
	logger := fim.NewNopLogger()
	engine := fim.NewRuleEngine(db, logger, clock, idgen)

	return &serviceFixture{
		service: fim.NewService(db, store, engine, selector, logger, clock, idgen, nil),
		db:      db,
		store:   store,
		backend: backend,
		clock:   clock,
		root:    t.TempDir(),
	}
}

func (f *serviceFixture) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func (f *serviceFixture) scan(t *testing.T) *model.ScanSummary {
	t.Helper()
	summary, err := f.service.RunScan(context.Background(), f.root, model.KindManual, nil)
	if err != nil {
		t.Fatalf("RunScan() error = %v", err)
	}
	return summary
}

func recordFor(t *testing.T, db fim.Database, scanID, path string) *model.FileRecord {
	t.Helper()
	records, err := db.FileRecordsForScan(scanID)
	if err != nil {
		t.Fatalf("FileRecordsForScan() error = %v", err)
	}
	for _, rec := range records {
		if rec.Path == path {
			return rec
		}
	}
	t.Fatalf("no record for %s in scan %s", path, scanID)
	return nil
}

func TestRunScan_FirstScan(t *testing.T) {
	f := newServiceFixture(t, blobstore.Config{})
	f.write(t, "index.php", "<?php echo 'v1';\n")
	f.write(t, "notes.txt", "hello\n")
	f.write(t, "image.dat", "\x00\x01\x02binary")

	summary := f.scan(t)

	if summary.Status != model.ScanCompleted {
		t.Errorf("Status = %s, want completed", summary.Status)
	}
	if summary.TotalFiles != 3 || summary.NewFiles != 3 {
		t.Errorf("counts = %d total / %d new, want 3/3", summary.TotalFiles, summary.NewFiles)
	}

	scan, err := f.db.GetScanResult(summary.ScanID)
	if err != nil {
		t.Fatalf("GetScanResult() error = %v", err)
	}
	if scan == nil || scan.Status != model.ScanCompleted {
		t.Fatalf("persisted scan = %+v", scan)
	}
	if scan.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}

	records, err := f.db.FileRecordsForScan(summary.ScanID)
	if err != nil {
		t.Fatalf("FileRecordsForScan() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	for _, rec := range records {
		if rec.Status != model.StatusNew {
			t.Errorf("%s status = %s, want new", rec.Path, rec.Status)
		}
		if rec.Diff != "" {
			t.Errorf("%s has a diff on first observation", rec.Path)
		}
	}

	// Text content is snapshotted, binary content is not.
	count, err := f.store.Count()
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 2 {
		t.Errorf("snapshot count = %d, want 2", count)
	}
}

func TestRunScan_ChangeDetection(t *testing.T) {
	f := newServiceFixture(t, blobstore.Config{})
	phpPath := f.write(t, "a.php", "<?php\n$version = 'v1';\n")
	f.write(t, "b.txt", "stable\n")
	gonePath := f.write(t, "gone.php", "<?php // doomed\n")

	first := f.scan(t)
	if first.NewFiles != 3 {
		t.Fatalf("first scan new = %d, want 3", first.NewFiles)
	}

	f.write(t, "a.php", "<?php\n$version = 'v2';\n")
	f.write(t, "c.js", "console.log('fresh');\n")
	if err := os.Remove(gonePath); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	second := f.scan(t)

	if second.ChangedFiles != 1 || second.NewFiles != 1 || second.DeletedFiles != 1 || second.UnchangedFiles != 1 {
		t.Fatalf("counts = %d changed / %d new / %d deleted / %d unchanged",
			second.ChangedFiles, second.NewFiles, second.DeletedFiles, second.UnchangedFiles)
	}
	if second.TotalFiles != 4 {
		t.Errorf("TotalFiles = %d, want 4", second.TotalFiles)
	}

	t.Run("changed file carries a unified diff", func(t *testing.T) {
		rec := recordFor(t, f.db, second.ScanID, phpPath)
		if rec.Status != model.StatusChanged {
			t.Fatalf("status = %s, want changed", rec.Status)
		}
		if rec.PrevDigest == "" || rec.PrevDigest == rec.Digest {
			t.Errorf("PrevDigest = %s", rec.PrevDigest)
		}
		if !strings.Contains(rec.Diff, "-$version = 'v1';") || !strings.Contains(rec.Diff, "+$version = 'v2';") {
			t.Errorf("diff missing expected lines:\n%s", rec.Diff)
		}
		if rec.Summary != nil {
			t.Error("changed record has both diff and summary")
		}
	})

	t.Run("deleted file synthesized without content access", func(t *testing.T) {
		rec := recordFor(t, f.db, second.ScanID, gonePath)
		if rec.Status != model.StatusDeleted {
			t.Fatalf("status = %s, want deleted", rec.Status)
		}
		if rec.PrevDigest == "" {
			t.Error("deleted record lost its previous digest")
		}
		if rec.Digest != "" {
			t.Error("deleted record has a current digest")
		}
	})

	t.Run("third scan no longer reports the deletion", func(t *testing.T) {
		third := f.scan(t)
		if third.DeletedFiles != 0 {
			t.Errorf("DeletedFiles = %d, want 0", third.DeletedFiles)
		}
		if third.TotalFiles != 3 {
			t.Errorf("TotalFiles = %d, want 3", third.TotalFiles)
		}
	})
}

func TestRunScan_SummaryFallback(t *testing.T) {
	t.Run("non-text change degrades to summary", func(t *testing.T) {
		f := newServiceFixture(t, blobstore.Config{})
		path := f.write(t, "blob.dat", "version one")
		f.scan(t)

		f.write(t, "blob.dat", "version two")
		second := f.scan(t)

		rec := recordFor(t, f.db, second.ScanID, path)
		if rec.Status != model.StatusChanged {
			t.Fatalf("status = %s, want changed", rec.Status)
		}
		if rec.Diff != "" {
			t.Error("non-text record has a diff")
		}
		if rec.Summary == nil {
			t.Fatal("non-text record has no summary")
		}
		if rec.Summary.OldDigest != rec.PrevDigest || rec.Summary.NewDigest != rec.Digest {
			t.Errorf("summary digests = %+v", rec.Summary)
		}
		if rec.Summary.Size != int64(len("version two")) {
			t.Errorf("Size = %d, want %d", rec.Summary.Size, len("version two"))
		}
	})

	t.Run("corrupt previous snapshot degrades to summary", func(t *testing.T) {
		f := newServiceFixture(t, blobstore.Config{})
		path := f.write(t, "big.php", "<?php $v = 'one';\n")
		first := f.scan(t)
		f.backend.Corrupt(recordFor(t, f.db, first.ScanID, path).Digest)

		content := "<?php $v = 'two';\n"
		f.write(t, "big.php", content)
		second := f.scan(t)

		rec := recordFor(t, f.db, second.ScanID, path)
		if rec.Diff != "" {
			t.Error("expected no diff with an unreadable previous version")
		}
		if rec.Summary == nil {
			t.Fatal("expected summary fallback")
		}
		if rec.Summary.LineCount != 1 {
			t.Errorf("LineCount = %d, want 1", rec.Summary.LineCount)
		}
		if rec.Summary.Size != int64(len(content)) {
			t.Errorf("Size = %d, want %d", rec.Summary.Size, len(content))
		}
	})

	t.Run("oversize change is summarized without reading content", func(t *testing.T) {
		// Both versions exceed the 16-byte ceiling: nothing is ever
		// snapshotted and the changed file is never buffered, but the
		// summary still carries the size known from the walk.
		f := newServiceFixture(t, blobstore.Config{MaxBlobSize: 16})
		path := f.write(t, "big.php", "<?php $v = 'one, well over sixteen bytes';\n")
		f.scan(t)

		content := "<?php $v = 'two, also over sixteen bytes';\n"
		f.write(t, "big.php", content)
		second := f.scan(t)

		rec := recordFor(t, f.db, second.ScanID, path)
		if rec.Diff != "" {
			t.Error("expected no diff for oversize content")
		}
		if rec.Summary == nil {
			t.Fatal("expected summary fallback")
		}
		if rec.Summary.Size != int64(len(content)) {
			t.Errorf("Size = %d, want %d", rec.Summary.Size, len(content))
		}
		if rec.Summary.LineCount != 0 {
			t.Errorf("LineCount = %d, want 0 (content never read)", rec.Summary.LineCount)
		}

		count, err := f.store.Count()
		if err != nil {
			t.Fatalf("Count() error = %v", err)
		}
		if count != 0 {
			t.Errorf("snapshot count = %d, want 0", count)
		}
	})
}

func TestRunScan_RuleIntegration(t *testing.T) {
	f := newServiceFixture(t, blobstore.Config{})
	if err := f.service.Rules().SaveRule(&model.PriorityRule{
		Pattern: "wp-config.php", Match: model.MatchSuffix,
		Tier:              model.TierCritical,
		NotifyImmediately: true,
		Active:            true,
	}); err != nil {
		t.Fatalf("SaveRule() error = %v", err)
	}

	target := f.write(t, "wp-config.php", "<?php define('DB_PASSWORD', 'x');\n")
	f.write(t, "other.php", "<?php // nothing special\n")

	summary := f.scan(t)

	if summary.CriticalFiles != 1 {
		t.Errorf("CriticalFiles = %d, want 1", summary.CriticalFiles)
	}
	if len(summary.NotifyPaths) != 1 || summary.NotifyPaths[0] != target {
		t.Errorf("NotifyPaths = %v, want [%s]", summary.NotifyPaths, target)
	}

	rec := recordFor(t, f.db, summary.ScanID, target)
	if rec.Tier != model.TierCritical {
		t.Errorf("Tier = %v, want critical", rec.Tier)
	}
	if !rec.Sensitive {
		t.Error("wp-config.php not flagged sensitive")
	}

	t.Run("unchanged files skip rule evaluation", func(t *testing.T) {
		second := f.scan(t)
		if second.CriticalFiles != 0 {
			t.Errorf("CriticalFiles = %d on unchanged scan, want 0", second.CriticalFiles)
		}
		if len(second.NotifyPaths) != 0 {
			t.Errorf("NotifyPaths = %v on unchanged scan", second.NotifyPaths)
		}
	})
}

func TestRunScan_Cancellation(t *testing.T) {
	f := newServiceFixture(t, blobstore.Config{})
	for i := 0; i < 150; i++ {
		f.write(t, fmt.Sprintf("f%03d.txt", i), fmt.Sprintf("content %d\n", i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	summary, err := f.service.RunScan(ctx, f.root, model.KindManual, func(p fim.Progress) {
		cancel()
	})
	if err != nil {
		t.Fatalf("RunScan() error = %v", err)
	}
	if summary.Status != model.ScanCancelled {
		t.Fatalf("Status = %s, want cancelled", summary.Status)
	}

	scan, err := f.db.GetScanResult(summary.ScanID)
	if err != nil {
		t.Fatalf("GetScanResult() error = %v", err)
	}
	if scan.Status != model.ScanCancelled {
		t.Errorf("persisted status = %s, want cancelled", scan.Status)
	}
	if scan.FinishedAt == nil {
		t.Error("cancelled scan has no finish time")
	}

	// The root is free for the next scan.
	running, err := f.db.HasRunningScan(f.root)
	if err != nil {
		t.Fatalf("HasRunningScan() error = %v", err)
	}
	if running {
		t.Error("cancelled scan still counts as running")
	}
}

func TestRunScan_RejectsConcurrentScan(t *testing.T) {
	f := newServiceFixture(t, blobstore.Config{})
	f.write(t, "a.txt", "x\n")

	stuck := &model.ScanResult{
		ID: "stuck", Root: f.root, Kind: model.KindManual,
		Status: model.ScanRunning, StartedAt: f.clock.Now(),
	}
	if err := f.db.CreateScanResult(stuck); err != nil {
		t.Fatalf("CreateScanResult() error = %v", err)
	}

	if _, err := f.service.RunScan(context.Background(), f.root, model.KindManual, nil); err == nil {
		t.Fatal("expected error while another scan is running")
	}
}

func TestRunScan_ReapsStaleRunningScan(t *testing.T) {
	f := newServiceFixture(t, blobstore.Config{})
	f.write(t, "a.txt", "x\n")

	// A running scan left behind by a crashed process must not lock the
	// root forever.
	stale := &model.ScanResult{
		ID: "stale", Root: f.root, Kind: model.KindManual,
		Status:    model.ScanRunning,
		StartedAt: f.clock.Now().Add(-24 * time.Hour),
	}
	if err := f.db.CreateScanResult(stale); err != nil {
		t.Fatalf("CreateScanResult() error = %v", err)
	}

	summary := f.scan(t)
	if summary.Status != model.ScanCompleted {
		t.Errorf("Status = %s, want completed", summary.Status)
	}

	reaped, err := f.db.GetScanResult("stale")
	if err != nil {
		t.Fatalf("GetScanResult() error = %v", err)
	}
	if reaped.Status != model.ScanFailed {
		t.Errorf("stale scan status = %s, want failed", reaped.Status)
	}
	if reaped.FinishedAt == nil {
		t.Error("stale scan has no finish time")
	}
}

func TestRunScan_UnreadableRootFails(t *testing.T) {
	f := newServiceFixture(t, blobstore.Config{})

	missing := filepath.Join(f.root, "does-not-exist")
	_, err := f.service.RunScan(context.Background(), missing, model.KindManual, nil)
	if err == nil {
		t.Fatal("expected error for missing root")
	}

	scans, listErr := f.db.ListScanResults(missing, 1)
	if listErr != nil {
		t.Fatalf("ListScanResults() error = %v", listErr)
	}
	if len(scans) != 1 || scans[0].Status != model.ScanFailed {
		t.Fatalf("scans = %+v, want one failed scan", scans)
	}
}

func TestRunScan_ProgressCadence(t *testing.T) {
	f := newServiceFixture(t, blobstore.Config{})
	for i := 0; i < 250; i++ {
		f.write(t, fmt.Sprintf("f%03d.txt", i), fmt.Sprintf("content %d\n", i))
	}

	var reports []fim.Progress
	_, err := f.service.RunScan(context.Background(), f.root, model.KindManual, func(p fim.Progress) {
		reports = append(reports, p)
	})
	if err != nil {
		t.Fatalf("RunScan() error = %v", err)
	}

	if len(reports) != 2 {
		t.Fatalf("reports = %d, want 2 (every 100 files of 250)", len(reports))
	}
	if reports[0].Processed != 100 || reports[1].Processed != 200 {
		t.Errorf("processed counts = %d, %d", reports[0].Processed, reports[1].Processed)
	}
	if reports[0].CurrentPath == "" {
		t.Error("progress report missing current path")
	}
}
