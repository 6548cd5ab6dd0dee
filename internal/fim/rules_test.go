package fim_test

import (
	"testing"
	"time"

	"fim-go/internal/fim"
	"fim-go/internal/model"
	"fim-go/internal/testutil"
)

func newTestEngine(t *testing.T) (*fim.RuleEngine, *testutil.StubClock) {
	t.Helper()
	clock := testutil.FixedClock()
	engine := fim.NewRuleEngine(testutil.NewTestDatabase(t), fim.NewNopLogger(), clock, testutil.NewStubIDGenerator())
	return engine, clock
}

func mustSave(t *testing.T, engine *fim.RuleEngine, rule *model.PriorityRule) *model.PriorityRule {
	t.Helper()
	if err := engine.SaveRule(rule); err != nil {
		t.Fatalf("SaveRule(%s %s) error = %v", rule.Match, rule.Pattern, err)
	}
	return rule
}

func TestMatchingRules(t *testing.T) {
	engine, _ := newTestEngine(t)

	mustSave(t, engine, &model.PriorityRule{
		Pattern: "/var/www/html/wp-config.php", Match: model.MatchExact,
		Tier: model.TierCritical, Active: true,
	})
	mustSave(t, engine, &model.PriorityRule{
		Pattern: "/var/www/html/wp-admin/*", Match: model.MatchPrefix,
		Tier: model.TierHigh, Active: true,
	})
	mustSave(t, engine, &model.PriorityRule{
		Pattern: ".htaccess", Match: model.MatchSuffix,
		Tier: model.TierHigh, Active: true,
	})
	mustSave(t, engine, &model.PriorityRule{
		Pattern: "/cache/", Match: model.MatchContains,
		Tier: model.TierNormal, Active: true,
	})
	mustSave(t, engine, &model.PriorityRule{
		Pattern: "/var/www/*/index.php", Match: model.MatchGlob,
		Tier: model.TierHigh, Active: true,
	})
	mustSave(t, engine, &model.PriorityRule{
		Pattern: `\.ph(p|tml)$`, Match: model.MatchRegex,
		Tier: model.TierNormal, Active: true,
	})
	mustSave(t, engine, &model.PriorityRule{
		Pattern: "/var/www", Match: model.MatchPrefix,
		Tier: model.TierCritical, Active: false, // inactive, must never match
	})

	tests := []struct {
		path string
		want int
	}{
		{path: "/var/www/html/wp-config.php", want: 2}, // exact + regex
		{path: "/var/www/html/wp-admin/anything.php", want: 2},
		{path: "/srv/app/.htaccess", want: 1},
		{path: "/var/www/cache/x.bin", want: 1},
		{path: "/var/www/site/index.php", want: 2}, // glob + regex
		{path: "/var/www/a/b/index.php", want: 1},  // glob wildcard does not cross /
		{path: "/var/www/html/readme.txt", want: 0},
	}
	for _, tt := range tests {
		rules, err := engine.MatchingRules(tt.path)
		if err != nil {
			t.Fatalf("MatchingRules(%s) error = %v", tt.path, err)
		}
		if len(rules) != tt.want {
			t.Errorf("MatchingRules(%s) = %d rules, want %d", tt.path, len(rules), tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	engine, _ := newTestEngine(t)

	mustSave(t, engine, &model.PriorityRule{
		Pattern: "/w/", Match: model.MatchContains, Tier: model.TierNormal, Active: true,
	})
	mustSave(t, engine, &model.PriorityRule{
		Pattern: ".php", Match: model.MatchSuffix, Tier: model.TierCritical, Active: true,
	})

	t.Run("highest tier wins", func(t *testing.T) {
		tier, err := engine.Classify("/w/index.php")
		if err != nil {
			t.Fatalf("Classify() error = %v", err)
		}
		if tier != model.TierCritical {
			t.Errorf("tier = %v, want critical", tier)
		}
	})

	t.Run("no match means no tier", func(t *testing.T) {
		tier, err := engine.Classify("/elsewhere/file.txt")
		if err != nil {
			t.Fatalf("Classify() error = %v", err)
		}
		if tier != model.TierNone {
			t.Errorf("tier = %v, want none", tier)
		}
	})
}

func TestParentInheritance(t *testing.T) {
	engine, clock := newTestEngine(t)

	start := clock.Now().Add(-time.Hour)
	end := clock.Now().Add(time.Hour)
	parent := mustSave(t, engine, &model.PriorityRule{
		Pattern: "/never-matches-directly", Match: model.MatchExact,
		Tier:             model.TierCritical,
		MaintenanceStart: &start, MaintenanceEnd: &end,
		SuppressDuringMaintenance: true,
		Active:                    true,
	})
	mustSave(t, engine, &model.PriorityRule{
		Pattern: ".php", Match: model.MatchSuffix,
		ParentID: parent.ID, // tier and window inherited
		Active:   true,
	})

	t.Run("tier inherited from parent", func(t *testing.T) {
		tier, err := engine.Classify("/w/index.php")
		if err != nil {
			t.Fatalf("Classify() error = %v", err)
		}
		if tier != model.TierCritical {
			t.Errorf("tier = %v, want inherited critical", tier)
		}
	})

	t.Run("maintenance window inherited from parent", func(t *testing.T) {
		assessment, err := engine.ProcessChangedFile("/w/index.php", model.StatusChanged, "scan-1")
		if err != nil {
			t.Fatalf("ProcessChangedFile() error = %v", err)
		}
		if !assessment.Suppressed {
			t.Error("Suppressed = false, want inherited suppression")
		}
	})

	t.Run("cycle rejected on write", func(t *testing.T) {
		child := mustSave(t, engine, &model.PriorityRule{
			Pattern: "/x", Match: model.MatchExact, Tier: model.TierNormal, Active: true,
		})
		parent.ParentID = child.ID
		child.ParentID = parent.ID
		if err := engine.SaveRule(child); err != nil {
			t.Fatalf("SaveRule(child) error = %v", err)
		}
		if err := engine.SaveRule(parent); err == nil {
			t.Error("expected cycle validation error")
		}
	})
}

func TestMaintenanceSuppression(t *testing.T) {
	engine, clock := newTestEngine(t)

	start := clock.Now().Add(-time.Hour)
	end := clock.Now().Add(time.Hour)
	mustSave(t, engine, &model.PriorityRule{
		Pattern: ".php", Match: model.MatchSuffix,
		Tier:             model.TierCritical,
		MaintenanceStart: &start, MaintenanceEnd: &end,
		SuppressDuringMaintenance: true,
		NotifyImmediately:         true,
		Active:                    true,
	})

	t.Run("inside window", func(t *testing.T) {
		assessment, err := engine.ProcessChangedFile("/w/a.php", model.StatusChanged, "scan-1")
		if err != nil {
			t.Fatalf("ProcessChangedFile() error = %v", err)
		}
		if !assessment.Suppressed {
			t.Error("Suppressed = false inside window")
		}
		if assessment.NotifyNow {
			t.Error("NotifyNow = true while suppressed")
		}
		// Suppression affects urgency, not detection.
		if assessment.Tier != model.TierCritical {
			t.Errorf("Tier = %v, want critical", assessment.Tier)
		}
	})

	t.Run("after window", func(t *testing.T) {
		clock.Advance(3 * time.Hour)
		assessment, err := engine.ProcessChangedFile("/w/a.php", model.StatusChanged, "scan-2")
		if err != nil {
			t.Fatalf("ProcessChangedFile() error = %v", err)
		}
		if assessment.Suppressed {
			t.Error("Suppressed = true after window")
		}
		if !assessment.NotifyNow {
			t.Error("NotifyNow = false after window")
		}
	})
}

func TestVelocity(t *testing.T) {
	engine, clock := newTestEngine(t)

	rule := mustSave(t, engine, &model.PriorityRule{
		Pattern: ".php", Match: model.MatchSuffix,
		Tier:              model.TierHigh,
		VelocityThreshold: 3, VelocityWindowHours: 24,
		Active: true,
	})

	const path = "/w/churning.php"

	exceeds := func() bool {
		t.Helper()
		got, err := engine.ExceedsVelocity(rule, path)
		if err != nil {
			t.Fatalf("ExceedsVelocity() error = %v", err)
		}
		return got
	}

	// One entry outside the window must never count.
	if _, err := engine.LogChange(rule.ID, path, "scan-0", model.StatusChanged); err != nil {
		t.Fatalf("LogChange() error = %v", err)
	}
	clock.Advance(30 * time.Hour)

	for i := 0; i < 2; i++ {
		if exceeds() {
			t.Fatalf("ExceedsVelocity() = true with %d entries in window", i)
		}
		if _, err := engine.LogChange(rule.ID, path, "scan-1", model.StatusChanged); err != nil {
			t.Fatalf("LogChange() error = %v", err)
		}
		clock.Advance(time.Hour)
	}
	if exceeds() {
		t.Fatal("ExceedsVelocity() = true with 2 entries in window")
	}

	if _, err := engine.LogChange(rule.ID, path, "scan-2", model.StatusChanged); err != nil {
		t.Fatalf("LogChange() error = %v", err)
	}
	if !exceeds() {
		t.Fatal("ExceedsVelocity() = false with 3 entries in window")
	}

	t.Run("rule without threshold never exceeds", func(t *testing.T) {
		lax := mustSave(t, engine, &model.PriorityRule{
			Pattern: ".js", Match: model.MatchSuffix, Tier: model.TierNormal, Active: true,
		})
		for i := 0; i < 10; i++ {
			if _, err := engine.LogChange(lax.ID, "/w/a.js", "scan-3", model.StatusChanged); err != nil {
				t.Fatalf("LogChange() error = %v", err)
			}
		}
		got, err := engine.ExceedsVelocity(lax, "/w/a.js")
		if err != nil {
			t.Fatalf("ExceedsVelocity() error = %v", err)
		}
		if got {
			t.Error("ExceedsVelocity() = true for rule without threshold")
		}
	})

	t.Run("alerts list over-threshold pairs", func(t *testing.T) {
		alerts, err := engine.VelocityAlerts()
		if err != nil {
			t.Fatalf("VelocityAlerts() error = %v", err)
		}
		if len(alerts) != 1 {
			t.Fatalf("alerts = %d, want 1", len(alerts))
		}
		a := alerts[0]
		if a.Path != path || a.Rule.ID != rule.ID || a.Count != 3 || a.Threshold != 3 {
			t.Errorf("alert = %+v", a)
		}
	})
}

func TestProcessChangedFileLogsPerRule(t *testing.T) {
	engine, _ := newTestEngine(t)

	tracked := mustSave(t, engine, &model.PriorityRule{
		Pattern: ".php", Match: model.MatchSuffix,
		Tier:              model.TierHigh,
		VelocityThreshold: 1, VelocityWindowHours: 24,
		Active: true,
	})
	// Matching rule without a threshold must not produce ledger entries.
	untracked := mustSave(t, engine, &model.PriorityRule{
		Pattern: "/w/", Match: model.MatchContains, Tier: model.TierNormal, Active: true,
	})

	if _, err := engine.ProcessChangedFile("/w/a.php", model.StatusChanged, "scan-1"); err != nil {
		t.Fatalf("ProcessChangedFile() error = %v", err)
	}

	got, err := engine.ExceedsVelocity(tracked, "/w/a.php")
	if err != nil {
		t.Fatalf("ExceedsVelocity() error = %v", err)
	}
	if !got {
		t.Error("expected ledger entry for rule with threshold")
	}

	got, err = engine.ExceedsVelocity(untracked, "/w/a.php")
	if err != nil {
		t.Fatalf("ExceedsVelocity() error = %v", err)
	}
	if got {
		t.Error("rule without threshold must not exceed")
	}
}

func TestSaveRuleValidation(t *testing.T) {
	engine, _ := newTestEngine(t)

	tests := []struct {
		name string
		rule model.PriorityRule
	}{
		{name: "unknown match type", rule: model.PriorityRule{Pattern: "x", Match: "fuzzy"}},
		{name: "invalid regex", rule: model.PriorityRule{Pattern: "([", Match: model.MatchRegex}},
		{name: "threshold without window", rule: model.PriorityRule{Pattern: "x", Match: model.MatchExact, VelocityThreshold: 3}},
		{name: "parent not found", rule: model.PriorityRule{Pattern: "x", Match: model.MatchExact, ParentID: "ghost"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := tt.rule
			if err := engine.SaveRule(&rule); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	t.Run("window end before start", func(t *testing.T) {
		start := time.Now()
		end := start.Add(-time.Hour)
		rule := model.PriorityRule{
			Pattern: "x", Match: model.MatchExact,
			MaintenanceStart: &start, MaintenanceEnd: &end,
		}
		if err := engine.SaveRule(&rule); err == nil {
			t.Error("expected validation error")
		}
	})

	t.Run("half-open window", func(t *testing.T) {
		start := time.Now()
		rule := model.PriorityRule{
			Pattern: "x", Match: model.MatchExact,
			MaintenanceStart: &start,
		}
		if err := engine.SaveRule(&rule); err == nil {
			t.Error("expected validation error")
		}
	})
}

func TestSetRuleActive(t *testing.T) {
	engine, _ := newTestEngine(t)

	rule := mustSave(t, engine, &model.PriorityRule{
		Pattern: ".php", Match: model.MatchSuffix, Tier: model.TierHigh, Active: true,
	})

	if err := engine.SetRuleActive(rule.ID, false); err != nil {
		t.Fatalf("SetRuleActive() error = %v", err)
	}
	rules, err := engine.MatchingRules("/w/a.php")
	if err != nil {
		t.Fatalf("MatchingRules() error = %v", err)
	}
	if len(rules) != 0 {
		t.Error("disabled rule still matches")
	}

	if err := engine.SetRuleActive("ghost", true); err == nil {
		t.Error("expected error for unknown rule")
	}
}
