package fim

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"fim-go/internal/model"
)

// RuleEngine evaluates classified paths against the configured priority
// rules and maintains the velocity ledger.
type RuleEngine struct {
	database Database
	logger   Logger
	clock    Clock
	idgen    IDGenerator

	mu      sync.Mutex
	regexes map[string]*regexp.Regexp // compiled glob/regex patterns by rule ID
}

// NewRuleEngine creates a rule engine on top of the given database.
func NewRuleEngine(database Database, logger Logger, clock Clock, idgen IDGenerator) *RuleEngine {
	return &RuleEngine{
		database: database,
		logger:   logger,
		clock:    clock,
		idgen:    idgen,
		regexes:  make(map[string]*regexp.Regexp),
	}
}

// ChangeAssessment is the rule engine's verdict on a single changed path.
type ChangeAssessment struct {
	// Tier is the highest-severity tier among all active matching rules.
	Tier model.Tier

	// Rules are the active rules that matched the path.
	Rules []*model.PriorityRule

	// Suppressed reports whether at least one matching rule is currently
	// inside its maintenance window with suppression enabled. Suppression
	// affects notification urgency, not detection.
	Suppressed bool

	// NotifyNow reports whether any matching rule requests immediate
	// notification and is not itself suppressed right now.
	NotifyNow bool
}

// VelocityAlert is one (rule, path) pair currently over its threshold.
type VelocityAlert struct {
	Rule      *model.PriorityRule
	Path      string
	Count     int
	Threshold int
}

// MatchingRules returns the active rules whose pattern matches the path,
// in execution order.
func (e *RuleEngine) MatchingRules(path string) ([]*model.PriorityRule, error) {
	rules, err := e.database.ListRules(true)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}

	var matched []*model.PriorityRule
	for _, rule := range rules {
		ok, err := e.matches(rule, path)
		if err != nil {
			// A rule with a broken pattern should not sink the scan.
			e.logger.Warn("skipping rule with invalid pattern",
				"rule_id", rule.ID, "pattern", rule.Pattern, "error", err)
			continue
		}
		if ok {
			matched = append(matched, rule)
		}
	}
	return matched, nil
}

// matches applies the rule's match strategy to the path.
func (e *RuleEngine) matches(rule *model.PriorityRule, path string) (bool, error) {
	switch rule.Match {
	case model.MatchExact:
		return path == rule.Pattern, nil
	case model.MatchPrefix:
		// A trailing wildcard on a prefix pattern is redundant; accept it.
		return strings.HasPrefix(path, strings.TrimSuffix(rule.Pattern, "*")), nil
	case model.MatchSuffix:
		return strings.HasSuffix(path, rule.Pattern), nil
	case model.MatchContains:
		return strings.Contains(path, rule.Pattern), nil
	case model.MatchGlob, model.MatchRegex:
		re, err := e.compiled(rule)
		if err != nil {
			return false, err
		}
		return re.MatchString(path), nil
	default:
		return false, fmt.Errorf("unknown match type: %q", rule.Match)
	}
}

// compiled returns the cached compiled pattern for a glob or regex rule.
func (e *RuleEngine) compiled(rule *model.PriorityRule) (*regexp.Regexp, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if re, ok := e.regexes[rule.ID]; ok {
		return re, nil
	}

	var (
		re  *regexp.Regexp
		err error
	)
	if rule.Match == model.MatchGlob {
		re, err = translateRuleGlob(rule.Pattern)
	} else {
		re, err = regexp.Compile(rule.Pattern)
	}
	if err != nil {
		return nil, err
	}
	e.regexes[rule.ID] = re
	return re, nil
}

// translateRuleGlob converts a rule glob to an anchored regular expression.
// Wildcards are segment-scoped: `*` and `?` never cross a `/`, so
// `/a/*/c.php` matches one intermediate directory, not an arbitrary depth.
func translateRuleGlob(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString("[^/]*")
		case '?':
			b.WriteString("[^/]")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// Classify returns the effective tier for a path: the highest-severity
// tier among all active matching rules, or TierNone when nothing matches.
func (e *RuleEngine) Classify(path string) (model.Tier, error) {
	rules, err := e.MatchingRules(path)
	if err != nil {
		return model.TierNone, err
	}
	return e.highestTier(rules)
}

// highestTier resolves each rule's effective tier and returns the maximum.
func (e *RuleEngine) highestTier(rules []*model.PriorityRule) (model.Tier, error) {
	top := model.TierNone
	for _, rule := range rules {
		tier, err := e.effectiveTier(rule)
		if err != nil {
			return model.TierNone, err
		}
		if tier > top {
			top = tier
		}
	}
	return top, nil
}

// effectiveTier returns the rule's tier, following parent links while the
// tier is unset. Parent chains are validated acyclic on write; the seen
// set guards against records predating that validation.
func (e *RuleEngine) effectiveTier(rule *model.PriorityRule) (model.Tier, error) {
	seen := map[string]struct{}{rule.ID: {}}
	current := rule
	for current.Tier == model.TierNone && current.ParentID != "" {
		parent, err := e.database.GetRule(current.ParentID)
		if err != nil {
			return model.TierNone, fmt.Errorf("resolving parent rule: %w", err)
		}
		if parent == nil {
			break // dangling parent reference
		}
		if _, ok := seen[parent.ID]; ok {
			return model.TierNone, fmt.Errorf("rule %s has a cyclic parent chain", rule.ID)
		}
		seen[parent.ID] = struct{}{}
		current = parent
	}
	return current.Tier, nil
}

// effectiveWindow returns the rule's maintenance window and suppress flag,
// inherited from the parent chain when the rule leaves them unset.
func (e *RuleEngine) effectiveWindow(rule *model.PriorityRule) (start, end *time.Time, suppress bool, err error) {
	seen := map[string]struct{}{rule.ID: {}}
	current := rule
	for current.MaintenanceStart == nil && current.ParentID != "" {
		parent, dbErr := e.database.GetRule(current.ParentID)
		if dbErr != nil {
			return nil, nil, false, fmt.Errorf("resolving parent rule: %w", dbErr)
		}
		if parent == nil {
			break
		}
		if _, ok := seen[parent.ID]; ok {
			return nil, nil, false, fmt.Errorf("rule %s has a cyclic parent chain", rule.ID)
		}
		seen[parent.ID] = struct{}{}
		current = parent
	}
	return current.MaintenanceStart, current.MaintenanceEnd, current.SuppressDuringMaintenance, nil
}

// InMaintenanceWindow reports whether the rule's (possibly inherited)
// maintenance window contains the current time.
func (e *RuleEngine) InMaintenanceWindow(rule *model.PriorityRule) (bool, error) {
	start, end, _, err := e.effectiveWindow(rule)
	if err != nil {
		return false, err
	}
	if start == nil || end == nil {
		return false, nil
	}
	now := e.clock.Now()
	return !now.Before(*start) && !now.After(*end), nil
}

// suppressedNow reports whether the rule currently suppresses escalation:
// suppression enabled and the window contains the current time.
func (e *RuleEngine) suppressedNow(rule *model.PriorityRule) (bool, error) {
	start, end, suppress, err := e.effectiveWindow(rule)
	if err != nil {
		return false, err
	}
	if !suppress || start == nil || end == nil {
		return false, nil
	}
	now := e.clock.Now()
	return !now.Before(*start) && !now.After(*end), nil
}

// LogChange appends one velocity ledger entry and returns its ID.
// Entries are append-only; they are pruned by retention, never mutated.
func (e *RuleEngine) LogChange(ruleID, path, scanID string, changeType model.Status) (string, error) {
	entry := &model.VelocityLogEntry{
		ID:         e.idgen.New(),
		RuleID:     ruleID,
		Path:       path,
		ScanID:     scanID,
		ChangeType: changeType,
		LoggedAt:   e.clock.Now(),
	}
	if err := e.database.InsertVelocityEntry(entry); err != nil {
		return "", fmt.Errorf("logging change: %w", err)
	}
	return entry.ID, nil
}

// ExceedsVelocity reports whether the ledger holds at least the rule's
// threshold of entries for (rule, path) within the rolling window.
// A rule with no threshold configured never exceeds.
func (e *RuleEngine) ExceedsVelocity(rule *model.PriorityRule, path string) (bool, error) {
	if rule.VelocityThreshold <= 0 {
		return false, nil
	}
	since := e.clock.Now().Add(-time.Duration(rule.VelocityWindowHours) * time.Hour)
	count, err := e.database.CountVelocityEntries(rule.ID, path, since)
	if err != nil {
		return false, fmt.Errorf("counting velocity entries: %w", err)
	}
	return count >= rule.VelocityThreshold, nil
}

// ProcessChangedFile composes the rule engine's full verdict for a single
// changed path: effective tier, matching rules, maintenance state, ledger
// append for every matching rule with a velocity threshold, and the
// notify-now decision.
func (e *RuleEngine) ProcessChangedFile(path string, changeType model.Status, scanID string) (*ChangeAssessment, error) {
	rules, err := e.MatchingRules(path)
	if err != nil {
		return nil, err
	}

	tier, err := e.highestTier(rules)
	if err != nil {
		return nil, err
	}

	assessment := &ChangeAssessment{
		Tier:  tier,
		Rules: rules,
	}

	for _, rule := range rules {
		suppressed, err := e.suppressedNow(rule)
		if err != nil {
			return nil, err
		}
		if suppressed {
			assessment.Suppressed = true
		}
		if rule.NotifyImmediately && !suppressed {
			assessment.NotifyNow = true
		}

		if rule.VelocityThreshold > 0 {
			if _, err := e.LogChange(rule.ID, path, scanID, changeType); err != nil {
				return nil, err
			}
		}
	}

	return assessment, nil
}

// VelocityAlerts returns every (rule, path) pair currently over its
// threshold, across all active rules.
func (e *RuleEngine) VelocityAlerts() ([]VelocityAlert, error) {
	rules, err := e.database.ListRules(true)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}

	var alerts []VelocityAlert
	for _, rule := range rules {
		if rule.VelocityThreshold <= 0 {
			continue
		}
		since := e.clock.Now().Add(-time.Duration(rule.VelocityWindowHours) * time.Hour)
		counts, err := e.database.VelocityCountsByPath(rule.ID, since)
		if err != nil {
			return nil, fmt.Errorf("counting velocity entries for rule %s: %w", rule.ID, err)
		}
		for path, count := range counts {
			if count >= rule.VelocityThreshold {
				alerts = append(alerts, VelocityAlert{
					Rule:      rule,
					Path:      path,
					Count:     count,
					Threshold: rule.VelocityThreshold,
				})
			}
		}
	}
	return alerts, nil
}

// SaveRule validates and persists a rule, creating it when it has no ID
// yet. Validation covers the match type, the pattern (glob and regex
// patterns must compile), and the parent chain (must exist and must not
// cycle).
func (e *RuleEngine) SaveRule(rule *model.PriorityRule) error {
	switch rule.Match {
	case model.MatchExact, model.MatchPrefix, model.MatchSuffix, model.MatchContains:
		// Plain string comparisons; any pattern is valid.
	case model.MatchGlob:
		if _, err := translateRuleGlob(rule.Pattern); err != nil {
			return fmt.Errorf("invalid glob pattern: %w", err)
		}
	case model.MatchRegex:
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return fmt.Errorf("invalid regex pattern: %w", err)
		}
	default:
		return fmt.Errorf("unknown match type: %q", rule.Match)
	}

	if (rule.MaintenanceStart == nil) != (rule.MaintenanceEnd == nil) {
		return fmt.Errorf("maintenance window requires both start and end")
	}
	if rule.MaintenanceStart != nil && rule.MaintenanceEnd.Before(*rule.MaintenanceStart) {
		return fmt.Errorf("maintenance window ends before it starts")
	}
	if rule.VelocityThreshold > 0 && rule.VelocityWindowHours <= 0 {
		return fmt.Errorf("velocity threshold requires a window")
	}

	creating := rule.ID == ""
	if creating {
		rule.ID = e.idgen.New()
		rule.CreatedAt = e.clock.Now()
	}

	if err := e.validateParentChain(rule); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.regexes, rule.ID) // pattern may have changed
	e.mu.Unlock()

	if creating {
		if err := e.database.CreateRule(rule); err != nil {
			return err
		}
		e.logger.Info("rule created", "rule_id", rule.ID, "pattern", rule.Pattern, "match", rule.Match)
		return nil
	}

	existing, err := e.database.GetRule(rule.ID)
	if err != nil {
		return fmt.Errorf("looking up rule: %w", err)
	}
	if existing == nil {
		return fmt.Errorf("rule %s not found", rule.ID)
	}
	if err := e.database.UpdateRule(rule); err != nil {
		return err
	}
	e.logger.Info("rule updated", "rule_id", rule.ID)
	return nil
}

// validateParentChain verifies that following parent links from the rule
// terminates without revisiting any rule.
func (e *RuleEngine) validateParentChain(rule *model.PriorityRule) error {
	seen := map[string]struct{}{rule.ID: {}}
	parentID := rule.ParentID
	for parentID != "" {
		if _, ok := seen[parentID]; ok {
			return fmt.Errorf("parent chain of rule %s cycles through %s", rule.ID, parentID)
		}
		seen[parentID] = struct{}{}

		parent, err := e.database.GetRule(parentID)
		if err != nil {
			return fmt.Errorf("resolving parent rule: %w", err)
		}
		if parent == nil {
			return fmt.Errorf("parent rule %s not found", parentID)
		}
		parentID = parent.ParentID
	}
	return nil
}

// DeleteRule removes a rule. Children keep their parent ID; a dangling
// reference degrades to "no inheritance" at evaluation time.
func (e *RuleEngine) DeleteRule(id string) error {
	if err := e.database.DeleteRule(id); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.regexes, id)
	e.mu.Unlock()
	e.logger.Info("rule deleted", "rule_id", id)
	return nil
}

// SetRuleActive flips a rule's active flag.
func (e *RuleEngine) SetRuleActive(id string, active bool) error {
	rule, err := e.database.GetRule(id)
	if err != nil {
		return fmt.Errorf("looking up rule: %w", err)
	}
	if rule == nil {
		return fmt.Errorf("rule %s not found", id)
	}
	if rule.Active == active {
		return nil
	}
	rule.Active = active
	return e.database.UpdateRule(rule)
}
