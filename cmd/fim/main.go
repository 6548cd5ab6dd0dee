package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"fim-go/internal/app"
	"fim-go/internal/config"
	"fim-go/internal/encryption"
	"fim-go/internal/fim"
	"fim-go/internal/model"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// readConfig loads the config file from its default (or overridden) location.
func readConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates a FIMApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "Scan", "RuleAdd").
func newApp(operation string) (*app.FIMApp, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}

	// Protected key files need the passphrase before the encryptor is
	// built; prompt once and hand it down through the environment.
	if cfg.Encryption.Protected && os.Getenv("FIM_PASSPHRASE") == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		passphrase, err := promptPassphrase("Key passphrase: ")
		if err != nil {
			return nil, err
		}
		os.Setenv("FIM_PASSPHRASE", passphrase)
	}

	a, err := app.NewFIMApp(cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// promptPassphrase reads a passphrase from the terminal without echo.
func promptPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(pw), nil
}

var rootCmd = &cobra.Command{
	Use:   "fim",
	Short: "File integrity monitor",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Host ID: %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		fmt.Println("Run 'fim secret init' to generate the snapshot encryption key.")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Host ID:   %s\n", cfg.HostID)
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:   %s\n", cfg.LogDir)
		fmt.Printf("Database:  %s (%s)\n", cfg.Database.Type, cfg.Database.DataDir)
		fmt.Printf("Snapshots: %s\n", cfg.Snapshots.Type)
		fmt.Printf("Key file:  %s (protected: %v)\n", cfg.Encryption.KeyPath, cfg.Encryption.Protected)
		return nil
	},
}

// secret command
var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage the snapshot encryption key",
}

var secretInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate new secret key material",
	RunE: func(cmd *cobra.Command, args []string) error {
		protect, _ := cmd.Flags().GetBool("protect")

		cfg, err := readConfig()
		if err != nil {
			return err
		}

		passphrase := ""
		if protect {
			passphrase, err = promptPassphrase("New key passphrase: ")
			if err != nil {
				return err
			}
			confirm, err := promptPassphrase("Confirm passphrase: ")
			if err != nil {
				return err
			}
			if passphrase != confirm {
				return fmt.Errorf("passphrases do not match")
			}
			if passphrase == "" {
				return fmt.Errorf("empty passphrase; drop --protect for an unprotected key")
			}
		}

		if err := encryption.GenerateKeyFile(cfg.Encryption.KeyPath, passphrase); err != nil {
			return fmt.Errorf("generating key file: %w", err)
		}

		fmt.Printf("Key material written to %s\n", cfg.Encryption.KeyPath)
		if protect != cfg.Encryption.Protected {
			fmt.Printf("Update the config: encryption.protected should be %v\n", protect)
		}
		return nil
	},
}

// scan command
var scanCmd = &cobra.Command{
	Use:   "scan ROOT",
	Short: "Scan a directory tree for changes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		quiet, _ := cmd.Flags().GetBool("quiet")

		root, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolving root: %w", err)
		}

		a, err := newApp("Scan")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var progress fim.ProgressFunc
		if !quiet {
			progress = func(p fim.Progress) {
				fmt.Printf("\r%d files processed: %s", p.Processed, p.CurrentPath)
			}
		}

		summary, err := a.Scan(ctx, root, progress)
		if !quiet {
			fmt.Println()
		}
		if err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}

		fmt.Printf("Scan %s: %s\n", summary.ScanID, summary.Status)
		fmt.Printf("  total: %d  new: %d  changed: %d  deleted: %d  unchanged: %d\n",
			summary.TotalFiles, summary.NewFiles, summary.ChangedFiles,
			summary.DeletedFiles, summary.UnchangedFiles)
		if summary.CriticalFiles+summary.HighFiles+summary.NormalFiles > 0 {
			fmt.Printf("  critical: %d  high: %d  normal: %d\n",
				summary.CriticalFiles, summary.HighFiles, summary.NormalFiles)
		}
		fmt.Printf("  duration: %s  peak memory: %d KiB\n",
			summary.Duration.Truncate(time.Millisecond), summary.PeakMemBytes/1024)

		for _, path := range summary.NotifyPaths {
			fmt.Printf("  NOTIFY: %s\n", path)
		}
		return nil
	},
}

// rule command
var ruleCmd = &cobra.Command{
	Use:   "rule",
	Short: "Manage priority rules",
}

var ruleAddCmd = &cobra.Command{
	Use:   "add PATTERN",
	Short: "Add a priority rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		match, _ := cmd.Flags().GetString("match")
		tier, _ := cmd.Flags().GetString("tier")
		parent, _ := cmd.Flags().GetString("parent")
		order, _ := cmd.Flags().GetInt("order")
		notify, _ := cmd.Flags().GetBool("notify")
		suppress, _ := cmd.Flags().GetBool("suppress-maintenance")
		mStart, _ := cmd.Flags().GetString("maintenance-start")
		mEnd, _ := cmd.Flags().GetString("maintenance-end")
		threshold, _ := cmd.Flags().GetInt("velocity-threshold")
		window, _ := cmd.Flags().GetInt("velocity-window")

		rule := &model.PriorityRule{
			Pattern:                   args[0],
			Match:                     model.MatchType(match),
			Tier:                      model.ParseTier(tier),
			ParentID:                  parent,
			SuppressDuringMaintenance: suppress,
			NotifyImmediately:         notify,
			VelocityThreshold:         threshold,
			VelocityWindowHours:       window,
			ExecutionOrder:            order,
			Active:                    true,
		}

		if mStart != "" || mEnd != "" {
			start, err := time.Parse(time.RFC3339, mStart)
			if err != nil {
				return fmt.Errorf("parsing maintenance start: %w", err)
			}
			end, err := time.Parse(time.RFC3339, mEnd)
			if err != nil {
				return fmt.Errorf("parsing maintenance end: %w", err)
			}
			rule.MaintenanceStart = &start
			rule.MaintenanceEnd = &end
		}

		a, err := newApp("RuleAdd")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.AddRule(rule); err != nil {
			return fmt.Errorf("adding rule: %w", err)
		}
		fmt.Printf("Rule %s added\n", rule.ID)
		return nil
	},
}

var ruleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List priority rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("RuleList")
		if err != nil {
			return err
		}
		defer a.Close()

		rules, err := a.ListRules()
		if err != nil {
			return err
		}

		if len(rules) == 0 {
			fmt.Println("No rules configured.")
			return nil
		}

		for _, r := range rules {
			state := "active"
			if !r.Active {
				state = "disabled"
			}
			tier := r.Tier.String()
			if tier == "" {
				tier = "inherit"
			}
			extras := []string{}
			if r.NotifyImmediately {
				extras = append(extras, "notify")
			}
			if r.VelocityThreshold > 0 {
				extras = append(extras, fmt.Sprintf("velocity %d/%dh", r.VelocityThreshold, r.VelocityWindowHours))
			}
			if r.MaintenanceStart != nil {
				extras = append(extras, fmt.Sprintf("maintenance %s..%s",
					r.MaintenanceStart.Format("2006-01-02 15:04"),
					r.MaintenanceEnd.Format("2006-01-02 15:04")))
			}
			fmt.Printf("%s  %-8s  %-8s  %-8s  %s  %s\n",
				r.ID, state, tier, r.Match, r.Pattern, strings.Join(extras, ", "))
		}
		return nil
	},
}

var ruleEnableCmd = &cobra.Command{
	Use:   "enable ID",
	Short: "Enable a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("RuleEnable")
		if err != nil {
			return err
		}
		defer a.Close()
		return a.SetRuleActive(args[0], true)
	},
}

var ruleDisableCmd = &cobra.Command{
	Use:   "disable ID",
	Short: "Disable a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("RuleDisable")
		if err != nil {
			return err
		}
		defer a.Close()
		return a.SetRuleActive(args[0], false)
	},
}

var ruleRmCmd = &cobra.Command{
	Use:   "rm ID",
	Short: "Remove a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("RuleRemove")
		if err != nil {
			return err
		}
		defer a.Close()
		return a.RemoveRule(args[0])
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View recent scans",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("History")
		if err != nil {
			return err
		}
		defer a.Close()

		scans, err := a.History(limit)
		if err != nil {
			return err
		}

		if len(scans) == 0 {
			fmt.Println("No scans recorded.")
			return nil
		}

		for _, s := range scans {
			baseline := ""
			if s.Baseline {
				baseline = "  [baseline]"
			}
			fmt.Printf("%s  %s  %-9s  %s  total:%d new:%d changed:%d deleted:%d  %s%s\n",
				s.ID,
				s.StartedAt.Format("2006-01-02 15:04:05"),
				s.Status,
				s.Root,
				s.TotalFiles, s.NewFiles, s.ChangedFiles, s.DeletedFiles,
				s.Duration.Truncate(time.Millisecond),
				baseline,
			)
		}
		return nil
	},
}

// log command
var logCmd = &cobra.Command{
	Use:   "log PATH",
	Short: "View a file's change history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		absPath, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolving path: %w", err)
		}

		a, err := newApp("FileLog")
		if err != nil {
			return err
		}
		defer a.Close()

		records, err := a.FileLog(absPath, limit)
		if err != nil {
			return err
		}

		if len(records) == 0 {
			fmt.Println("No history for this path.")
			return nil
		}

		for _, r := range records {
			digest := r.Digest
			if len(digest) > 12 {
				digest = digest[:12]
			}
			tier := ""
			if r.Tier != model.TierNone {
				tier = "  [" + r.Tier.String() + "]"
			}
			fmt.Printf("%-9s  %s  %s  mtime:%s%s\n",
				r.Status, digest, r.ScanID,
				r.ModifiedAt.Format("2006-01-02 15:04:05"), tier)
			if r.Diff != "" {
				fmt.Println(r.Diff)
			}
			if r.Summary != nil {
				fmt.Printf("  %s (size %d, %d lines)\n", r.Summary.Note, r.Summary.Size, r.Summary.LineCount)
			}
		}
		return nil
	},
}

// alerts command
var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List paths over their velocity threshold",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Alerts")
		if err != nil {
			return err
		}
		defer a.Close()

		alerts, err := a.Alerts()
		if err != nil {
			return err
		}

		if len(alerts) == 0 {
			fmt.Println("No velocity alerts.")
			return nil
		}

		for _, al := range alerts {
			fmt.Printf("%s  %d/%d changes in %dh  rule:%s (%s %s)\n",
				al.Path, al.Count, al.Threshold, al.Rule.VelocityWindowHours,
				al.Rule.ID, al.Rule.Match, al.Rule.Pattern)
		}
		return nil
	},
}

// baseline command
var baselineCmd = &cobra.Command{
	Use:   "baseline SCAN_ID",
	Short: "Mark a completed scan as the retention anchor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Baseline")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.SetBaseline(args[0]); err != nil {
			return err
		}
		fmt.Printf("Scan %s is now the baseline\n", args[0])
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// secret subcommands
	secretCmd.AddCommand(secretInitCmd)
	secretInitCmd.Flags().Bool("protect", false, "Protect the key file with a passphrase")

	// rule subcommands
	ruleCmd.AddCommand(ruleAddCmd)
	ruleCmd.AddCommand(ruleListCmd)
	ruleCmd.AddCommand(ruleEnableCmd)
	ruleCmd.AddCommand(ruleDisableCmd)
	ruleCmd.AddCommand(ruleRmCmd)
	ruleAddCmd.Flags().String("match", "exact", "Match type: exact, prefix, suffix, contains, glob, regex")
	ruleAddCmd.Flags().String("tier", "", "Severity tier: critical, high, normal (empty = inherit from parent)")
	ruleAddCmd.Flags().String("parent", "", "Parent rule ID to inherit tier and maintenance window from")
	ruleAddCmd.Flags().Int("order", 0, "Execution order")
	ruleAddCmd.Flags().Bool("notify", false, "Request immediate notification on change")
	ruleAddCmd.Flags().Bool("suppress-maintenance", false, "Suppress escalation during the maintenance window")
	ruleAddCmd.Flags().String("maintenance-start", "", "Maintenance window start (RFC 3339)")
	ruleAddCmd.Flags().String("maintenance-end", "", "Maintenance window end (RFC 3339)")
	ruleAddCmd.Flags().Int("velocity-threshold", 0, "Changes within the window before alerting (0 = off)")
	ruleAddCmd.Flags().Int("velocity-window", 24, "Velocity window in hours")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(secretCmd)
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().BoolP("quiet", "q", false, "Suppress progress output")
	rootCmd.AddCommand(ruleCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of scans to show")
	rootCmd.AddCommand(logCmd)
	logCmd.Flags().IntP("limit", "n", 20, "Maximum number of entries to show")
	rootCmd.AddCommand(alertsCmd)
	rootCmd.AddCommand(baselineCmd)
}
