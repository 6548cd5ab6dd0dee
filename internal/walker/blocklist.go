package walker

import "path/filepath"

// blockedDirNames are directory basenames that are never descended into,
// regardless of configuration: version-control metadata and dependency
// trees contribute churn, not integrity signal.
var blockedDirNames = map[string]struct{}{
	".git":         {},
	".svn":         {},
	".hg":          {},
	".bzr":         {},
	"node_modules": {},
	"vendor":       {},
	".terraform":   {},
	"__pycache__":  {},
}

// blockedFilePatterns are basename patterns for credential and key
// material that must never be fingerprinted or snapshotted. Matched with
// filepath.Match against the basename only.
var blockedFilePatterns = []string{
	".env",
	".env.*",
	".netrc",
	".npmrc",
	".pgpass",
	".htpasswd",
	".git-credentials",
	"credentials",
	"id_rsa*",
	"id_dsa*",
	"id_ecdsa*",
	"id_ed25519*",
	"*.pem",
	"*.key",
	"*.p12",
	"*.pfx",
	"*.jks",
	"*.keystore",
	"*.kdbx",
}

// sensitiveFileNames are server configuration files that are scanned
// normally but flagged so downstream consumers can escalate changes to
// them. Unlike the blocklist these are emitted.
var sensitiveFileNames = map[string]struct{}{
	"wp-config.php":     {},
	".htaccess":         {},
	".user.ini":         {},
	"web.config":        {},
	"php.ini":           {},
	"settings.php":      {},
	"config.php":        {},
	"configuration.php": {},
	"local.xml":         {},
}

func blockedDir(name string) bool {
	_, ok := blockedDirNames[name]
	return ok
}

func blockedFile(name string) bool {
	for _, pattern := range blockedFilePatterns {
		matched, err := filepath.Match(pattern, name)
		if err != nil {
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// IsSensitive reports whether the path names a known server configuration
// file whose changes warrant extra attention.
func IsSensitive(path string) bool {
	_, ok := sensitiveFileNames[filepath.Base(path)]
	return ok
}
