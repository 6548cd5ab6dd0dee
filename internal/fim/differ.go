package fim

import (
	"path/filepath"
	"strings"

	"fim-go/internal/model"
)

// Compare classifies current descriptors against the previous scan's
// records. Every current descriptor comes back with a status assigned;
// paths present only in the previous scan come back as synthesized
// deleted descriptors. Each path appears exactly once in the result.
func Compare(current []*model.FileDescriptor, previous []*model.FileRecord) []*model.FileDescriptor {
	prevByPath := make(map[string]*model.FileRecord, len(previous))
	for _, rec := range previous {
		// Deleted records carry no current content; a path deleted in the
		// previous scan and untouched since should not stay "deleted"
		// forever, so only surviving records participate in comparison.
		if rec.Status == model.StatusDeleted {
			continue
		}
		prevByPath[rec.Path] = rec
	}

	result := make([]*model.FileDescriptor, 0, len(current))
	seen := make(map[string]struct{}, len(current))

	for _, desc := range current {
		seen[desc.Path] = struct{}{}
		prev, ok := prevByPath[desc.Path]
		switch {
		case !ok:
			desc.Status = model.StatusNew
		case prev.Digest == desc.Digest:
			desc.Status = model.StatusUnchanged
		default:
			desc.Status = model.StatusChanged
			desc.PrevDigest = prev.Digest
		}
		result = append(result, desc)
	}

	for _, rec := range previous {
		if rec.Status == model.StatusDeleted {
			continue
		}
		if _, ok := seen[rec.Path]; ok {
			continue
		}
		// The file is gone; no content access happens for deleted paths.
		result = append(result, &model.FileDescriptor{
			Path:       rec.Path,
			Size:       rec.Size,
			ModifiedAt: rec.ModifiedAt,
			Status:     model.StatusDeleted,
			PrevDigest: rec.Digest,
			Sensitive:  rec.Sensitive,
		})
	}

	return result
}

// textExtensions are the file extensions whose content is snapshotted for
// diff reconstruction. Everything else degrades to a structured summary.
var textExtensions = map[string]struct{}{
	".php": {}, ".phtml": {}, ".js": {}, ".mjs": {}, ".ts": {}, ".css": {},
	".html": {}, ".htm": {}, ".xml": {}, ".json": {}, ".yaml": {}, ".yml": {},
	".toml": {}, ".ini": {}, ".conf": {}, ".cfg": {}, ".txt": {}, ".md": {},
	".sh": {}, ".py": {}, ".rb": {}, ".pl": {}, ".go": {}, ".sql": {},
	".htaccess": {}, ".env": {}, ".twig": {}, ".tpl": {}, ".inc": {},
}

// TextLike reports whether a path's content is treated as diffable text.
// extra extends the built-in extension set.
func TextLike(path string, extra []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return false
	}
	if _, ok := textExtensions[ext]; ok {
		return true
	}
	for _, e := range extra {
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}
