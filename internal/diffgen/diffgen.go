// Package diffgen reconstructs human-readable diffs between two versions
// of a file's content. The primary strategy is a unified diff via
// github.com/pmezard/go-difflib; a plain line-by-line comparison serves as
// fallback, and a structured summary is the designed degradation when the
// previous content is not retrievable at all.
package diffgen

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"fim-go/internal/model"
)

// contextLines is the number of unchanged context lines kept around hunks.
const contextLines = 3

// Unified produces a unified diff between previous and current content.
// label names the file in the ---/+++ headers. If difflib fails (it
// practically never does), the line-by-line fallback is used; this
// function does not return errors.
func Unified(label string, previous, current []byte) string {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(previous)),
		B:        difflib.SplitLines(string(current)),
		FromFile: label + " (previous)",
		ToFile:   label + " (current)",
		Context:  contextLines,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil || text == "" {
		return lineDiff(previous, current)
	}
	return text
}

// lineDiff is the fallback strategy: an explicit line-by-line comparison
// emitting '-'/'+'/' ' prefixed lines, with long runs of unchanged context
// collapsed to their first and last few lines.
func lineDiff(previous, current []byte) string {
	prev := splitLines(previous)
	cur := splitLines(current)

	var out []string
	n := len(prev)
	if len(cur) > n {
		n = len(cur)
	}

	unchangedRun := 0
	flushRun := func(lines []string, upto int) {
		// Collapse runs longer than twice the context to first/last few.
		if unchangedRun == 0 {
			return
		}
		start := upto - unchangedRun
		if unchangedRun <= 2*contextLines {
			for i := start; i < upto; i++ {
				out = append(out, " "+lines[i])
			}
		} else {
			for i := start; i < start+contextLines; i++ {
				out = append(out, " "+lines[i])
			}
			out = append(out, fmt.Sprintf(" ... %d unchanged lines ...", unchangedRun-2*contextLines))
			for i := upto - contextLines; i < upto; i++ {
				out = append(out, " "+lines[i])
			}
		}
		unchangedRun = 0
	}

	for i := 0; i < n; i++ {
		switch {
		case i < len(prev) && i < len(cur) && prev[i] == cur[i]:
			unchangedRun++
		case i < len(prev) && i < len(cur):
			flushRun(cur, i)
			out = append(out, "-"+prev[i])
			out = append(out, "+"+cur[i])
		case i < len(prev):
			flushRun(cur, i)
			out = append(out, "-"+prev[i])
		default:
			flushRun(cur, i)
			out = append(out, "+"+cur[i])
		}
	}
	flushRun(cur, min(len(prev), len(cur)))

	return strings.Join(out, "\n") + "\n"
}

func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

// Summarize builds the structured change summary used when no previous
// content is retrievable (evicted, corrupt, or first observation). size
// is the current content size, known from the walk even when the content
// itself was never read; current may be nil in that case. It never
// fails: this is the designed degradation, not an error path.
func Summarize(oldDigest, newDigest string, size int64, current []byte) *model.DiffSummary {
	return &model.DiffSummary{
		OldDigest: oldDigest,
		NewDigest: newDigest,
		Size:      size,
		LineCount: len(splitLines(current)),
		Note:      "full diff unavailable: previous content not retrievable from snapshot store",
	}
}
