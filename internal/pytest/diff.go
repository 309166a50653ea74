package pytest

import (
	"github.com/sergi/go-diff/diffmatchpatch"
)

// HTMLDiff renders a line-level diff of a file's previous and new content
// as HTML with <ins> and <del> spans.
func HTMLDiff(previous, current string) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(previous, current)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)
	diffs = dmp.DiffCleanupSemantic(diffs)
	return dmp.DiffPrettyHtml(diffs)
}
