// Package pytest runs a project's WIP tests on every Python change and
// publishes the outcome for the dashboard's pytest widget.
package pytest

import (
	"regexp"
	"strings"
)

// resultLine matches a result-log entry such as
// ". tests/test_calc.py::TestCalc::test_add".
var resultLine = regexp.MustCompile(`^(\S)\s(.*?)::(?:(.*?)::)?(.*?)$`)

// collectedLine matches collect-only items in both the quoted
// (<Module 'tests/test_x.py'>) and the bare (<Module test_x.py>) forms.
var collectedLine = regexp.MustCompile(`^<(\w+) '?([^'>]*)'?>$`)

// Detail is one entry of a result log.
type Detail struct {
	Result   string  `json:"result"`
	File     string  `json:"file"`
	Class    *string `json:"class"`
	Function string  `json:"function"`
	Message  string  `json:"message"`
}

// CollectedTest is one test found by --collect-only.
type CollectedTest struct {
	Module   *string `json:"module"`
	Class    *string `json:"class"`
	Function string  `json:"function"`
}

// ParseResultFile parses a pytest result log. Lines that are not entries
// belong to the message of the preceding entry and carry one leading space.
func ParseResultFile(content string) []Detail {
	results := make([]Detail, 0)
	var current *Detail
	var message []string

	flush := func() {
		if current == nil {
			return
		}
		current.Message = strings.Join(message, "\n")
		results = append(results, *current)
		message = nil
	}

	for _, line := range strings.Split(strings.TrimRight(content, "\n"), "\n") {
		if m := resultLine.FindStringSubmatch(line); m != nil {
			flush()
			current = &Detail{Result: m[1], File: m[2], Function: m[4]}
			if m[3] != "" {
				class := m[3]
				current.Class = &class
			}
			continue
		}
		if current == nil {
			continue
		}
		if len(line) > 0 {
			line = line[1:]
		}
		message = append(message, line)
	}
	flush()

	return results
}

// ParseCollectOnly parses the item tree printed by pytest --collect-only.
func ParseCollectOnly(output string) []CollectedTest {
	tests := make([]CollectedTest, 0)
	var module, class *string

	for _, line := range strings.Split(output, "\n") {
		m := collectedLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		kind, name := m[1], m[2]
		switch kind {
		case "Module":
			module = &name
			class = nil
		case "UnitTestCase", "Class":
			class = &name
		case "Function", "TestCaseFunction":
			tests = append(tests, CollectedTest{Module: module, Class: class, Function: name})
		}
	}
	return tests
}
