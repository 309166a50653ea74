package pytest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const resultLog = `warning: header noise
. tests/test_calc.py::TestCalc::test_add
F tests/test_calc.py::TestCalc::test_sub
 def test_sub():
 >       assert sub(3, 1) == 1
 E       assert 2 == 1
s tests/test_io.py::test_read
 skipped: needs network
`

func TestParseResultFile(t *testing.T) {
	details := ParseResultFile(resultLog)
	require.Len(t, details, 3)

	assert.Equal(t, ".", details[0].Result)
	assert.Equal(t, "tests/test_calc.py", details[0].File)
	require.NotNil(t, details[0].Class)
	assert.Equal(t, "TestCalc", *details[0].Class)
	assert.Equal(t, "test_add", details[0].Function)
	assert.Empty(t, details[0].Message)

	assert.Equal(t, "F", details[1].Result)
	assert.Equal(t, "test_sub", details[1].Function)
	assert.Equal(t, "def test_sub():\n>       assert sub(3, 1) == 1\nE       assert 2 == 1", details[1].Message)

	assert.Equal(t, "s", details[2].Result)
	assert.Equal(t, "tests/test_io.py", details[2].File)
	assert.Nil(t, details[2].Class)
	assert.Equal(t, "test_read", details[2].Function)
	assert.Equal(t, "skipped: needs network", details[2].Message)
}

func TestParseResultFile_Empty(t *testing.T) {
	details := ParseResultFile("")
	assert.NotNil(t, details)
	assert.Empty(t, details)
}

const collectOutput = `============================= test session starts ==============================
collected 4 items
<Module 'tests/test_calc.py'>
  <Class 'TestCalc'>
    <Function 'test_add'>
    <Function 'test_sub'>
<Module tests/test_io.py>
  <Function test_read>
  <UnitTestCase LegacyCase>
    <TestCaseFunction test_legacy>

========================= no tests ran in 0.01 seconds =========================
`

func TestParseCollectOnly(t *testing.T) {
	tests := ParseCollectOnly(collectOutput)
	require.Len(t, tests, 4)

	assert.Equal(t, "tests/test_calc.py", *tests[0].Module)
	assert.Equal(t, "TestCalc", *tests[0].Class)
	assert.Equal(t, "test_add", tests[0].Function)
	assert.Equal(t, "test_sub", tests[1].Function)

	assert.Equal(t, "tests/test_io.py", *tests[2].Module)
	assert.Nil(t, tests[2].Class, "a new module resets the class")
	assert.Equal(t, "test_read", tests[2].Function)

	assert.Equal(t, "LegacyCase", *tests[3].Class)
	assert.Equal(t, "test_legacy", tests[3].Function)
}

func TestHTMLDiff(t *testing.T) {
	diff := HTMLDiff("a = 1\nb = 2\n", "a = 1\nb = 3\n")
	assert.Contains(t, diff, "<del")
	assert.Contains(t, diff, "<ins")
	assert.Contains(t, diff, "b = 3")

	unchanged := HTMLDiff("same\n", "same\n")
	assert.NotContains(t, unchanged, "<ins")
	assert.NotContains(t, unchanged, "<del")
}

func TestIsTestPath(t *testing.T) {
	assert.True(t, IsTestPath("tests/test_calc.py", "tests"))
	assert.True(t, IsTestPath("tests/unit/test_x.py", "tests/"))
	assert.False(t, IsTestPath("testsuite/x.py", "tests"))
	assert.False(t, IsTestPath("app/models.py", "tests"))
	assert.True(t, IsTestPath("app/models.py", "."))
}
