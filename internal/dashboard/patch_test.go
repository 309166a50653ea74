package dashboard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyPatch(t *testing.T) {
	body := `<div class="wip-widget"><div id="wip-status" class="btn btn-success"><span class="status-message">passed</span></div><p>rest</p></div>`

	patched, ok, err := applyPatch(body, "#wip-status",
		`<div id="wip-status" class="btn btn-warning"><span class="status-message">passed</span></div>`)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, patched, "btn-warning")
	assert.NotContains(t, patched, "btn-success")
	assert.Contains(t, patched, "<p>rest</p>")
	assert.NotContains(t, patched, "<body>")
}

func TestApplyPatch_NoMatch(t *testing.T) {
	body := `<p>no indicator</p>`

	patched, ok, err := applyPatch(body, "#wip-status", `<div id="wip-status"></div>`)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, body, patched)
}
