package widget

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTemplate = `<div class="wip-widget">
<div id="wip-status" class="btn btn-{{ .btnColor }}"><span class="wip-spinner" hidden></span><span class="status-message">{{ .btnText }}</span></div>
{{- if .state.Loaded }}
<p class="filename">{{ .state.Filename | default "-" }}</p>
<div class="diff">{{ .state.Differences | safeHTML }}</div>
{{- else }}
<p class="empty">No test run yet.</p>
{{- end }}
</div>`

func TestRenderer_Render(t *testing.T) {
	r, err := ParseTemplate("test", testTemplate)
	require.NoError(t, err)

	t.Run("empty model", func(t *testing.T) {
		html, err := r.Render(DisplayState{})
		require.NoError(t, err)
		assert.Contains(t, html, `class="btn btn-"`)
		assert.Contains(t, html, ">unknown<")
		assert.Contains(t, html, "No test run yet.")
	})

	t.Run("passed result", func(t *testing.T) {
		m := NewResultModel()
		m.ApplyResultMessage(ResultMessage{Value: ResultValue{
			Filename:    "app/models.py",
			Success:     true,
			Status:      "passed",
			Differences: json.RawMessage(`"<table class=\"diff\"></table>"`),
		}})

		html, err := r.Render(m.DisplayState())
		require.NoError(t, err)
		assert.Contains(t, html, "btn-success")
		assert.Contains(t, html, ">passed<")
		assert.Contains(t, html, "app/models.py")
		assert.Contains(t, html, `<table class="diff"></table>`)
	})

	t.Run("missing filename uses sprig default", func(t *testing.T) {
		html, err := r.Render(DisplayState{Loaded: true, Status: "failed"})
		require.NoError(t, err)
		assert.Contains(t, html, "btn-danger")
		assert.Contains(t, html, `<p class="filename">-</p>`)
	})

	t.Run("running renders as unknown", func(t *testing.T) {
		html, err := r.Render(DisplayState{Loaded: true, Status: "running"})
		require.NoError(t, err)
		assert.Contains(t, html, ">unknown<")
		assert.NotContains(t, html, "btn-warning")
	})
}

func TestParseTemplate_Invalid(t *testing.T) {
	_, err := ParseTemplate("broken", "{{ .state.Filename ")
	assert.Error(t, err)
}
