package widget

// PipelineStatus is the lifecycle state of the external test run.
type PipelineStatus string

const (
	StatusUnknown PipelineStatus = "unknown"
	StatusRunning PipelineStatus = "running"
	StatusPassed  PipelineStatus = "passed"
	StatusFailed  PipelineStatus = "failed"
	StatusErrored PipelineStatus = "errored"
)

// ParseStatus maps a wire value to a PipelineStatus. Anything outside the
// known vocabulary is StatusUnknown.
func ParseStatus(s string) PipelineStatus {
	switch PipelineStatus(s) {
	case StatusRunning, StatusPassed, StatusFailed, StatusErrored:
		return PipelineStatus(s)
	default:
		return StatusUnknown
	}
}

// Indicator colours. The empty colour means "no colour class".
const (
	ColorNone    = ""
	ColorWarning = "warning"
	ColorSuccess = "success"
	ColorDanger  = "danger"
)

// ButtonStyle is the colour/label pair embedded in a full render.
type ButtonStyle struct {
	Color string
	Text  string
}

// FullRenderStyle computes the button style used when the whole widget body
// is rendered. Only passed and failed have a colour; everything else,
// including running, renders as unknown.
func FullRenderStyle(status string) ButtonStyle {
	switch status {
	case string(StatusPassed):
		return ButtonStyle{Color: ColorSuccess, Text: "passed"}
	case string(StatusFailed):
		return ButtonStyle{Color: ColorDanger, Text: "failed"}
	default:
		return ButtonStyle{Color: ColorNone, Text: "unknown"}
	}
}

// SpinnerAction tells the indicator what to do with its busy spinner.
type SpinnerAction int

const (
	SpinnerStop SpinnerAction = iota
	SpinnerStart
)

// LiveUpdate is the in-place change applied to the status indicator when a
// status message arrives.
type LiveUpdate struct {
	Color    string // ColorNone leaves the indicator uncoloured
	Label    string
	SetLabel bool // false keeps the current message text
	Spinner  SpinnerAction
}

// LiveStatusUpdate maps a status message to an indicator change. Colour
// classes are always cleared before Color is applied, so errored and
// unrecognised values leave the indicator uncoloured with the spinner stopped.
func LiveStatusUpdate(status string) LiveUpdate {
	switch status {
	case string(StatusRunning):
		return LiveUpdate{Color: ColorWarning, Spinner: SpinnerStart}
	case string(StatusPassed):
		return LiveUpdate{Color: ColorSuccess, Label: "passed", SetLabel: true, Spinner: SpinnerStop}
	case string(StatusFailed):
		return LiveUpdate{Color: ColorDanger, Label: "failed", SetLabel: true, Spinner: SpinnerStop}
	default:
		return LiveUpdate{Color: ColorNone, Spinner: SpinnerStop}
	}
}
