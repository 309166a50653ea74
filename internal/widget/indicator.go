package widget

import (
	"github.com/PuerkitoBio/goquery"
	"github.com/samber/lo"
)

// Selectors of the status indicator inside the widget markup.
const (
	IndicatorSelector = "#wip-status"
	messageSelector   = ".status-message"
	spinnerSelector   = ".wip-spinner"
	spinnerActive     = "spinning"
)

// colorClasses are every class a status colour can leave on the indicator.
var colorClasses = lo.Map([]string{ColorWarning, ColorSuccess, ColorDanger}, func(c string, _ int) string {
	return colorClass(c)
})

func colorClass(color string) string {
	return "btn-" + color
}

// ApplyLiveUpdate mutates the status indicator inside doc. It reports false
// when the document has no indicator, in which case nothing is changed.
func ApplyLiveUpdate(doc *goquery.Document, u LiveUpdate) bool {
	if doc == nil {
		return false
	}
	el := doc.Find(IndicatorSelector).First()
	if el.Length() == 0 {
		return false
	}

	el.RemoveClass(colorClasses...)
	if u.Color != ColorNone {
		el.AddClass(colorClass(u.Color))
	}

	if u.SetLabel {
		el.Find(messageSelector).SetText(u.Label)
	}

	spinner := el.Find(spinnerSelector)
	switch u.Spinner {
	case SpinnerStart:
		spinner.AddClass(spinnerActive).RemoveAttr("hidden")
	case SpinnerStop:
		spinner.RemoveClass(spinnerActive).SetAttr("hidden", "hidden")
	}
	return true
}

// IndicatorHTML returns the outer HTML of the status indicator.
func IndicatorHTML(doc *goquery.Document) (string, error) {
	return goquery.OuterHtml(doc.Find(IndicatorSelector).First())
}
