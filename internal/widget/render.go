package widget

import (
	"bytes"
	"html/template"
	"strings"

	"github.com/Masterminds/sprig/v3"
	"github.com/PuerkitoBio/goquery"
	"github.com/cockroachdb/errors"
)

// Renderer produces the widget body from the host-provided template. The
// template sees three values: .state (a DisplayState), .btnColor and .btnText.
type Renderer struct {
	tmpl *template.Template
}

// ParseTemplate compiles template text fetched from the host.
func ParseTemplate(name, text string) (*Renderer, error) {
	funcs := sprig.HtmlFuncMap()
	funcs["safeHTML"] = func(s string) template.HTML { return template.HTML(s) } //nolint:gosec // diff tables come from the authenticated producer

	tmpl, err := template.New(name).Funcs(funcs).Parse(text)
	if err != nil {
		return nil, errors.Wrapf(err, "parse template %s", name)
	}
	return &Renderer{tmpl: tmpl}, nil
}

// Render executes the template for state.
func (r *Renderer) Render(state DisplayState) (string, error) {
	style := FullRenderStyle(state.Status)
	data := map[string]any{
		"state":    state,
		"btnColor": style.Color,
		"btnText":  style.Text,
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return "", errors.Wrap(err, "execute template")
	}
	return buf.String(), nil
}

// parseDocument loads rendered markup for in-place patching.
func parseDocument(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, errors.Wrap(err, "parse rendered widget")
	}
	return doc, nil
}
