package dashboard

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/cockroachdb/errors"
)

// applyPatch replaces the first element matching selector in body with
// outer. It reports false when nothing matches.
func applyPatch(body, selector, outer string) (string, bool, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", false, errors.Wrap(err, "parse widget body")
	}
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return body, false, nil
	}
	sel.ReplaceWithHtml(outer)

	html, err := doc.Find("body").Html()
	if err != nil {
		return "", false, errors.Wrap(err, "serialize widget body")
	}
	return html, true, nil
}
