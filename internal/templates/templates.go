// Package templates renders the dashboard pages.
package templates

import (
	"context"
	"io"

	"github.com/a-h/templ"
)

// Widget is a registered widget as shown on the dashboard.
type Widget struct {
	ID    string
	Title string
	HTML  string // trusted body rendered by the widget runtime
	CSS   string
}

// DashboardData is the data for the main page.
type DashboardData struct {
	Widgets   []Widget
	CSRFToken string
	Version   string
}

// Dashboard renders the main page with every registered widget.
func Dashboard(data DashboardData) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if err := head("wipboard").Render(ctx, w); err != nil {
			return err
		}
		if _, err := io.WriteString(w, `<body><header><h1>wipboard <span class="conn">●</span></h1>`+
			`<form method="post" action="/logout"><input type="hidden" name="csrf_token" value="`+
			templ.EscapeString(data.CSRFToken)+`"><button type="submit">Log out</button></form></header>`+
			`<main id="widgets">`); err != nil {
			return err
		}
		for _, wd := range data.Widgets {
			if err := widgetCard(wd).Render(ctx, w); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, `</main><footer>`+templ.EscapeString(data.Version)+`</footer>`+
			`<script src="/static/dashboard.js"></script></body></html>`)
		return err
	})
}

func widgetCard(wd Widget) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		title := wd.Title
		if title == "" {
			title = wd.ID
		}
		if _, err := io.WriteString(w, `<section class="widget-card" data-widget-id="`+templ.EscapeString(wd.ID)+`">`+
			`<h2 class="widget-title">`+templ.EscapeString(title)+`</h2>`+
			`<style class="widget-style">`); err != nil {
			return err
		}
		// Stylesheet and body come from authenticated widget runtimes.
		if err := templ.Raw(wd.CSS).Render(ctx, w); err != nil {
			return err
		}
		if _, err := io.WriteString(w, `</style><div class="widget-body">`); err != nil {
			return err
		}
		if err := templ.Raw(wd.HTML).Render(ctx, w); err != nil {
			return err
		}
		_, err := io.WriteString(w, `</div></section>`)
		return err
	})
}

// Login renders the login page. totp adds the one-time code field.
func Login(errorMsg string, totp bool) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if err := head("wipboard login").Render(ctx, w); err != nil {
			return err
		}
		page := `<body><form class="login" method="post" action="/login"><h1>wipboard</h1>`
		if errorMsg != "" {
			page += `<p class="error">` + templ.EscapeString(errorMsg) + `</p>`
		}
		page += `<input type="password" name="password" placeholder="Password" autofocus required>`
		if totp {
			page += `<input type="text" name="totp" placeholder="TOTP code" inputmode="numeric" autocomplete="one-time-code">`
		}
		page += `<button type="submit">Log in</button></form></body></html>`
		_, err := io.WriteString(w, page)
		return err
	})
}

func head(title string) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		_, err := io.WriteString(w, `<!DOCTYPE html><html lang="en"><head><meta charset="utf-8">`+
			`<meta name="viewport" content="width=device-width, initial-scale=1">`+
			`<title>`+templ.EscapeString(title)+`</title>`+
			`<link rel="stylesheet" href="/static/dashboard.css"></head>`)
		return err
	})
}
