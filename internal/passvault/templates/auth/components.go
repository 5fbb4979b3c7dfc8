package auth

import (
	"context"
	"embed"
	"html/template"
	"io"
	"strings"

	"github.com/a-h/templ"
)

//go:embed html/*.html
var files embed.FS

var pages = template.Must(template.New("auth").Funcs(template.FuncMap{
	"nonProduction": func(env string) bool {
		env = strings.ToLower(strings.TrimSpace(env))
		return env != "" && env != "prod" && env != "production"
	},
}).ParseFS(files, "html/*.html"))

// LoginPage renders the full login document.
func LoginPage(data LoginPageData) templ.Component {
	return render("login-page", data)
}

// LoginPanel renders the swappable panel holding banners, errors and the form.
func LoginPanel(data LoginPageData) templ.Component {
	return render("login-panel", data)
}

// HomePage renders the signed-in landing page.
func HomePage(data HomePageData) templ.Component {
	return render("home-page", data)
}

func render(name string, data any) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		return pages.ExecuteTemplate(w, name, data)
	})
}
