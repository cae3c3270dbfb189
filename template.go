package conduit

import (
	"fmt"
	"strings"
	"text/template"
	"time"
)

// StdTemplateRenderer renders configuration templates with text/template.
// Context entries are addressable as {{.key}}; the helper functions below
// cover the date arithmetic that file paths and queries typically need:
//
//	{{today}}      current date, YYYY-MM-DD
//	{{yesterday}}  previous date, YYYY-MM-DD
//	{{now}}        current timestamp, RFC 3339
//
// The zero value is not usable; create renderers with NewStdTemplateRenderer.
type StdTemplateRenderer struct {
	funcs template.FuncMap
	// clock is replaceable for tests.
	clock func() time.Time
}

// Ensure StdTemplateRenderer implements TemplateRenderer.
var _ TemplateRenderer = (*StdTemplateRenderer)(nil)

// NewStdTemplateRenderer creates a renderer with the standard helper functions.
func NewStdTemplateRenderer() *StdTemplateRenderer {
	r := &StdTemplateRenderer{clock: time.Now}
	r.funcs = template.FuncMap{
		"today": func() string {
			return r.clock().Format("2006-01-02")
		},
		"yesterday": func() string {
			return r.clock().AddDate(0, 0, -1).Format("2006-01-02")
		},
		"now": func() string {
			return r.clock().Format(time.RFC3339)
		},
	}
	return r
}

// Render resolves the template against the given context. Plain strings pass
// through untouched, so every configuration value can be fed through Render
// unconditionally.
func (r *StdTemplateRenderer) Render(tmpl string, context map[string]any) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := template.New("config").Option("missingkey=error").Funcs(r.funcs).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parsing template %q: %w", tmpl, err)
	}

	var sb strings.Builder
	if err := t.Execute(&sb, context); err != nil {
		return "", fmt.Errorf("rendering template %q: %w", tmpl, err)
	}
	return sb.String(), nil
}
