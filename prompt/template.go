package prompt

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/hupe1980/palettemesh/core"
)

var templateFuncs = template.FuncMap{
	"default": func(defaultVal any, val any) any {
		if val == nil || val == "" {
			return defaultVal
		}
		return val
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"join":  func(sep string, items []string) string { return strings.Join(items, sep) },
}

// renderTemplate executes text as a text/template with req as its data, so
// instructions may refer to {{.Query}}, {{.Limit}} or {{.Models}}.
func renderTemplate(text string, req core.Request) (string, error) {
	if !strings.Contains(text, "{{") { // fast path: no template markers
		return text, nil
	}

	tmpl, err := template.New("instructions").Funcs(templateFuncs).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("invalid instruction template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, req); err != nil {
		return "", fmt.Errorf("failed to render instructions: %w", err)
	}
	return buf.String(), nil
}
