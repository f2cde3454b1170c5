package util

import (
	"strings"
	"sync"
	"text/template"
)

var (
	templates sync.Map // source text -> *template.Template

	templateFuncs = template.FuncMap{
		"default": func(fallback, v any) any {
			if v == nil || v == "" {
				return fallback
			}
			return v
		},
		"truncate": func(n int, s string) string { return Truncate(s, n) },
		"join":     func(sep string, items []string) string { return strings.Join(items, sep) },
	}
)

// RenderTemplate fills a prompt template from state. Parsed templates are
// cached by their text; prompts are package constants.
func RenderTemplate(text string, state map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	var tmpl *template.Template
	if cached, ok := templates.Load(text); ok {
		tmpl = cached.(*template.Template)
	} else {
		parsed, err := template.New("prompt").Funcs(templateFuncs).Parse(text)
		if err != nil {
			return "", err
		}
		templates.Store(text, parsed)
		tmpl = parsed
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, state); err != nil {
		return "", err
	}
	return b.String(), nil
}
