package catalog

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// funcMap exposes only repeatable helpers so rendering stays a pure function of its values.
var funcMap = func() template.FuncMap {
	funcs := sprig.HermeticTxtFuncMap()
	funcs["truthy"] = func(v string) bool {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "on":
			return true
		}
		return false
	}
	// userinfo percent-encodes credentials for the user:password@ part of a URL.
	funcs["userinfo"] = func(user, password string) string {
		return url.UserPassword(user, password).String()
	}
	return funcs
}()

// RenderValue renders a binding, argument, health or verification template
// against configuration values. Referencing an absent key is an error.
func RenderValue(name, text string, values map[string]string) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tmpl, err := template.New(name).Funcs(funcMap).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse template %q: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, values); err != nil {
		return "", fmt.Errorf("execute template %q: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}
