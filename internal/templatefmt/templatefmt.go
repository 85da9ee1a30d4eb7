package templatefmt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"

	"snooze/internal/domain"
)

var (
	actionPattern = regexp.MustCompile(`\{\{(-?\s*)([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*)(\s*(?:\|[^}]*)?-?\}\})`)
	keywords      = map[string]bool{
		"if": true, "else": true, "end": true, "range": true, "with": true, "define": true,
		"template": true, "block": true, "break": true, "continue": true, "nil": true,
		"true": true, "false": true,
	}
	cache sync.Map
)

// FuncMap returns helpers shared by modification templates.
// Params: record bound to the `field` helper.
// Returns: helper map for one template execution.
func FuncMap(record map[string]any) template.FuncMap {
	return template.FuncMap{
		"field": func(path string) any {
			value, ok := domain.Dig(record, path)
			if !ok || value == nil {
				return ""
			}
			return value
		},
		"json":  MarshalJSON,
		"lower": strings.ToLower,
		"upper": strings.ToUpper,
		"trim":  strings.TrimSpace,
		"join": func(sep string, value any) string {
			list, ok := domain.AsList(value)
			if !ok {
				return domain.Stringify(value)
			}
			parts := make([]string, len(list))
			for i := range list {
				parts[i] = domain.Stringify(list[i])
			}
			return strings.Join(parts, sep)
		},
		"default": func(fallback, value any) any {
			if !domain.Truthy(value) {
				return fallback
			}
			return value
		},
	}
}

// IsTemplate reports whether text contains template actions.
func IsTemplate(text string) bool {
	return strings.Contains(text, "{{")
}

// Resolve renders template text against record.
// Params: text with `{{ host }}`, `{{ host | upper }}` or Go `{{ .host }}` actions, and the record.
// Returns: rendered string; text without actions is returned as is.
func Resolve(text string, record map[string]any) (string, error) {
	if !IsTemplate(text) {
		return text, nil
	}
	tmpl, err := parse(text)
	if err != nil {
		return "", err
	}
	bound, err := tmpl.Clone()
	if err != nil {
		return "", fmt.Errorf("clone template: %w", err)
	}
	bound.Funcs(FuncMap(record))
	var out bytes.Buffer
	if err := bound.Execute(&out, record); err != nil {
		return "", fmt.Errorf("render template %q: %w", text, err)
	}
	return out.String(), nil
}

// Validate parses template text without rendering it.
// Params: template text.
// Returns: parse error when the text is not a valid template.
func Validate(text string) error {
	if !IsTemplate(text) {
		return nil
	}
	_, err := parse(text)
	return err
}

func parse(text string) (*template.Template, error) {
	if cached, ok := cache.Load(text); ok {
		return cached.(*template.Template), nil
	}
	tmpl, err := template.New("value").Funcs(FuncMap(nil)).Option("missingkey=zero").Parse(rewriteShorthand(text))
	if err != nil {
		return nil, fmt.Errorf("parse template %q: %w", text, err)
	}
	cache.Store(text, tmpl)
	return tmpl, nil
}

// rewriteShorthand turns `{{ a.b }}` into `{{ field "a.b" }}`.
func rewriteShorthand(text string) string {
	return actionPattern.ReplaceAllStringFunc(text, func(action string) string {
		parts := actionPattern.FindStringSubmatch(action)
		name := parts[2]
		head := name
		if dot := strings.IndexByte(name, '.'); dot >= 0 {
			head = name[:dot]
		}
		if keywords[head] || isHelper(head) {
			return action
		}
		return "{{" + parts[1] + `field "` + name + `"` + parts[3]
	})
}

func isHelper(name string) bool {
	_, ok := FuncMap(nil)[name]
	return ok
}

// MarshalJSON renders value into JSON string for template embedding.
// Params: template value of any type.
// Returns: marshaled JSON string or "null" on marshal failure.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}
