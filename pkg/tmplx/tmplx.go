// Package tmplx renders operator supplied text templates. Besides Go
// template actions it understands single brace placeholders such as
// {name}, mapped to data fields with WithPlaceholders.
package tmplx

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/spf13/cast"
	"github.com/tidwall/gjson"
)

var (
	ErrRenderTemplate = errors.New("tmplx: render error")
	ErrParseTemplate  = errors.New("tmplx: parse error")
)

type Template struct {
	tmpl *template.Template
}

type options struct {
	funcs        template.FuncMap
	placeholders map[string]string
}

type Option func(*options)

func defaultFuncs() template.FuncMap {
	return template.FuncMap{
		"quote":      quoteFunc,
		"default":    defaultFunc,
		"json":       jsonFunc,
		"hasSuffix":  hasSuffix,
		"hasPrefix":  hasPrefix,
		"regexMatch": regexMatch,
		"jsonGet":    jsonGet,
		"truncate":   truncate,
	}
}

func WithFunc(name string, fn any) Option {
	return func(o *options) {
		o.funcs[name] = fn
	}
}

// WithPlaceholders maps {key} to the data field named by the value.
// Unknown keys are left as literal text.
func WithPlaceholders(fields map[string]string) Option {
	return func(o *options) {
		o.placeholders = fields
	}
}

// Parse compiles text. Missing map keys render as the zero value.
func Parse(name string, text string, opts ...Option) (*Template, error) {
	o := &options{funcs: defaultFuncs()}
	for _, opt := range opts {
		opt(o)
	}
	if len(o.placeholders) > 0 {
		text = expandPlaceholders(text, o.placeholders)
	}

	tmpl, err := template.New(name).
		Option("missingkey=zero").
		Funcs(o.funcs).
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParseTemplate, err)
	}
	return &Template{tmpl: tmpl}, nil
}

func (t *Template) Render(data any) (string, error) {
	buf := new(bytes.Buffer)
	if err := t.tmpl.Execute(buf, data); err != nil {
		return "", fmt.Errorf("%w: %w", ErrRenderTemplate, err)
	}
	return buf.String(), nil
}

var placeholderRegexp = regexp.MustCompile(`(?s)\{\{.*?\}\}|\{(\w+)\}`)

func expandPlaceholders(text string, fields map[string]string) string {
	return placeholderRegexp.ReplaceAllStringFunc(text, func(m string) string {
		if strings.HasPrefix(m, "{{") {
			return m
		}
		field, ok := fields[m[1:len(m)-1]]
		if !ok {
			return m
		}
		return "{{." + field + "}}"
	})
}

func hasSuffix(a, b any) bool {
	return strings.HasSuffix(cast.ToString(a), cast.ToString(b))
}

func hasPrefix(a, b any) bool {
	return strings.HasPrefix(cast.ToString(a), cast.ToString(b))
}

func quoteFunc(s string) (string, error) {
	return jsonFunc(s)
}

func defaultFunc(def any, value any) any {
	if value != nil && value != "" {
		return value
	}
	return def
}

func jsonFunc(value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func regexMatch(in string, expr string) (bool, error) {
	r, err := regexp.Compile(expr)
	if err != nil {
		return false, err
	}
	return r.MatchString(in), nil
}

func jsonGet(path string, raw string) string {
	return gjson.Get(raw, path).String()
}

// truncate cuts s to n runes, appending an ellipsis when it cut.
func truncate(n any, s any) string {
	str := cast.ToString(s)
	limit := cast.ToInt(n)
	if limit <= 0 || utf8.RuneCountInString(str) <= limit {
		return str
	}
	return string([]rune(str)[:limit]) + "…"
}
