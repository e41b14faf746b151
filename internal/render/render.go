// Package render interpolates {{variable}} placeholders in localized templates.
//
// Rendering is fail-open: a placeholder whose variable is missing is left in
// the output verbatim so delivery is never blocked by incomplete input.
package render

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"notifydispatch/internal/entity"
)

var _placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

type Rendered struct {
	Locale string
	Title  string
	Body   string
}

// Interpolate replaces every {{key}} in s for which vars holds key.
func Interpolate(s string, vars map[string]any) string {
	if len(vars) == 0 || !strings.Contains(s, "{{") {
		return s
	}
	return _placeholder.ReplaceAllStringFunc(s, func(token string) string {
		m := _placeholder.FindStringSubmatch(token)
		if len(m) < 2 {
			return token
		}
		v, ok := vars[m[1]]
		if !ok {
			return token
		}
		return stringify(v)
	})
}

// Placeholders lists the distinct variable names referenced by s in order of appearance.
func Placeholders(s string) []string {
	var out []string
	for _, m := range _placeholder.FindAllStringSubmatch(s, -1) {
		if !slices.Contains(out, m[1]) {
			out = append(out, m[1])
		}
	}
	return out
}

// Render picks the first available locale from preferred, then the template's
// base locale, then the primary locale, then any locale in sorted order.
func Render(tpl *entity.Template, vars map[string]any, preferred ...string) Rendered {
	if tpl == nil {
		return Rendered{}
	}
	locale := ResolveLocale(tpl, preferred...)
	lc := tpl.Locales[locale]
	return Rendered{
		Locale: locale,
		Title:  Interpolate(lc.Title, vars),
		Body:   Interpolate(lc.Body, vars),
	}
}

// RenderAll renders every locale variant of the template.
func RenderAll(tpl *entity.Template, vars map[string]any) map[string]entity.LocalizedContent {
	if tpl == nil || len(tpl.Locales) == 0 {
		return nil
	}
	out := make(map[string]entity.LocalizedContent, len(tpl.Locales))
	for locale, lc := range tpl.Locales {
		out[locale] = entity.LocalizedContent{
			Title: Interpolate(lc.Title, vars),
			Body:  Interpolate(lc.Body, vars),
		}
	}
	return out
}

func ResolveLocale(tpl *entity.Template, preferred ...string) string {
	candidates := make([]string, 0, len(preferred)+2)
	candidates = append(candidates, preferred...)
	candidates = append(candidates, tpl.BaseLocale, entity.PrimaryLocale)
	for _, l := range candidates {
		if l == "" {
			continue
		}
		if lc, ok := tpl.Locales[l]; ok && (lc.Title != "" || lc.Body != "") {
			return l
		}
	}
	keys := make([]string, 0, len(tpl.Locales))
	for k := range tpl.Locales {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	if len(keys) > 0 {
		return keys[0]
	}
	return ""
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}
