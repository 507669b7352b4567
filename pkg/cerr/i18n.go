package cerr

import (
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var templatesYAML []byte

// FallbackLocale is the locale the table falls back to when a requested
// locale has no template for a given kind (spec §7: "unknown codes fall
// back to the English template or the code string").
const FallbackLocale = "en"

var (
	templatesOnce sync.Once
	templatesMu   sync.RWMutex
	// templates maps locale -> Kind (as string) -> template string.
	templates map[string]map[string]string
)

func loadTemplates() {
	var parsed map[string]map[string]string
	if err := yaml.Unmarshal(templatesYAML, &parsed); err != nil {
		// The embedded table is authored by us, not user input; a parse
		// failure here means the file itself is broken.
		panic("cerr: malformed templates.yaml: " + err.Error())
	}
	templates = parsed
}

// AddTemplate registers or overrides a single locale/kind template at
// runtime, mirroring original_source's add_translation extensibility hook.
func AddTemplate(locale string, kind Kind, template string) {
	templatesOnce.Do(loadTemplates)
	templatesMu.Lock()
	defer templatesMu.Unlock()
	if templates[locale] == nil {
		templates[locale] = make(map[string]string)
	}
	templates[locale][string(kind)] = template
}

// lookupTemplate resolves the template string for locale/kind, trying the
// exact locale, then its base language (e.g. "zh" for "zh-TW"), then
// FallbackLocale. Returns ok=false if no template exists anywhere.
func lookupTemplate(locale string, kind Kind) (string, bool) {
	templatesOnce.Do(loadTemplates)
	templatesMu.RLock()
	defer templatesMu.RUnlock()

	if t, ok := templates[locale][string(kind)]; ok {
		return t, true
	}
	if base, _, found := strings.Cut(locale, "-"); found {
		if t, ok := templates[base][string(kind)]; ok {
			return t, true
		}
	}
	if t, ok := templates[FallbackLocale][string(kind)]; ok {
		return t, true
	}
	return "", false
}

// Localized renders a user-visible message for this error in locale,
// keyed by the error's Kind (spec §7). Unknown locale/kind combinations
// fall back to the English template, then to the error's code string, so
// this method always returns something presentable.
func (e *Error) Localized(locale string) string {
	if e == nil {
		return ""
	}
	tmpl, ok := lookupTemplate(locale, e.Kind)
	if !ok {
		if e.Message != "" {
			return e.Message
		}
		return strconv.Itoa(e.Code)
	}
	return e.render(tmpl)
}

// render substitutes {{placeholder}} tokens with fields from the error and
// its Details map. Plain strings.ReplaceAll is enough for this table's
// fixed, known set of placeholders — nothing in this codebase pulls in
// text/template for anything this simple.
func (e *Error) render(tmpl string) string {
	out := tmpl
	out = strings.ReplaceAll(out, "{{message}}", e.Message)
	out = strings.ReplaceAll(out, "{{provider}}", e.Provider)
	out = strings.ReplaceAll(out, "{{command}}", e.Command)
	if e.RetryAfter > 0 {
		out = strings.ReplaceAll(out, "{{retry_after}}", e.RetryAfter.Round(time.Second).String())
	}
	for k, v := range e.Details {
		placeholder := "{{" + k + "}}"
		if !strings.Contains(out, placeholder) {
			continue
		}
		out = strings.ReplaceAll(out, placeholder, toDisplayString(v))
	}
	return out
}

func toDisplayString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
