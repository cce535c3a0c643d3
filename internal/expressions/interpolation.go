package expressions

import (
	"encoding/json"
	"slices"
	"strconv"
	"strings"
)

// Namespace names recognized by the default renderer.
const (
	NamespaceInput = "input"
	NamespaceOrg   = "org"
	NamespaceMap   = "map"
)

// Renderer substitutes {{namespace.path}} placeholders from nested maps.
// Placeholders whose namespace is not recognized are left verbatim; a
// recognized namespace with a missing path renders as "".
type Renderer struct {
	namespaces []string
}

// NewRenderer creates a Renderer for the given namespaces. With none given it
// recognizes input, org and map.
func NewRenderer(namespaces ...string) *Renderer {
	if len(namespaces) == 0 {
		namespaces = []string{NamespaceInput, NamespaceOrg, NamespaceMap}
	}
	return &Renderer{namespaces: namespaces}
}

// Render replaces every {{ ns.path }} occurrence in tmpl.
func (r *Renderer) Render(tmpl string, data map[string]map[string]any) string {
	var out strings.Builder
	out.Grow(len(tmpl))

	i := 0
	for i < len(tmpl) {
		idx := strings.Index(tmpl[i:], "{{")
		if idx == -1 {
			out.WriteString(tmpl[i:])
			break
		}
		out.WriteString(tmpl[i : i+idx])
		start := i + idx + 2

		end := strings.Index(tmpl[start:], "}}")
		if end == -1 {
			// Unclosed marker: emit the remainder unchanged.
			out.WriteString(tmpl[i+idx:])
			break
		}
		end += start
		token := tmpl[i+idx : end+2]

		val, ok := r.resolve(strings.TrimSpace(tmpl[start:end]), data)
		if ok {
			out.WriteString(val)
		} else {
			out.WriteString(token)
		}
		i = end + 2
	}

	return out.String()
}

// Placeholders returns the trimmed expressions of every closed {{ }} marker
// in tmpl, in order of appearance.
func Placeholders(tmpl string) []string {
	var out []string
	for {
		start := strings.Index(tmpl, "{{")
		if start == -1 {
			return out
		}
		end := strings.Index(tmpl[start+2:], "}}")
		if end == -1 {
			return out
		}
		out = append(out, strings.TrimSpace(tmpl[start+2:start+2+end]))
		tmpl = tmpl[start+2+end+2:]
	}
}

// resolve returns the rendered value and whether expr belongs to a known namespace.
func (r *Renderer) resolve(expr string, data map[string]map[string]any) (string, bool) {
	if strings.ContainsAny(expr, "{}") {
		return "", false
	}
	ns, path, found := strings.Cut(expr, ".")
	if !found || !slices.Contains(r.namespaces, ns) {
		return "", false
	}

	var cur any = data[ns]
	for _, seg := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return "", true
		}
		cur, ok = m[seg]
		if !ok {
			return "", true
		}
	}
	return stringify(cur), true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, m != nil
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	default:
		return nil, false
	}
}

// stringify renders scalars naturally and composite values as JSON.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
