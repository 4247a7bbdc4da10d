package expressions

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/drip/internal/secrets"
	"github.com/rendis/drip/internal/xjson"
	"github.com/rendis/drip/pkg/schema"
)

const (
	openToken  = "${{"
	closeToken = "}}"
)

// Namespaces that may appear as the first segment of a reference.
var namespaces = []string{"nodes", "run", "workflow", "secrets"}

// Evaluator resolves ${{...}} references in templates against a Scope.
type Evaluator struct {
	vault secrets.Resolver
}

// NewEvaluator creates an Evaluator. vault may be nil, in which case any
// secrets.* reference is unresolved.
func NewEvaluator(vault secrets.Resolver) *Evaluator {
	return &Evaluator{vault: vault}
}

// Render substitutes every reference in tpl. When tpl consists of exactly one
// reference the referenced value is returned with its type intact; otherwise
// the result is a string with each value stringified in place.
func (ev *Evaluator) Render(ctx context.Context, tpl string, scope *Scope) (any, error) {
	if ref, ok := singleReference(tpl); ok {
		return ev.resolve(ctx, ref, scope)
	}

	var out strings.Builder
	out.Grow(len(tpl))

	i := 0
	for i < len(tpl) {
		idx := strings.Index(tpl[i:], openToken)
		if idx == -1 {
			out.WriteString(tpl[i:])
			break
		}
		out.WriteString(tpl[i : i+idx])

		start := i + idx + len(openToken)
		end := strings.Index(tpl[start:], closeToken)
		if end == -1 {
			return nil, unresolved(tpl[i+idx:], "unclosed ${{ reference")
		}
		end += start

		ref := strings.TrimSpace(tpl[start:end])
		if strings.Contains(ref, openToken) {
			return nil, unresolved(ref, "nested references are not allowed")
		}

		val, err := ev.resolve(ctx, ref, scope)
		if err != nil {
			return nil, err
		}
		out.WriteString(Stringify(val))
		i = end + len(closeToken)
	}

	return out.String(), nil
}

// RenderString renders tpl and stringifies the result.
func (ev *Evaluator) RenderString(ctx context.Context, tpl string, scope *Scope) (string, error) {
	v, err := ev.Render(ctx, tpl, scope)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}

// RenderValue renders every string found inside v (maps and slices are walked).
// Non-string leaves are returned unchanged.
func (ev *Evaluator) RenderValue(ctx context.Context, v any, scope *Scope) (any, error) {
	switch val := v.(type) {
	case string:
		if !strings.Contains(val, openToken) {
			return val, nil
		}
		return ev.Render(ctx, val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := ev.RenderValue(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := ev.RenderValue(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolve resolves a single reference path like "nodes.Webhook.contact.phone".
func (ev *Evaluator) resolve(ctx context.Context, ref string, scope *Scope) (any, error) {
	if ref == "" {
		return nil, unresolved(ref, "empty reference")
	}

	namespace, rest, _ := strings.Cut(ref, ".")
	switch namespace {
	case "nodes":
		return resolveNode(ref, rest, scope)
	case "run":
		return resolvePath(scope.Run, rest, ref, "run")
	case "workflow":
		return resolvePath(scope.Workflow, rest, ref, "workflow")
	case "secrets":
		return ev.resolveSecret(ctx, ref, rest)
	default:
		return nil, unresolved(ref, "unknown namespace %q; available: %s", namespace, strings.Join(namespaces, ", ")).
			WithDetails(map[string]any{"reference": ref, "available_namespaces": namespaces})
	}
}

// resolveNode resolves nodes.<name>[.<field>...] references.
func resolveNode(ref, rest string, scope *Scope) (any, error) {
	name, path, _ := strings.Cut(rest, ".")
	if name == "" {
		return nil, unresolved(ref, "expected nodes.<name>[.<field>]")
	}

	output, ok := scope.Nodes[name]
	if !ok {
		available := sortedKeys(scope.Nodes)
		return nil, unresolved(ref, "node %q has no output; available: [%s]", name, strings.Join(available, ", ")).
			WithDetails(map[string]any{"reference": ref, "available_nodes": available})
	}
	if path == "" {
		return output, nil
	}
	return traversePath(output, path, ref)
}

func resolvePath(data map[string]any, path, ref, namespace string) (any, error) {
	if path == "" {
		return nil, unresolved(ref, "expected %s.<field>", namespace)
	}
	if val, ok := data[path]; ok {
		return val, nil
	}
	return traversePath(data, path, ref)
}

// resolveSecret resolves secrets.<key> via the Vault.
func (ev *Evaluator) resolveSecret(ctx context.Context, ref, key string) (any, error) {
	if key == "" {
		return nil, unresolved(ref, "expected secrets.<KEY>")
	}
	if ev.vault == nil {
		return nil, unresolved(ref, "cannot resolve secret %q: no vault configured", key)
	}
	val, err := ev.vault.Resolve(ctx, key)
	if err != nil {
		return nil, unresolved(ref, "cannot resolve secret %q: %s", key, err.Error()).WithCause(err)
	}
	return string(val), nil
}

// traversePath navigates nested maps and slices using a dot-delimited path.
// Numeric segments index into slices.
func traversePath(root any, path, ref string) (any, error) {
	current := root
	for i, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, unresolved(ref, "empty segment at position %d", i)
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				available := sortedKeys(v)
				return nil, unresolved(ref, "field %q not found; available: [%s]", seg, strings.Join(available, ", ")).
					WithDetails(map[string]any{"reference": ref, "available_fields": available})
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, unresolved(ref, "index %q out of range (len %d)", seg, len(v))
			}
			current = v[idx]
		default:
			return nil, unresolved(ref, "cannot traverse into %T at %q", current, seg)
		}
	}
	return current, nil
}

func unresolved(ref, format string, args ...any) *schema.DripError {
	e := schema.NewErrorf(schema.ErrCodeUnresolvedReference, "${{%s}}: "+format, append([]any{ref}, args...)...)
	return e.WithDetails(map[string]any{"reference": ref})
}

// singleReference reports whether tpl is exactly one reference and returns its path.
func singleReference(tpl string) (string, bool) {
	if !strings.HasPrefix(tpl, openToken) || !strings.HasSuffix(tpl, closeToken) {
		return "", false
	}
	inner := tpl[len(openToken) : len(tpl)-len(closeToken)]
	if strings.Contains(inner, openToken) || strings.Contains(inner, closeToken) {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

// References lists the reference paths found in tpl, in order of appearance.
func References(tpl string) []string {
	var refs []string
	for {
		idx := strings.Index(tpl, openToken)
		if idx == -1 {
			return refs
		}
		rest := tpl[idx+len(openToken):]
		end := strings.Index(rest, closeToken)
		if end == -1 {
			return refs
		}
		refs = append(refs, strings.TrimSpace(rest[:end]))
		tpl = rest[end+len(closeToken):]
	}
}

// HasReferences reports whether s contains any ${{...}} token.
func HasReferences(s string) bool {
	return strings.Contains(s, openToken)
}

// Stringify renders a resolved value as message text. Maps and slices are
// JSON-encoded; nil renders as the empty string.
func Stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case xjson.RawMessage:
		return string(v)
	default:
		b, err := xjson.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
