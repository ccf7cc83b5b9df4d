package template

import (
	"fmt"
	"html"
	"reflect"
	"strconv"
	"strings"
)

// The handlebars dialect is parsed into a small tree once and evaluated
// against the variables. Supported tags:
//
//	{{name}} {{a.b.c}}           substitution, HTML-escaped in bodies
//	{{{name}}}                   substitution without escaping
//	{{#if x}}..{{else}}..{{/if}} truthiness conditional
//	{{#unless x}}..{{/unless}}   negated conditional
//	{{#each xs}}..{{/each}}      loop with {{this}}, {{this.f}}, {{@index}}
//
// A placeholder that resolves to nothing is left in the output verbatim so
// a missing variable is visible in the rendered email rather than silently
// blank.

type nodeKind int

const (
	nodeText nodeKind = iota
	nodeVar
	nodeIf
	nodeEach
)

type node struct {
	kind   nodeKind
	text   string // literal text, or the original tag for nodeVar
	path   string
	raw    bool // triple-stash, never escaped
	negate bool // #unless
	body   []node
	alt    []node
}

type tag struct {
	raw      bool
	content  string
	original string
}

// parse turns src into a node tree. Mismatched or unclosed blocks return
// ErrInvalidTemplate.
func parse(src string) ([]node, error) {
	p := &parser{src: src}
	nodes, closer, err := p.parseUntil()
	if err != nil {
		return nil, err
	}
	if closer != "" {
		return nil, fmt.Errorf("%w: unexpected {{%s}}", ErrInvalidTemplate, closer)
	}
	return nodes, nil
}

type parser struct {
	src string
	pos int
}

// next returns the text before the next tag and the tag itself. ok is
// false once the input is exhausted.
func (p *parser) next() (text string, t tag, ok bool) {
	rest := p.src[p.pos:]
	start := strings.Index(rest, "{{")
	if start < 0 {
		p.pos = len(p.src)
		return rest, tag{}, false
	}

	open, close := "{{", "}}"
	if strings.HasPrefix(rest[start:], "{{{") {
		open, close = "{{{", "}}}"
	}
	end := strings.Index(rest[start+len(open):], close)
	if end < 0 {
		// an unterminated "{{" is plain text
		p.pos = len(p.src)
		return rest, tag{}, false
	}

	text = rest[:start]
	inner := rest[start+len(open) : start+len(open)+end]
	full := rest[start : start+len(open)+end+len(close)]
	p.pos += start + len(full)
	return text, tag{raw: open == "{{{", content: strings.TrimSpace(inner), original: full}, true
}

// parseUntil reads nodes until a closing tag ({{/x}} or {{else}}) or EOF and
// returns the closer it stopped at.
func (p *parser) parseUntil() ([]node, string, error) {
	var nodes []node
	for {
		text, t, ok := p.next()
		if text != "" {
			nodes = append(nodes, node{kind: nodeText, text: text})
		}
		if !ok {
			return nodes, "", nil
		}

		c := t.content
		switch {
		case t.raw:
			nodes = append(nodes, node{kind: nodeVar, path: c, raw: true, text: t.original})

		case c == "else" || strings.HasPrefix(c, "/"):
			return nodes, c, nil

		case strings.HasPrefix(c, "#"):
			n, err := p.parseBlock(c)
			if err != nil {
				return nil, "", err
			}
			nodes = append(nodes, n)

		case c == "":
			nodes = append(nodes, node{kind: nodeText, text: t.original})

		default:
			nodes = append(nodes, node{kind: nodeVar, path: c, text: t.original})
		}
	}
}

func (p *parser) parseBlock(open string) (node, error) {
	name, arg, _ := strings.Cut(strings.TrimPrefix(open, "#"), " ")
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return node{}, fmt.Errorf("%w: {{#%s}} needs an argument", ErrInvalidTemplate, name)
	}

	var n node
	switch name {
	case "if", "unless":
		n = node{kind: nodeIf, path: arg, negate: name == "unless"}
	case "each":
		n = node{kind: nodeEach, path: arg}
	default:
		return node{}, fmt.Errorf("%w: unknown block helper %q", ErrInvalidTemplate, name)
	}

	body, closer, err := p.parseUntil()
	if err != nil {
		return node{}, err
	}
	n.body = body

	if closer == "else" {
		alt, c, err := p.parseUntil()
		if err != nil {
			return node{}, err
		}
		n.alt = alt
		closer = c
	}
	if closer != "/"+name {
		if closer == "" {
			return node{}, fmt.Errorf("%w: unclosed {{#%s}}", ErrInvalidTemplate, name)
		}
		return node{}, fmt.Errorf("%w: {{#%s}} closed by {{%s}}", ErrInvalidTemplate, name, closer)
	}
	return n, nil
}

// scope is one level of variable resolution. Inside an each body the
// current item and index shadow the enclosing variables.
type scope struct {
	vars   map[string]any
	item   any
	index  int
	inLoop bool
	parent *scope
}

func (s *scope) lookup(path string) (any, bool) {
	for sc := s; sc != nil; sc = sc.parent {
		if sc.inLoop {
			switch {
			case path == "this" || path == ".":
				return sc.item, true
			case path == "@index":
				return sc.index, true
			case strings.HasPrefix(path, "this."):
				return resolve(sc.item, strings.TrimPrefix(path, "this."))
			}
			if v, ok := resolve(sc.item, path); ok {
				return v, true
			}
			continue
		}
		if v, ok := resolve(sc.vars, path); ok {
			return v, true
		}
	}
	return nil, false
}

func execute(nodes []node, sc *scope, escape bool, b *strings.Builder) {
	for _, n := range nodes {
		switch n.kind {
		case nodeText:
			b.WriteString(n.text)

		case nodeVar:
			v, ok := sc.lookup(n.path)
			if !ok {
				b.WriteString(n.text)
				continue
			}
			s := format(v)
			if escape && !n.raw {
				s = html.EscapeString(s)
			}
			b.WriteString(s)

		case nodeIf:
			v, _ := sc.lookup(n.path)
			if truthy(v) != n.negate {
				execute(n.body, sc, escape, b)
			} else {
				execute(n.alt, sc, escape, b)
			}

		case nodeEach:
			v, _ := sc.lookup(n.path)
			list := items(v)
			if len(list) == 0 {
				execute(n.alt, sc, escape, b)
				continue
			}
			for i, item := range list {
				execute(n.body, &scope{item: item, index: i + 1, inLoop: true, parent: sc}, escape, b)
			}
		}
	}
}

// renderHandlebars renders src against vars. escape controls HTML escaping
// of substituted values.
func renderHandlebars(src string, vars map[string]any, escape bool) (string, error) {
	nodes, err := parse(src)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.Grow(len(src))
	execute(nodes, &scope{vars: vars}, escape, &b)
	return b.String(), nil
}

// resolve walks a dotted path through nested maps and structs.
func resolve(root any, path string) (any, bool) {
	cur := root
	for _, key := range strings.Split(path, ".") {
		if key == "" {
			return nil, false
		}
		next, ok := field(cur, key)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func field(v any, key string) (any, bool) {
	switch m := v.(type) {
	case nil:
		return nil, false
	case map[string]any:
		val, ok := m[key]
		return val, ok
	case map[string]string:
		val, ok := m[key]
		return val, ok
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		val := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !val.IsValid() {
			return nil, false
		}
		return val.Interface(), true
	case reflect.Struct:
		f := rv.FieldByName(key)
		if !f.IsValid() || !f.CanInterface() {
			return nil, false
		}
		return f.Interface(), true
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	}
	return nil, false
}

func items(v any) []any {
	if list, ok := v.([]any); ok {
		return list
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// truthy treats nil, false, "", zero numbers and empty collections as false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

func format(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case fmt.Stringer:
		return t.String()
	}
	return fmt.Sprint(v)
}
