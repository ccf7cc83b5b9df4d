package template

import (
	"fmt"
	"html"
	"sync"

	"github.com/osteele/liquid"
)

// liquidEngine renders Liquid templates, caching parsed templates by
// source text.
type liquidEngine struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

func newLiquidEngine() *liquidEngine {
	engine := liquid.NewEngine()

	// {{ first_name | default: "there" }} is common in coach templates
	engine.RegisterFilter("default", func(value any, fallback string) any {
		if value == nil {
			return fallback
		}
		if s, ok := value.(string); ok && s == "" {
			return fallback
		}
		return value
	})
	engine.RegisterFilter("escape_html", html.EscapeString)

	return &liquidEngine{engine: engine}
}

func (e *liquidEngine) render(src string, vars map[string]any) (string, error) {
	var tpl *liquid.Template
	if cached, ok := e.cache.Load(src); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := e.engine.ParseString(src)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
		}
		e.cache.Store(src, parsed)
		tpl = parsed
	}

	out, err := tpl.RenderString(liquid.Bindings(vars))
	if err != nil {
		return "", fmt.Errorf("render liquid: %w", err)
	}
	return out, nil
}
