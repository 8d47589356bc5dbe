package notifications

import (
	"embed"
	"fmt"
	"io/fs"
	"strings"

	"github.com/aymerick/raymond"
)

//go:embed templates/*.hbs
var templateFS embed.FS

// Rendered is the body of one email.
type Rendered struct {
	HTML string
	Text string
}

type pair struct {
	html *raymond.Template
	text *raymond.Template
}

// Renderer renders the embedded Handlebars templates. Each template has an
// HTML body wrapped in the layout and a plain-text twin.
type Renderer struct {
	layout    *raymond.Template
	templates map[string]pair
}

func NewRenderer() (*Renderer, error) {
	return newRenderer(templateFS)
}

func newRenderer(fsys fs.FS) (*Renderer, error) {
	parse := func(name string) (*raymond.Template, error) {
		raw, err := fs.ReadFile(fsys, "templates/"+name)
		if err != nil {
			return nil, err
		}
		tpl, err := raymond.Parse(string(raw))
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		return tpl, nil
	}

	layout, err := parse("layout.html.hbs")
	if err != nil {
		return nil, err
	}
	r := &Renderer{layout: layout, templates: make(map[string]pair)}

	entries, err := fs.ReadDir(fsys, "templates")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".html.hbs")
		if !ok || name == "layout" {
			continue
		}
		html, err := parse(e.Name())
		if err != nil {
			return nil, err
		}
		text, err := parse(name + ".txt.hbs")
		if err != nil {
			return nil, err
		}
		r.templates[name] = pair{html: html, text: text}
	}
	return r, nil
}

// Has reports whether name is a known template.
func (r *Renderer) Has(name string) bool {
	_, ok := r.templates[name]
	return ok
}

// Render executes template name with data.
func (r *Renderer) Render(name string, data map[string]any) (*Rendered, error) {
	p, ok := r.templates[name]
	if !ok {
		return nil, fmt.Errorf("unknown template %q", name)
	}
	content, err := p.html.Exec(data)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}

	ctx := make(map[string]any, len(data)+1)
	for k, v := range data {
		ctx[k] = v
	}
	ctx["content"] = raymond.SafeString(content)
	html, err := r.layout.Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("render layout for %s: %w", name, err)
	}

	text, err := p.text.Exec(data)
	if err != nil {
		return nil, fmt.Errorf("render %s text: %w", name, err)
	}
	return &Rendered{HTML: html, Text: text}, nil
}
