package generation

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// DefaultPromptTemplate is used when no template is configured. The
// category is the form-field label chosen by the operator.
const DefaultPromptTemplate = `You convert clipboard content into a structured answer for an automated form.
{{- if .Category}}
Category: {{.Category}}
{{- end}}
{{- if .HasImage}}
The content is in the attached image.
{{- end}}
{{- if .Text}}

{{.Text}}
{{- end}}
`

// Prompt renders the user message sent to a backend.
type Prompt struct {
	tmpl *template.Template
}

// promptData is what templates can reference.
type promptData struct {
	Category string
	Text     string
	HasImage bool
}

// NewPrompt parses src. An empty src selects DefaultPromptTemplate.
func NewPrompt(src string) (*Prompt, error) {
	if strings.TrimSpace(src) == "" {
		src = DefaultPromptTemplate
	}
	tmpl, err := template.New("prompt").Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%w: parse prompt template: %v", ErrInvalidConfig, err)
	}
	return &Prompt{tmpl: tmpl}, nil
}

// MustPrompt is NewPrompt for templates known to be valid.
func MustPrompt(src string) *Prompt {
	p, err := NewPrompt(src)
	if err != nil {
		panic(err)
	}
	return p
}

// Render fills the template from req.
func (p *Prompt) Render(req Request) (string, error) {
	var buf bytes.Buffer
	err := p.tmpl.Execute(&buf, promptData{
		Category: req.Category,
		Text:     req.Text,
		HasImage: req.HasImage(),
	})
	if err != nil {
		return "", fmt.Errorf("%w: execute prompt template: %v", ErrInvalidConfig, err)
	}
	return strings.TrimSpace(buf.String()), nil
}
