// Package mailtmpl renders the plain-text transactional emails sent to
// customers. Templates are embedded in the binary and compiled with Load;
// rendering is a pure function of the Context, so two renders with the same
// Context produce byte-identical output.
package mailtmpl

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
	"time"
)

//go:embed templates/*.txt
var templatesFS embed.FS

// Context carries the variables a template substitutes. Datetime is
// pre-formatted by the caller (it is the transaction time, not an event
// time, so the caller decides its precision). CustomMessage may be left
// empty, in which case the "INFORMATIONS ADDITIONNELS" section is omitted
// entirely.
type Context struct {
	CustomerName   string
	CustomerEmail  string
	CustomerNumber string
	Datetime       string
	CustomMessage  string
	OldRetreat     Retreat
	NewRetreat     Retreat
}

// Retreat is the slice of a retreat that emails show: its name and the
// start/end of the stay. Timestamps are rendered with FormatLongDate.
type Retreat struct {
	Name      string
	StartTime time.Time
	EndTime   time.Time
}

// MissingVariableError is returned by Render when a required Context field
// is empty. Rendering fails fast instead of silently substituting empty
// strings, which would produce a broken email.
type MissingVariableError struct {
	Variable string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("template variable %s is required but was empty", e.Variable)
}

// Template is a compiled email template. It is stateless and safe for
// concurrent Render calls.
type Template struct {
	name string
	tmpl *template.Template
}

// Load compiles the embedded template with the given name, e.g.
// Load("exchange") for templates/exchange.txt. There is no process-wide
// registry: callers keep the returned value for as long as they need it.
func Load(name string) (*Template, error) {
	raw, err := templatesFS.ReadFile("templates/" + name + ".txt")
	if err != nil {
		return nil, fmt.Errorf("no embedded template named %q: %w", name, err)
	}
	tmpl, err := template.New(name).Funcs(template.FuncMap{
		"longDate": FormatLongDate,
	}).Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("while parsing template %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// Name returns the identifier the template was loaded under.
func (t *Template) Name() string {
	return t.name
}

// Render substitutes c into the template and returns the email body. The
// Context is validated first: a missing required field returns a
// *MissingVariableError and no output.
func (t *Template) Render(c Context) (string, error) {
	if err := c.validate(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, c); err != nil {
		return "", fmt.Errorf("while executing template %q: %w", t.name, err)
	}
	return buf.String(), nil
}

func (c Context) validate() error {
	switch {
	case c.CustomerName == "":
		return &MissingVariableError{Variable: "CustomerName"}
	case c.CustomerEmail == "":
		return &MissingVariableError{Variable: "CustomerEmail"}
	case c.CustomerNumber == "":
		return &MissingVariableError{Variable: "CustomerNumber"}
	case c.Datetime == "":
		return &MissingVariableError{Variable: "Datetime"}
	}
	if err := c.OldRetreat.validate("OldRetreat"); err != nil {
		return err
	}
	return c.NewRetreat.validate("NewRetreat")
}

func (r Retreat) validate(prefix string) error {
	switch {
	case r.Name == "":
		return &MissingVariableError{Variable: prefix + ".Name"}
	case r.StartTime.IsZero():
		return &MissingVariableError{Variable: prefix + ".StartTime"}
	case r.EndTime.IsZero():
		return &MissingVariableError{Variable: prefix + ".EndTime"}
	}
	return nil
}
