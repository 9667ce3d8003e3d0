// Package render personalizes campaign templates for a single recipient.
//
// Templates use {{placeholder}} tokens. A plain token is looked up by the
// literal text between the braces, so {{ true }} renders the field named
// "true" and {{x.y}} the field named "x.y"; neither is evaluated as an
// expression. Tags and filter expressions such as
// {{ first_name | default: "there" }} go through the Liquid engine.
// Any token without a matching field renders as the empty string; a missing
// field never fails a send.
package render

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.]*)\s*\}\}`)

// Renderer renders templates. It is safe for concurrent use; parsed
// templates are cached by content hash so each worker reuses them.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // content hash -> *compiled
}

// compiled is a parsed template whose plain tokens were replaced by
// generated bindings, one per entry in tokens.
type compiled struct {
	tpl    *liquid.Template
	tokens []string
}

func tokenBinding(i int) string { return "__token_" + strconv.Itoa(i) }

// New creates a Renderer.
func New() *Renderer {
	return &Renderer{engine: liquid.NewEngine()}
}

// Render substitutes fields into the template's subject and body.
// The same template and fields always produce byte-identical output.
func (r *Renderer) Render(tpl domain.Template, fields map[string]string) (domain.Rendered, error) {
	bindings := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		bindings[k] = v
	}
	return domain.Rendered{
		Subject: r.renderText(tpl.Subject, fields, bindings),
		Body:    r.renderText(tpl.Body, fields, bindings),
	}, nil
}

func (r *Renderer) renderText(text string, fields map[string]string, bindings map[string]interface{}) string {
	if !strings.Contains(text, "{") {
		return text
	}
	c, err := r.parse(text)
	if err == nil {
		vars := make(map[string]interface{}, len(bindings)+len(c.tokens))
		for k, v := range bindings {
			vars[k] = v
		}
		for i, name := range c.tokens {
			vars[tokenBinding(i)] = fields[name]
		}
		var out string
		out, err = c.tpl.RenderString(vars)
		if err == nil {
			return out
		}
	}
	// Bodies pasted from HTML editors sometimes contain stray {% or
	// unbalanced braces the Liquid parser rejects. Fall back to literal
	// token substitution so the recipient still gets a message.
	logger.Debug("liquid render failed, using literal substitution", "error", err)
	return Substitute(text, fields)
}

func (r *Renderer) parse(text string) (*compiled, error) {
	sum := md5.Sum([]byte(text))
	key := hex.EncodeToString(sum[:])
	if cached, ok := r.cache.Load(key); ok {
		return cached.(*compiled), nil
	}
	c := &compiled{}
	index := make(map[string]int)
	source := placeholderPattern.ReplaceAllStringFunc(text, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		i, ok := index[name]
		if !ok {
			i = len(c.tokens)
			index[name] = i
			c.tokens = append(c.tokens, name)
		}
		return "{{ " + tokenBinding(i) + " }}"
	})
	tpl, err := r.engine.ParseString(source)
	if err != nil {
		return nil, err
	}
	c.tpl = tpl
	r.cache.Store(key, c)
	return c, nil
}

// Substitute replaces every literal {{token}} occurrence with its field
// value, or with "" when no field matches.
func Substitute(text string, fields map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		return fields[name]
	})
}

// Placeholders lists the distinct tokens that occur in text, in order of
// first occurrence.
func Placeholders(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range placeholderPattern.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// Missing returns the tokens used by tpl that have no value in fields.
// Used to warn on previews; it never blocks a send.
func Missing(tpl domain.Template, fields map[string]string) []string {
	var out []string
	for _, p := range Placeholders(tpl.Subject + "\n" + tpl.Body) {
		if v, ok := fields[p]; !ok || v == "" {
			out = append(out, p)
		}
	}
	return out
}

// FieldsFor builds the substitution map for a contact. name and email are
// always present; the remaining keys appear only when the contact has them.
func FieldsFor(c domain.Contact) map[string]string {
	fields := map[string]string{
		"name":  c.FullName(),
		"email": c.Email,
	}
	if c.FirstName != "" {
		fields["first_name"] = c.FirstName
	}
	if c.LastName != "" {
		fields["last_name"] = c.LastName
	}
	if c.Company != "" {
		fields["company"] = c.Company
	}
	return fields
}
