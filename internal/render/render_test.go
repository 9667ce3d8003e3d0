package render

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/dispatch-engine/internal/domain"
)

func TestRender_SubstitutesSubjectAndBody(t *testing.T) {
	r := New()
	tpl := domain.Template{
		Subject: "Hello {{name}}",
		Body:    "Dear {{ name }}, greetings from {{company}}. Reply to {{email}}.",
	}
	out, err := r.Render(tpl, map[string]string{"name": "Ada", "company": "Acme", "email": "ada@acme.io"})
	require.NoError(t, err)
	assert.Equal(t, "Hello Ada", out.Subject)
	assert.Equal(t, "Dear Ada, greetings from Acme. Reply to ada@acme.io.", out.Body)
}

func TestRender_MissingFieldIsEmpty(t *testing.T) {
	r := New()
	out, err := r.Render(domain.Template{Subject: "Hi {{name}}", Body: "Hi {{name}}"}, map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, "Hi ", out.Subject)
	assert.Equal(t, "Hi ", out.Body)
}

func TestRender_UndeclaredTokenStillSubstituted(t *testing.T) {
	r := New()
	tpl := domain.Template{
		Subject:      "For {{company}}",
		Placeholders: []string{"name", "unused"},
	}
	out, err := r.Render(tpl, map[string]string{"company": "Acme"})
	require.NoError(t, err)
	assert.Equal(t, "For Acme", out.Subject)
}

func TestRender_Deterministic(t *testing.T) {
	r := New()
	tpl := domain.Template{Subject: "{{first_name}} {{last_name}}", Body: "{{company}} / {{email}}"}
	fields := map[string]string{"first_name": "A", "last_name": "B", "company": "C", "email": "d@e.io"}

	first, err := r.Render(tpl, fields)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := r.Render(tpl, fields)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	// A fresh renderer with an empty cache agrees.
	fresh, err := New().Render(tpl, fields)
	require.NoError(t, err)
	assert.Equal(t, first, fresh)
}

func TestRender_LiquidFilter(t *testing.T) {
	r := New()
	out, err := r.Render(domain.Template{Subject: `Hi {{ first_name | default: "there" }}`}, map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, "Hi there", out.Subject)
}

func TestRender_FallsBackOnLiquidSyntaxError(t *testing.T) {
	r := New()
	out, err := r.Render(domain.Template{Body: "50% off {% broken for {{name}}"}, map[string]string{"name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "50% off {% broken for Ada", out.Body)
}

func TestRender_FieldValuesAreNotEvaluated(t *testing.T) {
	r := New()
	out, err := r.Render(domain.Template{Subject: "Hi {{name}}"}, map[string]string{"name": "{{email}}"})
	require.NoError(t, err)
	assert.Equal(t, "Hi {{email}}", out.Subject)
}

func TestRender_TokensAreLiteralFieldNames(t *testing.T) {
	r := New()
	tpl := domain.Template{
		Subject: "{{ true }}|{{x.y}}|{{ nil }}",
		Body:    "{{ first_name }} {{ first_name | upcase }}",
	}
	out, err := r.Render(tpl, map[string]string{"x.y": "dotted", "first_name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, "|dotted|", out.Subject)
	assert.Equal(t, "ada ADA", out.Body)

	out, err = r.Render(tpl, map[string]string{"true": "yes", "nil": "none"})
	require.NoError(t, err)
	assert.Equal(t, "yes||none", out.Subject)
	assert.Equal(t, Substitute(tpl.Subject, map[string]string{"true": "yes", "nil": "none"}), out.Subject)
}

func TestRender_ConcurrentUse(t *testing.T) {
	r := New()
	tpl := domain.Template{Subject: "Hi {{name}}"}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := r.Render(tpl, map[string]string{"name": "x"})
			assert.NoError(t, err)
			assert.Equal(t, "Hi x", out.Subject)
		}()
	}
	wg.Wait()
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, []string{"name", "company"}, Placeholders("{{name}} at {{ company }} ({{name}})"))
	assert.Empty(t, Placeholders("no tokens"))
}

func TestMissing(t *testing.T) {
	tpl := domain.Template{Subject: "{{name}}", Body: "{{company}} {{email}}"}
	assert.Equal(t, []string{"company"}, Missing(tpl, map[string]string{"name": "A", "email": "a@b.io"}))
}

func TestFieldsFor(t *testing.T) {
	f := FieldsFor(domain.Contact{Email: "a@b.io", FirstName: "Ada", Company: "Acme"})
	assert.Equal(t, "Ada", f["name"])
	assert.Equal(t, "a@b.io", f["email"])
	assert.Equal(t, "Acme", f["company"])
	_, hasLast := f["last_name"]
	assert.False(t, hasLast)

	noName := FieldsFor(domain.Contact{Email: "x@y.io"})
	assert.Equal(t, "", noName["name"])
}
