package automation

import (
	"html"
	"strings"
)

// TemplateContext resolves placeholder keys.
type TemplateContext interface {
	Lookup(key string) (string, bool)
}

// Fields is a fixed map context.
type Fields map[string]string

func (f Fields) Lookup(key string) (string, bool) {
	v, ok := f[key]
	return v, ok
}

// Escaper transforms a substituted value before it is written. The template
// text itself is never escaped.
type Escaper func(string) string

// EscaperFor returns the escaper for a delivery channel. Email bodies are
// sent as HTML; the other channels carry plain text.
func EscaperFor(c Channel) Escaper {
	if c == ChannelEmail {
		return html.EscapeString
	}
	return nil
}

// Render replaces {{key}} placeholders, allowing whitespace around the key.
// Unknown keys and unterminated braces are copied verbatim, and substituted
// values are not scanned again, so a value containing "{{x}}" stays literal.
func Render(tmpl string, ctx TemplateContext, escape Escaper) string {
	var b strings.Builder
	b.Grow(len(tmpl))

	rest := tmpl
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:start])
		rest = rest[start:]

		end := strings.Index(rest[2:], "}}")
		if end < 0 {
			b.WriteString(rest)
			return b.String()
		}
		inner := rest[2 : 2+end]

		// "{{ {{name}}": the outer braces are literal text.
		if strings.Contains(inner, "{{") {
			b.WriteString("{{")
			rest = rest[2:]
			continue
		}

		placeholder := rest[:2+end+2]
		rest = rest[2+end+2:]

		v, ok := ctx.Lookup(strings.TrimSpace(inner))
		if !ok {
			b.WriteString(placeholder)
			continue
		}
		if escape != nil {
			v = escape(v)
		}
		b.WriteString(v)
	}
}
