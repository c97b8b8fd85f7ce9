package automation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	ctx := Fields{
		"patient_name": "Ana",
		"date":         "2026-10-19",
		"time":         "10:00",
		"treatment":    "Cleaning",
	}

	cases := []struct {
		name string
		tmpl string
		want string
	}{
		{"plain", "Hello", "Hello"},
		{"tight", "Hi {{patient_name}}", "Hi Ana"},
		{"spaced", "Hi {{ patient_name }}, {{date}} at {{  time}}", "Hi Ana, 2026-10-19 at 10:00"},
		{"repeated", "{{treatment}}/{{treatment}}", "Cleaning/Cleaning"},
		{"unknown left verbatim", "Hi {{ nickname }}!", "Hi {{ nickname }}!"},
		{"unterminated", "Hi {{patient_name", "Hi {{patient_name"},
		{"nested opening", "{{ {{patient_name}}", "{{ Ana"},
		{"empty key", "{{}}", "{{}}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Render(tc.tmpl, ctx, nil))
		})
	}
}

func TestRenderDoesNotRescanValues(t *testing.T) {
	ctx := Fields{"patient_name": "{{date}}", "date": "2026-10-19"}
	assert.Equal(t, "Hi {{date}}", Render("Hi {{patient_name}}", ctx, nil))
}

func TestRenderEscapesValuesOnly(t *testing.T) {
	ctx := Fields{"patient_name": `<b>Ana & "Bo"</b>`}
	got := Render("<p>Hi {{patient_name}}</p>", ctx, EscaperFor(ChannelEmail))
	assert.Equal(t, "<p>Hi &lt;b&gt;Ana &amp; &#34;Bo&#34;&lt;/b&gt;</p>", got)

	assert.Nil(t, EscaperFor(ChannelWhatsApp))
	assert.Nil(t, EscaperFor(ChannelWebhook))
}
