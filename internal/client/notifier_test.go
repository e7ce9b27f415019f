package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderTemplate(t *testing.T) {
	t.Run("substitutes known placeholders", func(t *testing.T) {
		out := RenderTemplate("Proposal {{number}} for {{client}}", map[string]string{
			"number": "PRO-1",
			"client": "Acme",
		})
		assert.Equal(t, "Proposal PRO-1 for Acme", out)
	})

	t.Run("unknown placeholders stay visible", func(t *testing.T) {
		out := RenderTemplate("Hello {{nobody}}", map[string]string{"client": "Acme"})
		assert.Equal(t, "Hello {{nobody}}", out)
	})

	t.Run("repeated placeholder filled everywhere", func(t *testing.T) {
		out := RenderTemplate("{{n}} and {{n}}", map[string]string{"n": "x"})
		assert.Equal(t, "x and x", out)
	})

	t.Run("no placeholders passes through", func(t *testing.T) {
		assert.Equal(t, "plain", RenderTemplate("plain", nil))
	})
}
