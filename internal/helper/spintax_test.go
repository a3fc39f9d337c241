package helper

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderSpintax(t *testing.T) {
	assert.Equal(t, "no braces here", RenderSpintax("no braces here"))
	assert.Equal(t, "only option", RenderSpintax("{only option}"))

	got := RenderSpintax("{Hi|Hello}, prayer time")
	assert.Contains(t, []string{"Hi, prayer time", "Hello, prayer time"}, got)

	// Every group resolves independently.
	got = RenderSpintax("{a|b} and {c|d}")
	assert.NotContains(t, got, "{")
	assert.NotContains(t, got, "}")
}
