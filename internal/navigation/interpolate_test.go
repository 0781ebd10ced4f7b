package navigation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"convoflow/internal/core"
)

func TestInterpolateCollectedData(t *testing.T) {
	s := core.NewSession("s1", "u1", "t1")
	s.CollectedData["name"] = "Juan"
	s.CollectedData["age"] = 25

	got := interpolate("Hello {{name}}, you are {{age}}", s)
	assert.Equal(t, "Hello Juan, you are 25", got)
}

func TestInterpolateMissingVariableRendersEmpty(t *testing.T) {
	s := core.NewSession("s1", "u1", "t1")
	s.CollectedData["name"] = "Juan"

	got := interpolate("Hello {{name}} from {{company}}", s)
	assert.Equal(t, "Hello Juan from ", got)
}

func TestInterpolateGlobalVarsAfterCollected(t *testing.T) {
	s := core.NewSession("s1", "u1", "t1")
	s.CollectedData["greeting"] = "hi"
	s.GlobalVars["greeting"] = "hello"
	s.GlobalVars["brand"] = "Acme"

	got := interpolate("{{greeting}} from {{brand}}", s)
	assert.Equal(t, "hi from Acme", got, "collected data wins over globals")
}

func TestInterpolateBuiltins(t *testing.T) {
	s := core.NewSession("s1", "u1", "t1")

	got := interpolate("today is {{date}}", s)
	assert.NotEqual(t, "today is ", got)
	assert.NotContains(t, got, "{{")
}

func TestInterpolateMalformedLeftVerbatim(t *testing.T) {
	s := core.NewSession("s1", "u1", "t1")

	got := interpolate("open {{name brace", s)
	assert.Equal(t, "open {{name brace", got)
}

func TestInterpolateFloatRendering(t *testing.T) {
	s := core.NewSession("s1", "u1", "t1")
	s.CollectedData["count"] = float64(7) // JSON numbers decode as float64
	s.CollectedData["score"] = 7.5

	assert.Equal(t, "7 and 7.5", interpolate("{{count}} and {{score}}", s))
}
