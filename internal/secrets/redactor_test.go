package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactLongestFirst(t *testing.T) {
	r := New()
	r.Register("sk-abc")
	r.Register("sk-abc-extended")

	out := r.Redact("token is sk-abc-extended here")
	require.NotContains(t, out, "sk-abc-extended")
	require.NotContains(t, out, "sk-abc")
	assert.Contains(t, out, MaskToken)
}

func TestRedactIdempotent(t *testing.T) {
	r := New()
	r.Register("hunter2")
	once := r.Redact("password: hunter2")
	twice := r.Redact(once)
	assert.Equal(t, once, twice)
}

func TestRedactIgnoresEmptyValue(t *testing.T) {
	r := New()
	r.Register("")
	out := r.Redact("anything at all")
	assert.Equal(t, "anything at all", out)
}

func TestRegisterEnvRecognisesSuffixesAndNames(t *testing.T) {
	r := New()
	r.RegisterEnv(map[string]string{
		"GITHUB_TOKEN":    "ghp_xxx",
		"DB_PASSWORD":     "p4ss",
		"UNRELATED_VALUE": "shouldnotmask",
	})

	out := r.Redact("ghp_xxx and p4ss and shouldnotmask")
	assert.NotContains(t, out, "ghp_xxx")
	assert.NotContains(t, out, "p4ss")
	assert.Contains(t, out, "shouldnotmask")
}

func TestRedactExtraValuesPerCall(t *testing.T) {
	r := New()
	out := r.Redact("ephemeral-value seen here", "ephemeral-value")
	assert.NotContains(t, out, "ephemeral-value")
}

func TestKnownReportsHits(t *testing.T) {
	r := New()
	r.Register("topsecret")
	hits := r.Known("this contains topsecret right here")
	assert.Equal(t, []string{"topsecret"}, hits)
}
