package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyFirstMatchWins(t *testing.T) {
	c := Classify("received 401 unauthorized and also a timeout", 1)
	assert.Equal(t, ClassAuthenticationError, c.Class)
	assert.False(t, c.Retryable)
}

func TestClassifyRateLimit(t *testing.T) {
	c := Classify("429 too many requests", 1)
	assert.Equal(t, ClassRateLimitExceeded, c.Class)
	assert.True(t, c.Retryable)
	assert.Equal(t, "60s", c.BackoffHint)
}

func TestClassifyOOMByExitCode(t *testing.T) {
	c := Classify("process terminated", 137)
	assert.Equal(t, ClassResourceExhausted, c.Class)
}

func TestClassifyUnknownDefaultsRetryable(t *testing.T) {
	c := Classify("something bizarre happened", 1)
	assert.Equal(t, ClassUnknown, c.Class)
	assert.True(t, c.Retryable)
}

func TestClassifyNonRetryableClasses(t *testing.T) {
	for _, text := range []string{"malformed input, 400", "resource not found, 404", "permission denied, forbidden"} {
		c := Classify(text, 1)
		assert.False(t, c.Retryable, text)
	}
}
