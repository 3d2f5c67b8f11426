package container

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainerNamePrefix(t *testing.T) {
	assert.Equal(t, "run-abc123", containerName("abc123"))
}

func TestFieldHelperOutOfRangeIsEmpty(t *testing.T) {
	assert.Equal(t, "", field([]string{"a", "b"}, 5))
	assert.Equal(t, "b", field([]string{"a", "b"}, 1))
}

func TestManagerWithoutRuntimeRejectsCreate(t *testing.T) {
	m := &Manager{}
	_, err := m.Create(nil, Spec{RunID: "r1"}) //nolint:staticcheck // nil ctx ok, Create fails before using it
	assert.Error(t, err)
}
