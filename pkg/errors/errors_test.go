package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := New(CodeInvalidInput, "bundle", "load", "path required")
	assert.Equal(t, "[bundle:load] INVALID_INPUT: path required", err.Error())

	wrapped := err.Wrap(fmt.Errorf("underlying"))
	assert.Contains(t, wrapped.Error(), "underlying")
}

func TestUnwrapChain(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := StoreError("insert", "insert failed").Wrap(cause)
	assert.True(t, errors.Is(err, cause))

	outer := fmt.Errorf("context: %w", err)
	got, ok := AsAppError(outer)
	require.True(t, ok)
	assert.Equal(t, CodeStoreFailure, got.Code)
}

func TestKindPredicates(t *testing.T) {
	assert.True(t, IsNotFound(NotFound("bundle", "get", "missing")))
	assert.False(t, IsNotFound(InvalidInput("bundle", "load", "bad")))
	assert.True(t, IsInvalidInput(InvalidInput("bundle", "load", "bad")))
	assert.False(t, IsInvalidInput(fmt.Errorf("plain")))
}

func TestMetadataAndToMap(t *testing.T) {
	err := ConfigError("validate", "bad port").WithMetadata("port", 99999)
	m := err.ToMap()
	assert.Equal(t, CodeConfigInvalid, m["error_code"])
	assert.Equal(t, 99999, m["error_meta_port"])
	assert.Equal(t, "config", m["error_component"])
}
