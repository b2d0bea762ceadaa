package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	err := New(KindModel, "KeyNotFound", "persistence:abc")
	assert.Equal(t, "ModelError#KeyNotFound: persistence:abc", err.Error())

	bare := New(KindGeneric, "Test", "")
	assert.Equal(t, "GenericError#Test", bare.Error())
}

func TestIsMatchesKindAndCode(t *testing.T) {
	err := ErrKeyNotFound.WithMessage("persistence:abc")
	wrapped := fmt.Errorf("load session: %w", err)

	assert.True(t, errors.Is(wrapped, ErrKeyNotFound))
	assert.False(t, errors.Is(wrapped, ErrVoidID))
}

func TestWithParamsDoesNotMutateOriginal(t *testing.T) {
	params := map[string]any{"foo": "bar"}
	derived := ErrTest.WithParams(params)
	params["foo"] = "changed"

	assert.Nil(t, ErrTest.Params())
	assert.Equal(t, "bar", derived.Params()["foo"])

	got := derived.Params()
	got["foo"] = "again"
	assert.Equal(t, "bar", derived.Params()["foo"])
}

func TestWrapAndAs(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, KindRedis, "CoreError", "ping")

	require.NotNil(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, Wrap(nil, KindRedis, "CoreError", "ping"))

	tagged, ok := As(fmt.Errorf("outer: %w", err))
	require.True(t, ok)
	assert.Equal(t, KindRedis, tagged.Kind())
	assert.Equal(t, "CoreError", tagged.Code())
	assert.Equal(t, "ping", tagged.Message())

	_, ok = As(cause)
	assert.False(t, ok)
}
