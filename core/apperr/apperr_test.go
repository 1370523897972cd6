package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := Wrap(KindServiceUnavailable, "prover failed", errors.New("exit status 1"))
	wrapped := fmt.Errorf("issue proof: %w", base)

	require.True(t, errors.Is(wrapped, ErrServiceUnavailable))
	require.False(t, errors.Is(wrapped, ErrNotFound))
	assert.Equal(t, KindServiceUnavailable, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindServiceUnavailable))
	assert.Equal(t, "issue proof: prover failed: exit status 1", wrapped.Error())
}

func TestKindOfPlainErrorIsInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("disk on fire")))
	assert.False(t, IsKind(nil, KindInternal))
}

func TestNewf(t *testing.T) {
	err := Newf(KindNotFound, "proof %s not found", "abc")
	assert.Equal(t, "proof abc not found", err.Error())
	assert.Equal(t, "not_found", ErrNotFound.Error())
	assert.Equal(t, "conflict", ErrConflict.Error())
}
