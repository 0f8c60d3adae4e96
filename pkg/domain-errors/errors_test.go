package dErrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasCode(t *testing.T) {
	t.Run("matches outer code", func(t *testing.T) {
		err := New(CodeUnknownCode, "no such code")
		assert.True(t, HasCode(err, CodeUnknownCode))
		assert.False(t, HasCode(err, CodeSelfReferral))
	})

	t.Run("matches wrapped code through fmt.Errorf", func(t *testing.T) {
		inner := New(CodeSpaceExhausted, "retries exhausted")
		err := fmt.Errorf("reserve: %w", inner)
		assert.True(t, HasCode(err, CodeSpaceExhausted))
	})

	t.Run("matches inner code through Wrap", func(t *testing.T) {
		inner := New(CodeConflict, "duplicate")
		err := Wrap(inner, CodeInternal, "store failed")
		assert.True(t, HasCode(err, CodeInternal))
		assert.True(t, HasCode(err, CodeConflict))
	})

	t.Run("uncoded errors never match", func(t *testing.T) {
		assert.False(t, HasCode(errors.New("plain"), CodeInternal))
		assert.False(t, HasCode(nil, CodeInternal))
	})
}

func TestWrap(t *testing.T) {
	t.Run("nil in nil out", func(t *testing.T) {
		assert.NoError(t, Wrap(nil, CodeInternal, "ignored"))
	})

	t.Run("preserves errors.Is chain", func(t *testing.T) {
		sentinel := errors.New("boom")
		err := Wrap(sentinel, CodeInternal, "wrapped")
		require.ErrorIs(t, err, sentinel)
	})
}

func TestToHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeInvalidFormat:     http.StatusUnprocessableEntity,
		CodeUnknownCode:       http.StatusNotFound,
		CodeNoCodeYet:         http.StatusNotFound,
		CodeSelfReferral:      http.StatusConflict,
		CodeAlreadyReferred:   http.StatusConflict,
		CodeSpaceExhausted:    http.StatusServiceUnavailable,
		CodeTransientConflict: http.StatusServiceUnavailable,
		CodePermissionDenied:  http.StatusUnauthorized,
		CodeTimeout:           http.StatusGatewayTimeout,
		CodeInternal:          http.StatusInternalServerError,
		Code("unmapped"):      http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, ToHTTPStatus(code), string(code))
	}
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeSelfReferral, CodeOf(New(CodeSelfReferral, "own code")))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
}
