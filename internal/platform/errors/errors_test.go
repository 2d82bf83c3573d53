package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapKeepsExistingCode(t *testing.T) {
	inner := NotFound("workflow_instance", "wf-1")
	wrapped := Wrap(fmt.Errorf("load: %w", inner), ErrCodeInternal, "failed")

	assert.Equal(t, ErrCodeNotFound, CodeOf(wrapped))
	assert.Equal(t, "wf-1", DetailsOf(wrapped)["id"])
	assert.Nil(t, Wrap(nil, ErrCodeInternal, "x"))

	plain := Wrap(fmt.Errorf("boom"), ErrCodeUnavailable, "db down")
	assert.True(t, HasCode(plain, ErrCodeUnavailable))
	assert.Contains(t, plain.Error(), "boom")
}

func TestCodeOfUncoded(t *testing.T) {
	assert.Equal(t, ErrCodeInternal, CodeOf(fmt.Errorf("plain")))
	assert.Nil(t, DetailsOf(fmt.Errorf("plain")))
}

func TestHTTPStatus(t *testing.T) {
	const custom Code = "CUSTOM_TEST_CODE"
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(custom))
	RegisterHTTPStatus(custom, http.StatusTeapot)
	assert.Equal(t, http.StatusTeapot, HTTPStatus(custom))

	assert.Equal(t, http.StatusBadRequest, HTTPStatus(ErrCodeInvalidInput))
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(ErrCodeUnauthorized))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(ErrCodeUnavailable))
}

func TestWithDetail(t *testing.T) {
	err := InvalidInput("levels", "at least one level is required").WithDetail("index", 0)
	assert.Equal(t, map[string]any{"field": "levels", "index": 0}, err.Details)
	assert.Equal(t, "INVALID_INPUT: at least one level is required", err.Error())
}
