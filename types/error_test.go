package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_MessageAndUnwrap(t *testing.T) {
	cause := errors.New("socket closed")
	e := NewError(ErrRegistryInternal, "failed to store blob").WithCause(cause)

	assert.Contains(t, e.Error(), "SKILL_REG_999")
	assert.Contains(t, e.Error(), "socket closed")
	assert.ErrorIs(t, e, cause)
}

func TestHTTPStatusFor(t *testing.T) {
	cases := map[ErrorCode]int{
		ErrDuplicateSkill:   http.StatusConflict,
		ErrValidationFailed: http.StatusUnprocessableEntity,
		ErrInvalidCode:      http.StatusBadRequest,
		ErrSkillNotFound:    http.StatusNotFound,
		ErrInvalidInputs:    http.StatusUnprocessableEntity,
		ErrExecutionTimeout: http.StatusGatewayTimeout,
		ErrExecutionFailed:  http.StatusInternalServerError,
		ErrInvalidWorkflow:  http.StatusUnprocessableEntity,
		ErrCyclicWorkflow:   http.StatusBadRequest,
		ErrRegistryInternal: http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, HTTPStatusFor(code), string(code))
	}
}

func TestStatusOf_ExplicitOverride(t *testing.T) {
	e := NewError(ErrExecutionFailed, "overloaded").WithHTTPStatus(http.StatusServiceUnavailable)
	assert.Equal(t, http.StatusServiceUnavailable, StatusOf(e))

	assert.Equal(t, http.StatusInternalServerError, StatusOf(NewError(ErrExecutionFailed, "plain")))
}

func TestAsError(t *testing.T) {
	inner := NewError(ErrSkillNotFound, "missing")
	wrapped := fmt.Errorf("outer: %w", inner)
	assert.Equal(t, ErrSkillNotFound, AsError(wrapped, ErrInvocationInternal).Code)

	plain := errors.New("plain")
	e := AsError(plain, ErrInvocationInternal)
	assert.Equal(t, ErrInvocationInternal, e.Code)
	assert.ErrorIs(t, e, plain)
}
