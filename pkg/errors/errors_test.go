package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_ErrorString(t *testing.T) {
	err := NewValidationError("name is required")
	assert.Equal(t, "VALIDATION_ERROR: name is required", err.Error())

	cause := stderrors.New("underlying failure")
	wrapped := NewInternalError("operation failed").WithCause(cause)
	assert.Contains(t, wrapped.Error(), "underlying failure")
}

func TestAppError_Unwrap(t *testing.T) {
	cause := stderrors.New("root cause")
	err := NewExternalError("slack", "delivery failed").WithCause(cause)

	assert.ErrorIs(t, err, cause)
}

func TestAppError_Details(t *testing.T) {
	err := NewConnectorError("prod-pg", "connection refused").
		WithDetail("host", "db.internal")

	assert.Equal(t, "prod-pg", err.Details["connector"])
	assert.Equal(t, "db.internal", err.Details["host"])
	assert.Equal(t, ErrorTypeExternal, err.Type)
}

func TestDomainConstructors(t *testing.T) {
	source := NewSourceError("prod-pg", "query failed")
	assert.Equal(t, "SOURCE_ERROR", source.Code)
	assert.Equal(t, "prod-pg", source.Details["source"])

	check := NewCheckError("abc-123", "freshness check failed")
	assert.Equal(t, "CHECK_ERROR", check.Code)
	assert.Equal(t, "abc-123", check.Details["check_id"])

	rejected := NewQueryRejectedError("only SELECT statements are permitted")
	assert.Equal(t, "QUERY_REJECTED", rejected.Code)
	assert.Equal(t, ErrorTypeValidation, rejected.Type)
}

func TestIsType(t *testing.T) {
	assert.True(t, IsType(NewValidationError("x"), ErrorTypeValidation))
	assert.False(t, IsType(NewValidationError("x"), ErrorTypeNotFound))
	assert.False(t, IsType(stderrors.New("plain"), ErrorTypeValidation))
}

func TestIsNotFound(t *testing.T) {
	require.True(t, IsNotFound(NewNotFoundError("source")))
	assert.False(t, IsNotFound(NewValidationError("x")))
	assert.False(t, IsNotFound(nil))
	assert.False(t, IsNotFound(stderrors.New("missing")))
}
