package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].config", ErrCodeValidation, "action not found")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "steps[0].config", r.Errors[0].Path)
	assert.Equal(t, ErrCodeValidation, r.Errors[0].Code)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_AddWarning(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("steps[1].config.prompt", CodeNullableOutputPath, "optional field")

	assert.True(t, r.Valid(), "warnings alone should not make result invalid")
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_AddRoutesBySeverity(t *testing.T) {
	r := &ValidationResult{}
	r.Add(ValidationIssue{Code: CodeUnknownStepReference, Message: "missing"})
	r.Add(ValidationIssue{Code: CodeNullableOutputPath, Message: "nullable", Severity: SeverityWarning})

	require.Len(t, r.Errors, 1)
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ErrCodeValidation, "err1")
	r1.AddWarning("/", ErrCodeValidation, "warn1")

	r2 := &ValidationResult{}
	r2.AddError("steps[0]", CodeInvalidGraph, "err2")
	r2.AddWarning("steps[1]", ErrCodeValidation, "warn2")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 2)
}

func TestValidationResult_MarshalJSON(t *testing.T) {
	r := ValidationResult{}
	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"valid":true,"errors":[],"warnings":[]}`, string(data))

	r.AddError("/", CodeUnknownStepReference, "boom")
	data, err = json.Marshal(r)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, false, decoded["valid"])
}

func TestValidationResult_ToError(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("/", ErrCodeValidation, "just a warning")
	assert.Nil(t, r.ToError())

	r.AddError("steps[0]", CodeUnknownStepReference, "unknown step")
	err := r.ToErrorWithCode(ErrCodeReference)
	require.Error(t, err)

	var ae *AutomataError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, ErrCodeReference, ae.Code)
	assert.Equal(t, "unknown step", ae.Message)
	assert.Equal(t, 1, ae.Details["error_count"])

	r.AddError("/", ErrCodeValidation, "second")
	require.ErrorAs(t, r.ToError(), &ae)
	assert.Contains(t, ae.Message, "2 errors")
}
