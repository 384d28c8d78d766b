package api

import (
	"errors"
	"fmt"

	"gridstone/internal/record"
	"gridstone/internal/schema"
	"gridstone/internal/store"
)

type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
}

type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func NotFoundError(entity, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Status:  404,
		Message: fmt.Sprintf("%s with id %s not found", entity, id),
	}
}

func BadRequestError(msg string) *AppError {
	return &AppError{Code: "BAD_REQUEST", Status: 400, Message: msg}
}

// mapDomainError translates typed errors from the lower layers into the
// HTTP error shape. Anything unrecognized passes through to the fiber
// error handler as a 500.
func mapDomainError(err error) error {
	var unknownTable *schema.UnknownTableError
	if errors.As(err, &unknownTable) {
		return &AppError{Code: "UNKNOWN_TABLE", Status: 404, Message: err.Error()}
	}

	var unknownField *schema.UnknownFieldError
	if errors.As(err, &unknownField) {
		return &AppError{Code: "UNKNOWN_FIELD", Status: 400, Message: err.Error()}
	}

	var conversion *schema.TypeConversionError
	if errors.As(err, &conversion) {
		appErr := &AppError{
			Code:    "TYPE_CONVERSION_FAILED",
			Status:  422,
			Message: err.Error(),
		}
		for _, f := range conversion.Failures {
			appErr.Details = append(appErr.Details, ErrorDetail{
				Field:   conversion.Field,
				Message: fmt.Sprintf("record %s: value %q %s", f.RecordID, f.Value, f.Reason),
			})
		}
		return appErr
	}

	var invalid *record.InvalidMutationError
	if errors.As(err, &invalid) {
		return &AppError{Code: "INVALID_MUTATION", Status: 400, Message: err.Error()}
	}

	if errors.Is(err, store.ErrNotFound) {
		return &AppError{Code: "NOT_FOUND", Status: 404, Message: "not found"}
	}

	return err
}
