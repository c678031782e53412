package models

import (
	"errors"
	"fmt"
)

// Ошибки хранилища.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Ошибки валидации и состояния компонентов.
var (
	ErrNoViewer             = NewValidationError("viewer is not connected")
	ErrEmptyComment         = NewValidationError("comment cannot be empty")
	ErrEmptyPost            = NewValidationError("post content cannot be empty")
	ErrPostNotFound         = NewNotFoundError("post")
	ErrNotificationNotFound = NewNotFoundError("notification")
	ErrLikePending          = &AppError{Code: CodeConflict, Message: "like toggle already in flight"}
	ErrViewerChanged        = &AppError{Code: CodeAbandoned, Message: "viewer changed while request was in flight"}
)

const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeNotFound     = "NOT_FOUND"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeConflict     = "CONFLICT"
	CodeService      = "SERVICE_ERROR"
	CodeAbandoned    = "ABANDONED"
)

// AppError - ошибка, которую компоненты возвращают вызывающему слою.
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewValidationError(message string) *AppError {
	return &AppError{Code: CodeValidation, Message: message}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{Code: CodeNotFound, Message: resource + " not found"}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{Code: CodeUnauthorized, Message: message}
}

// NewServiceError оборачивает сбой внешнего вызова.
func NewServiceError(op string, err error) *AppError {
	return &AppError{Code: CodeService, Message: "failed to " + op, Err: err}
}

// IsValidation сообщает, что запрос был отклонен до обращения к сервису.
func IsValidation(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == CodeValidation
}

// IsService сообщает, что ошибка пришла от сервиса данных.
func IsService(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == CodeService
}
